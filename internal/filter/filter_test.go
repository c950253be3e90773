package filter

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddThenRestartPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "filter.toml")

	f := New(path)
	require.NoError(t, f.Add(Blacklist, Exact, "evil.example"))
	require.NoError(t, f.Add(Blacklist, Exact, "evil.example")) // idempotent

	reloaded, err := Load(path)
	require.NoError(t, err)
	require.True(t, reloaded.Contains(Blacklist, "evil.example"))
	require.Len(t, reloaded.List(Blacklist, Exact), 1)
}

func TestWildcardSemantics(t *testing.T) {
	f := New(filepath.Join(t.TempDir(), "filter.toml"))
	require.NoError(t, f.Add(Blacklist, Wildcard, "*.doubleclick.net"))

	require.True(t, f.Contains(Blacklist, "ads.doubleclick.net"))
	require.True(t, f.Contains(Blacklist, "a.b.doubleclick.net"))
	require.True(t, f.Contains(Blacklist, "doubleclick.net"))
	require.False(t, f.Contains(Blacklist, "doubleclick.net.evil.com"))
}

func TestPlainWildcardMatchesAnySuffix(t *testing.T) {
	f := New(filepath.Join(t.TempDir(), "filter.toml"))
	require.NoError(t, f.Add(Blacklist, Wildcard, "tracker.example"))

	require.True(t, f.Contains(Blacklist, "tracker.example"))
	require.True(t, f.Contains(Blacklist, "sub.tracker.example"))
	require.True(t, f.Contains(Blacklist, "nottracker.example"))
}

func TestInvalidRegexRejected(t *testing.T) {
	f := New(filepath.Join(t.TempDir(), "filter.toml"))
	err := f.Add(Blacklist, Regex, "(unterminated")
	require.ErrorIs(t, err, ErrInvalidPattern)
}

func TestRegexMatch(t *testing.T) {
	f := New(filepath.Join(t.TempDir(), "filter.toml"))
	require.NoError(t, f.Add(Blacklist, Regex, `^(^|\.)tracker\d+\.com$`))
	require.True(t, f.Contains(Blacklist, "tracker7.com"))
	require.False(t, f.Contains(Blacklist, "tracker.com"))
}

func TestMergeFromFileUnions(t *testing.T) {
	dir := t.TempDir()
	main := New(filepath.Join(dir, "filter.toml"))
	require.NoError(t, main.Add(Blacklist, Exact, "a.example"))

	external := New(filepath.Join(dir, "external.toml"))
	require.NoError(t, external.Add(Blacklist, Exact, "b.example"))

	require.NoError(t, main.MergeFromFile(filepath.Join(dir, "external.toml")))
	require.True(t, main.Contains(Blacklist, "a.example"))
	require.True(t, main.Contains(Blacklist, "b.example"))
}

func TestReplaceFromFile(t *testing.T) {
	dir := t.TempDir()
	main := New(filepath.Join(dir, "filter.toml"))
	require.NoError(t, main.Add(Blacklist, Exact, "a.example"))

	external := New(filepath.Join(dir, "external.toml"))
	require.NoError(t, external.Add(Blacklist, Exact, "b.example"))

	require.NoError(t, main.ReplaceFromFile(filepath.Join(dir, "external.toml")))
	require.False(t, main.Contains(Blacklist, "a.example"))
	require.True(t, main.Contains(Blacklist, "b.example"))
}

func TestConcurrentReadsAndWritesDontDeadlock(t *testing.T) {
	f := New(filepath.Join(t.TempDir(), "filter.toml"))
	require.NoError(t, f.Add(Blacklist, Exact, "seed.example"))

	var wg sync.WaitGroup
	for i := 0; i < 1000; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.Contains(Blacklist, "seed.example")
		}()
	}
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			host := "writer.example"
			if i%2 == 0 {
				_ = f.Add(Blacklist, Exact, host)
			} else {
				_ = f.Remove(Blacklist, Exact, host)
			}
		}(i)
	}
	wg.Wait()
}
