// Package filter implements the domain filter engine (§4.B): six disjoint
// containers (blacklist/whitelist × exact/wildcard/regex) with exact,
// suffix-wildcard, and regex matching, atomic on-disk persistence, and a
// reader-preferring lock so that lookups never starve behind a writer.
//
// The atomic-write idiom (temp file, backup-before-rename, then rename) is
// grounded on the teacher's own backup-and-restore dance in
// cmd/upgradepackage.go: back up the live artifact, write the new one, and
// only replace the original once the new one is known-good.
package filter

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"

	"interceptproxy/internal/log"
)

// List selects which of the two top-level containers an operation targets.
type List int

const (
	Blacklist List = iota
	Whitelist
)

func (l List) String() string {
	if l == Blacklist {
		return "blacklist"
	}
	return "whitelist"
}

// Kind selects which match strategy within a List an operation targets.
type Kind int

const (
	Exact Kind = iota
	Wildcard
	Regex
)

func (k Kind) String() string {
	switch k {
	case Exact:
		return "exact"
	case Wildcard:
		return "wildcard"
	case Regex:
		return "regex"
	default:
		return "unknown"
	}
}

// ErrInvalidPattern is returned when a regex pattern fails to compile
// (§7, *invalid-pattern*).
var ErrInvalidPattern = errors.New("filter: invalid pattern")

// listData is the on-disk shape of one of the two top-level containers.
type listData struct {
	Exact    []string `toml:"exact"`
	Wildcard []string `toml:"wildcard"`
	Regex    []string `toml:"regex"`
}

// onDisk is the full structured text file (§3, §6): a [blacklist] and a
// [whitelist] section, each with the three arrays.
type onDisk struct {
	Blacklist listData `toml:"blacklist"`
	Whitelist listData `toml:"whitelist"`
}

// compiled mirrors listData but with regex patterns pre-compiled; recomputed
// whenever the backing listData changes so that contains() never compiles a
// pattern on the read path.
type compiled struct {
	exact    map[string]struct{}
	wildcard []string
	regex    []*regexp.Regexp
}

// Filter is the live, in-memory domain filter. The zero value is not usable;
// construct with New or Load.
type Filter struct {
	mu   sync.RWMutex // reader-preferring: contains() only RLocks
	path string
	data onDisk

	blacklist compiled
	whitelist compiled

	logger *zap.Logger
}

// New creates an empty Filter that persists to path.
func New(path string) *Filter {
	return &Filter{
		path:   path,
		logger: log.Named("filter"),
	}
}

// Load reads an existing filter file from path, or returns an empty Filter
// if the file does not exist yet (first run).
func Load(path string) (*Filter, error) {
	f := New(path)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return f, nil
	}
	data, err := readOnDisk(path)
	if err != nil {
		return nil, err
	}
	f.data = data
	if err := f.recompile(); err != nil {
		return nil, err
	}
	return f, nil
}

func readOnDisk(path string) (onDisk, error) {
	var d onDisk
	_, err := toml.DecodeFile(path, &d)
	if err != nil {
		return onDisk{}, fmt.Errorf("filter: decode %s: %w", path, err)
	}
	return d, nil
}

// recompile rebuilds the compiled exact/wildcard/regex views from f.data.
// Must be called with mu held for writing.
func (f *Filter) recompile() error {
	bl, err := compileList(f.data.Blacklist)
	if err != nil {
		return err
	}
	wl, err := compileList(f.data.Whitelist)
	if err != nil {
		return err
	}
	f.blacklist = bl
	f.whitelist = wl
	return nil
}

func compileList(d listData) (compiled, error) {
	c := compiled{
		exact:    make(map[string]struct{}, len(d.Exact)),
		wildcard: append([]string(nil), d.Wildcard...),
	}
	for _, e := range d.Exact {
		c.exact[normalizeHost(e)] = struct{}{}
	}
	for _, pat := range d.Regex {
		re, err := regexp.Compile(pat)
		if err != nil {
			return compiled{}, fmt.Errorf("%w: %q: %v", ErrInvalidPattern, pat, err)
		}
		c.regex = append(c.regex, re)
	}
	return c, nil
}

// normalizeHost lowercases and strips a single trailing dot, since both the
// CONNECT authority and the Host header may carry either form (SPEC_FULL.md
// §4.B expansion).
func normalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	return strings.TrimSuffix(host, ".")
}

func (c *compiled) listData() listData {
	d := listData{Wildcard: append([]string(nil), c.wildcard...)}
	for e := range c.exact {
		d.Exact = append(d.Exact, e)
	}
	for _, re := range c.regex {
		d.Regex = append(d.Regex, re.String())
	}
	return d
}

// Add inserts pattern into list/kind, persisting after the write. For
// Regex, the pattern is compiled eagerly and rejected with ErrInvalidPattern
// if it does not compile.
func (f *Filter) Add(list List, kind Kind, pattern string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	c := f.containerLocked(list)
	switch kind {
	case Exact:
		c.exact[normalizeHost(pattern)] = struct{}{}
	case Wildcard:
		if !containsString(c.wildcard, pattern) {
			c.wildcard = append(c.wildcard, pattern)
		}
	case Regex:
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("%w: %q: %v", ErrInvalidPattern, pattern, err)
		}
		c.regex = append(c.regex, re)
	}
	f.setContainerLocked(list, c)
	return f.persistLocked()
}

// Remove deletes pattern from list/kind by exact-string match against the
// stored form (for regex, against the source pattern text), persisting
// after the write.
func (f *Filter) Remove(list List, kind Kind, pattern string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	c := f.containerLocked(list)
	switch kind {
	case Exact:
		delete(c.exact, normalizeHost(pattern))
	case Wildcard:
		c.wildcard = removeString(c.wildcard, pattern)
	case Regex:
		filtered := c.regex[:0:0]
		for _, re := range c.regex {
			if re.String() != pattern {
				filtered = append(filtered, re)
			}
		}
		c.regex = filtered
	}
	f.setContainerLocked(list, c)
	return f.persistLocked()
}

// Contains reports whether host matches any of the three match kinds within
// list, in the evaluation order mandated by §4.B: exact, then wildcard
// (suffix match, stripping a leading "*."), then regex (full-string search).
func (f *Filter) Contains(list List, host string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	host = normalizeHost(host)
	c := f.containerLocked(list)

	if _, ok := c.exact[host]; ok {
		return true
	}
	for _, pat := range c.wildcard {
		if strings.HasPrefix(pat, "*.") {
			suffix := strings.TrimPrefix(pat, "*.")
			if host == suffix || strings.HasSuffix(host, "."+suffix) {
				return true
			}
			continue
		}
		// A plain pattern with no leading "*." matches any host ending in
		// it, dot boundary or not (§4.B): "tracker.example" also matches
		// "nottracker.example".
		if strings.HasSuffix(host, pat) {
			return true
		}
	}
	for _, re := range c.regex {
		if re.MatchString(host) {
			return true
		}
	}
	return false
}

// Blacklisted is a convenience wrapper equivalent to Contains(Blacklist, host).
func (f *Filter) Blacklisted(host string) bool {
	return f.Contains(Blacklist, host)
}

// Whitelisted is a convenience wrapper equivalent to Contains(Whitelist, host).
func (f *Filter) Whitelisted(host string) bool {
	return f.Contains(Whitelist, host)
}

// List returns a snapshot of the current entries for list/kind.
func (f *Filter) List(list List, kind Kind) []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	c := f.containerLocked(list)
	switch kind {
	case Exact:
		out := make([]string, 0, len(c.exact))
		for e := range c.exact {
			out = append(out, e)
		}
		return out
	case Wildcard:
		return append([]string(nil), c.wildcard...)
	case Regex:
		out := make([]string, 0, len(c.regex))
		for _, re := range c.regex {
			out = append(out, re.String())
		}
		return out
	}
	return nil
}

// MergeFromFile loads path and unions its entries into the current filter.
// The external file is fully validated (every regex pattern compiles)
// before the write lock is acquired, so a malformed external file never
// blocks readers or writers (§4.B: "fail-fast").
func (f *Filter) MergeFromFile(path string) error {
	data, err := readOnDisk(path)
	if err != nil {
		return err
	}
	blMerged, err := compileList(data.Blacklist)
	if err != nil {
		return err
	}
	wlMerged, err := compileList(data.Whitelist)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.blacklist = unionCompiled(f.blacklist, blMerged)
	f.whitelist = unionCompiled(f.whitelist, wlMerged)
	return f.persistLocked()
}

// ReplaceFromFile loads path and replaces the current filter's contents
// wholesale. Validated before the write lock is acquired, same as
// MergeFromFile.
func (f *Filter) ReplaceFromFile(path string) error {
	data, err := readOnDisk(path)
	if err != nil {
		return err
	}
	bl, err := compileList(data.Blacklist)
	if err != nil {
		return err
	}
	wl, err := compileList(data.Whitelist)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.blacklist = bl
	f.whitelist = wl
	return f.persistLocked()
}

func unionCompiled(base, add compiled) compiled {
	out := compiled{
		exact:    make(map[string]struct{}, len(base.exact)+len(add.exact)),
		wildcard: append([]string(nil), base.wildcard...),
		regex:    append([]*regexp.Regexp(nil), base.regex...),
	}
	for k := range base.exact {
		out.exact[k] = struct{}{}
	}
	for k := range add.exact {
		out.exact[k] = struct{}{}
	}
	for _, w := range add.wildcard {
		if !containsString(out.wildcard, w) {
			out.wildcard = append(out.wildcard, w)
		}
	}
	seen := make(map[string]struct{}, len(out.regex))
	for _, re := range out.regex {
		seen[re.String()] = struct{}{}
	}
	for _, re := range add.regex {
		if _, ok := seen[re.String()]; !ok {
			out.regex = append(out.regex, re)
			seen[re.String()] = struct{}{}
		}
	}
	return out
}

// containerLocked returns the compiled container for list. Must be called
// with mu held (read or write).
func (f *Filter) containerLocked(list List) compiled {
	if list == Blacklist {
		return f.blacklist
	}
	return f.whitelist
}

func (f *Filter) setContainerLocked(list List, c compiled) {
	if list == Blacklist {
		f.blacklist = c
	} else {
		f.whitelist = c
	}
}

// persistLocked writes the current filter to disk atomically: a backup of
// the existing file is made first, then the new content is written to a
// temp file and renamed over the original. Must be called with mu held for
// writing.
func (f *Filter) persistLocked() error {
	if f.path == "" {
		return nil
	}

	f.data = onDisk{
		Blacklist: f.blacklist.listData(),
		Whitelist: f.whitelist.listData(),
	}

	backupPath := f.path + ".backup"
	if existing, err := os.ReadFile(f.path); err == nil {
		if err := os.WriteFile(backupPath, existing, 0o600); err != nil {
			f.logger.Warn("failed to write filter backup", zap.Error(err), zap.String("path", backupPath))
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		f.logger.Warn("failed to read filter for backup", zap.Error(err))
	}

	tmpPath := f.path + ".tmp"
	tmpFile, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("filter: create temp file: %w", err)
	}
	enc := toml.NewEncoder(tmpFile)
	if err := enc.Encode(f.data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("filter: encode: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("filter: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		return fmt.Errorf("filter: rename temp file: %w", err)
	}
	return nil
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

func removeString(ss []string, s string) []string {
	out := ss[:0:0]
	for _, v := range ss {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
