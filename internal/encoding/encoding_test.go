package encoding

import (
	"bytes"
	"compress/flate"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
)

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, err := w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func brotliBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := brotli.NewWriter(&buf)
	_, err := w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func deflateBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

// TestGzipThenBrotliRoundTrip is spec property 3: a body encoded with gzip
// and then brotli (header "gzip, br") decodes in reverse order, brotli first
// and then gzip, back to plaintext.
func TestGzipThenBrotliRoundTrip(t *testing.T) {
	want := []byte("hello, intercepting proxy")
	inner := gzipBytes(t, want)
	outer := brotliBytes(t, inner)

	got, err := Decode(outer, "gzip, br")
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestDeflateRoundTrip(t *testing.T) {
	want := []byte("deflated payload")
	got, err := Decode(deflateBytes(t, want), "deflate")
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestIdentityAndEmptyPassThrough(t *testing.T) {
	want := []byte("plain")
	got, err := Decode(want, "identity")
	require.NoError(t, err)
	require.Equal(t, want, got)

	got, err = Decode(want, "")
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestUnknownTokenPassesThroughWithoutError(t *testing.T) {
	want := []byte("weird-encoding payload")
	got, err := Decode(want, "x-unknown-codec")
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestBodyTooLargeIsRejected(t *testing.T) {
	huge := bytes.Repeat([]byte{'a'}, MaxBodyBytes+1024)
	_, err := Decode(gzipBytes(t, huge), "gzip")
	require.ErrorIs(t, err, ErrBodyTooLarge)
}
