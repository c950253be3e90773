// Package encoding decodes the Content-Encoding chain (§4.D): given a
// comma-separated header value, each token is decoded in reverse order
// (outermost first), with unknown tokens logged and skipped rather than
// failing the cycle.
//
// gzip and zstd decoding use github.com/klauspost/compress, the same
// library the teacher's encode module (caddyhttp/encode) wires for the
// encoding direction; br uses github.com/andybalholm/brotli, the library
// the teacher's brotli encoder module wires. deflate uses the standard
// library's compress/flate: no third-party raw-deflate decoder appears
// anywhere in the pack, so this one concern is stdlib by necessity
// (recorded in DESIGN.md).
package encoding

import (
	"bytes"
	"compress/flate"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"interceptproxy/internal/log"
)

// ErrBodyTooLarge is returned when a decoded body would exceed MaxBodyBytes.
var ErrBodyTooLarge = errors.New("encoding: decoded body too large")

// MaxBodyBytes caps the size of any single decode step's output (§4.D
// expansion): the suggested-but-unenforced 64 MiB figure in §5, enforced
// here via io.LimitReader so a hostile origin cannot exhaust memory through
// a decompression bomb.
const MaxBodyBytes = 64 << 20

var logger = log.Named("encoding")

// Decode reverses the Content-Encoding chain described by header (e.g.
// "gzip" or "br, gzip"), decoding each token in reverse (outermost-first)
// order. Recognized tokens: gzip, deflate, br, zstd, identity, and the
// empty token, all of which identity/no-op pass through unchanged except
// gzip/deflate/br/zstd. Unrecognized tokens are logged and left as-is.
func Decode(body []byte, header string) ([]byte, error) {
	tokens := splitTokens(header)
	for i := len(tokens) - 1; i >= 0; i-- {
		tok := tokens[i]
		decoded, err := decodeOne(body, tok)
		if err != nil {
			return nil, fmt.Errorf("encoding: decoding %q: %w", tok, err)
		}
		logger.Debug("decoded content-encoding token",
			zap.String("token", tok), zap.Int("in", len(body)), zap.Int("out", len(decoded)))
		body = decoded
	}
	return body, nil
}

func splitTokens(header string) []string {
	if strings.TrimSpace(header) == "" {
		return nil
	}
	parts := strings.Split(header, ",")
	tokens := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			tokens = append(tokens, p)
		}
	}
	return tokens
}

func decodeOne(body []byte, token string) ([]byte, error) {
	switch token {
	case "identity", "":
		return body, nil
	case "gzip", "x-gzip":
		r, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return readCapped(r)
	case "deflate":
		r := flate.NewReader(bytes.NewReader(body))
		defer r.Close()
		return readCapped(r)
	case "br":
		r := brotli.NewReader(bytes.NewReader(body))
		return readCapped(r)
	case "zstd":
		r, err := zstd.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return readCapped(r)
	default:
		logger.Warn("unknown content-encoding token, passing through", zap.String("token", token))
		return body, nil
	}
}

func readCapped(r io.Reader) ([]byte, error) {
	limited := io.LimitReader(r, MaxBodyBytes+1)
	out, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if len(out) > MaxBodyBytes {
		return nil, ErrBodyTooLarge
	}
	return out, nil
}
