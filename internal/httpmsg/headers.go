// Package httpmsg implements the request/response envelope (§3) and the
// raw HTTP/1.x wire format: header-block parsing with a defensive line cap,
// chunked transfer decoding, and serialization that always emits a correct
// Content-Length and never emits Transfer-Encoding/Content-Encoding (§4.D).
//
// This is deliberately not built on net/http: the interceptor's pump (§4.I)
// needs to read exactly one message at a time off a raw net.Conn/tls.Conn
// and hand control back to the pump between messages, which net/http's
// client/server abstractions do not expose. No example in the pack
// implements a standalone HTTP/1.x wire parser, so this package is grounded
// directly on the wire-format rules in §4.D rather than adapted from a
// specific teacher file.
package httpmsg

import (
	"errors"
	"strings"
)

// ErrHeadersTooLarge is returned when a header block exceeds maxHeaderLines
// (§4.D, §7 *headers-too-large*).
var ErrHeadersTooLarge = errors.New("httpmsg: too many header lines")

// ErrParse is returned for a malformed request/response line or a bad
// chunk-size line (§7 *parse-error*).
var ErrParse = errors.New("httpmsg: parse error")

// ErrBodyTooLarge is returned when a declared or decoded body exceeds the
// enforced cap (SPEC_FULL.md §4.D expansion; §7 *body-too-large*).
var ErrBodyTooLarge = errors.New("httpmsg: body too large")

// maxHeaderLines defensively bounds the number of header lines read per
// message (§4.D).
const maxHeaderLines = 100

// MaxBodyBytes bounds the size of a message body this package will read,
// whether declared via Content-Length or accumulated via chunked decoding.
// The spec suggests, but does not enforce, a 64 MiB cap on decompressed
// bodies (§5); this implementation enforces the same figure here too, since
// an attacker-controlled Content-Length is an equally direct way to exhaust
// memory before decompression is ever reached.
const MaxBodyBytes = 64 << 20

// Header is a single name/value pair, preserved in wire order.
type Header struct {
	Name  string
	Value string
}

// Headers is an ordered list of header pairs. Because HTTP permits repeated
// headers, the wire form here is a slice rather than a map so duplicates
// are never silently dropped on read or write; Get nonetheless returns only
// the first match, matching the source's single-value-map simplification
// (§9) without resorting to an actual map that would lose duplicates.
type Headers []Header

// Get returns the value of the first header matching name
// (case-insensitive), and whether one was found.
func (h Headers) Get(name string) (string, bool) {
	for _, hdr := range h {
		if strings.EqualFold(hdr.Name, name) {
			return hdr.Value, true
		}
	}
	return "", false
}

// GetDefault is like Get but returns def when name is absent.
func (h Headers) GetDefault(name, def string) string {
	if v, ok := h.Get(name); ok {
		return v
	}
	return def
}

// Set replaces the first header matching name (case-insensitive) with the
// given value, or appends a new one if none matched.
func (h *Headers) Set(name, value string) {
	for i, hdr := range *h {
		if strings.EqualFold(hdr.Name, name) {
			(*h)[i].Value = value
			return
		}
	}
	*h = append(*h, Header{Name: name, Value: value})
}

// Add appends a header pair without checking for an existing match,
// preserving duplicates as they arrive on the wire.
func (h *Headers) Add(name, value string) {
	*h = append(*h, Header{Name: name, Value: value})
}

// Del removes every header matching name (case-insensitive).
func (h *Headers) Del(name string) {
	out := (*h)[:0:0]
	for _, hdr := range *h {
		if !strings.EqualFold(hdr.Name, name) {
			out = append(out, hdr)
		}
	}
	*h = out
}

// Has reports whether name is present (case-insensitive).
func (h Headers) Has(name string) bool {
	_, ok := h.Get(name)
	return ok
}
