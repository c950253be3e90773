// Package classify implements the connection classifier (§4.F): peek the
// first bytes of an accepted connection to decide HTTP vs. HTTPS, and for
// HTTPS, decide whether the connection should be tunneled opaquely or
// intercepted.
package classify

import (
	"bufio"
	"strings"

	"interceptproxy/internal/config"
	"interceptproxy/internal/filter"
)

// Kind is the dispatch decision for one accepted connection.
type Kind int

const (
	HTTP Kind = iota
	Tunnel
	Intercept
)

// connectPrefixLen is how many bytes the classifier actually requests from
// Peek. §4.F describes sniffing "up to 1024 bytes", but bufio.Reader.Peek(n)
// blocks until n bytes have arrived or the connection errors; a method
// token this short is the only amount guaranteed to show up before a
// client that's now waiting on a response stops writing.
const connectPrefixLen = len("CONNECT")

// IsConnect peeks at r without consuming and reports whether the connection
// begins with the CONNECT method.
func IsConnect(r *bufio.Reader) (bool, error) {
	peeked, err := r.Peek(connectPrefixLen)
	if err != nil && len(peeked) == 0 {
		return false, err
	}
	return strings.HasPrefix(string(peeked), "CONNECT"), nil
}

// Classify decides how an HTTPS CONNECT should be handled: tunnel when TLS
// interception is globally disabled or the target host is whitelisted,
// intercept otherwise.
func Classify(cfg *config.Store, f *filter.Filter, host string) Kind {
	if !cfg.Get().InterceptTLS {
		return Tunnel
	}
	if f != nil && f.Whitelisted(host) {
		return Tunnel
	}
	return Intercept
}
