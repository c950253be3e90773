// Package mutator implements the response mutator (§4.E): CSP header
// stripping, ad-script removal, charset handling, and marker script
// injection, applied to every origin-to-client response in the interceptor
// pump.
package mutator

import (
	"strings"

	"go.uber.org/zap"
	"golang.org/x/text/encoding/charmap"

	"interceptproxy/internal/filter"
	"interceptproxy/internal/httpmsg"
	"interceptproxy/internal/log"
)

// cspHeaders lists the four header names stripped on every response (§4.E
// step 1), matched case-insensitively.
var cspHeaders = []string{
	"Content-Security-Policy",
	"X-Content-Security-Policy",
	"Content-Security-Policy-Report-Only",
	"X-WebKit-CSP",
}

// markerScript is injected just before the last </body>, or appended if the
// document has none (§4.E step 4).
const markerScript = `<script>/* injected by proxy */</script>`

var logger = log.Named("mutator")

// Mutate applies the §4.E pipeline to resp in place: CSP header removal
// always; ad-script removal and marker injection only when the response is
// HTML. f may be nil, in which case external ad-script host lookups always
// report not-blacklisted.
func Mutate(resp *httpmsg.Response, f *filter.Filter) {
	stripCSPHeaders(&resp.Headers)

	contentType := resp.Headers.GetDefault("Content-Type", "")
	if !strings.Contains(strings.ToLower(contentType), "text/html") {
		return
	}

	body := decodeCharset(resp.Body, contentType)
	body = removeAdScripts(body, f)
	body = injectMarker(body)
	resp.Body = body
}

func stripCSPHeaders(h *httpmsg.Headers) {
	for _, name := range cspHeaders {
		h.Del(name)
	}
}

// decodeCharset decodes resp body bytes to a UTF-8 string. When Content-Type
// declares charset=iso-8859-1, each byte is mapped through
// golang.org/x/text/encoding/charmap.ISO8859_1; otherwise the bytes are
// treated as UTF-8 already and passed through (§4.E step 3).
func decodeCharset(body []byte, contentType string) string {
	if !strings.Contains(strings.ToLower(contentType), "charset=iso-8859-1") {
		return string(body)
	}
	decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(body)
	if err != nil {
		logger.Warn("iso-8859-1 decode failed, using raw bytes", zap.Error(err))
		return string(body)
	}
	return string(decoded)
}

// injectMarker inserts markerScript immediately before the last </body>
// (case-insensitive), or appends it if the document has none.
func injectMarker(html string) []byte {
	lower := strings.ToLower(html)
	idx := strings.LastIndex(lower, "</body>")
	if idx == -1 {
		return []byte(html + markerScript)
	}
	return []byte(html[:idx] + markerScript + html[idx:])
}
