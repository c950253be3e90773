package httpmsg

import (
	"fmt"
	"io"
	"strconv"
)

// WriteRequest serializes req to w exactly as received: request line,
// headers in original order, then body. The request path never rewrites
// Transfer-Encoding/Content-Length since requests on this proxy's client
// side are never chunked (§4.D).
func WriteRequest(w io.Writer, req *Request) error {
	if _, err := fmt.Fprintf(w, "%s %s %s\r\n", req.Method, req.Target, req.Proto); err != nil {
		return err
	}
	if err := writeHeaders(w, req.Headers); err != nil {
		return err
	}
	_, err := w.Write(req.Body)
	return err
}

// WriteResponse serializes resp to w. Transfer-Encoding and Content-Encoding
// are always stripped and a correct Content-Length is always set, since by
// the time a response reaches this writer (after the mutator/encoding
// pipeline, §4.D/§4.E) its body is fully decoded and plain.
func WriteResponse(w io.Writer, resp *Response) error {
	headers := stripTransferHeaders(resp.Headers)
	headers.Set("Content-Length", strconv.Itoa(len(resp.Body)))

	statusLine := fmt.Sprintf("%s %d", resp.Proto, resp.StatusCode)
	if resp.StatusPhrase != "" {
		statusLine += " " + resp.StatusPhrase
	}
	if _, err := fmt.Fprintf(w, "%s\r\n", statusLine); err != nil {
		return err
	}
	if err := writeHeaders(w, headers); err != nil {
		return err
	}
	_, err := w.Write(resp.Body)
	return err
}

func stripTransferHeaders(h Headers) Headers {
	out := make(Headers, 0, len(h))
	for _, hdr := range h {
		switch {
		case equalFoldAny(hdr.Name, "Transfer-Encoding", "Content-Encoding", "Content-Length"):
			continue
		default:
			out = append(out, hdr)
		}
	}
	return out
}

func equalFoldAny(name string, candidates ...string) bool {
	for _, c := range candidates {
		if len(name) == len(c) && asciiEqualFold(name, c) {
			return true
		}
	}
	return false
}

func asciiEqualFold(a, b string) bool {
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

func writeHeaders(w io.Writer, headers Headers) error {
	for _, hdr := range headers {
		if _, err := fmt.Fprintf(w, "%s: %s\r\n", hdr.Name, hdr.Value); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}
