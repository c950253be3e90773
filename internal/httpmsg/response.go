package httpmsg

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
)

// Response is the uniform response envelope (§3): version, status line
// parts, ordered headers, and a fully-decoded body (chunked transfer, if
// present, is always collapsed here — callers downstream never see
// Transfer-Encoding: chunked).
type Response struct {
	Proto        string
	StatusCode   int
	StatusPhrase string
	Headers      Headers
	Body         []byte
}

// ReadResponse parses one response from r: the status line, the header
// block, then the body via Content-Length or chunked decoding (§4.D).
func ReadResponse(r *bufio.Reader) (*Response, error) {
	line, err := readLine(r)
	if err != nil {
		return nil, err
	}
	proto, code, phrase, err := parseStatusLine(line)
	if err != nil {
		return nil, err
	}

	headers, err := readHeaderBlock(r)
	if err != nil {
		return nil, err
	}

	resp := &Response{Proto: proto, StatusCode: code, StatusPhrase: phrase, Headers: headers}

	switch {
	case isChunked(headers):
		body, err := decodeChunked(r)
		if err != nil {
			return nil, err
		}
		resp.Body = body
	default:
		if cl, ok := contentLength(headers); ok && cl > 0 {
			body, err := readExactly(r, cl)
			if err != nil {
				return nil, err
			}
			resp.Body = body
		}
	}

	return resp, nil
}

// parseStatusLine splits "HTTP/x.y CODE Phrase..." into its three parts.
func parseStatusLine(line string) (proto string, code int, phrase string, err error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return "", 0, "", fmt.Errorf("%w: malformed status line %q", ErrParse, line)
	}
	n, convErr := strconv.Atoi(parts[1])
	if convErr != nil {
		return "", 0, "", fmt.Errorf("%w: bad status code in %q", ErrParse, line)
	}
	phrase = ""
	if len(parts) == 3 {
		phrase = parts[2]
	}
	return parts[0], n, phrase, nil
}

func isChunked(h Headers) bool {
	v, ok := h.Get("Transfer-Encoding")
	if !ok {
		return false
	}
	return strings.Contains(strings.ToLower(v), "chunked")
}

// decodeChunked implements the chunked transfer algorithm from §4.D: read a
// hex chunk-size line (stripping any ";ext" suffix), a zero size ends the
// stream after an optional trailer section, otherwise read exactly that
// many bytes plus the trailing CRLF.
func decodeChunked(r *bufio.Reader) ([]byte, error) {
	var body []byte
	for {
		sizeLine, err := readLine(r)
		if err != nil {
			return nil, err
		}
		if i := strings.IndexByte(sizeLine, ';'); i != -1 {
			sizeLine = sizeLine[:i]
		}
		sizeLine = strings.TrimSpace(sizeLine)
		size, err := strconv.ParseInt(sizeLine, 16, 64)
		if err != nil || size < 0 {
			return nil, fmt.Errorf("%w: bad chunk size %q", ErrParse, sizeLine)
		}
		if size == 0 {
			// Optional trailer headers precede the final blank line.
			for {
				trailer, err := readLine(r)
				if err != nil {
					return nil, err
				}
				if trailer == "" {
					break
				}
			}
			return body, nil
		}
		if int64(len(body))+size > MaxBodyBytes {
			return nil, ErrBodyTooLarge
		}
		chunk, err := readExactly(r, int(size))
		if err != nil {
			return nil, err
		}
		body = append(body, chunk...)
		if _, err := readLine(r); err != nil { // trailing CRLF after chunk data
			return nil, err
		}
	}
}
