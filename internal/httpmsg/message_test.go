package httpmsg

import (
	"bufio"
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadRequestContentLength(t *testing.T) {
	raw := "POST /submit HTTP/1.1\r\nHost: example.com\r\nContent-Length: 5\r\n\r\nhello"
	req, err := ReadRequest(bufio.NewReader(strings.NewReader(raw)))
	require.NoError(t, err)
	require.Equal(t, "POST", req.Method)
	require.Equal(t, "/submit", req.Target)
	require.Equal(t, "example.com", req.Host())
	require.Equal(t, []byte("hello"), req.Body)
}

func TestReadRequestConnectAuthority(t *testing.T) {
	raw := "CONNECT example.com:443 HTTP/1.1\r\n\r\n"
	req, err := ReadRequest(bufio.NewReader(strings.NewReader(raw)))
	require.NoError(t, err)
	require.Equal(t, "example.com:443", req.Authority())
	require.Equal(t, "example.com", req.Host())
}

func TestReadRequestTooManyHeaders(t *testing.T) {
	var b strings.Builder
	b.WriteString("GET / HTTP/1.1\r\n")
	for i := 0; i < 150; i++ {
		b.WriteString("X-Pad: value\r\n")
	}
	b.WriteString("\r\n")
	_, err := ReadRequest(bufio.NewReader(strings.NewReader(b.String())))
	require.ErrorIs(t, err, ErrHeadersTooLarge)
}

// TestChunkedDecodeWikipedia is spec property 4: "4\r\nWiki\r\n5\r\npedia\r\n0\r\n\r\n"
// decodes to "Wikipedia".
func TestChunkedDecodeWikipedia(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"4\r\nWiki\r\n5\r\npedia\r\n0\r\n\r\n"
	resp, err := ReadResponse(bufio.NewReader(strings.NewReader(raw)))
	require.NoError(t, err)
	require.Equal(t, "Wikipedia", string(resp.Body))
}

func TestChunkedDecodeWithExtensionAndTrailer(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"4;ignore-this\r\nWiki\r\n0\r\nX-Trailer: ignored\r\n\r\n"
	resp, err := ReadResponse(bufio.NewReader(strings.NewReader(raw)))
	require.NoError(t, err)
	require.Equal(t, "Wiki", string(resp.Body))
}

func TestReadResponseContentLength(t *testing.T) {
	raw := "HTTP/1.1 404 Not Found\r\nContent-Length: 2\r\n\r\nhi"
	resp, err := ReadResponse(bufio.NewReader(strings.NewReader(raw)))
	require.NoError(t, err)
	require.Equal(t, 404, resp.StatusCode)
	require.Equal(t, "Not Found", resp.StatusPhrase)
	require.Equal(t, "hi", string(resp.Body))
}

func TestWriteResponseStripsTransferHeadersAndSetsLength(t *testing.T) {
	resp := &Response{
		Proto:      "HTTP/1.1",
		StatusCode: 200,
		Headers: Headers{
			{Name: "Transfer-Encoding", Value: "chunked"},
			{Name: "Content-Encoding", Value: "gzip"},
			{Name: "X-Kept", Value: "yes"},
		},
		Body: []byte("plain body"),
	}
	var buf bytes.Buffer
	require.NoError(t, WriteResponse(&buf, resp))
	out := buf.String()
	require.NotContains(t, out, "Transfer-Encoding")
	require.NotContains(t, out, "Content-Encoding")
	require.Contains(t, out, "Content-Length: 10")
	require.Contains(t, out, "X-Kept: yes")
	require.True(t, strings.HasSuffix(out, "plain body"))
}

func TestHeadersGetSetAddDel(t *testing.T) {
	var h Headers
	h.Add("X-A", "1")
	h.Add("X-A", "2")
	v, ok := h.Get("x-a")
	require.True(t, ok)
	require.Equal(t, "1", v)

	h.Set("X-A", "3")
	require.Len(t, h, 2)
	v, _ = h.Get("X-A")
	require.Equal(t, "3", v)

	h.Del("x-a")
	require.False(t, h.Has("X-A"))
}
