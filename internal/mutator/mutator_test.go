package mutator

import (
	"testing"

	"github.com/stretchr/testify/require"

	"interceptproxy/internal/filter"
	"interceptproxy/internal/httpmsg"
)

func newHTMLResponse(body string) *httpmsg.Response {
	return &httpmsg.Response{
		Proto:      "HTTP/1.1",
		StatusCode: 200,
		Headers: httpmsg.Headers{
			{Name: "Content-Type", Value: "text/html; charset=utf-8"},
			{Name: "Content-Security-Policy", Value: "default-src 'self'"},
			{Name: "X-WebKit-CSP", Value: "default-src 'self'"},
		},
		Body: []byte(body),
	}
}

func TestMutateStripsCSPHeaders(t *testing.T) {
	resp := newHTMLResponse("<html><body>hi</body></html>")
	Mutate(resp, nil)
	require.False(t, resp.Headers.Has("Content-Security-Policy"))
	require.False(t, resp.Headers.Has("X-WebKit-CSP"))
}

func TestMutateRemovesInlineAdsbygoogleScript(t *testing.T) {
	body := `<html><body>` +
		`<script>(adsbygoogle = window.adsbygoogle || []).push({});</script>` +
		`<p>content</p></body></html>`
	resp := newHTMLResponse(body)
	Mutate(resp, nil)

	out := string(resp.Body)
	require.NotContains(t, out, "adsbygoogle")
	require.Contains(t, out, "<p>content</p>")
}

func TestMutateKeepsNonAdInlineScript(t *testing.T) {
	body := `<html><body><script>console.log("hi")</script></body></html>`
	resp := newHTMLResponse(body)
	Mutate(resp, nil)
	require.Contains(t, string(resp.Body), `console.log("hi")`)
}

func TestMutateRemovesExternalBlacklistedScript(t *testing.T) {
	f := filter.New("")
	require.NoError(t, f.Add(filter.Blacklist, filter.Exact, "ads.doubleclick.net"))

	body := `<html><body>` +
		`<script src="https://ads.doubleclick.net/tag.js"></script>` +
		`<p>content</p></body></html>`
	resp := newHTMLResponse(body)
	Mutate(resp, f)

	out := string(resp.Body)
	require.NotContains(t, out, "doubleclick")
	require.Contains(t, out, "<p>content</p>")
}

func TestMutateKeepsExternalNonBlacklistedScript(t *testing.T) {
	f := filter.New("")
	body := `<html><body><script src="https://cdn.example.com/app.js"></script></body></html>`
	resp := newHTMLResponse(body)
	Mutate(resp, f)
	require.Contains(t, string(resp.Body), "cdn.example.com")
}

func TestMutateInjectsMarkerBeforeBodyClose(t *testing.T) {
	resp := newHTMLResponse("<html><body><p>content</p></body></html>")
	Mutate(resp, nil)
	out := string(resp.Body)
	require.Contains(t, out, markerScript+"</body>")
}

func TestMutateAppendsMarkerWhenNoBodyTag(t *testing.T) {
	resp := newHTMLResponse("<html>no body tag here</html>")
	Mutate(resp, nil)
	require.True(t, len(resp.Body) > 0)
	out := string(resp.Body)
	require.Contains(t, out, markerScript)
}

func TestMutateSkipsNonHTMLBody(t *testing.T) {
	resp := &httpmsg.Response{
		Headers: httpmsg.Headers{{Name: "Content-Type", Value: "application/json"}},
		Body:    []byte(`{"adsbygoogle":true}`),
	}
	Mutate(resp, nil)
	require.Equal(t, `{"adsbygoogle":true}`, string(resp.Body))
}

func TestDecodeCharsetISO88591(t *testing.T) {
	// 0xE9 in ISO-8859-1 is U+00E9 (é).
	body := []byte{'c', 'a', 'f', 0xE9}
	out := decodeCharset(body, "text/html; charset=iso-8859-1")
	require.Equal(t, "café", out)
}
