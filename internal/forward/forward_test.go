package forward

import (
	"bufio"
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"interceptproxy/internal/cache"
	"interceptproxy/internal/config"
	"interceptproxy/internal/filter"
	"interceptproxy/internal/httpmsg"
	"interceptproxy/internal/resolver"
)

// memCache is a trivial in-memory cache.ResponseCache used only to observe
// that Handle actually consults/populates its Cache collaborator.
type memCache struct {
	entries map[string]cache.CachedResponse
}

func newMemCache() *memCache { return &memCache{entries: map[string]cache.CachedResponse{}} }

func (c *memCache) Get(key string) (cache.CachedResponse, bool) {
	v, ok := c.entries[key]
	return v, ok
}

func (c *memCache) Put(key string, resp cache.CachedResponse) {
	c.entries[key] = resp
}

// TestHandleBlocksBlacklistedHost is spec scenario S3: a blacklisted Host
// header gets a synthetic 403 instead of being forwarded.
func TestHandleBlocksBlacklistedHost(t *testing.T) {
	cfg := config.New(config.Values{BlockAds: true})
	f := filter.New("")
	require.NoError(t, f.Add(filter.Blacklist, filter.Exact, "ads.example.com"))

	h := NewHandler(cfg, f, resolver.New(), nil)
	req := &httpmsg.Request{
		Method: "GET", Target: "/", Proto: "HTTP/1.1",
		Headers: httpmsg.Headers{{Name: "Host", Value: "ads.example.com"}},
	}

	resp := h.Handle(context.Background(), req)
	require.Equal(t, 403, resp.StatusCode)
	require.Equal(t, "403 Forbidden", string(resp.Body))
}

func TestHandleForwardsOverHTTP1(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	_, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, err = httpmsg.ReadRequest(bufio.NewReader(conn))
		if err != nil {
			return
		}
		resp := &httpmsg.Response{Proto: "HTTP/1.1", StatusCode: 200, StatusPhrase: "OK", Body: []byte("ok")}
		httpmsg.WriteResponse(conn, resp)
	}()

	cfg := config.New(config.Values{BlockAds: false})
	h := NewHandler(cfg, filter.New(""), resolver.New(), nil)
	req := &httpmsg.Request{
		Method: "GET", Target: "/", Proto: "HTTP/1.1",
		Headers: httpmsg.Headers{{Name: "Host", Value: "127.0.0.1:" + port}},
	}

	resp := h.Handle(context.Background(), req)
	require.Equal(t, 200, resp.StatusCode)
	require.Equal(t, "ok", string(resp.Body))
}

func TestHandleSynthesizesErrorOnUpstreamFailure(t *testing.T) {
	cfg := config.New(config.Values{})
	h := NewHandler(cfg, filter.New(""), resolver.New(), nil)
	req := &httpmsg.Request{
		Method: "GET", Target: "/", Proto: "HTTP/1.1",
		Headers: httpmsg.Headers{{Name: "Host", Value: "127.0.0.1:1"}},
	}

	resp := h.Handle(context.Background(), req)
	require.Equal(t, 200, resp.StatusCode)
	require.Contains(t, string(resp.Body), "upstream error")
}

// TestHandlePopulatesAndServesFromCache verifies cache_enabled wiring: the
// first GET forwards upstream and populates Cache; the second GET for the
// same target is served from Cache without a second upstream connection.
func TestHandlePopulatesAndServesFromCache(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	_, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)

	hits := make(chan struct{}, 2)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			hits <- struct{}{}
			go func() {
				defer conn.Close()
				if _, err := httpmsg.ReadRequest(bufio.NewReader(conn)); err != nil {
					return
				}
				resp := &httpmsg.Response{Proto: "HTTP/1.1", StatusCode: 200, StatusPhrase: "OK", Body: []byte("fresh")}
				httpmsg.WriteResponse(conn, resp)
			}()
		}
	}()

	cfg := config.New(config.Values{CacheEnabled: true})
	mc := newMemCache()
	h := NewHandler(cfg, filter.New(""), resolver.New(), mc)
	req := &httpmsg.Request{
		Method: "GET", Target: "/", Proto: "HTTP/1.1",
		Headers: httpmsg.Headers{{Name: "Host", Value: "127.0.0.1:" + port}},
	}

	resp1 := h.Handle(context.Background(), req)
	require.Equal(t, "fresh", string(resp1.Body))
	<-hits

	resp2 := h.Handle(context.Background(), req)
	require.Equal(t, "fresh", string(resp2.Body))

	select {
	case <-hits:
		t.Fatal("second request should have been served from cache, not forwarded upstream")
	default:
	}
}

func TestHandleRewritesUnsupportedMethodToGet(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	_, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)

	seenMethod := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r, err := httpmsg.ReadRequest(bufio.NewReader(conn))
		if err == nil {
			seenMethod <- r.Method
		}
		resp := &httpmsg.Response{Proto: "HTTP/1.1", StatusCode: 200, StatusPhrase: "OK"}
		httpmsg.WriteResponse(conn, resp)
	}()

	cfg := config.New(config.Values{})
	h := NewHandler(cfg, filter.New(""), resolver.New(), nil)
	req := &httpmsg.Request{
		Method: "TRACE", Target: "/", Proto: "HTTP/1.1",
		Headers: httpmsg.Headers{{Name: "Host", Value: "127.0.0.1:" + port}},
	}

	h.Handle(context.Background(), req)
	require.Equal(t, "GET", <-seenMethod)
}
