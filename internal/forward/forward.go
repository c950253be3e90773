// Package forward implements the HTTP handler (§4.G): classify the Host
// header against the domain filter, then forward upstream and copy the
// response back verbatim.
package forward

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"interceptproxy/internal/cache"
	"interceptproxy/internal/config"
	"interceptproxy/internal/filter"
	"interceptproxy/internal/httpmsg"
	"interceptproxy/internal/log"
	"interceptproxy/internal/resolver"
)

var logger = log.Named("forward")

// connectTimeout bounds the upstream TCP connect (§5).
const connectTimeout = 5 * time.Second

// literalMethods are forwarded to the origin unchanged; anything else is
// rewritten to GET with a warning (§4.G's "deliberate simplification").
var literalMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true, "HEAD": true, "PATCH": true,
}

// Handler serves the plain-HTTP path of the proxy.
type Handler struct {
	Config   *config.Store
	Filter   *filter.Filter
	Resolver *resolver.Resolver
	Cache    cache.ResponseCache

	h2Transport *http2.Transport
}

// NewHandler builds a Handler with an HTTP/2-prior-knowledge transport ready
// for outbound use (§4.G expansion): AllowHTTP plus a DialTLSContext that
// returns a plain TCP connection, since prior-knowledge h2 never negotiates
// TLS over the wire to the origin in this design.
func NewHandler(cfg *config.Store, f *filter.Filter, res *resolver.Resolver, c cache.ResponseCache) *Handler {
	if c == nil {
		c = cache.NopCache{}
	}
	h := &Handler{Config: cfg, Filter: f, Resolver: res, Cache: c}
	h.h2Transport = &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			return h.dial(ctx, network, addr)
		},
	}
	return h
}

func (h *Handler) dial(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	ip, err := h.Resolver.First(ctx, host, resolver.Any)
	if err != nil {
		return nil, fmt.Errorf("forward: resolve %s: %w", host, err)
	}
	dialer := net.Dialer{Timeout: connectTimeout}
	return dialer.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
}

// Handle processes one fully-read request, returning the response to write
// back to the client.
func (h *Handler) Handle(ctx context.Context, req *httpmsg.Request) *httpmsg.Response {
	host := req.Host()

	if h.Config.Get().BlockAds && h.Filter != nil && h.Filter.Blacklisted(host) {
		logger.Info("blocked host forbidden", zap.String("host", host))
		return forbiddenResponse()
	}

	method := req.Method
	if !literalMethods[strings.ToUpper(method)] {
		logger.Warn("rewriting unsupported method to GET", zap.String("method", method))
		method = "GET"
	}

	// §3a: cache_enabled gates whether GET responses are consulted/populated
	// against Cache; NopCache makes this a no-op until a real cache is wired.
	cacheable := h.Config.Get().CacheEnabled && method == "GET"
	key := cacheKey(method, host, req.Target)
	if cacheable {
		if cached, ok := h.Cache.Get(key); ok {
			logger.Debug("cache hit", zap.String("host", host))
			return responseFromCache(cached)
		}
	}

	resp, err := h.forwardUpstream(ctx, method, req)
	if err != nil {
		logger.Warn("upstream forward failed", zap.String("host", host), zap.Error(err))
		return syntheticErrorResponse(err)
	}

	if cacheable {
		h.Cache.Put(key, cacheEntryFromResponse(resp))
	}
	return resp
}

func cacheKey(method, host, target string) string {
	return method + " " + host + target
}

func cacheEntryFromResponse(resp *httpmsg.Response) cache.CachedResponse {
	headers := make(map[string][]string, len(resp.Headers))
	for _, hdr := range resp.Headers {
		headers[hdr.Name] = append(headers[hdr.Name], hdr.Value)
	}
	return cache.CachedResponse{StatusCode: resp.StatusCode, Headers: headers, Body: resp.Body}
}

func responseFromCache(c cache.CachedResponse) *httpmsg.Response {
	var headers httpmsg.Headers
	for name, values := range c.Headers {
		for _, v := range values {
			headers.Add(name, v)
		}
	}
	return &httpmsg.Response{Proto: "HTTP/1.1", StatusCode: c.StatusCode, Headers: headers, Body: c.Body}
}

func (h *Handler) forwardUpstream(ctx context.Context, method string, req *httpmsg.Request) (*httpmsg.Response, error) {
	switch {
	case req.Proto == "HTTP/2.0":
		return h.forwardHTTP2(ctx, method, req)
	default:
		return h.forwardHTTP1(ctx, method, req)
	}
}

// forwardHTTP1 handles HTTP/1.1 and HTTP/0.9 by dialing the origin directly
// and writing the request over the raw connection with httpmsg's codec.
func (h *Handler) forwardHTTP1(ctx context.Context, method string, req *httpmsg.Request) (*httpmsg.Response, error) {
	host, port := splitHostPortDefault(req.Host(), "80")

	ip, err := h.Resolver.First(ctx, host, resolver.Any)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}

	dialer := net.Dialer{Timeout: connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(ip.String(), port))
	if err != nil {
		return nil, fmt.Errorf("connect %s:%s: %w", host, port, err)
	}
	defer conn.Close()

	outbound := &httpmsg.Request{
		Method:  method,
		Target:  req.Target,
		Proto:   req.Proto,
		Headers: req.Headers,
		Body:    req.Body,
	}
	if outbound.Proto == "" {
		outbound.Proto = "HTTP/1.1"
	}
	if err := httpmsg.WriteRequest(conn, outbound); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	return httpmsg.ReadResponse(bufio.NewReader(conn))
}

// forwardHTTP2 sends the request via the h2-prior-knowledge transport and
// translates the net/http response back into the httpmsg envelope.
func (h *Handler) forwardHTTP2(ctx context.Context, method string, req *httpmsg.Request) (*httpmsg.Response, error) {
	url := "http://" + req.Host() + req.Target
	httpReq, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(req.Body))
	if err != nil {
		return nil, err
	}
	for _, hdr := range req.Headers {
		httpReq.Header.Add(hdr.Name, hdr.Value)
	}

	httpResp, err := h.h2Transport.RoundTrip(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, httpmsg.MaxBodyBytes))
	if err != nil {
		return nil, err
	}

	var headers httpmsg.Headers
	for name, values := range httpResp.Header {
		for _, v := range values {
			headers.Add(name, v)
		}
	}

	return &httpmsg.Response{
		Proto:      "HTTP/2.0",
		StatusCode: httpResp.StatusCode,
		Headers:    headers,
		Body:       body,
	}, nil
}

func splitHostPortDefault(authority, defaultPort string) (host, port string) {
	h, p, err := net.SplitHostPort(authority)
	if err != nil {
		return authority, defaultPort
	}
	return h, p
}

func forbiddenResponse() *httpmsg.Response {
	body := []byte("403 Forbidden")
	return &httpmsg.Response{
		Proto:        "HTTP/1.1",
		StatusCode:   403,
		StatusPhrase: "Forbidden",
		Headers:      httpmsg.Headers{{Name: "Content-Type", Value: "text/plain"}},
		Body:         body,
	}
}

// syntheticErrorResponse preserves the documented (if surprising) behavior
// of returning 200 with an error body on upstream failure, rather than
// leaking the client socket (§4.G, §9 open question: preserved as-is).
func syntheticErrorResponse(err error) *httpmsg.Response {
	body := []byte(fmt.Sprintf("upstream error: %v", err))
	return &httpmsg.Response{
		Proto:        "HTTP/1.1",
		StatusCode:   200,
		StatusPhrase: "OK",
		Headers:      httpmsg.Headers{{Name: "Content-Type", Value: "text/plain"}},
		Body:         body,
	}
}
