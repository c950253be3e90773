package proxyserver

import (
	"bufio"
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"interceptproxy/internal/cache"
	"interceptproxy/internal/cert"
	"interceptproxy/internal/config"
	"interceptproxy/internal/filter"
	"interceptproxy/internal/httpmsg"
	"interceptproxy/internal/resolver"
)

// TestServeHTTPBlocksBlacklistedHost exercises the full accept->classify->
// forward path for a plain HTTP request to a blacklisted host (S3).
func TestServeHTTPBlocksBlacklistedHost(t *testing.T) {
	dir := t.TempDir()
	cfg := config.New(config.Values{BlockAds: true, InterceptTLS: true})
	f := filter.New("")
	require.NoError(t, f.Add(filter.Blacklist, filter.Exact, "ads.example.com"))
	ca := cert.NewStore(filepath.Join(dir, "ca_cert.pem"), filepath.Join(dir, "ca_key.pem"), cfg)
	_, err := ca.GenerateCA()
	require.NoError(t, err)

	srv := New(cfg, f, ca, resolver.New(), cache.NopCache{})

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	go srv.handleConnection(context.Background(), serverConn)

	req := &httpmsg.Request{
		Method: "GET", Target: "/", Proto: "HTTP/1.1",
		Headers: httpmsg.Headers{{Name: "Host", Value: "ads.example.com"}},
	}
	require.NoError(t, httpmsg.WriteRequest(clientConn, req))

	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := httpmsg.ReadResponse(bufio.NewReader(clientConn))
	require.NoError(t, err)
	require.Equal(t, 403, resp.StatusCode)
}
