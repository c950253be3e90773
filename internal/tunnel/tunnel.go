// Package tunnel implements the HTTPS byte tunnel (§4.H): a plain,
// non-intercepting CONNECT bridge used when TLS interception is disabled or
// the target host is whitelisted.
package tunnel

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"

	"interceptproxy/internal/log"
	"interceptproxy/internal/resolver"
)

// connectTimeout bounds the upstream TCP connect (§5).
const connectTimeout = 5 * time.Second

var logger = log.Named("tunnel")

// Run handles one CONNECT request already accepted on client: resolve host,
// connect to it with a timeout, acknowledge the tunnel, then pump bytes
// bidirectionally until either side closes.
func Run(ctx context.Context, res *resolver.Resolver, client net.Conn, host string, port string, proto string) error {
	ip, err := res.First(ctx, host, resolver.Any)
	if err != nil {
		return fmt.Errorf("tunnel: resolve %s: %w", host, err)
	}

	dialer := net.Dialer{Timeout: connectTimeout}
	origin, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(ip.String(), port))
	if err != nil {
		return fmt.Errorf("tunnel: connect %s:%s: %w", host, port, err)
	}
	defer origin.Close()

	if _, err := io.WriteString(client, proto+" 200 Connection Established\r\n\r\n"); err != nil {
		return fmt.Errorf("tunnel: ack: %w", err)
	}

	clientToOrigin := pump(origin, client)
	originToClient := pump(client, origin)

	sent := <-clientToOrigin
	recv := <-originToClient

	logger.Info("tunnel closed",
		zap.String("host", host),
		zap.Int64("bytes_to_origin", sent),
		zap.Int64("bytes_to_client", recv),
	)
	return nil
}

// pump copies from src to dst until either side closes, returning the byte
// count over a channel so the caller can await both directions concurrently.
func pump(dst io.Writer, src io.Reader) <-chan int64 {
	done := make(chan int64, 1)
	go func() {
		n, _ := io.Copy(dst, src)
		if closer, ok := dst.(interface{ CloseWrite() error }); ok {
			closer.CloseWrite()
		}
		done <- n
	}()
	return done
}

// SplitHostPort is a small convenience wrapper so callers constructing a
// CONNECT authority string don't need to import net directly for this one
// call.
func SplitHostPort(authority string) (host, port string, err error) {
	host, port, err = net.SplitHostPort(authority)
	if err != nil {
		return "", "", err
	}
	if _, convErr := strconv.Atoi(port); convErr != nil {
		return "", "", fmt.Errorf("tunnel: invalid port in authority %q", authority)
	}
	return host, port, nil
}
