package tunnel

import (
	"bufio"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"interceptproxy/internal/resolver"
)

// TestRunAcksAndPumpsBytes is spec scenario S1: a CONNECT tunnel
// acknowledges and pumps bytes bidirectionally until either side closes.
func TestRunAcksAndPumpsBytes(t *testing.T) {
	origin, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer origin.Close()

	_, port, err := net.SplitHostPort(origin.Addr().String())
	require.NoError(t, err)

	originDone := make(chan struct{})
	go func() {
		defer close(originDone)
		conn, err := origin.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 5)
		io.ReadFull(conn, buf)
		conn.Write([]byte("world"))
	}()

	clientSide, proxySide := net.Pipe()
	defer clientSide.Close()

	res := resolver.New()
	runDone := make(chan error, 1)
	go func() {
		runDone <- Run(context.Background(), res, proxySide, "127.0.0.1", port, "HTTP/1.1")
	}()

	r := bufio.NewReader(clientSide)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, line, "200 Connection Established")

	// consume the blank line terminating the ack
	_, err = r.ReadString('\n')
	require.NoError(t, err)

	_, err = clientSide.Write([]byte("hello"))
	require.NoError(t, err)

	buf := make([]byte, 5)
	clientSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = io.ReadFull(r, buf)
	require.NoError(t, err)
	require.Equal(t, "world", string(buf))

	<-originDone
}
