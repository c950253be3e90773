package resolver

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLookupLiteralIP(t *testing.T) {
	r := New()
	ips, err := r.Lookup(context.Background(), "127.0.0.1")
	require.NoError(t, err)
	require.Equal(t, []net.IP{net.ParseIP("127.0.0.1")}, ips)
}

func TestFirstNoAddressOfFamily(t *testing.T) {
	r := New()
	_, err := r.First(context.Background(), "127.0.0.1", IPv6)
	require.ErrorIs(t, err, ErrNoAddressOfFamily)
}

func TestFirstMatchesRequestedFamily(t *testing.T) {
	r := New()
	ip, err := r.First(context.Background(), "127.0.0.1", IPv4)
	require.NoError(t, err)
	require.Equal(t, net.ParseIP("127.0.0.1").To4(), ip.To4())
}
