package classify

import (
	"bufio"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"interceptproxy/internal/config"
	"interceptproxy/internal/filter"
)

func TestIsConnectTrue(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("CONNECT example.com:443 HTTP/1.1\r\n\r\n"))
	ok, err := IsConnect(r)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestIsConnectFalseForGet(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("GET / HTTP/1.1\r\n\r\n"))
	ok, err := IsConnect(r)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestClassifyTunnelsWhenInterceptDisabled(t *testing.T) {
	cfg := config.New(config.Values{InterceptTLS: false})
	require.Equal(t, Tunnel, Classify(cfg, nil, "example.com"))
}

// TestClassifyWhitelistOverridesIntercept is spec property 11: a
// whitelisted host is tunneled even though interception is globally on.
func TestClassifyWhitelistOverridesIntercept(t *testing.T) {
	cfg := config.New(config.Values{InterceptTLS: true})
	f := filter.New("")
	require.NoError(t, f.Add(filter.Whitelist, filter.Exact, "bank.example.com"))

	require.Equal(t, Tunnel, Classify(cfg, f, "bank.example.com"))
	require.Equal(t, Intercept, Classify(cfg, f, "other.example.com"))
}
