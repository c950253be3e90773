package cert

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"math/big"
	mathrand "math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"interceptproxy/internal/config"
)

func writeExpiredCA(t *testing.T, certPath, keyPath string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "localhost"},
		NotBefore:             time.Now().Add(-2 * caValidity),
		NotAfter:              time.Now().Add(-24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	require.NoError(t, os.WriteFile(certPath, certPEM, 0o600))
	require.NoError(t, os.WriteFile(keyPath, keyPEM, 0o600))
}

func TestGenerateAndReadCA(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := filepath.Join(dir, "ca_cert.pem"), filepath.Join(dir, "ca_key.pem")

	cfg := config.New(config.Values{InterceptTLS: true})
	store := NewStore(certPath, keyPath, cfg)

	certPEM, err := store.GenerateCA()
	require.NoError(t, err)
	require.NotEmpty(t, certPEM)

	readPEM, err := store.ReadCA()
	require.NoError(t, err)
	require.Equal(t, certPEM, readPEM)
}

// TestRegenerateIdenticalRollsBack forces GenerateCA to actually produce
// byte-identical output on a second call, by replaying the same
// deterministic randomness and a frozen clock, and asserts the real
// rollback path (old files restored, ErrIdenticalCA returned) fires.
func TestRegenerateIdenticalRollsBack(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := filepath.Join(dir, "ca_cert.pem"), filepath.Join(dir, "ca_key.pem")
	store := NewStore(certPath, keyPath, nil)

	frozenNow := time.Now()
	store.nowFunc = func() time.Time { return frozenNow }
	store.randReader = newFixedSeedReader()

	firstPEM, err := store.GenerateCA()
	require.NoError(t, err)

	store.randReader = newFixedSeedReader() // replay the exact same byte stream
	_, err = store.GenerateCA()
	require.ErrorIs(t, err, ErrIdenticalCA)

	// The rollback must have restored the original files rather than
	// leaving a half-written duplicate in place.
	onDisk, err := os.ReadFile(certPath)
	require.NoError(t, err)
	require.Equal(t, firstPEM, onDisk)
	require.NoFileExists(t, filepath.Join(dir, "old_ca_cert.pem"))
}

// newFixedSeedReader returns a deterministic byte stream from a seeded PRNG,
// long enough to satisfy one full round of key+serial+signature generation.
// Used only to make two GenerateCA calls reproduce identical output.
func newFixedSeedReader() io.Reader {
	return mathrand.New(mathrand.NewSource(42))
}

func TestReadCAExpired(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := filepath.Join(dir, "ca_cert.pem"), filepath.Join(dir, "ca_key.pem")
	writeExpiredCA(t, certPath, keyPath)

	cfg := config.New(config.Values{InterceptTLS: true})
	store := NewStore(certPath, keyPath, cfg)

	_, err := store.ReadCA()
	require.ErrorIs(t, err, ErrCAExpired)
	require.False(t, cfg.Get().InterceptTLS)
}

func TestMintLeaf(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := filepath.Join(dir, "ca_cert.pem"), filepath.Join(dir, "ca_key.pem")
	cfg := config.New(config.Values{InterceptTLS: true})
	store := NewStore(certPath, keyPath, cfg)
	_, err := store.GenerateCA()
	require.NoError(t, err)

	leafCertPEM, leafKeyPEM, err := store.MintLeaf("example.com")
	require.NoError(t, err)
	require.NotEmpty(t, leafCertPEM)
	require.NotEmpty(t, leafKeyPEM)

	block, _ := pem.Decode(leafCertPEM)
	require.NotNil(t, block)
	leaf, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	require.Contains(t, leaf.DNSNames, "example.com")
	require.Contains(t, leaf.DNSNames, "localhost")
	require.WithinDuration(t, time.Now().Add(leafValidity), leaf.NotAfter, time.Hour)
}

func TestMintLeafFailsOnExpiredCA(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := filepath.Join(dir, "ca_cert.pem"), filepath.Join(dir, "ca_key.pem")
	writeExpiredCA(t, certPath, keyPath)

	cfg := config.New(config.Values{InterceptTLS: true})
	store := NewStore(certPath, keyPath, cfg)

	_, _, err := store.MintLeaf("example.com")
	require.ErrorIs(t, err, ErrCAExpired)
}
