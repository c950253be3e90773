// Package cert implements the certificate authority lifecycle (§4.C): load
// or generate a root CA, mint per-domain leaf certificates on demand, and
// enforce the expiry policy (warn inside 30 days, disable interception once
// expired).
//
// The certificate-template construction is grounded on the teacher's
// caddytls/selfsigned.go (_teacher_ref/selfsigned.go), generalized from
// "self-signed leaf" to "CA root" and "CA-signed leaf"; the rename-aside
// rollback dance is grounded on cmd/upgradepackage.go's backup-then-replace
// idiom (_teacher_ref/upgradepackage.go).
package cert

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"interceptproxy/internal/config"
	"interceptproxy/internal/log"
)

// ErrCAExpired is returned by ReadCA and MintLeaf when the current CA
// certificate's NotAfter has passed (§7, *ca-expired*).
var ErrCAExpired = errors.New("cert: CA certificate has expired")

// ErrIdenticalCA is returned by GenerateCA when the freshly generated
// material is byte-identical to what was already on disk (§4.C rollback
// policy, *identical-ca*).
var ErrIdenticalCA = errors.New("cert: regenerated CA is identical to existing CA")

const (
	caValidity   = 365 * 24 * time.Hour
	leafValidity = 24 * time.Hour
	warnWindow   = 30 * 24 * time.Hour
)

// Store holds the CA's parsed material in memory (to avoid re-reading and
// re-parsing PEM files on every HTTPS intercept, per §4.C's expansion) and
// knows how to (re)generate it and mint leaves.
type Store struct {
	certPath string
	keyPath  string
	cfg      *config.Store // flipped to InterceptTLS=false on ca-expired

	// randReader and nowFunc are overridden by tests that need two
	// GenerateCA calls to produce byte-identical output (to exercise the
	// ErrIdenticalCA rollback path); production callers always get the
	// zero-value defaults set by NewStore.
	randReader io.Reader
	nowFunc    func() time.Time

	mu      sync.RWMutex
	cert    *x509.Certificate
	key     *ecdsa.PrivateKey
	certPEM []byte
	keyPEM  []byte
	loaded  bool

	logger *zap.Logger
}

// NewStore creates a Store backed by certPath/keyPath. cfg may be nil in
// tests where CA-expiry auto-disable is not exercised.
func NewStore(certPath, keyPath string, cfg *config.Store) *Store {
	return &Store{
		certPath:   certPath,
		keyPath:    keyPath,
		cfg:        cfg,
		randReader: rand.Reader,
		nowFunc:    time.Now,
		logger:     log.Named("cert"),
	}
}

// GenerateCA creates a new self-signed CA key+cert (subject CN "localhost",
// validity 365 days) and writes both PEM files. If a prior cert file exists
// and the newly generated cert PEM is byte-identical to it, nothing is
// renamed or written and ErrIdenticalCA is returned; otherwise prior files
// are renamed aside as old_<basename>.pem before the new ones are written.
func (s *Store) GenerateCA() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldCertPEM, oldErr := os.ReadFile(s.certPath)
	hadPrior := oldErr == nil

	certPEM, keyPEM, cert, key, err := generateSelfSignedCA(s.randReader, s.nowFunc())
	if err != nil {
		return nil, err
	}

	if hadPrior && bytes.Equal(certPEM, oldCertPEM) {
		return nil, ErrIdenticalCA
	}

	if hadPrior {
		if err := renameAside(s.certPath); err != nil {
			return nil, fmt.Errorf("cert: backing up old CA cert: %w", err)
		}
		if err := renameAside(s.keyPath); err != nil {
			return nil, fmt.Errorf("cert: backing up old CA key: %w", err)
		}
	}

	if err := writePEMFile(s.certPath, certPEM); err != nil {
		return nil, err
	}
	if err := writePEMFile(s.keyPath, keyPEM); err != nil {
		return nil, err
	}

	s.cert, s.key, s.certPEM, s.keyPEM, s.loaded = cert, key, certPEM, keyPEM, true
	s.logger.Info("generated new CA", zap.String("cert_path", s.certPath), zap.Time("not_after", cert.NotAfter))
	return certPEM, nil
}

// renameAside renames path to old_<basename>(path) in the same directory,
// overwriting any previous backup (mirrors the §6 filesystem layout:
// ca_cert.pem -> old_ca_cert.pem).
func renameAside(path string) error {
	dir, base := filepath.Split(path)
	oldPath := filepath.Join(dir, "old_"+base)
	return os.Rename(path, oldPath)
}

func writePEMFile(path string, data []byte) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("cert: mkdir %s: %w", dir, err)
		}
	}
	return os.WriteFile(path, data, 0o600)
}

// ReadCA returns the PEM-encoded current CA certificate, loading it from
// disk on first use. Warns if fewer than 30 days remain; fails with
// ErrCAExpired (and flips the global InterceptTLS config to false) if the
// certificate has already expired.
func (s *Store) ReadCA() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoadedLocked(); err != nil {
		return nil, err
	}
	return s.checkExpiryLocked()
}

// ensureLoadedLocked loads CA material from disk into the cache if not
// already cached. Must be called with mu held for writing.
func (s *Store) ensureLoadedLocked() error {
	if s.loaded {
		return nil
	}
	certPEM, err := os.ReadFile(s.certPath)
	if err != nil {
		return fmt.Errorf("cert: read CA cert: %w", err)
	}
	keyPEM, err := os.ReadFile(s.keyPath)
	if err != nil {
		return fmt.Errorf("cert: read CA key: %w", err)
	}
	cert, key, err := parseCAKeyPair(certPEM, keyPEM)
	if err != nil {
		return err
	}
	s.cert, s.key, s.certPEM, s.keyPEM, s.loaded = cert, key, certPEM, keyPEM, true
	return nil
}

// checkExpiryLocked applies the §4.C expiry policy to the cached CA cert.
// Must be called with mu held (read or write is fine; it only reads fields
// already populated by ensureLoadedLocked).
func (s *Store) checkExpiryLocked() ([]byte, error) {
	remaining := time.Until(s.cert.NotAfter)
	if remaining <= 0 {
		if s.cfg != nil {
			s.cfg.DisableIntercept()
		}
		s.logger.Error("CA certificate has expired; TLS interception disabled",
			zap.Time("not_after", s.cert.NotAfter))
		return nil, ErrCAExpired
	}
	if remaining < warnWindow {
		s.logger.Warn("CA certificate nearing expiry",
			zap.Duration("remaining", remaining), zap.Time("not_after", s.cert.NotAfter))
	}
	return s.certPEM, nil
}

// MintLeaf produces a leaf certificate signed by the CA, valid for 1 day,
// with SANs {"localhost", domain}. Leaves are never written to disk or
// cached by this store (§4.C: "leaves are not persisted"); the caller
// (internal/intercept) turns the returned PEM pair into a tls.Certificate
// for the one connection it is serving.
func (s *Store) MintLeaf(domain string) (leafCertPEM, leafKeyPEM []byte, err error) {
	s.mu.Lock()
	if err := s.ensureLoadedLocked(); err != nil {
		s.mu.Unlock()
		return nil, nil, err
	}
	if _, err := s.checkExpiryLocked(); err != nil {
		s.mu.Unlock()
		return nil, nil, err
	}
	caCert, caKey := s.cert, s.key
	s.mu.Unlock()

	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), s.randReader)
	if err != nil {
		return nil, nil, fmt.Errorf("cert: generate leaf key: %w", err)
	}

	serial, err := randomSerial(s.randReader)
	if err != nil {
		return nil, nil, err
	}

	domain = strings.ToLower(domain)
	now := s.nowFunc()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: domain},
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(leafValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	for _, san := range dedupeSANs("localhost", domain) {
		if ip := net.ParseIP(san); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, san)
		}
	}

	der, err := x509.CreateCertificate(s.randReader, template, caCert, &leafKey.PublicKey, caKey)
	if err != nil {
		return nil, nil, fmt.Errorf("cert: sign leaf for %s: %w", domain, err)
	}

	leafCertPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyDER, err := x509.MarshalECPrivateKey(leafKey)
	if err != nil {
		return nil, nil, fmt.Errorf("cert: marshal leaf key: %w", err)
	}
	leafKeyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	s.logger.Debug("minted leaf certificate", zap.String("domain", domain), zap.Time("not_after", template.NotAfter))
	return leafCertPEM, leafKeyPEM, nil
}

func dedupeSANs(sans ...string) []string {
	seen := make(map[string]struct{}, len(sans))
	out := make([]string, 0, len(sans))
	for _, s := range sans {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func randomSerial(randReader io.Reader) (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(randReader, limit)
	if err != nil {
		return nil, fmt.Errorf("cert: generate serial: %w", err)
	}
	return serial, nil
}

func generateSelfSignedCA(randReader io.Reader, now time.Time) (certPEM, keyPEM []byte, cert *x509.Certificate, key *ecdsa.PrivateKey, err error) {
	key, err = ecdsa.GenerateKey(elliptic.P256(), randReader)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("cert: generate CA key: %w", err)
	}

	serial, err := randomSerial(randReader)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "localhost"},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(caValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}

	der, err := x509.CreateCertificate(randReader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("cert: create CA cert: %w", err)
	}
	cert, err = x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("cert: parse generated CA cert: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("cert: marshal CA key: %w", err)
	}
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	return certPEM, keyPEM, cert, key, nil
}

func parseCAKeyPair(certPEM, keyPEM []byte) (*x509.Certificate, *ecdsa.PrivateKey, error) {
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, nil, errors.New("cert: no PEM block in CA certificate file")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("cert: parse CA certificate: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, nil, errors.New("cert: no PEM block in CA key file")
	}
	key, err := x509.ParseECPrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("cert: parse CA private key: %w", err)
	}
	return cert, key, nil
}
