// Package config holds the proxy's global, process-wide configuration:
// three booleans guarded by a reader-preferring lock, loaded at startup from
// TOML and replaceable wholesale at runtime by the admin plane.
package config

import (
	"sync"

	"github.com/BurntSushi/toml"
)

// Values is the set of runtime-tunable proxy behaviors. It is intentionally
// flat (three booleans) to match the data model exactly; it carries no
// methods of its own so that Store's lock is the only way to read or write
// it safely.
type Values struct {
	InterceptTLS bool `toml:"intercept_tls"`
	BlockAds     bool `toml:"block_ads"`
	CacheEnabled bool `toml:"cache_enabled"`
}

// Store guards Values behind a reader-preferring sync.RWMutex: lookups
// (Get) are frequent and happen on every connection's hot path, while writes
// (Set, triggered by the admin plane or by CA-expiry detection) are rare.
type Store struct {
	mu  sync.RWMutex
	val Values
}

// New creates a Store seeded with the given initial values.
func New(initial Values) *Store {
	return &Store{val: initial}
}

// Get returns a snapshot of the current configuration.
func (s *Store) Get() Values {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.val
}

// Set replaces the configuration wholesale.
func (s *Store) Set(v Values) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.val = v
}

// DisableIntercept flips InterceptTLS to false in place, leaving the other
// fields untouched. Used by the CA store when read_ca() finds the CA
// certificate expired (§4.C, *ca-expired*).
func (s *Store) DisableIntercept() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.val.InterceptTLS = false
}

// File is the on-disk shape of ./.config/proxy.toml: listen addresses, CA
// and filter file paths, and the initial Values.
type File struct {
	ProxyListen string `toml:"proxy_listen"`
	AdminListen string `toml:"admin_listen"`
	CACertPath  string `toml:"ca_cert_path"`
	CAKeyPath   string `toml:"ca_key_path"`
	FilterPath  string `toml:"filter_path"`
	Values
}

// DefaultFile returns the documented default layout (§6).
func DefaultFile() File {
	return File{
		ProxyListen: ":8080",
		AdminListen: ":8000",
		CACertPath:  "./certs/ca_cert.pem",
		CAKeyPath:   "./certs/ca_key.pem",
		FilterPath:  "./.config/filter.toml",
		Values: Values{
			InterceptTLS: true,
			BlockAds:     true,
			CacheEnabled: false,
		},
	}
}

// LoadFile reads and parses the TOML config file at path. A missing or
// malformed file is the caller's concern; LoadFile does not supply defaults
// on error so that a typo in the file is never silently ignored.
func LoadFile(path string) (File, error) {
	f := DefaultFile()
	_, err := toml.DecodeFile(path, &f)
	if err != nil {
		return File{}, err
	}
	return f, nil
}
