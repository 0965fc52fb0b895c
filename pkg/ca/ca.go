// Package ca issues the certificates the proxy presents inside CONNECT
// tunnels.
//
// A Manager holds a root certificate, either persisted to disk or generated
// in memory, and signs a leaf certificate per intercepted host. Leaves are
// kept in an LRU cache.
package ca

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultOrganization is the subject organization of generated roots.
	DefaultOrganization = "mockproxy Local CA"
	// DefaultCAValidityDays is the validity period of generated roots.
	DefaultCAValidityDays = 3650
	// DefaultHostValidityDays is the validity period of host certificates.
	DefaultHostValidityDays = 365
)

// ErrNotLoaded is returned when the root certificate has not been loaded or
// generated yet.
var ErrNotLoaded = errors.New("CA not loaded")

// Authority issues a certificate for an intercepted host.
type Authority interface {
	CertificateFor(host string) (*tls.Certificate, error)
}

// Manager is a file-backed or in-memory certificate authority.
type Manager struct {
	mu sync.RWMutex

	caCert   *x509.Certificate
	caKey    crypto.Signer
	certPath string
	keyPath  string
	org      string
	cache    *certCache
	onLookup func(hit bool)
}

// Option configures a Manager.
type Option func(*Manager)

// WithCacheSize sets the maximum number of cached host certificates.
func WithCacheSize(size int) Option {
	return func(m *Manager) { m.cache = newCertCache(size) }
}

// WithOrganization sets the subject organization used when generating a root.
func WithOrganization(org string) Option {
	return func(m *Manager) { m.org = org }
}

// WithCacheObserver registers fn to be told whether each lookup hit the cache.
func WithCacheObserver(fn func(hit bool)) Option {
	return func(m *Manager) { m.onLookup = fn }
}

// NewManager creates a manager persisting its root at certPath and keyPath.
// Call EnsureCA before issuing certificates.
func NewManager(certPath, keyPath string, opts ...Option) *Manager {
	m := &Manager{
		certPath: certPath,
		keyPath:  keyPath,
		org:      DefaultOrganization,
		cache:    newCertCache(DefaultCertCacheSize),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NewManagerInDir creates a manager storing ca.crt and ca.key in dir.
func NewManagerInDir(dir string, opts ...Option) *Manager {
	return NewManager(filepath.Join(dir, "ca.crt"), filepath.Join(dir, "ca.key"), opts...)
}

// NewEphemeral returns a manager with a freshly generated root that is never
// written to disk.
func NewEphemeral(opts ...Option) (*Manager, error) {
	m := NewManager("", "", opts...)
	cert, key, err := m.newRoot()
	if err != nil {
		return nil, err
	}
	m.caCert, m.caKey = cert, key
	return m, nil
}

// CertPath returns the path to the CA certificate file.
func (m *Manager) CertPath() string { return m.certPath }

// KeyPath returns the path to the CA private key file.
func (m *Manager) KeyPath() string { return m.keyPath }

// Exists checks if the CA certificate and key exist on disk.
func (m *Manager) Exists() bool {
	if m.certPath == "" || m.keyPath == "" {
		return false
	}
	_, certErr := os.Stat(m.certPath)
	_, keyErr := os.Stat(m.keyPath)
	return certErr == nil && keyErr == nil
}

// Generate creates a new root and writes it to disk, replacing any existing
// one. Cached host certificates are discarded.
func (m *Manager) Generate() error {
	if m.certPath == "" || m.keyPath == "" {
		return errors.New("CA paths not set")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cert, key, err := m.newRoot()
	if err != nil {
		return err
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshal CA key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(m.certPath), 0o700); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.keyPath), 0o700); err != nil {
		return err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	if err := os.WriteFile(m.certPath, certPEM, 0o644); err != nil { //nolint:gosec // G306: the CA certificate is public
		return fmt.Errorf("write CA certificate: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(m.keyPath, keyPEM, 0o600); err != nil {
		return fmt.Errorf("write CA key: %w", err)
	}

	m.caCert, m.caKey = cert, key
	m.cache.clear()
	return nil
}

func (m *Manager) newRoot() (*x509.Certificate, crypto.Signer, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{m.org},
			CommonName:   m.org,
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.AddDate(0, 0, DefaultCAValidityDays),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, err
	}
	return cert, key, nil
}

// Load reads the CA certificate and key from disk. PKCS#8, SEC 1 EC and
// PKCS#1 RSA keys are accepted.
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	certPEM, err := os.ReadFile(m.certPath)
	if err != nil {
		return err
	}
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return fmt.Errorf("%s: no certificate PEM block", m.certPath)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return err
	}

	keyPEM, err := os.ReadFile(m.keyPath)
	if err != nil {
		return err
	}
	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return fmt.Errorf("%s: no key PEM block", m.keyPath)
	}
	key, err := parsePrivateKey(keyBlock)
	if err != nil {
		return fmt.Errorf("%s: %w", m.keyPath, err)
	}

	m.caCert, m.caKey = cert, key
	m.cache.clear()
	return nil
}

func parsePrivateKey(block *pem.Block) (crypto.Signer, error) {
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	default:
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		switch k := key.(type) {
		case *ecdsa.PrivateKey:
			return k, nil
		case *rsa.PrivateKey:
			return k, nil
		default:
			return nil, fmt.Errorf("unsupported key type %T", key)
		}
	}
}

// EnsureCA loads an existing root or generates a new one.
func (m *Manager) EnsureCA() error {
	if m.Exists() {
		return m.Load()
	}
	return m.Generate()
}

// CertificateFor returns a certificate for host signed by the root. IP
// literals get an IP SAN, names a DNS SAN.
func (m *Manager) CertificateFor(host string) (*tls.Certificate, error) {
	host = strings.ToLower(strings.Trim(host, "[]"))
	if host == "" {
		return nil, errors.New("empty host")
	}

	if cert, ok := m.cache.get(host); ok {
		m.observe(true)
		return cert, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if cert, ok := m.cache.get(host); ok {
		m.observe(true)
		return cert, nil
	}
	if m.caCert == nil || m.caKey == nil {
		return nil, ErrNotLoaded
	}
	m.observe(false)

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: host},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.AddDate(0, 0, DefaultHostValidityDays),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, m.caCert, &key.PublicKey, m.caKey)
	if err != nil {
		return nil, fmt.Errorf("sign certificate for %s: %w", host, err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}

	cert := &tls.Certificate{
		Certificate: [][]byte{der, m.caCert.Raw},
		PrivateKey:  key,
		Leaf:        leaf,
	}
	m.cache.set(host, cert)
	return cert, nil
}

func (m *Manager) observe(hit bool) {
	if m.onLookup != nil {
		m.onLookup(hit)
	}
}

// CachedCount returns the number of cached host certificates.
func (m *Manager) CachedCount() int { return m.cache.len() }

// CACertPEM returns the root certificate in PEM format.
func (m *Manager) CACertPEM() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.caCert == nil {
		return nil, ErrNotLoaded
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: m.caCert.Raw}), nil
}

// CertPool returns a pool containing only the root, for clients that should
// trust the proxy.
func (m *Manager) CertPool() (*x509.CertPool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.caCert == nil {
		return nil, ErrNotLoaded
	}
	pool := x509.NewCertPool()
	pool.AddCert(m.caCert)
	return pool, nil
}

// CertInfo describes the root certificate.
type CertInfo struct {
	Fingerprint  string    `json:"fingerprint"`
	NotAfter     time.Time `json:"notAfter"`
	Organization string    `json:"organization"`
}

// CertInfo returns information about the root certificate. The fingerprint
// is the colon-separated SHA-256 of the DER encoding.
func (m *Manager) CertInfo() (*CertInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.caCert == nil {
		return nil, ErrNotLoaded
	}

	org := ""
	if len(m.caCert.Subject.Organization) > 0 {
		org = m.caCert.Subject.Organization[0]
	}
	sum := sha256.Sum256(m.caCert.Raw)
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = hex.EncodeToString([]byte{b})
	}

	return &CertInfo{
		Fingerprint:  strings.ToUpper(strings.Join(parts, ":")),
		NotAfter:     m.caCert.NotAfter,
		Organization: org,
	}, nil
}

func randomSerial() (*big.Int, error) {
	return rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
}
