package ca

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCertCache_LRU(t *testing.T) {
	cache := newCertCache(3)

	first := &tls.Certificate{}
	cache.set("host1", first)
	got, ok := cache.get("host1")
	require.True(t, ok)
	assert.Same(t, first, got)

	cache.set("host2", &tls.Certificate{})
	cache.set("host3", &tls.Certificate{})
	cache.set("host4", &tls.Certificate{})
	_, ok = cache.get("host1")
	assert.False(t, ok, "host1 should have been evicted")

	cache.get("host2")
	cache.set("host5", &tls.Certificate{})
	_, ok = cache.get("host3")
	assert.False(t, ok, "host3 should have been evicted, not the recently used host2")
	_, ok = cache.get("host2")
	assert.True(t, ok)
	assert.Equal(t, 3, cache.len())

	cache.clear()
	assert.Equal(t, 0, cache.len())
}

func TestEphemeral_IssuesVerifiableCertificates(t *testing.T) {
	m, err := NewEphemeral()
	require.NoError(t, err)
	pool, err := m.CertPool()
	require.NoError(t, err)

	tests := []struct {
		host string
		name string
	}{
		{"example.com", "example.com"},
		{"API.Example.com", "api.example.com"},
		{"127.0.0.1", "127.0.0.1"},
		{"[::1]", "::1"},
	}
	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			cert, err := m.CertificateFor(tt.host)
			require.NoError(t, err)
			require.NotNil(t, cert.Leaf)
			_, err = cert.Leaf.Verify(x509.VerifyOptions{DNSName: tt.name, Roots: pool})
			assert.NoError(t, err)
		})
	}
}

func TestCertificateFor_CachesAndObserves(t *testing.T) {
	var hits, misses int
	var mu sync.Mutex
	m, err := NewEphemeral(WithCacheObserver(func(hit bool) {
		mu.Lock()
		defer mu.Unlock()
		if hit {
			hits++
		} else {
			misses++
		}
	}))
	require.NoError(t, err)

	a, err := m.CertificateFor("example.com")
	require.NoError(t, err)
	b, err := m.CertificateFor("example.com")
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.Equal(t, 1, hits)
	assert.Equal(t, 1, misses)
	assert.Equal(t, 1, m.CachedCount())
}

func TestCertificateFor_WithoutRoot(t *testing.T) {
	m := NewManager("", "")
	_, err := m.CertificateFor("example.com")
	assert.ErrorIs(t, err, ErrNotLoaded)
	_, err = m.CACertPEM()
	assert.ErrorIs(t, err, ErrNotLoaded)
	assert.Error(t, m.Generate())
}

func TestManager_EnsureCAPersistsRoot(t *testing.T) {
	dir := t.TempDir()

	first := NewManagerInDir(dir, WithOrganization("Test CA"))
	assert.False(t, first.Exists())
	require.NoError(t, first.EnsureCA())
	assert.True(t, first.Exists())

	info, err := os.Stat(first.KeyPath())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	firstPEM, err := first.CACertPEM()
	require.NoError(t, err)

	second := NewManagerInDir(dir)
	require.NoError(t, second.EnsureCA())
	secondPEM, err := second.CACertPEM()
	require.NoError(t, err)
	assert.Equal(t, firstPEM, secondPEM, "existing root must be loaded, not regenerated")

	certInfo, err := second.CertInfo()
	require.NoError(t, err)
	assert.Equal(t, "Test CA", certInfo.Organization)
	assert.Len(t, certInfo.Fingerprint, 32*3-1)
}

func TestManager_LoadsRSAKeys(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "ca.crt")
	keyPath := filepath.Join(dir, "ca.key")

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "legacy"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o644))
	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}), 0o600))

	m := NewManager(certPath, keyPath)
	require.NoError(t, m.Load())
	cert, err := m.CertificateFor("legacy.test")
	require.NoError(t, err)
	assert.Equal(t, "legacy", cert.Leaf.Issuer.CommonName)
}

func TestManager_LoadRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "ca.crt")
	require.NoError(t, os.WriteFile(certPath, []byte("not pem"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ca.key"), []byte("not pem"), 0o600))

	m := NewManagerInDir(dir)
	assert.Error(t, m.Load())
}
