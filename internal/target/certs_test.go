package target

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func selfSignedState(t *testing.T, host string) tls.ConnectionState {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: host},
		DNSNames:     []string{host},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return tls.ConnectionState{
		ServerName:       host,
		PeerCertificates: []*x509.Certificate{cert},
	}
}

func TestCertCacheTrustOnFirstUse(t *testing.T) {
	cache := NewCertCache(nil)
	cs := selfSignedState(t, "dev.example.test")

	require.NoError(t, cache.Check("dev.example.test", cs))
	require.NoError(t, cache.Check("dev.example.test", cs))
}

func TestCertCacheRejectionIsPinned(t *testing.T) {
	calls := 0
	cache := NewCertCache(func(string, string, *x509.Certificate) bool {
		calls++
		return false
	})
	cs := selfSignedState(t, "bad.example.test")

	require.Error(t, cache.Check("bad.example.test", cs))
	require.Error(t, cache.Check("bad.example.test", cs))
	require.Equal(t, 1, calls, "verdict must be pinned, not re-asked")
}

func TestCertCacheKeyedByHostAndFingerprint(t *testing.T) {
	asked := make(map[string]int)
	cache := NewCertCache(func(host, fp string, _ *x509.Certificate) bool {
		asked[host+"/"+fp]++
		return true
	})
	csA := selfSignedState(t, "a.example.test")
	csB := selfSignedState(t, "a.example.test")

	require.NoError(t, cache.Check("a.example.test", csA))
	// A different certificate for the same host is a fresh decision.
	require.NoError(t, cache.Check("a.example.test", csB))
	require.Len(t, asked, 2)
}

func TestCertCacheNoCertificate(t *testing.T) {
	cache := NewCertCache(nil)
	require.Error(t, cache.Check("x.example.test", tls.ConnectionState{}))
}
