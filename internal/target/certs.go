package target

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"sync"
)

// CertJudge decides whether an upstream certificate that fails normal
// verification should be trusted. The operator-facing implementation prompts;
// the default trusts on first use and pins the fingerprint for the run.
type CertJudge func(host, fingerprint string, cert *x509.Certificate) bool

// TrustOnFirstUse accepts any certificate and relies on the cache pinning it.
func TrustOnFirstUse(string, string, *x509.Certificate) bool { return true }

// CertCache remembers per-run trust decisions keyed by (hostname, leaf
// fingerprint). Upstream dialing disables transport verification and
// re-checks here so self-signed development certs can be trusted
// interactively without trusting them globally.
type CertCache struct {
	judge CertJudge

	mu       sync.Mutex
	accepted map[string]bool
}

// NewCertCache builds a cache; a nil judge means trust-on-first-use.
func NewCertCache(judge CertJudge) *CertCache {
	if judge == nil {
		judge = TrustOnFirstUse
	}
	return &CertCache{judge: judge, accepted: make(map[string]bool)}
}

func fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

// Check validates the presented chain for host. Certificates that verify
// against the system pool pass without consulting the judge.
func (c *CertCache) Check(host string, cs tls.ConnectionState) error {
	if len(cs.PeerCertificates) == 0 {
		return fmt.Errorf("target: no certificate presented by %s", host)
	}
	leaf := cs.PeerCertificates[0]

	pool := x509.NewCertPool()
	for _, ic := range cs.PeerCertificates[1:] {
		pool.AddCert(ic)
	}
	if _, err := leaf.Verify(x509.VerifyOptions{DNSName: host, Intermediates: pool}); err == nil {
		return nil
	}

	fp := fingerprint(leaf)
	key := host + "/" + fp

	c.mu.Lock()
	verdict, seen := c.accepted[key]
	c.mu.Unlock()
	if seen {
		if verdict {
			return nil
		}
		return fmt.Errorf("target: certificate for %s previously rejected", host)
	}

	verdict = c.judge(host, fp, leaf)
	c.mu.Lock()
	c.accepted[key] = verdict
	c.mu.Unlock()
	if !verdict {
		return fmt.Errorf("target: certificate for %s rejected", host)
	}
	return nil
}
