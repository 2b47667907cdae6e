// Package ca provides on-demand TLS certificate issuance for locally proxied
// hostnames. The gateway treats issuance as an opaque collaborator; the
// self-signed implementation here keeps local mode working with zero setup.
package ca

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"
)

// Issuer hands out a certificate for a hostname.
type Issuer interface {
	Issue(name string) (tls.Certificate, error)
}

// SelfSigned issues leaf certificates under a lazily created in-memory root.
type SelfSigned struct {
	mu     sync.Mutex
	rootDR []byte
	root   *x509.Certificate
	rootKy *ecdsa.PrivateKey
	leafs  map[string]tls.Certificate
}

// NewSelfSigned creates an issuer with no material generated yet.
func NewSelfSigned() *SelfSigned {
	return &SelfSigned{leafs: make(map[string]tls.Certificate)}
}

func (s *SelfSigned) ensureRootLocked() error {
	if s.root != nil {
		return nil
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return err
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: "netsleuth local CA", Organization: []string{"netsleuth"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(2, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return err
	}
	s.rootDR = der
	s.root = cert
	s.rootKy = key
	return nil
}

// Issue returns a cached or freshly minted leaf for name.
func (s *SelfSigned) Issue(name string) (tls.Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if leaf, ok := s.leafs[name]; ok {
		return leaf, nil
	}
	if err := s.ensureRootLocked(); err != nil {
		return tls.Certificate{}, fmt.Errorf("ca: root: %w", err)
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: name},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(1, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ip := net.ParseIP(name); ip != nil {
		tmpl.IPAddresses = []net.IP{ip}
	} else {
		tmpl.DNSNames = []string{name}
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, s.root, &key.PublicKey, s.rootKy)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("ca: issue %s: %w", name, err)
	}
	leaf := tls.Certificate{
		Certificate: [][]byte{der, s.rootDR},
		PrivateKey:  key,
	}
	s.leafs[name] = leaf
	return leaf, nil
}
