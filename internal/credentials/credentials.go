// SPDX-FileCopyrightText: 2025 The Concord RTC community <https://github.com/concord-rtc>
// SPDX-License-Identifier: MIT

// Package credentials owns the three independently-teardownable credential
// bundles a session may hold: anonymous PSK-surrogate identity material, a
// local X.509 certificate chain with its private key, and a CRL-aware peer
// CA trust store.
//
// Credentials must outlive the underlying cryptographic engine connection:
// callers tear down the engine connection first, then Close the
// Credentials, never the reverse.
package credentials

import (
	"crypto/tls"
	"crypto/x509"
	stdx509 "crypto/x509"
	"fmt"
	"math/big"
	"os"
	"sync"

	zx509 "github.com/zmap/zcrypto/x509"
)

// Anonymous bundles the PSK-surrogate identity and key used for the
// anonymous phase of a handshake. The real engine has no anonymous
// Diffie-Hellman cipher suite, so this phase is carried as a
// pre-shared-key handshake instead: identity marks the connection as
// anonymous, and key is derived from the session's DH parameters.
type Anonymous struct {
	Identity []byte
	Key      []byte
}

// PeerCAStore holds an optional peer-supplied certificate chain and CRL set,
// parsed with zcrypto's more permissive X.509/CRL handling so that
// real-world peer certificates that the standard library's stricter parser
// rejects can still be evaluated.
type PeerCAStore struct {
	Chain []*zx509.Certificate
	CRLs  []*zx509.CertificateList
}

// NewPeerCAStore parses a DER-encoded certificate chain and an optional set
// of DER-encoded CRLs.
func NewPeerCAStore(chainDER [][]byte, crlDER [][]byte) (*PeerCAStore, error) {
	store := &PeerCAStore{}
	for i, der := range chainDER {
		cert, err := zx509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("credentials: parse peer chain cert %d: %w", i, err)
		}
		store.Chain = append(store.Chain, cert)
	}
	for i, der := range crlDER {
		crl, err := zx509.ParseCertificateList(der)
		if err != nil {
			return nil, fmt.Errorf("credentials: parse CRL %d: %w", i, err)
		}
		store.CRLs = append(store.CRLs, crl)
	}
	return store, nil
}

// IsRevoked reports whether a certificate with the given serial number
// appears on any loaded CRL.
func (s *PeerCAStore) IsRevoked(serial []byte) bool {
	if s == nil {
		return false
	}
	target := new(big.Int).SetBytes(serial)
	for _, crl := range s.CRLs {
		for _, revoked := range crl.TBSCertList.RevokedCertificates {
			if revoked.SerialNumber.Cmp(target) == 0 {
				return true
			}
		}
	}
	return false
}

// Credentials owns the full set of key material a Session may need across
// its lifetime: anonymous PSK material, a local certificate, a CA trust
// pool, and an optional peer CA store. Close tears down all three; it is
// safe to call multiple times.
type Credentials struct {
	mu sync.Mutex

	anonymous *Anonymous

	certificate *tls.Certificate
	caPool      *x509.CertPool
	peerStore   *PeerCAStore

	closed bool
}

// New assembles a Credentials bundle. Any of anon, cert, or peerStore may be
// nil; caTrustFile, if non-empty, is loaded as a PEM (falling back to DER)
// root pool.
func New(anon *Anonymous, cert *tls.Certificate, caTrustFile string, peerStore *PeerCAStore) (*Credentials, error) {
	c := &Credentials{anonymous: anon, certificate: cert, peerStore: peerStore}

	if caTrustFile != "" {
		pool, err := loadCATrust(caTrustFile)
		if err != nil {
			return nil, fmt.Errorf("credentials: load CA trust: %w", err)
		}
		c.caPool = pool
	}
	return c, nil
}

func loadCATrust(path string) (*x509.CertPool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	pool := x509.NewCertPool()
	if pool.AppendCertsFromPEM(raw) {
		return pool, nil
	}

	cert, err := stdx509.ParseCertificate(raw)
	if err != nil {
		return nil, fmt.Errorf("not valid PEM or DER: %w", err)
	}
	pool.AddCert(cert)
	return pool, nil
}

// Anonymous returns the anonymous PSK bundle, or nil if none was configured.
func (c *Credentials) Anonymous() *Anonymous {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.anonymous
}

// Certificate returns the local certificate, or nil if none was configured.
func (c *Credentials) Certificate() *tls.Certificate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.certificate
}

// CAPool returns the root CA trust pool, or nil if none was configured.
func (c *Credentials) CAPool() *x509.CertPool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caPool
}

// PeerStore returns the peer CA/CRL store, or nil if none was configured.
func (c *Credentials) PeerStore() *PeerCAStore {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerStore
}

// ReplaceCertificate swaps in a certificate credential, zeroing and dropping
// the anonymous material, used when the anonymous phase gives way to forced
// certificate renegotiation.
func (c *Credentials) ReplaceCertificate(cert *tls.Certificate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.certificate = cert
	if c.anonymous != nil {
		zero(c.anonymous.Key)
		zero(c.anonymous.Identity)
	}
	c.anonymous = nil
}

// Close zeroes and releases all held key material. Safe to call more than
// once.
func (c *Credentials) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	if c.anonymous != nil {
		zero(c.anonymous.Key)
		zero(c.anonymous.Identity)
	}
	c.anonymous = nil
	c.certificate = nil
	c.caPool = nil
	c.peerStore = nil
	c.closed = true
	return nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
