// SPDX-FileCopyrightText: 2025 The Concord RTC community <https://github.com/concord-rtc>
// SPDX-License-Identifier: MIT

package dtlscore

import (
	"crypto/tls"
	"crypto/x509"
	"time"

	"github.com/pion/logging"

	"github.com/concord-rtc/dtlscore/pkg/dhparams"
)

// PeerCAStore bundles a peer-supplied certificate chain with its CRLs, as
// produced by the daemon's certificate/CRL storage layer. Both fields are
// optional; a nil store means "trust the CA trust file only".
type PeerCAStore struct {
	// Chain is the peer's CA chain, root-last.
	Chain []*x509.Certificate
	// CRLs is the set of revocation lists covering Chain, DER-encoded.
	CRLs [][]byte
}

// DhParamsFuture resolves to the session's DH-like key material. It may
// block (it is only ever called from the worker, during SETUP) and is
// called at most once per Session.
type DhParamsFuture func() (*dhparams.Params, error)

// Config bundles everything needed to construct a Session. It is built by
// the daemon's configuration layer (out of scope here) and is immutable
// once passed to New.
type Config struct {
	// Transport is the underlying packet socket; role (client/server) is
	// derived from Transport.IsInitiator().
	Transport PacketSocket

	// AnonymousFirst, when true, performs an anonymous-PSK handshake
	// first and transparently renegotiates to certificate authentication.
	AnonymousFirst bool

	// CATrustFile is a PEM (tried first) or DER encoded CA trust bundle
	// path. Optional.
	CATrustFile string

	// PeerCAStore supplies an additional, CRL-aware peer CA chain.
	// Optional.
	PeerCAStore *PeerCAStore

	// Certificate is the local identity (chain + private key). Required
	// unless the session never completes certificate authentication.
	Certificate *tls.Certificate

	// DHParams resolves the session's DH-like parameters, used to derive
	// the anonymous-phase PSK. Required when AnonymousFirst is set.
	DHParams DhParamsFuture

	// HandshakeTimeout bounds the overall handshake. The effective
	// timeout is max(HandshakeTimeout, dtlsRetransmitTimeout): a value
	// below one retransmit interval is silently raised to it.
	HandshakeTimeout time.Duration

	Callbacks Callbacks

	LoggerFactory logging.LoggerFactory
}

func validateConfig(cfg *Config) error {
	if cfg == nil {
		return errNoConfigProvided
	}
	if cfg.Transport == nil {
		return errNilTransport
	}
	if cfg.AnonymousFirst && cfg.DHParams == nil {
		return errDhParamsUnavailable
	}
	return nil
}

func (cfg *Config) loggerFactory() logging.LoggerFactory {
	if cfg.LoggerFactory != nil {
		return cfg.LoggerFactory
	}
	return logging.NewDefaultLoggerFactory()
}

func (cfg *Config) handshakeTimeout() time.Duration {
	if cfg.HandshakeTimeout > dtlsRetransmitTimeout {
		return cfg.HandshakeTimeout
	}
	return dtlsRetransmitTimeout
}
