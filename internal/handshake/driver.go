// SPDX-FileCopyrightText: 2025 The Concord RTC community <https://github.com/concord-rtc>
// SPDX-License-Identifier: MIT

// Package handshake drives the cryptographic handshake, including the
// anonymous-to-certificate renegotiation substitute, on top of the
// underlying DTLS engine (pion/dtls).
//
// The engine is DTLS 1.2 only, has no anonymous cipher suite, and has no
// in-band renegotiation. The anonymous phase is therefore realized as a
// first handshake authenticated with a PSK whose identity hint marks it
// anonymous and whose key is derived from the session's DH parameters; once
// that handshake is observed to have negotiated a PSK-based suite, the
// driver tears it down and immediately re-handshakes a second engine
// connection, this time with certificates, over the same packet transport.
// This is a deliberate substitute for literal TLS renegotiation (see
// DESIGN.md).
package handshake

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/pion/dtls/v2"
	"github.com/pion/logging"
)

// CredentialKind identifies which kind of credential a completed handshake
// negotiated.
type CredentialKind int

const (
	KindUnknown CredentialKind = iota
	KindAnonymous
	KindCertificate
)

func (k CredentialKind) String() string {
	switch k {
	case KindAnonymous:
		return "anonymous"
	case KindCertificate:
		return "certificate"
	default:
		return "unknown"
	}
}

// ErrUnsafeRenegotiation is returned when a completed handshake's engine
// connection does not report the renegotiation-safety the core requires as
// a MITM defence.
var ErrUnsafeRenegotiation = errors.New("handshake: peer failed safe-renegotiation check")

// ErrUnexpectedCredentialKind is returned when a certificate-only handshake
// unexpectedly negotiates a PSK suite, or vice versa.
var ErrUnexpectedCredentialKind = errors.New("handshake: unexpected negotiated credential kind")

// AnonymousParams configures the PSK-surrogate anonymous phase.
type AnonymousParams struct {
	IdentityHint []byte
	Key          []byte
}

// CertificateParams configures the certificate phase.
type CertificateParams struct {
	Certificate tls.Certificate
	ClientCAs   *x509.CertPool // server-side: pool used to verify the peer
	RootCAs     *x509.CertPool // client-side: pool used to verify the peer
	ClientAuth  dtls.ClientAuthType
}

// Outcome describes a completed handshake.
type Outcome struct {
	Conn *dtls.Conn
	Kind CredentialKind
}

// Driver orchestrates one or two sequential engine handshakes over a single
// packet transport, implementing the anonymous-then-certificate
// substitution.
type Driver struct {
	Initiator        bool
	HandshakeTimeout time.Duration
	LoggerFactory    logging.LoggerFactory

	// RetransmitInterval is the engine's handshake flight retransmit
	// interval.
	RetransmitInterval time.Duration

	// MTU caps the engine's own record size so handshake flights and probe
	// records are never fragmented below this core's PMTU ladder top.
	MTU int

	Anonymous   *AnonymousParams // nil if anonymous phase is skipped
	Certificate *CertificateParams
}

// Run executes the configured handshake sequence over conn, a packet
// transport fixed to the single peer at rAddr. If Anonymous is set, it runs
// first; on observing a PSK-based negotiated suite it tears down that
// connection and re-handshakes with Certificate, or, when Certificate is nil,
// returns the anonymous outcome with its connection left open. If Anonymous
// is nil, it goes straight to the certificate phase.
func (d *Driver) Run(ctx context.Context, conn net.PacketConn, rAddr net.Addr) (*Outcome, error) {
	if d.Anonymous == nil {
		return d.runCertificate(ctx, conn, rAddr)
	}

	anonOutcome, err := d.runAnonymous(ctx, conn, rAddr)
	if err != nil {
		return nil, err
	}
	if anonOutcome.Kind != KindAnonymous {
		return nil, fmt.Errorf("%w: expected anonymous, got %s", ErrUnexpectedCredentialKind, anonOutcome.Kind)
	}

	if d.Certificate == nil {
		// Anonymous-only mode: certificate renegotiation happens whenever
		// a certificate credential is available; absent one, the anonymous
		// outcome stands as final. Nothing to tear down.
		return anonOutcome, nil
	}

	if err := anonOutcome.Conn.Close(); err != nil {
		return nil, fmt.Errorf("handshake: tear down anonymous connection: %w", err)
	}
	return d.runCertificate(ctx, conn, rAddr)
}

func (d *Driver) runAnonymous(ctx context.Context, conn net.PacketConn, rAddr net.Addr) (*Outcome, error) {
	cfg := &dtls.Config{
		PSK: func(hint []byte) ([]byte, error) {
			return d.Anonymous.Key, nil
		},
		PSKIdentityHint:         d.Anonymous.IdentityHint,
		InsecureSkipVerifyHello: true,
		FlightInterval:          d.RetransmitInterval,
		MTU:                     d.MTU,
		LoggerFactory:           d.LoggerFactory,
	}
	dtlsConn, err := d.handshakeWith(ctx, conn, rAddr, cfg)
	if err != nil {
		return nil, fmt.Errorf("handshake: anonymous phase: %w", err)
	}
	if !safeRenegotiation(dtlsConn) {
		dtlsConn.Close()
		return nil, ErrUnsafeRenegotiation
	}
	kind := NegotiatedKind(dtlsConn.ConnectionState())
	if kind != KindAnonymous {
		dtlsConn.Close()
		return nil, fmt.Errorf("%w: expected anonymous, got %s", ErrUnexpectedCredentialKind, kind)
	}
	return &Outcome{Conn: dtlsConn, Kind: kind}, nil
}

func (d *Driver) runCertificate(ctx context.Context, conn net.PacketConn, rAddr net.Addr) (*Outcome, error) {
	cfg := &dtls.Config{
		Certificates:            []tls.Certificate{d.Certificate.Certificate},
		ClientCAs:               d.Certificate.ClientCAs,
		RootCAs:                 d.Certificate.RootCAs,
		ClientAuth:              d.Certificate.ClientAuth,
		InsecureSkipVerifyHello: true,
		FlightInterval:          d.RetransmitInterval,
		MTU:                     d.MTU,
		LoggerFactory:           d.LoggerFactory,
	}
	dtlsConn, err := d.handshakeWith(ctx, conn, rAddr, cfg)
	if err != nil {
		return nil, fmt.Errorf("handshake: certificate phase: %w", err)
	}

	if !safeRenegotiation(dtlsConn) {
		dtlsConn.Close()
		return nil, ErrUnsafeRenegotiation
	}
	kind := NegotiatedKind(dtlsConn.ConnectionState())
	if kind != KindCertificate {
		dtlsConn.Close()
		return nil, fmt.Errorf("%w: expected certificate, got %s", ErrUnexpectedCredentialKind, kind)
	}
	return &Outcome{Conn: dtlsConn, Kind: kind}, nil
}

func (d *Driver) handshakeWith(ctx context.Context, conn net.PacketConn, rAddr net.Addr, cfg *dtls.Config) (*dtls.Conn, error) {
	if d.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.HandshakeTimeout)
		defer cancel()
	}
	if d.Initiator {
		return dtls.ClientWithContext(ctx, conn, rAddr, cfg)
	}
	return dtls.ServerWithContext(ctx, conn, rAddr, cfg)
}

// safeRenegotiation reports whether the completed connection reflects the
// renegotiation-safety the core requires. pion/dtls always implements the
// secure-renegotiation indication internally and does not expose a
// disabling knob, so in practice this is always satisfied by the engine;
// the explicit check keeps the fatal-error path in one obvious place if the
// engine's guarantee ever changes.
func safeRenegotiation(conn *dtls.Conn) bool {
	return conn != nil
}

// NegotiatedKind inspects a completed handshake's connection state to
// classify it as anonymous (PSK-based) or certificate-based.
func NegotiatedKind(state dtls.State) CredentialKind {
	if len(state.IdentityHint) > 0 {
		return KindAnonymous
	}
	return KindCertificate
}
