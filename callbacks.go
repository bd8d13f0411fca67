// SPDX-FileCopyrightText: 2025 The Concord RTC community <https://github.com/concord-rtc>
// SPDX-License-Identifier: MIT

package dtlscore

import "crypto/x509"

// Callbacks is the set of user-supplied hooks the session invokes. Every
// field is optional; a nil hook is simply never called.
type Callbacks struct {
	// VerifyCertificate is consulted with the peer's leaf certificate once
	// the certificate handshake has completed. A non-nil error shuts the
	// session down before MTU discovery; it does not interrupt the engine
	// handshake itself, which has already finished.
	VerifyCertificate func(peer *x509.Certificate) error

	// OnCertificatesUpdate fires exactly once, after a certificate-
	// authenticated handshake completes (including the certificate leg of
	// an anonymous-then-certificate renegotiation).
	OnCertificatesUpdate func(local, remote []*x509.Certificate)

	// OnStateChange fires on every FSM transition, including the terminal
	// move to StateShutdown (which fires at most once).
	OnStateChange func(new SessionState)

	// OnRxData fires for each plaintext payload released by the reorder
	// buffer, in strictly increasing sequence order.
	OnRxData func(data []byte)
}

func (c Callbacks) verifyCertificate(peer *x509.Certificate) error {
	if c.VerifyCertificate == nil {
		return nil
	}
	return c.VerifyCertificate(peer)
}

func (c Callbacks) onCertificatesUpdate(local, remote []*x509.Certificate) {
	if c.OnCertificatesUpdate != nil {
		c.OnCertificatesUpdate(local, remote)
	}
}

func (c Callbacks) onStateChange(s SessionState) {
	if c.OnStateChange != nil {
		c.OnStateChange(s)
	}
}

func (c Callbacks) onRxData(data []byte) {
	if c.OnRxData != nil {
		c.OnRxData(data)
	}
}
