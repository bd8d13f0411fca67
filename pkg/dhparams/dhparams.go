// SPDX-FileCopyrightText: 2025 The Concord RTC community <https://github.com/concord-rtc>
// SPDX-License-Identifier: MIT

// Package dhparams owns the session's DH-like key material: opaque bytes
// suitable as server key-exchange input, generated once and reused across
// sessions the way classic DH parameters are in the system this core's
// specification was distilled from.
//
// Go's modern ecosystem has no classic finite-field DH parameter generator;
// curve25519 scalar generation is the idiomatic replacement and is what is
// used here (see DESIGN.md).
package dhparams

import (
	"crypto/rand"
	"encoding/pem"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

const pemBlockType = "X25519 DH PARAMETERS"

// Params is an opaque, owned DH-like key-material handle. The zero value is
// not valid; construct with Generate or Import.
type Params struct {
	scalar []byte
}

// Generate creates fresh DH-like parameters.
func Generate() (*Params, error) {
	scalar := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(scalar); err != nil {
		return nil, fmt.Errorf("dhparams: generate: %w", err)
	}
	// Clamp so the scalar is always usable as an X25519 private key,
	// matching the library's own key-generation convention.
	scalar[0] &= 248
	scalar[31] &= 127
	scalar[31] |= 64
	return &Params{scalar: scalar}, nil
}

// Import parses previously-serialized parameters (see Serialize).
func Import(data []byte) (*Params, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != pemBlockType {
		return nil, fmt.Errorf("dhparams: import: not a %s PEM block", pemBlockType)
	}
	if len(block.Bytes) != curve25519.ScalarSize {
		return nil, fmt.Errorf("dhparams: import: bad scalar length %d", len(block.Bytes))
	}
	return &Params{scalar: append([]byte(nil), block.Bytes...)}, nil
}

// Serialize PEM-encodes the parameters for persistence.
func (p *Params) Serialize() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: pemBlockType, Bytes: p.scalar})
}

// Clone deep-copies the parameters; Params is an owned handle and must never
// be shared by reference across sessions.
func (p *Params) Clone() *Params {
	return &Params{scalar: append([]byte(nil), p.scalar...)}
}

// PublicValue derives the public DH value for this scalar, suitable for
// inclusion in a server key-exchange message.
func (p *Params) PublicValue() ([]byte, error) {
	pub, err := curve25519.X25519(p.scalar, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("dhparams: public value: %w", err)
	}
	return pub, nil
}

// SharedSecret computes the shared secret with a peer's public value. The
// anonymous-phase PSK is not derived from it; the session derives that key
// from PublicValue.
func (p *Params) SharedSecret(peerPublic []byte) ([]byte, error) {
	secret, err := curve25519.X25519(p.scalar, peerPublic)
	if err != nil {
		return nil, fmt.Errorf("dhparams: shared secret: %w", err)
	}
	return secret, nil
}

// Destroy zeroes the held scalar. The Params is unusable afterwards; safe to
// call more than once.
func (p *Params) Destroy() {
	for i := range p.scalar {
		p.scalar[i] = 0
	}
	p.scalar = nil
}
