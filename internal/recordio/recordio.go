// SPDX-FileCopyrightText: 2025 The Concord RTC community <https://github.com/concord-rtc>
// SPDX-License-Identifier: MIT

// Package recordio implements the inner record envelope carried as DTLS
// application data: an authenticated, sequence-numbered, frame-tagged
// wrapper layered on top of the handshake engine's own record protection.
//
// The underlying engine (pion/dtls) does not expose per-record sequence
// numbers to callers, but the reorder buffer needs them, and the heartbeat
// extension this core relies on for PMTU discovery does not exist in the
// engine at all. Both gaps are closed here instead of inside the engine: a
// caller-visible, AEAD-protected envelope with its own sequence space and a
// one-byte frame tag distinguishing data from ping/pong/capability frames.
package recordio

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// FrameTag identifies the payload carried by an envelope.
type FrameTag byte

const (
	FrameData       FrameTag = 0
	FramePing       FrameTag = 1
	FramePong       FrameTag = 2
	FrameCapability FrameTag = 3
)

const (
	nonceSize = 12
	tagSize   = 16
	seqSize   = 8
	headerLen = seqSize + 1 // sequence number + frame tag, both authenticated
)

// EnvelopeOverhead is the number of bytes Seal adds on top of the payload:
// the authenticated header, the nonce, and the AEAD tag. Callers subtract it
// from the DTLS MTU when sizing payload chunks.
const EnvelopeOverhead = headerLen + nonceSize + tagSize

var (
	errEnvelopeTooShort = errors.New("recordio: envelope shorter than header+nonce+tag")
	errUnknownFrameTag  = errors.New("recordio: unknown frame tag")
)

// DeriveKeys expands the handshake's exported keying material into a pair of
// independent AEAD keys, one per direction, using HKDF-SHA256. initiator
// selects which derived key is used for sealing versus opening so both
// peers agree without needing to exchange anything further.
func DeriveKeys(keyingMaterial []byte, initiator bool) (sealKey, openKey []byte, err error) {
	clientKey, err := expand(keyingMaterial, "dtlscore inner record client")
	if err != nil {
		return nil, nil, err
	}
	serverKey, err := expand(keyingMaterial, "dtlscore inner record server")
	if err != nil {
		return nil, nil, err
	}
	if initiator {
		return clientKey, serverKey, nil
	}
	return serverKey, clientKey, nil
}

func expand(keyingMaterial []byte, info string) ([]byte, error) {
	reader := hkdf.New(sha256.New, keyingMaterial, nil, []byte(info))
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("recordio: derive key: %w", err)
	}
	return key, nil
}

// Codec seals and opens inner record envelopes for a single session
// direction pair. The zero value is not usable; construct with NewCodec.
type Codec struct {
	sealAEAD cipher.AEAD
	openAEAD cipher.AEAD
}

// NewCodec builds a Codec from a pair of 32-byte keys, as produced by
// DeriveKeys.
func NewCodec(sealKey, openKey []byte) (*Codec, error) {
	sealAEAD, err := newAEAD(sealKey)
	if err != nil {
		return nil, fmt.Errorf("recordio: seal cipher: %w", err)
	}
	openAEAD, err := newAEAD(openKey)
	if err != nil {
		return nil, fmt.Errorf("recordio: open cipher: %w", err)
	}
	return &Codec{sealAEAD: sealAEAD, openAEAD: openAEAD}, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Seal produces an envelope carrying payload under the given sequence number
// and frame tag. The sequence number and frame tag are authenticated but not
// encrypted, matching the AEAD-with-associated-data construction the
// underlying engine itself uses for its own record layer.
func (c *Codec) Seal(seq uint64, tag FrameTag, payload []byte) ([]byte, error) {
	header := make([]byte, headerLen)
	binary.BigEndian.PutUint64(header[:seqSize], seq)
	header[seqSize] = byte(tag)

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("recordio: nonce: %w", err)
	}

	ciphertext := c.sealAEAD.Seal(nil, nonce, payload, header)

	out := make([]byte, 0, headerLen+nonceSize+len(ciphertext))
	out = append(out, header...)
	out = append(out, nonce...)
	out = append(out, ciphertext...)
	return out, nil
}

// Open authenticates and decrypts an envelope, returning its sequence
// number, frame tag, and plaintext payload.
func (c *Codec) Open(envelope []byte) (seq uint64, tag FrameTag, payload []byte, err error) {
	if len(envelope) < headerLen+nonceSize+tagSize {
		return 0, 0, nil, errEnvelopeTooShort
	}

	header := envelope[:headerLen]
	nonce := envelope[headerLen : headerLen+nonceSize]
	ciphertext := envelope[headerLen+nonceSize:]

	plaintext, err := c.openAEAD.Open(nil, nonce, ciphertext, header)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("recordio: open: %w", err)
	}

	seq = binary.BigEndian.Uint64(header[:seqSize])
	tag = FrameTag(header[seqSize])
	if tag > FrameCapability {
		return 0, 0, nil, errUnknownFrameTag
	}
	return seq, tag, plaintext, nil
}
