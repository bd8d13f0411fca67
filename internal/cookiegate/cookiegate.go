// SPDX-FileCopyrightText: 2025 The Concord RTC community <https://github.com/concord-rtc>
// SPDX-License-Identifier: MIT

// Package cookiegate implements the stateless HelloVerifyRequest-style cookie
// mechanism that sits in front of the handshake engine, rejecting spoofed or
// unreachable peers before any per-connection state is allocated.
package cookiegate

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"
)

// KeySize is the byte length of the gate's HMAC key.
const KeySize = 32

// DefaultLifetime bounds how long a cookie remains acceptable after it was
// minted, limiting the value of a captured cookie to an attacker.
const DefaultLifetime = 10 * time.Second

// DefaultFloodThreshold and DefaultFloodPause implement byte-accounted flood
// pacing: once at least DefaultFloodThreshold bytes of unverified traffic
// have arrived from a single remote address since its meter was created (or
// last Forget), the gate asks the caller to pause before accepting more from
// it.
const (
	DefaultFloodThreshold = 4096
	DefaultFloodPause     = 100 * time.Millisecond
)

// Gate mints and verifies per-peer cookies, and tracks per-peer byte volume
// for flood pacing. The zero value is not usable; construct with New.
type Gate struct {
	key      [KeySize]byte
	lifetime time.Duration

	floodThreshold int64
	floodPause     time.Duration

	mu     sync.Mutex
	meters map[string]*meter
}

type meter struct {
	bytes      int64
	pausedTill time.Time
}

// New creates a Gate with a freshly-generated random key.
func New() (*Gate, error) {
	g := &Gate{
		lifetime:       DefaultLifetime,
		floodThreshold: DefaultFloodThreshold,
		floodPause:     DefaultFloodPause,
		meters:         make(map[string]*meter),
	}
	if _, err := rand.Read(g.key[:]); err != nil {
		return nil, fmt.Errorf("cookiegate: generate key: %w", err)
	}
	return g, nil
}

// WithLifetime overrides the cookie acceptance window.
func (g *Gate) WithLifetime(d time.Duration) *Gate {
	g.lifetime = d
	return g
}

// WithFloodParams overrides the flood-pacing threshold and pause.
func (g *Gate) WithFloodParams(thresholdBytes int64, pause time.Duration) *Gate {
	g.floodThreshold = thresholdBytes
	g.floodPause = pause
	return g
}

// Mint produces a cookie binding the remote address to the current time,
// to be carried in a HelloVerifyRequest equivalent sent back to the peer.
func (g *Gate) Mint(remote net.Addr) []byte {
	now := uint64(time.Now().Unix())
	return g.sign(remote, now)
}

// Verify reports whether cookie was produced by Mint for this remote address
// within the acceptance lifetime.
func (g *Gate) Verify(remote net.Addr, cookie []byte) bool {
	if len(cookie) != 8+sha256.Size {
		return false
	}
	ts := binary.BigEndian.Uint64(cookie[:8])
	expected := g.sign(remote, ts)
	if !hmac.Equal(expected, cookie) {
		return false
	}
	age := time.Since(time.Unix(int64(ts), 0))
	return age >= 0 && age <= g.lifetime
}

func (g *Gate) sign(remote net.Addr, ts uint64) []byte {
	mac := hmac.New(sha256.New, g.key[:])
	var tsBytes [8]byte
	binary.BigEndian.PutUint64(tsBytes[:], ts)
	mac.Write(tsBytes[:])
	mac.Write([]byte(remote.String()))
	sum := mac.Sum(nil)

	out := make([]byte, 8+len(sum))
	copy(out, tsBytes[:])
	copy(out[8:], sum)
	return out
}

// Admit accounts n unverified bytes received from remote and reports whether
// the caller should pause accepting further datagrams from it before the
// returned duration elapses. Byte accounting accumulates for as long as
// remote's meter exists; it is never reset on a timer, only by Forget, so a
// peer cannot evade the flood threshold by trickling bytes in under a
// rolling window.
func (g *Gate) Admit(remote net.Addr, n int) (pause time.Duration) {
	key := remote.String()
	now := time.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	m, ok := g.meters[key]
	if !ok {
		m = &meter{}
		g.meters[key] = m
	}
	m.bytes += int64(n)

	if now.Before(m.pausedTill) {
		return m.pausedTill.Sub(now)
	}
	if m.bytes >= g.floodThreshold {
		m.pausedTill = now.Add(g.floodPause)
		return g.floodPause
	}
	return 0
}

// Forget drops flood-pacing state for remote, e.g. once it has completed the
// handshake and no longer needs tracking at this layer.
func (g *Gate) Forget(remote net.Addr) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.meters, remote.String())
}
