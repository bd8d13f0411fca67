// SPDX-FileCopyrightText: 2025 The Concord RTC community <https://github.com/concord-rtc>
// SPDX-License-Identifier: MIT

package dtlscore

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestValidateConfigRejectsNilConfig(t *testing.T) {
	require.ErrorIs(t, validateConfig(nil), errNoConfigProvided)
}

func TestValidateConfigRejectsNilTransport(t *testing.T) {
	require.ErrorIs(t, validateConfig(&Config{}), errNilTransport)
}

func TestValidateConfigRejectsAnonymousWithoutDHParams(t *testing.T) {
	cfg := &Config{Transport: newFakeSocket(true), AnonymousFirst: true}
	require.ErrorIs(t, validateConfig(cfg), errDhParamsUnavailable)
}

func TestValidateConfigAccepts(t *testing.T) {
	cfg := &Config{Transport: newFakeSocket(true)}
	require.NoError(t, validateConfig(cfg))
}

func TestHandshakeTimeoutFloorsAtRetransmitInterval(t *testing.T) {
	cfg := &Config{Transport: newFakeSocket(true)}
	require.Equal(t, dtlsRetransmitTimeout, cfg.handshakeTimeout())
}

func TestHandshakeTimeoutHonorsLargerConfiguredValue(t *testing.T) {
	cfg := &Config{Transport: newFakeSocket(true), HandshakeTimeout: dtlsRetransmitTimeout * 10}
	require.Equal(t, dtlsRetransmitTimeout*10, cfg.handshakeTimeout())
}

func TestLoggerFactoryDefaultsWhenUnset(t *testing.T) {
	cfg := &Config{Transport: newFakeSocket(true)}
	require.NotNil(t, cfg.loggerFactory())
}

// fakeSocket is a minimal in-memory PacketSocket used across the root
// package's tests: it never actually moves bytes, it just satisfies the
// interface so Config/Session construction can be exercised without a real
// network.
type fakeSocket struct {
	initiator bool
	local     net.Addr
}

func newFakeSocket(initiator bool) *fakeSocket {
	return &fakeSocket{initiator: initiator, local: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9}}
}

func (f *fakeSocket) ReadFrom(p []byte) (int, net.Addr, error)     { return 0, nil, net.ErrClosed }
func (f *fakeSocket) WriteTo(p []byte, addr net.Addr) (int, error) { return len(p), nil }
func (f *fakeSocket) Close() error                                 { return nil }
func (f *fakeSocket) LocalAddr() net.Addr                          { return f.local }
func (f *fakeSocket) SetDeadline(t time.Time) error                { return nil }
func (f *fakeSocket) SetReadDeadline(t time.Time) error            { return nil }
func (f *fakeSocket) SetWriteDeadline(t time.Time) error           { return nil }
func (f *fakeSocket) IsInitiator() bool                            { return f.initiator }
func (f *fakeSocket) TransportOverhead() int                       { return 0 }
