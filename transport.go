// SPDX-FileCopyrightText: 2025 The Concord RTC community <https://github.com/concord-rtc>
// SPDX-License-Identifier: MIT

package dtlscore

import (
	"context"
	"net"
	"time"

	"github.com/pion/transport/v3/netctx"
)

// PacketSocket is the external packet transport this core runs over —
// typically an ICE-negotiated media component. It is deliberately narrow:
// everything else (candidate gathering, NAT traversal, keep-alives at the
// ICE layer) is out of scope and lives entirely on the other side of this
// interface.
//
// A PacketSocket carries exactly one peer. Implementations bound to a fixed
// remote must accept a nil WriteTo address and route to that peer — an
// initiator sends its first datagram before any has arrived to learn the
// peer address from.
type PacketSocket interface {
	net.PacketConn

	// IsInitiator reports whether this endpoint is the connection
	// initiator; the session's client/server role is derived from it.
	IsInitiator() bool

	// TransportOverhead returns the number of bytes any layer below UDP
	// (e.g. TURN framing) adds to every datagram on this socket.
	TransportOverhead() int
}

// udpPacketSocket adapts a plain net.PacketConn into a PacketSocket for
// callers that don't sit on top of an ICE component and so have no
// additional transport overhead to report.
type udpPacketSocket struct {
	net.PacketConn
	initiator bool
	overhead  int
}

// NewUDPPacketSocket wraps an already-connected net.PacketConn (typically
// from net.ListenUDP) as a PacketSocket with a fixed transport overhead.
func NewUDPPacketSocket(conn net.PacketConn, initiator bool, transportOverhead int) PacketSocket {
	return &udpPacketSocket{PacketConn: conn, initiator: initiator, overhead: transportOverhead}
}

func (s *udpPacketSocket) IsInitiator() bool      { return s.initiator }
func (s *udpPacketSocket) TransportOverhead() int { return s.overhead }

// netctxSocket wraps a PacketSocket with context-aware reads/writes so
// every blocking socket operation observes session cancellation.
type netctxSocket struct {
	netctx.PacketConn
	sock PacketSocket
}

func newNetctxSocket(sock PacketSocket) *netctxSocket {
	return &netctxSocket{PacketConn: netctx.NewPacketConn(sock), sock: sock}
}

func (s *netctxSocket) readFrom(ctx context.Context, buf []byte) (int, net.Addr, error) {
	return s.ReadFromContext(ctx, buf)
}

func (s *netctxSocket) writeTo(ctx context.Context, buf []byte, addr net.Addr) (int, error) {
	return s.WriteToContext(ctx, buf, addr)
}

// connAdapter presents a PacketSocket bound to a single fixed remote address
// as the net.PacketConn the underlying DTLS engine hands its handshake
// flights to. Reads are served from a channel fed by the session's own
// receive loop rather than calling ReadFrom directly, since the socket is
// shared between the pre-handshake cookie exchange, the engine handshake,
// and (after that) established-state record reads.
type connAdapter struct {
	sock   PacketSocket
	remote net.Addr
	rx     chan []byte
	ctx    context.Context
}

func newConnAdapter(ctx context.Context, sock PacketSocket, remote net.Addr) *connAdapter {
	return &connAdapter{sock: sock, remote: remote, rx: make(chan []byte, 64), ctx: ctx}
}

// deliver feeds a datagram already known to be from remote into the
// adapter's read path without blocking: a datagram that arrives while the
// adapter's buffer is full is dropped. The session's receive loop and
// installAdapter are the only callers.
func (c *connAdapter) deliver(data []byte) {
	select {
	case c.rx <- data:
	case <-c.ctx.Done():
	default:
	}
}

func (c *connAdapter) ReadFrom(p []byte) (int, net.Addr, error) {
	select {
	case data, ok := <-c.rx:
		if !ok {
			return 0, nil, net.ErrClosed
		}
		n := copy(p, data)
		return n, c.remote, nil
	case <-c.ctx.Done():
		return 0, nil, c.ctx.Err()
	}
}

// WriteTo ignores the engine-supplied address: the adapter carries exactly
// the one remote it was constructed for.
func (c *connAdapter) WriteTo(p []byte, _ net.Addr) (int, error) {
	return c.sock.WriteTo(p, c.remote)
}

func (c *connAdapter) Close() error                       { return nil }
func (c *connAdapter) LocalAddr() net.Addr                { return c.sock.LocalAddr() }
func (c *connAdapter) RemoteAddr() net.Addr               { return c.remote }
func (c *connAdapter) SetDeadline(t time.Time) error      { return nil }
func (c *connAdapter) SetReadDeadline(t time.Time) error  { return nil }
func (c *connAdapter) SetWriteDeadline(t time.Time) error { return nil }
