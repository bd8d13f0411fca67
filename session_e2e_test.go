// SPDX-FileCopyrightText: 2025 The Concord RTC community <https://github.com/concord-rtc>
// SPDX-License-Identifier: MIT

package dtlscore

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// loopbackSocket is a PacketSocket bound to a single fixed peer over a real
// loopback UDP conn, mirroring the fixed-remote assumption a real ICE
// component gives this core: WriteTo's address argument is ignored in favor
// of the peer this socket was constructed for.
type loopbackSocket struct {
	conn      *net.UDPConn
	peer      net.Addr
	initiator bool
}

func (l *loopbackSocket) ReadFrom(p []byte) (int, net.Addr, error) { return l.conn.ReadFrom(p) }
func (l *loopbackSocket) WriteTo(p []byte, _ net.Addr) (int, error) { return l.conn.WriteTo(p, l.peer) }
func (l *loopbackSocket) Close() error                              { return l.conn.Close() }
func (l *loopbackSocket) LocalAddr() net.Addr                       { return l.conn.LocalAddr() }
func (l *loopbackSocket) SetDeadline(t time.Time) error             { return l.conn.SetDeadline(t) }
func (l *loopbackSocket) SetReadDeadline(t time.Time) error         { return l.conn.SetReadDeadline(t) }
func (l *loopbackSocket) SetWriteDeadline(t time.Time) error        { return l.conn.SetWriteDeadline(t) }
func (l *loopbackSocket) IsInitiator() bool                         { return l.initiator }
func (l *loopbackSocket) TransportOverhead() int                    { return 0 }

// newSelfSignedIdentity generates a throwaway self-signed ECDSA identity for
// the handshake's certificate phase, keeping the private key (unlike
// fsm_test.go's selfSignedCert, which only needs the parsed certificate).
func newSelfSignedIdentity(t *testing.T) (tls.Certificate, []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: "dtlscore-loopback-test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, der
}

// writeCertPEM writes der as a PEM-encoded CA trust file under t.TempDir(),
// exercising credentials.loadCATrust's PEM path.
func writeCertPEM(t *testing.T, der []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "peer-ca.pem")
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	require.NoError(t, os.WriteFile(path, pemBytes, 0o600))
	return path
}

// awaitState drains ch until it observes want, failing the test if it
// observes StateShutdown first or times out.
func awaitState(t *testing.T, ch <-chan SessionState, want SessionState, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case got := <-ch:
			if got == want {
				return
			}
			if got == StateShutdown {
				t.Fatalf("session reached StateShutdown before %s", want)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", want)
		}
	}
}

// TestSessionLoopbackHandshakeAndDataTransfer drives a real client/server
// pair through cookie exchange, the certificate handshake, PMTU discovery,
// and a data transfer over actual loopback UDP sockets end to end. Nothing
// in this test pokes at FSM internals directly; it only exercises the
// public Config/Session/Callbacks surface, the way a real caller would.
func TestSessionLoopbackHandshakeAndDataTransfer(t *testing.T) {
	clientConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer clientConn.Close()

	serverConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer serverConn.Close()

	clientSock := &loopbackSocket{conn: clientConn, peer: serverConn.LocalAddr(), initiator: true}
	serverSock := &loopbackSocket{conn: serverConn, peer: clientConn.LocalAddr(), initiator: false}

	clientCert, _ := newSelfSignedIdentity(t)
	serverCert, serverCertDER := newSelfSignedIdentity(t)
	serverTrustFile := writeCertPEM(t, serverCertDER)

	serverStates := make(chan SessionState, 16)
	serverData := make(chan []byte, 4)
	serverSess, err := New(&Config{
		Transport:   serverSock,
		Certificate: &serverCert,
		Callbacks: Callbacks{
			OnStateChange: func(s SessionState) { serverStates <- s },
			OnRxData:      func(b []byte) { serverData <- append([]byte(nil), b...) },
		},
	})
	require.NoError(t, err)
	defer serverSess.Close()

	clientStates := make(chan SessionState, 16)
	clientSess, err := New(&Config{
		Transport:   clientSock,
		Certificate: &clientCert,
		CATrustFile: serverTrustFile,
		Callbacks: Callbacks{
			OnStateChange: func(s SessionState) { clientStates <- s },
		},
	})
	require.NoError(t, err)
	defer clientSess.Close()

	awaitState(t, serverStates, StateEstablished, 10*time.Second)
	awaitState(t, clientStates, StateEstablished, 10*time.Second)

	require.Equal(t, StateEstablished, clientSess.State())
	require.Equal(t, StateEstablished, serverSess.State())

	payload := []byte("hello dtlscore")
	require.NoError(t, clientSess.Send(payload))

	select {
	case got := <-serverData:
		require.Equal(t, payload, got)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for data frame delivery")
	}

	require.NoError(t, clientSess.Close())
	require.NoError(t, serverSess.Close())
	require.Equal(t, StateShutdown, clientSess.State())
	require.Equal(t, StateShutdown, serverSess.State())
}
