// SPDX-FileCopyrightText: 2025 The Concord RTC community <https://github.com/concord-rtc>
// SPDX-License-Identifier: MIT

package dtlscore

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"time"

	"github.com/pion/dtls/v2"

	"github.com/concord-rtc/dtlscore/internal/credentials"
	"github.com/concord-rtc/dtlscore/internal/handshake"
	"github.com/concord-rtc/dtlscore/internal/pmtu"
	"github.com/concord-rtc/dtlscore/internal/recordio"
)

// stateHandler implements one FSM state's behavior and returns the state
// the session should move to next. The worker loop, not the handler, is
// responsible for reconciling that intent against a concurrently-forced
// shutdown via atomicState.compareAndSwap.
type stateHandler func(*Session) SessionState

// dispatch maps each non-terminal state to its handler.
var dispatch = map[SessionState]stateHandler{
	StateSetup:        (*Session).handleSetup,
	StateCookie:       (*Session).handleCookie,
	StateHandshake:    (*Session).handleHandshake,
	StateMTUDiscovery: (*Session).handleMTUDiscovery,
	StateEstablished:  (*Session).handleEstablished,
}

// run is the session's dedicated worker goroutine: it owns all FSM state
// transitions except the CAS race an external Close can always win.
func (s *Session) run() {
	defer func() {
		s.teardown()
		close(s.workerDone)
	}()

	current := s.state.load()
	if current == StateShutdown {
		// Close forced SHUTDOWN before the worker ran its first handler, so
		// no handler will report that transition; report it here.
		s.tracer.transition(StateSetup, current)
		s.callbacks.onStateChange(current)
	}
	for current != StateShutdown {
		handler, ok := dispatch[current]
		if !ok {
			s.state.forceShutdown()
			current = StateShutdown
			break
		}

		intended := handler(s)
		actual := s.state.compareAndSwap(current, intended)
		if actual != current {
			s.tracer.transition(current, actual)
			s.callbacks.onStateChange(actual)
		}
		current = actual
	}
}

func (s *Session) teardown() {
	s.cancel()
	<-s.recvDone
	if s.engineConn != nil {
		s.engineConn.Close()
	}
	// Credentials and DH material are torn down only after the underlying
	// engine connection is gone, in that order, preserving the invariant
	// that key material outlives the cryptographic session object that
	// used it.
	if s.creds != nil {
		s.creds.Close()
	}
	if s.dhParams != nil {
		s.dhParams.Destroy()
	}
	s.tracer.finish()
}

func (s *Session) handleSetup() SessionState {
	var anon *credentials.Anonymous
	if s.cfg.AnonymousFirst {
		dh, err := s.cfg.DHParams()
		if err != nil {
			s.logger.Errorf("dtlscore: resolve DH parameters: %v", err)
			return StateShutdown
		}
		// The future may resolve to parameters shared with other sessions;
		// the session owns (and later destroys) its own deep copy only.
		s.dhParams = dh.Clone()

		key, err := s.deriveAnonymousPSK()
		if err != nil {
			s.logger.Errorf("dtlscore: derive anonymous PSK: %v", err)
			return StateShutdown
		}
		anon = &credentials.Anonymous{Identity: []byte("dtlscore-anonymous"), Key: key}
	}

	peerStore, err := buildPeerCAStore(s.cfg.PeerCAStore)
	if err != nil {
		s.logger.Errorf("dtlscore: build peer CA store: %v", err)
		return StateShutdown
	}

	creds, err := credentials.New(anon, s.cfg.Certificate, s.cfg.CATrustFile, peerStore)
	if err != nil {
		s.logger.Errorf("dtlscore: initialize credentials: %v", err)
		return StateShutdown
	}
	s.creds = creds

	if s.cfg.Transport.IsInitiator() {
		return StateHandshake
	}
	return StateCookie
}

func buildPeerCAStore(store *PeerCAStore) (*credentials.PeerCAStore, error) {
	if store == nil {
		return nil, nil
	}
	chainDER := make([][]byte, 0, len(store.Chain))
	for _, cert := range store.Chain {
		chainDER = append(chainDER, cert.Raw)
	}
	return credentials.NewPeerCAStore(chainDER, store.CRLs)
}

// Cookie-gate preamble frame markers. This tiny raw protocol is this core's
// own stand-in for a HelloVerifyRequest round trip, run entirely ahead of
// the engine handshake: the server challenges the first datagram it sees
// with a freshly minted cookie, and the client echoes it back before either
// side ever calls into the DTLS engine.
const (
	cookieFrameProbe     byte = 0xC1
	cookieFrameChallenge byte = 0xC0
	cookieFrameResponse  byte = 0xC2
)

func (s *Session) handleCookie() SessionState {
	deadline := time.Now().Add(cookieTimeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return StateShutdown
		}

		arrived, ok := s.rx.WaitTimeout(remaining)
		if !ok || !arrived {
			return StateShutdown
		}

		raw, ok := s.rx.Pop()
		remote := s.getRemoteAddr()
		if !ok || remote == nil {
			continue
		}

		if pause := s.cookieGate.Admit(remote, len(raw)); pause > 0 {
			time.Sleep(pause)
		}

		if len(raw) > 1 && raw[0] == cookieFrameResponse && s.cookieGate.Verify(remote, raw[1:]) {
			// Byte accounting for flood pacing resets only on state exit.
			s.cookieGate.Forget(remote)
			return StateHandshake
		}

		cookie := s.cookieGate.Mint(remote)
		challenge := append([]byte{cookieFrameChallenge}, cookie...)
		if _, err := s.sock.writeTo(s.ctx, challenge, remote); err != nil {
			s.logger.Warnf("dtlscore: send cookie challenge: %v", err)
		}
		// Drop the original packet and remain in COOKIE for the next one.
	}
}

// clientCookieExchange performs the client side of the raw cookie preamble:
// probe, wait for the server's challenge, echo it back.
func (s *Session) clientCookieExchange() error {
	remote := s.getRemoteAddr()
	if _, err := s.sock.writeTo(s.ctx, []byte{cookieFrameProbe}, remote); err != nil {
		return err
	}

	arrived, ok := s.rx.WaitTimeout(cookieTimeout)
	if !ok || !arrived {
		return errSessionShuttingDown
	}
	raw, ok := s.rx.Pop()
	if !ok || len(raw) < 2 || raw[0] != cookieFrameChallenge {
		return errInvalidSession
	}

	response := append([]byte{cookieFrameResponse}, raw[1:]...)
	_, err := s.sock.writeTo(s.ctx, response, remote)
	return err
}

func (s *Session) handleHandshake() SessionState {
	if s.cfg.Transport.IsInitiator() && !s.cookieDone {
		if err := s.clientCookieExchange(); err != nil {
			s.logger.Errorf("dtlscore: client cookie exchange: %v", err)
			return StateShutdown
		}
		s.cookieDone = true
	}

	priority := certPriorityString
	if s.cfg.AnonymousFirst {
		priority = fullPriorityString
	}
	s.logger.Infof("dtlscore: handshake priority string: %s", priority)

	peerAddr := s.getRemoteAddr()
	adapter := s.installAdapter(peerAddr)

	driver := &handshake.Driver{
		Initiator:          s.cfg.Transport.IsInitiator(),
		HandshakeTimeout:   s.cfg.handshakeTimeout(),
		RetransmitInterval: dtlsRetransmitTimeout,
		MTU:                DefaultMTU,
		LoggerFactory:      s.cfg.loggerFactory(),
	}
	if anon := s.creds.Anonymous(); anon != nil {
		driver.Anonymous = &handshake.AnonymousParams{IdentityHint: anon.Identity, Key: anon.Key}
	}
	if cert := s.creds.Certificate(); cert != nil {
		driver.Certificate = &handshake.CertificateParams{
			Certificate: *cert,
			ClientCAs:   s.creds.CAPool(),
			RootCAs:     s.creds.CAPool(),
		}
		if !s.cfg.Transport.IsInitiator() {
			// Servers always demand the peer's certificate; verification
			// against the trust pool applies only when one was configured.
			if s.creds.CAPool() != nil {
				driver.Certificate.ClientAuth = dtls.RequireAndVerifyClientCert
			} else {
				driver.Certificate.ClientAuth = dtls.RequireAnyClientCert
			}
		}
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.handshakeTimeout())
	defer cancel()

	outcome, err := driver.Run(ctx, adapter, peerAddr)
	if err != nil {
		s.logger.Errorf("dtlscore: handshake: %v", err)
		s.tracer.errorf("handshake: %v", err)
		return StateShutdown
	}

	s.peerCredKind.Store(int32(outcome.Kind))
	s.engineConn = outcome.Conn
	if err := s.setupCodec(); err != nil {
		s.logger.Errorf("dtlscore: set up record codec: %v", err)
		return StateShutdown
	}

	if outcome.Kind == handshake.KindAnonymous {
		// Anonymous-only mode: no certificate credential exists, so the
		// anonymous outcome stands as final and there is nothing to verify
		// or report through the certificate-update callback.
		return StateMTUDiscovery
	}

	// The anonymous PSK material, if any, served its purpose during the
	// renegotiation; only the certificate credential remains relevant.
	s.creds.ReplaceCertificate(s.cfg.Certificate)

	local, remote := certificateChains(s.engineConn, s.cfg.Certificate)
	if err := verifyPeerCertificate(s.callbacks, s.creds.PeerStore(), remote); err != nil {
		s.logger.Errorf("dtlscore: peer certificate rejected: %v", err)
		return StateShutdown
	}
	s.callbacks.onCertificatesUpdate(local, remote)
	return StateMTUDiscovery
}

func (s *Session) handleMTUDiscovery() SessionState {
	if err := s.exchangeCapability(); err != nil {
		s.logger.Errorf("dtlscore: capability exchange: %v", err)
		return StateShutdown
	}

	if !s.heartbeatReady {
		s.logger.Infof("dtlscore: peer disallows heartbeat probes, pinning MTU to floor %d", MinMTU)
		s.setMTU(MinMTU)
		if err := s.seedReorderBuffer(0); err != nil {
			s.logger.Errorf("dtlscore: seed reorder buffer: %v", err)
			return StateShutdown
		}
		return StateEstablished
	}

	if s.cfg.Transport.IsInitiator() {
		send := func(probeBytes int) error {
			return s.sendFrame(recordio.FramePing, make([]byte, probeBytes))
		}
		recvPong := func(timeout time.Duration) (bool, error) {
			return s.waitPong(timeout)
		}
		selected, err := pmtu.ProbeActive(mtuLadder, s.pmtuOverhead(), send, recvPong, heartbeatTotalTimeout)
		if err != nil {
			s.logger.Errorf("dtlscore: active PMTU probe: %v", err)
			return StateShutdown
		}
		s.setMTU(selected)
	}
	// Server-side inference happens lazily in handleEstablished, on the
	// first plaintext datagram, since it depends on pings observed during
	// this very state.

	if err := s.seedReorderBuffer(0); err != nil {
		s.logger.Errorf("dtlscore: seed reorder buffer: %v", err)
		return StateShutdown
	}
	return StateEstablished
}

func (s *Session) handleEstablished() SessionState {
	rec, ok := <-s.recordCh
	if !ok {
		return StateShutdown
	}
	seq, tag, payload := rec.seq, rec.tag, rec.payload

	switch tag {
	case recordio.FramePing:
		s.pingsReceived++
		if err := s.sendFrame(recordio.FramePong, nil); err != nil {
			s.logger.Warnf("dtlscore: send pong: %v", err)
		}
		return StateEstablished
	case recordio.FramePong:
		// A pong arriving here, rather than during the MTU_DISCOVERY
		// prober's own wait, is stale (e.g. a retransmit); nothing to do.
		return StateEstablished
	case recordio.FrameCapability:
		// Already consumed during handleMTUDiscovery's capability
		// exchange; a peer resending it here is harmless.
		return StateEstablished
	}

	if !s.firstDataSeen {
		s.firstDataSeen = true
		if !s.cfg.Transport.IsInitiator() {
			s.setMTU(pmtu.InferPassive(mtuLadder, s.pingsReceived))
		}
	}

	s.reorderBuf.Insert(seq, payload)
	s.reorderBuf.Flush()
	return StateEstablished
}

// certificateChains extracts the local and remote X.509 chains from a
// completed engine connection, for the OnCertificatesUpdate callback.
func certificateChains(conn *dtls.Conn, local *tls.Certificate) ([]*x509.Certificate, []*x509.Certificate) {
	var localChain []*x509.Certificate
	if local != nil {
		for _, der := range local.Certificate {
			if cert, err := x509.ParseCertificate(der); err == nil {
				localChain = append(localChain, cert)
			}
		}
	}

	var remoteChain []*x509.Certificate
	state := conn.ConnectionState()
	for _, der := range state.PeerCertificates {
		if cert, err := x509.ParseCertificate(der); err == nil {
			remoteChain = append(remoteChain, cert)
		}
	}
	return localChain, remoteChain
}
