// SPDX-FileCopyrightText: 2025 The Concord RTC community <https://github.com/concord-rtc>
// SPDX-License-Identifier: MIT

package dtlscore

import (
	"context"
	"crypto/sha256"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/dtls/v2"
	"github.com/pion/logging"
	"golang.org/x/crypto/hkdf"

	"github.com/concord-rtc/dtlscore/internal/cookiegate"
	"github.com/concord-rtc/dtlscore/internal/credentials"
	"github.com/concord-rtc/dtlscore/internal/handshake"
	"github.com/concord-rtc/dtlscore/internal/pmtu"
	"github.com/concord-rtc/dtlscore/internal/recordio"
	"github.com/concord-rtc/dtlscore/internal/reorder"
	"github.com/concord-rtc/dtlscore/internal/rxqueue"
	"github.com/concord-rtc/dtlscore/pkg/dhparams"
)

// Session is one endpoint instance of the DTLS session core: it owns the
// state machine, the cookie gate, the handshake driver, the PMTU prober,
// the inner record codec, and the reorder buffer for a single peer.
//
// A Session is created with New and runs its state machine on a dedicated
// worker goroutine until it reaches StateShutdown, at which point all owned
// resources are released. Close may be called from any goroutine at any
// time to force that transition early.
type Session struct {
	cfg    *Config
	sock   *netctxSocket
	logger logging.LeveledLogger
	tracer *sessionTracer

	state     atomicState
	callbacks Callbacks

	rx         *rxqueue.Queue
	cookieGate *cookiegate.Gate
	reorderBuf *reorder.Buffer

	creds    *credentials.Credentials
	dhParams *dhparams.Params

	engineConn   *dtls.Conn
	codec        *recordio.Codec
	ctrlTxSeq    atomic.Uint64 // ping/pong/capability frames
	dataTxSeq    atomic.Uint64 // data frames; the reorder buffer tracks this space only
	peerCredKind atomic.Int32  // handshake.CredentialKind

	remoteAddrMu sync.Mutex
	remoteAddr   net.Addr

	mtuMu      sync.Mutex
	dtlsMTU    int
	maxPayload int

	txPackets atomic.Uint64
	txBytes   atomic.Uint64

	pingsReceived  int  // server-side passive PMTU inference
	heartbeatReady bool // peer capability exchange result
	firstDataSeen  bool
	cookieDone     bool

	adapter  atomic.Pointer[connAdapter]
	recordCh chan decodedRecord
	recErrCh chan error

	sendMu sync.Mutex

	ctx        context.Context
	cancel     context.CancelFunc
	recvDone   chan struct{}
	workerDone chan struct{}
	closeOnce  sync.Once
}

// New constructs a Session and starts its receive loop and FSM worker. The
// returned Session begins in StateSetup immediately.
func New(cfg *Config) (*Session, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	role := "client"
	if !cfg.Transport.IsInitiator() {
		role = "server"
	}

	s := &Session{
		cfg:        cfg,
		sock:       newNetctxSocket(cfg.Transport),
		logger:     cfg.loggerFactory().NewLogger("dtlscore"),
		tracer:     newSessionTracer(role, cfg.Transport.LocalAddr().String()),
		callbacks:  cfg.Callbacks,
		rx:         rxqueue.New(inputMaxSize),
		cookieGate: mustNewGate().WithFloodParams(floodThreshold, floodPause),
		ctx:        ctx,
		cancel:     cancel,
		recvDone:   make(chan struct{}),
		workerDone: make(chan struct{}),
	}
	s.reorderBuf = reorder.New(s.deliverPlaintext, s.reportLoss)
	s.setMTU(DefaultMTU)

	go s.recvLoop()
	go s.run()
	return s, nil
}

func mustNewGate() *cookiegate.Gate {
	g, err := cookiegate.New()
	if err != nil {
		// Only fails if crypto/rand is broken, which nothing in this
		// process could recover from regardless.
		panic(fmt.Sprintf("dtlscore: cookie gate key generation: %v", err))
	}
	return g
}

// State returns the session's current FSM state.
func (s *Session) State() SessionState {
	return s.state.load()
}

// Close forces the session to StateShutdown. It is safe to call from any
// goroutine, at any time, more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.state.forceShutdown()
		s.cancel()
		s.rx.Shutdown()
	})
	<-s.workerDone
	return nil
}

// Send fragments data into maxPayload-sized chunks and transmits each as a data
// frame. It is only valid in StateEstablished and is safe for concurrent
// callers (serialized internally).
func (s *Session) Send(data []byte) error {
	if s.State() != StateEstablished {
		return errInvalidSession
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	chunkSize := s.payloadSize()
	if chunkSize <= 0 {
		return errBufferTooSmall
	}
	for offset := 0; offset < len(data) || (len(data) == 0 && offset == 0); {
		end := offset + chunkSize
		if end > len(data) {
			end = len(data)
		}
		if err := s.sendFrame(recordio.FrameData, data[offset:end]); err != nil {
			return err
		}
		if len(data) == 0 {
			break
		}
		offset = end
	}
	return nil
}

func (s *Session) sendFrame(tag recordio.FrameTag, payload []byte) error {
	if s.codec == nil {
		return errInvalidSession
	}
	seq := s.nextTxSeq(tag)
	envelope, err := s.codec.Seal(seq, tag, payload)
	if err != nil {
		return fmt.Errorf("dtlscore: seal frame: %w", err)
	}
	n, err := s.engineConn.Write(envelope)
	if err != nil {
		return fmt.Errorf("dtlscore: write frame: %w", err)
	}
	if n != len(envelope) {
		return errShortWrite
	}
	s.txPackets.Add(1)
	s.txBytes.Add(uint64(n))
	return nil
}

// nextTxSeq draws the next sequence number for tag from the appropriate
// counter. Data frames get their own sequence space, starting at zero,
// separate from ping/pong/capability frames: the reorder buffer is seeded
// to expect the first *data* frame at sequence zero, which would be wrong
// if control frames (always sent first, during capability exchange and
// PMTU discovery) advanced the same counter data frames draw from.
func (s *Session) nextTxSeq(tag recordio.FrameTag) uint64 {
	if tag == recordio.FrameData {
		return s.dataTxSeq.Add(1) - 1
	}
	return s.ctrlTxSeq.Add(1) - 1
}

// recvLoop reads raw datagrams off the transport and feeds them to the
// RxQueue; the FSM worker is the sole consumer. It must never block: any
// back-pressure is expressed by the queue's fixed drop policy.
func (s *Session) recvLoop() {
	defer close(s.recvDone)
	buf := make([]byte, inputBufferSize)
	for {
		n, addr, err := s.sock.readFrom(s.ctx, buf)
		if err != nil {
			return
		}
		s.setRemoteAddr(addr)
		data := append([]byte(nil), buf[:n]...)
		if a := s.adapter.Load(); a != nil {
			a.deliver(data)
			continue
		}
		s.rx.Push(data)
	}
}

// setRemoteAddr records addr as the session's peer the first time a
// datagram arrives; a Session handles exactly one peer for its lifetime.
func (s *Session) setRemoteAddr(addr net.Addr) {
	s.remoteAddrMu.Lock()
	defer s.remoteAddrMu.Unlock()
	if s.remoteAddr == nil {
		s.remoteAddr = addr
	}
}

// getRemoteAddr returns the session's peer address, or nil if no datagram
// has arrived yet.
func (s *Session) getRemoteAddr() net.Addr {
	s.remoteAddrMu.Lock()
	defer s.remoteAddrMu.Unlock()
	return s.remoteAddr
}

// installAdapter creates and publishes a connAdapter bound to remote, after
// which recvLoop routes raw datagrams to it instead of the RxQueue. Used
// once the cookie exchange (if any) has completed and the engine handshake
// is about to take over the socket. Datagrams that raced into the RxQueue
// before the adapter was published (a ClientHello arriving right behind the
// cookie response, say) are drained into the adapter rather than stranded.
func (s *Session) installAdapter(remote net.Addr) *connAdapter {
	a := newConnAdapter(s.ctx, s.cfg.Transport, remote)
	s.adapter.Store(a)
	for {
		raw, ok := s.rx.Pop()
		if !ok {
			break
		}
		a.deliver(raw)
	}
	return a
}

// setMTU records a newly-selected DTLS MTU and recomputes the maximal
// plaintext payload per record from it.
func (s *Session) setMTU(mtu int) {
	s.mtuMu.Lock()
	defer s.mtuMu.Unlock()
	s.dtlsMTU = mtu
	s.maxPayload = mtu - recordio.EnvelopeOverhead - udpHeaderSize - s.cfg.Transport.TransportOverhead()
	if s.maxPayload < 0 {
		s.maxPayload = 0
	}
}

func (s *Session) payloadSize() int {
	s.mtuMu.Lock()
	defer s.mtuMu.Unlock()
	return s.maxPayload
}

// MTU returns the session's current DTLS MTU. Querying a session that has
// already shut down is a misuse and returns an error.
func (s *Session) MTU() (int, error) {
	if s.State() == StateShutdown {
		return 0, errInvalidSession
	}
	s.mtuMu.Lock()
	defer s.mtuMu.Unlock()
	return s.dtlsMTU, nil
}

// PeerAuthenticated reports whether the peer has completed a
// certificate-authenticated handshake (as opposed to an anonymous one, or
// none yet).
func (s *Session) PeerAuthenticated() bool {
	return handshake.CredentialKind(s.peerCredKind.Load()) == handshake.KindCertificate
}

// Flush releases any contiguous runs the reorder buffer is holding. The
// daemon's event pump calls it periodically so a gap can time out and the
// tail be delivered even when no further packet arrives to trigger the
// post-insertion flush.
func (s *Session) Flush() {
	if s.State() != StateEstablished {
		return
	}
	s.reorderBuf.Flush()
}

// Stats is a point-in-time snapshot of the session's transfer counters.
type Stats struct {
	TxPackets      uint64
	TxBytes        uint64
	RxQueueDropped uint64
}

// Stats returns the session's current transfer counters.
func (s *Session) Stats() Stats {
	return Stats{
		TxPackets:      s.txPackets.Load(),
		TxBytes:        s.txBytes.Load(),
		RxQueueDropped: s.rx.Dropped(),
	}
}

func (s *Session) deriveAnonymousPSK() ([]byte, error) {
	pub, err := s.dhParams.PublicValue()
	if err != nil {
		return nil, err
	}
	reader := hkdf.New(sha256.New, pub, nil, []byte("dtlscore anonymous psk"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

// decodedRecord is one inner-record-envelope frame, already authenticated
// and decrypted, as produced by the background record reader.
type decodedRecord struct {
	seq     uint64
	tag     recordio.FrameTag
	payload []byte
}

// setupCodec derives the inner record envelope's AEAD keys from the
// completed engine handshake's exported keying material and starts the
// background record reader.
func (s *Session) setupCodec() error {
	state := s.engineConn.ConnectionState()
	keyMaterial, err := state.ExportKeyingMaterial("EXTRACTOR-dtlscore-inner-record", nil, 32)
	if err != nil {
		return fmt.Errorf("export keying material: %w", err)
	}
	sealKey, openKey, err := recordio.DeriveKeys(keyMaterial, s.cfg.Transport.IsInitiator())
	if err != nil {
		return err
	}
	codec, err := recordio.NewCodec(sealKey, openKey)
	if err != nil {
		return err
	}
	s.codec = codec
	s.startRecordReader()
	return nil
}

// startRecordReader runs a single goroutine that continuously reads and
// decodes inner-record envelopes off the engine connection, fanning them
// out to whichever state handler is currently consuming s.recordCh
// (MTU_DISCOVERY's active probe, or ESTABLISHED's main loop).
func (s *Session) startRecordReader() {
	s.recordCh = make(chan decodedRecord, 16)
	s.recErrCh = make(chan error, 1)

	go func() {
		buf := make([]byte, inputBufferSize)
		for {
			n, err := s.engineConn.Read(buf)
			if err != nil {
				s.recErrCh <- err
				close(s.recordCh)
				return
			}
			seq, tag, payload, err := s.codec.Open(buf[:n])
			if err != nil {
				s.logger.Warnf("dtlscore: drop undecryptable record: %v", err)
				continue
			}
			select {
			case s.recordCh <- decodedRecord{seq: seq, tag: tag, payload: payload}:
			case <-s.ctx.Done():
				return
			}
		}
	}()
}

// exchangeCapability advertises heartbeat support and learns the peer's, as
// the first inner-record frame of each direction.
func (s *Session) exchangeCapability() error {
	local := capabilityMessage{HeartbeatSupported: true}
	if err := s.sendFrame(recordio.FrameCapability, local.Marshal()); err != nil {
		return err
	}

	select {
	case rec, ok := <-s.recordCh:
		if !ok {
			return errSessionShuttingDown
		}
		if rec.tag != recordio.FrameCapability {
			s.heartbeatReady = false
			return nil
		}
		s.heartbeatReady = unmarshalCapability(rec.payload).HeartbeatSupported
		return nil
	case err := <-s.recErrCh:
		return err
	case <-time.After(s.cfg.handshakeTimeout()):
		return errSessionShuttingDown
	}
}

// waitPong blocks for up to timeout for a pong frame, for the active PMTU
// prober.
func (s *Session) waitPong(timeout time.Duration) (bool, error) {
	select {
	case rec, ok := <-s.recordCh:
		if !ok {
			return false, errSessionShuttingDown
		}
		return rec.tag == recordio.FramePong, nil
	case err := <-s.recErrCh:
		return false, err
	case <-time.After(timeout):
		return false, nil
	}
}

// seedReorderBuffer initializes the reorder buffer's sequence bookkeeping.
// Unlike the engine this core orchestrates, the inner record envelope's
// sequence space is owned entirely by this layer (see internal/recordio),
// so there is no external record-layer counter to read back: both peers'
// dataTxSeq counters simply start at zero, and the reorder buffer only ever
// observes sequence numbers from that counter's space (see nextTxSeq).
func (s *Session) seedReorderBuffer(offset int64) error {
	s.reorderBuf.Seed(0, offset)
	return nil
}

func (s *Session) deliverPlaintext(data []byte) {
	s.callbacks.onRxData(data)
}

func (s *Session) reportLoss(count uint64, from uint64) {
	s.logger.Warnf("dtlscore: declaring %d record(s) lost starting at sequence %d", count, from)
}

func (s *Session) pmtuOverhead() pmtu.Overhead {
	return pmtu.Overhead{
		RecordOverhead:    recordio.EnvelopeOverhead,
		UDPHeaderSize:     udpHeaderSize,
		TransportOverhead: s.cfg.Transport.TransportOverhead(),
	}
}

// verifyPeerCertificate checks the peer's leaf certificate against the
// caller's verifyCertificate hook and, when a CRL-aware peer store was
// configured, against its revocation list. Either rejection is fatal to the
// handshake.
func verifyPeerCertificate(cb Callbacks, store *credentials.PeerCAStore, chain []*x509.Certificate) error {
	if len(chain) == 0 {
		return nil
	}
	if store.IsRevoked(chain[0].SerialNumber.Bytes()) {
		return errCertificateRevoked
	}
	return cb.verifyCertificate(chain[0])
}
