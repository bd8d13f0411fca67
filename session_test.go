// SPDX-FileCopyrightText: 2025 The Concord RTC community <https://github.com/concord-rtc>
// SPDX-License-Identifier: MIT

package dtlscore

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/concord-rtc/dtlscore/internal/recordio"
	"github.com/concord-rtc/dtlscore/internal/reorder"
	"github.com/concord-rtc/dtlscore/pkg/dhparams"
)

func TestSetMTUSubtractsOverhead(t *testing.T) {
	s := &Session{cfg: &Config{Transport: newFakeSocket(true)}}
	s.setMTU(1280)
	require.Equal(t, 1280-recordio.EnvelopeOverhead-udpHeaderSize, s.payloadSize())

	mtu, err := s.MTU()
	require.NoError(t, err)
	require.Equal(t, 1280, mtu)
}

func TestSetMTUPayloadNeverNegative(t *testing.T) {
	s := &Session{cfg: &Config{Transport: newFakeSocket(true)}}
	s.setMTU(2)
	require.Zero(t, s.payloadSize())
}

func TestMTUQueryAfterShutdownIsMisuse(t *testing.T) {
	s := &Session{}
	s.state.forceShutdown()
	_, err := s.MTU()
	require.ErrorIs(t, err, errInvalidSession)
}

func TestDeriveAnonymousPSKIsDeterministicForSharedParams(t *testing.T) {
	dh, err := dhparams.Generate()
	require.NoError(t, err)

	s1 := &Session{dhParams: dh}
	s2 := &Session{dhParams: dh}

	key1, err := s1.deriveAnonymousPSK()
	require.NoError(t, err)
	key2, err := s2.deriveAnonymousPSK()
	require.NoError(t, err)

	require.Equal(t, key1, key2)
	require.Len(t, key1, 32)
}

func TestSendRejectsOutsideEstablished(t *testing.T) {
	s := &Session{}
	require.ErrorIs(t, s.Send([]byte("hi")), errInvalidSession)
}

func TestGetRemoteAddrFirstWriteWins(t *testing.T) {
	s := &Session{}
	first := &net.UDPAddr{IP: net.IPv4(1, 1, 1, 1), Port: 1}
	second := &net.UDPAddr{IP: net.IPv4(2, 2, 2, 2), Port: 2}

	s.setRemoteAddr(first)
	s.setRemoteAddr(second)

	require.Equal(t, first, s.getRemoteAddr())
}

func TestRemoteAddrConcurrentAccessIsRaceFree(t *testing.T) {
	s := &Session{}
	addr := &net.UDPAddr{IP: net.IPv4(1, 1, 1, 1), Port: 1}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.setRemoteAddr(addr)
		}()
		go func() {
			defer wg.Done()
			_ = s.getRemoteAddr()
		}()
	}
	wg.Wait()
	require.Equal(t, addr, s.getRemoteAddr())
}

func TestIdempotentShutdownFiresSingleCallback(t *testing.T) {
	var shutdowns atomic.Int32
	s, err := New(&Config{
		Transport: newFakeSocket(true),
		Callbacks: Callbacks{
			OnStateChange: func(state SessionState) {
				if state == StateShutdown {
					shutdowns.Add(1)
				}
			},
		},
	})
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	require.Equal(t, StateShutdown, s.State())
	require.EqualValues(t, 1, shutdowns.Load())
}

func TestSeedReorderBufferNeverErrors(t *testing.T) {
	s := &Session{reorderBuf: reorder.New(func([]byte) {}, func(uint64, uint64) {})}
	require.NoError(t, s.seedReorderBuffer(0))
}
