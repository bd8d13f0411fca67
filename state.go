// SPDX-FileCopyrightText: 2025 The Concord RTC community <https://github.com/concord-rtc>
// SPDX-License-Identifier: MIT

package dtlscore

import "sync/atomic"

// SessionState is a state of the session FSM (see fsm.go).
type SessionState uint32

const (
	StateSetup SessionState = iota
	StateCookie
	StateHandshake
	StateMTUDiscovery
	StateEstablished
	StateShutdown
)

func (s SessionState) String() string {
	switch s {
	case StateSetup:
		return "SETUP"
	case StateCookie:
		return "COOKIE"
	case StateHandshake:
		return "HANDSHAKE"
	case StateMTUDiscovery:
		return "MTU_DISCOVERY"
	case StateEstablished:
		return "ESTABLISHED"
	case StateShutdown:
		return "SHUTDOWN"
	default:
		return "UNKNOWN"
	}
}

// atomicState is a CAS-guarded session state cell. An external forced
// shutdown always wins over a handler-driven transition: forceShutdown
// performs an unconditional store any goroutine may call, and the worker
// publishes its own transitions only via compareAndSwap, which reconciles its
// intended next state against whatever won the race.
type atomicState struct {
	v atomic.Uint32
}

func (a *atomicState) load() SessionState {
	return SessionState(a.v.Load())
}

func (a *atomicState) store(s SessionState) {
	a.v.Store(uint32(s))
}

// compareAndSwap attempts to move the state from old to next, returning the
// state that actually ended up stored (next on success, whatever else won
// the race otherwise).
func (a *atomicState) compareAndSwap(old, next SessionState) SessionState {
	if a.v.CompareAndSwap(uint32(old), uint32(next)) {
		return next
	}
	return SessionState(a.v.Load())
}

// forceShutdown unconditionally moves the state to SHUTDOWN regardless of
// the current value, winning any race against a concurrently-running
// handler's own transition.
func (a *atomicState) forceShutdown() {
	a.v.Store(uint32(StateShutdown))
}
