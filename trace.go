// SPDX-FileCopyrightText: 2025 The Concord RTC community <https://github.com/concord-rtc>
// SPDX-License-Identifier: MIT

package dtlscore

import (
	"fmt"

	"golang.org/x/net/trace"
)

// sessionTracer wraps an x/net/trace event log for one Session, giving
// operators the usual /debug/events view of FSM transitions without the
// core needing to own any logging sink of its own.
type sessionTracer struct {
	events trace.EventLog
}

func newSessionTracer(role, remote string) *sessionTracer {
	return &sessionTracer{events: trace.NewEventLog("dtlscore.Session", fmt.Sprintf("%s %s", role, remote))}
}

func (t *sessionTracer) transition(from, to SessionState) {
	if t.events == nil {
		return
	}
	t.events.Printf("%s -> %s", from, to)
}

func (t *sessionTracer) errorf(format string, args ...interface{}) {
	if t.events == nil {
		return
	}
	t.events.Errorf(format, args...)
}

func (t *sessionTracer) finish() {
	if t.events == nil {
		return
	}
	t.events.Finish()
}
