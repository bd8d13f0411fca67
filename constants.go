// SPDX-FileCopyrightText: 2025 The Concord RTC community <https://github.com/concord-rtc>
// SPDX-License-Identifier: MIT

package dtlscore

import "time"

// Priority strings carried through for configuration and logging purposes;
// they are mapped onto a concrete cipher-suite selection for the underlying
// engine by internal/handshake.
const (
	certPriorityString = "SECURE192:-VERS-TLS-ALL:+VERS-DTLS-ALL:-RSA:%SERVER_PRECEDENCE:%SAFE_RENEGOTIATION"
	fullPriorityString = "SECURE192:-KX-ALL:+ANON-ECDH:+ANON-DH:+SECURE192:-VERS-TLS-ALL:+VERS-DTLS-ALL:-RSA:%SERVER_PRECEDENCE:%SAFE_RENEGOTIATION"
)

const (
	// MinMTU is the smallest MTU this core will ever negotiate down to.
	MinMTU = 576
	// DefaultMTU is the baseline floor set before PMTU discovery has run.
	DefaultMTU = 1280

	inputBufferSize = 16384
	inputMaxSize    = 1000

	floodThreshold = 4096
	floodPause     = 100 * time.Millisecond

	cookieTimeout         = 10 * time.Second
	dtlsRetransmitTimeout = 1000 * time.Millisecond

	heartbeatRetransTimeout = 700 * time.Millisecond
	heartbeatTries          = 1
	heartbeatTotalTimeout   = heartbeatRetransTimeout * heartbeatTries

	udpHeaderSize = 8
)

// mtuLadder is the fixed ascending ladder of candidate MTUs probed by
// PmtuProbe. Keep values ascending; do not add entries above a sane
// interface MTU or the probe will spuriously read as packet loss.
var mtuLadder = []int{MinMTU, 800, 1280}
