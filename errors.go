// SPDX-FileCopyrightText: 2025 The Concord RTC community <https://github.com/concord-rtc>
// SPDX-License-Identifier: MIT

package dtlscore

import "errors"

var (
	errNoConfigProvided    = errors.New("dtlscore: no config provided")
	errNilTransport        = errors.New("dtlscore: nil packet transport")
	errInvalidSession      = errors.New("dtlscore: operation invalid in current session state")
	errSessionShuttingDown = errors.New("dtlscore: session is shutting down")
	errShortWrite          = errors.New("dtlscore: short write on record send")
	errBufferTooSmall      = errors.New("dtlscore: caller buffer too small")
	errDhParamsUnavailable = errors.New("dtlscore: DH parameters unavailable")
	errCertificateRevoked  = errors.New("dtlscore: peer certificate is revoked")
)
