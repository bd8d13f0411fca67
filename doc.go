// SPDX-FileCopyrightText: 2025 The Concord RTC community <https://github.com/concord-rtc>
// SPDX-License-Identifier: MIT

// Package dtlscore implements the DTLS session core of a real-time
// peer-to-peer communications daemon: an authenticated, encrypted datagram
// channel running over an already-negotiated packet transport (typically an
// ICE media component).
//
// A Session drives a dedicated worker goroutine through setup, a
// stateless-cookie exchange (server only), handshake (with optional
// anonymous-then-certificate renegotiation), path MTU discovery, and the
// established data-transfer state, re-ordering arriving records into a
// bounded window before delivering plaintext to the caller.
package dtlscore
