// SPDX-FileCopyrightText: 2025 The Concord RTC community <https://github.com/concord-rtc>
// SPDX-License-Identifier: MIT

// Package reorder implements the sequence-number-aware reorder buffer that
// sits between record reception and delivery to the upper layer.
package reorder

import (
	"sort"
	"sync"
	"time"
)

// MissOrderingLimit is the maximal accepted distance of an out-of-order
// packet behind the highest sequence number seen so far.
const MissOrderingLimit = 32

// OOOTimeout is how long a gap may stall delivery before the missing
// sequence numbers are declared lost and the tail is delivered anyway.
const OOOTimeout = 1500 * time.Millisecond

// Buffer re-orders records keyed by a 64-bit sequence number, releasing
// contiguous runs as they complete or after a timeout strands a gap.
// The zero value is not usable; construct with New.
type Buffer struct {
	mu sync.Mutex

	pending map[uint64][]byte
	keys    []uint64 // kept sorted; not capped in size, entries stay until delivered

	baseSeq      uint64
	lastRxSeq    uint64
	gapOffset    uint64
	lastReadTime time.Time
	seeded       bool

	flushing bool

	onDeliver func(data []byte)
	onLost    func(count uint64, from uint64)

	now func() time.Time
}

// New creates an empty Buffer. onDeliver is invoked, in sequence order, for
// each payload the buffer releases; onLost (optional) is invoked when a gap
// times out, reporting how many sequence numbers were declared lost.
func New(onDeliver func(data []byte), onLost func(count uint64, from uint64)) *Buffer {
	return &Buffer{
		pending:   make(map[uint64][]byte),
		onDeliver: onDeliver,
		onLost:    onLost,
		now:       time.Now,
	}
}

// Seed initializes sequence-number bookkeeping from the first observed
// record sequence number plus an offset (negative when records have already
// been consumed before seeding; a result below zero is clamped to zero). The
// session seeds with offset 0.
func (b *Buffer) Seed(firstSeq uint64, offset int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	base := int64(firstSeq) + offset
	if base < 0 {
		base = 0
	}
	b.baseSeq = uint64(base)
	b.gapOffset = b.baseSeq
	if b.baseSeq > 0 {
		b.lastRxSeq = b.baseSeq - 1
	}
	b.seeded = true
}

// Insert accepts a newly-received record. It returns false if the record was
// dropped for being too far below the window, or for being below the next
// expected sequence number (already delivered or declared lost).
//
// Records above a gap are held without a size cap: a record more than
// MissOrderingLimit below the highest sequence number seen stays buffered
// until the gap fills or OOOTimeout releases it.
func (b *Buffer) Insert(seq uint64, data []byte) bool {
	b.mu.Lock()

	if seq < b.gapOffset {
		b.mu.Unlock()
		return false
	}

	seqDelta := int64(seq) - int64(b.lastRxSeq)
	if seqDelta > 0 {
		b.lastRxSeq = seq
	} else if seqDelta <= -MissOrderingLimit {
		b.mu.Unlock()
		return false
	}
	// else: accepted as out-of-order, no duplicate suppression needed —
	// the cryptographic layer already enforces replay protection.

	if len(b.pending) == 0 {
		b.lastReadTime = b.now()
	}
	if _, exists := b.pending[seq]; !exists {
		b.insertKeyLocked(seq)
	}
	b.pending[seq] = data

	b.mu.Unlock()
	return true
}

func (b *Buffer) insertKeyLocked(seq uint64) {
	i := sort.Search(len(b.keys), func(i int) bool { return b.keys[i] >= seq })
	b.keys = append(b.keys, 0)
	copy(b.keys[i+1:], b.keys[i:])
	b.keys[i] = seq
}

// Flush attempts to release contiguous runs. It is safe to call after every
// Insert and periodically from an external flush pump; nested/concurrent
// calls are no-ops via the in-progress guard.
func (b *Buffer) Flush() {
	b.mu.Lock()
	if len(b.keys) == 0 {
		b.mu.Unlock()
		return
	}
	if b.flushing {
		b.mu.Unlock()
		return
	}
	b.flushing = true
	defer func() {
		b.mu.Lock()
		b.flushing = false
		b.mu.Unlock()
	}()
	b.mu.Unlock()

	b.mu.Lock()
	firstOffset := b.keys[0]
	nextOffset := firstOffset
	timedOut := b.now().Sub(b.lastReadTime) >= OOOTimeout

	if nextOffset != b.gapOffset {
		if !timedOut {
			b.mu.Unlock()
			return
		}
		if lost := nextOffset - b.gapOffset; lost > 0 && b.onLost != nil {
			from := b.gapOffset
			b.mu.Unlock()
			b.onLost(lost, from)
			b.mu.Lock()
		}
	}

	var toDeliver [][]byte
	idx := 0
	for idx < len(b.keys) && b.keys[idx] <= nextOffset {
		seq := b.keys[idx]
		toDeliver = append(toDeliver, b.pending[seq])
		delete(b.pending, seq)
		nextOffset = seq + 1
		idx++
	}
	b.keys = b.keys[idx:]

	if nextOffset > b.gapOffset {
		b.gapOffset = nextOffset
	}
	b.lastReadTime = b.now()
	b.mu.Unlock()

	// Release the lock across user callbacks so OnRxData can itself
	// trigger re-entrant activity without deadlocking.
	if b.onDeliver != nil {
		for _, data := range toDeliver {
			b.onDeliver(data)
		}
	}
}

// GapOffset returns the next expected contiguous sequence number.
func (b *Buffer) GapOffset() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.gapOffset
}

// LastRxSeq returns the highest sequence number observed so far.
func (b *Buffer) LastRxSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastRxSeq
}

// Len returns the number of records currently buffered pending delivery.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.keys)
}
