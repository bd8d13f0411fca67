// SPDX-FileCopyrightText: 2025 The Concord RTC community <https://github.com/concord-rtc>
// SPDX-License-Identifier: MIT

package rxqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPushPop(t *testing.T) {
	q := New(4)
	q.Push([]byte("a"))
	q.Push([]byte("b"))
	require.Equal(t, 2, q.Len())

	front, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, []byte("a"), front)
	require.Equal(t, 1, q.Len())
}

func TestOverflowDropsOldest(t *testing.T) {
	q := New(2)
	q.Push([]byte("a"))
	q.Push([]byte("b"))
	q.Push([]byte("c"))

	require.Equal(t, 2, q.Len())
	require.EqualValues(t, 1, q.Dropped())

	front, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, []byte("b"), front)
}

func TestWaitUnblocksOnPush(t *testing.T) {
	q := New(4)
	done := make(chan bool, 1)
	go func() {
		done <- q.Wait()
	}()

	time.Sleep(10 * time.Millisecond)
	q.Push([]byte("x"))

	select {
	case arrived := <-done:
		require.True(t, arrived)
	case <-time.After(time.Second):
		t.Fatal("Wait did not unblock")
	}
}

func TestWaitTimeoutExpires(t *testing.T) {
	q := New(4)
	arrived, ok := q.WaitTimeout(20 * time.Millisecond)
	require.False(t, arrived)
	require.True(t, ok)
}

func TestWaitTimeoutShutdown(t *testing.T) {
	q := New(4)
	go func() {
		time.Sleep(10 * time.Millisecond)
		q.Shutdown()
	}()

	arrived, ok := q.WaitTimeout(time.Second)
	require.False(t, arrived)
	require.False(t, ok)
}

func TestPeekDoesNotRemove(t *testing.T) {
	q := New(4)
	q.Push([]byte("a"))

	front, ok := q.Peek()
	require.True(t, ok)
	require.Equal(t, []byte("a"), front)
	require.Equal(t, 1, q.Len())
}
