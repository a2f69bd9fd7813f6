package timerq

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueFiresInOrder(t *testing.T) {
	q := NewQueue(ClassA)
	defer q.Close()

	var mu []int
	done := make(chan struct{}, 3)
	record := func(n int) func() {
		return func() {
			mu = append(mu, n)
			done <- struct{}{}
		}
	}

	q.Insert(30*time.Millisecond, record(3))
	q.Insert(10*time.Millisecond, record(1))
	q.Insert(20*time.Millisecond, record(2))

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("timer did not fire")
		}
	}
	assert.Equal(t, []int{1, 2, 3}, mu)
}

func TestHandleCancel(t *testing.T) {
	q := NewQueue(ClassB)
	defer q.Close()

	var fired atomic.Bool
	h := q.Insert(20*time.Millisecond, func() { fired.Store(true) })
	h.Cancel()

	time.Sleep(50 * time.Millisecond)
	assert.False(t, fired.Load())
	assert.Equal(t, 0, q.Len())
}

func TestCancelAfterFireIsNoop(t *testing.T) {
	q := NewQueue(ClassC)
	defer q.Close()

	done := make(chan struct{})
	h := q.Insert(5*time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("did not fire")
	}

	require.NotPanics(t, func() { h.Cancel() })
}

func TestManagerIsolatesClasses(t *testing.T) {
	m := NewManager()
	defer m.Close()

	require.NotNil(t, m.Queue(ClassA))
	require.NotSame(t, m.Queue(ClassA), m.Queue(ClassB))
}

func TestRearmToEarlierDeadline(t *testing.T) {
	q := NewQueue(ClassG)
	defer q.Close()

	late := make(chan struct{})
	early := make(chan struct{})

	q.Insert(200*time.Millisecond, func() { close(late) })
	q.Insert(10*time.Millisecond, func() { close(early) })

	select {
	case <-early:
	case <-late:
		t.Fatal("late timer fired before early timer")
	case <-time.After(time.Second):
		t.Fatal("no timer fired")
	}
}
