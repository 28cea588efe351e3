package executor

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEventSignal(t *testing.T) {
	ev := NewEvent()
	require.False(t, ev.Signaled())

	select {
	case <-ev.Done():
		t.Fatal("event fired before Signal")
	default:
	}

	ev.Signal()
	require.True(t, ev.Signaled())

	select {
	case <-ev.Done():
	default:
		t.Fatal("event did not fire after Signal")
	}

	// Further signals are no-ops.
	ev.Signal()
	require.True(t, ev.Signaled())
}

func TestEventSignalConcurrent(t *testing.T) {
	ev := NewEvent()

	wg := sync.WaitGroup{}
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ev.Signal()
		}()
	}
	wg.Wait()

	require.True(t, ev.Signaled())
}
