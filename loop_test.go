package pva

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopCallRunsOnWorker(t *testing.T) {
	l := NewLoop()
	defer l.Close()

	var sawInLoop bool
	err := l.Call(func() error {
		sawInLoop = l.InLoop()
		return nil
	})
	require.NoError(t, err)
	assert.True(t, sawInLoop)
	assert.False(t, l.InLoop())
}

func TestLoopCallPropagatesError(t *testing.T) {
	l := NewLoop()
	defer l.Close()

	boom := assert.AnError
	err := l.Call(func() error { return boom })
	assert.Equal(t, boom, err)
}

func TestLoopNestedCallRunsInline(t *testing.T) {
	l := NewLoop()
	defer l.Close()

	var nestedRan bool
	err := l.Call(func() error {
		return l.Call(func() error {
			nestedRan = true
			return nil
		})
	})
	require.NoError(t, err)
	assert.True(t, nestedRan)
}

func TestLoopDispatchRunsAsync(t *testing.T) {
	l := NewLoop()
	defer l.Close()

	done := make(chan struct{})
	err := l.Dispatch(func() { close(done) })
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatched action never ran")
	}
}

func TestLoopSyncWaitsForPriorActions(t *testing.T) {
	l := NewLoop()
	defer l.Close()

	var ran bool
	require.NoError(t, l.Dispatch(func() { ran = true }))
	l.Sync()
	assert.True(t, ran)
}

func TestLoopCloseRejectsFurtherWork(t *testing.T) {
	l := NewLoop()
	l.Close()

	err := l.Call(func() error { return nil })
	assert.ErrorIs(t, err, ErrLoopClosed)

	err = l.Dispatch(func() {})
	assert.ErrorIs(t, err, ErrLoopClosed)
}

func TestLoopAssertInLoopPanicsOffLoop(t *testing.T) {
	l := NewLoop()
	defer l.Close()

	assert.Panics(t, func() { l.assertInLoop() })
}
