package fiberloop

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFiber_ResumeYield_RoundTrip(t *testing.T) {
	var ran int32
	var yielded bool
	f := NewFiber(func() {
		atomic.StoreInt32(&ran, 1)
		yielded = true
		require.NoError(t, GetThis().Yield())
		atomic.StoreInt32(&ran, 2)
	}, 0, false)

	require.Equal(t, FiberReady, f.State())
	require.NoError(t, f.Resume())
	assert.True(t, yielded)
	assert.Equal(t, int32(1), atomic.LoadInt32(&ran))
	assert.Equal(t, FiberReady, f.State())

	require.NoError(t, f.Resume())
	assert.Equal(t, int32(2), atomic.LoadInt32(&ran))
	assert.Equal(t, FiberTerm, f.State())
}

func TestFiber_ResumeNonReady(t *testing.T) {
	f := NewFiber(func() {}, 0, false)
	require.NoError(t, f.Resume())
	assert.Equal(t, FiberTerm, f.State())
	assert.ErrorIs(t, f.Resume(), ErrFiberNotReady)
}

func TestFiber_Reset(t *testing.T) {
	f := NewFiber(func() {}, 0, false)
	require.NoError(t, f.Resume())
	require.Equal(t, FiberTerm, f.State())

	var ran bool
	require.NoError(t, f.Reset(func() { ran = true }))
	assert.Equal(t, FiberReady, f.State())
	require.NoError(t, f.Resume())
	assert.True(t, ran)
	assert.Equal(t, FiberTerm, f.State())
}

func TestFiber_ResetRequiresTerm(t *testing.T) {
	f := NewFiber(func() {}, 0, false)
	assert.ErrorIs(t, f.Reset(func() {}), ErrFiberNotTerm)
}

func TestFiber_Liveness(t *testing.T) {
	before := LiveFiberCount()
	f := NewFiber(func() {}, 0, false)
	assert.Equal(t, before+1, LiveFiberCount())
	require.NoError(t, f.Resume())
	assert.Equal(t, before, LiveFiberCount())
}

func TestFiber_PanicTerminatesFiber(t *testing.T) {
	f := NewFiber(func() {
		panic("boom")
	}, 0, false)
	require.NoError(t, f.Resume())
	assert.Equal(t, FiberTerm, f.State())
}

func TestGetThis_LazyMainFiber(t *testing.T) {
	done := make(chan *Fiber, 1)
	go func() {
		done <- GetThis()
	}()
	var f *Fiber
	select {
	case f = <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for GetThis")
	}
	assert.True(t, f.IsMain())
	assert.Equal(t, FiberRunning, f.State())
}
