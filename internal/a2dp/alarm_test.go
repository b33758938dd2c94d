package a2dp

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlarm_Fires(t *testing.T) {
	clock := newManualClock()
	var fired atomic.Uint64

	a := newAlarm(clock, time.Second, func(id uint64) { fired.Store(id) })

	assert.True(t, a.Active())
	assert.Equal(t, clock.Now().Add(time.Second), a.Deadline())

	clock.Advance(500 * time.Millisecond)
	assert.Zero(t, fired.Load(), "alarm MUST NOT fire before its deadline")

	clock.Advance(500 * time.Millisecond)
	assert.Equal(t, a.ID(), fired.Load(), "alarm MUST report its own id")
}

func TestAlarm_CancelIsIdempotent(t *testing.T) {
	clock := newManualClock()
	var fired atomic.Int32

	a := newAlarm(clock, time.Second, func(uint64) { fired.Add(1) })

	require.NotPanics(t, func() {
		a.Cancel()
		a.Cancel()
	})
	clock.Advance(2 * time.Second)

	assert.False(t, a.Active())
	assert.Zero(t, fired.Load(), "cancelled alarm MUST NOT fire")
	assert.Zero(t, clock.Pending())
}

func TestAlarm_CancelAfterFire(t *testing.T) {
	clock := newManualClock()
	var fired atomic.Int32

	a := newAlarm(clock, time.Second, func(uint64) { fired.Add(1) })
	clock.Advance(time.Second)

	require.NotPanics(t, func() { a.Cancel() })
	assert.Equal(t, int32(1), fired.Load())
}

func TestAlarm_NilCancel(t *testing.T) {
	var a *Alarm

	assert.NotPanics(t, func() { a.Cancel() })
	assert.False(t, a.Active())
}

func TestAlarm_UniqueIDs(t *testing.T) {
	clock := newManualClock()

	a := newAlarm(clock, time.Second, func(uint64) {})
	b := newAlarm(clock, time.Second, func(uint64) {})

	assert.NotEqual(t, a.ID(), b.ID())
}

func TestAlarm_SystemClock(t *testing.T) {
	fired := make(chan uint64, 1)

	a := newAlarm(SystemClock, 10*time.Millisecond, func(id uint64) { fired <- id })

	select {
	case id := <-fired:
		assert.Equal(t, a.ID(), id)
	case <-time.After(2 * time.Second):
		t.Fatal("alarm MUST fire on the system clock")
	}
}
