package a2dp

import (
	"sync"
	"sync/atomic"
	"time"
)

// Clock schedules alarm callbacks. Tests substitute a manual clock.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is the cancellation handle returned by Clock.AfterFunc.
type Timer interface {
	Stop() bool
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// SystemClock is the wall clock backed by time.AfterFunc.
var SystemClock Clock = systemClock{}

// Alarm is a one-shot cancellable timer that posts its expiry back into the
// owning machine's queue. Each alarm carries a unique id so an expiry that was
// already in flight when the alarm got cancelled can be recognised as stale.
type Alarm struct {
	id       uint64
	deadline time.Time

	mu        sync.Mutex
	timer     Timer
	cancelled atomic.Bool
}

var alarmSeq atomic.Uint64

func newAlarm(clock Clock, d time.Duration, fire func(id uint64)) *Alarm {
	a := &Alarm{
		id:       alarmSeq.Add(1),
		deadline: clock.Now().Add(d),
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.timer = clock.AfterFunc(d, func() {
		if a.cancelled.Load() {
			return
		}
		fire(a.id)
	})
	return a
}

func (a *Alarm) ID() uint64 {
	return a.id
}

func (a *Alarm) Deadline() time.Time {
	return a.deadline
}

// Cancel is idempotent and safe to call from any goroutine.
func (a *Alarm) Cancel() {
	if a == nil || a.cancelled.Swap(true) {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer != nil {
		a.timer.Stop()
	}
}

// Active reports whether the alarm has neither been cancelled nor consumed.
func (a *Alarm) Active() bool {
	return a != nil && !a.cancelled.Load()
}
