// Package notify delivers connection and audio notifications to in-process
// listeners in exactly the order the state machines emitted them.
package notify

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/a2dpd/internal/a2dp"
	"github.com/srg/a2dpd/internal/groutine"
)

// Listener receives notifications on the dispatcher goroutine, one at a time.
//
// A listener may read state and submit commands (Service.Connect, Disconnect,
// SetConnectionPolicy) but must not wait on a state machine: calls such as
// Service.ProcessCodecConfig, RemoveDevice, Close or StateMachine.Shutdown
// deadlock once the queue is full, because the machine is then blocked
// handing its next notification to this dispatcher.
type Listener interface {
	ConnectionStateChanged(change a2dp.ConnectionChange)
	AudioStateChanged(change a2dp.AudioChange)
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	OnConnection func(a2dp.ConnectionChange)
	OnAudio      func(a2dp.AudioChange)
}

func (f ListenerFuncs) ConnectionStateChanged(c a2dp.ConnectionChange) {
	if f.OnConnection != nil {
		f.OnConnection(c)
	}
}

func (f ListenerFuncs) AudioStateChanged(c a2dp.AudioChange) {
	if f.OnAudio != nil {
		f.OnAudio(c)
	}
}

// Notification is one queued item; exactly one field is set.
type Notification struct {
	Connection *a2dp.ConnectionChange
	Audio      *a2dp.AudioChange
}

func (n Notification) String() string {
	switch {
	case n.Connection != nil:
		return n.Connection.String()
	case n.Audio != nil:
		return n.Audio.String()
	default:
		return "<empty>"
	}
}

// Stats are lock-free delivery counters.
type Stats struct {
	Queued    int64
	Delivered int64
	Dropped   int64
	Panics    int64
}

// Dispatcher implements a2dp.Notifier with one FIFO channel drained by one goroutine.
type Dispatcher struct {
	logger *logrus.Logger

	lmu       sync.Mutex
	listeners *orderedmap.OrderedMap[uint64, Listener]
	nextID    uint64

	smu    sync.RWMutex
	ch     chan Notification
	closed bool
	done   <-chan struct{}

	queued    atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
	panics    atomic.Int64
}

var _ a2dp.Notifier = (*Dispatcher)(nil)

// NewDispatcher starts the dispatcher goroutine. buffer is the channel capacity;
// senders block once it is full.
func NewDispatcher(buffer int, logger *logrus.Logger) *Dispatcher {
	if logger == nil {
		logger = logrus.New()
	}
	if buffer < 0 {
		buffer = 0
	}
	d := &Dispatcher{
		logger:    logger,
		listeners: orderedmap.New[uint64, Listener](),
		ch:        make(chan Notification, buffer),
	}
	d.done = groutine.Go(context.Background(), groutine.Name("a2dp-notify", ""), d.loop)
	return d
}

// Subscribe registers l and returns the id for Unsubscribe. Listeners are
// called in registration order.
func (d *Dispatcher) Subscribe(l Listener) uint64 {
	d.lmu.Lock()
	defer d.lmu.Unlock()
	d.nextID++
	d.listeners.Set(d.nextID, l)
	return d.nextID
}

func (d *Dispatcher) Unsubscribe(id uint64) bool {
	d.lmu.Lock()
	defer d.lmu.Unlock()
	_, present := d.listeners.Delete(id)
	return present
}

func (d *Dispatcher) ConnectionStateChanged(change a2dp.ConnectionChange) {
	d.send(Notification{Connection: &change})
}

func (d *Dispatcher) AudioStateChanged(change a2dp.AudioChange) {
	d.send(Notification{Audio: &change})
}

func (d *Dispatcher) send(n Notification) {
	d.smu.RLock()
	defer d.smu.RUnlock()
	if d.closed {
		d.dropped.Add(1)
		d.logger.WithField("notification", n.String()).Warn("Notification after close, dropping")
		return
	}
	d.queued.Add(1)
	d.ch <- n
}

// Close delivers everything already queued and stops the dispatcher.
func (d *Dispatcher) Close() {
	d.smu.Lock()
	if d.closed {
		d.smu.Unlock()
		<-d.done
		return
	}
	d.closed = true
	close(d.ch)
	d.smu.Unlock()
	<-d.done
}

// Done is closed once the dispatcher goroutine has exited.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Queued:    d.queued.Load(),
		Delivered: d.delivered.Load(),
		Dropped:   d.dropped.Load(),
		Panics:    d.panics.Load(),
	}
}

func (d *Dispatcher) loop(ctx context.Context) {
	d.logger.WithField("goroutine", groutine.GetName(ctx)).Debug("Dispatcher started")
	for n := range d.ch {
		for _, l := range d.snapshotListeners() {
			d.deliver(l, n)
		}
		d.delivered.Add(1)
	}
	d.logger.Debug("Dispatcher stopped")
}

func (d *Dispatcher) snapshotListeners() []Listener {
	d.lmu.Lock()
	defer d.lmu.Unlock()
	out := make([]Listener, 0, d.listeners.Len())
	for pair := d.listeners.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

func (d *Dispatcher) deliver(l Listener, n Notification) {
	defer func() {
		if r := recover(); r != nil {
			d.panics.Add(1)
			d.logger.WithFields(logrus.Fields{
				"notification": n.String(),
				"panic":        fmt.Sprint(r),
			}).Error("Listener panicked")
		}
	}()

	switch {
	case n.Connection != nil:
		l.ConnectionStateChanged(*n.Connection)
	case n.Audio != nil:
		l.AudioStateChanged(*n.Audio)
	}
}
