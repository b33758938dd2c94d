package a2dp

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/srg/a2dpd/internal/codec"
)

// manualClock fires timers only when advanced.
type manualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	clock   *manualClock
	at      time.Time
	fn      func()
	stopped bool
	fired   bool
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{clock: c, at: c.now.Add(d), fn: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*manualTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	for _, t := range due {
		t.fn()
	}
}

// Pending counts timers that are neither stopped nor fired.
func (c *manualClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	wasPending := !t.stopped && !t.fired
	t.stopped = true
	return wasPending
}

type recordingDriver struct {
	mu          sync.Mutex
	connects    int
	disconnects int
	refuse      bool

	// When gate is set, Connect reports on entered and blocks until gate is closed.
	gate    chan struct{}
	entered chan struct{}
}

// hold makes the next Connect calls block the actor until the returned func is called.
func (d *recordingDriver) hold() (entered <-chan struct{}, release func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gate = make(chan struct{})
	d.entered = make(chan struct{}, 1)
	gate := d.gate
	return d.entered, func() { close(gate) }
}

func (d *recordingDriver) Connect(ble.Addr) bool {
	d.mu.Lock()
	d.connects++
	refuse := d.refuse
	gate, entered := d.gate, d.entered
	d.mu.Unlock()

	if gate != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-gate
	}
	return !refuse
}

func (d *recordingDriver) Disconnect(ble.Addr) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disconnects++
	return !d.refuse
}

func (d *recordingDriver) counts() (int, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connects, d.disconnects
}

type staticPolicy struct {
	mu    sync.Mutex
	allow bool
	asked []bool
}

func (p *staticPolicy) OkToConnect(_ ble.Addr, incoming bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.asked = append(p.asked, incoming)
	return p.allow
}

func (p *staticPolicy) set(allow bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.allow = allow
}

type codecReport struct {
	Status            codec.Status
	ChangedSelectable bool
}

type recordingService struct {
	mu                 sync.Mutex
	reports            []codecReport
	optionalUpdates    int
	lowLatencyUpdates  int
	associatedDisconns int
}

func (s *recordingService) CodecConfigUpdated(_ ble.Addr, status codec.Status, changed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, codecReport{Status: status, ChangedSelectable: changed})
}

func (s *recordingService) UpdateOptionalCodecsSupport(ble.Addr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.optionalUpdates++
}

func (s *recordingService) UpdateLowLatencyAudioSupport(ble.Addr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lowLatencyUpdates++
}

func (s *recordingService) DisconnectAssociatedProfiles(ble.Addr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.associatedDisconns++
}

func (s *recordingService) snapshot() (reports []codecReport, optional, lowLatency, associated int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]codecReport(nil), s.reports...), s.optionalUpdates, s.lowLatencyUpdates, s.associatedDisconns
}

// recordingNotifier keeps connection and audio notifications in one ordered log.
type recordingNotifier struct {
	mu    sync.Mutex
	log   []string
	conns []ConnectionChange
	audio []AudioChange
}

func (n *recordingNotifier) ConnectionStateChanged(c ConnectionChange) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.conns = append(n.conns, c)
	n.log = append(n.log, fmt.Sprintf("conn %s->%s", c.From, c.To))
}

func (n *recordingNotifier) AudioStateChanged(c AudioChange) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.audio = append(n.audio, c)
	n.log = append(n.log, "audio "+c.State.String())
}

func (n *recordingNotifier) connections() []ConnectionChange {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]ConnectionChange(nil), n.conns...)
}

func (n *recordingNotifier) audioChanges() []AudioChange {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]AudioChange(nil), n.audio...)
}

func (n *recordingNotifier) ordered() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.log...)
}

// flush waits until every event queued before it has been processed.
func flush(m *StateMachine) error {
	done := make(chan struct{})
	if err := m.enqueue(event{kind: kindCall, call: func() {}, label: "Flush", done: done}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-m.done:
		return ErrShutdown
	case <-time.After(5 * time.Second):
		return fmt.Errorf("flush timed out")
	}
}
