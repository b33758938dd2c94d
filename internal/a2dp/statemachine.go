// Package a2dp implements the per-device A2DP source connection state machine.
//
// Every device gets one StateMachine. Commands from the profile service, stack
// events from the native driver and alarm expiries are funneled into one ordered
// queue consumed by the machine's own goroutine, so no two events for a device
// are ever processed concurrently.
package a2dp

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-ble/ble"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/a2dpd/internal/codec"
	"github.com/srg/a2dpd/internal/groutine"
)

// Options is fixed at construction and read-only afterwards.
type Options struct {
	// ConnectTimeout bounds both the connect and the disconnect wait.
	ConnectTimeout time.Duration `default:"6s"`
	OffloadEnabled bool
	// ReportSelectableWithOffload keeps selectable-set codec reports flowing while
	// offload is on; they are withheld otherwise.
	ReportSelectableWithOffload bool
	// HistorySize is the number of processed events kept for Dump.
	HistorySize uint32 `default:"32"`
	// Clock schedules alarms; nil means SystemClock.
	Clock Clock
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	opts := Options{}
	defaults.SetDefaults(&opts)
	return opts
}

// Snapshot is a read-only view of a machine, republished whenever its state or codec changes.
type Snapshot struct {
	Device         string          `json:"device"`
	State          ConnectionState `json:"state"`
	Playing        bool            `json:"playing"`
	Codec          *codec.Status   `json:"codec,omitempty"`
	Transitions    uint64          `json:"transitions"`
	LastTransition time.Time       `json:"last_transition"`
}

type eventKind int

const (
	kindCommand eventKind = iota
	kindStack
	kindTimeout
	kindCall
)

type event struct {
	kind    eventKind
	cmd     Command
	stack   StackEvent
	alarmID uint64
	call    func()
	label   string
	done    chan struct{}
}

func (e event) String() string {
	switch e.kind {
	case kindCommand:
		return "Command(" + e.cmd.String() + ")"
	case kindStack:
		return "StackEvent " + e.stack.String()
	case kindTimeout:
		return fmt.Sprintf("Timeout(alarm=%d)", e.alarmID)
	default:
		return e.label
	}
}

// StateMachine tracks the connection of one remote device.
type StateMachine struct {
	device   ble.Addr
	driver   NativeDriver
	policy   PolicyOracle
	service  ProfileService
	notifier Notifier
	opts     Options
	clock    Clock
	logger   *logrus.Entry

	// Owned by the actor goroutine (or by runMu holders before Start).
	runMu       sync.Mutex
	state       ConnectionState
	playing     bool
	alarm       *Alarm
	deferred    []Command
	lastCodec   *codec.Status
	negotiator  *codec.Negotiator
	transitions uint64
	lastChange  time.Time
	history     *history

	current  atomic.Int32
	snapshot atomic.Pointer[Snapshot]

	mu      sync.Mutex
	queue   []event
	wake    chan struct{}
	started bool
	closed  bool
	quit    chan struct{}
	done    chan struct{}
}

// New creates a machine in the Disconnected state. Start must be called before
// submitted events are processed.
func New(device ble.Addr, driver NativeDriver, policy PolicyOracle, service ProfileService, notifier Notifier, opts Options, logger *logrus.Logger) *StateMachine {
	if logger == nil {
		logger = logrus.New()
	}
	defaults.SetDefaults(&opts)
	if opts.Clock == nil {
		opts.Clock = SystemClock
	}

	m := &StateMachine{
		device:   device,
		driver:   driver,
		policy:   policy,
		service:  service,
		notifier: notifier,
		opts:     opts,
		clock:    opts.Clock,
		logger:   logger.WithField("device", addrString(device)),
		negotiator: codec.NewNegotiator(codec.Policy{
			OffloadEnabled:              opts.OffloadEnabled,
			ReportSelectableWithOffload: opts.ReportSelectableWithOffload,
		}),
		history: newHistory(opts.HistorySize),
		state:   StateDisconnected,
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	m.publish()
	return m
}

// Device returns the address this machine tracks.
func (m *StateMachine) Device() ble.Addr {
	return m.device
}

// Start launches the actor goroutine. Cancelling ctx has the same effect as Shutdown.
func (m *StateMachine) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrShutdown
	}
	if m.started {
		return fmt.Errorf("state machine for %s already started", addrString(m.device))
	}
	m.started = true

	loopDone := groutine.Go(ctx, groutine.Name("a2dp-sm", addrString(m.device)), m.run)
	go func() {
		<-loopDone
		close(m.done)
	}()
	return nil
}

// Submit enqueues a command.
func (m *StateMachine) Submit(cmd Command) error {
	return m.enqueue(event{kind: kindCommand, cmd: cmd})
}

// SubmitStackEvent enqueues a driver report addressed to this device.
func (m *StateMachine) SubmitStackEvent(ev StackEvent) error {
	if ev.Device != nil && m.device != nil && ev.Device.String() != m.device.String() {
		return fmt.Errorf("%w: got %s, machine tracks %s", ErrWrongDevice, ev.Device, m.device)
	}
	return m.enqueue(event{kind: kindStack, stack: ev})
}

// ProcessCodecConfig feeds a codec status to the negotiator as if the driver had
// reported it, and returns once it has been processed. Before Start it runs on
// the caller's goroutine, which is how a default baseline gets seeded.
func (m *StateMachine) ProcessCodecConfig(status codec.Status) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrShutdown
	}
	started := m.started
	m.mu.Unlock()

	ev := event{
		kind:  kindCall,
		call:  func() { m.processCodecConfigEvent(status) },
		label: "ProcessCodecConfig(" + status.String() + ")",
	}
	if !started {
		m.runMu.Lock()
		defer m.runMu.Unlock()
		m.process(ev)
		return nil
	}

	done := make(chan struct{})
	ev.done = done
	if err := m.enqueue(ev); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-m.done:
		return ErrShutdown
	}
}

// CurrentState is a lock-free read of the connection state.
func (m *StateMachine) CurrentState() ConnectionState {
	return ConnectionState(m.current.Load())
}

// Snapshot returns the most recently published view.
func (m *StateMachine) Snapshot() Snapshot {
	s := m.snapshot.Load()
	out := *s
	if s.Codec != nil {
		c := s.Codec.Clone()
		out.Codec = &c
	}
	return out
}

// Done is closed once the actor goroutine has exited.
func (m *StateMachine) Done() <-chan struct{} {
	return m.done
}

// Shutdown stops the actor, drops queued and deferred events and cancels the
// outstanding alarm. It blocks until the actor has exited and must not be
// called from a collaborator callback.
func (m *StateMachine) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		<-m.done
		return
	}
	m.closed = true
	dropped := len(m.queue)
	m.queue = nil
	started := m.started
	close(m.quit)
	m.mu.Unlock()

	if started {
		<-m.done
	} else {
		close(m.done)
	}

	m.runMu.Lock()
	defer m.runMu.Unlock()
	m.cancelAlarm()
	m.deferred = nil
	m.publish()
	m.logger.WithField("dropped", dropped).Debug("State machine shut down")
}

// Dump writes a human readable report of the machine.
func (m *StateMachine) Dump(w io.Writer) error {
	s := m.Snapshot()
	codecLine := "none"
	if s.Codec != nil {
		codecLine = s.Codec.String()
	}
	if _, err := fmt.Fprintf(w, "Device: %s\n  State: %s\n  Playing: %t\n  Codec: %s\n  Transitions: %d\nHistory:\n",
		s.Device, s.State, s.Playing, codecLine, s.Transitions); err != nil {
		return err
	}
	return m.history.write(w)
}

func (m *StateMachine) enqueue(ev event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrShutdown
	}
	m.queue = append(m.queue, ev)
	m.signal()
	return nil
}

// requeueFront puts deferred commands back ahead of everything already queued.
func (m *StateMachine) requeueFront(cmds []Command) {
	if len(cmds) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	front := make([]event, 0, len(cmds)+len(m.queue))
	for _, c := range cmds {
		front = append(front, event{kind: kindCommand, cmd: c})
	}
	m.queue = append(front, m.queue...)
	m.signal()
}

// signal must be called with mu held.
func (m *StateMachine) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *StateMachine) next() (event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || len(m.queue) == 0 {
		return event{}, false
	}
	ev := m.queue[0]
	m.queue[0] = event{}
	m.queue = m.queue[1:]
	return ev, true
}

func (m *StateMachine) run(ctx context.Context) {
	m.logger.Debug("State machine started")
	for {
		// Cancellation wins over anything still queued.
		if ctx.Err() != nil {
			m.stopFromContext()
			return
		}
		ev, ok := m.next()
		if !ok {
			select {
			case <-m.wake:
				continue
			case <-m.quit:
				return
			case <-ctx.Done():
				m.stopFromContext()
				return
			}
		}

		m.runMu.Lock()
		m.process(ev)
		m.runMu.Unlock()

		if ev.done != nil {
			close(ev.done)
		}
	}
}

func (m *StateMachine) stopFromContext() {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		m.queue = nil
		close(m.quit)
	}
	m.mu.Unlock()

	m.runMu.Lock()
	defer m.runMu.Unlock()
	m.cancelAlarm()
	m.deferred = nil
	m.publish()
}

func (m *StateMachine) process(ev event) {
	from := m.state
	m.logger.WithFields(logrus.Fields{"state": from, "event": ev}).Debug("Processing event")

	switch ev.kind {
	case kindCall:
		ev.call()
	case kindTimeout:
		if m.alarm == nil || m.alarm.ID() != ev.alarmID {
			m.logger.WithField("alarm", ev.alarmID).Debug("Ignoring stale alarm")
			return
		}
		m.dispatch(ev)
	default:
		m.dispatch(ev)
	}

	m.history.add(from, m.state, ev.String())
	m.checkInvariant()
	m.publish()
}

func (m *StateMachine) dispatch(ev event) {
	t, ok := triggerOf(ev)
	if ok {
		if handler, found := transitionTable[m.state][t]; found {
			handler(m, ev)
			return
		}
	}
	m.logger.WithFields(logrus.Fields{"state": m.state, "event": ev}).Warn("Unexpected event, ignoring")
}

// transitionTo performs the exit and entry actions of a state change.
func (m *StateMachine) transitionTo(next ConnectionState) {
	prev := m.state
	if prev == next {
		return
	}
	m.cancelAlarm()

	if prev == StateConnected && m.playing {
		m.playing = false
		m.notifyAudio(AudioNotPlaying)
	}

	m.state = next
	m.current.Store(int32(next))
	m.transitions++
	m.lastChange = m.clock.Now()

	m.publish()

	m.logger.WithFields(logrus.Fields{"from": prev, "to": next}).Info("Connection state changed")
	if m.notifier != nil {
		m.notifier.ConnectionStateChanged(ConnectionChange{Device: m.device, From: prev, To: next, At: m.lastChange})
	}

	if next.hasTimer() {
		m.startAlarm()
	}
	if next == StateConnected {
		m.enterConnected()
	}

	deferred := m.deferred
	m.deferred = nil
	m.requeueFront(deferred)
}

func (m *StateMachine) enterConnected() {
	m.playing = false
	m.notifyAudio(AudioNotPlaying)
	if m.service != nil {
		m.service.UpdateOptionalCodecsSupport(m.device)
		m.service.UpdateLowLatencyAudioSupport(m.device)
	}

	m.negotiator.Reset()
	if m.lastCodec != nil {
		m.applyCodecReport(*m.lastCodec)
	}
}

// processCodecConfigEvent handles a codec report in any state.
func (m *StateMachine) processCodecConfigEvent(status codec.Status) {
	m.applyCodecReport(status)
	if m.service != nil {
		m.service.UpdateLowLatencyAudioSupport(m.device)
	}
}

func (m *StateMachine) applyCodecReport(status codec.Status) {
	d, err := m.negotiator.OnReport(status)
	if err != nil {
		m.logger.WithError(err).Warn("Dropping codec status")
		return
	}
	recorded := status.Clone()
	m.lastCodec = &recorded
	m.publish()

	log := m.logger.WithFields(logrus.Fields{"codec": status.String(), "baseline": d.Baseline})
	if d.Suppressed {
		log.Debug("Selectable codec change withheld under offload")
	}
	if d.Report && m.service != nil {
		m.service.CodecConfigUpdated(m.device, status.Clone(), d.ChangedSelectable)
	}
	if d.UpdateOptionalCodecs && m.service != nil {
		m.service.UpdateOptionalCodecsSupport(m.device)
	}
}

func (m *StateMachine) processAudioState(state StackAudioState) {
	switch state {
	case StackAudioStarted:
		if !m.playing {
			m.playing = true
			m.notifyAudio(AudioPlaying)
		}
	case StackAudioStopped, StackAudioRemoteSuspend:
		if m.playing {
			m.playing = false
			m.notifyAudio(AudioNotPlaying)
		}
	default:
		m.logger.WithField("audio", state).Warn("Unknown audio state, ignoring")
	}
}

func (m *StateMachine) notifyAudio(state AudioState) {
	m.logger.WithField("audio", state).Info("Audio state changed")
	if m.notifier != nil {
		m.notifier.AudioStateChanged(AudioChange{Device: m.device, State: state, At: m.clock.Now()})
	}
}

func (m *StateMachine) startAlarm() {
	m.cancelAlarm()
	m.alarm = newAlarm(m.clock, m.opts.ConnectTimeout, func(id uint64) {
		if err := m.enqueue(event{kind: kindTimeout, alarmID: id}); err != nil {
			m.logger.WithField("alarm", id).Debug("Alarm fired after shutdown")
		}
	})
}

func (m *StateMachine) cancelAlarm() {
	if m.alarm != nil {
		m.alarm.Cancel()
		m.alarm = nil
	}
}

func (m *StateMachine) driverConnect() {
	if m.driver == nil || !m.driver.Connect(m.device) {
		m.logger.Warn("Driver refused connect attempt")
	}
}

func (m *StateMachine) driverDisconnect() {
	if m.driver == nil || !m.driver.Disconnect(m.device) {
		m.logger.Warn("Driver refused disconnect attempt")
	}
}

func (m *StateMachine) okToConnect(incoming bool) bool {
	if m.policy == nil {
		return true
	}
	return m.policy.OkToConnect(m.device, incoming)
}

func (m *StateMachine) disconnectAssociatedProfiles() {
	if m.service != nil {
		m.service.DisconnectAssociatedProfiles(m.device)
	}
}

func (m *StateMachine) deferCommand(cmd Command) {
	m.logger.WithFields(logrus.Fields{"state": m.state, "command": cmd}).Debug("Deferring command")
	m.deferred = append(m.deferred, cmd)
}

func (m *StateMachine) checkInvariant() {
	hasAlarm := m.alarm.Active()
	if hasAlarm != m.state.hasTimer() {
		m.logger.WithFields(logrus.Fields{"state": m.state, "alarm": hasAlarm}).Error("Alarm invariant violated")
	}
}

func (m *StateMachine) publish() {
	s := &Snapshot{
		Device:         addrString(m.device),
		State:          m.state,
		Playing:        m.playing,
		Transitions:    m.transitions,
		LastTransition: m.lastChange,
	}
	if m.lastCodec != nil {
		c := m.lastCodec.Clone()
		s.Codec = &c
	}
	m.current.Store(int32(m.state))
	m.snapshot.Store(s)
}
