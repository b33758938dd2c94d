// Package simdriver is a native link driver that answers connect and
// disconnect requests with scripted stack events, for scenarios and tests.
package simdriver

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"

	"github.com/srg/a2dpd/internal/a2dp"
	"github.com/srg/a2dpd/internal/codec"
	"github.com/srg/a2dpd/internal/groutine"
)

var ErrClosed = errors.New("simulated driver closed")

type Options struct {
	// Latency is applied to every scripted event.
	Latency time.Duration `default:"10ms"`
	// QueueSize bounds pending scripted events; Connect blocks once it is full.
	QueueSize int `default:"256"`
}

// Call is one driver request as seen by the simulator.
type Call struct {
	Op       string `json:"op"`
	Device   string `json:"device"`
	Accepted bool   `json:"accepted"`
}

type deviceBehavior struct {
	unresponsive bool
	refuse       bool
	codec        *codec.Status
}

type pending struct {
	ev  a2dp.StackEvent
	due time.Time
}

// Driver implements a2dp.NativeDriver.
type Driver struct {
	opts   Options
	logger *logrus.Logger

	mu       sync.Mutex
	sink     a2dp.StackEventSink
	devices  map[string]*deviceBehavior
	calls    []Call
	closed   bool
	inflight sync.WaitGroup

	queue  chan pending
	cancel context.CancelFunc
	done   <-chan struct{}
}

var _ a2dp.NativeDriver = (*Driver)(nil)

func New(opts Options, logger *logrus.Logger) *Driver {
	if logger == nil {
		logger = logrus.New()
	}
	defaults.SetDefaults(&opts)

	ctx, cancel := context.WithCancel(context.Background())
	d := &Driver{
		opts:    opts,
		logger:  logger,
		devices: make(map[string]*deviceBehavior),
		queue:   make(chan pending, opts.QueueSize),
		cancel:  cancel,
	}
	d.done = groutine.Go(ctx, groutine.Name("simdriver", ""), d.pump)
	return d
}

// Attach sets the receiver of scripted events.
func (d *Driver) Attach(sink a2dp.StackEventSink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sink = sink
}

// SetUnresponsive makes the device accept requests without ever answering them.
func (d *Driver) SetUnresponsive(device ble.Addr, v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.behavior(device).unresponsive = v
}

// SetRefuse makes Connect and Disconnect return false for the device.
func (d *Driver) SetRefuse(device ble.Addr, v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.behavior(device).refuse = v
}

// SetCodec sets the codec status reported right after the device connects.
func (d *Driver) SetCodec(device ble.Addr, status *codec.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if status == nil {
		d.behavior(device).codec = nil
		return
	}
	c := status.Clone()
	d.behavior(device).codec = &c
}

func (d *Driver) Connect(device ble.Addr) bool {
	d.mu.Lock()
	b := d.behavior(device)
	accepted := !d.closed && !b.refuse
	d.calls = append(d.calls, Call{Op: "connect", Device: key(device), Accepted: accepted})
	respond := accepted && !b.unresponsive
	codecStatus := b.codec
	d.mu.Unlock()

	d.logger.WithFields(logrus.Fields{"device": key(device), "accepted": accepted}).Debug("Simulated connect")
	if respond {
		d.scriptConnect(device, codecStatus)
	}
	return accepted
}

func (d *Driver) Disconnect(device ble.Addr) bool {
	d.mu.Lock()
	b := d.behavior(device)
	accepted := !d.closed && !b.refuse
	d.calls = append(d.calls, Call{Op: "disconnect", Device: key(device), Accepted: accepted})
	respond := accepted && !b.unresponsive
	d.mu.Unlock()

	d.logger.WithFields(logrus.Fields{"device": key(device), "accepted": accepted}).Debug("Simulated disconnect")
	if respond {
		_ = d.Inject(a2dp.ConnectionStateEvent(device, a2dp.StateDisconnecting))
		_ = d.Inject(a2dp.ConnectionStateEvent(device, a2dp.StateDisconnected))
	}
	return accepted
}

// RemoteConnect simulates the peer opening the connection.
func (d *Driver) RemoteConnect(device ble.Addr) error {
	d.mu.Lock()
	codecStatus := d.behavior(device).codec
	d.mu.Unlock()
	return d.scriptConnect(device, codecStatus)
}

// RemoteDisconnect simulates the peer dropping the link.
func (d *Driver) RemoteDisconnect(device ble.Addr) error {
	return d.Inject(a2dp.ConnectionStateEvent(device, a2dp.StateDisconnected))
}

// Inject queues an arbitrary stack event behind everything already scripted.
func (d *Driver) Inject(ev a2dp.StackEvent) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.inflight.Add(1)
	d.mu.Unlock()
	defer d.inflight.Done()

	d.queue <- pending{ev: ev, due: time.Now().Add(d.opts.Latency)}
	return nil
}

// Calls returns every driver request made so far.
func (d *Driver) Calls() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Call(nil), d.calls...)
}

// CallCount counts requests of op ("connect" or "disconnect") for device.
func (d *Driver) CallCount(op string, device ble.Addr) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.calls {
		if c.Op == op && c.Device == key(device) {
			n++
		}
	}
	return n
}

// Close stops the event pump; pending scripted events are discarded.
func (d *Driver) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return
	}
	d.closed = true
	d.mu.Unlock()

	d.cancel()
	<-d.done
	d.inflight.Wait()
}

func (d *Driver) scriptConnect(device ble.Addr, status *codec.Status) error {
	if err := d.Inject(a2dp.ConnectionStateEvent(device, a2dp.StateConnecting)); err != nil {
		return err
	}
	if err := d.Inject(a2dp.ConnectionStateEvent(device, a2dp.StateConnected)); err != nil {
		return err
	}
	if status != nil {
		return d.Inject(a2dp.CodecConfigEvent(device, status.Clone()))
	}
	return nil
}

func (d *Driver) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			d.drain()
			return
		case p := <-d.queue:
			if wait := time.Until(p.due); wait > 0 {
				t := time.NewTimer(wait)
				select {
				case <-ctx.Done():
					t.Stop()
					d.drain()
					return
				case <-t.C:
				}
			}
			d.deliver(p.ev)
		}
	}
}

// drain unblocks producers racing with Close.
func (d *Driver) drain() {
	go func() {
		d.inflight.Wait()
		close(d.queue)
	}()
	for range d.queue {
	}
}

func (d *Driver) deliver(ev a2dp.StackEvent) {
	d.mu.Lock()
	sink := d.sink
	d.mu.Unlock()

	if sink == nil {
		d.logger.WithField("event", ev.String()).Warn("No sink attached, dropping simulated event")
		return
	}
	d.logger.WithFields(logrus.Fields{"device": key(ev.Device), "event": ev.String()}).Debug("Delivering simulated event")
	sink.OnStackEvent(ev)
}

// behavior must be called with mu held.
func (d *Driver) behavior(device ble.Addr) *deviceBehavior {
	k := key(device)
	b, ok := d.devices[k]
	if !ok {
		b = &deviceBehavior{}
		d.devices[k] = b
	}
	return b
}

func key(device ble.Addr) string {
	if device == nil {
		return ""
	}
	return strings.ToLower(device.String())
}
