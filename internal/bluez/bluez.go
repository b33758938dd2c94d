// Package bluez is a native link driver backed by BlueZ over the system D-Bus.
// Connect and Disconnect map to Device1.ConnectProfile and DisconnectProfile for
// the A2DP sink UUID; PropertiesChanged signals are translated into stack events.
package bluez

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-ble/ble"
	"github.com/godbus/dbus/v5"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"

	"github.com/srg/a2dpd/internal/a2dp"
	"github.com/srg/a2dpd/internal/codec"
	"github.com/srg/a2dpd/internal/groutine"
)

const (
	busName        = "org.bluez"
	deviceIface    = "org.bluez.Device1"
	transportIface = "org.bluez.MediaTransport1"
	propsIface     = "org.freedesktop.DBus.Properties"
	propsSignal    = "org.freedesktop.DBus.Properties.PropertiesChanged"

	// A2DPSinkUUID is the remote profile a source connects to.
	A2DPSinkUUID = "0000110b-0000-1000-8000-00805f9b34fb"
)

var ErrBluezNotRunning = errors.New("org.bluez not found on system bus")

type Options struct {
	Adapter      string `default:"hci0"`
	SignalBuffer int    `default:"32"`
}

// Driver implements a2dp.NativeDriver on top of a D-Bus connection.
type Driver struct {
	conn   *dbus.Conn
	opts   Options
	logger *logrus.Logger
	tr     *translator

	mu      sync.Mutex
	sink    a2dp.StackEventSink
	signals chan *dbus.Signal
	cancel  context.CancelFunc
	done    <-chan struct{}
}

var _ a2dp.NativeDriver = (*Driver)(nil)

// Dial connects to the system bus and checks that BlueZ is running.
func Dial(opts Options, logger *logrus.Logger) (*Driver, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect to system bus: %w", err)
	}

	var names []string
	if err := conn.BusObject().Call("org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		conn.Close()
		return nil, fmt.Errorf("list bus names: %w", err)
	}
	for _, n := range names {
		if n == busName {
			return New(conn, opts, logger), nil
		}
	}
	conn.Close()
	return nil, fmt.Errorf("%w: is bluetooth.service running?", ErrBluezNotRunning)
}

// New wraps an existing bus connection.
func New(conn *dbus.Conn, opts Options, logger *logrus.Logger) *Driver {
	if logger == nil {
		logger = logrus.New()
	}
	defaults.SetDefaults(&opts)
	return &Driver{
		conn:   conn,
		opts:   opts,
		logger: logger,
		tr:     newTranslator(opts.Adapter),
	}
}

// Attach sets the receiver of translated stack events.
func (d *Driver) Attach(sink a2dp.StackEventSink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sink = sink
}

// SetSelectable records the codecs the device can be switched to. BlueZ only
// reports the active transport codec, so the rest of the status comes from here.
func (d *Driver) SetSelectable(device ble.Addr, cfgs []codec.Config) {
	d.tr.setSelectable(device, cfgs)
}

// Start subscribes to BlueZ property changes and runs the signal pump until ctx
// is cancelled or Close is called.
func (d *Driver) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.signals != nil {
		return nil
	}

	rule := "type='signal',interface='" + propsIface + "',member='PropertiesChanged',path_namespace='/org/bluez'"
	if err := d.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule).Err; err != nil {
		return fmt.Errorf("add match rule: %w", err)
	}

	d.signals = make(chan *dbus.Signal, d.opts.SignalBuffer)
	d.conn.Signal(d.signals)

	ctx, d.cancel = context.WithCancel(ctx)
	d.done = groutine.Go(ctx, groutine.Name("bluez", d.opts.Adapter), d.pump)
	return nil
}

// Connect asks BlueZ to connect the A2DP sink profile. The D-Bus call runs
// asynchronously; the outcome arrives as a Device1.Connected change.
func (d *Driver) Connect(device ble.Addr) bool {
	return d.profileCall(device, "ConnectProfile")
}

// Disconnect asks BlueZ to drop the A2DP sink profile.
func (d *Driver) Disconnect(device ble.Addr) bool {
	return d.profileCall(device, "DisconnectProfile")
}

// Close stops the signal pump and closes the bus connection.
func (d *Driver) Close() error {
	d.mu.Lock()
	signals, cancel, done := d.signals, d.cancel, d.done
	d.mu.Unlock()

	if signals != nil {
		d.conn.RemoveSignal(signals)
		cancel()
		<-done
	}
	return d.conn.Close()
}

func (d *Driver) profileCall(device ble.Addr, method string) bool {
	log := d.logger.WithFields(logrus.Fields{"device": device.String(), "method": method})

	path := d.tr.deviceObjectPath(device)
	call := d.conn.Object(busName, path).Go(deviceIface+"."+method, 0, nil, A2DPSinkUUID)
	if call.Err != nil {
		log.WithError(call.Err).Warn("D-Bus call rejected")
		return false
	}
	log.Debug("D-Bus call dispatched")

	go func() {
		res := <-call.Done
		if res.Err != nil {
			log.WithError(res.Err).Warn("D-Bus call failed")
			return
		}
		log.Debug("D-Bus call completed")
	}()
	return true
}

func (d *Driver) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-d.signals:
			if !ok {
				return
			}
			d.handleSignal(sig)
		}
	}
}

func (d *Driver) handleSignal(sig *dbus.Signal) {
	if sig == nil || sig.Name != propsSignal {
		return
	}
	// Body: [interface_name string, changed_props map[string]Variant, invalidated []string]
	if len(sig.Body) < 2 {
		return
	}
	iface, ok := sig.Body[0].(string)
	if !ok {
		return
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return
	}
	if !strings.HasPrefix(iface, busName+".") {
		return
	}

	d.mu.Lock()
	sink := d.sink
	d.mu.Unlock()

	for _, ev := range d.tr.translate(sig.Path, iface, changed) {
		if sink == nil {
			d.logger.WithField("event", ev.String()).Warn("No sink attached, dropping BlueZ event")
			continue
		}
		d.logger.WithFields(logrus.Fields{"device": ev.Device.String(), "event": ev.String()}).Debug("Delivering BlueZ event")
		sink.OnStackEvent(ev)
	}
}
