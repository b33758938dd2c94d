// Package service owns one A2DP state machine per remote device. It routes
// commands and driver events to the machines, answers their policy questions
// and keeps the per-device codec capability bookkeeping.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/srg/a2dpd/internal/a2dp"
	"github.com/srg/a2dpd/internal/codec"
	"github.com/srg/a2dpd/internal/notify"
)

var (
	ErrShutdown           = a2dp.ErrShutdown
	ErrNotTracked         = errors.New("device not tracked")
	ErrForbidden          = errors.New("connection forbidden by policy")
	ErrTooManyConnections = errors.New("too many connected audio devices")
)

// Options configures the service. Machine is handed unchanged to every state machine.
type Options struct {
	Machine                  a2dp.Options
	MaxConnectedAudioDevices int `default:"1"`
	// RejectUnknownIncoming refuses incoming links from devices without a policy.
	RejectUnknownIncoming bool
	DispatcherBuffer      int `default:"64"`
	// SeedCodec, when set, is fed to every new machine before it starts.
	SeedCodec *codec.Status
}

// DefaultOptions accepts unknown incoming devices and allows one connected sink.
func DefaultOptions() Options {
	opts := Options{Machine: a2dp.DefaultOptions()}
	defaults.SetDefaults(&opts)
	return opts
}

// AssociatedProfiles tears down profiles that depend on the A2DP link (e.g. AVRCP).
type AssociatedProfiles interface {
	DisconnectProfiles(device ble.Addr)
}

// CodecObserver is called on the reporting machine's goroutine for every codec report.
type CodecObserver func(device ble.Addr, status codec.Status, changedSelectable bool)

// Service implements a2dp.ProfileService, a2dp.PolicyOracle and a2dp.StackEventSink.
type Service struct {
	driver     a2dp.NativeDriver
	dispatcher *notify.Dispatcher
	opts       Options
	logger     *logrus.Logger

	machines *hashmap.Map[string, *a2dp.StateMachine]
	records  *hashmap.Map[string, *deviceRecord]
	createMu sync.Mutex

	associated    atomic.Pointer[AssociatedProfiles]
	codecObserver atomic.Pointer[CodecObserver]

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

var (
	_ a2dp.ProfileService = (*Service)(nil)
	_ a2dp.PolicyOracle   = (*Service)(nil)
	_ a2dp.StackEventSink = (*Service)(nil)
)

// New creates a service driving driver. The driver must deliver its events to OnStackEvent.
func New(driver a2dp.NativeDriver, opts Options, logger *logrus.Logger) *Service {
	if logger == nil {
		logger = logrus.New()
	}
	defaults.SetDefaults(&opts)

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		driver:     driver,
		dispatcher: notify.NewDispatcher(opts.DispatcherBuffer, logger),
		opts:       opts,
		logger:     logger,
		machines:   hashmap.New[string, *a2dp.StateMachine](),
		records:    hashmap.New[string, *deviceRecord](),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Subscribe registers a listener for connection and audio notifications.
func (s *Service) Subscribe(l notify.Listener) uint64 {
	return s.dispatcher.Subscribe(l)
}

func (s *Service) Unsubscribe(id uint64) bool {
	return s.dispatcher.Unsubscribe(id)
}

// SetAssociatedProfiles installs the hook used by DisconnectAssociatedProfiles.
func (s *Service) SetAssociatedProfiles(ap AssociatedProfiles) {
	if ap == nil {
		s.associated.Store(nil)
		return
	}
	s.associated.Store(&ap)
}

// SetCodecObserver installs a callback for codec reports.
func (s *Service) SetCodecObserver(fn CodecObserver) {
	if fn == nil {
		s.codecObserver.Store(nil)
		return
	}
	s.codecObserver.Store(&fn)
}

// Connect starts an outgoing connection attempt.
func (s *Service) Connect(device ble.Addr) error {
	if s.closed.Load() {
		return ErrShutdown
	}
	log := s.logger.WithField("device", device.String())

	if s.ConnectionPolicy(device) == PolicyForbidden {
		log.Warn("Connect refused: policy forbids")
		return fmt.Errorf("connect %s: %w", device, ErrForbidden)
	}
	if !s.OkToConnect(device, false) {
		log.WithField("max", s.opts.MaxConnectedAudioDevices).Warn("Connect refused: too many connected devices")
		return fmt.Errorf("connect %s: %w", device, ErrTooManyConnections)
	}

	m, err := s.getOrCreate(device)
	if err != nil {
		return err
	}
	log.Info("Connecting")
	return m.Submit(a2dp.CommandConnect)
}

// Disconnect starts an outgoing disconnect.
func (s *Service) Disconnect(device ble.Addr) error {
	if s.closed.Load() {
		return ErrShutdown
	}
	m, ok := s.machines.Get(key(device))
	if !ok {
		return fmt.Errorf("disconnect %s: %w", device, ErrNotTracked)
	}
	if st := m.CurrentState(); st == a2dp.StateDisconnected {
		return fmt.Errorf("disconnect %s: %w", device, &a2dp.StateError{State: st, Msg: "not connected"})
	}
	s.logger.WithField("device", device.String()).Info("Disconnecting")
	return m.Submit(a2dp.CommandDisconnect)
}

// OnStackEvent routes a driver event to the device's machine. A machine is
// created only for an incoming connection attempt.
func (s *Service) OnStackEvent(ev a2dp.StackEvent) {
	if ev.Device == nil {
		s.logger.WithField("event", ev.String()).Warn("Stack event without device, dropping")
		return
	}
	if s.closed.Load() {
		return
	}
	log := s.logger.WithFields(logrus.Fields{"device": ev.Device.String(), "event": ev.String()})

	m, ok := s.machines.Get(key(ev.Device))
	if !ok {
		incoming := ev.Type == a2dp.EventConnectionStateChanged &&
			(ev.ConnectionState == a2dp.StateConnecting || ev.ConnectionState == a2dp.StateConnected)
		if !incoming {
			log.Debug("Stack event for untracked device, dropping")
			return
		}
		var err error
		if m, err = s.getOrCreate(ev.Device); err != nil {
			log.WithError(err).Warn("Failed to track device")
			return
		}
	}
	if err := m.SubmitStackEvent(ev); err != nil {
		log.WithError(err).Warn("Failed to submit stack event")
	}
}

// ProcessCodecConfig feeds status to the device's machine and waits for it to be processed.
func (s *Service) ProcessCodecConfig(device ble.Addr, status codec.Status) error {
	m, err := s.getOrCreate(device)
	if err != nil {
		return err
	}
	return m.ProcessCodecConfig(status)
}

// RemoveDevice stops tracking a disconnected device.
func (s *Service) RemoveDevice(device ble.Addr) error {
	k := key(device)
	m, ok := s.machines.Get(k)
	if !ok {
		return fmt.Errorf("remove %s: %w", device, ErrNotTracked)
	}
	if st := m.CurrentState(); st != a2dp.StateDisconnected {
		return fmt.Errorf("remove %s: %w", device, &a2dp.StateError{State: st, Msg: "device still active"})
	}

	s.createMu.Lock()
	s.machines.Del(k)
	s.createMu.Unlock()

	m.Shutdown()
	if rec, ok := s.records.Get(k); ok {
		rec.clearCapabilities()
	}
	s.logger.WithField("device", device.String()).Info("Device removed")
	return nil
}

// ConnectionState is Disconnected for untracked devices.
func (s *Service) ConnectionState(device ble.Addr) a2dp.ConnectionState {
	if m, ok := s.machines.Get(key(device)); ok {
		return m.CurrentState()
	}
	return a2dp.StateDisconnected
}

// Snapshot returns the machine view of a tracked device.
func (s *Service) Snapshot(device ble.Addr) (a2dp.Snapshot, error) {
	m, ok := s.machines.Get(key(device))
	if !ok {
		return a2dp.Snapshot{}, fmt.Errorf("snapshot %s: %w", device, ErrNotTracked)
	}
	return m.Snapshot(), nil
}

// CodecStatus is the last accepted codec status for device.
func (s *Service) CodecStatus(device ble.Addr) (codec.Status, bool) {
	snap, err := s.Snapshot(device)
	if err != nil || snap.Codec == nil {
		return codec.Status{}, false
	}
	return *snap.Codec, true
}

// OptionalCodecsSupport reports what the last update computed for device.
func (s *Service) OptionalCodecsSupport(device ble.Addr) Support {
	if rec, ok := s.records.Get(key(device)); ok {
		return rec.optionalCodecs()
	}
	return SupportUnknown
}

// LowLatencySupport reports whether the selected codec of device can run low latency audio.
func (s *Service) LowLatencySupport(device ble.Addr) bool {
	if rec, ok := s.records.Get(key(device)); ok {
		return rec.lowLatencySupported()
	}
	return false
}

// DeviceStatus is one row of Devices.
type DeviceStatus struct {
	Address        string               `json:"address"`
	State          a2dp.ConnectionState `json:"state"`
	Playing        bool                 `json:"playing"`
	Policy         Policy               `json:"policy"`
	OptionalCodecs Support              `json:"optional_codecs"`
	LowLatency     bool                 `json:"low_latency"`
	Codec          *codec.Status        `json:"codec,omitempty"`
}

// Devices lists every tracked device ordered by address.
func (s *Service) Devices() []DeviceStatus {
	out := make([]DeviceStatus, 0, s.machines.Len())
	s.machines.Range(func(k string, m *a2dp.StateMachine) bool {
		snap := m.Snapshot()
		st := DeviceStatus{
			Address: k,
			State:   snap.State,
			Playing: snap.Playing,
			Codec:   snap.Codec,
			Policy:  PolicyUnknown,
		}
		if rec, ok := s.records.Get(k); ok {
			st.Policy = rec.connectionPolicy()
			st.OptionalCodecs = rec.optionalCodecs()
			st.LowLatency = rec.lowLatencySupported()
		}
		out = append(out, st)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Dump writes every machine's report ordered by address.
func (s *Service) Dump(w io.Writer) error {
	var keys []string
	s.machines.Range(func(k string, _ *a2dp.StateMachine) bool {
		keys = append(keys, k)
		return true
	})
	sort.Strings(keys)

	if _, err := fmt.Fprintf(w, "A2DP devices: %d\n", len(keys)); err != nil {
		return err
	}
	for _, k := range keys {
		m, ok := s.machines.Get(k)
		if !ok {
			continue
		}
		if err := m.Dump(w); err != nil {
			return err
		}
	}
	return nil
}

// Close shuts every machine down in parallel, then drains and stops notification delivery.
func (s *Service) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	var g errgroup.Group
	s.machines.Range(func(k string, m *a2dp.StateMachine) bool {
		g.Go(func() error {
			m.Shutdown()
			return nil
		})
		return true
	})
	err := g.Wait()
	s.cancel()
	s.dispatcher.Close()
	s.logger.Debug("A2DP service closed")
	return err
}

func (s *Service) getOrCreate(device ble.Addr) (*a2dp.StateMachine, error) {
	k := key(device)
	if m, ok := s.machines.Get(k); ok {
		return m, nil
	}

	s.createMu.Lock()
	defer s.createMu.Unlock()
	if s.closed.Load() {
		return nil, ErrShutdown
	}
	if m, ok := s.machines.Get(k); ok {
		return m, nil
	}

	m := a2dp.New(device, s.driver, s, s, s.dispatcher, s.opts.Machine, s.logger)
	s.machines.Set(k, m)
	s.record(k)

	if s.opts.SeedCodec != nil {
		if err := m.ProcessCodecConfig(*s.opts.SeedCodec); err != nil {
			s.logger.WithError(err).WithField("device", k).Warn("Failed to seed codec baseline")
		}
	}
	if err := m.Start(s.ctx); err != nil {
		s.machines.Del(k)
		return nil, fmt.Errorf("start state machine for %s: %w", k, err)
	}
	s.logger.WithField("device", k).Debug("Tracking device")
	return m, nil
}

func (s *Service) record(k string) *deviceRecord {
	rec, _ := s.records.GetOrInsert(k, &deviceRecord{})
	return rec
}

func (s *Service) currentCodec(device ble.Addr) (codec.Status, bool) {
	m, ok := s.machines.Get(key(device))
	if !ok {
		return codec.Status{}, false
	}
	snap := m.Snapshot()
	if snap.Codec == nil {
		return codec.Status{}, false
	}
	return *snap.Codec, true
}

// key normalises addresses so "AA:BB" and "aa:bb" share one machine.
func key(device ble.Addr) string {
	if device == nil {
		return ""
	}
	return strings.ToLower(device.String())
}
