package service

import (
	"fmt"
	"strings"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/a2dpd/internal/a2dp"
	"github.com/srg/a2dpd/internal/codec"
)

// Policy is the per-device connection policy.
type Policy int

const (
	PolicyUnknown Policy = iota
	PolicyAllowed
	PolicyForbidden
)

func (p Policy) String() string {
	switch p {
	case PolicyAllowed:
		return "allowed"
	case PolicyForbidden:
		return "forbidden"
	default:
		return "unknown"
	}
}

func (p Policy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Policy) UnmarshalText(text []byte) error {
	parsed, err := ParsePolicy(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "unknown":
		return PolicyUnknown, nil
	case "allowed", "allow":
		return PolicyAllowed, nil
	case "forbidden", "forbid":
		return PolicyForbidden, nil
	}
	return PolicyUnknown, fmt.Errorf("unknown connection policy %q", s)
}

// Support is a tri-state capability flag.
type Support int

const (
	SupportUnknown Support = iota
	SupportNo
	SupportYes
)

func (s Support) String() string {
	switch s {
	case SupportNo:
		return "no"
	case SupportYes:
		return "yes"
	default:
		return "unknown"
	}
}

func (s Support) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type deviceRecord struct {
	mu             sync.Mutex
	policy         Policy
	optional       Support
	lowLatency     bool
	lastReported   *codec.Status
	reportedChange bool
}

func (r *deviceRecord) connectionPolicy() Policy {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.policy
}

func (r *deviceRecord) optionalCodecs() Support {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.optional
}

func (r *deviceRecord) lowLatencySupported() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lowLatency
}

func (r *deviceRecord) clearCapabilities() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.optional = SupportUnknown
	r.lowLatency = false
	r.lastReported = nil
	r.reportedChange = false
}

// SetConnectionPolicy stores the policy for device; it applies to tracked and
// untracked devices alike.
func (s *Service) SetConnectionPolicy(device ble.Addr, p Policy) {
	rec := s.record(key(device))
	rec.mu.Lock()
	rec.policy = p
	rec.mu.Unlock()
	s.logger.WithFields(logrus.Fields{"device": key(device), "policy": p}).Info("Connection policy set")
}

func (s *Service) ConnectionPolicy(device ble.Addr) Policy {
	if rec, ok := s.records.Get(key(device)); ok {
		return rec.connectionPolicy()
	}
	return PolicyUnknown
}

// OkToConnect is consulted by the state machines. It only reads state.
func (s *Service) OkToConnect(device ble.Addr, incoming bool) bool {
	k := key(device)
	log := s.logger.WithFields(logrus.Fields{"device": k, "incoming": incoming})

	switch s.ConnectionPolicy(device) {
	case PolicyForbidden:
		log.Debug("Policy forbids connection")
		return false
	case PolicyUnknown:
		if incoming && s.opts.RejectUnknownIncoming {
			log.Debug("Unknown device, incoming connections not accepted")
			return false
		}
	}

	active := 0
	s.machines.Range(func(other string, m *a2dp.StateMachine) bool {
		if other == k {
			return true
		}
		switch m.CurrentState() {
		case a2dp.StateConnecting, a2dp.StateConnected:
			active++
		}
		return true
	})
	if active >= s.opts.MaxConnectedAudioDevices {
		log.WithField("active", active).Debug("Maximum connected audio devices reached")
		return false
	}
	return true
}

// CodecConfigUpdated records a codec report from a machine.
func (s *Service) CodecConfigUpdated(device ble.Addr, status codec.Status, changedSelectable bool) {
	rec := s.record(key(device))
	rec.mu.Lock()
	c := status.Clone()
	rec.lastReported = &c
	rec.reportedChange = changedSelectable
	rec.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"device":             key(device),
		"codec":              status.String(),
		"changed_selectable": changedSelectable,
	}).Info("Codec configuration updated")

	if fn := s.codecObserver.Load(); fn != nil {
		(*fn)(device, status, changedSelectable)
	}
}

// UpdateOptionalCodecsSupport recomputes optional codec support from the machine's current codec status.
func (s *Service) UpdateOptionalCodecsSupport(device ble.Addr) {
	support := SupportUnknown
	if status, ok := s.currentCodec(device); ok {
		support = SupportNo
		if status.IsOptionalCodecsSupported() {
			support = SupportYes
		}
	}

	rec := s.record(key(device))
	rec.mu.Lock()
	changed := rec.optional != support
	rec.optional = support
	rec.mu.Unlock()

	if changed {
		s.logger.WithFields(logrus.Fields{"device": key(device), "optional_codecs": support}).Info("Optional codec support changed")
	}
}

// UpdateLowLatencyAudioSupport recomputes low latency support from the selected codec.
func (s *Service) UpdateLowLatencyAudioSupport(device ble.Addr) {
	supported := false
	if status, ok := s.currentCodec(device); ok {
		supported = status.IsLowLatencySupported()
	}

	rec := s.record(key(device))
	rec.mu.Lock()
	changed := rec.lowLatency != supported
	rec.lowLatency = supported
	rec.mu.Unlock()

	if changed {
		s.logger.WithFields(logrus.Fields{"device": key(device), "low_latency": supported}).Info("Low latency audio support changed")
	}
}

// DisconnectAssociatedProfiles delegates to the installed AssociatedProfiles hook.
func (s *Service) DisconnectAssociatedProfiles(device ble.Addr) {
	s.logger.WithField("device", key(device)).Info("Disconnecting associated profiles")
	if ap := s.associated.Load(); ap != nil {
		(*ap).DisconnectProfiles(device)
	}
}

// LastCodecReport is the last status delivered through CodecConfigUpdated.
func (s *Service) LastCodecReport(device ble.Addr) (codec.Status, bool, bool) {
	rec, ok := s.records.Get(key(device))
	if !ok {
		return codec.Status{}, false, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.lastReported == nil {
		return codec.Status{}, false, false
	}
	return rec.lastReported.Clone(), rec.reportedChange, true
}
