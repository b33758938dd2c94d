// Package scenario loads YAML scenario files and replays them against the
// profile service backed by the simulated driver.
package scenario

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/go-ble/ble"
	"gopkg.in/yaml.v3"

	"github.com/srg/a2dpd/internal/a2dp"
	"github.com/srg/a2dpd/internal/codec"
	"github.com/srg/a2dpd/internal/service"
)

// Action names one scenario step.
type Action string

const (
	ActionConnect          Action = "connect"
	ActionDisconnect       Action = "disconnect"
	ActionRemoteConnect    Action = "remote_connect"
	ActionRemoteDisconnect Action = "remote_disconnect"
	ActionInject           Action = "inject"
	ActionCodec            Action = "codec"
	ActionPolicy           Action = "policy"
	ActionRemove           Action = "remove"
	ActionWait             Action = "wait"
	ActionSleep            Action = "sleep"
	ActionExpect           Action = "expect"
)

var ErrInvalidScenario = errors.New("invalid scenario")

// CodecSpec describes a codec status by codec names, e.g.
//
//	codec: {selected: AAC, selectable: [SBC, AAC]}
type CodecSpec struct {
	Selected   string   `yaml:"selected"`
	Selectable []string `yaml:"selectable"`
}

// Status expands the names using each codec's default configuration.
func (c CodecSpec) Status() (codec.Status, error) {
	sel, err := codec.ParseType(c.Selected)
	if err != nil {
		return codec.Status{}, err
	}
	st := codec.Status{Selected: codec.DefaultConfig(sel)}
	for _, name := range c.Selectable {
		t, err := codec.ParseType(name)
		if err != nil {
			return codec.Status{}, err
		}
		st.Selectable = append(st.Selectable, codec.DefaultConfig(t))
	}
	return st, nil
}

// DeviceSpec configures a simulated peer before the steps run.
type DeviceSpec struct {
	Address      string     `yaml:"address"`
	Policy       string     `yaml:"policy"`
	Unresponsive bool       `yaml:"unresponsive"`
	Refuse       bool       `yaml:"refuse"`
	Codec        *CodecSpec `yaml:"codec"`
}

// Step is one scenario action. Which fields apply depends on Action.
type Step struct {
	Action  Action        `yaml:"action"`
	Device  string        `yaml:"device"`
	State   string        `yaml:"state"`
	Audio   string        `yaml:"audio"`
	Codec   *CodecSpec    `yaml:"codec"`
	Policy  string        `yaml:"policy"`
	Timeout time.Duration `yaml:"timeout"`

	// expect
	Playing        *bool  `yaml:"playing"`
	OptionalCodecs string `yaml:"optional_codecs"`
	LowLatency     *bool  `yaml:"low_latency"`
	Tracked        *bool  `yaml:"tracked"`

	// Error is the expected failure of a command step: forbidden,
	// too_many_connections, not_tracked, invalid_state or shutdown.
	Error string `yaml:"error"`
}

func (s Step) String() string {
	if s.Device == "" {
		return string(s.Action)
	}
	return fmt.Sprintf("%s %s", s.Action, s.Device)
}

// Settings overrides service options for one scenario.
type Settings struct {
	ConnectTimeout           time.Duration `yaml:"connect_timeout"`
	MaxConnectedAudioDevices int           `yaml:"max_connected_audio_devices"`
	OffloadEnabled           *bool         `yaml:"offload_enabled"`
	AcceptUnknownIncoming    *bool         `yaml:"accept_unknown_incoming"`
}

// Apply copies the non-zero settings into opts.
func (s *Settings) Apply(opts *service.Options) {
	if s == nil {
		return
	}
	if s.ConnectTimeout > 0 {
		opts.Machine.ConnectTimeout = s.ConnectTimeout
	}
	if s.MaxConnectedAudioDevices > 0 {
		opts.MaxConnectedAudioDevices = s.MaxConnectedAudioDevices
	}
	if s.OffloadEnabled != nil {
		opts.Machine.OffloadEnabled = *s.OffloadEnabled
	}
	if s.AcceptUnknownIncoming != nil {
		opts.RejectUnknownIncoming = !*s.AcceptUnknownIncoming
	}
}

// Scenario is a named list of steps.
type Scenario struct {
	Name        string       `yaml:"name"`
	Description string       `yaml:"description"`
	Settings    *Settings    `yaml:"settings"`
	Devices     []DeviceSpec `yaml:"devices"`
	Steps       []Step       `yaml:"steps"`
}

// Load reads and validates a scenario file.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario %s: %w", path, err)
	}
	sc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return sc, nil
}

// Parse decodes and validates a scenario. Unknown keys are rejected.
func Parse(data []byte) (*Scenario, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var sc Scenario
	if err := dec.Decode(&sc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidScenario, err)
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

// Validate checks every device and step without running anything.
func (sc *Scenario) Validate() error {
	if sc.Name == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidScenario)
	}
	if len(sc.Steps) == 0 {
		return fmt.Errorf("%w: %s has no steps", ErrInvalidScenario, sc.Name)
	}
	for i, d := range sc.Devices {
		if d.Address == "" {
			return fmt.Errorf("%w: device %d has no address", ErrInvalidScenario, i)
		}
		if _, err := service.ParsePolicy(d.Policy); err != nil {
			return fmt.Errorf("%w: device %s: %v", ErrInvalidScenario, d.Address, err)
		}
		if d.Codec != nil {
			if err := validateCodec(*d.Codec); err != nil {
				return fmt.Errorf("%w: device %s: %v", ErrInvalidScenario, d.Address, err)
			}
		}
	}
	for i, st := range sc.Steps {
		if err := st.validate(); err != nil {
			return fmt.Errorf("%w: step %d (%s): %v", ErrInvalidScenario, i+1, st.Action, err)
		}
	}
	return nil
}

func (s Step) validate() error {
	needsDevice := s.Action != ActionSleep
	if needsDevice && s.Device == "" {
		return errors.New("device is required")
	}
	if s.Error != "" {
		if _, ok := expectedErrors[s.Error]; !ok {
			return fmt.Errorf("unknown error name %q", s.Error)
		}
	}

	switch s.Action {
	case ActionConnect, ActionDisconnect, ActionRemoteConnect, ActionRemoteDisconnect, ActionRemove:
		return nil
	case ActionInject:
		return s.validateInject()
	case ActionCodec:
		if s.Codec == nil {
			return errors.New("codec is required")
		}
		return validateCodec(*s.Codec)
	case ActionPolicy:
		_, err := service.ParsePolicy(s.Policy)
		return err
	case ActionWait:
		_, err := a2dp.ParseConnectionState(s.State)
		return err
	case ActionSleep:
		if s.Timeout <= 0 {
			return errors.New("timeout must be positive")
		}
		return nil
	case ActionExpect:
		if s.State != "" {
			if _, err := a2dp.ParseConnectionState(s.State); err != nil {
				return err
			}
		}
		if s.OptionalCodecs != "" {
			if _, err := parseSupport(s.OptionalCodecs); err != nil {
				return err
			}
		}
		if s.Codec != nil {
			return validateCodec(*s.Codec)
		}
		return nil
	}
	return fmt.Errorf("unknown action %q", s.Action)
}

func (s Step) validateInject() error {
	set := 0
	if s.State != "" {
		if _, err := a2dp.ParseConnectionState(s.State); err != nil {
			return err
		}
		set++
	}
	if s.Audio != "" {
		if _, err := a2dp.ParseStackAudioState(s.Audio); err != nil {
			return err
		}
		set++
	}
	if s.Codec != nil {
		if err := validateCodec(*s.Codec); err != nil {
			return err
		}
		set++
	}
	if set != 1 {
		return errors.New("exactly one of state, audio or codec is required")
	}
	return nil
}

// validateCodec only checks names; an inconsistent status is a legal input.
func validateCodec(c CodecSpec) error {
	_, err := c.Status()
	return err
}

// stackEvent builds the event an inject step delivers.
func (s Step) stackEvent(device ble.Addr) (a2dp.StackEvent, error) {
	switch {
	case s.State != "":
		st, err := a2dp.ParseConnectionState(s.State)
		if err != nil {
			return a2dp.StackEvent{}, err
		}
		return a2dp.ConnectionStateEvent(device, st), nil
	case s.Audio != "":
		st, err := a2dp.ParseStackAudioState(s.Audio)
		if err != nil {
			return a2dp.StackEvent{}, err
		}
		return a2dp.AudioStateEvent(device, st), nil
	case s.Codec != nil:
		st, err := s.Codec.Status()
		if err != nil {
			return a2dp.StackEvent{}, err
		}
		return a2dp.CodecConfigEvent(device, st), nil
	}
	return a2dp.StackEvent{}, errors.New("inject step carries no event")
}

func parseSupport(s string) (service.Support, error) {
	for _, v := range []service.Support{service.SupportUnknown, service.SupportNo, service.SupportYes} {
		if v.String() == s {
			return v, nil
		}
	}
	return service.SupportUnknown, fmt.Errorf("unknown support value %q (must be unknown, no or yes)", s)
}

// LoadFS reads and validates a scenario from fsys, e.g. the embedded defaults.
func LoadFS(fsys fs.FS, name string) (*Scenario, error) {
	data, err := fs.ReadFile(fsys, name)
	if err != nil {
		return nil, fmt.Errorf("read scenario %s: %w", name, err)
	}
	sc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return sc, nil
}
