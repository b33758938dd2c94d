// Package codec models A2DP source codec configurations and the negotiation
// bookkeeping that decides which codec reports reach the profile service.
package codec

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Type identifies a source codec.
type Type int

const (
	TypeSBC Type = iota
	TypeAAC
	TypeAptX
	TypeAptXHD
	TypeLDAC
	TypeLC3
	TypeOpus

	TypeInvalid Type = 1000 * 1000
)

var typeNames = map[Type]string{
	TypeSBC:     "SBC",
	TypeAAC:     "AAC",
	TypeAptX:    "aptX",
	TypeAptXHD:  "aptX HD",
	TypeLDAC:    "LDAC",
	TypeLC3:     "LC3",
	TypeOpus:    "Opus",
	TypeInvalid: "INVALID",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// ParseType resolves a codec name case-insensitively ("sbc", "aptx-hd", "aptx hd", ...).
func ParseType(s string) (Type, error) {
	key := strings.ToLower(strings.NewReplacer("-", "", "_", "", " ", "").Replace(s))
	for t, name := range typeNames {
		if t == TypeInvalid {
			continue
		}
		if strings.ToLower(strings.ReplaceAll(name, " ", "")) == key {
			return t, nil
		}
	}
	return TypeInvalid, fmt.Errorf("unknown codec type %q", s)
}

// Priority orders selectable codecs; higher wins.
type Priority int

const (
	PriorityDisabled Priority = -1
	PriorityDefault  Priority = 0
	PriorityHighest  Priority = 1000 * 1000
)

// SampleRate is a bitmask of sample rates.
type SampleRate int

const (
	SampleRateNone   SampleRate = 0
	SampleRate44100  SampleRate = 0x1 << 0
	SampleRate48000  SampleRate = 0x1 << 1
	SampleRate88200  SampleRate = 0x1 << 2
	SampleRate96000  SampleRate = 0x1 << 3
	SampleRate176400 SampleRate = 0x1 << 4
	SampleRate192000 SampleRate = 0x1 << 5
)

// BitsPerSample is a bitmask of sample widths.
type BitsPerSample int

const (
	BitsPerSampleNone BitsPerSample = 0
	BitsPerSample16   BitsPerSample = 0x1 << 0
	BitsPerSample24   BitsPerSample = 0x1 << 1
	BitsPerSample32   BitsPerSample = 0x1 << 2
)

// ChannelMode is a bitmask of channel modes.
type ChannelMode int

const (
	ChannelModeNone   ChannelMode = 0
	ChannelModeMono   ChannelMode = 0x1 << 0
	ChannelModeStereo ChannelMode = 0x1 << 1
)

// Config is one codec configuration. It is comparable with ==.
type Config struct {
	Type          Type          `json:"type" yaml:"type"`
	Priority      Priority      `json:"priority" yaml:"priority"`
	SampleRate    SampleRate    `json:"sample_rate" yaml:"sample_rate"`
	BitsPerSample BitsPerSample `json:"bits_per_sample" yaml:"bits_per_sample"`
	ChannelMode   ChannelMode   `json:"channel_mode" yaml:"channel_mode"`
	Specific1     int64         `json:"specific1,omitempty" yaml:"specific1"`
	Specific2     int64         `json:"specific2,omitempty" yaml:"specific2"`
	Specific3     int64         `json:"specific3,omitempty" yaml:"specific3"`
	Specific4     int64         `json:"specific4,omitempty" yaml:"specific4"`
}

// DefaultConfig returns the stereo 16-bit configuration the stack starts with for t.
func DefaultConfig(t Type) Config {
	rate := SampleRate48000
	if t == TypeSBC {
		rate = SampleRate44100
	}
	return Config{
		Type:          t,
		Priority:      PriorityDefault,
		SampleRate:    rate,
		BitsPerSample: BitsPerSample16,
		ChannelMode:   ChannelModeStereo,
	}
}

func (c Config) String() string {
	return fmt.Sprintf("{%s prio=%d rate=%#x bits=%#x mode=%#x}",
		c.Type, c.Priority, int(c.SampleRate), int(c.BitsPerSample), int(c.ChannelMode))
}

// ErrInvalidStatus is returned for a status whose selected codec is not selectable.
var ErrInvalidStatus = errors.New("invalid codec status")

// Status is the driver's current codec configuration for one link.
type Status struct {
	Selected   Config   `json:"selected" yaml:"selected"`
	Local      []Config `json:"local,omitempty" yaml:"local"`
	Selectable []Config `json:"selectable" yaml:"selectable"`
}

// Validate checks that the selected codec is one of the selectable codecs.
func (s Status) Validate() error {
	for _, c := range s.Selectable {
		if c.Type == s.Selected.Type {
			return nil
		}
	}
	return fmt.Errorf("%w: selected %s not in selectable %s", ErrInvalidStatus, s.Selected.Type, typesOf(s.Selectable))
}

// Clone returns a deep copy so the caller's slices are never shared.
func (s Status) Clone() Status {
	out := Status{Selected: s.Selected}
	if s.Local != nil {
		out.Local = append([]Config(nil), s.Local...)
	}
	if s.Selectable != nil {
		out.Selectable = append([]Config(nil), s.Selectable...)
	}
	return out
}

// SelectableEqual reports whether both statuses advertise the same set of selectable configs.
func (s Status) SelectableEqual(other Status) bool {
	return sameSet(s.Selectable, other.Selectable)
}

// IsOptionalCodecsSupported is true when anything beyond the mandatory SBC is selectable.
func (s Status) IsOptionalCodecsSupported() bool {
	for _, c := range s.Selectable {
		if c.Type != TypeSBC && c.Type != TypeInvalid {
			return true
		}
	}
	return false
}

// IsLowLatencySupported is true when the selected codec can run the low latency path.
func (s Status) IsLowLatencySupported() bool {
	return s.Selected.Type == TypeOpus
}

func (s Status) String() string {
	return fmt.Sprintf("selected=%s selectable=%s", s.Selected.Type, typesOf(s.Selectable))
}

func sameSet(a, b []Config) bool {
	left := make(map[Config]struct{}, len(a))
	for _, c := range a {
		left[c] = struct{}{}
	}
	right := make(map[Config]struct{}, len(b))
	for _, c := range b {
		right[c] = struct{}{}
	}
	if len(left) != len(right) {
		return false
	}
	for c := range left {
		if _, ok := right[c]; !ok {
			return false
		}
	}
	return true
}

func typesOf(cfgs []Config) string {
	names := make([]string, 0, len(cfgs))
	for _, c := range cfgs {
		names = append(names, c.Type.String())
	}
	sort.Strings(names)
	return "[" + strings.Join(names, " ") + "]"
}
