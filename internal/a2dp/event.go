package a2dp

import (
	"fmt"
	"time"

	"github.com/go-ble/ble"
	"github.com/srg/a2dpd/internal/codec"
)

// Command is issued by the owning profile service on behalf of applications.
type Command int

const (
	CommandConnect Command = iota
	CommandDisconnect
)

func (c Command) String() string {
	switch c {
	case CommandConnect:
		return "Connect"
	case CommandDisconnect:
		return "Disconnect"
	default:
		return fmt.Sprintf("Command(%d)", int(c))
	}
}

// StackEventType tags the variant carried by a StackEvent.
type StackEventType int

const (
	EventConnectionStateChanged StackEventType = iota + 1
	EventAudioStateChanged
	EventCodecConfigChanged
)

func (t StackEventType) String() string {
	switch t {
	case EventConnectionStateChanged:
		return "ConnectionStateChanged"
	case EventAudioStateChanged:
		return "AudioStateChanged"
	case EventCodecConfigChanged:
		return "CodecConfigChanged"
	default:
		return fmt.Sprintf("StackEventType(%d)", int(t))
	}
}

// StackEvent is an asynchronous report from the native link driver.
// Only the field matching Type is meaningful.
type StackEvent struct {
	Type            StackEventType
	Device          ble.Addr
	ConnectionState ConnectionState
	AudioState      StackAudioState
	CodecStatus     codec.Status
}

// ConnectionStateEvent builds a ConnectionStateChanged stack event.
func ConnectionStateEvent(device ble.Addr, state ConnectionState) StackEvent {
	return StackEvent{Type: EventConnectionStateChanged, Device: device, ConnectionState: state}
}

// AudioStateEvent builds an AudioStateChanged stack event.
func AudioStateEvent(device ble.Addr, state StackAudioState) StackEvent {
	return StackEvent{Type: EventAudioStateChanged, Device: device, AudioState: state}
}

// CodecConfigEvent builds a CodecConfigChanged stack event.
func CodecConfigEvent(device ble.Addr, status codec.Status) StackEvent {
	return StackEvent{Type: EventCodecConfigChanged, Device: device, CodecStatus: status}
}

func (e StackEvent) String() string {
	switch e.Type {
	case EventConnectionStateChanged:
		return fmt.Sprintf("%s(%s)", e.Type, e.ConnectionState)
	case EventAudioStateChanged:
		return fmt.Sprintf("%s(%s)", e.Type, e.AudioState)
	case EventCodecConfigChanged:
		return fmt.Sprintf("%s(%s)", e.Type, e.CodecStatus)
	default:
		return e.Type.String()
	}
}

// ConnectionChange is delivered to the Notifier for every connection transition.
type ConnectionChange struct {
	Device ble.Addr
	From   ConnectionState
	To     ConnectionState
	At     time.Time
}

func (c ConnectionChange) String() string {
	return fmt.Sprintf("%s: %s -> %s", addrString(c.Device), c.From, c.To)
}

// AudioChange is delivered to the Notifier when the playing state changes.
type AudioChange struct {
	Device ble.Addr
	State  AudioState
	At     time.Time
}

func (c AudioChange) String() string {
	return fmt.Sprintf("%s: audio %s", addrString(c.Device), c.State)
}

func addrString(a ble.Addr) string {
	if a == nil {
		return "<nil>"
	}
	return a.String()
}
