package a2dp

import (
	"fmt"
	"strings"
)

// ConnectionState is the externally observable state of one device session.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateDisconnecting:
		return "Disconnecting"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int32(s))
	}
}

// MarshalText lets snapshots and scenario files use state names.
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *ConnectionState) UnmarshalText(text []byte) error {
	st, err := ParseConnectionState(string(text))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// ParseConnectionState accepts the names produced by String, case-insensitively.
func ParseConnectionState(s string) (ConnectionState, error) {
	for _, st := range []ConnectionState{StateDisconnected, StateConnecting, StateConnected, StateDisconnecting} {
		if strings.EqualFold(st.String(), s) {
			return st, nil
		}
	}
	return StateDisconnected, fmt.Errorf("unknown connection state %q", s)
}

// hasTimer reports the states in which exactly one connect/disconnect timer is outstanding.
func (s ConnectionState) hasTimer() bool {
	return s == StateConnecting || s == StateDisconnecting
}

// AudioState is the playing state reported to listeners.
type AudioState int

const (
	AudioNotPlaying AudioState = iota
	AudioPlaying
)

func (a AudioState) String() string {
	if a == AudioPlaying {
		return "Playing"
	}
	return "NotPlaying"
}

// StackAudioState is the audio state reported by the native driver.
type StackAudioState int

const (
	StackAudioRemoteSuspend StackAudioState = iota
	StackAudioStopped
	StackAudioStarted
)

func (a StackAudioState) String() string {
	switch a {
	case StackAudioRemoteSuspend:
		return "RemoteSuspend"
	case StackAudioStopped:
		return "Stopped"
	case StackAudioStarted:
		return "Started"
	default:
		return fmt.Sprintf("StackAudioState(%d)", int(a))
	}
}

// ParseStackAudioState accepts the names produced by String, case-insensitively.
func ParseStackAudioState(s string) (StackAudioState, error) {
	for _, st := range []StackAudioState{StackAudioRemoteSuspend, StackAudioStopped, StackAudioStarted} {
		if strings.EqualFold(st.String(), s) {
			return st, nil
		}
	}
	return StackAudioStopped, fmt.Errorf("unknown audio state %q", s)
}
