package a2dp

import (
	"github.com/go-ble/ble"
	"github.com/srg/a2dpd/internal/codec"
)

// NativeDriver is the link-layer driver. A true return only means the attempt
// was accepted; the outcome arrives later as a StackEvent.
type NativeDriver interface {
	Connect(device ble.Addr) bool
	Disconnect(device ble.Addr) bool
}

// StackEventSink receives StackEvents pushed by a NativeDriver.
type StackEventSink interface {
	OnStackEvent(ev StackEvent)
}

// PolicyOracle approves or rejects connections. It must be synchronous and side-effect free.
type PolicyOracle interface {
	OkToConnect(device ble.Addr, incoming bool) bool
}

// Notifier delivers ordered notifications to interested listeners.
type Notifier interface {
	ConnectionStateChanged(change ConnectionChange)
	AudioStateChanged(change AudioChange)
}

// ProfileService is the owner of the state machines. All calls are made from
// the calling machine's actor goroutine.
type ProfileService interface {
	CodecConfigUpdated(device ble.Addr, status codec.Status, changedSelectable bool)
	UpdateOptionalCodecsSupport(device ble.Addr)
	UpdateLowLatencyAudioSupport(device ble.Addr)
	DisconnectAssociatedProfiles(device ble.Addr)
}
