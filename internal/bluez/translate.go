package bluez

import (
	"encoding/binary"
	"strings"
	"sync"

	"github.com/go-ble/ble"
	"github.com/godbus/dbus/v5"

	"github.com/srg/a2dpd/internal/a2dp"
	"github.com/srg/a2dpd/internal/codec"
)

// A2DP codec identifiers as exposed by MediaTransport1.Codec.
const (
	a2dpCodecSBC    byte = 0x00
	a2dpCodecMPEG24 byte = 0x02
	a2dpCodecVendor byte = 0xff
)

type vendorCodec struct {
	vendor uint32
	codec  uint16
}

var vendorCodecs = map[vendorCodec]codec.Type{
	{vendor: 0x0000004f, codec: 0x0001}: codec.TypeAptX,
	{vendor: 0x000000d7, codec: 0x0024}: codec.TypeAptXHD,
	{vendor: 0x0000012d, codec: 0x00aa}: codec.TypeLDAC,
	{vendor: 0x000000e0, codec: 0x0001}: codec.TypeOpus,
}

// translator turns BlueZ PropertiesChanged signals into stack events.
// It remembers the selectable codecs per device so that a transport codec
// change can be reported as a full codec status.
type translator struct {
	adapterPath string

	mu         sync.Mutex
	selectable map[string][]codec.Config
}

func newTranslator(adapter string) *translator {
	return &translator{
		adapterPath: "/org/bluez/" + adapter,
		selectable:  make(map[string][]codec.Config),
	}
}

func (t *translator) setSelectable(device ble.Addr, cfgs []codec.Config) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.selectable[strings.ToLower(device.String())] = append([]codec.Config(nil), cfgs...)
}

// translate handles the body of one PropertiesChanged signal emitted on path.
func (t *translator) translate(path dbus.ObjectPath, iface string, changed map[string]dbus.Variant) []a2dp.StackEvent {
	mac := t.macFromPath(path)
	if mac == "" {
		return nil
	}
	device := ble.NewAddr(mac)

	var out []a2dp.StackEvent
	switch iface {
	case deviceIface:
		if v, ok := changed["Connected"]; ok {
			if connected, ok := v.Value().(bool); ok {
				state := a2dp.StateDisconnected
				if connected {
					state = a2dp.StateConnected
				}
				out = append(out, a2dp.ConnectionStateEvent(device, state))
			}
		}
	case transportIface:
		if v, ok := changed["Codec"]; ok {
			if id, ok := v.Value().(byte); ok {
				var cfg []byte
				if c, ok := changed["Configuration"]; ok {
					cfg, _ = c.Value().([]byte)
				}
				if typ, ok := codecType(id, cfg); ok {
					out = append(out, a2dp.CodecConfigEvent(device, t.status(strings.ToLower(device.String()), typ)))
				}
			}
		}
		if v, ok := changed["State"]; ok {
			if s, ok := v.Value().(string); ok {
				if state, ok := transportState(s); ok {
					out = append(out, a2dp.AudioStateEvent(device, state))
				}
			}
		}
	}
	return out
}

func (t *translator) status(key string, selected codec.Type) codec.Status {
	t.mu.Lock()
	known := append([]codec.Config(nil), t.selectable[key]...)
	t.mu.Unlock()

	st := codec.Status{Selected: codec.DefaultConfig(selected), Selectable: known}
	for _, c := range known {
		if c.Type == selected {
			st.Selected = c
			return st
		}
	}
	st.Selectable = append(st.Selectable, st.Selected)
	return st
}

// macFromPath extracts the device address from a device or transport object path,
// e.g. /org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF/sep1/fd0.
func (t *translator) macFromPath(path dbus.ObjectPath) string {
	prefix := t.adapterPath + "/dev_"
	s := string(path)
	if !strings.HasPrefix(s, prefix) {
		return ""
	}
	s = s[len(prefix):]
	if i := strings.IndexByte(s, '/'); i >= 0 {
		s = s[:i]
	}
	if len(s) != 17 {
		return ""
	}
	return strings.ReplaceAll(s, "_", ":")
}

func (t *translator) deviceObjectPath(device ble.Addr) dbus.ObjectPath {
	escaped := strings.ReplaceAll(strings.ToUpper(device.String()), ":", "_")
	return dbus.ObjectPath(t.adapterPath + "/dev_" + escaped)
}

func transportState(s string) (a2dp.StackAudioState, bool) {
	switch s {
	case "active":
		return a2dp.StackAudioStarted, true
	case "idle":
		return a2dp.StackAudioStopped, true
	}
	// "pending" means the transport is waiting to be acquired.
	return 0, false
}

// codecType maps an A2DP codec id, and for vendor codecs the configuration
// blob (vendor id LE32, codec id LE16), to a codec type.
func codecType(id byte, cfg []byte) (codec.Type, bool) {
	switch id {
	case a2dpCodecSBC:
		return codec.TypeSBC, true
	case a2dpCodecMPEG24:
		return codec.TypeAAC, true
	case a2dpCodecVendor:
		if len(cfg) < 6 {
			return codec.TypeInvalid, false
		}
		key := vendorCodec{
			vendor: binary.LittleEndian.Uint32(cfg[0:4]),
			codec:  binary.LittleEndian.Uint16(cfg[4:6]),
		}
		typ, ok := vendorCodecs[key]
		return typ, ok
	}
	return codec.TypeInvalid, false
}
