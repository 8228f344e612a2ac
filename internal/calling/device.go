package calling

import (
	"encoding/json"
	"fmt"
)

// DeviceKind names the device variant of a call endpoint.
type DeviceKind string

const (
	DevicePhone  DeviceKind = "phone"
	DeviceSIP    DeviceKind = "sip"
	DeviceWebRTC DeviceKind = "webrtc"
)

// Device is the wire shape of a call device: a kind tag plus a
// kind-specific parameter object.
type Device struct {
	Type   DeviceKind      `json:"type"`
	Params json.RawMessage `json:"params"`
}

// DeviceParams is implemented by each decoded device variant.
type DeviceParams interface {
	Kind() DeviceKind
}

// PhoneDevice carries the attributes of a PSTN call leg.
type PhoneDevice struct {
	ToNumber   string `json:"to_number"`
	FromNumber string `json:"from_number"`
	Timeout    int    `json:"timeout,omitempty"`
}

func (PhoneDevice) Kind() DeviceKind { return DevicePhone }

// Decode selects the attribute bundle for the declared kind. Only phone
// devices are reconciled; SIP and WebRTC are recognised but unsupported.
func (d Device) Decode() (DeviceParams, error) {
	switch d.Type {
	case DevicePhone:
		var p PhoneDevice
		if len(d.Params) > 0 {
			if err := json.Unmarshal(d.Params, &p); err != nil {
				return nil, fmt.Errorf("%w: phone params: %v", ErrDecode, err)
			}
		}
		return p, nil
	case DeviceSIP, DeviceWebRTC:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDevice, d.Type)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDevice, d.Type)
	}
}

// encodeDevice builds the wire shape for an outbound request.
func encodeDevice(p DeviceParams) (Device, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return Device{}, fmt.Errorf("marshal %s device: %w", p.Kind(), err)
	}
	return Device{Type: p.Kind(), Params: raw}, nil
}
