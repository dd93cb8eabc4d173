package models

import (
	"encoding/json"
	"fmt"
)

// Destination is the target of an envelope: either a bare account
// handle, which fans out to every device of that account, or an
// explicit (handle, deviceID) address.
//
// On the wire a bare handle is a JSON string and an explicit target is
// an Address object.
type Destination struct {
	// Handle is the destination account handle.
	Handle string
	// DeviceID is the destination device when Explicit is true.
	DeviceID string
	// Explicit reports whether a specific device was addressed.
	Explicit bool
}

// MarshalJSON encodes a bare-handle destination as a string and an
// explicit destination as an Address object.
func (d Destination) MarshalJSON() ([]byte, error) {
	if !d.Explicit {
		return json.Marshal(d.Handle)
	}
	return json.Marshal(Address{Handle: d.Handle, DeviceID: d.DeviceID})
}

// UnmarshalJSON accepts either a string handle or an Address object.
func (d *Destination) UnmarshalJSON(data []byte) error {
	var handle string
	if err := json.Unmarshal(data, &handle); err == nil {
		*d = Destination{Handle: handle}
		return nil
	}
	var addr Address
	if err := json.Unmarshal(data, &addr); err != nil {
		return fmt.Errorf("destination is neither handle nor address: %w", err)
	}
	*d = Destination{Handle: addr.Handle, DeviceID: addr.DeviceID, Explicit: true}
	return nil
}

// Envelope is the message the relay sees: source, destination, the
// server receive timestamp, and an opaque payload assumed to be
// end-to-end encrypted by the devices themselves.
type Envelope struct {
	// Src is the sending device.
	Src Address `json:"src"`
	// Dst is the destination account or device.
	Dst Destination `json:"dst"`
	// TimeServer is the UNIX millisecond timestamp stamped by the relay
	// on receipt. Absent on the wire until the relay stamps it.
	TimeServer *int64 `json:"timeServer,omitempty"`
	// Payload is the opaque application payload.
	Payload string `json:"payload"`
}

// Valid reports whether the envelope is well formed: a complete source
// address and a destination with at least a handle. An explicit
// destination must also carry a device ID.
func (e Envelope) Valid() bool {
	if e.Src.Handle == "" || e.Src.DeviceID == "" {
		return false
	}
	if e.Dst.Handle == "" {
		return false
	}
	if e.Dst.Explicit && e.Dst.DeviceID == "" {
		return false
	}
	return true
}
