// Package models defines the core data structures for accounts,
// devices, delivery addresses and queued messages.
package models

// DeviceType identifies the kind of endpoint a device is.
type DeviceType string

const (
	// Mobile is a phone-class device.
	Mobile DeviceType = "mobile"
	// Tablet is a tablet-class device.
	Tablet DeviceType = "tablet"
	// Desktop is a desktop or laptop device.
	Desktop DeviceType = "desktop"
	// Unknown is used when the device did not report a type.
	Unknown DeviceType = "unknown"
)

// DeviceInfo holds the self-reported metadata of a device.
type DeviceInfo struct {
	// Name is the human-readable device name (i.e., "J. Doe's iPhone").
	Name string `json:"name"`
	// OS is the operating system of the device (i.e., "Windows 10").
	OS string `json:"os"`
	// Type is the kind of device.
	Type DeviceType `json:"type"`
}

// Device is a single endpoint of an account.
//
// A device is created unverified by enrollment-init and becomes
// verified, with a rotated fingerprint, once enrollment completes.
type Device struct {
	// ID is the identifier of the device, unique within its account.
	ID string `json:"id"`
	// Fingerprint is the device's current base64 symmetric key material.
	Fingerprint string `json:"fingerprint"`
	// Verified reports whether the device completed enrollment.
	Verified bool `json:"verified"`
	// Info holds the device metadata supplied at enrollment.
	Info DeviceInfo `json:"info"`
}

// DefaultDevice returns an unverified device record with placeholder
// metadata, suitable for the enrollment-init step.
func DefaultDevice(id, print string) Device {
	return Device{
		ID:          id,
		Fingerprint: print,
		Verified:    false,
		Info: DeviceInfo{
			Name: "DefaultDevice",
			OS:   "DefaultOS",
			Type: Unknown,
		},
	}
}

// Account is a user account as stored in the backing store.
type Account struct {
	// Handle is the unique identifier of the account, always an
	// adjective and a noun followed by a 5 digit number, for example
	// "LonelyBadger#12345".
	Handle string `json:"handle"`
	// PassHash is the salted scrypt hash of the account password.
	PassHash string `json:"passhash"`
	// Salt is the salt used to hash the password.
	Salt string `json:"salt"`
	// CreatedAt is the account creation time as a UNIX millisecond timestamp.
	CreatedAt int64 `json:"createdate"`
	// Devices maps device ID to the devices enrolled on this account.
	Devices map[string]Device `json:"devices"`
}

// HandleCandidate is a generated handle that has not yet been claimed
// by an account. Candidates are single-use and expire after a TTL.
type HandleCandidate struct {
	// Handle is the suggested handle.
	Handle string `json:"handle"`
	// TimeCreated is the generation time as a UNIX millisecond timestamp.
	TimeCreated int64 `json:"timecreated"`
}

// Address identifies one delivery target device.
type Address struct {
	// Handle is the account handle of the target.
	Handle string `json:"handle"`
	// DeviceID is the device within that account.
	DeviceID string `json:"deviceID"`
}

// QueueEntry is a durable record of one relayed message and the set of
// device addresses still owed a copy. The entry is deleted once the
// address set becomes empty.
type QueueEntry struct {
	// ID is the opaque unique identifier of the entry.
	ID string
	// Account is the destination account handle whose queue owns the entry.
	Account string
	// Addresses are the devices that have not yet received the message.
	Addresses []Address
	// Message is the relayed envelope.
	Message Envelope
}
