// Package protocol defines the JSON wire messages exchanged on the
// socket: the two-step handshake frames, the encrypted envelope
// carrier, and the server's error and auth-ack frames.
package protocol

import "encoding/json"

// MessageType tags the server-originated frames.
//
// ERR is for errors, AACK is for authentication acknowledgements. The
// positive values are client message kinds relayed opaquely and listed
// here only so both sides agree on the numbering.
type MessageType int

const (
	// ERR marks an error frame.
	ERR MessageType = iota - 1
	// MSG is a text message.
	MSG
	// RPLY is a reply.
	RPLY
	// REAC is a reaction.
	REAC
	// ACK is an acknowledgement.
	ACK
	// AACK is an authentication acknowledgement.
	AACK
	// ALIV is a keep-alive.
	ALIV
	// DATA is a database message.
	DATA
)

// EncryptedPayload is a self-contained ciphertext: the IV travels with
// the payload, both base64 encoded.
type EncryptedPayload struct {
	IV      string `json:"iv"`
	Payload string `json:"payload"`
}

// Valid reports whether both fields are present.
func (p EncryptedPayload) Valid() bool {
	return p.IV != "" && p.Payload != ""
}

// Opener is the first client frame of the connection handshake.
type Opener struct {
	// Handle is the account the device claims to belong to.
	Handle string `json:"handle"`
	// DeviceID is the claimed device.
	DeviceID string `json:"deviceID"`
	// DevNonce is the device's nonce, encrypted under the device's
	// current fingerprint.
	DevNonce EncryptedPayload `json:"devNonce"`
}

// Valid reports whether the opener is well formed.
func (o Opener) Valid() bool {
	return o.Handle != "" && o.DeviceID != "" && o.DevNonce.Valid()
}

// OpenResponse is the server's reply to an Opener: the device nonce
// incremented by one, and the server's own nonce, both encrypted under
// the device fingerprint.
type OpenResponse struct {
	DevInc   EncryptedPayload `json:"devInc"`
	SrvNonce EncryptedPayload `json:"srvNonce"`
}

// Completer is the second client frame: the server nonce incremented
// by one, proving live possession of the fingerprint, plus an opaque
// client configuration blob.
type Completer struct {
	SrvInc EncryptedPayload `json:"srvInc"`
	Config json.RawMessage  `json:"config"`
}

// Valid reports whether the completer is well formed.
func (c Completer) Valid() bool {
	return c.SrvInc.Valid()
}

// ErrorMessage is the generic numbered error frame. Handshake faults
// carry errNo 1; application-level faults after authentication carry a
// null errNo.
type ErrorMessage struct {
	Type  MessageType `json:"type"`
	ErrNo *int        `json:"errNo"`
}

// NewError builds an ErrorMessage with the given error number.
func NewError(errNo int) ErrorMessage {
	return ErrorMessage{Type: ERR, ErrNo: &errNo}
}

// NewAppError builds the ErrorMessage emitted for non-fatal
// application faults on an authenticated connection.
func NewAppError() ErrorMessage {
	return ErrorMessage{Type: ERR}
}

// AuthAckMessage acknowledges a completed handshake.
type AuthAckMessage struct {
	Type MessageType `json:"type"`
}

// NewAuthAck builds an AuthAckMessage.
func NewAuthAck() AuthAckMessage {
	return AuthAckMessage{Type: AACK}
}
