// Package apperrors defines the sentinel errors shared across the
// relay's services, repositories and transport handlers.
package apperrors

import "errors"

var (

	// common errors
	ErrNotFound = errors.New("not found")

	// registry-specific errors
	ErrAuth            = errors.New("bad authentication")
	ErrHandleNotViable = errors.New("handle is not viable")
	ErrDeviceExists    = errors.New("device already exists")

	// connection-specific errors
	ErrAlreadyRegistered = errors.New("device already registered")
	ErrSocketClosed      = errors.New("socket is closed")

	// queue-specific errors
	ErrQueue = errors.New("unknown source or destination address")

	// cipher-specific errors
	ErrDecryption = errors.New("decryption failed")
	ErrKeyLength  = errors.New("fingerprint has invalid length")
)
