package http

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/textric/textric-server/internal/apperrors"
	"github.com/textric/textric-server/internal/auth"
	"github.com/textric/textric-server/internal/models"
)

// HashAlgorithm identifies the digest used for fingerprint derivation,
// so clients know how to derive their side of the secret.
type HashAlgorithm int

// SHA256 is the only algorithm currently issued.
const SHA256 HashAlgorithm = 1

// DeviceService defines the registry operations required by the device
// enrollment endpoints.
type DeviceService interface {
	// GetAccount retrieves an account document.
	GetAccount(ctx context.Context, handle string) (*models.Account, error)
	// AddDevice records an unverified device.
	AddDevice(ctx context.Context, handle, deviceID, fingerprint string) error
	// CompleteDevice verifies a device and returns the rotation nonce.
	CompleteDevice(ctx context.Context, handle string, device models.Device) (string, error)
	// RevokeDevice removes a device after a fingerprint check.
	RevokeDevice(ctx context.Context, handle, deviceID, fingerprint string) error
}

// DeviceHandler handles HTTP requests for device enrollment and
// revocation.
type DeviceHandler struct {
	// DeviceService performs the underlying registry operations.
	DeviceService DeviceService
}

// InitRequest represents the JSON payload for enrollment init.
type InitRequest struct {
	Handle   string `json:"handle"`
	DeviceID string `json:"deviceID"`
}

// InitResponse carries everything the device needs to derive the
// enrollment fingerprint on its side.
type InitResponse struct {
	// Salt is the account's password salt.
	Salt string `json:"salt"`
	// HashAlgorithm names the fingerprint digest.
	HashAlgorithm HashAlgorithm `json:"hashAlgorithm"`
	// Nonce is the enrollment nonce, base64.
	Nonce string `json:"nonce"`
}

// CompleteRequest represents the JSON payload for enrollment completion.
type CompleteRequest struct {
	Handle string        `json:"handle"`
	Device models.Device `json:"device"`
}

// RevokeRequest represents the JSON payload for device revocation.
type RevokeRequest struct {
	Handle      string `json:"handle"`
	DeviceID    string `json:"deviceID"`
	Fingerprint string `json:"fingerprint"`
}

// Init starts device enrollment: it records an unverified device keyed
// by a freshly derived fingerprint and returns the salt and nonce the
// device needs to derive the same value.
//
// A request for a nonexistent account gets the same response shape
// with a deterministic fake salt, so the endpoint does not leak which
// handles exist.
func (h *DeviceHandler) Init(w http.ResponseWriter, r *http.Request) {
	var req InitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Handle == "" || req.DeviceID == "" {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	nonce, err := auth.GenerateNonce(auth.NonceLen)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	nonceB64 := base64.StdEncoding.EncodeToString(nonce)

	acct, err := h.DeviceService.GetAccount(r.Context(), req.Handle)
	if errors.Is(err, apperrors.ErrNotFound) {
		writeJSON(w, InitResponse{
			Salt:          auth.FakeSalt(req.Handle),
			HashAlgorithm: SHA256,
			Nonce:         nonceB64,
		})
		return
	}
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	print := auth.Fingerprint(req.DeviceID, nonceB64, acct.PassHash)
	err = h.DeviceService.AddDevice(r.Context(), req.Handle, req.DeviceID, print)
	switch {
	case errors.Is(err, apperrors.ErrDeviceExists):
		http.Error(w, "device already enrolled", http.StatusConflict)
	case err != nil:
		http.Error(w, "internal error", http.StatusInternalServerError)
	default:
		writeJSON(w, InitResponse{
			Salt:          acct.Salt,
			HashAlgorithm: SHA256,
			Nonce:         nonceB64,
		})
	}
}

// Complete finishes enrollment: on a fingerprint match the device
// becomes verified and the rotation nonce is returned as a plain-text
// body for the device to derive its new fingerprint from.
func (h *DeviceHandler) Complete(w http.ResponseWriter, r *http.Request) {
	var req CompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Handle == "" || req.Device.ID == "" {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	nonce, err := h.DeviceService.CompleteDevice(r.Context(), req.Handle, req.Device)
	switch {
	case errors.Is(err, apperrors.ErrAuth):
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	case err != nil:
		http.Error(w, "internal error", http.StatusInternalServerError)
	default:
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(nonce))
	}
}

// Revoke removes an enrolled device after a fingerprint check.
func (h *DeviceHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	var req RevokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Handle == "" || req.DeviceID == "" {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	err := h.DeviceService.RevokeDevice(r.Context(), req.Handle, req.DeviceID, req.Fingerprint)
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, apperrors.ErrAuth):
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	case err != nil:
		http.Error(w, "internal error", http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
