// Package service provides the relay's business logic: the account
// and device registry and the delivery queue, delegating persistence
// to repository interfaces.
package service

import (
	"context"
	_ "embed"
	"encoding/base64"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/textric/textric-server/internal/apperrors"
	"github.com/textric/textric-server/internal/auth"
	"github.com/textric/textric-server/internal/models"
)

const (
	// HandleTTL is how long a generated handle candidate stays viable.
	HandleTTL = 5 * time.Minute

	// numLen is the digit count of the handle suffix.
	numLen = 5
	numMax = 100000
)

//go:embed adjectives.txt
var adjectivesRaw string

//go:embed nouns.txt
var nounsRaw string

var (
	adjectives = splitWords(adjectivesRaw)
	nouns      = splitWords(nounsRaw)
)

func splitWords(raw string) []string {
	var words []string
	for _, w := range strings.Fields(raw) {
		words = append(words, w)
	}
	return words
}

func properNoun(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
}

// AccountRepository defines the persistence operations required by the
// account service.
type AccountRepository interface {
	// Insert persists a new account document.
	Insert(ctx context.Context, acct *models.Account) error
	// Find retrieves an account by handle, apperrors.ErrNotFound if absent.
	Find(ctx context.Context, handle string) (*models.Account, error)
	// Replace overwrites an existing account document.
	Replace(ctx context.Context, acct *models.Account) error
	// Delete removes an account by handle.
	Delete(ctx context.Context, handle string) error
	// Exists reports whether an account with the handle exists.
	Exists(ctx context.Context, handle string) (bool, error)
	// InsertCandidate records a generated handle candidate.
	InsertCandidate(ctx context.Context, handle string, timeCreated int64) error
	// CandidateExists reports whether a candidate with the handle exists.
	CandidateExists(ctx context.Context, handle string) (bool, error)
	// ConsumeCandidate atomically deletes an unexpired candidate,
	// reporting whether one was consumed.
	ConsumeCandidate(ctx context.Context, handle string, cutoff int64) (bool, error)
	// PurgeCandidates deletes candidates created at or before cutoff.
	PurgeCandidates(ctx context.Context, cutoff int64) error
}

// AccountService implements the device registry operations by
// delegating to an AccountRepository.
type AccountService struct {
	// repo performs the data-layer operations.
	repo AccountRepository
}

// NewAccountService constructs a new AccountService using the provided
// repository.
func NewAccountService(repo AccountRepository) *AccountService {
	return &AccountService{repo: repo}
}

// GenerateHandle produces an adjective+noun+5-digit handle that is
// neither an active account nor an outstanding candidate, records it
// as a candidate, and returns it. The handle stays viable for
// HandleTTL; expired candidates are purged lazily on every call.
func (s *AccountService) GenerateHandle(ctx context.Context) (string, error) {
	now := time.Now()
	if err := s.repo.PurgeCandidates(ctx, now.Add(-HandleTTL).UnixMilli()); err != nil {
		return "", err
	}

	var handle string
	for {
		num := fmt.Sprintf("%0*d", numLen, rand.Intn(numMax))
		first := properNoun(adjectives[rand.Intn(len(adjectives))])
		second := properNoun(nouns[rand.Intn(len(nouns))])
		handle = fmt.Sprintf("%s%s#%s", first, second, num)

		taken, err := s.repo.Exists(ctx, handle)
		if err != nil {
			return "", err
		}
		if taken {
			continue
		}
		pending, err := s.repo.CandidateExists(ctx, handle)
		if err != nil {
			return "", err
		}
		if !pending {
			break
		}
	}

	if err := s.repo.InsertCandidate(ctx, handle, now.UnixMilli()); err != nil {
		return "", err
	}
	return handle, nil
}

// CreateAccount claims a previously generated handle and persists a
// new account with a freshly salted password hash and no devices.
// Fails with apperrors.ErrHandleNotViable unless a matching unexpired
// candidate exists (consumed atomically) and no account already holds
// the handle.
func (s *AccountService) CreateAccount(ctx context.Context, handle, password string) error {
	cutoff := time.Now().Add(-HandleTTL).UnixMilli()
	ok, err := s.repo.ConsumeCandidate(ctx, handle, cutoff)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("handle %s: %w", handle, apperrors.ErrHandleNotViable)
	}

	taken, err := s.repo.Exists(ctx, handle)
	if err != nil {
		return err
	}
	if taken {
		return fmt.Errorf("handle %s: %w", handle, apperrors.ErrHandleNotViable)
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	return s.repo.Insert(ctx, &models.Account{
		Handle:    handle,
		PassHash:  hash.Hash,
		Salt:      hash.Salt,
		CreatedAt: time.Now().UnixMilli(),
		Devices:   map[string]models.Device{},
	})
}

// GetAccount retrieves an account by handle.
func (s *AccountService) GetAccount(ctx context.Context, handle string) (*models.Account, error) {
	return s.repo.Find(ctx, handle)
}

// DeleteAccount removes an account after checking the presented
// password hash against the stored one.
func (s *AccountService) DeleteAccount(ctx context.Context, handle, passHash string) error {
	acct, err := s.repo.Find(ctx, handle)
	if err != nil {
		return err
	}
	if acct.PassHash != passHash {
		return fmt.Errorf("delete %s: %w", handle, apperrors.ErrAuth)
	}
	return s.repo.Delete(ctx, handle)
}

// ChangePassword re-hashes the account password with a fresh salt and
// clears all enrolled devices, atomically with the password update.
// Every enrolled device is forcibly deauthenticated by this call.
func (s *AccountService) ChangePassword(ctx context.Context, handle, oldPass, newPass string) error {
	acct, err := s.repo.Find(ctx, handle)
	if err != nil {
		return err
	}
	old, err := auth.HashPasswordWith(oldPass, acct.Salt)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if old.Hash != acct.PassHash {
		return fmt.Errorf("change password for %s: %w", handle, apperrors.ErrAuth)
	}

	next, err := auth.HashPassword(newPass)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	acct.PassHash = next.Hash
	acct.Salt = next.Salt
	acct.Devices = map[string]models.Device{}
	return s.repo.Replace(ctx, acct)
}

// AddDevice records an unverified device with the given fingerprint,
// the first half of the enrollment process. A device that already
// completed enrollment cannot be replaced this way; a half-enrolled
// one is overwritten.
func (s *AccountService) AddDevice(ctx context.Context, handle, deviceID, print string) error {
	acct, err := s.repo.Find(ctx, handle)
	if err != nil {
		return err
	}
	if d, ok := acct.Devices[deviceID]; ok && d.Verified {
		return fmt.Errorf("device %s: %w", deviceID, apperrors.ErrDeviceExists)
	}
	acct.Devices[deviceID] = models.DefaultDevice(deviceID, print)
	return s.repo.Replace(ctx, acct)
}

// CompleteDevice finishes enrollment: the presented fingerprint must
// match the stored unverified device's fingerprint. On success the
// device becomes verified, its metadata is stored, and its fingerprint
// is rotated under a fresh nonce. The nonce is returned so it can be
// echoed to the device, which derives the identical new fingerprint.
func (s *AccountService) CompleteDevice(ctx context.Context, handle string, device models.Device) (string, error) {
	acct, err := s.repo.Find(ctx, handle)
	if err != nil {
		return "", fmt.Errorf("complete device: %w", apperrors.ErrAuth)
	}
	stored, ok := acct.Devices[device.ID]
	if !ok || stored.Fingerprint != device.Fingerprint {
		return "", fmt.Errorf("complete device %s: %w", device.ID, apperrors.ErrAuth)
	}

	nonce, err := auth.GenerateNonce(auth.NonceLen)
	if err != nil {
		return "", err
	}
	nonceB64 := base64.StdEncoding.EncodeToString(nonce)
	acct.Devices[device.ID] = models.Device{
		ID:          device.ID,
		Fingerprint: auth.Fingerprint(device.ID, nonceB64, acct.PassHash),
		Verified:    true,
		Info:        device.Info,
	}
	if err := s.repo.Replace(ctx, acct); err != nil {
		return "", err
	}
	return nonceB64, nil
}

// RevokeDevice removes an enrolled (or half-enrolled) device after
// checking the presented fingerprint.
func (s *AccountService) RevokeDevice(ctx context.Context, handle, deviceID, print string) error {
	acct, err := s.repo.Find(ctx, handle)
	if err != nil {
		return err
	}
	if d, ok := acct.Devices[deviceID]; !ok || d.Fingerprint != print {
		return fmt.Errorf("revoke device %s: %w", deviceID, apperrors.ErrAuth)
	}
	delete(acct.Devices, deviceID)
	return s.repo.Replace(ctx, acct)
}
