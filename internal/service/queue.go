package service

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/textric/textric-server/internal/apperrors"
	"github.com/textric/textric-server/internal/models"
)

// QueueRepository defines the persistence operations required by the
// queue service.
type QueueRepository interface {
	// InsertOne persists a single queue entry.
	InsertOne(ctx context.Context, e models.QueueEntry) error
	// InsertMany persists a batch of entries in one durable write.
	InsertMany(ctx context.Context, entries []models.QueueEntry) error
}

// AccountGetter resolves account documents for address expansion.
type AccountGetter interface {
	GetAccount(ctx context.Context, handle string) (*models.Account, error)
}

// QueueService validates message addressing and persists queue entries
// for the delivery pumps to drain.
type QueueService struct {
	accounts AccountGetter
	repo     QueueRepository
}

// NewQueueService constructs a QueueService.
func NewQueueService(accounts AccountGetter, repo QueueRepository) *QueueService {
	return &QueueService{accounts: accounts, repo: repo}
}

// resolve validates the envelope's source and expands its destination
// into the set of device addresses owed a copy. A bare handle expands
// to every device currently on the account, online or not; an explicit
// address must name an existing device.
func (s *QueueService) resolve(ctx context.Context, env models.Envelope) (string, []models.Address, error) {
	src, err := s.accounts.GetAccount(ctx, env.Src.Handle)
	if err != nil {
		return "", nil, fmt.Errorf("source %s: %w", env.Src.Handle, apperrors.ErrQueue)
	}
	if _, ok := src.Devices[env.Src.DeviceID]; !ok {
		return "", nil, fmt.Errorf("source device %s: %w", env.Src.DeviceID, apperrors.ErrQueue)
	}

	dst, err := s.accounts.GetAccount(ctx, env.Dst.Handle)
	if err != nil {
		return "", nil, fmt.Errorf("destination %s: %w", env.Dst.Handle, apperrors.ErrQueue)
	}

	if env.Dst.Explicit {
		if _, ok := dst.Devices[env.Dst.DeviceID]; !ok {
			return "", nil, fmt.Errorf("destination device %s: %w", env.Dst.DeviceID, apperrors.ErrQueue)
		}
		return dst.Handle, []models.Address{{Handle: dst.Handle, DeviceID: env.Dst.DeviceID}}, nil
	}

	ids := make([]string, 0, len(dst.Devices))
	for id := range dst.Devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	addrs := make([]models.Address, 0, len(ids))
	for _, id := range ids {
		addrs = append(addrs, models.Address{Handle: dst.Handle, DeviceID: id})
	}
	return dst.Handle, addrs, nil
}

// EnqueueOne validates and persists a single message for delivery.
func (s *QueueService) EnqueueOne(ctx context.Context, env models.Envelope) error {
	account, addrs, err := s.resolve(ctx, env)
	if err != nil {
		return err
	}
	return s.repo.InsertOne(ctx, models.QueueEntry{
		ID:        uuid.NewString(),
		Account:   account,
		Addresses: addrs,
		Message:   env,
	})
}

// EnqueueMany persists a batch of messages in one durable write.
//
// Addressing is resolved against the first message only; every entry
// in the batch shares that resolved address set. Callers whose batch
// mixes destinations must use EnqueueOne per message.
func (s *QueueService) EnqueueMany(ctx context.Context, envs []models.Envelope) error {
	if len(envs) == 0 {
		return nil
	}
	account, addrs, err := s.resolve(ctx, envs[0])
	if err != nil {
		return err
	}
	entries := make([]models.QueueEntry, 0, len(envs))
	for _, env := range envs {
		entries = append(entries, models.QueueEntry{
			ID:        uuid.NewString(),
			Account:   account,
			Addresses: append([]models.Address(nil), addrs...),
			Message:   env,
		})
	}
	return s.repo.InsertMany(ctx, entries)
}
