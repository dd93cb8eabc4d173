// Package relay tracks which devices are currently reachable and
// drains each one's pending queue entries to its live connection.
//
// The registry is the only in-memory structure shared between
// connection tasks; all mutation happens under its lock.
package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/textric/textric-server/internal/apperrors"
	"github.com/textric/textric-server/internal/models"
	"github.com/textric/textric-server/internal/protocol"
)

// DefaultPumpInterval is how often a registered connection's pump
// scans its account queue.
const DefaultPumpInterval = 500 * time.Millisecond

// Conn is a live client connection as the registry sees it. Send
// marshals v as one JSON frame; implementations must be safe for
// concurrent Send calls.
type Conn interface {
	Send(v any) error
	Close() error
	Closed() bool
}

// AccountGetter resolves account documents for registration checks and
// delivery.
type AccountGetter interface {
	GetAccount(ctx context.Context, handle string) (*models.Account, error)
}

// QueueStore is the durable queue surface the pump drains.
type QueueStore interface {
	ListByAccount(ctx context.Context, handle string) ([]models.QueueEntry, error)
	PullAddress(ctx context.Context, id string, addr models.Address) (bool, error)
	DeleteIfEmpty(ctx context.Context, id string) (bool, error)
}

// deviceConn is one registered (account, device) connection together
// with its pump's stop channel.
type deviceConn struct {
	handle      string
	deviceID    string
	fingerprint string
	conn        Conn
	stop        chan struct{}
}

// Registry is the process-wide table of currently authenticated
// (account, device) connections. It is constructed once and injected
// into the socket handler.
type Registry struct {
	accounts AccountGetter
	queue    QueueStore
	interval time.Duration
	log      *zap.Logger

	mu    sync.Mutex
	conns map[string]map[string]*deviceConn
}

// NewRegistry constructs a Registry. interval controls the pump period;
// pass DefaultPumpInterval outside of tests.
func NewRegistry(accounts AccountGetter, queue QueueStore, interval time.Duration, log *zap.Logger) *Registry {
	return &Registry{
		accounts: accounts,
		queue:    queue,
		interval: interval,
		log:      log,
		conns:    map[string]map[string]*deviceConn{},
	}
}

// Register binds a connection to (handle, deviceID) after confirming
// the device is verified and the presented fingerprint matches the
// registry's current value. On success it starts the connection's
// delivery pump and sends the AuthAck on the caller's behalf.
//
// At most one live connection per (handle, deviceID) is allowed;
// a second registration fails with apperrors.ErrAlreadyRegistered.
func (r *Registry) Register(ctx context.Context, handle, deviceID, fingerprint string, conn Conn) error {
	if conn.Closed() {
		return fmt.Errorf("register %s/%s: %w", handle, deviceID, apperrors.ErrSocketClosed)
	}

	acct, err := r.accounts.GetAccount(ctx, handle)
	if err != nil {
		return fmt.Errorf("register %s/%s: %w", handle, deviceID, err)
	}
	dev, ok := acct.Devices[deviceID]
	if !ok {
		return fmt.Errorf("register %s/%s: %w", handle, deviceID, apperrors.ErrNotFound)
	}
	if !dev.Verified {
		return fmt.Errorf("register %s/%s: unverified device: %w", handle, deviceID, apperrors.ErrAuth)
	}
	if dev.Fingerprint != fingerprint {
		return fmt.Errorf("register %s/%s: fingerprint mismatch: %w", handle, deviceID, apperrors.ErrAuth)
	}

	dc := &deviceConn{
		handle:      handle,
		deviceID:    deviceID,
		fingerprint: fingerprint,
		conn:        conn,
		stop:        make(chan struct{}),
	}

	r.mu.Lock()
	devices, ok := r.conns[handle]
	if !ok {
		devices = map[string]*deviceConn{}
		r.conns[handle] = devices
	}
	if _, ok := devices[deviceID]; ok {
		r.mu.Unlock()
		return fmt.Errorf("register %s/%s: %w", handle, deviceID, apperrors.ErrAlreadyRegistered)
	}
	devices[deviceID] = dc
	r.mu.Unlock()

	go r.pump(dc)

	if err := conn.Send(protocol.NewAuthAck()); err != nil {
		r.Deregister(handle, deviceID)
		return fmt.Errorf("register %s/%s: send ack: %w", handle, deviceID, err)
	}

	r.log.Info("device registered",
		zap.String("handle", handle),
		zap.String("deviceID", deviceID),
	)
	return nil
}

// Deregister removes the (handle, deviceID) entry, stops its pump and
// closes its socket. It is an idempotent no-op if the entry is absent.
func (r *Registry) Deregister(handle, deviceID string) {
	r.mu.Lock()
	devices, ok := r.conns[handle]
	if !ok {
		r.mu.Unlock()
		return
	}
	dc, ok := devices[deviceID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(devices, deviceID)
	if len(devices) == 0 {
		delete(r.conns, handle)
	}
	r.mu.Unlock()

	close(dc.stop)
	if !dc.conn.Closed() {
		_ = dc.conn.Close()
	}

	r.log.Info("device deregistered",
		zap.String("handle", handle),
		zap.String("deviceID", deviceID),
	)
}

// Registered reports whether (handle, deviceID) currently has a live
// connection.
func (r *Registry) Registered(handle, deviceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.conns[handle][deviceID]
	return ok
}
