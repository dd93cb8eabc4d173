package relay

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/textric/textric-server/internal/auth"
	"github.com/textric/textric-server/internal/models"
)

// pump periodically drains the connection's pending queue entries
// until its stop channel closes. Ticks do not overlap: each scan runs
// to completion before the next is taken.
func (r *Registry) pump(dc *deviceConn) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-dc.stop:
			return
		case <-ticker.C:
			if err := r.pumpOnce(dc); err != nil {
				// A failed send means a broken connection, not a bad
				// message: the entry stays pending and the connection
				// goes away.
				r.log.Warn("pump send failed, tearing down connection",
					zap.String("handle", dc.handle),
					zap.String("deviceID", dc.deviceID),
					zap.Error(err),
				)
				r.Deregister(dc.handle, dc.deviceID)
				return
			}
		}
	}
}

// pumpOnce scans the account queue for entries addressed to this
// device, sends each one encrypted under the device fingerprint, and
// retires the address only after the socket accepted the frame.
// Returns the send error, if any; store errors are logged and the
// entry is retried on a later tick.
func (r *Registry) pumpOnce(dc *deviceConn) error {
	ctx := context.Background()
	addr := models.Address{Handle: dc.handle, DeviceID: dc.deviceID}

	entries, err := r.queue.ListByAccount(ctx, dc.handle)
	if err != nil {
		r.log.Error("pump queue scan failed", zap.String("handle", dc.handle), zap.Error(err))
		return nil
	}

	for _, entry := range entries {
		if !containsAddress(entry.Addresses, addr) {
			continue
		}
		plaintext, err := json.Marshal(entry.Message)
		if err != nil {
			r.log.Error("pump marshal failed", zap.String("entry", entry.ID), zap.Error(err))
			continue
		}
		enc, err := auth.Encrypt(dc.fingerprint, plaintext)
		if err != nil {
			r.log.Error("pump encrypt failed", zap.String("entry", entry.ID), zap.Error(err))
			continue
		}
		if err := dc.conn.Send(enc); err != nil {
			return err
		}

		removed, err := r.queue.PullAddress(ctx, entry.ID, addr)
		if err != nil {
			r.log.Error("pump address pull failed", zap.String("entry", entry.ID), zap.Error(err))
			continue
		}
		if removed {
			if _, err := r.queue.DeleteIfEmpty(ctx, entry.ID); err != nil {
				r.log.Error("pump entry delete failed", zap.String("entry", entry.ID), zap.Error(err))
			}
		}
	}
	return nil
}

func containsAddress(addrs []models.Address, addr models.Address) bool {
	for _, a := range addrs {
		if a == addr {
			return true
		}
	}
	return false
}
