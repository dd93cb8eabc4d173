package db

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"
)

// StartCandidateCleaner sweeps expired handle candidates with interval
func StartCandidateCleaner(
	ctx context.Context,
	db *sql.DB,
	interval time.Duration,
	ttl time.Duration,
	log *zap.Logger,
) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().Add(-ttl).UnixMilli()
				res, err := db.ExecContext(ctx, `
                    DELETE FROM handle_candidates
                     WHERE time_created <= $1
                `, cutoff)
				if err != nil {
					log.Error("failed to clean expired handle candidates", zap.Error(err))
					continue
				}
				if rows, _ := res.RowsAffected(); rows > 0 {
					log.Info("cleaned expired handle candidates", zap.Int64("removed", rows))
				}
			}
		}
	}()
}
