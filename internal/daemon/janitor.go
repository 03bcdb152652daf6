package daemon

import (
	"context"
	"time"

	"github.com/agape-platform/convsync/internal/outbox"
	"github.com/agape-platform/convsync/internal/store"
	"go.uber.org/zap"
)

// janitor drops resolved actions from the in-memory log and the journal
// once they age past the retention window.
type janitor struct {
	db        *store.DB
	log       *outbox.Log
	retention time.Duration
	logger    *zap.Logger
}

func (j *janitor) run(ctx context.Context) {
	ticker := time.NewTicker(j.retention / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			j.sweep(now)
		}
	}
}

func (j *janitor) sweep(now time.Time) {
	dropped := j.log.Prune()
	removed, err := j.db.PruneResolved(now.Add(-j.retention))
	if err != nil {
		j.logger.Warn("prune journal failed", zap.Error(err))
		return
	}
	if dropped > 0 || removed > 0 {
		j.logger.Debug("pruned resolved actions", zap.Int("memory", dropped), zap.Int64("journal", removed))
	}
}
