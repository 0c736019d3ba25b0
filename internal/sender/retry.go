package sender

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/trafficwatch/edge-handler/internal/identity"
	"github.com/trafficwatch/edge-handler/internal/metrics"
	"github.com/trafficwatch/edge-handler/internal/queue"
	"github.com/trafficwatch/edge-handler/internal/record"
	"github.com/trafficwatch/edge-handler/internal/sink"
	"go.uber.org/zap"
)

// Retry replays spooled records back through the send queue. Replay waits for
// the camera identity: records spooled before resolution still need their
// one-shot prepare, which cannot run without it.
type Retry struct {
	spool    *sink.LocalStore
	out      *queue.Queue[record.Record]
	ident    *identity.Cell
	interval time.Duration
	logger   *zap.Logger
}

func NewRetry(spool *sink.LocalStore, out *queue.Queue[record.Record], ident *identity.Cell,
	intervalSeconds int, logger *zap.Logger) *Retry {
	return &Retry{
		spool:    spool,
		out:      out,
		ident:    ident,
		interval: time.Duration(intervalSeconds) * time.Second,
		logger:   logger,
	}
}

func (r *Retry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !r.ident.Resolved() {
				continue
			}
			r.Tick(ctx)
		}
	}
}

// Tick drains the rows present at tick start. Records the sender re-spools
// during the drain get fresh ids past the bound, so a persistently failing
// destination cannot spin this loop.
func (r *Retry) Tick(ctx context.Context) {
	depth, err := r.spool.SpoolDepth(ctx)
	if err != nil {
		r.logger.Error("failed to read spool depth", zap.Error(err))
		return
	}

	for i := int64(0); i < depth; i++ {
		id, rec, err := r.spool.SpoolFetchOne(ctx)
		if errors.Is(err, sql.ErrNoRows) {
			return
		}
		if err != nil {
			r.logger.Error("failed to fetch spooled record", zap.Error(err))
			return
		}
		r.out.Put(rec)
		if err := r.spool.SpoolDelete(ctx, id); err != nil {
			r.logger.Error("failed to delete replayed spool row",
				zap.Int64("id", id), zap.Error(err))
			return
		}
		metrics.RetryReplayedTotal.Inc()
		r.logger.Debug("spooled record replayed",
			zap.Int64("id", id),
			zap.String("data_type", rec.Type()),
		)
	}
}
