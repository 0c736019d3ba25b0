// Package receiver subscribes to the upstream analytics bus and feeds the
// pipeline queues. One receiver runs per configured channel; a lost
// connection resubscribes with backoff and the spool-side of the pipeline is
// never involved here, a record only exists once it parses.
package receiver

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/trafficwatch/edge-handler/internal/config"
	"github.com/trafficwatch/edge-handler/internal/metrics"
	"github.com/trafficwatch/edge-handler/internal/queue"
	"github.com/trafficwatch/edge-handler/internal/record"
	"github.com/trafficwatch/edge-handler/internal/router"
	"go.uber.org/zap"
)

const resubscribeDelay = 2 * time.Second

// Queues are the pipeline entry points a receiver can feed. Merge and OCR
// are nil when their stages are disabled; records routed at a nil queue are
// dropped with a warning.
type Queues struct {
	Server *queue.Queue[record.Record]
	Merge  *queue.Queue[record.Record]
	OCR    *queue.Queue[record.Record]
}

type Receiver struct {
	cfg        config.ChannelConfig
	client     *redis.Client
	rt         *router.Router
	queues     Queues
	subscribed atomic.Bool
	logger     *zap.Logger
}

func New(cfg config.ChannelConfig, rt *router.Router, queues Queues, logger *zap.Logger) *Receiver {
	return &Receiver{
		cfg:    cfg,
		client: redis.NewClient(&redis.Options{Addr: cfg.Addr}),
		rt:     rt,
		queues: queues,
		logger: logger.With(zap.String("channel", cfg.Channel), zap.String("label", cfg.Label)),
	}
}

// Name identifies the receiver on the readiness surface.
func (r *Receiver) Name() string { return r.cfg.Label + "/" + r.cfg.Channel }

// IsSubscribed reports whether the bus subscription is currently live.
func (r *Receiver) IsSubscribed() bool { return r.subscribed.Load() }

func (r *Receiver) Close() error { return r.client.Close() }

// Run subscribes and consumes until the context ends. Subscription loss
// flips the readiness flag and retries.
func (r *Receiver) Run(ctx context.Context) {
	for {
		if err := r.consume(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("bus subscription lost", zap.Error(err))
		}
		r.subscribed.Store(false)
		select {
		case <-ctx.Done():
			return
		case <-time.After(resubscribeDelay):
		}
	}
}

func (r *Receiver) consume(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.cfg.Channel)
	defer sub.Close()

	// Wait for the subscription confirmation before reporting ready.
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	r.subscribed.Store(true)
	r.logger.Info("subscribed to bus channel")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.handle(msg.Payload)
		}
	}
}

// handle routes one bus payload. A payload that fails to parse is counted
// and logged inside the router; it never interrupts the subscription.
func (r *Receiver) handle(payload string) {
	metrics.BusMessagesTotal.WithLabelValues(r.cfg.Channel, r.cfg.Label).Inc()

	result := r.rt.Route([]byte(payload), r.cfg.Label, r.cfg.SendTo)
	r.dispatch(result.ToServer, r.queues.Server, "server")
	r.dispatch(result.ToMerge, r.queues.Merge, "merge")
	r.dispatch(result.ToOCR, r.queues.OCR, "ocr")
}

func (r *Receiver) dispatch(recs []record.Record, q *queue.Queue[record.Record], target string) {
	if len(recs) == 0 {
		return
	}
	if q == nil {
		r.logger.Warn("dropping records for a disabled stage",
			zap.String("target", target),
			zap.Int("count", len(recs)),
		)
		return
	}
	for _, rec := range recs {
		q.Put(rec)
	}
	metrics.QueueDepth.WithLabelValues(target).Set(float64(q.Len()))
}
