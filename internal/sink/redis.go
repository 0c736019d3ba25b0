package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/trafficwatch/edge-handler/internal/record"
	"go.uber.org/zap"
)

// RedisBus publishes records to a downstream channel. Presence shapes carry a
// single digit on the wire; everything else goes out as the full JSON record.
type RedisBus struct {
	name    string
	client  *redis.Client
	channel string
	logger  *zap.Logger
}

func NewRedisBus(name, addr, channel string, logger *zap.Logger) *RedisBus {
	return &RedisBus{
		name:    name,
		client:  redis.NewClient(&redis.Options{Addr: addr}),
		channel: channel,
		logger:  logger,
	}
}

func (r *RedisBus) Name() string { return r.name }

// Connect probes the server clock; go-redis reconnects transparently after
// that, so the probe is only a liveness signal.
func (r *RedisBus) Connect(ctx context.Context) error {
	if err := r.client.Time(ctx).Err(); err != nil {
		return fmt.Errorf("probing %s: %w", r.name, err)
	}
	return nil
}

func (r *RedisBus) Close() error { return r.client.Close() }

func (r *RedisBus) Insert(ctx context.Context, rec record.Record, dataType string) error {
	payload, err := busPayload(rec, dataType)
	if err != nil {
		return fmt.Errorf("encoding record for %s: %w", r.name, err)
	}

	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("publishing to %s/%s: %w", r.name, r.channel, err)
	}
	r.logger.Debug("record published",
		zap.String("channel", r.channel),
		zap.String("data_type", dataType),
	)
	return nil
}

// busPayload renders the wire form: presence shapes are a single digit,
// everything else the full JSON record.
func busPayload(rec record.Record, dataType string) (string, error) {
	if strings.HasPrefix(dataType, "presence_") {
		return strconv.FormatInt(rec.Int(record.KeyPresenceState), 10), nil
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
