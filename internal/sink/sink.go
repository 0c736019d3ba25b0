// Package sink implements the downstream delivery adaptors. Each adaptor is
// independent: the sender records per-sink success and partial failure is the
// normal, spool-driving case.
package sink

import (
	"context"

	"github.com/trafficwatch/edge-handler/internal/record"
)

// Sink is the uniform adaptor contract. Insert returns nil only when the
// downstream acknowledged the record; any error marks the destination as
// not-yet-delivered.
type Sink interface {
	Name() string
	Connect(ctx context.Context) error
	Insert(ctx context.Context, rec record.Record, dataType string) error
}

const (
	insertAttempts = 3
	insertTimeout  = 3 // seconds, per attempt where the adaptor sets one
)
