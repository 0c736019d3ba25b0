package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/trafficwatch/edge-handler/internal/identity"
	"github.com/trafficwatch/edge-handler/internal/record"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
)

// RPC peer modes. The java peer tracks duplicates by unique_key and answers
// with an HTTP-style status code; the sharp peer wants a creation timestamp
// and offers no edge-info call, so camera identity comes from a companion
// columnar store instead.
const (
	ModeJava  = "java"
	ModeSharp = "sharp"
)

const (
	jsonCodecName    = "json"
	edgeInfoMethod   = "/trafficwatch.EdgeInfo/GetEdgeInfo"
	edgeInfoPeriod   = 10 * time.Second
	edgeInfoTimeout  = 2 * time.Second
	rpcInsertTimeout = insertTimeout * time.Second
	rpcRetryDelay    = 100 * time.Millisecond
)

// jsonCodec lets plain structs and maps travel over the gRPC transport. The
// peers here speak JSON bodies rather than a compiled schema.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return jsonCodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type insertReply struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
}

type edgeInfoReply struct {
	StatusCode int    `json:"status_code"`
	CameraID   string `json:"camera_id"`
	LaneOffset int    `json:"lane_offset"`
}

// RPCClient delivers records to the central collector over gRPC.
type RPCClient struct {
	name      string
	mode      string
	conn      *grpc.ClientConn
	ident     *identity.Cell
	companion *VoltStore
	logger    *zap.Logger
}

// NewRPCClient dials the collector. In sharp mode the companion store must be
// non-nil; it carries identity discovery on the collector's behalf.
func NewRPCClient(name, addr, mode string, ident *identity.Cell, companion *VoltStore, logger *zap.Logger) (*RPCClient, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsonCodecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	return &RPCClient{
		name:      name,
		mode:      mode,
		conn:      conn,
		ident:     ident,
		companion: companion,
		logger:    logger,
	}, nil
}

func (c *RPCClient) Name() string { return c.name }

// Connect is a no-op: grpc.NewClient connects lazily and the discovery loop
// covers readiness.
func (c *RPCClient) Connect(ctx context.Context) error { return nil }

func (c *RPCClient) Close() error { return c.conn.Close() }

// RunDiscovery resolves camera identity. Java peers answer GetEdgeInfo;
// sharp peers delegate to the companion columnar store.
func (c *RPCClient) RunDiscovery(ctx context.Context) {
	if c.mode == ModeSharp {
		if c.companion != nil {
			c.companion.RunDiscovery(ctx)
		}
		return
	}

	ticker := time.NewTicker(edgeInfoPeriod)
	defer ticker.Stop()
	for !c.ident.Resolved() {
		if err := c.fetchEdgeInfo(ctx); err != nil {
			c.logger.Warn("edge info lookup failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *RPCClient) fetchEdgeInfo(ctx context.Context) error {
	callCtx, cancel := context.WithTimeout(ctx, edgeInfoTimeout)
	defer cancel()

	var reply edgeInfoReply
	if err := c.conn.Invoke(callCtx, edgeInfoMethod, map[string]any{}, &reply); err != nil {
		return err
	}
	if reply.StatusCode != 200 {
		return fmt.Errorf("edge info rejected with status %d", reply.StatusCode)
	}
	if reply.CameraID == "" {
		return fmt.Errorf("edge info carried no camera id")
	}
	if c.ident.Resolve(reply.CameraID, reply.LaneOffset) {
		c.logger.Info("camera identity resolved",
			zap.String("camera_id", reply.CameraID),
			zap.Int("lane_offset", reply.LaneOffset),
		)
	}
	return nil
}

func (c *RPCClient) Insert(ctx context.Context, rec record.Record, dataType string) error {
	call, ok := rpcCalls[dataType]
	if !ok {
		return fmt.Errorf("no RPC method for record shape %q", dataType)
	}

	body := buildRequest(rec, call)
	switch c.mode {
	case ModeJava:
		body[record.KeyUniqueKey] = rec.Str(record.KeyUniqueKey)
	case ModeSharp:
		body[record.KeyCreateTime] = time.Now().Unix()
	}

	var lastErr error
	for attempt := 0; attempt < insertAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(rpcRetryDelay):
			}
		}
		lastErr = c.invoke(ctx, call.method, body)
		if lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("calling %s: %w", call.method, lastErr)
}

func (c *RPCClient) invoke(ctx context.Context, method string, body map[string]any) error {
	callCtx, cancel := context.WithTimeout(ctx, rpcInsertTimeout)
	defer cancel()

	var reply insertReply
	if err := c.conn.Invoke(callCtx, method, body, &reply); err != nil {
		return err
	}
	if c.mode == ModeJava && reply.StatusCode != 200 {
		return fmt.Errorf("insert rejected with status %d: %s", reply.StatusCode, reply.Message)
	}
	return nil
}
