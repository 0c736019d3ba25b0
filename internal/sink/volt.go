package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/trafficwatch/edge-handler/internal/identity"
	"github.com/trafficwatch/edge-handler/internal/record"
	"go.uber.org/zap"
)

const (
	voltAPIPath       = "/api/1.0/"
	voltStatusOK      = 1
	voltRetryDelay    = 100 * time.Millisecond
	voltConnectPeriod = 10 * time.Second
)

// voltTables maps record shapes to columnar table names.
var voltTables = map[string]string{
	record.TypeVehicle2K:         "vehicle_2k",
	record.TypeVehicle4K:         "vehicle_4k",
	record.TypeVehicleRaw4K:      "vehicle_4k",
	record.TypeMerge:             "vehicle_merge",
	record.TypePed:               "pedestrian",
	record.TypeApproachStats:     "approach_stats",
	record.TypeTurnTypesStats:    "turn_types_stats",
	record.TypeLanesStats:        "lanes_stats",
	record.TypeVehicleTypesStats: "vehicle_types_stats",
	record.TypeApproachQueue:     "approach_queue",
	record.TypeLanesQueue:        "lanes_queue",
	record.TypeIncidentStart:     "incident",
	record.TypeIncidentEnd:       "incident",
}

// voltUpserts lists the shapes written with UPSERT: they update a row a
// previous shape already created (merge enriches the 2K row, incident_end
// closes the incident_start row).
var voltUpserts = map[string]bool{
	record.TypeMerge:       true,
	record.TypeIncidentEnd: true,
}

// VoltStore talks to the columnar store over its ad-hoc HTTP query API.
// Column order is discovered from the system catalog at connect time, so
// inserts adapt to whatever schema the store carries.
type VoltStore struct {
	name    string
	baseURL string
	client  *http.Client
	ident   *identity.Cell
	logger  *zap.Logger

	// localIP is swappable for tests.
	localIP func() (string, error)

	mu      sync.RWMutex
	columns map[string][]string
}

func NewVoltStore(name, addr string, ident *identity.Cell, logger *zap.Logger) *VoltStore {
	return &VoltStore{
		name:    name,
		baseURL: "http://" + addr + voltAPIPath,
		client: &http.Client{
			Timeout: time.Second,
			Transport: &http.Transport{
				DialContext:           (&net.Dialer{Timeout: 500 * time.Millisecond}).DialContext,
				ResponseHeaderTimeout: 500 * time.Millisecond,
			},
		},
		ident:   ident,
		logger:  logger,
		localIP: primaryIPv4,
	}
}

func (v *VoltStore) Name() string { return v.name }

type voltColumn struct {
	Name string `json:"name"`
}

type voltTable struct {
	Data   [][]any      `json:"data"`
	Schema []voltColumn `json:"schema"`
}

type voltResponse struct {
	Status  int         `json:"status"`
	Results []voltTable `json:"results"`
}

// query runs one statement through the ad-hoc procedure endpoint.
func (v *VoltStore) query(ctx context.Context, stmt string) (*voltResponse, error) {
	params, err := json.Marshal([]string{stmt})
	if err != nil {
		return nil, fmt.Errorf("encoding query parameters: %w", err)
	}
	q := url.Values{}
	q.Set("Procedure", "@AdHoc")
	q.Set("Parameters", string(params))
	return v.call(ctx, q)
}

// catalog runs a system catalog procedure.
func (v *VoltStore) catalog(ctx context.Context, selector string) (*voltResponse, error) {
	q := url.Values{}
	q.Set("Procedure", "@SystemCatalog")
	q.Set("Parameters", fmt.Sprintf(`["%s"]`, selector))
	return v.call(ctx, q)
}

func (v *VoltStore) call(ctx context.Context, q url.Values) (*voltResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("building query request: %w", err)
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", v.name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("reading query response: %w", err)
	}
	var vr voltResponse
	if err := json.Unmarshal(raw, &vr); err != nil {
		return nil, fmt.Errorf("decoding query response: %w", err)
	}
	if vr.Status != voltStatusOK {
		return nil, fmt.Errorf("%s rejected query with status %d", v.name, vr.Status)
	}
	return &vr, nil
}

// Connect loads the column catalog. It is retried by RunDiscovery until it
// succeeds, so a cold store at startup is not fatal.
func (v *VoltStore) Connect(ctx context.Context) error {
	resp, err := v.catalog(ctx, "COLUMNS")
	if err != nil {
		return err
	}
	if len(resp.Results) == 0 {
		return fmt.Errorf("%s returned an empty column catalog", v.name)
	}

	// JDBC-shaped catalog rows: TABLE_NAME at index 2, COLUMN_NAME at 3,
	// ORDINAL_POSITION at 16.
	type col struct {
		name    string
		ordinal int
	}
	byTable := make(map[string][]col)
	for _, row := range resp.Results[0].Data {
		if len(row) < 17 {
			continue
		}
		table, ok := row[2].(string)
		if !ok {
			continue
		}
		name, ok := row[3].(string)
		if !ok {
			continue
		}
		ordinal := 0
		switch o := row[16].(type) {
		case float64:
			ordinal = int(o)
		case string:
			ordinal, _ = strconv.Atoi(o)
		}
		table = strings.ToLower(table)
		byTable[table] = append(byTable[table], col{strings.ToLower(name), ordinal})
	}

	columns := make(map[string][]string, len(byTable))
	for table, cols := range byTable {
		sort.Slice(cols, func(i, j int) bool { return cols[i].ordinal < cols[j].ordinal })
		names := make([]string, len(cols))
		for i, c := range cols {
			names[i] = c.name
		}
		columns[table] = names
	}

	v.mu.Lock()
	v.columns = columns
	v.mu.Unlock()
	v.logger.Info("column catalog loaded", zap.Int("tables", len(columns)))
	return nil
}

func (v *VoltStore) connected() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.columns != nil
}

// RunDiscovery retries connection and camera identity lookup until both
// succeed or the context ends.
func (v *VoltStore) RunDiscovery(ctx context.Context) {
	ticker := time.NewTicker(voltConnectPeriod)
	defer ticker.Stop()
	for {
		if !v.connected() {
			if err := v.Connect(ctx); err != nil {
				v.logger.Warn("catalog discovery failed", zap.Error(err))
			}
		}
		if v.connected() && v.ident != nil && !v.ident.Resolved() {
			if err := v.DiscoverIdentity(ctx); err != nil {
				v.logger.Warn("camera identity discovery failed", zap.Error(err))
			}
		}
		if v.connected() && (v.ident == nil || v.ident.Resolved()) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DiscoverIdentity resolves this edge's camera id by its primary IPv4
// address, then the lane offset from the lowest plate-capable lane.
func (v *VoltStore) DiscoverIdentity(ctx context.Context) error {
	ip, err := v.localIP()
	if err != nil {
		return fmt.Errorf("determining local address: %w", err)
	}

	resp, err := v.query(ctx, fmt.Sprintf("SELECT camera_id FROM camera_info WHERE edge_ip='%s'", escapeSQL(ip)))
	if err != nil {
		return err
	}
	cameraID := firstString(resp)
	if cameraID == "" {
		return fmt.Errorf("no camera registered for edge %s", ip)
	}

	offset := 0
	laneResp, err := v.query(ctx, fmt.Sprintf(
		"SELECT lane_no FROM lane_info WHERE camera_id='%s' AND plate_4k='Y' ORDER BY lane_no ASC LIMIT 1",
		escapeSQL(cameraID)))
	if err != nil {
		return err
	}
	if lane, ok := firstInt(laneResp); ok && lane > 1 {
		offset = lane - 1
	}

	if v.ident.Resolve(cameraID, offset) {
		v.logger.Info("camera identity resolved",
			zap.String("camera_id", cameraID),
			zap.Int("lane_offset", offset),
		)
	}
	return nil
}

// Insert writes one record as a positional statement against the discovered
// column order. Fields the record does not carry become NULL.
func (v *VoltStore) Insert(ctx context.Context, rec record.Record, dataType string) error {
	table, ok := voltTables[dataType]
	if !ok {
		return fmt.Errorf("no table for record shape %q", dataType)
	}
	v.mu.RLock()
	columns := v.columns[table]
	v.mu.RUnlock()
	if columns == nil {
		return fmt.Errorf("table %s missing from column catalog", table)
	}

	values := make([]string, len(columns))
	for i, col := range columns {
		if !rec.Has(col) {
			values[i] = "NULL"
			continue
		}
		s := rec.Str(col)
		if s == record.Null {
			values[i] = "NULL"
			continue
		}
		values[i] = "'" + escapeSQL(s) + "'"
	}

	verb := "INSERT"
	if voltUpserts[dataType] {
		verb = "UPSERT"
	}
	stmt := fmt.Sprintf("%s INTO %s VALUES (%s)", verb, table, strings.Join(values, ", "))

	var lastErr error
	for attempt := 0; attempt < insertAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(voltRetryDelay):
			}
		}
		if _, lastErr = v.query(ctx, stmt); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("inserting into %s: %w", table, lastErr)
}

func escapeSQL(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

func firstString(resp *voltResponse) string {
	if len(resp.Results) == 0 || len(resp.Results[0].Data) == 0 || len(resp.Results[0].Data[0]) == 0 {
		return ""
	}
	switch val := resp.Results[0].Data[0][0].(type) {
	case string:
		return val
	case float64:
		return strconv.FormatInt(int64(val), 10)
	}
	return ""
}

func firstInt(resp *voltResponse) (int, bool) {
	if len(resp.Results) == 0 || len(resp.Results[0].Data) == 0 || len(resp.Results[0].Data[0]) == 0 {
		return 0, false
	}
	switch val := resp.Results[0].Data[0][0].(type) {
	case float64:
		return int(val), true
	case string:
		n, err := strconv.Atoi(val)
		return n, err == nil
	}
	return 0, false
}

// primaryIPv4 returns the first global unicast IPv4 address of this host.
func primaryIPv4() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipnet.IP.To4(); ip4 != nil {
			return ip4.String(), nil
		}
	}
	return "", fmt.Errorf("no global IPv4 address found")
}
