package sink

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/trafficwatch/edge-handler/internal/record"
	"go.uber.org/zap"
)

// LocalStore is a SQLite-backed sink. Two shapes exist behind the same type:
// the spool table (id + opaque payload, FIFO replay order) and the local
// passage projection (typed columns with a 24h TTL trigger). The shape is
// chosen by the constructor; sqlite3 connections are not safe for concurrent
// writers so every statement takes the store mutex.
type LocalStore struct {
	name   string
	db     *sql.DB
	table  string
	codec  *record.Codec
	mu     sync.Mutex
	logger *zap.Logger
}

const spoolDDL = `
CREATE TABLE IF NOT EXISTS %s (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	payload BLOB NOT NULL
)`

const projectionDDL = `
CREATE TABLE IF NOT EXISTS %[1]s (
	row_id         INTEGER PRIMARY KEY AUTOINCREMENT,
	car_id_2k      TEXT NOT NULL,
	vehicle_class  TEXT,
	lane_no        INTEGER,
	turn_type_cd   TEXT,
	turn_time      INTEGER,
	turn_speed     REAL,
	stop_pass_time INTEGER,
	stop_speed     REAL,
	interval_speed REAL,
	first_det_time INTEGER,
	camera_id      TEXT,
	unique_key     TEXT,
	timestamp      INTEGER NOT NULL DEFAULT (strftime('%%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_%[1]s_timestamp ON %[1]s (timestamp);
CREATE INDEX IF NOT EXISTS idx_%[1]s_car_id ON %[1]s (car_id_2k);
CREATE INDEX IF NOT EXISTS idx_%[1]s_turn_type ON %[1]s (turn_type_cd);
CREATE INDEX IF NOT EXISTS idx_%[1]s_lane ON %[1]s (lane_no);
CREATE INDEX IF NOT EXISTS idx_%[1]s_class ON %[1]s (vehicle_class);
CREATE TRIGGER IF NOT EXISTS trg_%[1]s_ttl AFTER INSERT ON %[1]s
BEGIN
	DELETE FROM %[1]s WHERE timestamp < strftime('%%s', 'now') - 86400;
END`

// OpenSpool opens (creating if needed) the failed-record spool.
func OpenSpool(name, database, table string, codec *record.Codec, logger *zap.Logger) (*LocalStore, error) {
	return open(name, database, table, fmt.Sprintf(spoolDDL, table), codec, logger)
}

// OpenProjection opens (creating if needed) the local passage projection.
func OpenProjection(name, database, table string, logger *zap.Logger) (*LocalStore, error) {
	return open(name, database, table, fmt.Sprintf(projectionDDL, table), nil, logger)
}

func open(name, database, table, ddl string, codec *record.Codec, logger *zap.Logger) (*LocalStore, error) {
	db, err := sql.Open("sqlite3", database)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database %s: %w", database, err)
	}
	// One connection keeps in-memory databases coherent and matches the
	// store mutex.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(ddl); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table %s: %w", table, err)
	}
	return &LocalStore{name: name, db: db, table: table, codec: codec, logger: logger}, nil
}

func (s *LocalStore) Name() string { return s.name }

func (s *LocalStore) Connect(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Ping reports database reachability for the readiness probe.
func (s *LocalStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *LocalStore) Close() error { return s.db.Close() }

// Insert routes a record into the store's table shape. A projection store
// quietly skips shapes it has no columns for; those records are still
// considered delivered locally.
func (s *LocalStore) Insert(ctx context.Context, rec record.Record, dataType string) error {
	if s.codec != nil {
		return s.SpoolPut(ctx, rec)
	}
	return s.insertProjection(ctx, rec, dataType)
}

// projectionTypes are the record shapes the typed projection columns fit.
var projectionTypes = map[string]bool{
	record.TypeVehicle2K:      true,
	record.TypeSqliteStraight: true,
	record.TypeSqliteLeft:     true,
	record.TypeSqliteRight:    true,
}

func (s *LocalStore) insertProjection(ctx context.Context, rec record.Record, dataType string) error {
	if !projectionTypes[dataType] {
		s.logger.Debug("projection has no columns for record shape",
			zap.String("data_type", dataType))
		return nil
	}

	carID := rec.Str(record.KeyObjectID)
	if carID == record.Null {
		carID = rec.Str(record.KeyCarID2K)
	}

	stmt := fmt.Sprintf(`INSERT INTO %s (
		car_id_2k, vehicle_class, lane_no, turn_type_cd, turn_time, turn_speed,
		stop_pass_time, stop_speed, interval_speed, first_det_time, camera_id, unique_key
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table)

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, stmt,
		carID,
		rec.Str(record.KeyVehicleClass),
		rec.Int(record.KeyLaneNo),
		rec.Str(record.KeyTurnTypeCd),
		rec.Int(record.KeyTurnTime),
		rec.Float(record.KeyTurnSpeed),
		rec.Int(record.KeyStopPassTime),
		rec.Float(record.KeyStopSpeed),
		rec.Float(record.KeyIntvlSpeed),
		rec.Int(record.KeyFirstDetTime),
		rec.Str(record.KeyCameraID),
		rec.Str(record.KeyUniqueKey),
	)
	if err != nil {
		return fmt.Errorf("inserting into %s: %w", s.table, err)
	}
	return nil
}

// SpoolPut serialises a record into the spool. Byte payloads survive the
// round trip; replay delivers the record exactly as it was about to be sent.
func (s *LocalStore) SpoolPut(ctx context.Context, rec record.Record) error {
	payload, err := s.codec.Encode(rec)
	if err != nil {
		return fmt.Errorf("encoding spool payload: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, fmt.Sprintf("INSERT INTO %s (payload) VALUES (?)", s.table), payload)
	if err != nil {
		return fmt.Errorf("spooling record: %w", err)
	}
	return nil
}

// SpoolFetchOne returns the oldest spooled record. sql.ErrNoRows means the
// spool is empty.
func (s *LocalStore) SpoolFetchOne(ctx context.Context) (int64, record.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var id int64
	var payload []byte
	row := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT id, payload FROM %s ORDER BY id ASC LIMIT 1", s.table))
	if err := row.Scan(&id, &payload); err != nil {
		return 0, nil, err
	}
	rec, err := s.codec.Decode(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("decoding spool row %d: %w", id, err)
	}
	return id, rec, nil
}

// SpoolDelete removes a replayed row.
func (s *LocalStore) SpoolDelete(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", s.table), id)
	if err != nil {
		return fmt.Errorf("deleting spool row %d: %w", id, err)
	}
	return nil
}

// SpoolDepth counts pending rows.
func (s *LocalStore) SpoolDepth(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	row := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", s.table))
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// ProjectionCount counts retained projection rows, used by tests and the
// debug surface.
func (s *LocalStore) ProjectionCount(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	row := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", s.table))
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
