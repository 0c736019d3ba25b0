// Package router turns raw bus payloads into structured records and decides
// which stage queue each record enters.
package router

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/trafficwatch/edge-handler/internal/metrics"
	"github.com/trafficwatch/edge-handler/internal/record"
	"go.uber.org/zap"
)

// BuildResult names the internal queues each produced record goes to.
type BuildResult struct {
	ToServer []record.Record
	ToMerge  []record.Record
	ToOCR    []record.Record
}

// Empty reports whether the payload produced no records.
func (b BuildResult) Empty() bool {
	return len(b.ToServer) == 0 && len(b.ToMerge) == 0 && len(b.ToOCR) == 0
}

type Router struct {
	site   *SiteRemap // nil unless the site remap is enabled
	logger *zap.Logger
}

func New(site *SiteRemap, logger *zap.Logger) *Router {
	return &Router{site: site, logger: logger}
}

type buildFunc func(payload string) (BuildResult, error)

// Route translates one payload. Parse failures log and return an empty
// result; no error crosses the receiver boundary.
func (r *Router) Route(payload []byte, label string, sendTo []string) BuildResult {
	text := strings.TrimSpace(string(payload))

	var build buildFunc
	switch label {
	case "vehicle_2k":
		build = r.buildVehicle2K
	case "vehicle_raw_4k":
		build = r.buildVehicleRaw4K
	case "vehicle_4k":
		build = r.buildVehicle4K
	case "ped":
		build = r.buildPed
	case "stats":
		build = r.buildStats
	case "queue":
		build = r.buildQueue
	case "incident":
		build = r.buildIncident
	case "sqlite_st", "sqlite_lt", "sqlite_rt":
		build = func(p string) (BuildResult, error) { return r.buildSqlite(p, label) }
	case "presence_vh", "presence_wait", "presence_cross":
		build = func(p string) (BuildResult, error) { return r.buildPresence(p, label) }
	default:
		metrics.ParseErrorsTotal.WithLabelValues(label, "unknown_label").Inc()
		r.logger.Error("no build function for label", zap.String("label", label))
		return BuildResult{}
	}

	result, err := build(text)
	if err != nil {
		metrics.ParseErrorsTotal.WithLabelValues(label, "parse").Inc()
		r.logger.Error("failed to build records from payload",
			zap.String("label", label),
			zap.String("payload", truncate(text, 200)),
			zap.Error(err),
		)
		return BuildResult{}
	}

	r.stampDestinations(result, sendTo)
	return result
}

// stampDestinations writes the permitted destination list onto every output
// record. Merge-typed records that already carry one keep it; the site-remap
// path pins its merge seeds to a dedicated destination set.
func (r *Router) stampDestinations(result BuildResult, sendTo []string) {
	for _, list := range [][]record.Record{result.ToServer, result.ToMerge, result.ToOCR} {
		for _, rec := range list {
			if rec.Type() == record.TypeMerge && rec.SendTo() != nil {
				continue
			}
			rec.SetSendTo(sendTo)
		}
	}
}

var csv2KKeys = []string{
	record.KeyCarID2K,
	record.KeyVehicleClass,
	record.KeyLaneNo,
	record.KeyTurnTypeCd,
	record.KeyTurnTime,
	record.KeyTurnSpeed,
	record.KeyStopPassTime,
	record.KeyStopSpeed,
	record.KeyIntvlSpeed,
	record.KeyFirstDetTime,
	record.KeyObserveTime,
	record.KeyImagePathName,
	record.KeyCarImageFileName,
}

var csvRaw4KKeys = []string{
	record.KeyCarID4K,
	record.KeyStopPassTime,
	record.KeyLaneNo,
	record.KeyVehicleClass,
	record.KeyImagePathName,
}

var csvPedKeys = []string{
	record.KeyTraceID,
	record.KeyDetTime,
	record.KeyDirectionCd,
}

func parseCSV(payload, dataType string, keys []string) (record.Record, error) {
	fields := strings.Split(payload, ",")
	if len(fields) != len(keys) {
		return nil, fmt.Errorf("expected %d fields, got %d", len(keys), len(fields))
	}
	rec := record.New(dataType)
	for i, key := range keys {
		rec[key] = strings.TrimSpace(fields[i])
	}
	return rec, nil
}

func vehicle2KKey(rec record.Record) string {
	return record.JoinKey(
		rec.Str(record.KeyCarID2K),
		rec.Str(record.KeyStopPassTime),
		rec.Str(record.KeyVehicleClass),
		rec.Str(record.KeyLaneNo),
		rec.Str(record.KeyTurnTime),
		rec.Str(record.KeyStopSpeed),
		rec.Str(record.KeyCarImageFileName),
	)
}

func vehicle4KKey(rec record.Record) string {
	return record.JoinKey(
		rec.Str(record.KeyCarID4K),
		rec.Str(record.KeyStopPassTime),
		rec.Str(record.KeyVehicleClass),
		rec.Str(record.KeyLaneNo),
	)
}

// buildVehicle2K produces three records from one detection: the 2K record
// itself, a pessimistic merge seed (in case no 4K observation ever matches),
// and a buffer copy for the merger. Under site remap the server-bound pair
// gets substituted camera/lane while the merger keeps detector lanes.
func (r *Router) buildVehicle2K(payload string) (BuildResult, error) {
	rec, err := parseCSV(payload, record.TypeVehicle2K, csv2KKeys)
	if err != nil {
		return BuildResult{}, err
	}
	rec[record.KeyUniqueKeyPlain] = vehicle2KKey(rec)

	toMerge := rec.Clone()

	serverRec := rec
	if r.site != nil {
		serverRec = r.site.Apply(rec.Clone())
	}

	seed := serverRec.Clone()
	seed[record.KeyDataType] = record.TypeMerge
	seed[record.KeyCarID] = seed.Str(record.KeyCarID2K)
	seed[record.KeyPlateDetected] = record.PlateNo
	if r.site != nil {
		if dests := r.site.MergeSendTo(); len(dests) > 0 {
			seed.SetSendTo(dests)
		}
	}

	return BuildResult{
		ToServer: []record.Record{serverRec, seed},
		ToMerge:  []record.Record{toMerge},
	}, nil
}

func (r *Router) buildVehicleRaw4K(payload string) (BuildResult, error) {
	rec, err := parseCSV(payload, record.TypeVehicleRaw4K, csvRaw4KKeys)
	if err != nil {
		return BuildResult{}, err
	}
	rec[record.KeyUniqueKeyPlain] = vehicle4KKey(rec)
	return BuildResult{ToOCR: []record.Record{rec}}, nil
}

func (r *Router) buildVehicle4K(payload string) (BuildResult, error) {
	rec, err := parseObject(payload, record.TypeVehicle4K)
	if err != nil {
		return BuildResult{}, err
	}
	if !rec.Has(record.KeyUniqueKeyPlain) {
		rec[record.KeyUniqueKeyPlain] = vehicle4KKey(rec)
	}
	return BuildResult{
		ToServer: []record.Record{rec.Clone()},
		ToMerge:  []record.Record{rec},
	}, nil
}

func (r *Router) buildPed(payload string) (BuildResult, error) {
	rec, err := parseCSV(payload, record.TypePed, csvPedKeys)
	if err != nil {
		return BuildResult{}, err
	}
	rec[record.KeyUniqueKeyPlain] = record.JoinKey(
		rec.Str(record.KeyTraceID),
		rec.Str(record.KeyDetTime),
	)
	return BuildResult{ToServer: []record.Record{rec}}, nil
}

// statsKeyExtras names the discriminator appended to each sub-category's
// natural key.
var statsKeyExtras = map[string]string{
	"approach":      "",
	"turn_types":    record.KeyTurnTypeCd,
	"lanes":         record.KeyLaneNo,
	"vehicle_types": record.KeyVehicleClass,
}

func (r *Router) buildStats(payload string) (BuildResult, error) {
	return r.buildGrouped(payload, "_stats", statsKeyExtras, func(rec record.Record, extra string) {
		parts := []string{
			rec.Str(record.KeyHrTypeCd),
			rec.Str(record.KeyStatsStart),
			rec.Str(record.KeyStatsEnd),
		}
		if extra != "" {
			parts = append(parts, rec.Str(extra))
		}
		rec[record.KeyUniqueKeyPlain] = record.JoinKey(parts...)
	})
}

var queueKeyExtras = map[string]string{
	"approach": record.KeyVehicleClass,
	"lanes":    record.KeyLaneNo,
}

func (r *Router) buildQueue(payload string) (BuildResult, error) {
	return r.buildGrouped(payload, "_queue", queueKeyExtras, func(rec record.Record, extra string) {
		parts := []string{
			rec.Str(record.KeyStatsStart),
			rec.Str(record.KeyStatsEnd),
		}
		if extra != "" {
			parts = append(parts, rec.Str(extra))
		}
		rec[record.KeyUniqueKeyPlain] = record.JoinKey(parts...)
	})
}

// buildGrouped handles the stats/queue shape: a JSON object whose keys name
// sub-categories and whose values are one object or a list of objects, each
// becoming its own record tagged {name}{suffix}.
func (r *Router) buildGrouped(payload, suffix string, extras map[string]string, setKey func(record.Record, string)) (BuildResult, error) {
	var groups map[string]any
	if err := json.Unmarshal([]byte(payload), &groups); err != nil {
		return BuildResult{}, fmt.Errorf("decoding grouped payload: %w", err)
	}

	var out []record.Record
	for name, value := range groups {
		extra, known := extras[name]
		if !known {
			r.logger.Warn("skipping unknown group", zap.String("group", name))
			continue
		}
		for _, m := range subObjects(value) {
			rec := record.Record(m)
			rec[record.KeyDataType] = name + suffix
			setKey(rec, extra)
			out = append(out, rec)
		}
	}
	if len(out) == 0 {
		return BuildResult{}, fmt.Errorf("no known groups in payload")
	}
	return BuildResult{ToServer: out}, nil
}

func subObjects(v any) []map[string]any {
	switch t := v.(type) {
	case map[string]any:
		return []map[string]any{t}
	case []any:
		out := make([]map[string]any, 0, len(t))
		for _, item := range t {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}

func (r *Router) buildIncident(payload string) (BuildResult, error) {
	var body map[string]json.RawMessage
	if err := json.Unmarshal([]byte(payload), &body); err != nil {
		return BuildResult{}, fmt.Errorf("decoding incident payload: %w", err)
	}
	if len(body) != 1 {
		return BuildResult{}, fmt.Errorf("incident payload must have exactly one of start/end, got %d keys", len(body))
	}

	for phase, raw := range body {
		var dataType string
		switch phase {
		case "start":
			dataType = record.TypeIncidentStart
		case "end":
			dataType = record.TypeIncidentEnd
		default:
			return BuildResult{}, fmt.Errorf("unknown incident phase %q", phase)
		}
		rec, err := parseObject(string(raw), dataType)
		if err != nil {
			return BuildResult{}, err
		}
		rec[record.KeyUniqueKeyPlain] = record.JoinKey(
			rec.Str(record.KeyTraceID),
			rec.Str(record.KeyIncidentStart),
		)
		return BuildResult{ToServer: []record.Record{rec}}, nil
	}
	return BuildResult{}, nil
}

var sqliteTurnCodes = map[string]string{
	"sqlite_st": record.TurnStraight,
	"sqlite_lt": record.TurnLeft,
	"sqlite_rt": record.TurnRight,
}

// buildSqlite accepts 2K-shaped records relayed from neighbor edges for the
// local aggregation table. Each channel carries one turn direction; records
// with any other turn code are dropped. The records arrive already hashed,
// so _prepared is set to keep the sender from re-running prepare.
func (r *Router) buildSqlite(payload, label string) (BuildResult, error) {
	rec, err := parseObject(payload, label)
	if err != nil {
		return BuildResult{}, err
	}
	if !rec.Has(record.KeyUniqueKeyPlain) {
		rec[record.KeyUniqueKeyPlain] = vehicle2KKey(rec)
	}
	rec.SetPrepared()

	if code := rec.Str(record.KeyTurnTypeCd); code != sqliteTurnCodes[label] {
		r.logger.Debug("dropping record with non-matching turn code",
			zap.String("label", label),
			zap.String("turn_type_cd", code),
		)
		return BuildResult{}, nil
	}
	return BuildResult{ToServer: []record.Record{rec}}, nil
}

func (r *Router) buildPresence(payload, label string) (BuildResult, error) {
	state := strings.TrimSpace(payload)
	if state != "0" && state != "1" {
		return BuildResult{}, fmt.Errorf("presence payload must be 0 or 1, got %q", truncate(state, 20))
	}
	rec := record.New(label)
	rec[record.KeyPresenceState] = int(state[0] - '0')
	rec[record.KeyUniqueKeyPlain] = state
	return BuildResult{ToServer: []record.Record{rec}}, nil
}

func parseObject(payload, dataType string) (record.Record, error) {
	var m map[string]any
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		return nil, fmt.Errorf("decoding object payload: %w", err)
	}
	rec := record.Record(m)
	rec[record.KeyDataType] = dataType
	return rec, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
