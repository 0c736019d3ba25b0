package merge

import (
	"testing"

	"github.com/trafficwatch/edge-handler/internal/config"
	"github.com/trafficwatch/edge-handler/internal/queue"
	"github.com/trafficwatch/edge-handler/internal/record"
	"github.com/trafficwatch/edge-handler/internal/router"
	"go.uber.org/zap"
)

const testNow int64 = 1700000100

func newTestMerger(site *router.SiteRemap) (*Merger, *queue.Queue[record.Record]) {
	out := queue.New[record.Record]()
	m := New(queue.New[record.Record](), queue.New[record.Record](), out, site, 1, 60, zap.NewNop())
	m.now = func() int64 { return testNow }
	return m, out
}

func rec2K(carID string, lane, stop int64) record.Record {
	r := record.New(record.TypeVehicle2K)
	r[record.KeyCarID2K] = carID
	r[record.KeyLaneNo] = lane
	r[record.KeyVehicleClass] = "PCAR"
	r[record.KeyTurnTypeCd] = record.TurnStraight
	r[record.KeyStopPassTime] = stop
	return r
}

func rec4K(carID string, lane, stop int64, plate string) record.Record {
	r := record.New(record.TypeVehicle4K)
	r[record.KeyCarID4K] = carID
	r[record.KeyLaneNo] = lane
	r[record.KeyVehicleClass] = "PCAR"
	r[record.KeyStopPassTime] = stop
	r[record.KeyPlateNum] = plate
	r[record.KeyPlateDetected] = record.PlateYes
	r[record.KeyPlateImageName] = carID + ".jpg"
	return r
}

func drain(q *queue.Queue[record.Record]) []record.Record {
	var out []record.Record
	for {
		r, ok := q.TryGet()
		if !ok {
			return out
		}
		out = append(out, r)
	}
}

func TestMatchWithinWindow(t *testing.T) {
	m, out := newTestMerger(nil)
	m.insert(m.buf2K, rec2K("777", 2, testNow-2))
	m.insert(m.buf4K, rec4K("888", 2, testNow-1, "12GA3456"))

	m.matchPass(testNow)

	emitted := drain(out)
	if len(emitted) != 1 {
		t.Fatalf("emitted %d records, want 1", len(emitted))
	}
	merged := emitted[0]
	if merged.Type() != record.TypeMerge {
		t.Errorf("data_type = %q", merged.Type())
	}
	if merged.Str(record.KeyCarID) != "777" {
		t.Errorf("car_id = %q, want 777 (2K authority)", merged.Str(record.KeyCarID))
	}
	if merged.Str(record.KeyPlateNum) != "12GA3456" {
		t.Errorf("plate_num = %q", merged.Str(record.KeyPlateNum))
	}
	if merged.Str(record.KeyPlateDetected) != record.PlateYes {
		t.Errorf("plate_detected = %q", merged.Str(record.KeyPlateDetected))
	}

	// Matched entries are consumed.
	if len(m.buf2K) != 0 || len(m.buf4K) != 0 {
		t.Errorf("buffers not emptied: %d/%d keys", len(m.buf2K), len(m.buf4K))
	}
}

func TestNoMatchOutsideWindow(t *testing.T) {
	m, out := newTestMerger(nil)
	m.insert(m.buf2K, rec2K("777", 2, testNow-10))
	m.insert(m.buf4K, rec4K("888", 2, testNow-2, "12GA3456"))

	m.matchPass(testNow)

	if emitted := drain(out); len(emitted) != 0 {
		t.Fatalf("emitted %d records for a 8s gap", len(emitted))
	}
	// Both sides stay buffered for a later pass.
	if bufferLen(m.buf2K) != 1 || bufferLen(m.buf4K) != 1 {
		t.Errorf("buffer sizes = %d/%d, want 1/1", bufferLen(m.buf2K), bufferLen(m.buf4K))
	}
}

func TestKeyIsolation(t *testing.T) {
	m, out := newTestMerger(nil)
	// Same time but different lanes: never fuses.
	m.insert(m.buf2K, rec2K("777", 1, testNow-2))
	m.insert(m.buf4K, rec4K("888", 2, testNow-2, "12GA3456"))

	m.matchPass(testNow)
	if emitted := drain(out); len(emitted) != 0 {
		t.Fatalf("cross-lane match emitted %d records", len(emitted))
	}
}

func TestMatchUniquenessPerPass(t *testing.T) {
	m, out := newTestMerger(nil)
	// Two 2K and one 4K all within the window of each other: the single 4K
	// fuses exactly once.
	m.insert(m.buf2K, rec2K("701", 2, testNow-3))
	m.insert(m.buf2K, rec2K("702", 2, testNow-2))
	m.insert(m.buf4K, rec4K("888", 2, testNow-3, "12GA3456"))

	m.matchPass(testNow)

	emitted := drain(out)
	if len(emitted) != 1 {
		t.Fatalf("emitted %d records, want 1", len(emitted))
	}
	if emitted[0].Str(record.KeyCarID) != "701" {
		t.Errorf("matched car_id = %q, want first-encountered 701", emitted[0].Str(record.KeyCarID))
	}
	if bufferLen(m.buf2K) != 1 {
		t.Errorf("unmatched 2K count = %d, want 1", bufferLen(m.buf2K))
	}
}

func TestUTurnNeverBuffered(t *testing.T) {
	m, _ := newTestMerger(nil)
	r := rec2K("777", 2, testNow)
	r[record.KeyTurnTypeCd] = record.TurnUTurn
	m.insert(m.buf2K, r)

	if bufferLen(m.buf2K) != 0 {
		t.Error("u-turn record entered the buffer")
	}
}

func TestAgingBound(t *testing.T) {
	m, out := newTestMerger(nil)
	m.insert(m.buf2K, rec2K("old", 2, testNow-61))
	m.insert(m.buf2K, rec2K("fresh", 2, testNow-5))
	m.insert(m.buf4K, rec4K("stale4k", 3, testNow-120, "XX"))

	m.matchPass(testNow)
	drain(out)

	for _, seq := range m.buf2K {
		for _, r := range seq {
			if r.Int(record.KeyStopPassTime) < testNow-60 {
				t.Errorf("entry older than cutoff survived: %d", r.Int(record.KeyStopPassTime))
			}
		}
	}
	if bufferLen(m.buf2K) != 1 {
		t.Errorf("2K buffer size = %d, want 1 (fresh only)", bufferLen(m.buf2K))
	}
	if bufferLen(m.buf4K) != 0 {
		t.Errorf("4K buffer size = %d, want 0", bufferLen(m.buf4K))
	}
}

func TestOutputOrderedPerKey(t *testing.T) {
	m, out := newTestMerger(nil)
	// Insert out of order; the sorted buffer restores time order.
	m.insert(m.buf2K, rec2K("b", 2, testNow-4))
	m.insert(m.buf2K, rec2K("a", 2, testNow-8))
	m.insert(m.buf4K, rec4K("4a", 2, testNow-8, "P1"))
	m.insert(m.buf4K, rec4K("4b", 2, testNow-4, "P2"))

	m.matchPass(testNow)

	emitted := drain(out)
	if len(emitted) != 2 {
		t.Fatalf("emitted %d records, want 2", len(emitted))
	}
	t0 := emitted[0].Int(record.KeyStopPassTime)
	t1 := emitted[1].Int(record.KeyStopPassTime)
	if t0 > t1 {
		t.Errorf("emission order not nondecreasing: %d then %d", t0, t1)
	}
}

func TestSiteRemapEmitsExtra4K(t *testing.T) {
	site := router.NewSiteRemap(config.SpecialSiteConfig{
		Enabled: true,
		Directions: map[string]config.DirectionConfig{
			"straight": {CamID: "CAM-S", Lanes: []int{4, 5}},
			"left":     {CamID: "CAM-L", Lanes: []int{1}},
			"right":    {CamID: "CAM-R", Lanes: []int{7}},
		},
	})
	m, out := newTestMerger(site)
	m.insert(m.buf2K, rec2K("777", 2, testNow-2))
	m.insert(m.buf4K, rec4K("888", 2, testNow-2, "12GA3456"))

	m.matchPass(testNow)

	emitted := drain(out)
	if len(emitted) != 2 {
		t.Fatalf("emitted %d records, want merged + extra 4K", len(emitted))
	}

	extra, merged := emitted[0], emitted[1]
	if extra.Type() != record.TypeVehicle4K {
		t.Errorf("first emission type = %q, want the republished 4K", extra.Type())
	}
	if merged.Type() != record.TypeMerge {
		t.Errorf("second emission type = %q", merged.Type())
	}
	// Lane 2 on a two-lane straight direction maps to real lane 4.
	for _, r := range emitted {
		if r.Str(record.KeyCameraID) != "CAM-S" {
			t.Errorf("%s camera_id = %q, want CAM-S", r.Type(), r.Str(record.KeyCameraID))
		}
		if r.Str(record.KeyLaneNo) != "4" {
			t.Errorf("%s lane_no = %q, want 4", r.Type(), r.Str(record.KeyLaneNo))
		}
	}
}
