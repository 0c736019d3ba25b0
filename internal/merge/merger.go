// Package merge fuses 2K and 4K observations of the same vehicle at the
// stop line. 2K is authoritative for kinematics; the matched 4K contributes
// the plate identification fields.
package merge

import (
	"context"
	"sort"
	"time"

	"github.com/trafficwatch/edge-handler/internal/metrics"
	"github.com/trafficwatch/edge-handler/internal/queue"
	"github.com/trafficwatch/edge-handler/internal/record"
	"github.com/trafficwatch/edge-handler/internal/router"
	"go.uber.org/zap"
)

// bufferKey groups buffered observations; only same-lane same-class pairs
// can fuse.
type bufferKey struct {
	lane  string
	class string
}

type Merger struct {
	in2K *queue.Queue[record.Record]
	in4K *queue.Queue[record.Record]
	out  *queue.Queue[record.Record]

	site   *router.SiteRemap
	window int64
	maxAge int64
	now    func() int64

	buf2K map[bufferKey][]record.Record
	buf4K map[bufferKey][]record.Record

	logger *zap.Logger
}

func New(in2K, in4K, out *queue.Queue[record.Record], site *router.SiteRemap, windowSeconds, maxAgeSeconds int, logger *zap.Logger) *Merger {
	return &Merger{
		in2K:   in2K,
		in4K:   in4K,
		out:    out,
		site:   site,
		window: int64(windowSeconds),
		maxAge: int64(maxAgeSeconds),
		now:    func() int64 { return time.Now().Unix() },
		buf2K:  make(map[bufferKey][]record.Record),
		buf4K:  make(map[bufferKey][]record.Record),
		logger: logger,
	}
}

// Run blocks on the 2K queue, then drains both queues without blocking and
// runs one matching pass. The 4K side is never blocked on: a 4K observation
// with no 2K counterpart has nothing to fuse with.
func (m *Merger) Run(ctx context.Context) {
	for {
		rec, err := m.in2K.Get(ctx)
		if err != nil {
			return
		}
		m.insert(m.buf2K, rec)

		for {
			r, ok := m.in2K.TryGet()
			if !ok {
				break
			}
			m.insert(m.buf2K, r)
		}
		for {
			r, ok := m.in4K.TryGet()
			if !ok {
				break
			}
			m.insert(m.buf4K, r)
		}

		m.matchPass(m.now())

		metrics.MergeBufferSize.WithLabelValues("2k").Set(float64(bufferLen(m.buf2K)))
		metrics.MergeBufferSize.WithLabelValues("4k").Set(float64(bufferLen(m.buf4K)))
	}
}

// insert places a record into its keyed buffer, keeping the slice sorted by
// stop_pass_time. U-turns never fuse and are dropped outright.
func (m *Merger) insert(buf map[bufferKey][]record.Record, rec record.Record) {
	if rec.Str(record.KeyTurnTypeCd) == record.TurnUTurn {
		return
	}
	if !rec.Has(record.KeyStopPassTime) {
		m.logger.Warn("dropping record without stop_pass_time",
			zap.String("data_type", rec.Type()),
			zap.String("key", rec.Str(record.KeyUniqueKeyPlain)),
		)
		return
	}

	key := bufferKey{
		lane:  rec.Str(record.KeyLaneNo),
		class: rec.Str(record.KeyVehicleClass),
	}
	t := rec.Int(record.KeyStopPassTime)
	seq := buf[key]
	idx := sort.Search(len(seq), func(i int) bool {
		return seq[i].Int(record.KeyStopPassTime) >= t
	})
	seq = append(seq, nil)
	copy(seq[idx+1:], seq[idx:])
	seq[idx] = rec
	buf[key] = seq
}

// matchPass ages both buffers, then runs a two-pointer walk per shared key.
func (m *Merger) matchPass(now int64) {
	cutoff := now - m.maxAge
	ageBuffer(m.buf2K, cutoff)
	ageBuffer(m.buf4K, cutoff)

	for key, seq2K := range m.buf2K {
		seq4K, ok := m.buf4K[key]
		if !ok {
			continue
		}

		var matched2, matched4 []int
		i, j := 0, 0
		for i < len(seq2K) && j < len(seq4K) {
			t2 := seq2K[i].Int(record.KeyStopPassTime)
			t4 := seq4K[j].Int(record.KeyStopPassTime)
			switch {
			case abs(t2-t4) <= m.window:
				m.emit(seq2K[i], seq4K[j])
				matched2 = append(matched2, i)
				matched4 = append(matched4, j)
				i++
				j++
			case t2 < t4-m.window:
				i++
			default:
				j++
			}
		}

		m.buf2K[key] = deleteIndices(seq2K, matched2)
		m.buf4K[key] = deleteIndices(seq4K, matched4)
		if len(m.buf2K[key]) == 0 {
			delete(m.buf2K, key)
		}
		if len(m.buf4K[key]) == 0 {
			delete(m.buf4K, key)
		}
	}
}

// emit publishes the fused record: a clone of the 2K observation retagged as
// merge with the 4K plate fields copied in. Under site remap the merged
// record gets the substituted camera/lane, and the matched 4K is republished
// with the same substitution as an extra server record.
func (m *Merger) emit(rec2K, rec4K record.Record) {
	merged := rec2K.Clone()
	merged[record.KeyDataType] = record.TypeMerge
	merged[record.KeyCarID] = merged.Str(record.KeyCarID2K)
	merged[record.KeyPlateNum] = rec4K.Str(record.KeyPlateNum)
	merged[record.KeyPlateImageName] = rec4K.Str(record.KeyPlateImageName)
	merged[record.KeyPlateDetected] = rec4K.Str(record.KeyPlateDetected)

	if m.site != nil {
		merged = m.site.Apply(merged)

		extra := rec4K.Clone()
		extra[record.KeyCameraID] = merged.Str(record.KeyCameraID)
		extra[record.KeyLaneNo] = merged.Str(record.KeyLaneNo)
		m.out.Put(extra)
		metrics.MergeEmittedTotal.WithLabelValues("extra_4k").Inc()
	}

	m.out.Put(merged)
	metrics.MergeEmittedTotal.WithLabelValues("merged").Inc()

	m.logger.Debug("merged 2k/4k pair",
		zap.String("car_id", merged.Str(record.KeyCarID)),
		zap.String("plate_num", merged.Str(record.KeyPlateNum)),
	)
}

func ageBuffer(buf map[bufferKey][]record.Record, cutoff int64) {
	for key, seq := range buf {
		idx := sort.Search(len(seq), func(i int) bool {
			return seq[i].Int(record.KeyStopPassTime) >= cutoff
		})
		if idx == 0 {
			continue
		}
		metrics.MergeAgedOutTotal.Add(float64(idx))
		if idx == len(seq) {
			delete(buf, key)
			continue
		}
		buf[key] = seq[idx:]
	}
}

// deleteIndices removes the given ascending indices, walking backwards so
// earlier removals do not shift later ones.
func deleteIndices(seq []record.Record, indices []int) []record.Record {
	for k := len(indices) - 1; k >= 0; k-- {
		i := indices[k]
		seq = append(seq[:i], seq[i+1:]...)
	}
	return seq
}

func bufferLen(buf map[bufferKey][]record.Record) int {
	n := 0
	for _, seq := range buf {
		n += len(seq)
	}
	return n
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
