package router

import (
	"strconv"

	"github.com/trafficwatch/edge-handler/internal/config"
	"github.com/trafficwatch/edge-handler/internal/record"
)

// SiteRemap substitutes camera id and lane number on 2K-shaped records at a
// deployment whose physical lane layout does not match the detector's lane
// numbering. One camera per turn direction.
type SiteRemap struct {
	directions  map[string]config.DirectionConfig
	mergeSendTo []string
}

// NewSiteRemap returns nil when the site remap is disabled.
func NewSiteRemap(cfg config.SpecialSiteConfig) *SiteRemap {
	if !cfg.Enabled {
		return nil
	}
	return &SiteRemap{
		directions:  cfg.Directions,
		mergeSendTo: cfg.MergeSendTo,
	}
}

var turnDirections = map[string]string{
	record.TurnStraight: "straight",
	record.TurnLeft:     "left",
	record.TurnRight:    "right",
}

// Apply overwrites camera_id and lane_no in place according to the record's
// turn direction and returns the same record. Unknown turn codes pass
// through untouched.
func (s *SiteRemap) Apply(rec record.Record) record.Record {
	name, ok := turnDirections[rec.Str(record.KeyTurnTypeCd)]
	if !ok {
		return rec
	}
	dir, ok := s.directions[name]
	if !ok || len(dir.Lanes) == 0 {
		return rec
	}

	idx := laneGroupIndex(len(dir.Lanes), int(rec.Int(record.KeyLaneNo)))
	rec[record.KeyCameraID] = dir.CamID
	rec[record.KeyLaneNo] = strconv.Itoa(dir.Lanes[idx])
	return rec
}

// MergeSendTo returns the destination override for merge-seed records, or
// nil when the stamped receiver destinations should be kept.
func (s *SiteRemap) MergeSendTo() []string {
	return s.mergeSendTo
}

// laneGroupIndex reduces a detector lane number to an index into the
// direction's real-lane list. The grouping is fixed per lane count; other
// counts map 1:1 by zero-based index, clamped to the list.
func laneGroupIndex(laneCount, lane int) int {
	switch laneCount {
	case 1:
		return 0
	case 2:
		if lane <= 2 {
			return 0
		}
		return 1
	case 3:
		switch {
		case lane <= 2:
			return 0
		case lane == 3:
			return 1
		default:
			return 2
		}
	default:
		idx := lane - 1
		if idx < 0 {
			idx = 0
		}
		if idx >= laneCount {
			idx = laneCount - 1
		}
		return idx
	}
}
