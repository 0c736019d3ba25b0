package ocr

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/trafficwatch/edge-handler/internal/metrics"
	"github.com/trafficwatch/edge-handler/internal/queue"
	"github.com/trafficwatch/edge-handler/internal/record"
	"go.uber.org/zap"
)

// Stage consumes raw-4K records, picks the best plate reading across the
// candidate images on disk and forwards the enriched record to the server
// queue.
type Stage struct {
	in  *queue.Queue[record.Record]
	out *queue.Queue[record.Record]

	detector PlateDetector
	reader   CharReader

	plateSize  int
	charSize   int
	warmupRuns int

	logger *zap.Logger
}

func NewStage(in, out *queue.Queue[record.Record], detector PlateDetector, reader CharReader, plateSize, charSize, warmupRuns int, logger *zap.Logger) *Stage {
	return &Stage{
		in:         in,
		out:        out,
		detector:   detector,
		reader:     reader,
		plateSize:  plateSize,
		charSize:   charSize,
		warmupRuns: warmupRuns,
		logger:     logger,
	}
}

func (s *Stage) Run(ctx context.Context) {
	if err := WarmUp(ctx, s.detector, s.reader, s.plateSize, s.charSize, s.warmupRuns); err != nil {
		s.logger.Warn("model warm-up reported an error", zap.Error(err))
	}

	for {
		rec, err := s.in.Get(ctx)
		if err != nil {
			return
		}
		start := time.Now()
		s.Process(ctx, rec)
		metrics.OCRDuration.Observe(time.Since(start).Seconds())
	}
}

// candidate is one scored plate reading.
type candidate struct {
	text  string
	score float64
	image []byte
	plate []byte
}

// Process runs the best-of-N selection for one raw-4K record. Each candidate
// file is deleted after loading; the record always reaches the server queue,
// with sentinel fields when nothing usable was found.
func (s *Stage) Process(ctx context.Context, rec record.Record) {
	carID := rec.Str(record.KeyCarID4K)
	dir := rec.Str(record.KeyImagePathName)

	paths := s.candidatePaths(dir, carID)
	metrics.OCRCandidates.Observe(float64(len(paths)))
	if len(paths) == 0 {
		s.forwardWithoutImage(rec)
		return
	}

	isMotor := rec.Str(record.KeyVehicleClass) == record.ClassMotorcycle
	best := candidate{score: -1}

	for _, path := range paths {
		img, readErr := os.ReadFile(path)
		if err := os.Remove(path); err != nil {
			s.logger.Warn("failed to delete candidate image", zap.String("path", path), zap.Error(err))
		}
		if readErr != nil {
			s.logger.Warn("failed to load candidate image", zap.String("path", path), zap.Error(readErr))
			continue
		}

		// Motorcycles carry no front plate: keep the first frame as the
		// vehicle image and skip detection entirely.
		if isMotor {
			if best.image == nil {
				best = candidate{text: record.NoPlate, score: 0.1, image: img}
			}
			continue
		}

		cand := s.scoreCandidate(ctx, img)
		if cand.score > best.score {
			best = cand
		}
	}

	if best.image == nil {
		s.forwardWithoutImage(rec)
		return
	}

	rec[record.KeyPlateNum] = best.text
	if best.text == record.NoPlate {
		rec[record.KeyPlateDetected] = record.PlateNo
	} else {
		rec[record.KeyPlateDetected] = record.PlateYes
	}
	rec[record.KeyCarImageFileName] = fmt.Sprintf("%s_%s_%s_%s.jpg",
		carID,
		rec.Str(record.KeyVehicleClass),
		rec.Str(record.KeyLaneNo),
		rec.Str(record.KeyStopPassTime),
	)
	rec[record.KeyPlateImageName] = carID + ".jpg"
	rec[record.KeyImageBytes] = best.image
	if best.plate != nil {
		rec[record.KeyPlateImageBytes] = best.plate
	}
	s.out.Put(rec)
}

func (s *Stage) scoreCandidate(ctx context.Context, img []byte) candidate {
	plate, err := s.detector.DetectPlate(ctx, img)
	if err != nil {
		s.logger.Warn("plate detection failed", zap.Error(err))
		return candidate{text: record.NoPlate, score: 0.1, image: img}
	}
	if plate == nil {
		// No plate located; the vehicle image still competes as a fallback.
		return candidate{text: record.NoPlate, score: 0.1, image: img}
	}

	chars, err := s.reader.ReadChars(ctx, plate)
	if err != nil {
		s.logger.Warn("character recognition failed", zap.Error(err))
		return candidate{text: record.NoPlate, score: 0.1, image: img, plate: plate}
	}
	text, score := ReassemblePlate(chars, s.reader.ClassName)
	return candidate{text: text, score: score, image: img, plate: plate}
}

// candidatePaths lists files named {car_id}_* in the record's image
// directory, sorted for deterministic first-seen tie-breaks.
func (s *Stage) candidatePaths(dir, carID string) []string {
	if dir == "" || dir == record.Null || carID == "" || carID == record.Null {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		s.logger.Warn("failed to list image directory", zap.String("dir", dir), zap.Error(err))
		return nil
	}
	prefix := carID + "_"
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	return paths
}

func (s *Stage) forwardWithoutImage(rec record.Record) {
	rec[record.KeyPlateNum] = record.NoPlate
	rec[record.KeyPlateDetected] = record.PlateNo
	rec[record.KeyImagePathName] = record.NoImage
	rec[record.KeyCarImageFileName] = record.NoImage
	rec[record.KeyPlateImageName] = record.NoImage
	s.out.Put(rec)
}
