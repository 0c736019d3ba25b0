package imagex

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/trafficwatch/edge-handler/internal/metrics"
	"go.uber.org/zap"
)

var imageExts = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
}

// Sweeper removes stale image files from registered directories. Directories
// are registered as records flow through the sender; the OCR stage deletes
// its own inputs, the sweeper catches everything that never reached a stage.
type Sweeper struct {
	mu     sync.Mutex
	dirs   map[string]struct{}
	maxAge time.Duration
	logger *zap.Logger
}

func NewSweeper(maxAgeSeconds int, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		dirs:   make(map[string]struct{}),
		maxAge: time.Duration(maxAgeSeconds) * time.Second,
		logger: logger,
	}
}

// Register adds a directory to the sweep set.
func (s *Sweeper) Register(dir string) {
	if dir == "" {
		return
	}
	s.mu.Lock()
	s.dirs[dir] = struct{}{}
	s.mu.Unlock()
}

// Run sweeps every interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context, intervalSeconds int) {
	ticker := time.NewTicker(time.Duration(intervalSeconds) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(time.Now())
		}
	}
}

// Sweep deletes image files older than the age threshold in every
// registered directory.
func (s *Sweeper) Sweep(now time.Time) {
	s.mu.Lock()
	dirs := make([]string, 0, len(s.dirs))
	for dir := range s.dirs {
		dirs = append(dirs, dir)
	}
	s.mu.Unlock()

	cutoff := now.Add(-s.maxAge)
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			s.logger.Warn("failed to list sweep directory", zap.String("dir", dir), zap.Error(err))
			continue
		}
		for _, e := range entries {
			if e.IsDir() || !imageExts[strings.ToLower(filepath.Ext(e.Name()))] {
				continue
			}
			info, err := e.Info()
			if err != nil || !info.ModTime().Before(cutoff) {
				continue
			}
			path := filepath.Join(dir, e.Name())
			if err := os.Remove(path); err != nil {
				s.logger.Warn("failed to remove stale image", zap.String("path", path), zap.Error(err))
				continue
			}
			metrics.SweptFilesTotal.Inc()
			s.logger.Debug("removed stale image", zap.String("path", path))
		}
	}
}
