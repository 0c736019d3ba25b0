// Package identity holds the camera identity discovered at runtime. Several
// workers race to resolve it (RPC info endpoint, columnar-DB camera table,
// manual config); the first writer wins and the value never changes.
package identity

import "sync/atomic"

// Info is the resolved camera identity.
type Info struct {
	CameraID   string
	LaneOffset int
}

// Cell is a one-shot promise. Readers see either "unset" or the fixed value.
type Cell struct {
	val   atomic.Pointer[Info]
	ready chan struct{}
}

func NewCell() *Cell {
	return &Cell{ready: make(chan struct{})}
}

// Resolve publishes the identity. Only the first call takes effect; the
// return value reports whether this call was the one that resolved the cell.
func (c *Cell) Resolve(cameraID string, laneOffset int) bool {
	if cameraID == "" {
		return false
	}
	info := &Info{CameraID: cameraID, LaneOffset: laneOffset}
	if !c.val.CompareAndSwap(nil, info) {
		return false
	}
	close(c.ready)
	return true
}

// Get returns the identity and whether it has been resolved.
func (c *Cell) Get() (Info, bool) {
	p := c.val.Load()
	if p == nil {
		return Info{}, false
	}
	return *p, true
}

// Resolved reports whether the identity is known.
func (c *Cell) Resolved() bool {
	return c.val.Load() != nil
}

// Ready returns a channel closed once the identity is resolved.
func (c *Cell) Ready() <-chan struct{} {
	return c.ready
}
