package mapping

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"gonum.org/v1/gonum/mat"
)

// WindowEntry is one keyframe held by a LocalWindow.
type WindowEntry struct {
	ID          int
	Pose        *mat.Dense
	LandmarkIDs []int
}

// LocalWindow keeps the most recent keyframes up to a fixed size. It also carries the busy and
// stop flags a mapper running beside the tracker would raise.
type LocalWindow struct {
	mu      sync.Mutex
	size    int
	entries []WindowEntry

	busy          atomic.Bool
	stopRequested atomic.Bool
}

// NewLocalWindow returns an empty window holding at most size keyframes.
func NewLocalWindow(size int) (*LocalWindow, error) {
	if size < 1 {
		return nil, errors.Errorf("local window size must be at least 1, got %d", size)
	}
	return &LocalWindow{size: size}, nil
}

// AddKeyframe appends a keyframe and evicts the oldest once the window is full.
func (w *LocalWindow) AddKeyframe(id int, pose mat.Matrix, landmarkIDs []int) {
	ids := make([]int, len(landmarkIDs))
	copy(ids, landmarkIDs)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = append(w.entries, WindowEntry{ID: id, Pose: mat.DenseCopyOf(pose), LandmarkIDs: ids})
	if len(w.entries) > w.size {
		w.entries = w.entries[len(w.entries)-w.size:]
	}
}

// Refine would run local bundle adjustment over the window.
func (w *LocalWindow) Refine(ctx context.Context) error {
	return ErrNotImplemented
}

// Entries returns the window contents, oldest first.
func (w *LocalWindow) Entries() []WindowEntry {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]WindowEntry, len(w.entries))
	copy(out, w.entries)
	return out
}

// Busy reports whether the mapper is working.
func (w *LocalWindow) Busy() bool {
	return w.busy.Load()
}

// SetBusy sets the busy flag.
func (w *LocalWindow) SetBusy(busy bool) {
	w.busy.Store(busy)
}

// StopRequested reports whether the mapper asked the tracker to stop inserting keyframes.
func (w *LocalWindow) StopRequested() bool {
	return w.stopRequested.Load()
}

// RequestStop sets the stop flag.
func (w *LocalWindow) RequestStop(stop bool) {
	w.stopRequested.Store(stop)
}
