// Package mapping holds the ingestion side of the map refinement collaborators: a sliding window
// of keyframes for local bundle adjustment, loop closure lookup, and a pose graph. None of them
// runs a solver.
package mapping

import (
	"context"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/viamrobotics/viam-monovo/features"
)

// ErrNotImplemented is returned by refinement steps that have no solver.
var ErrNotImplemented = errors.New("not implemented")

// LocalWindowBundleAdjuster ingests recent keyframes for local refinement.
type LocalWindowBundleAdjuster interface {
	AddKeyframe(id int, pose mat.Matrix, landmarkIDs []int)
	Refine(ctx context.Context) error
}

// MappingMonitor exposes the backpressure signals of a concurrently running mapper.
type MappingMonitor interface {
	Busy() bool
	StopRequested() bool
}

// LoopClosureDetector finds keyframes that look like a query.
type LoopClosureDetector interface {
	Insert(keyframeID int, descriptors features.Descriptors) error
	Query(descriptors features.Descriptors, threshold float64) ([]int, error)
}

// PoseGraphOptimizer accumulates relative constraints between keyframes.
type PoseGraphOptimizer interface {
	AddConstraint(src, dst int, poseSrc, poseDst mat.Matrix)
	Solve(ctx context.Context) (map[int]*mat.Dense, error)
}
