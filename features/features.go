// Package features defines the feature observation collaborator consumed by the odometry
// pipeline, and the descriptor matching strategies it can be configured with.
package features

import (
	"context"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"

	"github.com/viamrobotics/viam-monovo/geometry"
)

// ErrNoFeaturesDetected is returned by Extract when a frame yields no keypoints.
var ErrNoFeaturesDetected = errors.New("no features detected")

// Frame identifies one input frame and its capture time in seconds.
type Frame struct {
	Index     int
	Timestamp float64
}

// Descriptors holds either binary or floating point descriptors, one per keypoint.
type Descriptors struct {
	Binary [][]byte
	Float  [][]float64
}

// Len returns the number of descriptors.
func (d Descriptors) Len() int {
	if len(d.Binary) > 0 {
		return len(d.Binary)
	}
	return len(d.Float)
}

// Observation is the keypoints and descriptors extracted from one frame.
type Observation struct {
	Keypoints   []r2.Point
	Descriptors Descriptors
}

// Match pairs descriptor Index1 of the first set with Index2 of the second.
type Match struct {
	Index1   int
	Index2   int
	Distance float64
}

// FeatureObservationProvider extracts features from frames and matches them.
type FeatureObservationProvider interface {
	// Extract returns the keypoints and descriptors of a frame, or ErrNoFeaturesDetected.
	Extract(ctx context.Context, frame Frame) (Observation, error)
	// Match returns matches between two descriptor sets, best first.
	Match(d1, d2 Descriptors) ([]Match, error)
}

// Correspondences converts matches between two observations into index-aligned point sets.
func Correspondences(o1, o2 Observation, matches []Match) (geometry.Correspondences, error) {
	corr := geometry.Correspondences{
		Points1: make([]r2.Point, 0, len(matches)),
		Points2: make([]r2.Point, 0, len(matches)),
	}
	for _, m := range matches {
		if m.Index1 < 0 || m.Index1 >= len(o1.Keypoints) || m.Index2 < 0 || m.Index2 >= len(o2.Keypoints) {
			return geometry.Correspondences{}, errors.Errorf("match (%d, %d) is out of range", m.Index1, m.Index2)
		}
		corr.Points1 = append(corr.Points1, o1.Keypoints[m.Index1])
		corr.Points2 = append(corr.Points2, o2.Keypoints[m.Index2])
	}
	return corr, nil
}
