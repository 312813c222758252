// Package keyframe decides which tracked frames are promoted to keyframes.
package keyframe

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/viamrobotics/viam-monovo/geometry"
)

// bootstrapKeyframes is the map size at or below which every candidate is accepted.
const bootstrapKeyframes = 2

// Reason identifies the rule that produced a Decision.
type Reason int

const (
	// NotInitialized refuses frames until the tracker has initialized.
	NotInitialized Reason = iota
	// MappingBusy refuses frames while the mapping collaborator applies backpressure.
	MappingBusy
	// Bootstrap accepts frames while the map holds too few keyframes.
	Bootstrap
	// Motion accepts frames that moved or turned far enough from the last keyframe.
	Motion
	// TrackingDegraded accepts frames whose inlier count dropped relative to the last keyframe.
	TrackingDegraded
	// InsufficientChange refuses frames that add nothing over the last keyframe.
	InsufficientChange
)

func (r Reason) String() string {
	switch r {
	case NotInitialized:
		return "not_initialized"
	case MappingBusy:
		return "mapping_busy"
	case Bootstrap:
		return "bootstrap"
	case Motion:
		return "motion"
	case TrackingDegraded:
		return "tracking_degraded"
	case InsufficientChange:
		return "insufficient_change"
	default:
		return "unknown"
	}
}

// Inputs is everything the policy looks at for one frame. Poses are camera-to-world; when either
// is nil the motion rule is skipped.
type Inputs struct {
	LastKeyframePose       *mat.Dense
	CurrentPose            *mat.Dense
	Inliers                int
	LastKeyframeTracked    int
	KeyframesInMap         int
	InitializationComplete bool
	MappingBusy            bool
}

// Decision is the outcome of Decide.
type Decision struct {
	Accept bool
	Reason Reason
}

// Policy holds the keyframe thresholds.
type Policy struct {
	TranslationThreshold float64
	// RotationThreshold is in radians.
	RotationThreshold float64
	QualityRatio      float64
}

// NewPolicy returns a Policy with the rotation threshold given in degrees.
func NewPolicy(translationThreshold, rotationThresholdDegrees, qualityRatio float64) (Policy, error) {
	for name, v := range map[string]float64{
		"keyframe_translation_threshold":      translationThreshold,
		"keyframe_rotation_threshold_degrees": rotationThresholdDegrees,
		"keyframe_quality_ratio":              qualityRatio,
	} {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return Policy{}, errors.Errorf("%s must be a finite non-negative value, got %v", name, v)
		}
	}
	return Policy{
		TranslationThreshold: translationThreshold,
		RotationThreshold:    rotationThresholdDegrees * math.Pi / 180,
		QualityRatio:         qualityRatio,
	}, nil
}

// Decide applies the rules in priority order and returns the first that matches.
func (p Policy) Decide(in Inputs) Decision {
	switch {
	case !in.InitializationComplete:
		return Decision{Reason: NotInitialized}
	case in.MappingBusy:
		return Decision{Reason: MappingBusy}
	case in.KeyframesInMap <= bootstrapKeyframes:
		return Decision{Accept: true, Reason: Bootstrap}
	case p.moved(in.LastKeyframePose, in.CurrentPose):
		return Decision{Accept: true, Reason: Motion}
	case in.LastKeyframeTracked > 0 && float64(in.Inliers) < p.QualityRatio*float64(in.LastKeyframeTracked):
		return Decision{Accept: true, Reason: TrackingDegraded}
	default:
		return Decision{Reason: InsufficientChange}
	}
}

func (p Policy) moved(last, current *mat.Dense) bool {
	if last == nil || current == nil {
		return false
	}
	if geometry.Translation(current).Sub(geometry.Translation(last)).Norm() > p.TranslationThreshold {
		return true
	}
	return geometry.GeodesicAngle(geometry.RelativeRotation(geometry.Rotation(last), geometry.Rotation(current))) > p.RotationThreshold
}
