package odometry

import (
	"math"

	"github.com/pkg/errors"

	"github.com/viamrobotics/viam-monovo/geometry"
)

// MotionGate rejects relative poses whose translation or rotation exceed plausible per-frame
// motion. Values equal to a bound pass.
type MotionGate struct {
	// MaxTranslation bounds the norm of the relative translation.
	MaxTranslation float64
	// MaxRotation bounds the geodesic rotation angle, in radians.
	MaxRotation float64
}

// NewMotionGate returns a gate with a translation bound and a rotation bound given in degrees.
func NewMotionGate(maxTranslation, maxRotationDegrees float64) (MotionGate, error) {
	if maxTranslation < 0 || math.IsNaN(maxTranslation) {
		return MotionGate{}, errors.Errorf("translation gate bound must be non-negative, got %v", maxTranslation)
	}
	if maxRotationDegrees < 0 || math.IsNaN(maxRotationDegrees) {
		return MotionGate{}, errors.Errorf("rotation gate bound must be non-negative, got %v", maxRotationDegrees)
	}
	return MotionGate{MaxTranslation: maxTranslation, MaxRotation: maxRotationDegrees * math.Pi / 180}, nil
}

// Check returns ErrImplausibleMotion if rel exceeds either bound.
func (g MotionGate) Check(rel RelativePose) error {
	if norm := rel.Translation.Norm(); norm > g.MaxTranslation {
		return errors.Wrapf(ErrImplausibleMotion, "translation %v exceeds bound %v", norm, g.MaxTranslation)
	}
	if angle := geometry.GeodesicAngle(rel.Rotation); angle > g.MaxRotation {
		return errors.Wrapf(ErrImplausibleMotion, "rotation %v rad exceeds bound %v rad", angle, g.MaxRotation)
	}
	return nil
}
