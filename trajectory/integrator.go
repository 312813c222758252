// Package trajectory integrates accepted relative poses into a global camera pose and keeps the
// append-only log of camera positions.
package trajectory

import (
	"github.com/golang/geo/r3"
	"golang.org/x/exp/slices"
	"gonum.org/v1/gonum/mat"

	"github.com/viamrobotics/viam-monovo/geometry"
	"github.com/viamrobotics/viam-monovo/odometry"
)

// Integrator composes accepted relative poses into a camera-to-world pose. The first trajectory
// entry is the initial pose.
type Integrator struct {
	global    *mat.Dense
	positions []r3.Vector
	poses     []*mat.Dense
}

// NewIntegrator returns an integrator starting at the identity pose.
func NewIntegrator() *Integrator {
	start := geometry.Identity()
	return &Integrator{
		global:    start,
		positions: []r3.Vector{{}},
		poses:     []*mat.Dense{mat.DenseCopyOf(start)},
	}
}

// Accept right-multiplies the global pose by rel and records the new position. It returns a copy
// of the updated global pose.
func (in *Integrator) Accept(rel odometry.RelativePose) *mat.Dense {
	return in.AcceptTransform(rel.Transform())
}

// AcceptTransform is Accept for a relative pose already expressed as a 4x4 transform.
func (in *Integrator) AcceptTransform(rel mat.Matrix) *mat.Dense {
	in.global = geometry.Compose(in.global, rel)
	in.positions = append(in.positions, geometry.Translation(in.global))
	in.poses = append(in.poses, mat.DenseCopyOf(in.global))
	return mat.DenseCopyOf(in.global)
}

// GlobalPose returns a copy of the current camera-to-world pose.
func (in *Integrator) GlobalPose() *mat.Dense {
	return mat.DenseCopyOf(in.global)
}

// Positions returns a copy of the trajectory.
func (in *Integrator) Positions() []r3.Vector {
	return slices.Clone(in.positions)
}

// Poses returns copies of every pose the integrator has held, initial pose first.
func (in *Integrator) Poses() []*mat.Dense {
	out := make([]*mat.Dense, len(in.poses))
	for i, p := range in.poses {
		out[i] = mat.DenseCopyOf(p)
	}
	return out
}

// Len returns the number of trajectory entries.
func (in *Integrator) Len() int {
	return len(in.positions)
}
