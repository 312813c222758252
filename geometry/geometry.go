// Package geometry contains the rigid-body and projective helpers shared by the odometry,
// trajectory and map packages. Rigid transforms are 4x4 *mat.Dense values whose top-left
// 3x3 block is a rotation and whose bottom row is [0 0 0 1].
package geometry

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/spatialmath"
	"gonum.org/v1/gonum/mat"
)

// ErrPointAtInfinity is returned when a triangulated point has a vanishing homogeneous coordinate.
var ErrPointAtInfinity = errors.New("triangulated point lies at infinity")

// Correspondences holds two index-aligned sets of matched image points.
type Correspondences struct {
	Points1 []r2.Point
	Points2 []r2.Point
}

// Len returns the number of correspondences.
func (c Correspondences) Len() int {
	return len(c.Points1)
}

// Validate checks that both point sets have the same length.
func (c Correspondences) Validate() error {
	if len(c.Points1) != len(c.Points2) {
		return errors.Errorf("correspondence sets differ in length: %d != %d", len(c.Points1), len(c.Points2))
	}
	return nil
}

// Subset returns the correspondences whose mask entry is true.
func (c Correspondences) Subset(mask []bool) Correspondences {
	out := Correspondences{}
	for i, keep := range mask {
		if keep && i < c.Len() {
			out.Points1 = append(out.Points1, c.Points1[i])
			out.Points2 = append(out.Points2, c.Points2[i])
		}
	}
	return out
}

// Identity returns the 4x4 identity transform.
func Identity() *mat.Dense {
	return NewTransform(nil, r3.Vector{})
}

// NewTransform builds a rigid transform from a 3x3 rotation and a translation. A nil
// rotation is treated as the identity.
func NewTransform(rotation mat.Matrix, translation r3.Vector) *mat.Dense {
	t := mat.NewDense(4, 4, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			if rotation == nil {
				if i == j {
					t.Set(i, j, 1)
				}
				continue
			}
			t.Set(i, j, rotation.At(i, j))
		}
	}
	t.Set(0, 3, translation.X)
	t.Set(1, 3, translation.Y)
	t.Set(2, 3, translation.Z)
	t.Set(3, 3, 1)
	return t
}

// Rotation returns a copy of the rotation block of a transform.
func Rotation(t mat.Matrix) *mat.Dense {
	r := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			r.Set(i, j, t.At(i, j))
		}
	}
	return r
}

// Translation returns the translation column of a transform.
func Translation(t mat.Matrix) r3.Vector {
	return r3.Vector{X: t.At(0, 3), Y: t.At(1, 3), Z: t.At(2, 3)}
}

// Inverse returns the inverse of a rigid transform, [Rᵀ | -Rᵀt].
func Inverse(t mat.Matrix) *mat.Dense {
	r := Rotation(t)
	var rt mat.Dense
	rt.CloneFrom(r.T())
	trans := Translation(t)
	return NewTransform(&rt, MulVec(&rt, trans).Mul(-1))
}

// Compose returns a·b.
func Compose(a, b mat.Matrix) *mat.Dense {
	var out mat.Dense
	out.Mul(a, b)
	return &out
}

// MulVec multiplies a 3x3 matrix by a vector.
func MulVec(m mat.Matrix, v r3.Vector) r3.Vector {
	return r3.Vector{
		X: m.At(0, 0)*v.X + m.At(0, 1)*v.Y + m.At(0, 2)*v.Z,
		Y: m.At(1, 0)*v.X + m.At(1, 1)*v.Y + m.At(1, 2)*v.Z,
		Z: m.At(2, 0)*v.X + m.At(2, 1)*v.Y + m.At(2, 2)*v.Z,
	}
}

// IsRigid reports whether t is a member of SE(3) within tol.
func IsRigid(t mat.Matrix, tol float64) bool {
	rows, cols := t.Dims()
	if rows != 4 || cols != 4 {
		return false
	}
	if math.Abs(t.At(3, 0)) > tol || math.Abs(t.At(3, 1)) > tol || math.Abs(t.At(3, 2)) > tol ||
		math.Abs(t.At(3, 3)-1) > tol {
		return false
	}
	r := Rotation(t)
	var rtr mat.Dense
	rtr.Mul(r.T(), r)
	if !mat.EqualApprox(&rtr, Identity().Slice(0, 3, 0, 3), tol) {
		return false
	}
	return math.Abs(mat.Det(r)-1) <= tol
}

// GeodesicAngle returns the rotation angle of R in radians, arccos(clamp((tr(R)-1)/2, -1, 1)).
func GeodesicAngle(r mat.Matrix) float64 {
	c := (r.At(0, 0) + r.At(1, 1) + r.At(2, 2) - 1) / 2
	return math.Acos(math.Max(-1, math.Min(1, c)))
}

// RelativeRotation returns aᵀ·b for two 3x3 rotations.
func RelativeRotation(a, b mat.Matrix) *mat.Dense {
	var out mat.Dense
	out.Mul(a.T(), b)
	return &out
}

// ProjectionMatrix returns the 3x4 top block [R | t] of a transform.
func ProjectionMatrix(t mat.Matrix) *mat.Dense {
	p := mat.NewDense(3, 4, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 4; j++ {
			p.Set(i, j, t.At(i, j))
		}
	}
	return p
}

// TriangulateDLT intersects the rays through the normalized image points x1 and x2 of two
// cameras with 3x4 projection matrices p1 and p2, using the homogeneous linear least-squares
// solution.
func TriangulateDLT(p1, p2 mat.Matrix, x1, x2 r2.Point) (r3.Vector, error) {
	a := mat.NewDense(4, 4, nil)
	for j := 0; j < 4; j++ {
		a.Set(0, j, x1.X*p1.At(2, j)-p1.At(0, j))
		a.Set(1, j, x1.Y*p1.At(2, j)-p1.At(1, j))
		a.Set(2, j, x2.X*p2.At(2, j)-p2.At(0, j))
		a.Set(3, j, x2.Y*p2.At(2, j)-p2.At(1, j))
	}
	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDFull); !ok {
		return r3.Vector{}, errors.New("triangulation SVD failed to factorize")
	}
	var v mat.Dense
	svd.VTo(&v)
	w := v.At(3, 3)
	if math.Abs(w) < 1e-12 {
		return r3.Vector{}, ErrPointAtInfinity
	}
	return r3.Vector{X: v.At(0, 3) / w, Y: v.At(1, 3) / w, Z: v.At(2, 3) / w}, nil
}

// ToSpatialPose converts a rigid transform into an rdk pose.
func ToSpatialPose(t mat.Matrix) (spatialmath.Pose, error) {
	data := make([]float64, 0, 9)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			data = append(data, t.At(i, j))
		}
	}
	rotation, err := spatialmath.NewRotationMatrix(data)
	if err != nil {
		return nil, errors.Wrap(err, "error converting rotation block to orientation")
	}
	return spatialmath.NewPose(Translation(t), rotation), nil
}

// RotationAboutAxis returns the rotation of angle radians about a unit axis.
func RotationAboutAxis(axis r3.Vector, angle float64) *mat.Dense {
	a := axis.Normalize()
	c, s := math.Cos(angle), math.Sin(angle)
	k := 1 - c
	return mat.NewDense(3, 3, []float64{
		c + a.X*a.X*k, a.X*a.Y*k - a.Z*s, a.X*a.Z*k + a.Y*s,
		a.Y*a.X*k + a.Z*s, c + a.Y*a.Y*k, a.Y*a.Z*k - a.X*s,
		a.Z*a.X*k - a.Y*s, a.Z*a.Y*k + a.X*s, c + a.Z*a.Z*k,
	})
}
