package fusion

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

type yawPitchRoll struct {
	yaw, pitch, roll float64
}

func normalize(q quat.Number) quat.Number {
	n := quat.Abs(q)
	if n == 0 {
		return quat.Number{Real: 1}
	}
	return quat.Scale(1/n, q)
}

// rotationFromQuat returns the rotation matrix of a unit quaternion (w, x, y, z).
func rotationFromQuat(q quat.Number) *mat.Dense {
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return mat.NewDense(3, 3, []float64{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y),
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x),
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y),
	})
}

func mulVec3(m mat.Matrix, v r3.Vector) r3.Vector {
	return r3.Vector{
		X: m.At(0, 0)*v.X + m.At(0, 1)*v.Y + m.At(0, 2)*v.Z,
		Y: m.At(1, 0)*v.X + m.At(1, 1)*v.Y + m.At(1, 2)*v.Z,
		Z: m.At(2, 0)*v.X + m.At(2, 1)*v.Y + m.At(2, 2)*v.Z,
	}
}

// toYawPitchRoll returns the ZYX Euler angles of a unit quaternion. Pitch is clamped at the
// poles.
func toYawPitchRoll(q quat.Number) yawPitchRoll {
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	sinPitch := math.Max(-1, math.Min(1, 2*(w*y-z*x)))
	return yawPitchRoll{
		yaw:   math.Atan2(2*(w*z+x*y), 1-2*(y*y+z*z)),
		pitch: math.Asin(sinPitch),
		roll:  math.Atan2(2*(w*x+y*z), 1-2*(x*x+y*y)),
	}
}

// wrapAngle maps an angle into (-π, π].
func wrapAngle(a float64) float64 {
	a = math.Mod(a+math.Pi, 2*math.Pi)
	if a <= 0 {
		a += 2 * math.Pi
	}
	return a - math.Pi
}

// leftProductMatrix returns L such that (0, ω) ⊗ q = L·q for q as (w, x, y, z).
func leftProductMatrix(omega r3.Vector) *mat.Dense {
	a, b, c := omega.X, omega.Y, omega.Z
	return mat.NewDense(4, 4, []float64{
		0, -a, -b, -c,
		a, 0, -c, b,
		b, c, 0, -a,
		c, -b, a, 0,
	})
}

// rotatedVectorJacobian returns ∂(R(q)·f)/∂q as a 3x4 matrix.
func rotatedVectorJacobian(q quat.Number, f r3.Vector) *mat.Dense {
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return mat.NewDense(3, 4, []float64{
		-2*z*f.Y + 2*y*f.Z, 2*y*f.Y + 2*z*f.Z, -4*y*f.X + 2*x*f.Y + 2*w*f.Z, -4*z*f.X - 2*w*f.Y + 2*x*f.Z,
		2*z*f.X - 2*x*f.Z, 2*y*f.X - 4*x*f.Y - 2*w*f.Z, 2*x*f.X + 2*z*f.Z, 2*w*f.X - 4*z*f.Y + 2*y*f.Z,
		-2*y*f.X + 2*x*f.Y, 2*z*f.X + 2*w*f.Y - 4*x*f.Z, -2*w*f.X + 2*z*f.Y - 4*y*f.Z, 2*x*f.X + 2*y*f.Y,
	})
}

// analyticJacobian returns the first-order state transition Jacobian of the prediction step
// about the pre-step orientation q.
func analyticJacobian(q quat.Number, specificForce, angularRate r3.Vector, dt float64) *mat.Dense {
	f := mat.NewDense(StateSize, StateSize, nil)
	for i := 0; i < StateSize; i++ {
		f.Set(i, i, 1)
	}
	for i := 0; i < 3; i++ {
		f.Set(posIdx+i, velIdx+i, dt)
	}
	dRf := rotatedVectorJacobian(q, specificForce)
	for i := 0; i < 3; i++ {
		for j := 0; j < 4; j++ {
			f.Set(posIdx+i, quatIdx+j, 0.5*dt*dt*dRf.At(i, j))
			f.Set(velIdx+i, quatIdx+j, dt*dRf.At(i, j))
		}
	}
	l := leftProductMatrix(angularRate)
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			f.Set(quatIdx+i, quatIdx+j, f.At(quatIdx+i, quatIdx+j)+0.5*dt*l.At(i, j))
		}
	}
	return f
}
