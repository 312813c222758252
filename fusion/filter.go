// Package fusion implements the inertial fusion filter, an extended Kalman filter whose state is
// position, velocity and an orientation quaternion. Inertial samples drive the prediction and
// visual pose estimates drive the correction.
package fusion

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// StateSize is the dimension of the filter state [p, v, q].
const StateSize = 10

const (
	posIdx   = 0
	velIdx   = 3
	quatIdx  = 6
	measSize = 6
)

// ErrSingularInnovationCovariance is returned by Update when the innovation covariance cannot be
// inverted. The predicted state is kept.
var ErrSingularInnovationCovariance = errors.New("singular innovation covariance")

// Jacobian selects how the state transition is linearized for covariance propagation.
type Jacobian string

const (
	// SmallAngle approximates the state transition Jacobian by the identity.
	SmallAngle Jacobian = "small_angle"
	// Analytic uses the first-order Jacobian of the prediction step.
	Analytic Jacobian = "analytic"
)

// Config holds the filter noise parameters. All values are variances.
type Config struct {
	PositionNoise          float64
	AccelerationNoise      float64
	AngularRateNoise       float64
	VisualPositionNoise    float64
	VisualOrientationNoise float64
	InitialCovariance      float64
	Jacobian               Jacobian
}

// Validate ensures every noise value is finite and non-negative and the Jacobian is known.
func (c Config) Validate() error {
	for name, v := range map[string]float64{
		"position_noise":           c.PositionNoise,
		"acceleration_noise":       c.AccelerationNoise,
		"angular_rate_noise":       c.AngularRateNoise,
		"visual_position_noise":    c.VisualPositionNoise,
		"visual_orientation_noise": c.VisualOrientationNoise,
		"initial_covariance":       c.InitialCovariance,
	} {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.Errorf("%s must be a finite non-negative value, got %v", name, v)
		}
	}
	switch c.Jacobian {
	case SmallAngle, Analytic:
		return nil
	default:
		return errors.Errorf("unknown jacobian %q", c.Jacobian)
	}
}

// State is a read-only snapshot of the filter state.
type State struct {
	Position    r3.Vector
	Velocity    r3.Vector
	Orientation quat.Number
}

// Filter is the inertial fusion filter. It is not safe for concurrent use.
type Filter struct {
	cfg Config
	x   *mat.VecDense
	p   *mat.Dense
	q   *mat.Dense
	r   *mat.Dense
	h   *mat.Dense
}

// NewFilter returns a filter at the origin, at rest, with identity orientation.
func NewFilter(cfg Config) (*Filter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	x := mat.NewVecDense(StateSize, nil)
	x.SetVec(quatIdx, 1)

	p := mat.NewDense(StateSize, StateSize, nil)
	processNoise := mat.NewDense(StateSize, StateSize, nil)
	for i := 0; i < StateSize; i++ {
		p.Set(i, i, cfg.InitialCovariance)
		switch {
		case i < velIdx:
			processNoise.Set(i, i, cfg.PositionNoise)
		case i < quatIdx:
			processNoise.Set(i, i, cfg.AccelerationNoise)
		default:
			processNoise.Set(i, i, cfg.AngularRateNoise)
		}
	}

	measNoise := mat.NewDense(measSize, measSize, nil)
	h := mat.NewDense(measSize, StateSize, nil)
	for i := 0; i < 3; i++ {
		measNoise.Set(i, i, cfg.VisualPositionNoise)
		measNoise.Set(3+i, 3+i, cfg.VisualOrientationNoise)
		h.Set(i, posIdx+i, 1)
		// The orientation residual maps onto the vector part of the quaternion.
		h.Set(3+i, quatIdx+1+i, 1)
	}

	return &Filter{cfg: cfg, x: x, p: p, q: processNoise, r: measNoise, h: h}, nil
}

// Predict propagates the state over dt seconds. specificForce is the gravity-compensated
// acceleration measured in the body frame and angularRate the body angular velocity.
func (f *Filter) Predict(specificForce, angularRate r3.Vector, dt float64) error {
	if dt <= 0 || math.IsNaN(dt) || math.IsInf(dt, 0) {
		return errors.Errorf("prediction interval must be positive, got %v", dt)
	}
	q := f.orientation()
	rot := rotationFromQuat(q)
	accel := mulVec3(rot, specificForce)

	pos := f.vec3(posIdx)
	vel := f.vec3(velIdx)
	pos = pos.Add(vel.Mul(dt)).Add(accel.Mul(0.5 * dt * dt))
	vel = vel.Add(accel.Mul(dt))

	omega := quat.Number{Imag: angularRate.X, Jmag: angularRate.Y, Kmag: angularRate.Z}
	qDot := quat.Scale(0.5, quat.Mul(omega, q))
	next := normalize(quat.Add(q, quat.Scale(dt, qDot)))

	var transition mat.Matrix
	if f.cfg.Jacobian == Analytic {
		transition = analyticJacobian(q, specificForce, angularRate, dt)
	}
	f.propagateCovariance(transition)

	f.setVec3(posIdx, pos)
	f.setVec3(velIdx, vel)
	f.setOrientation(next)
	return nil
}

// propagateCovariance computes P = F·P·Fᵀ + Q. A nil F is the identity.
func (f *Filter) propagateCovariance(transition mat.Matrix) {
	next := mat.NewDense(StateSize, StateSize, nil)
	if transition == nil {
		next.Add(f.p, f.q)
	} else {
		next.Product(transition, f.p, transition.T())
		next.Add(next, f.q)
	}
	f.p = symmetrize(next)
}

// Update corrects the state with a visual pose measurement. On ErrSingularInnovationCovariance
// the state is left unchanged.
func (f *Filter) Update(position r3.Vector, orientation quat.Number) error {
	if quat.Abs(orientation) == 0 {
		return errors.New("measured orientation must be a non-zero quaternion")
	}
	measured := toYawPitchRoll(normalize(orientation))
	predicted := toYawPitchRoll(f.orientation())

	// Residual order is roll, pitch, yaw so that each angle pairs with the quaternion axis it
	// rotates about.
	dp := position.Sub(f.vec3(posIdx))
	y := mat.NewVecDense(measSize, []float64{
		dp.X, dp.Y, dp.Z,
		wrapAngle(measured.roll - predicted.roll),
		wrapAngle(measured.pitch - predicted.pitch),
		wrapAngle(measured.yaw - predicted.yaw),
	})

	var s mat.Dense
	s.Product(f.h, f.p, f.h.T())
	s.Add(&s, f.r)

	var sInv mat.Dense
	if err := sInv.Inverse(&s); err != nil {
		return errors.Wrap(ErrSingularInnovationCovariance, err.Error())
	}

	var gain mat.Dense
	gain.Product(f.p, f.h.T(), &sInv)

	var dx mat.VecDense
	dx.MulVec(&gain, y)
	var x mat.VecDense
	x.AddVec(f.x, &dx)

	var kh mat.Dense
	kh.Mul(&gain, f.h)
	identity := mat.NewDense(StateSize, StateSize, nil)
	for i := 0; i < StateSize; i++ {
		identity.Set(i, i, 1)
	}
	var ikh, p mat.Dense
	ikh.Sub(identity, &kh)
	p.Mul(&ikh, f.p)

	if !finite(x.RawVector().Data) || !finite(p.RawMatrix().Data) {
		return errors.Wrap(ErrSingularInnovationCovariance, "update produced non-finite values")
	}
	q := quat.Number{Real: x.AtVec(quatIdx), Imag: x.AtVec(quatIdx + 1), Jmag: x.AtVec(quatIdx + 2), Kmag: x.AtVec(quatIdx + 3)}
	if quat.Abs(q) == 0 {
		return errors.Wrap(ErrSingularInnovationCovariance, "update collapsed the orientation")
	}

	f.x = &x
	f.p = symmetrize(&p)
	f.setOrientation(normalize(q))
	return nil
}

// Position returns the estimated position.
func (f *Filter) Position() r3.Vector {
	return f.vec3(posIdx)
}

// Velocity returns the estimated velocity.
func (f *Filter) Velocity() r3.Vector {
	return f.vec3(velIdx)
}

// Orientation returns the estimated unit orientation quaternion.
func (f *Filter) Orientation() quat.Number {
	return f.orientation()
}

// State returns a snapshot of position, velocity and orientation.
func (f *Filter) State() State {
	return State{Position: f.Position(), Velocity: f.Velocity(), Orientation: f.Orientation()}
}

// Covariance returns a copy of the state covariance.
func (f *Filter) Covariance() *mat.SymDense {
	out := mat.NewSymDense(StateSize, nil)
	for i := 0; i < StateSize; i++ {
		for j := i; j < StateSize; j++ {
			out.SetSym(i, j, f.p.At(i, j))
		}
	}
	return out
}

func (f *Filter) vec3(idx int) r3.Vector {
	return r3.Vector{X: f.x.AtVec(idx), Y: f.x.AtVec(idx + 1), Z: f.x.AtVec(idx + 2)}
}

func (f *Filter) setVec3(idx int, v r3.Vector) {
	f.x.SetVec(idx, v.X)
	f.x.SetVec(idx+1, v.Y)
	f.x.SetVec(idx+2, v.Z)
}

func (f *Filter) orientation() quat.Number {
	return quat.Number{
		Real: f.x.AtVec(quatIdx),
		Imag: f.x.AtVec(quatIdx + 1),
		Jmag: f.x.AtVec(quatIdx + 2),
		Kmag: f.x.AtVec(quatIdx + 3),
	}
}

func (f *Filter) setOrientation(q quat.Number) {
	f.x.SetVec(quatIdx, q.Real)
	f.x.SetVec(quatIdx+1, q.Imag)
	f.x.SetVec(quatIdx+2, q.Jmag)
	f.x.SetVec(quatIdx+3, q.Kmag)
}

func symmetrize(m *mat.Dense) *mat.Dense {
	var t mat.Dense
	t.CloneFrom(m.T())
	t.Add(&t, m)
	t.Scale(0.5, &t)
	return &t
}

func finite(values []float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
