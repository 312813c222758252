package fusion

import (
	"math"
	"math/rand"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

func testConfig(jacobian Jacobian) Config {
	return Config{
		PositionNoise:          0.01,
		AccelerationNoise:      0.1,
		AngularRateNoise:       0.01,
		VisualPositionNoise:    0.05,
		VisualOrientationNoise: 0.01,
		InitialCovariance:      0.1,
		Jacobian:               jacobian,
	}
}

func axisAngleQuat(axis r3.Vector, angle float64) quat.Number {
	a := axis.Normalize()
	s := math.Sin(angle / 2)
	return quat.Number{Real: math.Cos(angle / 2), Imag: a.X * s, Jmag: a.Y * s, Kmag: a.Z * s}
}

func TestConfigValidate(t *testing.T) {
	test.That(t, testConfig(SmallAngle).Validate(), test.ShouldBeNil)
	test.That(t, testConfig(Analytic).Validate(), test.ShouldBeNil)

	cfg := testConfig(SmallAngle)
	cfg.AccelerationNoise = -1
	test.That(t, cfg.Validate(), test.ShouldNotBeNil)

	cfg = testConfig(SmallAngle)
	cfg.VisualOrientationNoise = math.Inf(1)
	test.That(t, cfg.Validate(), test.ShouldNotBeNil)

	cfg = testConfig("exact")
	_, err := NewFilter(cfg)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestPredict(t *testing.T) {
	for _, jacobian := range []Jacobian{SmallAngle, Analytic} {
		t.Run(string(jacobian), func(t *testing.T) {
			t.Run("quaternion norm stays unit", func(t *testing.T) {
				f, err := NewFilter(testConfig(jacobian))
				test.That(t, err, test.ShouldBeNil)
				//nolint:gosec
				rng := rand.New(rand.NewSource(3))
				for i := 0; i < 2000; i++ {
					omega := r3.Vector{X: rng.NormFloat64() * 3, Y: rng.NormFloat64() * 3, Z: rng.NormFloat64() * 3}
					accel := r3.Vector{X: rng.NormFloat64(), Y: rng.NormFloat64(), Z: rng.NormFloat64()}
					test.That(t, f.Predict(accel, omega, 0.01), test.ShouldBeNil)
					test.That(t, quat.Abs(f.Orientation()), test.ShouldAlmostEqual, 1, 1e-12)
				}
			})

			t.Run("steady state is unchanged", func(t *testing.T) {
				f, err := NewFilter(testConfig(jacobian))
				test.That(t, err, test.ShouldBeNil)
				for i := 0; i < 500; i++ {
					test.That(t, f.Predict(r3.Vector{}, r3.Vector{}, 0.01), test.ShouldBeNil)
				}
				state := f.State()
				test.That(t, state.Position, test.ShouldResemble, r3.Vector{})
				test.That(t, state.Velocity, test.ShouldResemble, r3.Vector{})
				test.That(t, state.Orientation, test.ShouldResemble, quat.Number{Real: 1})
			})

			t.Run("covariance grows and stays symmetric", func(t *testing.T) {
				f, err := NewFilter(testConfig(jacobian))
				test.That(t, err, test.ShouldBeNil)
				before := f.Covariance().At(0, 0)
				test.That(t, f.Predict(r3.Vector{X: 1}, r3.Vector{Z: 0.5}, 0.1), test.ShouldBeNil)
				cov := f.Covariance()
				test.That(t, cov.At(0, 0), test.ShouldBeGreaterThan, before)
				for i := 0; i < StateSize; i++ {
					for j := 0; j < StateSize; j++ {
						test.That(t, cov.At(i, j), test.ShouldEqual, cov.At(j, i))
					}
				}
			})
		})
	}

	t.Run("constant acceleration integrates exactly", func(t *testing.T) {
		f, err := NewFilter(testConfig(SmallAngle))
		test.That(t, err, test.ShouldBeNil)
		accel := r3.Vector{X: 0.5, Y: -0.2, Z: 1}
		dt := 0.01
		for i := 0; i < 100; i++ {
			test.That(t, f.Predict(accel, r3.Vector{}, dt), test.ShouldBeNil)
		}
		test.That(t, f.Position().Sub(accel.Mul(0.5)).Norm(), test.ShouldBeLessThan, 1e-9)
		test.That(t, f.Velocity().Sub(accel).Norm(), test.ShouldBeLessThan, 1e-9)
	})

	t.Run("specific force is rotated into the world frame", func(t *testing.T) {
		f, err := NewFilter(testConfig(SmallAngle))
		test.That(t, err, test.ShouldBeNil)
		f.setOrientation(axisAngleQuat(r3.Vector{Z: 1}, math.Pi/2))
		test.That(t, f.Predict(r3.Vector{X: 1}, r3.Vector{}, 1), test.ShouldBeNil)
		test.That(t, f.Velocity().Sub(r3.Vector{Y: 1}).Norm(), test.ShouldBeLessThan, 1e-12)
	})

	t.Run("angular rate integrates into yaw", func(t *testing.T) {
		f, err := NewFilter(testConfig(SmallAngle))
		test.That(t, err, test.ShouldBeNil)
		for i := 0; i < 1000; i++ {
			test.That(t, f.Predict(r3.Vector{}, r3.Vector{Z: math.Pi / 2}, 0.001), test.ShouldBeNil)
		}
		test.That(t, toYawPitchRoll(f.Orientation()).yaw, test.ShouldAlmostEqual, math.Pi/2, 1e-3)
	})

	t.Run("non positive interval is rejected", func(t *testing.T) {
		f, err := NewFilter(testConfig(SmallAngle))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, f.Predict(r3.Vector{X: 1}, r3.Vector{}, 0), test.ShouldNotBeNil)
		test.That(t, f.Predict(r3.Vector{X: 1}, r3.Vector{}, -1), test.ShouldNotBeNil)
		test.That(t, f.Velocity(), test.ShouldResemble, r3.Vector{})
	})
}

func TestRotatedVectorJacobian(t *testing.T) {
	q := quat.Number{Real: 0.8, Imag: 0.1, Jmag: -0.3, Kmag: 0.5}
	force := r3.Vector{X: 0.3, Y: -1.2, Z: 2}
	analytic := rotatedVectorJacobian(q, force)

	const h = 1e-6
	perturb := func(q quat.Number, j int, d float64) quat.Number {
		switch j {
		case 0:
			q.Real += d
		case 1:
			q.Imag += d
		case 2:
			q.Jmag += d
		default:
			q.Kmag += d
		}
		return q
	}
	for j := 0; j < 4; j++ {
		plus := mulVec3(rotationFromQuat(perturb(q, j, h)), force)
		minus := mulVec3(rotationFromQuat(perturb(q, j, -h)), force)
		numeric := plus.Sub(minus).Mul(1 / (2 * h))
		test.That(t, analytic.At(0, j), test.ShouldAlmostEqual, numeric.X, 1e-6)
		test.That(t, analytic.At(1, j), test.ShouldAlmostEqual, numeric.Y, 1e-6)
		test.That(t, analytic.At(2, j), test.ShouldAlmostEqual, numeric.Z, 1e-6)
	}

	omega := r3.Vector{X: 0.4, Y: -0.1, Z: 0.9}
	var lq mat.VecDense
	lq.MulVec(leftProductMatrix(omega), mat.NewVecDense(4, []float64{q.Real, q.Imag, q.Jmag, q.Kmag}))
	product := quat.Mul(quat.Number{Imag: omega.X, Jmag: omega.Y, Kmag: omega.Z}, q)
	test.That(t, lq.AtVec(0), test.ShouldAlmostEqual, product.Real)
	test.That(t, lq.AtVec(1), test.ShouldAlmostEqual, product.Imag)
	test.That(t, lq.AtVec(2), test.ShouldAlmostEqual, product.Jmag)
	test.That(t, lq.AtVec(3), test.ShouldAlmostEqual, product.Kmag)
}

func TestUpdate(t *testing.T) {
	t.Run("moves the state toward the measurement", func(t *testing.T) {
		f, err := NewFilter(testConfig(SmallAngle))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, f.Predict(r3.Vector{}, r3.Vector{}, 0.1), test.ShouldBeNil)
		before := f.Covariance()

		target := r3.Vector{X: 1, Y: 0.5, Z: -0.2}
		measured := axisAngleQuat(r3.Vector{Z: 1}, 0.2)
		test.That(t, f.Update(target, measured), test.ShouldBeNil)

		pos := f.Position()
		test.That(t, pos.Norm(), test.ShouldBeGreaterThan, 0)
		test.That(t, pos.Sub(target).Norm(), test.ShouldBeLessThan, target.Norm())
		test.That(t, toYawPitchRoll(f.Orientation()).yaw, test.ShouldBeGreaterThan, 0)
		test.That(t, quat.Abs(f.Orientation()), test.ShouldAlmostEqual, 1, 1e-12)
		after := f.Covariance()
		for i := 0; i < 3; i++ {
			test.That(t, after.At(i, i), test.ShouldBeLessThan, before.At(i, i))
		}
	})

	t.Run("repeated updates converge", func(t *testing.T) {
		f, err := NewFilter(testConfig(Analytic))
		test.That(t, err, test.ShouldBeNil)
		target := r3.Vector{X: 2, Y: -1, Z: 0.5}
		for i := 0; i < 50; i++ {
			test.That(t, f.Predict(r3.Vector{}, r3.Vector{}, 0.01), test.ShouldBeNil)
			test.That(t, f.Update(target, quat.Number{Real: 1}), test.ShouldBeNil)
		}
		test.That(t, f.Position().Sub(target).Norm(), test.ShouldBeLessThan, 0.05)
	})

	t.Run("singular innovation keeps the prediction", func(t *testing.T) {
		cfg := Config{Jacobian: SmallAngle}
		f, err := NewFilter(cfg)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, f.Predict(r3.Vector{X: 1}, r3.Vector{}, 0.1), test.ShouldBeNil)
		before := f.State()

		err = f.Update(r3.Vector{X: 5}, quat.Number{Real: 1})
		test.That(t, errors.Is(err, ErrSingularInnovationCovariance), test.ShouldBeTrue)
		test.That(t, f.State(), test.ShouldResemble, before)
	})

	t.Run("zero quaternion measurement is rejected", func(t *testing.T) {
		f, err := NewFilter(testConfig(SmallAngle))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, f.Update(r3.Vector{}, quat.Number{}), test.ShouldNotBeNil)
	})

	t.Run("covariance snapshot is a copy", func(t *testing.T) {
		f, err := NewFilter(testConfig(SmallAngle))
		test.That(t, err, test.ShouldBeNil)
		cov := f.Covariance()
		cov.SetSym(0, 0, 1000)
		test.That(t, f.Covariance().At(0, 0), test.ShouldEqual, 0.1)
	})
}

func TestAngles(t *testing.T) {
	test.That(t, wrapAngle(math.Pi), test.ShouldAlmostEqual, math.Pi)
	test.That(t, wrapAngle(-math.Pi), test.ShouldAlmostEqual, math.Pi)
	test.That(t, wrapAngle(3*math.Pi/2), test.ShouldAlmostEqual, -math.Pi/2)
	test.That(t, wrapAngle(0.3), test.ShouldAlmostEqual, 0.3)

	ypr := toYawPitchRoll(axisAngleQuat(r3.Vector{X: 1}, 0.4))
	test.That(t, ypr.roll, test.ShouldAlmostEqual, 0.4)
	test.That(t, ypr.yaw, test.ShouldAlmostEqual, 0)

	// Past the pole the pitch argument is clamped instead of producing NaN.
	ypr = toYawPitchRoll(quat.Number{Real: 0.7072, Jmag: 0.7072})
	test.That(t, math.IsNaN(ypr.pitch), test.ShouldBeFalse)
	test.That(t, ypr.pitch, test.ShouldAlmostEqual, math.Pi/2, 1e-6)
}
