package trajectory

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	"github.com/viamrobotics/viam-monovo/geometry"
	"github.com/viamrobotics/viam-monovo/odometry"
)

func relativePose(axis r3.Vector, angle float64, translation r3.Vector) odometry.RelativePose {
	return odometry.RelativePose{Rotation: geometry.RotationAboutAxis(axis, angle), Translation: translation}
}

func TestIntegrator(t *testing.T) {
	a := relativePose(r3.Vector{Y: 1}, 0.05, r3.Vector{X: 0.2, Z: 1}.Normalize())
	b := relativePose(r3.Vector{X: 1, Z: 1}, -0.03, r3.Vector{X: -0.1, Y: 0.1, Z: 1}.Normalize())

	t.Run("starts at identity with one entry", func(t *testing.T) {
		in := NewIntegrator()
		test.That(t, in.Len(), test.ShouldEqual, 1)
		test.That(t, mat.Equal(in.GlobalPose(), geometry.Identity()), test.ShouldBeTrue)
		test.That(t, in.Positions()[0], test.ShouldResemble, r3.Vector{})
	})

	t.Run("composition is associative", func(t *testing.T) {
		stepwise := NewIntegrator()
		stepwise.Accept(a)
		stepwise.Accept(b)

		combined := NewIntegrator()
		combined.AcceptTransform(geometry.Compose(a.Transform(), b.Transform()))

		test.That(t, mat.EqualApprox(stepwise.GlobalPose(), combined.GlobalPose(), 1e-12), test.ShouldBeTrue)
		test.That(t, stepwise.Len(), test.ShouldEqual, 3)
		test.That(t, combined.Len(), test.ShouldEqual, 2)
	})

	t.Run("replaying the same sequence reproduces the trajectory", func(t *testing.T) {
		run := func() []r3.Vector {
			in := NewIntegrator()
			for i := 0; i < 20; i++ {
				in.Accept(a)
				in.Accept(b)
			}
			return in.Positions()
		}
		test.That(t, run(), test.ShouldResemble, run())
	})

	t.Run("global pose stays rigid", func(t *testing.T) {
		in := NewIntegrator()
		for i := 0; i < 500; i++ {
			in.Accept(a)
		}
		test.That(t, geometry.IsRigid(in.GlobalPose(), 1e-9), test.ShouldBeTrue)
	})

	t.Run("accessors return copies", func(t *testing.T) {
		in := NewIntegrator()
		in.Accept(a)
		pose := in.GlobalPose()
		pose.Set(0, 3, 100)
		positions := in.Positions()
		positions[1] = r3.Vector{X: 100}
		test.That(t, in.GlobalPose().At(0, 3), test.ShouldNotEqual, 100)
		test.That(t, in.Positions()[1].X, test.ShouldNotEqual, 100)
	})
}

func TestKITTIRoundTrip(t *testing.T) {
	in := NewIntegrator()
	for i := 0; i < 5; i++ {
		in.Accept(relativePose(r3.Vector{Y: 1}, 0.1, r3.Vector{Z: 1}))
	}
	var buf bytes.Buffer
	test.That(t, WriteKITTI(&buf, in.Poses()), test.ShouldBeNil)
	test.That(t, bytes.Count(buf.Bytes(), []byte("\n")), test.ShouldEqual, 6)

	poses, err := ReadKITTI(&buf)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(poses), test.ShouldEqual, 6)
	for i, p := range in.Poses() {
		test.That(t, mat.Equal(p, poses[i]), test.ShouldBeTrue)
	}

	_, err = ReadKITTI(bytes.NewBufferString("1 2 3\n"))
	test.That(t, err, test.ShouldNotBeNil)
	_, err = ReadKITTI(bytes.NewBufferString("1 0 0 0 0 1 0 0 0 0 1 x\n"))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestEvaluate(t *testing.T) {
	truth := make([]r3.Vector, 30)
	for i := range truth {
		truth[i] = r3.Vector{X: math.Sin(float64(i) / 5), Y: 0.1 * float64(i), Z: float64(i)}
	}

	t.Run("rigidly moved estimate has zero error", func(t *testing.T) {
		r := geometry.RotationAboutAxis(r3.Vector{X: 1, Y: 2, Z: 0.5}, 0.7)
		moved := make([]r3.Vector, len(truth))
		for i, p := range truth {
			moved[i] = geometry.MulVec(r, p).Add(r3.Vector{X: 3, Y: -1, Z: 2})
		}
		ate, err := AbsoluteTrajectoryError(moved, truth)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, ate, test.ShouldAlmostEqual, 0, 1e-9)
		rpe, err := RelativePoseError(moved, truth, 3)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, rpe, test.ShouldAlmostEqual, 0, 1e-9)
	})

	t.Run("scaled estimate has error", func(t *testing.T) {
		scaled := make([]r3.Vector, len(truth))
		for i, p := range truth {
			scaled[i] = p.Mul(2)
		}
		ate, err := AbsoluteTrajectoryError(scaled, truth)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, ate, test.ShouldBeGreaterThan, 1)
	})

	t.Run("invalid inputs", func(t *testing.T) {
		_, err := AbsoluteTrajectoryError(truth[:3], truth)
		test.That(t, err, test.ShouldNotBeNil)
		_, err = RelativePoseError(truth, truth, 0)
		test.That(t, err, test.ShouldNotBeNil)
		_, err = RelativePoseError(truth[:2], truth[:2], 2)
		test.That(t, err, test.ShouldNotBeNil)
	})
}

func TestSavePlot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trajectory.png")
	err := SavePlot(path, "test", Series{Name: "estimate", Positions: []r3.Vector{{}, {X: 1, Z: 1}, {X: 2, Z: 3}}})
	test.That(t, err, test.ShouldBeNil)
	info, err := os.Stat(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, info.Size(), test.ShouldBeGreaterThan, 0)

	test.That(t, SavePlot(path, "empty"), test.ShouldNotBeNil)
}
