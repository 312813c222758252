package geometry

import (
	"math"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"
)

func TestTransforms(t *testing.T) {
	rot := RotationAboutAxis(r3.Vector{X: 1, Y: 2, Z: 3}, 0.4)
	tf := NewTransform(rot, r3.Vector{X: 1, Y: -2, Z: 0.5})
	test.That(t, IsRigid(tf, 1e-9), test.ShouldBeTrue)

	t.Run("inverse composes to identity", func(t *testing.T) {
		id := Compose(tf, Inverse(tf))
		test.That(t, mat.EqualApprox(id, Identity(), 1e-12), test.ShouldBeTrue)
	})

	t.Run("non rigid matrix is detected", func(t *testing.T) {
		bad := mat.DenseCopyOf(tf)
		bad.Set(0, 0, 2)
		test.That(t, IsRigid(bad, 1e-9), test.ShouldBeFalse)
		bad = mat.DenseCopyOf(tf)
		bad.Set(3, 1, 0.1)
		test.That(t, IsRigid(bad, 1e-9), test.ShouldBeFalse)
	})

	t.Run("geodesic angle", func(t *testing.T) {
		test.That(t, GeodesicAngle(rot), test.ShouldAlmostEqual, 0.4, 1e-12)
		test.That(t, GeodesicAngle(Rotation(Identity())), test.ShouldEqual, 0)
		flip := RotationAboutAxis(r3.Vector{Z: 1}, math.Pi)
		test.That(t, GeodesicAngle(flip), test.ShouldAlmostEqual, math.Pi, 1e-9)
		test.That(t, GeodesicAngle(RelativeRotation(rot, rot)), test.ShouldAlmostEqual, 0, 1e-6)
	})

	t.Run("spatial pose keeps the translation", func(t *testing.T) {
		pose, err := ToSpatialPose(tf)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, pose.Point().X, test.ShouldAlmostEqual, 1)
		test.That(t, pose.Point().Y, test.ShouldAlmostEqual, -2)
		test.That(t, pose.Point().Z, test.ShouldAlmostEqual, 0.5)
	})
}

func TestTriangulateDLT(t *testing.T) {
	cam2 := NewTransform(RotationAboutAxis(r3.Vector{Y: 1}, 0.1), r3.Vector{X: 0.5})
	p1 := ProjectionMatrix(Identity())
	p2 := ProjectionMatrix(Inverse(cam2))

	project := func(world mat.Matrix, p r3.Vector) r2.Point {
		c := MulVec(Rotation(world), p).Add(Translation(world))
		return r2.Point{X: c.X / c.Z, Y: c.Y / c.Z}
	}

	for _, point := range []r3.Vector{{X: 0.1, Y: -0.3, Z: 4}, {X: -1, Y: 0.5, Z: 7}, {X: 2, Y: 1, Z: 10}} {
		x1 := project(Identity(), point)
		x2 := project(Inverse(cam2), point)
		got, err := TriangulateDLT(p1, p2, x1, x2)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, got.Sub(point).Norm(), test.ShouldBeLessThan, 1e-9)
	}

	t.Run("correspondence subset", func(t *testing.T) {
		corr := Correspondences{
			Points1: []r2.Point{{X: 1}, {X: 2}, {X: 3}},
			Points2: []r2.Point{{Y: 1}, {Y: 2}, {Y: 3}},
		}
		test.That(t, corr.Validate(), test.ShouldBeNil)
		sub := corr.Subset([]bool{true, false, true})
		test.That(t, sub.Len(), test.ShouldEqual, 2)
		test.That(t, sub.Points2[1].Y, test.ShouldEqual, 3)

		corr.Points2 = corr.Points2[:1]
		test.That(t, corr.Validate(), test.ShouldNotBeNil)
	})
}
