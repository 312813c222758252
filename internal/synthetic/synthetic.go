// Package synthetic builds noise-free camera scenes and datasets for tests.
package synthetic

import (
	"math/rand"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/rdk/rimage/transform"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	"github.com/viamrobotics/viam-monovo/geometry"
	"github.com/viamrobotics/viam-monovo/sensors/dataset"
)

const descriptorBytes = 32

// Intrinsics returns the pinhole camera used by the synthetic scenes.
func Intrinsics() *transform.PinholeCameraIntrinsics {
	return &transform.PinholeCameraIntrinsics{
		Width:  640,
		Height: 480,
		Fx:     500,
		Fy:     500,
		Ppx:    320,
		Ppy:    240,
	}
}

// ScenePoints returns n random points in front of a camera at the origin looking down +Z.
func ScenePoints(n int, seed int64) []r3.Vector {
	//nolint:gosec
	rng := rand.New(rand.NewSource(seed))
	points := make([]r3.Vector, n)
	for i := range points {
		points[i] = r3.Vector{
			X: rng.Float64()*4 - 2,
			Y: rng.Float64()*3 - 1.5,
			Z: rng.Float64()*4 + 4,
		}
	}
	return points
}

// Project returns the exact pixel coordinates of world points seen by a camera whose
// camera-to-world pose is given.
func Project(intrinsics *transform.PinholeCameraIntrinsics, cameraToWorld mat.Matrix, points []r3.Vector) []r2.Point {
	worldToCamera := geometry.Inverse(cameraToWorld)
	rotation := geometry.Rotation(worldToCamera)
	translation := geometry.Translation(worldToCamera)
	pixels := make([]r2.Point, len(points))
	for i, p := range points {
		c := geometry.MulVec(rotation, p).Add(translation)
		pixels[i] = r2.Point{
			X: c.X/c.Z*intrinsics.Fx + intrinsics.Ppx,
			Y: c.Y/c.Z*intrinsics.Fy + intrinsics.Ppy,
		}
	}
	return pixels
}

// TwoViewCorrespondences projects points into two cameras and pairs the projections.
func TwoViewCorrespondences(
	intrinsics *transform.PinholeCameraIntrinsics,
	pose1, pose2 mat.Matrix,
	points []r3.Vector,
) geometry.Correspondences {
	return geometry.Correspondences{
		Points1: Project(intrinsics, pose1, points),
		Points2: Project(intrinsics, pose2, points),
	}
}

// Descriptors returns one distinct binary descriptor per scene point.
func Descriptors(n int, seed int64) [][]byte {
	//nolint:gosec
	rng := rand.New(rand.NewSource(seed))
	out := make([][]byte, n)
	for i := range out {
		out[i] = make([]byte, descriptorBytes)
		rng.Read(out[i])
	}
	return out
}

// WriteDataset writes one feature file per camera pose into the data directory, observing the
// given scene points with consistent descriptors. Frames are spaced dt seconds apart.
func WriteDataset(
	t *testing.T,
	dataDirectory string,
	intrinsics *transform.PinholeCameraIntrinsics,
	poses []*mat.Dense,
	points []r3.Vector,
	dt float64,
) {
	t.Helper()
	descriptors := Descriptors(len(points), 7)
	for i, pose := range poses {
		pixels := Project(intrinsics, pose, points)
		record := dataset.FrameRecord{TimestampSec: float64(i) * dt}
		for j, px := range pixels {
			record.Keypoints = append(record.Keypoints, [2]float64{px.X, px.Y})
			record.BinaryDescriptors = append(record.BinaryDescriptors, dataset.EncodeBinaryDescriptor(descriptors[j]))
		}
		test.That(t, dataset.WriteFrame(dataDirectory, i, record), test.ShouldBeNil)
	}
}

// ConstantMotion returns n camera-to-world poses starting at the identity, each one step after
// the previous.
func ConstantMotion(n int, step mat.Matrix) []*mat.Dense {
	poses := []*mat.Dense{geometry.Identity()}
	for len(poses) < n {
		poses = append(poses, geometry.Compose(poses[len(poses)-1], step))
	}
	return poses
}
