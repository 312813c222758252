package pipeline

import (
	"context"
	"math"
	"testing"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"github.com/viamrobotics/viam-monovo/features"
	"github.com/viamrobotics/viam-monovo/fusion"
	"github.com/viamrobotics/viam-monovo/geometry"
	"github.com/viamrobotics/viam-monovo/internal/synthetic"
	"github.com/viamrobotics/viam-monovo/keyframe"
	"github.com/viamrobotics/viam-monovo/mapping"
	"github.com/viamrobotics/viam-monovo/odometry"
	"github.com/viamrobotics/viam-monovo/sensors/dataset"
)

const frameInterval = 0.1

// step is the true motion between consecutive frames.
var step = geometry.NewTransform(
	geometry.RotationAboutAxis(r3.Vector{Y: 1}, 0.02),
	r3.Vector{X: 0.05, Y: 0.01, Z: 0.3},
)

func testConfig() Config {
	return Config{
		Intrinsics:                       synthetic.Intrinsics(),
		TranslationGateBound:             1.5,
		RotationGateBoundDegrees:         30,
		KeyframeTranslationThreshold:     2.5,
		KeyframeRotationThresholdDegrees: 20,
		KeyframeQualityRatio:             0.5,
		RansacSeed:                       1,
		LocalWindowSize:                  3,
		Filter: fusion.Config{
			PositionNoise:          0.01,
			AccelerationNoise:      0.1,
			AngularRateNoise:       0.01,
			VisualPositionNoise:    0.05,
			VisualOrientationNoise: 0.05,
			InitialCovariance:      0.1,
			Jacobian:               fusion.SmallAngle,
		},
	}
}

func truePoses(n int) []*mat.Dense {
	return synthetic.ConstantMotion(n, step)
}

func newSource(t *testing.T, poses []*mat.Dense) (string, *dataset.Source) {
	t.Helper()
	dir := t.TempDir()
	synthetic.WriteDataset(t, dir, synthetic.Intrinsics(), poses, synthetic.ScenePoints(120, 5), frameInterval)
	src, err := dataset.NewSource(dir, features.ORB)
	test.That(t, err, test.ShouldBeNil)
	return dir, src
}

func processAll(t *testing.T, p *Pipeline) []Result {
	t.Helper()
	n, err := p.NumFrames()
	test.That(t, err, test.ShouldBeNil)
	results := make([]Result, n)
	for i := 0; i < n; i++ {
		results[i], err = p.Process(context.Background(), i)
		test.That(t, err, test.ShouldBeNil)
	}
	return results
}

func TestNew(t *testing.T) {
	logger := golog.NewTestLogger(t)
	_, src := newSource(t, truePoses(2))

	_, err := New(testConfig(), nil, src, nil, logger)
	test.That(t, err, test.ShouldNotBeNil)

	cfg := testConfig()
	cfg.Intrinsics = nil
	_, err = New(cfg, src, src, nil, logger)
	test.That(t, err, test.ShouldNotBeNil)

	cfg = testConfig()
	cfg.LocalWindowSize = 0
	_, err = New(cfg, src, src, nil, logger)
	test.That(t, err, test.ShouldNotBeNil)

	cfg = testConfig()
	cfg.KeyframeQualityRatio = -1
	_, err = New(cfg, src, src, nil, logger)
	test.That(t, err, test.ShouldNotBeNil)

	cfg = testConfig()
	cfg.Inertial = true
	_, err = New(cfg, src, src, nil, logger)
	test.That(t, err, test.ShouldNotBeNil)

	p, err := New(testConfig(), src, src, nil, logger)
	test.That(t, err, test.ShouldBeNil)
	_, ok := p.FilterState()
	test.That(t, ok, test.ShouldBeFalse)
}

func TestProcessMonocular(t *testing.T) {
	poses := truePoses(9)
	_, src := newSource(t, poses)
	window, err := mapping.NewLocalWindow(testConfig().LocalWindowSize)
	test.That(t, err, test.ShouldBeNil)
	graph := mapping.NewConstraintGraph()
	p, err := New(testConfig(), src, src, nil, golog.NewTestLogger(t),
		WithBundleAdjuster(window), WithMappingMonitor(window), WithPoseGraphOptimizer(graph))
	test.That(t, err, test.ShouldBeNil)

	results := processAll(t, p)
	for i, r := range results {
		test.That(t, r.FrameIndex, test.ShouldEqual, i)
		test.That(t, r.Accepted, test.ShouldBeTrue)
		test.That(t, r.Reason, test.ShouldBeNil)
	}

	t.Run("trajectory matches the truth up to scale", func(t *testing.T) {
		scale := geometry.Translation(step).Norm()
		trajectory := p.Trajectory()
		test.That(t, len(trajectory), test.ShouldEqual, len(poses))
		for i, pos := range trajectory {
			want := geometry.Translation(poses[i]).Mul(1 / scale)
			test.That(t, pos.Sub(want).Norm(), test.ShouldBeLessThan, 1e-4)
		}
		test.That(t, geometry.IsRigid(p.GlobalPose(), 1e-9), test.ShouldBeTrue)
		test.That(t, len(p.Poses()), test.ShouldEqual, len(poses))
	})

	t.Run("keyframes follow the policy", func(t *testing.T) {
		reasons := make([]keyframe.Reason, len(results))
		for i, r := range results {
			reasons[i] = r.Keyframe.Reason
		}
		test.That(t, reasons, test.ShouldResemble, []keyframe.Reason{
			keyframe.Bootstrap, keyframe.Bootstrap, keyframe.Bootstrap,
			keyframe.InsufficientChange, keyframe.InsufficientChange, keyframe.Motion,
			keyframe.InsufficientChange, keyframe.InsufficientChange, keyframe.Motion,
		})

		store := p.Map()
		keyframes := store.Keyframes()
		test.That(t, len(keyframes), test.ShouldEqual, 5)
		for i, kf := range keyframes {
			test.That(t, kf.ID, test.ShouldEqual, i)
		}
		test.That(t, keyframes[0].Landmarks, test.ShouldBeEmpty)
		test.That(t, len(keyframes[1].Landmarks), test.ShouldEqual, 120)
		test.That(t, store.NumLandmarks(), test.ShouldEqual, 4*120)

		entries := window.Entries()
		test.That(t, len(entries), test.ShouldEqual, 3)
		test.That(t, entries[2].ID, test.ShouldEqual, 4)
		test.That(t, len(graph.Constraints()), test.ShouldEqual, 4)
	})

	t.Run("landmarks recover the scene up to scale", func(t *testing.T) {
		scale := geometry.Translation(step).Norm()
		points := synthetic.ScenePoints(120, 5)
		kf, ok := p.Map().Keyframe(1)
		test.That(t, ok, test.ShouldBeTrue)
		// The descriptors are matched by content, so landmark order follows match order.
		for _, id := range kf.Landmarks {
			lm, ok := p.Map().Landmark(id)
			test.That(t, ok, test.ShouldBeTrue)
			nearest := math.Inf(1)
			for _, pt := range points {
				nearest = math.Min(nearest, lm.Position.Sub(pt.Mul(1/scale)).Norm())
			}
			test.That(t, nearest, test.ShouldBeLessThan, 1e-3)
		}
	})

	t.Run("frames cannot be replayed", func(t *testing.T) {
		_, err := p.Process(context.Background(), 3)
		test.That(t, err, test.ShouldNotBeNil)
		_, err = p.Process(context.Background(), 100)
		test.That(t, err, test.ShouldNotBeNil)
	})
}

func TestProcessRejections(t *testing.T) {
	poses := truePoses(3)
	// Frame 2 repeats frame 1 exactly, so it has no parallax.
	sequence := []*mat.Dense{poses[0], poses[1], poses[1], poses[2]}
	dir, src := newSource(t, sequence)
	test.That(t, dataset.WriteFrame(dir, len(sequence), dataset.FrameRecord{TimestampSec: 1}), test.ShouldBeNil)

	p, err := New(testConfig(), src, src, nil, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	results := processAll(t, p)
	test.That(t, len(results), test.ShouldEqual, 5)

	test.That(t, results[2].Accepted, test.ShouldBeFalse)
	test.That(t, errors.Is(results[2].Reason, odometry.ErrDegenerateEssentialMatrix), test.ShouldBeTrue)
	test.That(t, results[3].Accepted, test.ShouldBeTrue)
	test.That(t, results[4].Accepted, test.ShouldBeFalse)
	test.That(t, errors.Is(results[4].Reason, features.ErrNoFeaturesDetected), test.ShouldBeTrue)

	// Rejected frames leave the trajectory alone.
	test.That(t, len(p.Trajectory()), test.ShouldEqual, 3)
	test.That(t, p.LastProcessed(), test.ShouldEqual, 4)
}

func TestProcessGateRejection(t *testing.T) {
	_, src := newSource(t, truePoses(3))
	cfg := testConfig()
	cfg.TranslationGateBound = 0.5
	p, err := New(cfg, src, src, nil, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	results := processAll(t, p)
	test.That(t, results[0].Accepted, test.ShouldBeTrue)
	for _, r := range results[1:] {
		test.That(t, r.Accepted, test.ShouldBeFalse)
		test.That(t, errors.Is(r.Reason, odometry.ErrImplausibleMotion), test.ShouldBeTrue)
		test.That(t, r.Inliers, test.ShouldEqual, 120)
	}
	test.That(t, len(p.Trajectory()), test.ShouldEqual, 1)
}

// flagMonitor is a mapping monitor driven by a mapper outside the pipeline.
type flagMonitor struct {
	busy, stop atomic.Bool
}

func (m *flagMonitor) Busy() bool          { return m.busy.Load() }
func (m *flagMonitor) StopRequested() bool { return m.stop.Load() }

// recordingAdjuster records what the pipeline hands to the bundle adjuster.
type recordingAdjuster struct {
	ids     []int
	refines int
	err     error
}

func (a *recordingAdjuster) AddKeyframe(id int, pose mat.Matrix, landmarkIDs []int) {
	a.ids = append(a.ids, id)
}

func (a *recordingAdjuster) Refine(ctx context.Context) error {
	a.refines++
	return a.err
}

func TestProcessMappingBusy(t *testing.T) {
	_, src := newSource(t, truePoses(4))
	monitor := &flagMonitor{}
	p, err := New(testConfig(), src, src, nil, golog.NewTestLogger(t), WithMappingMonitor(monitor))
	test.That(t, err, test.ShouldBeNil)

	_, err = p.Process(context.Background(), 0)
	test.That(t, err, test.ShouldBeNil)

	monitor.busy.Store(true)
	r, err := p.Process(context.Background(), 1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, r.Accepted, test.ShouldBeTrue)
	test.That(t, r.Keyframe, test.ShouldResemble, keyframe.Decision{Reason: keyframe.MappingBusy})
	test.That(t, p.Map().NumKeyframes(), test.ShouldEqual, 1)

	monitor.busy.Store(false)
	monitor.stop.Store(true)
	r, err = p.Process(context.Background(), 2)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, r.Keyframe.Reason, test.ShouldEqual, keyframe.MappingBusy)

	monitor.stop.Store(false)
	r, err = p.Process(context.Background(), 3)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, r.Keyframe, test.ShouldResemble, keyframe.Decision{Accept: true, Reason: keyframe.Bootstrap})
	test.That(t, p.Map().NumKeyframes(), test.ShouldEqual, 2)
}

func TestProcessCollaborators(t *testing.T) {
	_, src := newSource(t, truePoses(3))

	t.Run("nil collaborators are rejected", func(t *testing.T) {
		_, err := New(testConfig(), src, src, nil, golog.NewTestLogger(t), WithPoseGraphOptimizer(nil))
		test.That(t, err, test.ShouldNotBeNil)
	})

	t.Run("keyframes reach the injected adjuster and optimizer", func(t *testing.T) {
		adjuster := &recordingAdjuster{err: errors.New("solver diverged")}
		graph := mapping.NewConstraintGraph()
		p, err := New(testConfig(), src, src, nil, golog.NewTestLogger(t),
			WithBundleAdjuster(adjuster), WithPoseGraphOptimizer(graph))
		test.That(t, err, test.ShouldBeNil)

		results := processAll(t, p)
		for _, r := range results {
			test.That(t, r.Keyframe.Accept, test.ShouldBeTrue)
		}
		test.That(t, adjuster.ids, test.ShouldResemble, []int{0, 1, 2})
		test.That(t, adjuster.refines, test.ShouldEqual, 2)

		constraints := graph.Constraints()
		test.That(t, len(constraints), test.ShouldEqual, 2)
		test.That(t, constraints[1].Src, test.ShouldEqual, 1)
		test.That(t, constraints[1].Dst, test.ShouldEqual, 2)
		poses, err := graph.Solve(context.Background())
		test.That(t, err, test.ShouldBeNil)
		test.That(t, mat.EqualApprox(poses[2], p.GlobalPose(), 1e-12), test.ShouldBeTrue)
	})
}

func writeStillIMU(t *testing.T, dir string, frames int) *dataset.IMU {
	t.Helper()
	var samples []dataset.IMUSample
	for i := 1; i <= frames*10; i++ {
		samples = append(samples, dataset.IMUSample{Timestamp: float64(i) * frameInterval / 10})
	}
	test.That(t, dataset.WriteIMU(dir, samples), test.ShouldBeNil)
	imu, err := dataset.ReadIMU(dir)
	test.That(t, err, test.ShouldBeNil)
	return imu
}

func TestProcessInertial(t *testing.T) {
	poses := truePoses(6)
	dir, src := newSource(t, poses)
	imu := writeStillIMU(t, dir, len(poses))

	t.Run("visual updates pull the filter along the trajectory", func(t *testing.T) {
		cfg := testConfig()
		cfg.Inertial = true
		p, err := New(cfg, src, src, imu, golog.NewTestLogger(t))
		test.That(t, err, test.ShouldBeNil)
		processAll(t, p)

		state, ok := p.FilterState()
		test.That(t, ok, test.ShouldBeTrue)
		test.That(t, quat.Abs(state.Orientation), test.ShouldAlmostEqual, 1, 1e-12)
		visual := geometry.Translation(p.GlobalPose())
		test.That(t, state.Position.Z, test.ShouldBeGreaterThan, 0)
		test.That(t, state.Position.Sub(visual).Norm(), test.ShouldBeLessThan, visual.Norm())
	})

	t.Run("singular updates keep the prediction", func(t *testing.T) {
		cfg := testConfig()
		cfg.Inertial = true
		cfg.Filter = fusion.Config{Jacobian: fusion.Analytic}
		p, err := New(cfg, src, src, imu, golog.NewTestLogger(t))
		test.That(t, err, test.ShouldBeNil)
		results := processAll(t, p)
		for _, r := range results {
			test.That(t, r.Accepted, test.ShouldBeTrue)
		}

		state, ok := p.FilterState()
		test.That(t, ok, test.ShouldBeTrue)
		test.That(t, state.Position, test.ShouldResemble, r3.Vector{})
		test.That(t, state.Orientation, test.ShouldResemble, quat.Number{Real: 1})
	})
}

func TestProcessInertialInterval(t *testing.T) {
	// A static camera rejects every frame after the first, so only prediction moves the filter.
	still := make([]*mat.Dense, 6)
	for i := range still {
		still[i] = geometry.Identity()
	}
	dir, src := newSource(t, still)

	// Samples every 0.03 s leave the end of most frame intervals after the last sample.
	var samples []dataset.IMUSample
	for i := 1; float64(i)*0.03 < 0.6; i++ {
		samples = append(samples, dataset.IMUSample{
			Timestamp:     float64(i) * 0.03,
			SpecificForce: r3.Vector{X: 1},
		})
	}
	test.That(t, dataset.WriteIMU(dir, samples), test.ShouldBeNil)
	imu, err := dataset.ReadIMU(dir)
	test.That(t, err, test.ShouldBeNil)

	cfg := testConfig()
	cfg.Inertial = true
	p, err := New(cfg, src, src, imu, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	results := processAll(t, p)
	for _, r := range results[1:] {
		test.That(t, errors.Is(r.Reason, odometry.ErrDegenerateEssentialMatrix), test.ShouldBeTrue)
	}

	elapsed := float64(len(still)-1) * frameInterval
	state, ok := p.FilterState()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, state.Velocity.X, test.ShouldAlmostEqual, elapsed, 1e-9)
	test.That(t, state.Position.X, test.ShouldAlmostEqual, elapsed*elapsed/2, 1e-9)
	test.That(t, state.Velocity.Y, test.ShouldAlmostEqual, 0, 1e-12)
}
