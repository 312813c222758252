// Package pipeline runs the per-frame odometry loop: relative pose recovery, motion gating,
// trajectory integration, optional inertial fusion, keyframe selection and map registration.
package pipeline

import (
	"context"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"go.viam.com/rdk/rimage/transform"
	"gonum.org/v1/gonum/mat"

	"github.com/viamrobotics/viam-monovo/features"
	"github.com/viamrobotics/viam-monovo/fusion"
	"github.com/viamrobotics/viam-monovo/geometry"
	"github.com/viamrobotics/viam-monovo/keyframe"
	"github.com/viamrobotics/viam-monovo/mapping"
	"github.com/viamrobotics/viam-monovo/mapstore"
	"github.com/viamrobotics/viam-monovo/odometry"
	"github.com/viamrobotics/viam-monovo/sensors/dataset"
	"github.com/viamrobotics/viam-monovo/trajectory"
)

// FrameSource provides frames by index.
type FrameSource interface {
	NumFrames() (int, error)
	Frame(ctx context.Context, index int) (features.Frame, error)
}

// InertialSource provides the inertial samples recorded in a time interval (from, to].
type InertialSource interface {
	Samples(from, to float64) []dataset.IMUSample
}

// Config is the fixed configuration of a pipeline.
type Config struct {
	Intrinsics *transform.PinholeCameraIntrinsics
	// Inertial enables the fusion filter. Filter is ignored otherwise.
	Inertial bool
	Filter   fusion.Config

	TranslationGateBound     float64
	RotationGateBoundDegrees float64

	KeyframeTranslationThreshold     float64
	KeyframeRotationThresholdDegrees float64
	KeyframeQualityRatio             float64

	RansacSeed      int64
	LocalWindowSize int
}

// Result is the outcome of processing one frame. Reason holds the rejection cause when Accepted
// is false.
type Result struct {
	FrameIndex int
	Accepted   bool
	Reason     error
	Inliers    int
	Keyframe   keyframe.Decision
}

// Option replaces one of the map refinement collaborators of a Pipeline.
type Option func(*Pipeline)

// WithBundleAdjuster sets the local bundle adjuster that receives every new keyframe.
func WithBundleAdjuster(adjuster mapping.LocalWindowBundleAdjuster) Option {
	return func(p *Pipeline) {
		p.adjuster = adjuster
	}
}

// WithMappingMonitor sets the source of the mapping backpressure signals.
func WithMappingMonitor(monitor mapping.MappingMonitor) Option {
	return func(p *Pipeline) {
		p.monitor = monitor
	}
}

// WithPoseGraphOptimizer sets the pose graph that receives an edge per new keyframe.
func WithPoseGraphOptimizer(optimizer mapping.PoseGraphOptimizer) Option {
	return func(p *Pipeline) {
		p.optimizer = optimizer
	}
}

// Pipeline processes frames strictly one at a time. It is not safe for concurrent use, except
// for the map returned by Map.
type Pipeline struct {
	frames   FrameSource
	provider features.FeatureObservationProvider
	imu      InertialSource
	logger   golog.Logger

	estimator  *odometry.RelativePoseEstimator
	gate       odometry.MotionGate
	integrator *trajectory.Integrator
	filter     *fusion.Filter
	policy     keyframe.Policy
	store      *mapstore.Store

	adjuster  mapping.LocalWindowBundleAdjuster
	monitor   mapping.MappingMonitor
	optimizer mapping.PoseGraphOptimizer

	ref         *features.Observation
	lastIndex   int
	lastIMUTime float64
	// heldSample is the latest inertial sample, applied until the next one arrives.
	heldSample *dataset.IMUSample

	nextKeyframeID      int
	lastKeyframeID      int
	lastKeyframePose    *mat.Dense
	lastKeyframeTracked int
}

// New builds a pipeline. imu may be nil when inertial fusion is disabled. Unless replaced by
// options, a LocalWindow of cfg.LocalWindowSize serves as both bundle adjuster and mapping
// monitor, and a ConstraintGraph as pose graph optimizer.
func New(
	cfg Config,
	frames FrameSource,
	provider features.FeatureObservationProvider,
	imu InertialSource,
	logger golog.Logger,
	opts ...Option,
) (*Pipeline, error) {
	if frames == nil || provider == nil {
		return nil, errors.New("pipeline requires a frame source and a feature provider")
	}
	estimator, err := odometry.NewRelativePoseEstimator(cfg.Intrinsics, cfg.RansacSeed, logger)
	if err != nil {
		return nil, err
	}
	gate, err := odometry.NewMotionGate(cfg.TranslationGateBound, cfg.RotationGateBoundDegrees)
	if err != nil {
		return nil, err
	}
	policy, err := keyframe.NewPolicy(
		cfg.KeyframeTranslationThreshold,
		cfg.KeyframeRotationThresholdDegrees,
		cfg.KeyframeQualityRatio,
	)
	if err != nil {
		return nil, err
	}
	store, err := mapstore.New(cfg.Intrinsics)
	if err != nil {
		return nil, err
	}
	window, err := mapping.NewLocalWindow(cfg.LocalWindowSize)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		frames:     frames,
		provider:   provider,
		logger:     logger,
		estimator:  estimator,
		gate:       gate,
		integrator: trajectory.NewIntegrator(),
		policy:     policy,
		store:      store,
		adjuster:   window,
		monitor:    window,
		optimizer:  mapping.NewConstraintGraph(),
		lastIndex:  -1,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.adjuster == nil || p.monitor == nil || p.optimizer == nil {
		return nil, errors.New("pipeline collaborators must not be nil")
	}
	if cfg.Inertial {
		if imu == nil {
			return nil, errors.New("inertial fusion requires an inertial source")
		}
		if p.filter, err = fusion.NewFilter(cfg.Filter); err != nil {
			return nil, err
		}
		p.imu = imu
	}
	return p, nil
}

// Process runs one frame through the pipeline. Frames must be processed in increasing index
// order. Estimation, gating and feature failures reject the frame and are reported in the
// result; the returned error is reserved for I/O failures and map contract violations.
func (p *Pipeline) Process(ctx context.Context, frameIndex int) (Result, error) {
	ctx, span := trace.StartSpan(ctx, "pipeline::Pipeline::Process")
	defer span.End()

	if frameIndex <= p.lastIndex {
		return Result{}, errors.Errorf("frame %d already processed, last was %d", frameIndex, p.lastIndex)
	}
	frame, err := p.frames.Frame(ctx, frameIndex)
	if err != nil {
		return Result{}, errors.Wrapf(err, "error reading frame %d", frameIndex)
	}
	p.lastIndex = frameIndex
	result := Result{FrameIndex: frameIndex}

	if p.ref == nil {
		return p.initialize(ctx, frame)
	}
	p.predict(frame.Timestamp)

	obs, err := p.provider.Extract(ctx, frame)
	if err != nil {
		if errors.Is(err, features.ErrNoFeaturesDetected) {
			result.Reason = err
			return result, nil
		}
		return Result{}, err
	}
	matches, err := p.provider.Match(p.ref.Descriptors, obs.Descriptors)
	if err != nil {
		return Result{}, errors.Wrapf(err, "error matching frame %d", frameIndex)
	}
	corr, err := features.Correspondences(*p.ref, obs, matches)
	if err != nil {
		return Result{}, err
	}

	rel, err := p.estimator.Estimate(ctx, corr)
	if err != nil {
		result.Reason = err
		p.logger.Debugw("frame rejected", "frame", frameIndex, "reason", err)
		return result, nil
	}
	result.Inliers = rel.NumInliers()
	if err := p.gate.Check(rel); err != nil {
		result.Reason = err
		p.logger.Debugw("frame rejected", "frame", frameIndex, "reason", err)
		return result, nil
	}

	previousPose := p.integrator.GlobalPose()
	pose := p.integrator.Accept(rel)
	result.Accepted = true
	p.correct(pose)

	result.Keyframe = p.policy.Decide(keyframe.Inputs{
		LastKeyframePose:       p.lastKeyframePose,
		CurrentPose:            pose,
		Inliers:                result.Inliers,
		LastKeyframeTracked:    p.lastKeyframeTracked,
		KeyframesInMap:         p.store.NumKeyframes(),
		InitializationComplete: true,
		MappingBusy:            p.monitor.Busy() || p.monitor.StopRequested(),
	})
	if result.Keyframe.Accept {
		if err := p.promote(ctx, previousPose, pose, corr.Subset(rel.Inliers)); err != nil {
			return Result{}, err
		}
	}
	p.ref = &obs
	return result, nil
}

// initialize makes the first readable frame the reference and the map origin.
func (p *Pipeline) initialize(ctx context.Context, frame features.Frame) (Result, error) {
	result := Result{FrameIndex: frame.Index}
	p.lastIMUTime = frame.Timestamp
	obs, err := p.provider.Extract(ctx, frame)
	if err != nil {
		if errors.Is(err, features.ErrNoFeaturesDetected) {
			result.Reason = err
			return result, nil
		}
		return Result{}, err
	}
	pose := p.integrator.GlobalPose()
	if err := p.store.AddKeyframe(p.nextKeyframeID, pose); err != nil {
		return Result{}, err
	}
	p.adjuster.AddKeyframe(p.nextKeyframeID, pose, nil)
	p.lastKeyframeID = p.nextKeyframeID
	p.lastKeyframePose = pose
	p.nextKeyframeID++

	p.ref = &obs
	result.Accepted = true
	result.Inliers = len(obs.Keypoints)
	result.Keyframe = keyframe.Decision{Accept: true, Reason: keyframe.Bootstrap}
	p.logger.Debugw("initialized reference frame", "frame", frame.Index, "keypoints", len(obs.Keypoints))
	return result, nil
}

// predict advances the filter from the previous frame time to timestamp. Each sample covers the
// interval ending at it, and the latest sample is held over the rest of the interval.
func (p *Pipeline) predict(timestamp float64) {
	if p.filter == nil {
		return
	}
	last := p.lastIMUTime
	for _, s := range p.imu.Samples(p.lastIMUTime, timestamp) {
		p.integrate(s, s.Timestamp-last)
		last = s.Timestamp
		held := s
		p.heldSample = &held
	}
	if p.heldSample != nil {
		p.integrate(*p.heldSample, timestamp-last)
	}
	if timestamp > p.lastIMUTime {
		p.lastIMUTime = timestamp
	}
}

func (p *Pipeline) integrate(s dataset.IMUSample, dt float64) {
	if dt <= 0 {
		return
	}
	if err := p.filter.Predict(s.SpecificForce, s.AngularRate, dt); err != nil {
		p.logger.Warnw("skipping inertial sample", "timestamp", s.Timestamp, "error", err)
	}
}

// correct feeds an accepted visual pose to the filter.
func (p *Pipeline) correct(pose *mat.Dense) {
	if p.filter == nil {
		return
	}
	spatialPose, err := geometry.ToSpatialPose(pose)
	if err != nil {
		p.logger.Warnw("skipping visual update", "error", err)
		return
	}
	if err := p.filter.Update(spatialPose.Point(), spatialPose.Orientation().Quaternion()); err != nil {
		p.logger.Warnw("inertial fusion update skipped, keeping prediction", "error", err)
	}
}

// promote registers a new keyframe at pose and triangulates the inlier correspondences between
// the previous pose and it.
func (p *Pipeline) promote(ctx context.Context, previousPose, pose *mat.Dense, inliers geometry.Correspondences) error {
	id := p.nextKeyframeID
	p.nextKeyframeID++
	if err := p.store.AddKeyframe(id, pose); err != nil {
		return err
	}

	landmarks, err := p.store.Triangulate(previousPose, pose, inliers)
	if err != nil {
		p.logger.Warnw("keyframe stored without landmarks", "keyframe", id, "error", err)
		landmarks = nil
	}
	for _, lm := range landmarks {
		if err := p.store.AddObservation(lm, id); err != nil {
			return err
		}
	}

	p.adjuster.AddKeyframe(id, pose, landmarks)
	if err := p.adjuster.Refine(ctx); err != nil && !errors.Is(err, mapping.ErrNotImplemented) {
		p.logger.Warnw("local refinement failed", "keyframe", id, "error", err)
	}
	p.optimizer.AddConstraint(p.lastKeyframeID, id, p.lastKeyframePose, pose)
	p.lastKeyframeID = id
	p.lastKeyframePose = pose
	p.lastKeyframeTracked = len(landmarks)
	p.logger.Debugw("keyframe added", "keyframe", id, "landmarks", len(landmarks))
	return nil
}

// NumFrames returns the number of frames the source currently holds.
func (p *Pipeline) NumFrames() (int, error) {
	return p.frames.NumFrames()
}

// LastProcessed returns the index of the last processed frame, or -1.
func (p *Pipeline) LastProcessed() int {
	return p.lastIndex
}

// Trajectory returns a copy of the camera positions.
func (p *Pipeline) Trajectory() []r3.Vector {
	return p.integrator.Positions()
}

// Poses returns copies of every integrated camera-to-world pose.
func (p *Pipeline) Poses() []*mat.Dense {
	return p.integrator.Poses()
}

// GlobalPose returns a copy of the current camera-to-world pose.
func (p *Pipeline) GlobalPose() *mat.Dense {
	return p.integrator.GlobalPose()
}

// FilterState returns the fused state, and false when inertial fusion is disabled.
func (p *Pipeline) FilterState() (fusion.State, bool) {
	if p.filter == nil {
		return fusion.State{}, false
	}
	return p.filter.State(), true
}

// Map returns the map store.
func (p *Pipeline) Map() *mapstore.Store {
	return p.store
}
