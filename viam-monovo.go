// Package viammonovo implements monocular visual and visual-inertial odometry as a slam service.
// It consumes an offline feature dataset, estimates the camera trajectory up to scale and builds
// a sparse landmark map.
package viammonovo

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"go.uber.org/multierr"
	"go.viam.com/rdk/components/camera"
	"go.viam.com/rdk/components/generic"
	"go.viam.com/rdk/config"
	"go.viam.com/rdk/pointcloud"
	"go.viam.com/rdk/registry"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/rimage/transform"
	"go.viam.com/rdk/services/slam"
	"go.viam.com/rdk/spatialmath"
	rdkutils "go.viam.com/rdk/utils"
	slamConfig "go.viam.com/slam/config"
	"go.viam.com/slam/dataprocess"
	goutils "go.viam.com/utils"
	"golang.org/x/exp/slices"

	"github.com/viamrobotics/viam-monovo/geometry"
	"github.com/viamrobotics/viam-monovo/pipeline"
	"github.com/viamrobotics/viam-monovo/sensors/dataset"
	"github.com/viamrobotics/viam-monovo/trajectory"
)

var (
	// Model specifies the unique resource-triple across the rdk.
	Model             = resource.NewModel("viam", "slam", "monovo")
	supportedSubAlgos = []SubAlgo{Mono, MonoInertial}
)

const (
	defaultDataRateMsec = 200
	defaultMapRateSec   = 60
	// the port is unused since the algorithm runs in process.
	localhost0     = "localhost:0"
	chunkSizeBytes = 1 << 20
)

// SubAlgo defines the odometry modes that we support.
type SubAlgo string

const (
	// Mono represents monocular vision (uses only one camera).
	Mono SubAlgo = "mono"
	// MonoInertial fuses the monocular estimate with an inertial measurement unit.
	MonoInertial SubAlgo = "mono_inertial"
)

func init() {
	registry.RegisterService(slam.Subtype, Model, registry.Service{
		Constructor: func(ctx context.Context, deps registry.Dependencies, c config.Service, logger golog.Logger) (interface{}, error) {
			return New(ctx, deps, c, logger)
		},
	})
	config.RegisterComponentAttributeMapConverter(
		slam.Subtype,
		Model,
		func(attributes config.AttributeMap) (interface{}, error) {
			var conf slamConfig.AttrConfig
			return config.TransformAttributeMapToStruct(&conf, attributes)
		},
		&slamConfig.AttrConfig{})
}

// monovoService is the structure of the monocular odometry slam service.
type monovoService struct {
	generic.Unimplemented
	primarySensorName string
	subAlgo           SubAlgo

	configParams  map[string]string
	dataDirectory string
	dataRateMs    int
	mapRateSec    int

	// mu serializes frame processing with the read endpoints.
	mu          sync.Mutex
	pipeline    *pipeline.Pipeline
	lastMapSave time.Time

	cancelFunc              func()
	logger                  golog.Logger
	activeBackgroundWorkers sync.WaitGroup
}

// configureCamera checks the config to see if a camera is desired and if so, reads its intrinsics.
// Returns the name of the camera and nil intrinsics when none is configured.
func configureCamera(ctx context.Context,
	svcConfig *slamConfig.AttrConfig,
	deps registry.Dependencies,
	logger golog.Logger,
) (string, *transform.PinholeCameraIntrinsics, error) {
	if len(svcConfig.Sensors) == 0 {
		return "", nil, nil
	}
	if len(svcConfig.Sensors) > 1 {
		logger.Warnf("monocular odometry uses one camera, ignoring %v", svcConfig.Sensors[1:])
	}
	primarySensorName := svcConfig.Sensors[0]
	cam, err := camera.FromDependencies(deps, primarySensorName)
	if err != nil {
		return "", nil, errors.Wrapf(err, "error getting camera %v for slam service", primarySensorName)
	}
	proj, err := cam.Projector(ctx)
	if err != nil {
		return "", nil, errors.Wrap(err, "Unable to get camera features for camera")
	}
	intrinsics, ok := proj.(*transform.PinholeCameraIntrinsics)
	if !ok {
		return "", nil, transform.NewNoIntrinsicsError("Intrinsics do not exist")
	}
	if err := intrinsics.CheckValid(); err != nil {
		return "", nil, err
	}
	return primarySensorName, intrinsics, nil
}

// GetPosition returns the current camera pose. In mono_inertial mode the fused filter state is
// returned instead of the visual estimate.
func (monoSvc *monovoService) GetPosition(ctx context.Context) (spatialmath.Pose, string, error) {
	_, span := trace.StartSpan(ctx, "viammonovo::monovoService::GetPosition")
	defer span.End()

	monoSvc.mu.Lock()
	defer monoSvc.mu.Unlock()

	if state, ok := monoSvc.pipeline.FilterState(); ok {
		orientation := spatialmath.Quaternion(state.Orientation)
		return spatialmath.NewPose(state.Position, &orientation), monoSvc.primarySensorName, nil
	}
	pose, err := geometry.ToSpatialPose(monoSvc.pipeline.GlobalPose())
	if err != nil {
		return nil, "", errors.Wrap(err, "error getting SLAM position")
	}
	return pose, monoSvc.primarySensorName, nil
}

// GetPointCloudMap returns a callback which returns the next chunk of the landmark map encoded as a
// binary PCD, and io.EOF once the map has been fully read.
func (monoSvc *monovoService) GetPointCloudMap(ctx context.Context) (func() ([]byte, error), error) {
	_, span := trace.StartSpan(ctx, "viammonovo::monovoService::GetPointCloudMap")
	defer span.End()

	data, err := monoSvc.pointCloudBytes()
	if err != nil {
		return nil, errors.Wrap(err, "error getting SLAM map")
	}
	return chunkCallback(data), nil
}

// GetInternalState returns a callback which returns the next chunk of the trajectory dump, and
// io.EOF once the dump has been fully read.
func (monoSvc *monovoService) GetInternalState(ctx context.Context) (func() ([]byte, error), error) {
	_, span := trace.StartSpan(ctx, "viammonovo::monovoService::GetInternalState")
	defer span.End()

	data, err := monoSvc.trajectoryBytes()
	if err != nil {
		return nil, errors.Wrap(err, "error getting SLAM internal state")
	}
	return chunkCallback(data), nil
}

func (monoSvc *monovoService) pointCloudBytes() ([]byte, error) {
	pc, err := monoSvc.pipeline.Map().PointCloud()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := pointcloud.ToPCD(pc, &buf, pointcloud.PCDBinary); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (monoSvc *monovoService) trajectoryBytes() ([]byte, error) {
	monoSvc.mu.Lock()
	poses := monoSvc.pipeline.Poses()
	monoSvc.mu.Unlock()

	var buf bytes.Buffer
	if err := trajectory.WriteKITTI(&buf, poses); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func chunkCallback(data []byte) func() ([]byte, error) {
	return func() ([]byte, error) {
		if len(data) == 0 {
			return nil, io.EOF
		}
		n := chunkSizeBytes
		if n > len(data) {
			n = len(data)
		}
		chunk := data[:n]
		data = data[n:]
		return chunk, nil
	}
}

// New returns a new slam service for the given robot.
func New(ctx context.Context,
	deps registry.Dependencies,
	config config.Service,
	logger golog.Logger,
) (slam.Service, error) {
	ctx, span := trace.StartSpan(ctx, "viammonovo::New")
	defer span.End()

	svcConfig, ok := config.ConvertedAttributes.(*slamConfig.AttrConfig)
	if !ok {
		return nil, rdkutils.NewUnexpectedTypeError(svcConfig, config.ConvertedAttributes)
	}

	primarySensorName, intrinsics, err := configureCamera(ctx, svcConfig, deps, logger)
	if err != nil {
		return nil, errors.Wrap(err, "configuring camera error")
	}

	subAlgo := SubAlgo(svcConfig.ConfigParams["mode"])
	if !slices.Contains(supportedSubAlgos, subAlgo) {
		return nil, errors.Errorf("%v does not have a mode %v",
			config.Model.Name, svcConfig.ConfigParams["mode"])
	}

	if err = slamConfig.SetupDirectories(svcConfig.DataDirectory, logger); err != nil {
		return nil, errors.Wrap(err, "unable to setup working directories")
	}
	featuresDirectory := dataset.FeaturesDirectory(svcConfig.DataDirectory)
	if _, err := os.Stat(featuresDirectory); os.IsNotExist(err) {
		logger.Warnf("%v directory does not exist", featuresDirectory)
		if err := os.MkdirAll(featuresDirectory, os.ModePerm); err != nil {
			return nil, errors.Errorf("issue creating directory at %v: %v", featuresDirectory, err)
		}
	}

	_, dataRateMsec, mapRateSec, useLiveData, _, err := slamConfig.GetOptionalParameters(
		svcConfig,
		localhost0,
		defaultDataRateMsec,
		defaultMapRateSec,
		logger,
	)
	if err != nil {
		return nil, err
	}
	if useLiveData {
		return nil, errors.New("live camera capture is not supported, " +
			"set use_live_data to false and provide extracted features in the data directory")
	}

	cancelCtx, cancelFunc := context.WithCancel(ctx)

	monoSvc := &monovoService{
		primarySensorName: primarySensorName,
		subAlgo:           subAlgo,
		configParams:      svcConfig.ConfigParams,
		dataDirectory:     svcConfig.DataDirectory,
		dataRateMs:        dataRateMsec,
		mapRateSec:        mapRateSec,
		lastMapSave:       time.Now(),
		cancelFunc:        cancelFunc,
		logger:            logger,
	}

	var success bool
	defer func() {
		if !success {
			if err := monoSvc.Close(); err != nil {
				logger.Errorw("error closing out after error", "error", err)
			}
		}
	}()

	settings, err := monoSvc.monovoSettingsMaker(intrinsics)
	if err != nil {
		return nil, errors.Wrap(err, "error parsing config params")
	}
	if monoSvc.pipeline, err = newPipeline(settings, svcConfig.DataDirectory, logger); err != nil {
		return nil, errors.Wrap(err, "error creating odometry pipeline")
	}
	yamlFileName, err := monoSvc.monovoGenYAML(settings)
	if err != nil {
		return nil, errors.Wrap(err, "error generating .yaml config")
	}
	logger.Debugf("wrote effective settings to %v", yamlFileName)

	monoSvc.StartDataProcess(cancelCtx, nil)

	success = true
	return monoSvc, nil
}

func newPipeline(settings *Settings, dataDirectory string, logger golog.Logger) (*pipeline.Pipeline, error) {
	source, err := dataset.NewSource(dataDirectory, settings.FeatureStrategy)
	if err != nil {
		return nil, err
	}
	var imu pipeline.InertialSource
	if settings.Mode == MonoInertial {
		samples, err := dataset.ReadIMU(dataDirectory)
		if err != nil {
			return nil, err
		}
		logger.Debugf("loaded %d inertial samples", samples.Len())
		imu = samples
	}
	return pipeline.New(settings.pipelineConfig(), source, source, imu, logger)
}

// Close stops the data process and saves the final map.
func (monoSvc *monovoService) Close() error {
	monoSvc.cancelFunc()
	monoSvc.activeBackgroundWorkers.Wait()
	if monoSvc.pipeline == nil {
		return nil
	}
	monoSvc.mu.Lock()
	defer monoSvc.mu.Unlock()
	if err := monoSvc.saveMap(); err != nil {
		return errors.Wrap(err, "error occurred during closeout of map")
	}
	return nil
}

// StartDataProcess starts the background loop which runs every newly available frame through the
// pipeline and periodically saves the map. If c is not nil it receives a value after every tick.
func (monoSvc *monovoService) StartDataProcess(cancelCtx context.Context, c chan int) {
	monoSvc.activeBackgroundWorkers.Add(1)
	if err := cancelCtx.Err(); err != nil {
		if !errors.Is(err, context.Canceled) {
			monoSvc.logger.Errorw("unexpected error in SLAM service", "error", err)
		}
		monoSvc.activeBackgroundWorkers.Done()
		return
	}
	goutils.PanicCapturingGo(func() {
		ticker := time.NewTicker(time.Millisecond * time.Duration(monoSvc.dataRateMs))
		defer ticker.Stop()
		defer monoSvc.activeBackgroundWorkers.Done()

		for {
			if err := cancelCtx.Err(); err != nil {
				if !errors.Is(err, context.Canceled) {
					monoSvc.logger.Errorw("unexpected error in SLAM data process", "error", err)
				}
				return
			}

			select {
			case <-cancelCtx.Done():
				return
			case <-ticker.C:
				if err := monoSvc.processAvailableFrames(cancelCtx); err != nil {
					monoSvc.logger.Warn(err)
				}
				if c != nil {
					c <- 1
				}
			}
		}
	})
}

// processAvailableFrames runs the pipeline over every frame that arrived since the last call and
// saves the map once mapRateSec has elapsed.
func (monoSvc *monovoService) processAvailableFrames(ctx context.Context) error {
	ctx, span := trace.StartSpan(ctx, "viammonovo::monovoService::processAvailableFrames")
	defer span.End()

	monoSvc.mu.Lock()
	defer monoSvc.mu.Unlock()

	numFrames, err := monoSvc.pipeline.NumFrames()
	if err != nil {
		return errors.Wrap(err, "error listing frames")
	}
	for i := monoSvc.pipeline.LastProcessed() + 1; i < numFrames; i++ {
		if err := ctx.Err(); err != nil {
			return nil
		}
		result, err := monoSvc.pipeline.Process(ctx, i)
		if err != nil {
			return err
		}
		if !result.Accepted {
			monoSvc.logger.Debugw("frame rejected", "frame", i, "reason", result.Reason)
		}
	}

	if time.Since(monoSvc.lastMapSave) < time.Duration(monoSvc.mapRateSec)*time.Second {
		return nil
	}
	monoSvc.lastMapSave = time.Now()
	return monoSvc.saveMap()
}

// saveMap writes the trajectory dump and the landmark map to timestamped files in the map folder.
// The caller must hold mu.
func (monoSvc *monovoService) saveMap() error {
	filenames := createTimestampFilenames(monoSvc.dataDirectory, monoSvc.primarySensorName, time.Now())

	var trajectoryBuf bytes.Buffer
	if err := trajectory.WriteKITTI(&trajectoryBuf, monoSvc.pipeline.Poses()); err != nil {
		return err
	}
	pcd, err := monoSvc.pointCloudBytes()
	if err != nil {
		return err
	}
	return multierr.Combine(
		dataprocess.WriteBytesToFile(trajectoryBuf.Bytes(), filenames[0]),
		dataprocess.WriteBytesToFile(pcd, filenames[1]),
	)
}

// createTimestampFilenames returns the trajectory and point cloud filenames for a map saved at
// timeStamp. Both share the sensor name and timestamp.
func createTimestampFilenames(dataDirectory, primarySensorName string, timeStamp time.Time) [2]string {
	mapDir := filepath.Join(dataDirectory, "map")
	return [2]string{
		dataprocess.CreateTimestampFilename(mapDir, primarySensorName, ".txt", timeStamp),
		dataprocess.CreateTimestampFilename(mapDir, primarySensorName, ".pcd", timeStamp),
	}
}
