// Package testhelper implements a slam service definition with additional exported functions for
// the purpose of testing
package testhelper

import (
	"context"
	"strconv"
	"testing"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.viam.com/rdk/components/camera"
	"go.viam.com/rdk/config"
	"go.viam.com/rdk/registry"
	"go.viam.com/rdk/rimage/transform"
	"go.viam.com/rdk/services/slam"
	"go.viam.com/rdk/testutils/inject"
	slamConfig "go.viam.com/slam/config"
	slamTesthelper "go.viam.com/slam/testhelper"
	"go.viam.com/test"

	viammonovo "github.com/viamrobotics/viam-monovo"
	"github.com/viamrobotics/viam-monovo/internal/synthetic"
)

// SetupDeps returns injected cameras for the sensors named in the config.
func SetupDeps(attr *slamConfig.AttrConfig) registry.Dependencies {
	deps := make(registry.Dependencies)
	intrinsics := synthetic.Intrinsics()

	for _, sensor := range attr.Sensors {
		cam := &inject.Camera{}
		switch sensor {
		case "good_camera":
			cam.ProjectorFunc = func(ctx context.Context) (transform.Projector, error) {
				return intrinsics, nil
			}
			deps[camera.Named(sensor)] = cam
		case "invalid_sensor_type":
			cam.ProjectorFunc = func(ctx context.Context) (transform.Projector, error) {
				return nil, errors.New("this device has no projector")
			}
			deps[camera.Named(sensor)] = cam
		case "bad_camera_intrinsics":
			cam.ProjectorFunc = func(ctx context.Context) (transform.Projector, error) {
				return &transform.PinholeCameraIntrinsics{}, nil
			}
			deps[camera.Named(sensor)] = cam
		case "missing_intrinsics_camera":
			cam.ProjectorFunc = func(ctx context.Context) (transform.Projector, error) {
				return nil, nil
			}
			deps[camera.Named(sensor)] = cam
		case "gibberish":
			return deps
		default:
			continue
		}
	}
	return deps
}

// ConfigParams returns a complete set of config params for mode matching the synthetic camera.
func ConfigParams(mode viammonovo.SubAlgo) map[string]string {
	intrinsics := synthetic.Intrinsics()
	params := map[string]string{
		"mode":                                string(mode),
		"focal_length":                        strconv.FormatFloat(intrinsics.Fx, 'f', -1, 64),
		"principal_point_x":                   strconv.FormatFloat(intrinsics.Ppx, 'f', -1, 64),
		"principal_point_y":                   strconv.FormatFloat(intrinsics.Ppy, 'f', -1, 64),
		"image_width":                         strconv.Itoa(intrinsics.Width),
		"image_height":                        strconv.Itoa(intrinsics.Height),
		"feature_strategy":                    "orb",
		"ransac_seed":                         "1",
		"local_window_size":                   "5",
		"translation_gate_bound":              "1.5",
		"rotation_gate_bound_degrees":         "30",
		"keyframe_translation_threshold":      "2.5",
		"keyframe_rotation_threshold_degrees": "20",
		"keyframe_quality_ratio":              "0.5",
	}
	if mode == viammonovo.MonoInertial {
		params["position_noise"] = "0.01"
		params["acceleration_noise"] = "0.1"
		params["angular_rate_noise"] = "0.01"
		params["visual_position_noise"] = "0.05"
		params["visual_orientation_noise"] = "0.05"
		params["initial_covariance"] = "0.1"
		params["jacobian"] = "small_angle"
	}
	return params
}

// CloseOutSLAMService empties the data directory of a finished test.
func CloseOutSLAMService(t *testing.T, name string) {
	t.Helper()

	if name != "" {
		err := slamTesthelper.ResetFolder(name)
		test.That(t, err, test.ShouldBeNil)
	}
}

// CreateSLAMService builds the service from attrCfg with injected dependencies. When success is
// false the construction is expected to fail and its error is returned.
func CreateSLAMService(
	t *testing.T,
	attrCfg *slamConfig.AttrConfig,
	logger golog.Logger,
	success bool,
) (slam.Service, error) {
	t.Helper()

	ctx := context.Background()
	cfgService := config.Service{Name: "test", Type: "slam", Model: viammonovo.Model}
	cfgService.ConvertedAttributes = attrCfg

	deps := SetupDeps(attrCfg)

	sensorDeps, err := attrCfg.Validate("path")
	if err != nil {
		return nil, err
	}
	test.That(t, sensorDeps, test.ShouldResemble, attrCfg.Sensors)

	svc, err := viammonovo.New(ctx, deps, cfgService, logger)

	if success {
		if err != nil {
			return nil, err
		}
		test.That(t, svc, test.ShouldNotBeNil)
		return svc, nil
	}

	test.That(t, svc, test.ShouldBeNil)
	return nil, err
}

// Service in the internal package includes additional exported functions relating to the data
// process in the slam service. These functions are not exported to the user.
type Service interface {
	StartDataProcess(cancelCtx context.Context, c chan int)
	Close() error
}
