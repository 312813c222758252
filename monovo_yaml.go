package viammonovo

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/rimage/transform"
	"go.viam.com/slam/dataprocess"
	"gopkg.in/yaml.v2"

	"github.com/viamrobotics/viam-monovo/features"
	"github.com/viamrobotics/viam-monovo/fusion"
	"github.com/viamrobotics/viam-monovo/pipeline"
)

const (
	fileVersion         = "1.0"
	yamlFilePrefixBytes = "%YAML:1.0\n"
)

// Settings holds the effective configuration of the odometry pipeline. It is written to the config
// folder of the data directory when the service starts.
type Settings struct {
	FileVersion string  `yaml:"File.version"`
	Mode        SubAlgo `yaml:"System.mode"`

	Width  int     `yaml:"Camera.width"`
	Height int     `yaml:"Camera.height"`
	Fx     float64 `yaml:"Camera1.fx"`
	Fy     float64 `yaml:"Camera1.fy"`
	Ppx    float64 `yaml:"Camera1.cx"`
	Ppy    float64 `yaml:"Camera1.cy"`

	FeatureStrategy features.Strategy `yaml:"Features.strategy"`
	RansacSeed      int64             `yaml:"Ransac.seed"`

	TranslationGateBound     float64 `yaml:"Gate.translationBound"`
	RotationGateBoundDegrees float64 `yaml:"Gate.rotationBoundDegrees"`

	KeyframeTranslationThreshold     float64 `yaml:"Keyframe.translationThreshold"`
	KeyframeRotationThresholdDegrees float64 `yaml:"Keyframe.rotationThresholdDegrees"`
	KeyframeQualityRatio             float64 `yaml:"Keyframe.qualityRatio"`
	LocalWindowSize                  int     `yaml:"Mapping.localWindowSize"`

	PositionNoise          float64         `yaml:"IMU.positionNoise,omitempty"`
	AccelerationNoise      float64         `yaml:"IMU.accelerationNoise,omitempty"`
	AngularRateNoise       float64         `yaml:"IMU.angularRateNoise,omitempty"`
	VisualPositionNoise    float64         `yaml:"IMU.visualPositionNoise,omitempty"`
	VisualOrientationNoise float64         `yaml:"IMU.visualOrientationNoise,omitempty"`
	InitialCovariance      float64         `yaml:"IMU.initialCovariance,omitempty"`
	Jacobian               fusion.Jacobian `yaml:"IMU.jacobian,omitempty"`
}

// monovoSettingsMaker reads every pipeline parameter from the config params. Intrinsics supplied by a
// camera take precedence over the ones in the config params.
func (monoSvc *monovoService) monovoSettingsMaker(intrinsics *transform.PinholeCameraIntrinsics) (*Settings, error) {
	var err error
	if monoSvc.dataRateMs <= 0 {
		return nil, errors.Errorf("settings generation expected dataRateMs greater than 0, got %d", monoSvc.dataRateMs)
	}
	settings := &Settings{
		FileVersion: fileVersion,
		Mode:        monoSvc.subAlgo,
	}

	if intrinsics != nil {
		settings.Width = intrinsics.Width
		settings.Height = intrinsics.Height
		settings.Fx = intrinsics.Fx
		settings.Fy = intrinsics.Fy
		settings.Ppx = intrinsics.Ppx
		settings.Ppy = intrinsics.Ppy
	} else {
		if settings.Fx, err = monoSvc.configToFloat("focal_length"); err != nil {
			return nil, err
		}
		settings.Fy = settings.Fx
		if settings.Ppx, err = monoSvc.configToFloat("principal_point_x"); err != nil {
			return nil, err
		}
		if settings.Ppy, err = monoSvc.configToFloat("principal_point_y"); err != nil {
			return nil, err
		}
		if settings.Width, err = monoSvc.configToInt("image_width"); err != nil {
			return nil, err
		}
		if settings.Height, err = monoSvc.configToInt("image_height"); err != nil {
			return nil, err
		}
	}

	strategy, err := monoSvc.configToString("feature_strategy")
	if err != nil {
		return nil, err
	}
	settings.FeatureStrategy = features.Strategy(strategy)
	seed, err := monoSvc.configToInt("ransac_seed")
	if err != nil {
		return nil, err
	}
	settings.RansacSeed = int64(seed)
	if settings.LocalWindowSize, err = monoSvc.configToInt("local_window_size"); err != nil {
		return nil, err
	}

	if err := monoSvc.configToFloats([]floatParam{
		{"translation_gate_bound", &settings.TranslationGateBound},
		{"rotation_gate_bound_degrees", &settings.RotationGateBoundDegrees},
		{"keyframe_translation_threshold", &settings.KeyframeTranslationThreshold},
		{"keyframe_rotation_threshold_degrees", &settings.KeyframeRotationThresholdDegrees},
		{"keyframe_quality_ratio", &settings.KeyframeQualityRatio},
	}); err != nil {
		return nil, err
	}

	if monoSvc.subAlgo != MonoInertial {
		return settings, nil
	}
	if err := monoSvc.configToFloats([]floatParam{
		{"position_noise", &settings.PositionNoise},
		{"acceleration_noise", &settings.AccelerationNoise},
		{"angular_rate_noise", &settings.AngularRateNoise},
		{"visual_position_noise", &settings.VisualPositionNoise},
		{"visual_orientation_noise", &settings.VisualOrientationNoise},
		{"initial_covariance", &settings.InitialCovariance},
	}); err != nil {
		return nil, err
	}
	jacobian, err := monoSvc.configToString("jacobian")
	if err != nil {
		return nil, err
	}
	settings.Jacobian = fusion.Jacobian(jacobian)
	return settings, nil
}

// intrinsics returns the pinhole model described by the settings.
func (s *Settings) intrinsics() *transform.PinholeCameraIntrinsics {
	return &transform.PinholeCameraIntrinsics{
		Width:  s.Width,
		Height: s.Height,
		Fx:     s.Fx,
		Fy:     s.Fy,
		Ppx:    s.Ppx,
		Ppy:    s.Ppy,
	}
}

// pipelineConfig converts the settings into a pipeline configuration.
func (s *Settings) pipelineConfig() pipeline.Config {
	return pipeline.Config{
		Intrinsics: s.intrinsics(),
		Inertial:   s.Mode == MonoInertial,
		Filter: fusion.Config{
			PositionNoise:          s.PositionNoise,
			AccelerationNoise:      s.AccelerationNoise,
			AngularRateNoise:       s.AngularRateNoise,
			VisualPositionNoise:    s.VisualPositionNoise,
			VisualOrientationNoise: s.VisualOrientationNoise,
			InitialCovariance:      s.InitialCovariance,
			Jacobian:               s.Jacobian,
		},
		TranslationGateBound:             s.TranslationGateBound,
		RotationGateBoundDegrees:         s.RotationGateBoundDegrees,
		KeyframeTranslationThreshold:     s.KeyframeTranslationThreshold,
		KeyframeRotationThresholdDegrees: s.KeyframeRotationThresholdDegrees,
		KeyframeQualityRatio:             s.KeyframeQualityRatio,
		RansacSeed:                       s.RansacSeed,
		LocalWindowSize:                  s.LocalWindowSize,
	}
}

// monovoGenYAML writes the effective settings to a timestamped .yaml file in the config folder.
func (monoSvc *monovoService) monovoGenYAML(settings *Settings) (string, error) {
	yamlData, err := yaml.Marshal(settings)
	if err != nil {
		return "", errors.Wrap(err, "Error while Marshaling YAML file")
	}

	yamlFileName := dataprocess.CreateTimestampFilename(
		filepath.Join(monoSvc.dataDirectory, "config"), monoSvc.primarySensorName, ".yaml", time.Now())

	//nolint:gosec
	outfile, err := os.Create(yamlFileName)
	if err != nil {
		return "", err
	}
	if _, err = outfile.WriteString(yamlFilePrefixBytes); err != nil {
		return "", multierr.Combine(err, outfile.Close())
	}
	if _, err = outfile.Write(yamlData); err != nil {
		return "", multierr.Combine(err, outfile.Close())
	}
	return yamlFileName, outfile.Close()
}

func (monoSvc *monovoService) configToString(key string) (string, error) {
	val, ok := monoSvc.configParams[key]
	if !ok || val == "" {
		return "", errors.Errorf("Parameter %s is required", key)
	}
	return val, nil
}

func (monoSvc *monovoService) configToInt(key string) (int, error) {
	valStr, err := monoSvc.configToString(key)
	if err != nil {
		return 0, err
	}
	val, err := strconv.Atoi(valStr)
	if err != nil {
		return 0, errors.Errorf("Parameter %s has an invalid definition", key)
	}
	return val, nil
}

func (monoSvc *monovoService) configToFloat(key string) (float64, error) {
	valStr, err := monoSvc.configToString(key)
	if err != nil {
		return 0, err
	}
	val, err := strconv.ParseFloat(valStr, 64)
	if err != nil {
		return 0, errors.Errorf("Parameter %s has an invalid definition", key)
	}
	return val, nil
}

type floatParam struct {
	key string
	dst *float64
}

func (monoSvc *monovoService) configToFloats(params []floatParam) error {
	for _, p := range params {
		val, err := monoSvc.configToFloat(p.key)
		if err != nil {
			return err
		}
		*p.dst = val
	}
	return nil
}
