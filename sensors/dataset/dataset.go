// Package dataset reads offline odometry datasets from a slam data directory. Each frame is a
// JSON file of precomputed keypoints and descriptors under data/features, and inertial samples
// live in data/imu.csv.
package dataset

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"golang.org/x/exp/slices"

	"github.com/viamrobotics/viam-monovo/features"
)

const (
	featuresDirectory = "features"
	frameExt          = ".json"
)

// FrameRecord is the on-disk form of one frame. Exactly one of BinaryDescriptors and
// FloatDescriptors is set, with one entry per keypoint.
type FrameRecord struct {
	TimestampSec      float64      `json:"timestamp_sec"`
	Keypoints         [][2]float64 `json:"keypoints"`
	BinaryDescriptors []string     `json:"binary_descriptors,omitempty"`
	FloatDescriptors  [][]float64  `json:"float_descriptors,omitempty"`
}

// EncodeBinaryDescriptor returns the hex form of a binary descriptor.
func EncodeBinaryDescriptor(d []byte) string {
	return hex.EncodeToString(d)
}

// FeaturesDirectory returns the directory holding frame files.
func FeaturesDirectory(dataDirectory string) string {
	return filepath.Join(dataDirectory, "data", featuresDirectory)
}

// FramePath returns the path of frame index.
func FramePath(dataDirectory string, index int) string {
	return filepath.Join(FeaturesDirectory(dataDirectory), fmt.Sprintf("%06d%s", index, frameExt))
}

// WriteFrame writes a frame record, creating the features directory if needed.
func WriteFrame(dataDirectory string, index int, record FrameRecord) error {
	if err := os.MkdirAll(FeaturesDirectory(dataDirectory), os.ModePerm); err != nil {
		return errors.Wrap(err, "error creating features directory")
	}
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	//nolint:gosec
	return os.WriteFile(FramePath(dataDirectory, index), data, 0o644)
}

// Source serves frames and their features from a data directory. It implements
// features.FeatureObservationProvider. The sorted frame file list is refreshed by NumFrames, or
// when a frame past its end is requested, and the last decoded record is kept for reuse.
type Source struct {
	dataDirectory string
	matcher       features.Matcher

	mu         sync.Mutex
	files      []string
	lastIndex  int
	lastRecord *FrameRecord
}

// NewSource returns a source reading from dataDirectory whose descriptors are matched with the
// given strategy.
func NewSource(dataDirectory string, strategy features.Strategy) (*Source, error) {
	matcher, err := features.NewMatcher(strategy)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(FeaturesDirectory(dataDirectory)); err != nil {
		return nil, errors.Wrap(err, "dataset has no features directory")
	}
	return &Source{dataDirectory: dataDirectory, matcher: matcher}, nil
}

// NumFrames returns the number of frame files currently in the dataset.
func (s *Source) NumFrames() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.refreshFiles(); err != nil {
		return 0, err
	}
	return len(s.files), nil
}

// refreshFiles lists the frame files in name order. The caller must hold mu.
func (s *Source) refreshFiles() error {
	files, err := filepath.Glob(filepath.Join(FeaturesDirectory(s.dataDirectory), "*"+frameExt))
	if err != nil {
		return err
	}
	slices.Sort(files)
	if s.lastRecord != nil && (s.lastIndex >= len(files) || files[s.lastIndex] != s.files[s.lastIndex]) {
		s.lastRecord = nil
	}
	s.files = files
	return nil
}

// Frame returns the frame at index, in file name order.
func (s *Source) Frame(ctx context.Context, index int) (features.Frame, error) {
	_, span := trace.StartSpan(ctx, "dataset::Source::Frame")
	defer span.End()

	record, err := s.read(index)
	if err != nil {
		return features.Frame{}, err
	}
	return features.Frame{Index: index, Timestamp: record.TimestampSec}, nil
}

// Extract returns the keypoints and descriptors stored for frame.Index.
func (s *Source) Extract(ctx context.Context, frame features.Frame) (features.Observation, error) {
	_, span := trace.StartSpan(ctx, "dataset::Source::Extract")
	defer span.End()

	record, err := s.read(frame.Index)
	if err != nil {
		return features.Observation{}, err
	}
	return record.observation(frame.Index)
}

// Match matches two descriptor sets with the configured strategy.
func (s *Source) Match(d1, d2 features.Descriptors) ([]features.Match, error) {
	return s.matcher.Match(d1, d2)
}

func (s *Source) read(index int) (FrameRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastRecord != nil && s.lastIndex == index {
		return *s.lastRecord, nil
	}
	if index >= len(s.files) {
		if err := s.refreshFiles(); err != nil {
			return FrameRecord{}, err
		}
	}
	if index < 0 || index >= len(s.files) {
		return FrameRecord{}, errors.Errorf("frame %d out of range, dataset has %d frames", index, len(s.files))
	}
	data, err := os.ReadFile(s.files[index])
	if err != nil {
		return FrameRecord{}, errors.Wrapf(err, "error reading frame %d", index)
	}
	var record FrameRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return FrameRecord{}, errors.Wrapf(err, "error decoding %v", s.files[index])
	}
	s.lastIndex, s.lastRecord = index, &record
	return record, nil
}

func (r FrameRecord) observation(index int) (features.Observation, error) {
	if len(r.Keypoints) == 0 {
		return features.Observation{}, errors.Wrapf(features.ErrNoFeaturesDetected, "frame %d", index)
	}
	if len(r.BinaryDescriptors) > 0 && len(r.FloatDescriptors) > 0 {
		return features.Observation{}, errors.Errorf("frame %d has both binary and float descriptors", index)
	}
	obs := features.Observation{Keypoints: make([]r2.Point, len(r.Keypoints))}
	for i, kp := range r.Keypoints {
		obs.Keypoints[i] = r2.Point{X: kp[0], Y: kp[1]}
	}

	switch {
	case len(r.BinaryDescriptors) > 0:
		obs.Descriptors.Binary = make([][]byte, len(r.BinaryDescriptors))
		for i, d := range r.BinaryDescriptors {
			b, err := hex.DecodeString(d)
			if err != nil {
				return features.Observation{}, errors.Wrapf(err, "frame %d descriptor %d", index, i)
			}
			obs.Descriptors.Binary[i] = b
		}
	case len(r.FloatDescriptors) > 0:
		obs.Descriptors.Float = r.FloatDescriptors
	}
	if n := obs.Descriptors.Len(); n != len(obs.Keypoints) {
		return features.Observation{}, errors.Errorf("frame %d has %d keypoints but %d descriptors", index, len(obs.Keypoints), n)
	}
	return obs, nil
}
