package dataset

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"
	"golang.org/x/exp/slices"
)

const imuFilename = "imu.csv"

var imuHeader = []string{"timestamp_sec", "fx", "fy", "fz", "wx", "wy", "wz"}

// IMUSample is one inertial measurement. SpecificForce is gravity compensated and expressed in
// the body frame, AngularRate is the body angular velocity in rad/s.
type IMUSample struct {
	Timestamp     float64
	SpecificForce r3.Vector
	AngularRate   r3.Vector
}

// IMUPath returns the path of the inertial log in a data directory.
func IMUPath(dataDirectory string) string {
	return filepath.Join(dataDirectory, "data", imuFilename)
}

// IMU is an in-memory inertial log ordered by timestamp.
type IMU struct {
	samples []IMUSample
}

// ReadIMU loads the inertial log of a data directory.
func ReadIMU(dataDirectory string) (*IMU, error) {
	//nolint:gosec
	f, err := os.Open(IMUPath(dataDirectory))
	if err != nil {
		return nil, errors.Wrap(err, "error opening inertial log")
	}
	defer goutils.UncheckedErrorFunc(f.Close)
	return ParseIMU(f)
}

// ParseIMU parses a CSV inertial log with a header line. Timestamps must not decrease.
func ParseIMU(r io.Reader) (*IMU, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = len(imuHeader)
	reader.TrimLeadingSpace = true

	if _, err := reader.Read(); err != nil {
		return nil, errors.Wrap(err, "error reading inertial log header")
	}
	imu := &IMU{}
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "error reading inertial log")
		}
		values := make([]float64, len(record))
		for i, field := range record {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "invalid %s value on line %d", imuHeader[i], len(imu.samples)+2)
			}
			values[i] = v
		}
		sample := IMUSample{
			Timestamp:     values[0],
			SpecificForce: r3.Vector{X: values[1], Y: values[2], Z: values[3]},
			AngularRate:   r3.Vector{X: values[4], Y: values[5], Z: values[6]},
		}
		if n := len(imu.samples); n > 0 && sample.Timestamp < imu.samples[n-1].Timestamp {
			return nil, errors.Errorf("inertial log timestamps decrease on line %d", n+2)
		}
		imu.samples = append(imu.samples, sample)
	}
	return imu, nil
}

// Len returns the number of samples.
func (imu *IMU) Len() int {
	return len(imu.samples)
}

// Samples returns the samples with from < timestamp <= to.
func (imu *IMU) Samples(from, to float64) []IMUSample {
	start, _ := slices.BinarySearchFunc(imu.samples, from, after)
	end, _ := slices.BinarySearchFunc(imu.samples, to, after)
	if start >= end {
		return nil
	}
	return slices.Clone(imu.samples[start:end])
}

// after orders samples so that a binary search lands on the first sample later than t.
func after(s IMUSample, t float64) int {
	if s.Timestamp <= t {
		return -1
	}
	return 1
}

// WriteIMU writes samples as an inertial log into a data directory.
func WriteIMU(dataDirectory string, samples []IMUSample) error {
	if err := os.MkdirAll(filepath.Dir(IMUPath(dataDirectory)), os.ModePerm); err != nil {
		return errors.Wrap(err, "error creating data directory")
	}
	//nolint:gosec
	f, err := os.Create(IMUPath(dataDirectory))
	if err != nil {
		return errors.Wrap(err, "error creating inertial log")
	}
	defer goutils.UncheckedErrorFunc(f.Close)
	w := csv.NewWriter(f)
	if err := w.Write(imuHeader); err != nil {
		return errors.Wrap(err, "error writing inertial log header")
	}
	format := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
	for _, s := range samples {
		if err := w.Write([]string{
			format(s.Timestamp),
			format(s.SpecificForce.X), format(s.SpecificForce.Y), format(s.SpecificForce.Z),
			format(s.AngularRate.X), format(s.AngularRate.Y), format(s.AngularRate.Z),
		}); err != nil {
			return errors.Wrap(err, "error writing inertial sample")
		}
	}
	w.Flush()
	return w.Error()
}
