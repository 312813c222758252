package trajectory

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// WriteKITTI writes one line per pose holding the twelve row-major values of its top 3x4 block.
func WriteKITTI(w io.Writer, poses []*mat.Dense) error {
	bw := bufio.NewWriter(w)
	for _, pose := range poses {
		values := make([]string, 0, 12)
		for i := 0; i < 3; i++ {
			for j := 0; j < 4; j++ {
				values = append(values, strconv.FormatFloat(pose.At(i, j), 'e', -1, 64))
			}
		}
		if _, err := fmt.Fprintln(bw, strings.Join(values, " ")); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ReadKITTI parses a pose file written by WriteKITTI. Blank lines are skipped.
func ReadKITTI(r io.Reader) ([]*mat.Dense, error) {
	var poses []*mat.Dense
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 12 {
			return nil, errors.Errorf("line %d: expected 12 values, got %d", line, len(fields))
		}
		pose := mat.NewDense(4, 4, nil)
		for k, field := range fields {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "line %d", line)
			}
			pose.Set(k/4, k%4, v)
		}
		pose.Set(3, 3, 1)
		poses = append(poses, pose)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return poses, nil
}
