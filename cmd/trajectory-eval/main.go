// Package main evaluates an estimated trajectory against ground truth. Both files hold one pose
// per line in the KITTI layout written by the slam service.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	goutils "go.viam.com/utils"
	"gonum.org/v1/gonum/mat"

	"github.com/viamrobotics/viam-monovo/trajectory"
)

const (
	flagEstimate    = "estimate"
	flagGroundTruth = "ground-truth"
	flagDelta       = "delta"
	flagPlot        = "plot"
	flagDebug       = "debug"
)

func main() {
	app := &cli.App{
		Name:  "trajectory-eval",
		Usage: "compare an estimated trajectory with ground truth",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     flagEstimate,
				Usage:    "estimated trajectory `FILE`",
				Required: true,
			},
			&cli.StringFlag{
				Name:     flagGroundTruth,
				Usage:    "ground truth trajectory `FILE`",
				Required: true,
			},
			&cli.IntFlag{
				Name:  flagDelta,
				Value: 1,
				Usage: "frame distance used by the relative pose error",
			},
			&cli.StringFlag{
				Name:  flagPlot,
				Usage: "write a top-down plot of both trajectories to `FILE`",
			},
			&cli.BoolFlag{
				Name:  flagDebug,
				Usage: "enable debug logging",
			},
		},
		Action: func(c *cli.Context) error {
			logger := golog.NewLogger("trajectory-eval")
			if c.Bool(flagDebug) {
				logger = golog.NewDebugLogger("trajectory-eval")
			}
			return evaluate(
				c.String(flagEstimate),
				c.String(flagGroundTruth),
				c.Int(flagDelta),
				c.String(flagPlot),
				c.App.Writer,
				logger,
			)
		},
	}
	if err := app.Run(os.Args); err != nil {
		golog.Global().Fatal(err)
	}
}

// evaluate prints the absolute and relative trajectory errors over the common prefix of both
// trajectories.
func evaluate(estimatePath, groundTruthPath string, delta int, plotPath string, out io.Writer, logger golog.Logger) error {
	estimate, err := readPoses(estimatePath)
	if err != nil {
		return err
	}
	groundTruth, err := readPoses(groundTruthPath)
	if err != nil {
		return err
	}
	n := len(estimate)
	if len(groundTruth) < n {
		n = len(groundTruth)
	}
	if n != len(estimate) || n != len(groundTruth) {
		logger.Warnf("trajectory lengths differ (%d estimated, %d ground truth), using the first %d poses",
			len(estimate), len(groundTruth), n)
	}
	est := trajectory.Positions(estimate[:n])
	truth := trajectory.Positions(groundTruth[:n])

	ate, err := trajectory.AbsoluteTrajectoryError(est, truth)
	if err != nil {
		return errors.Wrap(err, "error computing absolute trajectory error")
	}
	rpe, err := trajectory.RelativePoseError(est, truth, delta)
	if err != nil {
		return errors.Wrap(err, "error computing relative pose error")
	}
	if _, err := fmt.Fprintf(out, "ATE RMSE: %g\nRPE RMSE: %g\n", ate, rpe); err != nil {
		return err
	}

	if plotPath == "" {
		return nil
	}
	logger.Debugf("writing plot to %v", plotPath)
	return trajectory.SavePlot(plotPath, "trajectory",
		trajectory.Series{Name: "estimate", Positions: est},
		trajectory.Series{Name: "ground truth", Positions: truth},
	)
}

func readPoses(path string) ([]*mat.Dense, error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer goutils.UncheckedErrorFunc(f.Close)
	poses, err := trajectory.ReadKITTI(f)
	if err != nil {
		return nil, errors.Wrapf(err, "error reading %v", path)
	}
	if len(poses) == 0 {
		return nil, errors.Errorf("no poses in %v", path)
	}
	return poses, nil
}
