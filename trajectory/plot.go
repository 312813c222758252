package trajectory

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// Series is a named sequence of positions to draw.
type Series struct {
	Name      string
	Positions []r3.Vector
}

// SavePlot draws a top-down (X against Z) view of each series and writes it to path. The image
// format follows the file extension.
func SavePlot(path, title string, series ...Series) error {
	if len(series) == 0 {
		return errors.New("no trajectories to plot")
	}
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "X"
	p.Y.Label.Text = "Z"

	for i, s := range series {
		xys := make(plotter.XYs, len(s.Positions))
		for j, pos := range s.Positions {
			xys[j].X = pos.X
			xys[j].Y = pos.Z
		}
		line, err := plotter.NewLine(xys)
		if err != nil {
			return errors.Wrapf(err, "error plotting %q", s.Name)
		}
		line.LineStyle.Color = plotutil.Color(i)
		line.LineStyle.Dashes = plotutil.Dashes(i)
		p.Add(line)
		p.Legend.Add(s.Name, line)
	}
	p.Add(plotter.NewGrid())

	if err := p.Save(6*vg.Inch, 6*vg.Inch, path); err != nil {
		return errors.Wrapf(err, "error saving plot to %v", path)
	}
	return nil
}
