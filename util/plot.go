package util

import (
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// PlotLosses draws one line per named series (x = epoch index) and saves it to
// path. The image format is chosen by the path's extension.
func PlotLosses(path, title string, names []string, series ...[]float64) error {
	if len(names) != len(series) {
		return errors.Errorf("%d names for %d series", len(names), len(series))
	}
	p, err := plot.New()
	if err != nil {
		return errors.Wrap(err, "creating plot")
	}
	p.Title.Text = title
	p.X.Label.Text = "epoch"
	p.Y.Label.Text = "loss"

	var lines []interface{}
	for i, s := range series {
		pts := make(plotter.XYs, len(s))
		for j, v := range s {
			pts[j].X = float64(j)
			pts[j].Y = v
		}
		lines = append(lines, names[i], pts)
	}
	if err := plotutil.AddLinePoints(p, lines...); err != nil {
		return errors.Wrap(err, "adding loss lines")
	}
	if err := p.Save(6*vg.Inch, 4*vg.Inch, path); err != nil {
		return errors.Wrapf(err, "saving plot to %s", path)
	}
	return nil
}
