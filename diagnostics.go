package stateest

import (
	"fmt"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// IterationTrace records max_dev at the end of each Newton-Raphson
// iteration, for callers that want to inspect or plot convergence behavior
// beyond the final CalculationInfo summary.
type IterationTrace struct {
	MaxDev []float64
}

// PlotConvergence renders a log-scale max_dev-per-iteration chart to path,
// useful for diagnosing slow or oscillating convergence on a difficult case.
// It is a diagnostic aid outside the solver's own control flow: nothing in
// RunStateEstimation depends on it.
func PlotConvergence(trace IterationTrace, path string) error {
	if len(trace.MaxDev) == 0 {
		return fmt.Errorf("stateest: empty convergence trace")
	}

	p := plot.New()
	p.Title.Text = "state estimation convergence"
	p.X.Label.Text = "iteration"
	p.Y.Label.Text = "max_dev"
	p.Y.Scale = plot.LogScale{}
	p.Y.Tick.Marker = plot.LogTicks{}

	pts := make(plotter.XYs, len(trace.MaxDev))
	for i, v := range trace.MaxDev {
		pts[i].X = float64(i + 1)
		pts[i].Y = v
	}

	line, err := plotter.NewLine(pts)
	if err != nil {
		return fmt.Errorf("stateest: build convergence line: %w", err)
	}
	line.LineStyle.Width = vg.Points(1.5)
	p.Add(line)
	p.Add(plotter.NewGrid())

	if err := p.Save(6*vg.Inch, 4*vg.Inch, path); err != nil {
		return fmt.Errorf("stateest: save convergence plot: %w", err)
	}
	return nil
}
