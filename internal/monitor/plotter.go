package monitor

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/sweeper/internal/httputil"
	"github.com/banshee-data/sweeper/internal/sweep"
)

// PlotWidth and PlotHeight size exported PNG plots.
const (
	PlotWidth  = 14 * vg.Inch
	PlotHeight = 6 * vg.Inch
)

// WritePlot renders samples as a PNG line plot, one line per followed
// column and direction.
func WritePlot(w io.Writer, info sweep.Info, samples []sweep.Sample) error {
	l := layoutFor(info.Columns)

	p := plot.New()
	p.Title.Text = chartTitle(info).Title
	p.X.Label.Text = axisLabel(l.x, l.xUnit)
	if len(l.series) == 1 {
		p.Y.Label.Text = axisLabel(l.series[0].Name, l.series[0].Unit)
	}
	p.Add(plotter.NewGrid())

	i := 0
	for _, col := range l.series {
		byDir := map[sweep.Direction]plotter.XYs{}
		for _, smp := range samples {
			x, okx := l.xValue(smp)
			y, oky := smp.Value(col.Name)
			if !okx || !oky || !finite(x) || !finite(y) {
				continue
			}
			byDir[smp.Direction] = append(byDir[smp.Direction], plotter.XY{X: x, Y: y})
		}
		for _, dir := range []sweep.Direction{sweep.Forward, sweep.Backward} {
			pts, ok := byDir[dir]
			if !ok {
				continue
			}
			line, err := plotter.NewLine(pts)
			if err != nil {
				return err
			}
			line.Color = plotutil.Color(i)
			line.Width = vg.Points(1)
			if dir == sweep.Backward {
				line.Dashes = plotutil.Dashes(1)
			}
			p.Add(line)
			name := axisLabel(col.Name, col.Unit)
			if len(byDir) > 1 {
				name += " " + string(dir)
			}
			p.Legend.Add(name, line)
		}
		i++
	}

	wt, err := p.WriterTo(PlotWidth, PlotHeight, "png")
	if err != nil {
		return err
	}
	_, err = wt.WriteTo(w)
	return err
}

// handlePlot serves /plots/{id}.png.
func (s *Server) handlePlot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	file := r.PathValue("file")
	id, ok := strings.CutSuffix(file, ".png")
	if !ok || id == "" {
		httputil.NotFound(w, "plots are served as <id>.png")
		return
	}
	info, err := s.controller.Status(id)
	if err != nil {
		writeError(w, err)
		return
	}
	samples := s.plots.Samples(id)
	if len(samples) == 0 {
		httputil.NotFound(w, "no samples for sweep "+id)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%s", file))
	if err := WritePlot(w, info, samples); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render plot: %v", err))
	}
}
