package monitor

import (
	"math"
	"net/http"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/sweeper/internal/httputil"
	"github.com/banshee-data/sweeper/internal/sweep"
)

// ColumnSummary holds descriptive statistics of one followed column.
type ColumnSummary struct {
	Name   string  `json:"name"`
	Unit   string  `json:"unit"`
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Median float64 `json:"median"`
	// Slope and Intercept fit the column against the x axis. They are
	// omitted when x is time or fewer than two points are available.
	Slope     *float64 `json:"slope,omitempty"`
	Intercept *float64 `json:"intercept,omitempty"`
}

// Summary describes the buffered samples of a sweep.
type Summary struct {
	SweepID string          `json:"sweep_id"`
	XAxis   string          `json:"x_axis"`
	Samples int             `json:"samples"`
	Total   int             `json:"total"`
	Columns []ColumnSummary `json:"columns"`
}

// Summarize computes per-column statistics of samples.
func Summarize(info sweep.Info, samples []sweep.Sample) Summary {
	l := layoutFor(info.Columns)
	out := Summary{SweepID: info.ID, XAxis: l.x, Samples: len(samples), Columns: []ColumnSummary{}}

	for _, col := range l.series {
		var xs, ys []float64
		for _, smp := range samples {
			y, ok := smp.Value(col.Name)
			if !ok || !finite(y) {
				continue
			}
			x, okx := l.xValue(smp)
			if !okx || !finite(x) {
				x = math.NaN()
			}
			xs = append(xs, x)
			ys = append(ys, y)
		}
		cs := ColumnSummary{Name: col.Name, Unit: col.Unit, Count: len(ys)}
		if len(ys) == 0 {
			out.Columns = append(out.Columns, cs)
			continue
		}
		cs.Mean, cs.StdDev = stat.MeanStdDev(ys, nil)
		if len(ys) < 2 {
			cs.StdDev = 0
		}
		cs.Min = floats.Min(ys)
		cs.Max = floats.Max(ys)
		sorted := append([]float64(nil), ys...)
		sort.Float64s(sorted)
		cs.Median = stat.Quantile(0.5, stat.Empirical, sorted, nil)

		if l.x != timeAxis && len(ys) >= 2 && !floats.HasNaN(xs) && floats.Max(xs) > floats.Min(xs) {
			alpha, beta := stat.LinearRegression(xs, ys, nil, false)
			cs.Intercept, cs.Slope = &alpha, &beta
		}
		out.Columns = append(out.Columns, cs)
	}
	return out
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	id := r.PathValue("id")
	info, err := s.controller.Status(id)
	if err != nil {
		writeError(w, err)
		return
	}
	sum := Summarize(info, s.plots.Samples(id))
	sum.Total = s.plots.Total(id)
	httputil.WriteJSONOK(w, sum)
}
