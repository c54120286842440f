package monitor

import (
	"bytes"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/sweeper/internal/httputil"
	"github.com/banshee-data/sweeper/internal/sweep"
)

// echartsAssetsPrefix serves the echarts bundle from the public CDN.
const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

// layout picks the axes of a sweep's charts from its columns: the first
// independent column is x (time when there is none), a second independent
// column makes the chart a map, and every dependent column is a series.
type layout struct {
	x      string
	xUnit  string
	y2     string
	y2Unit string
	series []sweep.Column
}

const timeAxis = "time"

func layoutFor(cols []sweep.Column) layout {
	l := layout{x: timeAxis, xUnit: "s"}
	var indep []sweep.Column
	for _, c := range cols {
		if c.Independent {
			indep = append(indep, c)
		} else {
			l.series = append(l.series, c)
		}
	}
	if len(indep) > 0 {
		l.x, l.xUnit = indep[0].Name, indep[0].Unit
	}
	if len(indep) > 1 {
		l.y2, l.y2Unit = indep[1].Name, indep[1].Unit
	}
	return l
}

func (l layout) xValue(s sweep.Sample) (float64, bool) {
	if l.x == timeAxis {
		return s.Time, true
	}
	return s.Value(l.x)
}

func axisLabel(name, unit string) string {
	if unit == "" {
		return name
	}
	return fmt.Sprintf("%s (%s)", name, unit)
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

// handleChart renders the live samples of a sweep as an HTML chart. Query
// params:
//   - column (optional) restricts the chart to one followed column
func (s *Server) handleChart(w http.ResponseWriter, r *http.Request) {
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
	l := layoutFor(info.Columns)
	if col := r.URL.Query().Get("column"); col != "" {
		l.series = filterColumns(l.series, col)
		if len(l.series) == 0 {
			httputil.NotFound(w, "no followed column "+strconv.Quote(col))
			return
		}
	}
	samples := s.plots.Samples(id)
	if len(samples) == 0 {
		httputil.NotFound(w, "no samples for sweep "+id)
		return
	}

	var buf bytes.Buffer
	if l.y2 != "" && len(l.series) > 0 {
		err = renderMap(&buf, info, l, samples)
	} else {
		err = renderLines(&buf, info, l, samples)
	}
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func filterColumns(cols []sweep.Column, name string) []sweep.Column {
	for _, c := range cols {
		if c.Name == name {
			return []sweep.Column{c}
		}
	}
	return nil
}

func chartTitle(info sweep.Info) opts.Title {
	title := string(info.Kind)
	if info.Name != "" {
		title = info.Name
	}
	return opts.Title{
		Title:    title,
		Subtitle: fmt.Sprintf("id=%s state=%s progress=%.0f%%", info.ID, info.State, info.Progress*100),
	}
}

// renderLines draws one line per followed column and direction.
func renderLines(buf *bytes.Buffer, info sweep.Info, l layout, samples []sweep.Sample) error {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Sweep " + info.ID, Width: "100%", Height: "720px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(chartTitle(info)),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Top: "bottom"}),
		charts.WithXAxisOpts(opts.XAxis{Type: "value", Name: axisLabel(l.x, l.xUnit), NameLocation: "middle", NameGap: 25, Scale: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Type: "value", Scale: opts.Bool(true)}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "inside"}),
	)

	for _, col := range l.series {
		byDir := map[sweep.Direction][]opts.LineData{}
		for _, smp := range samples {
			x, okx := l.xValue(smp)
			y, oky := smp.Value(col.Name)
			if !okx || !oky || !finite(x) || !finite(y) {
				continue
			}
			byDir[smp.Direction] = append(byDir[smp.Direction], opts.LineData{Value: []interface{}{x, y}})
		}
		for _, dir := range []sweep.Direction{sweep.Forward, sweep.Backward} {
			data, ok := byDir[dir]
			if !ok {
				continue
			}
			name := axisLabel(col.Name, col.Unit)
			if len(byDir) > 1 {
				name += " " + string(dir)
			}
			line.AddSeries(name, data, charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))
		}
	}
	return line.Render(buf)
}

// renderMap draws a two-axis sweep as a colored scatter of the first
// followed column.
func renderMap(buf *bytes.Buffer, info sweep.Info, l layout, samples []sweep.Sample) error {
	col := l.series[0]
	data := make([]opts.ScatterData, 0, len(samples))
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, smp := range samples {
		x, okx := smp.Value(l.x)
		y, oky := smp.Value(l.y2)
		z, okz := smp.Value(col.Name)
		if !okx || !oky || !okz || !finite(x) || !finite(y) || !finite(z) {
			continue
		}
		lo, hi = math.Min(lo, z), math.Max(hi, z)
		data = append(data, opts.ScatterData{Value: []interface{}{x, y, z}})
	}
	if len(data) == 0 {
		lo, hi = 0, 1
	}
	if lo == hi {
		hi = lo + 1
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Sweep " + info.ID, Width: "900px", Height: "720px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(chartTitle(info)),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Type: "value", Name: axisLabel(l.x, l.xUnit), NameLocation: "middle", NameGap: 25, Scale: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Type: "value", Name: axisLabel(l.y2, l.y2Unit), NameLocation: "middle", NameGap: 40, Scale: opts.Bool(true)}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        float32(lo),
			Max:        float32(hi),
			Dimension:  "2",
			Text:       []string{strings.TrimSpace(axisLabel(col.Name, col.Unit))},
			InRange:    &opts.VisualMapInRange{Color: []string{"#440154", "#3e4989", "#26828e", "#35b779", "#fde725"}},
		}),
	)
	scatter.AddSeries(col.Name, data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 8}))
	return scatter.Render(buf)
}
