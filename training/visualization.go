package training

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/tsawler/go-morph/layers"
)

// PlotType represents different types of plots that can be generated
type PlotType string

const (
	TrainingCurves        PlotType = "training_curves"
	ParameterDistribution PlotType = "parameter_distribution"
)

// PlotData is the JSON document handed to an external plotting consumer.
type PlotData struct {
	PlotType  PlotType  `json:"plot_type"`
	Title     string    `json:"title"`
	Timestamp time.Time `json:"timestamp"`
	ModelName string    `json:"model_name"`

	Series []SeriesData `json:"series"`
	Config PlotConfig   `json:"config"`

	Metrics map[string]interface{} `json:"metrics,omitempty"`
}

// SeriesData represents a single data series in a plot
type SeriesData struct {
	Name string      `json:"name"`
	Type string      `json:"type"` // "line", "bar"
	Data []DataPoint `json:"data"`
}

// DataPoint represents a single data point
type DataPoint struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Label string  `json:"label,omitempty"`
}

// PlotConfig contains plot-specific configuration
type PlotConfig struct {
	XAxisLabel string `json:"x_axis_label"`
	YAxisLabel string `json:"y_axis_label"`
	YAxisScale string `json:"y_axis_scale"` // "linear", "log"
	ShowLegend bool   `json:"show_legend"`
}

// ParameterStats summarises one parameter tensor.
type ParameterStats struct {
	Name      string    `json:"name"`
	Mean      float64   `json:"mean"`
	Std       float64   `json:"std"`
	Min       float64   `json:"min"`
	Max       float64   `json:"max"`
	Histogram []float64 `json:"histogram"`
	Bins      []float64 `json:"bins"`
}

func epochSeries(name string, values []float64) SeriesData {
	s := SeriesData{Name: name, Type: "line", Data: make([]DataPoint, len(values))}
	for i, v := range values {
		s.Data[i] = DataPoint{X: float64(i + 1), Y: v}
	}
	return s
}

// TrainingCurvesPlot charts the per-epoch loss history of a run. Empty
// series are omitted.
func TrainingCurvesPlot(modelName string, hist, valHist []float64, components map[string][]float64) PlotData {
	p := PlotData{
		PlotType:  TrainingCurves,
		Title:     "Training loss",
		Timestamp: time.Now(),
		ModelName: modelName,
		Config:    PlotConfig{XAxisLabel: "epoch", YAxisLabel: "loss", YAxisScale: "linear", ShowLegend: true},
		Metrics:   map[string]interface{}{"epochs": len(hist)},
	}
	p.Series = append(p.Series, epochSeries("loss", hist))
	if len(valHist) > 0 {
		p.Series = append(p.Series, epochSeries("val_loss", valHist))
	}
	for _, key := range []string{"sim", "smooth"} {
		if v := components[key]; len(v) > 0 {
			p.Series = append(p.Series, epochSeries(key, v))
		}
	}
	if len(hist) > 0 {
		p.Metrics["final_loss"] = hist[len(hist)-1]
	}
	return p
}

// ComputeParameterStats summarises a tensor's values with an equal-width
// histogram of the given number of bins.
func ComputeParameterStats(name string, data []float32, bins int) ParameterStats {
	values := toFloat64(data)
	ps := ParameterStats{Name: name}
	if len(values) == 0 {
		return ps
	}
	ps.Mean, ps.Std = stat.MeanStdDev(values, nil)
	if len(values) == 1 {
		ps.Std = 0
	}
	ps.Min, ps.Max = floats.Min(values), floats.Max(values)
	if bins < 1 {
		bins = 1
	}

	lo, hi := ps.Min, ps.Max
	if hi <= lo {
		hi = lo + 1
	}
	ps.Bins = make([]float64, bins+1)
	floats.Span(ps.Bins, lo, hi)
	// stat.Histogram excludes the upper edge.
	ps.Bins[bins] = hi + (hi-lo)*1e-9

	sorted := append([]float64(nil), values...)
	floats.Argsort(sorted, make([]int, len(sorted)))
	ps.Histogram = stat.Histogram(nil, ps.Bins, sorted, nil)
	return ps
}

// ParameterDistributionPlot charts the mean and spread of every network
// parameter.
func ParameterDistributionPlot(modelName string, params []layers.NamedParameter) (PlotData, []ParameterStats) {
	p := PlotData{
		PlotType:  ParameterDistribution,
		Title:     "Parameter distribution",
		Timestamp: time.Now(),
		ModelName: modelName,
		Config:    PlotConfig{XAxisLabel: "parameter", YAxisLabel: "value", YAxisScale: "linear", ShowLegend: true},
	}
	stats := make([]ParameterStats, len(params))
	mean := SeriesData{Name: "mean", Type: "bar"}
	std := SeriesData{Name: "std", Type: "bar"}
	for i, np := range params {
		stats[i] = ComputeParameterStats(np.Name, np.Tensor.Data, 20)
		mean.Data = append(mean.Data, DataPoint{X: float64(i), Y: stats[i].Mean, Label: np.Name})
		std.Data = append(std.Data, DataPoint{X: float64(i), Y: stats[i].Std, Label: np.Name})
	}
	p.Series = []SeriesData{mean, std}
	return p, stats
}

// WritePlots encodes plots as an indented JSON array.
func WritePlots(out io.Writer, plots ...PlotData) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(plots); err != nil {
		return fmt.Errorf("failed to encode plot data: %w", err)
	}
	return nil
}
