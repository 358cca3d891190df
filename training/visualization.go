package training

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
)

// PlotType names a chart a run can be rendered as
type PlotType string

const (
	TrainingCurves       PlotType = "training_curves"
	LearningRateSchedule PlotType = "learning_rate_schedule"
)

// PlotData is a chart in a plotting-tool neutral JSON form
type PlotData struct {
	PlotType  PlotType     `json:"plot_type"`
	Title     string       `json:"title"`
	Timestamp time.Time    `json:"timestamp"`
	ModelName string       `json:"model_name"`
	Series    []SeriesData `json:"series"`
	Config    PlotConfig   `json:"config"`
}

// SeriesData is one line of a chart
type SeriesData struct {
	Name  string                 `json:"name"`
	Type  string                 `json:"type"`
	Data  []DataPoint            `json:"data"`
	Style map[string]interface{} `json:"style,omitempty"`
}

// DataPoint is a single point of a series
type DataPoint struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// PlotConfig holds axis labels and scales
type PlotConfig struct {
	XAxisLabel string `json:"x_axis_label"`
	YAxisLabel string `json:"y_axis_label"`
	XAxisScale string `json:"x_axis_scale"`
	YAxisScale string `json:"y_axis_scale"`
	ShowLegend bool   `json:"show_legend"`
}

// TrainingCurvesPlot charts training and validation error by epoch
func (h History) TrainingCurvesPlot(modelName string) PlotData {
	train := SeriesData{
		Name:  "Training Error",
		Type:  "line",
		Style: map[string]interface{}{"color": "#FF6B6B", "line_width": 2},
	}
	valid := SeriesData{
		Name:  "Validation Error",
		Type:  "line",
		Style: map[string]interface{}{"color": "#FF9F43", "line_width": 2, "line_style": "dashed"},
	}
	for _, m := range h {
		x := float64(m.Epoch + 1)
		train.Data = append(train.Data, DataPoint{X: x, Y: float64(m.TrainError)})
		if m.Validated {
			valid.Data = append(valid.Data, DataPoint{X: x, Y: float64(m.ValidError)})
		}
	}
	series := []SeriesData{train}
	if len(valid.Data) > 0 {
		series = append(series, valid)
	}
	return PlotData{
		PlotType:  TrainingCurves,
		Title:     fmt.Sprintf("Training Curves - %s", modelName),
		Timestamp: time.Now(),
		ModelName: modelName,
		Series:    series,
		Config: PlotConfig{
			XAxisLabel: "Epoch",
			YAxisLabel: "Error per example",
			XAxisScale: "linear",
			YAxisScale: "linear",
			ShowLegend: true,
		},
	}
}

// LearningRatePlot charts the learning rate used in each epoch
func (h History) LearningRatePlot(modelName string) PlotData {
	lr := SeriesData{Name: "Learning Rate", Type: "line", Style: map[string]interface{}{"color": "#6C5CE7"}}
	for _, m := range h {
		lr.Data = append(lr.Data, DataPoint{X: float64(m.Epoch + 1), Y: float64(m.LearningRate)})
	}
	return PlotData{
		PlotType:  LearningRateSchedule,
		Title:     fmt.Sprintf("Learning Rate Schedule - %s", modelName),
		Timestamp: time.Now(),
		ModelName: modelName,
		Series:    []SeriesData{lr},
		Config: PlotConfig{
			XAxisLabel: "Epoch",
			YAxisLabel: "Learning Rate",
			XAxisScale: "linear",
			YAxisScale: "log",
			ShowLegend: true,
		},
	}
}

// ToJSON renders the chart as indented JSON
func (pd PlotData) ToJSON() (string, error) {
	data, err := json.MarshalIndent(pd, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal plot data to JSON: %w", err)
	}
	return string(data), nil
}

// WritePlots saves every chart as a JSON array at path
func WritePlots(path string, plots ...PlotData) error {
	data, err := json.MarshalIndent(plots, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal plots")
	}
	return errors.Wrapf(os.WriteFile(path, data, 0o644), "failed to write %s", path)
}
