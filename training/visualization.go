package training

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// PlotType represents different types of plots that can be generated
type PlotType string

const (
	TrainingCurves       PlotType = "training_curves"
	LearningRateSchedule PlotType = "learning_rate_schedule"
)

// PlotData is a titled set of series
type PlotData struct {
	PlotType  PlotType
	Title     string
	Timestamp time.Time
	ModelName string
	XLabel    string
	YLabel    string
	Series    []SeriesData
}

// SeriesData represents a single data series in a plot
type SeriesData struct {
	Name string
	Data []DataPoint
}

// DataPoint represents a single data point
type DataPoint struct {
	X float64
	Y float64
}

// NewTrainingCurvesPlot plots mean train loss per epoch
func NewTrainingCurvesPlot(metrics []TrainingMetrics, modelName string) PlotData {
	loss := SeriesData{Name: "train loss"}
	for _, m := range metrics {
		loss.Data = append(loss.Data, DataPoint{X: float64(m.Epoch), Y: m.TrainLoss})
	}
	return PlotData{
		PlotType:  TrainingCurves,
		Title:     modelName + " training loss",
		Timestamp: time.Now(),
		ModelName: modelName,
		XLabel:    "epoch",
		YLabel:    "mean BCE loss",
		Series:    []SeriesData{loss},
	}
}

// NewLearningRatePlot plots the learning rate used in each epoch
func NewLearningRatePlot(metrics []TrainingMetrics, modelName string) PlotData {
	lr := SeriesData{Name: "learning rate"}
	for _, m := range metrics {
		lr.Data = append(lr.Data, DataPoint{X: float64(m.Epoch), Y: float64(m.LearningRate)})
	}
	return PlotData{
		PlotType:  LearningRateSchedule,
		Title:     modelName + " learning rate",
		Timestamp: time.Now(),
		ModelName: modelName,
		XLabel:    "epoch",
		YLabel:    "lr",
		Series:    []SeriesData{lr},
	}
}

// SavePNG renders the plot with gonum/plot. The format follows the file
// extension (png, svg, pdf).
func (pd PlotData) SavePNG(path string) error {
	if len(pd.Series) == 0 {
		return errors.New("plot has no series")
	}
	p, err := plot.New()
	if err != nil {
		return errors.Wrap(err, "create plot")
	}
	p.Title.Text = pd.Title
	p.X.Label.Text = pd.XLabel
	p.Y.Label.Text = pd.YLabel
	p.Add(plotter.NewGrid())

	var lines []interface{}
	for _, s := range pd.Series {
		xys := make(plotter.XYs, len(s.Data))
		for i, d := range s.Data {
			xys[i].X, xys[i].Y = d.X, d.Y
		}
		lines = append(lines, s.Name, xys)
	}
	if err := plotutil.AddLinePoints(p, lines...); err != nil {
		return errors.Wrap(err, "add series")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "create plot directory")
	}
	if err := p.Save(6*vg.Inch, 4*vg.Inch, path); err != nil {
		return errors.Wrapf(err, "save plot %s", path)
	}
	return nil
}
