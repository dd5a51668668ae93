package training

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/tsawler/go-morph/tensor"
)

// MaskThreshold binarizes [0,1] intensities into digit masks.
const MaskThreshold = 0.5

// MetricType represents different evaluation metrics
type MetricType int

const (
	DiceScore MetricType = iota
	JaccardIndex
	MeanSquaredError
)

func (mt MetricType) String() string {
	switch mt {
	case DiceScore:
		return "Dice"
	case JaccardIndex:
		return "Jaccard"
	case MeanSquaredError:
		return "MSE"
	default:
		return fmt.Sprintf("Unknown(%d)", int(mt))
	}
}

// Binarize marks every element strictly above threshold.
func Binarize(t *tensor.Tensor, threshold float32) []bool {
	mask := make([]bool, len(t.Data))
	for i, v := range t.Data {
		mask[i] = v > threshold
	}
	return mask
}

// overlap counts |A∩B| and |A|+|B| for two binarized tensors.
func overlap(a, b *tensor.Tensor, threshold float32) (inter, total int, err error) {
	if !tensor.ShapesEqual(a.Shape, b.Shape) {
		return 0, 0, fmt.Errorf("mask shapes differ: %v vs %v", a.Shape, b.Shape)
	}
	ma, mb := Binarize(a, threshold), Binarize(b, threshold)
	for i := range ma {
		if ma[i] {
			total++
		}
		if mb[i] {
			total++
		}
		if ma[i] && mb[i] {
			inter++
		}
	}
	return inter, total, nil
}

// Dice returns 2|A∩B|/(|A|+|B|) of the masks of a and b, and 0 when both
// masks are empty.
func Dice(a, b *tensor.Tensor, threshold float32) (float64, error) {
	inter, total, err := overlap(a, b, threshold)
	if err != nil {
		return 0, err
	}
	if total == 0 {
		return 0, nil
	}
	return 2 * float64(inter) / float64(total), nil
}

// Jaccard returns |A∩B|/|A∪B|, 0 when both masks are empty.
func Jaccard(a, b *tensor.Tensor, threshold float32) (float64, error) {
	inter, total, err := overlap(a, b, threshold)
	if err != nil {
		return 0, err
	}
	union := total - inter
	if union == 0 {
		return 0, nil
	}
	return float64(inter) / float64(union), nil
}

// MSE is the mean squared intensity difference.
func MSE(a, b *tensor.Tensor) (float64, error) {
	if !tensor.ShapesEqual(a.Shape, b.Shape) {
		return 0, fmt.Errorf("shapes differ: %v vs %v", a.Shape, b.Shape)
	}
	if a.NumElems == 0 {
		return 0, nil
	}
	d := floats.Distance(toFloat64(a.Data), toFloat64(b.Data), 2)
	return d * d / float64(a.NumElems), nil
}

func toFloat64(data []float32) []float64 {
	out := make([]float64, len(data))
	for i, v := range data {
		out[i] = float64(v)
	}
	return out
}

// OverlapMetrics scores one warped/fixed pair.
type OverlapMetrics struct {
	Dice    float64 `json:"dice"`
	Jaccard float64 `json:"jaccard"`
	MSE     float64 `json:"mse"`
}

func (m OverlapMetrics) Get(mt MetricType) float64 {
	switch mt {
	case DiceScore:
		return m.Dice
	case JaccardIndex:
		return m.Jaccard
	case MeanSquaredError:
		return m.MSE
	}
	return math.NaN()
}

// ComputeOverlap scores warped against fixed at the mask threshold.
func ComputeOverlap(warped, fixed *tensor.Tensor) (OverlapMetrics, error) {
	dice, err := Dice(warped, fixed, MaskThreshold)
	if err != nil {
		return OverlapMetrics{}, err
	}
	jaccard, err := Jaccard(warped, fixed, MaskThreshold)
	if err != nil {
		return OverlapMetrics{}, err
	}
	mse, err := MSE(warped, fixed)
	if err != nil {
		return OverlapMetrics{}, err
	}
	return OverlapMetrics{Dice: dice, Jaccard: jaccard, MSE: mse}, nil
}

// MetricSummary aggregates one metric over many pairs.
type MetricSummary struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
}

// EvaluationSummary aggregates OverlapMetrics over evaluated pairs.
type EvaluationSummary struct {
	Count   int           `json:"count"`
	Dice    MetricSummary `json:"dice"`
	Jaccard MetricSummary `json:"jaccard"`
	MSE     MetricSummary `json:"mse"`
}

func Summarize(results []OverlapMetrics) EvaluationSummary {
	s := EvaluationSummary{Count: len(results)}
	if len(results) == 0 {
		return s
	}
	s.Dice = summarizeMetric(results, DiceScore)
	s.Jaccard = summarizeMetric(results, JaccardIndex)
	s.MSE = summarizeMetric(results, MeanSquaredError)
	return s
}

func summarizeMetric(results []OverlapMetrics, mt MetricType) MetricSummary {
	values := make([]float64, len(results))
	for i, r := range results {
		values[i] = r.Get(mt)
	}
	mean, std := stat.MeanStdDev(values, nil)
	if len(values) == 1 {
		std = 0
	}
	return MetricSummary{Mean: mean, Std: std, Min: floats.Min(values), Max: floats.Max(values)}
}

func (s EvaluationSummary) String() string {
	return fmt.Sprintf("pairs: %d  dice: %.4f±%.4f [%.4f, %.4f]  jaccard: %.4f  mse: %.6f",
		s.Count, s.Dice.Mean, s.Dice.Std, s.Dice.Min, s.Dice.Max, s.Jaccard.Mean, s.MSE.Mean)
}
