package training

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/tsawler/go-morph/layers"
)

// ProgressBar provides tqdm-style training progress visualization
type ProgressBar struct {
	out         io.Writer
	description string
	total       int
	current     int
	startTime   time.Time
	width       int
	showRate    bool
	showETA     bool
	metrics     map[string]float64
}

// NewProgressBar creates a new progress bar writing to stdout
func NewProgressBar(description string, total int) *ProgressBar {
	return NewProgressBarTo(os.Stdout, description, total)
}

// NewProgressBarTo creates a progress bar rendering to out.
func NewProgressBarTo(out io.Writer, description string, total int) *ProgressBar {
	return &ProgressBar{
		out:         out,
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       40, // Character width of progress bar
		showRate:    true,
		showETA:     true,
		metrics:     make(map[string]float64),
	}
}

// Update advances the progress bar
func (pb *ProgressBar) Update(step int, metrics map[string]float64) {
	pb.current = step
	for k, v := range metrics {
		pb.metrics[k] = v
	}
	pb.render()
}

// Finish completes the progress bar
func (pb *ProgressBar) Finish() {
	pb.current = pb.total
	pb.render()
	fmt.Fprintln(pb.out)
}

// render draws the progress bar
func (pb *ProgressBar) render() {
	fmt.Fprint(pb.out, pb.line(time.Since(pb.startTime)))
}

func (pb *ProgressBar) line(elapsed time.Duration) string {
	percentage := 1.0
	if pb.total > 0 {
		percentage = float64(pb.current) / float64(pb.total)
	}
	if percentage > 1.0 {
		percentage = 1.0
	}

	filled := int(percentage * float64(pb.width))
	bar := strings.Repeat("█", filled) + strings.Repeat(" ", pb.width-filled)

	var eta time.Duration
	var rate float64
	if pb.current > 0 && elapsed > 0 {
		rate = float64(pb.current) / elapsed.Seconds()
		eta = time.Duration(float64(elapsed)/percentage) - elapsed
	}

	line := fmt.Sprintf("\r%s: %3.0f%%|%s| %d/%d", pb.description, percentage*100, bar, pb.current, pb.total)
	if pb.showETA && eta > 0 {
		line += fmt.Sprintf(" [%s<%s", formatDuration(elapsed), formatDuration(eta))
	} else {
		line += fmt.Sprintf(" [%s<00:00", formatDuration(elapsed))
	}
	if pb.showRate && rate > 0 {
		line += fmt.Sprintf(", %.2fstep/s", rate)
	}

	// stable order keeps consecutive renders aligned
	keys := make([]string, 0, len(pb.metrics))
	for k := range pb.metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		line += fmt.Sprintf(", %s=%.4f", key, pb.metrics[key])
	}

	return line + "]"
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// ModelSummary prints a torchsummary-style table of a network spec.
type ModelSummary struct {
	modelName string
}

func NewModelSummary(modelName string) *ModelSummary {
	return &ModelSummary{modelName: modelName}
}

// Print writes the layer table followed by parameter and size totals.
func (p *ModelSummary) Print(out io.Writer, spec *layers.ModelSpec) {
	rule := strings.Repeat("-", 72)
	fmt.Fprintf(out, "%s\n", p.modelName)
	fmt.Fprintln(out, rule)
	fmt.Fprintf(out, "%-28s %-28s %14s\n", "Layer (type)", "Output Shape", "Param #")
	fmt.Fprintln(out, strings.Repeat("=", 72))
	for _, layer := range spec.Layers {
		fmt.Fprintf(out, "%-28s %-28s %14s\n",
			fmt.Sprintf("%s (%s)", layer.Name, layer.Type),
			fmt.Sprint(layer.OutputShape),
			formatCount(layer.ParameterCount))
	}
	fmt.Fprintln(out, strings.Repeat("=", 72))
	fmt.Fprintf(out, "Total params: %s\n", formatCount(spec.TotalParameters))
	fmt.Fprintf(out, "Trainable params: %s\n", formatCount(spec.TotalParameters))
	fmt.Fprintln(out, "Non-trainable params: 0")
	fmt.Fprintln(out, rule)
	fmt.Fprintf(out, "Input size (MB): %.3f\n", calculateInputSize(spec.InputShape))
	fmt.Fprintf(out, "Forward/backward pass size (MB): %.3f\n", estimateForwardBackwardSize(spec))
	fmt.Fprintf(out, "Params size (MB): %.3f\n", float64(spec.TotalParameters*4)/1024/1024)
	fmt.Fprintf(out, "Estimated Total Size (MB): %.3f\n", estimateTotalSize(spec))
	fmt.Fprintln(out, rule)
}

// formatCount adds thousands separators.
func formatCount(count int64) string {
	s := fmt.Sprintf("%d", count)
	var sb strings.Builder
	for i, r := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			sb.WriteByte(',')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// calculateInputSize estimates tensor size in MB
func calculateInputSize(shape []int) float64 {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return float64(size*4) / 1024 / 1024 // 4 bytes per float32
}

// estimateForwardBackwardSize sums every layer output, doubled for gradients.
func estimateForwardBackwardSize(spec *layers.ModelSpec) float64 {
	var total float64
	for _, layer := range spec.Layers {
		total += calculateInputSize(layer.OutputShape)
	}
	return total * 2
}

func estimateTotalSize(spec *layers.ModelSpec) float64 {
	paramsSize := float64(spec.TotalParameters*4) / 1024 / 1024
	return calculateInputSize(spec.InputShape) + paramsSize + estimateForwardBackwardSize(spec)
}
