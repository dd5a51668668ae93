package training

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/tsawler/go-morph/layers"
)

func TestProgressBar(t *testing.T) {
	var buf bytes.Buffer
	pb := NewProgressBarTo(&buf, "Epoch 1/2", 4)

	pb.Update(2, map[string]float64{"loss": 0.25})
	if !strings.Contains(buf.String(), "Epoch 1/2:  50%") {
		t.Errorf("missing percentage in %q", buf.String())
	}
	if !strings.Contains(buf.String(), "loss=0.2500") {
		t.Errorf("missing metric in %q", buf.String())
	}

	pb.Finish()
	if !strings.Contains(buf.String(), "100%") || !strings.HasSuffix(buf.String(), "\n") {
		t.Errorf("unexpected final render %q", buf.String())
	}
}

func TestProgressBarLine(t *testing.T) {
	pb := NewProgressBarTo(&bytes.Buffer{}, "x", 10)
	pb.current = 5
	pb.metrics = map[string]float64{"b": 2, "a": 1}

	line := pb.line(10 * time.Second)
	if !strings.Contains(line, "[00:10<00:10") {
		t.Errorf("unexpected timing in %q", line)
	}
	if strings.Index(line, "a=") > strings.Index(line, "b=") {
		t.Errorf("metrics not sorted in %q", line)
	}

	empty := NewProgressBarTo(&bytes.Buffer{}, "empty", 0)
	if !strings.Contains(empty.line(0), "100%") {
		t.Error("zero-length bar should render complete")
	}
}

func TestFormatDuration(t *testing.T) {
	if got := formatDuration(125 * time.Second); got != "02:05" {
		t.Errorf("formatDuration = %q", got)
	}
}

func TestModelSummary(t *testing.T) {
	spec := &layers.ModelSpec{
		Layers: []layers.LayerSpec{
			{Type: layers.Conv2DLayer, Name: "enc0", OutputShape: []int{1, 4, 8, 8}, ParameterCount: 76},
			{Type: layers.LeakyReLULayer, Name: "enc0.act", OutputShape: []int{1, 4, 8, 8}},
		},
		TotalParameters: 109170,
		InputShape:      []int{1, 2, 8, 8},
		OutputShape:     []int{1, 1, 8, 8},
	}

	var buf bytes.Buffer
	NewModelSummary("VxmDense").Print(&buf, spec)
	out := buf.String()
	for _, want := range []string{"VxmDense", "enc0 (Conv2D)", "Total params: 109,170", "Params size (MB)"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
}

func TestFormatCount(t *testing.T) {
	tests := map[int64]string{0: "0", 999: "999", 1000: "1,000", 109170: "109,170", 1234567: "1,234,567"}
	for n, want := range tests {
		if got := formatCount(n); got != want {
			t.Errorf("formatCount(%d) = %q, want %q", n, got, want)
		}
	}
}
