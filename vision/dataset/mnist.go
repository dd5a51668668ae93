package dataset

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strings"

	"github.com/tsawler/go-morph/vision/dataloader"
	"github.com/tsawler/go-morph/vision/preprocessing"
)

// Sample is one padded image with values in [0, 1] and its class label.
type Sample struct {
	Image []float32
	Label int
}

// Subset is a fixed list of samples served through the dataloader.Dataset
// interface.
type Subset struct {
	samples       []Sample
	height, width int
}

func (s *Subset) Len() int {
	return len(s.samples)
}

func (s *Subset) GetItem(index int) ([]float32, int, error) {
	if index < 0 || index >= len(s.samples) {
		return nil, 0, fmt.Errorf("index %d out of range [0, %d)", index, len(s.samples))
	}
	return s.samples[index].Image, s.samples[index].Label, nil
}

// Samples returns the subset's samples. Callers must not modify the images.
func (s *Subset) Samples() []Sample {
	return s.samples
}

// ClassDistribution counts samples per label.
func (s *Subset) ClassDistribution() map[int]int {
	dist := make(map[int]int)
	for _, smp := range s.samples {
		dist[smp.Label]++
	}
	return dist
}

func (s *Subset) String() string {
	dist := s.ClassDistribution()
	labels := make([]int, 0, len(dist))
	for l := range dist {
		labels = append(labels, l)
	}
	sort.Ints(labels)

	var sb strings.Builder
	fmt.Fprintf(&sb, "Subset: %d samples of %dx%d, %d classes\n", len(s.samples), s.height, s.width, len(dist))
	for _, l := range labels {
		fmt.Fprintf(&sb, "  %d: %d samples\n", l, dist[l])
	}
	return sb.String()
}

// Pair holds the fixed-image and moving-image streams of one partition.
type Pair struct {
	Fix    *dataloader.Stream
	Moving *dataloader.Stream
}

// Options control how the corpus is prepared and partitioned.
type Options struct {
	Seed         int64
	ValFraction  float64
	ValBatchSize int
	Pad          int
	Workers      int
}

// DefaultOptions mirrors the MNIST setup: 28x28 digits padded to 32x32, an
// 80/20 stratified split with seed 42 and validation batches of 10.
// Preprocessing uses every CPU.
func DefaultOptions() Options {
	return Options{Seed: 42, ValFraction: 0.2, ValBatchSize: 10, Pad: 2, Workers: runtime.NumCPU()}
}

// MNISTData holds the padded train and test partitions of a corpus.
type MNISTData struct {
	opts          Options
	height, width int
	train         []Sample
	test          []Sample
}

// Load reads src and pads every image using DefaultOptions.
func Load(ctx context.Context, src CorpusSource) (*MNISTData, error) {
	return LoadWithOptions(ctx, src, DefaultOptions())
}

// LoadWithOptions reads src and pads every image. Any read or decode
// failure is fatal.
func LoadWithOptions(ctx context.Context, src CorpusSource, opts Options) (*MNISTData, error) {
	if opts.ValBatchSize <= 0 {
		return nil, fmt.Errorf("%w: validation batch size must be positive", ErrData)
	}
	corpus, err := src.Corpus(ctx)
	if err != nil {
		return nil, fmt.Errorf("load corpus: %w", err)
	}
	if err := corpus.validate(); err != nil {
		return nil, err
	}

	d := &MNISTData{
		opts:   opts,
		height: corpus.Rows + 2*opts.Pad,
		width:  corpus.Cols + 2*opts.Pad,
	}
	if d.train, err = d.prepare(corpus.TrainImages, corpus.TrainLabels, corpus.Rows, corpus.Cols); err != nil {
		return nil, err
	}
	if d.test, err = d.prepare(corpus.TestImages, corpus.TestLabels, corpus.Rows, corpus.Cols); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *MNISTData) prepare(images [][]uint8, labels []uint8, rows, cols int) ([]Sample, error) {
	padded, err := preprocessing.PreprocessBatch(images, rows, cols, d.opts.Pad, d.opts.Workers)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrData, err)
	}
	samples := make([]Sample, len(padded))
	for i, img := range padded {
		samples[i] = Sample{Image: img, Label: int(labels[i])}
	}
	return samples, nil
}

// Height is the padded image height.
func (d *MNISTData) Height() int { return d.height }

// Width is the padded image width.
func (d *MNISTData) Width() int { return d.width }

func (d *MNISTData) TrainLen() int { return len(d.train) }

// Options returns the options the data was loaded with.
func (d *MNISTData) Options() Options { return d.opts }

func (d *MNISTData) TestLen() int { return len(d.test) }

func filterLabel(samples []Sample, label int) []Sample {
	var out []Sample
	for _, s := range samples {
		if s.Label == label {
			out = append(out, s)
		}
	}
	return out
}

func (d *MNISTData) subset(samples []Sample, label int, partition string) (*Subset, error) {
	filtered := filterLabel(samples, label)
	if len(filtered) == 0 {
		return nil, fmt.Errorf("%w: no samples of class %d in %s partition", ErrData, label, partition)
	}
	return &Subset{samples: filtered, height: d.height, width: d.width}, nil
}

func (d *MNISTData) stream(ss *Subset, batch int, seedOffset uint64) (*dataloader.Stream, error) {
	return dataloader.NewStream(ss, dataloader.Config{
		BatchSize:   batch,
		Shuffle:     true,
		Seed:        uint64(d.opts.Seed) + seedOffset,
		ImageHeight: d.height,
		ImageWidth:  d.width,
	})
}

func (d *MNISTData) pair(samples []Sample, fix, moving, batch int, partition string, seedOffset uint64) (Pair, error) {
	fixSet, err := d.subset(samples, fix, partition)
	if err != nil {
		return Pair{}, err
	}
	movingSet, err := d.subset(samples, moving, partition)
	if err != nil {
		return Pair{}, err
	}
	fixStream, err := d.stream(fixSet, batch, seedOffset)
	if err != nil {
		return Pair{}, err
	}
	movingStream, err := d.stream(movingSet, batch, seedOffset+1)
	if err != nil {
		return Pair{}, err
	}
	return Pair{Fix: fixStream, Moving: movingStream}, nil
}

// TrainVal keeps the training samples of classes fix and moving, splits them
// stratified by class and returns endless train streams of batch size batch
// and validation streams of the configured validation batch size. fix may
// equal moving; the two streams then shuffle independently.
func (d *MNISTData) TrainVal(fix, moving, batch int) (train, val Pair, err error) {
	var kept []Sample
	var labels []int
	for _, s := range d.train {
		if s.Label == fix || s.Label == moving {
			kept = append(kept, s)
			labels = append(labels, s.Label)
		}
	}

	trainIdx, valIdx, err := StratifiedSplit(labels, d.opts.ValFraction, uint64(d.opts.Seed))
	if err != nil {
		return Pair{}, Pair{}, err
	}
	pick := func(idx []int) []Sample {
		out := make([]Sample, len(idx))
		for i, j := range idx {
			out[i] = kept[j]
		}
		return out
	}

	if train, err = d.pair(pick(trainIdx), fix, moving, batch, "train", 1); err != nil {
		return Pair{}, Pair{}, err
	}
	if val, err = d.pair(pick(valIdx), fix, moving, d.opts.ValBatchSize, "validation", 3); err != nil {
		return Pair{}, Pair{}, err
	}
	return train, val, nil
}

// TestData returns endless streams over the test samples of classes fix and
// moving.
func (d *MNISTData) TestData(fix, moving int) (Pair, error) {
	return d.pair(d.test, fix, moving, d.opts.ValBatchSize, "test", 5)
}

// TestSet returns the test samples of classes fix and moving for random
// access by index.
func (d *MNISTData) TestSet(fix, moving int) (fixSet, movingSet []Sample, err error) {
	f, err := d.subset(d.test, fix, "test")
	if err != nil {
		return nil, nil, err
	}
	m, err := d.subset(d.test, moving, "test")
	if err != nil {
		return nil, nil, err
	}
	return f.Samples(), m.Samples(), nil
}
