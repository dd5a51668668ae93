package dataloader

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/exp/rand"

	"github.com/tsawler/go-morph/tensor"
)

// Dataset interface defines the contract for datasets
type Dataset interface {
	Len() int
	// GetItem returns a row-major single-channel image and its label.
	GetItem(index int) (image []float32, label int, err error)
}

// Config holds configuration for a Stream
type Config struct {
	BatchSize   int
	Shuffle     bool
	Seed        uint64
	ImageHeight int
	ImageWidth  int
}

// Batch is one draw from a stream. Images has shape [N, 1, H, W].
type Batch struct {
	Images *tensor.Tensor
	Labels []int
}

// Stream cycles a dataset without end. Each pass visits every index once;
// the indices are reshuffled when a pass wraps around, and the last batch of
// a pass holds whatever remains.
type Stream struct {
	dataset   Dataset
	batchSize int
	shuffle   bool
	height    int
	width     int

	mu       sync.Mutex
	rng      *rand.Rand
	indices  []int
	position int
	passes   int
}

// NewStream creates a stream over dataset
func NewStream(dataset Dataset, config Config) (*Stream, error) {
	if dataset.Len() == 0 {
		return nil, errors.New("cannot stream an empty dataset")
	}
	if config.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if config.ImageHeight <= 0 || config.ImageWidth <= 0 {
		return nil, fmt.Errorf("invalid image size %dx%d", config.ImageHeight, config.ImageWidth)
	}

	indices := make([]int, dataset.Len())
	for i := range indices {
		indices[i] = i
	}
	s := &Stream{
		dataset:   dataset,
		batchSize: config.BatchSize,
		shuffle:   config.Shuffle,
		height:    config.ImageHeight,
		width:     config.ImageWidth,
		rng:       rand.New(rand.NewSource(config.Seed)),
		indices:   indices,
	}
	s.shuffleIndices()
	return s, nil
}

func (s *Stream) shuffleIndices() {
	if !s.shuffle {
		return
	}
	s.rng.Shuffle(len(s.indices), func(i, j int) {
		s.indices[i], s.indices[j] = s.indices[j], s.indices[i]
	})
}

// Reset starts a fresh pass
func (s *Stream) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.position = 0
	s.shuffleIndices()
}

// NextBatch loads the next batch of images and labels
func (s *Stream) NextBatch() (*Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.position >= len(s.indices) {
		s.position = 0
		s.passes++
		s.shuffleIndices()
	}

	end := s.position + s.batchSize
	if end > len(s.indices) {
		end = len(s.indices)
	}
	n := end - s.position
	pixels := s.height * s.width

	data := make([]float32, n*pixels)
	labels := make([]int, n)
	for i := 0; i < n; i++ {
		idx := s.indices[s.position+i]
		img, label, err := s.dataset.GetItem(idx)
		if err != nil {
			return nil, fmt.Errorf("load item %d: %w", idx, err)
		}
		if len(img) != pixels {
			return nil, fmt.Errorf("item %d has %d pixels, expected %dx%d", idx, len(img), s.height, s.width)
		}
		copy(data[i*pixels:(i+1)*pixels], img)
		labels[i] = label
	}
	s.position = end

	images, err := tensor.NewTensor([]int{n, 1, s.height, s.width}, tensor.CPU, data)
	if err != nil {
		return nil, err
	}
	return &Batch{Images: images, Labels: labels}, nil
}

// Next returns the images of the next batch.
func (s *Stream) Next() (*tensor.Tensor, error) {
	b, err := s.NextBatch()
	if err != nil {
		return nil, err
	}
	return b.Images, nil
}

// Len is the number of samples in one pass.
func (s *Stream) Len() int { return len(s.indices) }

func (s *Stream) BatchSize() int { return s.batchSize }

// Progress returns the current progress through the pass
func (s *Stream) Progress() (current, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position, len(s.indices)
}

// Passes counts completed wraparounds.
func (s *Stream) Passes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.passes
}
