package dataset

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"golang.org/x/exp/rand"
)

// ErrData reports a corpus that cannot be read, decoded or partitioned.
var ErrData = errors.New("data error")

// Corpus is the raw labelled image collection before padding.
type Corpus struct {
	Rows, Cols  int
	TrainImages [][]uint8
	TrainLabels []uint8
	TestImages  [][]uint8
	TestLabels  []uint8
}

func (c *Corpus) validate() error {
	if c.Rows <= 0 || c.Cols <= 0 {
		return fmt.Errorf("%w: invalid image size %dx%d", ErrData, c.Rows, c.Cols)
	}
	if len(c.TrainImages) != len(c.TrainLabels) {
		return fmt.Errorf("%w: %d train images but %d labels", ErrData, len(c.TrainImages), len(c.TrainLabels))
	}
	if len(c.TestImages) != len(c.TestLabels) {
		return fmt.Errorf("%w: %d test images but %d labels", ErrData, len(c.TestImages), len(c.TestLabels))
	}
	for _, set := range [][][]uint8{c.TrainImages, c.TestImages} {
		for i, img := range set {
			if len(img) != c.Rows*c.Cols {
				return fmt.Errorf("%w: image %d has %d pixels, expected %dx%d", ErrData, i, len(img), c.Rows, c.Cols)
			}
		}
	}
	return nil
}

// CorpusSource supplies a corpus.
type CorpusSource interface {
	Corpus(ctx context.Context) (*Corpus, error)
}

// MNIST file names as distributed.
const (
	TrainImagesFile = "train-images-idx3-ubyte.gz"
	TrainLabelsFile = "train-labels-idx1-ubyte.gz"
	TestImagesFile  = "t10k-images-idx3-ubyte.gz"
	TestLabelsFile  = "t10k-labels-idx1-ubyte.gz"
)

// MNISTChecksums are the SHA-256 digests of the gzipped MNIST files.
var MNISTChecksums = map[string]string{
	TrainImagesFile: "440fcabf73cc546fa21475e81ea370265605f56be210a4024d2ca8f203523609",
	TrainLabelsFile: "3552534a0a558bbed6aed32b30c495cca23d567ec52cac8be1a0730e8010255c",
	TestImagesFile:  "8d422c7b0a1c1c79245a5bcf07fe86e33eeafee792b84584aec276f5a2dbc4e6",
	TestLabelsFile:  "f7ae60f92e00ec6debd23a6088c31dbd2371eca3ffa0defaefb259924204aec6",
}

const (
	idxImageMagic = 0x00000803
	idxLabelMagic = 0x00000801
)

// IDXSource reads the four idx-ubyte files from Dir. Files may be gzipped or
// plain. When Checksums holds an entry for a file name, the raw file bytes
// must hash to it.
type IDXSource struct {
	Dir         string
	TrainImages string
	TrainLabels string
	TestImages  string
	TestLabels  string
	Checksums   map[string]string
}

// NewIDXSource returns a source for the standard MNIST file names in dir,
// verified against MNISTChecksums.
func NewIDXSource(dir string) *IDXSource {
	return &IDXSource{
		Dir:         dir,
		TrainImages: TrainImagesFile,
		TrainLabels: TrainLabelsFile,
		TestImages:  TestImagesFile,
		TestLabels:  TestLabelsFile,
		Checksums:   MNISTChecksums,
	}
}

func (s *IDXSource) Corpus(ctx context.Context) (*Corpus, error) {
	c := &Corpus{}
	var err error

	var rows, cols int
	if c.TrainImages, rows, cols, err = s.readImages(ctx, s.TrainImages); err != nil {
		return nil, err
	}
	c.Rows, c.Cols = rows, cols
	if c.TrainLabels, err = s.readLabels(ctx, s.TrainLabels); err != nil {
		return nil, err
	}
	if c.TestImages, rows, cols, err = s.readImages(ctx, s.TestImages); err != nil {
		return nil, err
	}
	if rows != c.Rows || cols != c.Cols {
		return nil, fmt.Errorf("%w: test images are %dx%d, train images %dx%d", ErrData, rows, cols, c.Rows, c.Cols)
	}
	if c.TestLabels, err = s.readLabels(ctx, s.TestLabels); err != nil {
		return nil, err
	}

	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// readFile loads name, verifies its checksum and strips gzip compression.
func (s *IDXSource) readFile(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := filepath.Join(s.Dir, name)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrData, err)
	}

	if want, ok := s.Checksums[name]; ok {
		sum := sha256.Sum256(raw)
		if got := hex.EncodeToString(sum[:]); got != want {
			return nil, fmt.Errorf("%w: checksum mismatch for %s: got %s", ErrData, path, got)
		}
	}

	if len(raw) >= 2 && raw[0] == 0x1f && raw[1] == 0x8b {
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("%w: gzip %s: %v", ErrData, path, err)
		}
		defer zr.Close()
		if raw, err = io.ReadAll(zr); err != nil {
			return nil, fmt.Errorf("%w: gzip %s: %v", ErrData, path, err)
		}
	}
	return raw, nil
}

func (s *IDXSource) readImages(ctx context.Context, name string) ([][]uint8, int, int, error) {
	data, err := s.readFile(ctx, name)
	if err != nil {
		return nil, 0, 0, err
	}
	if len(data) < 16 {
		return nil, 0, 0, fmt.Errorf("%w: %s: truncated header", ErrData, name)
	}
	if magic := binary.BigEndian.Uint32(data[0:4]); magic != idxImageMagic {
		return nil, 0, 0, fmt.Errorf("%w: %s: bad image magic %#x", ErrData, name, magic)
	}
	n := int(binary.BigEndian.Uint32(data[4:8]))
	rows := int(binary.BigEndian.Uint32(data[8:12]))
	cols := int(binary.BigEndian.Uint32(data[12:16]))
	body := data[16:]
	if rows <= 0 || cols <= 0 || len(body) != n*rows*cols {
		return nil, 0, 0, fmt.Errorf("%w: %s: %d bytes for %d images of %dx%d", ErrData, name, len(body), n, rows, cols)
	}

	plane := rows * cols
	images := make([][]uint8, n)
	for i := range images {
		images[i] = body[i*plane : (i+1)*plane : (i+1)*plane]
	}
	return images, rows, cols, nil
}

func (s *IDXSource) readLabels(ctx context.Context, name string) ([]uint8, error) {
	data, err := s.readFile(ctx, name)
	if err != nil {
		return nil, err
	}
	if len(data) < 8 {
		return nil, fmt.Errorf("%w: %s: truncated header", ErrData, name)
	}
	if magic := binary.BigEndian.Uint32(data[0:4]); magic != idxLabelMagic {
		return nil, fmt.Errorf("%w: %s: bad label magic %#x", ErrData, name, magic)
	}
	n := int(binary.BigEndian.Uint32(data[4:8]))
	if len(data)-8 != n {
		return nil, fmt.Errorf("%w: %s: %d bytes for %d labels", ErrData, name, len(data)-8, n)
	}
	return data[8:], nil
}

// SyntheticSource generates a small digit-like corpus. Each class is a blob
// at its own position around the image centre plus a shared centre stroke;
// samples differ by seeded jitter.
type SyntheticSource struct {
	Rows, Cols    int
	Classes       int
	TrainPerClass int
	TestPerClass  int
	Seed          uint64
}

// NewSyntheticSource returns an MNIST-shaped synthetic source.
func NewSyntheticSource(trainPerClass, testPerClass int, seed uint64) *SyntheticSource {
	return &SyntheticSource{Rows: 28, Cols: 28, Classes: 10, TrainPerClass: trainPerClass, TestPerClass: testPerClass, Seed: seed}
}

func (s *SyntheticSource) Corpus(ctx context.Context) (*Corpus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.Classes <= 0 {
		return nil, fmt.Errorf("%w: synthetic source needs at least one class", ErrData)
	}
	rng := rand.New(rand.NewSource(s.Seed))
	c := &Corpus{Rows: s.Rows, Cols: s.Cols}
	for label := 0; label < s.Classes; label++ {
		for i := 0; i < s.TrainPerClass; i++ {
			c.TrainImages = append(c.TrainImages, s.draw(label, rng))
			c.TrainLabels = append(c.TrainLabels, uint8(label))
		}
		for i := 0; i < s.TestPerClass; i++ {
			c.TestImages = append(c.TestImages, s.draw(label, rng))
			c.TestLabels = append(c.TestLabels, uint8(label))
		}
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *SyntheticSource) draw(label int, rng *rand.Rand) []uint8 {
	h, w := float64(s.Rows), float64(s.Cols)
	cy, cx := h/2, w/2
	angle := 2 * math.Pi * float64(label) / float64(s.Classes)
	radius := math.Min(h, w) / 4
	by := cy + radius*math.Sin(angle) + rng.Float64()*2 - 1
	bx := cx + radius*math.Cos(angle) + rng.Float64()*2 - 1
	sigma := math.Min(h, w) / 10
	jy, jx := rng.Float64()-0.5, rng.Float64()-0.5

	img := make([]uint8, s.Rows*s.Cols)
	for y := 0; y < s.Rows; y++ {
		for x := 0; x < s.Cols; x++ {
			fy, fx := float64(y), float64(x)
			blob := math.Exp(-((fy-by)*(fy-by) + (fx-bx)*(fx-bx)) / (2 * sigma * sigma))
			stroke := math.Exp(-((fy-cy-jy)*(fy-cy-jy) + (fx-cx-jx)*(fx-cx-jx)) / (2 * sigma * sigma))
			img[y*s.Cols+x] = uint8(math.Min(255, 255*(blob+0.6*stroke)))
		}
	}
	return img
}
