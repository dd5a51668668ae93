package dataset

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-morph/vision/dataloader"
)

func loadSynthetic(t *testing.T, trainPerClass, testPerClass int) *MNISTData {
	t.Helper()
	d, err := Load(context.Background(), NewSyntheticSource(trainPerClass, testPerClass, 1))
	require.NoError(t, err)
	return d
}

func drainLabels(t *testing.T, s *dataloader.Stream, batches int) []int {
	t.Helper()
	var labels []int
	for i := 0; i < batches; i++ {
		b, err := s.NextBatch()
		require.NoError(t, err)
		labels = append(labels, b.Labels...)
	}
	return labels
}

func TestLoadPadsImages(t *testing.T) {
	d := loadSynthetic(t, 4, 2)
	assert.Equal(t, 32, d.Height())
	assert.Equal(t, 32, d.Width())
	assert.Equal(t, 40, d.TrainLen())
	assert.Equal(t, 20, d.TestLen())

	fixSet, _, err := d.TestSet(0, 1)
	require.NoError(t, err)
	img := fixSet[0].Image
	require.Len(t, img, 32*32)
	for x := 0; x < 32; x++ {
		assert.Zero(t, img[x], "top border pixel %d", x)
		assert.Zero(t, img[31*32+x], "bottom border pixel %d", x)
	}
	for _, v := range img {
		assert.True(t, v >= 0 && v <= 1)
	}
}

func TestTrainValLabelPurity(t *testing.T) {
	d := loadSynthetic(t, 10, 3)

	cases := []struct {
		name        string
		fix, moving int
	}{
		{"DistinctClasses", 3, 7},
		{"SameClass", 5, 5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			train, val, err := d.TrainVal(tc.fix, tc.moving, 4)
			require.NoError(t, err)

			for _, l := range drainLabels(t, train.Fix, 6) {
				assert.Equal(t, tc.fix, l)
			}
			for _, l := range drainLabels(t, train.Moving, 6) {
				assert.Equal(t, tc.moving, l)
			}
			for _, l := range drainLabels(t, val.Fix, 3) {
				assert.Equal(t, tc.fix, l)
			}
			for _, l := range drainLabels(t, val.Moving, 3) {
				assert.Equal(t, tc.moving, l)
			}

			assert.Equal(t, 8, train.Fix.Len())
			assert.Equal(t, 2, val.Fix.Len())
			assert.Equal(t, 4, train.Fix.BatchSize())
			assert.Equal(t, 10, val.Fix.BatchSize())
		})
	}
}

func TestTrainValSameClassStreamsDiffer(t *testing.T) {
	d := loadSynthetic(t, 20, 2)
	train, _, err := d.TrainVal(4, 4, 16)
	require.NoError(t, err)

	a, err := train.Fix.NextBatch()
	require.NoError(t, err)
	b, err := train.Moving.NextBatch()
	require.NoError(t, err)
	assert.NotEqual(t, a.Images.Data, b.Images.Data, "fix and moving streams should not pair each image with itself")
}

func TestTestData(t *testing.T) {
	d := loadSynthetic(t, 4, 3)
	test, err := d.TestData(2, 9)
	require.NoError(t, err)

	b, err := test.Fix.NextBatch()
	require.NoError(t, err)
	assert.Equal(t, []int{3, 1, 32, 32}, b.Images.Shape)
	for _, l := range b.Labels {
		assert.Equal(t, 2, l)
	}
	for _, l := range drainLabels(t, test.Moving, 2) {
		assert.Equal(t, 9, l)
	}

	fixSet, movingSet, err := d.TestSet(2, 9)
	require.NoError(t, err)
	assert.Len(t, fixSet, 3)
	assert.Len(t, movingSet, 3)
}

func TestMissingClass(t *testing.T) {
	src := NewSyntheticSource(5, 2, 1)
	src.Classes = 3
	d, err := Load(context.Background(), src)
	require.NoError(t, err)

	_, _, err = d.TrainVal(1, 7, 4)
	assert.ErrorIs(t, err, ErrData)
	_, err = d.TestData(7, 1)
	assert.ErrorIs(t, err, ErrData)
	_, _, err = d.TestSet(1, 8)
	assert.ErrorIs(t, err, ErrData)
}

func TestStratifiedSplit(t *testing.T) {
	labels := make([]int, 0, 30)
	for i := 0; i < 30; i++ {
		labels = append(labels, i%3)
	}

	train, val, err := StratifiedSplit(labels, 0.2, 42)
	require.NoError(t, err)
	assert.Len(t, train, 24)
	assert.Len(t, val, 6)

	perClass := map[int]int{}
	for _, i := range val {
		perClass[labels[i]]++
	}
	assert.Equal(t, map[int]int{0: 2, 1: 2, 2: 2}, perClass)

	seen := map[int]bool{}
	for _, i := range append(append([]int{}, train...), val...) {
		assert.False(t, seen[i], "index %d assigned twice", i)
		seen[i] = true
	}
	assert.Len(t, seen, 30)

	train2, val2, err := StratifiedSplit(labels, 0.2, 42)
	require.NoError(t, err)
	assert.Equal(t, train, train2)
	assert.Equal(t, val, val2)

	_, val3, err := StratifiedSplit(labels, 0.2, 7)
	require.NoError(t, err)
	assert.Len(t, val3, 6)

	_, _, err = StratifiedSplit(labels, 1.5, 42)
	assert.ErrorIs(t, err, ErrData)
}

func TestSubset(t *testing.T) {
	ss := &Subset{
		samples: []Sample{{Image: []float32{1}, Label: 2}, {Image: []float32{0}, Label: 2}, {Image: []float32{1}, Label: 5}},
		height:  1,
		width:   1,
	}
	assert.Equal(t, 3, ss.Len())
	img, label, err := ss.GetItem(2)
	require.NoError(t, err)
	assert.Equal(t, []float32{1}, img)
	assert.Equal(t, 5, label)

	_, _, err = ss.GetItem(3)
	assert.Error(t, err)
	assert.Equal(t, map[int]int{2: 2, 5: 1}, ss.ClassDistribution())
	assert.Contains(t, ss.String(), "2: 2 samples")
}

func idxImages(n, rows, cols int) []byte {
	var buf bytes.Buffer
	for _, v := range []uint32{idxImageMagic, uint32(n), uint32(rows), uint32(cols)} {
		_ = binary.Write(&buf, binary.BigEndian, v)
	}
	for i := 0; i < n*rows*cols; i++ {
		buf.WriteByte(uint8(i % 256))
	}
	return buf.Bytes()
}

func idxLabels(labels ...uint8) []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, uint32(idxLabelMagic))
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(labels)))
	buf.Write(labels)
	return buf.Bytes()
}

func gzipped(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(data)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func writeIDXCorpus(t *testing.T, dir string) *IDXSource {
	t.Helper()
	files := map[string][]byte{
		TrainImagesFile: gzipped(t, idxImages(4, 3, 2)),
		TrainLabelsFile: gzipped(t, idxLabels(0, 1, 1, 0)),
		"test-images":   idxImages(2, 3, 2),
		"test-labels":   idxLabels(1, 0),
	}
	for name, data := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o644))
	}
	return &IDXSource{
		Dir:         dir,
		TrainImages: TrainImagesFile,
		TrainLabels: TrainLabelsFile,
		TestImages:  "test-images",
		TestLabels:  "test-labels",
	}
}

func TestIDXSource(t *testing.T) {
	dir := t.TempDir()
	src := writeIDXCorpus(t, dir)

	c, err := src.Corpus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, c.Rows)
	assert.Equal(t, 2, c.Cols)
	require.Len(t, c.TrainImages, 4)
	assert.Equal(t, []uint8{6, 7, 8, 9, 10, 11}, c.TrainImages[1])
	assert.Equal(t, []uint8{0, 1, 1, 0}, c.TrainLabels)
	assert.Equal(t, []uint8{1, 0}, c.TestLabels)

	t.Run("ChecksumMatch", func(t *testing.T) {
		raw, err := os.ReadFile(filepath.Join(dir, "test-labels"))
		require.NoError(t, err)
		sum := sha256.Sum256(raw)
		src.Checksums = map[string]string{"test-labels": hex.EncodeToString(sum[:])}
		_, err = src.Corpus(context.Background())
		assert.NoError(t, err)
	})

	t.Run("ChecksumMismatch", func(t *testing.T) {
		src.Checksums = map[string]string{TrainImagesFile: "00"}
		_, err := src.Corpus(context.Background())
		assert.ErrorIs(t, err, ErrData)
		assert.ErrorContains(t, err, "checksum")
	})

	t.Run("Cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		src.Checksums = nil
		_, err := src.Corpus(ctx)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestIDXSourceErrors(t *testing.T) {
	t.Run("MissingFiles", func(t *testing.T) {
		_, err := NewIDXSource(t.TempDir()).Corpus(context.Background())
		assert.ErrorIs(t, err, ErrData)
	})

	t.Run("BadMagic", func(t *testing.T) {
		dir := t.TempDir()
		src := writeIDXCorpus(t, dir)
		require.NoError(t, os.WriteFile(filepath.Join(dir, "test-images"), idxLabels(1, 2), 0o644))
		_, err := src.Corpus(context.Background())
		assert.ErrorIs(t, err, ErrData)
	})

	t.Run("Truncated", func(t *testing.T) {
		dir := t.TempDir()
		src := writeIDXCorpus(t, dir)
		data := idxImages(2, 3, 2)
		require.NoError(t, os.WriteFile(filepath.Join(dir, "test-images"), data[:len(data)-1], 0o644))
		_, err := src.Corpus(context.Background())
		assert.ErrorIs(t, err, ErrData)
	})

	t.Run("LabelCountMismatch", func(t *testing.T) {
		dir := t.TempDir()
		src := writeIDXCorpus(t, dir)
		require.NoError(t, os.WriteFile(filepath.Join(dir, "test-labels"), idxLabels(1), 0o644))
		_, err := Load(context.Background(), src)
		assert.ErrorIs(t, err, ErrData)
	})
}
