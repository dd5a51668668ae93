package preprocessing

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"sync"

	"github.com/tsawler/go-morph/tensor"
)

// ToFloat scales 8-bit grayscale pixels to [0, 1].
func ToFloat(pixels []uint8) []float32 {
	out := make([]float32, len(pixels))
	for i, p := range pixels {
		out[i] = float32(p) / 255.0
	}
	return out
}

// Pad surrounds a row-major h×w image with pad zero pixels on every side.
func Pad(img []float32, h, w, pad int) ([]float32, error) {
	if len(img) != h*w {
		return nil, fmt.Errorf("image has %d pixels, expected %dx%d", len(img), h, w)
	}
	if pad < 0 {
		return nil, fmt.Errorf("negative padding %d", pad)
	}
	ow := w + 2*pad
	out := make([]float32, (h+2*pad)*ow)
	for y := 0; y < h; y++ {
		copy(out[(y+pad)*ow+pad:(y+pad)*ow+pad+w], img[y*w:(y+1)*w])
	}
	return out, nil
}

// PreprocessBatch converts and pads raw images concurrently. Results keep the
// input order.
func PreprocessBatch(raw [][]uint8, h, w, pad int, maxWorkers int) ([][]float32, error) {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}

	results := make([][]float32, len(raw))
	errs := make([]error, len(raw))

	jobs := make(chan int, len(raw))
	var wg sync.WaitGroup

	for w0 := 0; w0 < maxWorkers; w0++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				results[i], errs[i] = Pad(ToFloat(raw[i]), h, w, pad)
			}
		}()
	}

	for i := range raw {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("failed to process image %d: %w", i, err)
		}
	}
	return results, nil
}

func checkNCHW(t *tensor.Tensor, index int) (h, w int, err error) {
	if len(t.Shape) != 4 {
		return 0, 0, fmt.Errorf("expected NCHW tensor, got shape %v", t.Shape)
	}
	if index < 0 || index >= t.Shape[0] {
		return 0, 0, fmt.Errorf("sample %d out of range [0, %d)", index, t.Shape[0])
	}
	return t.Shape[2], t.Shape[3], nil
}

func toByte(v float32) uint8 {
	if v != v || v <= 0 {
		return 0
	}
	if v >= 1 {
		return 255
	}
	return uint8(math.Round(float64(v) * 255))
}

// ToGray renders channel 0 of sample index as an 8-bit image. Values are
// clamped to [0, 1].
func ToGray(t *tensor.Tensor, index int) (*image.Gray, error) {
	h, w, err := checkNCHW(t, index)
	if err != nil {
		return nil, err
	}
	off := index * t.Shape[1] * h * w
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetGray(x, y, color.Gray{Y: toByte(t.Data[off+y*w+x])})
		}
	}
	return img, nil
}

// FlowMagnitude returns the per-pixel displacement length of sample index in
// a [N, 2, H, W] flow.
func FlowMagnitude(flow *tensor.Tensor, index int) ([]float32, error) {
	h, w, err := checkNCHW(flow, index)
	if err != nil {
		return nil, err
	}
	if flow.Shape[1] != 2 {
		return nil, fmt.Errorf("expected 2 flow channels, got %d", flow.Shape[1])
	}
	plane := h * w
	dy := flow.Data[(index*2)*plane : (index*2+1)*plane]
	dx := flow.Data[(index*2+1)*plane : (index*2+2)*plane]
	out := make([]float32, plane)
	for i := range out {
		out[i] = float32(math.Hypot(float64(dy[i]), float64(dx[i])))
	}
	return out, nil
}

// RenderPanel writes a PNG strip of moving | fixed | warped | flow magnitude
// for one sample, each tile upscaled by scale. The magnitude tile is
// normalised by its maximum.
func RenderPanel(out io.Writer, moving, fixed, warped, flow *tensor.Tensor, index, scale int) error {
	if scale < 1 {
		scale = 1
	}

	var tiles []*image.Gray
	for _, t := range []*tensor.Tensor{moving, fixed, warped} {
		g, err := ToGray(t, index)
		if err != nil {
			return err
		}
		tiles = append(tiles, g)
	}

	mag, err := FlowMagnitude(flow, index)
	if err != nil {
		return err
	}
	var peak float32
	for _, m := range mag {
		if m > peak {
			peak = m
		}
	}
	h, w := flow.Shape[2], flow.Shape[3]
	b := tiles[0].Bounds()
	if b.Dx() != w || b.Dy() != h {
		return fmt.Errorf("flow is %dx%d but images are %dx%d", h, w, b.Dy(), b.Dx())
	}
	magImg := image.NewGray(image.Rect(0, 0, w, h))
	for i, m := range mag {
		if peak > 0 {
			m /= peak
		}
		magImg.SetGray(i%w, i/w, color.Gray{Y: toByte(m)})
	}
	tiles = append(tiles, magImg)

	panel := image.NewGray(image.Rect(0, 0, len(tiles)*w*scale, h*scale))
	for k, tile := range tiles {
		if tile.Bounds() != b {
			return fmt.Errorf("tile %d has bounds %v, expected %v", k, tile.Bounds(), b)
		}
		for y := 0; y < h*scale; y++ {
			for x := 0; x < w*scale; x++ {
				panel.SetGray(k*w*scale+x, y, tile.GrayAt(x/scale, y/scale))
			}
		}
	}
	return png.Encode(out, panel)
}
