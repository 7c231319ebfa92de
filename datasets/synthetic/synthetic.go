// Package synthetic generates a deterministic detection dataset: noisy
// images with axis-aligned boxes painted in, one intensity per class.
package synthetic

import (
	"math/rand"

	"github.com/pkg/errors"

	"github.com/SsisyphusTao/SSD-Knowledge-Distillation/tensor"
	"github.com/SsisyphusTao/SSD-Knowledge-Distillation/training"
)

// Config sizes the dataset. Labels are drawn from [1, NumClasses); 0 is the
// background class.
type Config struct {
	Samples    int
	Channels   int
	Height     int
	Width      int
	MaxBoxes   int
	NumClasses int
	Seed       int64
	Noise      float64
}

// Dataset renders sample idx from a generator seeded with (Seed, idx), so
// Get is a pure function of its index and safe for concurrent use.
type Dataset struct {
	config Config
}

func New(config Config) (*Dataset, error) {
	switch {
	case config.Samples <= 0:
		return nil, errors.Errorf("sample count must be positive, got %d", config.Samples)
	case config.Channels <= 0 || config.Height <= 0 || config.Width <= 0:
		return nil, errors.Errorf("invalid image dimensions %dx%dx%d", config.Channels, config.Height, config.Width)
	case config.MaxBoxes < 0:
		return nil, errors.Errorf("max boxes must be non-negative, got %d", config.MaxBoxes)
	case config.NumClasses < 2:
		return nil, errors.Errorf("need background plus at least one class, got %d classes", config.NumClasses)
	}
	if config.Noise == 0 {
		config.Noise = 0.05
	}
	return &Dataset{config: config}, nil
}

func (d *Dataset) Len() int {
	return d.config.Samples
}

func (d *Dataset) Get(idx int) (training.Sample, error) {
	if idx < 0 || idx >= d.config.Samples {
		return training.Sample{}, errors.Errorf("index %d out of range [0, %d)", idx, d.config.Samples)
	}
	cfg := d.config
	rng := rand.New(rand.NewSource(cfg.Seed*1_000_003 + int64(idx)))

	image, err := tensor.Normal([]int{cfg.Channels, cfg.Height, cfg.Width}, cfg.Noise, rng)
	if err != nil {
		return training.Sample{}, err
	}

	count := rng.Intn(cfg.MaxBoxes + 1)
	targets := make(training.Annotations, 0, count)
	for b := 0; b < count; b++ {
		box := randomBox(rng)
		box.Label = 1 + rng.Intn(cfg.NumClasses-1)
		paint(image, box, float32(box.Label)/float32(cfg.NumClasses-1))
		targets = append(targets, box)
	}
	return training.Sample{Image: image, Targets: targets}, nil
}

// randomBox returns normalized coordinates with XMin < XMax and YMin < YMax,
// each side at least a tenth of the image.
func randomBox(rng *rand.Rand) training.Box {
	side := func() (float32, float32) {
		length := 0.1 + 0.5*rng.Float64()
		start := rng.Float64() * (1 - length)
		return float32(start), float32(start + length)
	}
	x0, x1 := side()
	y0, y1 := side()
	return training.Box{XMin: x0, YMin: y0, XMax: x1, YMax: y1}
}

// paint adds value to every channel inside box.
func paint(image *tensor.Tensor, box training.Box, value float32) {
	channels, height, width := image.Shape[0], image.Shape[1], image.Shape[2]
	r0, r1 := int(box.YMin*float32(height)), int(box.YMax*float32(height))
	c0, c1 := int(box.XMin*float32(width)), int(box.XMax*float32(width))
	for ch := 0; ch < channels; ch++ {
		for r := r0; r < r1 && r < height; r++ {
			row := image.Data[(ch*height+r)*width : (ch*height+r+1)*width]
			for c := c0; c < c1 && c < width; c++ {
				row[c] += value
			}
		}
	}
}
