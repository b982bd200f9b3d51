// Package augment - Batch-level data augmentation for training and a
// restricted inference-time variant.
//
// The pipeline consumes augmentation through the Driver contract: Run
// transforms an image/segmentation batch pair during training, RunInference
// transforms the image batch only (no segmentation exists at inference and
// it must never be altered), and ConfigureCropping turns the driver into a
// single-cycle random-crop producer when the splitter delegates cropping.
package augment

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/chewxy/math32"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-seg/volume"
)

// Driver is the augmentation contract consumed by the sample splitter.
type Driver interface {
	// Run applies training-mode augmentation to an image batch and its
	// segmentation batch. Geometric effects (cropping) apply to both tensors
	// identically; intensity effects apply to the image only.
	Run(img, seg *tensor.Dense) (*tensor.Dense, *tensor.Dense, error)
	// RunInference applies inference-time augmentation to an image batch.
	RunInference(img *tensor.Dense) (*tensor.Dense, error)
	// ConfigureCropping enables random cropping to the given spatial shape
	// and forces exactly one augmentation cycle.
	ConfigureCropping(shape []int)
}

// Config selects the augmentation effects of the default driver.
type Config struct {
	// Cycles is how many augmented copies of the input batch Run produces,
	// concatenated along the batch axis. Minimum 1.
	Cycles int
	// Brightness adds a random offset drawn from BrightnessRange, scaled by
	// the intensity range of the batch element.
	Brightness      bool
	BrightnessRange [2]float32
	// Contrast scales voxel distances from the element mean by a random
	// factor drawn from ContrastRange.
	Contrast      bool
	ContrastRange [2]float32
	// Gamma applies a power-law transform with exponent drawn from
	// GammaRange to the min-max normalized element.
	Gamma      bool
	GammaRange [2]float32
	// GaussianNoise adds zero-mean gaussian noise with NoiseStd deviation.
	GaussianNoise bool
	NoiseStd      float32
	// Cropping cuts one random CroppingShape-sized window per batch element.
	// The window offset is drawn uniformly over all valid positions along
	// each axis; this distribution is part of the driver's contract.
	Cropping      bool
	CroppingShape []int
	// Seed fixes the random source; 0 seeds from the clock.
	Seed int64
}

// Augmentor is the default Driver implementation.
type Augmentor struct {
	cfg Config
	rng *rand.Rand
}

// NewAugmentor creates a driver with the given effects.
func NewAugmentor(cfg Config) *Augmentor {
	if cfg.Cycles < 1 {
		cfg.Cycles = 1
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Augmentor{cfg: cfg, rng: rand.New(rand.NewSource(seed))}
}

// NewNoop creates a driver with every augmentation effect disabled. The
// splitter synthesizes one when patchwise cropping must happen without a
// caller-provided driver.
func NewNoop() *Augmentor {
	return NewAugmentor(Config{Cycles: 1})
}

// ConfigureCropping enables cropping to the given spatial shape with exactly
// one cycle.
func (a *Augmentor) ConfigureCropping(shape []int) {
	a.cfg.Cropping = true
	a.cfg.CroppingShape = append([]int{}, shape...)
	a.cfg.Cycles = 1
}

// Run applies training-mode augmentation.
//
// Arguments:
//   - img: The image batch (N, spatial..., C).
//   - seg: The segmentation batch with the same spatial shape, or nil.
//
// Returns:
//   - *tensor.Dense: The augmented image batch (N*Cycles elements).
//   - *tensor.Dense: The matching segmentation batch, nil if seg was nil.
//   - error: An error if cropping is enabled and an axis is smaller than
//     the crop shape.
func (a *Augmentor) Run(img, seg *tensor.Dense) (*tensor.Dense, *tensor.Dense, error) {
	var imgCycles, segCycles []*tensor.Dense
	for c := 0; c < a.cfg.Cycles; c++ {
		ci := volume.Clone(img)
		cs := volume.Clone(seg)
		if a.cfg.Cropping {
			var err error
			ci, cs, err = a.randomCrop(ci, cs)
			if err != nil {
				return nil, nil, err
			}
		}
		a.applyIntensity(ci)
		imgCycles = append(imgCycles, ci)
		if cs != nil {
			segCycles = append(segCycles, cs)
		}
	}
	outImg, err := concatBatches(imgCycles)
	if err != nil {
		return nil, nil, err
	}
	var outSeg *tensor.Dense
	if len(segCycles) > 0 {
		if outSeg, err = concatBatches(segCycles); err != nil {
			return nil, nil, err
		}
	}
	return outImg, outSeg, nil
}

// RunInference applies inference-time augmentation to the image batch. The
// default driver performs none and returns the batch unchanged; it never
// has a segmentation to alter.
func (a *Augmentor) RunInference(img *tensor.Dense) (*tensor.Dense, error) {
	return img, nil
}

// randomCrop cuts one uniformly placed window per batch element, applying
// the same offsets to image and segmentation.
func (a *Augmentor) randomCrop(img, seg *tensor.Dense) (*tensor.Dense, *tensor.Dense, error) {
	shape := img.Shape()
	r := len(a.cfg.CroppingShape)
	if len(shape) != r+2 {
		return nil, nil, fmt.Errorf("image batch rank %d does not fit crop shape %v", len(shape), a.cfg.CroppingShape)
	}
	offsets := make([][]int, shape[0])
	for n := range offsets {
		offsets[n] = make([]int, r)
		for ax := 0; ax < r; ax++ {
			dim := shape[ax+1]
			want := a.cfg.CroppingShape[ax]
			if dim < want {
				return nil, nil, fmt.Errorf("axis %d extent %d smaller than crop extent %d", ax, dim, want)
			}
			offsets[n][ax] = a.rng.Intn(dim - want + 1)
		}
	}
	ci, err := cropElements(img, a.cfg.CroppingShape, offsets)
	if err != nil {
		return nil, nil, err
	}
	if seg == nil {
		return ci, nil, nil
	}
	cs, err := cropElements(seg, a.cfg.CroppingShape, offsets)
	if err != nil {
		return nil, nil, err
	}
	return ci, cs, nil
}

// cropElements cuts a fixed-shape spatial window out of every batch element
// at per-element offsets.
func cropElements(batch *tensor.Dense, cropShape []int, offsets [][]int) (*tensor.Dense, error) {
	shape := batch.Shape()
	r := len(cropShape)
	outShape := make([]int, len(shape))
	outShape[0] = shape[0]
	outShape[len(shape)-1] = shape[len(shape)-1]
	copy(outShape[1:1+r], cropShape)

	src := volume.Data(batch)
	srcStrides := volume.Strides(shape)
	out := make([]float32, product(outShape))
	outStrides := volume.Strides(outShape)
	elemSize := product(outShape[1:])
	for n := 0; n < shape[0]; n++ {
		base := n * elemSize
		for i := 0; i < elemSize; i++ {
			rem := i
			j := n * srcStrides[0]
			for a := 1; a < len(shape); a++ {
				c := rem / outStrides[a]
				rem %= outStrides[a]
				if a <= r {
					c += offsets[n][a-1]
				}
				j += c * srcStrides[a]
			}
			out[base+i] = src[j]
		}
	}
	return tensor.New(tensor.WithShape(outShape...), tensor.WithBacking(out)), nil
}

// applyIntensity mutates the image batch in place, drawing independent
// parameters per batch element.
func (a *Augmentor) applyIntensity(img *tensor.Dense) {
	if !a.cfg.Brightness && !a.cfg.Contrast && !a.cfg.Gamma && !a.cfg.GaussianNoise {
		return
	}
	data := volume.Data(img)
	n := img.Shape()[0]
	elemSize := len(data) / n
	for e := 0; e < n; e++ {
		elem := data[e*elemSize : (e+1)*elemSize]
		lo, hi, mean := elemStats(elem)
		if a.cfg.Contrast {
			f := a.uniform(a.cfg.ContrastRange)
			for i := range elem {
				elem[i] = mean + (elem[i]-mean)*f
			}
		}
		if a.cfg.Gamma && hi > lo {
			g := a.uniform(a.cfg.GammaRange)
			span := hi - lo
			for i := range elem {
				elem[i] = math32.Pow((elem[i]-lo)/span, g)*span + lo
			}
		}
		if a.cfg.Brightness {
			d := a.uniform(a.cfg.BrightnessRange) * (hi - lo)
			for i := range elem {
				elem[i] += d
			}
		}
		if a.cfg.GaussianNoise {
			for i := range elem {
				elem[i] += float32(a.rng.NormFloat64()) * a.cfg.NoiseStd
			}
		}
	}
}

func (a *Augmentor) uniform(r [2]float32) float32 {
	return r[0] + a.rng.Float32()*(r[1]-r[0])
}

func elemStats(v []float32) (lo, hi, mean float32) {
	if len(v) == 0 {
		return 0, 0, 0
	}
	lo, hi = v[0], v[0]
	var sum float64
	for _, x := range v {
		lo = math32.Min(lo, x)
		hi = math32.Max(hi, x)
		sum += float64(x)
	}
	return lo, hi, float32(sum / float64(len(v)))
}

// concatBatches joins batches along the leading axis. All batches must share
// their trailing shape.
func concatBatches(batches []*tensor.Dense) (*tensor.Dense, error) {
	if len(batches) == 1 {
		return batches[0], nil
	}
	trailing := batches[0].Shape()[1:]
	total := 0
	for _, b := range batches {
		if !volume.SameShape(b.Shape()[1:], trailing) {
			return nil, fmt.Errorf("batch element shape %v differs from %v", b.Shape()[1:], trailing)
		}
		total += b.Shape()[0]
	}
	out := make([]float32, 0, total*product(trailing))
	for _, b := range batches {
		out = append(out, volume.Data(b)...)
	}
	shape := append([]int{total}, trailing...)
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(out)), nil
}

func product(dims []int) int {
	n := 1
	for _, d := range dims {
		n *= d
	}
	return n
}
