// Package processing - Sample transformation subfunctions: value transforms,
// combinatorial mirror augmentation, and patch-based sample splitting.
//
// A subfunction's preprocessing step mutates the sample in place before the
// network sees it; its postprocessing step transforms the network prediction
// back, undoing whatever the preprocessing step did to geometry. Value
// subfunctions (clipping, normalization) change voxel values only and leave
// predictions untouched on the way back.
package processing

import (
	"fmt"

	"github.com/chewxy/math32"
	"gonum.org/v1/gonum/stat"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-seg/samples"
	"github.com/nvr-ai/go-seg/volume"
)

// Subfunction is the shared contract for cardinality-preserving sample
// transformations.
type Subfunction interface {
	Preprocessing(s *samples.Sample, training bool) error
	Postprocessing(s *samples.Sample, pred *tensor.Dense) (*tensor.Dense, error)
}

// Clipping clamps image intensities to a fixed range.
type Clipping struct {
	Min float32
	Max float32
}

// NewClipping creates a clipping subfunction.
func NewClipping(min, max float32) (*Clipping, error) {
	if min > max {
		return nil, fmt.Errorf("clipping range [%v, %v] is inverted", min, max)
	}
	return &Clipping{Min: min, Max: max}, nil
}

// Preprocessing clamps the image in place. Segmentation is untouched.
func (c *Clipping) Preprocessing(s *samples.Sample, training bool) error {
	data := volume.Data(s.Image)
	for i := range data {
		data[i] = math32.Min(math32.Max(data[i], c.Min), c.Max)
	}
	return nil
}

// Postprocessing returns the prediction unchanged.
func (c *Clipping) Postprocessing(s *samples.Sample, pred *tensor.Dense) (*tensor.Dense, error) {
	return pred, nil
}

// NormalizationMode selects the normalization formula.
type NormalizationMode string

const (
	// NormalizationZScore centers to zero mean and unit variance.
	NormalizationZScore NormalizationMode = "z-score"
	// NormalizationMinMax rescales intensities to [0, 1].
	NormalizationMinMax NormalizationMode = "minmax"
)

// Normalization rescales image intensities sample-wide.
type Normalization struct {
	Mode NormalizationMode
}

// NewNormalization creates a normalization subfunction.
func NewNormalization(mode NormalizationMode) (*Normalization, error) {
	switch mode {
	case NormalizationZScore, NormalizationMinMax:
		return &Normalization{Mode: mode}, nil
	default:
		return nil, fmt.Errorf("unknown normalization mode %q", mode)
	}
}

// Preprocessing normalizes the image in place. Segmentation is untouched.
func (n *Normalization) Preprocessing(s *samples.Sample, training bool) error {
	data := volume.Data(s.Image)
	if len(data) == 0 {
		return nil
	}
	switch n.Mode {
	case NormalizationZScore:
		wide := make([]float64, len(data))
		for i, v := range data {
			wide[i] = float64(v)
		}
		mean, std := stat.MeanStdDev(wide, nil)
		if std == 0 {
			std = 1
		}
		for i := range data {
			data[i] = float32((wide[i] - mean) / std)
		}
	case NormalizationMinMax:
		lo, hi := data[0], data[0]
		for _, v := range data {
			lo = math32.Min(lo, v)
			hi = math32.Max(hi, v)
		}
		if hi == lo {
			for i := range data {
				data[i] = 0
			}
			return nil
		}
		span := hi - lo
		for i := range data {
			data[i] = (data[i] - lo) / span
		}
	}
	return nil
}

// Postprocessing returns the prediction unchanged.
func (n *Normalization) Postprocessing(s *samples.Sample, pred *tensor.Dense) (*tensor.Dense, error) {
	return pred, nil
}
