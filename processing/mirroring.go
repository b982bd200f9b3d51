package processing

import (
	"sort"

	"gonum.org/v1/gonum/stat/combin"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-seg/internal/logging"
	"github.com/nvr-ai/go-seg/samples"
	"github.com/nvr-ai/go-seg/volume"
)

// growthWarnThreshold is the number of participating mirror axes beyond
// which combinatorial expansion is almost certainly a misconfiguration
// (e.g. a channel axis flagged alongside the spatial axes).
const growthWarnThreshold = 3

// Mirroring expands one sample into axis-flipped variants and inverts the
// recorded flip on each corresponding prediction. It performs no merging
// across variants; a caller who wants a single prediction per original
// sample must combine the inverted variants itself.
type Mirroring struct {
	axisFlags []bool
	combine   bool
}

// NewMirroring creates a mirror augmenter.
//
// Arguments:
//   - axisFlags: Per-axis participation flags. A list shorter than the image
//     rank leaves the unspecified trailing axes unmirrored; a longer list is
//     truncated to the rank at preprocessing time.
//   - combine: Whether to enumerate every subset of the flagged axes rather
//     than only single-axis flips.
//
// Returns:
//   - *Mirroring: The augmenter.
func NewMirroring(axisFlags []bool, combine bool) *Mirroring {
	flags := append([]bool{}, axisFlags...)
	return &Mirroring{axisFlags: flags, combine: combine}
}

// axes resolves the sorted participating axis indices for an image rank.
func (m *Mirroring) axes(rank int) []int {
	var out []int
	for i, on := range m.axisFlags {
		if i >= rank {
			break
		}
		if on {
			out = append(out, i)
		}
	}
	sort.Ints(out)
	return out
}

// Preprocessing expands a sample into its mirrored variants.
//
// With combining disabled the original sample is emitted first, untagged,
// followed by one clone per participating axis tagged with that single axis.
// With combining enabled one clone is emitted per subset of the
// participating axes, ordered by increasing subset size and lexicographic
// index order within each size (the empty subset first, tagged with an empty
// axis list), 2^k variants in total. Segmentation, when present, is flipped
// identically to the image.
//
// Arguments:
//   - s: The sample to expand.
//
// Returns:
//   - []*samples.Sample: The ordered variants.
//   - error: An error if flipping fails.
func (m *Mirroring) Preprocessing(s *samples.Sample) ([]*samples.Sample, error) {
	rank := len(s.Image.Shape())
	axes := m.axes(rank)

	if len(axes) > growthWarnThreshold && m.combine {
		logging.L().Warn("combinatorial mirroring over more axes than spatial dimensions",
			"axes", len(axes),
			"variants_per_sample", 1<<len(axes))
	}

	if !m.combine {
		results := make([]*samples.Sample, 0, 1+len(axes))
		results = append(results, s)
		for _, a := range axes {
			v, err := m.flipSample(s, []int{a})
			if err != nil {
				return nil, err
			}
			results = append(results, v)
		}
		return results, nil
	}

	results := make([]*samples.Sample, 0, 1<<len(axes))
	for k := 0; k <= len(axes); k++ {
		for _, idxs := range subsetsOfSize(len(axes), k) {
			subset := make([]int, 0, k)
			for _, i := range idxs {
				subset = append(subset, axes[i])
			}
			v, err := m.flipSample(s, subset)
			if err != nil {
				return nil, err
			}
			results = append(results, v)
		}
	}
	return results, nil
}

// subsetsOfSize enumerates the k-element index subsets of {0..n-1} in
// lexicographic order.
func subsetsOfSize(n, k int) [][]int {
	if k == 0 {
		return [][]int{{}}
	}
	if k > n {
		return nil
	}
	return combin.Combinations(n, k)
}

// flipSample clones the sample and flips image and segmentation along the
// given axes, tagging the clone with the flip list.
func (m *Mirroring) flipSample(s *samples.Sample, axes []int) (*samples.Sample, error) {
	v := s.Clone()
	img, err := volume.Flip(v.Image, axes)
	if err != nil {
		return nil, err
	}
	v.Image = img
	if v.Segmentation != nil {
		seg, err := volume.Flip(v.Segmentation, axes)
		if err != nil {
			return nil, err
		}
		v.Segmentation = seg
	}
	v.Meta.Mirroring = axes
	return v, nil
}

// Postprocessing inverts the flip recorded on the sample. Mirroring is self
// inverse, so the prediction is flipped along exactly the recorded axes; an
// untagged sample's prediction is returned unchanged. No averaging or
// voting across variants happens here.
//
// Arguments:
//   - s: The sample the prediction belongs to.
//   - pred: The prediction with the sample's (possibly flipped) geometry.
//
// Returns:
//   - *tensor.Dense: The prediction in original orientation.
//   - error: An error if a recorded axis is out of range for the prediction.
func (m *Mirroring) Postprocessing(s *samples.Sample, pred *tensor.Dense) (*tensor.Dense, error) {
	if s.Meta.Mirroring == nil {
		return pred, nil
	}
	return volume.Flip(pred, s.Meta.Mirroring)
}
