// Package samples - The unit of image data flowing through the pipeline.
package samples

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-seg/patch"
	"github.com/nvr-ai/go-seg/volume"
)

// ErrNoReconstruction is returned when postprocessing is invoked for a
// sample whose reconstruction bookkeeping was never written, or was already
// consumed by an earlier postprocessing call.
var ErrNoReconstruction = errors.New("no reconstruction bookkeeping recorded for sample")

// Meta carries reconstruction instructions from a preprocessing call to the
// matching postprocessing call on the same sample. One explicit optional
// field per concern; a nil field means the concern does not apply.
type Meta struct {
	// Mirroring lists the axis indices flipped to produce this sample. A nil
	// slice means the sample was never tagged by the mirror augmenter; a
	// non-nil empty slice is the empty flip subset (the unmodified variant
	// emitted by combinatorial mirroring).
	Mirroring []int
	// PadSlicer undoes batch padding applied at inference time. Nil when no
	// padding was applied.
	PadSlicer *patch.Slicer
	// OriginalShape is the pre-split, pre-pad spatial shape, required to
	// reassemble patch predictions. Nil until a patchwise preprocessing call
	// records it; cleared again when postprocessing consumes it.
	OriginalShape []int
}

// Sample is one image/segmentation pair passed by reference through the
// pipeline. Each subfunction's preprocessing step mutates the tensors in
// place; metadata travels with the sample so that preprocessing and
// postprocessing stay correctly paired even when many derived samples are
// produced from one input and processed out of order.
//
// A sample is not safe for concurrent use by multiple goroutines except for
// the reconstruction handoff, which is serialized internally.
type Sample struct {
	// Index is the stable identity correlating this sample's preprocessing
	// state with its later postprocessing call.
	Index int
	// Image is the imaging data, (spatial..., C) before splitting and
	// (N, spatial..., C) after.
	Image *tensor.Dense
	// Segmentation is the ground-truth data with the same spatial shape as
	// Image. Nil at pure-inference time.
	Segmentation *tensor.Dense
	// Meta is the typed metadata side channel.
	Meta Meta

	mu sync.Mutex
}

// New creates a sample and validates that image and segmentation agree on
// their spatial shape.
//
// Arguments:
//   - index: The stable sample identity.
//   - img: The image tensor, (spatial..., C).
//   - seg: The segmentation tensor, or nil when no ground truth exists.
//
// Returns:
//   - *Sample: The sample.
//   - error: An error if both tensors are present with diverging spatial
//     shapes.
func New(index int, img, seg *tensor.Dense) (*Sample, error) {
	if img == nil {
		return nil, errors.New("sample requires an image tensor")
	}
	if seg != nil {
		is, ss := img.Shape(), seg.Shape()
		if len(is) != len(ss) || !volume.SameShape(is[:len(is)-1], ss[:len(ss)-1]) {
			return nil, fmt.Errorf("segmentation spatial shape %v does not match image %v", ss, is)
		}
	}
	return &Sample{Index: index, Image: img, Segmentation: seg}, nil
}

// Clone produces a structural copy with independent tensors. Metadata is
// copied by value; reconstruction bookkeeping is deliberately not shared
// between a sample and its clones.
func (s *Sample) Clone() *Sample {
	c := &Sample{
		Index:        s.Index,
		Image:        volume.Clone(s.Image),
		Segmentation: volume.Clone(s.Segmentation),
	}
	if s.Meta.Mirroring != nil {
		c.Meta.Mirroring = append([]int{}, s.Meta.Mirroring...)
	}
	if s.Meta.OriginalShape != nil {
		c.Meta.OriginalShape = append([]int{}, s.Meta.OriginalShape...)
	}
	c.Meta.PadSlicer = s.Meta.PadSlicer
	return c
}

// StoreReconstruction records the original spatial shape and the optional
// padding-inverse slicer for later reassembly. Exactly one postprocessing
// call may consume the record via TakeReconstruction.
func (s *Sample) StoreReconstruction(originalShape []int, slicer *patch.Slicer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Meta.OriginalShape = append([]int{}, originalShape...)
	s.Meta.PadSlicer = slicer
}

// TakeReconstruction consumes the recorded reconstruction bookkeeping.
//
// Returns:
//   - []int: The original spatial shape recorded during preprocessing.
//   - *patch.Slicer: The padding-inverse slicer, or nil if no padding was
//     applied.
//   - error: ErrNoReconstruction if nothing was recorded, or if the record
//     was already consumed.
func (s *Sample) TakeReconstruction() ([]int, *patch.Slicer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Meta.OriginalShape == nil {
		return nil, nil, errors.WithMessagef(ErrNoReconstruction, "sample %d", s.Index)
	}
	shape := s.Meta.OriginalShape
	slicer := s.Meta.PadSlicer
	s.Meta.OriginalShape = nil
	s.Meta.PadSlicer = nil
	return shape, slicer, nil
}
