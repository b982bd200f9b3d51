package processing

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-seg/augment"
	"github.com/nvr-ai/go-seg/patch"
	"github.com/nvr-ai/go-seg/samples"
	"github.com/nvr-ai/go-seg/volume"
)

// Method selects the geometric splitting strategy.
type Method string

const (
	// MethodFullImage feeds the whole image as a batch of one.
	MethodFullImage Method = "fullimage"
	// MethodPatchwiseGrid tiles the image into an exhaustive patch grid.
	MethodPatchwiseGrid Method = "patchwise-grid"
	// MethodPatchwiseCrop draws one random patch per call during training.
	// Outside training it degrades to the grid strategy, since inference
	// must cover the whole image.
	MethodPatchwiseCrop Method = "patchwise-crop"
)

// SplitterConfig is the immutable construction-time configuration.
type SplitterConfig struct {
	// ThreeDim selects 3-D windowing over 2-D.
	ThreeDim bool
	// Method is the geometric strategy.
	Method Method
	// PatchShape is the target window shape, required for either patchwise
	// method, with one extent per spatial axis.
	PatchShape []int
	// PatchOverlap is the per-axis overlap between adjacent patches.
	// Defaults to zero overlap.
	PatchOverlap []int
	// SkipBlanks discards training patches whose segmentation holds only
	// the background class.
	SkipBlanks bool
	// SkipClass is the segmentation channel treated as background for
	// blank skipping.
	SkipClass int
	// Seed fixes the random source used by patchwise-crop; 0 seeds from
	// the clock.
	Seed int64
}

// Splitter converts a sample into one or more network-shaped batch tensors
// and reassembles patch predictions into the original image geometry. The
// strategy is fixed at construction and applied identically to every
// sample.
type Splitter struct {
	cfg      SplitterConfig
	strategy strategy
	aug      augment.Driver
	rng      *rand.Rand
}

// strategy is the closed set of geometric behaviors, one implementation per
// method.
type strategy interface {
	preprocess(sp *Splitter, s *samples.Sample, training bool) error
	postprocess(sp *Splitter, s *samples.Sample, pred *tensor.Dense) (*tensor.Dense, error)
}

// NewSplitter creates a splitter.
//
// Arguments:
//   - cfg: The strategy configuration. A patchwise method without a
//     patch shape of the right rank is a configuration error, as is an
//     unknown method or a malformed overlap.
//
// Returns:
//   - *Splitter: The splitter.
//   - error: A configuration error.
func NewSplitter(cfg SplitterConfig) (*Splitter, error) {
	rank := 2
	if cfg.ThreeDim {
		rank = 3
	}

	var strat strategy
	switch cfg.Method {
	case MethodFullImage:
		strat = fullImageStrategy{}
	case MethodPatchwiseGrid:
		strat = gridStrategy{}
	case MethodPatchwiseCrop:
		strat = cropStrategy{}
	default:
		return nil, fmt.Errorf("non-existent analysis method %q", cfg.Method)
	}

	if cfg.Method == MethodPatchwiseGrid || cfg.Method == MethodPatchwiseCrop {
		if len(cfg.PatchShape) != rank {
			return nil, fmt.Errorf("missing or wrong patch shape %v for patchwise analysis (want %d extents)",
				cfg.PatchShape, rank)
		}
		if cfg.PatchOverlap == nil {
			cfg.PatchOverlap = make([]int, rank)
		}
		if len(cfg.PatchOverlap) != rank {
			return nil, fmt.Errorf("patch overlap %v does not match patch shape rank %d", cfg.PatchOverlap, rank)
		}
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Splitter{cfg: cfg, strategy: strat, rng: rand.New(rand.NewSource(seed))}, nil
}

// SetDataAugmentation binds the augmentation driver. The driver is late
// bound because it may depend on configuration resolved after the splitter
// is constructed.
func (sp *Splitter) SetDataAugmentation(d augment.Driver) {
	sp.aug = d
}

// Preprocessing converts the sample's tensors into batch shape according to
// the configured strategy, recording reconstruction bookkeeping on the
// sample when patches will need reassembly.
func (sp *Splitter) Preprocessing(s *samples.Sample, training bool) error {
	return sp.strategy.preprocess(sp, s, training)
}

// Postprocessing converts a network prediction back into the sample's
// original geometry, consuming the bookkeeping recorded by the matching
// Preprocessing call.
func (sp *Splitter) Postprocessing(s *samples.Sample, pred *tensor.Dense) (*tensor.Dense, error) {
	return sp.strategy.postprocess(sp, s, pred)
}

// fullImageStrategy feeds the whole image as a single-element batch and
// strips the batch axis on the way back. No cropping, no padding, no
// bookkeeping.
type fullImageStrategy struct{}

func (fullImageStrategy) preprocess(sp *Splitter, s *samples.Sample, training bool) error {
	img := volume.ExpandBatch(s.Image)
	var seg *tensor.Dense
	if training && s.Segmentation != nil {
		seg = volume.ExpandBatch(s.Segmentation)
	}

	var err error
	if sp.aug != nil && training {
		if img, seg, err = sp.aug.Run(img, seg); err != nil {
			return errors.Wrap(err, "data augmentation failed")
		}
	} else if sp.aug != nil && !training {
		if img, err = sp.aug.RunInference(img); err != nil {
			return errors.Wrap(err, "inference augmentation failed")
		}
	}

	s.Image = img
	if training {
		s.Segmentation = seg
	}
	return nil
}

func (fullImageStrategy) postprocess(sp *Splitter, s *samples.Sample, pred *tensor.Dense) (*tensor.Dense, error) {
	return volume.SqueezeBatch(pred)
}

// gridStrategy tiles the image into a deterministic, exhaustive patch grid.
type gridStrategy struct{}

func (gridStrategy) preprocess(sp *Splitter, s *samples.Sample, training bool) error {
	originalShape := spatialShape(s.Image, sp.cfg.ThreeDim)

	patchesImg, err := patch.Slice(s.Image, sp.cfg.PatchShape, sp.cfg.PatchOverlap, sp.cfg.ThreeDim)
	if err != nil {
		return errors.Wrap(err, "slicing image")
	}
	var patchesSeg []*tensor.Dense
	if training {
		if s.Segmentation == nil {
			return fmt.Errorf("training split of sample %d without segmentation data", s.Index)
		}
		if patchesSeg, err = patch.Slice(s.Segmentation, sp.cfg.PatchShape, sp.cfg.PatchOverlap, sp.cfg.ThreeDim); err != nil {
			return errors.Wrap(err, "slicing segmentation")
		}
	}

	if training && sp.cfg.SkipBlanks {
		patchesImg, patchesSeg, err = filterBlanks(patchesImg, patchesSeg, sp.cfg.SkipClass)
		if err != nil {
			return err
		}
	}

	img, err := volume.Stack(patchesImg)
	if err != nil {
		return errors.Wrap(err, "stacking image patches")
	}
	var seg *tensor.Dense
	if training {
		if seg, err = volume.Stack(patchesSeg); err != nil {
			return errors.Wrap(err, "stacking segmentation patches")
		}
	}

	// The stacked spatial shape falls short of the patch shape only when the
	// image itself is smaller than the window along some axis. Training can
	// pad without remembering how; inference must remember the inverse crop.
	var slicer *patch.Slicer
	stackedSpatial := img.Shape()[1 : 1+len(sp.cfg.PatchShape)]
	if !volume.SameShape(stackedSpatial, sp.cfg.PatchShape) {
		if training {
			if img, _, err = patch.Pad(img, sp.cfg.PatchShape); err != nil {
				return errors.Wrap(err, "padding image patches")
			}
			if seg, _, err = patch.Pad(seg, sp.cfg.PatchShape); err != nil {
				return errors.Wrap(err, "padding segmentation patches")
			}
		} else {
			if img, slicer, err = patch.Pad(img, sp.cfg.PatchShape); err != nil {
				return errors.Wrap(err, "padding image patches")
			}
		}
	}

	if !training {
		s.StoreReconstruction(originalShape, slicer)
	}

	if sp.aug != nil && training {
		if img, seg, err = sp.aug.Run(img, seg); err != nil {
			return errors.Wrap(err, "data augmentation failed")
		}
	} else if sp.aug != nil && !training {
		if img, err = sp.aug.RunInference(img); err != nil {
			return errors.Wrap(err, "inference augmentation failed")
		}
	}

	s.Image = img
	s.Segmentation = seg
	return nil
}

func (gridStrategy) postprocess(sp *Splitter, s *samples.Sample, pred *tensor.Dense) (*tensor.Dense, error) {
	return reassemble(sp, s, pred)
}

// cropStrategy produces exactly one random patch per call. It is a
// training-only strategy: the preprocessing dispatch falls back to the grid
// for inference, and its own postprocess path therefore shares the grid's
// reassembly.
type cropStrategy struct{}

func (cropStrategy) preprocess(sp *Splitter, s *samples.Sample, training bool) error {
	if !training {
		return gridStrategy{}.preprocess(sp, s, false)
	}
	if s.Segmentation == nil {
		return fmt.Errorf("patchwise-crop split of sample %d without segmentation data", s.Index)
	}

	if sp.cfg.SkipBlanks {
		patchesImg, err := patch.Slice(s.Image, sp.cfg.PatchShape, sp.cfg.PatchOverlap, sp.cfg.ThreeDim)
		if err != nil {
			return errors.Wrap(err, "slicing image")
		}
		patchesSeg, err := patch.Slice(s.Segmentation, sp.cfg.PatchShape, sp.cfg.PatchOverlap, sp.cfg.ThreeDim)
		if err != nil {
			return errors.Wrap(err, "slicing segmentation")
		}
		if patchesImg, patchesSeg, err = filterBlanks(patchesImg, patchesSeg, sp.cfg.SkipClass); err != nil {
			return err
		}

		// Draw one uniformly-random surviving patch and promote it to a
		// batch of one.
		pick := sp.rng.Intn(len(patchesImg))
		img := volume.ExpandBatch(patchesImg[pick])
		seg := volume.ExpandBatch(patchesSeg[pick])

		stackedSpatial := img.Shape()[1 : 1+len(sp.cfg.PatchShape)]
		if !volume.SameShape(stackedSpatial, sp.cfg.PatchShape) {
			if img, _, err = patch.Pad(img, sp.cfg.PatchShape); err != nil {
				return errors.Wrap(err, "padding image patch")
			}
			if seg, _, err = patch.Pad(seg, sp.cfg.PatchShape); err != nil {
				return errors.Wrap(err, "padding segmentation patch")
			}
		}

		if sp.aug != nil {
			if img, seg, err = sp.aug.Run(img, seg); err != nil {
				return errors.Wrap(err, "data augmentation failed")
			}
		}
		s.Image = img
		s.Segmentation = seg
		return nil
	}

	// Without blank skipping the windowing is skipped entirely and cropping
	// is delegated to the augmentation driver, synthesizing a no-op driver
	// when none is configured so the crop still occurs.
	driver := sp.aug
	if driver == nil {
		driver = augment.NewNoop()
	}
	driver.ConfigureCropping(sp.cfg.PatchShape)

	img := volume.ExpandBatch(s.Image)
	seg := volume.ExpandBatch(s.Segmentation)
	img, seg, err := driver.Run(img, seg)
	if err != nil {
		return errors.Wrap(err, "delegated random crop failed")
	}
	s.Image = img
	s.Segmentation = seg
	return nil
}

func (cropStrategy) postprocess(sp *Splitter, s *samples.Sample, pred *tensor.Dense) (*tensor.Dense, error) {
	return reassemble(sp, s, pred)
}

// reassemble is the shared patchwise postprocessing path: undo recorded
// padding, then concatenate patch predictions into the original spatial
// shape. The bookkeeping is consumed exactly once; a second call for the
// same sample, or a call without a matching preprocessing call, fails.
func reassemble(sp *Splitter, s *samples.Sample, pred *tensor.Dense) (*tensor.Dense, error) {
	originalShape, slicer, err := s.TakeReconstruction()
	if err != nil {
		return nil, err
	}
	if slicer != nil {
		if pred, err = patch.Crop(pred, slicer); err != nil {
			return nil, errors.Wrap(err, "cropping prediction padding")
		}
	}
	out, err := patch.Concat(pred, originalShape, sp.cfg.PatchShape, sp.cfg.PatchOverlap, sp.cfg.ThreeDim)
	if err != nil {
		return nil, errors.Wrap(err, "concatenating patch predictions")
	}
	return out, nil
}

// filterBlanks drops patches whose segmentation holds no foreground voxel,
// keeping image and segmentation lists in lock step. A patch is blank when
// every voxel's background-class channel equals 1.
func filterBlanks(img, seg []*tensor.Dense, skipClass int) ([]*tensor.Dense, []*tensor.Dense, error) {
	keptImg := img[:0:0]
	keptSeg := seg[:0:0]
	for i := range seg {
		if !isBlank(seg[i], skipClass) {
			keptImg = append(keptImg, img[i])
			keptSeg = append(keptSeg, seg[i])
		}
	}
	if len(keptImg) == 0 {
		return nil, nil, fmt.Errorf("every patch is blank for skip class %d", skipClass)
	}
	return keptImg, keptSeg, nil
}

// isBlank reports whether the background-class channel is 1 at every
// spatial position of a one-hot segmentation patch.
func isBlank(seg *tensor.Dense, skipClass int) bool {
	shape := seg.Shape()
	channels := shape[len(shape)-1]
	if skipClass < 0 || skipClass >= channels {
		return false
	}
	data := volume.Data(seg)
	for i := skipClass; i < len(data); i += channels {
		if data[i] != 1 {
			return false
		}
	}
	return true
}

// spatialShape extracts the spatial extents of an unbatched image.
func spatialShape(img *tensor.Dense, threeDim bool) []int {
	r := 2
	if threeDim {
		r = 3
	}
	shape := img.Shape()
	if len(shape) < r {
		r = len(shape)
	}
	return append([]int{}, shape[:r]...)
}
