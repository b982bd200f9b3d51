// Package pipeline - End-to-end inference orchestration: value
// subfunctions, mirror expansion, sample splitting, the network, and the
// inverse path back to full-image predictions.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-seg/inference"
	"github.com/nvr-ai/go-seg/internal/logging"
	"github.com/nvr-ai/go-seg/processing"
	"github.com/nvr-ai/go-seg/samples"
	"github.com/nvr-ai/go-seg/volume"
)

// Runner wires the preprocessing chain around an inference engine.
//
// Control flow per sample: value subfunctions → mirror expansion → splitter
// → engine → splitter inverse → mirror inverse. Predict returns one
// prediction per mirror variant; merging across variants is the caller's
// decision (see MergeMean).
type Runner struct {
	// Subfunctions are value transforms applied before mirroring, in order.
	Subfunctions []processing.Subfunction
	// Mirroring expands the sample into flip variants. Nil disables
	// test-time mirroring.
	Mirroring *processing.Mirroring
	// Splitter converts each variant into network batches. Required.
	Splitter *processing.Splitter
	// Engine is the network. Required.
	Engine inference.Engine
}

// Predict runs the full inference path for one sample.
//
// Arguments:
//   - ctx: Cancellation for the engine calls.
//   - s: The sample to predict. Its tensors are mutated by preprocessing.
//
// Returns:
//   - []*tensor.Dense: One full-geometry prediction per mirror variant, in
//     the mirror augmenter's emission order (a single element when
//     mirroring is disabled).
//   - error: The first error along the path.
func (r *Runner) Predict(ctx context.Context, s *samples.Sample) ([]*tensor.Dense, error) {
	if r.Splitter == nil || r.Engine == nil {
		return nil, errors.New("pipeline runner requires a splitter and an engine")
	}
	start := time.Now()

	for _, sf := range r.Subfunctions {
		if err := sf.Preprocessing(s, false); err != nil {
			return nil, errors.Wrap(err, "subfunction preprocessing")
		}
	}

	variants := []*samples.Sample{s}
	if r.Mirroring != nil {
		var err error
		if variants, err = r.Mirroring.Preprocessing(s); err != nil {
			return nil, errors.Wrap(err, "mirror expansion")
		}
	}

	preds := make([]*tensor.Dense, 0, len(variants))
	for _, v := range variants {
		if err := r.Splitter.Preprocessing(v, false); err != nil {
			return nil, errors.Wrapf(err, "splitting sample %d", v.Index)
		}
		out, err := r.Engine.Predict(ctx, v.Image)
		if err != nil {
			return nil, errors.Wrapf(err, "predicting sample %d", v.Index)
		}
		pred, err := r.Splitter.Postprocessing(v, out)
		if err != nil {
			return nil, errors.Wrapf(err, "reassembling sample %d", v.Index)
		}
		if r.Mirroring != nil {
			if pred, err = r.Mirroring.Postprocessing(v, pred); err != nil {
				return nil, errors.Wrapf(err, "unmirroring sample %d", v.Index)
			}
		}
		for i := len(r.Subfunctions) - 1; i >= 0; i-- {
			if pred, err = r.Subfunctions[i].Postprocessing(v, pred); err != nil {
				return nil, errors.Wrap(err, "subfunction postprocessing")
			}
		}
		preds = append(preds, pred)
	}

	logging.L().Debug("sample predicted",
		"sample", s.Index,
		"variants", len(variants),
		"elapsed", time.Since(start))
	return preds, nil
}

// MergeMean averages predictions from multiple mirror variants of the same
// original sample into one. All predictions must share one shape.
//
// Arguments:
//   - preds: The inverted per-variant predictions.
//
// Returns:
//   - *tensor.Dense: The voxel-wise mean.
//   - error: An error if the list is empty or shapes diverge.
func MergeMean(preds []*tensor.Dense) (*tensor.Dense, error) {
	if len(preds) == 0 {
		return nil, fmt.Errorf("no predictions to merge")
	}
	if len(preds) == 1 {
		return preds[0], nil
	}
	shape := preds[0].Shape()
	acc := make([]float64, len(volume.Data(preds[0])))
	for _, p := range preds {
		if !volume.SameShape(p.Shape(), shape) {
			return nil, fmt.Errorf("prediction shape %v differs from %v", p.Shape(), shape)
		}
		for i, v := range volume.Data(p) {
			acc[i] += float64(v)
		}
	}
	out := make([]float32, len(acc))
	n := float64(len(preds))
	for i, v := range acc {
		out[i] = float32(v / n)
	}
	return tensor.New(tensor.WithShape([]int(shape)...), tensor.WithBacking(out)), nil
}
