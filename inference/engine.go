// Package inference - The network collaborator behind the segmentation
// pipeline: a narrow batch-in, batch-out prediction contract and an ONNX
// Runtime implementation of it.
package inference

import (
	"context"

	"gorgonia.org/tensor"
)

// Engine runs a segmentation network over a batch tensor. The pipeline
// feeds it (N, spatial..., C) image batches and expects a prediction batch
// with identical leading and spatial extents; the channel extent is the
// model's class count.
type Engine interface {
	Predict(ctx context.Context, batch *tensor.Dense) (*tensor.Dense, error)
	Close() error
}
