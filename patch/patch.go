// Package patch - Fixed-shape windowing of volumetric images.
//
// Slice cuts an image of shape (spatial..., C) into an ordered sequence of
// windows; Concat is its left inverse, reassembling window-wise predictions
// into the original spatial shape. Pad and Crop handle images smaller than
// the window shape at the batch level, with an invertible Slicer.
//
// Window ordering is row-major over the step grid and is the contract Concat
// depends on: a snapshot sliced and concatenated with the same parameters
// reproduces the original image.
package patch

import (
	"fmt"

	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-seg/volume"
)

// Slicer records the crop region that exactly undoes a Pad call. Start and
// End are bounds over the spatial axes of a batch tensor (N, spatial..., C);
// the batch and channel axes are never padded and never cropped.
type Slicer struct {
	Start []int
	End   []int
}

// spatialRank returns the number of spatial axes for the dimensionality flag.
func spatialRank(threeDim bool) int {
	if threeDim {
		return 3
	}
	return 2
}

// gridSteps computes the number of windows along each spatial axis.
//
// The step count is ceil((dim - overlap) / stride) with stride =
// window - overlap, and at least 1. Windows past the boundary are truncated
// by Slice and padded back to full window shape when stacked, so a
// non-divisible image is effectively covered out to the next stride
// multiple.
func gridSteps(dims, window, overlap []int) []int {
	steps := make([]int, len(dims))
	for a := range dims {
		stride := window[a] - overlap[a]
		n := dims[a] - overlap[a]
		steps[a] = (n + stride - 1) / stride
		if steps[a] < 1 {
			steps[a] = 1
		}
	}
	return steps
}

func validateGrid(spatial, window, overlap []int, threeDim bool) error {
	r := spatialRank(threeDim)
	if len(spatial) != r {
		return fmt.Errorf("image has %d spatial axes, want %d", len(spatial), r)
	}
	if len(window) != r {
		return fmt.Errorf("window rank %d does not match spatial rank %d", len(window), r)
	}
	if len(overlap) != r {
		return fmt.Errorf("overlap rank %d does not match spatial rank %d", len(overlap), r)
	}
	for a := range window {
		if window[a] < 1 {
			return fmt.Errorf("window extent %d on axis %d is not positive", window[a], a)
		}
		if overlap[a] < 0 || overlap[a] >= window[a] {
			return fmt.Errorf("overlap %d on axis %d must be in [0, %d)", overlap[a], a, window[a])
		}
	}
	return nil
}

// Slice cuts an image into an ordered sequence of windows.
//
// Arguments:
//   - img: The image of shape (spatial..., C).
//   - window: Per-axis window extents, one per spatial axis.
//   - overlap: Shared voxels between adjacent windows per axis.
//   - threeDim: Whether the image has 3 spatial axes (2 otherwise).
//
// Returns:
//   - []*tensor.Dense: The windows in row-major step order. Windows at the
//     image boundary may be smaller than the window shape.
//   - error: An error if ranks or extents are invalid.
func Slice(img *tensor.Dense, window, overlap []int, threeDim bool) ([]*tensor.Dense, error) {
	shape := img.Shape()
	r := spatialRank(threeDim)
	if len(shape) != r+1 {
		return nil, fmt.Errorf("image rank %d, want %d spatial axes plus a channel axis", len(shape), r)
	}
	spatial := shape[:r]
	if err := validateGrid(spatial, window, overlap, threeDim); err != nil {
		return nil, err
	}

	channels := shape[r]
	steps := gridSteps(spatial, window, overlap)
	total := 1
	for _, s := range steps {
		total *= s
	}

	src := volume.Data(img)
	srcStrides := volume.Strides(shape)
	patches := make([]*tensor.Dense, 0, total)
	idx := make([]int, r)
	for {
		start := make([]int, r)
		end := make([]int, r)
		cutShape := make([]int, r+1)
		for a := 0; a < r; a++ {
			start[a] = idx[a] * (window[a] - overlap[a])
			end[a] = start[a] + window[a]
			if end[a] > spatial[a] {
				end[a] = spatial[a]
			}
			cutShape[a] = end[a] - start[a]
		}
		cutShape[r] = channels
		patches = append(patches, cut(src, srcStrides, start, cutShape))

		// Advance the row-major step index.
		a := r - 1
		for ; a >= 0; a-- {
			idx[a]++
			if idx[a] < steps[a] {
				break
			}
			idx[a] = 0
		}
		if a < 0 {
			break
		}
	}
	return patches, nil
}

// cut copies the sub-block starting at the given spatial offsets out of a
// row-major source array.
func cut(src []float32, srcStrides []int, start, shape []int) *tensor.Dense {
	out := make([]float32, prod(shape))
	outStrides := volume.Strides(shape)
	r := len(start)
	coords := make([]int, len(shape))
	for i := range out {
		rem := i
		j := 0
		for a := range shape {
			coords[a] = rem / outStrides[a]
			rem %= outStrides[a]
			c := coords[a]
			if a < r {
				c += start[a]
			}
			j += c * srcStrides[a]
		}
		out[i] = src[j]
	}
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(out))
}

func prod(dims []int) int {
	n := 1
	for _, d := range dims {
		n *= d
	}
	return n
}

// Concat reassembles window-wise predictions into a full image.
//
// The batch must hold exactly one prediction per window that Slice would
// emit for targetShape with the same parameters, in the same order. Voxels
// a window contributes beyond targetShape (the padded boundary overhang)
// are discarded; voxels covered by more than one window (overlap) are
// mean-blended. With zero overlap and an exactly divisible image the result
// is bit-identical to the sliced source.
//
// Arguments:
//   - batch: The patch predictions of shape (N, patch-spatial..., C).
//   - targetShape: The original spatial shape to reconstruct.
//   - window: The window extents used to slice.
//   - overlap: The overlap used to slice.
//   - threeDim: The dimensionality flag used to slice.
//
// Returns:
//   - *tensor.Dense: The reconstructed image of shape (targetShape..., C).
//   - error: An error if the patch count does not match the step grid.
func Concat(batch *tensor.Dense, targetShape, window, overlap []int, threeDim bool) (*tensor.Dense, error) {
	r := spatialRank(threeDim)
	shape := batch.Shape()
	if len(shape) != r+2 {
		return nil, fmt.Errorf("patch batch rank %d, want batch axis + %d spatial axes + channel axis", len(shape), r)
	}
	if err := validateGrid(targetShape, window, overlap, threeDim); err != nil {
		return nil, err
	}
	steps := gridSteps(targetShape, window, overlap)
	if n := prod(steps); shape[0] != n {
		return nil, fmt.Errorf("patch count %d does not match the %v step grid (%d windows)", shape[0], steps, n)
	}

	channels := shape[r+1]
	patchSpatial := shape[1 : r+1]
	outShape := append(append([]int{}, targetShape...), channels)
	sum := make([]float32, prod(outShape))
	count := make([]uint16, len(sum))
	outStrides := volume.Strides(outShape)

	src := volume.Data(batch)
	patchShape := append(append([]int{}, patchSpatial...), channels)
	patchStrides := volume.Strides(patchShape)
	patchSize := prod(patchShape)

	idx := make([]int, r)
	coords := make([]int, r+1)
	for n := 0; n < shape[0]; n++ {
		base := n * patchSize
	voxels:
		for i := 0; i < patchSize; i++ {
			rem := i
			j := 0
			for a := range patchShape {
				coords[a] = rem / patchStrides[a]
				rem %= patchStrides[a]
				c := coords[a]
				if a < r {
					c += idx[a] * (window[a] - overlap[a])
					if c >= targetShape[a] {
						continue voxels
					}
				}
				j += c * outStrides[a]
			}
			sum[j] += src[base+i]
			count[j]++
		}

		a := r - 1
		for ; a >= 0; a-- {
			idx[a]++
			if idx[a] < steps[a] {
				break
			}
			idx[a] = 0
		}
	}

	for j := range sum {
		if count[j] > 1 {
			sum[j] /= float32(count[j])
		}
	}
	return tensor.New(tensor.WithShape(outShape...), tensor.WithBacking(sum)), nil
}

// Pad grows the spatial axes of a patch batch up to the window shape with
// centered zero padding, returning the Slicer that exactly undoes it.
//
// Arguments:
//   - batch: The batch of shape (N, spatial..., C).
//   - window: Target per-axis spatial extents.
//
// Returns:
//   - *tensor.Dense: The padded batch of shape (N, window..., C).
//   - *Slicer: The crop region holding the original data.
//   - error: An error if the batch rank does not match the window rank.
func Pad(batch *tensor.Dense, window []int) (*tensor.Dense, *Slicer, error) {
	shape := batch.Shape()
	r := len(window)
	if len(shape) != r+2 {
		return nil, nil, fmt.Errorf("batch rank %d, want batch axis + %d spatial axes + channel axis", len(shape), r)
	}

	outShape := make([]int, len(shape))
	outShape[0] = shape[0]
	outShape[len(shape)-1] = shape[len(shape)-1]
	slicer := &Slicer{Start: make([]int, r), End: make([]int, r)}
	for a := 0; a < r; a++ {
		dim := shape[a+1]
		target := window[a]
		if target < dim {
			target = dim
		}
		before := (target - dim) / 2
		outShape[a+1] = target
		slicer.Start[a] = before
		slicer.End[a] = before + dim
	}

	src := volume.Data(batch)
	srcStrides := volume.Strides(shape)
	out := make([]float32, prod(outShape))
	outStrides := volume.Strides(outShape)
	coords := make([]int, len(shape))
	for i := range src {
		rem := i
		j := 0
		for a := range shape {
			coords[a] = rem / srcStrides[a]
			rem %= srcStrides[a]
			c := coords[a]
			if a >= 1 && a <= r {
				c += slicer.Start[a-1]
			}
			j += c * outStrides[a]
		}
		out[j] = src[i]
	}
	return tensor.New(tensor.WithShape(outShape...), tensor.WithBacking(out)), slicer, nil
}

// Crop applies a Slicer previously returned by Pad, restoring the original
// spatial extents of a batch.
//
// Arguments:
//   - batch: The padded batch of shape (N, spatial..., C).
//   - slicer: The crop region returned by Pad.
//
// Returns:
//   - *tensor.Dense: The cropped batch.
//   - error: An error if the slicer is out of bounds for the batch.
func Crop(batch *tensor.Dense, slicer *Slicer) (*tensor.Dense, error) {
	shape := batch.Shape()
	r := len(slicer.Start)
	if len(shape) != r+2 {
		return nil, fmt.Errorf("batch rank %d, want batch axis + %d spatial axes + channel axis", len(shape), r)
	}

	outShape := make([]int, len(shape))
	outShape[0] = shape[0]
	outShape[len(shape)-1] = shape[len(shape)-1]
	start := make([]int, len(shape))
	for a := 0; a < r; a++ {
		if slicer.Start[a] < 0 || slicer.End[a] > shape[a+1] || slicer.Start[a] >= slicer.End[a] {
			return nil, fmt.Errorf("slicer [%d:%d] out of bounds for axis %d of extent %d",
				slicer.Start[a], slicer.End[a], a, shape[a+1])
		}
		outShape[a+1] = slicer.End[a] - slicer.Start[a]
		start[a+1] = slicer.Start[a]
	}

	src := volume.Data(batch)
	srcStrides := volume.Strides(shape)
	out := make([]float32, prod(outShape))
	outStrides := volume.Strides(outShape)
	coords := make([]int, len(shape))
	for i := range out {
		rem := i
		j := 0
		for a := range outShape {
			coords[a] = rem / outStrides[a]
			rem %= outStrides[a]
			j += (coords[a] + start[a]) * srcStrides[a]
		}
		out[i] = src[j]
	}
	return tensor.New(tensor.WithShape(outShape...), tensor.WithBacking(out)), nil
}
