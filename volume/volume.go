// Package volume - Dense float32 tensor helpers shared by the segmentation
// pipeline.
//
// All arrays in the pipeline are channel-last: a single sample is
// (spatial..., C) and a network batch is (N, spatial..., C). The helpers in
// this package operate on raw row-major backing data and never alias the
// input tensor unless documented otherwise.
package volume

import (
	"fmt"

	"gorgonia.org/tensor"
)

// New creates a zero-initialized float32 tensor with the given shape.
func New(shape ...int) *tensor.Dense {
	return tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(shape...))
}

// FromSlice creates a float32 tensor from backing data and a shape.
//
// Arguments:
//   - data: The row-major backing values. Length must match the shape product.
//   - shape: The tensor shape.
//
// Returns:
//   - *tensor.Dense: The tensor wrapping a copy of the data.
//   - error: An error if the data length does not match the shape.
func FromSlice(data []float32, shape ...int) (*tensor.Dense, error) {
	n := 1
	for _, d := range shape {
		n *= d
	}
	if len(data) != n {
		return nil, fmt.Errorf("backing length %d does not match shape %v (want %d)", len(data), shape, n)
	}
	backing := make([]float32, len(data))
	copy(backing, data)
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(backing)), nil
}

// Clone returns a deep copy of the tensor.
func Clone(t *tensor.Dense) *tensor.Dense {
	if t == nil {
		return nil
	}
	return t.Clone().(*tensor.Dense)
}

// Data returns the row-major float32 backing of a tensor.
func Data(t *tensor.Dense) []float32 {
	return t.Data().([]float32)
}

// Strides computes row-major strides for a shape.
func Strides(shape []int) []int {
	strides := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = acc
		acc *= shape[i]
	}
	return strides
}

// Flip reflects a tensor along the given axes and returns a new tensor.
// Flipping is self inverse: Flip(Flip(t, axes), axes) equals t bitwise.
//
// Arguments:
//   - t: The tensor to flip.
//   - axes: Axis indices to reflect. An empty list returns an unmodified copy.
//
// Returns:
//   - *tensor.Dense: A new tensor with the same shape.
//   - error: An error if an axis is out of range.
func Flip(t *tensor.Dense, axes []int) (*tensor.Dense, error) {
	shape := t.Shape()
	for _, a := range axes {
		if a < 0 || a >= len(shape) {
			return nil, fmt.Errorf("flip axis %d out of range for rank %d", a, len(shape))
		}
	}
	flipped := make([]bool, len(shape))
	for _, a := range axes {
		flipped[a] = true
	}

	src := Data(t)
	dst := make([]float32, len(src))
	strides := Strides(shape)
	coords := make([]int, len(shape))
	for i := range src {
		// Decompose the source index into coordinates, reflect the flipped
		// axes, and recompose the destination index.
		rem := i
		j := 0
		for a := range shape {
			coords[a] = rem / strides[a]
			rem %= strides[a]
			c := coords[a]
			if flipped[a] {
				c = shape[a] - 1 - c
			}
			j += c * strides[a]
		}
		dst[j] = src[i]
	}
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(dst)), nil
}

// ExpandBatch prepends a batch axis of size 1, returning a new tensor that
// shares no backing with the input.
func ExpandBatch(t *tensor.Dense) *tensor.Dense {
	shape := append([]int{1}, t.Shape()...)
	backing := make([]float32, len(Data(t)))
	copy(backing, Data(t))
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(backing))
}

// SqueezeBatch removes the leading batch axis, which must have size exactly 1.
//
// Arguments:
//   - t: A batch tensor of shape (1, ...).
//
// Returns:
//   - *tensor.Dense: The tensor without its leading axis.
//   - error: An error if the leading axis is missing or larger than 1.
func SqueezeBatch(t *tensor.Dense) (*tensor.Dense, error) {
	shape := t.Shape()
	if len(shape) < 2 {
		return nil, fmt.Errorf("cannot squeeze batch axis of rank-%d tensor", len(shape))
	}
	if shape[0] != 1 {
		return nil, fmt.Errorf("batch axis has size %d, want 1", shape[0])
	}
	backing := make([]float32, len(Data(t)))
	copy(backing, Data(t))
	return tensor.New(tensor.WithShape(shape[1:]...), tensor.WithBacking(backing)), nil
}

// Stack combines a list of patches into a single batch tensor with a new
// leading axis. Patches may differ in shape where a window was truncated at
// an image boundary; every patch is zero-padded at the high end of each axis
// up to the elementwise maximum shape before stacking, so the batch always
// has a uniform spatial shape.
//
// Arguments:
//   - patches: The patch tensors, all of the same rank.
//
// Returns:
//   - *tensor.Dense: A batch of shape (len(patches), max-shape...).
//   - error: An error if the list is empty or ranks differ.
func Stack(patches []*tensor.Dense) (*tensor.Dense, error) {
	if len(patches) == 0 {
		return nil, fmt.Errorf("cannot stack an empty patch list")
	}
	rank := len(patches[0].Shape())
	maxShape := make([]int, rank)
	for _, p := range patches {
		s := p.Shape()
		if len(s) != rank {
			return nil, fmt.Errorf("patch rank mismatch: %d vs %d", len(s), rank)
		}
		for a, d := range s {
			if d > maxShape[a] {
				maxShape[a] = d
			}
		}
	}

	elemSize := 1
	for _, d := range maxShape {
		elemSize *= d
	}
	out := make([]float32, len(patches)*elemSize)
	outStrides := Strides(maxShape)
	for n, p := range patches {
		src := Data(p)
		shape := p.Shape()
		strides := Strides(shape)
		base := n * elemSize
		for i := range src {
			rem := i
			j := 0
			for a := range shape {
				j += (rem / strides[a]) * outStrides[a]
				rem %= strides[a]
			}
			out[base+j] = src[i]
		}
	}
	shape := append([]int{len(patches)}, maxShape...)
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(out)), nil
}

// SameShape reports whether two shapes are identical.
func SameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
