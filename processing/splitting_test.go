package processing

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-seg/augment"
	"github.com/nvr-ai/go-seg/samples"
	"github.com/nvr-ai/go-seg/volume"
)

func splitSample(t *testing.T, seg *tensor.Dense, shape ...int) *samples.Sample {
	t.Helper()
	n := 1
	for _, d := range shape {
		n *= d
	}
	data := make([]float32, n)
	for i := range data {
		data[i] = float32(i)
	}
	img, err := volume.FromSlice(data, shape...)
	require.NoError(t, err)
	s, err := samples.New(0, img, seg)
	require.NoError(t, err)
	return s
}

// oneHotSeg builds a two-class one-hot segmentation for a (rows, cols)
// image where the foreground mask selects class 1.
func oneHotSeg(t *testing.T, rows, cols int, foreground func(r, c int) bool) *tensor.Dense {
	t.Helper()
	data := make([]float32, rows*cols*2)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			base := (r*cols + c) * 2
			if foreground(r, c) {
				data[base+1] = 1
			} else {
				data[base] = 1
			}
		}
	}
	seg, err := volume.FromSlice(data, rows, cols, 2)
	require.NoError(t, err)
	return seg
}

func TestNewSplitter_ConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		cfg  SplitterConfig
	}{
		{name: "unknown method", cfg: SplitterConfig{Method: "voxelwise"}},
		{name: "patchwise without patch shape", cfg: SplitterConfig{Method: MethodPatchwiseGrid}},
		{name: "patch shape rank mismatch", cfg: SplitterConfig{Method: MethodPatchwiseGrid, ThreeDim: true, PatchShape: []int{16, 16}}},
		{name: "overlap rank mismatch", cfg: SplitterConfig{Method: MethodPatchwiseGrid, PatchShape: []int{16, 16}, PatchOverlap: []int{4}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSplitter(tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestFullImage_InferenceRoundTrip(t *testing.T) {
	s := splitSample(t, nil, 4, 6, 1)
	original := append([]float32{}, volume.Data(s.Image)...)

	sp, err := NewSplitter(SplitterConfig{Method: MethodFullImage})
	require.NoError(t, err)

	require.NoError(t, sp.Preprocessing(s, false))
	assert.Equal(t, []int{1, 4, 6, 1}, []int(s.Image.Shape()))

	out, err := sp.Postprocessing(s, s.Image)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 6, 1}, []int(out.Shape()))
	assert.Equal(t, original, volume.Data(out))
}

func TestGrid_InferenceRoundTripEvenDivision(t *testing.T) {
	s := splitSample(t, nil, 4, 6, 1)
	original := append([]float32{}, volume.Data(s.Image)...)

	sp, err := NewSplitter(SplitterConfig{Method: MethodPatchwiseGrid, PatchShape: []int{2, 3}})
	require.NoError(t, err)

	require.NoError(t, sp.Preprocessing(s, false))
	assert.Equal(t, []int{4, 2, 3, 1}, []int(s.Image.Shape()))

	out, err := sp.Postprocessing(s, s.Image)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 6, 1}, []int(out.Shape()))
	assert.Equal(t, original, volume.Data(out), "zero-overlap even division must round-trip bitwise")
}

func TestGrid_InferenceRoundTripTruncated(t *testing.T) {
	// 5 columns with a 2-wide window: the last column step is truncated,
	// padded for the batch, and its overhang discarded on reassembly.
	s := splitSample(t, nil, 4, 5, 1)
	original := append([]float32{}, volume.Data(s.Image)...)

	sp, err := NewSplitter(SplitterConfig{Method: MethodPatchwiseGrid, PatchShape: []int{2, 2}})
	require.NoError(t, err)

	require.NoError(t, sp.Preprocessing(s, false))
	assert.Equal(t, []int{6, 2, 2, 1}, []int(s.Image.Shape()))

	out, err := sp.Postprocessing(s, s.Image)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 5, 1}, []int(out.Shape()))
	assert.Equal(t, original, volume.Data(out))
}

func TestGrid_InferencePadsSmallImage(t *testing.T) {
	// An image smaller than the window is padded up to one full window at
	// inference and cropped back on reassembly.
	s := splitSample(t, nil, 2, 3, 1)
	original := append([]float32{}, volume.Data(s.Image)...)

	sp, err := NewSplitter(SplitterConfig{Method: MethodPatchwiseGrid, PatchShape: []int{4, 5}})
	require.NoError(t, err)

	require.NoError(t, sp.Preprocessing(s, false))
	assert.Equal(t, []int{1, 4, 5, 1}, []int(s.Image.Shape()))

	out, err := sp.Postprocessing(s, s.Image)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3, 1}, []int(out.Shape()))
	assert.Equal(t, original, volume.Data(out))
}

func TestGrid_PostprocessWithoutPreprocess(t *testing.T) {
	s := splitSample(t, nil, 4, 4, 1)
	sp, err := NewSplitter(SplitterConfig{Method: MethodPatchwiseGrid, PatchShape: []int{2, 2}})
	require.NoError(t, err)

	_, err = sp.Postprocessing(s, s.Image)
	assert.True(t, errors.Is(err, samples.ErrNoReconstruction))
}

func TestGrid_DoublePostprocessFails(t *testing.T) {
	s := splitSample(t, nil, 4, 4, 1)
	sp, err := NewSplitter(SplitterConfig{Method: MethodPatchwiseGrid, PatchShape: []int{2, 2}})
	require.NoError(t, err)
	require.NoError(t, sp.Preprocessing(s, false))

	_, err = sp.Postprocessing(s, s.Image)
	require.NoError(t, err)
	_, err = sp.Postprocessing(s, s.Image)
	assert.True(t, errors.Is(err, samples.ErrNoReconstruction))
}

func TestGrid_TrainingRequiresSegmentation(t *testing.T) {
	s := splitSample(t, nil, 4, 4, 1)
	sp, err := NewSplitter(SplitterConfig{Method: MethodPatchwiseGrid, PatchShape: []int{2, 2}})
	require.NoError(t, err)

	assert.Error(t, sp.Preprocessing(s, true))
}

func TestGrid_TrainingSplitsSegmentation(t *testing.T) {
	seg := oneHotSeg(t, 4, 4, func(r, c int) bool { return r < 2 })
	s := splitSample(t, seg, 4, 4, 1)

	sp, err := NewSplitter(SplitterConfig{Method: MethodPatchwiseGrid, PatchShape: []int{2, 2}})
	require.NoError(t, err)
	require.NoError(t, sp.Preprocessing(s, true))

	assert.Equal(t, []int{4, 2, 2, 1}, []int(s.Image.Shape()))
	assert.Equal(t, []int{4, 2, 2, 2}, []int(s.Segmentation.Shape()))
}

func TestGrid_SkipBlanksFiltersBackgroundPatches(t *testing.T) {
	// Foreground only in the top-left (2, 2) window: three of the four
	// patches are blank and must be dropped.
	seg := oneHotSeg(t, 4, 4, func(r, c int) bool { return r < 2 && c < 2 })
	s := splitSample(t, seg, 4, 4, 1)

	sp, err := NewSplitter(SplitterConfig{
		Method:     MethodPatchwiseGrid,
		PatchShape: []int{2, 2},
		SkipBlanks: true,
	})
	require.NoError(t, err)
	require.NoError(t, sp.Preprocessing(s, true))

	assert.Equal(t, []int{1, 2, 2, 1}, []int(s.Image.Shape()))
	assert.Equal(t, []float32{0, 1, 4, 5}, volume.Data(s.Image))
}

func TestGrid_SkipBlanksAllBlankFails(t *testing.T) {
	seg := oneHotSeg(t, 4, 4, func(r, c int) bool { return false })
	s := splitSample(t, seg, 4, 4, 1)

	sp, err := NewSplitter(SplitterConfig{
		Method:     MethodPatchwiseGrid,
		PatchShape: []int{2, 2},
		SkipBlanks: true,
	})
	require.NoError(t, err)
	assert.Error(t, sp.Preprocessing(s, true))
}

func TestGrid_SkipBlanksIgnoredAtInference(t *testing.T) {
	s := splitSample(t, nil, 4, 4, 1)
	sp, err := NewSplitter(SplitterConfig{
		Method:     MethodPatchwiseGrid,
		PatchShape: []int{2, 2},
		SkipBlanks: true,
	})
	require.NoError(t, err)

	require.NoError(t, sp.Preprocessing(s, false))
	assert.Equal(t, []int{4, 2, 2, 1}, []int(s.Image.Shape()), "inference must keep every patch")
}

func TestCrop_InferenceFallsBackToGrid(t *testing.T) {
	s := splitSample(t, nil, 4, 4, 1)
	original := append([]float32{}, volume.Data(s.Image)...)

	sp, err := NewSplitter(SplitterConfig{Method: MethodPatchwiseCrop, PatchShape: []int{2, 2}})
	require.NoError(t, err)

	require.NoError(t, sp.Preprocessing(s, false))
	assert.Equal(t, []int{4, 2, 2, 1}, []int(s.Image.Shape()))

	out, err := sp.Postprocessing(s, s.Image)
	require.NoError(t, err)
	assert.Equal(t, original, volume.Data(out))
}

func TestCrop_TrainingRequiresSegmentation(t *testing.T) {
	s := splitSample(t, nil, 4, 4, 1)
	sp, err := NewSplitter(SplitterConfig{Method: MethodPatchwiseCrop, PatchShape: []int{2, 2}})
	require.NoError(t, err)

	assert.Error(t, sp.Preprocessing(s, true))
}

func TestCrop_TrainingDelegatesToDriver(t *testing.T) {
	// Without blank skipping the splitter hands cropping to the
	// augmentation driver, synthesizing one when none is bound.
	seg := oneHotSeg(t, 6, 6, func(r, c int) bool { return true })
	s := splitSample(t, seg, 6, 6, 1)

	sp, err := NewSplitter(SplitterConfig{Method: MethodPatchwiseCrop, PatchShape: []int{2, 2}, Seed: 9})
	require.NoError(t, err)
	require.NoError(t, sp.Preprocessing(s, true))

	assert.Equal(t, []int{1, 2, 2, 1}, []int(s.Image.Shape()))
	assert.Equal(t, []int{1, 2, 2, 2}, []int(s.Segmentation.Shape()))
}

func TestCrop_TrainingDriverForcedToSingleCycle(t *testing.T) {
	seg := oneHotSeg(t, 6, 6, func(r, c int) bool { return true })
	s := splitSample(t, seg, 6, 6, 1)

	sp, err := NewSplitter(SplitterConfig{Method: MethodPatchwiseCrop, PatchShape: []int{3, 3}})
	require.NoError(t, err)
	sp.SetDataAugmentation(augment.NewAugmentor(augment.Config{Cycles: 4, Seed: 2}))

	require.NoError(t, sp.Preprocessing(s, true))
	assert.Equal(t, []int{1, 3, 3, 1}, []int(s.Image.Shape()), "delegated cropping forces one cycle")
}

func TestCrop_TrainingSkipBlanksPicksForegroundPatch(t *testing.T) {
	// Only the top-left window holds foreground, so the uniform draw over
	// surviving patches has a single outcome.
	seg := oneHotSeg(t, 4, 4, func(r, c int) bool { return r < 2 && c < 2 })
	s := splitSample(t, seg, 4, 4, 1)

	sp, err := NewSplitter(SplitterConfig{
		Method:     MethodPatchwiseCrop,
		PatchShape: []int{2, 2},
		SkipBlanks: true,
		Seed:       13,
	})
	require.NoError(t, err)
	require.NoError(t, sp.Preprocessing(s, true))

	assert.Equal(t, []int{1, 2, 2, 1}, []int(s.Image.Shape()))
	assert.Equal(t, []float32{0, 1, 4, 5}, volume.Data(s.Image))
}
