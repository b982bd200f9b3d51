package patch

import (
	"fmt"
	"testing"

	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-seg/volume"
)

// Benchmark cases covering the windowing grid at sizes typical for 2-D and
// 3-D segmentation workloads.

func benchImage(shape ...int) *tensor.Dense {
	n := 1
	for _, d := range shape {
		n *= d
	}
	data := make([]float32, n)
	for i := range data {
		data[i] = float32(i % 255)
	}
	t, _ := volume.FromSlice(data, shape...)
	return t
}

func BenchmarkSlice(b *testing.B) {
	cases := []struct {
		name     string
		shape    []int
		window   []int
		overlap  []int
		threeDim bool
	}{
		{name: "2D-512-window-128", shape: []int{512, 512, 1}, window: []int{128, 128}, overlap: []int{0, 0}},
		{name: "2D-512-overlap-32", shape: []int{512, 512, 1}, window: []int{128, 128}, overlap: []int{32, 32}},
		{name: "3D-64-window-16", shape: []int{64, 64, 64, 1}, window: []int{16, 16, 16}, overlap: []int{0, 0, 0}, threeDim: true},
	}
	for _, c := range cases {
		img := benchImage(c.shape...)
		b.Run(c.name, func(b *testing.B) {
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				if _, err := Slice(img, c.window, c.overlap, c.threeDim); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func BenchmarkConcat(b *testing.B) {
	cases := []struct {
		name     string
		shape    []int
		window   []int
		overlap  []int
		threeDim bool
	}{
		{name: "2D-512-window-128", shape: []int{512, 512, 1}, window: []int{128, 128}, overlap: []int{0, 0}},
		{name: "3D-64-window-16", shape: []int{64, 64, 64, 1}, window: []int{16, 16, 16}, overlap: []int{0, 0, 0}, threeDim: true},
	}
	for _, c := range cases {
		img := benchImage(c.shape...)
		patches, err := Slice(img, c.window, c.overlap, c.threeDim)
		if err != nil {
			b.Fatal(err)
		}
		batch, err := volume.Stack(patches)
		if err != nil {
			b.Fatal(err)
		}
		target := c.shape[:len(c.shape)-1]
		b.Run(fmt.Sprintf("%s-%d-patches", c.name, len(patches)), func(b *testing.B) {
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				if _, err := Concat(batch, target, c.window, c.overlap, c.threeDim); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}
