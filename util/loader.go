// Package util - Dataset helpers for building volumes from slice images.
package util

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/nfnt/resize"
	"gorgonia.org/tensor"
)

// SliceFile represents one 2-D slice image of a volume.
type SliceFile struct {
	// Path is the path to the image file.
	Path string
	// Data is the raw bytes of the image file.
	Data []byte
	// Index is the slice position within the volume, parsed from the
	// file name.
	Index int
}

// LoadSliceFiles reads all slice image files from a directory, ordered by
// the numeric index embedded in their file names (e.g. "slice-12.png").
//
// Arguments:
//   - dir: Directory path containing slice image files.
//
// Returns:
//   - []SliceFile: The slices sorted by index.
//   - error: An error if the directory cannot be read or a name carries no
//     parsable index.
func LoadSliceFiles(dir string) ([]SliceFile, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var slices []SliceFile
	for _, file := range files {
		if file.IsDir() {
			continue
		}

		ext := filepath.Ext(file.Name())
		switch ext {
		case ".jpg", ".jpeg", ".png", ".bmp":
			path := filepath.Join(dir, file.Name())
			data, readErr := os.ReadFile(path)
			if readErr != nil {
				return nil, readErr
			}
			idx, err := parseSliceIndex(file.Name(), ext)
			if err != nil {
				return nil, err
			}
			slices = append(slices, SliceFile{Path: path, Data: data, Index: idx})
		}
	}

	sort.Slice(slices, func(i, j int) bool {
		return slices[i].Index < slices[j].Index
	})

	return slices, nil
}

// parseSliceIndex extracts the trailing integer from a slice file name.
func parseSliceIndex(name, ext string) (int, error) {
	base := strings.TrimSuffix(name, ext)
	start := len(base)
	for start > 0 && base[start-1] >= '0' && base[start-1] <= '9' {
		start--
	}
	if start == len(base) {
		return 0, fmt.Errorf("slice file %q carries no numeric index", name)
	}
	return strconv.Atoi(base[start:])
}

// LoadVolumeFromSlices decodes an ordered directory of 2-D slice images
// into a single grayscale volume tensor of shape (D, H, W, 1), resampling
// every slice to a uniform in-plane resolution first.
//
// Arguments:
//   - dir: Directory of slice images.
//   - width: In-plane width every slice is resampled to.
//   - height: In-plane height every slice is resampled to.
//
// Returns:
//   - *tensor.Dense: The stacked volume, intensities in [0, 1].
//   - error: An error if loading or decoding fails.
func LoadVolumeFromSlices(dir string, width, height int) (*tensor.Dense, error) {
	slices, err := LoadSliceFiles(dir)
	if err != nil {
		return nil, err
	}
	if len(slices) == 0 {
		return nil, fmt.Errorf("no slice images found in %s", dir)
	}

	depth := len(slices)
	backing := make([]float32, depth*height*width)
	for d, sf := range slices {
		img, _, err := image.Decode(bytes.NewReader(sf.Data))
		if err != nil {
			return nil, fmt.Errorf("decoding %s: %w", sf.Path, err)
		}
		resized := resize.Resize(uint(width), uint(height), img, resize.Lanczos3)
		base := d * height * width
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				r, g, b, _ := resized.At(x, y).RGBA()
				gray := 0.299*float32(r>>8) + 0.587*float32(g>>8) + 0.114*float32(b>>8)
				backing[base+y*width+x] = gray / 255.0
			}
		}
	}
	return tensor.New(tensor.WithShape(depth, height, width, 1), tensor.WithBacking(backing)), nil
}
