// Command go-seg runs a patch-based segmentation pipeline over a volume
// assembled from a directory of 2-D slice images, writing one predicted
// mask image per slice.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"gocv.io/x/gocv"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-seg/config"
	"github.com/nvr-ai/go-seg/inference"
	"github.com/nvr-ai/go-seg/internal/logging"
	"github.com/nvr-ai/go-seg/pipeline"
	"github.com/nvr-ai/go-seg/processing"
	"github.com/nvr-ai/go-seg/samples"
	"github.com/nvr-ai/go-seg/util"
	"github.com/nvr-ai/go-seg/volume"
)

const (
	// DefaultConfigPath is the pipeline configuration file.
	DefaultConfigPath = "pipeline.yaml"
	// DefaultOutputDir receives the predicted mask images.
	DefaultOutputDir = "predicted_masks"
)

func main() {
	var (
		configPath string
		inputDir   string
		outputDir  string
	)
	flag.StringVar(&configPath, "config", DefaultConfigPath, "Path to pipeline YAML configuration")
	flag.StringVar(&inputDir, "input", "", "Directory of 2-D slice images forming the volume")
	flag.StringVar(&outputDir, "output", DefaultOutputDir, "Output directory for predicted mask images")
	flag.Parse()

	if inputDir == "" {
		flag.Usage()
		log.Fatal("missing -input directory")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logging.Configure(logging.Options{Level: cfg.Logging.Level, JSON: cfg.Logging.JSON})

	runner, engine, err := buildRunner(cfg)
	if err != nil {
		log.Fatalf("Failed to build pipeline: %v", err)
	}
	defer engine.Close()

	vol, err := loadVolume(inputDir)
	if err != nil {
		log.Fatalf("Failed to load volume from %s: %v", inputDir, err)
	}
	logging.L().Info("volume loaded", "dir", inputDir, "shape", vol.Shape())

	sample, err := samples.New(0, vol, nil)
	if err != nil {
		log.Fatalf("Failed to create sample: %v", err)
	}

	preds, err := runner.Predict(context.Background(), sample)
	if err != nil {
		log.Fatalf("Prediction failed: %v", err)
	}
	merged, err := pipeline.MergeMean(preds)
	if err != nil {
		log.Fatalf("Failed to merge mirror variants: %v", err)
	}

	if err := writeMasks(merged, outputDir); err != nil {
		log.Fatalf("Failed to write masks: %v", err)
	}
	fmt.Printf("Wrote %d mask slices to %s\n", merged.Shape()[0], outputDir)
}

// buildRunner assembles the subfunction chain, splitter, and engine from
// the configuration.
func buildRunner(cfg *config.Config) (*pipeline.Runner, inference.Engine, error) {
	var subfns []processing.Subfunction
	if cfg.Clipping.Enabled {
		c, err := processing.NewClipping(cfg.Clipping.Min, cfg.Clipping.Max)
		if err != nil {
			return nil, nil, err
		}
		subfns = append(subfns, c)
	}
	if cfg.Normalization.Enabled {
		n, err := processing.NewNormalization(cfg.Normalization.Mode)
		if err != nil {
			return nil, nil, err
		}
		subfns = append(subfns, n)
	}

	var mirroring *processing.Mirroring
	if cfg.Mirroring.Enabled {
		mirroring = processing.NewMirroring(cfg.Mirroring.Axes, cfg.Mirroring.Combine)
	}

	splitter, err := processing.NewSplitter(cfg.SplitterConfig())
	if err != nil {
		return nil, nil, err
	}

	engine, err := inference.NewONNXEngine(cfg.Model)
	if err != nil {
		return nil, nil, err
	}

	return &pipeline.Runner{
		Subfunctions: subfns,
		Mirroring:    mirroring,
		Splitter:     splitter,
		Engine:       engine,
	}, engine, nil
}

// loadVolume reads every slice image in the directory with OpenCV at native
// resolution, in the numeric-index order established by the loader. All
// slices must share one resolution.
func loadVolume(dir string) (*tensor.Dense, error) {
	files, err := util.LoadSliceFiles(dir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no slice images found in %s", dir)
	}

	var backing []float32
	width, height := 0, 0
	for _, sf := range files {
		mat := gocv.IMRead(sf.Path, gocv.IMReadGrayScale)
		if mat.Empty() {
			return nil, fmt.Errorf("failed to read slice %s", sf.Path)
		}
		if width == 0 {
			width, height = mat.Cols(), mat.Rows()
			backing = make([]float32, 0, len(files)*height*width)
		} else if mat.Cols() != width || mat.Rows() != height {
			mat.Close()
			return nil, fmt.Errorf("slice %s is %dx%d, want %dx%d", sf.Path, mat.Cols(), mat.Rows(), width, height)
		}
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				backing = append(backing, float32(mat.GetUCharAt(y, x))/255.0)
			}
		}
		mat.Close()
	}
	return tensor.New(tensor.WithShape(len(files), height, width, 1), tensor.WithBacking(backing)), nil
}

// writeMasks converts a (D, H, W, classes) prediction into one grayscale
// mask image per slice via voxel-wise argmax.
func writeMasks(pred *tensor.Dense, outputDir string) error {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return err
	}
	shape := pred.Shape()
	if len(shape) != 4 {
		return fmt.Errorf("prediction rank %d, want (D, H, W, classes)", len(shape))
	}
	depth, height, width, classes := shape[0], shape[1], shape[2], shape[3]
	scale := 255
	if classes > 1 {
		scale = 255 / (classes - 1)
	}

	data := volume.Data(pred)
	for d := 0; d < depth; d++ {
		mat := gocv.NewMatWithSize(height, width, gocv.MatTypeCV8U)
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				base := ((d*height+y)*width + x) * classes
				best := 0
				for c := 1; c < classes; c++ {
					if data[base+c] > data[base+best] {
						best = c
					}
				}
				mat.SetUCharAt(y, x, uint8(best*scale))
			}
		}
		path := filepath.Join(outputDir, fmt.Sprintf("mask-%04d.png", d))
		if ok := gocv.IMWrite(path, mat); !ok {
			mat.Close()
			return fmt.Errorf("failed to write %s", path)
		}
		mat.Close()
	}
	return nil
}
