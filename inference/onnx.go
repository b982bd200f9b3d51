package inference

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-seg/internal/logging"
	"github.com/nvr-ai/go-seg/volume"
)

// ONNXConfig configures an ONNX Runtime engine.
type ONNXConfig struct {
	// ModelPath is the path to the .onnx model file.
	ModelPath string `json:"model_path" yaml:"model_path"`
	// LibraryPath overrides the native onnxruntime shared library location.
	// Empty uses GOSEG_ONNXRUNTIME_LIB or the per-platform default.
	LibraryPath string `json:"library_path" yaml:"library_path"`
	// InputName and OutputName are the model's tensor bindings.
	InputName  string `json:"input" yaml:"input"`
	OutputName string `json:"output" yaml:"output"`
}

// ONNXEngine runs a segmentation model through ONNX Runtime using a dynamic
// session, so patch batches of varying leading extent share one session.
type ONNXEngine struct {
	cfg     ONNXConfig
	session *ort.DynamicAdvancedSession
	mu      sync.Mutex
	closed  bool
}

// initOnce guards process-wide ONNX Runtime environment setup.
var initOnce sync.Once
var initErr error

// sharedLibPath resolves the native onnxruntime library for the current
// platform, preferring the explicit override.
func sharedLibPath(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	if env := os.Getenv("GOSEG_ONNXRUNTIME_LIB"); env != "" {
		return env, nil
	}
	switch runtime.GOOS {
	case "windows":
		return "../third_party/onnxruntime.dll", nil
	case "darwin":
		return "./third_party/libonnxruntime.dylib", nil
	case "linux":
		if runtime.GOARCH == "arm64" {
			return "../third_party/onnxruntime_arm64.so", nil
		}
		return "../third_party/onnxruntime.so", nil
	}
	return "", fmt.Errorf("no onnxruntime library known for %s/%s", runtime.GOOS, runtime.GOARCH)
}

// NewONNXEngine loads a model into a dynamic ONNX Runtime session.
//
// Order of operations:
//  1. Library path check: ensures the native runtime is accessible.
//  2. Environment setup: once per process.
//  3. Session creation: loads the model with its input/output bindings.
//
// Arguments:
//   - cfg: The engine configuration.
//
// Returns:
//   - *ONNXEngine: The ready engine.
//   - error: An error if the library or model cannot be loaded.
func NewONNXEngine(cfg ONNXConfig) (*ONNXEngine, error) {
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, fmt.Errorf("ONNX model not found at %s: %w", cfg.ModelPath, err)
	}

	libPath, err := sharedLibPath(cfg.LibraryPath)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(libPath); err != nil {
		return nil, fmt.Errorf("ONNX Runtime library not found at %s: %w", libPath, err)
	}

	initOnce.Do(func() {
		ort.SetSharedLibraryPath(libPath)
		initErr = ort.InitializeEnvironment()
	})
	if initErr != nil {
		return nil, fmt.Errorf("error initializing ORT environment: %w", initErr)
	}

	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath,
		[]string{cfg.InputName}, []string{cfg.OutputName}, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating ORT session: %w", err)
	}

	logging.L().Info("ONNX engine ready",
		"model", cfg.ModelPath,
		"input", cfg.InputName,
		"output", cfg.OutputName)
	return &ONNXEngine{cfg: cfg, session: session}, nil
}

// Predict runs the model over a batch tensor.
//
// Arguments:
//   - ctx: Cancellation check; the native run itself is not interruptible.
//   - batch: The image batch (N, spatial..., C).
//
// Returns:
//   - *tensor.Dense: The prediction batch with the model's output shape.
//   - error: An error if the session run fails.
func (e *ONNXEngine) Predict(ctx context.Context, batch *tensor.Dense) (*tensor.Dense, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, fmt.Errorf("predict on closed ONNX engine")
	}

	shape := batch.Shape()
	dims := make([]int64, len(shape))
	for i, d := range shape {
		dims[i] = int64(d)
	}
	input, err := ort.NewTensor(ort.NewShape(dims...), volume.Data(batch))
	if err != nil {
		return nil, fmt.Errorf("error creating input tensor: %w", err)
	}
	defer input.Destroy()

	outputs := []ort.Value{nil}
	if err := e.session.Run([]ort.Value{input}, outputs); err != nil {
		return nil, fmt.Errorf("error running ORT session: %w", err)
	}
	out := outputs[0].(*ort.Tensor[float32])
	defer out.Destroy()

	outShape64 := out.GetShape()
	outShape := make([]int, len(outShape64))
	for i, d := range outShape64 {
		outShape[i] = int(d)
	}
	pred, err := volume.FromSlice(out.GetData(), outShape...)
	if err != nil {
		return nil, fmt.Errorf("error wrapping output tensor: %w", err)
	}
	return pred, nil
}

// Close destroys the native session.
func (e *ONNXEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	if err := e.session.Destroy(); err != nil {
		return fmt.Errorf("error destroying ORT session: %w", err)
	}
	return nil
}
