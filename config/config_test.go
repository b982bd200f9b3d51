package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-seg/processing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_FullConfig(t *testing.T) {
	path := writeConfig(t, `
model:
  model_path: model.onnx
  input: x
  output: y
splitter:
  three_dim: true
  method: patchwise-grid
  patch_shape: [16, 16, 16]
  patch_overlap: [4, 4, 4]
  skip_blanks: true
mirroring:
  enabled: true
  axes: [true, true, false]
  combine: true
clipping:
  enabled: true
  min: -100
  max: 300
normalization:
  enabled: true
  mode: minmax
logging:
  level: debug
  json: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "model.onnx", cfg.Model.ModelPath)
	assert.Equal(t, "x", cfg.Model.InputName)
	assert.Equal(t, processing.MethodPatchwiseGrid, cfg.Splitter.Method)
	assert.Equal(t, []int{16, 16, 16}, cfg.Splitter.PatchShape)
	assert.True(t, cfg.Mirroring.Combine)
	assert.Equal(t, processing.NormalizationMinMax, cfg.Normalization.Mode)
	assert.Equal(t, "debug", cfg.Logging.Level)

	sc := cfg.SplitterConfig()
	assert.True(t, sc.ThreeDim)
	assert.Equal(t, []int{4, 4, 4}, sc.PatchOverlap)
	assert.True(t, sc.SkipBlanks)
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
splitter:
  patch_shape: [32, 32]
normalization:
  enabled: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, processing.MethodPatchwiseGrid, cfg.Splitter.Method)
	assert.Equal(t, processing.NormalizationZScore, cfg.Normalization.Mode)
	assert.Equal(t, "input", cfg.Model.InputName)
	assert.Equal(t, "output", cfg.Model.OutputName)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "unknown method", body: "splitter:\n  method: voxelwise\n"},
		{name: "patchwise without shape", body: "splitter:\n  method: patchwise-crop\n"},
		{name: "inverted clipping range", body: "splitter:\n  patch_shape: [8, 8]\nclipping:\n  enabled: true\n  min: 10\n  max: 1\n"},
		{name: "mirroring without axes", body: "splitter:\n  patch_shape: [8, 8]\nmirroring:\n  enabled: true\n"},
		{name: "malformed yaml", body: "splitter: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
