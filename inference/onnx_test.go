package inference

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSharedLibPath_OverrideWins(t *testing.T) {
	t.Setenv("GOSEG_ONNXRUNTIME_LIB", "/env/libonnxruntime.so")

	path, err := sharedLibPath("/explicit/libonnxruntime.so")
	require.NoError(t, err)
	assert.Equal(t, "/explicit/libonnxruntime.so", path)
}

func TestSharedLibPath_EnvFallback(t *testing.T) {
	t.Setenv("GOSEG_ONNXRUNTIME_LIB", "/env/libonnxruntime.so")

	path, err := sharedLibPath("")
	require.NoError(t, err)
	assert.Equal(t, "/env/libonnxruntime.so", path)
}

func TestSharedLibPath_PlatformDefault(t *testing.T) {
	t.Setenv("GOSEG_ONNXRUNTIME_LIB", "")

	path, err := sharedLibPath("")
	switch runtime.GOOS {
	case "linux", "darwin", "windows":
		require.NoError(t, err)
		assert.NotEmpty(t, path)
	default:
		assert.Error(t, err)
	}
}

func TestNewONNXEngine_MissingModel(t *testing.T) {
	_, err := NewONNXEngine(ONNXConfig{ModelPath: "does-not-exist.onnx"})
	assert.Error(t, err)
}
