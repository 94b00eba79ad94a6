package helper

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrepareModel(t *testing.T) {
	original := ModelDir
	ModelDir = t.TempDir()
	t.Cleanup(func() { ModelDir = original })

	t.Run("Return existing model path when model exists", func(t *testing.T) {
		modelPath := filepath.Join(ModelDir, "test_mock-model")
		require.NoError(t, os.MkdirAll(modelPath, 0750))

		path, err := PrepareModel("test/mock-model", "")
		assert.NoError(t, err, "Expected PrepareModel to not return an error for existing model")
		assert.Equal(t, modelPath, path, "Expected returned path to use the sanitized name")
	})

	t.Run("Handle model name without slash", func(t *testing.T) {
		modelPath := filepath.Join(ModelDir, "simple-model")
		require.NoError(t, os.MkdirAll(modelPath, 0750))

		path, err := PrepareModel("simple-model", "onnx/model.onnx")
		assert.NoError(t, err)
		assert.Equal(t, modelPath, path)
	})

	t.Run("Download model when it doesn't exist", func(t *testing.T) {
		if testing.Short() {
			t.Skip("Skipping model download in short mode")
		}

		path, err := PrepareModel("sentence-transformers/all-MiniLM-L6-v2", "onnx/model.onnx")
		// Download depends on network access, so only the shape of the outcome is checked
		if err != nil {
			assert.Contains(t, err.Error(), "failed to")
		} else {
			assert.DirExists(t, path)
		}
	})
}
