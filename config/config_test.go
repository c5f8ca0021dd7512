package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sketch2face/data"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 80, cfg.Train.Epochs)
	assert.Equal(t, 8, cfg.Train.BatchSize)
	assert.Equal(t, data.Size{Height: 218, Width: 178}, cfg.Model.Size)
	assert.Equal(t, [5]int64{16, 32, 64, 128, 256}, cfg.ModelWidths())
}

func TestLoadOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
train:
  epochs: 3
  batch_size: 4
model:
  size:
    height: 64
    width: 48
serve:
  extract_sketch: false
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Train.Epochs)
	assert.Equal(t, 4, cfg.Train.BatchSize)
	assert.Equal(t, 1e-3, cfg.Train.LearningRate)
	assert.Equal(t, data.Size{Height: 64, Width: 48}, cfg.Model.Size)
	assert.False(t, cfg.Serve.ExtractSketch)
}

func TestLoadRejectsBadValues(t *testing.T) {
	dir := t.TempDir()
	for name, body := range map[string]string{
		"widths.yaml":  "model:\n  widths: [1, 2]\n",
		"batch.yaml":   "train:\n  batch_size: 0\n",
		"unknown.yaml": "trian:\n  epochs: 1\n",
	} {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(body), 0644))
		_, err := Load(path)
		assert.Error(t, err, name)
	}
}
