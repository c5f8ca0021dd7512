package ml

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileHistoryFlush(t *testing.T) {
	dir := t.TempDir()
	h := &FileHistory{CSVPath: filepath.Join(dir, "history.csv"), PlotPath: filepath.Join(dir, "history.png")}
	require.NoError(t, h.Append(EpochRecord{Epoch: 0, TrainLoss: 0.5, ValLoss: 0.4, Checkpointed: true}))
	require.NoError(t, h.Append(EpochRecord{Epoch: 1, TrainLoss: 0.3, ValLoss: 0.45}))
	require.NoError(t, h.Flush())

	raw, err := os.ReadFile(h.CSVPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "epoch,loss,val_loss,checkpointed,seconds", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "0,0.5,0.4,true"))
	assert.FileExists(t, h.PlotPath)
}
