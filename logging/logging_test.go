package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestSetupAppendsToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "log.txt")

	log, closeFn, err := Setup(path)
	require.NoError(t, err)
	log.Info("seed=123")
	closeFn()

	log, closeFn, err = Setup(path)
	require.NoError(t, err)
	log.Info("Starting 1 epoch...")
	closeFn()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "INFO")
	assert.Contains(t, lines[0], "seed=123")
	assert.Contains(t, lines[1], "Starting 1 epoch...")
}

func TestSetupBadPath(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	_, _, err := Setup(filepath.Join(blocker, "log.txt"))
	assert.Error(t, err)
}

func TestNewTeesSinks(t *testing.T) {
	var a, b bytes.Buffer
	log := New(zapcore.AddSync(&a), zapcore.AddSync(&b))
	log.Debug("hidden")
	log.Info("Mean train loss: 0.12345")

	for _, buf := range []*bytes.Buffer{&a, &b} {
		assert.Contains(t, buf.String(), "Mean train loss: 0.12345")
		assert.NotContains(t, buf.String(), "hidden")
	}
}

func TestTimed(t *testing.T) {
	var buf bytes.Buffer
	log := New(zapcore.AddSync(&buf))

	require.NoError(t, Timed(log, "Load train data", func() error { return nil }))
	assert.Contains(t, buf.String(), "[Load train data] done in 0 s")

	buf.Reset()
	boom := errors.New("boom")
	err := Timed(log, "Train model", func() error { return boom })
	assert.Equal(t, boom, err)
	assert.Empty(t, buf.String())
}
