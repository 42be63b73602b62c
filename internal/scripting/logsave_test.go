package scripting

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/joeycumines/gc-scripting/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileLogSaver(t *testing.T) {
	dir := t.TempDir()
	s := FileLogSaver{Dir: dir}

	require.NoError(t, s.SaveLog(context.Background(), "scripting.log", "a\nb"))
	require.NoError(t, s.SaveLog(context.Background(), "scripting.log", "c"))

	data, err := os.ReadFile(filepath.Join(dir, "scripting.log"))
	require.NoError(t, err)
	assert.Equal(t, "c", string(data))
}

func TestFileLogSaver_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := FileLogSaver{Dir: t.TempDir()}.SaveLog(ctx, "x.log", "a")
	require.ErrorIs(t, err, context.Canceled)
}

func TestFileLogSaver_WaitsForLock(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "scripting.log")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))

	held, err := storage.TryLock(path + ".lock")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err = FileLogSaver{Dir: dir}.SaveLog(ctx, filepath.Join("nested", "scripting.log"), "a")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, held.Unlock())
	require.NoError(t, FileLogSaver{Dir: dir}.SaveLog(context.Background(), filepath.Join("nested", "scripting.log"), "b"))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "b", string(data))
	_, err = os.Stat(path + ".lock")
	assert.True(t, os.IsNotExist(err))
}

func TestWriterLogSaver(t *testing.T) {
	var buf bytes.Buffer
	s := &WriterLogSaver{W: &buf}
	require.NoError(t, s.SaveLog(context.Background(), "ignored", "a\nb"))
	assert.Equal(t, "a\nb\n", buf.String())
}
