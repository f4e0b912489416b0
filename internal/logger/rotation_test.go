package logger

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRotatingWriter(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "subdir", "lysis.log")

	rw, err := NewRotatingWriter(logFile, 10, 7, false)
	require.NoError(t, err)
	defer rw.Close()

	_, err = os.Stat(logFile)
	assert.NoError(t, err)
}

func TestRotatingWriterRotates(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "lysis.log")

	rw, err := NewRotatingWriter(logFile, 1, 0, false)
	require.NoError(t, err)

	chunk := []byte(strings.Repeat("x", 600*1024))
	_, err = rw.Write(chunk)
	require.NoError(t, err)
	_, err = rw.Write(chunk)
	require.NoError(t, err)
	require.NoError(t, rw.Close())

	rotated, err := filepath.Glob(filepath.Join(dir, "lysis.log.*"))
	require.NoError(t, err)
	assert.Len(t, rotated, 1)

	info, err := os.Stat(logFile)
	require.NoError(t, err)
	assert.Equal(t, int64(len(chunk)), info.Size())
}

func TestRotatingWriterCompresses(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "lysis.log")

	rw, err := NewRotatingWriter(logFile, 1, 0, true)
	require.NoError(t, err)

	chunk := []byte(strings.Repeat("y", 700*1024))
	_, err = rw.Write(chunk)
	require.NoError(t, err)
	_, err = rw.Write(chunk)
	require.NoError(t, err)

	// Close waits for the background compression
	require.NoError(t, rw.Close())

	gz, err := filepath.Glob(filepath.Join(dir, "lysis.log.*.gz"))
	require.NoError(t, err)
	assert.Len(t, gz, 1)
}

func TestRotatingWriterConcurrentWrites(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "lysis.log")
	rw, err := NewRotatingWriter(logFile, 10, 0, false)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, _ = rw.Write([]byte("line\n"))
			}
		}()
	}
	wg.Wait()
	require.NoError(t, rw.Close())

	info, err := os.Stat(logFile)
	require.NoError(t, err)
	assert.Equal(t, int64(8*50*5), info.Size())
}

func TestRotatingWriterWriteAfterClose(t *testing.T) {
	rw, err := NewRotatingWriter(filepath.Join(t.TempDir(), "lysis.log"), 1, 0, false)
	require.NoError(t, err)
	require.NoError(t, rw.Close())

	_, err = rw.Write([]byte("late"))
	assert.ErrorIs(t, err, os.ErrClosed)
}

func TestCleanupRemovesOldFiles(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "lysis.log")

	old := logFile + ".20200101-000000.000"
	require.NoError(t, os.WriteFile(old, []byte("old"), 0644))
	past := time.Now().AddDate(0, 0, -30)
	require.NoError(t, os.Chtimes(old, past, past))

	fresh := logFile + ".20990101-000000.000"
	require.NoError(t, os.WriteFile(fresh, []byte("fresh"), 0644))

	rw, err := NewRotatingWriter(logFile, 1, 7, false)
	require.NoError(t, err)
	require.NoError(t, rw.Close())

	_, err = os.Stat(old)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(fresh)
	assert.NoError(t, err)
}
