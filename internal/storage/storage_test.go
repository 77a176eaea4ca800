package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scottbrown/logcollector/internal/queue"
	"github.com/scottbrown/logcollector/internal/source"
)

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	require.NoError(t, sc.Err())
	return lines
}

func TestNew_CreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "dir")
	m, err := New(dir, "fw", Config{})
	require.NoError(t, err)
	defer m.Close()

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, filepath.Join(dir, "fw.ndjson"), m.CurrentFile())
	assert.Equal(t, DefaultConfig.MaxSizeMB, m.config.MaxSizeMB)
	assert.Equal(t, DefaultConfig.Retry, m.config.Retry)
}

func TestNew_PathIsFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "existing")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0600))

	_, err := New(file, "fw", Config{})
	assert.Error(t, err)
}

func TestDeliver_AppendsInOrder(t *testing.T) {
	dir := t.TempDir()
	m, err := ForTarget(source.FolderTarget{Path: dir}, "fw", Config{})
	require.NoError(t, err)
	defer m.Close()

	now := time.Unix(1700000000, 0)
	var batch []queue.Entry
	for i := 0; i < 5; i++ {
		batch = append(batch, queue.Entry{Data: []byte(`{"n":` + strconv.Itoa(i) + `}`), Received: now})
	}
	require.NoError(t, m.Deliver(context.Background(), batch[:3]))
	require.NoError(t, m.Deliver(context.Background(), batch[3:]))

	lines := readLines(t, m.CurrentFile())
	require.Len(t, lines, 5)
	for i, line := range lines {
		var env struct {
			Time   int64           `json:"time"`
			Event  json.RawMessage `json:"event"`
			Source string          `json:"source"`
		}
		require.NoError(t, json.Unmarshal([]byte(line), &env))
		assert.Equal(t, int64(1700000000), env.Time)
		assert.Equal(t, "fw", env.Source)
		assert.JSONEq(t, `{"n":`+strconv.Itoa(i)+`}`, string(env.Event))
	}
}

func TestDeliver_ReopensExistingFile(t *testing.T) {
	dir := t.TempDir()
	entry := []queue.Entry{{Data: []byte("hello"), Received: time.Now()}}

	m1, err := New(dir, "fw", Config{})
	require.NoError(t, err)
	require.NoError(t, m1.Deliver(context.Background(), entry))
	require.NoError(t, m1.Close())

	m2, err := New(dir, "fw", Config{})
	require.NoError(t, err)
	require.NoError(t, m2.Deliver(context.Background(), entry))
	require.NoError(t, m2.Close())

	assert.Len(t, readLines(t, filepath.Join(dir, "fw.ndjson")), 2)
}

func TestDeliver_Empty(t *testing.T) {
	dir := t.TempDir()
	m, err := New(dir, "fw", Config{})
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.Deliver(context.Background(), nil))
	_, err = os.Stat(m.CurrentFile())
	assert.True(t, os.IsNotExist(err))
}

func TestDeliver_FailsWhenFolderRemoved(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	m, err := New(dir, "fw", Config{})
	require.NoError(t, err)
	defer m.Close()

	// Replace the folder with a file so lumberjack cannot create it.
	require.NoError(t, os.RemoveAll(dir))
	require.NoError(t, os.WriteFile(dir, []byte("x"), 0600))

	err = m.Deliver(context.Background(), []queue.Entry{{Data: []byte("x"), Received: time.Now()}})
	assert.Error(t, err)
}

func TestNextChunk(t *testing.T) {
	small := []byte("a\nb\n")
	assert.Equal(t, small, nextChunk(small))

	line := bytes.Repeat([]byte("x"), chunkSize/2)
	big := append(append(append([]byte{}, line...), '\n'), append(line, '\n')...)
	big = append(big, []byte("tail\n")...)
	first := nextChunk(big)
	assert.LessOrEqual(t, len(first), chunkSize)
	assert.Equal(t, byte('\n'), first[len(first)-1])

	huge := append(bytes.Repeat([]byte("y"), chunkSize+10), '\n')
	assert.Equal(t, huge, nextChunk(huge))
}
