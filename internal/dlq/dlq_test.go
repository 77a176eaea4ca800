package dlq

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scottbrown/logcollector/internal/queue"
)

func readEntries(t *testing.T, path string) []Entry {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []Entry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Entry
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		out = append(out, e)
	}
	return out
}

func TestNew_CreateDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "subdir", "dlq")
	w, err := New(dir)
	require.NoError(t, err)
	defer w.Close()

	_, err = os.Stat(dir)
	assert.NoError(t, err)
	assert.Equal(t, "", w.CurrentFile())
}

func TestWrite_Batch(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir)
	require.NoError(t, err)
	defer w.Close()

	fixed := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	w.now = func() time.Time { return fixed }

	err = w.Write(Batch{
		SourceID:   "src-1",
		SourceName: "fw",
		Target:     "HEC",
		Entries: []queue.Entry{
			{Data: []byte(`{"a":1}`), Received: fixed.Add(-time.Minute)},
			{Data: []byte("plain")},
		},
		Err: errors.New("HEC returned status 500"),
	})
	require.NoError(t, err)

	path := filepath.Join(dir, "dlq-2026-03-04.ndjson")
	assert.Equal(t, path, w.CurrentFile())

	entries := readEntries(t, path)
	require.Len(t, entries, 2)
	assert.Equal(t, "src-1", entries[0].SourceID)
	assert.Equal(t, "fw", entries[0].SourceName)
	assert.Equal(t, "HEC", entries[0].Target)
	assert.Equal(t, "HEC returned status 500", entries[0].Error)
	assert.Equal(t, `{"a":1}`, entries[0].Data)
	assert.Equal(t, "2026-03-04T05:06:07Z", entries[0].Timestamp)
	assert.Equal(t, "2026-03-04T05:05:07Z", entries[0].Received)
	assert.Equal(t, "plain", entries[1].Data)
	assert.Equal(t, "", entries[1].Received)
}

func TestWrite_Empty(t *testing.T) {
	w, err := New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, w.Write(Batch{SourceID: "x"}))
	assert.Equal(t, "", w.CurrentFile())
}

func TestWrite_DailyRotation(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir)
	require.NoError(t, err)
	defer w.Close()

	day := time.Date(2026, 1, 1, 23, 59, 0, 0, time.UTC)
	w.now = func() time.Time { return day }
	batch := Batch{SourceID: "s", Entries: []queue.Entry{{Data: []byte("x")}}, Err: errors.New("e")}
	require.NoError(t, w.Write(batch))

	day = day.Add(2 * time.Minute)
	require.NoError(t, w.Write(batch))

	assert.Len(t, readEntries(t, filepath.Join(dir, "dlq-2026-01-01.ndjson")), 1)
	assert.Len(t, readEntries(t, filepath.Join(dir, "dlq-2026-01-02.ndjson")), 1)
}

func TestWrite_Concurrent(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir)
	require.NoError(t, err)
	defer w.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = w.Write(Batch{SourceID: "s", Entries: []queue.Entry{{Data: []byte("x")}, {Data: []byte("y")}}, Err: errors.New("e")})
		}()
	}
	wg.Wait()

	assert.Len(t, readEntries(t, w.CurrentFile()), 20)
}

func TestClose_Idempotent(t *testing.T) {
	w, err := New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, w.Write(Batch{SourceID: "s", Entries: []queue.Entry{{Data: []byte("x")}}}))
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
}
