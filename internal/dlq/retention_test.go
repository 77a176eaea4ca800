package dlq

import (
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var retentionNow = time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)

func dayFile(t *testing.T, dir string, daysAgo int, suffix, data string) string {
	t.Helper()
	day := retentionNow.AddDate(0, 0, -daysAgo).Format("2006-01-02")
	path := filepath.Join(dir, filePrefix+day+".ndjson"+suffix)
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	return path
}

func newTestRetention(policy RetentionPolicy, dir string) *RetentionWorker {
	w := NewRetentionWorker(policy, dir)
	w.now = func() time.Time { return retentionNow }
	return w
}

func TestRetention_DeletesOldFiles(t *testing.T) {
	dir := t.TempDir()
	old := dayFile(t, dir, 40, "", "old\n")
	oldGz := dayFile(t, dir, 45, ".gz", "x")
	recent := dayFile(t, dir, 5, "", "recent\n")

	w := newTestRetention(RetentionPolicy{Enabled: true, MaxAgeDays: 30, CheckInterval: time.Hour}, dir)
	res := w.Cleanup()

	assert.Equal(t, 2, res.Deleted)
	assert.Equal(t, int64(5), res.BytesFreed)
	assert.NoFileExists(t, old)
	assert.NoFileExists(t, oldGz)
	assert.FileExists(t, recent)
}

func TestRetention_CompressesBeforeDeleteAge(t *testing.T) {
	dir := t.TempDir()
	data := `{"source_id":"src-1","data":"dropped"}` + "\n"
	old := dayFile(t, dir, 10, "", data)
	recent := dayFile(t, dir, 2, "", "recent\n")

	w := newTestRetention(RetentionPolicy{Enabled: true, MaxAgeDays: 30, CompressAgeDays: 7, CheckInterval: time.Hour}, dir)
	res := w.Cleanup()

	assert.Equal(t, 1, res.Compressed)
	assert.NoFileExists(t, old)
	assert.FileExists(t, recent)
	assert.NoFileExists(t, recent+".gz")

	f, err := os.Open(old + ".gz")
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	got, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.Equal(t, data, string(got))
}

func TestRetention_NeverTouchesToday(t *testing.T) {
	dir := t.TempDir()
	today := dayFile(t, dir, 0, "", "live\n")

	// Zero ages would match everything if today were not excluded.
	w := newTestRetention(RetentionPolicy{Enabled: true, MaxAgeDays: 0, CompressAgeDays: 0, CheckInterval: time.Hour}, dir)
	res := w.Cleanup()

	assert.Equal(t, CleanupResult{}, res)
	assert.FileExists(t, today)
}

func TestRetention_IgnoresForeignFiles(t *testing.T) {
	dir := t.TempDir()
	other := filepath.Join(dir, "firewall-2020-01-01.ndjson")
	require.NoError(t, os.WriteFile(other, []byte("x"), 0o600))
	bad := filepath.Join(dir, "dlq-2020-13-45.ndjson")
	require.NoError(t, os.WriteFile(bad, []byte("x"), 0o600))

	w := newTestRetention(RetentionPolicy{Enabled: true, MaxAgeDays: 1, CheckInterval: time.Hour}, dir)
	res := w.Cleanup()

	assert.Zero(t, res.Deleted)
	assert.FileExists(t, other)
	assert.FileExists(t, bad)
}

func TestRetention_StartRunsImmediately(t *testing.T) {
	dir := t.TempDir()
	old := dayFile(t, dir, 40, "", "old\n")

	w := newTestRetention(RetentionPolicy{Enabled: true, MaxAgeDays: 30, CheckInterval: time.Hour}, dir)
	w.Start()
	w.Start()
	defer w.Stop()

	require.Eventually(t, func() bool {
		_, err := os.Stat(old)
		return os.IsNotExist(err)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRetention_DisabledDoesNothing(t *testing.T) {
	dir := t.TempDir()
	old := dayFile(t, dir, 40, "", "old\n")

	w := newTestRetention(RetentionPolicy{Enabled: false, MaxAgeDays: 30, CheckInterval: 10 * time.Millisecond}, dir)
	w.Start()
	time.Sleep(50 * time.Millisecond)
	w.Stop()

	assert.FileExists(t, old)
}

func TestRetention_StopIsIdempotent(t *testing.T) {
	w := NewRetentionWorker(RetentionPolicy{Enabled: true, MaxAgeDays: 1, CheckInterval: time.Hour}, t.TempDir())
	w.Stop()
	w.Stop()
	w.Start()
	w.Stop()
}

func TestRetentionPolicy_Validate(t *testing.T) {
	tests := []struct {
		name    string
		policy  RetentionPolicy
		wantErr string
	}{
		{name: "disabled ignores values", policy: RetentionPolicy{MaxAgeDays: -1}},
		{name: "valid", policy: RetentionPolicy{Enabled: true, MaxAgeDays: 30, CompressAgeDays: 7, CheckInterval: time.Hour}},
		{name: "negative max age", policy: RetentionPolicy{Enabled: true, MaxAgeDays: -1, CheckInterval: time.Hour}, wantErr: "max_age_days"},
		{name: "negative compress age", policy: RetentionPolicy{Enabled: true, CompressAgeDays: -2, CheckInterval: time.Hour}, wantErr: "compress_age_days must not"},
		{name: "compress after delete", policy: RetentionPolicy{Enabled: true, MaxAgeDays: 7, CompressAgeDays: 7, CheckInterval: time.Hour}, wantErr: "less than"},
		{name: "zero interval", policy: RetentionPolicy{Enabled: true, MaxAgeDays: 7}, wantErr: "check_interval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
