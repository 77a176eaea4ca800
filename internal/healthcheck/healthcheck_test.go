package healthcheck

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scottbrown/logcollector/internal/testutil/hecmock"
)

func TestConfigure_Validation(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		token    string
		interval time.Duration
		wantErr  bool
	}{
		{name: "valid", url: "https://hec.example.com/services/collector/event", token: "t", interval: time.Second},
		{name: "zero interval", url: "https://hec.example.com", token: "t", interval: 0, wantErr: true},
		{name: "negative interval", url: "https://hec.example.com", token: "t", interval: -time.Second, wantErr: true},
		{name: "bad url", url: "not a url", token: "t", interval: time.Second, wantErr: true},
		{name: "bad scheme", url: "ftp://hec.example.com", token: "t", interval: time.Second, wantErr: true},
		{name: "missing token", url: "https://hec.example.com", interval: time.Second, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New()
			err := m.Configure(tt.url, tt.token, tt.interval)
			_, configured := m.Config()
			if tt.wantErr {
				assert.Error(t, err)
				assert.False(t, configured)
				return
			}
			require.NoError(t, err)
			assert.True(t, configured)
			assert.False(t, m.Running())
		})
	}
}

func TestStart_NotConfigured(t *testing.T) {
	m := New()
	assert.ErrorIs(t, m.Start(), ErrNotConfigured)
	assert.False(t, m.Running())
	assert.ErrorIs(t, m.Probe(context.Background()), ErrNotConfigured)
}

func TestStop_WhenNotRunning(t *testing.T) {
	m := New()
	assert.NoError(t, m.Stop())
}

func TestLoop_ProbesEveryInterval(t *testing.T) {
	mock := hecmock.New("tok")
	defer mock.Close()

	m := New()
	require.NoError(t, m.Configure(mock.URL, "tok", 30*time.Millisecond))
	require.NoError(t, m.Start())
	require.NoError(t, m.Start(), "start is idempotent")
	assert.True(t, m.Running())

	require.True(t, mock.WaitForRequests(3, 2*time.Second))
	require.NoError(t, m.Stop())
	assert.False(t, m.Running())

	// No further probes after stop.
	count := mock.RequestCount()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, count, mock.RequestCount())

	ev := mock.Events()[0]
	assert.Equal(t, ProbeSource, ev.Source)
	assert.JSONEq(t, `{"message":"Health Check - OK"}`, string(ev.Event))
	assert.InDelta(t, time.Now().Unix(), ev.Time, 5)

	req := mock.Requests()[0]
	assert.Equal(t, "Bearer tok", req.Headers.Get("Authorization"))
	assert.Equal(t, "text/plain; charset=utf-8", req.Headers.Get("Content-Type"))
}

func TestLoop_FailedProbeKeepsRunning(t *testing.T) {
	mock := hecmock.New("tok")
	defer mock.Close()
	mock.SetResponse(hecmock.ResponseServiceUnavailable)

	m := New()
	require.NoError(t, m.Configure(mock.URL, "tok", 20*time.Millisecond))
	require.NoError(t, m.Start())
	defer m.Stop()

	require.True(t, mock.WaitForRequests(3, 2*time.Second))
	assert.True(t, m.Running())

	st := m.Status()
	assert.GreaterOrEqual(t, st.Failures, uint64(2))
	assert.Contains(t, st.LastError, "503")
	assert.True(t, st.LastSuccess.IsZero())
}

func TestStop_InterruptsLongInterval(t *testing.T) {
	mock := hecmock.New("tok")
	defer mock.Close()

	m := New()
	require.NoError(t, m.Configure(mock.URL, "tok", time.Hour))
	require.NoError(t, m.Start())

	start := time.Now()
	require.NoError(t, m.Stop())
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 0, mock.RequestCount())
}

func TestStop_CancelsInFlightProbe(t *testing.T) {
	mock := hecmock.New("tok")
	defer mock.Close()
	mock.SetDelay(time.Hour)

	m := New(WithStopTimeout(time.Second))
	require.NoError(t, m.Configure(mock.URL, "tok", 10*time.Millisecond))
	require.NoError(t, m.Start())
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	require.NoError(t, m.Stop())
	assert.Less(t, time.Since(start), time.Second)
}

func TestConfigure_WhileRunningStops(t *testing.T) {
	mock := hecmock.New("tok")
	defer mock.Close()

	m := New()
	require.NoError(t, m.Configure(mock.URL, "tok", 20*time.Millisecond))
	require.NoError(t, m.Start())

	require.NoError(t, m.Configure(mock.URL, "tok2", 40*time.Millisecond))
	assert.False(t, m.Running())

	cfg, ok := m.Config()
	require.True(t, ok)
	assert.Equal(t, "tok2", cfg.Token)
	assert.Equal(t, 40*time.Millisecond, cfg.Interval)
}

func TestProbe_OneShot(t *testing.T) {
	mock := hecmock.New("tok")
	defer mock.Close()

	m := New()
	require.NoError(t, m.Configure(mock.URL, "tok", time.Minute))
	require.NoError(t, m.Probe(context.Background()))
	assert.Equal(t, 1, mock.RequestCount())

	st := m.Status()
	assert.Equal(t, uint64(1), st.Probes)
	assert.False(t, st.LastSuccess.IsZero())

	mock.SetResponse(hecmock.ResponseForbidden)
	assert.Error(t, m.Probe(context.Background()))
}

func TestStatus_RedactsToken(t *testing.T) {
	m := New()
	require.NoError(t, m.Configure("https://hec.example.com/services/collector/event", "abcdef123456", time.Minute))

	st := m.Status()
	assert.True(t, st.Configured)
	assert.Equal(t, "abcd****", st.Token)
	assert.Equal(t, "1m0s", st.Interval)

	data, err := json.Marshal(st)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "abcdef123456")
	assert.NotContains(t, string(data), "last_probe")
}

func TestRedactToken(t *testing.T) {
	assert.Equal(t, "", RedactToken(""))
	assert.Equal(t, "****", RedactToken("abc"))
	assert.Equal(t, "****", RedactToken("abcd"))
	assert.Equal(t, "abcd****", RedactToken("abcde"))
}

func TestLoop_FiveSecondInterval(t *testing.T) {
	if testing.Short() {
		t.Skip("uses a real five second interval")
	}

	mock := hecmock.New("tok")
	defer mock.Close()

	m := New()
	require.NoError(t, m.Configure(mock.URL, "tok", 5*time.Second))
	require.NoError(t, m.Start())
	defer m.Stop()

	assert.True(t, mock.WaitForRequests(1, 6*time.Second))
}
