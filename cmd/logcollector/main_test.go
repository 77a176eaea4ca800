package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scottbrown/logcollector/internal/audit"
	"github.com/scottbrown/logcollector/internal/config"
	"github.com/scottbrown/logcollector/internal/healthcheck"
	"github.com/scottbrown/logcollector/internal/metrics"
	"github.com/scottbrown/logcollector/internal/pipeline"
	"github.com/scottbrown/logcollector/internal/source"
	"github.com/scottbrown/logcollector/internal/testutil/hecmock"
)

func TestCommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"run", "sources", "smoke-test", "status", "template"} {
		assert.True(t, names[want], "missing command %q", want)
	}

	sub := map[string]bool{}
	for _, c := range sourcesCmd.Commands() {
		sub[c.Name()] = true
	}
	for _, want := range []string{"list", "add", "update", "delete"} {
		assert.True(t, sub[want], "missing sources command %q", want)
	}
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelInfo, parseLevel("info"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warn"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("bogus"))
}

func TestNewLogger_UTCAndLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "warn")

	logger.Info("hidden")
	logger.Warn("shown", "source_id", "abc")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "shown", rec["msg"])
	assert.Equal(t, "abc", rec["source_id"])
	ts, ok := rec["time"].(string)
	require.True(t, ok)
	assert.True(t, strings.HasSuffix(ts, "Z"), "timestamp %q is not UTC", ts)
}

func flagCmd(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "test"}
	registerSourceFlags(cmd)
	require.NoError(t, cmd.ParseFlags(args))
	return cmd
}

func TestApplySourceFlags_New(t *testing.T) {
	dir := t.TempDir()
	cmd := flagCmd(t, "--name", "fw", "--ip", "127.0.0.1", "--port", "5141", "--target", "folder", "--folder", dir)

	src, err := applySourceFlags(cmd, source.Source{})
	require.NoError(t, err)
	assert.Equal(t, "fw", src.Name)
	assert.Equal(t, 5141, src.Port)
	assert.Equal(t, source.UDP, src.Protocol)
	assert.Equal(t, source.FolderTarget{Path: dir}, src.Target)
	assert.NoError(t, src.Validate())
}

func TestApplySourceFlags_RequiresTarget(t *testing.T) {
	cmd := flagCmd(t, "--name", "fw")
	_, err := applySourceFlags(cmd, source.Source{})
	assert.Error(t, err)
}

func TestApplySourceFlags_EditsExisting(t *testing.T) {
	current := source.Source{
		ID:        "id-1",
		Name:      "web",
		BindIP:    "0.0.0.0",
		Port:      6000,
		Protocol:  source.TCP,
		Target:    source.HECTarget{URL: "https://hec.example.com", Token: "old"},
		BatchSize: 500,
	}

	src, err := applySourceFlags(flagCmd(t, "--hec-token", "new", "--port", "6001"), current)
	require.NoError(t, err)
	assert.Equal(t, source.HECTarget{URL: "https://hec.example.com", Token: "new"}, src.Target)
	assert.Equal(t, 6001, src.Port)
	assert.Equal(t, source.TCP, src.Protocol)
	assert.Equal(t, 500, src.BatchSize)
	assert.Equal(t, "web", src.Name)
}

func TestApplySourceFlags_ChangingKindResetsBatchSize(t *testing.T) {
	current := source.Source{
		Name:      "web",
		Protocol:  source.UDP,
		Target:    source.HECTarget{URL: "https://hec.example.com", Token: "t"},
		BatchSize: source.DefaultHECBatchSize,
	}

	src, err := applySourceFlags(flagCmd(t, "--target", "FOLDER", "--folder", t.TempDir()), current)
	require.NoError(t, err)
	assert.Equal(t, source.KindFolder, src.Target.Kind())
	assert.Equal(t, source.DefaultFolderBatchSize, src.WithDefaults().BatchSize)
}

func TestPrintSources(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printSources(&buf, nil))
	assert.Contains(t, buf.String(), "No sources registered")

	buf.Reset()
	require.NoError(t, printSources(&buf, map[string]source.Source{
		"a": {ID: "a", Name: "alpha", BindIP: "0.0.0.0", Port: 514, Protocol: source.UDP, Target: source.FolderTarget{Path: "/var/log/alpha"}},
		"b": {ID: "b", Name: "beta", BindIP: "0.0.0.0", Port: 601, Protocol: source.TCP, Target: source.HECTarget{URL: "https://hec", Token: "secret-token"}},
	}))

	out := buf.String()
	assert.Contains(t, out, "UDP:514")
	assert.Contains(t, out, "/var/log/alpha")
	assert.Contains(t, out, "secr****")
	assert.NotContains(t, out, "secret-token")
	assert.Less(t, strings.Index(out, "alpha"), strings.Index(out, "beta"))
}

func TestCheckTarget(t *testing.T) {
	mock := hecmock.New("good")
	defer mock.Close()

	hec := func(token string) source.Source {
		return source.Source{Target: source.HECTarget{URL: mock.URL, Token: token}}
	}

	require.NoError(t, checkTarget(context.Background(), hec("good")))
	require.Len(t, mock.Events(), 1)
	assert.Equal(t, healthcheck.ProbeSource, mock.Events()[0].Source)

	assert.Error(t, checkTarget(context.Background(), hec("wrong")))
	assert.NoError(t, checkTarget(context.Background(), source.Source{Target: source.FolderTarget{Path: "/tmp"}}))
}

func TestPerformSmokeTest(t *testing.T) {
	mock := hecmock.New("tok")
	defer mock.Close()

	var out bytes.Buffer
	err := performSmokeTest(context.Background(), &out, config.HealthCheckConfig{HECURL: mock.URL, HECToken: "tok"})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "Success")
	assert.Equal(t, 1, mock.RequestCount())

	out.Reset()
	err = performSmokeTest(context.Background(), &out, config.HealthCheckConfig{HECToken: "tok"})
	require.Error(t, err)
	assert.Contains(t, out.String(), "HEC URL is not configured")

	out.Reset()
	err = performSmokeTest(context.Background(), &out, config.HealthCheckConfig{HECURL: mock.URL})
	require.Error(t, err)
	assert.Contains(t, out.String(), "HEC token is not configured")

	mock.SetResponse(hecmock.ResponseForbidden)
	out.Reset()
	err = performSmokeTest(context.Background(), &out, config.HealthCheckConfig{HECURL: mock.URL, HECToken: "tok"})
	require.Error(t, err)
	assert.Contains(t, out.String(), "Error")
}

func TestFetchAndPrintStatus(t *testing.T) {
	report := statusReport{
		Version: "1.2.3 (test)",
		Pipeline: pipeline.Status{
			Running:   true,
			StartedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
			Reloads:   2,
			Sources: []pipeline.SourceStatus{
				{ID: "a", Name: "alpha", Listener: "UDP:5141", Target: "FOLDER", Active: true, QueueDepth: 3, QueueCapacity: 100, Received: 10, Processed: 7},
				{ID: "b", Name: "beta", Listener: "TCP:6000", Target: "HEC", StartError: "address already in use", Circuit: "open"},
			},
			DLQFile:    "/var/lib/logcollector/dlq/dlq-2026-01-02.ndjson",
			StuckTasks: []string{"b:0"},
		},
		HealthCheck: healthcheck.Status{Configured: true, Running: true, URL: "https://hec", Token: "abcd****", Interval: "1m0s", Probes: 4},
	}

	srv := metrics.NewServer("127.0.0.1:0", func() any { return report })
	require.NoError(t, srv.Start())
	defer srv.Shutdown(context.Background())

	raw, err := fetchStatus(context.Background(), http.DefaultClient, srv.Addr())
	require.NoError(t, err)

	var got statusReport
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, report.Pipeline.Sources, got.Pipeline.Sources)
	assert.Equal(t, "abcd****", got.HealthCheck.Token)

	var out bytes.Buffer
	require.NoError(t, printStatus(&out, got))
	s := out.String()
	assert.Contains(t, s, "logcollector 1.2.3 (test)")
	assert.Contains(t, s, "running since 2026-01-02T03:04:05Z, reloads: 2")
	assert.Contains(t, s, "alpha")
	assert.Contains(t, s, "3/100")
	assert.Contains(t, s, "inactive")
	assert.Contains(t, s, "beta: address already in use")
	assert.Contains(t, s, "Stuck tasks: b:0")
	assert.Contains(t, s, "token abcd****")
	assert.Contains(t, s, "beta: circuit open")
	assert.Contains(t, s, "DLQ: /var/lib/logcollector/dlq/dlq-2026-01-02.ndjson")
}

func TestFetchStatus_Errors(t *testing.T) {
	srv := metrics.NewServer("127.0.0.1:0", nil)
	require.NoError(t, srv.Start())
	defer srv.Shutdown(context.Background())

	_, err := fetchStatus(context.Background(), http.DefaultClient, "http://"+srv.Addr()+"/")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestWatchSources(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sources.yml")
	require.NoError(t, os.WriteFile(path, []byte("sources: []\n"), 0600))

	changed := make(chan struct{}, 10)
	w, err := watchSources(path, 20*time.Millisecond, func() { changed <- struct{}{} })
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yml"), []byte("x"), 0600))
	select {
	case <-changed:
		t.Fatal("unrelated file triggered a change")
	case <-time.After(200 * time.Millisecond):
	}

	for i := range 3 {
		require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf("sources: [] # %d\n", i)), 0600))
	}
	select {
	case <-changed:
	case <-time.After(3 * time.Second):
		t.Fatal("change was not reported")
	}

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
}

func TestTemplateCommand(t *testing.T) {
	var out bytes.Buffer
	templateCmd.SetOut(&out)
	defer templateCmd.SetOut(nil)

	templateCmd.Run(templateCmd, nil)
	assert.Equal(t, config.Template(), out.String())
}

func TestRecordAudit_LogsWriteFailure(t *testing.T) {
	al, err := audit.New(audit.Config{Enabled: true, LogFile: filepath.Join(t.TempDir(), "audit.log"), Format: "json"})
	require.NoError(t, err)
	defer al.Close()

	var logs bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(newLogger(&logs, "info"))
	defer slog.SetDefault(prev)

	// A value json cannot encode makes the write fail.
	recordAudit(al, audit.EventSourceAdded, "src-1", "add", nil, map[string]any{"bad": func() {}})

	assert.Contains(t, logs.String(), "failed to write audit event")
	assert.Contains(t, logs.String(), "src-1")
}

func TestSourcesCommands(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "logcollector.yml")
	sourcesPath := filepath.Join(dir, "sources.yml")
	auditPath := filepath.Join(dir, "audit.log")
	require.NoError(t, os.WriteFile(cfgPath, []byte(fmt.Sprintf(
		"sources_file: %s\naudit:\n  enabled: true\n  file: %s\n", sourcesPath, auditPath)), 0600))

	run := func(args ...string) (string, error) {
		var out bytes.Buffer
		rootCmd.SetOut(&out)
		rootCmd.SetErr(&out)
		rootCmd.SetArgs(append([]string{"--config", cfgPath}, args...))
		defer func() {
			rootCmd.SetOut(nil)
			rootCmd.SetErr(nil)
			rootCmd.SetArgs(nil)
		}()
		err := rootCmd.Execute()
		return out.String(), err
	}

	out, err := run("sources", "add", "--name", "fw", "--ip", "127.0.0.1", "--port", "5141",
		"--target", "FOLDER", "--folder", filepath.Join(dir, "out"))
	require.NoError(t, err, out)
	assert.Contains(t, out, "Added source")

	reg, err := source.OpenFile(sourcesPath)
	require.NoError(t, err)
	all := reg.Sources()
	require.Len(t, all, 1)
	var id string
	for k := range all {
		id = k
	}

	out, err = run("sources", "list")
	require.NoError(t, err, out)
	assert.Contains(t, out, "UDP:5141")

	out, err = run("sources", "delete", id)
	require.NoError(t, err, out)
	assert.Contains(t, out, "Deleted source "+id)

	_, err = run("sources", "delete", id)
	assert.ErrorIs(t, err, source.ErrNotFound)

	data, err := os.ReadFile(auditPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"event_type":"source.added"`)
	assert.Contains(t, string(data), `"event_type":"source.deleted"`)
}
