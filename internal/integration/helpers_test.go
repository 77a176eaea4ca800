//go:build integration

package integration

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scottbrown/logcollector/internal/pipeline"
	"github.com/scottbrown/logcollector/internal/retry"
	"github.com/scottbrown/logcollector/internal/source"
	"github.com/scottbrown/logcollector/internal/testutil/hecmock"
	"github.com/scottbrown/logcollector/internal/testutil/logsender"
)

const token = "integration-token"

type options struct {
	protocol  source.Protocol
	batchSize int
	cidrs     string
	gzip      bool
	retry     retry.Config
	maxLine   int
}

type option func(*options)

func withProtocol(p source.Protocol) option { return func(o *options) { o.protocol = p } }
func withBatchSize(n int) option          { return func(o *options) { o.batchSize = n } }
func withCIDRs(c string) option           { return func(o *options) { o.cidrs = c } }
func withGzip() option                    { return func(o *options) { o.gzip = true } }
func withRetry(r retry.Config) option     { return func(o *options) { o.retry = r } }
func withMaxLine(n int) option            { return func(o *options) { o.maxLine = n } }

// instance is a running pipeline with one HEC source bound to loopback.
type instance struct {
	*pipeline.Pipeline
	HEC  *hecmock.Server
	Addr string
	Src  source.Source
}

func startInstance(t *testing.T, opts ...option) *instance {
	t.Helper()

	o := options{
		protocol:  source.TCP,
		batchSize: 1,
		retry:     retry.Config{MaxAttempts: 3, InitialBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond, Multiplier: 2},
	}
	for _, opt := range opts {
		opt(&o)
	}

	hec := hecmock.New(token)
	t.Cleanup(hec.Close)

	port := logsender.FreePort(t, o.protocol.Network())
	src := source.Source{
		ID:           "it",
		Name:         "integration",
		BindIP:       "127.0.0.1",
		Port:         port,
		Protocol:     o.protocol,
		Target:       source.HECTarget{URL: hec.URL, Token: token},
		BatchSize:    o.batchSize,
		AllowedCIDRs: o.cidrs,
	}

	cfg := pipeline.DefaultConfig()
	cfg.Processor.FlushInterval = 200 * time.Millisecond
	cfg.HEC.Gzip = o.gzip
	cfg.HEC.Retry = o.retry
	if o.maxLine > 0 {
		cfg.Listener.MaxLineBytes = o.maxLine
	}

	p, err := pipeline.New(cfg, source.Static{src.ID: src})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { _ = p.Close() })

	return &instance{
		Pipeline: p,
		HEC:      hec,
		Addr:     "127.0.0.1:" + strconv.Itoa(port),
		Src:      src,
	}
}

func (in *instance) send(t *testing.T, lines ...string) {
	t.Helper()
	s := logsender.New(in.Src.Protocol.Network(), in.Addr)
	require.NoError(t, s.Connect(context.Background()))
	defer s.Close()
	require.NoError(t, s.SendLines(lines))
}

// waitForEvents waits until n events were accepted by the mock.
func (in *instance) waitForEvents(t *testing.T, n int) []hecmock.Event {
	t.Helper()
	require.Eventually(t, func() bool { return len(in.HEC.Delivered()) >= n }, 5*time.Second, 20*time.Millisecond)
	return in.HEC.Delivered()
}
