package pipeline

import (
	"time"

	"github.com/scottbrown/logcollector/internal/processor"
	"github.com/scottbrown/logcollector/internal/queue"
	"github.com/scottbrown/logcollector/internal/source"
)

// SourceStatus describes one registered source.
type SourceStatus struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Listener      string    `json:"listener"`
	Address       string    `json:"address"`
	Worker        string    `json:"worker,omitempty"`
	Target        string    `json:"target"`
	Output        string    `json:"output_file,omitempty"`
	Circuit       string    `json:"circuit,omitempty"`
	BatchSize     int       `json:"batch_size"`
	Active        bool      `json:"active"`
	QueueDepth    int       `json:"queue_depth"`
	QueueCapacity int       `json:"queue_capacity"`
	Received      uint64    `json:"received"`
	QueueDrops    uint64    `json:"queue_drops"`
	Processed     uint64    `json:"processed"`
	LastProcessed time.Time `json:"last_processed,omitzero"`
	Failures      uint64    `json:"delivery_failures"`
	DroppedAfter  uint64    `json:"dropped_after_retries"`
	LastError     string    `json:"last_error,omitempty"`
	StartError    string    `json:"start_error,omitempty"`
}

// Status is a point-in-time view of the pipeline.
type Status struct {
	Running        bool              `json:"running"`
	StartedAt      time.Time         `json:"started_at,omitzero"`
	Reloads        int               `json:"reloads"`
	LastReload     time.Time         `json:"last_reload,omitzero"`
	Sources        []SourceStatus    `json:"sources"`
	Listeners      map[string]bool   `json:"listeners"`
	Metrics        processor.Metrics `json:"metrics"`
	DLQFile        string            `json:"dlq_file,omitempty"`
	StuckTasks     []string          `json:"stuck_tasks,omitempty"`
	RecentFailures []Failure         `json:"recent_failures,omitempty"`
}

// Status reports every source in the current build with its queue and
// delivery counters. Counters survive Stop until the next Start.
func (p *Pipeline) Status() Status {
	p.mu.Lock()
	st := Status{
		Running:   p.running,
		StartedAt: p.startedAt,
		Listeners: map[string]bool{},
	}
	sources := p.sources
	active := p.active
	startErrs := p.startErrs
	if p.listeners != nil {
		st.Listeners = p.listeners.Liveness()
	}
	var (
		queues       map[string]*queue.Queue
		destinations map[string]processor.Destination
		workers      = map[string]bool{}
	)
	if p.processors != nil {
		st.Metrics = p.processors.Metrics()
		queues = p.processors.Queues()
		destinations = p.processors.Destinations()
		for _, key := range p.processors.Workers() {
			workers[key] = true
		}
	}
	if p.dlq != nil {
		st.DLQFile = p.dlq.CurrentFile()
	}
	p.mu.Unlock()

	for _, src := range source.Sorted(sources) {
		ss := SourceStatus{
			ID:         src.ID,
			Name:       src.Name,
			Listener:   src.ListenerKey(),
			Address:    src.Address(),
			BatchSize:  src.EffectiveBatchSize(),
			Active:     active[src.ID] && st.Running,
			StartError: startErrs[src.ID],
		}
		if src.Target != nil {
			ss.Target = string(src.Target.Kind())
		}
		if addr, ok := p.ListenerAddr(ss.Listener); ok {
			ss.Address = addr
		}
		if key := processor.WorkerKey(src.ID, 0); workers[key] {
			ss.Worker = key
		}
		if d, ok := destinations[src.ID]; ok {
			ss.Output = d.File
			ss.Circuit = d.Circuit
		}
		if q, ok := queues[src.ID]; ok {
			ss.QueueDepth = q.Len()
			ss.QueueCapacity = q.Cap()
			ss.Received = q.Accepted()
			ss.QueueDrops = q.Dropped()
		}
		ss.Processed = st.Metrics.ProcessedLogsCount[src.ID]
		ss.LastProcessed = st.Metrics.LastProcessedTimestamp[src.ID]
		ss.Failures = st.Metrics.DeliveryFailures[src.ID]
		ss.DroppedAfter = st.Metrics.DroppedRecords[src.ID]
		ss.LastError = st.Metrics.LastError[src.ID]
		st.Sources = append(st.Sources, ss)
	}

	p.statusMu.Lock()
	st.Reloads = p.reloads
	st.LastReload = p.lastReload
	st.StuckTasks = append([]string(nil), p.stuck...)
	st.RecentFailures = append([]Failure(nil), p.failures...)
	p.statusMu.Unlock()

	return st
}
