package processor

import (
	"maps"
	"time"
)

// Metrics is a point-in-time view of per-source delivery counters.
type Metrics struct {
	ProcessedLogsCount     map[string]uint64    `json:"processed_logs_count"`
	LastProcessedTimestamp map[string]time.Time `json:"last_processed_timestamp"`
	DeliveryFailures       map[string]uint64    `json:"delivery_failures"`
	DroppedRecords         map[string]uint64    `json:"dropped_records"`
	LastError              map[string]string    `json:"last_error"`
}

func newMetrics() Metrics {
	return Metrics{
		ProcessedLogsCount:     map[string]uint64{},
		LastProcessedTimestamp: map[string]time.Time{},
		DeliveryFailures:       map[string]uint64{},
		DroppedRecords:         map[string]uint64{},
		LastError:              map[string]string{},
	}
}

// Metrics returns a copy of the counters collected since Start.
func (m *Manager) Metrics() Metrics {
	m.statsMu.RLock()
	defer m.statsMu.RUnlock()
	return Metrics{
		ProcessedLogsCount:     maps.Clone(m.stats.ProcessedLogsCount),
		LastProcessedTimestamp: maps.Clone(m.stats.LastProcessedTimestamp),
		DeliveryFailures:       maps.Clone(m.stats.DeliveryFailures),
		DroppedRecords:         maps.Clone(m.stats.DroppedRecords),
		LastError:              maps.Clone(m.stats.LastError),
	}
}

func (m *Manager) recordSuccess(sourceID string, n int) {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	m.stats.ProcessedLogsCount[sourceID] += uint64(n)
	m.stats.LastProcessedTimestamp[sourceID] = time.Now()
}

func (m *Manager) recordFailure(sourceID string, n int, err error) {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	m.stats.DeliveryFailures[sourceID]++
	m.stats.DroppedRecords[sourceID] += uint64(n)
	if err != nil {
		m.stats.LastError[sourceID] = err.Error()
	}
}

func (m *Manager) setLastError(sourceID, msg string) {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	m.stats.LastError[sourceID] = msg
}
