// Package metrics emits per-action execution counters and latency
// observations. The default sink writes structured log lines; tests use the
// in-memory sink.
package metrics

import (
	"log/slog"
	"sync"
	"time"
)

// Labels identify the series a measurement belongs to.
type Labels struct {
	OrgID  string
	Tool   string
	Action string
	Status string
}

// Sink receives measurements. Implementations must be safe for concurrent use.
type Sink interface {
	Count(name string, labels Labels)
	Observe(name string, d time.Duration, labels Labels)
}

// LogSink emits measurements as structured log lines.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Count(name string, labels Labels) {
	s.logger.Debug("metric count",
		"metric", name,
		"org_id", labels.OrgID,
		"tool", labels.Tool,
		"action", labels.Action,
		"status", labels.Status)
}

func (s *LogSink) Observe(name string, d time.Duration, labels Labels) {
	s.logger.Debug("metric observe",
		"metric", name,
		"duration_ms", d.Milliseconds(),
		"org_id", labels.OrgID,
		"tool", labels.Tool,
		"action", labels.Action,
		"status", labels.Status)
}

// MemorySink records measurements for assertions in tests.
type MemorySink struct {
	mu       sync.Mutex
	counts   map[string]int
	observed map[string][]time.Duration
}

func NewMemorySink() *MemorySink {
	return &MemorySink{
		counts:   make(map[string]int),
		observed: make(map[string][]time.Duration),
	}
}

func (s *MemorySink) Count(name string, labels Labels) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[name+":"+labels.Status]++
}

func (s *MemorySink) Observe(name string, d time.Duration, labels Labels) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observed[name] = append(s.observed[name], d)
}

// CountOf returns the recorded count for a metric name and status.
func (s *MemorySink) CountOf(name, status string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[name+":"+status]
}

// Observations returns the recorded durations for a metric name.
func (s *MemorySink) Observations(name string) []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.observed[name]...)
}
