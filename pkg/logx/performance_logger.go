package logx

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// PerformanceLogger accumulates timing statistics for named operations
// (external probe and fetch invocations) and logs slow or failing ones.
type PerformanceLogger struct {
	logger        *Logger
	slowThreshold time.Duration

	mu      sync.Mutex
	metrics map[string]*OperationStats
}

// OperationStats is the running summary of one operation name
type OperationStats struct {
	Name          string        `json:"name"`
	Count         int64         `json:"count"`
	ErrorCount    int64         `json:"error_count"`
	TotalDuration time.Duration `json:"total_duration"`
	MinDuration   time.Duration `json:"min_duration"`
	MaxDuration   time.Duration `json:"max_duration"`
	LastExecuted  time.Time     `json:"last_executed"`
	InFlight      int64         `json:"in_flight"`
}

// AvgDuration returns the mean duration, zero when nothing completed
func (s OperationStats) AvgDuration() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.TotalDuration / time.Duration(s.Count)
}

// SuccessRate returns the percentage of completions without error
func (s OperationStats) SuccessRate() float64 {
	if s.Count == 0 {
		return 100
	}
	return float64(s.Count-s.ErrorCount) / float64(s.Count) * 100
}

// Operation is an in-flight timing handle returned by StartOperation
type Operation struct {
	name  string
	start time.Time
	pl    *PerformanceLogger
}

// NewPerformanceLogger creates a performance logger. Completions slower than
// slowThreshold are logged at info level; zero disables that.
func NewPerformanceLogger(logger *Logger, slowThreshold time.Duration) *PerformanceLogger {
	return &PerformanceLogger{
		logger:        logger,
		slowThreshold: slowThreshold,
		metrics:       make(map[string]*OperationStats),
	}
}

// StartOperation begins timing an operation
func (pl *PerformanceLogger) StartOperation(name string) *Operation {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	stats, ok := pl.metrics[name]
	if !ok {
		stats = &OperationStats{Name: name}
		pl.metrics[name] = stats
	}
	stats.InFlight++

	return &Operation{name: name, start: time.Now(), pl: pl}
}

// Complete records the outcome of the operation
func (op *Operation) Complete(err error) time.Duration {
	d := time.Since(op.start)
	pl := op.pl

	pl.mu.Lock()
	stats := pl.metrics[op.name]
	stats.InFlight--
	stats.Count++
	stats.TotalDuration += d
	stats.LastExecuted = time.Now()
	if stats.Count == 1 || d < stats.MinDuration {
		stats.MinDuration = d
	}
	if d > stats.MaxDuration {
		stats.MaxDuration = d
	}
	if err != nil {
		stats.ErrorCount++
	}
	snapshot := *stats
	pl.mu.Unlock()

	switch {
	case err != nil:
		pl.logger.Debug("Operation failed",
			"operation", op.name,
			"duration", d.String(),
			"error", err,
			"success_rate", fmt.Sprintf("%.2f%%", snapshot.SuccessRate()),
		)
	case pl.slowThreshold > 0 && d > pl.slowThreshold:
		pl.logger.Info("Slow operation",
			"operation", op.name,
			"duration", d.String(),
			"avg_duration", snapshot.AvgDuration().String(),
		)
	}
	return d
}

// GetMetric returns a copy of the stats for name
func (pl *PerformanceLogger) GetMetric(name string) (OperationStats, bool) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	s, ok := pl.metrics[name]
	if !ok {
		return OperationStats{}, false
	}
	return *s, true
}

// LogSummary logs every operation's statistics, sorted by name
func (pl *PerformanceLogger) LogSummary() {
	pl.mu.Lock()
	all := make([]OperationStats, 0, len(pl.metrics))
	for _, s := range pl.metrics {
		all = append(all, *s)
	}
	pl.mu.Unlock()

	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	for _, s := range all {
		pl.logger.Info("Operation summary",
			"operation", s.Name,
			"count", s.Count,
			"errors", s.ErrorCount,
			"avg_duration", s.AvgDuration().String(),
			"min_duration", s.MinDuration.String(),
			"max_duration", s.MaxDuration.String(),
		)
	}
}
