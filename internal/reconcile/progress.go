package reconcile

import (
	"log/slog"
	"sync"
	"time"
)

// Progress is one reconciliation progress report.
type Progress struct {
	Processed   int           `json:"processed"`
	Total       int           `json:"total"`
	Percent     float64       `json:"percent"`
	CurrentStep string        `json:"currentStep"`
	ETA         time.Duration `json:"eta"`
	StartedAt   time.Time     `json:"startedAt"`
}

// ProgressSink receives progress reports during a run.
type ProgressSink interface {
	Update(p Progress)
}

// LogSink logs progress at a coarse cadence.
type LogSink struct {
	logger *slog.Logger

	mu           sync.Mutex
	lastReported int
}

// NewLogSink creates a sink that logs roughly every 25 files and on
// completion.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Update(p Progress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.Processed != p.Total && p.Processed-s.lastReported < 25 {
		return
	}
	s.lastReported = p.Processed
	s.logger.Info("reconciliation progress",
		"processed", p.Processed,
		"total", p.Total,
		"percent", int(p.Percent),
		"eta", p.ETA.Round(time.Second).String(),
	)
}

// StateSink retains the most recent report for status queries.
type StateSink struct {
	mu     sync.RWMutex
	latest Progress
}

func NewStateSink() *StateSink {
	return &StateSink{}
}

func (s *StateSink) Update(p Progress) {
	s.mu.Lock()
	s.latest = p
	s.mu.Unlock()
}

// Current returns the most recent progress report.
func (s *StateSink) Current() Progress {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest
}

// MultiSink fans one report out to several sinks.
type MultiSink []ProgressSink

func (m MultiSink) Update(p Progress) {
	for _, s := range m {
		s.Update(p)
	}
}
