// Package telemetry carries the engine's error reporting and Prometheus
// instruments. Both are injected; nothing here is process-global.
package telemetry

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/punchamoorthee/payoutops/internal/domain"
)

// Reporter receives errors worth an operator's attention.
type Reporter interface {
	Capture(err error, tags map[string]string)
}

// LogReporter reports through the structured logger.
type LogReporter struct {
	logger zerolog.Logger
}

func NewLogReporter(logger zerolog.Logger) *LogReporter {
	return &LogReporter{logger: logger.With().Str("component", "reporter").Logger()}
}

func (r *LogReporter) Capture(err error, tags map[string]string) {
	if err == nil {
		return
	}
	ev := r.logger.Error().Err(err).Str("kind", domain.KindOf(err).String())
	for k, v := range tags {
		ev = ev.Str(k, v)
	}
	ev.Msg("error captured")
}

type nop struct{}

func (nop) Capture(error, map[string]string) {}

// Nop discards every report.
var Nop Reporter = nop{}

// Captured is one report held by a Recorder.
type Captured struct {
	Err  error
	Tags map[string]string
}

// Recorder keeps reports in memory.
type Recorder struct {
	mu      sync.Mutex
	entries []Captured
}

func (r *Recorder) Capture(err error, tags map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make(map[string]string, len(tags))
	for k, v := range tags {
		cp[k] = v
	}
	r.entries = append(r.entries, Captured{Err: err, Tags: cp})
}

func (r *Recorder) Entries() []Captured {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Captured(nil), r.entries...)
}
