// Package pipeline runs a single stream through the valve: it reads units
// from a Source, pushes them through the gate, and delivers whatever the
// gate forwards to the downstream sink. End-of-stream and errors pass
// through transparently; the pipeline adds no buffering of its own, so
// downstream backpressure reaches the source as a delayed Read.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zsiec/preroll/media"
	"github.com/zsiec/preroll/valve"
)

// Source produces ordered units. Read returns io.EOF at end of stream.
type Source interface {
	Read() (*media.Unit, error)
}

// Snapshot is a point-in-time view of pipeline counters, combined with
// the valve's own stats for the control API.
type Snapshot struct {
	UnitsIn   int64       `json:"unitsIn"`
	LastPTSMs int64       `json:"lastPtsMs"`
	UptimeMs  int64       `json:"uptimeMs"`
	Valve     valve.Stats `json:"valve"`
}

// Pipeline bridges one Source and one sink through a Valve.
type Pipeline struct {
	log       *slog.Logger
	src       Source
	valve     *valve.Valve
	sink      valve.Sink
	startTime time.Time

	unitsIn atomic.Int64
	lastPTS atomic.Int64
}

// New creates a Pipeline gating units from src into sink using cfg.
// If log is nil, slog.Default() is used.
func New(src Source, cfg valve.Config, sink valve.Sink, log *slog.Logger) (*Pipeline, error) {
	if log == nil {
		log = slog.Default()
	}
	v, err := valve.New(cfg, sink, log)
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		log:       log.With("component", "pipeline"),
		src:       src,
		valve:     v,
		sink:      sink,
		startTime: time.Now(),
	}, nil
}

// Valve returns the gate, whose open property is the pipeline's runtime
// control surface.
func (p *Pipeline) Valve() *valve.Valve { return p.valve }

// Snapshot returns current pipeline and valve counters.
func (p *Pipeline) Snapshot() Snapshot {
	return Snapshot{
		UnitsIn:   p.unitsIn.Load(),
		LastPTSMs: p.lastPTS.Load(),
		UptimeMs:  time.Since(p.startTime).Milliseconds(),
		Valve:     p.valve.Stats(),
	}
}

// Run forwards units until the source ends or fails. On end-of-stream the
// sink is closed if it implements io.Closer; a source or sink error is
// returned unchanged in meaning. Run checks ctx between units and returns
// ctx.Err() once cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	p.log.Info("pipeline started")
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		u, err := p.src.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				p.log.Info("end of stream", "units", p.unitsIn.Load())
				return p.closeSink()
			}
			return fmt.Errorf("source: %w", err)
		}

		p.unitsIn.Add(1)
		p.lastPTS.Store(u.PTS.Milliseconds())

		if err := p.valve.Push(u); err != nil {
			return fmt.Errorf("valve: %w", err)
		}
	}
}

func (p *Pipeline) closeSink() error {
	if c, ok := p.sink.(io.Closer); ok {
		if err := c.Close(); err != nil {
			return fmt.Errorf("close sink: %w", err)
		}
	}
	return nil
}

// Tee fans units out to several sinks in order, failing on the first sink
// error. Close closes every sink that implements io.Closer. Used to feed
// a local segment writer and the QUIC fan-out from one valve.
type Tee struct {
	sinks []valve.Sink
}

// NewTee creates a Tee over the given sinks.
func NewTee(sinks ...valve.Sink) *Tee {
	return &Tee{sinks: sinks}
}

// Push delivers u to each sink in order.
func (t *Tee) Push(u *media.Unit) error {
	for _, s := range t.sinks {
		if err := s.Push(u); err != nil {
			return err
		}
	}
	return nil
}

// Close closes all closable sinks, returning the first error.
func (t *Tee) Close() error {
	var first error
	for _, s := range t.sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}
