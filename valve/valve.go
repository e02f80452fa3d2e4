// Package valve implements a preroll gate for live media pipelines. While
// closed, the valve silently retains a bounded time-window of recent units
// instead of forwarding them; while open, it forwards units immediately.
// On the closed→open transition it first flushes the retained history,
// realigned to the earliest keyframe in the window, so a consumer that
// starts receiving mid-stream still gets a decodable, keyframe-anchored
// lead-in instead of a stream starting mid-GOP.
package valve

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/preroll/media"
)

// DefaultMaxHistory is the retention window used when Config.MaxHistory
// is zero.
const DefaultMaxHistory = 5 * time.Second

// NoKeyframePolicy selects what the flush emits when the retained window
// contains no keyframe at all. The window is then undecodable from a cold
// start, and the right answer depends on the consumer: a muxer feeding a
// strict decoder wants nothing, a diagnostic recorder wants everything.
type NoKeyframePolicy int

const (
	// NoKeyframeDrop emits nothing and proceeds straight to pass-through.
	NoKeyframeDrop NoKeyframePolicy = iota

	// NoKeyframeEmitAll emits the full window and accepts an undecodable
	// lead-in, logging a warning.
	NoKeyframeEmitAll
)

func (p NoKeyframePolicy) String() string {
	switch p {
	case NoKeyframeDrop:
		return "drop"
	case NoKeyframeEmitAll:
		return "emit-all"
	default:
		return fmt.Sprintf("NoKeyframePolicy(%d)", int(p))
	}
}

// ErrNegativeMaxHistory is returned by New for a negative retention window.
var ErrNegativeMaxHistory = errors.New("valve: max history must not be negative")

// Sink receives units leaving the valve. Push blocks until the unit is
// accepted; that blocking call is the valve's backpressure point. A Push
// error is fatal for the stream: the valve never retries, since a retry
// would reorder units.
type Sink interface {
	Push(u *media.Unit) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(u *media.Unit) error

// Push calls f(u).
func (f SinkFunc) Push(u *media.Unit) error { return f(u) }

// Config holds the valve's construction options.
type Config struct {
	// Open is the initial gate state. Default closed.
	Open bool

	// MaxHistory bounds the age of retained units. Zero means
	// DefaultMaxHistory; negative is a configuration error.
	MaxHistory time.Duration

	// OnNoKeyframe selects the flush behavior for a window with no
	// keyframe. Default NoKeyframeDrop.
	OnNoKeyframe NoKeyframePolicy

	// Debug enables per-unit trace logging. Logging only; no behavioral
	// effect.
	Debug bool
}

// Stats is a point-in-time snapshot of valve counters.
type Stats struct {
	Open      bool  `json:"open"`
	Retained  int   `json:"retained"`
	SpanMs    int64 `json:"spanMs"`
	Received  int64 `json:"received"`
	Forwarded int64 `json:"forwarded"`
	Flushed   int64 `json:"flushed"`
	Evicted   int64 `json:"evicted"`
	Flushes   int64 `json:"flushes"`
}

// Valve gates a single ordered stream of units. Units arrive on one
// delivery path via Push; the open property may be toggled concurrently
// from a control path via SetOpen. One mutex covers insert-and-decide and
// the flush, so a toggle arriving mid-unit or mid-flush is applied either
// strictly before or strictly after, never interleaved.
type Valve struct {
	log   *slog.Logger
	out   Sink
	debug bool

	mu     sync.Mutex
	open   bool
	hist   *history
	policy NoKeyframePolicy

	received  atomic.Int64
	forwarded atomic.Int64
	flushed   atomic.Int64
	flushes   atomic.Int64
}

// New creates a Valve forwarding to out. If log is nil, slog.Default()
// is used.
func New(cfg Config, out Sink, log *slog.Logger) (*Valve, error) {
	if cfg.MaxHistory < 0 {
		return nil, fmt.Errorf("%w: %v", ErrNegativeMaxHistory, cfg.MaxHistory)
	}
	if cfg.MaxHistory == 0 {
		cfg.MaxHistory = DefaultMaxHistory
	}
	if out == nil {
		return nil, errors.New("valve: nil sink")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Valve{
		log:    log.With("component", "valve"),
		out:    out,
		debug:  cfg.Debug,
		open:   cfg.Open,
		hist:   newHistory(cfg.MaxHistory),
		policy: cfg.OnNoKeyframe,
	}, nil
}

// Push processes one incoming unit: it is inserted into the retention
// window first (expired units are evicted), then forwarded downstream iff
// the gate is open. Retention happens in both states so a later
// close-then-reopen cycle is not starved of history.
//
// Push blocks while a concurrent SetOpen(true) flush is in progress; the
// unit is then routed according to the post-flush state, preserving the
// guarantee that no live unit is emitted before the flushed history.
func (v *Valve) Push(u *media.Unit) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.received.Add(1)
	v.hist.insert(u)

	if v.debug {
		v.log.Debug("unit received",
			"pts", u.PTS, "keyframe", u.Keyframe, "open", v.open, "retained", v.hist.len())
	}

	if !v.open {
		return nil
	}

	if err := v.out.Push(u); err != nil {
		return fmt.Errorf("forward unit pts=%v: %w", u.PTS, err)
	}
	v.forwarded.Add(1)
	return nil
}

// SetOpen toggles the gate. Opening a closed valve runs the flush
// synchronously before the call returns: the retained window is realigned
// to its earliest keyframe and emitted downstream in order. Closing takes
// effect immediately and has no other side effect. Redundant transitions
// are no-ops.
//
// A flush error is fatal for the stream and is returned to the caller;
// the valve stays closed in that case so a supervisor can tear the
// pipeline down without live units racing past the failure.
func (v *Valve) SetOpen(open bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if open == v.open {
		return nil
	}
	if !open {
		v.open = false
		v.log.Info("valve closed", "retained", v.hist.len())
		return nil
	}

	if err := v.flushLocked(); err != nil {
		return err
	}
	v.open = true
	return nil
}

// Open reports the current gate state.
func (v *Valve) Open() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.open
}

// Stats returns a snapshot of the valve's counters.
func (v *Valve) Stats() Stats {
	v.mu.Lock()
	open, retained, span := v.open, v.hist.len(), v.hist.span()
	evicted := v.hist.evicted
	v.mu.Unlock()

	return Stats{
		Open:      open,
		Retained:  retained,
		SpanMs:    span.Milliseconds(),
		Received:  v.received.Load(),
		Forwarded: v.forwarded.Load(),
		Flushed:   v.flushed.Load(),
		Evicted:   evicted,
		Flushes:   v.flushes.Load(),
	}
}

// flushLocked emits the keyframe-anchored suffix of the retained window.
// Called with v.mu held; the history itself is left intact, eviction by
// age being the only removal path, so an immediate close-then-reopen still
// has the same window available.
func (v *Valve) flushLocked() error {
	units := v.hist.snapshot()
	v.flushes.Add(1)

	if len(units) == 0 {
		v.log.Info("valve opened", "flushed", 0)
		return nil
	}

	start := -1
	for i, u := range units {
		if u.Keyframe {
			start = i
			break
		}
	}

	if start < 0 {
		switch v.policy {
		case NoKeyframeEmitAll:
			v.log.Warn("no keyframe in retained window, emitting full window",
				"retained", len(units))
			start = 0
		default:
			v.log.Warn("no keyframe in retained window, emitting nothing",
				"retained", len(units))
			v.log.Info("valve opened", "flushed", 0)
			return nil
		}
	}

	for _, u := range units[start:] {
		if v.debug {
			v.log.Debug("flushing unit", "pts", u.PTS, "keyframe", u.Keyframe)
		}
		if err := v.out.Push(u); err != nil {
			return fmt.Errorf("flush unit pts=%v: %w", u.PTS, err)
		}
		v.flushed.Add(1)
		v.forwarded.Add(1)
	}

	v.log.Info("valve opened",
		"flushed", len(units)-start,
		"discarded", start,
		"anchor_pts", units[start].PTS)
	return nil
}
