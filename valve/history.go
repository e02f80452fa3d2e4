package valve

import (
	"time"

	"github.com/zsiec/preroll/media"
)

// history is the rolling retention window: an ordered deque of units,
// oldest first, bounded by age rather than count. A burst of units inside
// the window is retained in full; only units older than maxAge relative to
// the newest insertion are evicted.
//
// history is not safe for concurrent use; the Valve serializes access.
type history struct {
	units  []*media.Unit
	maxAge time.Duration

	evicted int64 // lifetime eviction count, for stats
}

func newHistory(maxAge time.Duration) *history {
	return &history{maxAge: maxAge}
}

// insert appends u at the tail and evicts expired units from the head.
// Units must arrive with non-decreasing PTS; out-of-order input is a
// precondition violation and is not defended against.
func (h *history) insert(u *media.Unit) {
	h.units = append(h.units, u)

	cutoff := u.PTS - h.maxAge
	n := 0
	for n < len(h.units)-1 && h.units[n].PTS < cutoff {
		n++
	}
	if n > 0 {
		h.evicted += int64(n)
		// Re-slicing would pin evicted units in the backing array; shift
		// in place so they become collectable.
		rest := copy(h.units, h.units[n:])
		for i := rest; i < len(h.units); i++ {
			h.units[i] = nil
		}
		h.units = h.units[:rest]
	}
}

// snapshot returns the retained units, oldest first. The returned slice is
// a copy: the flush iterates it while the store may keep mutating on later
// insertions.
func (h *history) snapshot() []*media.Unit {
	if len(h.units) == 0 {
		return nil
	}
	out := make([]*media.Unit, len(h.units))
	copy(out, h.units)
	return out
}

func (h *history) len() int {
	return len(h.units)
}

// span is newest PTS minus oldest PTS, zero when fewer than two units are
// retained.
func (h *history) span() time.Duration {
	if len(h.units) < 2 {
		return 0
	}
	return h.units[len(h.units)-1].PTS - h.units[0].PTS
}
