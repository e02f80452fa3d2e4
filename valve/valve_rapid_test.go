package valve

import (
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/zsiec/preroll/media"
)

// TestWindowBoundProperty checks the retention invariant over arbitrary
// ordered insertion sequences: the retained span never exceeds the
// configured window, and retained units stay ordered oldest-first.
func TestWindowBoundProperty(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		maxAge := time.Duration(rapid.Int64Range(1, int64(10*time.Second)).Draw(t, "maxAge"))
		h := newHistory(maxAge)

		pts := time.Duration(0)
		steps := rapid.IntRange(1, 300).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			pts += time.Duration(rapid.Int64Range(0, int64(time.Second)).Draw(t, "gap"))
			h.insert(&media.Unit{PTS: pts, Keyframe: rapid.Bool().Draw(t, "key")})

			if got := h.span(); got > maxAge {
				t.Fatalf("span %v exceeds window %v after %d inserts", got, maxAge, i+1)
			}
			units := h.snapshot()
			for j := 1; j < len(units); j++ {
				if units[j].PTS < units[j-1].PTS {
					t.Fatalf("snapshot unordered at %d", j)
				}
			}
			if units[len(units)-1].PTS != pts {
				t.Fatalf("newest unit missing: got %v, want %v", units[len(units)-1].PTS, pts)
			}
		}
	})
}

// TestFlushAnchorProperty checks that for any ordered input with at least
// one retained keyframe, the first unit the flush emits is a keyframe and
// the emission is a contiguous suffix of the retained window.
func TestFlushAnchorProperty(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		sink := &collector{}
		v, err := New(Config{MaxHistory: 5 * time.Second}, sink, nil)
		if err != nil {
			t.Fatalf("New: %v", err)
		}

		pts := time.Duration(0)
		steps := rapid.IntRange(1, 200).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			pts += time.Duration(rapid.Int64Range(1, int64(500*time.Millisecond)).Draw(t, "gap"))
			if err := v.Push(&media.Unit{PTS: pts, Keyframe: rapid.IntRange(0, 9).Draw(t, "key") == 0}); err != nil {
				t.Fatalf("Push: %v", err)
			}
		}

		retained := v.hist.snapshot()
		if err := v.SetOpen(true); err != nil {
			t.Fatalf("SetOpen: %v", err)
		}

		units := sink.all()
		hasKey := false
		for _, u := range retained {
			if u.Keyframe {
				hasKey = true
				break
			}
		}
		if !hasKey {
			if len(units) != 0 {
				t.Fatalf("drop policy emitted %d units from keyframe-free window", len(units))
			}
			return
		}

		if len(units) == 0 {
			t.Fatal("flush emitted nothing despite a retained keyframe")
		}
		if !units[0].Keyframe {
			t.Fatalf("flush anchor at %v is not a keyframe", units[0].PTS)
		}
		// Contiguous suffix: the emitted units are exactly the tail of the
		// retained window starting at the anchor.
		tail := retained[len(retained)-len(units):]
		for i := range units {
			if units[i] != tail[i] {
				t.Fatalf("flush output is not a contiguous suffix at %d", i)
			}
		}
		for _, u := range retained[:len(retained)-len(units)] {
			if u.Keyframe {
				t.Fatalf("keyframe at %v discarded ahead of the anchor", u.PTS)
			}
		}
	})
}
