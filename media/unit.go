// Package media defines the unit type that flows through the preroll
// processing chain, from ingest framing through the valve to distribution.
package media

import "time"

// Unit is a single encoded media unit: one access unit of an elementary
// stream, or any other opaque timestamped blob. Units are immutable once
// created and are owned by whichever structure currently holds them.
type Unit struct {
	// PTS is the presentation timestamp, monotonic within a stream.
	PTS time.Duration

	// Keyframe marks a unit that can be decoded without reference to any
	// earlier unit, i.e. a valid stream resume point.
	Keyframe bool

	// Payload is the encoded data. The valve never inspects it.
	Payload []byte
}

// Clone returns a deep copy of the unit. Sinks that retain payloads past
// the Push call use this to decouple from upstream buffer reuse.
func (u *Unit) Clone() *Unit {
	c := &Unit{PTS: u.PTS, Keyframe: u.Keyframe}
	if u.Payload != nil {
		c.Payload = make([]byte, len(u.Payload))
		copy(c.Payload, u.Payload)
	}
	return c
}
