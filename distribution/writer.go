package distribution

import (
	"fmt"
	"io"
	"sync/atomic"

	"github.com/zsiec/preroll/media"
)

// WriterSink writes unit payloads verbatim to an io.Writer, in arrival
// order. For an H.264 elementary stream this reproduces a playable Annex B
// byte stream: the keyframe-anchored flush guarantees the output starts at
// a decodable point.
type WriterSink struct {
	w io.Writer

	units atomic.Int64
	bytes atomic.Int64
}

// NewWriterSink creates a sink writing payloads to w.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

// Push writes the unit's payload. A short or failed write is fatal for
// the stream and is returned upward unchanged in meaning.
func (s *WriterSink) Push(u *media.Unit) error {
	n, err := s.w.Write(u.Payload)
	s.bytes.Add(int64(n))
	if err != nil {
		return fmt.Errorf("sink write: %w", err)
	}
	s.units.Add(1)
	return nil
}

// Close closes the underlying writer if it implements io.Closer. Called
// on end-of-stream.
func (s *WriterSink) Close() error {
	if c, ok := s.w.(io.Closer); ok {
		if err := c.Close(); err != nil {
			return fmt.Errorf("sink close: %w", err)
		}
	}
	return nil
}

// Counts returns the number of units and payload bytes written so far.
func (s *WriterSink) Counts() (units, bytes int64) {
	return s.units.Load(), s.bytes.Load()
}
