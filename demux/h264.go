// Package demux turns raw byte streams into timestamped media units for
// the valve. The only parsing it does is the minimum the valve contract
// needs: access-unit boundaries and keyframe identification. Payloads are
// passed through byte-for-byte.
package demux

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/zsiec/preroll/media"
)

// H.264 NAL unit type constants as defined in ITU-T H.264 Table 7-1.
const (
	NALTypeSlice = 1
	NALTypeIDR   = 5
	NALTypeSEI   = 6
	NALTypeSPS   = 7
	NALTypePPS   = 8
	NALTypeAUD   = 9
)

// readChunkSize is the fill size for the framer's scan buffer.
const readChunkSize = 64 * 1024

// ErrInvalidFPS is returned by NewH264Framer for a non-positive frame rate.
var ErrInvalidFPS = errors.New("demux: fps must be positive")

// H264Framer splits an H.264 Annex B elementary stream into access units
// and emits each as a media.Unit. The stream carries no timestamps of its
// own, so the framer paces synthetic PTS at a fixed frame rate, the same
// way a parser element does for raw elementary input.
//
// Access-unit detection assumes one VCL NAL per picture (the common case
// for elementary streams produced by a single encoder): each VCL NAL
// closes the current access unit, and non-VCL NALs (SPS/PPS/SEI/AUD)
// attach to the unit that follows them. A unit is a keyframe when it
// contains an IDR slice.
type H264Framer struct {
	log *slog.Logger
	r   io.Reader

	interval time.Duration
	pts      time.Duration

	buf     []byte
	aligned bool // buf begins at a start code
	scanPos int  // resume point for the next-start-code search
	eof     bool

	pending    []byte
	pendingVCL bool
	pendingIDR bool

	frames    int64
	keyframes int64
}

// NewH264Framer creates a framer reading from r, pacing PTS at fps frames
// per second. If log is nil, slog.Default() is used.
func NewH264Framer(r io.Reader, fps float64, log *slog.Logger) (*H264Framer, error) {
	if fps <= 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFPS, fps)
	}
	if log == nil {
		log = slog.Default()
	}
	return &H264Framer{
		log:      log.With("component", "h264-framer"),
		r:        r,
		interval: time.Duration(float64(time.Second) / fps),
	}, nil
}

// Read returns the next access unit, or io.EOF when the stream ends.
func (f *H264Framer) Read() (*media.Unit, error) {
	for {
		nal, err := f.nextNAL()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if f.pendingVCL {
					return f.emit(), nil
				}
				f.log.Debug("stream ended", "frames", f.frames, "keyframes", f.keyframes)
			}
			return nil, err
		}
		if len(nal) == 0 {
			continue
		}

		// Each VCL NAL closes its access unit; trailing non-VCL NALs at
		// EOF (a dangling SPS, say) belong to no picture and are dropped.
		f.appendNAL(nal, nal[0]&0x1F)
		if f.pendingVCL {
			return f.emit(), nil
		}
	}
}

// Stats returns lifetime frame counters.
func (f *H264Framer) Stats() (frames, keyframes int64) {
	return f.frames, f.keyframes
}

func (f *H264Framer) appendNAL(nal []byte, nalType byte) {
	f.pending = append(f.pending, 0x00, 0x00, 0x00, 0x01)
	f.pending = append(f.pending, nal...)
	switch nalType {
	case NALTypeIDR:
		f.pendingVCL = true
		f.pendingIDR = true
	case NALTypeSlice:
		f.pendingVCL = true
	}
}

func (f *H264Framer) emit() *media.Unit {
	payload := make([]byte, len(f.pending))
	copy(payload, f.pending)

	unit := &media.Unit{
		PTS:      f.pts,
		Keyframe: f.pendingIDR,
		Payload:  payload,
	}

	f.pts += f.interval
	f.frames++
	if f.pendingIDR {
		f.keyframes++
	}

	f.pending = f.pending[:0]
	f.pendingVCL = false
	f.pendingIDR = false
	return unit
}

// nextNAL returns the next NAL unit body (start code stripped), reading
// more input as needed. Returns io.EOF once the stream and scan buffer
// are exhausted.
func (f *H264Framer) nextNAL() ([]byte, error) {
	for {
		// Align the buffer to its first start code, dropping any leading
		// garbage. Keep the last two bytes when discarding so a start
		// code split across reads is still found.
		if !f.aligned {
			if i := findStartCode(f.buf, 0); i >= 0 {
				f.buf = f.buf[i:]
				f.aligned = true
				f.scanPos = 0
			} else {
				if f.eof {
					return nil, io.EOF
				}
				if len(f.buf) > 2 {
					f.buf = f.buf[len(f.buf)-2:]
				}
				if err := f.fill(); err != nil {
					return nil, err
				}
				continue
			}
		}

		body := 0
		for body < len(f.buf) && f.buf[body] == 0x00 {
			body++
		}
		body++ // skip the 0x01

		if next := findStartCode(f.buf, max(body, f.scanPos)); next >= 0 {
			nal := trimTrailingZero(f.buf[body:next])
			f.buf = f.buf[next:]
			f.scanPos = 0
			return nal, nil
		}
		if f.eof {
			f.aligned = false
			if body >= len(f.buf) {
				f.buf = nil
				return nil, io.EOF
			}
			nal := f.buf[body:]
			f.buf = nil
			return nal, nil
		}
		f.scanPos = max(body, len(f.buf)-2)
		if err := f.fill(); err != nil {
			return nil, err
		}
	}
}

func (f *H264Framer) fill() error {
	chunk := make([]byte, readChunkSize)
	n, err := f.r.Read(chunk)
	if n > 0 {
		f.buf = append(f.buf, chunk[:n]...)
	}
	if err != nil {
		if errors.Is(err, io.EOF) {
			f.eof = true
			return nil
		}
		return fmt.Errorf("read elementary stream: %w", err)
	}
	return nil
}

// findStartCode returns the index of the first Annex B start code
// (00 00 01, optionally preceded by an extra zero byte) at or after from,
// or -1. The returned index points at the first zero of the 3-byte form.
func findStartCode(buf []byte, from int) int {
	for i := from; i+2 < len(buf); i++ {
		if buf[i] == 0x00 && buf[i+1] == 0x00 && buf[i+2] == 0x01 {
			return i
		}
	}
	return -1
}

// trimTrailingZero drops the dangling zero that belongs to the following
// 4-byte start code rather than to this NAL.
func trimTrailingZero(nal []byte) []byte {
	if len(nal) > 0 && nal[len(nal)-1] == 0x00 {
		return nal[:len(nal)-1]
	}
	return nal
}
