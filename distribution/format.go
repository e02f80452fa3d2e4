// Package distribution carries units leaving the valve to downstream
// consumers: a plain writer sink for segment files and pipes, and a QUIC
// server that fans encoded units out to remote subscribers.
package distribution

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/zsiec/preroll/media"
)

// Wire format, one record per unit:
//
//	flags   uint8   bit 0: keyframe
//	pts     int64   big endian, nanoseconds
//	length  uint32  big endian, payload byte count
//	payload [length]byte
const unitHeaderSize = 1 + 8 + 4

const flagKeyframe = 0x01

// maxWirePayload bounds a decoded payload size, guarding readers against
// corrupt or hostile length fields.
const maxWirePayload = 64 << 20

// ErrPayloadTooLarge is returned by ReadUnit for a length field above
// maxWirePayload.
var ErrPayloadTooLarge = errors.New("distribution: wire payload too large")

// AppendUnit appends the encoded record for u to dst and returns the
// extended slice.
func AppendUnit(dst []byte, u *media.Unit) []byte {
	var flags byte
	if u.Keyframe {
		flags |= flagKeyframe
	}
	dst = append(dst, flags)
	dst = binary.BigEndian.AppendUint64(dst, uint64(u.PTS.Nanoseconds()))
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(u.Payload)))
	return append(dst, u.Payload...)
}

// WriteUnit writes the encoded record for u to w.
func WriteUnit(w io.Writer, u *media.Unit) error {
	buf := AppendUnit(make([]byte, 0, unitHeaderSize+len(u.Payload)), u)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write unit record: %w", err)
	}
	return nil
}

// ReadUnit reads one encoded record from r. It returns io.EOF cleanly at
// a record boundary and io.ErrUnexpectedEOF inside one.
func ReadUnit(r io.Reader) (*media.Unit, error) {
	var header [unitHeaderSize]byte
	if _, err := io.ReadFull(r, header[:1]); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(r, header[1:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[9:13])
	if length > maxWirePayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, length)
	}

	u := &media.Unit{
		PTS:      time.Duration(binary.BigEndian.Uint64(header[1:9])),
		Keyframe: header[0]&flagKeyframe != 0,
	}
	if length > 0 {
		u.Payload = make([]byte, length)
		if _, err := io.ReadFull(r, u.Payload); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
	return u, nil
}
