package demux

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"
)

// nal builds a start-code-prefixed NAL with the given type and body length.
func nal(nalType byte, bodyLen int) []byte {
	out := []byte{0x00, 0x00, 0x00, 0x01, nalType & 0x1F}
	return append(out, bytes.Repeat([]byte{0xAA}, bodyLen)...)
}

// stream concatenates NALs into an elementary stream.
func stream(nals ...[]byte) *bytes.Reader {
	var buf bytes.Buffer
	for _, n := range nals {
		buf.Write(n)
	}
	return bytes.NewReader(buf.Bytes())
}

type frameInfo struct {
	pts time.Duration
	key bool
}

func readAll(t *testing.T, f *H264Framer) []frameInfo {
	t.Helper()
	var out []frameInfo
	for {
		u, err := f.Read()
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		out = append(out, frameInfo{u.PTS, u.Keyframe})
	}
}

func TestFramerSplitsAccessUnits(t *testing.T) {
	t.Parallel()

	// SPS+PPS+IDR, then three non-IDR slices: four access units, the
	// first a keyframe.
	f, err := NewH264Framer(stream(
		nal(NALTypeSPS, 10), nal(NALTypePPS, 4), nal(NALTypeIDR, 100),
		nal(NALTypeSlice, 50), nal(NALTypeSlice, 50), nal(NALTypeSlice, 50),
	), 25, nil)
	if err != nil {
		t.Fatalf("NewH264Framer: %v", err)
	}

	units := readAll(t, f)
	if len(units) != 4 {
		t.Fatalf("access units: got %d, want 4", len(units))
	}
	if !units[0].key {
		t.Error("first unit (IDR) not marked keyframe")
	}
	for i := 1; i < 4; i++ {
		if units[i].key {
			t.Errorf("unit %d marked keyframe, want delta", i)
		}
	}
}

func TestFramerPacesPTS(t *testing.T) {
	t.Parallel()

	f, err := NewH264Framer(stream(
		nal(NALTypeIDR, 20), nal(NALTypeSlice, 20), nal(NALTypeSlice, 20),
	), 50, nil)
	if err != nil {
		t.Fatalf("NewH264Framer: %v", err)
	}

	units := readAll(t, f)
	if len(units) != 3 {
		t.Fatalf("access units: got %d, want 3", len(units))
	}
	for i, u := range units {
		want := time.Duration(i) * 20 * time.Millisecond
		if u.pts != want {
			t.Errorf("unit %d PTS: got %v, want %v", i, u.pts, want)
		}
	}
}

func TestFramerParameterSetsAttachToFollowingUnit(t *testing.T) {
	t.Parallel()

	f, err := NewH264Framer(stream(
		nal(NALTypeIDR, 30),
		nal(NALTypeSPS, 10), nal(NALTypePPS, 4), nal(NALTypeIDR, 30),
	), 30, nil)
	if err != nil {
		t.Fatalf("NewH264Framer: %v", err)
	}

	first, err := f.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	second, err := f.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	if len(first.Payload) >= len(second.Payload) {
		t.Errorf("SPS/PPS did not attach to the second unit: first=%d bytes, second=%d bytes",
			len(first.Payload), len(second.Payload))
	}
	if !second.Keyframe {
		t.Error("second unit (SPS+PPS+IDR) not marked keyframe")
	}
}

func TestFramerThreeByteStartCodes(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	buf.Write([]byte{0x00, 0x00, 0x01, NALTypeIDR, 0xAA, 0xBB})
	buf.Write([]byte{0x00, 0x00, 0x01, NALTypeSlice, 0xCC})
	f, err := NewH264Framer(bytes.NewReader(buf.Bytes()), 25, nil)
	if err != nil {
		t.Fatalf("NewH264Framer: %v", err)
	}

	units := readAll(t, f)
	if len(units) != 2 {
		t.Fatalf("access units: got %d, want 2", len(units))
	}
	if !units[0].key || units[1].key {
		t.Errorf("keyframe flags: got %v/%v, want true/false", units[0].key, units[1].key)
	}
}

func TestFramerSplitReads(t *testing.T) {
	t.Parallel()

	// One byte per Read call: start codes split across fills must still
	// be found.
	full := stream(nal(NALTypeIDR, 40), nal(NALTypeSlice, 40), nal(NALTypeSlice, 40))
	f, err := NewH264Framer(oneByteReader{full}, 25, nil)
	if err != nil {
		t.Fatalf("NewH264Framer: %v", err)
	}

	units := readAll(t, f)
	if len(units) != 3 {
		t.Fatalf("access units: got %d, want 3", len(units))
	}
}

func TestFramerRejectsInvalidFPS(t *testing.T) {
	t.Parallel()

	for _, fps := range []float64{0, -25} {
		if _, err := NewH264Framer(stream(), fps, nil); !errors.Is(err, ErrInvalidFPS) {
			t.Errorf("fps=%v: got %v, want ErrInvalidFPS", fps, err)
		}
	}
}

func TestFramerEmptyInput(t *testing.T) {
	t.Parallel()

	f, err := NewH264Framer(stream(), 25, nil)
	if err != nil {
		t.Fatalf("NewH264Framer: %v", err)
	}
	if _, err := f.Read(); !errors.Is(err, io.EOF) {
		t.Errorf("Read on empty input: got %v, want io.EOF", err)
	}
}

// oneByteReader delivers one byte per Read to exercise refill paths.
type oneByteReader struct{ r io.Reader }

func (o oneByteReader) Read(p []byte) (int, error) {
	if len(p) > 1 {
		p = p[:1]
	}
	return o.r.Read(p)
}
