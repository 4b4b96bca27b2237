package slip

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncode_EmptyData(t *testing.T) {
	result := Encode(nil)
	expected := []byte{End, End}
	if !bytes.Equal(result, expected) {
		t.Errorf("Encode(nil) = %v, want %v", result, expected)
	}
}

func TestEncode_EscapesSpecialBytes(t *testing.T) {
	tests := []struct {
		input    []byte
		expected []byte
	}{
		{[]byte{0x01, 0x02}, []byte{End, 0x01, 0x02, End}},
		{[]byte{0x01, End, 0x03}, []byte{End, 0x01, Esc, EscEnd, 0x03, End}},
		{[]byte{0x01, Esc, 0x03}, []byte{End, 0x01, Esc, EscEsc, 0x03, End}},
		{[]byte{End, Esc, End, Esc}, []byte{End, Esc, EscEnd, Esc, EscEsc, Esc, EscEnd, Esc, EscEsc, End}},
	}

	for _, tc := range tests {
		result := Encode(tc.input)
		if !bytes.Equal(result, tc.expected) {
			t.Errorf("Encode(%v) = %v, want %v", tc.input, result, tc.expected)
		}
	}
}

func TestDecode_ValidFrame(t *testing.T) {
	frame := []byte{End, End, 0x01, Esc, EscEnd, Esc, EscEsc, 0x03, End, End}
	result, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	expected := []byte{0x01, End, Esc, 0x03}
	if !bytes.Equal(result, expected) {
		t.Errorf("Decode(%v) = %v, want %v", frame, result, expected)
	}
}

func TestDecode_EmptyFrame(t *testing.T) {
	for _, frame := range [][]byte{nil, {End}, {End, End}} {
		result, err := Decode(frame)
		if err != nil || result != nil {
			t.Errorf("Decode(%v) = %v, %v; want nil, nil", frame, result, err)
		}
	}
}

func TestDecode_BadEscape(t *testing.T) {
	frames := [][]byte{
		{End, 0x01, Esc, 0xFF, 0x03, End},
		{End, 0x01, Esc, End},
	}
	for _, frame := range frames {
		_, err := Decode(frame)
		if !errors.Is(err, ErrBadEscape) {
			t.Errorf("Decode(%v) error = %v, want ErrBadEscape", frame, err)
		}
	}
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	testCases := [][]byte{
		{0x00},
		{0x01, 0x02, 0x03},
		{End},
		{Esc},
		{0x00, End, 0x00, Esc, 0x00},
		make([]byte, 256),
	}

	for i, tc := range testCases {
		decoded, err := Decode(Encode(tc))
		if err != nil {
			t.Fatalf("Case %d: Decode() error = %v", i, err)
		}
		if !bytes.Equal(decoded, tc) {
			t.Errorf("Case %d: RoundTrip(%v) = %v, want %v", i, tc, decoded, tc)
		}
	}
}

func TestDecoder_SplitAcrossChunks(t *testing.T) {
	encoded := Encode([]byte{0x01, End, 0x02, Esc, 0x03})
	d := NewDecoder()

	var frames []Frame
	for _, b := range encoded {
		frames = append(frames, d.Feed([]byte{b})...)
	}

	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	if frames[0].Err != nil {
		t.Fatalf("frame error = %v", frames[0].Err)
	}
	expected := []byte{0x01, End, 0x02, Esc, 0x03}
	if !bytes.Equal(frames[0].Data, expected) {
		t.Errorf("frame = %v, want %v", frames[0].Data, expected)
	}
}

func TestDecoder_MultipleFramesOneChunk(t *testing.T) {
	chunk := append(Encode([]byte{0x01}), Encode([]byte{0x02, 0x03})...)
	frames := NewDecoder().Feed(chunk)

	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if !bytes.Equal(frames[0].Data, []byte{0x01}) || !bytes.Equal(frames[1].Data, []byte{0x02, 0x03}) {
		t.Errorf("frames = %v, %v", frames[0].Data, frames[1].Data)
	}
}

func TestDecoder_JunkBetweenFrames(t *testing.T) {
	var junk []byte
	d := NewDecoder()
	d.JunkHandler = func(b []byte) { junk = append(junk, b...) }

	stream := []byte("rst:0x1 (POWERON)\r\n")
	stream = append(stream, Encode([]byte{0xAA})...)
	stream = append(stream, []byte("boot:0x13\r\n")...)

	frames := d.Feed(stream)
	if len(frames) != 1 || !bytes.Equal(frames[0].Data, []byte{0xAA}) {
		t.Fatalf("frames = %+v, want one frame with 0xAA", frames)
	}
	if string(junk) != "rst:0x1 (POWERON)\r\nboot:0x13\r\n" {
		t.Errorf("junk = %q", junk)
	}
}

func TestDecoder_BadEscapeReported(t *testing.T) {
	frames := NewDecoder().Feed([]byte{End, 0x01, Esc, 0x42, 0x02, End})
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	if !errors.Is(frames[0].Err, ErrBadEscape) {
		t.Errorf("frame error = %v, want ErrBadEscape", frames[0].Err)
	}
}

func TestDecoder_Overflow(t *testing.T) {
	d := &Decoder{MaxFrameSize: 4}
	frames := d.Feed([]byte{End, 1, 2, 3, 4, 5, 6, End})
	if len(frames) != 1 || !errors.Is(frames[0].Err, ErrFrameOverflow) {
		t.Fatalf("frames = %+v, want one overflow frame", frames)
	}

	// The decoder recovers for the next frame.
	frames = d.Feed(Encode([]byte{7}))
	if len(frames) != 1 || frames[0].Err != nil || !bytes.Equal(frames[0].Data, []byte{7}) {
		t.Errorf("frames after overflow = %+v", frames)
	}
}

func TestDecoder_Reset(t *testing.T) {
	d := NewDecoder()
	d.Feed([]byte{End, 0x01, 0x02})
	d.Reset()

	frames := d.Feed([]byte{0x03, End})
	if len(frames) != 0 {
		t.Errorf("frames after reset = %+v, want none", frames)
	}
}
