// Package slip implements the RFC 1055 framing used by the ESP serial
// bootloader. Frames are delimited by End bytes; End and Esc bytes inside a
// frame are escaped.
package slip

import (
	"fmt"

	"github.com/golang/glog"
	"github.com/juju/errors"
)

const (
	End    = 0xC0
	Esc    = 0xDB
	EscEnd = 0xDC
	EscEsc = 0xDD
)

// DefaultMaxFrameSize bounds a single decoded frame. The largest legitimate
// frame is a stub FLASH_DATA block (16 KiB payload plus headers).
const DefaultMaxFrameSize = 0x4000 + 1024

var (
	ErrBadEscape     = errors.ConstError("invalid SLIP escape sequence")
	ErrFrameOverflow = errors.ConstError("SLIP frame exceeds maximum size")
)

// Encode wraps data in SLIP framing.
// Adds END byte at start and end, escapes special bytes.
func Encode(data []byte) []byte {
	result := make([]byte, 0, len(data)+10)
	result = append(result, End)

	for _, b := range data {
		switch b {
		case End:
			result = append(result, Esc, EscEnd)
		case Esc:
			result = append(result, Esc, EscEsc)
		default:
			result = append(result, b)
		}
	}

	result = append(result, End)
	return result
}

// Decode extracts data from a single complete SLIP frame.
// Leading and trailing END bytes are stripped.
func Decode(frame []byte) ([]byte, error) {
	start, end := 0, len(frame)
	for start < end && frame[start] == End {
		start++
	}
	for end > start && frame[end-1] == End {
		end--
	}
	if start >= end {
		return nil, nil
	}

	data := frame[start:end]
	result := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if data[i] != Esc {
			result = append(result, data[i])
			continue
		}
		if i+1 >= len(data) {
			return result, errors.Annotatef(ErrBadEscape, "dangling escape at %d", i)
		}
		switch data[i+1] {
		case EscEnd:
			result = append(result, End)
		case EscEsc:
			result = append(result, Esc)
		default:
			return result, errors.Annotatef(ErrBadEscape, "0x%02X at %d", data[i+1], i+1)
		}
		i++
	}
	return result, nil
}

// Frame is one unit produced by a Decoder. Err is set when the frame was
// delimited correctly but its contents could not be unescaped or it grew
// past the size limit; Data then holds whatever was collected.
type Frame struct {
	Data []byte
	Err  error
}

// Decoder reassembles frames from an arbitrarily chunked byte stream.
// Bytes seen outside of a frame are handed to JunkHandler (if set); on a
// serial line these are usually boot log lines printed by the firmware.
type Decoder struct {
	MaxFrameSize int
	JunkHandler  func(junk []byte)

	buf     []byte
	junk    []byte
	inFrame bool
	esc     bool
	err     error
}

// NewDecoder returns a decoder with the default frame size limit.
func NewDecoder() *Decoder {
	return &Decoder{MaxFrameSize: DefaultMaxFrameSize}
}

// Feed consumes a chunk and returns every frame it completes, in order.
func (d *Decoder) Feed(chunk []byte) []Frame {
	var frames []Frame
	limit := d.MaxFrameSize
	if limit <= 0 {
		limit = DefaultMaxFrameSize
	}

	for _, b := range chunk {
		if !d.inFrame {
			if b == End {
				d.flushJunk()
				d.inFrame = true
				d.buf = d.buf[:0]
				d.esc, d.err = false, nil
				continue
			}
			d.junk = append(d.junk, b)
			continue
		}

		if b == End {
			if len(d.buf) == 0 && d.err == nil {
				// Back-to-back delimiters: the second one opens the frame.
				continue
			}
			data := make([]byte, len(d.buf))
			copy(data, d.buf)
			err := d.err
			if d.esc && err == nil {
				err = errors.Annotatef(ErrBadEscape, "dangling escape")
			}
			frames = append(frames, Frame{Data: data, Err: err})
			d.inFrame = false
			d.buf = d.buf[:0]
			d.esc, d.err = false, nil
			continue
		}

		if d.err != nil {
			continue
		}
		if len(d.buf) >= limit {
			d.err = errors.Annotatef(ErrFrameOverflow, "limit %d", limit)
			continue
		}

		if d.esc {
			switch b {
			case EscEnd:
				d.buf = append(d.buf, End)
			case EscEsc:
				d.buf = append(d.buf, Esc)
			default:
				d.err = errors.Annotatef(ErrBadEscape, "0x%02X", b)
			}
			d.esc = false
			continue
		}
		if b == Esc {
			d.esc = true
			continue
		}
		d.buf = append(d.buf, b)
	}
	d.flushJunk()
	return frames
}

// Reset drops any partially received frame and pending junk.
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
	d.junk = d.junk[:0]
	d.inFrame, d.esc, d.err = false, false, nil
}

func (d *Decoder) flushJunk() {
	if len(d.junk) == 0 {
		return
	}
	if d.JunkHandler != nil {
		junk := make([]byte, len(d.junk))
		copy(junk, d.junk)
		d.JunkHandler(junk)
	} else if glog.V(3) {
		glog.Infof("slip: %d bytes outside of frame: %s", len(d.junk), LimitStr(d.junk, 32))
	}
	d.junk = d.junk[:0]
}

// LimitStr renders at most n bytes of data for trace logs.
func LimitStr(data []byte, n int) string {
	if len(data) <= n {
		return fmt.Sprintf("% x", data)
	}
	return fmt.Sprintf("% x ... (%d more)", data[:n], len(data)-n)
}
