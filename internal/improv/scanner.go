package improv

import (
	"bytes"

	"github.com/golang/glog"
)

// Scanner extracts records from a console stream that also carries the
// firmware's log output. Anything that is not a well-formed record is
// junk: it is handed to JunkHandler, and a corrupted record costs only the
// bytes up to the next header.
type Scanner struct {
	JunkHandler func([]byte)

	buf []byte
}

func (s *Scanner) junk(b []byte) {
	if len(b) == 0 {
		return
	}
	if s.JunkHandler != nil {
		s.JunkHandler(b)
		return
	}
	if glog.V(3) {
		glog.Infof("console: %q", b)
	}
}

// Feed consumes a chunk and returns the records completed by it.
func (s *Scanner) Feed(chunk []byte) []Packet {
	s.buf = append(s.buf, chunk...)
	var out []Packet
	for {
		idx := bytes.Index(s.buf, []byte(Header))
		if idx < 0 {
			// Keep a tail that may be the start of a header.
			keep := min(len(s.buf), len(Header)-1)
			s.junk(s.buf[:len(s.buf)-keep])
			s.buf = append(s.buf[:0], s.buf[len(s.buf)-keep:]...)
			return out
		}
		s.junk(s.buf[:idx])
		s.buf = s.buf[idx:]
		if len(s.buf) < headerLen {
			return out
		}
		n := int(s.buf[headerLen-1])
		total := headerLen + n + 1
		if len(s.buf) < total {
			return out
		}
		rec := s.buf[:total]
		if rec[len(Header)] != Version || checksum(rec[:total-1]) != rec[total-1] {
			glog.V(2).Infof("improv: dropping corrupt record %q", rec)
			s.junk(s.buf[:1])
			s.buf = s.buf[1:]
			continue
		}
		data := make([]byte, n)
		copy(data, rec[headerLen:total-1])
		out = append(out, Packet{Type: PacketType(rec[len(Header)+1]), Data: data})
		s.buf = s.buf[total:]
		if len(s.buf) > 0 && s.buf[0] == '\n' {
			s.buf = s.buf[1:]
		}
	}
}

// Reset drops buffered bytes.
func (s *Scanner) Reset() {
	s.buf = s.buf[:0]
}
