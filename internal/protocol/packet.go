package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/juju/errors"
)

// HeaderSize is the fixed part of every frame: direction, opcode, length
// and checksum (or value, for responses).
const HeaderSize = 8

// Request represents an ESP bootloader request packet.
type Request struct {
	Command  byte
	Data     []byte
	Checksum uint32
}

// Response represents an ESP bootloader response packet.
type Response struct {
	Command byte
	Data    []byte
	Value   uint32
	Status  byte
	Error   byte
}

// NewRequest creates a new request with calculated checksum.
func NewRequest(cmd byte, data []byte) *Request {
	return &Request{
		Command:  cmd,
		Data:     data,
		Checksum: Checksum(data),
	}
}

// Checksum is the XOR of all payload bytes, folded into the seed.
func Checksum(data []byte) uint32 {
	var checksum byte = ChecksumSeed
	for _, b := range data {
		checksum ^= b
	}
	return uint32(checksum)
}

// Verify reports whether the checksum matches the payload.
func (r *Request) Verify() bool {
	return r.Checksum == Checksum(r.Data)
}

// Encode serializes the request to bytes (before SLIP encoding).
func (r *Request) Encode() []byte {
	// 0: direction, 1: command, 2-3: data size, 4-7: checksum, 8+: data
	packet := make([]byte, HeaderSize+len(r.Data))
	packet[0] = DirRequest
	packet[1] = r.Command
	binary.LittleEndian.PutUint16(packet[2:4], uint16(len(r.Data)))
	binary.LittleEndian.PutUint32(packet[4:8], r.Checksum)
	copy(packet[HeaderSize:], r.Data)
	return packet
}

// DecodeRequest parses a request frame. The checksum is carried over as
// received; callers check it with Verify.
func DecodeRequest(data []byte) (*Request, error) {
	if len(data) < HeaderSize {
		return nil, errors.Errorf("request too short: %d bytes", len(data))
	}
	if data[0] != DirRequest {
		return nil, errors.Errorf("invalid direction byte: 0x%02X", data[0])
	}
	size := int(binary.LittleEndian.Uint16(data[2:4]))
	if size != len(data)-HeaderSize {
		return nil, errors.Errorf("data size mismatch: header says %d, have %d", size, len(data)-HeaderSize)
	}
	payload := make([]byte, size)
	copy(payload, data[HeaderSize:])
	return &Request{
		Command:  data[1],
		Data:     payload,
		Checksum: binary.LittleEndian.Uint32(data[4:8]),
	}, nil
}

// Encode serializes a response the way gen lays out its status trailer.
func (r *Response) Encode(gen Generation) []byte {
	statusLen := 4
	if gen != GenUnknown {
		statusLen = StatusLength(r.Command, gen, 0)
	}
	size := len(r.Data) + statusLen
	packet := make([]byte, HeaderSize+size)
	packet[0] = DirResponse
	packet[1] = r.Command
	binary.LittleEndian.PutUint16(packet[2:4], uint16(size))
	binary.LittleEndian.PutUint32(packet[4:8], r.Value)
	copy(packet[HeaderSize:], r.Data)
	packet[HeaderSize+len(r.Data)] = r.Status
	packet[HeaderSize+len(r.Data)+1] = r.Error
	return packet
}

// DecodeResponse parses a response from raw bytes (after SLIP decoding).
// The status trailer length depends on the opcode and the loader
// generation, see StatusLength.
func DecodeResponse(data []byte, gen Generation) (*Response, error) {
	if len(data) < HeaderSize {
		return nil, errors.Errorf("response too short: %d bytes", len(data))
	}
	if data[0] != DirResponse {
		return nil, errors.Errorf("invalid direction byte: 0x%02X", data[0])
	}

	resp := &Response{
		Command: data[1],
		Value:   binary.LittleEndian.Uint32(data[4:8]),
	}

	dataSize := int(binary.LittleEndian.Uint16(data[2:4]))
	if dataSize > len(data)-HeaderSize {
		return nil, errors.Errorf("data size mismatch: expected %d, have %d", dataSize, len(data)-HeaderSize)
	}

	statusLen := StatusLength(resp.Command, gen, dataSize)
	if dataSize < statusLen && gen == GenUnknown && dataSize >= 2 {
		// An unidentified legacy loader answering with the short trailer.
		statusLen = dataSize
	}
	if dataSize < statusLen {
		return nil, errors.Errorf("%s response too short for %d status bytes: %d",
			CommandName(resp.Command), statusLen, dataSize)
	}

	body := data[HeaderSize : HeaderSize+dataSize]
	resp.Data = body[:dataSize-statusLen]
	resp.Status = body[dataSize-statusLen]
	resp.Error = body[dataSize-statusLen+1]
	return resp, nil
}

// IsSuccess returns true if the response indicates success.
func (r *Response) IsSuccess() bool {
	return r.Status == 0 && r.Error == 0
}

// ErrorString returns a human-readable error message.
func (r *Response) ErrorString() string {
	if r.IsSuccess() {
		return ""
	}
	return fmt.Sprintf("status=0x%02X error=0x%02X (%s)", r.Status, r.Error, ErrorMessage(r.Error))
}
