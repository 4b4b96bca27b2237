// Package improv implements the Improv serial provisioning records that
// application firmware exchanges over its console.
//
// Record layout: "IMPROV" | version | type | length | data | checksum,
// where the checksum is the low byte of the sum of every preceding byte.
package improv

import (
	"fmt"

	"github.com/juju/errors"
)

const (
	Header  = "IMPROV"
	Version = 1

	// BaudRate is the only rate firmware listens at.
	BaudRate = 115200

	// MaxData is the largest data field a record can carry.
	MaxData = 255

	headerLen = len(Header) + 3 // version, type, length
)

// PacketType is the record type byte.
type PacketType byte

const (
	TypeCurrentState PacketType = 0x01
	TypeErrorState   PacketType = 0x02
	TypeRPC          PacketType = 0x03
	TypeRPCResult    PacketType = 0x04
)

func (t PacketType) String() string {
	switch t {
	case TypeCurrentState:
		return "current-state"
	case TypeErrorState:
		return "error-state"
	case TypeRPC:
		return "rpc"
	case TypeRPCResult:
		return "rpc-result"
	}
	return fmt.Sprintf("type(0x%02x)", byte(t))
}

// State is reported in TypeCurrentState records.
type State byte

const (
	StateAuthorizationRequired State = 0x01
	StateReady                 State = 0x02
	StateProvisioning          State = 0x03
	StateProvisioned           State = 0x04
)

func (s State) String() string {
	switch s {
	case StateAuthorizationRequired:
		return "authorization-required"
	case StateReady:
		return "ready"
	case StateProvisioning:
		return "provisioning"
	case StateProvisioned:
		return "provisioned"
	}
	return fmt.Sprintf("state(0x%02x)", byte(s))
}

// ErrorCode is reported in TypeErrorState records.
type ErrorCode byte

const (
	ErrorNone            ErrorCode = 0x00
	ErrorInvalidRPC      ErrorCode = 0x01
	ErrorUnknownRPC      ErrorCode = 0x02
	ErrorUnableToConnect ErrorCode = 0x03
	ErrorNotAuthorized   ErrorCode = 0x04
	ErrorUnknown         ErrorCode = 0xFF
)

func (c ErrorCode) String() string {
	switch c {
	case ErrorNone:
		return "no error"
	case ErrorInvalidRPC:
		return "invalid RPC packet"
	case ErrorUnknownRPC:
		return "unknown RPC command"
	case ErrorUnableToConnect:
		return "unable to connect"
	case ErrorNotAuthorized:
		return "not authorized"
	}
	return fmt.Sprintf("unknown error 0x%02x", byte(c))
}

// Command is an RPC command.
type Command byte

const (
	CmdWiFiSettings    Command = 0x01
	CmdGetState        Command = 0x02
	CmdGetDeviceInfo   Command = 0x03
	CmdGetWiFiNetworks Command = 0x04
)

// Packet is one decoded record.
type Packet struct {
	Type PacketType
	Data []byte
}

func checksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return sum
}

// Encode serializes p followed by a newline, which keeps line-buffered
// consoles flushing.
func (p Packet) Encode() ([]byte, error) {
	if len(p.Data) > MaxData {
		return nil, errors.Errorf("improv %s data too long: %d bytes", p.Type, len(p.Data))
	}
	out := make([]byte, 0, headerLen+len(p.Data)+2)
	out = append(out, Header...)
	out = append(out, Version, byte(p.Type), byte(len(p.Data)))
	out = append(out, p.Data...)
	out = append(out, checksum(out), '\n')
	return out, nil
}

// RPC builds an RPC record for cmd with string arguments.
func RPC(cmd Command, args ...string) (Packet, error) {
	data, err := EncodeCommand(cmd, args...)
	if err != nil {
		return Packet{}, err
	}
	return Packet{Type: TypeRPC, Data: data}, nil
}

// EncodeCommand lays out cmd | length | (strlen | str)*, the body of both
// RPC requests and RPC results.
func EncodeCommand(cmd Command, args ...string) ([]byte, error) {
	body := []byte{}
	for _, a := range args {
		if len(a) > MaxData {
			return nil, errors.Errorf("improv argument too long: %d bytes", len(a))
		}
		body = append(body, byte(len(a)))
		body = append(body, a...)
	}
	if len(body)+2 > MaxData {
		return nil, errors.Errorf("improv command 0x%02x too long: %d bytes", byte(cmd), len(body))
	}
	return append([]byte{byte(cmd), byte(len(body))}, body...), nil
}

// DecodeCommand is the inverse of EncodeCommand.
func DecodeCommand(data []byte) (Command, []string, error) {
	if len(data) < 2 {
		return 0, nil, errors.Errorf("improv command too short: %d bytes", len(data))
	}
	cmd := Command(data[0])
	n := int(data[1])
	if n != len(data)-2 {
		return cmd, nil, errors.Errorf("improv command 0x%02x length %d, have %d", data[0], n, len(data)-2)
	}
	var args []string
	body := data[2:]
	for len(body) > 0 {
		l := int(body[0])
		if l > len(body)-1 {
			return cmd, nil, errors.Errorf("improv string overruns command 0x%02x", data[0])
		}
		args = append(args, string(body[1:1+l]))
		body = body[1+l:]
	}
	return cmd, args, nil
}
