// Package rom runs bootloader commands against a device session: one
// request in flight, a timeout on every wait, and a bounded retry when a
// frame arrives mangled.
package rom

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/bigbag/esp-installer/internal/device"
	"github.com/bigbag/esp-installer/internal/protocol"
	"github.com/bigbag/esp-installer/internal/slip"
	"github.com/bigbag/esp-installer/internal/transport"
)

// DefaultFramingRetries bounds how often a command is resent after a
// framing error before the link is considered lost.
const DefaultFramingRetries = 3

// Client talks to the ROM loader or the flasher stub.
type Client struct {
	dev *device.Session

	// FramingRetries overrides DefaultFramingRetries when positive.
	FramingRetries int

	port   transport.Port
	dec    *slip.Decoder
	frames [][]byte
}

// New creates a client bound to dev. It follows the session's handle
// across reacquisitions.
func New(dev *device.Session) *Client {
	c := &Client{dev: dev, dec: slip.NewDecoder()}
	c.dec.JunkHandler = func(junk []byte) {
		if glog.V(3) {
			glog.Infof("loader junk: %s", slip.LimitStr(junk, 64))
		}
	}
	return c
}

// Session returns the device session the client is bound to.
func (c *Client) Session() *device.Session { return c.dev }

// DefaultTimeout is the profile's command timeout.
func (c *Client) DefaultTimeout() time.Duration {
	return c.dev.Profile().Timings.CommandTimeout
}

// Reset drops partially received and queued frames. Call it after
// anything that makes earlier output meaningless, such as a chip reset.
func (c *Client) Reset() {
	c.dec.Reset()
	c.frames = nil
}

func (c *Client) livePort() (transport.Port, error) {
	port, err := c.dev.Port()
	if err != nil {
		return nil, err
	}
	if port != c.port {
		c.port = port
		c.Reset()
	}
	return port, nil
}

func disconnected(port transport.Port) error {
	if err := port.Err(); err != nil {
		return err
	}
	return errors.Annotatef(device.ErrDisconnected, "%s", port.Identity().Name)
}

// WriteFrame sends data as one SLIP frame.
func (c *Client) WriteFrame(data []byte) error {
	port, err := c.livePort()
	if err != nil {
		return err
	}
	if _, err := port.Write(slip.Encode(data)); err != nil {
		return errors.Annotatef(err, "write")
	}
	return nil
}

// NextFrame waits for the next decoded frame.
func (c *Client) NextFrame(ctx context.Context, timeout time.Duration) ([]byte, error) {
	port, err := c.livePort()
	if err != nil {
		return nil, err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	return c.nextFrame(ctx, port, timer.C, timeout)
}

func (c *Client) nextFrame(ctx context.Context, port transport.Port, expired <-chan time.Time, timeout time.Duration) ([]byte, error) {
	for {
		if len(c.frames) > 0 {
			f := c.frames[0]
			c.frames = c.frames[1:]
			return f, nil
		}
		select {
		case chunk, ok := <-port.Chunks():
			if !ok {
				return nil, disconnected(port)
			}
			for _, f := range c.dec.Feed(chunk) {
				if f.Err != nil {
					return nil, errors.Annotatef(device.ErrProtocolFraming, "%v", f.Err)
				}
				c.frames = append(c.frames, f.Data)
			}
		case <-port.Done():
			return nil, disconnected(port)
		case <-expired:
			return nil, errors.Annotatef(device.ErrTimeout, "no frame within %s", timeout)
		case <-ctx.Done():
			return nil, errors.Trace(ctx.Err())
		}
	}
}

// Command sends op and waits for its response. Frames answering other
// opcodes are stale and skipped. Framing errors, including a device that
// reports our request's checksum as wrong, resend the request up to
// FramingRetries times; after that the link is reported unsynchronized.
func (c *Client) Command(ctx context.Context, op byte, data []byte, timeout time.Duration) (*protocol.Response, error) {
	retries := c.FramingRetries
	if retries <= 0 {
		retries = DefaultFramingRetries
	}
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		resp, err := c.exchange(ctx, op, data, timeout)
		if err == nil && !resp.IsSuccess() && protocol.IsRetryableError(resp.Error) {
			err = errors.Annotatef(device.ErrProtocolFraming, "%s: device reports %s", protocol.CommandName(op), resp.ErrorString())
		}
		if err == nil {
			return resp, nil
		}
		if !errors.Is(err, device.ErrProtocolFraming) {
			return nil, err
		}
		glog.Warningf("%s attempt %d/%d: %v", protocol.CommandName(op), attempt+1, retries+1, err)
		lastErr = err
		c.Reset()
	}
	return nil, &device.SyncError{Attempts: retries + 1, Err: lastErr}
}

func (c *Client) exchange(ctx context.Context, op byte, data []byte, timeout time.Duration) (*protocol.Response, error) {
	port, err := c.livePort()
	if err != nil {
		return nil, err
	}
	frame := slip.Encode(protocol.NewRequest(op, data).Encode())
	if glog.V(4) {
		glog.Infof("> %s %s", protocol.CommandName(op), slip.LimitStr(frame, 32))
	}
	if _, err := port.Write(frame); err != nil {
		return nil, errors.Annotatef(err, "%s", protocol.CommandName(op))
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		raw, err := c.nextFrame(ctx, port, timer.C, timeout)
		if err != nil {
			return nil, errors.Annotatef(err, "%s", protocol.CommandName(op))
		}
		resp, err := protocol.DecodeResponse(raw, c.dev.Generation())
		if err != nil {
			return nil, errors.Annotatef(device.ErrProtocolFraming, "%v", err)
		}
		if resp.Command != op {
			glog.V(3).Infof("skipping stale %s response while waiting for %s",
				protocol.CommandName(resp.Command), protocol.CommandName(op))
			continue
		}
		if glog.V(4) {
			glog.Infof("< %s value=0x%08x data=%s status=%d/%d", protocol.CommandName(op),
				resp.Value, slip.LimitStr(resp.Data, 32), resp.Status, resp.Error)
		}
		return resp, nil
	}
}

// Supports reports whether the running loader implements op.
func (c *Client) Supports(op byte) bool {
	return protocol.Supported(op, c.dev.Generation())
}

// Check runs op and turns a failure status into an error. Commands the
// running loader does not implement are not sent, and a loader that
// rejects the request as unknown is reported the same way: both match
// device.ErrUnsupported.
func (c *Client) Check(ctx context.Context, op byte, data []byte, timeout time.Duration) (*protocol.Response, error) {
	if !c.Supports(op) {
		return nil, errors.Annotatef(device.ErrUnsupported, "%s on the %s loader", protocol.CommandName(op), c.dev.Generation())
	}
	resp, err := c.Command(ctx, op, data, timeout)
	if err != nil {
		return nil, err
	}
	switch {
	case resp.IsSuccess():
		return resp, nil
	case resp.Error == protocol.ErrInvalidMessage:
		return resp, errors.Annotatef(device.ErrUnsupported, "%s refused: %s", protocol.CommandName(op), resp.ErrorString())
	}
	return resp, errors.Errorf("%s failed: %s", protocol.CommandName(op), resp.ErrorString())
}

// Sync sends one handshake and waits up to timeout for the answer. The
// ROM answers a single SYNC several times; the surplus is skipped as
// stale by later commands.
func (c *Client) Sync(ctx context.Context, timeout time.Duration) error {
	_, err := c.Check(ctx, protocol.CmdSync, protocol.SyncData(), timeout)
	return err
}

// ReadReg reads a 32-bit register.
func (c *Client) ReadReg(ctx context.Context, addr uint32) (uint32, error) {
	resp, err := c.Check(ctx, protocol.CmdReadReg, protocol.ReadRegData(addr), c.DefaultTimeout())
	if err != nil {
		return 0, errors.Annotatef(err, "read 0x%08x", addr)
	}
	return resp.Value, nil
}

// WriteReg writes a 32-bit register.
func (c *Client) WriteReg(ctx context.Context, addr, value uint32) error {
	_, err := c.Check(ctx, protocol.CmdWriteReg, protocol.WriteRegData(addr, value, 0xFFFFFFFF, 0), c.DefaultTimeout())
	return errors.Annotatef(err, "write 0x%08x", addr)
}

// SecurityInfo queries GET_SECURITY_INFO. Old ROMs refuse it.
func (c *Client) SecurityInfo(ctx context.Context) (*protocol.SecurityInfo, error) {
	timeout := c.dev.Profile().Timings.SyncTimeout * 5
	resp, err := c.Check(ctx, protocol.CmdGetSecurityInfo, nil, timeout)
	if err != nil {
		return nil, err
	}
	return protocol.ParseSecurityInfo(resp.Data)
}

// SendOn writes a request to port without waiting for the answer. It is
// meant for the last command on a handle that is about to vanish.
func SendOn(port transport.Port, op byte, data []byte) error {
	_, err := port.Write(slip.Encode(protocol.NewRequest(op, data).Encode()))
	return errors.Annotatef(err, "%s", protocol.CommandName(op))
}

// ackFrame is the READ_FLASH acknowledgement: total bytes received.
func ackFrame(n int) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(n))
	return b
}

func errFraming() error { return errors.Trace(device.ErrProtocolFraming) }
