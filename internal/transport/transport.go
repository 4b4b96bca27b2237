// Package transport provides the byte-stream handles the installer talks to
// a device through. Each open handle runs exactly one background read loop;
// everything else consumes its output through Chunks.
package transport

import (
	"context"
	"fmt"
	"strings"

	"github.com/juju/errors"
)

var (
	ErrNotFound         = errors.ConstError("port not found")
	ErrPermissionDenied = errors.ConstError("permission denied")
	ErrUnsupported      = errors.ConstError("operation not supported by transport")
	ErrDisconnected     = errors.ConstError("transport disconnected")
	ErrNotWritable      = errors.ConstError("transport not writable")
)

// EspressifVendorID is the USB vendor ID of the USB peripheral built into
// newer chips (USB-Serial-JTAG and USB-OTG CDC).
const EspressifVendorID = "303A"

// Identity describes the OS-level endpoint behind a handle. For devices
// with a built-in USB peripheral it changes when the device switches
// between the ROM and application USB stacks.
type Identity struct {
	Name         string
	VendorID     string
	ProductID    string
	SerialNumber string
	Description  string
}

// NativeUSB reports whether the endpoint is the chip's own USB peripheral
// rather than an external USB-to-serial bridge.
func (id Identity) NativeUSB() bool {
	return strings.EqualFold(id.VendorID, EspressifVendorID)
}

func (id Identity) String() string {
	if id.VendorID == "" {
		return id.Name
	}
	return fmt.Sprintf("%s [%s:%s]", id.Name, id.VendorID, id.ProductID)
}

// Capabilities lists the optional operations a handle supports.
type Capabilities struct {
	ControlLines bool
	BaudRate     bool
}

// Port is an open, exclusively owned byte-stream handle.
type Port interface {
	Identity() Identity
	Capabilities() Capabilities

	// Chunks delivers everything the read loop receives. It is closed
	// once the loop exits; Done is closed first.
	Chunks() <-chan []byte
	// Done is closed when the handle is closed or the device disappears.
	Done() <-chan struct{}
	// Err reports why Done was closed.
	Err() error

	Write(p []byte) (int, error)
	// SetControlLines drives the boot-strap (DTR) and reset (RTS) lines.
	SetControlLines(assertBootStrap, assertReset bool) error
	SetBaudRate(baud int) error
	BaudRate() int
	// Flush discards input that has not been consumed yet.
	Flush() error
	// Close is idempotent and safe to call from any goroutine.
	Close() error
}

// Reacquirer obtains a fresh, operator-authorized handle after the
// previous endpoint disappeared. Implementations must not hand back the
// old handle.
type Reacquirer func(ctx context.Context, previous Identity) (Port, error)
