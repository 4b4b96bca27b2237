package transport

import (
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// DefaultBaudRate is the rate every ROM loader and application console
// starts at.
const DefaultBaudRate = 115200

// SerialConfig configures OpenSerial.
type SerialConfig struct {
	BaudRate int
	// InvertedControlLines swaps the logic level of DTR and RTS, for
	// adapters wired without the usual transistor pair.
	InvertedControlLines bool
	// ReadTimeout bounds a single read of the background loop.
	ReadTimeout time.Duration
}

// serialPort wraps a serial port with ESP32-specific functionality.
type serialPort struct {
	*pump

	port     serial.Port
	id       Identity
	inverted bool

	mu       sync.Mutex
	baudRate int
}

// OpenSerial opens a serial port and starts its read loop.
func OpenSerial(portName string, cfg SerialConfig) (Port, error) {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 100 * time.Millisecond
	}

	port, err := serial.Open(portName, serialMode(cfg.BaudRate))
	if err != nil {
		return nil, errors.Annotatef(classify(err), "failed to open port %s", portName)
	}

	if err := port.SetReadTimeout(cfg.ReadTimeout); err != nil {
		port.Close()
		return nil, errors.Annotatef(err, "failed to set read timeout")
	}

	p := &serialPort{
		pump:     newPump(),
		port:     port,
		id:       lookupIdentity(portName),
		inverted: cfg.InvertedControlLines,
		baudRate: cfg.BaudRate,
	}
	glog.Infof("%s opened @ %d baud", p.id, cfg.BaudRate)
	go p.run(portName, port, 1024)
	return p, nil
}

func serialMode(baudRate int) *serial.Mode {
	return &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
}

// kindError tags an OS error with one of the package sentinels while
// keeping the original in the chain.
type kindError struct {
	kind error
	err  error
}

func (e *kindError) Error() string   { return e.err.Error() }
func (e *kindError) Unwrap() []error { return []error{e.kind, e.err} }

func classify(err error) error {
	var perr *serial.PortError
	if errors.As(err, &perr) {
		switch perr.Code() {
		case serial.PortNotFound:
			return &kindError{ErrNotFound, err}
		case serial.PermissionDenied, serial.PortBusy:
			return &kindError{ErrPermissionDenied, err}
		case serial.PortClosed:
			return &kindError{ErrDisconnected, err}
		}
	}
	return err
}

func (p *serialPort) Identity() Identity { return p.id }

func (p *serialPort) Capabilities() Capabilities {
	return Capabilities{ControlLines: true, BaudRate: true}
}

// Write writes data to the serial port.
func (p *serialPort) Write(data []byte) (int, error) {
	if p.closed() {
		return 0, errors.Trace(ErrDisconnected)
	}
	n, err := p.port.Write(data)
	if err != nil {
		return n, errors.Annotatef(classify(err), "%s: write", p.id.Name)
	}
	return n, nil
}

// SetControlLines maps the boot-strap pin to DTR and reset to RTS, the
// wiring of the common auto-reset circuit. Signal polarities are inverted
// by the transistor drivers, which the hardware already accounts for.
func (p *serialPort) SetControlLines(assertBootStrap, assertReset bool) error {
	if p.closed() {
		return errors.Trace(ErrDisconnected)
	}
	// RTS first: some drivers only latch RTS on the following DTR update.
	if err := p.port.SetRTS(assertReset != p.inverted); err != nil {
		return errors.Annotatef(classify(err), "set RTS")
	}
	if err := p.port.SetDTR(assertBootStrap != p.inverted); err != nil {
		return errors.Annotatef(classify(err), "set DTR")
	}
	return nil
}

func (p *serialPort) SetBaudRate(baud int) error {
	if p.closed() {
		return errors.Trace(ErrDisconnected)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.port.SetMode(serialMode(baud)); err != nil {
		return errors.Annotatef(classify(err), "set baud rate %d", baud)
	}
	glog.V(1).Infof("%s: baud rate %d -> %d", p.id.Name, p.baudRate, baud)
	p.baudRate = baud
	return nil
}

// BaudRate returns the current baud rate.
func (p *serialPort) BaudRate() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.baudRate
}

// Flush discards any buffered data.
func (p *serialPort) Flush() error {
	p.drain()
	if p.closed() {
		return nil
	}
	return errors.Trace(p.port.ResetInputBuffer())
}

// Close closes the serial port.
func (p *serialPort) Close() error {
	if p.closed() {
		return nil
	}
	p.stop(errors.Annotatef(ErrDisconnected, "%s closed", p.id.Name))
	glog.V(1).Infof("closing %s", p.id.Name)
	return errors.Trace(p.port.Close())
}

// ListPorts returns the available serial ports with whatever USB details
// the OS exposes.
func ListPorts() ([]Identity, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		glog.Warningf("detailed port enumeration failed, falling back to names: %v", err)
		names, err := serial.GetPortsList()
		if err != nil {
			return nil, errors.Annotatef(err, "failed to list ports")
		}
		ids := make([]Identity, 0, len(names))
		for _, name := range names {
			ids = append(ids, Identity{Name: name})
		}
		return ids, nil
	}

	ids := make([]Identity, 0, len(details))
	for _, d := range details {
		ids = append(ids, identityFromDetails(d))
	}
	return ids, nil
}

func identityFromDetails(d *enumerator.PortDetails) Identity {
	id := Identity{Name: d.Name, Description: d.Product}
	if d.IsUSB {
		id.VendorID = d.VID
		id.ProductID = d.PID
		id.SerialNumber = d.SerialNumber
	}
	return id
}

func lookupIdentity(name string) Identity {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		glog.V(2).Infof("%s: no USB details: %v", name, err)
		return Identity{Name: name}
	}
	for _, d := range details {
		if d.Name == name {
			return identityFromDetails(d)
		}
	}
	return Identity{Name: name}
}
