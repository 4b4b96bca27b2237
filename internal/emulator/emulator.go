// Package emulator is an in-memory ESP device: ROM loader, flasher stub
// and an application console speaking Improv, reachable through handles
// that behave like OS serial ports, including USB endpoints that vanish
// and re-enumerate when the chip switches modes.
package emulator

import (
	"context"
	"sync"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/bigbag/esp-installer/internal/chip"
	"github.com/bigbag/esp-installer/internal/protocol"
	"github.com/bigbag/esp-installer/internal/slip"
	"github.com/bigbag/esp-installer/internal/transport"
)

// Mode is what the emulated chip runs.
type Mode int

const (
	ModeReset Mode = iota
	ModeROM
	ModeStub
	ModeApp
)

func (m Mode) String() string {
	switch m {
	case ModeROM:
		return "rom"
	case ModeStub:
		return "stub"
	case ModeApp:
		return "app"
	}
	return "reset"
}

// Config describes the emulated chip and board.
type Config struct {
	// Identity is the endpoint in bootloader mode, and in every mode
	// unless Volatile is set.
	Identity transport.Identity
	// AppIdentity is the endpoint the application enumerates as when
	// Volatile is set.
	AppIdentity transport.Identity
	Volatile    bool

	// NoControlLines models a bridge without DTR/RTS or baud control.
	NoControlLines bool

	Generation protocol.Generation
	// SecurityInfo enables GET_SECURITY_INFO; ChipID is reported when
	// HasChipID is also set.
	SecurityInfo bool
	HasChipID    bool
	ChipID       uint32
	Magic        uint32
	Watchdog     *chip.Watchdog

	// Stub makes MEM_END answer with the stub greeting.
	Stub bool

	FlashSize int

	StartMode Mode
	BootLog   string

	// DisconnectAfterBlocks unplugs the device when that many flash data
	// blocks have been received.
	DisconnectAfterBlocks int
	// ChunkSize splits device output into chunks of at most that size.
	ChunkSize int
	// GarbleResponses truncates that many loader responses.
	GarbleResponses int

	Firmware *Firmware
}

// Device is the emulated chip.
type Device struct {
	cfg Config

	mu        sync.Mutex
	mode      Mode
	port      *Port
	unplugged bool
	baud      int
	dtr, rts  bool
	latched   bool
	dec       *slip.Decoder

	flash []byte
	regs  map[uint32]uint32
	write writeState

	wdArmed bool
	garbled int

	app appState

	resets     int
	reacquires int
	syncs      int
	blocks     int
	commands   map[byte]int
}

type writeState struct {
	active     bool
	deflate    bool
	offset     uint32
	blockSize  uint32
	blocks     uint32
	nextSeq    uint32
	compressed []byte
}

// New creates a powered device. The first handle is opened with Open.
func New(cfg Config) *Device {
	if cfg.FlashSize == 0 {
		cfg.FlashSize = 4 << 20
	}
	if cfg.Identity.Name == "" {
		cfg.Identity = transport.Identity{Name: "/dev/ttyEMU0"}
	}
	if cfg.Volatile && cfg.AppIdentity.Name == "" {
		cfg.AppIdentity = cfg.Identity
		cfg.AppIdentity.Name += "-app"
		cfg.AppIdentity.ProductID = "4001"
	}
	if cfg.StartMode == ModeReset {
		cfg.StartMode = ModeApp
	}
	d := &Device{
		cfg:      cfg,
		mode:     cfg.StartMode,
		baud:     transport.DefaultBaudRate,
		dec:      slip.NewDecoder(),
		flash:    make([]byte, cfg.FlashSize),
		regs:     map[uint32]uint32{chip.MagicRegister: cfg.Magic},
		commands: map[byte]int{},
	}
	d.dec.JunkHandler = func([]byte) {}
	for i := range d.flash {
		d.flash[i] = 0xFF
	}
	d.app.state = initialState(cfg.Firmware)
	return d
}

func (d *Device) endpointLocked() transport.Identity {
	if d.cfg.Volatile && d.mode == ModeApp {
		return d.cfg.AppIdentity
	}
	return d.cfg.Identity
}

// Open returns a handle to the endpoint the device currently enumerates
// as. Only one handle may be open at a time.
func (d *Device) Open() (*Port, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.unplugged {
		return nil, errors.Annotatef(transport.ErrNotFound, "%s", d.cfg.Identity.Name)
	}
	if d.port != nil {
		return nil, errors.Annotatef(transport.ErrPermissionDenied, "%s is busy", d.port.id.Name)
	}
	d.port = newPort(d, d.endpointLocked())
	d.dec.Reset()
	return d.port, nil
}

// Reacquirer hands out a fresh handle and counts the calls.
func (d *Device) Reacquirer() transport.Reacquirer {
	return func(ctx context.Context, previous transport.Identity) (transport.Port, error) {
		d.mu.Lock()
		d.reacquires++
		d.mu.Unlock()
		p, err := d.Open()
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}

func (d *Device) release(p *Port) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.port == p {
		d.port = nil
	}
}

// Unplug removes the device; every open handle dies.
func (d *Device) Unplug() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unplugLocked()
}

func (d *Device) unplugLocked() {
	d.unplugged = true
	if d.port != nil {
		d.port.kill(errors.Annotatef(transport.ErrDisconnected, "%s unplugged", d.port.id.Name))
		d.port = nil
	}
}

func (d *Device) setLines(p *Port, dtr, rts bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p != d.port {
		return
	}
	prevRTS := d.rts
	d.dtr, d.rts = dtr, rts
	switch {
	case rts && !prevRTS:
		d.mode = ModeReset
		d.latched = dtr
	case !rts && prevRTS:
		// A bridge's auto-reset circuit samples the strap as reset is
		// released; the chip's own USB peripheral latches it as reset is
		// asserted.
		strap := dtr
		if d.nativeLocked() {
			strap = d.latched
		}
		if strap {
			d.bootLocked(ModeROM)
		} else {
			d.bootLocked(ModeApp)
		}
	}
}

func (d *Device) nativeLocked() bool {
	return d.cfg.Volatile || d.cfg.Identity.NativeUSB()
}

// bootLocked starts the chip in mode. A volatile endpoint that changes
// identity drops the open handle.
func (d *Device) bootLocked(mode Mode) {
	d.resets++
	before := d.endpointLocked()
	d.mode = mode
	d.baud = transport.DefaultBaudRate
	d.write = writeState{}
	d.wdArmed = false
	d.dec.Reset()
	d.app.scanner.Reset()
	glog.V(2).Infof("emulator: boot into %s", mode)

	if d.cfg.Volatile && d.endpointLocked() != before && d.port != nil {
		d.port.kill(errors.Annotatef(transport.ErrDisconnected, "%s re-enumerated", before.Name))
		d.port = nil
		return
	}
	if mode == ModeApp && d.cfg.BootLog != "" {
		d.outputLocked([]byte(d.cfg.BootLog))
	}
}

func (d *Device) outputLocked(data []byte) {
	if d.port == nil {
		return
	}
	d.port.push(data)
}

// input handles bytes written by the host.
func (d *Device) input(p *Port, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p != d.port {
		return
	}
	if p.BaudRate() != d.baud {
		glog.V(2).Infof("emulator: %d bytes at %d baud, device at %d: garbled", len(data), p.BaudRate(), d.baud)
		return
	}
	switch d.mode {
	case ModeROM, ModeStub:
		for _, f := range d.dec.Feed(data) {
			if f.Err != nil {
				continue
			}
			d.handleFrameLocked(f.Data)
			if d.port != p {
				return
			}
		}
	case ModeApp:
		d.appInputLocked(data)
	}
}

// Mode reports what the chip runs.
func (d *Device) Mode() Mode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode
}

// Flash returns a copy of length bytes of flash at offset.
func (d *Device) Flash(offset, length int) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]byte, length)
	copy(out, d.flash[offset:offset+length])
	return out
}

// SetFlash preloads flash contents.
func (d *Device) SetFlash(offset int, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	copy(d.flash[offset:], data)
}

// Resets counts chip boots caused by the host.
func (d *Device) Resets() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resets
}

// Reacquires counts Reacquirer calls.
func (d *Device) Reacquires() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reacquires
}

// Syncs counts SYNC commands the loader answered.
func (d *Device) Syncs() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.syncs
}

// Blocks counts flash data blocks received.
func (d *Device) Blocks() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.blocks
}

// Commands counts loader commands by opcode.
func (d *Device) Commands(op byte) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.commands[op]
}

// BaudRate is the rate the chip's UART runs at.
func (d *Device) BaudRate() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.baud
}
