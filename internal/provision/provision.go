// Package provision configures Wi-Fi on a running application over the
// Improv serial protocol.
package provision

import (
	"context"
	"fmt"
	"iter"
	"strconv"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/bigbag/esp-installer/internal/device"
	"github.com/bigbag/esp-installer/internal/improv"
	"github.com/bigbag/esp-installer/internal/transport"
)

// Phase is the network-configuration phase of the firmware.
type Phase int

const (
	PhaseUnknown Phase = iota
	PhaseAuthorizationRequired
	PhaseReady
	PhaseProvisioning
	PhaseProvisioned
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseAuthorizationRequired:
		return "authorization-required"
	case PhaseReady:
		return "ready"
	case PhaseProvisioning:
		return "provisioning"
	case PhaseProvisioned:
		return "provisioned"
	case PhaseError:
		return "error"
	}
	return "unknown"
}

func phaseOf(s improv.State) Phase {
	switch s {
	case improv.StateAuthorizationRequired:
		return PhaseAuthorizationRequired
	case improv.StateReady:
		return PhaseReady
	case improv.StateProvisioning:
		return PhaseProvisioning
	case improv.StateProvisioned:
		return PhaseProvisioned
	}
	return PhaseUnknown
}

// Network is a Wi-Fi network reported by the firmware.
type Network struct {
	SSID    string
	RSSI    int
	Secured bool
}

// Status is the provisioning state last reported by the firmware.
type Status struct {
	Phase Phase
	// RedirectURL is where the device asks to be visited next, if
	// anywhere.
	RedirectURL string
	// Networks is the last scan result; nil if none was run or the
	// firmware cannot scan.
	Networks []Network
	// LastError is the last error state the firmware reported.
	LastError improv.ErrorCode
}

// DeviceInfo describes the firmware.
type DeviceInfo struct {
	Firmware string
	Version  string
	Chip     string
	Name     string
}

func (i DeviceInfo) String() string {
	return fmt.Sprintf("%s %s on %s (%s)", i.Firmware, i.Version, i.Chip, i.Name)
}

// Options bounds the waits of a session.
type Options struct {
	RPCTimeout     time.Duration
	ScanTimeout    time.Duration
	ConnectTimeout time.Duration
}

// DefaultOptions returns the timeouts the CLI uses.
func DefaultOptions() Options {
	return Options{
		RPCTimeout:     2 * time.Second,
		ScanTimeout:    10 * time.Second,
		ConnectTimeout: 60 * time.Second,
	}
}

// Session is an open provisioning session. It holds the provisioning
// lease until Close.
type Session struct {
	dev     *device.Session
	port    transport.Port
	opts    Options
	scanner improv.Scanner
	pending []improv.Packet
	status  Status
	closed  bool
}

// Open takes the provisioning lease on a device running its application
// and asks the firmware for its state.
func Open(ctx context.Context, dev *device.Session, opts Options) (*Session, error) {
	if st := dev.State(); st != device.StateSyncedApplication {
		return nil, errors.Annotatef(device.ErrNotSynchronized, "provisioning needs the application, device is %s", st)
	}
	if err := dev.AcquireLease(device.LeaseProvisioning); err != nil {
		return nil, err
	}
	s, err := open(ctx, dev, opts)
	if err != nil {
		dev.ReleaseLease(device.LeaseProvisioning)
		return nil, err
	}
	return s, nil
}

func open(ctx context.Context, dev *device.Session, opts Options) (*Session, error) {
	port, err := dev.Port()
	if err != nil {
		return nil, err
	}
	if port.BaudRate() != improv.BaudRate {
		if err := port.SetBaudRate(improv.BaudRate); err != nil {
			return nil, errors.Annotatef(err, "provisioning runs at %d baud", improv.BaudRate)
		}
		dev.SetBaudRate(improv.BaudRate)
	}
	if err := port.Flush(); err != nil {
		glog.Warningf("%s: flush: %v", port.Identity().Name, err)
	}

	s := &Session{dev: dev, port: port, opts: opts}
	s.scanner.JunkHandler = func(b []byte) {
		glog.V(3).Infof("console: %q", b)
	}
	if _, err := s.CurrentState(ctx); err != nil {
		return nil, errors.Annotatef(err, "firmware on %s does not answer Improv", port.Identity().Name)
	}
	return s, nil
}

func (s *Session) check() error {
	if s.closed {
		return errors.New("provisioning session is closed")
	}
	if s.dev.Lease() != device.LeaseProvisioning {
		return errors.Annotatef(device.ErrLeaseHeld, "provisioning session lost its lease")
	}
	return nil
}

func (s *Session) send(cmd improv.Command, args ...string) error {
	p, err := improv.RPC(cmd, args...)
	if err != nil {
		return err
	}
	b, err := p.Encode()
	if err != nil {
		return err
	}
	glog.V(2).Infof("improv > %s %x", p.Type, p.Data)
	if _, err := s.port.Write(b); err != nil {
		return errors.Annotatef(err, "improv command 0x%02x", byte(cmd))
	}
	return nil
}

// next returns the next record, updating the tracked status from state
// and error records on the way.
func (s *Session) next(ctx context.Context, expired <-chan time.Time) (improv.Packet, error) {
	for len(s.pending) == 0 {
		select {
		case chunk, ok := <-s.port.Chunks():
			if !ok {
				return improv.Packet{}, errors.Annotatef(device.ErrDisconnected, "%s", s.port.Identity().Name)
			}
			s.pending = s.scanner.Feed(chunk)
		case <-s.port.Done():
			return improv.Packet{}, errors.Annotatef(device.ErrDisconnected, "%s", s.port.Identity().Name)
		case <-expired:
			return improv.Packet{}, errors.Trace(device.ErrTimeout)
		case <-ctx.Done():
			return improv.Packet{}, errors.Trace(ctx.Err())
		}
	}
	p := s.pending[0]
	s.pending = s.pending[1:]
	glog.V(2).Infof("improv < %s %x", p.Type, p.Data)
	switch p.Type {
	case improv.TypeCurrentState:
		if len(p.Data) == 1 {
			s.status.Phase = phaseOf(improv.State(p.Data[0]))
			if s.status.Phase != PhaseProvisioned {
				s.status.RedirectURL = ""
			}
		}
	case improv.TypeErrorState:
		if len(p.Data) == 1 {
			s.status.LastError = improv.ErrorCode(p.Data[0])
		}
	}
	return p, nil
}

// result decodes an RPC result record for cmd; ok is false for any
// other record.
func result(p improv.Packet, cmd improv.Command) ([]string, bool) {
	if p.Type != improv.TypeRPCResult {
		return nil, false
	}
	got, args, err := improv.DecodeCommand(p.Data)
	if err != nil {
		glog.Warningf("malformed improv result: %v", err)
		return nil, false
	}
	return args, got == cmd
}

// firmwareError returns the error an error-state record reports.
func firmwareError(p improv.Packet) error {
	if p.Type != improv.TypeErrorState || len(p.Data) != 1 {
		return nil
	}
	switch code := improv.ErrorCode(p.Data[0]); code {
	case improv.ErrorNone:
		return nil
	case improv.ErrorUnknownRPC:
		return errors.Annotatef(device.ErrUnsupported, "firmware: %s", code)
	case improv.ErrorUnableToConnect:
		return errors.Annotatef(device.ErrConnectionRejected, "firmware: %s", code)
	default:
		return errors.Errorf("firmware: %s", code)
	}
}

// CurrentState asks the firmware for its provisioning state.
func (s *Session) CurrentState(ctx context.Context) (Status, error) {
	if s.closed {
		return s.status, errors.New("provisioning session is closed")
	}
	if err := s.send(improv.CmdGetState); err != nil {
		return s.status, err
	}
	timer := time.NewTimer(s.opts.RPCTimeout)
	defer timer.Stop()
	for {
		p, err := s.next(ctx, timer.C)
		if err != nil {
			return s.status, err
		}
		if err := firmwareError(p); err != nil {
			return s.status, err
		}
		if p.Type != improv.TypeCurrentState {
			continue
		}
		if s.status.Phase != PhaseProvisioned {
			return s.status, nil
		}
		// A provisioned device follows up with its URL.
		for {
			p, err := s.next(ctx, timer.C)
			if errors.Is(err, device.ErrTimeout) {
				return s.status, nil
			}
			if err != nil {
				return s.status, err
			}
			if args, ok := result(p, improv.CmdGetState); ok {
				if len(args) > 0 {
					s.status.RedirectURL = args[0]
				}
				return s.status, nil
			}
		}
	}
}

// DeviceInfo asks the firmware to describe itself.
func (s *Session) DeviceInfo(ctx context.Context) (*DeviceInfo, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	if err := s.send(improv.CmdGetDeviceInfo); err != nil {
		return nil, err
	}
	timer := time.NewTimer(s.opts.RPCTimeout)
	defer timer.Stop()
	for {
		p, err := s.next(ctx, timer.C)
		if err != nil {
			return nil, err
		}
		if err := firmwareError(p); err != nil {
			return nil, err
		}
		args, ok := result(p, improv.CmdGetDeviceInfo)
		if !ok {
			continue
		}
		if len(args) < 4 {
			return nil, errors.Errorf("device info has %d fields, want 4", len(args))
		}
		return &DeviceInfo{Firmware: args[0], Version: args[1], Chip: args[2], Name: args[3]}, nil
	}
}

// ListNetworks asks the firmware to scan. Networks are yielded as they
// arrive. Firmware without scan support yields ErrUnsupported; callers
// fall back to asking for the network name.
func (s *Session) ListNetworks(ctx context.Context) iter.Seq2[Network, error] {
	return func(yield func(Network, error) bool) {
		if err := s.check(); err != nil {
			yield(Network{}, err)
			return
		}
		if err := s.send(improv.CmdGetWiFiNetworks); err != nil {
			yield(Network{}, err)
			return
		}
		timer := time.NewTimer(s.opts.ScanTimeout)
		defer timer.Stop()
		var found []Network
		for {
			p, err := s.next(ctx, timer.C)
			if err == nil {
				err = firmwareError(p)
			}
			if err != nil {
				if errors.Is(err, device.ErrUnsupported) {
					glog.Warningf("%s cannot scan for networks", s.port.Identity().Name)
				}
				yield(Network{}, err)
				return
			}
			args, ok := result(p, improv.CmdGetWiFiNetworks)
			if !ok {
				continue
			}
			if len(args) == 0 {
				s.status.Networks = found
				return
			}
			n := Network{SSID: args[0]}
			if len(args) > 1 {
				n.RSSI, _ = strconv.Atoi(args[1])
			}
			if len(args) > 2 {
				n.Secured = args[2] == "YES"
			}
			found = append(found, n)
			if !yield(n, nil) {
				// Drain the rest so the next command starts clean.
				s.drain(ctx, timer.C)
				s.status.Networks = found
				return
			}
		}
	}
}

func (s *Session) drain(ctx context.Context, expired <-chan time.Time) {
	for {
		p, err := s.next(ctx, expired)
		if err != nil {
			glog.V(1).Infof("scan drain: %v", err)
			return
		}
		if args, ok := result(p, improv.CmdGetWiFiNetworks); ok && len(args) == 0 {
			return
		}
	}
}

// SubmitCredentials sends the network name and secret and waits for the
// firmware to join. A refused network is ErrConnectionRejected.
func (s *Session) SubmitCredentials(ctx context.Context, ssid, password string) (Status, error) {
	if err := s.check(); err != nil {
		return s.status, err
	}
	if err := s.send(improv.CmdWiFiSettings, ssid, password); err != nil {
		return s.status, err
	}
	glog.Infof("sent credentials for %q", ssid)
	timer := time.NewTimer(s.opts.ConnectTimeout)
	defer timer.Stop()
	for {
		p, err := s.next(ctx, timer.C)
		if err != nil {
			return s.status, err
		}
		if err := firmwareError(p); err != nil {
			s.status.Phase = PhaseError
			return s.status, err
		}
		if p.Type == improv.TypeCurrentState && s.status.Phase == PhaseProvisioning {
			glog.Infof("device is joining %q", ssid)
		}
		if args, ok := result(p, improv.CmdWiFiSettings); ok {
			s.status.Phase = PhaseProvisioned
			if len(args) > 0 {
				s.status.RedirectURL = args[0]
			}
			return s.status, nil
		}
	}
}

// Status returns the state tracked so far without asking the device.
func (s *Session) Status() Status { return s.status }

// Close drops the lease.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.dev.ReleaseLease(device.LeaseProvisioning)
	return nil
}
