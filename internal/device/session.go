// Package device models one attached device: the transport handle it is
// reached through, the mode it runs in, what chip it is, and which
// protocol session currently owns the wire.
package device

import (
	"sync"
	"sync/atomic"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/bigbag/esp-installer/internal/chip"
	"github.com/bigbag/esp-installer/internal/protocol"
	"github.com/bigbag/esp-installer/internal/transport"
)

// Mode is what the chip is executing.
type Mode int

const (
	ModeUnknown Mode = iota
	ModeBootloader
	ModeApplication
)

func (m Mode) String() string {
	switch m {
	case ModeBootloader:
		return "bootloader"
	case ModeApplication:
		return "application"
	default:
		return "unknown"
	}
}

// State is the engine state of a session.
type State int

const (
	StateDisconnected State = iota
	StateProbing
	StateSyncedBootloader
	StateSyncedApplication
	StateAwaitingReacquisition
)

func (s State) String() string {
	switch s {
	case StateProbing:
		return "probing"
	case StateSyncedBootloader:
		return "synced-bootloader"
	case StateSyncedApplication:
		return "synced-application"
	case StateAwaitingReacquisition:
		return "awaiting-reacquisition"
	default:
		return "disconnected"
	}
}

// transitions lists the legal moves of the state machine. Disconnected is
// terminal.
var transitions = map[State][]State{
	StateProbing:               {StateProbing, StateSyncedBootloader, StateAwaitingReacquisition, StateDisconnected},
	StateSyncedBootloader:      {StateProbing, StateSyncedBootloader, StateSyncedApplication, StateAwaitingReacquisition, StateDisconnected},
	StateSyncedApplication:     {StateProbing, StateSyncedBootloader, StateAwaitingReacquisition, StateDisconnected},
	StateAwaitingReacquisition: {StateProbing, StateSyncedBootloader, StateSyncedApplication, StateDisconnected},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Lease names the protocol session that owns the transport.
type Lease int32

const (
	LeaseNone Lease = iota
	LeaseFlash
	LeaseProvisioning
)

func (l Lease) String() string {
	switch l {
	case LeaseFlash:
		return "flash"
	case LeaseProvisioning:
		return "provisioning"
	default:
		return "none"
	}
}

// Session is the caller-owned record of one device. It is safe for
// concurrent use; the transport disconnect watcher updates it from its own
// goroutine.
type Session struct {
	lease atomic.Int32

	mu              sync.Mutex
	port            transport.Port
	detached        transport.Port
	identity        transport.Identity
	identityPending bool
	state           State
	mode            Mode
	target          Mode
	profile         *chip.Profile
	generic         *chip.Profile
	stub            bool
	baud            int
	reacquisitions  int
}

// NewSession takes ownership of port. Until identification the session
// uses the generic probing profile.
func NewSession(port transport.Port, generic *chip.Profile) *Session {
	s := &Session{
		port:     port,
		identity: port.Identity(),
		state:    StateProbing,
		generic:  generic,
		baud:     port.BaudRate(),
	}
	go s.watch(port)
	glog.V(1).Infof("session opened on %s", s.identity)
	return s
}

// watch moves the session to Disconnected when its current handle dies.
// Handles that were detached for a mode switch are expected to vanish.
func (s *Session) watch(port transport.Port) {
	<-port.Done()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port != port {
		return
	}
	glog.Warningf("%s disconnected: %v", s.identity, port.Err())
	s.clearLocked()
}

func (s *Session) clearLocked() {
	s.port = nil
	s.detached = nil
	s.state = StateDisconnected
	s.mode = ModeUnknown
	s.target = ModeUnknown
	s.profile = nil
	s.stub = false
	s.identityPending = false
}

// Port returns the live handle. It fails while a reacquisition is pending
// and after a disconnect.
func (s *Session) Port() (transport.Port, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.identityPending:
		return nil, errors.Annotatef(ErrReacquisitionRequired, "%s", s.identity)
	case s.state == StateDisconnected || s.port == nil:
		return nil, errors.Trace(ErrDisconnected)
	}
	return s.port, nil
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Profile returns the resolved profile, or the generic one before
// identification.
func (s *Session) Profile() *chip.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.profile == nil {
		return s.generic
	}
	return s.profile
}

// Identified reports whether a chip profile has been resolved.
func (s *Session) Identified() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profile != nil
}

func (s *Session) Identity() transport.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

func (s *Session) IdentityPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identityPending
}

// BaudRate is the rate negotiated with the device.
func (s *Session) BaudRate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baud
}

// Reacquisitions counts how many times the handle was replaced.
func (s *Session) Reacquisitions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reacquisitions
}

func (s *Session) StubRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stub
}

// Generation selects the response layout of the loader currently running.
func (s *Session) Generation() protocol.Generation {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.stub:
		return protocol.GenStub
	case s.profile != nil:
		return s.profile.Generation
	}
	return protocol.GenUnknown
}

// Transition moves the state machine to `to` and records the mode that
// state implies.
func (s *Session) Transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(to)
}

func (s *Session) transitionLocked(to State) error {
	from := s.state
	if !canTransition(from, to) {
		return errors.Errorf("illegal state transition %s -> %s", from, to)
	}
	s.state = to
	switch to {
	case StateSyncedBootloader:
		s.mode = ModeBootloader
	case StateSyncedApplication:
		s.mode = ModeApplication
		s.stub = false
	case StateProbing, StateAwaitingReacquisition:
		s.mode = ModeUnknown
		s.stub = false
	}
	if from != to {
		glog.V(1).Infof("%s: %s -> %s", s.identity.Name, from, to)
	}
	return nil
}

// SetProfile records the identified chip.
func (s *Session) SetProfile(p *chip.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profile = p
}

// SetStub records whether the flasher stub is running.
func (s *Session) SetStub(running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stub = running
}

func (s *Session) SetBaudRate(baud int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baud = baud
}

// Detach hands the current handle back to the caller and enters
// AwaitingReacquisition. From here on the session refuses all traffic
// until Reacquire. The caller may still use the returned handle for a
// last fire-and-forget write and must close it.
func (s *Session) Detach(target Mode) (transport.Port, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l := s.Lease(); l != LeaseNone {
		return nil, errors.Annotatef(ErrLeaseHeld, "cannot switch modes while %s session is open", l)
	}
	if s.port == nil {
		return nil, errors.Trace(ErrDisconnected)
	}
	if err := s.transitionLocked(StateAwaitingReacquisition); err != nil {
		return nil, err
	}
	port := s.port
	s.detached = port
	s.port = nil
	s.identityPending = true
	s.target = target
	glog.Infof("%s detached, waiting for the device to re-enumerate in %s mode", s.identity, target)
	return port, nil
}

// Restore undoes Detach when the handle survived the mode switch after
// all. The session goes back to probing.
func (s *Session) Restore(port transport.Port) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateAwaitingReacquisition || port == nil || port != s.detached {
		return errors.New("restore needs the detached handle")
	}
	select {
	case <-port.Done():
		return errors.Annotatef(ErrDisconnected, "%s", port.Identity().Name)
	default:
	}
	s.port = port
	s.detached = nil
	s.identityPending = false
	s.target = ModeUnknown
	return s.transitionLocked(StateProbing)
}

// Target is the mode a pending reacquisition leads to.
func (s *Session) Target() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target
}

// Reacquire installs a fresh handle after Detach. It returns the mode the
// device was switched to.
func (s *Session) Reacquire(port transport.Port) (Mode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateAwaitingReacquisition {
		return ModeUnknown, errors.Errorf("reacquire in state %s", s.state)
	}
	if port == nil || port == s.detached {
		return ModeUnknown, errors.New("reacquire needs a new transport handle")
	}
	prev := s.identity
	s.port = port
	s.detached = nil
	s.identity = port.Identity()
	s.identityPending = false
	s.baud = port.BaudRate()
	s.reacquisitions++
	go s.watch(port)
	glog.Infof("reacquired %s as %s", prev, s.identity)
	return s.target, nil
}

// AcquireLease gives l exclusive use of the transport. The lease is taken
// with a single compare-and-swap and given back when a mode switch has
// detached the transport; either the lease is held afterwards or nothing
// changed.
func (s *Session) AcquireLease(l Lease) error {
	if l == LeaseNone {
		return errors.New("cannot acquire the empty lease")
	}
	if !s.lease.CompareAndSwap(int32(LeaseNone), int32(l)) {
		return errors.Annotatef(ErrLeaseHeld, "%s session requested, %s session open", l, s.Lease())
	}
	// Detach checks the lease under mu, so one of the two backs off.
	s.mu.Lock()
	pending := s.identityPending
	s.mu.Unlock()
	if pending {
		s.lease.CompareAndSwap(int32(l), int32(LeaseNone))
		return errors.Annotatef(ErrReacquisitionRequired, "%s session requested while the device re-enumerates", l)
	}
	return nil
}

// ReleaseLease drops l if it is held; releasing twice is a no-op.
func (s *Session) ReleaseLease(l Lease) bool {
	return s.lease.CompareAndSwap(int32(l), int32(LeaseNone))
}

func (s *Session) Lease() Lease { return Lease(s.lease.Load()) }

// Close releases the transport. The session is unusable afterwards.
func (s *Session) Close() error {
	s.mu.Lock()
	port := s.port
	s.clearLocked()
	s.mu.Unlock()
	if port == nil {
		return nil
	}
	glog.V(1).Infof("session on %s closed", port.Identity())
	return errors.Trace(port.Close())
}
