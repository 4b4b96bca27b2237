package device

import (
	"sync"
	"testing"
	"time"

	"github.com/juju/errors"

	"github.com/bigbag/esp-installer/internal/chip"
	"github.com/bigbag/esp-installer/internal/emulator"
	"github.com/bigbag/esp-installer/internal/transport"
)

func newSession(t *testing.T, cfg emulator.Config) (*Session, *emulator.Device, transport.Port) {
	t.Helper()
	reg, err := chip.Default()
	if err != nil {
		t.Fatalf("chip.Default() error = %v", err)
	}
	dev := emulator.New(cfg)
	port, err := dev.Open()
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	s := NewSession(port, reg.Generic())
	t.Cleanup(func() { s.Close() })
	return s, dev, port
}

func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for s.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("state = %s, want %s", s.State(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSession_Transitions(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{StateProbing, StateSyncedBootloader, true},
		{StateProbing, StateSyncedApplication, false},
		{StateSyncedBootloader, StateSyncedApplication, true},
		{StateSyncedApplication, StateSyncedBootloader, true},
		{StateAwaitingReacquisition, StateSyncedApplication, true},
		{StateDisconnected, StateProbing, false},
		{StateDisconnected, StateDisconnected, false},
	}
	for _, tc := range tests {
		if got := canTransition(tc.from, tc.to); got != tc.ok {
			t.Errorf("canTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}

func TestSession_TransitionSetsMode(t *testing.T) {
	s, _, _ := newSession(t, emulator.BridgeESP32(nil))

	if s.State() != StateProbing || s.Mode() != ModeUnknown {
		t.Fatalf("new session is %s/%s", s.State(), s.Mode())
	}
	if err := s.Transition(StateSyncedApplication); err == nil {
		t.Error("Probing -> SyncedApplication should be rejected")
	}
	if err := s.Transition(StateSyncedBootloader); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	s.SetStub(true)
	if s.Mode() != ModeBootloader || !s.StubRunning() {
		t.Errorf("mode = %s, stub = %v", s.Mode(), s.StubRunning())
	}
	if err := s.Transition(StateSyncedApplication); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	if s.Mode() != ModeApplication || s.StubRunning() {
		t.Errorf("mode = %s, stub = %v after leaving the bootloader", s.Mode(), s.StubRunning())
	}
}

func TestSession_Lease(t *testing.T) {
	s, _, _ := newSession(t, emulator.BridgeESP32(nil))

	if err := s.AcquireLease(LeaseNone); err == nil {
		t.Error("acquiring the empty lease should fail")
	}
	if err := s.AcquireLease(LeaseFlash); err != nil {
		t.Fatalf("AcquireLease(flash) error = %v", err)
	}
	err := s.AcquireLease(LeaseProvisioning)
	if !errors.Is(err, ErrLeaseHeld) {
		t.Fatalf("second AcquireLease() error = %v, want ErrLeaseHeld", err)
	}
	if s.ReleaseLease(LeaseProvisioning) {
		t.Error("released a lease that was not held")
	}
	if s.Lease() != LeaseFlash {
		t.Errorf("Lease() = %s, want flash", s.Lease())
	}
	if !s.ReleaseLease(LeaseFlash) {
		t.Error("ReleaseLease(flash) = false")
	}
	if s.ReleaseLease(LeaseFlash) {
		t.Error("second ReleaseLease(flash) = true")
	}
	if err := s.AcquireLease(LeaseProvisioning); err != nil {
		t.Errorf("AcquireLease(provisioning) after release error = %v", err)
	}
}

func TestSession_DetachReacquire(t *testing.T) {
	s, dev, first := newSession(t, emulator.NativeESP32S3(nil))

	if err := s.AcquireLease(LeaseFlash); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Detach(ModeApplication); !errors.Is(err, ErrLeaseHeld) {
		t.Fatalf("Detach() with a lease error = %v, want ErrLeaseHeld", err)
	}
	s.ReleaseLease(LeaseFlash)

	old, err := s.Detach(ModeApplication)
	if err != nil {
		t.Fatalf("Detach() error = %v", err)
	}
	if old != first {
		t.Fatal("Detach() returned a different handle")
	}
	if s.State() != StateAwaitingReacquisition || !s.IdentityPending() {
		t.Fatalf("after Detach state = %s, pending = %v", s.State(), s.IdentityPending())
	}
	if _, err := s.Port(); !errors.Is(err, ErrReacquisitionRequired) {
		t.Errorf("Port() error = %v, want ErrReacquisitionRequired", err)
	}
	if _, err := s.Reacquire(old); err == nil {
		t.Error("Reacquire() accepted the detached handle")
	}

	// The old handle dying must not disconnect the session.
	old.Close()
	time.Sleep(20 * time.Millisecond)
	if s.State() != StateAwaitingReacquisition {
		t.Fatalf("state = %s after closing the detached handle", s.State())
	}

	fresh, err := dev.Open()
	if err != nil {
		t.Fatal(err)
	}
	mode, err := s.Reacquire(fresh)
	if err != nil {
		t.Fatalf("Reacquire() error = %v", err)
	}
	if mode != ModeApplication || s.Target() != ModeApplication {
		t.Errorf("Reacquire() mode = %s, target = %s", mode, s.Target())
	}
	if s.Reacquisitions() != 1 {
		t.Errorf("Reacquisitions() = %d, want 1", s.Reacquisitions())
	}
	if got, err := s.Port(); err != nil || got != fresh {
		t.Errorf("Port() = %v, %v; want the fresh handle", got, err)
	}
	if s.Identity() != fresh.Identity() {
		t.Errorf("Identity() = %s, want %s", s.Identity(), fresh.Identity())
	}
	if _, err := s.Reacquire(fresh); err == nil {
		t.Error("Reacquire() outside AwaitingReacquisition should fail")
	}
}

func TestSession_LeaseWhileDetached(t *testing.T) {
	s, dev, _ := newSession(t, emulator.NativeESP32S3(nil))
	if _, err := s.Detach(ModeBootloader); err != nil {
		t.Fatalf("Detach() error = %v", err)
	}
	if err := s.AcquireLease(LeaseFlash); !errors.Is(err, ErrReacquisitionRequired) {
		t.Fatalf("AcquireLease() while detached error = %v, want ErrReacquisitionRequired", err)
	}
	if l := s.Lease(); l != LeaseNone {
		t.Fatalf("Lease() = %s after a refused AcquireLease", l)
	}

	fresh, err := dev.Open()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Reacquire(fresh); err != nil {
		t.Fatalf("Reacquire() error = %v", err)
	}
	if err := s.AcquireLease(LeaseFlash); err != nil {
		t.Errorf("AcquireLease() after Reacquire error = %v", err)
	}
}

func TestSession_DetachRacesLease(t *testing.T) {
	for i := 0; i < 100; i++ {
		s, _, _ := newSession(t, emulator.NativeESP32S3(nil))

		var (
			wg                  sync.WaitGroup
			detachErr, leaseErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, detachErr = s.Detach(ModeBootloader)
		}()
		go func() {
			defer wg.Done()
			leaseErr = s.AcquireLease(LeaseFlash)
		}()
		wg.Wait()

		switch {
		case detachErr == nil && leaseErr == nil:
			t.Fatalf("iteration %d: lease granted on a detached session", i)
		case detachErr != nil && leaseErr != nil:
			t.Fatalf("iteration %d: both refused: %v; %v", i, detachErr, leaseErr)
		case detachErr == nil && s.Lease() != LeaseNone:
			t.Fatalf("iteration %d: lease %s left behind after Detach", i, s.Lease())
		}
	}
}

func TestSession_Restore(t *testing.T) {
	s, _, port := newSession(t, emulator.BridgeESP32(nil))

	if err := s.Restore(port); err == nil {
		t.Error("Restore() before Detach should fail")
	}
	old, err := s.Detach(ModeBootloader)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Restore(nil); err == nil {
		t.Error("Restore(nil) should fail")
	}
	if err := s.Restore(old); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if s.State() != StateProbing || s.IdentityPending() {
		t.Errorf("after Restore state = %s, pending = %v", s.State(), s.IdentityPending())
	}
	if got, err := s.Port(); err != nil || got != port {
		t.Errorf("Port() = %v, %v; want the original handle", got, err)
	}
}

func TestSession_RestoreDeadHandle(t *testing.T) {
	s, _, _ := newSession(t, emulator.BridgeESP32(nil))

	old, err := s.Detach(ModeBootloader)
	if err != nil {
		t.Fatal(err)
	}
	old.Close()
	if err := s.Restore(old); !errors.Is(err, ErrDisconnected) {
		t.Errorf("Restore() error = %v, want ErrDisconnected", err)
	}
}

func TestSession_Unplug(t *testing.T) {
	s, dev, _ := newSession(t, emulator.BridgeESP32(nil))
	if err := s.Transition(StateSyncedBootloader); err != nil {
		t.Fatal(err)
	}

	dev.Unplug()
	waitState(t, s, StateDisconnected)

	if _, err := s.Port(); !errors.Is(err, ErrDisconnected) {
		t.Errorf("Port() error = %v, want ErrDisconnected", err)
	}
	if s.Mode() != ModeUnknown || s.Identified() {
		t.Errorf("mode = %s, identified = %v after unplug", s.Mode(), s.Identified())
	}
	if err := s.Transition(StateProbing); err == nil {
		t.Error("Disconnected must be terminal")
	}
	if _, err := s.Detach(ModeApplication); !errors.Is(err, ErrDisconnected) {
		t.Errorf("Detach() error = %v, want ErrDisconnected", err)
	}
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	s, _, _ := newSession(t, emulator.BridgeESP32(nil))
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if s.State() != StateDisconnected {
		t.Errorf("state = %s after Close", s.State())
	}
}
