// Package engine moves a device between its bootloader and its
// application. It knows which chips drop their USB endpoint on the way
// and hands control to the operator to pick the new one.
package engine

import (
	"context"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/bigbag/esp-installer/internal/chip"
	"github.com/bigbag/esp-installer/internal/device"
	"github.com/bigbag/esp-installer/internal/protocol"
	"github.com/bigbag/esp-installer/internal/rom"
	"github.com/bigbag/esp-installer/internal/transport"
)

// Engine drives one device session.
type Engine struct {
	dev       *device.Session
	rom       *rom.Client
	reg       *chip.Registry
	reacquire transport.Reacquirer
	sleep     chip.SleepFunc
}

// Option configures an Engine.
type Option func(*Engine)

// WithReacquirer installs the callback that obtains the new handle after
// an identity-volatile mode switch. Without one, such switches stop with
// ErrReacquisitionRequired and the caller continues with Resume.
func WithReacquirer(r transport.Reacquirer) Option {
	return func(e *Engine) { e.reacquire = r }
}

// WithSleep replaces the delay function used for reset timing and
// settle delays.
func WithSleep(fn chip.SleepFunc) Option {
	return func(e *Engine) { e.sleep = fn }
}

// New creates an engine for dev.
func New(dev *device.Session, reg *chip.Registry, opts ...Option) *Engine {
	e := &Engine{
		dev:   dev,
		rom:   rom.New(dev),
		reg:   reg,
		sleep: chip.Sleep,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Session returns the device session.
func (e *Engine) Session() *device.Session { return e.dev }

// Client returns the loader client bound to the session.
func (e *Engine) Client() *rom.Client { return e.rom }

// Sleep waits using the engine's delay function.
func (e *Engine) Sleep(ctx context.Context, d time.Duration) error { return e.sleep(ctx, d) }

// ConnectResult describes a successful Connect.
type ConnectResult struct {
	// Attempts counts reset strategies tried, including the winner.
	Attempts int
	Strategy string
	Profile  *chip.Profile
}

func (e *Engine) checkIdle(op string) error {
	if l := e.dev.Lease(); l != device.LeaseNone {
		return errors.Annotatef(device.ErrLeaseHeld, "%s: %s session open", op, l)
	}
	switch e.dev.State() {
	case device.StateDisconnected:
		return errors.Annotatef(device.ErrDisconnected, "%s", op)
	case device.StateAwaitingReacquisition:
		return errors.Annotatef(device.ErrReacquisitionRequired, "%s", op)
	}
	return nil
}

// Connect brings the device into its bootloader from any state. Each
// reset strategy of the profile is tried once per round, in order, and
// the first handshake wins; rounds repeat with a backoff. The chip is
// identified on the first success.
func (e *Engine) Connect(ctx context.Context) (*ConnectResult, error) {
	if err := e.checkIdle("connect"); err != nil {
		return nil, err
	}
	if err := e.dev.Transition(device.StateProbing); err != nil {
		return nil, err
	}

	profile := e.dev.Profile()
	t := profile.Timings
	rounds := max(t.ConnectRetries, 1)
	res := &ConnectResult{}
	var tried []string
	var lastErr error

	for round := 0; round < rounds; round++ {
		if round > 0 {
			glog.Infof("no handshake in round %d, retrying in %s", round, t.ConnectBackoff)
			if err := e.sleep(ctx, t.ConnectBackoff); err != nil {
				return nil, errors.Trace(err)
			}
		}
		for _, rs := range profile.ResetStrategies {
			res.Attempts++
			if round == 0 {
				tried = append(tried, rs.Name)
			}
			err := e.tryStrategy(ctx, rs)
			if err == nil {
				res.Strategy = rs.Name
				return res, e.synced(ctx, res)
			}
			if ctx.Err() != nil {
				return nil, errors.Trace(ctx.Err())
			}
			if errors.Is(err, device.ErrDisconnected) || errors.Is(err, device.ErrReacquisitionRequired) {
				return nil, err
			}
			glog.V(1).Infof("strategy %s: %v", rs.Describe(), err)
			lastErr = err
		}
	}
	err := &device.SyncError{Attempts: res.Attempts, Strategies: tried, Err: lastErr}
	glog.Errorf("%v; %s", err, err.Hint())
	return nil, err
}

func (e *Engine) synced(ctx context.Context, res *ConnectResult) error {
	if err := e.dev.Transition(device.StateSyncedBootloader); err != nil {
		return err
	}
	glog.Infof("synchronized with bootloader on %s using %s after %d attempts",
		e.dev.Identity(), res.Strategy, res.Attempts)
	if err := e.identify(ctx); err != nil {
		return err
	}
	res.Profile = e.dev.Profile()
	return nil
}

func (e *Engine) identify(ctx context.Context) error {
	if e.dev.Identified() {
		return nil
	}
	profile, err := e.reg.Identify(ctx, e.rom, e.dev.Identity())
	if err != nil {
		return errors.Annotatef(err, "identify")
	}
	e.dev.SetProfile(profile)
	return nil
}

// mayReenumerate reports whether a reset may drop the current endpoint.
func (e *Engine) mayReenumerate() bool {
	if e.dev.Identified() {
		return e.dev.Profile().IdentityVolatile
	}
	return e.dev.Identity().NativeUSB()
}

func (e *Engine) tryStrategy(ctx context.Context, rs chip.ResetStrategy) error {
	port, err := e.dev.Port()
	if err != nil {
		return err
	}
	switch rs.Kind {
	case chip.StrategyWatchdog:
		return errors.Annotatef(device.ErrUnsupported, "strategy %s needs a synchronized loader", rs.Name)
	case chip.StrategySequence:
		if !port.Capabilities().ControlLines {
			glog.Warningf("%s cannot drive reset lines, skipping strategy %s", port.Identity().Name, rs.Name)
			return errors.Annotatef(device.ErrUnsupported, "strategy %s", rs.Name)
		}
		if e.mayReenumerate() {
			return e.resetVolatile(ctx, rs)
		}
		if err := rs.Run(ctx, port, e.sleep); err != nil {
			return err
		}
	}
	return e.handshake(ctx)
}

// resetVolatile runs rs with the handle detached, since the reset may
// make the endpoint re-enumerate. A handle that survives is restored.
func (e *Engine) resetVolatile(ctx context.Context, rs chip.ResetStrategy) error {
	port, err := e.dev.Detach(device.ModeBootloader)
	if err != nil {
		return err
	}
	e.rom.Reset()
	runErr := rs.Run(ctx, port, e.sleep)
	t := e.dev.Profile().Timings
	if err := e.sleep(ctx, t.StableSettle); err != nil {
		return errors.Trace(err)
	}
	select {
	case <-port.Done():
		glog.Infof("%s went away after %s reset", port.Identity(), rs.Name)
		port.Close()
		return e.awaitReacquisition(ctx)
	default:
	}
	if err := e.dev.Restore(port); err != nil {
		return err
	}
	if runErr != nil {
		return runErr
	}
	return e.handshake(ctx)
}

// handshake resets the host side of the link and sends SYNC until the
// loader answers or the attempts run out.
func (e *Engine) handshake(ctx context.Context) error {
	port, err := e.dev.Port()
	if err != nil {
		return err
	}
	e.restoreBaud(port)
	flush(port)
	e.rom.Reset()

	t := e.dev.Profile().Timings
	var lastErr error
	for i := 0; i < max(t.SyncAttempts, 1); i++ {
		err := e.rom.Sync(ctx, t.SyncTimeout)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || errors.Is(err, device.ErrDisconnected) || errors.Is(err, device.ErrReacquisitionRequired) {
			return err
		}
		lastErr = err
	}
	return errors.Annotatef(lastErr, "no handshake after %d attempts", max(t.SyncAttempts, 1))
}

// restoreBaud puts the host back to the rate every chip boots at.
func (e *Engine) restoreBaud(port transport.Port) {
	e.dev.SetBaudRate(transport.DefaultBaudRate)
	if port.BaudRate() == transport.DefaultBaudRate || !port.Capabilities().BaudRate {
		return
	}
	if err := port.SetBaudRate(transport.DefaultBaudRate); err != nil {
		glog.Warningf("failed to restore %d baud: %v", transport.DefaultBaudRate, err)
	}
}

// flush drops stale input; a failure is logged and the exchange goes on.
func flush(port transport.Port) {
	if err := port.Flush(); err != nil {
		glog.Warningf("%s: flush: %v", port.Identity().Name, err)
	}
}

// awaitReacquisition waits out re-enumeration, then asks for the new
// handle. Without a reacquirer the session stays in
// AwaitingReacquisition and the caller must Resume.
func (e *Engine) awaitReacquisition(ctx context.Context) error {
	settle := e.dev.Profile().Timings.VolatileSettle
	if err := e.sleep(ctx, settle); err != nil {
		return errors.Trace(err)
	}
	if e.reacquire == nil {
		return errors.Annotatef(device.ErrReacquisitionRequired,
			"%s re-enumerates in %s mode; select the new port", e.dev.Identity(), e.dev.Target())
	}
	port, err := e.reacquire(ctx, e.dev.Identity())
	if err != nil {
		return errors.Annotatef(err, "reacquire")
	}
	return e.Resume(ctx, port)
}

// Resume continues a volatile mode switch with a freshly selected
// handle.
func (e *Engine) Resume(ctx context.Context, port transport.Port) error {
	target, err := e.dev.Reacquire(port)
	if err != nil {
		return err
	}
	e.rom.Reset()
	switch target {
	case device.ModeApplication:
		e.restoreBaud(port)
		flush(port)
		return e.dev.Transition(device.StateSyncedApplication)
	case device.ModeBootloader:
		if err := e.handshake(ctx); err != nil {
			if terr := e.dev.Transition(device.StateProbing); terr != nil {
				glog.Warningf("%s: %v", port.Identity().Name, terr)
			}
			return errors.Annotatef(err, "bootloader on %s", port.Identity())
		}
		if err := e.dev.Transition(device.StateSyncedBootloader); err != nil {
			return err
		}
		return e.identify(ctx)
	}
	return errors.Errorf("no mode switch pending")
}

// EnterApplication leaves the bootloader and starts the application.
func (e *Engine) EnterApplication(ctx context.Context) error {
	if err := e.checkIdle("enter application"); err != nil {
		return err
	}
	switch e.dev.State() {
	case device.StateSyncedApplication:
		return nil
	case device.StateSyncedBootloader:
	default:
		return errors.Annotatef(device.ErrNotSynchronized, "enter application from %s", e.dev.State())
	}

	profile := e.dev.Profile()
	if profile.IdentityVolatile {
		port, err := e.dev.Detach(device.ModeApplication)
		if err != nil {
			return err
		}
		e.rom.Reset()
		if err := e.softReset(ctx, port, profile); err != nil {
			glog.Warningf("soft reset of %s: %v", port.Identity(), err)
		}
		port.Close()
		return e.awaitReacquisition(ctx)
	}

	port, err := e.dev.Port()
	if err != nil {
		return err
	}
	if port.Capabilities().ControlLines && profile.RunStrategy.Kind == chip.StrategySequence {
		if err := profile.RunStrategy.Run(ctx, port, e.sleep); err != nil {
			return errors.Annotatef(err, "run application")
		}
	} else {
		glog.Warningf("%s: no reset line, asking the loader to start the application", port.Identity().Name)
		if err := e.rom.FlashFinish(ctx, true, false); err != nil {
			return errors.Annotatef(err, "run application")
		}
	}
	if err := e.sleep(ctx, profile.Timings.StableSettle); err != nil {
		return errors.Trace(err)
	}
	e.rom.Reset()
	e.restoreBaud(port)
	flush(port)
	return e.dev.Transition(device.StateSyncedApplication)
}

// softReset fires the reset that makes a volatile endpoint re-enumerate
// in application mode. port is already detached from the session; the
// writes are not awaited because the answer may never come.
func (e *Engine) softReset(ctx context.Context, port transport.Port, profile *chip.Profile) error {
	switch {
	case profile.Watchdog != nil:
		for _, w := range profile.Watchdog.ResetWrites() {
			if err := rom.SendOn(port, protocol.CmdWriteReg, protocol.WriteRegData(w.Addr, w.Value, 0xFFFFFFFF, 0)); err != nil {
				return err
			}
		}
		return nil
	case port.Capabilities().ControlLines && profile.RunStrategy.Kind == chip.StrategySequence:
		return profile.RunStrategy.Run(ctx, port, e.sleep)
	}
	return rom.SendOn(port, protocol.CmdFlashEnd, protocol.FlashEndData(true))
}

// EnterBootloader stops the application and brings up the loader.
func (e *Engine) EnterBootloader(ctx context.Context) error {
	if err := e.checkIdle("enter bootloader"); err != nil {
		return err
	}
	switch e.dev.State() {
	case device.StateSyncedBootloader:
		return nil
	case device.StateSyncedApplication:
	default:
		return errors.Annotatef(device.ErrNotSynchronized, "enter bootloader from %s", e.dev.State())
	}

	profile := e.dev.Profile()
	if !profile.IdentityVolatile {
		_, err := e.Connect(ctx)
		return err
	}

	var rs *chip.ResetStrategy
	for i := range profile.ResetStrategies {
		if profile.ResetStrategies[i].Kind == chip.StrategySequence {
			rs = &profile.ResetStrategies[i]
			break
		}
	}
	port, err := e.dev.Port()
	if err != nil {
		return err
	}
	if rs == nil || !port.Capabilities().ControlLines {
		return errors.Annotatef(device.ErrUnsupported, "%s cannot be reset into the bootloader from here", profile)
	}
	if _, err := e.dev.Detach(device.ModeBootloader); err != nil {
		return err
	}
	e.rom.Reset()
	if err := rs.Run(ctx, port, e.sleep); err != nil {
		glog.Warningf("reset of %s: %v", port.Identity(), err)
	}
	port.Close()
	return e.awaitReacquisition(ctx)
}

// Release tears the session down. The device is left running whatever
// it runs.
func (e *Engine) Release() error {
	return e.dev.Close()
}
