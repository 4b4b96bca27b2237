// Package install runs a complete firmware installation and reports it
// as a stream of named states for a user interface to render.
package install

import (
	"context"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/bigbag/esp-installer/internal/device"
	"github.com/bigbag/esp-installer/internal/engine"
	"github.com/bigbag/esp-installer/internal/flasher"
	"github.com/bigbag/esp-installer/internal/manifest"
	"github.com/bigbag/esp-installer/internal/provision"
)

// Phase names an installation state.
type Phase int

const (
	PhaseInitializing Phase = iota
	PhasePreparing
	PhaseErasing
	PhaseWriting
	PhaseFinished
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseInitializing:
		return "initializing"
	case PhasePreparing:
		return "preparing"
	case PhaseErasing:
		return "erasing"
	case PhaseWriting:
		return "writing"
	case PhaseFinished:
		return "finished"
	}
	return "error"
}

// State is one step of an installation. Only the fields of its phase are
// set.
type State struct {
	Phase Phase
	// Chip is the identified chip, from Preparing on.
	Chip string
	// Writing progress.
	Percent      int
	BytesWritten int
	BytesTotal   int
	// Error details.
	Kind   device.Kind
	Detail string
	// Message is a short operator-facing note.
	Message string
	// Improv is set on Finished when the installed firmware should be
	// offered Wi-Fi provisioning once ImprovWait has passed.
	Improv     bool
	ImprovWait time.Duration
}

func (s State) String() string {
	switch s.Phase {
	case PhaseWriting:
		return fmt.Sprintf("writing %d%% (%d/%d bytes)", s.Percent, s.BytesWritten, s.BytesTotal)
	case PhaseError:
		return fmt.Sprintf("error (%s): %s", s.Kind, s.Detail)
	}
	if s.Message != "" {
		return s.Phase.String() + ": " + s.Message
	}
	return s.Phase.String()
}

// Request describes one installation.
type Request struct {
	Manifest *manifest.Manifest
	// Erase wipes the whole flash before writing.
	Erase bool
	Flash flasher.Options
}

// Installer installs firmware on the device behind an engine.
type Installer struct {
	eng *engine.Engine
	// OnState receives every state in order. It runs on the installing
	// goroutine.
	OnState func(State)
}

// New creates an installer reporting to onState.
func New(eng *engine.Engine, onState func(State)) *Installer {
	return &Installer{eng: eng, OnState: onState}
}

func (in *Installer) emit(s State) {
	glog.V(1).Infof("install: %s", s)
	if in.OnState != nil {
		in.OnState(s)
	}
}

// Run installs the build of req.Manifest matching the device. The last
// state is Finished or Error; the error is returned as well.
func (in *Installer) Run(ctx context.Context, req Request) error {
	err := in.run(ctx, req)
	if err != nil {
		glog.Errorf("install failed: %v", err)
		detail := err.Error()
		var syncErr *device.SyncError
		if errors.As(err, &syncErr) {
			detail += "; " + syncErr.Hint()
		}
		in.emit(State{Phase: PhaseError, Kind: device.KindOf(err), Detail: detail})
	}
	return err
}

func (in *Installer) run(ctx context.Context, req Request) error {
	in.emit(State{Phase: PhaseInitializing})
	if in.eng.Session().State() != device.StateSyncedBootloader {
		if _, err := in.eng.Connect(ctx); err != nil {
			return err
		}
	}

	profile := in.eng.Session().Profile()
	in.emit(State{Phase: PhasePreparing, Chip: profile.String(), Message: req.Manifest.Name + " " + req.Manifest.Version})
	build, err := req.Manifest.SelectBuild(profile)
	if err != nil {
		return err
	}
	plan, err := req.Manifest.Plan(ctx, build, false)
	if err != nil {
		return err
	}

	fs, err := flasher.Open(ctx, in.eng, req.Flash)
	if err != nil {
		return err
	}
	closed := false
	defer func() {
		if closed {
			return
		}
		if err := fs.Close(ctx); err != nil {
			glog.Warningf("closing flash session after a failed install: %v", err)
		}
	}()

	if req.Erase {
		in.emit(State{Phase: PhaseErasing, Chip: profile.String()})
		if err := fs.Erase(ctx); err != nil {
			return err
		}
	}
	for p, err := range fs.WriteImage(ctx, plan) {
		if err != nil {
			return err
		}
		in.emit(State{
			Phase:        PhaseWriting,
			Chip:         profile.String(),
			Percent:      p.Percent,
			BytesWritten: p.BytesWritten,
			BytesTotal:   p.BytesTotal,
		})
	}

	closed = true
	done := State{Phase: PhaseFinished, Chip: profile.String(), Message: "device restarted"}
	if err := fs.Close(ctx); err != nil {
		if !errors.Is(err, device.ErrReacquisitionRequired) {
			return err
		}
		done.Message = "reset the device and select its port to continue"
	} else {
		done.ImprovWait, done.Improv = req.Manifest.ImprovWait(build)
	}
	in.emit(done)
	return nil
}

// Provision gives freshly installed firmware wait to start, then opens an
// Improv session with it.
func (in *Installer) Provision(ctx context.Context, wait time.Duration, opts provision.Options) (*provision.Session, error) {
	if wait > 0 {
		glog.Infof("waiting %v for the firmware to start", wait)
		if err := in.eng.Sleep(ctx, wait); err != nil {
			return nil, errors.Trace(err)
		}
	}
	return provision.Open(ctx, in.eng.Session(), opts)
}
