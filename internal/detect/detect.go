// Package detect finds ESP devices among the attached serial ports.
package detect

import (
	"context"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/bigbag/esp-installer/internal/chip"
	"github.com/bigbag/esp-installer/internal/device"
	"github.com/bigbag/esp-installer/internal/engine"
	"github.com/bigbag/esp-installer/internal/transport"
)

// Result represents a detected device.
type Result struct {
	Port     transport.Identity
	Profile  *chip.Profile
	Strategy string
	// Attempts counts the reset strategies it took.
	Attempts int
}

// Detector probes ports by resetting them into the bootloader. Every
// probed device is restarted into its application afterwards.
type Detector struct {
	Registry *chip.Registry
	// List enumerates candidate ports.
	List func() ([]transport.Identity, error)
	// Open opens a port for probing.
	Open func(id transport.Identity) (transport.Port, error)
	// Reacquire finds the new endpoint of a native-USB device after a
	// reset. Without it such devices are reported with an
	// ErrReacquisitionRequired error.
	Reacquire transport.Reacquirer
	// AllPorts includes ports without USB details, which are usually
	// built-in UARTs.
	AllPorts bool
	Options  []engine.Option
}

// New returns a detector for the serial ports of this machine.
func New(reg *chip.Registry) *Detector {
	return &Detector{
		Registry: reg,
		List:     transport.ListPorts,
		Open: func(id transport.Identity) (transport.Port, error) {
			return transport.OpenSerial(id.Name, transport.SerialConfig{})
		},
	}
}

func (d *Detector) candidates() ([]transport.Identity, error) {
	ports, err := d.List()
	if err != nil {
		return nil, errors.Annotatef(err, "failed to list ports")
	}
	var out []transport.Identity
	for _, p := range ports {
		if p.VendorID == "" && !d.AllPorts {
			glog.V(1).Infof("skipping %s: not a USB port", p.Name)
			continue
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil, errors.Annotatef(transport.ErrNotFound, "no serial ports found")
	}
	return out, nil
}

// Probe resets the device on id into its bootloader and identifies it.
func (d *Detector) Probe(ctx context.Context, id transport.Identity) (*Result, error) {
	port, err := d.Open(id)
	if err != nil {
		return nil, err
	}
	opts := d.Options
	if d.Reacquire != nil {
		opts = append(opts[:len(opts):len(opts)], engine.WithReacquirer(d.Reacquire))
	}
	eng := engine.New(device.NewSession(port, d.Registry.Generic()), d.Registry, opts...)
	defer eng.Release()

	res, err := eng.Connect(ctx)
	if err != nil {
		return nil, errors.Annotatef(err, "%s", id.Name)
	}
	if err := eng.EnterApplication(ctx); err != nil {
		glog.Warningf("%s left in the bootloader: %v", id.Name, err)
	}
	return &Result{Port: id, Profile: res.Profile, Strategy: res.Strategy, Attempts: res.Attempts}, nil
}

// First returns the first port with a device on it.
func (d *Detector) First(ctx context.Context) (*Result, error) {
	ports, err := d.candidates()
	if err != nil {
		return nil, err
	}
	var lastErr error
	for _, p := range ports {
		res, err := d.Probe(ctx, p)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, errors.Trace(ctx.Err())
		}
		glog.V(1).Infof("no device on %s: %v", p.Name, err)
		lastErr = err
	}
	return nil, errors.Annotatef(lastErr, "no device found")
}

// All probes every port and returns the devices found.
func (d *Detector) All(ctx context.Context) ([]Result, error) {
	ports, err := d.candidates()
	if err != nil {
		return nil, err
	}
	var results []Result
	for _, p := range ports {
		res, err := d.Probe(ctx, p)
		if err != nil {
			if ctx.Err() != nil {
				return results, errors.Trace(ctx.Err())
			}
			glog.V(1).Infof("no device on %s: %v", p.Name, err)
			continue
		}
		results = append(results, *res)
	}
	return results, nil
}
