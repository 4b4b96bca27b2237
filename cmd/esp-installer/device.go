package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/bigbag/esp-installer/internal/chip"
	"github.com/bigbag/esp-installer/internal/detect"
	"github.com/bigbag/esp-installer/internal/device"
	"github.com/bigbag/esp-installer/internal/engine"
	"github.com/bigbag/esp-installer/internal/transport"
)

// reacquireWait bounds the automatic search for a re-enumerated device
// before the operator is asked.
const reacquireWait = 10 * time.Second

func loadRegistry() (*chip.Registry, error) {
	return chip.Load(profilesFlag)
}

// openEngine opens the port named on the command line, or the first port
// with a device on it, and wraps it in an engine.
func openEngine(ctx context.Context, reg *chip.Registry) (*engine.Engine, error) {
	var (
		port transport.Port
		err  error
	)
	switch {
	case urlFlag != "":
		fmt.Printf("Bridge: %s\n", urlFlag)
		port, err = transport.OpenWebSocket(ctx, urlFlag, transport.WebSocketConfig{})
	case portFlag != "":
		port, err = transport.OpenSerial(portFlag, transport.SerialConfig{})
	default:
		fmt.Println("Detecting device...")
		d := newDetector(reg)
		res, derr := d.First(ctx)
		if derr != nil {
			return nil, errors.Annotatef(derr, "device detection failed")
		}
		fmt.Printf("Found %s on %s\n", valueStyle.Render(res.Profile.String()), res.Port.Name)
		if res.Port.NativeUSB() {
			// The probe may have sent the device to a new endpoint.
			port, err = reacquire(ctx, res.Port)
		} else {
			port, err = transport.OpenSerial(res.Port.Name, transport.SerialConfig{})
		}
	}
	if err != nil {
		return nil, errors.Annotatef(err, "failed to open port")
	}
	fmt.Printf("Port: %s\n", port.Identity())

	dev := device.NewSession(port, reg.Generic())
	return engine.New(dev, reg, engine.WithReacquirer(reacquire)), nil
}

func newDetector(reg *chip.Registry) *detect.Detector {
	d := detect.New(reg)
	d.AllPorts = allPortsFlag
	d.Reacquire = reacquire
	return d
}

// connect opens a device and synchronizes with its bootloader.
func connect(ctx context.Context) (*engine.Engine, error) {
	reg, err := loadRegistry()
	if err != nil {
		return nil, err
	}
	eng, err := openEngine(ctx, reg)
	if err != nil {
		return nil, err
	}

	fmt.Println("Connecting to bootloader...")
	res, err := eng.Connect(ctx)
	if err != nil {
		eng.Release()
		var syncErr *device.SyncError
		if errors.As(err, &syncErr) {
			fmt.Println(warnStyle.Render(syncErr.Hint()))
		}
		return nil, err
	}
	fmt.Printf("Connected: %s (%s, %d attempt(s))\n",
		valueStyle.Render(res.Profile.String()), res.Strategy, res.Attempts)
	return eng, nil
}

// reacquirer finds the endpoint a device came back on after a mode
// switch. Only a port with the serial number of the previous endpoint, or
// the previous endpoint itself, is proposed, and nothing is opened before
// the operator confirms it.
type reacquirer struct {
	in   *bufio.Reader
	out  io.Writer
	wait time.Duration
	list func() ([]transport.Identity, error)
	open func(name string) (transport.Port, error)
}

func newReacquirer() *reacquirer {
	return &reacquirer{
		in:   stdin,
		out:  os.Stdout,
		wait: reacquireWait,
		list: transport.ListPorts,
		open: func(name string) (transport.Port, error) {
			return transport.OpenSerial(name, transport.SerialConfig{})
		},
	}
}

func reacquire(ctx context.Context, previous transport.Identity) (transport.Port, error) {
	return newReacquirer().reacquire(ctx, previous)
}

// reacquire waits up to r.wait for a likely endpoint to appear, then asks
// the operator to confirm it or pick another port.
func (r *reacquirer) reacquire(ctx context.Context, previous transport.Identity) (transport.Port, error) {
	fmt.Fprintln(r.out, labelStyle.Render("Waiting for the device to come back..."))

	deadline := time.Now().Add(r.wait)
	for time.Now().Before(deadline) {
		ports, err := r.list()
		if err != nil {
			return nil, err
		}
		if _, ok := pickEndpoint(ports, previous); ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
	return r.choose(ctx, previous)
}

// choose lists the ports and reads the operator's answer. An empty answer
// takes the proposed endpoint when there is one and rescans otherwise.
func (r *reacquirer) choose(ctx context.Context, previous transport.Identity) (transport.Port, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ports, err := r.list()
		if err != nil {
			return nil, err
		}
		proposed, ok := pickEndpoint(ports, previous)
		if ok {
			fmt.Fprintf(r.out, "The device looks to be back on %s.\n", valueStyle.Render(proposed.Name))
		} else {
			fmt.Fprintln(r.out, warnStyle.Render("The device did not come back on its own. Select its port:"))
		}
		for i, p := range ports {
			fmt.Fprintf(r.out, "  %d) %s\n", i+1, p)
		}
		if ok {
			fmt.Fprintf(r.out, "Press Enter to use %s, or enter a port number: ", proposed.Name)
		} else {
			fmt.Fprint(r.out, "Port number (empty to rescan): ")
		}

		line, err := r.in.ReadString('\n')
		if err != nil && line == "" {
			return nil, errors.Annotatef(device.ErrReacquisitionRequired, "no port selected")
		}
		line = strings.TrimSpace(line)

		var name string
		switch {
		case line == "" && ok:
			name = proposed.Name
		case line == "":
			continue
		default:
			n, err := strconv.Atoi(line)
			if err != nil || n < 1 || n > len(ports) {
				fmt.Fprintln(r.out, errorStyle.Render("Invalid choice"))
				continue
			}
			name = ports[n-1].Name
		}

		port, err := r.open(name)
		if err != nil {
			glog.V(1).Infof("%s not ready: %v", name, err)
			fmt.Fprintln(r.out, errorStyle.Render(fmt.Sprintf("Cannot open %s: %v", name, err)))
			continue
		}
		fmt.Fprintf(r.out, "Device is back on %s\n", name)
		return port, nil
	}
}

// pickEndpoint proposes the port with the serial number of previous, or
// previous itself. Other ports are never guessed at.
func pickEndpoint(ports []transport.Identity, previous transport.Identity) (transport.Identity, bool) {
	if previous.SerialNumber != "" {
		for _, p := range ports {
			if p.SerialNumber == previous.SerialNumber && strings.EqualFold(p.VendorID, previous.VendorID) {
				return p, true
			}
		}
	}
	for _, p := range ports {
		if p.Name == previous.Name {
			return p, true
		}
	}
	return transport.Identity{}, false
}
