package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"
	"github.com/spf13/cobra"

	"github.com/bigbag/esp-installer/internal/device"
	"github.com/bigbag/esp-installer/internal/engine"
	"github.com/bigbag/esp-installer/internal/flasher"
	"github.com/bigbag/esp-installer/internal/install"
	"github.com/bigbag/esp-installer/internal/manifest"
	"github.com/bigbag/esp-installer/internal/provision"
)

func flashOptions() flasher.Options {
	opts := flasher.DefaultOptions()
	opts.StubDir = stubDirFlag
	opts.BaudRate = baudFlag
	opts.Compress = !noCompressFlag
	opts.Verify = verifyFlag
	return opts
}

func parseUint32(s, what string) (uint32, error) {
	n, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, errors.Annotatef(err, "invalid %s %q", what, s)
	}
	return uint32(n), nil
}

// closeFlash restarts the device into its application and says where to
// find it if it moved.
func closeFlash(ctx context.Context, fs *flasher.Session) error {
	fmt.Println("Rebooting device...")
	if err := fs.Close(ctx); err != nil {
		if errors.Is(err, device.ErrReacquisitionRequired) {
			fmt.Println(warnStyle.Render("The device restarted on a new port; select it to continue."))
			return nil
		}
		return err
	}
	return nil
}

func runFlash(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	fmt.Printf("Manifest: %s\n", args[0])
	m, err := manifest.Load(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Firmware: %s %s\n", valueStyle.Render(m.Name), m.Version)

	reg, err := loadRegistry()
	if err != nil {
		return err
	}
	eng, err := openEngine(ctx, reg)
	if err != nil {
		return err
	}
	defer eng.Release()

	erase := eraseFlag
	if m.NewInstallPromptErase && !cmd.Flags().Changed("erase") {
		if erase, err = confirm("Erase the whole flash before installing?", false); err != nil {
			return err
		}
	}

	view := &installView{}
	var finished install.State
	in := install.New(eng, func(s install.State) {
		view.onState(s)
		if s.Phase == install.PhaseFinished {
			finished = s
		}
	})
	if err := in.Run(ctx, install.Request{Manifest: m, Erase: erase, Flash: flashOptions()}); err != nil {
		return err
	}
	if finished.Improv {
		offerProvisioning(ctx, in, finished.ImprovWait)
	}
	return nil
}

// offerProvisioning waits for freshly installed firmware and, when it
// answers Improv, offers to set up Wi-Fi. The install stands either way.
func offerProvisioning(ctx context.Context, in *install.Installer, wait time.Duration) {
	fmt.Printf("Waiting %v for the firmware to start...\n", wait)
	ps, err := in.Provision(ctx, wait, provision.DefaultOptions())
	if err != nil {
		glog.Warningf("no Improv session after install: %v", err)
		fmt.Println(warnStyle.Render("The firmware does not answer Improv serial requests; skipping Wi-Fi setup."))
		return
	}
	defer ps.Close()

	ok, err := confirm("Configure Wi-Fi now?", true)
	if err != nil || !ok {
		return
	}
	if _, err := provisionWiFi(ctx, ps, wifiSetup{scan: true, choose: true}); err != nil {
		fmt.Println(errorStyle.Render("Wi-Fi setup failed: " + err.Error()))
	}
}

func runWrite(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	offset, err := parseUint32(args[0], "offset")
	if err != nil {
		return err
	}
	data, err := os.ReadFile(args[1])
	if err != nil {
		return errors.Annotatef(err, "failed to read image file")
	}
	fmt.Printf("Image: %s (%d bytes) at 0x%X\n", args[1], len(data), offset)

	eng, err := connect(ctx)
	if err != nil {
		return err
	}
	defer eng.Release()

	fs, err := flasher.Open(ctx, eng, flashOptions())
	if err != nil {
		return err
	}
	plan := &flasher.Plan{Regions: []flasher.Region{{Offset: offset, Data: data, Name: args[1]}}}

	bar := newBar(len(data), "Writing")
	for p, err := range fs.WriteImage(ctx, plan) {
		if err != nil {
			fs.Close(ctx)
			return err
		}
		bar.Set(p.BytesWritten)
	}
	bar.Finish()
	fmt.Println(okStyle.Render("\nWrite complete!"))

	return closeFlash(ctx, fs)
}

func runRead(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	offset, err := parseUint32(args[0], "offset")
	if err != nil {
		return err
	}
	length, err := parseUint32(args[1], "length")
	if err != nil {
		return err
	}

	eng, err := connect(ctx)
	if err != nil {
		return err
	}
	defer eng.Release()

	fs, err := flasher.Open(ctx, eng, flasher.Options{StubDir: stubDirFlag})
	if err != nil {
		return err
	}
	fmt.Printf("Reading %d bytes at 0x%X...\n", length, offset)
	data, err := fs.ReadBlock(ctx, offset, int(length))
	if err != nil {
		fs.Close(ctx)
		return err
	}
	if err := os.WriteFile(args[2], data, 0o644); err != nil {
		fs.Close(ctx)
		return errors.Annotatef(err, "failed to write %s", args[2])
	}
	fmt.Println(okStyle.Render("Saved to " + args[2]))

	return closeFlash(ctx, fs)
}

func runErase(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	eng, err := connect(ctx)
	if err != nil {
		return err
	}
	defer eng.Release()

	fs, err := flasher.Open(ctx, eng, flasher.Options{StubDir: stubDirFlag})
	if err != nil {
		return err
	}
	fmt.Println("Erasing flash (this can take a while)...")
	if err := fs.Erase(ctx); err != nil {
		fs.Close(ctx)
		if errors.Is(err, device.ErrUnsupported) {
			fmt.Println(warnStyle.Render("Erasing needs the flasher stub; pass --stub-dir."))
		}
		return err
	}
	fmt.Println(okStyle.Render("Erase complete!"))

	return closeFlash(ctx, fs)
}

// startApplication connects and restarts the device into its firmware.
func startApplication(ctx context.Context) (*engine.Engine, error) {
	eng, err := connect(ctx)
	if err != nil {
		return nil, err
	}
	fmt.Println("Starting firmware...")
	if err := eng.EnterApplication(ctx); err != nil {
		eng.Release()
		return nil, err
	}
	return eng, nil
}

func runProvision(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	eng, err := startApplication(ctx)
	if err != nil {
		return err
	}
	defer eng.Release()

	ps, err := provision.Open(ctx, eng.Session(), provision.DefaultOptions())
	if err != nil {
		if errors.Is(err, device.ErrTimeout) {
			fmt.Println(warnStyle.Render("The firmware does not answer Improv serial requests."))
		}
		return err
	}
	defer ps.Close()

	if info, err := ps.DeviceInfo(ctx); err == nil {
		printField("Firmware", info.String())
	}
	printField("State", ps.Status().Phase.String())

	_, err = provisionWiFi(ctx, ps, wifiSetup{scan: scanFlag, ssid: ssidFlag, password: passwordFlag})
	return err
}

func runInfo(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	if portFlag != "" || urlFlag != "" {
		eng, err := connect(ctx)
		if err != nil {
			return err
		}
		defer eng.Release()

		dev := eng.Session()
		printDeviceInfo(dev.Identity().String(), dev.Profile().String(), "")
		if err := eng.EnterApplication(ctx); err != nil && !errors.Is(err, device.ErrReacquisitionRequired) {
			fmt.Println(warnStyle.Render("Device left in the bootloader: " + err.Error()))
		}
		return nil
	}

	reg, err := loadRegistry()
	if err != nil {
		return err
	}

	// Auto-detect
	fmt.Println("Scanning for ESP devices...")
	devices, err := newDetector(reg).All(ctx)
	if err != nil {
		return err
	}

	if len(devices) == 0 {
		fmt.Println("No ESP devices found")
		return nil
	}

	fmt.Printf("Found %d device(s):\n\n", len(devices))
	for i, d := range devices {
		fmt.Printf("Device %d:\n", i+1)
		printDeviceInfo(d.Port.String(), d.Profile.String(), d.Strategy)
		fmt.Println()
	}

	return nil
}

func printDeviceInfo(port, chipName, strategy string) {
	printField("Port", port)
	printField("Chip", chipName)
	if strategy != "" {
		printField("Reset", strategy)
	}
}

func printField(label, value string) {
	fmt.Printf("  %s %s\n", labelStyle.Render(fmt.Sprintf("%-9s", label+":")), value)
}
