package provision

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/bigbag/esp-installer/internal/chip"
	"github.com/bigbag/esp-installer/internal/device"
	"github.com/bigbag/esp-installer/internal/emulator"
	"github.com/bigbag/esp-installer/internal/engine"
	"github.com/bigbag/esp-installer/internal/improv"
)

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func testFirmware() *emulator.Firmware {
	return &emulator.Firmware{
		Name:       "Weather Station",
		Version:    "2.1.0",
		Chip:       "ESP32",
		DeviceName: "weather-3f2a",
		Networks: []emulator.Network{
			{SSID: "home", RSSI: -48, Secured: true},
			{SSID: "guest", RSSI: -71},
		},
		Credentials: map[string]string{"home": "hunter22"},
		RedirectURL: "http://192.168.1.42/setup",
		Noise:       "I (1234) wifi: state: init -> auth\r\n",
	}
}

// running returns an engine whose device runs fw.
func running(t *testing.T, cfg emulator.Config) (*engine.Engine, *emulator.Device) {
	t.Helper()
	reg, err := chip.Default()
	if err != nil {
		t.Fatal(err)
	}
	dev := emulator.New(cfg)
	port, err := dev.Open()
	if err != nil {
		t.Fatal(err)
	}
	eng := engine.New(device.NewSession(port, reg.Generic()), reg,
		engine.WithSleep(noSleep), engine.WithReacquirer(dev.Reacquirer()))
	t.Cleanup(func() { eng.Release() })
	ctx := context.Background()
	if _, err := eng.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := eng.EnterApplication(ctx); err != nil {
		t.Fatalf("EnterApplication() error = %v", err)
	}
	return eng, dev
}

func fastOptions() Options {
	return Options{RPCTimeout: 200 * time.Millisecond, ScanTimeout: time.Second, ConnectTimeout: time.Second}
}

func TestOpen_RequiresApplication(t *testing.T) {
	reg, _ := chip.Default()
	dev := emulator.New(emulator.BridgeESP32(testFirmware()))
	port, err := dev.Open()
	if err != nil {
		t.Fatal(err)
	}
	sess := device.NewSession(port, reg.Generic())
	defer sess.Close()

	if _, err := Open(context.Background(), sess, fastOptions()); !errors.Is(err, device.ErrNotSynchronized) {
		t.Errorf("Open() error = %v, want ErrNotSynchronized", err)
	}
	if sess.Lease() != device.LeaseNone {
		t.Errorf("lease = %s after failed Open", sess.Lease())
	}
}

func TestOpen_NoImprov(t *testing.T) {
	eng, _ := running(t, emulator.BridgeESP32(nil))
	_, err := Open(context.Background(), eng.Session(), fastOptions())
	if !errors.Is(err, device.ErrTimeout) {
		t.Errorf("Open() error = %v, want ErrTimeout", err)
	}
	if l := eng.Session().Lease(); l != device.LeaseNone {
		t.Errorf("lease = %s after failed Open", l)
	}
}

func TestSession_Provision(t *testing.T) {
	for _, cfg := range []emulator.Config{
		emulator.BridgeESP32(testFirmware()),
		emulator.NativeESP32S3(testFirmware()),
	} {
		t.Run(cfg.Identity.Description, func(t *testing.T) {
			eng, dev := running(t, cfg)
			ctx := context.Background()

			s, err := Open(ctx, eng.Session(), fastOptions())
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			defer s.Close()
			if got := s.Status().Phase; got != PhaseReady {
				t.Errorf("initial phase = %s, want ready", got)
			}

			info, err := s.DeviceInfo(ctx)
			if err != nil {
				t.Fatalf("DeviceInfo() error = %v", err)
			}
			if info.Firmware != "Weather Station" || info.Name != "weather-3f2a" {
				t.Errorf("DeviceInfo() = %+v", info)
			}

			var ssids []string
			for n, err := range s.ListNetworks(ctx) {
				if err != nil {
					t.Fatalf("ListNetworks() error = %v", err)
				}
				ssids = append(ssids, n.SSID)
			}
			if !slices.Equal(ssids, []string{"home", "guest"}) {
				t.Errorf("ListNetworks() = %v", ssids)
			}
			if n := s.Status().Networks; len(n) != 2 || !n[0].Secured || n[1].Secured || n[0].RSSI != -48 {
				t.Errorf("Status().Networks = %+v", n)
			}

			st, err := s.SubmitCredentials(ctx, "home", "hunter22")
			if err != nil {
				t.Fatalf("SubmitCredentials() error = %v", err)
			}
			if st.Phase != PhaseProvisioned || st.RedirectURL != "http://192.168.1.42/setup" {
				t.Errorf("SubmitCredentials() = %+v", st)
			}
			if ssid, ok := dev.Provisioned(); !ok || ssid != "home" {
				t.Errorf("device provisioned = %q, %v", ssid, ok)
			}

			st, err = s.CurrentState(ctx)
			if err != nil {
				t.Fatalf("CurrentState() error = %v", err)
			}
			if st.Phase != PhaseProvisioned || st.RedirectURL == "" {
				t.Errorf("CurrentState() = %+v", st)
			}
		})
	}
}

func TestSession_ConnectionRejected(t *testing.T) {
	eng, dev := running(t, emulator.BridgeESP32(testFirmware()))
	ctx := context.Background()
	s, err := Open(ctx, eng.Session(), fastOptions())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	st, err := s.SubmitCredentials(ctx, "home", "wrong")
	if !errors.Is(err, device.ErrConnectionRejected) {
		t.Fatalf("SubmitCredentials() error = %v, want ErrConnectionRejected", err)
	}
	if st.Phase != PhaseError || st.LastError != improv.ErrorUnableToConnect {
		t.Errorf("status = %+v", st)
	}
	if _, ok := dev.Provisioned(); ok {
		t.Error("device provisioned with a wrong password")
	}
	// The session stays usable.
	if st, err := s.CurrentState(ctx); err != nil || st.Phase != PhaseReady {
		t.Errorf("CurrentState() = %+v, %v", st, err)
	}
}

func TestSession_ScanUnsupported(t *testing.T) {
	fw := testFirmware()
	fw.NoScan = true
	eng, _ := running(t, emulator.BridgeESP32(fw))
	ctx := context.Background()
	s, err := Open(ctx, eng.Session(), fastOptions())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	var gotErr error
	for _, err := range s.ListNetworks(ctx) {
		gotErr = err
	}
	if !errors.Is(gotErr, device.ErrUnsupported) {
		t.Errorf("ListNetworks() error = %v, want ErrUnsupported", gotErr)
	}
	if s.Status().Networks != nil {
		t.Errorf("Networks = %v, want nil", s.Status().Networks)
	}
	// Manual entry still works.
	if _, err := s.SubmitCredentials(ctx, "home", "hunter22"); err != nil {
		t.Errorf("SubmitCredentials() error = %v", err)
	}
}

func TestSession_ScanStopEarly(t *testing.T) {
	eng, _ := running(t, emulator.BridgeESP32(testFirmware()))
	ctx := context.Background()
	s, err := Open(ctx, eng.Session(), fastOptions())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	for n, err := range s.ListNetworks(ctx) {
		if err != nil || n.SSID != "home" {
			t.Fatalf("first network = %+v, %v", n, err)
		}
		break
	}
	if _, err := s.DeviceInfo(ctx); err != nil {
		t.Errorf("DeviceInfo() after early stop error = %v", err)
	}
}

func TestSession_Disconnect(t *testing.T) {
	eng, dev := running(t, emulator.BridgeESP32(testFirmware()))
	ctx := context.Background()
	s, err := Open(ctx, eng.Session(), fastOptions())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	dev.Unplug()
	if _, err := s.DeviceInfo(ctx); !errors.Is(err, device.ErrDisconnected) {
		t.Errorf("DeviceInfo() error = %v, want ErrDisconnected", err)
	}
}

func TestSession_Closed(t *testing.T) {
	eng, _ := running(t, emulator.BridgeESP32(testFirmware()))
	ctx := context.Background()
	s, err := Open(ctx, eng.Session(), fastOptions())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Open(ctx, eng.Session(), fastOptions()); !errors.Is(err, device.ErrLeaseHeld) {
		t.Errorf("second Open() error = %v, want ErrLeaseHeld", err)
	}
	s.Close()
	s.Close()
	if eng.Session().Lease() != device.LeaseNone {
		t.Error("lease still held after Close")
	}
	if _, err := s.SubmitCredentials(ctx, "home", "hunter22"); err == nil {
		t.Error("SubmitCredentials() after Close expected error")
	}
}
