package rom

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/bigbag/esp-installer/internal/chip"
	"github.com/bigbag/esp-installer/internal/device"
	"github.com/bigbag/esp-installer/internal/emulator"
	"github.com/bigbag/esp-installer/internal/protocol"
)

func newClient(t *testing.T, cfg emulator.Config) (*Client, *emulator.Device) {
	t.Helper()
	if cfg.StartMode == emulator.ModeReset {
		cfg.StartMode = emulator.ModeROM
	}
	dev := emulator.New(cfg)
	port, err := dev.Open()
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	reg, err := chip.Default()
	if err != nil {
		t.Fatalf("chip.Default() error = %v", err)
	}
	sess := device.NewSession(port, reg.Generic())
	if p, ok := reg.ByMagic(cfg.Magic); ok {
		sess.SetProfile(p)
	}
	t.Cleanup(func() { sess.Close() })
	return New(sess), dev
}

func TestClient_SyncAndReadReg(t *testing.T) {
	c, dev := newClient(t, emulator.BridgeESP32(nil))
	ctx := context.Background()

	if err := c.Sync(ctx, 100*time.Millisecond); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	// The seven surplus SYNC answers must not be taken for this one.
	magic, err := c.ReadReg(ctx, chip.MagicRegister)
	if err != nil {
		t.Fatalf("ReadReg() error = %v", err)
	}
	if magic != 0x00f01d83 {
		t.Errorf("ReadReg() = 0x%08x, want 0x00f01d83", magic)
	}
	if dev.Syncs() != 1 {
		t.Errorf("device answered %d syncs, want 1", dev.Syncs())
	}
}

func TestClient_SecurityInfo(t *testing.T) {
	c, _ := newClient(t, emulator.NativeESP32S3(nil))
	info, err := c.SecurityInfo(context.Background())
	if err != nil {
		t.Fatalf("SecurityInfo() error = %v", err)
	}
	if !info.HasChipID || info.ChipID != 9 {
		t.Errorf("SecurityInfo() = %+v, want chip ID 9", info)
	}
}

func TestClient_SecurityInfoRefused(t *testing.T) {
	for _, cfg := range []emulator.Config{emulator.BridgeESP32(nil), emulator.BridgeESP8266(nil)} {
		c, _ := newClient(t, cfg)
		if _, err := c.SecurityInfo(context.Background()); err == nil {
			t.Errorf("%s: SecurityInfo() expected error", cfg.Identity.Description)
		}
		// The refusal must not leave the link out of step.
		if err := c.Sync(context.Background(), 100*time.Millisecond); err != nil {
			t.Errorf("%s: Sync() after refusal error = %v", cfg.Identity.Description, err)
		}
	}
}

func TestClient_TimeoutWhenApplicationRuns(t *testing.T) {
	cfg := emulator.BridgeESP32(nil)
	cfg.StartMode = emulator.ModeApp
	c, _ := newClient(t, cfg)

	start := time.Now()
	err := c.Sync(context.Background(), 50*time.Millisecond)
	if !errors.Is(err, device.ErrTimeout) {
		t.Fatalf("Sync() error = %v, want ErrTimeout", err)
	}
	if time.Since(start) > time.Second {
		t.Errorf("Sync() took %v", time.Since(start))
	}
}

func TestClient_DisconnectUnblocksWait(t *testing.T) {
	cfg := emulator.BridgeESP32(nil)
	cfg.StartMode = emulator.ModeApp
	c, dev := newClient(t, cfg)

	go func() {
		time.Sleep(20 * time.Millisecond)
		dev.Unplug()
	}()
	start := time.Now()
	err := c.Sync(context.Background(), 10*time.Second)
	if !errors.Is(err, device.ErrDisconnected) {
		t.Fatalf("Sync() error = %v, want ErrDisconnected", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("Sync() took %v after unplug", time.Since(start))
	}
}

func TestClient_CancelledContext(t *testing.T) {
	cfg := emulator.BridgeESP32(nil)
	cfg.StartMode = emulator.ModeApp
	c, _ := newClient(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := c.Sync(ctx, 10*time.Second); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Sync() error = %v, want DeadlineExceeded", err)
	}
}

func TestClient_FramingRetry(t *testing.T) {
	tests := []struct {
		garble  int
		wantErr bool
	}{
		{garble: 0},
		{garble: 2},
		{garble: DefaultFramingRetries},
		{garble: DefaultFramingRetries + 1, wantErr: true},
	}
	for _, tc := range tests {
		cfg := emulator.BridgeESP32(nil)
		cfg.GarbleResponses = tc.garble
		c, dev := newClient(t, cfg)

		_, err := c.ReadReg(context.Background(), chip.MagicRegister)
		if tc.wantErr {
			var syncErr *device.SyncError
			if !errors.As(err, &syncErr) {
				t.Errorf("garble=%d: error = %v, want SyncError", tc.garble, err)
			}
			if device.KindOf(err) != device.KindSynchronization {
				t.Errorf("garble=%d: kind = %v", tc.garble, device.KindOf(err))
			}
			continue
		}
		if err != nil {
			t.Errorf("garble=%d: ReadReg() error = %v", tc.garble, err)
		}
		if got := dev.Commands(protocol.CmdReadReg); got != tc.garble+1 {
			t.Errorf("garble=%d: device saw %d READ_REG, want %d", tc.garble, got, tc.garble+1)
		}
	}
}

func testStub() *Stub {
	return &Stub{
		Name:      "test.json",
		Entry:     0x40380000,
		Text:      bytes.Repeat([]byte{0x13}, protocol.MemBlockSize+100),
		TextStart: 0x40380000,
		Data:      []byte{1, 2, 3, 4},
		DataStart: 0x3FC80000,
	}
}

func TestParseStub(t *testing.T) {
	doc := `{"entry": 1077411840, "text": "AQID", "text_start": 1077411840, "data": "BAU=", "data_start": 1070071808}`
	s, err := ParseStub("esp32c3.json", []byte(doc))
	if err != nil {
		t.Fatalf("ParseStub() error = %v", err)
	}
	if s.Entry != 0x40380000 || !bytes.Equal(s.Text, []byte{1, 2, 3}) || !bytes.Equal(s.Data, []byte{4, 5}) {
		t.Errorf("ParseStub() = %+v", s)
	}
	if _, err := ParseStub("bad", []byte(`{"text": "AQID"}`)); err == nil {
		t.Error("ParseStub() without entry expected error")
	}
}

func TestClient_RunStub(t *testing.T) {
	c, dev := newClient(t, emulator.BridgeESP32(nil))
	ctx := context.Background()
	if err := c.Sync(ctx, 100*time.Millisecond); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if err := c.RunStub(ctx, testStub()); err != nil {
		t.Fatalf("RunStub() error = %v", err)
	}
	if !c.Session().StubRunning() || c.Session().Generation() != protocol.GenStub {
		t.Error("session does not record the running stub")
	}
	if dev.Mode() != emulator.ModeStub {
		t.Errorf("device mode = %v, want stub", dev.Mode())
	}
	if got := dev.Commands(protocol.CmdMemData); got != 3 {
		t.Errorf("MEM_DATA commands = %d, want 3", got)
	}
}

func TestClient_RunStubWithoutGreeting(t *testing.T) {
	cfg := emulator.BridgeESP32(nil)
	cfg.Stub = false
	c, _ := newClient(t, cfg)
	err := c.RunStub(context.Background(), testStub())
	if !errors.Is(err, device.ErrTimeout) {
		t.Errorf("RunStub() error = %v, want ErrTimeout", err)
	}
	if c.Session().StubRunning() {
		t.Error("stub recorded as running")
	}
}

func TestClient_FlashWriteAndRead(t *testing.T) {
	for _, useStub := range []bool{false, true} {
		c, dev := newClient(t, emulator.BridgeESP32(nil))
		ctx := context.Background()
		if useStub {
			if err := c.RunStub(ctx, testStub()); err != nil {
				t.Fatalf("RunStub() error = %v", err)
			}
		}
		if err := c.SpiAttach(ctx); err != nil {
			t.Fatalf("SpiAttach() error = %v", err)
		}

		image := make([]byte, 3000)
		for i := range image {
			image[i] = byte(i * 7)
		}
		const offset = 0x10000
		blockSize := protocol.ROMFlashBlockSize
		blocks := int(protocol.CalculateBlocks(len(image), blockSize))
		if err := c.FlashBegin(ctx, len(image), blocks, blockSize, offset, false); err != nil {
			t.Fatalf("FlashBegin() error = %v", err)
		}
		for seq := 0; seq < blocks; seq++ {
			end := min((seq+1)*blockSize, len(image))
			if err := c.FlashBlock(ctx, image[seq*blockSize:end], seq, blockSize, false); err != nil {
				t.Fatalf("FlashBlock(%d) error = %v", seq, err)
			}
		}
		if err := c.FlashFinish(ctx, false, false); err != nil {
			t.Fatalf("FlashFinish() error = %v", err)
		}

		if got := dev.Flash(offset, len(image)); !bytes.Equal(got, image) {
			t.Fatalf("stub=%v: flash contents differ", useStub)
		}

		digest, err := c.FlashMD5(ctx, offset, len(image))
		if err != nil {
			t.Fatalf("FlashMD5() error = %v", err)
		}
		sum := md5.Sum(image)
		if digest != hex.EncodeToString(sum[:]) {
			t.Errorf("stub=%v: FlashMD5() = %s", useStub, digest)
		}

		back, err := c.ReadFlash(ctx, offset, len(image))
		if err != nil {
			t.Fatalf("stub=%v: ReadFlash() error = %v", useStub, err)
		}
		if !bytes.Equal(back, image) {
			t.Errorf("stub=%v: ReadFlash() differs", useStub)
		}
	}
}

func TestClient_StubOnlyCommandsRefusedByROM(t *testing.T) {
	c, _ := newClient(t, emulator.BridgeESP32(nil))
	if err := c.EraseFlash(context.Background()); err == nil {
		t.Error("EraseFlash() on ROM expected error")
	}
}

func TestClient_LegacyROMRefusesNewerCommands(t *testing.T) {
	c, _ := newClient(t, emulator.BridgeESP8266(nil))
	ctx := context.Background()

	for _, op := range []byte{protocol.CmdSpiAttach, protocol.CmdSpiFlashMD5, protocol.CmdChangeBaudRate, protocol.CmdFlashDeflBegin} {
		resp, err := c.Command(ctx, op, make([]byte, 16), time.Second)
		if err != nil {
			t.Fatalf("%s: Command() error = %v", protocol.CommandName(op), err)
		}
		if resp.IsSuccess() || resp.Error != protocol.ErrInvalidMessage {
			t.Errorf("%s: response %s, want invalid message", protocol.CommandName(op), resp.ErrorString())
		}
	}
}

func TestClient_UnsupportedCommandsNotSent(t *testing.T) {
	c, dev := newClient(t, emulator.BridgeESP8266(nil))
	ctx := context.Background()

	if _, err := c.FlashMD5(ctx, 0, 0x1000); !errors.Is(err, device.ErrUnsupported) {
		t.Errorf("FlashMD5() error = %v, want ErrUnsupported", err)
	}
	if err := c.ChangeBaud(ctx, 460800, 115200); !errors.Is(err, device.ErrUnsupported) {
		t.Errorf("ChangeBaud() error = %v, want ErrUnsupported", err)
	}
	if _, err := c.ReadFlash(ctx, 0, 64); !errors.Is(err, device.ErrUnsupported) {
		t.Errorf("ReadFlash() error = %v, want ErrUnsupported", err)
	}
	for _, op := range []byte{protocol.CmdSpiFlashMD5, protocol.CmdChangeBaudRate, protocol.CmdReadFlashSlow} {
		if n := dev.Commands(op); n != 0 {
			t.Errorf("%s sent %d times", protocol.CommandName(op), n)
		}
	}
}

func TestClient_RefusalIsUnsupported(t *testing.T) {
	// Before identification every command is tried; the refusal of an old
	// ROM must still read as a missing capability.
	cfg := emulator.BridgeESP8266(nil)
	cfg.Magic = 0
	c, _ := newClient(t, cfg)
	if c.Session().Identified() {
		t.Fatal("session identified without a magic value")
	}
	if _, err := c.FlashMD5(context.Background(), 0, 0x1000); !errors.Is(err, device.ErrUnsupported) {
		t.Errorf("FlashMD5() error = %v, want ErrUnsupported", err)
	}
}

func TestClient_LegacySpiAttach(t *testing.T) {
	c, dev := newClient(t, emulator.BridgeESP8266(nil))
	if err := c.SpiAttach(context.Background()); err != nil {
		t.Fatalf("SpiAttach() error = %v", err)
	}
	if dev.Commands(protocol.CmdSpiAttach) != 0 || dev.Commands(protocol.CmdFlashBegin) != 1 {
		t.Errorf("SPI_ATTACH sent %d times, FLASH_BEGIN %d times; want 0 and 1",
			dev.Commands(protocol.CmdSpiAttach), dev.Commands(protocol.CmdFlashBegin))
	}
}
