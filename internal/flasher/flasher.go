// Package flasher writes firmware to a device held in its bootloader.
package flasher

import (
	"bytes"
	"compress/zlib"
	"context"
	"crypto/md5"
	"encoding/hex"
	"iter"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/bigbag/esp-installer/internal/device"
	"github.com/bigbag/esp-installer/internal/engine"
	"github.com/bigbag/esp-installer/internal/protocol"
	"github.com/bigbag/esp-installer/internal/rom"
)

// Options configures a flash session.
type Options struct {
	// StubDir holds the stub images named by the chip profiles. Empty
	// disables the stub.
	StubDir string
	// BaudRate is negotiated after the stub starts; zero keeps 115200.
	BaudRate int
	// Compress sends zlib-compressed blocks when the stub runs.
	Compress bool
	// Verify compares the flash MD5 of every written region.
	Verify bool
	// FlashSize is passed to SPI_SET_PARAMS when non-zero.
	FlashSize uint32
}

// DefaultOptions returns the options the CLI starts from.
func DefaultOptions() Options {
	return Options{Compress: true, Verify: true}
}

const baudSettle = 50 * time.Millisecond

// Progress reports a write in uncompressed payload bytes.
type Progress struct {
	BytesWritten int
	BytesTotal   int
	Percent      int
	Region       string
}

// Session is an open flash session. It holds the flash lease until
// Close.
type Session struct {
	eng       *engine.Engine
	dev       *device.Session
	rom       *rom.Client
	opts      Options
	blockSize int
	closed    bool
}

// Open takes the flash lease on a device synchronized with its
// bootloader, starts the stub when one is available and negotiates the
// requested baud rate.
func Open(ctx context.Context, eng *engine.Engine, opts Options) (*Session, error) {
	dev := eng.Session()
	if st := dev.State(); st != device.StateSyncedBootloader {
		return nil, errors.Annotatef(device.ErrNotSynchronized, "flash session needs the bootloader, device is %s", st)
	}
	if err := dev.AcquireLease(device.LeaseFlash); err != nil {
		return nil, err
	}
	s := &Session{
		eng:  eng,
		dev:  dev,
		rom:  eng.Client(),
		opts: opts,
	}
	if err := s.prepare(ctx); err != nil {
		dev.ReleaseLease(device.LeaseFlash)
		return nil, err
	}
	return s, nil
}

func (s *Session) prepare(ctx context.Context) error {
	profile := s.dev.Profile()
	if !s.dev.StubRunning() && s.opts.StubDir != "" && profile.Stub != "" {
		stub, err := rom.LoadStub(s.opts.StubDir, profile.Stub)
		if err == nil {
			err = s.rom.RunStub(ctx, stub)
		}
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, device.ErrDisconnected) {
				return err
			}
			glog.Warningf("continuing with the ROM loader: %v", err)
		}
	}

	s.blockSize = profile.FlashBlockSize
	if s.dev.StubRunning() {
		s.blockSize = protocol.StubFlashBlockSize
	}
	if s.blockSize == 0 {
		s.blockSize = protocol.ROMFlashBlockSize
	}

	if err := s.rom.SpiAttach(ctx); err != nil {
		return errors.Annotatef(err, "attach flash")
	}
	if s.opts.FlashSize > 0 {
		err := s.rom.SpiSetParams(ctx, s.opts.FlashSize)
		switch {
		case errors.Is(err, device.ErrUnsupported):
			glog.Warningf("flash size not set, the loader keeps its own: %v", err)
		case err != nil:
			return errors.Annotatef(err, "set flash parameters")
		}
	}
	s.negotiateBaud(ctx, s.opts.BaudRate)
	return nil
}

// negotiateBaud moves both ends to want. Any failure leaves the link at
// the rate in use and is logged.
func (s *Session) negotiateBaud(ctx context.Context, want int) {
	if want <= 0 {
		return
	}
	profile := s.dev.Profile()
	if profile.MaxBaudRate > 0 && want > profile.MaxBaudRate {
		glog.Infof("%s is limited to %d baud", profile, profile.MaxBaudRate)
		want = profile.MaxBaudRate
	}
	current := s.dev.BaudRate()
	if want == current {
		return
	}
	port, err := s.dev.Port()
	if err != nil {
		glog.Warningf("baud rate unchanged: %v", err)
		return
	}
	if !port.Capabilities().BaudRate {
		glog.Warningf("%s cannot change baud rate, staying at %d", port.Identity().Name, current)
		return
	}
	if err := s.rom.ChangeBaud(ctx, want, current); err != nil {
		glog.Warningf("loader refused %d baud, staying at %d: %v", want, current, err)
		return
	}
	if err := port.SetBaudRate(want); err != nil {
		glog.Errorf("loader switched to %d baud but %s did not: %v", want, port.Identity().Name, err)
		return
	}
	if err := s.eng.Sleep(ctx, baudSettle); err != nil {
		glog.Warningf("baud rate settle cut short: %v", err)
	}
	if err := port.Flush(); err != nil {
		glog.Warningf("flush after baud change: %v", err)
	}
	s.rom.Reset()
	s.dev.SetBaudRate(want)
	glog.Infof("switched to %d baud", want)
}

func (s *Session) check() error {
	if s.closed {
		return errors.New("flash session is closed")
	}
	if s.dev.Lease() != device.LeaseFlash {
		return errors.Annotatef(device.ErrLeaseHeld, "flash session lost its lease")
	}
	return nil
}

// Erase erases the whole flash. Only the stub can.
func (s *Session) Erase(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	if !s.dev.StubRunning() {
		return &device.WriteFailedError{Region: "flash", Err: errors.Annotatef(device.ErrUnsupported, "chip erase needs the stub loader")}
	}
	glog.Infof("erasing flash")
	if err := s.rom.EraseFlash(ctx); err != nil {
		return &device.WriteFailedError{Region: "flash", Err: err}
	}
	return nil
}

// WriteImage writes every region of plan in order. It yields a Progress
// whenever the integer percentage changes, ending at 100. The first
// error is yielded last; the remaining regions are not attempted.
func (s *Session) WriteImage(ctx context.Context, plan *Plan) iter.Seq2[Progress, error] {
	return func(yield func(Progress, error) bool) {
		if err := s.check(); err != nil {
			yield(Progress{}, err)
			return
		}
		if err := plan.Validate(s.dev.Profile()); err != nil {
			yield(Progress{}, err)
			return
		}
		s.negotiateBaud(ctx, plan.BaudRate)
		if plan.EraseFirst {
			if err := s.Erase(ctx); err != nil {
				yield(Progress{}, err)
				return
			}
		}

		total := plan.Size()
		last := -1
		report := func(written int, region string) bool {
			pct := 100
			if total > 0 {
				pct = written * 100 / total
			}
			if pct == last {
				return true
			}
			last = pct
			return yield(Progress{BytesWritten: written, BytesTotal: total, Percent: pct, Region: region}, nil)
		}
		if !report(0, "") {
			return
		}

		written := 0
		for _, r := range plan.Regions {
			base := written
			err := s.writeRegion(ctx, r, func(n int) bool {
				written = base + n
				return report(written, r.Name)
			})
			if errors.Is(err, errStopped) {
				return
			}
			if err != nil {
				yield(Progress{BytesWritten: written, BytesTotal: total, Percent: max(last, 0), Region: r.Name}, err)
				return
			}
		}
		report(total, "")
	}
}

const errStopped = errors.ConstError("stopped")

// writeRegion writes r one acknowledged block at a time. progress gets
// the uncompressed bytes of r written so far.
func (s *Session) writeRegion(ctx context.Context, r Region, progress func(int) bool) error {
	compressed := s.opts.Compress && s.dev.StubRunning()
	fail := func(done int, err error) error {
		return &device.WriteFailedError{Region: r.Name, Offset: r.Offset + uint32(done), Written: done, Size: len(r.Data), Err: err}
	}
	payload := r.Data
	if compressed {
		var err error
		if payload, err = deflate(r.Data); err != nil {
			return fail(0, err)
		}
	}
	blocks := int(protocol.CalculateBlocks(len(payload), s.blockSize))
	glog.Infof("writing %s: %d bytes @ 0x%x in %d blocks", r.Name, len(r.Data), r.Offset, blocks)
	if err := s.rom.FlashBegin(ctx, len(r.Data), blocks, s.blockSize, r.Offset, compressed); err != nil {
		return fail(0, err)
	}
	done := 0
	for seq := 0; seq < blocks; seq++ {
		start := seq * s.blockSize
		end := min(start+s.blockSize, len(payload))
		if err := s.rom.FlashBlock(ctx, payload[start:end], seq, s.blockSize, compressed); err != nil {
			return fail(done, err)
		}
		done = len(r.Data) * (seq + 1) / blocks
		if progress != nil && !progress(done) {
			return errStopped
		}
	}

	if !s.opts.Verify {
		return nil
	}
	digest, err := s.rom.FlashMD5(ctx, r.Offset, len(r.Data))
	switch {
	case errors.Is(err, device.ErrUnsupported):
		glog.Warningf("%s written but not verified: %v", r.Name, err)
		return nil
	case err != nil:
		return fail(done, errors.Annotatef(err, "verify"))
	}
	sum := md5.Sum(r.Data)
	if want := hex.EncodeToString(sum[:]); digest != want {
		return fail(done, errors.Errorf("flash digest %s, want %s", digest, want))
	}
	glog.V(1).Infof("%s verified (%s)", r.Name, digest)
	return nil
}

func deflate(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := zlib.NewWriterLevel(&buf, zlib.BestCompression)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if _, err := zw.Write(data); err != nil {
		return nil, errors.Annotatef(err, "compress")
	}
	if err := zw.Close(); err != nil {
		return nil, errors.Annotatef(err, "compress")
	}
	return buf.Bytes(), nil
}

// ReadBlock reads raw flash.
func (s *Session) ReadBlock(ctx context.Context, offset uint32, length int) ([]byte, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.rom.ReadFlash(ctx, offset, length)
}

// WriteBlock writes raw flash, erasing as needed.
func (s *Session) WriteBlock(ctx context.Context, offset uint32, data []byte) error {
	if err := s.check(); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return s.writeRegion(ctx, Region{Offset: offset, Data: data, Name: "block"}, nil)
}

// Close drops the lease and resets the device into its application.
// A failed reset is logged, not returned; only a pending port
// reacquisition is reported.
func (s *Session) Close(ctx context.Context) error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.dev.ReleaseLease(device.LeaseFlash)
	err := s.eng.EnterApplication(ctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, device.ErrReacquisitionRequired):
		return err
	}
	glog.Warningf("could not restart the application: %v", err)
	return nil
}
