package rom

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/bigbag/esp-installer/internal/protocol"
)

const (
	eraseTimeoutPerMB = 30 * time.Second
	md5TimeoutPerMB   = 8 * time.Second
	chipEraseTimeout  = 120 * time.Second

	readFlashPacket   = 0x1000
	readFlashInFlight = 64
)

func (c *Client) scaled(perMB time.Duration, size int) time.Duration {
	t := time.Duration(float64(perMB) * float64(size) / float64(1<<20))
	return max(t, c.DefaultTimeout())
}

// SpiAttach connects the loader to the default SPI flash pins. The
// ESP8266 ROM has no SPI_ATTACH; an empty FLASH_BEGIN attaches the flash
// there as a side effect.
func (c *Client) SpiAttach(ctx context.Context) error {
	if !c.Supports(protocol.CmdSpiAttach) {
		glog.V(1).Infof("%s loader has no SPI_ATTACH, attaching with an empty FLASH_BEGIN", c.dev.Generation())
		_, err := c.Check(ctx, protocol.CmdFlashBegin, protocol.FlashBeginData(0, 0, protocol.ROMFlashBlockSize, 0, false), c.DefaultTimeout())
		return errors.Annotatef(err, "attach flash")
	}
	_, err := c.Check(ctx, protocol.CmdSpiAttach, protocol.SpiAttachData(!c.dev.StubRunning()), c.DefaultTimeout())
	return err
}

// SpiSetParams tells the loader the flash size.
func (c *Client) SpiSetParams(ctx context.Context, size uint32) error {
	_, err := c.Check(ctx, protocol.CmdSpiSetParams, protocol.SpiSetParamsData(size), c.DefaultTimeout())
	return err
}

// ChangeBaud asks the loader to switch rates. The caller switches the
// host side afterwards.
func (c *Client) ChangeBaud(ctx context.Context, baud, current int) error {
	old := 0
	if c.dev.StubRunning() {
		old = current
	}
	_, err := c.Check(ctx, protocol.CmdChangeBaudRate, protocol.ChangeBaudData(uint32(baud), uint32(old)), c.DefaultTimeout())
	return err
}

// encryptWord reports whether FLASH_BEGIN takes the extra encryption
// word: the ROMs that report a chip ID do.
func (c *Client) encryptWord() bool {
	return !c.dev.StubRunning() && len(c.dev.Profile().ChipIDs) > 0
}

// FlashBegin prepares a write of size bytes at offset. For compressed
// writes size is the uncompressed length and blocks counts compressed
// blocks.
func (c *Client) FlashBegin(ctx context.Context, size, blocks, blockSize int, offset uint32, compressed bool) error {
	op := byte(protocol.CmdFlashBegin)
	erase := protocol.CalculateEraseSize(size)
	if compressed {
		op = protocol.CmdFlashDeflBegin
		if c.dev.StubRunning() {
			erase = uint32(size)
		}
	}
	data := protocol.FlashBeginData(erase, uint32(blocks), uint32(blockSize), offset, c.encryptWord())
	_, err := c.Check(ctx, op, data, c.scaled(eraseTimeoutPerMB, size))
	return errors.Annotatef(err, "begin @ 0x%x", offset)
}

// FlashBlock writes one block and waits for its acknowledgement.
func (c *Client) FlashBlock(ctx context.Context, block []byte, seq int, blockSize int, compressed bool) error {
	op := byte(protocol.CmdFlashData)
	padTo := blockSize
	if compressed {
		op = protocol.CmdFlashDeflData
		padTo = 0
	}
	_, err := c.Check(ctx, op, protocol.FlashDataData(block, uint32(seq), padTo), c.scaled(eraseTimeoutPerMB, blockSize))
	return errors.Annotatef(err, "block %d", seq)
}

// FlashFinish ends a write. With reboot set the chip starts the
// application and no further loader traffic is possible.
func (c *Client) FlashFinish(ctx context.Context, reboot, compressed bool) error {
	op := byte(protocol.CmdFlashEnd)
	if compressed {
		op = protocol.CmdFlashDeflEnd
	}
	_, err := c.Check(ctx, op, protocol.FlashEndData(reboot), c.DefaultTimeout())
	return err
}

// FlashMD5 returns the hex digest the loader computes over a region. The
// ROM answers in hex, the stub in raw bytes.
func (c *Client) FlashMD5(ctx context.Context, offset uint32, size int) (string, error) {
	resp, err := c.Check(ctx, protocol.CmdSpiFlashMD5, protocol.FlashMD5Data(offset, uint32(size)), c.scaled(md5TimeoutPerMB, size))
	if err != nil {
		return "", err
	}
	switch {
	case len(resp.Data) >= 32:
		return string(resp.Data[:32]), nil
	case len(resp.Data) >= 16:
		return hex.EncodeToString(resp.Data[:16]), nil
	}
	return "", errors.Annotatef(errFraming(), "MD5 response of %d bytes", len(resp.Data))
}

// EraseFlash erases the whole chip. Stub only.
func (c *Client) EraseFlash(ctx context.Context) error {
	_, err := c.Check(ctx, protocol.CmdEraseFlash, nil, chipEraseTimeout)
	return err
}

// EraseRegion erases sector-aligned [offset, offset+size). Stub only.
func (c *Client) EraseRegion(ctx context.Context, offset uint32, size int) error {
	_, err := c.Check(ctx, protocol.CmdEraseRegion, protocol.EraseRegionData(offset, uint32(size)), c.scaled(eraseTimeoutPerMB, size))
	return err
}

// ReadFlash reads length bytes at offset: streamed and digest-checked by
// the stub, or 64 bytes per command from the ROM.
func (c *Client) ReadFlash(ctx context.Context, offset uint32, length int) ([]byte, error) {
	if !c.dev.StubRunning() {
		return c.readFlashSlow(ctx, offset, length)
	}
	if _, err := c.Check(ctx, protocol.CmdReadFlash, protocol.ReadFlashData(offset, uint32(length), readFlashPacket, readFlashInFlight), c.DefaultTimeout()); err != nil {
		return nil, err
	}
	data := make([]byte, 0, length)
	for len(data) < length {
		frame, err := c.NextFrame(ctx, c.DefaultTimeout())
		if err != nil {
			return nil, errors.Annotatef(err, "read @ 0x%x after %d bytes", offset, len(data))
		}
		data = append(data, frame...)
		if err := c.WriteFrame(ackFrame(len(data))); err != nil {
			return nil, err
		}
	}
	if len(data) > length {
		return nil, errors.Annotatef(errFraming(), "read %d bytes, asked for %d", len(data), length)
	}
	digest, err := c.NextFrame(ctx, c.DefaultTimeout())
	if err != nil {
		return nil, errors.Annotatef(err, "read digest")
	}
	sum := md5.Sum(data)
	if !bytes.Equal(digest, sum[:]) {
		return nil, errors.Annotatef(errFraming(), "read digest mismatch @ 0x%x", offset)
	}
	return data, nil
}

func (c *Client) readFlashSlow(ctx context.Context, offset uint32, length int) ([]byte, error) {
	data := make([]byte, 0, length)
	for len(data) < length {
		n := min(protocol.ReadFlashSlowSize, length-len(data))
		at := offset + uint32(len(data))
		resp, err := c.Check(ctx, protocol.CmdReadFlashSlow, protocol.ReadFlashSlowData(at, uint32(n)), c.DefaultTimeout())
		if err != nil {
			return nil, errors.Annotatef(err, "read @ 0x%x", at)
		}
		if len(resp.Data) < n {
			return nil, errors.Annotatef(errFraming(), "short read @ 0x%x: %d bytes", at, len(resp.Data))
		}
		data = append(data, resp.Data[:n]...)
	}
	glog.V(2).Infof("read %d bytes @ 0x%x through the ROM", length, offset)
	return data, nil
}
