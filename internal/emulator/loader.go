package emulator

import (
	"bytes"
	"compress/zlib"
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"io"

	"github.com/golang/glog"

	"github.com/bigbag/esp-installer/internal/chip"
	"github.com/bigbag/esp-installer/internal/protocol"
	"github.com/bigbag/esp-installer/internal/slip"
)

// StubGreeting is the frame the stub sends once it runs.
var StubGreeting = []byte("OHAI")

func word(data []byte, i int) uint32 {
	if len(data) < 4*(i+1) {
		return 0
	}
	return binary.LittleEndian.Uint32(data[4*i:])
}

func (d *Device) generationLocked() protocol.Generation {
	if d.mode == ModeStub {
		return protocol.GenStub
	}
	return d.cfg.Generation
}

func (d *Device) respondLocked(op byte, value uint32, data []byte, errCode byte) {
	resp := &protocol.Response{Command: op, Value: value, Data: data}
	if errCode != 0 {
		resp.Status = 1
		resp.Error = errCode
	}
	raw := resp.Encode(d.generationLocked())
	if d.garbled < d.cfg.GarbleResponses {
		d.garbled++
		raw = raw[:len(raw)-1]
	}
	d.outputLocked(slip.Encode(raw))
}

func (d *Device) handleFrameLocked(frame []byte) {
	req, err := protocol.DecodeRequest(frame)
	if err != nil {
		// READ_FLASH acknowledgements and line noise.
		return
	}
	op := req.Command
	d.commands[op]++
	stub := d.mode == ModeStub
	ok := func(data []byte) { d.respondLocked(op, 0, data, 0) }
	fail := func(code byte) { d.respondLocked(op, 0, nil, code) }

	// The ESP8266 ROM ends its command table at READ_REG.
	if !stub && d.cfg.Generation == protocol.GenLegacy && op > protocol.CmdReadReg {
		fail(protocol.ErrInvalidMessage)
		return
	}

	switch op {
	case protocol.CmdFlashData, protocol.CmdMemData, protocol.CmdFlashDeflData:
		if !req.Verify() {
			fail(protocol.ErrInvalidCRC)
			return
		}
	}

	switch op {
	case protocol.CmdSync:
		d.syncs++
		n := 8
		if stub {
			n = 1
		}
		for i := 0; i < n; i++ {
			d.respondLocked(op, 0x20120707, nil, 0)
		}

	case protocol.CmdReadReg:
		d.respondLocked(op, d.regs[word(req.Data, 0)], nil, 0)

	case protocol.CmdWriteReg:
		addr, value := word(req.Data, 0), word(req.Data, 1)
		d.regs[addr] = value
		ok(nil)
		d.watchdogLocked(addr, value)

	case protocol.CmdGetSecurityInfo:
		if !d.cfg.SecurityInfo || stub {
			fail(protocol.ErrInvalidMessage)
			return
		}
		ok(protocol.EncodeSecurityInfo(&protocol.SecurityInfo{ChipID: d.cfg.ChipID, APIVersion: 1, HasChipID: d.cfg.HasChipID}))

	case protocol.CmdSpiAttach, protocol.CmdSpiSetParams:
		ok(nil)

	case protocol.CmdChangeBaudRate:
		ok(nil)
		d.baud = int(word(req.Data, 0))

	case protocol.CmdMemBegin, protocol.CmdMemData:
		ok(nil)

	case protocol.CmdMemEnd:
		ok(nil)
		if word(req.Data, 0) == 0 && word(req.Data, 1) != 0 && d.cfg.Stub {
			d.mode = ModeStub
			d.outputLocked(slip.Encode(StubGreeting))
		}

	case protocol.CmdFlashBegin, protocol.CmdFlashDeflBegin:
		d.finishDeflateLocked()
		size, blocks, blockSize, offset := word(req.Data, 0), word(req.Data, 1), word(req.Data, 2), word(req.Data, 3)
		if int(offset)+int(size) > len(d.flash) {
			fail(protocol.ErrFailedToAct)
			return
		}
		d.eraseLocked(offset, size)
		d.write = writeState{
			active:    true,
			deflate:   op == protocol.CmdFlashDeflBegin,
			offset:    offset,
			blockSize: blockSize,
			blocks:    blocks,
		}
		ok(nil)

	case protocol.CmdFlashData, protocol.CmdFlashDeflData:
		size, seq := word(req.Data, 0), word(req.Data, 1)
		if !d.write.active || seq != d.write.nextSeq || len(req.Data) < 16+int(size) {
			fail(protocol.ErrFailedToAct)
			return
		}
		block := req.Data[16 : 16+size]
		d.blocks++
		if n := d.cfg.DisconnectAfterBlocks; n > 0 && d.blocks >= n {
			glog.V(1).Infof("emulator: unplugging after %d blocks", d.blocks)
			d.unplugLocked()
			return
		}
		if d.write.deflate {
			d.write.compressed = append(d.write.compressed, block...)
		} else {
			at := int(d.write.offset + seq*d.write.blockSize)
			if at+len(block) > len(d.flash) {
				fail(protocol.ErrFlashWriteErr)
				return
			}
			copy(d.flash[at:], block)
		}
		d.write.nextSeq++
		if d.write.deflate && d.write.nextSeq == d.write.blocks {
			if err := d.finishDeflateLocked(); err != nil {
				fail(protocol.ErrDeflateError)
				return
			}
		}
		ok(nil)

	case protocol.CmdFlashEnd, protocol.CmdFlashDeflEnd:
		if err := d.finishDeflateLocked(); err != nil {
			fail(protocol.ErrDeflateError)
			return
		}
		ok(nil)
		if word(req.Data, 0) == 0 {
			d.bootLocked(ModeApp)
		}

	case protocol.CmdSpiFlashMD5:
		d.finishDeflateLocked()
		addr, size := word(req.Data, 0), word(req.Data, 1)
		if int(addr)+int(size) > len(d.flash) {
			fail(protocol.ErrFlashReadErr)
			return
		}
		sum := md5.Sum(d.flash[addr : addr+size])
		if stub {
			ok(sum[:])
		} else {
			ok([]byte(hex.EncodeToString(sum[:])))
		}

	case protocol.CmdReadFlashSlow:
		addr, size := word(req.Data, 0), word(req.Data, 1)
		if size > protocol.ReadFlashSlowSize || int(addr)+int(size) > len(d.flash) {
			fail(protocol.ErrFlashReadErr)
			return
		}
		ok(append([]byte(nil), d.flash[addr:addr+size]...))

	case protocol.CmdEraseFlash:
		if !stub {
			fail(protocol.ErrInvalidMessage)
			return
		}
		d.eraseLocked(0, uint32(len(d.flash)))
		ok(nil)

	case protocol.CmdEraseRegion:
		if !stub {
			fail(protocol.ErrInvalidMessage)
			return
		}
		d.eraseLocked(word(req.Data, 0), word(req.Data, 1))
		ok(nil)

	case protocol.CmdReadFlash:
		if !stub {
			fail(protocol.ErrInvalidMessage)
			return
		}
		addr, size, packet := word(req.Data, 0), word(req.Data, 1), word(req.Data, 2)
		if int(addr)+int(size) > len(d.flash) || packet == 0 {
			fail(protocol.ErrFlashReadErr)
			return
		}
		ok(nil)
		data := d.flash[addr : addr+size]
		for len(data) > 0 {
			n := min(int(packet), len(data))
			d.outputLocked(slip.Encode(data[:n]))
			data = data[n:]
		}
		sum := md5.Sum(d.flash[addr : addr+size])
		d.outputLocked(slip.Encode(sum[:]))

	case protocol.CmdRunUserCode:
		d.bootLocked(ModeApp)

	default:
		fail(protocol.ErrInvalidMessage)
	}
}

// watchdogLocked fires the soft reset once the watchdog was armed and the
// registers are locked again.
func (d *Device) watchdogLocked(addr, value uint32) {
	wd := d.cfg.Watchdog
	if wd == nil {
		return
	}
	switch {
	case addr == wd.Base+wd.Config0 && value&(1<<31) != 0 && d.regs[wd.Base+wd.WProtect] == chip.WatchdogKey:
		d.wdArmed = true
	case addr == wd.Base+wd.WProtect && value == 0 && d.wdArmed:
		d.bootLocked(ModeApp)
	}
}

func (d *Device) eraseLocked(offset, size uint32) {
	end := min(int(offset)+int(size), len(d.flash))
	for i := int(offset); i < end; i++ {
		d.flash[i] = 0xFF
	}
}

func (d *Device) finishDeflateLocked() error {
	w := &d.write
	if !w.active || !w.deflate || len(w.compressed) == 0 {
		return nil
	}
	zr, err := zlib.NewReader(bytes.NewReader(w.compressed))
	if err != nil {
		return err
	}
	data, err := io.ReadAll(zr)
	if err != nil {
		return err
	}
	copy(d.flash[w.offset:], data)
	w.compressed = nil
	w.active = false
	return nil
}
