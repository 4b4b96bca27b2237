package protocol

import (
	"encoding/binary"

	"github.com/juju/errors"
)

func words(values ...uint32) []byte {
	data := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(data[4*i:], v)
	}
	return data
}

// SyncData returns the data payload for a SYNC command.
func SyncData() []byte {
	// SYNC payload: 0x07 0x07 0x12 0x20 followed by 32 bytes of 0x55
	data := make([]byte, 36)
	data[0] = 0x07
	data[1] = 0x07
	data[2] = 0x12
	data[3] = 0x20
	for i := 4; i < 36; i++ {
		data[i] = 0x55
	}
	return data
}

// FlashBeginData creates the data payload for FLASH_BEGIN and
// FLASH_DEFL_BEGIN. ROM loaders that support encrypted writes expect an
// extra word, selected by encryptFlag.
func FlashBeginData(eraseSize, numBlocks, blockSize, offset uint32, encryptFlag bool) []byte {
	data := words(eraseSize, numBlocks, blockSize, offset)
	if encryptFlag {
		data = append(data, words(0)...)
	}
	return data
}

// FlashDataData creates the data payload for FLASH_DATA and MEM_DATA.
// Short blocks are padded with 0xFF up to padTo bytes; padTo of zero
// disables padding.
func FlashDataData(block []byte, seq uint32, padTo int) []byte {
	size := len(block)
	if size < padTo {
		size = padTo
	}

	// Header: size (4) + seq (4) + reserved (8)
	payload := make([]byte, 16+size)
	binary.LittleEndian.PutUint32(payload[0:4], uint32(size))
	binary.LittleEndian.PutUint32(payload[4:8], seq)
	copy(payload[16:], block)
	for i := 16 + len(block); i < len(payload); i++ {
		payload[i] = 0xFF
	}
	return payload
}

// FlashEndData creates the data payload for FLASH_END and FLASH_DEFL_END.
func FlashEndData(reboot bool) []byte {
	if reboot {
		return words(0) // 0 = reboot
	}
	return words(1) // 1 = stay in bootloader
}

// MemBeginData creates the data payload for MEM_BEGIN.
func MemBeginData(size, numBlocks, blockSize, offset uint32) []byte {
	return words(size, numBlocks, blockSize, offset)
}

// MemEndData creates the data payload for MEM_END. A zero entry point
// leaves the loader running.
func MemEndData(entry uint32) []byte {
	if entry == 0 {
		return words(1, 0)
	}
	return words(0, entry)
}

// ReadRegData creates the data payload for READ_REG.
func ReadRegData(addr uint32) []byte {
	return words(addr)
}

// WriteRegData creates the data payload for WRITE_REG.
func WriteRegData(addr, value, mask, delayUS uint32) []byte {
	return words(addr, value, mask, delayUS)
}

// SpiAttachData creates the data payload for SPI_ATTACH.
// All zeros selects the default SPI flash pins. The ROM loader expects a
// second word that the stub does not.
func SpiAttachData(rom bool) []byte {
	if rom {
		return make([]byte, 8)
	}
	return make([]byte, 4)
}

// SpiSetParamsData creates the data payload for SPI_SET_PARAMS.
func SpiSetParamsData(totalSize uint32) []byte {
	return words(0, totalSize, 0x10000, FlashSectorSize, 0x100, 0xFFFF)
}

// ChangeBaudData creates the data payload for CHANGE_BAUDRATE. The ROM
// expects an old rate of zero; the stub uses it to adjust its divider.
func ChangeBaudData(newBaud, oldBaud uint32) []byte {
	return words(newBaud, oldBaud)
}

// FlashMD5Data creates the data payload for SPI_FLASH_MD5 command.
func FlashMD5Data(address, size uint32) []byte {
	return words(address, size, 0, 0)
}

// EraseRegionData creates the data payload for the stub ERASE_REGION.
func EraseRegionData(offset, size uint32) []byte {
	return words(offset, size)
}

// ReadFlashData creates the data payload for the stub READ_FLASH.
func ReadFlashData(offset, length, packetSize, inFlight uint32) []byte {
	return words(offset, length, packetSize, inFlight)
}

// ReadFlashSlowData creates the data payload for the ROM READ_FLASH_SLOW.
func ReadFlashSlowData(offset, length uint32) []byte {
	return words(offset, length)
}

// CalculateBlocks returns the number of blocks needed for n bytes.
func CalculateBlocks(n, blockSize int) uint32 {
	if blockSize <= 0 {
		return 0
	}
	return uint32((n + blockSize - 1) / blockSize)
}

// CalculateEraseSize rounds n up to whole flash sectors.
func CalculateEraseSize(n int) uint32 {
	return CalculateBlocks(n, FlashSectorSize) * FlashSectorSize
}

// SecurityInfo is the decoded GET_SECURITY_INFO response.
type SecurityInfo struct {
	Flags         uint32
	FlashCryptCnt byte
	KeyPurposes   [7]byte
	ChipID        uint32
	APIVersion    uint32
	HasChipID     bool
}

// ParseSecurityInfo decodes a GET_SECURITY_INFO payload. The ESP32-S2 ROM
// returns the short 12 byte form without chip ID.
func ParseSecurityInfo(data []byte) (*SecurityInfo, error) {
	if len(data) < 12 {
		return nil, errors.Errorf("security info too short: %d bytes", len(data))
	}
	info := &SecurityInfo{
		Flags:         binary.LittleEndian.Uint32(data[0:4]),
		FlashCryptCnt: data[4],
	}
	copy(info.KeyPurposes[:], data[5:12])
	if len(data) >= 20 {
		info.ChipID = binary.LittleEndian.Uint32(data[12:16])
		info.APIVersion = binary.LittleEndian.Uint32(data[16:20])
		info.HasChipID = true
	}
	return info, nil
}

// EncodeSecurityInfo is the inverse of ParseSecurityInfo.
func EncodeSecurityInfo(info *SecurityInfo) []byte {
	data := make([]byte, 12, 20)
	binary.LittleEndian.PutUint32(data[0:4], info.Flags)
	data[4] = info.FlashCryptCnt
	copy(data[5:12], info.KeyPurposes[:])
	if info.HasChipID {
		data = append(data, words(info.ChipID, info.APIVersion)...)
	}
	return data
}
