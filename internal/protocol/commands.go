package protocol

// Bootloader commands. Opcodes 0xD0 and up are only understood by the
// flasher stub.
const (
	CmdFlashBegin      = 0x02
	CmdFlashData       = 0x03
	CmdFlashEnd        = 0x04
	CmdMemBegin        = 0x05
	CmdMemEnd          = 0x06
	CmdMemData         = 0x07
	CmdSync            = 0x08
	CmdWriteReg        = 0x09
	CmdReadReg         = 0x0A
	CmdSpiSetParams    = 0x0B
	CmdSpiAttach       = 0x0D
	CmdReadFlashSlow   = 0x0E
	CmdChangeBaudRate  = 0x0F
	CmdFlashDeflBegin  = 0x10
	CmdFlashDeflData   = 0x11
	CmdFlashDeflEnd    = 0x12
	CmdSpiFlashMD5     = 0x13
	CmdGetSecurityInfo = 0x14

	CmdEraseFlash  = 0xD0
	CmdEraseRegion = 0xD1
	CmdReadFlash   = 0xD2
	CmdRunUserCode = 0xD3
)

// Direction byte values
const (
	DirRequest  = 0x00
	DirResponse = 0x01
)

// Flash parameters
const (
	FlashSectorSize    = 0x1000 // 4KB sectors
	ROMFlashBlockSize  = 0x400  // FLASH_DATA payload accepted by the ROM loader
	StubFlashBlockSize = 0x4000
	ESP8266BlockSize   = 0x400
	MemBlockSize       = 0x1800
	ReadFlashSlowSize  = 64
)

// ChecksumSeed is the initial value of the XOR checksum.
const ChecksumSeed = 0xEF

// Error codes from ROM bootloader
const (
	ErrInvalidMessage  = 0x05
	ErrFailedToAct     = 0x06
	ErrInvalidCRC      = 0x07
	ErrFlashWriteErr   = 0x08
	ErrFlashReadErr    = 0x09
	ErrFlashReadLenErr = 0x0A
	ErrDeflateError    = 0x0B
)

// ErrorMessage returns human-readable error message
func ErrorMessage(code byte) string {
	switch code {
	case ErrInvalidMessage:
		return "invalid message"
	case ErrFailedToAct:
		return "failed to act"
	case ErrInvalidCRC:
		return "invalid CRC"
	case ErrFlashWriteErr:
		return "flash write error"
	case ErrFlashReadErr:
		return "flash read error"
	case ErrFlashReadLenErr:
		return "flash read length error"
	case ErrDeflateError:
		return "deflate error"
	default:
		return "unknown error"
	}
}

// CommandName returns the mnemonic used in logs.
func CommandName(op byte) string {
	switch op {
	case CmdFlashBegin:
		return "FLASH_BEGIN"
	case CmdFlashData:
		return "FLASH_DATA"
	case CmdFlashEnd:
		return "FLASH_END"
	case CmdMemBegin:
		return "MEM_BEGIN"
	case CmdMemEnd:
		return "MEM_END"
	case CmdMemData:
		return "MEM_DATA"
	case CmdSync:
		return "SYNC"
	case CmdWriteReg:
		return "WRITE_REG"
	case CmdReadReg:
		return "READ_REG"
	case CmdSpiSetParams:
		return "SPI_SET_PARAMS"
	case CmdSpiAttach:
		return "SPI_ATTACH"
	case CmdReadFlashSlow:
		return "READ_FLASH_SLOW"
	case CmdChangeBaudRate:
		return "CHANGE_BAUDRATE"
	case CmdFlashDeflBegin:
		return "FLASH_DEFL_BEGIN"
	case CmdFlashDeflData:
		return "FLASH_DEFL_DATA"
	case CmdFlashDeflEnd:
		return "FLASH_DEFL_END"
	case CmdSpiFlashMD5:
		return "SPI_FLASH_MD5"
	case CmdGetSecurityInfo:
		return "GET_SECURITY_INFO"
	case CmdEraseFlash:
		return "ERASE_FLASH"
	case CmdEraseRegion:
		return "ERASE_REGION"
	case CmdReadFlash:
		return "READ_FLASH"
	case CmdRunUserCode:
		return "RUN_USER_CODE"
	default:
		return "CMD_UNKNOWN"
	}
}

// IsRetryableError reports whether a device-side error code means the
// request was mangled in transit rather than refused. ErrInvalidMessage
// is not one of them: loaders also use it for commands they lack.
func IsRetryableError(code byte) bool {
	return code == ErrInvalidCRC
}
