package protocol

// Generation selects how the status trailer of a response is laid out.
type Generation int

const (
	// GenUnknown is used before the chip is identified.
	GenUnknown Generation = iota
	// GenLegacy is the ESP8266 ROM loader: 2 status bytes.
	GenLegacy
	// GenModern covers the ESP32 family ROM loaders: 4 status bytes,
	// of which only the first two carry information.
	GenModern
	// GenStub is the RAM flasher stub on any chip: 2 status bytes.
	GenStub
)

func (g Generation) String() string {
	switch g {
	case GenLegacy:
		return "legacy-rom"
	case GenModern:
		return "rom"
	case GenStub:
		return "stub"
	default:
		return "unknown"
	}
}

type statusKey struct {
	op  byte
	gen Generation
}

// statusOverrides lists the (opcode, generation) pairs whose trailer length
// differs from the generation default. The table was gathered empirically
// and is not known to be exhaustive.
var statusOverrides = map[statusKey]int{
	// Only the newer ROMs implement GET_SECURITY_INFO and all of them use
	// the long trailer, so it is safe to assume 4 before identification.
	{CmdGetSecurityInfo, GenUnknown}: 4,
	{CmdGetSecurityInfo, GenLegacy}:  2,
}

var statusDefaults = map[Generation]int{
	GenLegacy: 2,
	GenModern: 4,
	GenStub:   2,
}

// StatusLength returns the number of trailer bytes for a response to op
// carrying dataLen bytes in total. For an unknown generation, short
// responses are assumed to consist of the trailer only.
func StatusLength(op byte, gen Generation, dataLen int) int {
	if n, ok := statusOverrides[statusKey{op, gen}]; ok {
		return n
	}
	if n, ok := statusDefaults[gen]; ok {
		return n
	}
	if dataLen == 2 || dataLen == 4 {
		return dataLen
	}
	return 2
}

// Supported reports whether the loader of generation gen implements op.
// The ESP8266 ROM stops at READ_REG; the stub-only commands need the
// stub; everything is assumed to work before identification.
func Supported(op byte, gen Generation) bool {
	switch gen {
	case GenLegacy:
		return op <= CmdReadReg
	case GenModern:
		return op < CmdEraseFlash
	case GenStub:
		return op != CmdReadFlashSlow && op != CmdGetSecurityInfo
	}
	return true
}
