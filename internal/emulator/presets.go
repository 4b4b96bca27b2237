package emulator

import (
	"github.com/bigbag/esp-installer/internal/chip"
	"github.com/bigbag/esp-installer/internal/protocol"
	"github.com/bigbag/esp-installer/internal/transport"
)

// BridgeESP32 is an ESP32 behind a CP2102 bridge: the endpoint never
// changes and the ROM predates GET_SECURITY_INFO.
func BridgeESP32(fw *Firmware) Config {
	return Config{
		Identity:   transport.Identity{Name: "/dev/ttyUSB0", VendorID: "10C4", ProductID: "EA60", Description: "CP2102"},
		Generation: protocol.GenModern,
		Magic:      0x00f01d83,
		Stub:       true,
		Firmware:   fw,
	}
}

// BridgeESP8266 is an ESP8266 behind a CH340 bridge with the legacy ROM.
func BridgeESP8266(fw *Firmware) Config {
	return Config{
		Identity:   transport.Identity{Name: "/dev/ttyUSB1", VendorID: "1A86", ProductID: "7523", Description: "CH340"},
		Generation: protocol.GenLegacy,
		Magic:      0xfff0c101,
		Stub:       true,
		Firmware:   fw,
	}
}

// NativeESP32S3 is an ESP32-S3 attached through its own USB peripheral:
// the ROM and the application enumerate as different endpoints.
func NativeESP32S3(fw *Firmware) Config {
	return Config{
		Identity:     transport.Identity{Name: "/dev/ttyACM0", VendorID: "303A", ProductID: "0009", Description: "ESP32-S3 ROM"},
		AppIdentity:  transport.Identity{Name: "/dev/ttyACM1", VendorID: "303A", ProductID: "4001", Description: "ESP32-S3 app"},
		Volatile:     true,
		Generation:   protocol.GenModern,
		SecurityInfo: true,
		HasChipID:    true,
		ChipID:       9,
		Magic:        0x00000009,
		Watchdog:     &chip.Watchdog{Base: 0x60008000, Config0: 0x98, Config1: 0x9C, WProtect: 0xB0},
		Stub:         true,
		Firmware:     fw,
	}
}
