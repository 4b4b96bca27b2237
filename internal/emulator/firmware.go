package emulator

import (
	"strconv"

	"github.com/bigbag/esp-installer/internal/improv"
)

// Network is a Wi-Fi network the firmware can see.
type Network struct {
	SSID    string
	RSSI    int
	Secured bool
}

// Firmware describes the application image's Improv behavior.
type Firmware struct {
	Name       string
	Version    string
	Chip       string
	DeviceName string

	State improv.State

	Networks []Network
	// NoScan answers the network scan with "unknown RPC".
	NoScan bool
	// Credentials lists the networks the firmware can join, by SSID.
	Credentials map[string]string
	RedirectURL string

	// Noise is log output printed before every response.
	Noise string
}

type appState struct {
	scanner improv.Scanner
	state   improv.State
	ssid    string
}

func initialState(fw *Firmware) improv.State {
	if fw == nil || fw.State == 0 {
		return improv.StateReady
	}
	return fw.State
}

func (d *Device) sendLocked(t improv.PacketType, data []byte) {
	b, err := improv.Packet{Type: t, Data: data}.Encode()
	if err != nil {
		return
	}
	if fw := d.cfg.Firmware; fw.Noise != "" {
		d.outputLocked([]byte(fw.Noise))
	}
	d.outputLocked(b)
}

func (d *Device) resultLocked(cmd improv.Command, args ...string) {
	data, err := improv.EncodeCommand(cmd, args...)
	if err != nil {
		return
	}
	d.sendLocked(improv.TypeRPCResult, data)
}

func (d *Device) appInputLocked(data []byte) {
	fw := d.cfg.Firmware
	if fw == nil {
		return
	}
	for _, p := range d.app.scanner.Feed(data) {
		if p.Type != improv.TypeRPC {
			continue
		}
		cmd, args, err := improv.DecodeCommand(p.Data)
		if err != nil {
			d.sendLocked(improv.TypeErrorState, []byte{byte(improv.ErrorInvalidRPC)})
			continue
		}
		d.rpcLocked(fw, cmd, args)
	}
}

func (d *Device) rpcLocked(fw *Firmware, cmd improv.Command, args []string) {
	switch cmd {
	case improv.CmdGetState:
		d.sendLocked(improv.TypeCurrentState, []byte{byte(d.app.state)})
		if d.app.state == improv.StateProvisioned {
			d.resultLocked(cmd, fw.RedirectURL)
		}

	case improv.CmdGetDeviceInfo:
		d.resultLocked(cmd, fw.Name, fw.Version, fw.Chip, fw.DeviceName)

	case improv.CmdGetWiFiNetworks:
		if fw.NoScan {
			d.sendLocked(improv.TypeErrorState, []byte{byte(improv.ErrorUnknownRPC)})
			return
		}
		for _, n := range fw.Networks {
			secured := "NO"
			if n.Secured {
				secured = "YES"
			}
			d.resultLocked(cmd, n.SSID, strconv.Itoa(n.RSSI), secured)
		}
		d.resultLocked(cmd)

	case improv.CmdWiFiSettings:
		if len(args) != 2 {
			d.sendLocked(improv.TypeErrorState, []byte{byte(improv.ErrorInvalidRPC)})
			return
		}
		d.app.state = improv.StateProvisioning
		d.sendLocked(improv.TypeCurrentState, []byte{byte(d.app.state)})
		if pw, ok := fw.Credentials[args[0]]; !ok || pw != args[1] {
			d.app.state = improv.StateReady
			d.sendLocked(improv.TypeErrorState, []byte{byte(improv.ErrorUnableToConnect)})
			return
		}
		d.app.state = improv.StateProvisioned
		d.app.ssid = args[0]
		d.sendLocked(improv.TypeCurrentState, []byte{byte(d.app.state)})
		d.resultLocked(cmd, fw.RedirectURL)

	default:
		d.sendLocked(improv.TypeErrorState, []byte{byte(improv.ErrorUnknownRPC)})
	}
}

// Provisioned returns the network the firmware joined, if any.
func (d *Device) Provisioned() (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.app.ssid, d.app.state == improv.StateProvisioned
}
