package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/juju/errors"

	"github.com/bigbag/esp-installer/internal/device"
	"github.com/bigbag/esp-installer/internal/provision"
)

// wifiSetup is what the operator asked for on the command line.
type wifiSetup struct {
	scan bool
	// choose asks for a network after a successful scan instead of
	// stopping there.
	choose   bool
	ssid     string
	password string
}

// provisionWiFi lists the networks the device sees when asked to and sends
// credentials. A scan without a network name ends after the listing
// unless w.choose is set. Firmware that cannot scan falls back to a typed
// network name.
func provisionWiFi(ctx context.Context, ps *provision.Session, w wifiSetup) (provision.Status, error) {
	var networks []provision.Network
	if w.scan {
		fmt.Println("Scanning for networks...")
		var err error
		for n, nerr := range ps.ListNetworks(ctx) {
			if nerr != nil {
				err = nerr
				break
			}
			networks = append(networks, n)
			lock := ""
			if n.Secured {
				lock = " " + labelStyle.Render("(secured)")
			}
			fmt.Printf("  %2d) %-32s %4d dBm%s\n", len(networks), n.SSID, n.RSSI, lock)
		}
		switch {
		case errors.Is(err, device.ErrUnsupported):
			fmt.Println(warnStyle.Render("The firmware cannot scan for networks; enter the network name."))
		case err != nil:
			return ps.Status(), err
		case w.ssid == "" && !w.choose:
			return ps.Status(), nil
		}
	}

	ssid := w.ssid
	if ssid == "" {
		prompt := "Network name: "
		if len(networks) > 0 {
			prompt = "Network number or name: "
		}
		line, err := readLine(prompt)
		if err != nil {
			return ps.Status(), err
		}
		ssid = pickNetwork(line, networks)
	}
	if ssid == "" {
		return ps.Status(), errors.New("no network given")
	}
	password := w.password
	if password == "" {
		var err error
		if password, err = readPassword(fmt.Sprintf("Password for %s: ", ssid)); err != nil {
			return ps.Status(), err
		}
	}

	fmt.Printf("Connecting device to %s...\n", valueStyle.Render(ssid))
	status, err := ps.SubmitCredentials(ctx, ssid, password)
	if err != nil {
		if errors.Is(err, device.ErrConnectionRejected) {
			fmt.Println(warnStyle.Render("The device could not join the network; check the password."))
		}
		return status, err
	}
	fmt.Println(okStyle.Render("Provisioned!"))
	if status.RedirectURL != "" {
		printField("Visit", status.RedirectURL)
	}
	return status, nil
}

// pickNetwork takes either a number from the scan listing or a name.
func pickNetwork(answer string, networks []provision.Network) string {
	if n, err := strconv.Atoi(answer); err == nil && n >= 1 && n <= len(networks) {
		return networks[n-1].SSID
	}
	return answer
}

func readLine(prompt string) (string, error) {
	fmt.Print(prompt)
	line, err := stdin.ReadString('\n')
	if err != nil && line == "" {
		return "", errors.Annotatef(err, "failed to read answer")
	}
	return strings.TrimSpace(line), nil
}

// confirm asks a yes or no question. An empty answer takes def.
func confirm(question string, def bool) (bool, error) {
	hint := "[y/N]"
	if def {
		hint = "[Y/n]"
	}
	for {
		answer, err := readLine(fmt.Sprintf("%s %s ", question, hint))
		if err != nil {
			return false, err
		}
		switch strings.ToLower(answer) {
		case "":
			return def, nil
		case "y", "yes":
			return true, nil
		case "n", "no":
			return false, nil
		}
	}
}
