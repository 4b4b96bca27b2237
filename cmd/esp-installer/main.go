package main

import (
	"context"
	goflag "flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/golang/glog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/bigbag/esp-installer/internal/pflagenv"
	"github.com/bigbag/esp-installer/internal/transport"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const envPrefix = "ESP_INSTALLER_"

var (
	portFlag       string
	urlFlag        string
	baudFlag       int
	stubDirFlag    string
	profilesFlag   string
	allPortsFlag   bool
	eraseFlag      bool
	noCompressFlag bool
	verifyFlag     bool
	scanFlag       bool
	ssidFlag       string
	passwordFlag   string
)

func main() {
	// glog writes to files unless told otherwise; an installer talks to a
	// terminal.
	goflag.Set("logtostderr", "true")
	goflag.Set("stderrthreshold", "WARNING")

	rootCmd := &cobra.Command{
		Use:   "esp-installer",
		Short: "Install firmware on ESP devices and provision their Wi-Fi",
		Long: `esp-installer flashes firmware onto Espressif chips over their serial
bootloader and hands Wi-Fi credentials to the installed firmware over
Improv serial.

Devices attached through their own USB peripheral disappear and come back
under a new port on every mode switch; the installer follows them.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return pflagenv.ParseFlagSet(cmd.Flags(), envPrefix)
		},
	}
	rootCmd.PersistentFlags().AddGoFlagSet(goflag.CommandLine)
	rootCmd.PersistentFlags().StringVarP(&portFlag, "port", "p", "", "Serial port (auto-detect if not specified)")
	rootCmd.PersistentFlags().StringVar(&urlFlag, "url", "", "WebSocket serial bridge to use instead of a local port")
	rootCmd.PersistentFlags().StringVar(&profilesFlag, "profiles", "", "YAML overlay for the built-in chip profiles")
	rootCmd.PersistentFlags().BoolVar(&allPortsFlag, "all-ports", false, "Probe ports without USB details as well")

	addFlashFlags := func(fs *pflag.FlagSet) {
		fs.IntVarP(&baudFlag, "baud", "b", 921600, "Baud rate to switch to for flashing")
		fs.StringVar(&stubDirFlag, "stub-dir", "", "Directory with flasher stub images (ROM loader only if empty)")
		fs.BoolVar(&noCompressFlag, "no-compress", false, "Send uncompressed blocks")
		fs.BoolVar(&verifyFlag, "verify", true, "Verify every region after writing")
	}

	// Flash command
	flashCmd := &cobra.Command{
		Use:   "flash <manifest>",
		Short: "Install the firmware described by a manifest",
		Long: `Install firmware from a manifest file or URL.

The build matching the detected chip is selected and its parts are
written at their offsets. The device is restarted into the new firmware
afterwards.`,
		Args: cobra.ExactArgs(1),
		RunE: runFlash,
	}
	addFlashFlags(flashCmd.Flags())
	flashCmd.Flags().BoolVar(&eraseFlag, "erase", false, "Erase the whole flash first (needs the stub)")

	writeCmd := &cobra.Command{
		Use:   "write <offset> <file>",
		Short: "Write a raw image at an offset",
		Args:  cobra.ExactArgs(2),
		RunE:  runWrite,
	}
	addFlashFlags(writeCmd.Flags())

	readCmd := &cobra.Command{
		Use:   "read <offset> <length> <file>",
		Short: "Read flash contents into a file",
		Args:  cobra.ExactArgs(3),
		RunE:  runRead,
	}
	readCmd.Flags().StringVar(&stubDirFlag, "stub-dir", "", "Directory with flasher stub images")

	eraseCmd := &cobra.Command{
		Use:   "erase",
		Short: "Erase the whole flash",
		Args:  cobra.NoArgs,
		RunE:  runErase,
	}
	eraseCmd.Flags().StringVar(&stubDirFlag, "stub-dir", "", "Directory with flasher stub images")

	provisionCmd := &cobra.Command{
		Use:   "provision",
		Short: "Send Wi-Fi credentials to the firmware over Improv serial",
		Long: `Restart the device into its firmware and provision it over Improv serial.

The password is read from --password, the ESP_INSTALLER_PASSWORD
environment variable or, failing both, the terminal.`,
		Args: cobra.NoArgs,
		RunE: runProvision,
	}
	provisionCmd.Flags().BoolVar(&scanFlag, "scan", false, "List the networks the device sees; exits after the listing unless --ssid is given")
	provisionCmd.Flags().StringVar(&ssidFlag, "ssid", "", "Network to join")
	provisionCmd.Flags().StringVar(&passwordFlag, "password", "", "Network password")

	// Info command
	infoCmd := &cobra.Command{
		Use:   "info",
		Short: "Show device info",
		Long:  "Detect and show information about connected ESP devices.",
		Args:  cobra.NoArgs,
		RunE:  runInfo,
	}

	// Version command
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("esp-installer %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}

	// List command
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List available serial ports",
		Args:  cobra.NoArgs,
		RunE:  runList,
	}

	rootCmd.AddCommand(flashCmd, writeCmd, readCmd, eraseCmd, provisionCmd, infoCmd, versionCmd, listCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	glog.Flush()
	if err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error: "+err.Error()))
		os.Exit(1)
	}
}

func runList(cmd *cobra.Command, args []string) error {
	ports, err := transport.ListPorts()
	if err != nil {
		return err
	}

	if len(ports) == 0 {
		fmt.Println("No serial ports found")
		return nil
	}

	fmt.Println("Available serial ports:")
	for _, p := range ports {
		line := "  " + p.String()
		if p.NativeUSB() {
			line += " " + labelStyle.Render("(native USB)")
		}
		fmt.Println(line)
	}

	return nil
}
