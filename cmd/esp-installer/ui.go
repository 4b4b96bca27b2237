package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/juju/errors"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/bigbag/esp-installer/internal/install"
)

var (
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	valueStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
)

// stdin is the one buffered reader every prompt reads from.
var stdin = bufio.NewReader(os.Stdin)

func newBar(total int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionThrottle(100),
		progressbar.OptionClearOnFinish(),
	)
}

// installView renders installer states on the terminal.
type installView struct {
	bar *progressbar.ProgressBar
}

func (v *installView) onState(s install.State) {
	switch s.Phase {
	case install.PhaseInitializing:
		fmt.Println(labelStyle.Render("Initializing..."))
	case install.PhasePreparing:
		fmt.Printf("Preparing %s for %s\n", s.Message, valueStyle.Render(s.Chip))
	case install.PhaseErasing:
		fmt.Println("Erasing flash (this can take a while)...")
	case install.PhaseWriting:
		if v.bar == nil {
			v.bar = newBar(s.BytesTotal, "Writing")
		}
		v.bar.Set(s.BytesWritten)
	case install.PhaseFinished:
		v.finishBar()
		fmt.Println(okStyle.Render("Installation complete!"))
		if s.Message != "" {
			fmt.Println(warnStyle.Render(s.Message))
		}
	case install.PhaseError:
		v.finishBar()
		fmt.Println(errorStyle.Render(fmt.Sprintf("Installation failed (%s)", s.Kind)))
	}
}

func (v *installView) finishBar() {
	if v.bar != nil {
		v.bar.Finish()
		v.bar = nil
		fmt.Println()
	}
}

// readPassword prompts for a password without echo when stdin is a
// terminal.
func readPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	if term.IsTerminal(int(os.Stdin.Fd())) {
		pw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", errors.Annotatef(err, "failed to read password")
		}
		return string(pw), nil
	}
	line, err := stdin.ReadString('\n')
	if err != nil && line == "" {
		return "", errors.Annotatef(err, "failed to read password")
	}
	return strings.TrimRight(line, "\r\n"), nil
}
