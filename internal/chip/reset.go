package chip

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"
)

// StrategyKind selects how a reset strategy is carried out.
type StrategyKind int

const (
	// StrategySequence toggles the control lines.
	StrategySequence StrategyKind = iota
	// StrategyNone leaves the device alone; it is expected to be in the
	// bootloader already.
	StrategyNone
	// StrategyWatchdog arms the RTC watchdog through register writes.
	// It needs a live loader session.
	StrategyWatchdog
)

func (k StrategyKind) String() string {
	switch k {
	case StrategyNone:
		return "none"
	case StrategyWatchdog:
		return "watchdog"
	default:
		return "sequence"
	}
}

// Step is one element of a control-line sequence.
type Step struct {
	// Line is 'D' (boot-strap) or 'R' (reset), or 'W' for a wait.
	Line   byte
	Assert bool
	Wait   time.Duration
}

func (s Step) String() string {
	if s.Line == 'W' {
		return "W" + strconv.FormatFloat(s.Wait.Seconds(), 'f', -1, 64)
	}
	if s.Assert {
		return string(s.Line) + "1"
	}
	return string(s.Line) + "0"
}

// ResetStrategy is a named way of bringing the chip into a known mode.
type ResetStrategy struct {
	Name  string
	Kind  StrategyKind
	Steps []Step
}

func (r ResetStrategy) String() string {
	if r.Kind != StrategySequence {
		return r.Kind.String()
	}
	parts := make([]string, len(r.Steps))
	for i, s := range r.Steps {
		parts[i] = s.String()
	}
	return strings.Join(parts, "|")
}

// ParseStrategy parses "none", "watchdog" or a sequence such as
// "D0|R1|W0.1|D1|R0|W0.05|D0".
func ParseStrategy(name, text string) (ResetStrategy, error) {
	text = strings.TrimSpace(text)
	switch text {
	case "none":
		return ResetStrategy{Name: name, Kind: StrategyNone}, nil
	case "watchdog":
		return ResetStrategy{Name: name, Kind: StrategyWatchdog}, nil
	case "":
		return ResetStrategy{}, errors.Errorf("reset strategy %q: empty sequence", name)
	}

	rs := ResetStrategy{Name: name, Kind: StrategySequence}
	for i, tok := range strings.Split(text, "|") {
		tok = strings.TrimSpace(tok)
		if len(tok) < 2 {
			return ResetStrategy{}, errors.Errorf("reset strategy %q: step %d: %q is too short", name, i, tok)
		}
		arg := tok[1:]
		switch line := tok[0]; line {
		case 'D', 'R':
			if arg != "0" && arg != "1" {
				return ResetStrategy{}, errors.Errorf("reset strategy %q: step %d: line level must be 0 or 1, got %q", name, i, arg)
			}
			rs.Steps = append(rs.Steps, Step{Line: line, Assert: arg == "1"})
		case 'W':
			secs, err := strconv.ParseFloat(arg, 64)
			if err != nil || secs < 0 {
				return ResetStrategy{}, errors.Errorf("reset strategy %q: step %d: bad wait %q", name, i, arg)
			}
			rs.Steps = append(rs.Steps, Step{Line: 'W', Wait: time.Duration(secs * float64(time.Second))})
		default:
			return ResetStrategy{}, errors.Errorf("reset strategy %q: step %d: unknown step %q", name, i, tok)
		}
	}
	return rs, nil
}

// LineSetter is the part of a transport a sequence drives.
type LineSetter interface {
	SetControlLines(assertBootStrap, assertReset bool) error
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the default SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run plays a sequence strategy on lines. Both lines start deasserted.
// Other kinds are a no-op here.
func (r ResetStrategy) Run(ctx context.Context, lines LineSetter, sleep SleepFunc) error {
	if r.Kind != StrategySequence {
		return nil
	}
	if sleep == nil {
		sleep = Sleep
	}
	var bootStrap, reset bool
	for _, s := range r.Steps {
		switch s.Line {
		case 'D':
			bootStrap = s.Assert
		case 'R':
			reset = s.Assert
		case 'W':
			if err := sleep(ctx, s.Wait); err != nil {
				return errors.Trace(err)
			}
			continue
		}
		if err := lines.SetControlLines(bootStrap, reset); err != nil {
			return errors.Annotatef(err, "reset strategy %s: step %s", r.Name, s)
		}
	}
	return nil
}

// Describe is a short label for logs.
func (r ResetStrategy) Describe() string {
	return fmt.Sprintf("%s (%s)", r.Name, r)
}
