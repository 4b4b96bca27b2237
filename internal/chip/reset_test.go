package chip

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestParseStrategy(t *testing.T) {
	tests := []struct {
		text  string
		kind  StrategyKind
		steps int
	}{
		{"D0|R1|W0.1|D1|R0|W0.05|D0", StrategySequence, 7},
		{"R0|D0|W0.1|D1|R0|W0.1|R1|D0|R1|W0.1|R0|D0", StrategySequence, 12},
		{" D1 | R0 ", StrategySequence, 2},
		{"none", StrategyNone, 0},
		{"watchdog", StrategyWatchdog, 0},
	}
	for _, tc := range tests {
		rs, err := ParseStrategy("t", tc.text)
		if err != nil {
			t.Errorf("ParseStrategy(%q) error = %v", tc.text, err)
			continue
		}
		if rs.Kind != tc.kind {
			t.Errorf("ParseStrategy(%q).Kind = %v, want %v", tc.text, rs.Kind, tc.kind)
		}
		if len(rs.Steps) != tc.steps {
			t.Errorf("ParseStrategy(%q) has %d steps, want %d", tc.text, len(rs.Steps), tc.steps)
		}
	}
}

func TestParseStrategy_Invalid(t *testing.T) {
	for _, text := range []string{"", "D", "D2", "X1", "W", "Wabc", "W-1", "D0||R1"} {
		if _, err := ParseStrategy("t", text); err == nil {
			t.Errorf("ParseStrategy(%q) expected error", text)
		}
	}
}

func TestResetStrategy_StringRoundTrip(t *testing.T) {
	const text = "D0|R1|W0.1|D1|R0|W0.05|D0"
	rs, err := ParseStrategy("classic", text)
	if err != nil {
		t.Fatalf("ParseStrategy() error = %v", err)
	}
	if got := rs.String(); got != text {
		t.Errorf("String() = %q, want %q", got, text)
	}
	if rs.Steps[2].Wait != 100*time.Millisecond {
		t.Errorf("wait = %v, want 100ms", rs.Steps[2].Wait)
	}
}

type lineRecorder struct {
	states [][2]bool
	fail   error
}

func (l *lineRecorder) SetControlLines(bootStrap, reset bool) error {
	if l.fail != nil {
		return l.fail
	}
	l.states = append(l.states, [2]bool{bootStrap, reset})
	return nil
}

func TestResetStrategy_Run(t *testing.T) {
	rs, _ := ParseStrategy("classic", "D0|R1|W0.1|D1|R0|W0.05|D0")
	lines := &lineRecorder{}
	var waited time.Duration
	sleep := func(ctx context.Context, d time.Duration) error {
		waited += d
		return nil
	}

	if err := rs.Run(context.Background(), lines, sleep); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	expected := [][2]bool{
		{false, false},
		{false, true},
		{true, true},
		{true, false},
		{false, false},
	}
	if len(lines.states) != len(expected) {
		t.Fatalf("got %d line updates, want %d: %v", len(lines.states), len(expected), lines.states)
	}
	for i := range expected {
		if lines.states[i] != expected[i] {
			t.Errorf("update %d = %v, want %v", i, lines.states[i], expected[i])
		}
	}
	if waited != 150*time.Millisecond {
		t.Errorf("waited %v, want 150ms", waited)
	}
}

func TestResetStrategy_RunPropagatesLineError(t *testing.T) {
	rs, _ := ParseStrategy("classic", "D0|R1")
	fail := errors.New("unsupported")
	err := rs.Run(context.Background(), &lineRecorder{fail: fail}, nil)
	if !errors.Is(err, fail) {
		t.Errorf("Run() error = %v, want %v", err, fail)
	}
}

func TestResetStrategy_RunNoneTouchesNothing(t *testing.T) {
	rs, _ := ParseStrategy("none", "none")
	lines := &lineRecorder{}
	if err := rs.Run(context.Background(), lines, nil); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(lines.states) != 0 {
		t.Errorf("none strategy drove lines: %v", lines.states)
	}
}

func TestSleep_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	if err := Sleep(ctx, time.Minute); !errors.Is(err, context.Canceled) {
		t.Errorf("Sleep() error = %v, want context.Canceled", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Sleep() ignored cancellation")
	}
}
