package chip

import (
	"strings"
	"time"

	"github.com/juju/errors"
	yaml "gopkg.in/yaml.v2"

	"github.com/bigbag/esp-installer/internal/protocol"
)

type tableYAML struct {
	Sequences map[string]string `yaml:"sequences"`
	Generic   *profileYAML      `yaml:"generic"`
	Profiles  []*profileYAML    `yaml:"profiles"`
}

type profileYAML struct {
	Family           string      `yaml:"family"`
	Variant          string      `yaml:"variant"`
	ChipIDs          []uint32    `yaml:"chip_ids"`
	Magic            []uint32    `yaml:"magic"`
	Generation       string      `yaml:"generation"`
	NativeUSB        *bool       `yaml:"native_usb"`
	IdentityVolatile *bool       `yaml:"identity_volatile"`
	MaxBaud          int         `yaml:"max_baud"`
	FlashBlockSize   int         `yaml:"flash_block_size"`
	Stub             string      `yaml:"stub"`
	Reset            []string    `yaml:"reset"`
	Run              string      `yaml:"run"`
	Watchdog         *Watchdog   `yaml:"watchdog"`
	Timings          timingsYAML `yaml:"timings"`
}

type timingsYAML struct {
	SyncTimeoutMS    int `yaml:"sync_timeout_ms"`
	SyncAttempts     int `yaml:"sync_attempts"`
	CommandTimeoutMS int `yaml:"command_timeout_ms"`
	StableSettleMS   int `yaml:"stable_settle_ms"`
	VolatileSettleMS int `yaml:"volatile_settle_ms"`
	ConnectRetries   int `yaml:"connect_retries"`
	ConnectBackoffMS int `yaml:"connect_backoff_ms"`
}

// Parse builds a registry from a base table followed by overlays. An
// overlay entry replaces the fields it sets on the profile of the same
// family and adds families the base does not know.
func Parse(base []byte, overlays ...[]byte) (*Registry, error) {
	var table tableYAML
	if err := yaml.UnmarshalStrict(base, &table); err != nil {
		return nil, errors.Annotatef(err, "invalid profile table")
	}
	for i, data := range overlays {
		var ov tableYAML
		if err := yaml.UnmarshalStrict(data, &ov); err != nil {
			return nil, errors.Annotatef(err, "invalid profile overlay %d", i)
		}
		table.merge(&ov)
	}
	return table.build()
}

func (t *tableYAML) merge(ov *tableYAML) {
	if t.Sequences == nil {
		t.Sequences = map[string]string{}
	}
	for name, seq := range ov.Sequences {
		t.Sequences[name] = seq
	}
	if ov.Generic != nil {
		if t.Generic == nil {
			t.Generic = &profileYAML{}
		}
		t.Generic.merge(ov.Generic)
	}
	for _, op := range ov.Profiles {
		found := false
		for _, p := range t.Profiles {
			if strings.EqualFold(p.Family, op.Family) && p.Variant == op.Variant {
				p.merge(op)
				found = true
				break
			}
		}
		if !found {
			t.Profiles = append(t.Profiles, op)
		}
	}
}

func (p *profileYAML) merge(o *profileYAML) {
	if o.ChipIDs != nil {
		p.ChipIDs = o.ChipIDs
	}
	if o.Magic != nil {
		p.Magic = o.Magic
	}
	if o.Generation != "" {
		p.Generation = o.Generation
	}
	if o.NativeUSB != nil {
		p.NativeUSB = o.NativeUSB
	}
	if o.IdentityVolatile != nil {
		p.IdentityVolatile = o.IdentityVolatile
	}
	if o.MaxBaud != 0 {
		p.MaxBaud = o.MaxBaud
	}
	if o.FlashBlockSize != 0 {
		p.FlashBlockSize = o.FlashBlockSize
	}
	if o.Stub != "" {
		p.Stub = o.Stub
	}
	if o.Reset != nil {
		p.Reset = o.Reset
	}
	if o.Run != "" {
		p.Run = o.Run
	}
	if o.Watchdog != nil {
		p.Watchdog = o.Watchdog
	}
	p.Timings.merge(&o.Timings)
}

func (t *timingsYAML) merge(o *timingsYAML) {
	set := func(dst *int, v int) {
		if v != 0 {
			*dst = v
		}
	}
	set(&t.SyncTimeoutMS, o.SyncTimeoutMS)
	set(&t.SyncAttempts, o.SyncAttempts)
	set(&t.CommandTimeoutMS, o.CommandTimeoutMS)
	set(&t.StableSettleMS, o.StableSettleMS)
	set(&t.VolatileSettleMS, o.VolatileSettleMS)
	set(&t.ConnectRetries, o.ConnectRetries)
	set(&t.ConnectBackoffMS, o.ConnectBackoffMS)
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func (t *timingsYAML) timings() Timings {
	return Timings{
		SyncTimeout:    ms(t.SyncTimeoutMS),
		SyncAttempts:   t.SyncAttempts,
		CommandTimeout: ms(t.CommandTimeoutMS),
		StableSettle:   ms(t.StableSettleMS),
		VolatileSettle: ms(t.VolatileSettleMS),
		ConnectRetries: t.ConnectRetries,
		ConnectBackoff: ms(t.ConnectBackoffMS),
	}
}

func parseGeneration(s string) (protocol.Generation, error) {
	switch s {
	case "":
		return protocol.GenUnknown, nil
	case "legacy":
		return protocol.GenLegacy, nil
	case "rom":
		return protocol.GenModern, nil
	}
	return protocol.GenUnknown, errors.Errorf("unknown generation %q", s)
}

func (t *tableYAML) strategy(name string) (ResetStrategy, error) {
	if seq, ok := t.Sequences[name]; ok {
		return ParseStrategy(name, seq)
	}
	return ParseStrategy(name, name)
}

func (t *tableYAML) build() (*Registry, error) {
	if t.Generic == nil {
		return nil, errors.New("profile table has no generic profile")
	}
	t.Generic.Family = GenericFamily
	generic, err := t.buildProfile(t.Generic, nil)
	if err != nil {
		return nil, errors.Annotatef(err, "generic profile")
	}
	if generic.Timings.SyncAttempts <= 0 || generic.Timings.SyncTimeout <= 0 || generic.Timings.CommandTimeout <= 0 {
		return nil, errors.New("generic profile must set sync and command timings")
	}

	r := &Registry{generic: generic}
	seen := map[string]bool{}
	for _, py := range t.Profiles {
		if py.Family == "" {
			return nil, errors.New("profile without family")
		}
		key := strings.ToLower(py.Family + "/" + py.Variant)
		if seen[key] {
			return nil, errors.Errorf("duplicate profile %s", key)
		}
		seen[key] = true
		p, err := t.buildProfile(py, t.Generic)
		if err != nil {
			return nil, errors.Annotatef(err, "profile %s", py.Family)
		}
		r.profiles = append(r.profiles, p)
	}
	return r, nil
}

// buildProfile turns py into a Profile; unset fields come from generic.
func (t *tableYAML) buildProfile(py, generic *profileYAML) (*Profile, error) {
	merged := profileYAML{}
	if generic != nil {
		merged = *generic
		merged.Watchdog = nil
		merged.NativeUSB = nil
		merged.IdentityVolatile = nil
	}
	merged.Family = py.Family
	merged.Variant = py.Variant
	merged.merge(py)

	gen, err := parseGeneration(merged.Generation)
	if err != nil {
		return nil, err
	}
	p := &Profile{
		Family:         merged.Family,
		Variant:        merged.Variant,
		ChipIDs:        merged.ChipIDs,
		Magic:          merged.Magic,
		Generation:     gen,
		MaxBaudRate:    merged.MaxBaud,
		FlashBlockSize: merged.FlashBlockSize,
		Stub:           merged.Stub,
		Watchdog:       merged.Watchdog,
		Timings:        merged.Timings.timings(),
	}
	if p.FlashBlockSize == 0 {
		p.FlashBlockSize = protocol.ROMFlashBlockSize
	}
	if merged.NativeUSB != nil {
		p.NativeUSB = *merged.NativeUSB
	}
	if merged.IdentityVolatile != nil {
		p.IdentityVolatile = *merged.IdentityVolatile
	}

	if len(merged.Reset) == 0 {
		return nil, errors.New("no reset strategies")
	}
	for _, name := range merged.Reset {
		rs, err := t.strategy(name)
		if err != nil {
			return nil, err
		}
		if rs.Kind == StrategyWatchdog && p.Watchdog == nil {
			return nil, errors.Errorf("reset strategy %s needs watchdog registers", name)
		}
		p.ResetStrategies = append(p.ResetStrategies, rs)
	}
	if merged.Run != "" {
		if p.RunStrategy, err = t.strategy(merged.Run); err != nil {
			return nil, err
		}
	}
	return p, nil
}
