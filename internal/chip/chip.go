// Package chip holds the per-family constants the installer needs: how to
// reset a chip, whether its USB endpoint survives a mode switch, and how to
// recognise it from the bootloader.
package chip

import (
	"os"
	"slices"
	"strings"
	"time"

	"github.com/juju/errors"

	"github.com/bigbag/esp-installer/embedded"
	"github.com/bigbag/esp-installer/internal/protocol"
)

// ErrUnknownChip is returned when neither the chip ID nor the ROM magic
// value matches a known profile.
var ErrUnknownChip = errors.ConstError("unknown chip")

// MagicRegister holds a per-family constant on every supported ROM.
const MagicRegister = 0x40001000

// GenericFamily is the family of the probing profile.
const GenericFamily = "unknown"

// Watchdog describes the RTC watchdog used for a soft reset when control
// lines cannot be trusted.
type Watchdog struct {
	Base     uint32 `yaml:"base"`
	Config0  uint32 `yaml:"config0"`
	Config1  uint32 `yaml:"config1"`
	WProtect uint32 `yaml:"wprotect"`
}

// WatchdogKey unlocks the watchdog registers.
const WatchdogKey = 0x50D83AA1

// RegWrite is one register write of a soft-reset sequence.
type RegWrite struct {
	Addr  uint32
	Value uint32
}

// ResetWrites returns the register writes that arm the watchdog to reset
// the chip shortly after. The last write may be the last thing the chip
// acknowledges.
func (w Watchdog) ResetWrites() []RegWrite {
	return []RegWrite{
		{w.Base + w.WProtect, WatchdogKey},
		{w.Base + w.Config1, 2000},
		{w.Base + w.Config0, 1<<31 | 5<<28 | 1<<8 | 2},
		{w.Base + w.WProtect, 0},
	}
}

// Timings are the delays and bounds the engine uses around mode
// transitions. They were tuned per board, so each profile may carry its
// own.
type Timings struct {
	SyncTimeout    time.Duration
	SyncAttempts   int
	CommandTimeout time.Duration
	StableSettle   time.Duration
	VolatileSettle time.Duration
	ConnectRetries int
	ConnectBackoff time.Duration
}

// Settle returns the delay before the first probe after a reset.
func (t Timings) Settle(volatile bool) time.Duration {
	if volatile {
		return t.VolatileSettle
	}
	return t.StableSettle
}

// Profile is the static description of a chip family. Profiles handed out
// by a Registry are copies; callers may not share them back.
type Profile struct {
	Family  string
	Variant string

	ChipIDs []uint32
	Magic   []uint32

	Generation protocol.Generation

	// NativeUSB marks families whose built-in USB peripheral re-enumerates
	// across a mode switch when the device is attached through it.
	NativeUSB bool
	// IdentityVolatile is resolved against the open endpoint by Identify.
	IdentityVolatile bool

	ResetStrategies []ResetStrategy
	RunStrategy     ResetStrategy
	Watchdog        *Watchdog

	MaxBaudRate    int
	FlashBlockSize int
	Stub           string

	Timings Timings
}

// Generic reports whether p is the probing profile.
func (p *Profile) Generic() bool { return p.Family == GenericFamily }

func (p *Profile) String() string {
	if p.Variant != "" {
		return p.Family + "/" + p.Variant
	}
	return p.Family
}

func (p *Profile) clone() *Profile {
	c := *p
	c.ChipIDs = slices.Clone(p.ChipIDs)
	c.Magic = slices.Clone(p.Magic)
	c.ResetStrategies = slices.Clone(p.ResetStrategies)
	if p.Watchdog != nil {
		wd := *p.Watchdog
		c.Watchdog = &wd
	}
	return &c
}

// WithStrategies returns a copy of p using the given reset strategies.
func (p *Profile) WithStrategies(rs ...ResetStrategy) *Profile {
	c := p.clone()
	c.ResetStrategies = slices.Clone(rs)
	return c
}

// WithTimings returns a copy of p using t.
func (p *Profile) WithTimings(t Timings) *Profile {
	c := p.clone()
	c.Timings = t
	return c
}

// Registry is an immutable set of profiles.
type Registry struct {
	generic  *Profile
	profiles []*Profile
}

// NewRegistry builds a registry from already parsed profiles.
func NewRegistry(generic *Profile, profiles ...*Profile) *Registry {
	r := &Registry{generic: generic.clone()}
	for _, p := range profiles {
		r.profiles = append(r.profiles, p.clone())
	}
	return r
}

// Generic returns the probing profile used before identification.
func (r *Registry) Generic() *Profile { return r.generic.clone() }

// Families lists the known families in table order.
func (r *Registry) Families() []string {
	names := make([]string, 0, len(r.profiles))
	for _, p := range r.profiles {
		names = append(names, p.Family)
	}
	return names
}

// Lookup finds a profile by family name, case-insensitively.
func (r *Registry) Lookup(family string) (*Profile, error) {
	for _, p := range r.profiles {
		if strings.EqualFold(p.Family, family) {
			return p.clone(), nil
		}
	}
	return nil, errors.Annotatef(ErrUnknownChip, "family %q", family)
}

// ByChipID matches the ID reported by GET_SECURITY_INFO.
func (r *Registry) ByChipID(id uint32) (*Profile, bool) {
	for _, p := range r.profiles {
		if slices.Contains(p.ChipIDs, id) {
			return p.clone(), true
		}
	}
	return nil, false
}

// ByMagic matches the value of MagicRegister.
func (r *Registry) ByMagic(magic uint32) (*Profile, bool) {
	for _, p := range r.profiles {
		if slices.Contains(p.Magic, magic) {
			return p.clone(), true
		}
	}
	return nil, false
}

// Default loads the embedded profile table.
func Default() (*Registry, error) {
	return Parse(embedded.Profiles())
}

// Load loads the embedded table and applies the overlay file at path, if
// path is not empty.
func Load(path string) (*Registry, error) {
	if path == "" {
		return Default()
	}
	overlay, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to read profile overlay")
	}
	r, err := Parse(embedded.Profiles(), overlay)
	return r, errors.Annotatef(err, "%s", path)
}
