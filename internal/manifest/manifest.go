// Package manifest reads firmware descriptors in the ESP Web Tools
// manifest layout and turns the build matching a chip into a flash plan.
package manifest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"
	yaml "gopkg.in/yaml.v2"

	"github.com/bigbag/esp-installer/internal/chip"
	"github.com/bigbag/esp-installer/internal/device"
	"github.com/bigbag/esp-installer/internal/flasher"
)

// Part is one artifact and the flash offset it is written to. Path is
// relative to the manifest unless it is absolute or a URL.
type Part struct {
	Path   string `json:"path" yaml:"path"`
	Offset uint32 `json:"offset" yaml:"offset"`
}

// Build is the firmware for one chip family, and optionally one variant
// of it.
type Build struct {
	ChipFamily  string `json:"chipFamily" yaml:"chipFamily"`
	ChipVariant string `json:"chipVariant,omitempty" yaml:"chipVariant,omitempty"`
	Improv      bool   `json:"improv,omitempty" yaml:"improv,omitempty"`
	Parts       []Part `json:"parts" yaml:"parts"`
}

func (b *Build) String() string {
	if b.ChipVariant != "" {
		return b.ChipFamily + "/" + b.ChipVariant
	}
	return b.ChipFamily
}

// Manifest describes a firmware release.
type Manifest struct {
	Name    string `json:"name" yaml:"name"`
	Version string `json:"version" yaml:"version"`

	// NewInstallPromptErase asks the operator whether to erase the
	// flash before installing.
	NewInstallPromptErase bool `json:"new_install_prompt_erase,omitempty" yaml:"new_install_prompt_erase,omitempty"`
	// NewInstallImprovWaitTime is how long, in seconds, freshly flashed
	// firmware may take before it answers Improv. Zero turns the
	// provisioning offer off.
	NewInstallImprovWaitTime *int `json:"new_install_improv_wait_time,omitempty" yaml:"new_install_improv_wait_time,omitempty"`

	Builds []Build `json:"builds" yaml:"builds"`

	// location is where the manifest came from; parts resolve against it.
	location string
}

// DefaultImprovWait is the start-up allowance for Improv firmware when the
// manifest sets none.
const DefaultImprovWait = 10 * time.Second

// ImprovWait reports whether firmware installed from b is offered Improv
// provisioning and how long it gets to start answering. An explicit
// wait time offers it for every build.
func (m *Manifest) ImprovWait(b *Build) (time.Duration, bool) {
	if m.NewInstallImprovWaitTime != nil {
		secs := *m.NewInstallImprovWaitTime
		return time.Duration(secs) * time.Second, secs > 0
	}
	return DefaultImprovWait, b.Improv
}

// NoMatchingBuildError is returned when no build fits the chip.
type NoMatchingBuildError struct {
	Family    string
	Variant   string
	Available []string
}

func (e *NoMatchingBuildError) Error() string {
	target := e.Family
	if e.Variant != "" {
		target += "/" + e.Variant
	}
	return fmt.Sprintf("%s for %s (manifest has %s)", device.ErrNoMatchingBuild, target, strings.Join(e.Available, ", "))
}

func (e *NoMatchingBuildError) Unwrap() error { return device.ErrNoMatchingBuild }

// Parse decodes a manifest in JSON or YAML. location is used to resolve
// relative part paths.
func Parse(data []byte, location string) (*Manifest, error) {
	m := &Manifest{location: location}
	var err error
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
		err = json.Unmarshal(data, m)
	} else {
		err = yaml.Unmarshal(data, m)
	}
	if err != nil {
		return nil, errors.Annotatef(err, "invalid manifest %s", location)
	}
	if len(m.Builds) == 0 {
		return nil, errors.Errorf("manifest %s has no builds", location)
	}
	for i, b := range m.Builds {
		if b.ChipFamily == "" {
			return nil, errors.Errorf("manifest %s: build %d has no chipFamily", location, i)
		}
		if len(b.Parts) == 0 {
			return nil, errors.Errorf("manifest %s: build %s has no parts", location, &m.Builds[i])
		}
	}
	return m, nil
}

// Load reads a manifest from a file or an http(s) URL.
func Load(ctx context.Context, location string) (*Manifest, error) {
	data, err := Fetch(ctx, location)
	if err != nil {
		return nil, err
	}
	return Parse(data, location)
}

// Location is where the manifest was loaded from.
func (m *Manifest) Location() string { return m.location }

// SelectBuild returns the build for profile. A build naming a variant
// only matches that variant; a build without one matches any. An exact
// variant match wins over a family-only one, otherwise the first
// matching build in the manifest wins.
func (m *Manifest) SelectBuild(profile *chip.Profile) (*Build, error) {
	var fallback *Build
	for i := range m.Builds {
		b := &m.Builds[i]
		if !strings.EqualFold(b.ChipFamily, profile.Family) {
			continue
		}
		switch {
		case b.ChipVariant == "":
			if fallback == nil {
				fallback = b
			}
		case strings.EqualFold(b.ChipVariant, profile.Variant):
			return b, nil
		}
	}
	if fallback != nil {
		return fallback, nil
	}
	e := &NoMatchingBuildError{Family: profile.Family, Variant: profile.Variant}
	for i := range m.Builds {
		e.Available = append(e.Available, m.Builds[i].String())
	}
	return nil, e
}

// Plan fetches the parts of b and lays them out as a flash plan.
func (m *Manifest) Plan(ctx context.Context, b *Build, eraseFirst bool) (*flasher.Plan, error) {
	plan := &flasher.Plan{Family: b.ChipFamily, EraseFirst: eraseFirst}
	for _, p := range b.Parts {
		ref, err := Resolve(m.location, p.Path)
		if err != nil {
			return nil, err
		}
		data, err := Fetch(ctx, ref)
		if err != nil {
			return nil, errors.Annotatef(err, "part %s", p.Path)
		}
		glog.V(1).Infof("part %s: %d bytes @ 0x%x", p.Path, len(data), p.Offset)
		plan.Regions = append(plan.Regions, flasher.Region{Offset: p.Offset, Data: data, Name: p.Path})
	}
	return plan, nil
}
