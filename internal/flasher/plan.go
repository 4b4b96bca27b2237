package flasher

import (
	"slices"
	"strings"

	"github.com/juju/errors"

	"github.com/bigbag/esp-installer/internal/chip"
)

// ErrInvalidPlan is returned for plans that cannot be written as given.
const ErrInvalidPlan = errors.ConstError("invalid flash plan")

// Region is one payload and the flash offset it goes to.
type Region struct {
	Offset uint32
	Data   []byte
	Name   string
}

func (r Region) end() uint32 { return r.Offset + uint32(len(r.Data)) }

// Plan is what a flash session writes. It is not modified once built.
type Plan struct {
	Regions    []Region
	EraseFirst bool
	// BaudRate is the rate to write at; zero keeps the current one.
	BaudRate int
	// Family restricts the plan to one chip family. Empty accepts any.
	Family string
}

// Size is the number of payload bytes in the plan.
func (p *Plan) Size() int {
	n := 0
	for _, r := range p.Regions {
		n += len(r.Data)
	}
	return n
}

// Validate checks the plan against itself and the chip it is written to.
func (p *Plan) Validate(profile *chip.Profile) error {
	if p.Family != "" && (profile == nil || !strings.EqualFold(p.Family, profile.Family)) {
		return errors.Annotatef(ErrInvalidPlan, "plan is for %s, device is %s", p.Family, profile)
	}
	sorted := slices.Clone(p.Regions)
	slices.SortFunc(sorted, func(a, b Region) int {
		switch {
		case a.Offset < b.Offset:
			return -1
		case a.Offset > b.Offset:
			return 1
		}
		return 0
	})
	for i, r := range sorted {
		if len(r.Data) == 0 {
			return errors.Annotatef(ErrInvalidPlan, "region %s @ 0x%x is empty", r.Name, r.Offset)
		}
		if r.end() < r.Offset {
			return errors.Annotatef(ErrInvalidPlan, "region %s @ 0x%x wraps around", r.Name, r.Offset)
		}
		if i > 0 && sorted[i-1].end() > r.Offset {
			prev := sorted[i-1]
			return errors.Annotatef(ErrInvalidPlan, "region %s [0x%x, 0x%x) overlaps %s [0x%x, 0x%x)",
				r.Name, r.Offset, r.end(), prev.Name, prev.Offset, prev.end())
		}
	}
	return nil
}
