package chip

import (
	"context"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/bigbag/esp-installer/internal/protocol"
	"github.com/bigbag/esp-installer/internal/transport"
)

// Prober is the read-only slice of a synchronized loader session Identify
// needs.
type Prober interface {
	SecurityInfo(ctx context.Context) (*protocol.SecurityInfo, error)
	ReadReg(ctx context.Context, addr uint32) (uint32, error)
}

// Identify resolves the profile of the chip behind p. The chip ID reported
// by GET_SECURITY_INFO is tried first; older ROMs do not implement it or
// report no ID, in which case the ROM magic register decides. The endpoint
// the chip was reached through settles identity volatility for native-USB
// families.
func (r *Registry) Identify(ctx context.Context, p Prober, endpoint transport.Identity) (*Profile, error) {
	profile, err := r.identify(ctx, p)
	if err != nil {
		return nil, err
	}
	if profile.NativeUSB && endpoint.NativeUSB() {
		profile.IdentityVolatile = true
	}
	glog.Infof("identified %s on %s (volatile endpoint: %v)", profile, endpoint, profile.IdentityVolatile)
	return profile, nil
}

func (r *Registry) identify(ctx context.Context, p Prober) (*Profile, error) {
	info, err := p.SecurityInfo(ctx)
	switch {
	case err != nil:
		if ctx.Err() != nil {
			return nil, errors.Trace(ctx.Err())
		}
		glog.V(1).Infof("security info unavailable, using ROM magic: %v", err)
	case !info.HasChipID:
		glog.V(1).Infof("security info carries no chip ID, using ROM magic")
	default:
		if profile, ok := r.ByChipID(info.ChipID); ok {
			return profile, nil
		}
		glog.Warningf("unrecognized chip ID %d, using ROM magic", info.ChipID)
	}

	magic, err := p.ReadReg(ctx, MagicRegister)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to read chip magic")
	}
	if profile, ok := r.ByMagic(magic); ok {
		return profile, nil
	}
	return nil, errors.Annotatef(ErrUnknownChip, "magic value 0x%08x", magic)
}
