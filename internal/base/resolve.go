package base

import (
	"fmt"
	"math/bits"

	"github.com/zsiec/broadcastsink/internal/media"
)

// NoPreference is the per-subgroup request value meaning "any BIS".
const NoPreference uint32 = 0xFFFFFFFF

// SyncRequest holds one requested BIS bitmask per subgroup, in BASE order.
type SyncRequest []uint32

// DefaultRequest returns a request with NoPreference for every subgroup,
// used when no controller has asked for anything.
func DefaultRequest(b *BASE) SyncRequest {
	req := make(SyncRequest, len(b.Subgroups))
	for i := range req {
		req[i] = NoPreference
	}
	return req
}

// Empty reports whether the request selects nothing at all.
func (r SyncRequest) Empty() bool {
	for _, m := range r {
		if m != 0 {
			return false
		}
	}
	return true
}

// Preference names the channel layout the receiver wants to end up with.
type Preference uint8

// Channel preferences.
const (
	PreferNone Preference = iota
	PreferLeft
	PreferRight
	PreferStereo
	PreferMono
)

// ParsePreference maps a config string onto a Preference.
func ParsePreference(s string) (Preference, error) {
	switch s {
	case "", "none":
		return PreferNone, nil
	case "left":
		return PreferLeft, nil
	case "right":
		return PreferRight, nil
	case "stereo":
		return PreferStereo, nil
	case "mono":
		return PreferMono, nil
	}
	return PreferNone, fmt.Errorf("unknown channel preference %q", s)
}

func (p Preference) String() string {
	switch p {
	case PreferLeft:
		return "left"
	case PreferRight:
		return "right"
	case PreferStereo:
		return "stereo"
	case PreferMono:
		return "mono"
	default:
		return "none"
	}
}

func (p Preference) target() media.Location {
	switch p {
	case PreferLeft:
		return media.LocationFrontLeft
	case PreferRight:
		return media.LocationFrontRight
	case PreferStereo:
		return media.LocationFrontLeft | media.LocationFrontRight
	default:
		return media.LocationMono
	}
}

// ResolveOptions tune Resolve.
type ResolveOptions struct {
	// Preference selects a channel layout; PreferNone takes the first
	// MaxStreams BIS offered.
	Preference Preference
	// MaxStreams is how many BIS the receiver can decode concurrently.
	MaxStreams int
	// Compatible reports whether a subgroup codec can be decoded. Nil
	// accepts LC3 only.
	Compatible func(CodecID) bool
}

func (o ResolveOptions) compatible(id CodecID) bool {
	if o.Compatible == nil {
		return id.IsLC3()
	}
	return o.Compatible(id)
}

// Resolve computes the BIS bitmask to synchronize to. It returns 0 and a
// sentinel error when no selection is possible. The result never contains
// a bit for a BIS the BASE does not announce.
func Resolve(b *BASE, req SyncRequest, opts ResolveOptions) (uint32, error) {
	if b == nil || len(b.Subgroups) == 0 {
		return 0, ErrNoMatch
	}
	maxStreams := opts.MaxStreams
	if maxStreams <= 0 {
		maxStreams = 1
	}

	var (
		union        uint32
		noPreference bool
		requested    bool
		compatible   bool
	)
	for i, sg := range b.Subgroups {
		if i >= len(req) || req[i] == 0 {
			continue
		}
		requested = true
		if !opts.compatible(sg.Codec) {
			continue
		}
		compatible = true

		wanted := req[i] & sg.Bitmask()
		if wanted == 0 {
			continue
		}

		if opts.Preference != PreferNone {
			if mask := matchPreference(sg, wanted, opts.Preference); mask != 0 {
				if bits.OnesCount32(mask) > maxStreams {
					return 0, ErrTooManyStreams
				}
				return mask, nil
			}
			continue
		}

		if req[i] == NoPreference {
			noPreference = true
		}
		union |= wanted
	}

	if !requested {
		return 0, ErrNoMatch
	}
	if !compatible {
		return 0, ErrNoCompatibleCodec
	}
	if union == 0 {
		return 0, ErrNoMatch
	}
	if bits.OnesCount32(union) > maxStreams {
		if !noPreference {
			return 0, ErrTooManyStreams
		}
		union = lowestBits(union, maxStreams)
	}
	return union, nil
}

// matchPreference looks inside one subgroup for BIS carrying the target
// layout: an exact single-BIS match first, then a union of partial matches
// that together cover the target.
func matchPreference(sg Subgroup, wanted uint32, pref Preference) uint32 {
	target := pref.target()

	for _, bis := range sg.BIS {
		if wanted&bis.Bit() == 0 {
			continue
		}
		if allocation(sg, bis) == target {
			return bis.Bit()
		}
	}
	if target == media.LocationMono {
		return 0
	}

	var covered media.Location
	var mask uint32
	for _, bis := range sg.BIS {
		if wanted&bis.Bit() == 0 {
			continue
		}
		alloc := allocation(sg, bis)
		if alloc&target == 0 || alloc&^covered == 0 {
			continue
		}
		covered |= alloc
		mask |= bis.Bit()
		if covered&target == target {
			return mask
		}
	}
	return 0
}

// allocation is the effective channel allocation of bis: BIS level, then
// subgroup level, then mono.
func allocation(sg Subgroup, bis BIS) media.Location {
	if bis.Config.HasAllocation {
		return bis.Config.Allocation
	}
	if sg.Config.HasAllocation {
		return sg.Config.Allocation
	}
	return media.LocationMono
}

func lowestBits(mask uint32, n int) uint32 {
	var out uint32
	for ; n > 0 && mask != 0; n-- {
		low := mask & -mask
		out |= low
		mask &^= low
	}
	return out
}
