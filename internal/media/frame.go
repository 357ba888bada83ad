// Package media defines the frame, timing and PCM types that flow through
// the receive pipeline, from the transport callback through decode and
// channel reassembly to the output ring.
package media

// Default buffer sizes shared by the frame pool (producer side) and the
// output ring (consumer side). Sized for ~80ms of 10ms SDUs on two BIS
// and ~60ms of 48kHz stereo output.
const (
	DefaultPoolSize     = 16
	DefaultSlotSize     = 1024
	DefaultRingCapacity = 48000 * 2 * 2 * 60 / 1000
)

// FrameFlags carries the per-SDU status reported by the transport.
type FrameFlags uint8

// Receive status bits. Valid is the zero value so an unflagged frame is
// treated as good.
const (
	FlagValid FrameFlags = 0
	FlagError FrameFlags = 1 << 0
	FlagLost  FrameFlags = 1 << 1
)

// Damaged reports whether the transport flagged the SDU as erroneous or lost.
func (f FrameFlags) Damaged() bool {
	return f&(FlagError|FlagLost) != 0
}

// TimingInfo is the receive metadata delivered with every SDU.
type TimingInfo struct {
	Flags     FrameFlags
	Timestamp uint32 // µs, SDU synchronization reference, wraps at 2^32
	Sequence  uint16
}

// Role identifies which output position a decoded channel frame fills.
type Role uint8

// Channel roles used by reassembly.
const (
	RoleMono Role = iota
	RoleLeft
	RoleRight
)

func (r Role) String() string {
	switch r {
	case RoleLeft:
		return "left"
	case RoleRight:
		return "right"
	default:
		return "mono"
	}
}

// Location is an audio channel allocation bitmask. Zero means mono.
type Location uint32

// Audio locations that map onto the two output positions.
const (
	LocationMono             Location = 0
	LocationFrontLeft        Location = 1 << 0
	LocationFrontRight       Location = 1 << 1
	LocationFrontCenter      Location = 1 << 2
	LocationBackLeft         Location = 1 << 4
	LocationBackRight        Location = 1 << 5
	LocationFrontLeftCenter  Location = 1 << 6
	LocationFrontRightCenter Location = 1 << 7
	LocationSideLeft         Location = 1 << 10
	LocationSideRight        Location = 1 << 11

	leftLocations  = LocationFrontLeft | LocationBackLeft | LocationFrontLeftCenter | LocationSideLeft
	rightLocations = LocationFrontRight | LocationBackRight | LocationFrontRightCenter | LocationSideRight
)

// Channels returns the number of channels the allocation carries, at least one.
func (l Location) Channels() int {
	n := 0
	for v := uint32(l); v != 0; v &= v - 1 {
		n++
	}
	if n == 0 {
		return 1
	}
	return n
}

// Roles expands the allocation into one Role per carried channel, in
// ascending bit order, which is the order channels appear in an SDU.
func (l Location) Roles() []Role {
	if l == LocationMono {
		return []Role{RoleMono}
	}
	roles := make([]Role, 0, l.Channels())
	for bit := uint(0); bit < 32; bit++ {
		loc := Location(1) << bit
		if l&loc == 0 {
			continue
		}
		switch {
		case loc&leftLocations != 0:
			roles = append(roles, RoleLeft)
		case loc&rightLocations != 0:
			roles = append(roles, RoleRight)
		default:
			roles = append(roles, RoleMono)
		}
	}
	return roles
}

// StereoBlock is one interleaved L/R block of 16-bit PCM ready for output.
type StereoBlock []int16

// Frames returns the number of stereo sample pairs in the block.
func (b StereoBlock) Frames() int {
	return len(b) / 2
}
