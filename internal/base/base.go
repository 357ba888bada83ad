// Package base parses the Broadcast Audio Source Endpoint (BASE) structure
// carried in a source's periodic advertising and resolves a controller's
// per-subgroup sync request into the set of BIS the receiver should
// synchronize to.
//
// The central types are [BASE], produced by [Parse] and [ParseServiceData],
// and the [Resolve] function.
package base

import (
	"time"

	"github.com/zsiec/broadcastsink/internal/media"
)

// Coding formats from the assigned numbers list that matter to a receiver.
const (
	CodingFormatLinearPCM uint8 = 0x04
	CodingFormatLC3       uint8 = 0x06
	CodingFormatVendor    uint8 = 0xFF
)

// MaxBISIndex is the highest BIS index a BIG can carry.
const MaxBISIndex = 31

// CodecID identifies the codec a subgroup is encoded with.
type CodecID struct {
	Format    uint8
	CompanyID uint16
	VendorID  uint16
}

// IsLC3 reports whether the codec is standard LC3.
func (c CodecID) IsLC3() bool {
	return c.Format == CodingFormatLC3
}

// CodecConfig holds the codec-specific configuration values the receive
// pipeline needs. Zero values mean "not present at this level".
type CodecConfig struct {
	Frequency      int
	FrameDuration  time.Duration
	Allocation     media.Location
	HasAllocation  bool
	OctetsPerFrame int
	BlocksPerSDU   int
}

// Channels returns the channel count implied by the allocation.
func (c CodecConfig) Channels() int {
	return c.Allocation.Channels()
}

// Blocks returns the number of codec frame blocks per SDU, defaulting to one.
func (c CodecConfig) Blocks() int {
	if c.BlocksPerSDU <= 0 {
		return 1
	}
	return c.BlocksPerSDU
}

// SDUSize is the payload length a valid SDU with this configuration has.
func (c CodecConfig) SDUSize() int {
	return c.OctetsPerFrame * c.Channels() * c.Blocks()
}

// Valid reports whether the configuration is complete enough to decode.
func (c CodecConfig) Valid() bool {
	return c.Frequency > 0 && c.FrameDuration > 0 && c.OctetsPerFrame > 0
}

// SamplesPerFrame is the PCM sample count one codec frame decodes to.
func (c CodecConfig) SamplesPerFrame() int {
	return int(int64(c.Frequency) * int64(c.FrameDuration) / int64(time.Second))
}

// Override returns c with every value present in over replacing its own.
// BIS-level configuration overrides the subgroup level this way.
func (c CodecConfig) Override(over CodecConfig) CodecConfig {
	if over.Frequency != 0 {
		c.Frequency = over.Frequency
	}
	if over.FrameDuration != 0 {
		c.FrameDuration = over.FrameDuration
	}
	if over.HasAllocation {
		c.Allocation = over.Allocation
		c.HasAllocation = true
	}
	if over.OctetsPerFrame != 0 {
		c.OctetsPerFrame = over.OctetsPerFrame
	}
	if over.BlocksPerSDU != 0 {
		c.BlocksPerSDU = over.BlocksPerSDU
	}
	return c
}

// Metadata is the subset of subgroup metadata a receiver reports.
type Metadata struct {
	PreferredContexts uint16
	StreamingContexts uint16
	ProgramInfo       string
	Language          string
}

// BIS is one broadcast isochronous stream entry. Config holds only the
// values signalled at BIS level.
type BIS struct {
	Index  uint8
	Config CodecConfig
}

// Bit returns the sync bitmask bit for this BIS (bit n-1 for index n).
func (b BIS) Bit() uint32 {
	return 1 << (b.Index - 1)
}

// Subgroup groups BIS sharing a codec configuration.
type Subgroup struct {
	Codec    CodecID
	Config   CodecConfig
	Metadata Metadata
	BIS      []BIS
}

// Bitmask returns the bits of every BIS in the subgroup.
func (s Subgroup) Bitmask() uint32 {
	var mask uint32
	for _, b := range s.BIS {
		mask |= b.Bit()
	}
	return mask
}

// Effective returns the configuration that applies to b: the subgroup
// level overridden by BIS-level values.
func (s Subgroup) Effective(b BIS) CodecConfig {
	return s.Config.Override(b.Config)
}

// BASE is a parsed Broadcast Audio Source Endpoint structure.
type BASE struct {
	PresentationDelay time.Duration
	Subgroups         []Subgroup
}

// Bitmask returns the bits of every BIS the BASE announces.
func (b *BASE) Bitmask() uint32 {
	var mask uint32
	for _, sg := range b.Subgroups {
		mask |= sg.Bitmask()
	}
	return mask
}

// Lookup finds a BIS by index and returns its subgroup position, codec and
// effective configuration.
func (b *BASE) Lookup(index uint8) (int, CodecID, CodecConfig, bool) {
	for i, sg := range b.Subgroups {
		for _, bis := range sg.BIS {
			if bis.Index == index {
				return i, sg.Codec, sg.Effective(bis), true
			}
		}
	}
	return 0, CodecID{}, CodecConfig{}, false
}

// BISCount returns the total number of BIS entries.
func (b *BASE) BISCount() int {
	n := 0
	for _, sg := range b.Subgroups {
		n += len(sg.BIS)
	}
	return n
}
