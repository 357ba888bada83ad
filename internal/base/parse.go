package base

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/zsiec/broadcastsink/internal/media"
)

// UUIDBasicAudioAnnouncement is the 16-bit service UUID that prefixes the
// BASE in periodic advertising service data.
const UUIDBasicAudioAnnouncement uint16 = 0x1851

// Codec-specific configuration LTV types.
const (
	ltvSamplingFrequency = 0x01
	ltvFrameDuration     = 0x02
	ltvChannelAllocation = 0x03
	ltvOctetsPerFrame    = 0x04
	ltvBlocksPerSDU      = 0x05
)

// Metadata LTV types.
const (
	ltvPreferredContexts = 0x02
	ltvStreamingContexts = 0x03
	ltvProgramInfo       = 0x04
	ltvLanguage          = 0x05
)

var samplingFrequencies = map[byte]int{
	0x01: 8000,
	0x02: 11025,
	0x03: 16000,
	0x04: 22050,
	0x05: 24000,
	0x06: 32000,
	0x07: 44100,
	0x08: 48000,
	0x09: 88200,
	0x0A: 96000,
	0x0B: 176400,
	0x0C: 192000,
	0x0D: 384000,
}

var frameDurations = map[byte]time.Duration{
	0x00: 7500 * time.Microsecond,
	0x01: 10 * time.Millisecond,
}

// ParseServiceData parses service data that starts with the Basic Audio
// Announcement UUID (little-endian) followed by the BASE.
func ParseServiceData(data []byte) (*BASE, error) {
	if len(data) < 2 || binary.LittleEndian.Uint16(data) != UUIDBasicAudioAnnouncement {
		return nil, ErrNotAnnouncement
	}
	return Parse(data[2:])
}

// Parse decodes a BASE structure.
//
// Layout:
//
//	level 1: presentation_delay(3 LE) num_subgroups(1)
//	level 2: num_bis(1) codec_id(5) cc_len(1) cc(LTV) meta_len(1) meta(LTV)
//	level 3: bis_index(1) cc_len(1) cc(LTV)
//
// BIS indices must be unique across the whole structure.
func Parse(data []byte) (*BASE, error) {
	r := newByteReader(data)

	delay, err := r.readN(3)
	if err != nil {
		return nil, &ParseError{Field: "presentation_delay", Err: err}
	}
	numSubgroups, err := r.readByte()
	if err != nil {
		return nil, &ParseError{Field: "num_subgroups", Err: err}
	}
	if numSubgroups == 0 {
		return nil, &ParseError{Field: "num_subgroups", Err: ErrEmptyLevel}
	}

	b := &BASE{
		PresentationDelay: time.Duration(uint32(delay[0])|uint32(delay[1])<<8|uint32(delay[2])<<16) * time.Microsecond,
		Subgroups:         make([]Subgroup, 0, numSubgroups),
	}

	var seen uint32
	for i := 0; i < int(numSubgroups); i++ {
		sg, err := parseSubgroup(r, &seen)
		if err != nil {
			return nil, fmt.Errorf("subgroup %d: %w", i, err)
		}
		b.Subgroups = append(b.Subgroups, sg)
	}

	return b, nil
}

func parseSubgroup(r *byteReader, seen *uint32) (Subgroup, error) {
	var sg Subgroup

	numBIS, err := r.readByte()
	if err != nil {
		return sg, &ParseError{Field: "num_bis", Err: err}
	}
	if numBIS == 0 {
		return sg, &ParseError{Field: "num_bis", Err: ErrEmptyLevel}
	}

	id, err := r.readN(5)
	if err != nil {
		return sg, &ParseError{Field: "codec_id", Err: err}
	}
	sg.Codec = CodecID{
		Format:    id[0],
		CompanyID: binary.LittleEndian.Uint16(id[1:3]),
		VendorID:  binary.LittleEndian.Uint16(id[3:5]),
	}

	cc, err := r.readLengthPrefixed()
	if err != nil {
		return sg, &ParseError{Field: "codec_config", Err: err}
	}
	if sg.Config, err = parseCodecConfig(cc); err != nil {
		return sg, err
	}

	meta, err := r.readLengthPrefixed()
	if err != nil {
		return sg, &ParseError{Field: "metadata", Err: err}
	}
	if sg.Metadata, err = parseMetadata(meta); err != nil {
		return sg, err
	}

	sg.BIS = make([]BIS, 0, numBIS)
	for j := 0; j < int(numBIS); j++ {
		index, err := r.readByte()
		if err != nil {
			return sg, &ParseError{Field: "bis_index", Err: err}
		}
		if index == 0 || index > MaxBISIndex {
			return sg, &ParseError{Field: "bis_index", Err: fmt.Errorf("%w: %d", ErrInvalidBISIndex, index)}
		}
		bit := uint32(1) << (index - 1)
		if *seen&bit != 0 {
			return sg, &ParseError{Field: "bis_index", Err: fmt.Errorf("%w: %d", ErrDuplicateBIS, index)}
		}
		*seen |= bit

		bcc, err := r.readLengthPrefixed()
		if err != nil {
			return sg, &ParseError{Field: "bis_codec_config", Err: err}
		}
		cfg, err := parseCodecConfig(bcc)
		if err != nil {
			return sg, err
		}
		sg.BIS = append(sg.BIS, BIS{Index: index, Config: cfg})
	}

	return sg, nil
}

// parseCodecConfig walks codec-specific configuration LTVs. Unknown types
// are skipped; known types with the wrong length are errors.
func parseCodecConfig(data []byte) (CodecConfig, error) {
	var cfg CodecConfig
	err := walkLTV(data, func(typ byte, val []byte) error {
		switch typ {
		case ltvSamplingFrequency:
			if len(val) != 1 {
				return &ParseError{Field: "sampling_frequency", Err: io.ErrUnexpectedEOF}
			}
			cfg.Frequency = samplingFrequencies[val[0]]
		case ltvFrameDuration:
			if len(val) != 1 {
				return &ParseError{Field: "frame_duration", Err: io.ErrUnexpectedEOF}
			}
			cfg.FrameDuration = frameDurations[val[0]]
		case ltvChannelAllocation:
			if len(val) != 4 {
				return &ParseError{Field: "channel_allocation", Err: io.ErrUnexpectedEOF}
			}
			cfg.Allocation = media.Location(binary.LittleEndian.Uint32(val))
			cfg.HasAllocation = true
		case ltvOctetsPerFrame:
			if len(val) != 2 {
				return &ParseError{Field: "octets_per_frame", Err: io.ErrUnexpectedEOF}
			}
			cfg.OctetsPerFrame = int(binary.LittleEndian.Uint16(val))
		case ltvBlocksPerSDU:
			if len(val) != 1 {
				return &ParseError{Field: "frame_blocks_per_sdu", Err: io.ErrUnexpectedEOF}
			}
			cfg.BlocksPerSDU = int(val[0])
		}
		return nil
	})
	return cfg, err
}

func parseMetadata(data []byte) (Metadata, error) {
	var m Metadata
	err := walkLTV(data, func(typ byte, val []byte) error {
		switch typ {
		case ltvPreferredContexts:
			if len(val) != 2 {
				return &ParseError{Field: "preferred_contexts", Err: io.ErrUnexpectedEOF}
			}
			m.PreferredContexts = binary.LittleEndian.Uint16(val)
		case ltvStreamingContexts:
			if len(val) != 2 {
				return &ParseError{Field: "streaming_contexts", Err: io.ErrUnexpectedEOF}
			}
			m.StreamingContexts = binary.LittleEndian.Uint16(val)
		case ltvProgramInfo:
			m.ProgramInfo = string(val)
		case ltvLanguage:
			if len(val) != 3 {
				return &ParseError{Field: "language", Err: io.ErrUnexpectedEOF}
			}
			m.Language = string(val)
		}
		return nil
	})
	return m, err
}

// walkLTV calls fn for each length-type-value entry. The length octet
// counts the type octet plus the value. A zero length is padding.
func walkLTV(data []byte, fn func(typ byte, val []byte) error) error {
	for off := 0; off < len(data); {
		length := int(data[off])
		if length == 0 {
			off++
			continue
		}
		end := off + 1 + length
		if end > len(data) {
			return &ParseError{Field: "ltv", Err: io.ErrUnexpectedEOF}
		}
		if err := fn(data[off+1], data[off+2:end]); err != nil {
			return err
		}
		off = end
	}
	return nil
}

// byteReader wraps a byte slice for sequential reads.
type byteReader struct {
	data []byte
	pos  int
}

func newByteReader(data []byte) *byteReader {
	return &byteReader{data: data}
}

func (r *byteReader) readByte() (byte, error) {
	if r.pos >= len(r.data) {
		return 0, io.ErrUnexpectedEOF
	}
	v := r.data[r.pos]
	r.pos++
	return v, nil
}

func (r *byteReader) readN(n int) ([]byte, error) {
	end := r.pos + n
	if end > len(r.data) {
		return nil, io.ErrUnexpectedEOF
	}
	v := r.data[r.pos:end]
	r.pos = end
	return v, nil
}

func (r *byteReader) readLengthPrefixed() ([]byte, error) {
	n, err := r.readByte()
	if err != nil {
		return nil, err
	}
	return r.readN(int(n))
}
