package base

import (
	"encoding/binary"
	"time"
)

// Marshal serializes b into BASE wire format. Values that are zero in a
// CodecConfig are omitted from the LTV list, so Parse(Marshal(b)) yields an
// equivalent structure for any BASE that Parse can produce.
func Marshal(b *BASE) []byte {
	delay := uint32(b.PresentationDelay / time.Microsecond)
	buf := []byte{byte(delay), byte(delay >> 8), byte(delay >> 16), byte(len(b.Subgroups))}

	for _, sg := range b.Subgroups {
		buf = append(buf, byte(len(sg.BIS)), sg.Codec.Format)
		buf = binary.LittleEndian.AppendUint16(buf, sg.Codec.CompanyID)
		buf = binary.LittleEndian.AppendUint16(buf, sg.Codec.VendorID)
		buf = appendLengthPrefixed(buf, appendCodecConfig(nil, sg.Config))
		buf = appendLengthPrefixed(buf, appendMetadata(nil, sg.Metadata))
		for _, bis := range sg.BIS {
			buf = append(buf, bis.Index)
			buf = appendLengthPrefixed(buf, appendCodecConfig(nil, bis.Config))
		}
	}
	return buf
}

// MarshalServiceData prefixes the marshaled BASE with the announcement UUID.
func MarshalServiceData(b *BASE) []byte {
	buf := binary.LittleEndian.AppendUint16(nil, UUIDBasicAudioAnnouncement)
	return append(buf, Marshal(b)...)
}

func appendCodecConfig(buf []byte, c CodecConfig) []byte {
	if c.Frequency != 0 {
		for code, hz := range samplingFrequencies {
			if hz == c.Frequency {
				buf = append(buf, 2, ltvSamplingFrequency, code)
				break
			}
		}
	}
	if c.FrameDuration != 0 {
		for code, d := range frameDurations {
			if d == c.FrameDuration {
				buf = append(buf, 2, ltvFrameDuration, code)
				break
			}
		}
	}
	if c.HasAllocation {
		buf = append(buf, 5, ltvChannelAllocation)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(c.Allocation))
	}
	if c.OctetsPerFrame != 0 {
		buf = append(buf, 3, ltvOctetsPerFrame)
		buf = binary.LittleEndian.AppendUint16(buf, uint16(c.OctetsPerFrame))
	}
	if c.BlocksPerSDU != 0 {
		buf = append(buf, 2, ltvBlocksPerSDU, byte(c.BlocksPerSDU))
	}
	return buf
}

func appendMetadata(buf []byte, m Metadata) []byte {
	if m.PreferredContexts != 0 {
		buf = append(buf, 3, ltvPreferredContexts)
		buf = binary.LittleEndian.AppendUint16(buf, m.PreferredContexts)
	}
	if m.StreamingContexts != 0 {
		buf = append(buf, 3, ltvStreamingContexts)
		buf = binary.LittleEndian.AppendUint16(buf, m.StreamingContexts)
	}
	if m.ProgramInfo != "" {
		buf = append(buf, byte(len(m.ProgramInfo)+1), ltvProgramInfo)
		buf = append(buf, m.ProgramInfo...)
	}
	if len(m.Language) == 3 {
		buf = append(buf, 4, ltvLanguage)
		buf = append(buf, m.Language...)
	}
	return buf
}

func appendLengthPrefixed(buf, data []byte) []byte {
	buf = append(buf, byte(len(data)))
	return append(buf, data...)
}
