package codec

import (
	"encoding/binary"

	"github.com/zsiec/broadcastsink/internal/base"
)

// concealSteps is how many consecutive concealed frames fade out before
// the decoder emits plain silence.
const concealSteps = 4

// PCMDecoder decodes linear PCM frames (16-bit little-endian samples).
// Concealment repeats the last good frame, halving its gain on every
// consecutive loss.
type PCMDecoder struct {
	samples int
	last    []int16
	lost    int
}

// NewPCMDecoder is the Factory for the linear PCM coding format.
func NewPCMDecoder(cfg base.CodecConfig) (Decoder, error) {
	samples := cfg.SamplesPerFrame()
	if samples <= 0 || cfg.OctetsPerFrame != samples*2 {
		return nil, ErrInvalidConfig
	}
	return &PCMDecoder{
		samples: samples,
		last:    make([]int16, samples),
	}, nil
}

func (d *PCMDecoder) Decode(frame []byte, pcm []int16) (int, error) {
	if len(pcm) < d.samples {
		return 0, ErrBufferTooSmall
	}

	if frame == nil {
		d.lost++
		if d.lost > concealSteps {
			clear(pcm[:d.samples])
			return d.samples, nil
		}
		shift := uint(d.lost)
		for i, s := range d.last {
			pcm[i] = s >> shift
		}
		return d.samples, nil
	}

	if len(frame) != d.samples*2 {
		return 0, ErrFrameSize
	}
	for i := range d.samples {
		pcm[i] = int16(binary.LittleEndian.Uint16(frame[i*2:]))
	}
	copy(d.last, pcm[:d.samples])
	d.lost = 0
	return d.samples, nil
}
