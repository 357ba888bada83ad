package output

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync/atomic"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Discard is a Device that drops audio but counts it.
type Discard struct {
	bytes atomic.Int64
}

func (d *Discard) Write(pcm []byte) error {
	d.bytes.Add(int64(len(pcm)))
	return nil
}

func (d *Discard) Close() error { return nil }

// Bytes returns how many bytes were written.
func (d *Discard) Bytes() int64 {
	return d.bytes.Load()
}

// WAVRecorder writes the output to a 16-bit stereo WAV file.
type WAVRecorder struct {
	file *os.File
	enc  *wav.Encoder
	buf  *goaudio.IntBuffer
}

// NewWAVRecorder creates (or truncates) path.
func NewWAVRecorder(path string, sampleRate int) (*WAVRecorder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create recording: %w", err)
	}
	return &WAVRecorder{
		file: f,
		enc:  wav.NewEncoder(f, sampleRate, 16, 2, 1),
		buf: &goaudio.IntBuffer{
			Format:         &goaudio.Format{NumChannels: 2, SampleRate: sampleRate},
			SourceBitDepth: 16,
		},
	}, nil
}

func (r *WAVRecorder) Write(pcm []byte) error {
	n := len(pcm) / 2
	if cap(r.buf.Data) < n {
		r.buf.Data = make([]int, n)
	}
	r.buf.Data = r.buf.Data[:n]
	for i := range n {
		r.buf.Data[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return r.enc.Write(r.buf)
}

// Close finalizes the WAV header and closes the file.
func (r *WAVRecorder) Close() error {
	if err := r.enc.Close(); err != nil {
		r.file.Close()
		return fmt.Errorf("finalize recording: %w", err)
	}
	return r.file.Close()
}
