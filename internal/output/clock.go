// Package output drives the audio output side: a fixed-period clock that
// drains the ring buffer into an output device.
package output

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// BytesPerFrame is one interleaved stereo 16-bit sample pair.
const BytesPerFrame = 4

// Source is drained once per period. Drain never blocks and always fills p.
type Source interface {
	Drain(p []byte) int
}

// Device consumes one period of interleaved stereo int16 little-endian PCM.
type Device interface {
	Write(pcm []byte) error
	Close() error
}

// Clock calls Source.Drain at a fixed period and hands the result to a
// Device, standing in for the output hardware's refill interrupt.
type Clock struct {
	log    *slog.Logger
	src    Source
	dev    Device
	period time.Duration
	buf    []byte
}

// NewClock creates a clock draining period-sized blocks at sampleRate.
// If log is nil, slog.Default() is used.
func NewClock(src Source, dev Device, sampleRate int, period time.Duration, log *slog.Logger) (*Clock, error) {
	if log == nil {
		log = slog.Default()
	}
	frames := int(int64(sampleRate) * int64(period) / int64(time.Second))
	if frames <= 0 {
		return nil, fmt.Errorf("output: period %v at %d Hz holds no samples", period, sampleRate)
	}
	return &Clock{
		log:    log.With("component", "output-clock"),
		src:    src,
		dev:    dev,
		period: period,
		buf:    make([]byte, frames*BytesPerFrame),
	}, nil
}

// PeriodBytes returns the size of one drained block.
func (c *Clock) PeriodBytes() int {
	return len(c.buf)
}

// Tick drains one period into the device.
func (c *Clock) Tick() error {
	c.src.Drain(c.buf)
	return c.dev.Write(c.buf)
}

// Run ticks until ctx is cancelled, then closes the device.
func (c *Clock) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.period)
	defer ticker.Stop()
	defer func() {
		if err := c.dev.Close(); err != nil {
			c.log.Warn("closing output device", "error", err)
		}
	}()

	c.log.Info("output clock started", "period", c.period, "bytes", len(c.buf))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.Tick(); err != nil {
				return fmt.Errorf("output device write: %w", err)
			}
		}
	}
}
