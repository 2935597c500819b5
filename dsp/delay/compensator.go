// Package delay implements the output-path latency compensator: a
// fixed-capacity circular buffer with independent write and read
// indices. The read index trails the write index by the configured
// delay, aligning the anti-noise signal with the acoustic/electrical
// latency of the playback device (near zero for wired output, around
// 200 ms nominal for Bluetooth).
package delay

import (
	"fmt"
	"math"
)

// Compensator is a circular delay line with separate write and read
// positions. Reads that precede the first wrap of the buffer return
// silence; the compensator never reads ahead of what has been written
// when Write and Read are interleaved per sample.
type Compensator struct {
	buf   []float64
	write int
	read  int
	delay int
}

// New returns a compensator able to delay by up to capacity-1 samples.
func New(capacity int) (*Compensator, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("delay capacity must be > 0: %d", capacity)
	}

	return &Compensator{buf: make([]float64, capacity)}, nil
}

// NewForLatency sizes the compensator for the maximum compensable
// latency at the given sample rate and sets the initial delay.
func NewForLatency(sampleRate, maxLatencySeconds, delaySeconds float64) (*Compensator, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("delay sample rate must be > 0: %f", sampleRate)
	}

	if maxLatencySeconds <= 0 {
		return nil, fmt.Errorf("delay max latency must be > 0: %f", maxLatencySeconds)
	}

	capacity := int(math.Round(sampleRate*maxLatencySeconds)) + 1

	c, err := New(capacity)
	if err != nil {
		return nil, err
	}

	if err := c.SetDelay(int(math.Round(sampleRate * delaySeconds))); err != nil {
		return nil, err
	}

	return c, nil
}

// Cap returns the buffer capacity in samples.
func (c *Compensator) Cap() int { return len(c.buf) }

// Delay returns the configured delay in samples.
func (c *Compensator) Delay() int { return c.delay }

// SetDelay repositions the read index to trail the write index by the
// given number of samples. The delay must fit within the buffer.
func (c *Compensator) SetDelay(samples int) error {
	if samples < 0 || samples >= len(c.buf) {
		return fmt.Errorf("delay must be in [0, %d): %d", len(c.buf), samples)
	}

	c.delay = samples
	c.read = (c.write - samples + len(c.buf)) % len(c.buf)

	return nil
}

// Write stores one sample at the write index and advances it modulo
// capacity.
func (c *Compensator) Write(sample float64) {
	c.buf[c.write] = sample

	c.write++
	if c.write >= len(c.buf) {
		c.write = 0
	}
}

// Read returns the sample at the read index and advances it modulo
// capacity. Before the buffer has been filled once, reads return the
// zero samples the buffer was initialized with.
func (c *Compensator) Read() float64 {
	sample := c.buf[c.read]

	c.read++
	if c.read >= len(c.buf) {
		c.read = 0
	}

	return sample
}

// ProcessSample writes the input and returns the delayed output in one
// step, the usual per-sample usage on the frame path.
func (c *Compensator) ProcessSample(x float64) float64 {
	c.Write(x)
	return c.Read()
}

// ProcessBlock delays a block in-place.
func (c *Compensator) ProcessBlock(buf []float64) {
	for i, x := range buf {
		buf[i] = c.ProcessSample(x)
	}
}

// Reset clears the buffer to silence and restores the configured delay
// between the indices.
func (c *Compensator) Reset() {
	for i := range c.buf {
		c.buf[i] = 0
	}

	c.write = 0
	c.read = (len(c.buf) - c.delay) % len(c.buf)
}
