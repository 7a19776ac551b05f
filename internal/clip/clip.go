// Package clip holds the decoded audio clips: WAV files loaded from disk and
// sine tones synthesised at configuration load. Clips are immutable after load
// and shared read-only between the mixer voices.
package clip

import (
	"fmt"
	"math"
	"os"
	"time"

	"github.com/go-audio/wav"
)

// Clip is one playable buffer: interleaved float PCM with amplitude in [-1,1].
type Clip struct {
	ID         string
	Channels   int
	SampleRate int
	Samples    []float32
}

// Frames returns the clip length in frames.
func (c *Clip) Frames() int {
	if c.Channels == 0 {
		return 0
	}
	return len(c.Samples) / c.Channels
}

// Duration returns the clip length at its source rate.
func (c *Clip) Duration() time.Duration {
	if c.SampleRate == 0 {
		return 0
	}
	return time.Duration(float64(c.Frames()) / float64(c.SampleRate) * float64(time.Second))
}

// Store maps clip ids to clips. It is populated once at configuration load and
// read-only afterwards, so lookups need no synchronisation.
type Store struct {
	clips map[string]*Clip
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{clips: make(map[string]*Clip)}
}

// Add registers a clip. A duplicate id is a configuration error.
func (s *Store) Add(c *Clip) error {
	if _, ok := s.clips[c.ID]; ok {
		return fmt.Errorf("duplicate clip id %q", c.ID)
	}
	s.clips[c.ID] = c
	return nil
}

// Get returns the clip with the given id.
func (s *Store) Get(id string) (*Clip, bool) {
	c, ok := s.clips[id]
	return c, ok
}

// Len returns the number of loaded clips.
func (s *Store) Len() int { return len(s.clips) }

// LoadWAV decodes a WAV file into a clip at its source rate and channel count.
// amplitude scales the decoded samples; 1.0 leaves them untouched.
func LoadWAV(id, path string, amplitude float64) (*Clip, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("clip %q: %w", id, err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("clip %q: decode %s: %w", id, path, err)
	}
	if buf.Format == nil || buf.Format.NumChannels <= 0 || buf.Format.SampleRate <= 0 {
		return nil, fmt.Errorf("clip %q: %s has no usable format", id, path)
	}

	bitDepth := buf.SourceBitDepth
	if bitDepth == 0 {
		bitDepth = int(dec.BitDepth)
	}
	if bitDepth <= 0 || bitDepth > 32 {
		return nil, fmt.Errorf("clip %q: %s has unsupported bit depth %d", id, path, bitDepth)
	}
	scale := amplitude / float64(int64(1)<<(bitDepth-1))

	samples := make([]float32, len(buf.Data))
	for i, v := range buf.Data {
		s := float64(v) * scale
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		samples[i] = float32(s)
	}
	return &Clip{
		ID:         id,
		Channels:   buf.Format.NumChannels,
		SampleRate: buf.Format.SampleRate,
		Samples:    samples,
	}, nil
}

// Sine synthesises amplitude·sin(2π·frequency·t) for the given duration,
// mono at the device output rate so playback needs no resampling. Amplitude is
// clamped to [0,1].
func Sine(id string, amplitude, frequency float64, duration time.Duration, rate int) *Clip {
	if amplitude < 0 {
		amplitude = 0
	} else if amplitude > 1 {
		amplitude = 1
	}
	n := int(math.Round(duration.Seconds() * float64(rate)))
	samples := make([]float32, n)
	step := 2 * math.Pi * frequency / float64(rate)
	for i := range samples {
		samples[i] = float32(amplitude * math.Sin(step*float64(i)))
	}
	return &Clip{
		ID:         id,
		Channels:   1,
		SampleRate: rate,
		Samples:    samples,
	}
}
