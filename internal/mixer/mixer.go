// Package mixer implements the real-time audio output pipeline: multi-voice
// mixing with priority admission, per-voice resampling, named software volume
// controls, and the device callback.
//
// The render callback is the only realtime-constrained code. It never
// allocates and never takes a lock: voice starts arrive through a bounded
// command queue drained at callback entry, stops and volume changes are atomic
// flags, and completion signals leave through per-voice buffered channels.
package mixer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elektro-kapsel/hmiaudio/internal/clip"
)

// commandQueueCap bounds the start-voice queue. A full queue blocks the
// starting task until the callback drains it, never the audio thread.
const commandQueueCap = 16

// ErrUnknownClip is returned by StartVoice for a clip id the store does not
// contain. Callers treat it like a rejected voice.
var ErrUnknownClip = errors.New("unknown clip id")

// ErrUnsupportedChannelMap is returned when a clip's channel count cannot be
// mapped onto the device layout. Mono→stereo and stereo→mono are supported.
var ErrUnsupportedChannelMap = errors.New("unsupported channel mapping")

// ErrUnknownControl is returned by SetVolume for an undeclared control id.
var ErrUnknownControl = errors.New("unknown volume control")

// Reason tells a voice's owner how playback ended.
type Reason int

const (
	// Natural means the cursor reached the end of the clip.
	Natural Reason = iota
	// Preempted means a higher-priority voice displaced this one.
	Preempted
	// Cancelled means StopVoice ended the voice.
	Cancelled
	// Rejected means no slot was available and no live voice had lower
	// priority.
	Rejected
)

func (r Reason) String() string {
	switch r {
	case Natural:
		return "natural"
	case Preempted:
		return "preempted"
	case Cancelled:
		return "cancelled"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Voice is one live playback of a clip. The completion signal fires exactly
// once with the reason playback ended.
type Voice struct {
	res  *resampler
	prio int
	seq  uint64

	stop atomic.Bool
	once sync.Once
	done chan Reason
}

// Done delivers the completion reason. The channel is buffered; the value
// stays readable after the voice ends.
func (v *Voice) Done() <-chan Reason { return v.done }

func (v *Voice) complete(r Reason) {
	v.once.Do(func() { v.done <- r })
}

// Config describes the output device format and the voice budget.
type Config struct {
	// SampleRate is the device rate in Hz.
	SampleRate int
	// Channels is the device channel count (1 or 2).
	Channels int
	// Voices is the hardware-channel budget: the maximum number of
	// simultaneously live voices.
	Voices int
}

type control struct {
	bits atomic.Uint64
}

func (c *control) gain() float64    { return math.Float64frombits(c.bits.Load()) }
func (c *control) set(gain float64) { c.bits.Store(math.Float64bits(gain)) }

// Mixer mixes live voices into the device output buffer. StartVoice, StopVoice
// and SetVolume are safe for concurrent use from any goroutine; Render must
// only be called from the device callback (or a test standing in for it).
type Mixer struct {
	cfg      Config
	store    *clip.Store
	cmds     chan *Voice
	controls map[string]*control
	seq      atomic.Uint64

	// liveCount mirrors len(live) for observation off the render thread.
	liveCount atomic.Int32

	// live is touched exclusively by Render.
	live []*Voice
}

// New creates a mixer for the given device format. Volume controls must be
// declared before the device starts pulling samples.
func New(cfg Config, store *clip.Store) *Mixer {
	if cfg.Voices <= 0 {
		cfg.Voices = 1
	}
	return &Mixer{
		cfg:      cfg,
		store:    store,
		cmds:     make(chan *Voice, commandQueueCap),
		controls: make(map[string]*control),
		live:     make([]*Voice, 0, cfg.Voices),
	}
}

// Config returns the device format the mixer renders at.
func (m *Mixer) Config() Config { return m.cfg }

// DeclareControl registers a named volume control with its initial gain.
// Controls are declared at configuration load, before rendering starts.
func (m *Mixer) DeclareControl(id string, initial float64) {
	c := &control{}
	c.set(initial)
	m.controls[id] = c
}

// SetVolume updates a named control. The new gain takes effect on the next
// callback.
func (m *Mixer) SetVolume(id string, gain float64) error {
	c, ok := m.controls[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownControl, id)
	}
	if gain < 0 {
		gain = 0
	}
	c.set(gain)
	return nil
}

// StartVoice queues a voice for admission at the given priority. The voice is
// admitted on the next callback if a slot is free or a live voice has strictly
// lower priority (which is then preempted). Otherwise it completes with
// Rejected. Blocks while the command queue is full.
func (m *Mixer) StartVoice(ctx context.Context, clipID string, priority int) (*Voice, error) {
	c, ok := m.store.Get(clipID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownClip, clipID)
	}
	if err := m.checkChannels(c); err != nil {
		return nil, err
	}
	v := &Voice{
		res:  newResampler(c, m.cfg.SampleRate, m.cfg.Channels),
		prio: priority,
		seq:  m.seq.Add(1),
		done: make(chan Reason, 1),
	}
	select {
	case m.cmds <- v:
		return v, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// StopVoice requests cancellation of a voice. Idempotent; if the voice is
// still live its completion fires with Cancelled on the next callback.
func (m *Mixer) StopVoice(v *Voice) {
	v.stop.Store(true)
}

// PlayClip starts a voice and waits for its completion, implementing the play
// action's semantics: a zero timeout plays to the end; otherwise the voice is
// cancelled when the timeout expires and PlayClip returns normally. On context
// cancellation the voice is stopped before returning. The reason reports how
// the voice ended.
func (m *Mixer) PlayClip(ctx context.Context, clipID string, priority int, timeout time.Duration) (Reason, error) {
	v, err := m.StartVoice(ctx, clipID, priority)
	if err != nil {
		return Rejected, err
	}
	var timeoutC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}
	select {
	case reason := <-v.Done():
		return reason, nil
	case <-timeoutC:
		m.StopVoice(v)
		return <-v.Done(), nil
	case <-ctx.Done():
		m.StopVoice(v)
		return <-v.Done(), ctx.Err()
	}
}

// Render fills one device buffer: drains queued voice starts, applies the
// admission rule, mixes every live voice at the device rate, advances cursors,
// retires finished voices, applies the master gain and clips to [-1,1].
// out holds interleaved frames at the configured channel count.
func (m *Mixer) Render(out []float32) {
	for i := range out {
		out[i] = 0
	}
	frames := len(out) / m.cfg.Channels

	// Admit queued voices.
	for drained := false; !drained; {
		select {
		case v := <-m.cmds:
			m.admit(v)
		default:
			drained = true
		}
	}

	// Mix and retire.
	kept := m.live[:0]
	for _, v := range m.live {
		if v.stop.Load() {
			v.complete(Cancelled)
			continue
		}
		produced := v.res.mixInto(out, frames)
		if produced < frames {
			v.complete(Natural)
			continue
		}
		kept = append(kept, v)
	}
	m.live = kept
	m.liveCount.Store(int32(len(m.live)))

	gain := float32(m.masterGain())
	for i, s := range out {
		s *= gain
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		out[i] = s
	}
}

// admit applies the admission rule: free slot, else preempt the live voice
// with the lowest priority (oldest first on ties) when the new voice's
// priority is strictly greater, else reject.
func (m *Mixer) admit(v *Voice) {
	if v.stop.Load() {
		v.complete(Cancelled)
		return
	}
	if len(m.live) < m.cfg.Voices {
		m.live = append(m.live, v)
		return
	}
	victim := -1
	for i, lv := range m.live {
		if victim < 0 || lv.prio < m.live[victim].prio ||
			(lv.prio == m.live[victim].prio && lv.seq < m.live[victim].seq) {
			victim = i
		}
	}
	if victim >= 0 && v.prio > m.live[victim].prio {
		m.live[victim].complete(Preempted)
		m.live[victim] = v
		return
	}
	v.complete(Rejected)
}

// masterGain is the product of all declared control gains. The controls map is
// fixed after load, so reading it from the callback is safe.
func (m *Mixer) masterGain() float64 {
	gain := 1.0
	for _, c := range m.controls {
		gain *= c.gain()
	}
	return gain
}

// LiveVoices reports the number of voices that were live after the most
// recent callback. Safe to read from any goroutine; feeds the live-voice
// gauge.
func (m *Mixer) LiveVoices() int { return int(m.liveCount.Load()) }

func (m *Mixer) checkChannels(c *clip.Clip) error {
	switch {
	case c.Channels == m.cfg.Channels:
		return nil
	case c.Channels == 1 && m.cfg.Channels == 2:
		return nil
	case c.Channels == 2 && m.cfg.Channels == 1:
		return nil
	}
	return fmt.Errorf("%w: clip %q has %d channels, device has %d",
		ErrUnsupportedChannelMap, c.ID, c.Channels, m.cfg.Channels)
}
