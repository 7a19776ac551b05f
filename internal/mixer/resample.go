package mixer

import "github.com/elektro-kapsel/hmiaudio/internal/clip"

// resampler converts one clip's samples to the device rate and channel count
// while mixing them into the output buffer. Each voice owns one; the source
// position is carried across callbacks so playback is continuous and
// deterministic.
//
// Rate conversion is linear interpolation between neighbouring source frames.
// Channel mapping: mono sources are duplicated onto stereo outputs, stereo
// sources are averaged onto mono outputs.
type resampler struct {
	clip  *clip.Clip
	pos   float64 // source frame position
	step  float64 // source frames per output frame
	outCh int
}

func newResampler(c *clip.Clip, deviceRate, deviceChannels int) *resampler {
	return &resampler{
		clip:  c,
		step:  float64(c.SampleRate) / float64(deviceRate),
		outCh: deviceChannels,
	}
}

// sourceFrame returns the linearly interpolated source samples at position pos
// as a left/right pair. Mono sources return the same value for both.
func (r *resampler) sourceFrame(pos float64) (left, right float32) {
	frames := r.clip.Frames()
	idx := int(pos)
	frac := float32(pos - float64(idx))
	ch := r.clip.Channels

	s0 := r.clip.Samples[idx*ch:]
	var s1 []float32
	if idx+1 < frames {
		s1 = r.clip.Samples[(idx+1)*ch:]
	} else {
		s1 = s0
	}

	left = s0[0]*(1-frac) + s1[0]*frac
	if ch == 1 {
		return left, left
	}
	right = s0[1]*(1-frac) + s1[1]*frac
	return left, right
}

// mixInto adds up to frames output frames into out (interleaved at the device
// channel count) and advances the source position. Returns the number of
// frames produced; fewer than requested means the clip ended.
func (r *resampler) mixInto(out []float32, frames int) int {
	srcFrames := r.clip.Frames()
	for i := 0; i < frames; i++ {
		pos := r.pos + float64(i)*r.step
		if int(pos) >= srcFrames {
			r.pos = pos
			return i
		}
		left, right := r.sourceFrame(pos)
		switch r.outCh {
		case 1:
			out[i] += (left + right) / 2
		default:
			base := i * r.outCh
			out[base] += left
			out[base+1] += right
			// Extra device channels beyond stereo stay silent.
		}
	}
	r.pos += float64(frames) * r.step
	return frames
}
