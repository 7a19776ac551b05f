package mixer

import (
	"fmt"
	"log/slog"

	"github.com/gordonklaus/portaudio"
)

// callbackPeriod is the callback buffer length as a fraction of a second.
// 1/100 gives 10 ms periods.
const callbackPeriod = 100

// Device owns the PortAudio output stream that pulls samples from a mixer.
type Device struct {
	stream *portaudio.Stream
}

// OpenDevice initialises PortAudio and opens the default output stream at the
// mixer's configured rate and channel count, with the mixer's Render as the
// stream callback. onUnderrun, when non-nil, is called for every callback the
// driver flags with an output underflow. The configured device identifier is
// logged; device selection beyond the system default is left to the host's
// PortAudio configuration.
func OpenDevice(m *Mixer, name string, onUnderrun func()) (*Device, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("initialise audio: %w", err)
	}
	cfg := m.Config()
	frames := cfg.SampleRate / callbackPeriod
	stream, err := portaudio.OpenDefaultStream(0, cfg.Channels, float64(cfg.SampleRate), frames,
		func(out []float32, _ portaudio.StreamCallbackTimeInfo, flags portaudio.StreamCallbackFlags) {
			if flags&portaudio.OutputUnderflow != 0 && onUnderrun != nil {
				onUnderrun()
			}
			m.Render(out)
		})
	if err != nil {
		if termErr := portaudio.Terminate(); termErr != nil {
			slog.Warn("terminate audio after open failure", "err", termErr)
		}
		return nil, fmt.Errorf("open output stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		if termErr := portaudio.Terminate(); termErr != nil {
			slog.Warn("terminate audio after start failure", "err", termErr)
		}
		return nil, fmt.Errorf("start output stream: %w", err)
	}
	slog.Info("audio device started",
		"device", name,
		"rate", cfg.SampleRate,
		"channels", cfg.Channels,
		"period_frames", frames,
	)
	return &Device{stream: stream}, nil
}

// Close stops the stream and releases PortAudio.
func (d *Device) Close() error {
	if err := d.stream.Stop(); err != nil {
		slog.Warn("stop audio stream", "err", err)
	}
	if err := d.stream.Close(); err != nil {
		slog.Warn("close audio stream", "err", err)
	}
	return portaudio.Terminate()
}
