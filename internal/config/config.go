// Package config provides the XML configuration schema, loader and validation
// for the hmiaudio playback engine.
package config

import (
	"github.com/elektro-kapsel/hmiaudio/internal/alarms"
	"github.com/elektro-kapsel/hmiaudio/internal/engine"
)

// Namespace is the XML namespace every configuration element must carry.
const Namespace = "http://www.elektro-kapsel.se/audioplayer/v1"

// DefaultBind is the upstream socket used when <bind> is absent.
const DefaultBind = "/tmp/siemens/automation/HmiRunTime"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration loaded from the XML file.
type Config struct {
	// Bind is the path of the upstream socket to connect to.
	Bind string

	// Device describes the playback device and output format.
	Device DeviceConfig

	// VolumeControls are the declared software volume controls.
	VolumeControls []VolumeControl

	// ClipRoot is the base directory WAV file names resolve against,
	// as written in the file (possibly relative to the config file).
	ClipRoot string

	// Clips are the declared clips in document order.
	Clips []ClipConfig

	// Tags are the tag names to subscribe to.
	Tags []string

	// Filters are the declared alarm filters.
	Filters []alarms.FilterConfig

	// Machines are the declared state machines.
	Machines []MachineConfig
}

// DeviceConfig mirrors the <playback_device> element.
type DeviceConfig struct {
	// Name is the output device identifier (element text).
	Name string
	// Rate is the output sample rate in Hz.
	Rate int
	// Channels is the output channel count (1 or 2).
	Channels int
	// Voices is the simultaneous-voice budget. Default 4.
	Voices int
}

// VolumeControl mirrors a <volume_control> element.
type VolumeControl struct {
	ID      string
	Initial float64
}

// ClipConfig is one <file> or <sine> element.
type ClipConfig struct {
	ID string

	// File is the WAV filename relative to ClipRoot; empty for sine clips.
	File string
	// Amplitude scales file clips at load. Default 1.0.
	Amplitude float64

	// Sine is set for <sine> elements.
	Sine *SineConfig
}

// SineConfig holds the synthesis parameters of a <sine> element.
type SineConfig struct {
	Amplitude float64
	Frequency float64
	Duration  Duration
}

// MachineConfig is one <state_machine> element with its compiled action trees.
type MachineConfig struct {
	ID     string
	States []engine.State
}
