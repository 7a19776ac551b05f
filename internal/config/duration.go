package config

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// durationPattern matches the duration literals accepted in configuration
// files: a decimal number followed by a unit suffix (s, m or h).
var durationPattern = regexp.MustCompile(`^([0-9]+(?:\.[0-9]+)?)([smh])$`)

// Duration is a duration literal from a configuration file. It keeps the
// original text so that formatting a parsed literal reproduces it exactly.
type Duration struct {
	raw string
	d   time.Duration
}

// ParseDuration parses a duration literal such as "5s", "2.5m" or "6h".
func ParseDuration(s string) (Duration, error) {
	m := durationPattern.FindStringSubmatch(s)
	if m == nil {
		return Duration{}, fmt.Errorf("invalid duration literal %q (want e.g. \"5s\", \"2.5m\", \"6h\")", s)
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return Duration{}, fmt.Errorf("invalid duration literal %q: %w", s, err)
	}
	var scale float64
	switch m[2] {
	case "s":
		scale = 1
	case "m":
		scale = 60
	case "h":
		scale = 3600
	}
	return Duration{raw: s, d: time.Duration(value * scale * float64(time.Second))}, nil
}

// Duration returns the literal as a [time.Duration].
func (d Duration) Duration() time.Duration { return d.d }

// String returns the literal exactly as it appeared in the configuration.
func (d Duration) String() string { return d.raw }

// IsZero reports whether the literal is absent (the zero value).
func (d Duration) IsZero() bool { return d.raw == "" }
