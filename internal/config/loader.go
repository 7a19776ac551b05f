package config

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/elektro-kapsel/hmiaudio/internal/alarms"
	"github.com/elektro-kapsel/hmiaudio/internal/engine"
	"github.com/elektro-kapsel/hmiaudio/internal/tags"
)

// Load reads the XML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes an XML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	p := &parser{
		dec:   xml.NewDecoder(r),
		named: make(map[string]engine.Action),
	}
	cfg, err := p.parseDocument()
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parser walks the XML token stream. Each parse method is entered after its
// StartElement has been consumed and returns after the matching EndElement.
type parser struct {
	dec   *xml.Decoder
	named map[string]engine.Action
}

func (p *parser) errorf(format string, args ...any) error {
	return fmt.Errorf("offset %d: %s", p.dec.InputOffset(), fmt.Sprintf(format, args...))
}

func (p *parser) parseDocument() (*Config, error) {
	root, err := p.nextStart()
	if err != nil {
		return nil, err
	}
	if root == nil || root.Name.Local != "audioplayer" || root.Name.Space != Namespace {
		return nil, errors.New("the root element must be 'audioplayer' in the " + Namespace + " namespace")
	}

	cfg := &Config{
		Bind: DefaultBind,
		Device: DeviceConfig{
			Rate:     44100,
			Channels: 2,
			Voices:   4,
		},
	}

	bindSeen := false
	for {
		child, err := p.childStart()
		if err != nil {
			return nil, err
		}
		if child == nil {
			if !bindSeen {
				slog.Warn("configuration has no <bind>, using the default upstream socket", "bind", DefaultBind)
			}
			return cfg, nil
		}
		switch child.Name.Local {
		case "bind":
			bindSeen = true
			cfg.Bind, err = p.textContent()
		case "playback_device":
			err = p.parseDevice(child, cfg)
		case "volume_control":
			err = p.parseVolumeControl(child, cfg)
		case "clips":
			err = p.parseClips(child, cfg)
		case "tags":
			err = p.parseTags(cfg)
		case "alarms":
			err = p.parseAlarms(cfg)
		case "actions":
			err = p.parseNamedActions()
		case "state_machine":
			err = p.parseStateMachine(child, cfg)
		default:
			err = p.errorf("unexpected element <%s>", child.Name.Local)
		}
		if err != nil {
			return nil, err
		}
	}
}

// nextStart returns the next StartElement at any depth, nil at EOF.
func (p *parser) nextStart() (*xml.StartElement, error) {
	for {
		tok, err := p.dec.Token()
		if err == io.EOF {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if se, ok := tok.(xml.StartElement); ok {
			return &se, nil
		}
	}
}

// childStart returns the next child StartElement of the current element, or
// nil when its EndElement is reached. Non-whitespace text between elements is
// rejected.
func (p *parser) childStart() (*xml.StartElement, error) {
	for {
		tok, err := p.dec.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Space != Namespace {
				return nil, p.errorf("element <%s> has wrong namespace %q", t.Name.Local, t.Name.Space)
			}
			return &t, nil
		case xml.EndElement:
			return nil, nil
		case xml.CharData:
			if strings.TrimSpace(string(t)) != "" {
				return nil, p.errorf("unexpected text %q", strings.TrimSpace(string(t)))
			}
		}
	}
}

// textContent consumes the remainder of the current element and returns its
// character data. Nested elements are rejected.
func (p *parser) textContent() (string, error) {
	var b strings.Builder
	for {
		tok, err := p.dec.Token()
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			return "", p.errorf("unexpected element <%s> in text content", t.Name.Local)
		case xml.EndElement:
			return strings.TrimSpace(b.String()), nil
		case xml.CharData:
			b.Write(t)
		}
	}
}

// skip consumes the remainder of the current element.
func (p *parser) skip() error { return p.dec.Skip() }

func attr(se *xml.StartElement, name string) (string, bool) {
	for _, a := range se.Attr {
		if a.Name.Local == name {
			return a.Value, true
		}
	}
	return "", false
}

func (p *parser) requiredAttr(se *xml.StartElement, name string) (string, error) {
	v, ok := attr(se, name)
	if !ok {
		return "", p.errorf("<%s> is missing attribute %q", se.Name.Local, name)
	}
	return v, nil
}

func (p *parser) intAttr(se *xml.StartElement, name string) (int, error) {
	v, err := p.requiredAttr(se, name)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, p.errorf("<%s> attribute %q: %v", se.Name.Local, name, err)
	}
	return n, nil
}

func (p *parser) floatAttr(se *xml.StartElement, name string) (float64, error) {
	v, err := p.requiredAttr(se, name)
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, p.errorf("<%s> attribute %q: %v", se.Name.Local, name, err)
	}
	return f, nil
}

func (p *parser) durationAttr(se *xml.StartElement, name string) (Duration, bool, error) {
	v, ok := attr(se, name)
	if !ok {
		return Duration{}, false, nil
	}
	d, err := ParseDuration(v)
	if err != nil {
		return Duration{}, false, p.errorf("<%s> attribute %q: %v", se.Name.Local, name, err)
	}
	return d, true, nil
}

func (p *parser) parseDevice(se *xml.StartElement, cfg *Config) error {
	rate, err := p.intAttr(se, "rate")
	if err != nil {
		return err
	}
	channels, err := p.intAttr(se, "channels")
	if err != nil {
		return err
	}
	voices := 4
	if v, ok := attr(se, "voices"); ok {
		voices, err = strconv.Atoi(v)
		if err != nil {
			return p.errorf("<playback_device> attribute \"voices\": %v", err)
		}
	}
	name, err := p.textContent()
	if err != nil {
		return err
	}
	cfg.Device = DeviceConfig{Name: name, Rate: rate, Channels: channels, Voices: voices}
	return nil
}

func (p *parser) parseVolumeControl(se *xml.StartElement, cfg *Config) error {
	id, err := p.requiredAttr(se, "id")
	if err != nil {
		return err
	}
	initial := 1.0
	if v, ok := attr(se, "initial"); ok {
		initial, err = strconv.ParseFloat(v, 64)
		if err != nil {
			return p.errorf("<volume_control> attribute \"initial\": %v", err)
		}
	}
	cfg.VolumeControls = append(cfg.VolumeControls, VolumeControl{ID: id, Initial: initial})
	return p.skip()
}

func (p *parser) parseClips(se *xml.StartElement, cfg *Config) error {
	if path, ok := attr(se, "path"); ok {
		cfg.ClipRoot = path
	}
	for {
		child, err := p.childStart()
		if err != nil {
			return err
		}
		if child == nil {
			return nil
		}
		switch child.Name.Local {
		case "file":
			id, err := p.requiredAttr(child, "id")
			if err != nil {
				return err
			}
			amplitude := 1.0
			if v, ok := attr(child, "amplitude"); ok {
				amplitude, err = strconv.ParseFloat(v, 64)
				if err != nil {
					return p.errorf("<file> attribute \"amplitude\": %v", err)
				}
			}
			file, err := p.textContent()
			if err != nil {
				return err
			}
			cfg.Clips = append(cfg.Clips, ClipConfig{ID: id, File: file, Amplitude: amplitude})
		case "sine":
			id, err := p.requiredAttr(child, "id")
			if err != nil {
				return err
			}
			amplitude, err := p.floatAttr(child, "amplitude")
			if err != nil {
				return err
			}
			frequency, err := p.floatAttr(child, "frequency")
			if err != nil {
				return err
			}
			durStr, err := p.requiredAttr(child, "duration")
			if err != nil {
				return err
			}
			dur, err := ParseDuration(durStr)
			if err != nil {
				return p.errorf("<sine> attribute \"duration\": %v", err)
			}
			cfg.Clips = append(cfg.Clips, ClipConfig{ID: id, Sine: &SineConfig{
				Amplitude: amplitude,
				Frequency: frequency,
				Duration:  dur,
			}})
			if err := p.skip(); err != nil {
				return err
			}
		default:
			return p.errorf("unexpected element <%s> in <clips>", child.Name.Local)
		}
	}
}

func (p *parser) parseTags(cfg *Config) error {
	for {
		child, err := p.childStart()
		if err != nil {
			return err
		}
		if child == nil {
			return nil
		}
		if child.Name.Local != "tag" {
			return p.errorf("unexpected element <%s> in <tags>", child.Name.Local)
		}
		name, err := p.textContent()
		if err != nil {
			return err
		}
		cfg.Tags = append(cfg.Tags, name)
	}
}

func (p *parser) parseAlarms(cfg *Config) error {
	for {
		child, err := p.childStart()
		if err != nil {
			return err
		}
		if child == nil {
			return nil
		}
		if child.Name.Local != "filter" {
			return p.errorf("unexpected element <%s> in <alarms>", child.Name.Local)
		}
		id, err := p.requiredAttr(child, "id")
		if err != nil {
			return err
		}
		tagMatching, _ := attr(child, "tag_matching")
		tagIgnored, _ := attr(child, "tag_ignored")
		expression, err := p.textContent()
		if err != nil {
			return err
		}
		cfg.Filters = append(cfg.Filters, alarms.FilterConfig{
			ID:          id,
			Expression:  expression,
			TagMatching: tagMatching,
			TagIgnored:  tagIgnored,
		})
	}
}

// parseNamedActions reads the <actions> container of reusable action trees.
// Each child is an action element with an id attribute; an <action use=.../>
// may only reference names declared before it, which keeps the resolved trees
// acyclic by construction.
func (p *parser) parseNamedActions() error {
	for {
		child, err := p.childStart()
		if err != nil {
			return err
		}
		if child == nil {
			return nil
		}
		id, err := p.requiredAttr(child, "id")
		if err != nil {
			return err
		}
		if _, ok := p.named[id]; ok {
			return p.errorf("duplicate action id %q", id)
		}
		action, err := p.parseAction(child)
		if err != nil {
			return err
		}
		p.named[id] = action
	}
}

func (p *parser) parseStateMachine(se *xml.StartElement, cfg *Config) error {
	id, err := p.requiredAttr(se, "id")
	if err != nil {
		return err
	}
	machine := MachineConfig{ID: id}
	for {
		child, err := p.childStart()
		if err != nil {
			return err
		}
		if child == nil {
			break
		}
		if child.Name.Local != "state" {
			return p.errorf("unexpected element <%s> in <state_machine>", child.Name.Local)
		}
		stateID, err := p.requiredAttr(child, "id")
		if err != nil {
			return err
		}
		actions, err := p.parseActionChildren()
		if err != nil {
			return err
		}
		if len(actions) == 0 {
			return p.errorf("state %q has no actions", stateID)
		}
		machine.States = append(machine.States, engine.State{ID: stateID, Actions: actions})
	}
	if len(machine.States) == 0 {
		return p.errorf("state machine %q has no states", id)
	}
	cfg.Machines = append(cfg.Machines, machine)
	return nil
}

// parseActionChildren parses all action children of the current element.
func (p *parser) parseActionChildren() ([]engine.Action, error) {
	var actions []engine.Action
	for {
		child, err := p.childStart()
		if err != nil {
			return nil, err
		}
		if child == nil {
			return actions, nil
		}
		action, err := p.parseAction(child)
		if err != nil {
			return nil, err
		}
		actions = append(actions, action)
	}
}

// parseAction dispatches on the action element name. A sequence or parallel
// with a single child collapses to that child.
func (p *parser) parseAction(se *xml.StartElement) (engine.Action, error) {
	switch se.Name.Local {
	case "sequence":
		children, err := p.parseActionChildren()
		if err != nil {
			return nil, err
		}
		if len(children) == 0 {
			return nil, p.errorf("<sequence> has no actions")
		}
		if len(children) == 1 {
			return children[0], nil
		}
		return &engine.Sequence{Children: children}, nil

	case "parallel":
		children, err := p.parseActionChildren()
		if err != nil {
			return nil, err
		}
		if len(children) == 0 {
			return nil, p.errorf("<parallel> has no actions")
		}
		if len(children) == 1 {
			return children[0], nil
		}
		return &engine.Parallel{Children: children}, nil

	case "repeat":
		var count uint
		if v, ok := attr(se, "count"); ok {
			n, err := strconv.ParseUint(v, 10, 32)
			if err != nil || n == 0 {
				return nil, p.errorf("<repeat> attribute \"count\" must be a positive integer, got %q", v)
			}
			count = uint(n)
		}
		children, err := p.parseActionChildren()
		if err != nil {
			return nil, err
		}
		if len(children) == 0 {
			return nil, p.errorf("<repeat> has no actions")
		}
		var body engine.Action
		if len(children) == 1 {
			body = children[0]
		} else {
			body = &engine.Sequence{Children: children}
		}
		return &engine.Repeat{Count: count, Body: body}, nil

	case "play":
		priority := 0
		if v, ok := attr(se, "priority"); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, p.errorf("<play> attribute \"priority\": %v", err)
			}
			priority = n
		}
		timeout, _, err := p.durationAttr(se, "timeout")
		if err != nil {
			return nil, err
		}
		clipID, err := p.textContent()
		if err != nil {
			return nil, err
		}
		if clipID == "" {
			return nil, p.errorf("<play> names no clip")
		}
		return &engine.Play{Clip: clipID, Priority: priority, Timeout: timeout.Duration()}, nil

	case "wait":
		text, err := p.textContent()
		if err != nil {
			return nil, err
		}
		d, err := ParseDuration(text)
		if err != nil {
			return nil, p.errorf("<wait>: %v", err)
		}
		return &engine.Wait{Duration: d.Duration()}, nil

	case "wait_tag":
		return p.parseWaitTag(se)

	case "wait_alarm":
		countStr, err := p.requiredAttr(se, "count")
		if err != nil {
			return nil, err
		}
		mode, err := alarms.ParseCountMode(countStr)
		if err != nil {
			return nil, p.errorf("<wait_alarm>: %v", err)
		}
		timeout, _, err := p.durationAttr(se, "timeout")
		if err != nil {
			return nil, err
		}
		filter, err := p.textContent()
		if err != nil {
			return nil, err
		}
		return &engine.WaitAlarm{Filter: filter, Mode: mode, Timeout: timeout.Duration()}, nil

	case "goto":
		state, err := p.textContent()
		if err != nil {
			return nil, err
		}
		if state == "" {
			return nil, p.errorf("<goto> names no state")
		}
		return &engine.Goto{State: state}, nil

	case "set_tag":
		tag, err := p.requiredAttr(se, "tag")
		if err != nil {
			return nil, err
		}
		value, err := p.textContent()
		if err != nil {
			return nil, err
		}
		return &engine.SetTag{Tag: tag, Value: value}, nil

	case "set_volume":
		return p.parseSetVolume(se)

	case "ignore_alarms":
		permanent := false
		if v, ok := attr(se, "permanent"); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, p.errorf("<ignore_alarms> attribute \"permanent\": %v", err)
			}
			permanent = b
		}
		filter, err := p.textContent()
		if err != nil {
			return nil, err
		}
		return &engine.IgnoreAlarms{Filter: filter, Permanent: permanent}, nil

	case "restore_alarms":
		filter, err := p.textContent()
		if err != nil {
			return nil, err
		}
		return &engine.RestoreAlarms{Filter: filter}, nil

	case "debug":
		text, err := p.textContent()
		if err != nil {
			return nil, err
		}
		return &engine.Debug{Message: text}, nil

	case "action":
		use, err := p.requiredAttr(se, "use")
		if err != nil {
			return nil, err
		}
		action, ok := p.named[use]
		if !ok {
			return nil, p.errorf("<action use=%q> is unresolved", use)
		}
		if err := p.skip(); err != nil {
			return nil, err
		}
		return action, nil
	}
	return nil, p.errorf("unknown action element <%s>", se.Name.Local)
}

func (p *parser) parseWaitTag(se *xml.StartElement) (engine.Action, error) {
	var cond tags.Condition
	for _, op := range []tags.Op{tags.OpEq, tags.OpNe, tags.OpLt, tags.OpLe, tags.OpGt, tags.OpGe} {
		if v, ok := attr(se, string(op)); ok {
			num, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, p.errorf("<wait_tag> attribute %q: %v", string(op), err)
			}
			cond.Compares = append(cond.Compares, tags.Compare{Op: op, Num: num})
		}
	}
	if v, ok := attr(se, "eq_str"); ok {
		cond.Compares = append(cond.Compares, tags.Compare{Op: tags.OpEqStr, Str: v})
	}
	if v, ok := attr(se, "ne_str"); ok {
		cond.Compares = append(cond.Compares, tags.Compare{Op: tags.OpNeStr, Str: v})
	}
	if _, ok := attr(se, "changed"); ok {
		cond.Changed = true
	}
	if !cond.Changed && len(cond.Compares) == 0 {
		return nil, p.errorf("<wait_tag> declares no condition")
	}
	timeout, _, err := p.durationAttr(se, "timeout")
	if err != nil {
		return nil, err
	}
	tag, err := p.textContent()
	if err != nil {
		return nil, err
	}
	if tag == "" {
		return nil, p.errorf("<wait_tag> names no tag")
	}
	return &engine.WaitTag{Tag: tag, Cond: cond, Timeout: timeout.Duration()}, nil
}

// parseSetVolume reads either a literal decimal body or a <tag_value> child.
func (p *parser) parseSetVolume(se *xml.StartElement) (engine.Action, error) {
	control, err := p.requiredAttr(se, "control")
	if err != nil {
		return nil, err
	}
	var text strings.Builder
	fromTag := ""
	for {
		tok, err := p.dec.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local != "tag_value" {
				return nil, p.errorf("unexpected element <%s> in <set_volume>", t.Name.Local)
			}
			fromTag, err = p.textContent()
			if err != nil {
				return nil, err
			}
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			if fromTag != "" {
				return &engine.SetVolume{Control: control, FromTag: fromTag}, nil
			}
			gain, err := strconv.ParseFloat(strings.TrimSpace(text.String()), 64)
			if err != nil {
				return nil, p.errorf("<set_volume> body must be a decimal gain or <tag_value>: %v", err)
			}
			return &engine.SetVolume{Control: control, Gain: gain}, nil
		}
	}
}
