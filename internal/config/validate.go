package config

import (
	"errors"
	"fmt"

	"github.com/elektro-kapsel/hmiaudio/internal/alarms"
	"github.com/elektro-kapsel/hmiaudio/internal/engine"
)

// Validate checks that cfg contains a coherent set of values: clip, filter,
// control and state references resolve, ids are unique, and the device format
// is playable. It returns a joined error listing all failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Device.Rate <= 0 {
		errs = append(errs, fmt.Errorf("playback_device rate %d is invalid", cfg.Device.Rate))
	}
	if cfg.Device.Channels != 1 && cfg.Device.Channels != 2 {
		errs = append(errs, fmt.Errorf("playback_device channels %d is invalid; must be 1 or 2", cfg.Device.Channels))
	}
	if cfg.Device.Voices <= 0 {
		errs = append(errs, fmt.Errorf("playback_device voices %d is invalid", cfg.Device.Voices))
	}

	clipIDs := make(map[string]bool, len(cfg.Clips))
	for _, c := range cfg.Clips {
		if clipIDs[c.ID] {
			errs = append(errs, fmt.Errorf("duplicate clip id %q", c.ID))
		}
		clipIDs[c.ID] = true
	}

	controlIDs := make(map[string]bool, len(cfg.VolumeControls))
	for _, vc := range cfg.VolumeControls {
		if controlIDs[vc.ID] {
			errs = append(errs, fmt.Errorf("duplicate volume control id %q", vc.ID))
		}
		controlIDs[vc.ID] = true
		if vc.Initial < 0 {
			errs = append(errs, fmt.Errorf("volume control %q initial gain %v is negative", vc.ID, vc.Initial))
		}
	}

	filterIDs := make(map[string]bool, len(cfg.Filters))
	for _, f := range cfg.Filters {
		if filterIDs[f.ID] {
			errs = append(errs, fmt.Errorf("duplicate alarm filter id %q", f.ID))
		}
		filterIDs[f.ID] = true
		if _, err := alarms.ParseFilter(f.Expression); err != nil {
			errs = append(errs, fmt.Errorf("alarm filter %q: %w", f.ID, err))
		}
	}

	// wait_tag may target subscribed tags, the filters' count tags, or tags
	// the machines themselves write.
	tagDeclared := make(map[string]bool, len(cfg.Tags))
	for _, name := range cfg.Tags {
		tagDeclared[name] = true
	}
	for _, f := range cfg.Filters {
		if f.TagMatching != "" {
			tagDeclared[f.TagMatching] = true
		}
		if f.TagIgnored != "" {
			tagDeclared[f.TagIgnored] = true
		}
	}
	for _, m := range cfg.Machines {
		for _, st := range m.States {
			for _, action := range st.Actions {
				walkActions(action, func(a engine.Action) {
					if node, ok := a.(*engine.SetTag); ok {
						tagDeclared[node.Tag] = true
					}
				})
			}
		}
	}

	machineIDs := make(map[string]bool, len(cfg.Machines))
	for _, m := range cfg.Machines {
		if machineIDs[m.ID] {
			errs = append(errs, fmt.Errorf("duplicate state machine id %q", m.ID))
		}
		machineIDs[m.ID] = true

		stateIDs := make(map[string]bool, len(m.States))
		for _, st := range m.States {
			if stateIDs[st.ID] {
				errs = append(errs, fmt.Errorf("state machine %q: duplicate state id %q", m.ID, st.ID))
			}
			stateIDs[st.ID] = true
		}

		for _, st := range m.States {
			for _, action := range st.Actions {
				walkActions(action, func(a engine.Action) {
					switch node := a.(type) {
					case *engine.Play:
						if !clipIDs[node.Clip] {
							errs = append(errs, fmt.Errorf("state machine %q state %q: play references unknown clip %q", m.ID, st.ID, node.Clip))
						}
					case *engine.Goto:
						if !stateIDs[node.State] {
							errs = append(errs, fmt.Errorf("state machine %q state %q: goto references unknown state %q", m.ID, st.ID, node.State))
						}
					case *engine.WaitAlarm:
						if !filterIDs[node.Filter] {
							errs = append(errs, fmt.Errorf("state machine %q state %q: wait_alarm references unknown filter %q", m.ID, st.ID, node.Filter))
						}
					case *engine.IgnoreAlarms:
						if !filterIDs[node.Filter] {
							errs = append(errs, fmt.Errorf("state machine %q state %q: ignore_alarms references unknown filter %q", m.ID, st.ID, node.Filter))
						}
					case *engine.RestoreAlarms:
						if !filterIDs[node.Filter] {
							errs = append(errs, fmt.Errorf("state machine %q state %q: restore_alarms references unknown filter %q", m.ID, st.ID, node.Filter))
						}
					case *engine.SetVolume:
						if !controlIDs[node.Control] {
							errs = append(errs, fmt.Errorf("state machine %q state %q: set_volume references unknown control %q", m.ID, st.ID, node.Control))
						}
					case *engine.WaitTag:
						if !tagDeclared[node.Tag] {
							errs = append(errs, fmt.Errorf("state machine %q state %q: wait_tag references undeclared tag %q", m.ID, st.ID, node.Tag))
						}
					}
				})
			}
		}
	}

	return errors.Join(errs...)
}

// walkActions visits every node of an action tree. Shared subtrees reached
// through <action use=> are visited once per reference; they are acyclic by
// construction.
func walkActions(a engine.Action, visit func(engine.Action)) {
	visit(a)
	switch node := a.(type) {
	case *engine.Sequence:
		for _, child := range node.Children {
			walkActions(child, visit)
		}
	case *engine.Parallel:
		for _, child := range node.Children {
			walkActions(child, visit)
		}
	case *engine.Repeat:
		walkActions(node.Body, visit)
	}
}
