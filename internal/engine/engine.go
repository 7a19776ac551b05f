// Package engine executes the declarative action trees of the configured state
// machines. Every action kind is a concrete [Action] implementation; one
// goroutine runs per top-level action node of the active state, and every
// suspension point honours cooperative cancellation through the context.
package engine

import (
	"context"
	"time"

	"github.com/elektro-kapsel/hmiaudio/internal/alarms"
	"github.com/elektro-kapsel/hmiaudio/internal/tags"
)

// ClipPlayer starts a voice and blocks until it completes. Implemented by an
// adapter over the mixer's PlayClip in the application wiring.
type ClipPlayer interface {
	PlayClip(ctx context.Context, clipID string, priority int, timeout time.Duration) error
}

// TagStore is the tag cache surface used by actions. WriteConfirmed blocks
// until the runtime confirms the write or a short confirmation window
// elapses.
type TagStore interface {
	Wait(ctx context.Context, name string, cond tags.Condition) error
	Write(ctx context.Context, name, value string) error
	WriteConfirmed(ctx context.Context, name, value string) error
	Value(name string) (string, bool)
}

// AlarmStore is the alarm registry surface used by actions.
type AlarmStore interface {
	Wait(ctx context.Context, filter string, mode alarms.CountMode) error
	Ignore(filter string, permanent bool)
	Restore(filter string)
}

// VolumeSetter adjusts a named software volume control. Implemented by the
// mixer.
type VolumeSetter interface {
	SetVolume(control string, gain float64) error
}

// Runtime bundles the collaborators an action tree executes against. Each
// state machine gets its own Runtime so that goto reaches the right machine.
type Runtime struct {
	Player  ClipPlayer
	Tags    TagStore
	Alarms  AlarmStore
	Volumes VolumeSetter

	// requestGoto posts a transition to the enclosing state machine.
	// Set by the machine; nil outside machine execution.
	requestGoto func(state string)
}

// Action is one node of a declarative action tree. Run returns nil on normal
// completion, the context error on cancellation, or errStateChanged when a
// goto beneath it fired. Trees are immutable after configuration load; all
// execution state lives in the call stack.
type Action interface {
	Run(ctx context.Context, rt *Runtime) error
}
