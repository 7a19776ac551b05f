package engine

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/elektro-kapsel/hmiaudio/internal/alarms"
	"github.com/elektro-kapsel/hmiaudio/internal/tags"
)

// errStateChanged unwinds an action tree after a goto has been posted to the
// state machine. It is a control signal, not a failure.
var errStateChanged = errors.New("state changed")

// Sequence runs its children in order, aborting on the first cancellation.
type Sequence struct {
	Children []Action
}

func (s *Sequence) Run(ctx context.Context, rt *Runtime) error {
	for _, child := range s.Children {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := child.Run(ctx, rt); err != nil {
			return err
		}
	}
	return nil
}

// Parallel starts all children and completes when every child has completed.
// Cancellation, and a goto in any child, propagates to all children.
type Parallel struct {
	Children []Action
}

func (p *Parallel) Run(ctx context.Context, rt *Runtime) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, child := range p.Children {
		child := child
		g.Go(func() error {
			return child.Run(gctx, rt)
		})
	}
	return g.Wait()
}

// Repeat loops over its body: forever when Count is zero, else Count times.
type Repeat struct {
	Count uint
	Body  Action
}

func (r *Repeat) Run(ctx context.Context, rt *Runtime) error {
	for i := uint(0); r.Count == 0 || i < r.Count; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.Body.Run(ctx, rt); err != nil {
			return err
		}
	}
	return nil
}

// Play starts a voice for a clip and blocks until the voice ends — naturally,
// preempted, cancelled or rejected. A nonzero Timeout cancels the voice after
// that duration; the action still returns normally. A clip the mixer does not
// know is logged and treated like a rejected voice.
type Play struct {
	Clip     string
	Priority int
	Timeout  time.Duration
}

func (p *Play) Run(ctx context.Context, rt *Runtime) error {
	err := rt.Player.PlayClip(ctx, p.Clip, p.Priority, p.Timeout)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	slog.Warn("play action failed, continuing", "clip", p.Clip, "err", err)
	return nil
}

// Wait suspends for a fixed duration.
type Wait struct {
	Duration time.Duration
}

func (w *Wait) Run(ctx context.Context, rt *Runtime) error {
	timer := time.NewTimer(w.Duration)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitTag suspends until the tag satisfies the condition. A nonzero Timeout
// bounds the wait; expiry completes the action normally.
type WaitTag struct {
	Tag     string
	Cond    tags.Condition
	Timeout time.Duration
}

func (w *WaitTag) Run(ctx context.Context, rt *Runtime) error {
	return runBounded(ctx, w.Timeout, func(ctx context.Context) error {
		return rt.Tags.Wait(ctx, w.Tag, w.Cond)
	})
}

// WaitAlarm suspends until the alarm filter's count makes a transition
// matching Mode. A nonzero Timeout bounds the wait; expiry completes the
// action normally.
type WaitAlarm struct {
	Filter  string
	Mode    alarms.CountMode
	Timeout time.Duration
}

func (w *WaitAlarm) Run(ctx context.Context, rt *Runtime) error {
	return runBounded(ctx, w.Timeout, func(ctx context.Context) error {
		return rt.Alarms.Wait(ctx, w.Filter, w.Mode)
	})
}

// runBounded runs fn under an optional deadline. Deadline expiry is a normal
// completion; cancellation of the parent context is not.
func runBounded(parent context.Context, timeout time.Duration, fn func(context.Context) error) error {
	if timeout <= 0 {
		return fn(parent)
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	err := fn(ctx)
	if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
		return nil
	}
	return err
}

// Goto posts a transition to the enclosing state machine and unwinds its own
// task. It never returns to its caller's sequence.
type Goto struct {
	State string
}

func (g *Goto) Run(ctx context.Context, rt *Runtime) error {
	if rt.requestGoto == nil {
		slog.Error("goto outside a state machine", "state", g.State)
		return errStateChanged
	}
	rt.requestGoto(g.State)
	return errStateChanged
}

// SetTag writes a tag value locally and upstream, then waits for the
// runtime's write confirmation (bounded by the cache's confirmation window).
type SetTag struct {
	Tag   string
	Value string
}

func (s *SetTag) Run(ctx context.Context, rt *Runtime) error {
	if err := rt.Tags.WriteConfirmed(ctx, s.Tag, s.Value); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Warn("set_tag failed, continuing", "tag", s.Tag, "err", err)
	}
	return nil
}

// SetVolume sets a named control's gain: either the literal Gain, or — when
// FromTag is set — the tag's current value parsed as a decimal (0 when the
// value is absent or unparsable).
type SetVolume struct {
	Control string
	Gain    float64
	FromTag string
}

func (s *SetVolume) Run(ctx context.Context, rt *Runtime) error {
	gain := s.Gain
	if s.FromTag != "" {
		gain = 0
		if v, ok := rt.Tags.Value(s.FromTag); ok {
			if parsed, err := strconv.ParseFloat(v, 64); err == nil {
				gain = parsed
			}
		}
	}
	if err := rt.Volumes.SetVolume(s.Control, gain); err != nil {
		slog.Warn("set_volume failed, continuing", "control", s.Control, "err", err)
	}
	return nil
}

// IgnoreAlarms suppresses every currently-active alarm of a filter.
type IgnoreAlarms struct {
	Filter    string
	Permanent bool
}

func (a *IgnoreAlarms) Run(ctx context.Context, rt *Runtime) error {
	rt.Alarms.Ignore(a.Filter, a.Permanent)
	return nil
}

// RestoreAlarms clears a filter's ignored sets.
type RestoreAlarms struct {
	Filter string
}

func (a *RestoreAlarms) Run(ctx context.Context, rt *Runtime) error {
	rt.Alarms.Restore(a.Filter)
	return nil
}

// Debug emits a diagnostic line. It always succeeds.
type Debug struct {
	Message string
}

func (d *Debug) Run(ctx context.Context, rt *Runtime) error {
	slog.Info(d.Message)
	return nil
}
