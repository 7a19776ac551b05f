package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// State is one named state of a machine: an ordered list of top-level action
// nodes, each of which runs as its own task while the state is active.
type State struct {
	ID      string
	Actions []Action
}

// Machine hosts one configured state machine. At most one state is active at a
// time; entering a state starts one task per top-level node and a goto cancels
// the whole task set, waits for it to drain, then enters the target.
type Machine struct {
	id           string
	states       []State
	index        map[string]int
	rt           *Runtime
	transitions  chan string
	onTransition func(machine, state string)
}

// NewMachine builds a machine over the given states. The first state is the
// initial one. The runtime is copied so that goto binds to this machine.
func NewMachine(id string, states []State, rt Runtime) (*Machine, error) {
	if len(states) == 0 {
		return nil, fmt.Errorf("state machine %q has no states", id)
	}
	index := make(map[string]int, len(states))
	for i, st := range states {
		if _, ok := index[st.ID]; ok {
			return nil, fmt.Errorf("state machine %q: duplicate state id %q", id, st.ID)
		}
		index[st.ID] = i
	}
	m := &Machine{
		id:          id,
		states:      states,
		index:       index,
		transitions: make(chan string, 1),
	}
	rt.requestGoto = m.requestGoto
	m.rt = &rt
	return m, nil
}

// ID returns the machine's configured id.
func (m *Machine) ID() string { return m.id }

// States reports the declared state ids in declaration order.
func (m *Machine) States() []string {
	ids := make([]string, len(m.states))
	for i, st := range m.states {
		ids[i] = st.ID
	}
	return ids
}

// OnTransition registers a hook invoked whenever the machine enters a state,
// including the initial one. Must be set before Run.
func (m *Machine) OnTransition(fn func(machine, state string)) {
	m.onTransition = fn
}

// requestGoto posts a transition target. The first request during a state's
// lifetime wins; later ones are dropped because the task set is about to be
// cancelled anyway.
func (m *Machine) requestGoto(state string) {
	select {
	case m.transitions <- state:
	default:
	}
}

// Run executes the machine until ctx is cancelled. If all tasks of a state
// complete without a goto, the machine stays idle in that state.
func (m *Machine) Run(ctx context.Context) error {
	current := 0
	for {
		st := m.states[current]
		slog.Debug("entering state", "machine", m.id, "state", st.ID)
		if m.onTransition != nil {
			m.onTransition(m.id, st.ID)
		}

		stateCtx, cancel := context.WithCancel(ctx)
		g, gctx := errgroup.WithContext(stateCtx)
		for _, action := range st.Actions {
			action := action
			g.Go(func() error {
				return action.Run(gctx, m.rt)
			})
		}
		done := make(chan error, 1)
		go func() { done <- g.Wait() }()

		var target string
		select {
		case target = <-m.transitions:
			// Cancel the whole task set and wait for it to drain before
			// entering the next state.
			cancel()
			<-done
		case err := <-done:
			cancel()
			if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, errStateChanged) {
				slog.Error("state task failed", "machine", m.id, "state", st.ID, "err", err)
			}
			// A goto may have fired just as the group drained.
			select {
			case target = <-m.transitions:
			default:
			}
			if target == "" {
				// All tasks done, no transition: idle here.
				select {
				case target = <-m.transitions:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		case <-ctx.Done():
			cancel()
			<-done
			return ctx.Err()
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		next, ok := m.index[target]
		if !ok {
			// Guarded at load; defend at runtime by staying put.
			slog.Error("goto to unknown state", "machine", m.id, "state", target)
			continue
		}
		current = next
	}
}

// Controller runs all configured machines concurrently.
type Controller struct {
	machines []*Machine
}

// NewController groups machines for collective execution.
func NewController(machines []*Machine) *Controller {
	return &Controller{machines: machines}
}

// Machines returns the hosted machines.
func (c *Controller) Machines() []*Machine { return c.machines }

// Run starts every machine and blocks until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, m := range c.machines {
		m := m
		g.Go(func() error {
			return m.Run(gctx)
		})
	}
	return g.Wait()
}
