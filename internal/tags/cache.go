// Package tags maintains the live tag cache shared with the HMI runtime: the
// last known value and change epoch per tag, waiter wake-up on updates, and the
// outbound queue of tag writes destined for the upstream connection.
package tags

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// writeQueueCap bounds the outbound write queue. A full queue blocks the
// writing task, never the upstream reader.
const writeQueueCap = 64

// confirmTimeout bounds how long a confirmed write waits for the runtime's
// NotifyWriteTag before giving up and continuing.
const confirmTimeout = 500 * time.Millisecond

// WriteRequest is an outbound tag write to be delivered to the HMI runtime.
type WriteRequest struct {
	Name  string
	Value string
}

type tag struct {
	value   string
	known   bool
	epoch   uint64
	changed chan struct{}
}

// Cache is the tag value cache. All methods are safe for concurrent use.
//
// Updates are edge-triggered: every accepted update advances the tag's change
// epoch, even when the value is unchanged, and wakes all waiters on that tag.
type Cache struct {
	mu       sync.Mutex
	tags     map[string]*tag
	writes   chan WriteRequest
	confirms map[string][]chan struct{}
}

// New creates an empty cache. Tags named in the configuration should be added
// with [Cache.Declare] before the upstream subscription is issued.
func New() *Cache {
	return &Cache{
		tags:     make(map[string]*tag),
		writes:   make(chan WriteRequest, writeQueueCap),
		confirms: make(map[string][]chan struct{}),
	}
}

// Declare registers a tag without a known value. Declaring an existing tag is
// a no-op.
func (c *Cache) Declare(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureLocked(name)
}

// Names returns all declared or observed tag names.
func (c *Cache) Names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.tags))
	for name := range c.tags {
		names = append(names, name)
	}
	return names
}

// Value returns the last known value of a tag. The second result is false when
// the tag has never been observed.
func (c *Cache) Value(name string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tags[name]
	if !ok || !t.known {
		return "", false
	}
	return t.value, true
}

// Update stores a new value for a tag and wakes every waiter on it. The change
// epoch advances unconditionally, so a same-value update still satisfies
// "changed" waiters. Unknown tags are created on first observation.
func (c *Cache) Update(name, value string) {
	c.mu.Lock()
	t := c.ensureLocked(name)
	t.value = value
	t.known = true
	t.epoch++
	woken := t.changed
	t.changed = make(chan struct{})
	c.mu.Unlock()

	// Wake waiters outside the critical section.
	close(woken)
}

// Write behaves like [Cache.Update] and additionally queues an outbound write
// for the upstream connection. The local update is visible before Write
// returns, so a wait_tag issued immediately afterwards observes the new value
// without suspending. Blocks when the outbound queue is full.
func (c *Cache) Write(ctx context.Context, name, value string) error {
	c.Update(name, value)
	select {
	case c.writes <- WriteRequest{Name: name, Value: value}:
		return nil
	case <-ctx.Done():
		slog.Warn("tag write dropped, outbound queue full", "tag", name)
		return ctx.Err()
	}
}

// WriteConfirmed behaves like [Cache.Write] and additionally waits until the
// runtime confirms the write with a NotifyWriteTag for this tag, delivered via
// [Cache.Confirm]. A confirmation that does not arrive within confirmTimeout
// is logged and the write is treated as done; the set_tag action must not
// stall a state machine on a slow runtime.
func (c *Cache) WriteConfirmed(ctx context.Context, name, value string) error {
	done := make(chan struct{})
	c.mu.Lock()
	c.confirms[name] = append(c.confirms[name], done)
	c.mu.Unlock()

	if err := c.Write(ctx, name, value); err != nil {
		c.dropConfirmWaiter(name, done)
		return err
	}

	timer := time.NewTimer(confirmTimeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		c.dropConfirmWaiter(name, done)
		slog.Debug("tag write not confirmed in time", "tag", name)
		return nil
	case <-ctx.Done():
		c.dropConfirmWaiter(name, done)
		return ctx.Err()
	}
}

// Confirm completes the waiters registered by [Cache.WriteConfirmed] for the
// named tags. Called when the upstream connection delivers a NotifyWriteTag.
func (c *Cache) Confirm(names []string) {
	var woken []chan struct{}
	c.mu.Lock()
	for _, name := range names {
		woken = append(woken, c.confirms[name]...)
		delete(c.confirms, name)
	}
	c.mu.Unlock()
	for _, ch := range woken {
		close(ch)
	}
}

// dropConfirmWaiter unregisters one waiter that gave up.
func (c *Cache) dropConfirmWaiter(name string, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	waiters := c.confirms[name]
	for i, ch := range waiters {
		if ch == done {
			c.confirms[name] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(c.confirms[name]) == 0 {
		delete(c.confirms, name)
	}
}

// TryWrite is Write without blocking: the local update always happens, and
// when the outbound queue is full the upstream write is dropped with a
// warning. Used by callers that must not stall, like alarm-count publication.
func (c *Cache) TryWrite(name, value string) {
	c.Update(name, value)
	select {
	case c.writes <- WriteRequest{Name: name, Value: value}:
	default:
		slog.Warn("tag write dropped, outbound queue full", "tag", name)
	}
}

// Writes is the outbound queue consumed by the upstream connection pump.
func (c *Cache) Writes() <-chan WriteRequest { return c.writes }

// Wait suspends until cond holds for the named tag.
//
// Conditions without Changed are level-checked first: if the current value
// already satisfies every comparison, Wait returns immediately. A Changed
// condition requires the change epoch to advance past the value at entry, so
// it always suspends for at least one update.
func (c *Cache) Wait(ctx context.Context, name string, cond Condition) error {
	c.mu.Lock()
	t := c.ensureLocked(name)
	if !cond.Changed && t.known && cond.Holds(t.value) {
		c.mu.Unlock()
		return nil
	}
	for {
		ch := t.changed
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}

		c.mu.Lock()
		if t.known && cond.Holds(t.value) {
			c.mu.Unlock()
			return nil
		}
	}
}

// ensureLocked returns the tag entry for name, creating it if needed.
// Call with c.mu held.
func (c *Cache) ensureLocked(name string) *tag {
	t, ok := c.tags[name]
	if !ok {
		t = &tag{changed: make(chan struct{})}
		c.tags[name] = t
	}
	return t
}
