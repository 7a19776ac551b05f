package engine_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/elektro-kapsel/hmiaudio/internal/alarms"
	"github.com/elektro-kapsel/hmiaudio/internal/engine"
	"github.com/elektro-kapsel/hmiaudio/internal/tags"
)

// fakePlayer records play requests and simulates clip playback by sleeping.
type fakePlayer struct {
	mu       sync.Mutex
	plays    []string
	clipTime time.Duration
}

func (p *fakePlayer) PlayClip(ctx context.Context, clipID string, priority int, timeout time.Duration) error {
	p.mu.Lock()
	p.plays = append(p.plays, clipID)
	p.mu.Unlock()

	wait := p.clipTime
	if timeout > 0 && timeout < wait {
		wait = timeout
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *fakePlayer) played() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.plays))
	copy(out, p.plays)
	return out
}

// fakeVolumes records SetVolume calls.
type fakeVolumes struct {
	mu    sync.Mutex
	gains map[string]float64
}

func (v *fakeVolumes) SetVolume(control string, gain float64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.gains == nil {
		v.gains = make(map[string]float64)
	}
	v.gains[control] = gain
	return nil
}

func (v *fakeVolumes) gain(control string) float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.gains[control]
}

func testRuntime(player *fakePlayer) (*engine.Runtime, *tags.Cache) {
	cache := tags.New()
	return &engine.Runtime{
		Player:  player,
		Tags:    cache,
		Volumes: &fakeVolumes{},
	}, cache
}

func TestSequenceRunsInOrder(t *testing.T) {
	t.Parallel()

	player := &fakePlayer{}
	rt, _ := testRuntime(player)

	seq := &engine.Sequence{Children: []engine.Action{
		&engine.Play{Clip: "a"},
		&engine.Play{Clip: "b"},
		&engine.Play{Clip: "c"},
	}}
	if err := seq.Run(context.Background(), rt); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := player.played()
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("played = %v, want [a b c]", got)
	}
}

func TestRepeatCount(t *testing.T) {
	t.Parallel()

	player := &fakePlayer{}
	rt, _ := testRuntime(player)

	rep := &engine.Repeat{Count: 3, Body: &engine.Play{Clip: "x"}}
	if err := rep.Run(context.Background(), rt); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := player.played(); len(got) != 3 {
		t.Fatalf("played %d times, want 3", len(got))
	}
}

// repeat count=1 equals a sequence of the same body.
func TestRepeatOnceEqualsSequence(t *testing.T) {
	t.Parallel()

	player := &fakePlayer{}
	rt, _ := testRuntime(player)
	rep := &engine.Repeat{Count: 1, Body: &engine.Sequence{Children: []engine.Action{
		&engine.Play{Clip: "x"}, &engine.Play{Clip: "y"},
	}}}
	if err := rep.Run(context.Background(), rt); err != nil {
		t.Fatalf("Run: %v", err)
	}

	player2 := &fakePlayer{}
	rt2, _ := testRuntime(player2)
	seq := &engine.Sequence{Children: []engine.Action{
		&engine.Play{Clip: "x"}, &engine.Play{Clip: "y"},
	}}
	if err := seq.Run(context.Background(), rt2); err != nil {
		t.Fatalf("Run: %v", err)
	}

	a, b := player.played(), player2.played()
	if len(a) != len(b) {
		t.Fatalf("repeat count=1 played %v, sequence played %v", a, b)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("repeat count=1 played %v, sequence played %v", a, b)
		}
	}
}

func TestInfiniteRepeatHonoursCancellation(t *testing.T) {
	t.Parallel()

	player := &fakePlayer{clipTime: time.Millisecond}
	rt, _ := testRuntime(player)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- (&engine.Repeat{Body: &engine.Play{Clip: "x"}}).Run(ctx, rt)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("infinite repeat did not stop on cancellation")
	}
	if len(player.played()) == 0 {
		t.Fatal("repeat never played")
	}
}

func TestParallelWaitsForAllChildren(t *testing.T) {
	t.Parallel()

	var running atomic.Int32
	var peak atomic.Int32
	child := func(d time.Duration) engine.Action {
		return actionFunc(func(ctx context.Context, rt *engine.Runtime) error {
			n := running.Add(1)
			if n > peak.Load() {
				peak.Store(n)
			}
			defer running.Add(-1)
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-timer.C:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}

	par := &engine.Parallel{Children: []engine.Action{
		child(10 * time.Millisecond),
		child(30 * time.Millisecond),
		child(20 * time.Millisecond),
	}}
	rt, _ := testRuntime(&fakePlayer{})
	start := time.Now()
	if err := par.Run(context.Background(), rt); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Fatalf("parallel completed after %v, before the slowest child", elapsed)
	}
	if running.Load() != 0 {
		t.Fatal("children still running after parallel returned")
	}
	if peak.Load() != 3 {
		t.Fatalf("peak concurrency = %d, want 3", peak.Load())
	}
}

// actionFunc adapts a function to the Action interface for tests.
type actionFunc func(ctx context.Context, rt *engine.Runtime) error

func (f actionFunc) Run(ctx context.Context, rt *engine.Runtime) error { return f(ctx, rt) }

func TestWaitTagAction(t *testing.T) {
	t.Parallel()

	rt, cache := testRuntime(&fakePlayer{})
	cache.Update("Trig", "0")

	done := make(chan error, 1)
	go func() {
		done <- (&engine.WaitTag{
			Tag:  "Trig",
			Cond: tags.Condition{Compares: []tags.Compare{{Op: tags.OpEq, Num: 1}}},
		}).Run(context.Background(), rt)
	}()

	time.Sleep(20 * time.Millisecond)
	cache.Update("Trig", "1")

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WaitTag: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitTag did not wake")
	}
}

func TestWaitTagTimeoutReturnsNormally(t *testing.T) {
	t.Parallel()

	rt, cache := testRuntime(&fakePlayer{})
	cache.Declare("Never")

	start := time.Now()
	err := (&engine.WaitTag{
		Tag:     "Never",
		Cond:    tags.Condition{Changed: true},
		Timeout: 30 * time.Millisecond,
	}).Run(context.Background(), rt)
	if err != nil {
		t.Fatalf("WaitTag with timeout = %v, want nil", err)
	}
	if time.Since(start) < 25*time.Millisecond {
		t.Fatal("WaitTag returned before the timeout")
	}
}

func TestSetTagThenWaitTagDoesNotSuspend(t *testing.T) {
	t.Parallel()

	rt, _ := testRuntime(&fakePlayer{})
	seq := &engine.Sequence{Children: []engine.Action{
		&engine.SetTag{Tag: "T", Value: "7"},
		&engine.WaitTag{Tag: "T", Cond: tags.Condition{Compares: []tags.Compare{{Op: tags.OpEq, Num: 7}}}},
	}}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := seq.Run(ctx, rt); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestSetVolumeLiteralAndTag(t *testing.T) {
	t.Parallel()

	vols := &fakeVolumes{}
	cache := tags.New()
	rt := &engine.Runtime{Player: &fakePlayer{}, Tags: cache, Volumes: vols}

	if err := (&engine.SetVolume{Control: "main", Gain: 0.7}).Run(context.Background(), rt); err != nil {
		t.Fatalf("SetVolume literal: %v", err)
	}
	if g := vols.gain("main"); g != 0.7 {
		t.Fatalf("gain = %v, want 0.7", g)
	}

	cache.Update("Vol", "0.25")
	if err := (&engine.SetVolume{Control: "main", FromTag: "Vol"}).Run(context.Background(), rt); err != nil {
		t.Fatalf("SetVolume from tag: %v", err)
	}
	if g := vols.gain("main"); g != 0.25 {
		t.Fatalf("gain = %v, want 0.25", g)
	}

	// Non-numeric tag value sets gain 0.
	cache.Update("Vol", "loud")
	if err := (&engine.SetVolume{Control: "main", FromTag: "Vol"}).Run(context.Background(), rt); err != nil {
		t.Fatalf("SetVolume from bad tag: %v", err)
	}
	if g := vols.gain("main"); g != 0 {
		t.Fatalf("gain = %v, want 0 for non-numeric tag", g)
	}
}

func TestWaitAlarmAction(t *testing.T) {
	t.Parallel()

	reg, err := alarms.NewRegistry([]alarms.FilterConfig{{ID: "F", Expression: "State = 1"}}, nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	rt := &engine.Runtime{Player: &fakePlayer{}, Tags: tags.New(), Alarms: reg, Volumes: &fakeVolumes{}}

	done := make(chan error, 1)
	go func() {
		done <- (&engine.WaitAlarm{Filter: "F", Mode: alarms.CountAny}).Run(context.Background(), rt)
	}()
	time.Sleep(20 * time.Millisecond)
	reg.HandleAlarm(alarms.Alarm{ID: 1, InstanceID: 1, State: alarms.StateRaised})

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WaitAlarm: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitAlarm did not wake")
	}
}
