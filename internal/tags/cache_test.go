package tags_test

import (
	"context"
	"testing"
	"time"

	"github.com/elektro-kapsel/hmiaudio/internal/tags"
)

func TestCompareHolds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		cmp   tags.Compare
		value string
		want  bool
	}{
		{"eq match", tags.Compare{Op: tags.OpEq, Num: 1}, "1", true},
		{"eq decimal match", tags.Compare{Op: tags.OpEq, Num: 1}, "1.0", true},
		{"eq mismatch", tags.Compare{Op: tags.OpEq, Num: 1}, "2", false},
		{"eq unparsable", tags.Compare{Op: tags.OpEq, Num: 1}, "on", false},
		{"ne", tags.Compare{Op: tags.OpNe, Num: 1}, "2", true},
		{"lt", tags.Compare{Op: tags.OpLt, Num: 5}, "4.9", true},
		{"le boundary", tags.Compare{Op: tags.OpLe, Num: 5}, "5", true},
		{"gt", tags.Compare{Op: tags.OpGt, Num: 5}, "5", false},
		{"ge boundary", tags.Compare{Op: tags.OpGe, Num: 5}, "5", true},
		{"eq_str", tags.Compare{Op: tags.OpEqStr, Str: "on"}, "on", true},
		{"eq_str no numeric coercion", tags.Compare{Op: tags.OpEqStr, Str: "1"}, "1.0", false},
		{"ne_str", tags.Compare{Op: tags.OpNeStr, Str: "on"}, "off", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.cmp.Holds(tc.value); got != tc.want {
				t.Errorf("Holds(%q) = %v, want %v", tc.value, got, tc.want)
			}
		})
	}
}

func TestWaitReturnsImmediatelyWhenSatisfied(t *testing.T) {
	t.Parallel()

	c := tags.New()
	c.Update("Tag1", "1")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	cond := tags.Condition{Compares: []tags.Compare{{Op: tags.OpEq, Num: 1}}}
	if err := c.Wait(ctx, "Tag1", cond); err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}
}

func TestWaitWakesOnUpdate(t *testing.T) {
	t.Parallel()

	c := tags.New()
	c.Update("Tag1", "0")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		cond := tags.Condition{Compares: []tags.Compare{{Op: tags.OpEq, Num: 1}}}
		done <- c.Wait(ctx, "Tag1", cond)
	}()

	// An update that does not satisfy the condition must not wake the waiter
	// for good.
	c.Update("Tag1", "2")
	select {
	case err := <-done:
		t.Fatalf("Wait returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	c.Update("Tag1", "1")
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Wait returned error: %v", err)
		}
	case <-ctx.Done():
		t.Fatal("Wait did not wake on satisfying update")
	}
}

func TestChangedWakesOnSameValueWrite(t *testing.T) {
	t.Parallel()

	c := tags.New()
	c.Update("V", "1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- c.Wait(ctx, "V", tags.Condition{Changed: true})
	}()

	// Changed must not be satisfied by the value at entry.
	select {
	case err := <-done:
		t.Fatalf("Wait returned before any update: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	// Same value again: the epoch advances, the waiter wakes.
	c.Update("V", "1")
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Wait returned error: %v", err)
		}
	case <-ctx.Done():
		t.Fatal("changed waiter did not wake on same-value update")
	}
}

func TestConjunction(t *testing.T) {
	t.Parallel()

	c := tags.New()
	c.Update("T", "5")

	cond := tags.Condition{Compares: []tags.Compare{
		{Op: tags.OpGe, Num: 1},
		{Op: tags.OpLt, Num: 10},
	}}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Wait(ctx, "T", cond); err != nil {
		t.Fatalf("conjunction should hold for 5: %v", err)
	}

	c.Update("T", "10")
	ctx2, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()
	if err := c.Wait(ctx2, "T", cond); err == nil {
		t.Fatal("conjunction should not hold for 10")
	}
}

func TestWriteIsLocallyVisibleAndQueued(t *testing.T) {
	t.Parallel()

	c := tags.New()
	ctx := context.Background()
	if err := c.Write(ctx, "Out", "42"); err != nil {
		t.Fatalf("Write: %v", err)
	}

	// Locally observable before any consumer drains the queue.
	if v, ok := c.Value("Out"); !ok || v != "42" {
		t.Fatalf("Value(Out) = %q, %v; want \"42\", true", v, ok)
	}
	// A wait_tag issued right after the write must not suspend.
	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	cond := tags.Condition{Compares: []tags.Compare{{Op: tags.OpEq, Num: 42}}}
	if err := c.Wait(waitCtx, "Out", cond); err != nil {
		t.Fatalf("Wait after Write suspended: %v", err)
	}

	select {
	case req := <-c.Writes():
		if req.Name != "Out" || req.Value != "42" {
			t.Errorf("queued write = %+v, want Out=42", req)
		}
	default:
		t.Fatal("no outbound write queued")
	}
}

func TestWriteConfirmedWakesOnConfirmation(t *testing.T) {
	t.Parallel()

	c := tags.New()
	done := make(chan error, 1)
	go func() {
		done <- c.WriteConfirmed(context.Background(), "Out", "1")
	}()

	// The outbound request is queued before the confirmation wait.
	select {
	case req := <-c.Writes():
		if req.Name != "Out" {
			t.Errorf("queued write = %+v", req)
		}
	case <-time.After(time.Second):
		t.Fatal("no outbound write queued")
	}

	c.Confirm([]string{"Out"})
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WriteConfirmed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("WriteConfirmed did not wake on confirmation")
	}
}

func TestWriteConfirmedTimesOutQuietly(t *testing.T) {
	t.Parallel()

	c := tags.New()
	start := time.Now()
	if err := c.WriteConfirmed(context.Background(), "Out", "1"); err != nil {
		t.Fatalf("WriteConfirmed: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 400*time.Millisecond {
		t.Fatalf("WriteConfirmed returned after %v, before the confirmation window", elapsed)
	}
	// A late confirmation for a departed waiter is harmless.
	c.Confirm([]string{"Out"})
}

func TestWaitCancellation(t *testing.T) {
	t.Parallel()

	c := tags.New()
	c.Declare("T")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.Wait(ctx, "T", tags.Condition{Changed: true})
	}()
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("Wait = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not honour cancellation")
	}
}
