package openpipe_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/elektro-kapsel/hmiaudio/internal/alarms"
	"github.com/elektro-kapsel/hmiaudio/internal/openpipe"
	"github.com/elektro-kapsel/hmiaudio/internal/resilience"
)

// fakeRuntime is a minimal Open Pipe server: it accepts one connection at a
// time, records received envelopes, and lets tests inject notifications.
type fakeRuntime struct {
	t        *testing.T
	listener net.Listener

	mu       sync.Mutex
	conn     net.Conn
	received []openpipe.Envelope
}

func newFakeRuntime(t *testing.T) *fakeRuntime {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pipe.sock")
	l, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	f := &fakeRuntime{t: t, listener: l}
	t.Cleanup(func() { l.Close() })
	go f.serve()
	return f
}

func (f *fakeRuntime) path() string { return f.listener.Addr().String() }

func (f *fakeRuntime) serve() {
	for {
		conn, err := f.listener.Accept()
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conn = conn
		f.mu.Unlock()
		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			var env openpipe.Envelope
			if err := json.Unmarshal(scanner.Bytes(), &env); err != nil {
				continue
			}
			f.mu.Lock()
			f.received = append(f.received, env)
			f.mu.Unlock()
			f.answerSubscription(&env)
		}
	}
}

// answerSubscription completes the client's subscription handshake with an
// empty initial snapshot.
func (f *fakeRuntime) answerSubscription(env *openpipe.Envelope) {
	var reply *openpipe.Envelope
	switch env.Message {
	case "SubscribeTag":
		raw, _ := json.Marshal(openpipe.NotifyTagsParams{})
		reply = &openpipe.Envelope{Message: "NotifySubscribeTag", Params: raw, ClientCookie: env.ClientCookie}
	case "SubscribeAlarm":
		raw, _ := json.Marshal(openpipe.NotifyAlarmsParams{})
		reply = &openpipe.Envelope{Message: "NotifySubscribeAlarm", Params: raw, ClientCookie: env.ClientCookie}
	default:
		return
	}
	line, _ := json.Marshal(reply)
	line = append(line, '\n')
	f.mu.Lock()
	conn := f.conn
	if conn != nil {
		_, _ = conn.Write(line)
	}
	f.mu.Unlock()
}

func (f *fakeRuntime) inject(t *testing.T, message string, params any) {
	t.Helper()
	raw, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	env := openpipe.Envelope{Message: message, Params: raw, ClientCookie: "server"}
	line, err := json.Marshal(&env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	line = append(line, '\n')

	deadline := time.Now().Add(2 * time.Second)
	for {
		f.mu.Lock()
		conn := f.conn
		if conn != nil {
			_, err := conn.Write(line)
			f.mu.Unlock()
			if err != nil {
				t.Fatalf("inject: %v", err)
			}
			return
		}
		f.mu.Unlock()
		if time.Now().After(deadline) {
			t.Fatal("no client connection to inject into")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (f *fakeRuntime) envelopes() []openpipe.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]openpipe.Envelope, len(f.received))
	copy(out, f.received)
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSubscribesOnConnect(t *testing.T) {
	t.Parallel()

	server := newFakeRuntime(t)
	client := openpipe.New(openpipe.Config{
		Bind: server.path(),
		Tags: []string{"Tag1", "Tag2"},
	}, openpipe.Events{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	waitFor(t, "subscriptions", func() bool { return len(server.envelopes()) >= 2 })
	envs := server.envelopes()

	if envs[0].Message != "SubscribeTag" {
		t.Fatalf("first message = %s, want SubscribeTag", envs[0].Message)
	}
	var params openpipe.SubscribeTagParams
	if err := json.Unmarshal(envs[0].Params, &params); err != nil {
		t.Fatalf("params: %v", err)
	}
	if len(params.Tags) != 2 || params.Tags[0] != "Tag1" {
		t.Fatalf("subscribed tags = %v", params.Tags)
	}
	if envs[0].ClientCookie == "" {
		t.Fatal("missing ClientCookie")
	}
	if envs[1].Message != "SubscribeAlarm" {
		t.Fatalf("second message = %s, want SubscribeAlarm", envs[1].Message)
	}
	if envs[1].ClientCookie == envs[0].ClientCookie {
		t.Fatal("cookies must be unique per message")
	}
}

func TestReadyAfterHandshake(t *testing.T) {
	t.Parallel()

	server := newFakeRuntime(t)
	client := openpipe.New(openpipe.Config{Bind: server.path(), Tags: []string{"T"}},
		openpipe.Events{})

	select {
	case <-client.Ready():
		t.Fatal("Ready closed before Run")
	default:
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	select {
	case <-client.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("Ready not closed after subscription handshake")
	}
}

func TestTagAndAlarmNotifications(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var gotTags []openpipe.NotifyTag
	var gotAlarms []alarms.Alarm

	server := newFakeRuntime(t)
	client := openpipe.New(openpipe.Config{Bind: server.path(), Tags: []string{"T"}},
		openpipe.Events{
			Tags: func(tags []openpipe.NotifyTag) {
				mu.Lock()
				gotTags = append(gotTags, tags...)
				mu.Unlock()
			},
			Alarms: func(records []alarms.Alarm) {
				mu.Lock()
				gotAlarms = append(gotAlarms, records...)
				mu.Unlock()
			},
		})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	waitFor(t, "subscriptions", func() bool { return len(server.envelopes()) >= 2 })

	server.inject(t, "NotifySubscribeTag", openpipe.NotifyTagsParams{Tags: []openpipe.NotifyTag{
		{Name: "T", Value: "5"},
		{Name: "Bad", Value: "", ErrorCode: 2, ErrorDescription: "no such tag"},
	}})
	server.inject(t, "NotifySubscribeAlarm", openpipe.NotifyAlarmsParams{Alarms: []openpipe.NotifyAlarm{
		{Name: "Motor", ID: "7", InstanceID: "2", Priority: "3", State: "1", AlarmClassName: "Alarm"},
	}})

	waitFor(t, "notifications", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(gotTags) > 0 && len(gotAlarms) > 0
	})

	mu.Lock()
	defer mu.Unlock()
	if len(gotTags) != 1 || gotTags[0].Name != "T" || gotTags[0].Value != "5" {
		t.Fatalf("tags = %+v, want only the good one", gotTags)
	}
	a := gotAlarms[0]
	if a.ID != 7 || a.InstanceID != 2 || a.Priority != 3 || a.State != 1 || a.ClassName != "Alarm" {
		t.Fatalf("alarm = %+v", a)
	}
}

func TestWriteTags(t *testing.T) {
	t.Parallel()

	server := newFakeRuntime(t)
	client := openpipe.New(openpipe.Config{Bind: server.path()}, openpipe.Events{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)
	waitFor(t, "connect", func() bool { return len(server.envelopes()) >= 1 })

	if err := client.WriteTags([]openpipe.TagValue{{Name: "Out", Value: "1"}}); err != nil {
		t.Fatalf("WriteTags: %v", err)
	}
	waitFor(t, "write", func() bool {
		for _, env := range server.envelopes() {
			if env.Message == "WriteTag" {
				return true
			}
		}
		return false
	})

	var write *openpipe.Envelope
	for _, env := range server.envelopes() {
		if env.Message == "WriteTag" {
			write = &env
			break
		}
	}
	var params openpipe.WriteTagParams
	if err := json.Unmarshal(write.Params, &params); err != nil {
		t.Fatalf("params: %v", err)
	}
	if len(params.Tags) != 1 || params.Tags[0].Name != "Out" || params.Tags[0].Value != "1" {
		t.Fatalf("write params = %+v", params)
	}
}

func TestPermanentFailure(t *testing.T) {
	t.Parallel()

	// Nothing listens on this path.
	client := openpipe.New(openpipe.Config{
		Bind: filepath.Join(t.TempDir(), "nobody.sock"),
		Backoff: resilience.BackoffConfig{
			Initial:    time.Millisecond,
			Max:        2 * time.Millisecond,
			MaxRetries: 3,
		},
	}, openpipe.Events{})

	err := client.Run(context.Background())
	if err == nil {
		t.Fatal("Run returned nil for unreachable upstream")
	}
}

func TestReconnectResubscribes(t *testing.T) {
	t.Parallel()

	server := newFakeRuntime(t)
	client := openpipe.New(openpipe.Config{
		Bind: server.path(),
		Tags: []string{"T"},
		Backoff: resilience.BackoffConfig{
			Initial: time.Millisecond,
			Max:     5 * time.Millisecond,
		},
	}, openpipe.Events{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)
	waitFor(t, "first subscription", func() bool { return len(server.envelopes()) >= 2 })

	// Kill the connection; the client must reconnect and subscribe again.
	server.mu.Lock()
	server.conn.Close()
	server.mu.Unlock()

	waitFor(t, "resubscription", func() bool {
		count := 0
		for _, env := range server.envelopes() {
			if env.Message == "SubscribeTag" {
				count++
			}
		}
		return count >= 2
	})
}
