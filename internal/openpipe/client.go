package openpipe

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elektro-kapsel/hmiaudio/internal/alarms"
	"github.com/elektro-kapsel/hmiaudio/internal/resilience"
)

// maxLineBytes bounds one JSON message from the runtime.
const maxLineBytes = 1 << 20

// subscribeTimeout bounds the wait for the subscription replies that carry
// the initial tag values and alarm snapshot.
const subscribeTimeout = 5 * time.Second

// ErrPermanentFailure is returned by [Client.Run] when the reconnect budget is
// exhausted. The process exits with the upstream failure code.
var ErrPermanentFailure = errors.New("upstream connection permanently failed")

// Events are the callbacks the client invokes from its read loop. Nil
// callbacks are skipped. The callbacks run on the client's goroutine and must
// not block on the client itself.
type Events struct {
	// Tags delivers tag updates, including the initial values that answer
	// the subscription.
	Tags func(tags []NotifyTag)
	// Alarms delivers alarm updates, including the initial snapshot.
	Alarms func(alarms []alarms.Alarm)
	// WriteConfirmed delivers the names confirmed by a NotifyWriteTag.
	WriteConfirmed func(names []string)
	// Reconnecting fires before each reconnect attempt.
	Reconnecting func()
}

// Config configures a [Client].
type Config struct {
	// Bind is the socket to connect to: a unix socket path, or host:port
	// for TCP.
	Bind string
	// Tags are the tag names to subscribe to after every (re)connect.
	Tags []string
	// Backoff governs reconnect pacing. Zero values use the resilience
	// package defaults.
	Backoff resilience.BackoffConfig
}

// Client maintains the connection to the HMI runtime: it subscribes to tags
// and alarms after every connect, pumps notifications into the event
// callbacks, and sends tag writes. Reconnects use exponential backoff; the
// tag cache and alarm registry retain their last-known state across a
// reconnect.
type Client struct {
	cfg    Config
	events Events

	cookiePrefix string
	cookieCount  atomic.Uint32

	ready     chan struct{}
	readyOnce sync.Once

	mu   sync.Mutex
	conn net.Conn
}

// New creates a client. Run must be called to connect.
func New(cfg Config, events Events) *Client {
	return &Client{
		cfg:          cfg,
		events:       events,
		cookiePrefix: fmt.Sprintf("cookie_%d_", os.Getpid()),
		ready:        make(chan struct{}),
	}
}

// Ready is closed once the first subscription handshake has completed, i.e.
// the initial tag values and alarm snapshot have been delivered to the event
// callbacks. State machines start only after this point.
func (c *Client) Ready() <-chan struct{} { return c.ready }

// Connected reports whether the upstream connection is currently established.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Client) nextCookie() string {
	return fmt.Sprintf("%s%d", c.cookiePrefix, c.cookieCount.Add(1))
}

// Run connects and serves the read loop until ctx is cancelled. Connection
// loss triggers reconnection with exponential backoff and a fresh
// subscription; when the backoff budget is exhausted Run returns
// [ErrPermanentFailure].
func (c *Client) Run(ctx context.Context) error {
	backoff := resilience.NewBackoff(c.cfg.Backoff)
	for {
		start := time.Now()
		err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// A connection that stayed up for a while was healthy; start the
		// backoff sequence over.
		if time.Since(start) > time.Minute {
			backoff.Reset()
		}
		delay, ok := backoff.Next()
		if !ok {
			slog.Error("upstream reconnect budget exhausted", "bind", c.cfg.Bind, "err", err)
			return fmt.Errorf("%w: %v", ErrPermanentFailure, err)
		}
		slog.Warn("upstream connection lost, reconnecting",
			"bind", c.cfg.Bind, "delay", delay, "err", err)
		if c.events.Reconnecting != nil {
			c.events.Reconnecting()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (c *Client) connectAndServe(ctx context.Context) error {
	network := "unix"
	if strings.Contains(c.cfg.Bind, ":") && !strings.HasPrefix(c.cfg.Bind, "/") {
		network = "tcp"
	}
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, network, c.cfg.Bind)
	if err != nil {
		return fmt.Errorf("dial %s %s: %w", network, c.cfg.Bind, err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}()

	// Cancellation must unblock the blocking read below.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxLineBytes)

	if err := c.subscribe(conn, scanner); err != nil {
		return err
	}
	slog.Info("upstream connected", "bind", c.cfg.Bind)
	c.readyOnce.Do(func() { close(c.ready) })

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			slog.Warn("malformed upstream message", "err", err)
			continue
		}
		c.dispatch(&env)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read: %w", err)
	}
	return errors.New("connection closed")
}

// subscribe issues the tag and alarm subscriptions and blocks until both
// replies have arrived, so the initial tag values and alarm snapshot are in
// the cache and registry before subscribe returns. A missing reply within
// subscribeTimeout fails the connection attempt.
func (c *Client) subscribe(conn net.Conn, scanner *bufio.Scanner) error {
	needTags := len(c.cfg.Tags) > 0
	if needTags {
		if err := c.send(msgSubscribeTag, SubscribeTagParams{Tags: c.cfg.Tags}); err != nil {
			return fmt.Errorf("subscribe tags: %w", err)
		}
	}
	if err := c.send(msgSubscribeAlarm, SubscribeAlarmParams{}); err != nil {
		return fmt.Errorf("subscribe alarms: %w", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(subscribeTimeout)); err != nil {
		return fmt.Errorf("set handshake deadline: %w", err)
	}
	needAlarms := true
	for needTags || needAlarms {
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("no reply for subscription: %w", err)
			}
			return errors.New("connection closed during subscription")
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			slog.Warn("malformed upstream message", "err", err)
			continue
		}
		switch env.Message {
		case msgErrorSubscribeTag, msgErrorSubscribeAlarm:
			return fmt.Errorf("subscription rejected: %w",
				&ProtocolError{Code: env.ErrorCode, Description: env.ErrorDescription})
		case msgNotifySubscribeTag:
			needTags = false
		case msgNotifySubscribeAlarm:
			needAlarms = false
		}
		// Seed the cache and registry with the initial values.
		c.dispatch(&env)
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return fmt.Errorf("clear handshake deadline: %w", err)
	}
	return nil
}

func (c *Client) dispatch(env *Envelope) {
	switch env.Message {
	case msgNotifySubscribeTag:
		var params NotifyTagsParams
		if err := json.Unmarshal(env.Params, &params); err != nil {
			slog.Warn("malformed tag notification", "err", err)
			return
		}
		good := params.Tags[:0]
		for _, tag := range params.Tags {
			if tag.ErrorCode != 0 {
				slog.Warn("tag subscription failed",
					"tag", tag.Name, "code", tag.ErrorCode, "desc", tag.ErrorDescription)
				continue
			}
			good = append(good, tag)
		}
		if c.events.Tags != nil && len(good) > 0 {
			c.events.Tags(good)
		}

	case msgNotifySubscribeAlarm:
		var params NotifyAlarmsParams
		if err := json.Unmarshal(env.Params, &params); err != nil {
			slog.Warn("malformed alarm notification", "err", err)
			return
		}
		if c.events.Alarms == nil {
			return
		}
		records := make([]alarms.Alarm, 0, len(params.Alarms))
		for _, a := range params.Alarms {
			records = append(records, alarms.Alarm{
				ID:         atoiField(a.ID),
				InstanceID: atoiField(a.InstanceID),
				Priority:   atoiField(a.Priority),
				State:      atoiField(a.State),
				Name:       a.Name,
				ClassName:  a.AlarmClassName,
			})
		}
		c.events.Alarms(records)

	case msgNotifyWriteTag:
		var params NotifyWriteTagsParams
		if err := json.Unmarshal(env.Params, &params); err != nil {
			slog.Warn("malformed write confirmation", "err", err)
			return
		}
		var names []string
		for _, tag := range params.Tags {
			if tag.ErrorCode != 0 {
				slog.Warn("tag write rejected",
					"tag", tag.Name, "code", tag.ErrorCode, "desc", tag.ErrorDescription)
				continue
			}
			names = append(names, tag.Name)
		}
		if c.events.WriteConfirmed != nil && len(names) > 0 {
			c.events.WriteConfirmed(names)
		}

	case msgErrorSubscribeTag, msgErrorSubscribeAlarm, msgErrorWriteTag:
		perr := &ProtocolError{Code: env.ErrorCode, Description: env.ErrorDescription}
		slog.Error("upstream rejected request", "message", env.Message, "err", perr)

	default:
		slog.Debug("ignoring upstream message", "message", env.Message)
	}
}

// WriteTags sends a WriteTag request. Safe for concurrent use; fails when the
// connection is down (the caller's state is retried on reconnect only through
// fresh writes).
func (c *Client) WriteTags(values []TagValue) error {
	return c.send(msgWriteTag, WriteTagParams{Tags: values})
}

func (c *Client) send(message string, params any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode %s: %w", message, err)
	}
	env := Envelope{
		Message:      message,
		Params:       raw,
		ClientCookie: c.nextCookie(),
	}
	line, err := json.Marshal(&env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", message, err)
	}
	line = append(line, '\n')

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return errors.New("not connected")
	}
	if _, err := c.conn.Write(line); err != nil {
		return fmt.Errorf("send %s: %w", message, err)
	}
	return nil
}
