// Package app wires the configured components together: clip store, mixer,
// tag cache, alarm registry, state machines and the upstream connection, and
// runs them as one unit.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/elektro-kapsel/hmiaudio/internal/alarms"
	"github.com/elektro-kapsel/hmiaudio/internal/clip"
	"github.com/elektro-kapsel/hmiaudio/internal/config"
	"github.com/elektro-kapsel/hmiaudio/internal/engine"
	"github.com/elektro-kapsel/hmiaudio/internal/mixer"
	"github.com/elektro-kapsel/hmiaudio/internal/observe"
	"github.com/elektro-kapsel/hmiaudio/internal/openpipe"
	"github.com/elektro-kapsel/hmiaudio/internal/tags"
)

// versionTag is declared and written at startup so HMI screens can display
// the running player version.
const versionTag = "AUDIO_SERVER_VERSION"

// App is the assembled application.
type App struct {
	cfg        *config.Config
	store      *clip.Store
	mixer      *mixer.Mixer
	cache      *tags.Cache
	registry   *alarms.Registry
	controller *engine.Controller
	client     *openpipe.Client
	metrics    *observe.Metrics
	version    string
}

// countTagSetter publishes alarm filter counts through the tag cache without
// ever blocking alarm evaluation.
type countTagSetter struct {
	cache *tags.Cache
}

func (s countTagSetter) SetTag(name, value string) {
	s.cache.TryWrite(name, value)
}

// meteredPlayer adapts the mixer to the engine's player interface and counts
// voice starts and completions.
type meteredPlayer struct {
	mix     *mixer.Mixer
	metrics *observe.Metrics
}

func (p meteredPlayer) PlayClip(ctx context.Context, clipID string, priority int, timeout time.Duration) error {
	if p.metrics != nil {
		p.metrics.VoicesStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("clip", clipID)))
	}
	reason, err := p.mix.PlayClip(ctx, clipID, priority, timeout)
	if p.metrics != nil {
		p.metrics.VoicesEnded.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("reason", reason.String())))
	}
	return err
}

// New builds the application from a loaded configuration. baseDir is the
// directory of the configuration file; relative clip paths resolve against
// it. Load failures here are configuration errors.
func New(cfg *config.Config, baseDir, version string, metrics *observe.Metrics) (*App, error) {
	store := clip.NewStore()
	clipRoot := cfg.ClipRoot
	if !filepath.IsAbs(clipRoot) {
		clipRoot = filepath.Join(baseDir, clipRoot)
	}
	for _, cc := range cfg.Clips {
		var c *clip.Clip
		var err error
		if cc.Sine != nil {
			c = clip.Sine(cc.ID, cc.Sine.Amplitude, cc.Sine.Frequency,
				cc.Sine.Duration.Duration(), cfg.Device.Rate)
		} else {
			c, err = clip.LoadWAV(cc.ID, filepath.Join(clipRoot, cc.File), cc.Amplitude)
			if err != nil {
				return nil, err
			}
		}
		if err := store.Add(c); err != nil {
			return nil, err
		}
	}

	mix := mixer.New(mixer.Config{
		SampleRate: cfg.Device.Rate,
		Channels:   cfg.Device.Channels,
		Voices:     cfg.Device.Voices,
	}, store)
	for _, vc := range cfg.VolumeControls {
		mix.DeclareControl(vc.ID, vc.Initial)
	}

	cache := tags.New()
	for _, name := range cfg.Tags {
		cache.Declare(name)
	}
	cache.Declare(versionTag)

	registry, err := alarms.NewRegistry(cfg.Filters, countTagSetter{cache: cache})
	if err != nil {
		return nil, err
	}

	rt := engine.Runtime{
		Player:  meteredPlayer{mix: mix, metrics: metrics},
		Tags:    cache,
		Alarms:  registry,
		Volumes: mix,
	}
	machines := make([]*engine.Machine, 0, len(cfg.Machines))
	for _, mc := range cfg.Machines {
		m, err := engine.NewMachine(mc.ID, mc.States, rt)
		if err != nil {
			return nil, err
		}
		if metrics != nil {
			m.OnTransition(func(machine, state string) {
				metrics.StateTransitions.Add(context.Background(), 1, metric.WithAttributes(
					attribute.String("machine", machine),
					attribute.String("state", state),
				))
			})
		}
		machines = append(machines, m)
	}

	a := &App{
		cfg:        cfg,
		store:      store,
		mixer:      mix,
		cache:      cache,
		registry:   registry,
		controller: engine.NewController(machines),
		metrics:    metrics,
		version:    version,
	}
	a.client = openpipe.New(openpipe.Config{
		Bind: cfg.Bind,
		Tags: cache.Names(),
	}, openpipe.Events{
		Tags:           a.handleTags,
		Alarms:         a.handleAlarms,
		WriteConfirmed: a.handleWriteConfirmed,
		Reconnecting:   a.handleReconnecting,
	})
	return a, nil
}

// Mixer exposes the mixer for the device callback.
func (a *App) Mixer() *mixer.Mixer { return a.mixer }

// UpstreamConnected reports whether the HMI runtime connection is up. Used by
// the readiness probe.
func (a *App) UpstreamConnected() bool { return a.client.Connected() }

// Run starts the upstream connection, the outbound write pump and all state
// machines, and blocks until ctx is cancelled or the upstream connection
// fails permanently.
func (a *App) Run(ctx context.Context) error {
	// Let HMI screens see which player version came up.
	a.cache.TryWrite(versionTag, a.version)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.client.Run(gctx) })
	g.Go(func() error {
		// Machines start only after the first subscription handshake has
		// seeded the tag cache and alarm registry.
		select {
		case <-gctx.Done():
			return gctx.Err()
		case <-a.client.Ready():
		}
		return a.controller.Run(gctx)
	})
	g.Go(func() error { return a.writePump(gctx) })

	err := g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// writePump forwards queued tag writes to the upstream connection.
func (a *App) writePump(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-a.cache.Writes():
			if err := a.client.WriteTags([]openpipe.TagValue{{Name: req.Name, Value: req.Value}}); err != nil {
				slog.Warn("tag write not delivered", "tag", req.Name, "err", err)
				continue
			}
			if a.metrics != nil {
				a.metrics.TagWrites.Add(ctx, 1)
			}
		}
	}
}

func (a *App) handleTags(updates []openpipe.NotifyTag) {
	for _, tag := range updates {
		a.cache.Update(tag.Name, tag.Value)
	}
	if a.metrics != nil {
		a.metrics.TagUpdates.Add(context.Background(), int64(len(updates)))
	}
}

func (a *App) handleAlarms(records []alarms.Alarm) {
	for _, record := range records {
		a.registry.HandleAlarm(record)
	}
	if a.metrics != nil {
		a.metrics.AlarmEvents.Add(context.Background(), int64(len(records)))
	}
}

func (a *App) handleWriteConfirmed(names []string) {
	slog.Debug("tag writes confirmed", "tags", names)
	a.cache.Confirm(names)
}

func (a *App) handleReconnecting() {
	if a.metrics != nil {
		a.metrics.UpstreamReconnects.Add(context.Background(), 1)
	}
}

// Describe returns a one-line summary for startup logging.
func (a *App) Describe() string {
	return fmt.Sprintf("%d clips, %d tags, %d filters, %d machines",
		a.store.Len(), len(a.cache.Names()), len(a.cfg.Filters), len(a.cfg.Machines))
}
