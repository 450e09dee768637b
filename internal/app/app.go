// Package app wires the config file to the engine and its surroundings:
// logging, storage, adapters, notifier and the HTTP API.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"refreshbot/internal/config"
	"refreshbot/internal/controller"
	"refreshbot/internal/eventbus"
	"refreshbot/internal/httpapi"
	"refreshbot/internal/notifier"
	"refreshbot/internal/runtime/supervisor"
	"refreshbot/internal/storage"
	kit "refreshbot/internal/transport"
	"refreshbot/internal/transport/telegram"
	"refreshbot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	ctrl  *controller.Controller
	notif *notifier.Service
	http  *httpapi.Server
}

// New loads the config and builds every component. Nothing runs until
// Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, root := logx.New(mapLogConfig(cfg))
	log := root.With(logx.String("comp", "app"))

	a := &App{cfgm: cfgm, log: log, logs: logSvc, bus: eventbus.New()}
	if err := a.build(ctx, cfg, root); err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, cfg *config.Config, root logx.Logger) error {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	store, err := storage.Open(sc, root)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.store = store
	a.log.Info("storage ready", logx.String("driver", sc.Driver))

	src, err := buildSource(cfg, root)
	if err != nil {
		return errors.Join(err, store.Close())
	}
	sco, err := buildScorer(cfg)
	if err != nil {
		return errors.Join(err, store.Close())
	}
	pipe, err := buildPipeline(ctx, cfg)
	if err != nil {
		return errors.Join(fmt.Errorf("content pipeline: %w", err), store.Close())
	}

	a.ctrl = controller.New(cfg.Engine.Controller(), controller.Deps{
		Scorer:    sco,
		Pipeline:  pipe,
		Publisher: buildPublisher(cfg),
		Source:    src,
		Store:     store,
		Bus:       a.bus,
		Log:       root,
	})

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return errors.Join(err, store.Close())
	}
	var sender kit.Sender
	if ncfg.Enabled {
		tg, err := telegram.New(telegram.Config{Token: cfg.Notifier.Token, APIURL: cfg.Notifier.APIURL}, root.With(logx.String("comp", "telegram")))
		if err != nil {
			return errors.Join(fmt.Errorf("notifier: %w", err), store.Close())
		}
		sender = tg
	}
	a.notif = notifier.New(ncfg, sender, a.bus, root)

	if cfg.HTTP.Enabled {
		a.http = httpapi.New(httpapi.Config{Addr: cfg.HTTP.Addr, Token: cfg.HTTP.Token, Pprof: cfg.HTTP.Pprof}, a.ctrl, store, root)
	}
	return nil
}

func (a *App) Controller() *controller.Controller { return a.ctrl }

func (a *App) Store() storage.Store { return a.store }

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first error a supervised goroutine returned.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}
	if a.http != nil {
		if err := a.http.Start(); err != nil {
			return err
		}
	}

	cfg := a.cfgm.Get()
	if cfg.Engine.Autostart {
		// A refused start is reported in the engine state and activity log;
		// the API can start it once the problem is fixed.
		if err := a.ctrl.Start(a.sup.Context()); err != nil {
			a.log.Warn("engine autostart refused", logx.Err(err))
		}
	}

	a.sup.Go("eventbus.log", func(c context.Context) error {
		events, unsub := a.bus.Subscribe(128)
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case next, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch, time.Second, 30*time.Second)

	a.log.Info("app started", logx.String("config", a.cfgm.Path()))
	return nil
}

// applyConfig pushes a reloaded config to the live components. Sections
// that are wired once at startup are only reported.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLogConfig(next))

	if err := a.ctrl.Configure(next.Engine.Controller()); err != nil {
		a.log.Warn("engine config rejected; keeping previous", logx.Err(err))
	}

	if ncfg, err := mapNotifierConfig(next); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		wasOn := a.notif.Enabled()
		a.notif.Apply(ncfg)
		switch {
		case wasOn && !ncfg.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			_ = a.notif.Stop(stopCtx)
			cancel()
		case !wasOn && a.notif.Enabled():
			a.log.Info("notifier enabled via config")
			a.notif.Start(ctx)
		}
	}

	if len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(restart, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts components down in order, each step bounded so one stuck
// component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		err := a.closeStore()
		_ = a.logs.Close()
		return err
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	var errs []error
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
			errs = append(errs, fmt.Errorf("%s: %w", name, stepCtx.Err()))
			go func() {
				<-done
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)))
			}()
		}
	}

	step("http", 3*time.Second, func(c context.Context) error {
		if a.http == nil {
			return nil
		}
		return a.http.Shutdown(c)
	})
	step("engine", 10*time.Second, func(c context.Context) error {
		err := a.ctrl.Stop(c)
		if errors.Is(err, controller.ErrNotRunning) {
			return nil
		}
		return err
	})
	step("notifier", 3*time.Second, a.notif.Stop)
	step("supervisor", 3*time.Second, a.sup.Stop)
	step("storage", 2*time.Second, func(context.Context) error { return a.closeStore() })

	a.log.Info("stopped")
	_ = a.logs.Close()
	return errors.Join(errs...)
}

func (a *App) closeStore() error {
	if a.store == nil {
		return nil
	}
	return a.store.Close()
}
