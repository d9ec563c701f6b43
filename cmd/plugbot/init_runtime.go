package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"plugbot/internal/adapter/eventsink"
	"plugbot/internal/adapter/subscription"
	"plugbot/internal/auth"
	"plugbot/internal/domain"
	"plugbot/internal/infra/config"
	"plugbot/internal/plugin"
	"plugbot/internal/plugin/builtin"
	"plugbot/internal/store"
	"plugbot/internal/usecase/dispatch"
	"plugbot/internal/usecase/eventbus"
	"plugbot/internal/usecase/scheduling"
)

// runtime holds the long-lived components of a running bot.
type runtime struct {
	Store      *store.Store
	Bus        *eventbus.Bus
	Gate       *auth.Gatekeeper
	Registry   *plugin.Registry
	Dispatcher *dispatch.Dispatcher
	Scheduler  *scheduling.Scheduler

	subscriptions subscription.Store
	sink          *eventsink.NATSSink
	audit         *eventsink.AuditSink
	developers    *auth.FileDevelopers
	closers       []func() error
}

// Close stops the scheduler and releases backends in reverse start order.
func (r *runtime) Close(ctx context.Context) error {
	if r.Scheduler != nil {
		r.Scheduler.Stop()
	}
	var errs []error
	if r.sink != nil {
		if err := r.sink.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush events: %w", err))
		}
	}
	if r.Bus != nil {
		r.Bus.Close()
	}
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// initRuntime wires the dispatcher and everything it depends on. On error
// the partially built runtime is closed.
func initRuntime(ctx context.Context, cfg *config.Config, log *slog.Logger) (_ *runtime, err error) {
	rt := &runtime{}
	defer func() {
		if err != nil {
			_ = rt.Close(context.Background())
		}
	}()

	// Document store
	rt.Store, err = store.New(cfg.Store.Dir, log)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	// Event bus and optional NATS forwarding
	rt.Bus = eventbus.New(log)
	if cfg.Events.NATSURL != "" {
		nc, err := eventsink.Connect(cfg.Events.NATSURL, "plugbot", log)
		if err != nil {
			return nil, fmt.Errorf("events: %w", err)
		}
		rt.sink = eventsink.NewNATSSink(nc, cfg.Events.SubjectPrefix, log)
		rt.sink.Attach(rt.Bus)
		rt.closers = append(rt.closers, func() error {
			err := rt.sink.Close()
			nc.Close()
			return err
		})
	}

	if cfg.Events.AuditFile != "" {
		maxSize, err := eventsink.ParseSize(cfg.Events.AuditMaxSize)
		if err != nil {
			return nil, fmt.Errorf("events: audit_max_size: %w", err)
		}
		rt.audit, err = eventsink.NewAuditSink(cfg.Events.AuditFile, eventsink.AuditRetention{
			MaxAge:  cfg.Events.AuditMaxAge,
			MaxSize: maxSize,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("events: %w", err)
		}
		rt.audit.Attach(rt.Bus)
		rt.closers = append(rt.closers, rt.audit.Close)
	}

	// Premium subscriptions
	var lookup domain.SubscriptionLookup
	rt.subscriptions, err = subscription.Open(ctx, subscriptionOptions(cfg.Premium))
	if err != nil {
		return nil, fmt.Errorf("premium: %w", err)
	}
	if rt.subscriptions != nil {
		rt.closers = append(rt.closers, rt.subscriptions.Close)
		lookup = rt.subscriptions
		if cb := cfg.Premium.CircuitBreaker; cb.Enabled {
			lookup = auth.NewBreakerLookup(rt.subscriptions, auth.BreakerConfig{
				MaxFailures: cb.MaxFailures,
				Timeout:     cb.Timeout,
				Interval:    cb.Interval,
			}, log)
		}
	}

	// Authorization gate
	developers := auth.MultiDevelopers{auth.NewStaticDevelopers(cfg.Developers.Numbers)}
	if cfg.Developers.File != "" {
		rt.developers = auth.NewFileDevelopers(cfg.Developers.File, log)
		if err := rt.developers.Refresh(ctx); err != nil {
			log.Warn("developer file not loaded", "path", cfg.Developers.File, "error", err)
		}
		developers = append(developers, rt.developers)
	}
	rt.Gate = auth.NewGatekeeper(domain.NormalizeIdentity(cfg.Bot.Owner), developers, lookup, log)

	// Plugin registry
	builtins := builtin.All(builtin.Options{
		Prefix:        cfg.Bot.Prefix,
		OwnerName:     cfg.Bot.OwnerName,
		Subscriptions: lookup,
	})
	source := plugin.NewCompositeSource(log,
		plugin.StaticSource(builtins),
		plugin.NewManifestSource(cfg.Plugins.Dirs, log),
	)
	rt.Registry = plugin.NewRegistry(source, log, rt.Bus)
	meta := rt.Registry.Load(ctx)
	for _, e := range meta.Errors {
		log.Warn("plugin load error", "error", e)
	}

	// Dispatcher
	opts := []dispatch.Option{
		dispatch.WithPrefix(cfg.Bot.Prefix),
		dispatch.WithHandlerTimeout(cfg.Bot.HandlerTimeout),
		dispatch.WithEventBus(rt.Bus),
		dispatch.WithLogger(log),
		dispatch.WithReplyDelay(builtin.ReplyDelay(rt.Store)),
	}
	if cfg.Bot.UnknownCommandReply != "" {
		opts = append(opts, dispatch.WithUnknownCommandReply(cfg.Bot.UnknownCommandReply))
	}
	if cfg.Bot.FaultReply != "" {
		opts = append(opts, dispatch.WithFaultReply(cfg.Bot.FaultReply))
	}
	if rl := cfg.Bot.RateLimit; rl.PerMinute > 0 {
		opts = append(opts, dispatch.WithRateLimit(rl.PerMinute, rl.Burst))
	}
	rt.Dispatcher = dispatch.New(rt.Registry, rt.Gate, rt.Store, opts...)

	// Scheduled maintenance
	rt.Scheduler = scheduling.New(log)
	if err := rt.addScheduledTasks(cfg, log); err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}

	return rt, nil
}

func subscriptionOptions(p config.PremiumConfig) subscription.Options {
	return subscription.Options{
		Backend:     p.Backend,
		SQLitePath:  p.SQLitePath,
		RedisURL:    p.RedisURL,
		RedisPrefix: p.RedisPrefix,
	}
}

// developerRefreshed is the payload of developers.refreshed events.
type developerRefreshed struct {
	Path  string `json:"path"`
	Count int    `json:"count"`
}

func (r *runtime) addScheduledTasks(cfg *config.Config, log *slog.Logger) error {
	var tasks []scheduling.Task

	if cfg.Plugins.ReloadSchedule != "" {
		tasks = append(tasks, scheduling.Task{
			Name:     "plugins.reload",
			Schedule: cfg.Plugins.ReloadSchedule,
			Run: func(ctx context.Context) error {
				meta := r.Registry.Reload(ctx)
				if len(meta.Errors) > 0 {
					log.Warn("scheduled plugin reload had errors", "count", meta.Count, "errors", len(meta.Errors))
				}
				return nil
			},
		})
	}

	if r.developers != nil && cfg.Developers.Refresh != "" {
		tasks = append(tasks, scheduling.Task{
			Name:     "developers.refresh",
			Schedule: cfg.Developers.Refresh,
			Run: func(ctx context.Context) error {
				if err := r.developers.Refresh(ctx); err != nil {
					return err
				}
				r.Bus.Publish(ctx, domain.NewEvent(domain.EventDevelopersRefresh, "",
					developerRefreshed{Path: cfg.Developers.File, Count: r.developers.Len()}))
				return nil
			},
		})
	}

	if r.audit != nil && cfg.Events.AuditPruneSchedule != "" {
		tasks = append(tasks, scheduling.Task{
			Name:     "audit.prune",
			Schedule: cfg.Events.AuditPruneSchedule,
			Run: func(ctx context.Context) error {
				_, err := r.audit.Prune(ctx)
				return err
			},
		})
	}

	for _, task := range tasks {
		if err := r.Scheduler.Add(task); err != nil {
			return err
		}
	}
	return nil
}
