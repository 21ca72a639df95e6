// Package runtime builds the process-wide objects once and hands them to
// the transports. There are no package-level singletons: everything a
// request needs is reachable from a Runtime.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel/trace"

	"github.com/wilhg/hostgate/pkg/admin"
	"github.com/wilhg/hostgate/pkg/anonymize"
	"github.com/wilhg/hostgate/pkg/audit"
	"github.com/wilhg/hostgate/pkg/config"
	"github.com/wilhg/hostgate/pkg/executor"
	"github.com/wilhg/hostgate/pkg/metrics"
	"github.com/wilhg/hostgate/pkg/permission"
	"github.com/wilhg/hostgate/pkg/protocol"
	"github.com/wilhg/hostgate/pkg/providers/eventlog"
	"github.com/wilhg/hostgate/pkg/providers/filesearch"
	"github.com/wilhg/hostgate/pkg/ratelimit"
	"github.com/wilhg/hostgate/pkg/registry"
)

// Runtime is the assembled pipeline.
type Runtime struct {
	Settings   config.Settings
	Logger     *slog.Logger
	Counters   *metrics.Counters
	Store      *config.Store
	Audit      audit.Logger
	Anonymizer *anonymize.Engine
	Registry   *registry.Registry
	Checker    *permission.Checker
	Executor   *executor.Executor
	Limiter    *ratelimit.Keyed
	Handler    *protocol.Handler
	Admin      *admin.Server

	closers []func() error
}

type options struct {
	logger    *slog.Logger
	tp        trace.TracerProvider
	providers []registry.Provider
	version   string
}

// Option configures New.
type Option func(*options)

// WithLogger replaces the JSON stderr logger built from Settings.LogLevel.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithTracerProvider sets the provider for executor spans.
func WithTracerProvider(tp trace.TracerProvider) Option { return func(o *options) { o.tp = tp } }

// WithProviders replaces the providers built from Settings.
func WithProviders(ps ...registry.Provider) Option {
	return func(o *options) { o.providers = append(o.providers, ps...) }
}

// WithVersion sets the version reported by initialize.
func WithVersion(v string) Option { return func(o *options) { o.version = v } }

// New validates s and builds the Runtime. An unreadable config file is not
// an error: the store then denies every call until reset.
func New(ctx context.Context, s config.Settings, opts ...Option) (*Runtime, error) {
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("settings: %w", err)
	}
	o := options{version: "dev"}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		level, _ := config.ParseLogLevel(s.LogLevel)
		o.logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}
	rt := &Runtime{Settings: s, Logger: o.logger, Counters: metrics.New()}

	if err := rt.openAudit(ctx); err != nil {
		return nil, err
	}

	st, err := config.Open(s.StatePath, config.WithAudit(rt.Audit), config.WithStoreLogger(rt.Logger))
	if err != nil && !errors.Is(err, config.ErrUnreadable) {
		_ = rt.Close()
		return nil, err
	}
	if err != nil {
		rt.Logger.Error("runtime: configuration unreadable, all tool calls denied until reset", "path", s.StatePath, "error", err)
	}
	rt.Store = st

	providers := o.providers
	if len(providers) == 0 {
		if providers, err = defaultProviders(s, rt.Logger); err != nil {
			_ = rt.Close()
			return nil, err
		}
	}
	rt.Registry = registry.New()
	for _, p := range providers {
		if err := rt.Registry.Register(p); err != nil {
			_ = rt.Close()
			return nil, fmt.Errorf("register %s: %w", p.ID(), err)
		}
	}
	if err := rt.Store.EnsureServices(rt.Registry.Services()...); err != nil {
		rt.Logger.Error("runtime: seeding services failed", "error", err)
	}

	var mapping anonymize.Store = anonymize.NewMemoryStore()
	if s.MappingPath != "" {
		mapping = anonymize.NewFileStore(s.MappingPath)
	}
	rt.Anonymizer = anonymize.New(mapping, anonymize.WithLogger(rt.Logger))
	rt.closers = append(rt.closers, rt.Anonymizer.Flush)

	rt.Checker = permission.NewChecker(rt.Store)
	execOpts := []executor.Option{
		executor.WithTimeout(s.CallTimeout.Std()),
		executor.WithAnonymizer(rt.Anonymizer, rt.Store.AnonymizeEnabled),
		executor.WithCounters(rt.Counters),
		executor.WithLogger(rt.Logger),
	}
	if o.tp != nil {
		execOpts = append(execOpts, executor.WithTracerProvider(o.tp))
	}
	rt.Executor = executor.New(rt.Registry, rt.Checker, execOpts...)

	rt.Limiter = ratelimit.New(s.RatePerSecond, s.RateBurst)
	rt.Handler = protocol.New(rt.Executor, rt.Registry,
		protocol.WithEnabled(rt.Store.Enabled),
		protocol.WithLimiter(rt.Limiter),
		protocol.WithCounters(rt.Counters),
		protocol.WithLogger(rt.Logger),
		protocol.WithMaxLineBytes(s.MaxLineBytes),
		protocol.WithMaxInFlight(s.MaxInFlight),
		protocol.WithServerInfo("hostgate", o.version),
	)
	rt.Admin = admin.New(rt.Store, rt.Registry,
		admin.WithAudit(rt.Audit),
		admin.WithCounters(rt.Counters),
		admin.WithLimiter(ratelimit.New(s.RatePerSecond, s.RateBurst)),
		admin.WithLogger(rt.Logger),
	)

	rt.Logger.Info("runtime: ready",
		"services", rt.Registry.Services(),
		"anonymize", rt.Store.AnonymizeEnabled(),
		"call_timeout", s.CallTimeout.Std().String(),
	)
	return rt, nil
}

func (rt *Runtime) openAudit(ctx context.Context) error {
	if rt.Settings.AuditDSN == "" {
		rt.Audit = audit.NewMemory()
		return nil
	}
	sqlStore, err := audit.Open(ctx, rt.Settings.AuditDSN)
	if err != nil {
		return fmt.Errorf("open audit store: %w", err)
	}
	if err := sqlStore.Migrate(ctx); err != nil {
		_ = sqlStore.Close()
		return fmt.Errorf("migrate audit store: %w", err)
	}
	rt.Audit = sqlStore
	rt.closers = append(rt.closers, sqlStore.Close)
	rt.Logger.Info("runtime: audit store opened", "dialect", sqlStore.Dialect())
	return nil
}

func defaultProviders(s config.Settings, logger *slog.Logger) ([]registry.Provider, error) {
	var src eventlog.Source
	switch s.EventLogSource {
	case "command":
		src = eventlog.NewCommandSource()
	default:
		if s.EventLogFixture == "" {
			src = eventlog.NewFixtureSource()
			break
		}
		fx, err := eventlog.LoadFixture(s.EventLogFixture)
		if err != nil {
			return nil, err
		}
		src = fx
	}
	providers := []registry.Provider{eventlog.New(src, eventlog.WithLogger(logger))}
	if s.FileSearchRoot != "" {
		providers = append(providers, filesearch.NewDir(s.FileSearchRoot, filesearch.WithLogger(logger)))
	}
	return providers, nil
}

// Close flushes the mapping store and closes the audit store. It returns
// every failure joined.
func (rt *Runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
