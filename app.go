package wecom

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	job "github.com/goliatone/go-job"
	persistence "github.com/goliatone/go-persistence-bun"
	"github.com/goliatone/go-wecom/adapters/gojob"
	"github.com/goliatone/go-wecom/adapters/gologger"
	"github.com/goliatone/go-wecom/auth"
	"github.com/goliatone/go-wecom/command"
	"github.com/goliatone/go-wecom/core"
	"github.com/goliatone/go-wecom/inbound"
	wecomapi "github.com/goliatone/go-wecom/providers/wecom"
	"github.com/goliatone/go-wecom/security"
	"github.com/goliatone/go-wecom/server"
	sqlstore "github.com/goliatone/go-wecom/store/sql"
	kfsync "github.com/goliatone/go-wecom/sync"
	"github.com/goliatone/go-wecom/transport"
	"github.com/goliatone/go-wecom/webhooks"
)

type Option func(*appOptions)

type appOptions struct {
	httpDoer       core.HTTPDoer
	loggerProvider core.LoggerProvider
	logger         core.Logger
	migrations     fs.FS
	now            func() time.Time
	metrics        core.MetricsRecorder
}

// WithHTTPDoer replaces the outbound client used for WeCom and the answering webhook.
func WithHTTPDoer(doer core.HTTPDoer) Option {
	return func(o *appOptions) {
		if doer != nil {
			o.httpDoer = doer
		}
	}
}

// WithLoggerProvider skips building the zap logger from cfg.Log.
func WithLoggerProvider(provider core.LoggerProvider) Option {
	return func(o *appOptions) {
		if provider != nil {
			o.loggerProvider = provider
		}
	}
}

func WithLogger(logger core.Logger) Option {
	return func(o *appOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithMigrationsFS(fsys fs.FS) Option {
	return func(o *appOptions) {
		if fsys != nil {
			o.migrations = fsys
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *appOptions) {
		if now != nil {
			o.now = now
		}
	}
}

// WithMetricsRecorder receives sync and forward counters and durations.
func WithMetricsRecorder(recorder core.MetricsRecorder) Option {
	return func(o *appOptions) {
		if recorder != nil {
			o.metrics = recorder
		}
	}
}

// App is the assembled callback service: the echo surface in front of the
// inbound pipeline, the sync loop and the supervised forward workers.
type App struct {
	cfg    Config
	logger core.Logger

	flushLogs func() error
	db        *persistence.Client
	cursors   core.CursorStore
	ledger    core.ForwardLedger
	queue     *gojob.MemoryQueue
	pool      *gojob.Pool
	forwarder *webhooks.Forwarder
	bus       *command.Bus
	processor *inbound.Processor
	server    *server.Server

	startOnce    sync.Once
	shutdownOnce sync.Once
	shutdownErr  error
}

// New wires every component from cfg. The database is opened and migrated
// here; workers do not run until Start.
func New(ctx context.Context, cfg Config, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, core.WrapError(err, goerrors.CategoryBadInput, "wecom: invalid config", http.StatusBadRequest, core.ErrorBadInput, nil)
	}
	options := appOptions{migrations: GetMigrationsFS()}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	app := &App{cfg: cfg, flushLogs: func() error { return nil }}
	provider := options.loggerProvider
	if provider == nil && options.logger == nil {
		zapProvider, flush, err := gologger.New(cfg.Log)
		if err != nil {
			return nil, core.BadInputError(err.Error(), map[string]any{"level": cfg.Log.Level})
		}
		provider = zapProvider
		app.flushLogs = flush
	}
	provider, app.logger = gologger.Resolve(cfg.ServiceName, provider, options.logger)
	named := func(name string) core.Logger {
		return core.ResolveLogger(name, provider, app.logger)
	}

	if err := app.openStore(ctx, options); err != nil {
		_ = app.flushLogs()
		return nil, err
	}
	if err := app.wire(options, named); err != nil {
		app.release()
		return nil, err
	}
	return app, nil
}

func (a *App) openStore(ctx context.Context, options appOptions) error {
	client, err := sqlstore.Open(ctx, sqlstore.PersistenceConfig{
		Config:       a.cfg.Persistence,
		OtelIdentity: a.cfg.ServiceName,
	}, options.migrations)
	if err != nil {
		return err
	}
	factory, err := sqlstore.NewRepositoryFactoryFromPersistence(client)
	if err != nil {
		_ = client.Close()
		return err
	}
	if options.now != nil {
		factory.WithClock(options.now)
	}
	a.db = client
	a.cursors = factory.CursorStore()
	a.ledger = factory.ForwardLedger()
	return nil
}

func (a *App) wire(options appOptions, named func(string) core.Logger) error {
	cfg := a.cfg
	doer := options.httpDoer
	if doer == nil {
		doer = &http.Client{Timeout: cfg.API.Timeout()}
	}
	rest := transport.NewRESTAdapterFromConfig(doer, cfg.API, named("transport"))

	cache, err := auth.NewTokenCache(cfg.Token.CacheTTL())
	if err != nil {
		return core.WrapError(err, goerrors.CategoryInternal, "wecom: token cache", http.StatusInternalServerError, core.ErrorInternal, nil)
	}
	tokens, err := auth.NewAccessTokenProvider(auth.AccessTokenProviderConfig{
		CorpID:  cfg.Callback.CorpID,
		Secrets: cfg.Secrets,
		Fetch:   auth.FetchWith(rest, cfg.API.BaseURL),
		Cache:   cache,
		Logger:  named("auth"),
	})
	if err != nil {
		return err
	}
	client, err := wecomapi.NewClient(rest, tokens, wecomapi.Config{
		BaseURL: cfg.API.BaseURL,
		AgentID: cfg.AgentID,
		Timeout: cfg.API.Timeout(),
	}, named("wecom"))
	if err != nil {
		return err
	}

	answer, err := webhooks.NewAnswerClient(rest, cfg.Answer.WebhookURL, cfg.Answer.Timeout(), named("answer"))
	if err != nil {
		return err
	}
	forwardLogger := named("forward")
	a.queue = gojob.NewMemoryQueue(cfg.Forward.QueueSize, func(ctx context.Context, msg *job.ExecutionMessage, reason string) {
		core.LogError(ctx, forwardLogger, "wecom: forward moved to dead letter", map[string]any{
			"idempotency_key": webhooks.MessageKey(msg),
			"reason":          reason,
		})
	})
	forwarder, err := webhooks.NewForwarder(webhooks.ForwarderConfig{
		Ledger: a.ledger,
		Queue:  a.queue,
		Answer: answer,
		KF:     client,
		Agent:  client,
		RetryPolicy: webhooks.ExponentialRetryPolicy{
			Initial: cfg.Forward.InitialDelay(),
			Max:     cfg.Forward.MaxDelay(),
		},
		Now:     options.now,
		Logger:  forwardLogger,
		Metrics: options.metrics,
	})
	if err != nil {
		return err
	}
	a.forwarder = forwarder

	loop, err := kfsync.NewLoop(kfsync.LoopConfig{
		Cursors:          a.cursors,
		Syncer:           client,
		Sender:           client,
		Scheduler:        forwarder,
		PageSize:         cfg.Sync.PageSize,
		FullDrain:        cfg.Sync.FullDrain,
		ProcessFullBatch: cfg.Sync.ProcessFullBatch,
		InterimReply:     cfg.Replies.Interim,
		Logger:           named("sync"),
		Metrics:          options.metrics,
	})
	if err != nil {
		return err
	}
	a.bus, err = command.NewBus(command.BusConfig{
		Syncer:   loop,
		Relay:    forwarder,
		Cursors:  a.cursors,
		Forwards: a.ledger,
	})
	if err != nil {
		return err
	}

	a.pool, err = gojob.NewPool(a.queue, a.bus.Forward, gojob.PoolConfig{
		Workers: cfg.Forward.Workers,
		Policy: gojob.RetryPolicy{
			MaxAttempts:     cfg.Forward.MaxAttempts,
			MaxDelay:        cfg.Forward.MaxDelay(),
			DeadLetterOnMax: true,
		},
		Backoff:   forwarder.Backoff,
		Retryable: forwarder.Retryable,
		Hook:      forwarder,
		Logger:    named("worker"),
	})
	if err != nil {
		return core.WrapError(err, goerrors.CategoryInternal, "wecom: forward pool", http.StatusInternalServerError, core.ErrorInternal, nil)
	}

	crypt, err := security.NewMsgCrypt(cfg.Callback.Token, cfg.Callback.EncodingAESKey, cfg.Callback.CorpID)
	if err != nil {
		return core.CryptoError(err, "wecom: callback codec", nil)
	}
	inboundLogger := named("inbound")
	router := &inbound.Router{
		Text:    inbound.TextHandler{Scheduler: forwarder, Reply: cfg.Replies.TextPending},
		Image:   inbound.ImageHandler{},
		Event:   inbound.EventHandler{Syncer: a.bus, Ack: cfg.Replies.KFAck, Logger: inboundLogger},
		Default: inbound.DefaultHandler{Logger: inboundLogger},
	}
	a.processor, err = inbound.NewProcessor(crypt, inbound.NewXMLParser(), router, inboundLogger)
	if err != nil {
		return err
	}
	a.server, err = server.New(a.processor, server.ConfigFrom(cfg.HTTP, named("server")))
	return err
}

// Start re-queues forwards left pending by a previous run and starts the
// workers. Workers outlive ctx cancellation; Shutdown drains them.
func (a *App) Start(ctx context.Context) error {
	var err error
	a.startOnce.Do(func() {
		queued, recoverErr := a.forwarder.Recover(ctx)
		if recoverErr != nil {
			err = recoverErr
			return
		}
		a.pool.Start(context.WithoutCancel(ctx))
		core.LogInfo(ctx, a.logger, "wecom: forward workers started", map[string]any{
			"workers":   a.cfg.Forward.Workers,
			"recovered": queued,
		})
	})
	return err
}

// Serve blocks on the HTTP listener until it fails or Shutdown is called.
func (a *App) Serve() error {
	return a.server.Start()
}

// Run starts the workers and serves until ctx is done or the listener fails.
// The caller still owns Shutdown.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	errs := make(chan error, 1)
	go func() { errs <- a.Serve() }()
	select {
	case <-ctx.Done():
		return nil
	case err := <-errs:
		return err
	}
}

// Handler is the routed HTTP surface, for embedding or tests.
func (a *App) Handler() http.Handler {
	return a.server.Handler()
}

func (a *App) Bus() *command.Bus {
	return a.bus
}

// Shutdown stops HTTP intake, drains queued forwards within the configured
// drain timeout and releases the store. Forwards still queued afterwards
// stay pending in the ledger for the next Start.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownOnce.Do(func() {
		var errs []error
		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		if a.queue != nil {
			a.queue.Close()
		}
		if a.pool != nil {
			drainCtx, cancel := context.WithTimeout(ctx, a.cfg.Forward.DrainTimeout())
			if err := a.pool.Wait(drainCtx); err != nil {
				core.LogWarn(ctx, a.logger, "wecom: forward drain timed out", core.ErrorFields(err, nil))
			}
			cancel()
			a.pool.Stop()
		}
		if a.queue != nil {
			a.queue.Stop()
		}
		errs = append(errs, a.release()...)
		a.shutdownErr = errors.Join(errs...)
	})
	return a.shutdownErr
}

func (a *App) release() []error {
	var errs []error
	if a.bus != nil {
		a.bus.Close()
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			errs = append(errs, core.StoreError(err, "wecom: close database", nil))
		}
		a.db = nil
	}
	if a.flushLogs != nil {
		if err := a.flushLogs(); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}
