package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/fixplan/internal/analyzer"
	"github.com/fyrsmithlabs/fixplan/internal/config"
	"github.com/fyrsmithlabs/fixplan/internal/engine"
	apihttp "github.com/fyrsmithlabs/fixplan/internal/http"
	"github.com/fyrsmithlabs/fixplan/internal/inbox"
	"github.com/fyrsmithlabs/fixplan/internal/knowledge"
	"github.com/fyrsmithlabs/fixplan/internal/logging"
	"github.com/fyrsmithlabs/fixplan/internal/mcp"
	"github.com/fyrsmithlabs/fixplan/internal/notify"
	"github.com/fyrsmithlabs/fixplan/internal/publish"
	"github.com/fyrsmithlabs/fixplan/internal/queue"
	"github.com/fyrsmithlabs/fixplan/internal/sandbox"
	"github.com/fyrsmithlabs/fixplan/internal/scheduler"
	"github.com/fyrsmithlabs/fixplan/internal/store"
	"github.com/fyrsmithlabs/fixplan/internal/telemetry"
	"github.com/fyrsmithlabs/fixplan/internal/validation"
	"github.com/fyrsmithlabs/fixplan/internal/vectorstore"
	"github.com/fyrsmithlabs/fixplan/internal/worker"
	"github.com/fyrsmithlabs/fixplan/pkg/embeddings"
	"github.com/fyrsmithlabs/fixplan/pkg/secrets"
)

const (
	analysts = 2
	// dispatchInterval backs up the kick a queued plan sends the dispatcher.
	dispatchInterval = 30 * time.Second
)

type options struct {
	mcp bool
}

// daemon holds every long-lived component. Fields are set in build order
// and released in reverse by close.
type daemon struct {
	cfg    *config.Config
	tel    *telemetry.Telemetry
	logger *logging.Logger

	store      *store.Store
	embedded   *natsserver.Server
	nc         *nats.Conn
	queue      *queue.Queue
	dispatcher *queue.Dispatcher
	vectors    vectorstore.Store
	engine     *engine.Engine
	pool       *worker.Pool
	scheduler  *scheduler.Scheduler
	inbox      *inbox.Inbox
	api        *apihttp.Server
	mcp        *mcp.Server
}

// build wires the daemon from cfg. On error everything opened so far is
// closed again.
func build(ctx context.Context, cfg *config.Config, opts options) (_ *daemon, err error) {
	d := &daemon{cfg: cfg}
	defer func() {
		if err != nil {
			d.close()
		}
	}()

	if d.tel, err = telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry, version)); err != nil {
		return nil, err
	}
	if d.logger, err = newLogger(cfg.Logging, opts, d.tel); err != nil {
		return nil, err
	}
	log := d.logger

	if d.store, err = store.Open(cfg.Store.Path); err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	if err = d.connectQueue(); err != nil {
		return nil, err
	}
	d.dispatcher = queue.NewDispatcher(d.store, d.queue, cfg.Queue.DispatchBatch, log)

	var scanner *secrets.Scanner
	if !cfg.Secrets.Disabled {
		allow, err := secrets.LoadAllowlists(cfg.Secrets.Allowlist)
		if err != nil {
			return nil, fmt.Errorf("secrets allowlist: %w", err)
		}
		if scanner, err = secrets.NewScanner(allow); err != nil {
			return nil, err
		}
	}

	embedder, err := embeddings.NewService(embeddings.Config{
		BaseURL: cfg.Embeddings.BaseURL,
		Model:   cfg.Embeddings.Model,
		APIKey:  cfg.Embeddings.APIKey.Value(),
	})
	if err != nil {
		return nil, fmt.Errorf("embeddings: %w", err)
	}
	if d.vectors, err = vectorstore.New(ctx, cfg.Knowledge, embedder, log); err != nil {
		return nil, fmt.Errorf("knowledge store: %w", err)
	}
	kopts := []knowledge.Option{knowledge.WithLogTail(cfg.Knowledge.LogTail)}
	aopts := []analyzer.Option{analyzer.WithLogger(log)}
	if scanner != nil {
		kopts = append(kopts, knowledge.WithScanner(scanner))
		aopts = append(aopts, analyzer.WithScanner(scanner))
	}
	distiller, err := knowledge.NewDistiller(d.vectors, log, kopts...)
	if err != nil {
		return nil, err
	}
	if cfg.Analyzer.PriorArt > 0 {
		aopts = append(aopts, analyzer.WithPriorArt(distiller, cfg.Analyzer.PriorArt, 0.3))
	}
	reviewer, err := analyzer.FromConfig(cfg.Analyzer, aopts...)
	if err != nil {
		return nil, fmt.Errorf("analyzer: %w", err)
	}

	var notifier notify.Notifier = notify.Nop{}
	if cfg.Notify.Enabled {
		notifier = notify.NewNATS(d.nc, cfg.Notify.SubjectPrefix, cfg.Notify.Timeout.Duration(), log)
	}

	d.engine = engine.New(d.store, reviewer, distiller, notifier, engine.Options{
		MaxRetries:      cfg.Workers.MaxRetries,
		StaleAfter:      cfg.Scheduler.StaleAfter.Duration(),
		SweepBatch:      cfg.Scheduler.SweepBatch,
		ChainCheckBatch: cfg.Scheduler.ChainCheckBatch,
		Kick:            d.dispatcher.Kick,
	}, log)

	if d.pool, err = d.newPool(ctx, notifier); err != nil {
		return nil, err
	}

	d.scheduler = scheduler.New(log)
	if err = d.scheduler.Register(scheduler.Jobs(cfg.Scheduler, d.engine, d.dispatcher)...); err != nil {
		return nil, err
	}

	if cfg.Inbox.Enabled {
		if d.inbox, err = inbox.New(inbox.Config{Dir: cfg.Inbox.Dir, Author: cfg.Inbox.Author}, d.engine, log); err != nil {
			return nil, err
		}
	}

	if d.api, err = apihttp.NewServer(apihttp.ConfigFrom(cfg.Server, cfg.Auth), d.engine, d.store, log); err != nil {
		return nil, err
	}
	d.api.WithTelemetry(d.tel)
	if opts.mcp {
		if d.mcp, err = mcp.NewServer(mcp.Config{Version: version}, d.engine, log); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func newLogger(s config.LoggingConfig, opts options, tel *telemetry.Telemetry) (*logging.Logger, error) {
	lc, err := logging.FromSettings(s)
	if err != nil {
		return nil, err
	}
	// MCP owns stdout in stdio mode.
	lc.Stderr = opts.mcp
	lc.Fields["version"] = version
	return logging.NewLogger(lc, tel.LoggerProvider())
}

// connectQueue dials NATS, starting an in-process server first when the
// queue is embedded.
func (d *daemon) connectQueue() error {
	cfg := d.cfg.Queue
	url := cfg.URL
	if cfg.Embedded {
		srv, err := queue.StartEmbedded(cfg.StoreDir)
		if err != nil {
			return err
		}
		d.embedded = srv
		url = srv.ClientURL()
	}
	nc, err := nats.Connect(url,
		nats.Name("fixpland"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				d.logger.Warn(context.Background(), "nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			d.logger.Info(context.Background(), "nats reconnected", zap.String("url", c.ConnectedUrlRedacted()))
		}),
	)
	if err != nil {
		return fmt.Errorf("connecting to nats: %w", err)
	}
	d.nc = nc
	if d.queue, err = queue.New(nc, queue.ConfigFrom(cfg), d.logger); err != nil {
		return err
	}
	return nil
}

func (d *daemon) newPool(ctx context.Context, notifier notify.Notifier) (*worker.Pool, error) {
	cfg := d.cfg
	repo := sandbox.NewGitRepo(cfg.Sandbox.Repo, cfg.Sandbox.Mainline, cfg.Sandbox.Token.Value(),
		cfg.Sandbox.AuthorName, cfg.Sandbox.AuthorEmail)
	exec, err := sandbox.NewExecutor(sandbox.ConfigFrom(cfg.Sandbox), repo, d.logger)
	if err != nil {
		return nil, err
	}
	validator, err := validation.New(validation.ConfigFrom(cfg.Validation, cfg.Sandbox.Env), validation.CommandRunner{}, d.logger)
	if err != nil {
		return nil, err
	}
	deps := worker.Deps{
		Store:     d.store,
		Sandbox:   exec,
		Validator: validator,
		Learner:   d.engine,
		Notifier:  notifier,
	}
	if cfg.Publish.Enabled {
		client, err := publish.NewClient(ctx, cfg.Publish)
		if err != nil {
			return nil, err
		}
		deps.Publisher = publish.NewGitHub(client, cfg.Publish.Owner, cfg.Publish.Repo, cfg.Publish.Draft, d.logger)
	}
	ids := worker.IDs(cfg.Workers.IDPrefix, cfg.Workers.Count)
	return worker.NewPool(d.queue, ids, worker.ConfigFrom(cfg.Workers, cfg.Sandbox), deps, cfg.Queue.FetchWait.Duration(), d.logger), nil
}

// run starts every component and blocks until ctx ends or one of them
// fails. In MCP mode the daemon also stops when the client hangs up.
func (d *daemon) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return d.api.Run(ctx) })
	g.Go(func() error { return d.engine.RunAnalysts(ctx, analysts) })
	g.Go(func() error {
		d.dispatcher.Run(ctx, dispatchInterval)
		return nil
	})
	g.Go(func() error { return d.pool.Run(ctx) })
	g.Go(func() error { return d.scheduler.Run(ctx) })
	if d.inbox != nil {
		g.Go(func() error { return d.inbox.Run(ctx) })
	}
	if d.mcp != nil {
		g.Go(func() error {
			defer cancel()
			err := d.mcp.Run(ctx)
			if ctx.Err() == nil {
				d.logger.Info(ctx, "mcp client disconnected, shutting down")
			}
			return err
		})
	}

	d.logger.Info(ctx, "fixpland started",
		zap.String("addr", d.api.Addr()),
		zap.Int("workers", d.pool.Size()),
		zap.Bool("embedded_nats", d.embedded != nil),
		zap.Bool("inbox", d.inbox != nil),
		zap.Bool("mcp", d.mcp != nil),
		zap.String("knowledge_backend", d.cfg.Knowledge.Backend))

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if err != nil {
		d.logger.Error(context.Background(), "fixpland stopped on error", zap.Error(err))
	} else {
		d.logger.Info(context.Background(), "fixpland stopped")
	}
	return err
}

func (d *daemon) close() {
	ctx := context.Background()
	if d.logger == nil {
		d.logger = logging.NewNop()
	}
	if d.queue != nil {
		d.queue.Close()
	}
	if d.nc != nil {
		d.nc.Close()
	}
	if d.embedded != nil {
		d.embedded.Shutdown()
		d.embedded.WaitForShutdown()
	}
	if d.vectors != nil {
		if err := d.vectors.Close(); err != nil {
			d.logger.Warn(ctx, "closing knowledge store", zap.Error(err))
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Warn(ctx, "closing plan store", zap.Error(err))
		}
	}
	if d.tel != nil {
		sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_ = d.tel.Shutdown(sctx)
	}
	if d.logger != nil {
		_ = d.logger.Sync()
	}
}
