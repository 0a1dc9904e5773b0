package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/phrazzld/storyboard-worker/internal/api"
	"github.com/phrazzld/storyboard-worker/internal/config"
	"github.com/phrazzld/storyboard-worker/internal/events"
	"github.com/phrazzld/storyboard-worker/internal/platform/postgres"
	"github.com/phrazzld/storyboard-worker/internal/platform/r2"
	"github.com/phrazzld/storyboard-worker/internal/platform/rabbitmq"
	"github.com/phrazzld/storyboard-worker/internal/platform/runninghub"
	"github.com/phrazzld/storyboard-worker/internal/processor"
)

// application owns the long-lived pieces that survive dependency
// reinitialization: the emitter, the NOTIFY listener and the ops server.
type application struct {
	cfg    *config.Config
	logger *slog.Logger
}

func newApp(cfg *config.Config, logger *slog.Logger) *application {
	return &application{cfg: cfg, logger: logger}
}

func (app *application) run(ctx context.Context) error {
	emitter, closeEmitter, err := app.newEmitter()
	if err != nil {
		return err
	}
	defer closeEmitter()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	pcfg := processor.ConfigFrom(app.cfg.Processor, app.cfg.ObjectStore.KeyPrefix)
	pcfg.OwnerID = ownerID(pcfg.OwnerID)

	opts := []processor.Option{
		processor.WithEmitter(emitter),
		processor.WithRegisterer(reg),
	}

	g, ctx := errgroup.WithContext(ctx)

	if ch := app.cfg.Database.ListenChannel; ch != "" {
		listener, err := postgres.NewListener(app.cfg.Database.URL, ch, app.logger)
		if err != nil {
			// The poll interval still drives the loop without it.
			app.logger.Warn("task notifications disabled", "channel", ch, "error", err)
		} else {
			defer func() { _ = listener.Close() }()
			opts = append(opts, processor.WithWaker(listener.C()))
			g.Go(func() error {
				listener.Run(ctx)
				return nil
			})
		}
	}

	p, err := processor.New(pcfg, &connector{cfg: app.cfg, logger: app.logger}, app.logger, opts...)
	if err != nil {
		return fmt.Errorf("failed to create processor: %w", err)
	}

	if port := app.cfg.Server.OpsPort; port > 0 {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           api.NewRouter(p, reg, app.logger),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error { return api.Serve(ctx, srv, app.logger) })
	}

	g.Go(func() error { return p.Run(ctx) })

	return g.Wait()
}

// newEmitter logs every outcome event and, when configured, attaches results
// to their subjects and publishes events to RabbitMQ.
func (app *application) newEmitter() (events.EventEmitter, func(), error) {
	emitter := events.NewInMemoryEventEmitter(app.logger)
	emitter.RegisterHandler(events.NewLogHandler(app.logger))

	var closers []io.Closer
	closeAll := func() {
		for _, c := range closers {
			if err := c.Close(); err != nil {
				app.logger.Warn("error closing event handler", "error", err)
			}
		}
	}

	if tables := app.cfg.Events.SubjectTables; len(tables) > 0 {
		db, err := postgres.Connect(app.cfg.Database.URL, 2)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to set up subject attacher: %w", err)
		}
		attacher, err := postgres.NewSubjectAttacher(db, tables, app.logger)
		if err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("failed to set up subject attacher: %w", err)
		}
		emitter.RegisterHandler(attacher)
		closers = append(closers, attacher)
	}

	if app.cfg.Events.AMQPURL != "" {
		pub, err := rabbitmq.Dial(app.cfg.Events.AMQPURL, app.cfg.Events.Exchange, app.logger)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("failed to set up event publisher: %w", err)
		}
		emitter.RegisterHandler(pub)
		closers = append(closers, pub)
	}

	return emitter, closeAll, nil
}

// connector builds the processor's dependencies from configuration. Each
// call opens new handles so a reinitialization starts from a clean slate.
type connector struct {
	cfg    *config.Config
	logger *slog.Logger

	// prev is the generation client of the last successful Connect. Its
	// in-flight jobs are still running remotely after a reinitialization.
	prev *runninghub.Client
}

func (c *connector) Connect(ctx context.Context) (*processor.Dependencies, error) {
	gen, err := runninghub.New(runninghubConfig(c.cfg.Generation), c.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create generation client: %w", err)
	}

	store, err := r2.New(r2Config(c.cfg.ObjectStore), c.logger)
	if err != nil {
		_ = gen.Close()
		return nil, fmt.Errorf("failed to create object store: %w", err)
	}
	if err := store.Ping(ctx); err != nil {
		_ = gen.Close()
		return nil, fmt.Errorf("object store unreachable: %w", err)
	}

	db, err := postgres.Open(ctx, c.cfg.Database.URL, c.cfg.Database.MaxOpenConns)
	if err != nil {
		_ = gen.Close()
		return nil, err
	}
	tasks := newTaskStore(db, c.cfg, c.logger)

	c.carryOver(gen)
	c.logger.Info("dependencies connected", "bucket", c.cfg.ObjectStore.Bucket)
	return &processor.Dependencies{
		Tasks:     tasks,
		Generator: gen,
		Artifacts: store,
		Closers:   []io.Closer{gen},
	}, nil
}

// carryOver hands the previous client's outstanding jobs to gen so the
// in-flight ceiling holds across reconnects.
func (c *connector) carryOver(gen *runninghub.Client) {
	if c.prev != nil {
		if n := gen.Adopt(c.prev.Pending()...); n > 0 {
			c.logger.Info("adopted in-flight generation jobs", "count", n)
		}
	}
	c.prev = gen
}

// newTaskStore applies the configured staleness horizon and retry budget.
// The worker and the cleanup command must agree on both.
func newTaskStore(db *sql.DB, cfg *config.Config, log *slog.Logger) *postgres.TaskStore {
	return postgres.NewTaskStore(db, log,
		postgres.WithStaleAfter(cfg.Processor.StaleAfter()),
		postgres.WithDefaultMaxRetries(cfg.Processor.DefaultMaxRetries),
	)
}

func runninghubConfig(g config.GenerationConfig) runninghub.Config {
	return runninghub.Config{
		BaseURL:           g.BaseURL,
		APIKey:            g.APIKey,
		WebappID:          g.WebappID,
		PromptNodeID:      g.PromptNodeID,
		RatioNodeID:       g.RatioNodeID,
		MaxInFlight:       g.MaxInFlight,
		RequestsPerSecond: g.RequestsPerSecond,
		RequestTimeout:    time.Duration(g.RequestTimeoutSeconds) * time.Second,
		MaxDownloadBytes:  g.MaxDownloadBytes,
	}
}

func r2Config(o config.ObjectStoreConfig) r2.Config {
	return r2.Config{
		Endpoint:        o.Endpoint,
		Region:          o.Region,
		Bucket:          o.Bucket,
		AccessKeyID:     o.AccessKeyID,
		SecretAccessKey: o.SecretAccessKey,
		PublicBaseURL:   o.PublicBaseURL,
	}
}

// ownerID returns configured, or "<hostname>-<random>" so that two
// processes on one host never share claims.
func ownerID(configured string) string {
	if configured != "" {
		return configured
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}
