package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/elonfeng/wdpv/internal/config"
	"github.com/elonfeng/wdpv/internal/logging"
	"github.com/elonfeng/wdpv/internal/scheduler"
	"github.com/elonfeng/wdpv/internal/store"
	"github.com/elonfeng/wdpv/pkg/alert"
	"github.com/elonfeng/wdpv/pkg/dump"
	"github.com/elonfeng/wdpv/pkg/ingest"
	"github.com/elonfeng/wdpv/pkg/project"
	"github.com/elonfeng/wdpv/pkg/resolve"
	"github.com/elonfeng/wdpv/pkg/server"
	"github.com/elonfeng/wdpv/pkg/source"
)

type ingestOpts struct {
	dir      string
	source   string
	output   string
	maxFiles int
	maxDays  int
}

type dumpOpts struct {
	start  string
	end    string
	mode   string
	output string
}

// app holds what every command needs.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	db     *store.SQLStore
}

func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}
	return config.Load(path)
}

func newApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	level := cfg.Log.Level
	switch {
	case debug:
		level = "debug"
	case verbose:
		level = "info"
	}
	logger, err := logging.New(level, cfg.Log.Encoding)
	if err != nil {
		return nil, err
	}

	var opts []store.Option
	if cfg.Database.BulkLoad {
		opts = append(opts, store.WithBulkLoad())
	}
	db, err := store.New(cfg.Database.Driver, cfg.Database.DSN, opts...)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return &app{cfg: cfg, logger: logger, db: db}, nil
}

func (a *app) Close() {
	a.db.Close()
	a.logger.Sync()
}

func buildSource(cfg *config.Config) (source.Source, error) {
	switch source.Type(cfg.Ingest.Source) {
	case source.TypeDir:
		return source.NewDir(cfg.Ingest.Dir), nil
	case source.TypeHTTP:
		return source.NewHTTP(cfg.Ingest.MirrorURL), nil
	case source.TypeFeed:
		return source.NewFeed(cfg.Ingest.FeedURL), nil
	}
	return nil, fmt.Errorf("unknown ingest source %q", cfg.Ingest.Source)
}

// buildResolver wires the replica resolver behind the configured title cache.
// The returned func releases its connections.
func buildResolver(ctx context.Context, cfg *config.Config, logger *zap.Logger) (resolve.Resolver, func(), error) {
	user, password := cfg.Replica.User, cfg.Replica.Password
	if user == "" {
		var err error
		user, password, err = resolve.LoadCredentials(cfg.Replica.CredsFile)
		if err != nil {
			return nil, nil, fmt.Errorf("replica credentials: %w", err)
		}
	}

	replica := resolve.NewReplica(
		resolve.MySQLConnector(cfg.Replica.HostTemplate, cfg.Replica.Port, user, password),
		logger.Named("replica"),
		resolve.WithChunkSize(cfg.Ingest.ChunkSize),
	)
	closeReplica := func() {
		if err := replica.Close(); err != nil {
			logger.Warn("close replicas", zap.Error(err))
		}
	}

	switch cfg.Cache.Backend {
	case "redis":
		rc, err := resolve.NewRedisCache(ctx, cfg.Cache.RedisAddr, cfg.Cache.Password, cfg.Cache.RedisDB, cfg.Cache.ParseTTL())
		if err != nil {
			closeReplica()
			return nil, nil, err
		}
		return resolve.NewCached(replica, rc, logger), func() {
			closeReplica()
			rc.Close()
		}, nil
	case "none":
		return replica, closeReplica, nil
	default:
		return resolve.NewCached(replica, resolve.NewMemoryCache(cfg.Cache.ParseTTL()), logger), closeReplica, nil
	}
}

func buildAlertManager(cfg *config.Config) *alert.Manager {
	var notifiers []alert.Notifier

	if cfg.Alerts.Slack.Enabled && cfg.Alerts.Slack.WebhookURL != "" {
		notifiers = append(notifiers, alert.NewSlack(cfg.Alerts.Slack.WebhookURL, cfg.Alerts.Slack.Channel))
	}
	if cfg.Alerts.Discord.Enabled && cfg.Alerts.Discord.WebhookURL != "" {
		notifiers = append(notifiers, alert.NewDiscord(cfg.Alerts.Discord.WebhookURL))
	}
	if cfg.Alerts.Webhook.Enabled && cfg.Alerts.Webhook.URL != "" {
		notifiers = append(notifiers, alert.NewWebhook(cfg.Alerts.Webhook.URL, cfg.Alerts.Webhook.Secret))
	}

	return alert.NewManager(notifiers)
}

// buildEngine assembles the ingest pipeline. The returned func releases it.
func (a *app) buildEngine(ctx context.Context) (*ingest.Engine, func(), error) {
	src, err := buildSource(a.cfg)
	if err != nil {
		return nil, nil, err
	}

	dbs, err := project.NewSiteMatrix(a.cfg.Replica.SiteMatrix).Databases(ctx)
	if err != nil {
		return nil, nil, err
	}
	a.logger.Debug("loaded sitematrix", zap.Int("databases", len(dbs)))

	resolver, closeResolver, err := buildResolver(ctx, a.cfg, a.logger)
	if err != nil {
		return nil, nil, err
	}

	engine := ingest.NewEngine(a.db, src, project.NewMapper(dbs), resolver, ingest.Options{
		Workers:    a.cfg.Ingest.Workers,
		ChunkSize:  a.cfg.Ingest.ChunkSize,
		MaxBuckets: a.cfg.Ingest.MaxBuckets,
	}, a.logger.Named("ingest"))

	return engine, func() {
		engine.Close()
		closeResolver()
	}, nil
}

// withCombination wraps an ingest pass so the combination file at output is
// rewritten whenever new hours were written. An empty output disables it.
func withCombination(ingestOnce server.IngestFunc, dumper *dump.Dumper, output string, durations []string) server.IngestFunc {
	if output == "" {
		return ingestOnce
	}
	return func(ctx context.Context) (*ingest.Report, error) {
		rep, err := ingestOnce(ctx)
		if err != nil || rep.Processed == 0 {
			return rep, err
		}
		err = dumper.WriteCombination(ctx, output, durations)
		if errors.Is(err, store.ErrNoHours) {
			return rep, nil
		}
		if err != nil {
			return rep, fmt.Errorf("write combination: %w", err)
		}
		return rep, nil
	}
}

func (a *app) ingestFunc(engine *ingest.Engine, output string) server.IngestFunc {
	alerts := buildAlertManager(a.cfg)
	ingestOnce := func(ctx context.Context) (*ingest.Report, error) {
		return engine.Ingest(ctx, a.cfg.Ingest.MaxFiles, a.cfg.Ingest.MaxDays, alerts)
	}
	return withCombination(ingestOnce, dump.New(a.db, a.logger.Named("dump")), output, a.cfg.Dump.Durations)
}

func runIngest(ctx context.Context, opts ingestOpts) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if opts.dir != "" {
		a.cfg.Ingest.Dir = opts.dir
		a.cfg.Ingest.Source = string(source.TypeDir)
	}
	if opts.source != "" {
		a.cfg.Ingest.Source = opts.source
	}
	if opts.maxFiles > 0 {
		a.cfg.Ingest.MaxFiles = opts.maxFiles
	}
	if opts.maxDays > 0 {
		a.cfg.Ingest.MaxDays = opts.maxDays
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	engine, release, err := a.buildEngine(ctx)
	if err != nil {
		return err
	}
	defer release()

	rep, err := a.ingestFunc(engine, opts.output)(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "processed %d, skipped %d, failed %d of %d files\n",
		rep.Processed, rep.Skipped, rep.Failed, rep.Listed)
	if rep.Processed == 0 && rep.Failed > 0 {
		return fmt.Errorf("all %d attempted files failed", rep.Failed)
	}
	return nil
}

func runDump(ctx context.Context, opts dumpOpts) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := dump.New(a.db, a.logger).Dump(ctx, opts.start, opts.end, opts.mode)
	if err != nil {
		return err
	}
	if opts.output != "" && opts.output != "-" {
		return dump.WriteJSONFile(opts.output, res)
	}
	return json.NewEncoder(os.Stdout).Encode(res)
}

func runCombine(ctx context.Context, output string, durations []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if output == "" {
		output = a.cfg.Dump.Output
	}
	if len(durations) == 0 {
		durations = a.cfg.Dump.Durations
	}
	return dump.New(a.db, a.logger).WriteCombination(ctx, output, durations)
}

func runServe(port int) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if port == 0 {
		port = a.cfg.Server.Port
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var ingestFn server.IngestFunc
	engine, release, err := a.buildEngine(ctx)
	if err != nil {
		a.logger.Warn("ingest endpoint disabled", zap.Error(err))
	} else {
		defer release()
		ingestFn = a.ingestFunc(engine, a.cfg.Dump.Output)
	}

	return server.New(a.db, ingestFn, port, a.logger.Named("server")).ListenAndServe(ctx)
}

func runDaemon(port int) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if port == 0 {
		port = a.cfg.Server.Port
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	engine, release, err := a.buildEngine(ctx)
	if err != nil {
		return err
	}
	defer release()

	// The scheduler and POST /api/v1/ingest share the engine, which runs one
	// ingest at a time.
	ingestOnce := a.ingestFunc(engine, a.cfg.Dump.Output)
	sched := scheduler.New(a.cfg.Schedule.Cron, func(ctx context.Context) error {
		_, err := ingestOnce(ctx)
		if errors.Is(err, ingest.ErrBusy) {
			a.logger.Info("ingest already running, skipping scheduled run")
			return nil
		}
		return err
	}, a.logger.Named("scheduler"))

	// Start scheduler in background.
	go func() {
		if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
			a.logger.Error("scheduler stopped", zap.Error(err))
			cancel()
		}
	}()

	srv := server.New(a.db, ingestOnce, port, a.logger.Named("server"))
	err = srv.ListenAndServe(ctx)
	a.logger.Info("shutting down")
	return err
}
