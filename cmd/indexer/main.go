package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/reservoirprotocol/indexer-go/internal/adapter"
	"github.com/reservoirprotocol/indexer-go/internal/adapter/looksrare"
	"github.com/reservoirprotocol/indexer-go/internal/adapter/mint"
	"github.com/reservoirprotocol/indexer-go/internal/adapter/seaport"
	"github.com/reservoirprotocol/indexer-go/internal/adapter/zeroexv4"
	"github.com/reservoirprotocol/indexer-go/internal/alert"
	"github.com/reservoirprotocol/indexer-go/internal/chainstate"
	"github.com/reservoirprotocol/indexer-go/internal/config"
	"github.com/reservoirprotocol/indexer-go/internal/domain/event"
	"github.com/reservoirprotocol/indexer-go/internal/domain/model"
	"github.com/reservoirprotocol/indexer-go/internal/pipeline/ingester"
	"github.com/reservoirprotocol/indexer-go/internal/pipeline/normalizer"
	"github.com/reservoirprotocol/indexer-go/internal/pipeline/retry"
	"github.com/reservoirprotocol/indexer-go/internal/pricing"
	"github.com/reservoirprotocol/indexer-go/internal/publish"
	"github.com/reservoirprotocol/indexer-go/internal/publish/wshub"
	"github.com/reservoirprotocol/indexer-go/internal/queue"
	"github.com/reservoirprotocol/indexer-go/internal/refcache"
	"github.com/reservoirprotocol/indexer-go/internal/revalidation"
	"github.com/reservoirprotocol/indexer-go/internal/royalty"
	"github.com/reservoirprotocol/indexer-go/internal/store/postgres"
	redispkg "github.com/reservoirprotocol/indexer-go/internal/store/redis"
	"github.com/reservoirprotocol/indexer-go/internal/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	logger.Info("starting marketplace indexer",
		"order_workers", cfg.Pipeline.OrderWorkers,
		"revalidation_workers", cfg.Pipeline.RevalidationWorkers,
		"search_url", cfg.Search.URL,
		"state_url", cfg.State.URL,
	)

	shutdownTracing, err := tracing.Init(context.Background(), "marketplace-indexer", cfg.Tracing.Endpoint, cfg.Tracing.Insecure)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown error", "error", err)
		}
	}()

	db, err := postgres.New(postgres.Config{
		URL:             cfg.DB.URL,
		MaxOpenConns:    cfg.DB.MaxOpenConns,
		MaxIdleConns:    cfg.DB.MaxIdleConns,
		ConnMaxLifetime: cfg.DB.ConnMaxLifetime,
	})
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := db.RunMigrations(cfg.DB.MigrationsDir); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database")

	stream, err := redispkg.NewStream(cfg.Redis.URL)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer stream.Close()

	orders := postgres.NewOrderRepo(db)
	activities := postgres.NewActivityRepo(db)
	blocks := postgres.NewChainEventRepo(db)
	sources := postgres.NewSourceRepo(db)
	recipients := postgres.NewFeeRecipientRepo(db)
	collections := postgres.NewCollectionRepo(db)

	refs := refcache.New(sources, recipients, stream.Client(), logger)

	state := chainstate.New(cfg.State.URL)
	checkDeps := adapter.CheckDeps{State: state, Chain: state}

	adapters := adapter.NewRegistry()
	adapters.Register(seaport.New(model.OrderKindSeaportV15, cfg.Pipeline.Exchanges["seaport-v1.5"]))
	adapters.Register(seaport.New(model.OrderKindSeaportV16, cfg.Pipeline.Exchanges["seaport-v1.6"]))
	adapters.Register(zeroexv4.New(cfg.Pipeline.Exchanges["zeroex-v4"]))
	adapters.Register(looksrare.New(cfg.Pipeline.Exchanges["looksrare-v2"]))
	adapters.Register(mint.New())

	var oracle pricing.Oracle
	if cfg.Oracle.URL != "" {
		oracle = pricing.NewHTTPOracle(cfg.Oracle.URL)
	} else {
		oracle = pricing.NewStaticOracle()
	}
	royalties := royalty.NewStaticRegistry()

	norm := normalizer.New(adapters, oracle, royalties, refs, refs, logger)

	hub := wshub.New(logger)
	sinks := []publish.Sink{
		publish.NewWebsocketSink(hub),
		publish.NewTopicSink(stream),
	}
	var searchSink *publish.SearchSink
	if cfg.Search.URL != "" {
		searchSink = publish.NewSearchSink(cfg.Search.URL, cfg.Pipeline.ChainID, logger)
		sinks = append(sinks, searchSink)
	}
	publisher := publish.New(logger, sinks...)

	ing := ingester.New(db, orders, activities, blocks, publisher, logger)

	var channels []alert.Alerter
	if cfg.Alert.SlackWebhookURL != "" {
		channels = append(channels, alert.NewSlackAlerter(cfg.Alert.SlackWebhookURL))
	}
	if cfg.Alert.WebhookURL != "" {
		channels = append(channels, alert.NewWebhookAlerter(cfg.Alert.WebhookURL))
	}
	var alerter alert.Alerter = &alert.NoopAlerter{}
	if len(channels) > 0 {
		alerter = alert.NewMultiAlerter(time.Duration(cfg.Alert.CooldownMin)*time.Minute, logger, channels...)
	}

	locks := redispkg.NewLockManager(stream)
	var docs revalidation.DocDeleter
	if searchSink != nil {
		docs = searchSink
	}
	reval := revalidation.NewController(
		revalidation.DefaultConfig(),
		orders, blocks, activities, collections,
		adapters, checkDeps,
		ing, state, locks,
		docs, alerter, logger,
	)

	jobs := queue.NewRedisQueue(stream.Client(), alerter, logger)
	jobs.Handle(queue.KindOrderEvent, cfg.Pipeline.OrderWorkers, orderEventHandler(norm, ing))
	jobs.Handle(queue.KindRevalidation, cfg.Pipeline.RevalidationWorkers, revalidationHandler(reval))
	jobs.Handle(queue.KindBackfill, cfg.Pipeline.BackfillWorkers, backfillHandler(activities))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runServer(gCtx, cfg.Server.Port, hub, logger)
	})
	g.Go(func() error {
		hub.Run(gCtx.Done())
		return nil
	})
	if searchSink != nil {
		g.Go(func() error {
			searchSink.Run(gCtx)
			return nil
		})
	}
	g.Go(func() error {
		return jobs.Run(gCtx)
	})
	g.Go(func() error {
		return reval.Run(gCtx)
	})
	g.Go(func() error {
		return refs.Run(gCtx)
	})
	g.Go(func() error {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("indexer exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("indexer shut down gracefully")
}

// orderEventHandler decodes a raw marketplace event, normalizes it, and
// commits it through the ingester.
func orderEventHandler(norm *normalizer.Normalizer, ing *ingester.Ingester) queue.Handler {
	return func(ctx context.Context, job queue.Job) error {
		var raw event.RawEvent
		if err := json.Unmarshal(job.Payload, &raw); err != nil {
			return retry.Terminal(fmt.Errorf("malformed payload: %w", err))
		}
		// The enqueue time is persisted with the job, so redeliveries see
		// the same receipt timestamp.
		if raw.ReceivedAt == 0 {
			raw.ReceivedAt = job.EnqueuedAt.Unix()
		}
		rec, err := norm.Normalize(ctx, &raw, time.Now().UnixNano())
		if err != nil {
			return err
		}
		return ing.Process(ctx, []*event.NormalizedRecord{rec})
	}
}

func revalidationHandler(reval *revalidation.Controller) queue.Handler {
	return func(ctx context.Context, job queue.Job) error {
		var p struct {
			Contract       string `json:"contract"`
			OnChainRecheck bool   `json:"onChainRecheck"`
		}
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return retry.Terminal(fmt.Errorf("malformed payload: %w", err))
		}
		if p.Contract == "" {
			return retry.Terminal(errors.New("malformed payload: missing contract"))
		}
		err := reval.RevalidateCollection(ctx, p.Contract, adapter.CheckOptions{OnChainApprovalRecheck: p.OnChainRecheck})
		if errors.Is(err, redispkg.ErrLockHeld) {
			// Another instance holds the collection lock; retry with
			// backoff rather than dropping the request.
			return retry.Transient(err)
		}
		return err
	}
}

// backfillHandler fills in denormalized display metadata for an already
// persisted activity.
func backfillHandler(activities *postgres.ActivityRepo) queue.Handler {
	return func(ctx context.Context, job queue.Job) error {
		var p struct {
			ActivityID      string `json:"activityId"`
			TokenName       string `json:"tokenName"`
			TokenImage      string `json:"tokenImage"`
			CollectionName  string `json:"collectionName"`
			CollectionImage string `json:"collectionImage"`
		}
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return retry.Terminal(fmt.Errorf("malformed payload: %w", err))
		}
		if p.ActivityID == "" {
			return retry.Terminal(errors.New("malformed payload: missing activity id"))
		}
		return activities.UpdateMetadata(ctx, p.ActivityID, p.TokenName, p.TokenImage, p.CollectionName, p.CollectionImage)
	}
}

// runServer exposes health, metrics and the websocket endpoint.
func runServer(ctx context.Context, port int, hub *wshub.Hub, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws", hub.ServeWS)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "port", port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
