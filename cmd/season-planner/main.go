package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/ILLUVRSE/season-planner/internal/approval"
	"github.com/ILLUVRSE/season-planner/internal/archive"
	"github.com/ILLUVRSE/season-planner/internal/auth"
	"github.com/ILLUVRSE/season-planner/internal/config"
	"github.com/ILLUVRSE/season-planner/internal/events"
	"github.com/ILLUVRSE/season-planner/internal/httpserver"
	"github.com/ILLUVRSE/season-planner/internal/metrics"
	"github.com/ILLUVRSE/season-planner/internal/orchestrator"
	"github.com/ILLUVRSE/season-planner/internal/paramextract"
	"github.com/ILLUVRSE/season-planner/internal/runner"
	"github.com/ILLUVRSE/season-planner/internal/store"
)

func main() {
	runRunner := flag.Bool("run-runner", false, "start the auto-advance runner")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load: %v", err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "season-planner")
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("store init: %v", err)
	}
	defer closeStore()

	var m *metrics.Metrics
	if cfg.Metrics {
		m, err = metrics.New(ctx, "season-planner")
		if err != nil {
			log.Fatalf("metrics init: %v", err)
		}
	}

	brokerOpts := []events.Option{events.WithObserver(m)}
	if len(cfg.KafkaBrokers) > 0 {
		sink, err := events.NewKafkaSink(events.KafkaConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
			Logger:  logger,
		})
		if err != nil {
			log.Fatalf("kafka sink init: %v", err)
		}
		defer sink.Close()
		brokerOpts = append(brokerOpts, events.WithSink(sink))
		logger.Info("publishing events to kafka", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers)
	}
	broker := events.NewBroker(brokerOpts...)

	var archiver archive.Archiver
	if cfg.S3Bucket != "" {
		a, err := archive.NewS3Archiver(ctx, cfg.S3Bucket, cfg.S3Prefix)
		if err != nil {
			log.Fatalf("archive init: %v", err)
		}
		archiver = a
	}

	policy, err := approval.NewStaticPolicy(cfg.ApprovalStages, cfg.ApprovalMarkdownCeiling)
	if err != nil {
		log.Fatalf("approval policy: %v", err)
	}

	var extractor paramextract.Client
	if cfg.ParamExtractorURL != "" {
		extractor, err = paramextract.NewHTTPClient(paramextract.HTTPClientConfig{
			BaseURL: cfg.ParamExtractorURL,
			Timeout: 20 * time.Second,
			Retries: 2,
		})
		if err != nil {
			log.Fatalf("parameter extractor init: %v", err)
		}
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Store:        st,
		Broker:       broker,
		Policy:       policy,
		Archiver:     archiver,
		Metrics:      m,
		Logger:       logger,
		Defaults:     cfg.WorkflowDefaults(),
		StageTimeout: cfg.StageTimeout,
	})
	if err != nil {
		log.Fatalf("orchestrator init: %v", err)
	}
	defer orch.Close()
	if n, err := orch.Recover(ctx); err != nil {
		log.Fatalf("recover workflows: %v", err)
	} else if n > 0 {
		logger.Warn("marked interrupted workflows as failed", "count", n)
	}

	verifier := auth.NewVerifier(auth.Config{
		Secret:          cfg.JWTSecret,
		Scope:           cfg.WriteScope,
		AllowDebugToken: cfg.AllowDebugToken,
		DebugToken:      cfg.DebugToken,
	})
	if !verifier.Enabled() {
		logger.Warn("write routes are unauthenticated; set PLANNER_JWT_SECRET")
	}

	server := httpserver.New(httpserver.Config{
		Orchestrator: orch,
		Store:        st,
		Verifier:     verifier,
		Extractor:    extractor,
		Metrics:      m,
		Logger:       logger,
	})
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if *runRunner || cfg.Runner {
		log.Printf("starting auto-advance runner (every %s)", cfg.RunnerPollInterval)
		go runner.RunWorker(ctx, orch, runner.Config{PollInterval: cfg.RunnerPollInterval, Logger: logger})
	}

	go func() {
		log.Printf("season planner listening on %s (store: %s)", cfg.Addr, cfg.DatabaseDriver)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	waitForShutdown(cancel, httpServer)
	if err := m.Shutdown(context.Background()); err != nil {
		logger.Warn("metrics shutdown", "err", err)
	}
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, func(), error) {
	if cfg.DatabaseDriver == "memory" {
		return store.NewMemoryStore(), func() {}, nil
	}
	dialect, err := store.DialectFor(cfg.DatabaseDriver)
	if err != nil {
		return nil, nil, err
	}
	db, err := sql.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if cfg.DatabaseDriver == "sqlite" {
		// SQLite takes a single writer.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	st := store.NewSQLStore(db, dialect)
	if err := st.Migrate(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	return st, func() { db.Close() }, nil
}

func waitForShutdown(cancel context.CancelFunc, srv *http.Server) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	cancel()
	ctx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}
