package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"CTFLedger/internal/config"
	"CTFLedger/internal/core"
	"CTFLedger/internal/ingestion"
	"CTFLedger/internal/lock"
	"CTFLedger/internal/observability"
	"CTFLedger/internal/persistence"
	"CTFLedger/internal/projection"
	"CTFLedger/internal/query"
	"CTFLedger/internal/server"
	"CTFLedger/internal/signing"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const replayBatchSize = 1000

func main() {
	configPath := flag.String("config", "", "path to TOML config (default $"+config.EnvConfigPath+")")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}

	logger := cfg.Logger("ctfledger")
	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("ctfledger stopped")
	}
	logger.Info().Msg("ctfledger shutdown complete")
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("postgres open: %w", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Postgres.ConnMaxLifetime.Duration)

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	logger.Info().Msg("postgres connected")

	if cfg.Postgres.RunMigrations {
		applied, err := persistence.NewMigrator(db, persistence.Migrations(), logger).Up(ctx)
		if err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		logger.Info().Int("applied", applied).Msg("migrations up to date")
	}

	// --- Writer lease ---
	var lease *lock.Lease
	if cfg.Lock.RedisAddr != "" {
		lease, err = lock.NewRedisLease(ctx, lock.Options{
			Addr:     cfg.Lock.RedisAddr,
			Password: cfg.Lock.RedisPassword,
			DB:       cfg.Lock.RedisDB,
			Key:      cfg.Lock.Key,
			TTL:      cfg.Lock.TTL.Duration,
		}, logger.With().Str("component", "lock").Logger())
		if err != nil {
			return err
		}
		if err := lease.Acquire(ctx); err != nil {
			lease.Release()
			return err
		}
		defer lease.Release()
	} else {
		logger.Warn().Msg("no lock.redis_addr configured, running without a writer lease")
	}

	// --- Core ---
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker()

	persistChan := make(chan core.CoreOutput, cfg.Persistence.PersistChanSize)
	projectionChan := make(chan core.CoreOutput, cfg.Persistence.ProjectionChanSize)

	var verifier core.SignatureVerifier
	if !cfg.Core.DisableSignatureChecks {
		verifier = signing.NewVerifier(signing.NewDomain(cfg.Core.ChainID))
	} else {
		logger.Warn().Msg("order signature checks disabled")
	}

	dbChecker := persistence.NewPostgresIdempotencyChecker(db).WithTimeout(cfg.Persistence.IdempotencyTimeout.Duration)
	ledgerCore := core.NewDeterministicCore(core.Config{
		IdempotencyCapacity:    cfg.Core.IdempotencyCapacity,
		GlobalCheckInterval:    cfg.Core.GlobalCheckInterval,
		DisableSignatureChecks: cfg.Core.DisableSignatureChecks,
	}, persistChan, projectionChan, dbChecker, verifier, metrics)

	snapMgr := persistence.NewSnapshotManager(db)
	if err := recoverCore(ctx, ledgerCore, snapMgr, logger); err != nil {
		return err
	}

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL, logger.With().Str("component", "nats").Logger())
	if err != nil {
		return err
	}
	defer nc.Close()

	if err := ingestion.EnsureStreams(ctx, js, logger); err != nil {
		return fmt.Errorf("ensure command stream: %w", err)
	}

	submitChan := make(chan ingestion.Submission, cfg.Core.SubmitQueueSize)
	sequencer := ingestion.NewSequencer(ledgerCore, submitChan, nil, metrics,
		logger.With().Str("component", "sequencer").Logger()).WithMaxClockSkew(cfg.Core.MaxClockSkew.Duration)
	subscriber := ingestion.NewNATSSubscriber(js, submitChan, logger.With().Str("component", "subscriber").Logger())

	// --- Workers ---
	persistWorker := persistence.NewPersistenceWorker(db, persistChan,
		cfg.Persistence.BatchSize, cfg.Persistence.FlushTimeout.Duration, metrics,
		logger.With().Str("component", "persistence").Logger())
	projWorker := projection.NewProjectionWorker(db, projectionChan, metrics,
		logger.With().Str("component", "projection").Logger())

	var publisher *ingestion.OutboundPublisher
	var committed chan core.CoreOutput
	var publishChan chan ingestion.PublishableEvent
	if cfg.NATS.PublishEvents {
		if err := ingestion.EnsureOutboundStream(ctx, js, logger); err != nil {
			return fmt.Errorf("ensure outbound stream: %w", err)
		}
		committed = make(chan core.CoreOutput, cfg.Persistence.PublishChanSize)
		publishChan = make(chan ingestion.PublishableEvent, cfg.Persistence.PublishChanSize)
		persistWorker.OnCommit(committed)
		publisher = ingestion.NewOutboundPublisher(js, publishChan, logger.With().Str("component", "publisher").Logger())
	}

	takeSnapshot := func(ctx context.Context) (*core.Snapshot, error) {
		var snap *core.Snapshot
		err := sequencer.Do(ctx, func(c *core.DeterministicCore) error {
			snap = c.CreateSnapshot()
			return nil
		})
		return snap, err
	}
	scheduler := persistence.NewSnapshotScheduler(snapMgr, cfg.Snapshot.Interval.Duration, takeSnapshot, metrics,
		logger.With().Str("component", "snapshot").Logger())

	// --- Read side and servers ---
	queryService, err := query.NewQueryService(db, query.Options{
		CacheTTL:        cfg.Query.CacheTTL.Duration,
		ResolvedTTL:     cfg.Query.ResolvedCacheTTL.Duration,
		CacheMaxEntries: cfg.Query.CacheMaxEntries,
	}, metrics)
	if err != nil {
		return err
	}
	defer queryService.Close()

	service := server.NewLedgerService(server.ServerDeps{
		Submitter:      ingestion.NewSubmitter(submitChan),
		Core:           sequencer,
		Reader:         queryService,
		LatestSequence: snapMgr.GetLatestSequence,
		TakeSnapshot: func(ctx context.Context) (int64, error) {
			snap, err := takeSnapshot(ctx)
			if err != nil {
				return 0, err
			}
			if _, err := snapMgr.SaveSnapshot(ctx, snap); err != nil {
				return 0, err
			}
			return snap.Sequence, nil
		},
		RebuildProjections: func(ctx context.Context) error {
			return projection.RebuildBalances(ctx, db, logger)
		},
	}, logger.With().Str("component", "service").Logger())

	grpcServer := server.NewGRPCServer(cfg.Server.GRPCAddr, cfg.Server.HTTPAddr, service, healthChecker,
		logger.With().Str("component", "server").Logger())

	healthChecker.AddCheck("postgres", db.PingContext)
	healthChecker.AddCheck("nats", func(context.Context) error {
		if nc.Status() != nats.CONNECTED {
			return fmt.Errorf("nats %s", nc.Status())
		}
		return nil
	})

	// Persistence and projection drain their channels after the sequencer
	// stops, so they run outside the errgroup.
	persistDone := make(chan error, 1)
	go func() { persistDone <- persistWorker.Run(context.Background()) }()
	projDone := make(chan error, 1)
	go func() { projDone <- projWorker.Run(context.Background()) }()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return sequencer.Run(gctx) })
	g.Go(func() error { return scheduler.Run(gctx) })
	g.Go(func() error { return grpcServer.StartGRPC(gctx) })
	g.Go(func() error { return grpcServer.StartHTTPGateway(gctx) })
	g.Go(func() error { return serveMetrics(gctx, cfg.Server.MetricsAddr, logger) })
	if lease != nil {
		g.Go(func() error { return lease.Keep(gctx) })
	}
	if publisher != nil {
		g.Go(func() error { return publisher.Run(gctx) })
		g.Go(func() error { return forwardCommitted(gctx, committed, publishChan) })
	}
	g.Go(func() error {
		if err := subscriber.Subscribe(gctx, ingestion.DefaultSubjects()); err != nil {
			return fmt.Errorf("nats subscribe: %w", err)
		}
		<-gctx.Done()
		subscriber.Stop()
		return gctx.Err()
	})

	healthChecker.SetReady(true)
	grpcServer.SetServing(true)
	logger.Info().
		Int64("next_sequence", ledgerCore.GetSequence()).
		Str("grpc", cfg.Server.GRPCAddr).
		Str("http", cfg.Server.HTTPAddr).
		Str("metrics", cfg.Server.MetricsAddr).
		Msg("ctfledger ready")

	runErr := g.Wait()
	healthChecker.SetReady(false)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Error().Err(runErr).Msg("component failed, shutting down")
	} else {
		runErr = nil
	}

	// The sequencer has stopped: nothing writes to the core channels now.
	close(persistChan)
	close(projectionChan)
	if err := <-persistDone; err != nil {
		logger.Error().Err(err).Msg("persistence worker")
	}
	if err := <-projDone; err != nil {
		logger.Warn().Err(err).Msg("projection worker")
	}

	finalSnapshot(ledgerCore, snapMgr, logger)
	return runErr
}

// recoverCore restores the latest verified snapshot, if any, and replays the
// command log from there. Replay checks the hash chain entry by entry.
func recoverCore(ctx context.Context, c *core.DeterministicCore, snapMgr *persistence.SnapshotManager, logger zerolog.Logger) error {
	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if snap != nil {
		if err := c.RestoreSnapshot(snap); err != nil {
			return err
		}
		logger.Info().Int64("sequence", snap.Sequence).Msg("restored snapshot")
	} else {
		logger.Info().Msg("no snapshot, replaying from sequence 0")
	}

	start := time.Now()
	var replayed int
	for {
		envs, err := snapMgr.LoadCommandsFrom(ctx, c.GetSequence(), replayBatchSize)
		if err != nil {
			return fmt.Errorf("load commands from %d: %w", c.GetSequence(), err)
		}
		if len(envs) == 0 {
			break
		}
		for _, env := range envs {
			if err := c.Replay(env); err != nil {
				return err
			}
		}
		replayed += len(envs)
	}

	if err := c.CheckGlobalBalance(); err != nil {
		return fmt.Errorf("after replay: %w", err)
	}
	logger.Info().
		Int("replayed", replayed).
		Int64("next_sequence", c.GetSequence()).
		Hex("state_hash", hashBytes(c.GetStateHash())).
		Dur("took", time.Since(start)).
		Msg("recovery complete")
	return nil
}

func hashBytes(h [32]byte) []byte { return h[:] }

// forwardCommitted renders durable outputs for the outbound stream. A full
// publish channel drops the event; the command log stays authoritative.
func forwardCommitted(ctx context.Context, in <-chan core.CoreOutput, out chan<- ingestion.PublishableEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case o := <-in:
			select {
			case out <- ingestion.NewPublishableEvent(o):
			default:
			}
		}
	}
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// finalSnapshot saves the state at shutdown. Every command it covers was
// flushed above, so it is verified immediately.
func finalSnapshot(c *core.DeterministicCore, snapMgr *persistence.SnapshotManager, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	snap := c.CreateSnapshot()
	if _, err := snapMgr.SaveSnapshot(ctx, snap); err != nil {
		logger.Error().Err(err).Msg("final snapshot failed")
		return
	}
	if _, err := snapMgr.VerifyPending(ctx); err != nil {
		logger.Warn().Err(err).Msg("final snapshot verification failed")
		return
	}
	logger.Info().Int64("sequence", snap.Sequence).Msg("final snapshot saved")
}
