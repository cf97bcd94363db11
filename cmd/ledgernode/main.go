package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/execution-hub/booking-ledger/internal/config"
	"github.com/execution-hub/booking-ledger/internal/infrastructure/postgres"
	"github.com/execution-hub/booking-ledger/internal/infrastructure/sqlite"
	"github.com/execution-hub/booking-ledger/internal/ledger/api"
	"github.com/execution-hub/booking-ledger/internal/ledger/consensus"
	"github.com/execution-hub/booking-ledger/internal/ledger/eventlog"
	"github.com/execution-hub/booking-ledger/internal/ledger/indexer"
	"github.com/execution-hub/booking-ledger/internal/ledger/keys"
	"github.com/execution-hub/booking-ledger/internal/ledger/offchain"
	"github.com/execution-hub/booking-ledger/internal/ledger/state"
	"github.com/execution-hub/booking-ledger/internal/platform/otel"
)

type indexRepository interface {
	indexer.Repository
	Close() error
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		log.Fatalf("config error: invalid log level %q", cfg.LogLevel)
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Str("node_id", cfg.NodeID).Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := otel.Setup(ctx, otel.Options{
		ServiceName: "booking-ledger",
		NodeID:      cfg.NodeID,
		Endpoint:    cfg.OTelEndpoint,
		SampleRatio: cfg.OTelSampleRatio,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("tracing setup failed")
	}

	// Accepted schemes gate admission only; committed entries verify against
	// every known scheme so replicas agree regardless of their config.
	registry, err := keys.NewRegistry(cfg.AcceptedSchemes...)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid accepted schemes")
	}
	hub := eventlog.NewHub()
	machine := state.NewMachine(registry, state.WithPublisher(hub))

	node, err := consensus.NewNode(consensus.Config{
		NodeID:         cfg.NodeID,
		RaftAddr:       cfg.RaftAddr,
		DataDir:        cfg.DataDir,
		Bootstrap:      cfg.Bootstrap,
		SnapshotRetain: 2,
		ApplyTimeout:   cfg.ApplyTimeout,
	}, machine, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("create raft node")
	}
	defer func() {
		_ = node.Shutdown()
	}()

	if !cfg.Bootstrap && cfg.JoinEndpoint != "" {
		if err := joinCluster(cfg); err != nil {
			logger.Warn().Err(err).Str("endpoint", cfg.JoinEndpoint).Msg("join cluster failed")
		} else {
			logger.Info().Str("endpoint", cfg.JoinEndpoint).Msg("joined cluster")
		}
	}

	if cfg.StartupWaitLeader > 0 {
		waitCtx, waitCancel := context.WithTimeout(ctx, cfg.StartupWaitLeader)
		_, _ = node.WaitForLeader(waitCtx, 150*time.Millisecond)
		waitCancel()
	}

	var (
		wg      sync.WaitGroup
		apiOpts = []api.Option{api.WithLogger(logger)}
	)

	if cfg.IndexerDSN != "" {
		repo, err := openIndexRepository(ctx, cfg.IndexerDSN)
		if err != nil {
			logger.Fatal().Err(err).Msg("open event index")
		}
		defer func() {
			_ = repo.Close()
		}()
		ix, err := indexer.New(repo, machine, hub, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("create indexer")
		}
		apiOpts = append(apiOpts, api.WithIndex(repo))
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = ix.Run(ctx)
		}()
	}

	if cfg.OffchainEnabled {
		ks, err := offchain.NewFromHex(cfg.OffchainScheme, cfg.OffchainRootSeed)
		if err != nil {
			logger.Fatal().Err(err).Msg("load offchain key")
		}
		identity, err := ks.Identity(keys.OffchainKeyType)
		if err != nil {
			logger.Fatal().Err(err).Msg("derive offchain identity")
		}
		signer := offchain.NewSigner(ks, offchain.NewLocalSubmitter(node))
		worker, err := offchain.NewWorker(offchain.WorkerConfig{
			Interval:     cfg.OffchainInterval,
			CompleteWhen: cfg.OffchainCompleteWhen,
		}, hub, machine, signer, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("create offchain worker")
		}
		logger.Info().Str("identity", identity.String()).Str("key_type", keys.OffchainKeyType.String()).Msg("offchain identity loaded")
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = worker.Run(ctx)
		}()
	}

	apiServer := api.NewServer(node, hub, apiOpts...)
	httpServer := &http.Server{
		Addr:        cfg.HTTPAddr,
		Handler:     apiServer.Router(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info().
			Str("http_addr", cfg.HTTPAddr).
			Str("raft_addr", cfg.RaftAddr).
			Bool("bootstrap", cfg.Bootstrap).
			Strs("schemes", registry.Names()).
			Msg("ledger http listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
	cancel()
	wg.Wait()
	hub.Stop()
	_ = node.Shutdown()
	_ = shutdownTracing(shutdownCtx)
}

// openIndexRepository picks the index backend from the DSN scheme:
// postgres:// or postgresql:// for Postgres, sqlite:// for a SQLite file.
func openIndexRepository(ctx context.Context, dsn string) (indexRepository, error) {
	dsn = strings.TrimSpace(dsn)
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return postgres.OpenEventRepository(ctx, dsn)
	case strings.HasPrefix(dsn, "sqlite://"):
		return sqlite.Open(ctx, strings.TrimPrefix(dsn, "sqlite://"))
	default:
		return nil, fmt.Errorf("unsupported indexer dsn %q", dsn)
	}
}

func joinCluster(cfg *config.Config) error {
	endpoint := strings.TrimRight(cfg.JoinEndpoint, "/") + "/v1/ledger/raft/join"
	payload := map[string]string{
		"node_id":   cfg.NodeID,
		"raft_addr": cfg.RaftAddr,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 5 * time.Second}
	var lastErr error
	for i := 0; i < cfg.JoinRetries; i++ {
		req, _ := http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			time.Sleep(cfg.JoinRetryDelay)
			continue
		}
		if resp.Body != nil {
			_ = resp.Body.Close()
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("join returned status %d", resp.StatusCode)
		time.Sleep(cfg.JoinRetryDelay)
	}
	if lastErr == nil {
		lastErr = errors.New("join failed")
	}
	return lastErr
}
