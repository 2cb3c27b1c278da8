// Command crdtstore runs a single node of the distributed CRDT storage
// engine.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	petname "github.com/dustinkirkland/golang-petname"
	"github.com/google/uuid"

	"crdtstore/internal/auth"
	"crdtstore/internal/chunk/file"
	"crdtstore/internal/cluster"
	"crdtstore/internal/config"
	"crdtstore/internal/crdt"
	"crdtstore/internal/localstore"
	"crdtstore/internal/wal"
	"crdtstore/internal/wire"

	"crdtstore/cmd/crdtstore/cli"

	"github.com/go-co-op/gocron/v2"
)

// crdtCodec is the node's CRDT merge function: last-write-wins by
// timestamp, ties broken toward the existing winner, with a tombstone
// dominating any entry it outlives.
var crdtCodec = crdt.Codec{
	Merge: func(stateA []byte, tsA uint64, stateB []byte, tsB uint64) []byte {
		if tsA >= tsB {
			return stateA
		}
		return stateB
	},
	Extract: func(state []byte, since uint64) ([]byte, bool) {
		return state, true
	},
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if err := cli.Root(version, crdtCodec, startNode, logger).Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}

var version = "dev"

// exitCodeFor maps a top-level command error to the exit codes: 0
// success, 1 startup error, 2 unrecoverable runtime error.
func exitCodeFor(err error) int {
	var rerr *cli.RuntimeError
	if errors.As(err, &rerr) {
		return 2
	}
	return 1
}

// startNode is the "node start" implementation, passed into the cli
// package so it stays independent of cobra's flag plumbing: load
// config, open storage, start every background scheduler and server,
// then block until ctx is cancelled.
func startNode(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	if cfg.Node.ID == "" {
		cfg.Node.ID = petname.Generate(2, "-")
		logger.Info("no node id configured, generated one", "id", cfg.Node.ID)
	}
	logger = logger.With("node", cfg.Node.ID)

	mgr, err := file.New(file.Config{
		Dir:       cfg.StoragePath,
		FsyncData: cfg.Fsync.Uploads,
	}, crdtCodec, logger)
	if err != nil {
		return fmt.Errorf("open chunk store: %w", err)
	}
	defer mgr.Close()

	walWriter, err := wal.NewWriter(cfg.WALPath, cfg.Node.ID+"-"+uuid.Must(uuid.NewV7()).String(), wal.RotationPolicy{
		MaxBytes: 64 << 20,
		MaxAge:   5 * time.Minute,
	}, cfg.Fsync.Appends, logger)
	if err != nil {
		return fmt.Errorf("open wal: %w", err)
	}
	defer walWriter.Close()

	local := localstore.New(walWriter, mgr, crdtCodec, logger)

	drainer := wal.NewDrainer(cfg.WALPath, mgr, crdtCodec, logger)
	walInterval := time.Duration(cfg.Consolidate.Interval) / 2
	if walInterval <= 0 {
		walInterval = 30 * time.Second
	}
	if err := drainer.Start(walInterval, time.Duration(cfg.Consolidate.InitialDelay)); err != nil {
		return fmt.Errorf("start wal drainer: %w", err)
	}
	defer drainer.Stop()

	bgScheduler, err := startBackgroundMaintenance(mgr, cfg.Consolidate, logger)
	if err != nil {
		return fmt.Errorf("start background maintenance: %w", err)
	}
	defer bgScheduler.Shutdown()

	secret, err := decodeAuthSecret(cfg.Node.AuthSecret)
	if err != nil {
		return fmt.Errorf("decode node auth secret: %w", err)
	}
	var tokens *auth.TokenService
	if len(secret) > 0 {
		tokens = auth.NewTokenService(secret, 24*time.Hour)
	}

	server := wire.NewServer(local, tokens, 0, logger)
	ln, err := net.Listen("tcp", cfg.Node.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Node.ListenAddr, err)
	}
	serveErrs := make(chan error, 1)
	go func() { serveErrs <- server.Serve(ln) }()
	defer server.Stop()

	clusterStorage := cluster.New(cfg.Node.ID, local, crdtCodec, tokens, cfg.Net, logger)

	source, err := buildDiscoverySource(cfg, logger)
	if err != nil {
		return fmt.Errorf("build discovery source: %w", err)
	}
	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	go func() {
		if err := clusterStorage.Watch(watchCtx, source); err != nil && watchCtx.Err() == nil {
			logger.Error("discovery watch stopped unexpectedly", "error", err)
		}
	}()

	logger.Info("node started", "listen", cfg.Node.ListenAddr, "storage", cfg.StoragePath)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		return nil
	case err := <-serveErrs:
		if err != nil {
			return &cli.RuntimeError{Err: fmt.Errorf("wire server stopped: %w", err)}
		}
		return nil
	}
}

// startBackgroundMaintenance registers the two mutually exclusive
// background passes (Consolidate, CleanupIrrelevant) on their own
// gocron scheduler, mirroring wal.Drainer.Start's self-scheduling
// pattern. Cleanup runs at a third of consolidation's cadence, offset
// by half an interval so the two never fire together.
func startBackgroundMaintenance(mgr interface {
	Consolidate() error
	CleanupIrrelevant() error
}, cfg config.ConsolidateConfig, logger *slog.Logger) (gocron.Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create maintenance scheduler: %w", err)
	}

	interval := time.Duration(cfg.Interval)
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	start := time.Now().Add(time.Duration(cfg.InitialDelay))

	_, err = s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			if err := mgr.Consolidate(); err != nil {
				logger.Warn("consolidate pass failed", "error", err)
			}
		}),
		gocron.WithStartAt(gocron.WithStartDateTime(start)),
		gocron.WithName("consolidate"),
	)
	if err != nil {
		return nil, fmt.Errorf("schedule consolidate job: %w", err)
	}

	_, err = s.NewJob(
		gocron.DurationJob(interval*3),
		gocron.NewTask(func() {
			if err := mgr.CleanupIrrelevant(); err != nil {
				logger.Warn("cleanup pass failed", "error", err)
			}
		}),
		gocron.WithStartAt(gocron.WithStartDateTime(start.Add(interval/2))),
		gocron.WithName("cleanup-irrelevant"),
	)
	if err != nil {
		return nil, fmt.Errorf("schedule cleanup job: %w", err)
	}

	s.Start()
	return s, nil
}

func decodeAuthSecret(encoded string) ([]byte, error) {
	if encoded == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(encoded)
}
