// Command shard runs one storage shard: a durable key-value engine
// behind an HTTP surface, replicating writes to its configured peers.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/devrev/kvring/internal/config"
	"github.com/devrev/kvring/internal/engine"
	"github.com/devrev/kvring/internal/httpkit"
	"github.com/devrev/kvring/internal/logging"
	"github.com/devrev/kvring/internal/metrics"
	"github.com/devrev/kvring/internal/replicator"
	"github.com/devrev/kvring/internal/shardapi"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

func main() {
	var (
		port           = flag.Int("port", 8080, "HTTP listen port")
		dataDir        = flag.String("data", "./data", "data directory for WAL and snapshots")
		shardID        = flag.String("id", "", "this shard's identifier, used in the replication forwarding marker")
		replicas       = flag.String("replicas", "", "comma-separated base URLs of peer replicas")
		quorum         = flag.Int("quorum", 1, "acknowledgements required per write, primary included")
		forwardTimeout = flag.Duration("forward-timeout", 3*time.Second, "per-replica forward timeout")
		configPath     = flag.String("config", "", "optional YAML config file; CLI flags override its values")
		debug          = flag.Bool("debug", false, "use a development (debug-level, human readable) logger")
	)
	flag.Parse()

	file, err := config.LoadShardFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "shard: %v\n", err)
		os.Exit(1)
	}
	applyShardFile(file)

	logger, err := logging.New(*debug || file.LogDebug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "shard: failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	id := *shardID
	if id == "" {
		id = file.ShardID
	}
	if id == "" {
		logger.Fatal("shard: --id is required")
	}

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		logger.Fatal("shard: failed to create data directory", zap.Error(err))
	}

	peerList := splitCSV(*replicas)
	if len(peerList) == 0 {
		peerList = file.Replication.Replicas
	}

	eng, err := engine.Open(*dataDir, engine.Config{
		WALFilename:        file.Engine.WALFilename,
		SnapshotFilename:   file.Engine.SnapshotFilename,
		SnapshotIntervalMs: file.Engine.SnapshotIntervalMs,
		FlushIntervalMs:    file.Engine.FlushIntervalMs,
		Logger:             logger,
	})
	if err != nil {
		logger.Fatal("shard: failed to open engine", zap.Error(err))
	}
	defer eng.Close()

	repl := replicator.New(replicator.Config{
		Replicas:       peerList,
		Quorum:         *quorum,
		ShardID:        id,
		ForwardTimeout: *forwardTimeout,
		Logger:         logger,
	})

	registry := prometheus.NewRegistry()
	m := metrics.New(registry, "kvring_shard")

	srv := shardapi.New(id, *port, eng, repl, logger, m, registry)

	handler := httpkit.Chain(
		httpkit.RequestID,
		httpkit.Logging(logger),
		httpkit.Metrics(m),
		httpkit.Recovery(logger),
	)(srv.Routes())

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", *port),
		Handler: handler,
	}

	logger.Info("shard starting",
		zap.String("id", id),
		zap.Int("port", *port),
		zap.Strings("replicas", peerList),
		zap.Int("quorum", *quorum))

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		logger.Info("shard shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Error("shard: graceful shutdown failed", zap.Error(err))
		}
	}()

	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("shard: serve failed", zap.Error(err))
	}
}

func applyShardFile(f config.ShardFile) {
	// CLI flags win: only fill in an unset flag.Lookup default from the
	// file, never override a value the user actually passed.
	visited := map[string]bool{}
	flag.Visit(func(fl *flag.Flag) { visited[fl.Name] = true })

	if !visited["port"] && f.Port != 0 {
		flag.Set("port", fmt.Sprint(f.Port))
	}
	if !visited["data"] && f.DataDir != "" {
		flag.Set("data", f.DataDir)
	}
	if !visited["id"] && f.ShardID != "" {
		flag.Set("id", f.ShardID)
	}
	if !visited["replicas"] && len(f.Replication.Replicas) > 0 {
		flag.Set("replicas", strings.Join(f.Replication.Replicas, ","))
	}
	if !visited["quorum"] && f.Replication.Quorum != 0 {
		flag.Set("quorum", fmt.Sprint(f.Replication.Quorum))
	}
	if !visited["forward-timeout"] && f.Replication.ForwardTimeout != 0 {
		flag.Set("forward-timeout", f.Replication.ForwardTimeout.String())
	}
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
