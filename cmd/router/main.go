// Command router runs the stateless request router: it builds a
// consistent-hash ring over the configured shards and proxies /kv
// traffic to the shard owning each key.
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
	"github.com/devrev/kvring/internal/httpkit"
	"github.com/devrev/kvring/internal/logging"
	"github.com/devrev/kvring/internal/metrics"
	"github.com/devrev/kvring/internal/routerapi"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func main() {
	var (
		port       = flag.Int("port", 8000, "HTTP listen port")
		shardsFlag = flag.String("shards", "", "comma-separated base URLs of the shards to route across")
		vnodes     = flag.Int("vnodes", 100, "virtual nodes per shard on the hash ring")
		rateLimit  = flag.Float64("rate-limit", 0, "requests/sec allowed per process; 0 disables limiting")
		rateBurst  = flag.Int("rate-burst", 0, "burst size for --rate-limit; defaults to the rate itself")
		configPath = flag.String("config", "", "optional YAML config file; CLI flags override its values")
		debug      = flag.Bool("debug", false, "use a development (debug-level, human readable) logger")
	)
	flag.Parse()

	file, err := config.LoadRouterFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "router: %v\n", err)
		os.Exit(1)
	}
	applyRouterFile(file)

	logger, err := logging.New(*debug || file.LogDebug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "router: failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	shards := splitCSV(*shardsFlag)
	if len(shards) == 0 {
		shards = file.Shards
	}
	if len(shards) == 0 {
		logger.Fatal("router: --shards is required")
	}
	if *vnodes < 10 {
		logger.Fatal("router: --vnodes must be >= 10")
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry, "kvring_router")

	srv := routerapi.New(routerapi.Config{
		Shards:    shards,
		VNodes:    *vnodes,
		Logger:    logger,
		Metrics:   m,
		Registry:  registry,
		RateLimit: rate.Limit(*rateLimit),
		RateBurst: *rateBurst,
	})

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

	logger.Info("router starting",
		zap.Int("port", *port),
		zap.Strings("shards", shards),
		zap.Int("vnodes", *vnodes))

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		logger.Info("router shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Error("router: graceful shutdown failed", zap.Error(err))
		}
	}()

	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("router: serve failed", zap.Error(err))
	}
}

func applyRouterFile(f config.RouterFile) {
	visited := map[string]bool{}
	flag.Visit(func(fl *flag.Flag) { visited[fl.Name] = true })

	if !visited["port"] && f.Port != 0 {
		flag.Set("port", fmt.Sprint(f.Port))
	}
	if !visited["shards"] && len(f.Shards) > 0 {
		flag.Set("shards", strings.Join(f.Shards, ","))
	}
	if !visited["vnodes"] && f.VNodes != 0 {
		flag.Set("vnodes", fmt.Sprint(f.VNodes))
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
