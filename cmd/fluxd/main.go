// Command fluxd runs the flow relay: an in-memory, HTTP-accessible service
// that buffers chunked byte streams pushed by producers and serves them to
// consumers.
package main

import (
	"context"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pzread/flux/internal/config"
	"github.com/pzread/flux/internal/core"
	"github.com/pzread/flux/internal/httpapi"
	"github.com/pzread/flux/internal/observability"
	"github.com/pzread/flux/internal/ratelimit"
	"github.com/pzread/flux/internal/validation"
)

const serviceVersion = "1.0.0"

func main() {
	logger := observability.NewLogger("fluxrelay", serviceVersion, os.Stdout)
	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker(serviceVersion)

	if shutdown, err := observability.InitTracing(context.Background(), "fluxrelay"); err == nil {
		defer shutdown(context.Background())
	}

	logger.Info("fluxrelay starting")

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal(err, "failed to load config")
	}
	if err := validation.ValidateAddr(cfg.ServerAddress); err != nil {
		logger.Fatal(err, "invalid SERVER_ADDRESS")
	}

	pool := core.NewPool(core.PoolConfig{
		Capacity:     cfg.PoolSize,
		IdleTimeout:  cfg.DeactiveTimeout,
		MetaCapacity: int64(cfg.MetaCapacity),
		DataCapacity: int64(cfg.DataCapacity),
		Logger:       logger,
	})
	defer pool.Shutdown()

	authorizer, err := core.NewAuthorizer()
	if err != nil {
		logger.Fatal(err, "failed to initialize authorizer")
	}

	health.RegisterCheck("listener", observability.ListenerCheck(cfg.ServerAddress))
	health.RegisterCheck("authorizer", observability.AuthorizerCheck(authorizer != nil))
	health.RegisterCheck("pool_capacity", observability.PoolCapacityCheck(pool.LiveCount, cfg.PoolSize))

	go reportPoolQuota(pool, metrics)

	// Creation admission limiter: generous enough not to interfere with
	// normal traffic, present so a burst of CREATE calls cannot starve the
	// worker pool ahead of the pool's own capacity check.
	limiter := ratelimit.NewTokenBucket(float64(cfg.NumWorker)*50, cfg.NumWorker*100)

	facade := httpapi.NewServer(pool, authorizer, limiter, logger, metrics)

	listener, err := net.Listen("tcp", cfg.ServerAddress)
	if err != nil {
		logger.Fatal(err, "failed to bind SERVER_ADDRESS")
	}
	defer listener.Close()

	httpServer := &http.Server{Handler: facade.Router()}

	// Go's net/http already multiplexes one listener across a goroutine
	// per connection; NUM_WORKER independent accept loops over the same
	// listener preserve the original "N worker threads sharing the pool"
	// shape without needing the Rust source's listener-duplication trick.
	var wg sync.WaitGroup
	for i := 0; i < cfg.NumWorker; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
				logger.Error(err, "worker accept loop exited")
			}
		}(i)
	}
	logger.Info("fluxrelay listening on " + cfg.ServerAddress)

	obsAddr := os.Getenv("OBSERVABILITY_ADDRESS")
	if obsAddr == "" {
		obsAddr = "127.0.0.1:9090"
	}
	go startObservabilityServer(obsAddr, metrics, health, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("fluxrelay shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	wg.Wait()
	logger.Info("fluxrelay stopped")
}

func reportPoolQuota(pool *core.Pool, metrics *observability.Metrics) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for range ticker.C {
		metrics.SetPoolQuotaUsage(pool.MetaBytesInUse(), pool.DataBytesInUse())
		metrics.FlowsLive.Set(float64(pool.LiveCount()))
	}
}

func startObservabilityServer(addr string, metrics *observability.Metrics, health *observability.HealthChecker, logger *observability.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", health.Handler())
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	server := &http.Server{Addr: addr, Handler: mux}
	logger.Info("observability server listening on " + addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error(err, "observability server error")
	}
}
