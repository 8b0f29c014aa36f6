package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mateo/fleetd/internal/agent"
	"github.com/mateo/fleetd/internal/api"
	"github.com/mateo/fleetd/internal/balancer"
	"github.com/mateo/fleetd/internal/breaker"
	"github.com/mateo/fleetd/internal/config"
	"github.com/mateo/fleetd/internal/health"
	"github.com/mateo/fleetd/internal/queue"
	"github.com/mateo/fleetd/internal/registry"
	"github.com/mateo/fleetd/internal/retry"
	"github.com/mateo/fleetd/internal/worker"
	"github.com/mateo/fleetd/internal/ws"
)

func defaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".fleetd", "config.yaml")
}

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)

	configPath := flag.String("config", defaultConfigPath(), "path to config file")
	flag.Parse()

	log.Println("fleetd starting...")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Registry + expiry sweep
	store := registry.NewStore(config.Seconds(cfg.Registry.SweepIntervalSeconds))
	store.Start(ctx)

	// Health monitor
	monitor := health.NewMonitor(health.Config{
		CheckInterval:              config.Seconds(cfg.Health.CheckIntervalSeconds),
		CheckTimeout:               config.Seconds(cfg.Health.CheckTimeoutSeconds),
		DegradedThresholdMs:        cfg.Health.DegradedThresholdMs,
		UnhealthyThresholdFailures: cfg.Health.UnhealthyThresholdFailures,
	}, store)
	monitor.Start(ctx)

	// Load balancer
	lb := balancer.New(balancer.Config{
		Strategy:      balancer.Strategy(cfg.Balancer.Strategy),
		DefaultWeight: cfg.Balancer.DefaultWeight,
	}, store, monitor)

	// Circuit breaker
	cb := breaker.New(breaker.Config{
		FailureThreshold:  cfg.Breaker.FailureThreshold,
		SuccessThreshold:  cfg.Breaker.SuccessThreshold,
		Timeout:           config.Seconds(cfg.Breaker.TimeoutSeconds),
		MinRequests:       cfg.Breaker.MinRequests,
		WindowSize:        cfg.Breaker.WindowSize,
		HalfOpenMaxTrials: cfg.Breaker.HalfOpenMaxTrials,
	})

	// Task queue
	q := queue.New(queue.Config{MaxSize: cfg.Queue.MaxSize})

	// Agent boundary: HTTP health probes + task execution
	execTimeout := config.Seconds(cfg.Worker.ExecTimeoutSeconds)
	agentClient := agent.NewClient(execTimeout)

	// Worker pool
	pool := worker.NewPool(worker.Config{
		MaxWorkers:     cfg.Worker.MaxWorkers,
		ExecTimeout:    execTimeout,
		RequeueBackoff: 500 * time.Millisecond,
	}, q, lb, cb, retry.Policy{
		MaxAttempts:  cfg.Retry.MaxAttempts,
		BaseDelay:    config.FloatSeconds(cfg.Retry.BaseDelaySeconds),
		MaxDelay:     config.FloatSeconds(cfg.Retry.MaxDelaySeconds),
		JitterFactor: cfg.Retry.JitterFactor,
		Strategy:     retry.Strategy(cfg.Retry.Strategy),
	}, agentClient)
	pool.Start()

	// WebSocket hub
	hub := ws.NewHub(store, monitor, cb, lb, q, pool)
	go hub.Run()

	// HTTP API
	handler := api.NewHandler(store, monitor, lb, cb, q, pool, agentClient.Checker)
	e := api.NewServer(handler)
	e.GET("/ws", echo.WrapHandler(http.HandlerFunc(hub.ServeWS)))

	go func() {
		addr := fmt.Sprintf("127.0.0.1:%d", cfg.API.Port)
		log.Printf("API server listening on %s", addr)
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("API server failed: %v", err)
		}
	}()

	// Wait for shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	<-sigCh

	log.Println("Shutting down...")
	hub.Stop()
	if err := pool.Stop(config.Seconds(cfg.Worker.StopTimeoutSeconds)); err != nil {
		log.Printf("Worker pool: %v", err)
	}
	monitor.Stop()
	store.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Printf("API server shutdown: %v", err)
	}
	cancel()
}
