// Package app wires the task execution core's components together and
// runs them for the lifetime of the process.
package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alpinesboltltd/taskcore/internal/bus"
	"github.com/alpinesboltltd/taskcore/internal/config"
	"github.com/alpinesboltltd/taskcore/internal/engine"
	"github.com/alpinesboltltd/taskcore/internal/engine/broker"
	"github.com/alpinesboltltd/taskcore/internal/engine/classify"
	"github.com/alpinesboltltd/taskcore/internal/engine/dispatcher"
	"github.com/alpinesboltltd/taskcore/internal/engine/executor"
	"github.com/alpinesboltltd/taskcore/internal/engine/executor/condition"
	"github.com/alpinesboltltd/taskcore/internal/engine/persist"
	"github.com/alpinesboltltd/taskcore/internal/engine/registry"
	"github.com/alpinesboltltd/taskcore/internal/engine/worker"
	"github.com/alpinesboltltd/taskcore/internal/repository"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// Run wires the Service Registry, Broker, Worker Pool, Step Executor and
// Progress Bus per cfg, and blocks until SIGINT/SIGTERM.
//
// registerServices is called once with the fresh Service Registry so the
// embedding application can bind its own (mode, service) factories before
// the worker pool starts consuming deliveries; taskcore itself ships no
// concrete services (§1 Non-goals).
func Run(cfg *config.Config, registerServices func(reg *registry.Registry) error) error {
	var persister engine.Persister = persist.NopPersister{}
	var postgres *persist.PostgresPersister

	if cfg.DatabaseURL != "" {
		db, err := repository.InitDB(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("app: init database: %w", err)
		}
		postgres = persist.NewPostgres(db)
		if err := postgres.Migrate(context.Background()); err != nil {
			return fmt.Errorf("app: migrate: %w", err)
		}
		persister = postgres
	}

	reg := registry.New()
	if registerServices != nil {
		if err := registerServices(reg); err != nil {
			return fmt.Errorf("app: register services: %w", err)
		}
	}
	disp := dispatcher.New(reg)

	hub := bus.NewHub()
	go hub.Run()
	confirmations := bus.NewConfirmationRegistry(hub)
	cancels := bus.NewCancelRegistry()

	exec := executor.New(disp, condition.New(), classify.New(),
		executor.WithConfirmer(confirmations),
		executor.WithConfirmationTimeout(time.Duration(cfg.ConfirmationTimeoutSec)*time.Second),
		executor.WithRetryPolicy(classify.RetryPolicy{
			BaseDelay:   time.Duration(cfg.BackoffBaseSec) * time.Second,
			Factor:      cfg.BackoffFactor,
			CapDelay:    time.Duration(cfg.BackoffCapSec) * time.Second,
			MaxAttempts: cfg.MaxRetries,
		}),
		executor.WithSaveCallback(persister.Persist),
		executor.WithStepPublisher(bus.NewStepPublisher(hub)),
	)

	brokerImpl := newBroker(cfg)
	pool := worker.New(brokerImpl, exec, persister, []worker.Lane{
		{
			Queue:         engine.QueueFast,
			Concurrency:   cfg.FastConcurrency,
			SoftTimeLimit: time.Duration(cfg.SoftTimeLimitSec) * time.Second,
			HardTimeLimit: time.Duration(cfg.HardTimeLimitSec) * time.Second,
		},
		{
			Queue:         engine.QueueHeavy,
			Concurrency:   cfg.HeavyConcurrency,
			SoftTimeLimit: time.Duration(cfg.SoftTimeLimitSec) * time.Second,
			HardTimeLimit: time.Duration(cfg.HardTimeLimitSec) * time.Second,
		},
	},
		worker.WithProgressPublisher(bus.NewTaskPublisher(hub)),
		worker.WithCancelRegistrar(cancels),
	)

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	poolDone := make(chan error, 1)
	go func() { poolDone <- pool.Run(workerCtx) }()

	if postgres != nil {
		persist.StartRequeueMonitor(workerCtx, postgres, brokerImpl,
			time.Duration(cfg.RequeueIntervalSec)*time.Second,
			time.Duration(cfg.HeartbeatTTLSec)*time.Second,
			100)
	}

	server := bus.NewServer(hub, confirmations, cancels, bus.Config{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		PingInterval:   time.Duration(cfg.PingIntervalSec) * time.Second,
		PongTimeout:    time.Duration(cfg.PingTimeoutSec) * time.Second,
		MaxConnections: cfg.MaxConnections,
	})

	r := gin.Default()
	shuttingDown := false
	r.Use(func(c *gin.Context) {
		if shuttingDown {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shutting down"})
			c.Abort()
			return
		}
		c.Next()
	})
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/ws/v1/progress", server.Handle)

	httpServer := &http.Server{Addr: ":" + cfg.Port, Handler: r}
	go func() {
		log.Printf("app: listening on port %s", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("app: server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("app: shutting down")
	shuttingDown = true

	cancelWorkers()
	select {
	case <-poolDone:
	case <-time.After(30 * time.Second):
		log.Println("app: worker pool shutdown timed out")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("app: shutdown: %w", err)
	}
	_ = brokerImpl.Close()
	log.Println("app: exited")
	return nil
}

// newBroker picks RedisBroker when cfg.BrokerURL is set, otherwise an
// InMemBroker for local development and single-process deployments.
func newBroker(cfg *config.Config) engine.Broker {
	if cfg.BrokerURL == "" {
		return broker.NewInMem()
	}
	opt, err := redis.ParseURL(cfg.BrokerURL)
	if err != nil {
		log.Fatalf("app: parse BROKER_URL: %v", err)
	}
	hostname, _ := os.Hostname()
	return broker.New(redis.NewClient(opt), fmt.Sprintf("%s-%d", hostname, os.Getpid()))
}
