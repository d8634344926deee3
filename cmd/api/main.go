package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"commflow/action"
	"commflow/api"
	"commflow/audit"
	"commflow/auth"
	"commflow/classify"
	"commflow/config"
	"commflow/db"
	"commflow/message"
	"commflow/pipeline"
	"commflow/policy"
	"commflow/resolve"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	pool, err := db.NewPool(ctx, cfg.DB.URL, db.WithMaxConns(cfg.DB.MaxConns))
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	// Loss of an out-of-band audit write must be visible somewhere even
	// though it never fails the operation that produced it.
	auditErrs := make(chan error, 16)
	go func() {
		for err := range auditErrs {
			log.Printf("audit: %v", err)
		}
	}()
	recorder := audit.NewRecorder(pool, auditErrs)

	engine := policy.NewEngine(policy.DefaultConfig())

	registry, err := action.DefaultRegistry()
	if err != nil {
		log.Fatalf("build action registry: %v", err)
	}
	// Refuse to start if the policy catalog can propose a type nobody can
	// execute; that mismatch must not surface at dispatch time.
	if err := registry.EnsureRegistered(policy.DefaultConfig().ActionTypes()); err != nil {
		log.Fatalf("action registry: %v", err)
	}

	messageRepo := message.NewRepository(pool)
	actionRepo := action.NewRepository(pool)
	resultRepo := classify.NewRepository(pool)

	classifier := classify.NewHTTPClient(cfg.Classifier.URL)
	fetcher := pipeline.NewHTTPFetcher(cfg.Mailbox.URL)
	resolver := resolve.NewResolver(resolve.NewPGLookup(pool))

	processor := pipeline.NewProcessor(
		pool,
		messageRepo,
		resultRepo,
		actionRepo,
		fetcher,
		classifier,
		resolver,
		engine,
		recorder,
	)
	worker := pipeline.NewWorker(processor, cfg.Pipeline.QueueSize)

	messageService := message.NewService(messageRepo, worker)
	actionService := action.NewService(pool, actionRepo, registry, recorder, cfg.Sweep.PageSize)
	authService := auth.NewService(auth.NewRepository(pool), cfg.Auth.JWTSecret)

	workerErrs := make(chan error, 1)
	go func() {
		workerErrs <- worker.Run(ctx, cfg.Pipeline.Workers)
	}()

	// The queue is in-memory, so anything pending in the store at startup
	// lost its slot in a previous run and must be fed back.
	if n, err := messageService.RequeueStale(ctx, 0); err != nil {
		log.Printf("requeue pending: %v", err)
	} else if n > 0 {
		log.Printf("requeued %d pending messages", n)
	}

	// Periodic dispatch of approved auto_execute actions; the same sweep is
	// also reachable on demand through the API.
	go func() {
		ticker := time.NewTicker(cfg.Sweep.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := messageService.RequeueStale(ctx, cfg.Sweep.StuckAfter); err != nil {
					log.Printf("requeue pending: %v", err)
				} else if n > 0 {
					log.Printf("requeued %d stale pending messages", n)
				}
				report, err := actionService.Sweep(ctx)
				if err != nil {
					log.Printf("sweep: %v", err)
					continue
				}
				if report.Picked > 0 {
					log.Printf("sweep: picked=%d executed=%d failed=%d", report.Picked, report.Executed, report.Failed)
				}
			}
		}
	}()

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      api.NewServer(messageService, actionService, resultRepo, authService).Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrs := make(chan error, 1)
	go func() {
		log.Printf("listening on %s", cfg.HTTP.Addr)
		serverErrs <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErrs:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server: %v", err)
		}
	case <-ctx.Done():
		log.Printf("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown: %v", err)
	}

	if err := <-workerErrs; err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("worker pool: %v", err)
	}
	close(auditErrs)
}
