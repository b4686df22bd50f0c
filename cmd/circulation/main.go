// cmd/circulation/main.go
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"schoollib/internal/circulation"
	"schoollib/internal/config"
	"schoollib/internal/steadystate"
	"schoollib/internal/store"
	"schoollib/internal/telemetry"
	"schoollib/pkg/eventstore"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.OTLPEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialise tracing: %v", err)
	}
	defer shutdownTracing(context.Background())

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "circulation", "env", cfg.Env)

	opts := []circulation.Option{
		circulation.WithLogger(logger),
		circulation.WithLockTimeout(cfg.LockTimeout),
		circulation.WithDefaultTerm(cfg.DefaultTermDays),
	}

	var (
		st    circulation.Store
		drift steadystate.DriftSource
	)
	switch cfg.Store {
	case config.StoreMemory:
		mem := store.NewMemory()
		st, drift = mem, mem
	default:
		pg, err := store.NewPostgres(ctx, cfg.DatabaseURL, store.WithLockConns(cfg.LockPoolSize))
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer pg.Close()
		if err := pg.EnsureSchema(ctx); err != nil {
			log.Fatalf("Failed to apply schema: %v", err)
		}
		st, drift = pg, pg

		db, err := sqlx.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to open journal database: %v", err)
		}
		defer db.Close()
		opts = append(opts, circulation.WithJournal(eventstore.NewJournal(eventstore.NewEventStore(db), "circulation")))
	}

	svc := circulation.NewService(st, opts...)
	handler := circulation.NewHandler(svc, circulation.WithApproveRate(cfg.ApproveRatePerMin))
	checker := steadystate.NewChecker(steadystate.DriftedCopies(drift))

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/consistency", func(w http.ResponseWriter, r *http.Request) {
		result := checker.Validate(r.Context())
		code := http.StatusOK
		if !result.Valid {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(result)
	})
	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(cfg.OperationTimeout))
		handler.Routes(r)
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("Circulation service listening on port %s (store=%s)", cfg.Port, cfg.Store)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Graceful shutdown failed: %v", err)
	}
}
