// cmd/reconcile/main.go
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/robfig/cron/v3"

	"schoollib/internal/circulation"
	"schoollib/internal/clients"
	"schoollib/internal/config"
	"schoollib/internal/steadystate"
	"schoollib/internal/store"
	"schoollib/internal/telemetry"
	"schoollib/pkg/eventstore"
)

var (
	once      bool
	checkOnly bool
	remote    string
)

func init() {
	flag.BoolVar(&once, "once", false, "Run a single sweep and exit")
	flag.BoolVar(&checkOnly, "check", false, "Only report drifted copies, exit 1 if any")
	flag.StringVar(&remote, "remote", "", "Trigger one sweep on a running circulation service at this URL and exit")
}

func main() {
	flag.Parse()
	os.Exit(run())
}

// run returns the process exit code so deferred cleanup runs before exit.
func run() int {
	cfg, err := config.Load()
	if err != nil {
		log.Print(err)
		return 1
	}
	if remote != "" {
		if err := sweepRemote(remote, cfg.OperationTimeout); err != nil {
			log.Printf("Remote sweep failed: %v", err)
			return 1
		}
		return 0
	}
	if cfg.Store != config.StorePostgres {
		log.Printf("reconcile needs STORE=%s", config.StorePostgres)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.OTLPEndpoint)
	if err != nil {
		log.Printf("Failed to initialise tracing: %v", err)
		return 1
	}
	defer shutdownTracing(context.Background())

	pg, err := store.NewPostgres(ctx, cfg.DatabaseURL, store.WithLockConns(cfg.LockPoolSize))
	if err != nil {
		log.Printf("Failed to connect to database: %v", err)
		return 1
	}
	defer pg.Close()

	db, err := sqlx.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Printf("Failed to open journal database: %v", err)
		return 1
	}
	defer db.Close()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "reconcile", "env", cfg.Env)
	svc := circulation.NewService(pg,
		circulation.WithLogger(logger),
		circulation.WithLockTimeout(cfg.LockTimeout),
		circulation.WithJournal(eventstore.NewJournal(eventstore.NewEventStore(db), "reconcile")),
	)
	checker := steadystate.NewChecker(steadystate.DriftedCopies(pg))

	if checkOnly {
		if result := checker.Validate(ctx); !result.Valid {
			printViolations(result)
			return 1
		}
		log.Printf("Steady state holds: no drifted copies")
		return 0
	}

	if once {
		if !sweep(ctx, svc, checker) {
			return 1
		}
		return 0
	}

	c := cron.New()
	if _, err := c.AddFunc(cfg.ReconcileSchedule, func() { sweep(ctx, svc, checker) }); err != nil {
		log.Printf("Invalid RECONCILE_SCHEDULE %q: %v", cfg.ReconcileSchedule, err)
		return 1
	}
	c.Start()
	log.Printf("Reconciliation scheduled: %s", cfg.ReconcileSchedule)

	<-ctx.Done()
	<-c.Stop().Done()
	return 0
}

// sweep checks the steady state, repairs drifted flags if needed and checks
// again. It reports whether the steady state holds afterwards.
func sweep(ctx context.Context, svc circulation.Service, checker *steadystate.Checker) bool {
	start := time.Now()

	before := checker.Validate(ctx)
	if before.Valid {
		log.Printf("Steady state holds, nothing to repair")
		return true
	}
	printViolations(before)

	report, err := svc.ReconcileCopies(ctx)
	if err != nil {
		log.Printf("Sweep aborted: %v", err)
		return false
	}
	log.Printf("Sweep checked %d copies, repaired %d, failed %d", report.Checked, report.Repaired, report.Failed)

	after := checker.Validate(ctx)
	if !after.Valid {
		printViolations(after)
		return false
	}

	log.Printf("Steady state restored in %s", time.Since(start).Round(time.Millisecond))
	return true
}

// sweepRemote asks a running service to reconcile its own store, which also
// covers services running on the in-memory store.
func sweepRemote(baseURL string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	report, err := clients.NewCirculationClient(baseURL, &http.Client{Timeout: timeout}).Reconcile(ctx)
	if err != nil {
		return err
	}
	log.Printf("Remote sweep checked %d copies, repaired %d, failed %d", report.Checked, report.Repaired, report.Failed)
	return nil
}

func printViolations(result *steadystate.Result) {
	log.Printf("Steady state violated: %d violations", len(result.Violations))
	for _, v := range result.Violations {
		if v.Error != "" {
			log.Printf("  - %s: probe failed: %s", v.ProbeName, v.Error)
			continue
		}
		log.Printf("  - %s: expected %.0f, got %.0f", v.ProbeName, v.Expected, v.Actual)
	}
}
