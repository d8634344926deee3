package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"commflow/action"
	"commflow/audit"
	"commflow/test/actors"
	"commflow/test/chaos"
	"commflow/test/infra"
	"commflow/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 90*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent actors")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
)

func seedRNG(seed int64) { rand.Seed(seed) }

// TestActionConcurrency hammers the approval state machine with competing
// approvers, rejecters, sweepers and rollers while a chaos routine kills
// random backends, and checks the audit and workspace invariants throughout.
func TestActionConcurrency(t *testing.T) {
	flag.Parse()
	seed := *flSeed
	seedRNG(seed)

	var (
		pgC        *infra.PGContainer
		dsn        string
		err        error
		usedShared bool
	)
	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	switch {
	case *flDSN != "":
		dsn = *flDSN
		usedShared = true
		pgC = &infra.PGContainer{}
	case os.Getenv("COMMFLOW_TEST_PG_DSN") != "":
		dsn = os.Getenv("COMMFLOW_TEST_PG_DSN")
		usedShared = true
		pgC = &infra.PGContainer{}
	default:
		if dockerAvailable(ctx) {
			pgC, dsn, err = infra.StartPostgres16(ctx, "")
			if err != nil {
				t.Fatalf("start postgres: %v", err)
			}
		} else {
			dsn, err = infra.InitLocalDatabase(ctx)
			if err != nil {
				t.Fatalf("init local database: %v", err)
			}
			pgC = &infra.PGContainer{}
		}
	}
	defer pgC.Terminate(context.Background())

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	seedData := mustSeed(t, ctx, pool)

	auditErrs := make(chan error, 64)
	recorder := audit.NewRecorder(pool, auditErrs)
	registry, err := action.DefaultRegistry()
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	svc := action.NewService(pool, action.NewRepository(pool), registry, recorder, 20)

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	g.Go(func() error {
		return actors.Proposer(ctx2, pool, recorder, seedData.messageID, seedData.projectID, stop)
	})
	for i := 0; i < *flConcurrency; i++ {
		g.Go(func() error { return actors.Approver(ctx2, pool, svc, stop) })
		g.Go(func() error { return actors.Rejecter(ctx2, pool, svc, stop) })
	}
	g.Go(func() error { return actors.Sweeper(ctx2, svc, stop) })
	g.Go(func() error { return actors.Sweeper(ctx2, svc, stop) })
	g.Go(func() error { return actors.Roller(ctx2, pool, svc, stop) })
	go chaos.TerminateRandomBackend(ctx2, pool, stop)

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				t.Fatalf("oracle error: %v", err)
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx2, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}

	counts, err := actors.StatusCounts(context.Background(), pool)
	if err == nil {
		t.Logf("final action statuses: %v (seed=%d)", counts, seed)
	}
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

type seedIDs struct {
	projectID string
	messageID string
}

func mustSeed(t *testing.T, ctx context.Context, pool *pgxpool.Pool) seedIDs {
	t.Helper()
	var s seedIDs
	if err := pool.QueryRow(ctx,
		`INSERT INTO projects (code, name) VALUES ($1, $2) RETURNING id::text`,
		fmt.Sprintf("OBR-%d", rand.Int63n(1_000_000)), "Obra Stress").Scan(&s.projectID); err != nil {
		t.Fatalf("seed project: %v", err)
	}
	if err := pool.QueryRow(ctx,
		`INSERT INTO messages (provider_id, resource, status, sender_address)
         VALUES ($1, '/mail/stress', 'completed', 'stress@obra.dev') RETURNING id::text`,
		fmt.Sprintf("stress-%d", rand.Int63())).Scan(&s.messageID); err != nil {
		t.Fatalf("seed message: %v", err)
	}
	// an open task gives update_task_due_date something to lock
	if _, err := pool.Exec(ctx,
		`INSERT INTO tasks (project_id, title, status) VALUES ($1, 'Tarefa inicial', 'open')`,
		s.projectID); err != nil {
		t.Fatalf("seed task: %v", err)
	}
	return s
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"actions", `SELECT id, type, status, tier, updated_at FROM actions ORDER BY updated_at DESC LIMIT 50`},
		{"audit_events", `SELECT id, event_type, action_id, actor, created_at FROM audit_events ORDER BY id DESC LIMIT 50`},
		{"tasks", `SELECT id, source_action_id, status, due_date FROM tasks ORDER BY created_at DESC LIMIT 50`},
		{"notifications", `SELECT id, audience, source_action_id FROM notifications ORDER BY created_at DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
