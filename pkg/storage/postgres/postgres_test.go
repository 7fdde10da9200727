package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	pgmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/rhuss/autoscript/pkg/api"
	"github.com/rhuss/autoscript/pkg/storage"
)

func init() {
	// Point testcontainers at the podman socket when DOCKER_HOST is unset.
	if os.Getenv("DOCKER_HOST") == "" {
		out, err := exec.Command("podman", "machine", "inspect", "--format", "{{.ConnectionInfo.PodmanSocket.Path}}").Output()
		if err == nil {
			sock := strings.TrimSpace(string(out))
			if sock != "" {
				os.Setenv("DOCKER_HOST", "unix://"+sock)
			}
		}
	}
	// Ryuk needs privileged mode with podman.
	if os.Getenv("TESTCONTAINERS_RYUK_CONTAINER_PRIVILEGED") == "" {
		os.Setenv("TESTCONTAINERS_RYUK_CONTAINER_PRIVILEGED", "true")
	}
}

// setupTestDB starts a PostgreSQL container and returns a connected Store.
// Tests are skipped if no container runtime is available.
func setupTestDB(t *testing.T) *Store {
	t.Helper()

	if os.Getenv("SKIP_INTEGRATION") == "true" {
		t.Skip("SKIP_INTEGRATION=true, skipping PostgreSQL integration tests")
	}
	if _, err := exec.LookPath("podman"); err != nil {
		if _, err := exec.LookPath("docker"); err != nil {
			t.Skip("no container runtime found, skipping integration tests")
		}
	}

	ctx := context.Background()

	container, err := pgmodule.Run(ctx,
		"postgres:16-alpine",
		pgmodule.WithDatabase("autoscript_test"),
		pgmodule.WithUsername("test"),
		pgmodule.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Skipf("skipping: could not start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() {
		container.Terminate(context.Background())
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("getting connection string: %v", err)
	}

	store, err := New(ctx, Config{
		DSN:            connStr,
		MaxConns:       5,
		MinConns:       1,
		MigrateOnStart: true,
	})
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})

	return store
}

func uniqueID(prefix string) string {
	return fmt.Sprintf("run_%s_%d", prefix, time.Now().UnixNano())
}

func makeTestRun(id string) *api.Run {
	return &api.Run{
		ID:          id,
		Object:      "run",
		Instruction: "sum the amount column",
		Files:       []string{"sales.xlsx", "notes.txt"},
		Status:      api.RunStatusInProgress,
		CreatedAt:   time.Now().Unix(),
	}
}

func TestPendingMigrations(t *testing.T) {
	migrations, err := pendingMigrations()
	if err != nil {
		t.Fatalf("pendingMigrations: %v", err)
	}
	if len(migrations) == 0 || migrations[0].version != 1 {
		t.Fatalf("migrations = %+v, want version 1 first", migrations)
	}
	for i := 1; i < len(migrations); i++ {
		if migrations[i].version <= migrations[i-1].version {
			t.Errorf("migrations out of order: %+v", migrations)
		}
	}
}

func TestIsDuplicateKey(t *testing.T) {
	if isDuplicateKey(errors.New("23505")) {
		t.Error("plain error text must not count as unique violation")
	}
	if isDuplicateKey(nil) {
		t.Error("nil is not a unique violation")
	}
}

func TestPostgres_SaveAndGet(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	run := makeTestRun(uniqueID("save"))
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}

	got, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.Instruction != run.Instruction {
		t.Errorf("Instruction = %q", got.Instruction)
	}
	if got.Status != api.RunStatusInProgress {
		t.Errorf("Status = %q", got.Status)
	}
	if len(got.Files) != 2 || got.Files[0] != "sales.xlsx" {
		t.Errorf("Files = %v", got.Files)
	}
	if got.Error != nil {
		t.Errorf("Error = %+v, want nil", got.Error)
	}
}

func TestPostgres_UpdateRun(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	run := makeTestRun(uniqueID("update"))
	store.SaveRun(ctx, run)

	run.Status = api.RunStatusFailed
	run.Attempts = 3
	run.LastLog = "Traceback (most recent call last):\nKeyError: 'amount'\n"
	run.Error = api.NewExecutionError(run.LastLog)
	run.CompletedAt = time.Now().Unix()
	if err := store.UpdateRun(ctx, run); err != nil {
		t.Fatalf("UpdateRun failed: %v", err)
	}

	got, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.Status != api.RunStatusFailed || got.Attempts != 3 {
		t.Errorf("got status %q attempts %d", got.Status, got.Attempts)
	}
	if got.LastLog != run.LastLog {
		t.Errorf("LastLog = %q", got.LastLog)
	}
	if got.Error == nil || got.Error.Type != api.ErrorTypeExecution {
		t.Errorf("Error = %+v", got.Error)
	}

	run.Status = api.RunStatusSucceeded
	if err := store.UpdateRun(ctx, run); !errors.Is(err, storage.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}

	if err := store.UpdateRun(ctx, makeTestRun("run_missing")); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgres_GetNotFound(t *testing.T) {
	store := setupTestDB(t)

	_, err := store.GetRun(context.Background(), "run_nonexistent")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgres_Delete(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	run := makeTestRun(uniqueID("del"))
	store.SaveRun(ctx, run)

	if err := store.DeleteRun(ctx, run.ID); err != nil {
		t.Fatalf("DeleteRun failed: %v", err)
	}
	if _, err := store.GetRun(ctx, run.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if err := store.DeleteRun(ctx, run.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestPostgres_DuplicateSave(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	run := makeTestRun(uniqueID("dup"))
	store.SaveRun(ctx, run)

	if err := store.SaveRun(ctx, run); !errors.Is(err, storage.ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
}

func TestPostgres_ListRuns(t *testing.T) {
	store := setupTestDB(t)
	ctx := storage.SetTenant(context.Background(), uniqueID("tenant"))

	var ids []string
	for i := 0; i < 5; i++ {
		run := makeTestRun(fmt.Sprintf("run_list_%d", i))
		run.CreatedAt = int64(1000 + i)
		if err := store.SaveRun(ctx, run); err != nil {
			t.Fatalf("SaveRun: %v", err)
		}
		ids = append(ids, run.ID)
	}

	page, err := store.ListRuns(ctx, storage.ListOptions{Limit: 2})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(page.Data) != 2 || page.Data[0].ID != ids[4] || page.Data[1].ID != ids[3] || !page.HasMore {
		t.Fatalf("first page = %+v", page)
	}

	next, err := store.ListRuns(ctx, storage.ListOptions{Limit: 2, After: page.LastID})
	if err != nil {
		t.Fatalf("ListRuns after: %v", err)
	}
	if len(next.Data) != 2 || next.Data[0].ID != ids[2] || next.Data[1].ID != ids[1] {
		t.Errorf("second page = %+v", next)
	}

	asc, err := store.ListRuns(ctx, storage.ListOptions{Order: "asc"})
	if err != nil {
		t.Fatalf("ListRuns asc: %v", err)
	}
	if len(asc.Data) != 5 || asc.FirstID != ids[0] || asc.HasMore {
		t.Errorf("asc page = %+v", asc)
	}
}

func TestPostgres_HealthCheck(t *testing.T) {
	store := setupTestDB(t)
	if err := store.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck failed: %v", err)
	}
}

func TestPostgres_TenantIsolation(t *testing.T) {
	store := setupTestDB(t)

	ctxA := storage.SetTenant(context.Background(), "tenant-a")
	ctxB := storage.SetTenant(context.Background(), "tenant-b")

	run := makeTestRun(uniqueID("tenant"))
	store.SaveRun(ctxA, run)

	if _, err := store.GetRun(ctxA, run.ID); err != nil {
		t.Fatalf("tenant A should see own run: %v", err)
	}
	if _, err := store.GetRun(ctxB, run.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Error("tenant B should not see tenant A's run")
	}
	run.Status = api.RunStatusError
	if err := store.UpdateRun(ctxB, run); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("tenant B should not update tenant A's run, got %v", err)
	}
	if _, err := store.GetRun(context.Background(), run.ID); err != nil {
		t.Fatalf("no-tenant should see all: %v", err)
	}
}
