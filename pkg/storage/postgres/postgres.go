// Package postgres provides a PostgreSQL storage.RunStore. It uses pgx/v5
// for connection pooling and JSONB for file lists and error payloads.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rhuss/autoscript/pkg/api"
	"github.com/rhuss/autoscript/pkg/debug"
	"github.com/rhuss/autoscript/pkg/storage"
)

// Store is a PostgreSQL-backed RunStore.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.RunStore = (*Store)(nil)

const runColumns = `id, instruction, files, status, attempts, last_log, error,
	artifact_kind, artifact_name, artifact_key, created_at, completed_at`

// New connects to PostgreSQL. If MigrateOnStart is true, schema migrations
// are applied before returning.
func New(ctx context.Context, cfg Config) (*Store, error) {
	cfg.defaults()

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing DSN: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	s := &Store{pool: pool}

	if cfg.MigrateOnStart {
		if err := s.migrate(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
	}

	return s, nil
}

// SaveRun inserts a new run.
func (s *Store) SaveRun(ctx context.Context, run *api.Run) error {
	filesJSON, errorJSON, err := marshalRun(run)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO runs (
			id, tenant_id, instruction, files, status, attempts, last_log, error,
			artifact_kind, artifact_name, artifact_key, created_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		run.ID, storage.GetTenant(ctx), run.Instruction, filesJSON, string(run.Status),
		run.Attempts, run.LastLog, errorJSON,
		string(run.ArtifactKind), run.ArtifactName, run.ArtifactKey, run.CreatedAt, run.CompletedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("inserting run: %w", err)
	}

	debug.Log("storage", "run saved", "id", run.ID, "status", run.Status)
	return nil
}

// UpdateRun replaces the mutable columns of a run after checking the
// status transition under a row lock.
func (s *Store) UpdateRun(ctx context.Context, run *api.Run) error {
	filesJSON, errorJSON, err := marshalRun(run)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query, args := scoped(ctx, "SELECT status FROM runs WHERE id = $1 AND deleted_at IS NULL", run.ID)
	var current string
	err = tx.QueryRow(ctx, query+" FOR UPDATE", args...).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("locking run: %w", err)
	}
	if err := storage.CheckTransition(api.RunStatus(current), run.Status); err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		UPDATE runs SET
			instruction = $2, files = $3, status = $4, attempts = $5, last_log = $6,
			error = $7, artifact_kind = $8, artifact_name = $9, artifact_key = $10,
			completed_at = $11
		WHERE id = $1
	`,
		run.ID, run.Instruction, filesJSON, string(run.Status), run.Attempts, run.LastLog,
		errorJSON, string(run.ArtifactKind), run.ArtifactName, run.ArtifactKey, run.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("updating run: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing run update: %w", err)
	}
	debug.Log("storage", "run updated", "id", run.ID, "status", run.Status)
	return nil
}

// GetRun retrieves a run by ID, excluding deleted runs.
func (s *Store) GetRun(ctx context.Context, id string) (*api.Run, error) {
	query, args := scoped(ctx, "SELECT "+runColumns+" FROM runs WHERE id = $1 AND deleted_at IS NULL", id)

	run, err := scanRun(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying run: %w", err)
	}
	return run, nil
}

// ListRuns returns a page of runs using keyset pagination on
// (created_at, id).
func (s *Store) ListRuns(ctx context.Context, opts storage.ListOptions) (*api.RunList, error) {
	asc := opts.Order == "asc"
	limit := opts.EffectiveLimit()

	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	where = append(where, "deleted_at IS NULL")
	if tenantID := storage.GetTenant(ctx); tenantID != "" {
		where = append(where, "tenant_id = "+arg(tenantID))
	}
	if opts.Status != "" {
		where = append(where, "status = "+arg(string(opts.Status)))
	}

	// Before pages walk the opposite direction and are reversed afterwards.
	reverse := false
	cursor := opts.After
	if cursor == "" && opts.Before != "" {
		cursor = opts.Before
		reverse = true
	}
	if cursor != "" {
		cur, err := s.GetRun(ctx, cursor)
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Paginate(nil, opts), nil
		}
		if err != nil {
			return nil, err
		}
		op := "<"
		if asc != reverse {
			op = ">"
		}
		where = append(where, fmt.Sprintf("(created_at, id) %s (%s, %s)", op, arg(cur.CreatedAt), arg(cur.ID)))
	}

	dir := "DESC"
	if asc != reverse {
		dir = "ASC"
	}
	query := fmt.Sprintf("SELECT %s FROM runs WHERE %s ORDER BY created_at %s, id %s LIMIT %s",
		runColumns, strings.Join(where, " AND "), dir, dir, arg(limit+1))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []*api.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	hasMore := len(runs) > limit
	if hasMore {
		runs = runs[:limit]
	}
	if reverse {
		for i, j := 0, len(runs)-1; i < j; i, j = i+1, j-1 {
			runs[i], runs[j] = runs[j], runs[i]
		}
	}

	list := &api.RunList{Object: "list", Data: runs, HasMore: hasMore}
	if len(runs) > 0 {
		list.FirstID = runs[0].ID
		list.LastID = runs[len(runs)-1].ID
	} else {
		list.Data = []*api.Run{}
	}
	return list, nil
}

// DeleteRun soft-deletes a run by setting deleted_at.
func (s *Store) DeleteRun(ctx context.Context, id string) error {
	query := "UPDATE runs SET deleted_at = $2 WHERE id = $1 AND deleted_at IS NULL"
	args := []any{id, time.Now()}
	if tenantID := storage.GetTenant(ctx); tenantID != "" {
		query += " AND tenant_id = $3"
		args = append(args, tenantID)
	}

	result, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("deleting run: %w", err)
	}
	if result.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// HealthCheck verifies the database connection.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// scoped appends the tenant filter of ctx to a query whose only argument
// so far is id.
func scoped(ctx context.Context, query, id string) (string, []any) {
	args := []any{id}
	if tenantID := storage.GetTenant(ctx); tenantID != "" {
		query += " AND tenant_id = $2"
		args = append(args, tenantID)
	}
	return query, args
}

func scanRun(row pgx.Row) (*api.Run, error) {
	var (
		run          api.Run
		status       string
		artifactKind string
		filesJSON    []byte
		errorJSON    []byte
	)
	err := row.Scan(
		&run.ID, &run.Instruction, &filesJSON, &status, &run.Attempts, &run.LastLog, &errorJSON,
		&artifactKind, &run.ArtifactName, &run.ArtifactKey, &run.CreatedAt, &run.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	run.Object = "run"
	run.Status = api.RunStatus(status)
	run.ArtifactKind = api.ArtifactKind(artifactKind)

	if err := json.Unmarshal(filesJSON, &run.Files); err != nil {
		return nil, fmt.Errorf("unmarshaling files: %w", err)
	}
	if len(errorJSON) > 0 {
		var apiErr api.APIError
		if err := json.Unmarshal(errorJSON, &apiErr); err == nil {
			run.Error = &apiErr
		}
	}
	return &run, nil
}

// marshalRun encodes the JSONB columns. A nil error encodes as SQL NULL.
func marshalRun(run *api.Run) (filesJSON []byte, errorJSON []byte, err error) {
	files := run.Files
	if files == nil {
		files = []string{}
	}
	filesJSON, err = json.Marshal(files)
	if err != nil {
		return nil, nil, fmt.Errorf("marshaling files: %w", err)
	}
	if run.Error != nil {
		errorJSON, err = json.Marshal(run.Error)
		if err != nil {
			return nil, nil, fmt.Errorf("marshaling error: %w", err)
		}
	}
	return filesJSON, errorJSON, nil
}

// isDuplicateKey checks if the error is a PostgreSQL unique violation.
func isDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
