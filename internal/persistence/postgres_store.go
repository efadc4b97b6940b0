package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/abhogle/leadops-os-sub001/pkg/api"
)

// PostgresStore is a Ledger backed by PostgreSQL through a pgx pool.
// Contexts and graphs are stored as JSONB.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// Ensure PostgresStore implements Ledger.
var _ Ledger = (*PostgresStore)(nil)

// NewPostgresStore applies pending migrations and returns a new PostgresStore.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if err := MigratePostgres(ctx, pool); err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool, now: time.Now}, nil
}

const pgDefinitionColumns = `id, version, organization_id, name, industry, active, graph, created_at`

const pgExecutionColumns = `id, definition_id, definition_version, organization_id, subject_ref,
	current_node_id, status, context, resume_at, last_error, failed_node_id, created_at, updated_at`

const pgStepColumns = `id, execution_id, node_id, node_type, status, branch, error, attempt, created_at`

func scanPostgresDefinition(row pgx.Row) (*api.Definition, error) {
	var (
		def   api.Definition
		graph []byte
	)
	if err := row.Scan(&def.ID, &def.Version, &def.OrganizationID, &def.Name, &def.Industry,
		&def.Active, &graph, &def.CreatedAt); err != nil {
		return nil, err
	}
	def.CreatedAt = def.CreatedAt.UTC()
	if err := decodeGraph(graph, &def); err != nil {
		return nil, err
	}
	return &def, nil
}

func scanPostgresExecution(row pgx.Row) (*api.Execution, error) {
	var (
		e       api.Execution
		status  string
		ctxJSON []byte
	)
	if err := row.Scan(&e.ID, &e.DefinitionID, &e.DefinitionVersion, &e.OrganizationID, &e.SubjectRef,
		&e.CurrentNodeID, &status, &ctxJSON, &e.ResumeAt, &e.LastError, &e.FailedNodeID,
		&e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.Status = api.Status(status)
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	if e.ResumeAt != nil {
		t := e.ResumeAt.UTC()
		e.ResumeAt = &t
	}
	data, err := decodeContext(ctxJSON)
	if err != nil {
		return nil, err
	}
	e.Context = data
	return &e, nil
}

func scanPostgresStep(row pgx.Row) (*api.StepExecution, error) {
	var (
		st               api.StepExecution
		nodeType, status string
	)
	if err := row.Scan(&st.ID, &st.ExecutionID, &st.NodeID, &nodeType, &status,
		&st.Branch, &st.Error, &st.Attempt, &st.CreatedAt); err != nil {
		return nil, err
	}
	st.NodeType = api.NodeType(nodeType)
	st.Status = api.StepStatus(status)
	st.CreatedAt = st.CreatedAt.UTC()
	return &st, nil
}

func (s *PostgresStore) SaveDefinition(ctx context.Context, def *api.Definition) (*api.Definition, error) {
	graph, err := encodeGraph(def)
	if err != nil {
		return nil, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Serialize version assignment per definition id.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, def.ID); err != nil {
		return nil, err
	}
	var latest int
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM definitions WHERE id = $1`, def.ID).Scan(&latest); err != nil {
		return nil, err
	}
	stored := def.Clone()
	stored.Version = nextVersion(def.Version, latest)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now().UTC()
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO definitions (`+pgDefinitionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id, version) DO NOTHING`,
		stored.ID, stored.Version, stored.OrganizationID, stored.Name, stored.Industry,
		stored.Active, string(graph), stored.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("%s v%d: %w", def.ID, stored.Version, ErrVersionConflict)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return stored, nil
}

func (s *PostgresStore) GetDefinition(ctx context.Context, id string, version int) (*api.Definition, error) {
	var row pgx.Row
	if version == 0 {
		row = s.pool.QueryRow(ctx, `SELECT `+pgDefinitionColumns+` FROM definitions
			WHERE id = $1 AND active ORDER BY version DESC LIMIT 1`, id)
	} else {
		row = s.pool.QueryRow(ctx, `SELECT `+pgDefinitionColumns+` FROM definitions
			WHERE id = $1 AND version = $2`, id, version)
	}
	def, err := scanPostgresDefinition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s v%d: %w", id, version, ErrDefinitionNotFound)
	}
	return def, err
}

func (s *PostgresStore) ListDefinitions(ctx context.Context) ([]*api.Definition, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT ON (id) `+pgDefinitionColumns+`
		FROM definitions ORDER BY id, version DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.Definition
	for rows.Next() {
		def, err := scanPostgresDefinition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateExecution(ctx context.Context, exec *api.Execution) error {
	data, err := encodeContext(exec.Context)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO executions (`+pgExecutionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		exec.ID, exec.DefinitionID, exec.DefinitionVersion, exec.OrganizationID, exec.SubjectRef,
		exec.CurrentNodeID, string(exec.Status), string(data), exec.ResumeAt,
		exec.LastError, exec.FailedNodeID, exec.CreatedAt, exec.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetExecution(ctx context.Context, id string) (*api.Execution, error) {
	exec, err := scanPostgresExecution(s.pool.QueryRow(ctx,
		`SELECT `+pgExecutionColumns+` FROM executions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, ErrExecutionNotFound)
	}
	return exec, err
}

func (s *PostgresStore) ListExecutions(ctx context.Context, filter api.ExecutionFilter) ([]*api.Execution, error) {
	b := newPostgresBuilder()
	if filter.DefinitionID != "" {
		b.where("definition_id = %s", filter.DefinitionID)
	}
	if filter.SubjectRef != "" {
		b.where("subject_ref = %s", filter.SubjectRef)
	}
	b.whereStatus(filter.Statuses)
	if !filter.UpdatedBefore.IsZero() {
		b.where("updated_at < %s", filter.UpdatedBefore)
	}
	query := `SELECT ` + pgExecutionColumns + ` FROM executions` + b.sql() + ` ORDER BY created_at, id`
	if filter.Limit > 0 {
		query += ` LIMIT ` + b.arg(filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, b.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*api.Execution
	for rows.Next() {
		exec, err := scanPostgresExecution(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, exec)
	}
	return result, rows.Err()
}

// Transition updates the execution with the guard in the WHERE clause; the
// row lock taken by the UPDATE orders concurrent transitions.
func (s *PostgresStore) Transition(ctx context.Context, t Transition) error {
	t.stamp(s.now().UTC())
	exec := t.Execution
	data, err := encodeContext(exec.Context)
	if err != nil {
		return err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	b := newPostgresBuilder()
	set := fmt.Sprintf(`UPDATE executions SET current_node_id = %s, status = %s, context = %s, resume_at = %s,
		last_error = %s, failed_node_id = %s, updated_at = %s`,
		b.arg(exec.CurrentNodeID), b.arg(string(exec.Status)), b.arg(string(data)), b.arg(exec.ResumeAt),
		b.arg(exec.LastError), b.arg(exec.FailedNodeID), b.arg(exec.UpdatedAt))
	b.where("id = %s", exec.ID)
	b.whereGuard(t.Guard)

	tag, err := tx.Exec(ctx, set+b.sql(), b.args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM executions WHERE id = $1)`, exec.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("%s: %w", exec.ID, ErrExecutionNotFound)
		}
		return ErrStaleTransition
	}

	if t.Step != nil {
		if err := insertPostgresStep(ctx, tx, t.Step); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// pgExecer is implemented by *pgxpool.Pool and pgx.Tx.
type pgExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertPostgresStep(ctx context.Context, db pgExecer, st *api.StepExecution) error {
	_, err := db.Exec(ctx, `
		INSERT INTO step_executions (`+pgStepColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		st.ID, st.ExecutionID, st.NodeID, string(st.NodeType), string(st.Status),
		st.Branch, st.Error, st.Attempt, st.CreatedAt,
	)
	return err
}

func (s *PostgresStore) AppendStep(ctx context.Context, step *api.StepExecution) error {
	prepareStep(step, s.now().UTC())
	err := insertPostgresStep(ctx, s.pool, step)
	if isForeignKeyViolation(err) {
		return fmt.Errorf("%s: %w", step.ExecutionID, ErrExecutionNotFound)
	}
	return err
}

func (s *PostgresStore) ListSteps(ctx context.Context, executionID string) ([]*api.StepExecution, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pgStepColumns+` FROM step_executions
		WHERE execution_id = $1 ORDER BY seq`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.StepExecution
	for rows.Next() {
		st, err := scanPostgresStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
