package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/abhogle/leadops-os-sub001/pkg/api"
)

// SQLiteStore is a Ledger backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
//
// Timestamps are stored as unix nanoseconds.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// Ensure SQLiteStore implements Ledger.
var _ Ledger = (*SQLiteStore)(nil)

// NewSQLiteStore applies pending migrations and returns a new SQLiteStore.
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	if err := MigrateSQLite(ctx, db); err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

const sqliteDefinitionColumns = `id, version, organization_id, name, industry, active, graph, created_at`

const sqliteExecutionColumns = `id, definition_id, definition_version, organization_id, subject_ref,
	current_node_id, status, context, resume_at, last_error, failed_node_id, created_at, updated_at`

const sqliteStepColumns = `id, execution_id, node_id, node_type, status, branch, error, attempt, created_at`

// rowScanner is implemented by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteDefinition(row rowScanner) (*api.Definition, error) {
	var (
		def     api.Definition
		active  int
		graph   string
		created int64
	)
	if err := row.Scan(&def.ID, &def.Version, &def.OrganizationID, &def.Name, &def.Industry, &active, &graph, &created); err != nil {
		return nil, err
	}
	def.Active = active != 0
	def.CreatedAt = time.Unix(0, created).UTC()
	if err := decodeGraph([]byte(graph), &def); err != nil {
		return nil, err
	}
	return &def, nil
}

func scanSQLiteExecution(row rowScanner) (*api.Execution, error) {
	var (
		e                api.Execution
		status, ctxJSON  string
		resumeAt         sql.NullInt64
		created, updated int64
	)
	if err := row.Scan(&e.ID, &e.DefinitionID, &e.DefinitionVersion, &e.OrganizationID, &e.SubjectRef,
		&e.CurrentNodeID, &status, &ctxJSON, &resumeAt, &e.LastError, &e.FailedNodeID, &created, &updated); err != nil {
		return nil, err
	}
	e.Status = api.Status(status)
	e.CreatedAt = time.Unix(0, created).UTC()
	e.UpdatedAt = time.Unix(0, updated).UTC()
	if resumeAt.Valid {
		t := time.Unix(0, resumeAt.Int64).UTC()
		e.ResumeAt = &t
	}
	data, err := decodeContext([]byte(ctxJSON))
	if err != nil {
		return nil, err
	}
	e.Context = data
	return &e, nil
}

func scanSQLiteStep(row rowScanner) (*api.StepExecution, error) {
	var (
		st               api.StepExecution
		nodeType, status string
		created          int64
	)
	if err := row.Scan(&st.ID, &st.ExecutionID, &st.NodeID, &nodeType, &status, &st.Branch, &st.Error, &st.Attempt, &created); err != nil {
		return nil, err
	}
	st.NodeType = api.NodeType(nodeType)
	st.Status = api.StepStatus(status)
	st.CreatedAt = time.Unix(0, created).UTC()
	return &st, nil
}

func nullUnixNano(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *SQLiteStore) SaveDefinition(ctx context.Context, def *api.Definition) (*api.Definition, error) {
	graph, err := encodeGraph(def)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var latest int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM definitions WHERE id = ?`, def.ID).Scan(&latest); err != nil {
		return nil, err
	}
	stored := def.Clone()
	stored.Version = nextVersion(def.Version, latest)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now().UTC()
	}

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM definitions WHERE id = ? AND version = ?`, def.ID, stored.Version).Scan(&exists)
	if err == nil {
		return nil, fmt.Errorf("%s v%d: %w", def.ID, stored.Version, ErrVersionConflict)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO definitions (`+sqliteDefinitionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		stored.ID, stored.Version, stored.OrganizationID, stored.Name, stored.Industry,
		boolInt(stored.Active), string(graph), stored.CreatedAt.UnixNano(),
	)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return stored, nil
}

func (s *SQLiteStore) GetDefinition(ctx context.Context, id string, version int) (*api.Definition, error) {
	var row *sql.Row
	if version == 0 {
		row = s.db.QueryRowContext(ctx, `SELECT `+sqliteDefinitionColumns+` FROM definitions
			WHERE id = ? AND active = 1 ORDER BY version DESC LIMIT 1`, id)
	} else {
		row = s.db.QueryRowContext(ctx, `SELECT `+sqliteDefinitionColumns+` FROM definitions
			WHERE id = ? AND version = ?`, id, version)
	}
	def, err := scanSQLiteDefinition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s v%d: %w", id, version, ErrDefinitionNotFound)
	}
	return def, err
}

func (s *SQLiteStore) ListDefinitions(ctx context.Context) ([]*api.Definition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteDefinitionColumns+` FROM definitions d
		WHERE version = (SELECT MAX(version) FROM definitions WHERE id = d.id)
		ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.Definition
	for rows.Next() {
		def, err := scanSQLiteDefinition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CreateExecution(ctx context.Context, exec *api.Execution) error {
	data, err := encodeContext(exec.Context)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO executions (`+sqliteExecutionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.DefinitionID, exec.DefinitionVersion, exec.OrganizationID, exec.SubjectRef,
		exec.CurrentNodeID, string(exec.Status), string(data), nullUnixNano(exec.ResumeAt),
		exec.LastError, exec.FailedNodeID, exec.CreatedAt.UnixNano(), exec.UpdatedAt.UnixNano(),
	)
	return err
}

func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*api.Execution, error) {
	exec, err := scanSQLiteExecution(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteExecutionColumns+` FROM executions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, ErrExecutionNotFound)
	}
	return exec, err
}

func (s *SQLiteStore) ListExecutions(ctx context.Context, filter api.ExecutionFilter) ([]*api.Execution, error) {
	b := newSQLiteBuilder()
	if filter.DefinitionID != "" {
		b.where("definition_id = %s", filter.DefinitionID)
	}
	if filter.SubjectRef != "" {
		b.where("subject_ref = %s", filter.SubjectRef)
	}
	b.whereStatus(filter.Statuses)
	if !filter.UpdatedBefore.IsZero() {
		b.where("updated_at < %s", filter.UpdatedBefore.UnixNano())
	}
	query := `SELECT ` + sqliteExecutionColumns + ` FROM executions` + b.sql() + ` ORDER BY created_at, id`
	if filter.Limit > 0 {
		query += ` LIMIT ` + b.arg(filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, b.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*api.Execution
	for rows.Next() {
		exec, err := scanSQLiteExecution(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, exec)
	}
	return result, rows.Err()
}

// Transition updates the execution with the guard in the WHERE clause, so the
// compare and the write are one statement.
func (s *SQLiteStore) Transition(ctx context.Context, t Transition) error {
	t.stamp(s.now().UTC())
	exec := t.Execution
	data, err := encodeContext(exec.Context)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	b := newSQLiteBuilder()
	set := fmt.Sprintf(`UPDATE executions SET current_node_id = %s, status = %s, context = %s, resume_at = %s,
		last_error = %s, failed_node_id = %s, updated_at = %s`,
		b.arg(exec.CurrentNodeID), b.arg(string(exec.Status)), b.arg(string(data)), b.arg(nullUnixNano(exec.ResumeAt)),
		b.arg(exec.LastError), b.arg(exec.FailedNodeID), b.arg(exec.UpdatedAt.UnixNano()))
	b.where("id = %s", exec.ID)
	b.whereGuard(t.Guard)

	res, err := tx.ExecContext(ctx, set+b.sql(), b.args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM executions WHERE id = ?`, exec.ID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%s: %w", exec.ID, ErrExecutionNotFound)
		}
		if err != nil {
			return err
		}
		return ErrStaleTransition
	}

	if t.Step != nil {
		if err := insertSQLiteStep(ctx, tx, t.Step); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// execer is implemented by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertSQLiteStep(ctx context.Context, db execer, st *api.StepExecution) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO step_executions (`+sqliteStepColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ID, st.ExecutionID, st.NodeID, string(st.NodeType), string(st.Status),
		st.Branch, st.Error, st.Attempt, st.CreatedAt.UnixNano(),
	)
	return err
}

func (s *SQLiteStore) AppendStep(ctx context.Context, step *api.StepExecution) error {
	prepareStep(step, s.now().UTC())
	return insertSQLiteStep(ctx, s.db, step)
}

func (s *SQLiteStore) ListSteps(ctx context.Context, executionID string) ([]*api.StepExecution, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteStepColumns+` FROM step_executions
		WHERE execution_id = ? ORDER BY seq`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.StepExecution
	for rows.Next() {
		st, err := scanSQLiteStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
