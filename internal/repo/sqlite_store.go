package repo

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/shaiso/Cascade/internal/domain"
)

// SQLiteStore — Store поверх SQLite (modernc.org/sqlite, без cgo).
//
// Рассчитан на один узел: все писатели сериализуются единственным
// соединением, поэтому read-modify-write в транзакции атомарен.
// Время хранится в наносекундах Unix.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore оборачивает готовое соединение. Схема должна быть создана заранее.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// OpenSQLite открывает файл (пустой path — :memory:) и применяет миграции.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := openSQLDB(path)
	if err != nil {
		return nil, err
	}
	if err := Migrate(db, DriverSQLite); err != nil {
		db.Close()
		return nil, err
	}
	return NewSQLiteStore(db), nil
}

const sqliteRunColumns = `
	run_id, tenant_id, script_key, script_name, status, message, item_name,
	progress, current_count, total_count, successes, errors, logs,
	stop_requested, stopped, start_time, end_time, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) CreateTenant(ctx context.Context, tenantID, name string, keys []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return sqliteError("begin tx", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO tenants (id, name, created_at) VALUES (?, ?, ?)`,
		tenantID, name, time.Now().UnixNano(),
	)
	if isSQLiteConstraint(err) {
		return fmt.Errorf("tenant %s: %w", tenantID, ErrAlreadyExists)
	}
	if err != nil {
		return sqliteError("insert tenant", err)
	}

	for _, key := range keys {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO script_checkpoints (tenant_id, script_key) VALUES (?, ?)`,
			tenantID, key,
		)
		if err != nil {
			return sqliteError("insert checkpoint", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return sqliteError("commit", err)
	}
	return nil
}

func (s *SQLiteStore) Snapshot(ctx context.Context, tenantID string) (domain.Snapshot, error) {
	var snap domain.Snapshot

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return snap, sqliteError("begin tx", err)
	}
	defer tx.Rollback()

	current, err := s.currentRunID(ctx, tx, tenantID)
	if err != nil {
		return snap, err
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT script_key, completed FROM script_checkpoints WHERE tenant_id = ?`,
		tenantID,
	)
	if err != nil {
		return snap, sqliteError("select checkpoints", err)
	}
	snap.Scripts = make(domain.ScriptsStatus)
	for rows.Next() {
		var key string
		var completed bool
		if err := rows.Scan(&key, &completed); err != nil {
			rows.Close()
			return snap, sqliteError("scan checkpoint", err)
		}
		snap.Scripts[key] = completed
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return snap, sqliteError("iterate checkpoints", err)
	}

	if current != "" {
		run, err := scanSQLiteRun(tx.QueryRowContext(ctx,
			`SELECT `+sqliteRunColumns+` FROM executions WHERE run_id = ?`, current))
		if err != nil && !errors.Is(err, ErrNotFound) {
			return snap, err
		}
		if run != nil {
			snap.Found = true
			snap.Status = run
		}
	}

	return snap, nil
}

// currentRunID возвращает current_run_id тенанта ("" если не задан).
func (s *SQLiteStore) currentRunID(ctx context.Context, tx *sql.Tx, tenantID string) (string, error) {
	var current sql.NullString
	err := tx.QueryRowContext(ctx, `SELECT current_run_id FROM tenants WHERE id = ?`, tenantID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("tenant %s: %w", tenantID, ErrNotFound)
	}
	if err != nil {
		return "", sqliteError("select tenant", err)
	}
	return current.String, nil
}

// activeRun возвращает статус и ключ текущего запуска, если он активен.
func (s *SQLiteStore) activeRun(ctx context.Context, tx *sql.Tx, runID string) (active bool, key string, err error) {
	if runID == "" {
		return false, "", nil
	}
	var st string
	err = tx.QueryRowContext(ctx, `SELECT status, script_key FROM executions WHERE run_id = ?`, runID).Scan(&st, &key)
	if errors.Is(err, sql.ErrNoRows) {
		return false, "", nil
	}
	if err != nil {
		return false, "", sqliteError("select current run", err)
	}
	return domain.ParseStatus(st).IsActive(), key, nil
}

func (s *SQLiteStore) Begin(ctx context.Context, status *domain.ExecutionStatus) error {
	errorsJSON, err := encodeEntries(status.Errors)
	if err != nil {
		return err
	}
	logsJSON, err := encodeEntries(status.Logs)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return sqliteError("begin tx", err)
	}
	defer tx.Rollback()


	current, err := s.currentRunID(ctx, tx, status.TenantID)
	if err != nil {
		return err
	}
	active, key, err := s.activeRun(ctx, tx, current)
	if err != nil {
		return err
	}
	if active {
		return fmt.Errorf("tenant %s running %s: %w", status.TenantID, key, ErrConflict)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO executions (`+sqliteRunColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		status.RunID.String(), status.TenantID, status.ScriptKey, status.ScriptName, string(status.Status),
		status.Message, status.ItemName, status.Progress, status.Current, status.Total,
		status.Successes, string(errorsJSON), string(logsJSON), status.StopRequested, status.Stopped,
		status.StartTime.UnixNano(), unixNano(status.EndTime), status.UpdatedAt.UnixNano(),
	)
	if isSQLiteConstraint(err) {
		return fmt.Errorf("tenant %s: %w", status.TenantID, ErrConflict)
	}
	if err != nil {
		return sqliteError("insert run", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE tenants SET current_run_id = ? WHERE id = ?`,
		status.RunID.String(), status.TenantID,
	); err != nil {
		return sqliteError("update tenant", err)
	}

	if err := tx.Commit(); err != nil {
		return sqliteError("commit", err)
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID uuid.UUID) (*domain.ExecutionStatus, error) {
	run, err := scanSQLiteRun(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteRunColumns+` FROM executions WHERE run_id = ?`, runID.String()))
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return run, err
}

func (s *SQLiteStore) Update(ctx context.Context, status *domain.ExecutionStatus) error {
	return s.write(ctx, status, false)
}

func (s *SQLiteStore) Finish(ctx context.Context, status *domain.ExecutionStatus, markCompleted bool) error {
	return s.write(ctx, status, markCompleted)
}

func (s *SQLiteStore) write(ctx context.Context, status *domain.ExecutionStatus, markCompleted bool) error {
	errorsJSON, err := encodeEntries(status.Errors)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return sqliteError("begin tx", err)
	}
	defer tx.Rollback()

	// Строки журнала, дописанные после чтения запуска, не теряются.
	var storedLogs string
	err = tx.QueryRowContext(ctx, `SELECT logs FROM executions WHERE run_id = ?`, status.RunID.String()).Scan(&storedLogs)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("run %s: %w", status.RunID, ErrNotFound)
	}
	if err != nil {
		return sqliteError("select logs", err)
	}
	stored, err := decodeEntries([]byte(storedLogs))
	if err != nil {
		return err
	}
	logsJSON, err := encodeEntries(mergeLogs(stored, status.Logs))
	if err != nil {
		return err
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE executions
		SET status = ?, message = ?, item_name = ?, progress = ?, current_count = ?,
		    total_count = ?, successes = ?, errors = ?, logs = ?, stopped = ?,
		    end_time = ?, updated_at = ?
		WHERE run_id = ? AND status IN ('starting', 'running')`,
		string(status.Status), status.Message, status.ItemName, status.Progress, status.Current,
		status.Total, status.Successes, string(errorsJSON), string(logsJSON), status.Stopped,
		unixNano(status.EndTime), status.UpdatedAt.UnixNano(),
		status.RunID.String(),
	)
	if err != nil {
		return sqliteError("update run", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return sqliteError("rows affected", err)
	}
	if affected == 0 {
		var st string
		err := tx.QueryRowContext(ctx, `SELECT status FROM executions WHERE run_id = ?`, status.RunID.String()).Scan(&st)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("run %s: %w", status.RunID, ErrNotFound)
		}
		if err != nil {
			return sqliteError("select run", err)
		}
		return fmt.Errorf("run %s is %s: %w", status.RunID, st, ErrInvalidState)
	}

	if markCompleted {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO script_checkpoints (tenant_id, script_key, completed, completed_at)
			VALUES (?, ?, 1, ?)
			ON CONFLICT (tenant_id, script_key)
			DO UPDATE SET completed = 1, completed_at = excluded.completed_at`,
			status.TenantID, status.ScriptKey, status.UpdatedAt.UnixNano(),
		)
		if err != nil {
			return sqliteError("mark checkpoint", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return sqliteError("commit", err)
	}
	return nil
}

func (s *SQLiteStore) RequestStop(ctx context.Context, tenantID, scriptKey string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, sqliteError("begin tx", err)
	}
	defer tx.Rollback()

	current, err := s.currentRunID(ctx, tx, tenantID)
	if err != nil {
		return false, err
	}
	if current == "" {
		return false, nil
	}

	run, err := scanSQLiteRun(tx.QueryRowContext(ctx,
		`SELECT `+sqliteRunColumns+` FROM executions WHERE run_id = ?`, current))
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !run.IsActive() || (scriptKey != "" && run.ScriptKey != scriptKey) {
		return false, nil
	}
	if run.StopRequested {
		return true, nil
	}

	run.AppendLog(StopLogMessage, time.Now())
	logsJSON, err := encodeEntries(run.Logs)
	if err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE executions SET stop_requested = 1, logs = ? WHERE run_id = ?`,
		string(logsJSON), current,
	); err != nil {
		return false, sqliteError("request stop", err)
	}

	if err := tx.Commit(); err != nil {
		return false, sqliteError("commit", err)
	}
	return true, nil
}

func (s *SQLiteStore) StopRequested(ctx context.Context, runID uuid.UUID) (bool, error) {
	var requested bool
	err := s.db.QueryRowContext(ctx,
		`SELECT stop_requested FROM executions WHERE run_id = ?`, runID.String(),
	).Scan(&requested)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return false, sqliteError("select stop flag", err)
	}
	return requested, nil
}

func (s *SQLiteStore) ListActive(ctx context.Context, startedBefore time.Time) ([]*domain.ExecutionStatus, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteRunColumns+`
		FROM executions
		WHERE status IN ('starting', 'running') AND start_time < ?
		ORDER BY start_time ASC`,
		startedBefore.UnixNano(),
	)
	if err != nil {
		return nil, sqliteError("list active runs", err)
	}
	return collectSQLiteRuns(rows)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, tenantID string, limit int) ([]*domain.ExecutionStatus, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM tenants WHERE id = ?)`, tenantID,
	).Scan(&exists); err != nil {
		return nil, sqliteError("select tenant", err)
	}
	if !exists {
		return nil, fmt.Errorf("tenant %s: %w", tenantID, ErrNotFound)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteRunColumns+`
		FROM executions
		WHERE tenant_id = ?
		ORDER BY start_time DESC
		LIMIT ?`,
		tenantID, listLimit(limit),
	)
	if err != nil {
		return nil, sqliteError("list runs", err)
	}
	return collectSQLiteRuns(rows)
}

func (s *SQLiteStore) Reset(ctx context.Context, tenantID string, keys []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return sqliteError("begin tx", err)
	}
	defer tx.Rollback()

	current, err := s.currentRunID(ctx, tx, tenantID)
	if err != nil {
		return err
	}
	active, _, err := s.activeRun(ctx, tx, current)
	if err != nil {
		return err
	}
	if active {
		return fmt.Errorf("tenant %s: %w", tenantID, ErrConflict)
	}

	for _, key := range keys {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO script_checkpoints (tenant_id, script_key, completed, completed_at)
			VALUES (?, ?, 0, NULL)
			ON CONFLICT (tenant_id, script_key)
			DO UPDATE SET completed = 0, completed_at = NULL`,
			tenantID, key,
		)
		if err != nil {
			return sqliteError("reset checkpoint", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE tenants SET current_run_id = NULL WHERE id = ?`, tenantID); err != nil {
		return sqliteError("clear current run", err)
	}

	if err := tx.Commit(); err != nil {
		return sqliteError("commit", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Helpers ---

func scanSQLiteRun(row rowScanner) (*domain.ExecutionStatus, error) {
	var run domain.ExecutionStatus
	var runID, status, errorsJSON, logsJSON string
	var startNano, updatedNano int64
	var endNano sql.NullInt64

	err := row.Scan(
		&runID,
		&run.TenantID,
		&run.ScriptKey,
		&run.ScriptName,
		&status,
		&run.Message,
		&run.ItemName,
		&run.Progress,
		&run.Current,
		&run.Total,
		&run.Successes,
		&errorsJSON,
		&logsJSON,
		&run.StopRequested,
		&run.Stopped,
		&startNano,
		&endNano,
		&updatedNano,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, sqliteError("scan run", err)
	}

	if run.RunID, err = uuid.Parse(runID); err != nil {
		return nil, fmt.Errorf("parse run id: %w", err)
	}
	run.Status = domain.ParseStatus(status)
	run.StartTime = time.Unix(0, startNano)
	run.UpdatedAt = time.Unix(0, updatedNano)
	if endNano.Valid {
		end := time.Unix(0, endNano.Int64)
		run.EndTime = &end
	}
	if run.Errors, err = decodeEntries([]byte(errorsJSON)); err != nil {
		return nil, err
	}
	if run.Logs, err = decodeEntries([]byte(logsJSON)); err != nil {
		return nil, err
	}
	return &run, nil
}

func collectSQLiteRuns(rows *sql.Rows) ([]*domain.ExecutionStatus, error) {
	defer rows.Close()

	var runs []*domain.ExecutionStatus
	for rows.Next() {
		run, err := scanSQLiteRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, sqliteError("iterate runs", err)
	}
	return runs, nil
}

func unixNano(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func isSQLiteConstraint(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se) && se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
}

// sqliteError оборачивает ошибку; занятость и потеря соединения — ErrUnavailable.
func sqliteError(op string, err error) error {
	if isSQLiteUnavailable(err) {
		return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isSQLiteUnavailable(err error) bool {
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_IOERR, sqlite3.SQLITE_CANTOPEN:
			return true
		}
	}
	return false
}
