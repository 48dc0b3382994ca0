package repo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Cascade/internal/domain"
)

// PostgresStore — Store поверх Postgres.
//
// Advisory lock на статусе реализован через SELECT ... FOR UPDATE строки
// тенанта и частичный уникальный индекс executions_one_active_idx.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore создаёт новый PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool возвращает пул соединений (для advisory lock реапера).
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

const pgRunColumns = `
	run_id, tenant_id, script_key, script_name, status, message, item_name,
	progress, current_count, total_count, successes, errors, logs,
	stop_requested, stopped, start_time, end_time, updated_at`

func (s *PostgresStore) CreateTenant(ctx context.Context, tenantID, name string, keys []string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return pgError("begin tx", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO tenants (id, name, created_at) VALUES ($1, $2, $3)`,
		tenantID, name, time.Now(),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("tenant %s: %w", tenantID, ErrAlreadyExists)
	}
	if err != nil {
		return pgError("insert tenant", err)
	}

	for _, key := range keys {
		_, err = tx.Exec(ctx,
			`INSERT INTO script_checkpoints (tenant_id, script_key) VALUES ($1, $2)`,
			tenantID, key,
		)
		if err != nil {
			return pgError("insert checkpoint", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return pgError("commit", err)
	}
	return nil
}

func (s *PostgresStore) Snapshot(ctx context.Context, tenantID string) (domain.Snapshot, error) {
	var snap domain.Snapshot

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly, IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return snap, pgError("begin tx", err)
	}
	defer tx.Rollback(ctx)

	var current *uuid.UUID
	err = tx.QueryRow(ctx, `SELECT current_run_id FROM tenants WHERE id = $1`, tenantID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return snap, fmt.Errorf("tenant %s: %w", tenantID, ErrNotFound)
	}
	if err != nil {
		return snap, pgError("select tenant", err)
	}

	snap.Scripts, err = s.scripts(ctx, tx, tenantID)
	if err != nil {
		return snap, err
	}

	if current != nil {
		run, err := scanPgRun(tx.QueryRow(ctx, `SELECT `+pgRunColumns+` FROM executions WHERE run_id = $1`, *current))
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

func (s *PostgresStore) scripts(ctx context.Context, tx pgx.Tx, tenantID string) (domain.ScriptsStatus, error) {
	rows, err := tx.Query(ctx,
		`SELECT script_key, completed FROM script_checkpoints WHERE tenant_id = $1`,
		tenantID,
	)
	if err != nil {
		return nil, pgError("select checkpoints", err)
	}
	defer rows.Close()

	scripts := make(domain.ScriptsStatus)
	for rows.Next() {
		var key string
		var completed bool
		if err := rows.Scan(&key, &completed); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		scripts[key] = completed
	}
	if err := rows.Err(); err != nil {
		return nil, pgError("iterate checkpoints", err)
	}
	return scripts, nil
}

func (s *PostgresStore) Begin(ctx context.Context, status *domain.ExecutionStatus) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return pgError("begin tx", err)
	}
	defer tx.Rollback(ctx)

	var current *uuid.UUID
	err = tx.QueryRow(ctx,
		`SELECT current_run_id FROM tenants WHERE id = $1 FOR UPDATE`,
		status.TenantID,
	).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("tenant %s: %w", status.TenantID, ErrNotFound)
	}
	if err != nil {
		return pgError("lock tenant", err)
	}

	if current != nil {
		var st, key string
		err = tx.QueryRow(ctx,
			`SELECT status, script_key FROM executions WHERE run_id = $1`,
			*current,
		).Scan(&st, &key)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return pgError("select current run", err)
		}
		if err == nil && domain.ParseStatus(st).IsActive() {
			return fmt.Errorf("tenant %s running %s: %w", status.TenantID, key, ErrConflict)
		}
	}

	errorsJSON, err := encodeEntries(status.Errors)
	if err != nil {
		return err
	}
	logsJSON, err := encodeEntries(status.Logs)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO executions (`+pgRunColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		status.RunID, status.TenantID, status.ScriptKey, status.ScriptName, string(status.Status),
		status.Message, status.ItemName, status.Progress, status.Current, status.Total,
		status.Successes, errorsJSON, logsJSON, status.StopRequested, status.Stopped,
		status.StartTime, status.EndTime, status.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("tenant %s: %w", status.TenantID, ErrConflict)
	}
	if err != nil {
		return pgError("insert run", err)
	}

	_, err = tx.Exec(ctx, `UPDATE tenants SET current_run_id = $2 WHERE id = $1`, status.TenantID, status.RunID)
	if err != nil {
		return pgError("update tenant", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return pgError("commit", err)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID uuid.UUID) (*domain.ExecutionStatus, error) {
	return scanPgRun(s.pool.QueryRow(ctx, `SELECT `+pgRunColumns+` FROM executions WHERE run_id = $1`, runID))
}

func (s *PostgresStore) Update(ctx context.Context, status *domain.ExecutionStatus) error {
	return s.write(ctx, status, false)
}

func (s *PostgresStore) Finish(ctx context.Context, status *domain.ExecutionStatus, markCompleted bool) error {
	return s.write(ctx, status, markCompleted)
}

// write обновляет активный запуск; stop_requested не трогается,
// журнал сливается с хранимым.
func (s *PostgresStore) write(ctx context.Context, status *domain.ExecutionStatus, markCompleted bool) error {
	errorsJSON, err := encodeEntries(status.Errors)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return pgError("begin tx", err)
	}
	defer tx.Rollback(ctx)

	// Блокировка строки упорядочивает запись с RequestStop; строки журнала,
	// дописанные после чтения запуска, сливаются с новыми.
	var storedLogs []byte
	err = tx.QueryRow(ctx, `SELECT logs FROM executions WHERE run_id = $1 FOR UPDATE`, status.RunID).Scan(&storedLogs)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("run %s: %w", status.RunID, ErrNotFound)
	}
	if err != nil {
		return pgError("select logs", err)
	}
	stored, err := decodeEntries(storedLogs)
	if err != nil {
		return err
	}
	logsJSON, err := encodeEntries(mergeLogs(stored, status.Logs))
	if err != nil {
		return err
	}

	result, err := tx.Exec(ctx, `
		UPDATE executions
		SET status = $2, message = $3, item_name = $4, progress = $5, current_count = $6,
		    total_count = $7, successes = $8, errors = $9, logs = $10, stopped = $11,
		    end_time = $12, updated_at = $13
		WHERE run_id = $1 AND status IN ('starting', 'running')`,
		status.RunID, string(status.Status), status.Message, status.ItemName, status.Progress,
		status.Current, status.Total, status.Successes, errorsJSON, logsJSON, status.Stopped,
		status.EndTime, status.UpdatedAt,
	)
	if err != nil {
		return pgError("update run", err)
	}
	if result.RowsAffected() == 0 {
		return s.writeRejected(ctx, tx, status.RunID)
	}

	if markCompleted {
		_, err = tx.Exec(ctx, `
			INSERT INTO script_checkpoints (tenant_id, script_key, completed, completed_at)
			VALUES ($1, $2, true, $3)
			ON CONFLICT (tenant_id, script_key)
			DO UPDATE SET completed = true, completed_at = EXCLUDED.completed_at`,
			status.TenantID, status.ScriptKey, status.UpdatedAt,
		)
		if err != nil {
			return pgError("mark checkpoint", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return pgError("commit", err)
	}
	return nil
}

// writeRejected различает неизвестный и уже завершённый запуск.
func (s *PostgresStore) writeRejected(ctx context.Context, tx pgx.Tx, runID uuid.UUID) error {
	var st string
	err := tx.QueryRow(ctx, `SELECT status FROM executions WHERE run_id = $1`, runID).Scan(&st)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return pgError("select run", err)
	}
	return fmt.Errorf("run %s is %s: %w", runID, st, ErrInvalidState)
}

func (s *PostgresStore) RequestStop(ctx context.Context, tenantID, scriptKey string) (bool, error) {
	entry, err := encodeEntries([]domain.Entry{{Message: StopLogMessage, Timestamp: time.Now()}})
	if err != nil {
		return false, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, pgError("begin tx", err)
	}
	defer tx.Rollback(ctx)

	var current *uuid.UUID
	err = tx.QueryRow(ctx, `SELECT current_run_id FROM tenants WHERE id = $1`, tenantID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("tenant %s: %w", tenantID, ErrNotFound)
	}
	if err != nil {
		return false, pgError("select tenant", err)
	}
	if current == nil {
		return false, nil
	}

	result, err := tx.Exec(ctx, `
		UPDATE executions
		SET stop_requested = true,
		    logs = CASE WHEN stop_requested THEN logs ELSE logs || $3::jsonb END
		WHERE run_id = $1
		  AND status IN ('starting', 'running')
		  AND ($2 = '' OR script_key = $2)`,
		*current, scriptKey, entry,
	)
	if err != nil {
		return false, pgError("request stop", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, pgError("commit", err)
	}
	return result.RowsAffected() > 0, nil
}

func (s *PostgresStore) StopRequested(ctx context.Context, runID uuid.UUID) (bool, error) {
	var requested bool
	err := s.pool.QueryRow(ctx, `SELECT stop_requested FROM executions WHERE run_id = $1`, runID).Scan(&requested)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return false, pgError("select stop flag", err)
	}
	return requested, nil
}

func (s *PostgresStore) ListActive(ctx context.Context, startedBefore time.Time) ([]*domain.ExecutionStatus, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+pgRunColumns+`
		FROM executions
		WHERE status IN ('starting', 'running') AND start_time < $1
		ORDER BY start_time ASC`,
		startedBefore,
	)
	if err != nil {
		return nil, pgError("list active runs", err)
	}
	return collectPgRuns(rows)
}

func (s *PostgresStore) ListRuns(ctx context.Context, tenantID string, limit int) ([]*domain.ExecutionStatus, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tenants WHERE id = $1)`, tenantID).Scan(&exists); err != nil {
		return nil, pgError("select tenant", err)
	}
	if !exists {
		return nil, fmt.Errorf("tenant %s: %w", tenantID, ErrNotFound)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+pgRunColumns+`
		FROM executions
		WHERE tenant_id = $1
		ORDER BY start_time DESC
		LIMIT $2`,
		tenantID, listLimit(limit),
	)
	if err != nil {
		return nil, pgError("list runs", err)
	}
	return collectPgRuns(rows)
}

func (s *PostgresStore) Reset(ctx context.Context, tenantID string, keys []string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return pgError("begin tx", err)
	}
	defer tx.Rollback(ctx)

	var current *uuid.UUID
	err = tx.QueryRow(ctx, `SELECT current_run_id FROM tenants WHERE id = $1 FOR UPDATE`, tenantID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("tenant %s: %w", tenantID, ErrNotFound)
	}
	if err != nil {
		return pgError("lock tenant", err)
	}

	if current != nil {
		var st string
		err = tx.QueryRow(ctx, `SELECT status FROM executions WHERE run_id = $1`, *current).Scan(&st)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return pgError("select current run", err)
		}
		if err == nil && domain.ParseStatus(st).IsActive() {
			return fmt.Errorf("tenant %s: %w", tenantID, ErrConflict)
		}
	}

	for _, key := range keys {
		_, err = tx.Exec(ctx, `
			INSERT INTO script_checkpoints (tenant_id, script_key, completed, completed_at)
			VALUES ($1, $2, false, NULL)
			ON CONFLICT (tenant_id, script_key)
			DO UPDATE SET completed = false, completed_at = NULL`,
			tenantID, key,
		)
		if err != nil {
			return pgError("reset checkpoint", err)
		}
	}

	if _, err := tx.Exec(ctx, `UPDATE tenants SET current_run_id = NULL WHERE id = $1`, tenantID); err != nil {
		return pgError("clear current run", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return pgError("commit", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// --- Helpers ---

func scanPgRun(row pgx.Row) (*domain.ExecutionStatus, error) {
	var run domain.ExecutionStatus
	var status string
	var errorsJSON, logsJSON []byte

	err := row.Scan(
		&run.RunID,
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
		&run.StartTime,
		&run.EndTime,
		&run.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, pgError("scan run", err)
	}

	run.Status = domain.ParseStatus(status)
	if run.Errors, err = decodeEntries(errorsJSON); err != nil {
		return nil, err
	}
	if run.Logs, err = decodeEntries(logsJSON); err != nil {
		return nil, err
	}
	return &run, nil
}

func collectPgRuns(rows pgx.Rows) ([]*domain.ExecutionStatus, error) {
	defer rows.Close()

	var runs []*domain.ExecutionStatus
	for rows.Next() {
		run, err := scanPgRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, pgError("iterate runs", err)
	}
	return runs, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// pgError оборачивает ошибку; сбои соединения классифицируются как ErrUnavailable.
func pgError(op string, err error) error {
	var pgErr *pgconn.PgError
	switch {
	case errors.As(err, &pgErr),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, err)
	case pgconn.SafeToRetry(err), pgconn.Timeout(err), isConnError(err):
		return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

func isConnError(err error) bool {
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
