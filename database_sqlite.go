package dunlite

import (
	"context"
	dbSQL "database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/davidroman0O/comfylite3"
)

var ErrDatabaseOpen = errors.New("failed to open sqlite database")

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS recovery_records (
	id TEXT PRIMARY KEY,
	merchant_id TEXT NOT NULL,
	payment_id TEXT NOT NULL,
	attempt_id TEXT NOT NULL,
	profile_id TEXT NOT NULL,
	billing_account_id TEXT NOT NULL DEFAULT '',
	connector TEXT NOT NULL,
	payment_method TEXT NOT NULL,
	currency TEXT NOT NULL,
	algorithm TEXT NOT NULL,
	base_delay_ns INTEGER NOT NULL,
	max_delay_ns INTEGER NOT NULL,
	min_delay_floor_ns INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL,
	retry_cost INTEGER NOT NULL,
	total_budget INTEGER NOT NULL,
	remaining_budget INTEGER NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	last_debit_retry_count INTEGER NOT NULL DEFAULT -1,
	status TEXT NOT NULL,
	next_retry_at INTEGER,
	last_error_code TEXT NOT NULL DEFAULT '',
	last_error_message TEXT NOT NULL DEFAULT '',
	version INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_recovery_merchant_created ON recovery_records (merchant_id, created_at, id);
CREATE INDEX IF NOT EXISTS idx_recovery_due ON recovery_records (status, next_retry_at);

CREATE TABLE IF NOT EXISTS success_rate_windows (
	profile_id TEXT NOT NULL,
	connector TEXT NOT NULL,
	payment_method TEXT NOT NULL,
	currency TEXT NOT NULL,
	window_start INTEGER NOT NULL,
	window_end INTEGER NOT NULL,
	success_count INTEGER NOT NULL DEFAULT 0,
	failure_count INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (profile_id, connector, payment_method, currency, window_start)
);

CREATE TABLE IF NOT EXISTS budget_debits (
	recovery_id TEXT NOT NULL,
	retry_count INTEGER NOT NULL,
	cost INTEGER NOT NULL,
	debited_at INTEGER NOT NULL,
	PRIMARY KEY (recovery_id, retry_count)
);

CREATE TABLE IF NOT EXISTS backfill_runs (
	id TEXT PRIMARY KEY,
	merchant_id TEXT NOT NULL,
	cutoff INTEGER NOT NULL,
	status TEXT NOT NULL,
	processed INTEGER NOT NULL DEFAULT 0,
	corrected INTEGER NOT NULL DEFAULT 0,
	failed INTEGER NOT NULL DEFAULT 0,
	failures TEXT NOT NULL DEFAULT '[]',
	cursor TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// SqliteDatabase is the durable Database over comfylite3, which serializes
// sqlite writes so concurrent recoveries never hit "database is locked".
type SqliteDatabase struct {
	comfy *comfylite3.ComfyDB
	db    *dbSQL.DB
}

// NewSqliteDatabase opens (or creates) the store at path. An empty path
// means an in-memory sqlite instance.
func NewSqliteDatabase(ctx context.Context, path string) (*SqliteDatabase, error) {
	optsComfy := []comfylite3.ComfyOption{
		comfylite3.WithRetryAttempts(3),
	}
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Join(ErrDatabaseOpen, err)
		}
		optsComfy = append(optsComfy, comfylite3.WithPath(path))
	} else {
		optsComfy = append(optsComfy, comfylite3.WithMemory())
	}

	comfy, err := comfylite3.New(optsComfy...)
	if err != nil {
		return nil, errors.Join(ErrDatabaseOpen, err)
	}

	db := comfylite3.OpenDB(
		comfy,
		comfylite3.WithOption("_fk=1"),
		comfylite3.WithOption("cache=shared"),
		comfylite3.WithOption("mode=rwc"),
		comfylite3.WithForeignKeys(),
	)

	s := &SqliteDatabase{comfy: comfy, db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, errors.Join(ErrDatabaseOpen, err)
	}
	return s, nil
}

func (s *SqliteDatabase) migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(sqliteSchema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %q: %w", stmt[:min(40, len(stmt))], err)
		}
	}
	return nil
}

func (s *SqliteDatabase) AddRecoveryRecord(ctx context.Context, rec *RecoveryRecord) error {
	now := time.Now().UTC()
	rec.Version = 1
	rec.CreatedAt = now
	rec.UpdatedAt = now

	var nextRetry *int64
	if rec.NextRetryAt != nil {
		v := rec.NextRetryAt.UnixNano()
		nextRetry = &v
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO recovery_records (
			id, merchant_id, payment_id, attempt_id, profile_id, billing_account_id,
			connector, payment_method, currency,
			algorithm, base_delay_ns, max_delay_ns, min_delay_floor_ns, max_retries, retry_cost,
			total_budget, remaining_budget, retry_count, last_debit_retry_count,
			status, next_retry_at, last_error_code, last_error_message,
			version, created_at, updated_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		string(rec.ID), rec.MerchantID, rec.PaymentID, rec.AttemptID, rec.ProfileID, rec.BillingAccountID,
		rec.Connector, rec.PaymentMethod, rec.Currency,
		string(rec.Policy.AlgorithmType), int64(rec.Policy.BaseDelay), int64(rec.Policy.MaxDelay),
		int64(rec.Policy.MinDelayFloor), rec.Policy.MaxRetries, rec.Policy.RetryCost,
		rec.TotalBudget, rec.RemainingBudget, rec.RetryCount, rec.LastDebitRetryCount,
		string(rec.Status), nextRetry, rec.LastErrorCode, rec.LastErrorMessage,
		rec.Version, rec.CreatedAt.UnixNano(), rec.UpdatedAt.UnixNano(),
	)
	return err
}

const recoveryColumns = `
	id, merchant_id, payment_id, attempt_id, profile_id, billing_account_id,
	connector, payment_method, currency,
	algorithm, base_delay_ns, max_delay_ns, min_delay_floor_ns, max_retries, retry_cost,
	total_budget, remaining_budget, retry_count, last_debit_retry_count,
	status, next_retry_at, last_error_code, last_error_message,
	version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecoveryRecord(row rowScanner) (*RecoveryRecord, error) {
	var rec RecoveryRecord
	var id, status, algorithm string
	var baseDelay, maxDelay, minFloor, createdAt, updatedAt int64
	var nextRetry dbSQL.NullInt64

	err := row.Scan(
		&id, &rec.MerchantID, &rec.PaymentID, &rec.AttemptID, &rec.ProfileID, &rec.BillingAccountID,
		&rec.Connector, &rec.PaymentMethod, &rec.Currency,
		&algorithm, &baseDelay, &maxDelay, &minFloor, &rec.Policy.MaxRetries, &rec.Policy.RetryCost,
		&rec.TotalBudget, &rec.RemainingBudget, &rec.RetryCount, &rec.LastDebitRetryCount,
		&status, &nextRetry, &rec.LastErrorCode, &rec.LastErrorMessage,
		&rec.Version, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.ID = RecoveryID(id)
	rec.Status = RecoveryStatus(status)
	rec.Policy.AlgorithmType = AlgorithmType(algorithm)
	rec.Policy.BaseDelay = time.Duration(baseDelay)
	rec.Policy.MaxDelay = time.Duration(maxDelay)
	rec.Policy.MinDelayFloor = time.Duration(minFloor)
	rec.Policy.TotalBudget = rec.TotalBudget
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	rec.UpdatedAt = time.Unix(0, updatedAt).UTC()
	if nextRetry.Valid {
		t := time.Unix(0, nextRetry.Int64).UTC()
		rec.NextRetryAt = &t
	}
	return &rec, nil
}

func (s *SqliteDatabase) GetRecoveryRecord(ctx context.Context, id RecoveryID) (*RecoveryRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recoveryColumns+` FROM recovery_records WHERE id = ?`, string(id))
	rec, err := scanRecoveryRecord(row)
	if errors.Is(err, dbSQL.ErrNoRows) {
		return nil, ErrRecoveryNotFound
	}
	return rec, err
}

func (s *SqliteDatabase) UpdateRecoveryRecord(ctx context.Context, rec *RecoveryRecord) error {
	updatedAt := time.Now().UTC()

	var nextRetry *int64
	if rec.NextRetryAt != nil {
		v := rec.NextRetryAt.UnixNano()
		nextRetry = &v
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE recovery_records SET
			remaining_budget = ?, retry_count = ?, last_debit_retry_count = ?,
			status = ?, next_retry_at = ?, last_error_code = ?, last_error_message = ?,
			version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		rec.RemainingBudget, rec.RetryCount, rec.LastDebitRetryCount,
		string(rec.Status), nextRetry, rec.LastErrorCode, rec.LastErrorMessage,
		updatedAt.UnixNano(),
		string(rec.ID), rec.Version,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM recovery_records WHERE id = ?`, string(rec.ID)).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return ErrRecoveryNotFound
		}
		return ErrVersionConflict
	}
	rec.Version++
	rec.UpdatedAt = updatedAt
	return nil
}

func (s *SqliteDatabase) ListRecoveryRecords(ctx context.Context, merchantID string, statuses []RecoveryStatus, limit int) ([]*RecoveryRecord, error) {
	query := `SELECT ` + recoveryColumns + ` FROM recovery_records WHERE 1=1`
	args := []any{}
	if merchantID != "" {
		query += ` AND merchant_id = ?`
		args = append(args, merchantID)
	}
	if len(statuses) > 0 {
		query += ` AND status IN (?` + strings.Repeat(",?", len(statuses)-1) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at ASC, id ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryRecords(ctx, query, args...)
}

func (s *SqliteDatabase) ListRecoveryRecordsBefore(ctx context.Context, merchantID string, cutoff time.Time, afterID RecoveryID, limit int) ([]*RecoveryRecord, error) {
	query := `SELECT ` + recoveryColumns + ` FROM recovery_records WHERE merchant_id = ? AND created_at < ?`
	args := []any{merchantID, cutoff.UnixNano()}
	if afterID != NoRecoveryID {
		query += ` AND (created_at, id) > (SELECT created_at, id FROM recovery_records WHERE id = ?)`
		args = append(args, string(afterID))
	}
	query += ` ORDER BY created_at ASC, id ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryRecords(ctx, query, args...)
}

func (s *SqliteDatabase) ListDueRecoveryRecords(ctx context.Context, now time.Time) ([]*RecoveryRecord, error) {
	return s.queryRecords(ctx,
		`SELECT `+recoveryColumns+` FROM recovery_records
		 WHERE status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?
		 ORDER BY next_retry_at ASC`,
		string(StatusAwaitingRetry), now.UnixNano())
}

func (s *SqliteDatabase) queryRecords(ctx context.Context, query string, args ...any) ([]*RecoveryRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*RecoveryRecord{}
	for rows.Next() {
		rec, err := scanRecoveryRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SqliteDatabase) IncrementWindow(ctx context.Context, key WindowKey, windowStart, windowEnd time.Time, outcome Outcome) error {
	var successInc, failureInc int64
	if outcome == OutcomeSuccess {
		successInc = 1
	} else {
		failureInc = 1
	}
	// upsert-with-increment: lazy bucket creation stays idempotent under
	// concurrent first-writers
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO success_rate_windows (
			profile_id, connector, payment_method, currency,
			window_start, window_end, success_count, failure_count
		) VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT(profile_id, connector, payment_method, currency, window_start)
		DO UPDATE SET
			success_count = success_count + excluded.success_count,
			failure_count = failure_count + excluded.failure_count`,
		key.ProfileID, key.Connector, key.PaymentMethod, key.Currency,
		windowStart.UnixNano(), windowEnd.UnixNano(), successInc, failureInc,
	)
	return err
}

func (s *SqliteDatabase) QueryWindows(ctx context.Context, key WindowKey, start, end time.Time) ([]SuccessRateWindow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT window_start, window_end, success_count, failure_count
		FROM success_rate_windows
		WHERE profile_id = ? AND connector = ? AND payment_method = ? AND currency = ?
		  AND window_end > ? AND window_start < ?
		ORDER BY window_start ASC`,
		key.ProfileID, key.Connector, key.PaymentMethod, key.Currency,
		start.UnixNano(), end.UnixNano(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []SuccessRateWindow{}
	for rows.Next() {
		var ws, we int64
		w := SuccessRateWindow{Key: key}
		if err := rows.Scan(&ws, &we, &w.SuccessCount, &w.FailureCount); err != nil {
			return nil, err
		}
		w.WindowStart = time.Unix(0, ws).UTC()
		w.WindowEnd = time.Unix(0, we).UTC()
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *SqliteDatabase) AddBudgetDebit(ctx context.Context, id RecoveryID, attempt int, cost int64, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO budget_debits (recovery_id, retry_count, cost, debited_at)
		VALUES (?,?,?,?)`,
		string(id), attempt, cost, at.UnixNano(),
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *SqliteDatabase) AddBackfillRun(ctx context.Context, run *BackfillRun) error {
	now := time.Now().UTC()
	run.CreatedAt = now
	run.UpdatedAt = now

	failures, err := json.Marshal(run.Failures)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO backfill_runs (id, merchant_id, cutoff, status, processed, corrected, failed, failures, cursor, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		string(run.ID), run.MerchantID, run.Cutoff.UnixNano(), string(run.Status),
		run.Processed, run.Corrected, run.Failed, string(failures), string(run.Cursor),
		run.CreatedAt.UnixNano(), run.UpdatedAt.UnixNano(),
	)
	return err
}

func (s *SqliteDatabase) GetBackfillRun(ctx context.Context, id BackfillID) (*BackfillRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, merchant_id, cutoff, status, processed, corrected, failed, failures, cursor, created_at, updated_at
		FROM backfill_runs WHERE id = ?`, string(id))

	var run BackfillRun
	var runID, status, failures, cursor string
	var cutoff, createdAt, updatedAt int64
	err := row.Scan(&runID, &run.MerchantID, &cutoff, &status,
		&run.Processed, &run.Corrected, &run.Failed, &failures, &cursor, &createdAt, &updatedAt)
	if errors.Is(err, dbSQL.ErrNoRows) {
		return nil, ErrBackfillNotFound
	}
	if err != nil {
		return nil, err
	}
	run.ID = BackfillID(runID)
	run.Status = BackfillStatus(status)
	run.Cutoff = time.Unix(0, cutoff).UTC()
	run.Cursor = RecoveryID(cursor)
	run.CreatedAt = time.Unix(0, createdAt).UTC()
	run.UpdatedAt = time.Unix(0, updatedAt).UTC()
	if err := json.Unmarshal([]byte(failures), &run.Failures); err != nil {
		return nil, err
	}
	return &run, nil
}

func (s *SqliteDatabase) UpdateBackfillRun(ctx context.Context, run *BackfillRun) error {
	run.UpdatedAt = time.Now().UTC()
	failures, err := json.Marshal(run.Failures)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE backfill_runs SET status = ?, processed = ?, corrected = ?, failed = ?, failures = ?, cursor = ?, updated_at = ?
		WHERE id = ?`,
		string(run.Status), run.Processed, run.Corrected, run.Failed, string(failures),
		string(run.Cursor), run.UpdatedAt.UnixNano(), string(run.ID),
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrBackfillNotFound
	}
	return nil
}

func (s *SqliteDatabase) Close() error {
	if err := s.db.Close(); err != nil {
		return err
	}
	return s.comfy.Close()
}
