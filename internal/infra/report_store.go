package infra

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	sqlcipher "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/eliteGoblin/focusd/crash_mon/internal/domain"
)

const (
	reportDBName = "reports.db"
)

// SQLCipherReportStore implements domain.ReportStore using a SQLCipher
// encrypted SQLite database. Each report is one row; its partition is the
// state column, so moving between partitions is a single UPDATE.
type SQLCipherReportStore struct {
	db     *sql.DB
	dbPath string
}

// NewReportStore opens (or creates) the encrypted report database.
// The key is used as the SQLCipher passphrase via PRAGMA key.
func NewReportStore(dataDir string, key []byte) (*SQLCipherReportStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("%w: failed to create data directory: %v", domain.ErrStoreIO, err)
	}

	dbPath := filepath.Join(dataDir, reportDBName)
	keyHex := hex.EncodeToString(key)

	// The capturing and sending processes share the file: WAL plus a busy
	// timeout lets them interleave, immediate transactions avoid lock upgrades.
	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096&_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate",
		dbPath, keyHex)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open encrypted database: %v", domain.ErrStoreIO, err)
	}
	db.SetMaxOpenConns(1)

	// Verify the key by touching the schema
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: failed to connect to encrypted database: %v", domain.ErrStoreIO, err)
	}

	s := &SQLCipherReportStore{db: db, dbPath: dbPath}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: failed to create tables: %v", domain.ErrStoreIO, err)
	}
	return s, nil
}

// createTables creates the schema if it doesn't exist.
func (s *SQLCipherReportStore) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS reports (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		captured_at INTEGER NOT NULL,
		app_version TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		payload BLOB
	);

	CREATE INDEX IF NOT EXISTS idx_reports_state ON reports (state, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Path returns the database file path.
func (s *SQLCipherReportStore) Path() string {
	return s.dbPath
}

// Enqueue persists a new report. ID and CapturedAt are filled when empty.
// A report whose ID already exists yields domain.ErrDuplicate.
func (s *SQLCipherReportStore) Enqueue(ctx context.Context, r *domain.Report) error {
	if r == nil {
		return domain.ErrNullArgument
	}
	if !r.State.Valid() {
		return fmt.Errorf("%w: unknown state %q", domain.ErrInvalidTransition, r.State)
	}
	if r.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate report id: %w", err)
		}
		r.ID = id.String()
	}
	if r.CapturedAt.IsZero() {
		r.CapturedAt = time.Now()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO reports (id, captured_at, app_version, state, attempts, last_error, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.CapturedAt.UnixNano(), r.AppVersion, string(r.State), r.Attempts, r.LastError, r.Payload,
	)
	if err != nil {
		if isConstraintError(err) {
			return fmt.Errorf("%w: %s", domain.ErrDuplicate, r.ID)
		}
		return fmt.Errorf("%w: failed to insert report: %v", domain.ErrStoreIO, err)
	}
	if seq, err := res.LastInsertId(); err == nil {
		r.Seq = seq
	}
	return nil
}

// Transition moves a report to another partition if the transition table
// allows it. The state check and the update share one transaction.
func (s *SQLCipherReportStore) Transition(ctx context.Context, id string, to domain.ApprovalState) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %v", domain.ErrStoreIO, err)
	}
	defer tx.Rollback()

	var from string
	err = tx.QueryRowContext(ctx, `SELECT state FROM reports WHERE id = ?`, id).Scan(&from)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("%w: failed to read report state: %v", domain.ErrStoreIO, err)
	}

	if err := domain.CheckTransition(domain.ApprovalState(from), to); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `UPDATE reports SET state = ? WHERE id = ?`, string(to), id); err != nil {
		return fmt.Errorf("%w: failed to update report state: %v", domain.ErrStoreIO, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: failed to commit transition: %v", domain.ErrStoreIO, err)
	}
	return nil
}

// List returns a snapshot of one partition in insertion order.
func (s *SQLCipherReportStore) List(ctx context.Context, state domain.ApprovalState) (*domain.Cursor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, captured_at, app_version, state, attempts, last_error, payload
		FROM reports WHERE state = ? ORDER BY seq`, string(state))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list reports: %v", domain.ErrStoreIO, err)
	}
	defer rows.Close()

	var reports []domain.Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to scan report: %v", domain.ErrStoreIO, err)
		}
		reports = append(reports, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: failed to list reports: %v", domain.ErrStoreIO, err)
	}
	return domain.NewCursor(reports), nil
}

// Get returns a single report by id.
func (s *SQLCipherReportStore) Get(ctx context.Context, id string) (*domain.Report, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT seq, id, captured_at, app_version, state, attempts, last_error, payload
		FROM reports WHERE id = ?`, id)
	r, err := scanReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read report: %v", domain.ErrStoreIO, err)
	}
	return r, nil
}

// Delete removes a report from whichever partition holds it.
func (s *SQLCipherReportStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM reports WHERE id = ?`, id); err != nil {
		return fmt.Errorf("%w: failed to delete report: %v", domain.ErrStoreIO, err)
	}
	return nil
}

// RecordAttempt increments the attempt counter and stores lastErr.
// Returns the new count.
func (s *SQLCipherReportStore) RecordAttempt(ctx context.Context, id string, lastErr string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to begin transaction: %v", domain.ErrStoreIO, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE reports SET attempts = attempts + 1, last_error = ? WHERE id = ?`, lastErr, id)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to record attempt: %v", domain.ErrStoreIO, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}

	var attempts int
	if err := tx.QueryRowContext(ctx, `SELECT attempts FROM reports WHERE id = ?`, id).Scan(&attempts); err != nil {
		return 0, fmt.Errorf("%w: failed to read attempts: %v", domain.ErrStoreIO, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: failed to commit attempt: %v", domain.ErrStoreIO, err)
	}
	return attempts, nil
}

// Count returns the number of reports in a partition.
func (s *SQLCipherReportStore) Count(ctx context.Context, state domain.ApprovalState) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM reports WHERE state = ?`, string(state)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to count reports: %v", domain.ErrStoreIO, err)
	}
	return n, nil
}

// Close releases the database connection.
func (s *SQLCipherReportStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReport(row rowScanner) (*domain.Report, error) {
	var (
		r          domain.Report
		capturedAt int64
		state      string
	)
	if err := row.Scan(&r.Seq, &r.ID, &capturedAt, &r.AppVersion, &state, &r.Attempts, &r.LastError, &r.Payload); err != nil {
		return nil, err
	}
	r.CapturedAt = time.Unix(0, capturedAt)
	r.State = domain.ApprovalState(state)
	return &r, nil
}

func isConstraintError(err error) bool {
	var sqlErr sqlcipher.Error
	if errors.As(err, &sqlErr) {
		return sqlErr.Code == sqlcipher.ErrConstraint
	}
	return false
}

// Ensure SQLCipherReportStore implements domain.ReportStore.
var _ domain.ReportStore = (*SQLCipherReportStore)(nil)
