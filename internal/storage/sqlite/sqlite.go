package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/slok/credforge/internal/log"
	"github.com/slok/credforge/internal/model"
	"github.com/slok/credforge/internal/storage/sqlite/migrations"
)

// RepositoryConfig is the configuration for the SQLite repository.
type RepositoryConfig struct {
	DBPath string
	Logger log.Logger
}

func (c *RepositoryConfig) defaults() error {
	if c.DBPath == "" {
		return fmt.Errorf("db path is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "storage.SQLite"})
	return nil
}

// Repository is a SQLite implementation of storage.Repository.
type Repository struct {
	db     *sql.DB
	logger log.Logger
}

// NewRepository creates a new SQLite repository.
func NewRepository(ctx context.Context, cfg RepositoryConfig) (*Repository, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	dir := filepath.Dir(cfg.DBPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("could not create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)", cfg.DBPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}

	if err := migrations.Up(db, cfg.Logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not run migrations: %w", err)
	}

	cfg.Logger.Debugf("SQLite repository initialized at %s", cfg.DBPath)

	return &Repository{db: db, logger: cfg.Logger}, nil
}

// Close closes the database connection.
func (r *Repository) Close() error { return r.db.Close() }

// CreateVerificationRecord creates a new verification record.
func (r *Repository) CreateVerificationRecord(ctx context.Context, v model.VerificationRecord) error {
	var completedAt *int64
	if v.CompletedAt != nil {
		u := v.CompletedAt.Unix()
		completedAt = &u
	}

	query := `
		INSERT INTO verification_records (
			id, primary_email, approver_email, challenge_kind, status,
			started_at, completed_at, success, error_detail
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(
		ctx,
		query,
		v.ID,
		v.PrimaryEmail,
		v.ApproverEmail,
		v.ChallengeKind,
		v.Status,
		v.StartedAt.Unix(),
		completedAt,
		boolToInt(v.Success),
		v.ErrorDetail,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: verification_records.") {
			return fmt.Errorf("verification record already exists: %w", model.ErrAlreadyExists)
		}
		return fmt.Errorf("could not insert verification record: %w", err)
	}

	r.logger.Debugf("Created verification record in repository: %s", v.ID)
	return nil
}

// UpdateVerificationRecord updates an existing verification record.
func (r *Repository) UpdateVerificationRecord(ctx context.Context, v model.VerificationRecord) error {
	var completedAt *int64
	if v.CompletedAt != nil {
		u := v.CompletedAt.Unix()
		completedAt = &u
	}

	query := `
		UPDATE verification_records
		SET status = ?, completed_at = ?, success = ?, error_detail = ?
		WHERE id = ?
	`

	res, err := r.db.ExecContext(ctx, query, v.Status, completedAt, boolToInt(v.Success), v.ErrorDetail, v.ID)
	if err != nil {
		return fmt.Errorf("could not update verification record: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("could not get affected rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("verification record %s: %w", v.ID, model.ErrNotFound)
	}

	return nil
}

// GetVerificationRecord retrieves a verification record by ID.
func (r *Repository) GetVerificationRecord(ctx context.Context, id string) (*model.VerificationRecord, error) {
	query := `
		SELECT id, primary_email, approver_email, challenge_kind, status,
		       started_at, completed_at, success, error_detail
		FROM verification_records
		WHERE id = ?
	`

	v, err := scanVerificationRecord(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("verification record %s: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("could not get verification record: %w", err)
	}

	return v, nil
}

// ListVerificationRecords returns all verification records ordered by start
// time.
func (r *Repository) ListVerificationRecords(ctx context.Context) ([]model.VerificationRecord, error) {
	query := `
		SELECT id, primary_email, approver_email, challenge_kind, status,
		       started_at, completed_at, success, error_detail
		FROM verification_records
		ORDER BY started_at
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("could not list verification records: %w", err)
	}
	defer rows.Close()

	var records []model.VerificationRecord
	for rows.Next() {
		v, err := scanVerificationRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("could not scan verification record: %w", err)
		}
		records = append(records, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("could not iterate verification records: %w", err)
	}

	return records, nil
}

// CreateRunReport creates a run report with all its entries in a single
// transaction.
func (r *Repository) CreateRunReport(ctx context.Context, report model.RunReport) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO run_reports (id, started_at, finished_at) VALUES (?, ?, ?)`,
		report.ID, report.StartedAt.Unix(), report.FinishedAt.Unix(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: run_reports.") {
			return fmt.Errorf("run report already exists: %w", model.ErrAlreadyExists)
		}
		return fmt.Errorf("could not insert run report: %w", err)
	}

	for i, e := range report.Entries {
		trace, err := json.Marshal(e.StepTrace)
		if err != nil {
			return fmt.Errorf("could not serialize step trace: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO run_report_entries (
				run_id, seq, account_email, status, reason, error_detail,
				credential_path, started_at, finished_at, step_trace
			)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			report.ID, i, e.AccountEmail, e.Status, e.Reason, e.ErrorDetail,
			e.CredentialPath, e.StartedAt.Unix(), e.FinishedAt.Unix(), string(trace),
		)
		if err != nil {
			return fmt.Errorf("could not insert run report entry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("could not commit run report: %w", err)
	}

	r.logger.Debugf("Created run report in repository: %s (%d entries)", report.ID, len(report.Entries))
	return nil
}

// GetRunReport retrieves a run report with its entries by ID.
func (r *Repository) GetRunReport(ctx context.Context, id string) (*model.RunReport, error) {
	var report model.RunReport
	var startedAt, finishedAt int64

	err := r.db.QueryRowContext(ctx,
		`SELECT id, started_at, finished_at FROM run_reports WHERE id = ?`, id,
	).Scan(&report.ID, &startedAt, &finishedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("run report %s: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("could not get run report: %w", err)
	}

	report.StartedAt = time.Unix(startedAt, 0).UTC()
	report.FinishedAt = time.Unix(finishedAt, 0).UTC()

	entries, err := r.listRunReportEntries(ctx, id)
	if err != nil {
		return nil, err
	}
	report.Entries = entries

	return &report, nil
}

// ListRunReports returns all run reports (entries included) ordered by start
// time.
func (r *Repository) ListRunReports(ctx context.Context) ([]model.RunReport, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, started_at, finished_at FROM run_reports ORDER BY started_at`)
	if err != nil {
		return nil, fmt.Errorf("could not list run reports: %w", err)
	}
	defer rows.Close()

	var reports []model.RunReport
	for rows.Next() {
		var report model.RunReport
		var startedAt, finishedAt int64
		if err := rows.Scan(&report.ID, &startedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("could not scan run report: %w", err)
		}
		report.StartedAt = time.Unix(startedAt, 0).UTC()
		report.FinishedAt = time.Unix(finishedAt, 0).UTC()
		reports = append(reports, report)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("could not iterate run reports: %w", err)
	}

	for i := range reports {
		entries, err := r.listRunReportEntries(ctx, reports[i].ID)
		if err != nil {
			return nil, err
		}
		reports[i].Entries = entries
	}

	return reports, nil
}

func (r *Repository) listRunReportEntries(ctx context.Context, runID string) ([]model.RunReportEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT account_email, status, reason, error_detail, credential_path,
		       started_at, finished_at, step_trace
		FROM run_report_entries
		WHERE run_id = ?
		ORDER BY seq
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("could not list run report entries: %w", err)
	}
	defer rows.Close()

	var entries []model.RunReportEntry
	for rows.Next() {
		var e model.RunReportEntry
		var startedAt, finishedAt int64
		var trace string

		err := rows.Scan(&e.AccountEmail, &e.Status, &e.Reason, &e.ErrorDetail,
			&e.CredentialPath, &startedAt, &finishedAt, &trace)
		if err != nil {
			return nil, fmt.Errorf("could not scan run report entry: %w", err)
		}

		e.RunID = runID
		e.StartedAt = time.Unix(startedAt, 0).UTC()
		e.FinishedAt = time.Unix(finishedAt, 0).UTC()
		if err := json.Unmarshal([]byte(trace), &e.StepTrace); err != nil {
			return nil, fmt.Errorf("could not deserialize step trace: %w", err)
		}

		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("could not iterate run report entries: %w", err)
	}

	return entries, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVerificationRecord(row rowScanner) (*model.VerificationRecord, error) {
	var v model.VerificationRecord
	var startedAt int64
	var completedAt *int64
	var success int

	err := row.Scan(&v.ID, &v.PrimaryEmail, &v.ApproverEmail, &v.ChallengeKind,
		&v.Status, &startedAt, &completedAt, &success, &v.ErrorDetail)
	if err != nil {
		return nil, err
	}

	v.StartedAt = time.Unix(startedAt, 0).UTC()
	if completedAt != nil {
		t := time.Unix(*completedAt, 0).UTC()
		v.CompletedAt = &t
	}
	v.Success = success != 0

	return &v, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
