package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cargodesk/intake-be/internal/domain"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// batched IN(...) lookups stay well below SQLite's parameter ceiling.
const lookupBatchSize = 500

// SQLiteStore is the durable implementation of the job and entity stores.
// Jobs double as the work queue: a queued row is a pending job, claimed by
// flipping its status to running.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and applies the
// schema. An empty path selects a shared in-memory database, which tests
// rely on.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	var dsn string
	if path == "" {
		dsn = "file::memory:?cache=shared&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		// Apply PRAGMA's per-connection via DSN so the pool always has them.
		dsn = fmt.Sprintf(
			"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)",
			path,
		)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("exec schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- JobStore ---

func (s *SQLiteStore) CreateJob(ctx context.Context, job *domain.ImportJob, payload []domain.CandidateRecord) error {
	failedJSON, err := json.Marshal(job.FailedRecords)
	if err != nil {
		return fmt.Errorf("marshal failed records: %w", err)
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	now := time.Now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO import_jobs
			(id, owner_id, kind, status, total_records, created_count, failed_count,
			 chunks_done, cancel_requested, error, failed_records, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, '', ?, ?, ?, ?)`,
		job.ID, job.OwnerID, string(job.Kind), string(job.Status), job.TotalRecords,
		job.CreatedCount, job.FailedCount, job.ChunksDone,
		string(failedJSON), string(payloadJSON), now.UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert import job: %w", err)
	}

	job.CreatedAt = now
	job.UpdatedAt = now
	return nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*domain.ImportJob, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, kind, status, total_records, created_count, failed_count,
		       chunks_done, cancel_requested, error, failed_records, created_at, updated_at
		FROM import_jobs WHERE id = ?`, jobID)
	return scanJob(row)
}

func (s *SQLiteStore) JobPayload(ctx context.Context, jobID string) ([]domain.CandidateRecord, error) {
	var payloadJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM import_jobs WHERE id = ?`, jobID).Scan(&payloadJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query job payload: %w", err)
	}

	var payload []domain.CandidateRecord
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
		return nil, fmt.Errorf("unmarshal job payload: %w", err)
	}
	return payload, nil
}

func (s *SQLiteStore) ClaimNextJob(ctx context.Context) (*domain.ImportJob, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback()

	var jobID string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM import_jobs
		WHERE status = ?
		ORDER BY created_at, id
		LIMIT 1`, string(domain.JobStatusQueued)).Scan(&jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select next queued job: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE import_jobs SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(domain.JobStatusRunning), time.Now().UnixNano(),
		jobID, string(domain.JobStatusQueued),
	)
	if err != nil {
		return nil, fmt.Errorf("claim job %s: %w", jobID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		// Lost the race to another worker.
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}

	return s.GetJob(ctx, jobID)
}

func (s *SQLiteStore) UpdateJobProgress(ctx context.Context, jobID string, progress domain.JobProgress) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin progress tx: %w", err)
	}
	defer tx.Rollback()

	var failedJSON string
	err = tx.QueryRowContext(ctx,
		`SELECT failed_records FROM import_jobs WHERE id = ?`, jobID).Scan(&failedJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("query failed records: %w", err)
	}

	var failed []domain.FailedRecord
	if err := json.Unmarshal([]byte(failedJSON), &failed); err != nil {
		return fmt.Errorf("unmarshal failed records: %w", err)
	}
	failed = append(failed, progress.NewFailures...)
	merged, err := json.Marshal(failed)
	if err != nil {
		return fmt.Errorf("marshal failed records: %w", err)
	}

	// MAX() keeps counters monotonic even if an update is replayed.
	_, err = tx.ExecContext(ctx, `
		UPDATE import_jobs SET
			created_count = MAX(created_count, ?),
			failed_count  = MAX(failed_count, ?),
			chunks_done   = MAX(chunks_done, ?),
			failed_records = ?,
			updated_at = ?
		WHERE id = ?`,
		progress.CreatedCount, progress.FailedCount, progress.ChunksDone,
		string(merged), time.Now().UnixNano(), jobID,
	)
	if err != nil {
		return fmt.Errorf("update job progress: %w", err)
	}

	return tx.Commit()
}

func (s *SQLiteStore) CompleteJob(ctx context.Context, jobID string) error {
	return s.finishJob(ctx, jobID, domain.JobStatusComplete, "")
}

func (s *SQLiteStore) FailJob(ctx context.Context, jobID string, reason string) error {
	return s.finishJob(ctx, jobID, domain.JobStatusFailed, reason)
}

func (s *SQLiteStore) finishJob(ctx context.Context, jobID string, status domain.JobStatus, reason string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE import_jobs SET status = ?, error = ?, updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?)`,
		string(status), reason, time.Now().UnixNano(), jobID,
		string(domain.JobStatusComplete), string(domain.JobStatusFailed),
	)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}

	if n, _ := result.RowsAffected(); n == 0 {
		if _, err := s.GetJob(ctx, jobID); err != nil {
			return err
		}
		return domain.ErrJobTerminal
	}
	return nil
}

func (s *SQLiteStore) RequestCancel(ctx context.Context, jobID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE import_jobs SET cancel_requested = 1, updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?)`,
		time.Now().UnixNano(), jobID,
		string(domain.JobStatusComplete), string(domain.JobStatusFailed),
	)
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}

	if n, _ := result.RowsAffected(); n == 0 {
		if _, err := s.GetJob(ctx, jobID); err != nil {
			return err
		}
		return domain.ErrJobTerminal
	}
	return nil
}

func (s *SQLiteStore) PruneJobs(ctx context.Context, kind domain.Kind, cutoff time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM import_jobs
		WHERE kind = ? AND status IN (?, ?) AND updated_at < ?`,
		string(kind),
		string(domain.JobStatusComplete), string(domain.JobStatusFailed),
		cutoff.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("prune jobs: %w", err)
	}

	n, err := result.RowsAffected()
	return int(n), err
}

// --- EntityStore ---

type kindTable struct {
	table     string
	keyColumn string
	columns   []string
}

var kindTables = map[domain.Kind]kindTable{
	domain.KindCustomers: {
		table:     "customers",
		keyColumn: "phone",
		columns:   []string{"name", "phone", "email", "address"},
	},
	domain.KindLineItems: {
		table:     "line_items",
		keyColumn: "tracking_code",
		columns:   []string{"tracking_code", "description", "quantity", "weight_kg"},
	},
	domain.KindReceipts: {
		table:     "warehouse_receipts",
		keyColumn: "receipt_no",
		columns:   []string{"receipt_no", "warehouse", "packages", "shipping_mark"},
	},
}

func tableFor(kind domain.Kind) (kindTable, error) {
	kt, ok := kindTables[kind]
	if !ok {
		return kindTable{}, fmt.Errorf("%w: %s", domain.ErrUnsupportedKind, kind)
	}
	return kt, nil
}

func (s *SQLiteStore) ExistingNaturalKeys(ctx context.Context, kind domain.Kind, keys []string) (map[string]bool, error) {
	kt, err := tableFor(kind)
	if err != nil {
		return nil, err
	}

	found := make(map[string]bool, len(keys))
	for start := 0; start < len(keys); start += lookupBatchSize {
		end := start + lookupBatchSize
		if end > len(keys) {
			end = len(keys)
		}
		batch := keys[start:end]

		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(batch)), ",")
		args := make([]any, len(batch))
		for i, key := range batch {
			args[i] = key
		}

		query := fmt.Sprintf("SELECT %s FROM %s WHERE %s IN (%s)",
			kt.keyColumn, kt.table, kt.keyColumn, placeholders)
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("lookup natural keys: %w", err)
		}

		for rows.Next() {
			var key string
			if err := rows.Scan(&key); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan natural key: %w", err)
			}
			found[key] = true
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("iterate natural keys: %w", err)
		}
		rows.Close()
	}

	return found, nil
}

func (s *SQLiteStore) InsertChunk(ctx context.Context, kind domain.Kind, ownerID string, records []domain.CandidateRecord) error {
	kt, err := tableFor(kind)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin chunk tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertQuery(kt))
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UnixNano()
	for _, rec := range records {
		if _, err := stmt.ExecContext(ctx, insertArgs(kt, ownerID, rec, now)...); err != nil {
			return mapConstraintErr(err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) InsertOne(ctx context.Context, kind domain.Kind, ownerID string, record domain.CandidateRecord) error {
	kt, err := tableFor(kind)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, insertQuery(kt),
		insertArgs(kt, ownerID, record, time.Now().UnixNano())...)
	if err != nil {
		return mapConstraintErr(err)
	}
	return nil
}

func (s *SQLiteStore) RecomputeOwnerStats(ctx context.Context, kind domain.Kind, ownerID string) error {
	kt, err := tableFor(kind)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		INSERT INTO owner_stats (owner_id, kind, record_count, refreshed_at)
		VALUES (?, ?, (SELECT COUNT(*) FROM %s WHERE owner_id = ?), ?)
		ON CONFLICT (owner_id, kind) DO UPDATE SET
			record_count = excluded.record_count,
			refreshed_at = excluded.refreshed_at`, kt.table)

	_, err = s.db.ExecContext(ctx, query,
		ownerID, string(kind), ownerID, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("recompute owner stats: %w", err)
	}
	return nil
}

// EntityCount reports how many records of a kind are persisted. Test helper.
func (s *SQLiteStore) EntityCount(ctx context.Context, kind domain.Kind) (int, error) {
	kt, err := tableFor(kind)
	if err != nil {
		return 0, err
	}

	var n int
	err = s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM %s", kt.table)).Scan(&n)
	return n, err
}

func insertQuery(kt kindTable) string {
	cols := append([]string{"id", "owner_id", "created_at"}, kt.columns...)
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(cols)), ",")
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		kt.table, strings.Join(cols, ", "), placeholders)
}

func insertArgs(kt kindTable, ownerID string, rec domain.CandidateRecord, now int64) []any {
	args := make([]any, 0, len(kt.columns)+3)
	args = append(args, uuid.New().String(), ownerID, now)
	for _, col := range kt.columns {
		args = append(args, rec.Fields[col])
	}
	return args
}

func mapConstraintErr(err error) error {
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%w: %v", domain.ErrNaturalKeyExists, err)
	}
	return err
}

type jobScanner interface {
	Scan(dest ...any) error
}

func scanJob(row jobScanner) (*domain.ImportJob, error) {
	var (
		job             domain.ImportJob
		kind, status    string
		cancelRequested int
		failedJSON      string
		createdAt       int64
		updatedAt       int64
	)

	err := row.Scan(&job.ID, &job.OwnerID, &kind, &status, &job.TotalRecords,
		&job.CreatedCount, &job.FailedCount, &job.ChunksDone,
		&cancelRequested, &job.Error, &failedJSON, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan import job: %w", err)
	}

	job.Kind = domain.Kind(kind)
	job.Status = domain.JobStatus(status)
	job.CancelRequested = cancelRequested != 0
	job.CreatedAt = time.Unix(0, createdAt)
	job.UpdatedAt = time.Unix(0, updatedAt)

	if err := json.Unmarshal([]byte(failedJSON), &job.FailedRecords); err != nil {
		return nil, fmt.Errorf("unmarshal failed records: %w", err)
	}
	return &job, nil
}
