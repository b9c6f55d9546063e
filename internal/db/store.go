package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/orrn/posprint/internal/core"
)

// JobStore is the SQLite implementation of core.Store.
type JobStore struct {
	db       *sql.DB
	listener core.PrintingListener
}

var _ core.Store = (*JobStore)(nil)

// NewJobStore returns a store over database. listener may be nil.
func NewJobStore(database *sql.DB, listener core.PrintingListener) *JobStore {
	return &JobStore{db: database, listener: listener}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *JobStore) Register(ctx context.Context, job *core.Job) (string, error) {
	prefix, suffix, items, err := encodeReceipt(&job.Receipt)
	if err != nil {
		return "", err
	}

	created := job.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	seq, err := nextDispatchSeq(ctx, tx)
	if err != nil {
		return "", err
	}

	_, err = tx.ExecContext(ctx, InsertJob,
		job.Receipt.ID, job.Receipt.Amount, job.Receipt.Currency,
		prefix, suffix, items,
		job.SourceIP, job.OperatorID, job.IsFiscal,
		core.StatusPrinting, seq, created.UnixMilli(), created.UnixMilli())
	if err != nil {
		if isUniqueViolation(err) {
			return "", fmt.Errorf("%w: %s", core.ErrAlreadyQueued, job.Receipt.ID)
		}
		return "", fmt.Errorf("failed to insert receipt: %w", err)
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return "", fmt.Errorf("%w: %s", core.ErrAlreadyQueued, job.Receipt.ID)
		}
		return "", fmt.Errorf("failed to commit receipt: %w", err)
	}

	job.Status = core.StatusPrinting
	return job.Receipt.ID, nil
}

func (s *JobStore) GetByID(ctx context.Context, id string) (*core.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, GetJobByID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", core.ErrNotQueued, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get receipt %s: %w", id, err)
	}
	return job, nil
}

func (s *JobStore) GetStatus(ctx context.Context, id string) (core.Status, error) {
	var status string
	err := s.db.QueryRowContext(ctx, GetJobStatus, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", core.ErrNotQueued, id)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get status of receipt %s: %w", id, err)
	}
	return core.Status(status), nil
}

func (s *JobStore) GetByStatus(ctx context.Context, status core.Status) ([]*core.Job, error) {
	return s.queryJobs(ctx, GetJobsByStatus, status)
}

func (s *JobStore) GetBySource(ctx context.Context, sourceIP string) ([]*core.Job, error) {
	return s.queryJobs(ctx, GetJobsBySource, sourceIP)
}

func (s *JobStore) GetByOperator(ctx context.Context, operatorID string) ([]*core.Job, error) {
	return s.queryJobs(ctx, GetJobsByOperator, operatorID)
}

// GetTerminalBefore returns up to limit jobs in a terminal status whose last
// update is older than before, oldest first.
func (s *JobStore) GetTerminalBefore(ctx context.Context, before time.Time, limit int) ([]*core.Job, error) {
	return s.queryJobs(ctx, GetTerminalJobsBefore, before.UnixMilli(), limit)
}

func (s *JobStore) CountByStatus(ctx context.Context) (map[core.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, CountJobsByStatus)
	if err != nil {
		return nil, fmt.Errorf("failed to count receipts: %w", err)
	}
	defer rows.Close()

	counts := make(map[core.Status]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan receipt count: %w", err)
		}
		counts[core.Status(status)] = count
	}
	return counts, rows.Err()
}

func (s *JobStore) Finish(ctx context.Context, id string) (*core.Job, error) {
	return s.complete(ctx, id, core.StatusPrinted)
}

func (s *JobStore) Fail(ctx context.Context, id string) (*core.Job, error) {
	return s.complete(ctx, id, core.StatusFailed)
}

// complete moves a PRINTING job to a terminal status and notifies the
// listener once the update is committed.
func (s *JobStore) complete(ctx context.Context, id string, status core.Status) (*core.Job, error) {
	from := core.SourceStatuses(status)
	query := fmt.Sprintf(TransitionJob, placeholders(len(from)))

	args := []any{status, time.Now().UTC().UnixMilli(), id}
	for _, st := range from {
		args = append(args, st)
	}

	job, err := scanJob(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.refusal(ctx, id, status)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to mark receipt %s %s: %w", id, status, err)
	}

	if s.listener != nil {
		s.listener.OnPrinted(job, status)
	}
	return job, nil
}

func (s *JobStore) Requeue(ctx context.Context, id string) (*core.Job, error) {
	from := core.SourceStatuses(core.StatusPrinting)
	query := fmt.Sprintf(RequeueJob, placeholders(len(from)))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	seq, err := nextDispatchSeq(ctx, tx)
	if err != nil {
		return nil, err
	}

	args := []any{time.Now().UTC().UnixMilli(), seq, id}
	for _, st := range from {
		args = append(args, st)
	}

	job, err := scanJob(tx.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		tx.Rollback()
		return nil, s.refusal(ctx, id, core.StatusPrinting)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to requeue receipt %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit requeue of receipt %s: %w", id, err)
	}
	return job, nil
}

func (s *JobStore) Remove(ctx context.Context, id string) (*core.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, DeleteJob, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", core.ErrNotQueued, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to remove receipt %s: %w", id, err)
	}
	return job, nil
}

// RemoveTerminal deletes the row snapshot was read from, but only while it is
// still terminal and unchanged since. A job requeued or finished again in the
// meantime is left alone.
func (s *JobStore) RemoveTerminal(ctx context.Context, snapshot *core.Job) (bool, error) {
	_, err := scanJob(s.db.QueryRowContext(ctx, DeleteTerminalJob,
		snapshot.ID(), snapshot.Status, snapshot.UpdatedAt.UnixMilli()))
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to remove receipt %s: %w", snapshot.ID(), err)
	}
	return true, nil
}

// refusal explains why a compare-and-set towards next matched no row. The
// refused update changed nothing, so reading the status afterwards is safe.
func (s *JobStore) refusal(ctx context.Context, id string, next core.Status) error {
	current, err := s.GetStatus(ctx, id)
	if err != nil {
		return err
	}
	if next == core.StatusPrinting && current == core.StatusPrinting {
		return fmt.Errorf("%w: %s", core.ErrAlreadyQueued, id)
	}
	return fmt.Errorf("%w: %s is %s", core.ErrNotQueued, id, current)
}

func (s *JobStore) queryJobs(ctx context.Context, query string, args ...any) ([]*core.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query receipts: %w", err)
	}
	defer rows.Close()

	jobs := []*core.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan receipt: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func nextDispatchSeq(ctx context.Context, tx *sql.Tx) (int64, error) {
	var seq int64
	if err := tx.QueryRowContext(ctx, NextDispatchSeq).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to allocate dispatch sequence: %w", err)
	}
	return seq, nil
}

func scanJob(row rowScanner, extra ...any) (*core.Job, error) {
	j := &core.Job{}
	var prefix, suffix, items, status string
	var created, updated int64

	dest := append(extra,
		&j.Receipt.ID, &j.Receipt.Amount, &j.Receipt.Currency,
		&prefix, &suffix, &items,
		&j.SourceIP, &j.OperatorID, &j.IsFiscal, &status,
		&created, &updated,
	)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(prefix), &j.Receipt.PrefixLines); err != nil {
		return nil, fmt.Errorf("decode prefix lines: %w", err)
	}
	if err := json.Unmarshal([]byte(suffix), &j.Receipt.SuffixLines); err != nil {
		return nil, fmt.Errorf("decode suffix lines: %w", err)
	}
	if err := json.Unmarshal([]byte(items), &j.Receipt.Items); err != nil {
		return nil, fmt.Errorf("decode receipt items: %w", err)
	}

	j.Status = core.Status(status)
	j.CreatedAt = time.UnixMilli(created).UTC()
	j.UpdatedAt = time.UnixMilli(updated).UTC()
	return j, nil
}

func encodeReceipt(r *core.Receipt) (prefix, suffix, items string, err error) {
	encode := func(v any) (string, error) {
		b, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}

	prefixLines, suffixLines, receiptItems := r.PrefixLines, r.SuffixLines, r.Items
	if prefixLines == nil {
		prefixLines = []string{}
	}
	if suffixLines == nil {
		suffixLines = []string{}
	}
	if receiptItems == nil {
		receiptItems = []core.ReceiptItem{}
	}

	if prefix, err = encode(prefixLines); err != nil {
		return "", "", "", fmt.Errorf("encode prefix lines: %w", err)
	}
	if suffix, err = encode(suffixLines); err != nil {
		return "", "", "", fmt.Errorf("encode suffix lines: %w", err)
	}
	if items, err = encode(receiptItems); err != nil {
		return "", "", "", fmt.Errorf("encode receipt items: %w", err)
	}
	return prefix, suffix, items, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
