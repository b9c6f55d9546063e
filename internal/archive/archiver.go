package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/orrn/posprint/internal/config"
	"github.com/orrn/posprint/internal/core"
)

const batchSize = 500

// Source is the part of the job store the archiver drains.
type Source interface {
	GetTerminalBefore(ctx context.Context, before time.Time, limit int) ([]*core.Job, error)
	RemoveTerminal(ctx context.Context, snapshot *core.Job) (bool, error)
}

type Archiver struct {
	source      Source
	archivePath string
	archiveDays int
	interval    time.Duration
	stopCh      chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
	mu          sync.Mutex
	now         func() time.Time
	log         zerolog.Logger
}

type ArchiveFile struct {
	Filename  string    `json:"filename"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
	Month     string    `json:"month"`
}

func NewArchiver(source Source, cfg config.ArchiveConfig, log zerolog.Logger) (*Archiver, error) {
	if cfg.Path == "" {
		cfg.Path = "./data/archives"
	}
	if cfg.Days <= 0 {
		cfg.Days = 30
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 24 * time.Hour
	}

	if err := os.MkdirAll(cfg.Path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}

	return &Archiver{
		source:      source,
		archivePath: cfg.Path,
		archiveDays: cfg.Days,
		interval:    cfg.Interval,
		stopCh:      make(chan struct{}),
		now:         time.Now,
		log:         log.With().Str("component", "archiver").Logger(),
	}, nil
}

func (a *Archiver) Start() {
	a.wg.Add(1)
	go a.loop()
}

func (a *Archiver) Stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
	a.wg.Wait()
}

func (a *Archiver) loop() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			n, err := a.RunArchive(context.Background())
			if err != nil {
				a.log.Error().Err(err).Msg("archive run failed")
				continue
			}
			if n > 0 {
				a.log.Info().Int("count", n).Msg("archived receipts")
			}
		}
	}
}

// RunArchive copies every terminal job last updated more than archiveDays ago
// into this month's archive database and then drops it from the live store.
func (a *Archiver) RunArchive(ctx context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	cutoff := now.AddDate(0, 0, -a.archiveDays)
	archiveDBPath := filepath.Join(a.archivePath, fmt.Sprintf("archive_%s.db", now.Format("2006_01")))

	var archiveDB *sql.DB
	defer func() {
		if archiveDB != nil {
			archiveDB.Close()
		}
	}()

	total := 0
	for {
		jobs, err := a.source.GetTerminalBefore(ctx, cutoff, batchSize)
		if err != nil {
			return total, fmt.Errorf("failed to get receipts for archival: %w", err)
		}
		if len(jobs) == 0 {
			return total, nil
		}

		if archiveDB == nil {
			archiveDB, err = openOrCreateArchiveDB(archiveDBPath)
			if err != nil {
				return total, fmt.Errorf("failed to create archive database: %w", err)
			}
		}

		if err := writeArchive(ctx, archiveDB, jobs, now); err != nil {
			return total, err
		}

		removed := 0
		for _, job := range jobs {
			ok, err := a.source.RemoveTerminal(ctx, job)
			if err != nil {
				return total, fmt.Errorf("failed to delete archived receipt: %w", err)
			}
			if ok {
				removed++
			}
		}
		total += removed

		if removed == 0 || len(jobs) < batchSize {
			return total, nil
		}
	}
}

func openOrCreateArchiveDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS print_jobs (
			id TEXT PRIMARY KEY,
			amount REAL NOT NULL,
			currency TEXT NOT NULL,
			prefix_lines TEXT NOT NULL,
			suffix_lines TEXT NOT NULL,
			items TEXT NOT NULL,
			source_ip TEXT NOT NULL,
			operator_id TEXT NOT NULL,
			is_fiscal INTEGER NOT NULL,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			archived_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS archive_metadata (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			archived_at INTEGER,
			source_database TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_archive_jobs_updated_at ON print_jobs(updated_at);
		CREATE INDEX IF NOT EXISTS idx_archive_jobs_status ON print_jobs(status);
	`)
	if err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func writeArchive(ctx context.Context, archiveDB *sql.DB, jobs []*core.Job, now time.Time) error {
	tx, err := archiveDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin archive transaction: %w", err)
	}
	defer tx.Rollback()

	for _, job := range jobs {
		if err := insertJobToArchive(ctx, tx, job, now); err != nil {
			return fmt.Errorf("failed to insert receipt %s into archive: %w", job.ID(), err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO archive_metadata (id, archived_at, source_database)
		VALUES (1, ?, 'main')
	`, now.UnixMilli()); err != nil {
		return fmt.Errorf("failed to update archive metadata: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit archive transaction: %w", err)
	}
	return nil
}

func insertJobToArchive(ctx context.Context, tx *sql.Tx, job *core.Job, now time.Time) error {
	prefix, err := json.Marshal(job.Receipt.PrefixLines)
	if err != nil {
		return err
	}
	suffix, err := json.Marshal(job.Receipt.SuffixLines)
	if err != nil {
		return err
	}
	items, err := json.Marshal(job.Receipt.Items)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO print_jobs (id, amount, currency, prefix_lines, suffix_lines, items, source_ip, operator_id, is_fiscal, status, created_at, updated_at, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, job.ID(), job.Receipt.Amount, job.Receipt.Currency,
		string(prefix), string(suffix), string(items),
		job.SourceIP, job.OperatorID, job.IsFiscal, string(job.Status),
		job.CreatedAt.UnixMilli(), job.UpdatedAt.UnixMilli(), now.UnixMilli())
	return err
}

func (a *Archiver) ListArchives() ([]*ArchiveFile, error) {
	files, err := os.ReadDir(a.archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read archive directory: %w", err)
	}

	archives := []*ArchiveFile{}
	for _, file := range files {
		name := file.Name()
		if file.IsDir() || !strings.HasPrefix(name, "archive_") || !strings.HasSuffix(name, ".db") {
			continue
		}

		info, err := file.Info()
		if err != nil {
			continue
		}

		archives = append(archives, &ArchiveFile{
			Filename:  name,
			Size:      info.Size(),
			CreatedAt: info.ModTime(),
			Month:     strings.TrimSuffix(strings.TrimPrefix(name, "archive_"), ".db"),
		})
	}

	sort.Slice(archives, func(i, j int) bool { return archives[i].Filename < archives[j].Filename })
	return archives, nil
}
