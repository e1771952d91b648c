// Package runs provides a durable log of agent and workflow runs keyed by
// (source_id, run_index), with optional root references for replays.
package runs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	sqlite "modernc.org/sqlite"

	"github.com/haasonsaas/oxide/internal/errs"
	"github.com/haasonsaas/oxide/internal/retry"
)

// Status is derived from a run's stored state: blocks without an error mean
// completed, an error means failed, neither means pending.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// RootReference points a replayed run back at its origin.
type RootReference struct {
	SourceID  string `json:"source_id"`
	RunIndex  *int   `json:"run_index,omitempty"`
	ReplayRef string `json:"replay_ref"`
}

// RunInfo is the summary row of a run.
type RunInfo struct {
	SourceID  string
	RunIndex  *int
	Status    Status
	RootRef   *RootReference
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RunDetails adds the stored payloads to the summary.
type RunDetails struct {
	RunInfo
	Metadata json.RawMessage
	Blocks   json.RawMessage
	Children json.RawMessage
	Error    *string
}

// Group is the payload persisted by UpsertRun.
type Group struct {
	SourceID string
	RunIndex *int
	Metadata json.RawMessage
	Blocks   json.RawMessage
	Children json.RawMessage
	Error    *string
}

// Pagination bounds a listing.
type Pagination struct {
	Page int
	Size int
}

// Paginated wraps one listing page.
type Paginated[T any] struct {
	Items []T
	Page  int
	Size  int
	Total int
}

// newRunRetryBudget bounds the run-index allocation retry loop.
const newRunRetryBudget = 90 * time.Second

// Store persists runs in SQLite. All writes run inside transactions;
// run-index allocation uses an immediate transaction and retries
// database-locked errors with exponential backoff.
type Store struct {
	db        *sql.DB
	projectID string
	branchID  string
}

// Open creates or opens the runs database. Transactions take the write lock
// immediately so run-index allocation serializes across processes.
func Open(path, projectID, branchID string) (*Store, error) {
	if !strings.Contains(path, "?") && path != ":memory:" {
		path += "?_txlock=immediate"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open runs database: %w", err)
	}
	s := &Store{db: db, projectID: projectID, branchID: branchID}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			source_id TEXT NOT NULL,
			run_index INTEGER,
			metadata TEXT,
			blocks TEXT,
			children TEXT,
			error TEXT,
			root_source_id TEXT,
			root_run_index INTEGER,
			root_replay_ref TEXT,
			project_id TEXT NOT NULL,
			branch_id TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create runs table: %w", err)
	}
	_, err = s.db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_runs_source
		ON runs(source_id, project_id, branch_id, run_index)
	`)
	if err != nil {
		return fmt.Errorf("failed to create runs index: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// isDatabaseLocked recognizes the driver's serialization-failure codes:
// SQLITE_BUSY (5), SQLITE_LOCKED (6), and SQLITE_BUSY_SNAPSHOT (517).
func isDatabaseLocked(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case 5, 6, 517:
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}

// NewRun atomically allocates the next run index for a source and inserts
// the pending row. Database-locked errors retry with exponential backoff;
// all other errors are permanent.
func (s *Store) NewRun(ctx context.Context, sourceID string, rootRef *RootReference) (*RunInfo, error) {
	var info *RunInfo
	attempt := 0
	result := retry.DoNotify(ctx,
		retry.UntilElapsed(newRunRetryBudget, 100*time.Millisecond, 5*time.Second),
		func() error {
			created, err := s.tryNewRun(ctx, sourceID, rootRef)
			if err != nil {
				if isDatabaseLocked(err) {
					return errs.DB("Database is locked, retrying...")
				}
				return retry.Permanent(err)
			}
			info = created
			return nil
		},
		func(err error, delay time.Duration) {
			attempt++
			slog.Warn("run allocation retry", "source_id", sourceID, "attempt", attempt, "delay", delay, "error", err)
		},
	)
	if result.Err != nil {
		var perm *retry.PermanentError
		if errors.As(result.Err, &perm) {
			return nil, perm.Err
		}
		return nil, result.Err
	}
	return info, nil
}

func (s *Store) tryNewRun(ctx context.Context, sourceID string, rootRef *RootReference) (*RunInfo, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errs.Wrap(errs.KindDB, err, "failed to begin transaction")
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			_ = err
		}
	}()

	// Row-locked max(run_index)+1: the immediate write below holds the
	// database write lock for the duration of the transaction.
	var maxIndex sql.NullInt64
	err = tx.QueryRowContext(ctx, `
		SELECT MAX(run_index) FROM runs
		WHERE source_id = ? AND project_id = ? AND branch_id = ? AND run_index IS NOT NULL
	`, sourceID, s.projectID, s.branchID).Scan(&maxIndex)
	if err != nil {
		return nil, err
	}
	runIndex := 1
	if maxIndex.Valid {
		runIndex = int(maxIndex.Int64) + 1
	}

	now := time.Now().UTC()
	var rootSourceID, rootReplayRef *string
	var rootRunIndex *int
	if rootRef != nil {
		rootSourceID = &rootRef.SourceID
		rootRunIndex = rootRef.RunIndex
		rootReplayRef = &rootRef.ReplayRef
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, source_id, run_index, metadata, blocks, children, error,
			root_source_id, root_run_index, root_replay_ref,
			project_id, branch_id, created_at, updated_at)
		VALUES (?, ?, ?, NULL, NULL, NULL, NULL, ?, ?, ?, ?, ?, ?, ?)
	`, uuid.NewString(), sourceID, runIndex,
		rootSourceID, rootRunIndex, rootReplayRef,
		s.projectID, s.branchID, now, now)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	slog.Info("new run created", "source_id", sourceID, "run_index", runIndex)
	return &RunInfo{
		SourceID:  sourceID,
		RunIndex:  &runIndex,
		Status:    StatusPending,
		RootRef:   rootRef,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// UpsertRun writes a run's blocks, children, metadata, and error, updating
// timestamps. Inserts the row when it does not exist yet (artifact runs have
// no run index).
func (s *Store) UpsertRun(ctx context.Context, group Group) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Wrap(errs.KindDB, err, "failed to begin transaction")
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			_ = err
		}
	}()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		UPDATE runs SET metadata = ?, blocks = ?, children = ?, error = ?, updated_at = ?
		WHERE source_id = ? AND project_id = ? AND branch_id = ?
		  AND ((run_index IS NULL AND ? IS NULL) OR run_index = ?)
	`, nullJSON(group.Metadata), nullJSON(group.Blocks), nullJSON(group.Children), group.Error, now,
		group.SourceID, s.projectID, s.branchID, group.RunIndex, group.RunIndex)
	if err != nil {
		return errs.Wrap(errs.KindDB, err, "failed to upsert run")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errs.Wrap(errs.KindDB, err, "failed to upsert run")
	}
	if affected == 0 {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO runs (id, source_id, run_index, metadata, blocks, children, error,
				project_id, branch_id, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, uuid.NewString(), group.SourceID, group.RunIndex,
			nullJSON(group.Metadata), nullJSON(group.Blocks), nullJSON(group.Children), group.Error,
			s.projectID, s.branchID, now, now)
		if err != nil {
			return errs.Wrap(errs.KindDB, err, "failed to insert run")
		}
	}
	return tx.Commit()
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func deriveStatus(blocks json.RawMessage, errText *string) Status {
	switch {
	case errText != nil:
		return StatusFailed
	case len(blocks) > 0:
		return StatusCompleted
	default:
		return StatusPending
	}
}

const runColumns = `source_id, run_index, metadata, blocks, children, error,
	root_source_id, root_run_index, root_replay_ref, created_at, updated_at`

func scanRun(row interface{ Scan(...any) error }) (*RunDetails, error) {
	var d RunDetails
	var runIndex sql.NullInt64
	var metadata, blocks, children, errText sql.NullString
	var rootSourceID, rootReplayRef sql.NullString
	var rootRunIndex sql.NullInt64
	err := row.Scan(&d.SourceID, &runIndex, &metadata, &blocks, &children, &errText,
		&rootSourceID, &rootRunIndex, &rootReplayRef, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if runIndex.Valid {
		idx := int(runIndex.Int64)
		d.RunIndex = &idx
	}
	if metadata.Valid {
		d.Metadata = json.RawMessage(metadata.String)
	}
	if blocks.Valid {
		d.Blocks = json.RawMessage(blocks.String)
	}
	if children.Valid {
		d.Children = json.RawMessage(children.String)
	}
	if errText.Valid {
		d.Error = &errText.String
	}
	if rootSourceID.Valid {
		root := &RootReference{SourceID: rootSourceID.String, ReplayRef: rootReplayRef.String}
		if rootRunIndex.Valid {
			idx := int(rootRunIndex.Int64)
			root.RunIndex = &idx
		}
		d.RootRef = root
	}
	d.Status = deriveStatus(d.Blocks, d.Error)
	return &d, nil
}

// LastRun returns the most recent run for a source, or nil.
func (s *Store) LastRun(ctx context.Context, sourceID string) (*RunInfo, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE source_id = ? AND project_id = ? AND branch_id = ?
		ORDER BY run_index DESC LIMIT 1
	`, sourceID, s.projectID, s.branchID)
	details, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindDB, err, "failed to fetch last run")
	}
	return &details.RunInfo, nil
}

// FindRun returns a run summary by source and optional index; nil index
// returns the latest run.
func (s *Store) FindRun(ctx context.Context, sourceID string, runIndex *int) (*RunInfo, error) {
	details, err := s.FindRunDetails(ctx, sourceID, runIndex)
	if err != nil || details == nil {
		return nil, err
	}
	return &details.RunInfo, nil
}

// FindRunDetails returns the full run payload by source and optional index.
func (s *Store) FindRunDetails(ctx context.Context, sourceID string, runIndex *int) (*RunDetails, error) {
	var row *sql.Row
	if runIndex == nil {
		row = s.db.QueryRowContext(ctx, `
			SELECT `+runColumns+` FROM runs
			WHERE source_id = ? AND project_id = ? AND branch_id = ?
			ORDER BY run_index DESC LIMIT 1
		`, sourceID, s.projectID, s.branchID)
	} else {
		row = s.db.QueryRowContext(ctx, `
			SELECT `+runColumns+` FROM runs
			WHERE source_id = ? AND project_id = ? AND branch_id = ? AND run_index = ?
		`, sourceID, s.projectID, s.branchID, *runIndex)
	}
	details, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindDB, err, "failed to fetch run")
	}
	return details, nil
}

// ListRuns returns one page of runs for a source, newest first.
func (s *Store) ListRuns(ctx context.Context, sourceID string, page Pagination) (*Paginated[RunInfo], error) {
	if page.Size <= 0 {
		page.Size = 20
	}
	if page.Page <= 0 {
		page.Page = 1
	}

	var total int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM runs WHERE source_id = ? AND project_id = ? AND branch_id = ?
	`, sourceID, s.projectID, s.branchID).Scan(&total)
	if err != nil {
		return nil, errs.Wrap(errs.KindDB, err, "failed to count runs")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE source_id = ? AND project_id = ? AND branch_id = ?
		ORDER BY run_index DESC LIMIT ? OFFSET ?
	`, sourceID, s.projectID, s.branchID, page.Size, (page.Page-1)*page.Size)
	if err != nil {
		return nil, errs.Wrap(errs.KindDB, err, "failed to list runs")
	}
	defer rows.Close()

	var items []RunInfo
	for rows.Next() {
		details, err := scanRun(rows)
		if err != nil {
			return nil, errs.Wrap(errs.KindDB, err, "failed to scan run")
		}
		items = append(items, details.RunInfo)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.KindDB, err, "failed to list runs")
	}
	return &Paginated[RunInfo]{Items: items, Page: page.Page, Size: page.Size, Total: total}, nil
}
