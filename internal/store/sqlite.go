package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Store implements the content store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a SQLite-backed content store.
// Use ":memory:" for an in-memory database, or a file path for persistence.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// A single connection keeps ":memory:" coherent and serializes writers;
	// stages buffer their writes so this is not a throughput bottleneck.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initialize(); err != nil {
		_ = db.Close() // Best effort cleanup on initialization error
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		variant TEXT NOT NULL,
		natural_key TEXT NOT NULL,
		attributes TEXT NOT NULL,
		updated_by_stage TEXT NOT NULL,
		last_seen_at INTEGER NOT NULL,
		seen_build TEXT NOT NULL,
		PRIMARY KEY (variant, natural_key)
	);
	CREATE TABLE IF NOT EXISTS stage_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		build_id TEXT NOT NULL,
		stage TEXT NOT NULL,
		version TEXT NOT NULL,
		outcome TEXT NOT NULL,
		error TEXT,
		fingerprint TEXT,
		started_at INTEGER NOT NULL,
		finished_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_stage_runs_stage ON stage_runs(stage);
	CREATE INDEX IF NOT EXISTS idx_stage_runs_build ON stage_runs(build_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// BeginStage starts a buffered write session for one stage in one build.
// Nothing reaches the database until Commit; Rollback discards the buffer.
func (s *Store) BeginStage(buildID, stage string) *StageTx {
	return &StageTx{store: s, buildID: buildID, stage: stage}
}

// StageTx buffers one stage's writes and commits them atomically.
type StageTx struct {
	store   *Store
	buildID string
	stage   string
	ops     []stageOp
	done    bool
}

type stageOp struct {
	variant    Variant
	naturalKey string
	attrs      map[string]any // nil = mark-seen only
}

// Upsert records a create-or-update of a record. Repeated identical upserts
// within a build collapse into one row.
func (t *StageTx) Upsert(variant Variant, naturalKey string, attrs map[string]any) {
	t.ops = append(t.ops, stageOp{variant: variant, naturalKey: naturalKey, attrs: attrs})
}

// MarkSeen re-affirms an existing record without touching its attributes,
// protecting it from end-of-build pruning.
func (t *StageTx) MarkSeen(variant Variant, naturalKey string) {
	t.ops = append(t.ops, stageOp{variant: variant, naturalKey: naturalKey})
}

// Pending reports how many buffered operations the transaction holds.
func (t *StageTx) Pending() int { return len(t.ops) }

// Commit applies all buffered operations in one database transaction.
func (t *StageTx) Commit(ctx context.Context) error {
	if t.done {
		return fmt.Errorf("stage transaction already finished")
	}
	t.done = true

	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	tx, err := t.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	now := time.Now().Unix()
	for _, op := range t.ops {
		if op.attrs == nil {
			_, err = tx.ExecContext(ctx,
				`UPDATE records SET last_seen_at = ?, seen_build = ? WHERE variant = ? AND natural_key = ?`,
				now, t.buildID, op.variant, op.naturalKey,
			)
		} else {
			var attrsJSON []byte
			attrsJSON, err = json.Marshal(op.attrs)
			if err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("marshal attributes for %s/%s: %w", op.variant, op.naturalKey, err)
			}
			_, err = tx.ExecContext(ctx,
				`INSERT INTO records (variant, natural_key, attributes, updated_by_stage, last_seen_at, seen_build)
				 VALUES (?, ?, ?, ?, ?, ?)
				 ON CONFLICT (variant, natural_key) DO UPDATE SET
				   attributes = excluded.attributes,
				   updated_by_stage = excluded.updated_by_stage,
				   last_seen_at = excluded.last_seen_at,
				   seen_build = excluded.seen_build`,
				op.variant, op.naturalKey, string(attrsJSON), t.stage, now, t.buildID,
			)
		}
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply write for %s/%s: %w", op.variant, op.naturalKey, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit stage writes: %w", err)
	}
	return nil
}

// Rollback discards the buffered operations.
func (t *StageTx) Rollback() {
	t.done = true
	t.ops = nil
}

// PruneUnseen deletes records of a variant that were not re-affirmed during
// the given build. Returns the number of pruned records.
func (s *Store) PruneUnseen(ctx context.Context, variant Variant, buildID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM records WHERE variant = ? AND seen_build != ?`,
		variant, buildID,
	)
	if err != nil {
		return 0, fmt.Errorf("prune unseen records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count pruned records: %w", err)
	}
	return int(n), nil
}

// Get retrieves a single record by variant and natural key.
func (s *Store) Get(ctx context.Context, variant Variant, naturalKey string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT variant, natural_key, attributes, updated_by_stage, last_seen_at, seen_build
		 FROM records WHERE variant = ? AND natural_key = ?`,
		variant, naturalKey,
	)
	rec, err := scanRecord(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound{Variant: variant, NaturalKey: naturalKey}
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	return rec, nil
}

// Query returns all records of a variant matching the predicate, ordered by
// natural key for reproducible output. A nil predicate matches everything.
func (s *Store) Query(ctx context.Context, variant Variant, predicate func(*Record) bool) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT variant, natural_key, attributes, updated_by_stage, last_seen_at, seen_build
		 FROM records WHERE variant = ? ORDER BY natural_key`,
		variant,
	)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if predicate == nil || predicate(rec) {
			records = append(records, *rec)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return records, nil
}

// Count returns the number of records for a variant.
func (s *Store) Count(ctx context.Context, variant Variant) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records WHERE variant = ?`, variant).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

func scanRecord(scan func(...any) error) (*Record, error) {
	var rec Record
	var attrsJSON string
	var lastSeen int64
	if err := scan(&rec.Variant, &rec.NaturalKey, &attrsJSON, &rec.UpdatedByStage, &lastSeen, &rec.SeenBuild); err != nil {
		return nil, err
	}
	rec.LastSeenAt = time.Unix(lastSeen, 0)
	if err := json.Unmarshal([]byte(attrsJSON), &rec.Attributes); err != nil {
		return nil, fmt.Errorf("unmarshal attributes: %w", err)
	}
	return &rec, nil
}

// RecordRun appends a stage run to the history.
func (s *Store) RecordRun(ctx context.Context, run StageRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stage_runs (build_id, stage, version, outcome, error, fingerprint, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.BuildID, run.Stage, run.Version, run.Outcome, run.Error, run.Fingerprint,
		run.StartedAt.Unix(), run.FinishedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert stage run: %w", err)
	}
	return nil
}

// LatestRun returns the most recent run for a stage, or nil if the stage has
// never run.
func (s *Store) LatestRun(ctx context.Context, stage string) (*StageRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT build_id, stage, version, outcome, error, fingerprint, started_at, finished_at
		 FROM stage_runs WHERE stage = ? ORDER BY id DESC LIMIT 1`,
		stage,
	)
	run, err := scanRun(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get latest run: %w", err)
	}
	return run, nil
}

// RunsForBuild returns all stage runs recorded for a build, in execution order.
func (s *Store) RunsForBuild(ctx context.Context, buildID string) ([]StageRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT build_id, stage, version, outcome, error, fingerprint, started_at, finished_at
		 FROM stage_runs WHERE build_id = ? ORDER BY id`,
		buildID,
	)
	if err != nil {
		return nil, fmt.Errorf("query stage runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []StageRun
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan stage run: %w", err)
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return runs, nil
}

func scanRun(scan func(...any) error) (*StageRun, error) {
	var run StageRun
	var started, finished int64
	var errText, fp sql.NullString
	if err := scan(&run.BuildID, &run.Stage, &run.Version, &run.Outcome, &errText, &fp, &started, &finished); err != nil {
		return nil, err
	}
	run.Error = errText.String
	run.Fingerprint = fp.String
	run.StartedAt = time.Unix(started, 0)
	run.FinishedAt = time.Unix(finished, 0)
	return &run, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
