package results

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore keeps block results in a single SQLite file, for lab
// machines without a database server.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection keeps :memory: databases alive and serializes writers.
	db.SetMaxOpenConns(1)

	stmts := []string{
		`PRAGMA foreign_keys=ON`,
		`CREATE TABLE IF NOT EXISTS stroop_blocks (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			participant_id TEXT NOT NULL,
			block_nr INTEGER NOT NULL,
			language TEXT NOT NULL,
			focus TEXT NOT NULL,
			mode TEXT NOT NULL,
			classic INTEGER NOT NULL DEFAULT 0,
			seed TEXT NOT NULL,
			aborted INTEGER NOT NULL DEFAULT 0,
			mean_latency_ms REAL NOT NULL,
			started_at TEXT NOT NULL,
			ended_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS stroop_trials (
			block_id TEXT NOT NULL REFERENCES stroop_blocks(id) ON DELETE CASCADE,
			trial INTEGER NOT NULL,
			condition TEXT NOT NULL,
			top_word TEXT NOT NULL,
			top_color TEXT NOT NULL,
			bottom TEXT NOT NULL,
			is_match INTEGER NOT NULL,
			response TEXT NOT NULL,
			latency_ms REAL NOT NULL,
			correct INTEGER NOT NULL,
			lift_off_ms REAL NOT NULL DEFAULT 0,
			PRIMARY KEY (block_id, trial)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_stroop_blocks_participant ON stroop_blocks (participant_id, started_at)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init sqlite schema failed on %q: %w", stmt, err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SaveBlock(ctx context.Context, record BlockRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save block: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO stroop_blocks (id, session_id, participant_id, block_nr, language, focus, mode, classic, seed, aborted, mean_latency_ms, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.SessionID,
		record.ParticipantID,
		record.BlockNr,
		record.Language,
		record.Focus,
		record.Mode,
		record.Classic,
		strconv.FormatUint(record.Seed, 10),
		record.Aborted,
		record.MeanLatencyMS,
		record.StartedAt.UTC().Format(sqliteTime),
		record.EndedAt.UTC().Format(sqliteTime),
	)
	if err != nil {
		return fmt.Errorf("save block: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO stroop_trials (block_id, trial, condition, top_word, top_color, bottom, is_match, response, latency_ms, correct, lift_off_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare trial insert: %w", err)
	}
	defer stmt.Close()
	for _, t := range record.Trials {
		if _, err := stmt.ExecContext(ctx, record.ID, t.Trial, t.Condition, t.TopWord, t.TopColor, t.Bottom,
			t.Match, t.Response, t.LatencyMS, t.Correct, t.LiftOffMS); err != nil {
			return fmt.Errorf("save trial %d: %w", t.Trial, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save block: %w", err)
	}
	return nil
}

// sqliteTime has a fixed width so TEXT columns sort chronologically.
const sqliteTime = "2006-01-02T15:04:05.000000000Z07:00"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteBlock(row rowScanner) (BlockRecord, error) {
	var r BlockRecord
	var seed, started, ended string
	if err := row.Scan(&r.ID, &r.SessionID, &r.ParticipantID, &r.BlockNr, &r.Language, &r.Focus, &r.Mode,
		&r.Classic, &seed, &r.Aborted, &r.MeanLatencyMS, &started, &ended); err != nil {
		return BlockRecord{}, err
	}
	var err error
	if r.Seed, err = strconv.ParseUint(seed, 10, 64); err != nil {
		return BlockRecord{}, fmt.Errorf("parse seed %q: %w", seed, err)
	}
	if r.StartedAt, err = time.Parse(sqliteTime, started); err != nil {
		return BlockRecord{}, fmt.Errorf("parse started_at: %w", err)
	}
	if r.EndedAt, err = time.Parse(sqliteTime, ended); err != nil {
		return BlockRecord{}, fmt.Errorf("parse ended_at: %w", err)
	}
	return r, nil
}

func (s *SQLiteStore) GetBlock(ctx context.Context, id string) (BlockRecord, error) {
	rec, err := scanSQLiteBlock(s.db.QueryRowContext(ctx, `SELECT `+blockColumns+` FROM stroop_blocks WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return BlockRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return BlockRecord{}, fmt.Errorf("get block: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT trial, condition, top_word, top_color, bottom, is_match, response, latency_ms, correct, lift_off_ms
		 FROM stroop_trials WHERE block_id=? ORDER BY trial`, id)
	if err != nil {
		return BlockRecord{}, fmt.Errorf("query trials: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var t TrialRecord
		if err := rows.Scan(&t.Trial, &t.Condition, &t.TopWord, &t.TopColor, &t.Bottom, &t.Match,
			&t.Response, &t.LatencyMS, &t.Correct, &t.LiftOffMS); err != nil {
			return BlockRecord{}, fmt.Errorf("scan trial row: %w", err)
		}
		rec.Trials = append(rec.Trials, t)
	}
	if err := rows.Err(); err != nil {
		return BlockRecord{}, fmt.Errorf("iterate trial rows: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) ListBlocks(ctx context.Context, participantID string, limit int) ([]BlockRecord, error) {
	limit = clampLimit(limit)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+blockColumns+` FROM stroop_blocks
		 WHERE (? = '' OR participant_id = ?) ORDER BY started_at DESC LIMIT ?`,
		participantID, participantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list blocks: %w", err)
	}
	defer rows.Close()

	out := make([]BlockRecord, 0, limit)
	for rows.Next() {
		rec, err := scanSQLiteBlock(rows)
		if err != nil {
			return nil, fmt.Errorf("scan block row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate block rows: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
