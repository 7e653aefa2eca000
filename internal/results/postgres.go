package results

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists block results in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS stroop_blocks (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			participant_id TEXT NOT NULL,
			block_nr INTEGER NOT NULL,
			language TEXT NOT NULL,
			focus TEXT NOT NULL,
			mode TEXT NOT NULL,
			classic BOOLEAN NOT NULL DEFAULT FALSE,
			seed TEXT NOT NULL,
			aborted BOOLEAN NOT NULL DEFAULT FALSE,
			mean_latency_ms DOUBLE PRECISION NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS stroop_trials (
			block_id TEXT NOT NULL REFERENCES stroop_blocks(id) ON DELETE CASCADE,
			trial INTEGER NOT NULL,
			condition TEXT NOT NULL,
			top_word TEXT NOT NULL,
			top_color TEXT NOT NULL,
			bottom TEXT NOT NULL,
			is_match BOOLEAN NOT NULL,
			response TEXT NOT NULL,
			latency_ms DOUBLE PRECISION NOT NULL,
			correct BOOLEAN NOT NULL,
			lift_off_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
			PRIMARY KEY (block_id, trial)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_stroop_blocks_participant ON stroop_blocks (participant_id, started_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveBlock(ctx context.Context, record BlockRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin save block: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO stroop_blocks (id, session_id, participant_id, block_nr, language, focus, mode, classic, seed, aborted, mean_latency_ms, started_at, ended_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
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
		record.StartedAt,
		record.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("save block: %w", err)
	}

	batch := &pgx.Batch{}
	for _, t := range record.Trials {
		batch.Queue(
			`INSERT INTO stroop_trials (block_id, trial, condition, top_word, top_color, bottom, is_match, response, latency_ms, correct, lift_off_ms)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			record.ID, t.Trial, t.Condition, t.TopWord, t.TopColor, t.Bottom, t.Match, t.Response, t.LatencyMS, t.Correct, t.LiftOffMS,
		)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("save trials: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit save block: %w", err)
	}
	return nil
}

const blockColumns = `id, session_id, participant_id, block_nr, language, focus, mode, classic, seed, aborted, mean_latency_ms, started_at, ended_at`

func scanBlock(row pgx.Row) (BlockRecord, error) {
	var r BlockRecord
	var seed string
	if err := row.Scan(&r.ID, &r.SessionID, &r.ParticipantID, &r.BlockNr, &r.Language, &r.Focus, &r.Mode,
		&r.Classic, &seed, &r.Aborted, &r.MeanLatencyMS, &r.StartedAt, &r.EndedAt); err != nil {
		return BlockRecord{}, err
	}
	n, err := strconv.ParseUint(seed, 10, 64)
	if err != nil {
		return BlockRecord{}, fmt.Errorf("parse seed %q: %w", seed, err)
	}
	r.Seed = n
	return r, nil
}

func (s *PostgresStore) GetBlock(ctx context.Context, id string) (BlockRecord, error) {
	rec, err := scanBlock(s.pool.QueryRow(ctx, `SELECT `+blockColumns+` FROM stroop_blocks WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return BlockRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return BlockRecord{}, fmt.Errorf("get block: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT trial, condition, top_word, top_color, bottom, is_match, response, latency_ms, correct, lift_off_ms
		 FROM stroop_trials WHERE block_id=$1 ORDER BY trial`, id)
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

func (s *PostgresStore) ListBlocks(ctx context.Context, participantID string, limit int) ([]BlockRecord, error) {
	limit = clampLimit(limit)
	rows, err := s.pool.Query(ctx,
		`SELECT `+blockColumns+` FROM stroop_blocks
		 WHERE ($1 = '' OR participant_id = $1) ORDER BY started_at DESC LIMIT $2`,
		participantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list blocks: %w", err)
	}
	defer rows.Close()

	out := make([]BlockRecord, 0, limit)
	for rows.Next() {
		rec, err := scanBlock(rows)
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

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
