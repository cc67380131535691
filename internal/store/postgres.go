package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/scythe504/bizsim-backend/internal"
	"github.com/scythe504/bizsim-backend/internal/errs"
)

const schema = `
CREATE TABLE IF NOT EXISTS scenarios (
	id         TEXT PRIMARY KEY,
	document   JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS games (
	id                TEXT PRIMARY KEY,
	title             TEXT NOT NULL DEFAULT '',
	scenario_id       TEXT REFERENCES scenarios(id),
	status            TEXT NOT NULL DEFAULT 'waiting',
	phase             TEXT NOT NULL DEFAULT 'setup',
	current_round     INTEGER NOT NULL DEFAULT 1,
	total_rounds      INTEGER NOT NULL DEFAULT 5,
	round_duration_ms BIGINT NOT NULL DEFAULT 0,
	teams             JSONB NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS timeline_events (
	id          BIGSERIAL PRIMARY KEY,
	game_id     TEXT NOT NULL REFERENCES games(id),
	occurred_at TIMESTAMPTZ NOT NULL,
	event       TEXT NOT NULL,
	team_id     TEXT,
	user_id     TEXT,
	details     JSONB
);

CREATE INDEX IF NOT EXISTS timeline_events_game_idx ON timeline_events (game_id, occurred_at);

CREATE TABLE IF NOT EXISTS final_scores (
	game_id   TEXT NOT NULL REFERENCES games(id),
	team_id   TEXT NOT NULL,
	score     DOUBLE PRECISION NOT NULL,
	breakdown JSONB NOT NULL,
	winner    BOOLEAN NOT NULL DEFAULT false,
	PRIMARY KEY (game_id, team_id)
);
`

// Postgres is the Store backed by a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) LoadScenario(ctx context.Context, scenarioID string) (*internal.Scenario, error) {
	var raw []byte
	err := p.pool.QueryRow(ctx, `SELECT document FROM scenarios WHERE id = $1`, scenarioID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.NotFound(errs.CodeScenarioNotFound, "scenario %s not found", scenarioID)
	}
	if err != nil {
		return nil, fmt.Errorf("query scenario %s: %w", scenarioID, err)
	}

	var sc internal.Scenario
	if err := json.Unmarshal(raw, &sc); err != nil {
		return nil, fmt.Errorf("decode scenario %s: %w", scenarioID, err)
	}
	if sc.ID == "" {
		sc.ID = scenarioID
	}
	return &sc, nil
}

func (p *Postgres) LoadGame(ctx context.Context, gameID string) (*internal.GameRecord, error) {
	var (
		rec        internal.GameRecord
		scenarioID *string
		teams      []byte
	)
	err := p.pool.QueryRow(ctx, `
		SELECT id, title, scenario_id, status, phase, current_round, total_rounds, round_duration_ms, teams
		FROM games WHERE id = $1`, gameID).
		Scan(&rec.ID, &rec.Title, &scenarioID, &rec.Status, &rec.Phase,
			&rec.CurrentRound, &rec.TotalRounds, &rec.RoundDurationMs, &teams)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.NotFound(errs.CodeGameNotFound, "game %s not found", gameID)
	}
	if err != nil {
		return nil, fmt.Errorf("query game %s: %w", gameID, err)
	}

	if scenarioID != nil {
		rec.ScenarioID = *scenarioID
	}
	if err := json.Unmarshal(teams, &rec.Teams); err != nil {
		return nil, fmt.Errorf("decode teams of game %s: %w", gameID, err)
	}
	return &rec, nil
}

func (p *Postgres) LoadTimeline(ctx context.Context, gameID string) ([]internal.TimelineEntry, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT occurred_at, event, COALESCE(team_id, ''), COALESCE(user_id, ''), details
		FROM timeline_events WHERE game_id = $1 ORDER BY id`, gameID)
	if err != nil {
		return nil, fmt.Errorf("query timeline of game %s: %w", gameID, err)
	}
	defer rows.Close()

	var entries []internal.TimelineEntry
	for rows.Next() {
		var (
			entry   internal.TimelineEntry
			details []byte
		)
		if err := rows.Scan(&entry.Timestamp, &entry.Event, &entry.TeamID, &entry.UserID, &details); err != nil {
			return nil, fmt.Errorf("scan timeline of game %s: %w", gameID, err)
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &entry.Details); err != nil {
				return nil, fmt.Errorf("decode timeline details of game %s: %w", gameID, err)
			}
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read timeline of game %s: %w", gameID, err)
	}
	return entries, nil
}

func (p *Postgres) PersistTimelineEvent(ctx context.Context, gameID string, entry internal.TimelineEntry) error {
	details, err := json.Marshal(entry.Details)
	if err != nil {
		return fmt.Errorf("encode timeline details: %w", err)
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO timeline_events (game_id, occurred_at, event, team_id, user_id, details)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6)`,
		gameID, entry.Timestamp, entry.Event, entry.TeamID, entry.UserID, details)
	if err != nil {
		return fmt.Errorf("insert timeline event for game %s: %w", gameID, err)
	}
	return nil
}

func (p *Postgres) PersistFinalScores(ctx context.Context, gameID string, scores []internal.FinalScore) error {
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, s := range scores {
			breakdown, err := json.Marshal(s.Breakdown)
			if err != nil {
				return fmt.Errorf("encode breakdown of team %s: %w", s.TeamID, err)
			}
			batch.Queue(`
				INSERT INTO final_scores (game_id, team_id, score, breakdown, winner)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (game_id, team_id) DO UPDATE
				SET score = EXCLUDED.score, breakdown = EXCLUDED.breakdown, winner = EXCLUDED.winner`,
				gameID, s.TeamID, s.Score, breakdown, s.Winner)
		}
		batch.Queue(`UPDATE games SET status = $2 WHERE id = $1`, gameID, string(internal.StatusCompleted))

		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("persist final scores for game %s: %w", gameID, err)
		}
		return nil
	})
}

// Seed upserts fixtures; used by cmd/server on an empty database and by tests.
func (p *Postgres) Seed(ctx context.Context, seed Seed) error {
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		for _, sc := range seed.Scenarios {
			doc, err := json.Marshal(sc)
			if err != nil {
				return fmt.Errorf("encode scenario %s: %w", sc.ID, err)
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO scenarios (id, document) VALUES ($1, $2)
				ON CONFLICT (id) DO UPDATE SET document = EXCLUDED.document, updated_at = now()`,
				sc.ID, doc); err != nil {
				return fmt.Errorf("upsert scenario %s: %w", sc.ID, err)
			}
		}

		for _, g := range seed.Games {
			teams, err := json.Marshal(g.Teams)
			if err != nil {
				return fmt.Errorf("encode teams of game %s: %w", g.ID, err)
			}
			status, phase := g.Status, g.Phase
			if status == "" {
				status = internal.StatusWaiting
			}
			if phase == "" {
				phase = internal.PhaseSetup
			}
			var scenarioID *string
			if g.ScenarioID != "" {
				scenarioID = &g.ScenarioID
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO games (id, title, scenario_id, status, phase, current_round, total_rounds, round_duration_ms, teams)
				VALUES ($1, $2, $3, $4, $5, GREATEST($6, 1), CASE WHEN $7 > 0 THEN $7 ELSE 5 END, $8, $9)
				ON CONFLICT (id) DO UPDATE SET
					title = EXCLUDED.title, scenario_id = EXCLUDED.scenario_id, status = EXCLUDED.status,
					phase = EXCLUDED.phase, current_round = EXCLUDED.current_round,
					total_rounds = EXCLUDED.total_rounds, round_duration_ms = EXCLUDED.round_duration_ms,
					teams = EXCLUDED.teams`,
				g.ID, g.Title, scenarioID, string(status), string(phase),
				g.CurrentRound, g.TotalRounds, g.RoundDurationMs, teams); err != nil {
				return fmt.Errorf("upsert game %s: %w", g.ID, err)
			}
		}
		return nil
	})
}

// TimelineCount is used by tests and the maintenance surface.
func (p *Postgres) TimelineCount(ctx context.Context, gameID string) (int, error) {
	var n int
	err := p.pool.QueryRow(ctx, `SELECT count(*) FROM timeline_events WHERE game_id = $1`, gameID).Scan(&n)
	return n, err
}
