// Package sqlite implements store.Repository backed by a local SQLite file
// using the pure-Go driver. It is the default backend for single-host
// deployments: one connection serializes all writers, which also provides
// the single-writer guarantee.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/flocklab/flock/pkg/models"
	"github.com/flocklab/flock/pkg/store"
)

//go:embed migrations
var migrationsFS embed.FS

// Store implements store.Repository on a SQLite file.
type Store struct {
	db *sql.DB
}

var _ store.Repository = (*Store)(nil)

// Open opens (creating if needed) the database at path and applies pending
// migrations. All goroutines share one connection so concurrent writers
// serialize instead of failing with SQLITE_BUSY.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// runMigrations applies embedded migration files via golang-migrate.
func runMigrations(db *sql.DB) error {
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "flock", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	// Close only the source driver; closing m would also close the shared
	// *sql.DB passed via WithInstance.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("failed to close migration source: %w", err)
	}

	return nil
}

func (s *Store) CreateAgent(ctx context.Context, agent *models.Agent, evt *models.Event) error {
	doc, err := json.Marshal(agent)
	if err != nil {
		return fmt.Errorf("failed to marshal agent: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO agents (id, state, team_id, parent_id, session_key, spawned_at, doc)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		agent.ID, string(agent.State), nullable(agent.TeamID), nullable(agent.ParentID),
		nullable(agent.SessionKey), formatTime(agent.SpawnedAt), string(doc))
	if err != nil {
		return fmt.Errorf("failed to insert agent: %w", err)
	}

	if evt != nil {
		if err := insertEvent(ctx, tx, evt); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM agents WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query agent: %w", err)
	}
	return decodeAgent(doc)
}

func (s *Store) ListAgents(ctx context.Context, filters models.AgentFilters) ([]*models.Agent, error) {
	query := `SELECT doc FROM agents WHERE 1=1`
	var args []any
	if filters.TeamID != "" {
		query += ` AND team_id = ?`
		args = append(args, filters.TeamID)
	}
	if filters.ParentID != "" {
		query += ` AND parent_id = ?`
		args = append(args, filters.ParentID)
	}
	if len(filters.States) > 0 {
		query += ` AND state IN (?` + repeat(",?", len(filters.States)-1) + `)`
		for _, st := range filters.States {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY spawned_at DESC, id`
	if filters.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filters.Limit)
	}
	if filters.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filters.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	var out []*models.Agent
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		agent, err := decodeAgent(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, agent)
	}
	return out, rows.Err()
}

func (s *Store) Transition(ctx context.Context, agentID string, apply func(*models.Agent) error, evt *models.Event) (*models.Agent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var doc string
	err = tx.QueryRowContext(ctx, `SELECT doc FROM agents WHERE id = ?`, agentID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent %s: %w", agentID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query agent: %w", err)
	}

	agent, err := decodeAgent(doc)
	if err != nil {
		return nil, err
	}
	if err := apply(agent); err != nil {
		return nil, err
	}

	updated, err := json.Marshal(agent)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal agent: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE agents SET state = ?, team_id = ?, parent_id = ?, session_key = ?, doc = ? WHERE id = ?`,
		string(agent.State), nullable(agent.TeamID), nullable(agent.ParentID),
		nullable(agent.SessionKey), string(updated), agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to update agent: %w", err)
	}

	if evt != nil {
		if err := insertEvent(ctx, tx, evt); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return agent, nil
}

func (s *Store) CreateTeam(ctx context.Context, team *models.Team) error {
	doc, err := json.Marshal(team)
	if err != nil {
		return fmt.Errorf("failed to marshal team: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO teams (id, status, created_at, doc) VALUES (?, ?, ?, ?)`,
		team.ID, string(team.Status), formatTime(team.CreatedAt), string(doc))
	if err != nil {
		return fmt.Errorf("failed to insert team: %w", err)
	}
	return nil
}

func (s *Store) GetTeam(ctx context.Context, id string) (*models.Team, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM teams WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("team %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query team: %w", err)
	}
	return decodeTeam(doc)
}

func (s *Store) UpdateTeam(ctx context.Context, teamID string, apply func(*models.Team) error) (*models.Team, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var doc string
	err = tx.QueryRowContext(ctx, `SELECT doc FROM teams WHERE id = ?`, teamID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("team %s: %w", teamID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query team: %w", err)
	}

	team, err := decodeTeam(doc)
	if err != nil {
		return nil, err
	}
	if err := apply(team); err != nil {
		return nil, err
	}

	updated, err := json.Marshal(team)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal team: %w", err)
	}
	_, err = tx.ExecContext(ctx, `UPDATE teams SET status = ?, doc = ? WHERE id = ?`,
		string(team.Status), string(updated), teamID)
	if err != nil {
		return nil, fmt.Errorf("failed to update team: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return team, nil
}

func (s *Store) ListTeams(ctx context.Context, filters models.TeamFilters) ([]*models.Team, error) {
	query := `SELECT doc FROM teams WHERE 1=1`
	var args []any
	if len(filters.Statuses) > 0 {
		query += ` AND status IN (?` + repeat(",?", len(filters.Statuses)-1) + `)`
		for _, st := range filters.Statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at DESC, id`
	if filters.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filters.Limit)
	}
	if filters.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filters.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list teams: %w", err)
	}
	defer rows.Close()

	var out []*models.Team
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan team: %w", err)
		}
		team, err := decodeTeam(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, team)
	}
	return out, rows.Err()
}

func (s *Store) AppendEvent(ctx context.Context, evt *models.Event) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (id, seq, timestamp, type, source, agent_id, team_id, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		evt.ID, evt.Seq, formatTime(evt.Timestamp), string(evt.Type), evt.Source,
		nullable(evt.AgentID), nullable(evt.TeamID), nullableBytes(evt.Payload))
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, evt *models.Event) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO events (id, seq, timestamp, type, source, agent_id, team_id, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		evt.ID, evt.Seq, formatTime(evt.Timestamp), string(evt.Type), evt.Source,
		nullable(evt.AgentID), nullable(evt.TeamID), nullableBytes(evt.Payload))
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

func (s *Store) ListEvents(ctx context.Context, filter models.EventFilter) ([]*models.Event, error) {
	query := `SELECT id, seq, timestamp, type, source, agent_id, team_id, payload FROM events WHERE 1=1`
	var args []any
	if filter.AgentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, filter.AgentID)
	}
	if filter.TeamID != "" {
		query += ` AND team_id = ?`
		args = append(args, filter.TeamID)
	}
	if filter.AfterSeq > 0 {
		query += ` AND seq > ?`
		args = append(args, filter.AfterSeq)
	}
	if len(filter.Types) > 0 {
		query += ` AND type IN (?` + repeat(",?", len(filter.Types)-1) + `)`
		for _, t := range filter.Types {
			args = append(args, string(t))
		}
	}
	query += ` ORDER BY seq`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var out []*models.Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

func (s *Store) MaxEventSeq(ctx context.Context) (uint64, error) {
	var max sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM events`).Scan(&max); err != nil {
		return 0, fmt.Errorf("failed to query max seq: %w", err)
	}
	if !max.Valid {
		return 0, nil
	}
	return uint64(max.Int64), nil
}

func (s *Store) GetBudget(ctx context.Context, scope models.Scope, window models.Window) (*models.BudgetRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT tokens_in, tokens_out, cost_usd, limit_tokens, limit_cost, exhausted, last_updated
		 FROM budgets WHERE scope_type = ? AND scope_id = ? AND window = ?`,
		string(scope.Type), scope.ID, string(window))
	rec, err := scanBudget(row, scope, window)
	if errors.Is(err, sql.ErrNoRows) {
		return &models.BudgetRecord{Scope: scope, Window: window}, nil
	}
	return rec, err
}

func (s *Store) SetBudgetLimit(ctx context.Context, scope models.Scope, window models.Window, limitCost *float64, limitTokens *int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO budgets (scope_type, scope_id, window, limit_cost, limit_tokens, last_updated)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (scope_type, scope_id, window)
		 DO UPDATE SET limit_cost = excluded.limit_cost, limit_tokens = excluded.limit_tokens, last_updated = excluded.last_updated`,
		string(scope.Type), scope.ID, string(window), limitCost, limitTokens, formatTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("failed to set budget limit: %w", err)
	}
	return nil
}

func (s *Store) TryDebit(ctx context.Context, req store.DebitRequest) (*store.DebitOutcome, error) {
	hardPct := req.HardPct
	if hardPct <= 0 {
		hardPct = 1.0
	}
	windows := []models.Window{models.WindowDay, models.WindowLifetime}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := formatTime(time.Now().UTC())

	// Ensure every row exists, then check limits before writing anything.
	for _, scope := range req.Scopes {
		for _, w := range windows {
			_, err = tx.ExecContext(ctx,
				`INSERT INTO budgets (scope_type, scope_id, window, last_updated) VALUES (?, ?, ?, ?)
				 ON CONFLICT (scope_type, scope_id, window) DO NOTHING`,
				string(scope.Type), scope.ID, string(w), now)
			if err != nil {
				return nil, fmt.Errorf("failed to ensure budget row: %w", err)
			}
		}
	}

	for _, scope := range req.Scopes {
		for _, w := range windows {
			row := tx.QueryRowContext(ctx,
				`SELECT tokens_in, tokens_out, cost_usd, limit_tokens, limit_cost, exhausted, last_updated
				 FROM budgets WHERE scope_type = ? AND scope_id = ? AND window = ?`,
				string(scope.Type), scope.ID, string(w))
			rec, err := scanBudget(row, scope, w)
			if err != nil {
				return nil, err
			}
			if rec.LimitCost != nil && rec.CostUSD+req.CostUSD > *rec.LimitCost*hardPct+store.CostEpsilon {
				deniedScope := scope
				return &store.DebitOutcome{Denied: true, DeniedScope: &deniedScope, DeniedWindow: w}, nil
			}
			if rec.LimitTokens != nil && rec.TokensIn+rec.TokensOut+req.Usage.TokensIn+req.Usage.TokensOut > *rec.LimitTokens {
				deniedScope := scope
				return &store.DebitOutcome{Denied: true, DeniedScope: &deniedScope, DeniedWindow: w}, nil
			}
		}
	}

	outcome := &store.DebitOutcome{}
	for _, scope := range req.Scopes {
		for _, w := range windows {
			_, err = tx.ExecContext(ctx,
				`UPDATE budgets SET tokens_in = tokens_in + ?, tokens_out = tokens_out + ?,
				 cost_usd = cost_usd + ?, last_updated = ?
				 WHERE scope_type = ? AND scope_id = ? AND window = ?`,
				req.Usage.TokensIn, req.Usage.TokensOut, req.CostUSD, now,
				string(scope.Type), scope.ID, string(w))
			if err != nil {
				return nil, fmt.Errorf("failed to debit budget: %w", err)
			}
			row := tx.QueryRowContext(ctx,
				`SELECT tokens_in, tokens_out, cost_usd, limit_tokens, limit_cost, exhausted, last_updated
				 FROM budgets WHERE scope_type = ? AND scope_id = ? AND window = ?`,
				string(scope.Type), scope.ID, string(w))
			rec, err := scanBudget(row, scope, w)
			if err != nil {
				return nil, err
			}
			outcome.Records = append(outcome.Records, rec)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return outcome, nil
}

func (s *Store) MarkExhausted(ctx context.Context, scope models.Scope, window models.Window, exhausted bool) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO budgets (scope_type, scope_id, window, exhausted, last_updated) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (scope_type, scope_id, window)
		 DO UPDATE SET exhausted = excluded.exhausted, last_updated = excluded.last_updated`,
		string(scope.Type), scope.ID, string(window), boolToInt(exhausted), formatTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("failed to mark budget exhausted: %w", err)
	}
	return nil
}

func (s *Store) ResetBudget(ctx context.Context, scope models.Scope, window models.Window) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE budgets SET tokens_in = 0, tokens_out = 0, cost_usd = 0, exhausted = 0, last_updated = ?
		 WHERE scope_type = ? AND scope_id = ? AND window = ?`,
		formatTime(time.Now().UTC()), string(scope.Type), scope.ID, string(window))
	if err != nil {
		return fmt.Errorf("failed to reset budget: %w", err)
	}
	return nil
}

func (s *Store) ResetWindow(ctx context.Context, window models.Window) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE budgets SET tokens_in = 0, tokens_out = 0, cost_usd = 0, exhausted = 0, last_updated = ?
		 WHERE window = ?`,
		formatTime(time.Now().UTC()), string(window))
	if err != nil {
		return fmt.Errorf("failed to reset window: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanBudget(row scanner, scope models.Scope, window models.Window) (*models.BudgetRecord, error) {
	var (
		rec         = models.BudgetRecord{Scope: scope, Window: window}
		limitTokens sql.NullInt64
		limitCost   sql.NullFloat64
		exhausted   int
		updated     string
	)
	err := row.Scan(&rec.TokensIn, &rec.TokensOut, &rec.CostUSD, &limitTokens, &limitCost, &exhausted, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan budget: %w", err)
	}
	if limitTokens.Valid {
		rec.LimitTokens = &limitTokens.Int64
	}
	if limitCost.Valid {
		rec.LimitCost = &limitCost.Float64
	}
	rec.Exhausted = exhausted != 0
	rec.LastUpdated = parseTime(updated)
	return &rec, nil
}

func scanEvent(rows *sql.Rows) (*models.Event, error) {
	var (
		evt       models.Event
		ts        string
		agentID   sql.NullString
		teamID    sql.NullString
		payload   sql.NullString
		eventType string
	)
	if err := rows.Scan(&evt.ID, &evt.Seq, &ts, &eventType, &evt.Source, &agentID, &teamID, &payload); err != nil {
		return nil, fmt.Errorf("failed to scan event: %w", err)
	}
	evt.Type = models.EventType(eventType)
	evt.Timestamp = parseTime(ts)
	evt.AgentID = agentID.String
	evt.TeamID = teamID.String
	if payload.Valid {
		evt.Payload = []byte(payload.String)
	}
	return &evt, nil
}

func decodeAgent(doc string) (*models.Agent, error) {
	var agent models.Agent
	if err := json.Unmarshal([]byte(doc), &agent); err != nil {
		return nil, fmt.Errorf("failed to decode agent: %w", err)
	}
	return &agent, nil
}

func decodeTeam(doc string) (*models.Team, error) {
	var team models.Team
	if err := json.Unmarshal([]byte(doc), &team); err != nil {
		return nil, fmt.Errorf("failed to decode team: %w", err)
	}
	return &team, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func repeat(s string, n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat(s, n)
}
