// Package postgres implements store.Repository on PostgreSQL via the pgx
// stdlib driver, for shared deployments. Row-level FOR UPDATE locking makes
// debits serializable, and a session advisory lock enforces the single
// orchestrator writer.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver for database/sql

	"github.com/flocklab/flock/pkg/models"
	"github.com/flocklab/flock/pkg/store"
)

//go:embed migrations
var migrationsFS embed.FS

// advisoryLockKey identifies the orchestrator writer lock. All orchestrator
// processes sharing one database contend on this key.
const advisoryLockKey = 0x466c6f636b // "Flock"

// Config holds connection settings.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// SkipWriterLock disables the advisory single-writer lock (tests that
	// share one database between parallel packages).
	SkipWriterLock bool
}

// Store implements store.Repository on PostgreSQL.
type Store struct {
	db *sql.DB
	// lockConn pins the session holding the advisory writer lock.
	lockConn *sql.Conn
}

var _ store.Repository = (*Store)(nil)

// Open connects, applies pending migrations, and acquires the single-writer
// advisory lock.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(db, cfg.Database); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	s := &Store{db: db}
	if !cfg.SkipWriterLock {
		if err := s.acquireWriterLock(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return s, nil
}

// OpenDSN is a convenience for tests that hold a ready connection string.
func OpenDSN(ctx context.Context, dsn string, skipWriterLock bool) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := runMigrations(db, "flock"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	s := &Store{db: db}
	if !skipWriterLock {
		if err := s.acquireWriterLock(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return s, nil
}

// acquireWriterLock takes a session advisory lock on a pinned connection so
// a second orchestrator against the same database fails fast instead of
// corrupting per-id lock assumptions.
func (s *Store) acquireWriterLock(ctx context.Context) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to pin lock connection: %w", err)
	}
	var acquired bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, advisoryLockKey).Scan(&acquired); err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to acquire writer lock: %w", err)
	}
	if !acquired {
		_ = conn.Close()
		return fmt.Errorf("another orchestrator holds the writer lock: %w", models.ErrInvalidState)
	}
	s.lockConn = conn
	return nil
}

func runMigrations(db *sql.DB, database string) error {
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, database, driver)
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
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		agent.ID, string(agent.State), nullable(agent.TeamID), nullable(agent.ParentID),
		nullable(agent.SessionKey), agent.SpawnedAt.UTC(), doc)
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
	var doc []byte
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM agents WHERE id = $1`, id).Scan(&doc)
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
		args = append(args, filters.TeamID)
		query += fmt.Sprintf(` AND team_id = $%d`, len(args))
	}
	if filters.ParentID != "" {
		args = append(args, filters.ParentID)
		query += fmt.Sprintf(` AND parent_id = $%d`, len(args))
	}
	if len(filters.States) > 0 {
		placeholders := make([]string, 0, len(filters.States))
		for _, st := range filters.States {
			args = append(args, string(st))
			placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
		}
		query += ` AND state IN (` + strings.Join(placeholders, ",") + `)`
	}
	query += ` ORDER BY spawned_at DESC, id`
	if filters.Limit > 0 {
		args = append(args, filters.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	if filters.Offset > 0 {
		args = append(args, filters.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	var out []*models.Agent
	for rows.Next() {
		var doc []byte
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

	var doc []byte
	err = tx.QueryRowContext(ctx, `SELECT doc FROM agents WHERE id = $1 FOR UPDATE`, agentID).Scan(&doc)
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
		`UPDATE agents SET state = $1, team_id = $2, parent_id = $3, session_key = $4, doc = $5 WHERE id = $6`,
		string(agent.State), nullable(agent.TeamID), nullable(agent.ParentID),
		nullable(agent.SessionKey), updated, agentID)
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
		`INSERT INTO teams (id, status, created_at, doc) VALUES ($1, $2, $3, $4)`,
		team.ID, string(team.Status), team.CreatedAt.UTC(), doc)
	if err != nil {
		return fmt.Errorf("failed to insert team: %w", err)
	}
	return nil
}

func (s *Store) GetTeam(ctx context.Context, id string) (*models.Team, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM teams WHERE id = $1`, id).Scan(&doc)
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

	var doc []byte
	err = tx.QueryRowContext(ctx, `SELECT doc FROM teams WHERE id = $1 FOR UPDATE`, teamID).Scan(&doc)
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
	_, err = tx.ExecContext(ctx, `UPDATE teams SET status = $1, doc = $2 WHERE id = $3`,
		string(team.Status), updated, teamID)
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
		placeholders := make([]string, 0, len(filters.Statuses))
		for _, st := range filters.Statuses {
			args = append(args, string(st))
			placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
		}
		query += ` AND status IN (` + strings.Join(placeholders, ",") + `)`
	}
	query += ` ORDER BY created_at DESC, id`
	if filters.Limit > 0 {
		args = append(args, filters.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	if filters.Offset > 0 {
		args = append(args, filters.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list teams: %w", err)
	}
	defer rows.Close()

	var out []*models.Team
	for rows.Next() {
		var doc []byte
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
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		evt.ID, int64(evt.Seq), evt.Timestamp.UTC(), string(evt.Type), evt.Source,
		nullable(evt.AgentID), nullable(evt.TeamID), nullableBytes(evt.Payload))
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, evt *models.Event) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO events (id, seq, timestamp, type, source, agent_id, team_id, payload)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		evt.ID, int64(evt.Seq), evt.Timestamp.UTC(), string(evt.Type), evt.Source,
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
		args = append(args, filter.AgentID)
		query += fmt.Sprintf(` AND agent_id = $%d`, len(args))
	}
	if filter.TeamID != "" {
		args = append(args, filter.TeamID)
		query += fmt.Sprintf(` AND team_id = $%d`, len(args))
	}
	if filter.AfterSeq > 0 {
		args = append(args, int64(filter.AfterSeq))
		query += fmt.Sprintf(` AND seq > $%d`, len(args))
	}
	if len(filter.Types) > 0 {
		placeholders := make([]string, 0, len(filter.Types))
		for _, t := range filter.Types {
			args = append(args, string(t))
			placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
		}
		query += ` AND type IN (` + strings.Join(placeholders, ",") + `)`
	}
	query += ` ORDER BY seq`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
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
		 FROM budgets WHERE scope_type = $1 AND scope_id = $2 AND window = $3`,
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
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (scope_type, scope_id, window)
		 DO UPDATE SET limit_cost = EXCLUDED.limit_cost, limit_tokens = EXCLUDED.limit_tokens, last_updated = EXCLUDED.last_updated`,
		string(scope.Type), scope.ID, string(window), limitCost, limitTokens, time.Now().UTC())
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

	// Lock rows in a fixed global order so concurrent debits sharing scopes
	// never deadlock.
	type lockRow struct {
		scope  models.Scope
		window models.Window
	}
	locks := make([]lockRow, 0, len(req.Scopes)*2)
	for _, scope := range req.Scopes {
		for _, w := range windows {
			locks = append(locks, lockRow{scope: scope, window: w})
		}
	}
	sort.Slice(locks, func(i, j int) bool {
		a, b := locks[i], locks[j]
		if a.scope.Type != b.scope.Type {
			return a.scope.Type < b.scope.Type
		}
		if a.scope.ID != b.scope.ID {
			return a.scope.ID < b.scope.ID
		}
		return a.window < b.window
	})

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	for _, l := range locks {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO budgets (scope_type, scope_id, window, last_updated) VALUES ($1, $2, $3, $4)
			 ON CONFLICT (scope_type, scope_id, window) DO NOTHING`,
			string(l.scope.Type), l.scope.ID, string(l.window), now)
		if err != nil {
			return nil, fmt.Errorf("failed to ensure budget row: %w", err)
		}
	}

	records := make(map[lockRow]*models.BudgetRecord, len(locks))
	for _, l := range locks {
		row := tx.QueryRowContext(ctx,
			`SELECT tokens_in, tokens_out, cost_usd, limit_tokens, limit_cost, exhausted, last_updated
			 FROM budgets WHERE scope_type = $1 AND scope_id = $2 AND window = $3 FOR UPDATE`,
			string(l.scope.Type), l.scope.ID, string(l.window))
		rec, err := scanBudget(row, l.scope, l.window)
		if err != nil {
			return nil, err
		}
		if rec.LimitCost != nil && rec.CostUSD+req.CostUSD > *rec.LimitCost*hardPct+store.CostEpsilon {
			deniedScope := l.scope
			return &store.DebitOutcome{Denied: true, DeniedScope: &deniedScope, DeniedWindow: l.window}, nil
		}
		if rec.LimitTokens != nil && rec.TokensIn+rec.TokensOut+req.Usage.TokensIn+req.Usage.TokensOut > *rec.LimitTokens {
			deniedScope := l.scope
			return &store.DebitOutcome{Denied: true, DeniedScope: &deniedScope, DeniedWindow: l.window}, nil
		}
		records[l] = rec
	}

	outcome := &store.DebitOutcome{}
	for _, l := range locks {
		_, err = tx.ExecContext(ctx,
			`UPDATE budgets SET tokens_in = tokens_in + $1, tokens_out = tokens_out + $2,
			 cost_usd = cost_usd + $3, last_updated = $4
			 WHERE scope_type = $5 AND scope_id = $6 AND window = $7`,
			req.Usage.TokensIn, req.Usage.TokensOut, req.CostUSD, now,
			string(l.scope.Type), l.scope.ID, string(l.window))
		if err != nil {
			return nil, fmt.Errorf("failed to debit budget: %w", err)
		}
		rec := records[l]
		rec.TokensIn += req.Usage.TokensIn
		rec.TokensOut += req.Usage.TokensOut
		rec.CostUSD += req.CostUSD
		rec.LastUpdated = now
		outcome.Records = append(outcome.Records, rec)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return outcome, nil
}

func (s *Store) MarkExhausted(ctx context.Context, scope models.Scope, window models.Window, exhausted bool) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO budgets (scope_type, scope_id, window, exhausted, last_updated) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (scope_type, scope_id, window)
		 DO UPDATE SET exhausted = EXCLUDED.exhausted, last_updated = EXCLUDED.last_updated`,
		string(scope.Type), scope.ID, string(window), exhausted, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to mark budget exhausted: %w", err)
	}
	return nil
}

func (s *Store) ResetBudget(ctx context.Context, scope models.Scope, window models.Window) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE budgets SET tokens_in = 0, tokens_out = 0, cost_usd = 0, exhausted = FALSE, last_updated = $1
		 WHERE scope_type = $2 AND scope_id = $3 AND window = $4`,
		time.Now().UTC(), string(scope.Type), scope.ID, string(window))
	if err != nil {
		return fmt.Errorf("failed to reset budget: %w", err)
	}
	return nil
}

func (s *Store) ResetWindow(ctx context.Context, window models.Window) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE budgets SET tokens_in = 0, tokens_out = 0, cost_usd = 0, exhausted = FALSE, last_updated = $1
		 WHERE window = $2`,
		time.Now().UTC(), string(window))
	if err != nil {
		return fmt.Errorf("failed to reset window: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// DB exposes the pool for health checks and the NOTIFY mirror.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	if s.lockConn != nil {
		_, _ = s.lockConn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, advisoryLockKey)
		_ = s.lockConn.Close()
	}
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBudget(row scanner, scope models.Scope, window models.Window) (*models.BudgetRecord, error) {
	var (
		rec         = models.BudgetRecord{Scope: scope, Window: window}
		limitTokens sql.NullInt64
		limitCost   sql.NullFloat64
	)
	err := row.Scan(&rec.TokensIn, &rec.TokensOut, &rec.CostUSD, &limitTokens, &limitCost, &rec.Exhausted, &rec.LastUpdated)
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
	return &rec, nil
}

func scanEvent(rows *sql.Rows) (*models.Event, error) {
	var (
		evt       models.Event
		seq       int64
		agentID   sql.NullString
		teamID    sql.NullString
		payload   []byte
		eventType string
	)
	if err := rows.Scan(&evt.ID, &seq, &evt.Timestamp, &eventType, &evt.Source, &agentID, &teamID, &payload); err != nil {
		return nil, fmt.Errorf("failed to scan event: %w", err)
	}
	evt.Seq = uint64(seq)
	evt.Type = models.EventType(eventType)
	evt.AgentID = agentID.String
	evt.TeamID = teamID.String
	evt.Payload = payload
	return &evt, nil
}

func decodeAgent(doc []byte) (*models.Agent, error) {
	var agent models.Agent
	if err := json.Unmarshal(doc, &agent); err != nil {
		return nil, fmt.Errorf("failed to decode agent: %w", err)
	}
	return &agent, nil
}

func decodeTeam(doc []byte) (*models.Team, error) {
	var team models.Team
	if err := json.Unmarshal(doc, &team); err != nil {
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
	return b
}
