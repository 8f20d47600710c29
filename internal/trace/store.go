package trace

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx" driver
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// retainedSessions bounds the trace history; older sessions are pruned with
// their exchanges and spans.
const retainedSessions = 200

// ErrNotFound is returned for an unknown session or exchange.
var ErrNotFound = errors.New("trace: not found")

const exchangeColumns = `e.id, e.session_id, e.part, e.kind, e.started_at, e.duration_ms,
	e.transcript, e.reply, e.status, e.word_count, e.words_per_minute, e.hesitations`

// Store keeps examiner sessions, exchanges and spans in PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL at connStr and applies pending migrations.
func Open(ctx context.Context, connStr string) (*Store, error) {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("trace open: %w", err)
	}
	if err = db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("trace ping: %w", err)
	}
	if err = migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("trace migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// migrate applies each embedded migration not yet recorded, in file name
// order, one transaction per file.
func migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		name       TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`); err != nil {
		return err
	}

	names, err := fs.Glob(migrationFS, "migrations/*.sql")
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := applyMigration(ctx, db, name); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func applyMigration(ctx context.Context, db *sql.DB, name string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var applied bool
	err = tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE name = $1)`, name,
	).Scan(&applied)
	if err != nil || applied {
		return err
	}

	script, err := migrationFS.ReadFile(name)
	if err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, string(script)); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `INSERT INTO schema_migrations (name) VALUES ($1)`, name); err != nil {
		return err
	}
	return tx.Commit()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateSession records a new examiner session and prunes history beyond the
// retention limit.
func (s *Store) CreateSession(ctx context.Context, id, metadata string) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, metadata, started_at) VALUES ($1, $2, $3)`,
		id, metadata, time.Now().UTC(),
	); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM sessions WHERE started_at < (
			SELECT started_at FROM sessions ORDER BY started_at DESC OFFSET $1 LIMIT 1
		)`, retainedSessions-1)
	return err
}

// EndSession stamps the session as disconnected.
func (s *Store) EndSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = $1 WHERE id = $2`, time.Now().UTC(), id)
	return err
}

// CreateExchange records a turn or scoring request as running.
func (s *Store) CreateExchange(ctx context.Context, ex Exchange) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO exchanges (id, session_id, part, kind, started_at, transcript, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ex.ID, ex.SessionID, ex.Part, ex.Kind, ex.StartedAt.UTC(), ex.Transcript, StatusRunning)
	return err
}

// FinishExchange stores the reply, outcome and fluency figures.
func (s *Store) FinishExchange(ctx context.Context, ex Exchange) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE exchanges
		SET duration_ms = $2, reply = $3, status = $4,
		    word_count = $5, words_per_minute = $6, hesitations = $7
		WHERE id = $1`,
		ex.ID, ex.DurationMs, ex.Reply, ex.Status, ex.WordCount, ex.WordsPerMinute, ex.Hesitations)
	return err
}

// CreateSpan stores one stage of an exchange.
func (s *Store) CreateSpan(ctx context.Context, sp Span) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO spans (id, exchange_id, name, started_at, duration_ms, input, output, status, error_msg)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		sp.ID, sp.ExchangeID, sp.Name, sp.StartedAt.UTC(), sp.DurationMs,
		sp.Input, sp.Output, sp.Status, sp.Error)
	return err
}

// ListSessions returns a page of sessions, newest first, and the total count.
func (s *Store) ListSessions(ctx context.Context, limit, offset int) ([]Session, int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.metadata, s.started_at, s.ended_at,
		       (SELECT COUNT(*) FROM exchanges e WHERE e.session_id = s.id),
		       COUNT(*) OVER ()
		FROM sessions s
		ORDER BY s.started_at DESC
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	sessions := []Session{}
	total := 0
	for rows.Next() {
		var (
			sess  Session
			ended sql.Null[time.Time]
		)
		if err = rows.Scan(&sess.ID, &sess.Metadata, &sess.StartedAt, &ended, &sess.ExchangeCount, &total); err != nil {
			return nil, 0, err
		}
		sess.EndedAt = endedAt(ended)
		sessions = append(sessions, sess)
	}
	return sessions, total, rows.Err()
}

// GetSession returns a session and its exchanges in conversation order.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, []Exchange, error) {
	var (
		sess  Session
		ended sql.Null[time.Time]
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, metadata, started_at, ended_at FROM sessions WHERE id = $1`, id,
	).Scan(&sess.ID, &sess.Metadata, &sess.StartedAt, &ended)
	if err != nil {
		return nil, nil, notFound(err)
	}
	sess.EndedAt = endedAt(ended)

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+exchangeColumns+`,
		       (SELECT COUNT(*) FROM spans sp WHERE sp.exchange_id = e.id)
		FROM exchanges e
		WHERE e.session_id = $1
		ORDER BY e.started_at`, id)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	exchanges := []Exchange{}
	for rows.Next() {
		var ex Exchange
		if err = rows.Scan(append(ex.fields(), &ex.SpanCount)...); err != nil {
			return nil, nil, err
		}
		exchanges = append(exchanges, ex)
	}
	sess.ExchangeCount = len(exchanges)
	return &sess, exchanges, rows.Err()
}

// GetExchange returns one exchange of a session with its spans.
func (s *Store) GetExchange(ctx context.Context, sessionID, exchangeID string) (*Exchange, []Span, error) {
	var ex Exchange
	err := s.db.QueryRowContext(ctx,
		`SELECT `+exchangeColumns+` FROM exchanges e WHERE e.id = $1 AND e.session_id = $2`,
		exchangeID, sessionID,
	).Scan(ex.fields()...)
	if err != nil {
		return nil, nil, notFound(err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, exchange_id, name, started_at, duration_ms, input, output, status, error_msg
		FROM spans WHERE exchange_id = $1 ORDER BY started_at`, exchangeID)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	spans := []Span{}
	for rows.Next() {
		var sp Span
		if err = rows.Scan(&sp.ID, &sp.ExchangeID, &sp.Name, &sp.StartedAt, &sp.DurationMs,
			&sp.Input, &sp.Output, &sp.Status, &sp.Error); err != nil {
			return nil, nil, err
		}
		spans = append(spans, sp)
	}
	ex.SpanCount = len(spans)
	return &ex, spans, rows.Err()
}

// fields returns scan targets matching exchangeColumns.
func (ex *Exchange) fields() []any {
	return []any{&ex.ID, &ex.SessionID, &ex.Part, &ex.Kind, &ex.StartedAt, &ex.DurationMs,
		&ex.Transcript, &ex.Reply, &ex.Status, &ex.WordCount, &ex.WordsPerMinute, &ex.Hesitations}
}

func endedAt(v sql.Null[time.Time]) *time.Time {
	if !v.Valid {
		return nil
	}
	return &v.V
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
