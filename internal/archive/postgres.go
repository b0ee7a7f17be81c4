package archive

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Compile-time interface check.
var _ Store = (*Postgres)(nil)

const ddlTranscriptEntries = `
CREATE TABLE IF NOT EXISTS transcript_entries (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  TEXT         NOT NULL DEFAULT '',
    seq         BIGINT       NOT NULL,
    line        INTEGER      NOT NULL DEFAULT 0,
    text        TEXT         NOT NULL,
    failed      BOOLEAN      NOT NULL DEFAULT false,
    audio_ns    BIGINT       NOT NULL DEFAULT 0,
    latency_ns  BIGINT       NOT NULL DEFAULT 0,
    timestamp   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_transcript_entries_session
    ON transcript_entries (session_id, id);

CREATE INDEX IF NOT EXISTS idx_transcript_entries_timestamp
    ON transcript_entries (timestamp);
`

var entryColumns = []string{
	"session_id", "seq", "line", "text", "failed", "audio_ns", "latency_ns", "timestamp",
}

// Migrate creates the archive table and its indexes. It is idempotent and
// safe to call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlTranscriptEntries); err != nil {
		return fmt.Errorf("archive: migrate: %w", err)
	}
	return nil
}

// Postgres is a [Store] backed by a PostgreSQL transcript_entries table.
// All methods are safe for concurrent use.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to the database at dsn, verifies the connection and
// runs [Migrate]. The caller must call Close when done.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("archive: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Postgres{pool: pool}, nil
}

// Ping checks the database connection. It doubles as a readiness check.
func (p *Postgres) Ping(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return fmt.Errorf("archive: ping: %w", err)
	}
	return nil
}

// Close releases every pooled connection.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// WriteEntries implements [Store] with a single COPY.
func (p *Postgres) WriteEntries(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	_, err := p.pool.CopyFrom(ctx,
		pgx.Identifier{"transcript_entries"},
		entryColumns,
		pgx.CopyFromSlice(len(entries), func(i int) ([]any, error) {
			e := entries[i]
			return []any{
				e.SessionID,
				int64(e.Seq),
				e.Line,
				e.Text,
				e.Failed,
				e.Audio.Nanoseconds(),
				e.Latency.Nanoseconds(),
				e.Timestamp,
			}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("archive: write entries: %w", err)
	}
	return nil
}

// Recent implements [Store].
func (p *Postgres) Recent(ctx context.Context, sessionID string, limit int) ([]Entry, error) {
	args := []any{sessionID}
	inner := "SELECT id, " + strings.Join(entryColumns, ", ") + "\n" +
		"FROM   transcript_entries\n" +
		"WHERE  session_id = $1\n" +
		"ORDER  BY id DESC"
	if limit > 0 {
		args = append(args, limit)
		inner += "\nLIMIT  $2"
	}
	q := "SELECT " + strings.Join(entryColumns, ", ") + "\n" +
		"FROM   (" + inner + ") recent\n" +
		"ORDER  BY id"

	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("archive: recent: %w", err)
	}
	return collectEntries(rows)
}

// Search implements [Store]. Matching is by substring so it works for
// languages without word boundaries.
func (p *Postgres) Search(ctx context.Context, query string, opts SearchOpts) ([]Entry, error) {
	args := []any{query}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{"strpos(text, $1) > 0"}
	if opts.SessionID != "" {
		conditions = append(conditions, "session_id = "+next(opts.SessionID))
	}
	if !opts.After.IsZero() {
		conditions = append(conditions, "timestamp > "+next(opts.After))
	}
	if !opts.Before.IsZero() {
		conditions = append(conditions, "timestamp < "+next(opts.Before))
	}

	q := "SELECT " + strings.Join(entryColumns, ", ") + "\n" +
		"FROM   transcript_entries\n" +
		"WHERE  " + strings.Join(conditions, "\n  AND  ") + "\n" +
		"ORDER  BY id"
	if opts.Limit > 0 {
		q += "\nLIMIT  " + next(opts.Limit)
	}

	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("archive: search: %w", err)
	}
	return collectEntries(rows)
}

// collectEntries scans rows selected with entryColumns.
func collectEntries(rows pgx.Rows) ([]Entry, error) {
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Entry, error) {
		var (
			e         Entry
			seq       int64
			audioNS   int64
			latencyNS int64
		)
		if err := row.Scan(
			&e.SessionID,
			&seq,
			&e.Line,
			&e.Text,
			&e.Failed,
			&audioNS,
			&latencyNS,
			&e.Timestamp,
		); err != nil {
			return Entry{}, err
		}
		e.Seq = uint64(seq)
		e.Audio = time.Duration(audioNS)
		e.Latency = time.Duration(latencyNS)
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("archive: scan rows: %w", err)
	}
	if entries == nil {
		entries = []Entry{}
	}
	return entries, nil
}
