package trace

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx" driver
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const maxDevices = 500

// Store persists trace data to PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open connects to a PostgreSQL trace database at connStr.
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

func migrate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`)
	if err != nil {
		return err
	}

	var current int
	row := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), -1) FROM schema_version`)
	if err = row.Scan(&current); err != nil {
		return err
	}

	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	for i := current + 1; i < len(entries); i++ {
		data, readErr := migrationFS.ReadFile("migrations/" + entries[i].Name())
		if readErr != nil {
			return fmt.Errorf("read migration %d: %w", i, readErr)
		}
		if _, execErr := db.ExecContext(ctx, string(data)); execErr != nil {
			return fmt.Errorf("migration %d: %w", i, execErr)
		}
		if _, execErr := db.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES ($1)`, i); execErr != nil {
			return fmt.Errorf("migration %d record: %w", i, execErr)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// TouchDevice records activity for a device and prunes the least recently
// seen ones beyond the retention limit.
func (s *Store) TouchDevice(id string) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(
		`INSERT INTO devices (id, first_seen, last_seen) VALUES ($1, $2, $2)
		 ON CONFLICT (id) DO UPDATE SET last_seen = EXCLUDED.last_seen`,
		id, now,
	)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`DELETE FROM devices WHERE id NOT IN (SELECT id FROM devices ORDER BY last_seen DESC LIMIT $1)`,
		maxDevices,
	)
	return err
}

// CreateRun inserts a new run.
func (s *Store) CreateRun(id, deviceID, turnID string) error {
	_, err := s.db.Exec(
		`INSERT INTO runs (id, device_id, turn_id, started_at, status) VALUES ($1, $2, $3, $4, 'running')`,
		id, deviceID, turnID, time.Now().UTC(),
	)
	return err
}

// UpdateRun sets the run's final fields.
func (s *Store) UpdateRun(id string, res RunResult) error {
	_, err := s.db.Exec(
		`UPDATE runs SET duration_ms = $1, transcript = $2, reply = $3, tool = $4, status = $5 WHERE id = $6`,
		res.DurationMs, res.Transcript, res.Reply, res.Tool, res.Status, id,
	)
	return err
}

// CreateSpan inserts a span.
func (s *Store) CreateSpan(sp Span) error {
	_, err := s.db.Exec(
		`INSERT INTO spans (id, run_id, name, started_at, duration_ms, input, output, status, error_msg)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		sp.ID, sp.RunID, sp.Name, sp.StartedAt.UTC(),
		sp.DurationMs, sp.Input, sp.Output, sp.Status, sp.Error,
	)
	return err
}

// ListRuns returns a device's runs newest first, with span counts.
func (s *Store) ListRuns(ctx context.Context, deviceID string, limit, offset int) ([]Run, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs WHERE device_id = $1`, deviceID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.device_id, r.turn_id, r.started_at, r.duration_ms, r.transcript, r.reply, r.tool, r.status,
		       COUNT(sp.id) as span_count
		FROM runs r
		LEFT JOIN spans sp ON sp.run_id = r.id
		WHERE r.device_id = $1
		GROUP BY r.id
		ORDER BY r.started_at DESC
		LIMIT $2 OFFSET $3
	`, deviceID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		var r Run
		if err = rows.Scan(&r.ID, &r.DeviceID, &r.TurnID, &r.StartedAt, &r.DurationMs, &r.Transcript, &r.Reply, &r.Tool, &r.Status, &r.SpanCount); err != nil {
			return nil, 0, err
		}
		runs = append(runs, r)
	}
	return runs, total, rows.Err()
}

// GetRun returns a single run of a device with its spans.
func (s *Store) GetRun(ctx context.Context, deviceID, runID string) (*Run, []Span, error) {
	var r Run
	err := s.db.QueryRowContext(ctx,
		`SELECT id, device_id, turn_id, started_at, duration_ms, transcript, reply, tool, status FROM runs WHERE id = $1 AND device_id = $2`,
		runID, deviceID,
	).Scan(&r.ID, &r.DeviceID, &r.TurnID, &r.StartedAt, &r.DurationMs, &r.Transcript, &r.Reply, &r.Tool, &r.Status)
	if err != nil {
		return nil, nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, name, started_at, duration_ms, input, output, status, error_msg FROM spans WHERE run_id = $1 ORDER BY started_at ASC`,
		runID,
	)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	spans := []Span{}
	for rows.Next() {
		var sp Span
		if err = rows.Scan(&sp.ID, &sp.RunID, &sp.Name, &sp.StartedAt, &sp.DurationMs, &sp.Input, &sp.Output, &sp.Status, &sp.Error); err != nil {
			return nil, nil, err
		}
		spans = append(spans, sp)
	}
	return &r, spans, rows.Err()
}
