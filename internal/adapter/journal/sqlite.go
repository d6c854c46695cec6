package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"taskrunner/internal/platform/sqlite"
	"taskrunner/internal/shared"
	"taskrunner/pkg/report"
)

// SQLite is a journal stored in a local SQLite file.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Journal = (*SQLite)(nil)

// OpenSQLite opens (creating if needed) and migrates the journal at path.
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLite, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sqlite.Open(ctx, path, sqlite.DefaultOptions())
	if err != nil {
		return nil, fmt.Errorf("open sqlite journal: %w", err)
	}

	version, err := sqlite.ApplyMigrationsFromFS(path, migrations, "migrations/sqlite")
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate sqlite journal: %w", err)
	}

	logger.Info("failure journal opened", "driver", DriverSQLite, "path", path, "schema_version", version)
	return &SQLite{db: db, logger: logger}, nil
}

// Report stores f. Insert errors are logged and swallowed.
func (j *SQLite) Report(ctx context.Context, f report.Failure) {
	e := entryFromFailure(f)

	ctx, cancel := context.WithTimeout(ctx, reportTimeout)
	defer cancel()

	_, err := j.db.ExecContext(ctx,
		`INSERT INTO failures (source, ref_id, name, attempt, kind, message, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(e.Source), e.RefID, e.Name, e.Attempt, e.Kind, e.Message, e.OccurredAt.UnixMilli(),
	)
	if err != nil {
		j.logger.Error("failed to journal failure", "source", e.Source, "id", e.RefID, "error", err)
	}
}

// Recent returns up to limit newest entries, newest first.
func (j *SQLite) Recent(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, source, ref_id, name, attempt, kind, message, occurred_at
		 FROM failures ORDER BY occurred_at DESC, id DESC LIMIT ?`,
		normalizeLimit(limit),
	)
	if err != nil {
		return nil, shared.Wrap(err, "query recent failures")
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e        Entry
			source   string
			occurred int64
		)
		if err := rows.Scan(&e.ID, &source, &e.RefID, &e.Name, &e.Attempt, &e.Kind, &e.Message, &occurred); err != nil {
			return nil, shared.Wrap(err, "scan failure row")
		}
		e.Source = report.Source(source)
		e.OccurredAt = time.UnixMilli(occurred).UTC()
		out = append(out, e)
	}
	return out, shared.Wrap(rows.Err(), "iterate failure rows")
}

// Prune deletes entries that occurred before cutoff.
func (j *SQLite) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx, `DELETE FROM failures WHERE occurred_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, shared.Wrap(err, "prune failures")
	}
	return res.RowsAffected()
}

// Ping checks that the database answers.
func (j *SQLite) Ping(ctx context.Context) error {
	if err := j.db.PingContext(ctx); err != nil {
		return shared.MarkKind(err, shared.KindDependencyFailure)
	}
	return nil
}

// Close closes the database.
func (j *SQLite) Close() error {
	return j.db.Close()
}
