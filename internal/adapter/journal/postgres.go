package journal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"taskrunner/internal/platform/pg"
	"taskrunner/internal/shared"
	"taskrunner/pkg/report"
)

// Postgres is a journal stored in PostgreSQL.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ Journal = (*Postgres)(nil)

// OpenPostgres waits for the database, migrates it and opens a pool.
func OpenPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*Postgres, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := pg.WaitForDB(ctx, dsn, pg.DefaultHealthCheckOptions()); err != nil {
		return nil, fmt.Errorf("wait for postgres journal: %w", err)
	}

	info, err := pg.ApplyMigrationsFromFS(dsn, migrations, "migrations/postgres")
	if err != nil {
		return nil, fmt.Errorf("migrate postgres journal: %w", err)
	}

	pool, err := pg.NewPool(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres journal: %w", err)
	}

	logger.Info("failure journal opened", "driver", DriverPostgres,
		"schema_version", info.FinalVersion, "migrated", info.Applied)
	return &Postgres{pool: pool, logger: logger}, nil
}

// Report stores f. Insert errors are logged and swallowed.
func (j *Postgres) Report(ctx context.Context, f report.Failure) {
	e := entryFromFailure(f)

	ctx, cancel := context.WithTimeout(ctx, reportTimeout)
	defer cancel()

	_, err := j.pool.Exec(ctx,
		`INSERT INTO failures (source, ref_id, name, attempt, kind, message, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		string(e.Source), e.RefID, e.Name, e.Attempt, e.Kind, e.Message, e.OccurredAt,
	)
	if err != nil {
		j.logger.Error("failed to journal failure", "source", e.Source, "id", e.RefID, "error", err)
	}
}

// Recent returns up to limit newest entries, newest first.
func (j *Postgres) Recent(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := j.pool.Query(ctx,
		`SELECT id, source, ref_id, name, attempt, kind, message, occurred_at
		 FROM failures ORDER BY occurred_at DESC, id DESC LIMIT $1`,
		normalizeLimit(limit),
	)
	if err != nil {
		return nil, shared.Wrap(shared.MarkKind(err, shared.KindDependencyFailure), "query recent failures")
	}

	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Entry, error) {
		var (
			e      Entry
			source string
		)
		err := row.Scan(&e.ID, &source, &e.RefID, &e.Name, &e.Attempt, &e.Kind, &e.Message, &e.OccurredAt)
		e.Source = report.Source(source)
		e.OccurredAt = e.OccurredAt.UTC()
		return e, err
	})
	if err != nil {
		return nil, shared.Wrap(err, "scan failure rows")
	}
	return out, nil
}

// Prune deletes entries that occurred before cutoff.
func (j *Postgres) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := j.pool.Exec(ctx, `DELETE FROM failures WHERE occurred_at < $1`, cutoff)
	if err != nil {
		return 0, shared.Wrap(shared.MarkKind(err, shared.KindDependencyFailure), "prune failures")
	}
	return tag.RowsAffected(), nil
}

// Ping runs a trivial query against the pool.
func (j *Postgres) Ping(ctx context.Context) error {
	return pg.HealthCheckPool(ctx, j.pool)
}

// Close closes the pool.
func (j *Postgres) Close() error {
	j.pool.Close()
	return nil
}
