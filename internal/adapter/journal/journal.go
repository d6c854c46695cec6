// Package journal persists reported failures so they survive restarts and can
// be inspected later. It implements report.Reporter on top of SQLite or PostgreSQL.
package journal

import (
	"context"
	"embed"
	"fmt"
	"log/slog"
	"time"

	"taskrunner/internal/shared"
	"taskrunner/pkg/report"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrations embed.FS

// Drivers accepted by Open.
const (
	DriverNone     = "none"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// reportTimeout bounds one insert so a slow database never stalls a task or retry loop.
const reportTimeout = 5 * time.Second

// Entry is one persisted failure.
type Entry struct {
	ID         int64
	Source     report.Source
	RefID      string
	Name       string
	Attempt    int
	Kind       string
	Message    string
	OccurredAt time.Time
}

// Journal stores failures and answers simple queries over them.
type Journal interface {
	report.Reporter
	// Recent returns up to limit newest entries, newest first.
	Recent(ctx context.Context, limit int) ([]Entry, error)
	// Prune deletes entries that occurred before cutoff and returns how many were removed.
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// Open opens the journal for driver. DriverNone (or "") returns nil without error.
func Open(ctx context.Context, driver, dsn string, logger *slog.Logger) (Journal, error) {
	switch driver {
	case "", DriverNone:
		return nil, nil
	case DriverSQLite:
		j, err := OpenSQLite(ctx, dsn, logger)
		if err != nil {
			return nil, err
		}
		return j, nil
	case DriverPostgres:
		j, err := OpenPostgres(ctx, dsn, logger)
		if err != nil {
			return nil, err
		}
		return j, nil
	default:
		return nil, fmt.Errorf("unknown journal driver %q: %w", driver, shared.ErrValidation)
	}
}

// entryFromFailure maps a reported failure onto a row.
func entryFromFailure(f report.Failure) Entry {
	occurred := f.Time
	if occurred.IsZero() {
		occurred = time.Now()
	}

	message := ""
	if f.Err != nil {
		message = f.Err.Error()
	}

	return Entry{
		Source:     f.Source,
		RefID:      f.ID,
		Name:       f.Name,
		Attempt:    f.Attempt,
		Kind:       shared.KindOf(f.Err).String(),
		Message:    message,
		OccurredAt: occurred.UTC(),
	}
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}
