package journal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskrunner/internal/shared"
	"taskrunner/pkg/report"
)

func openTestSQLite(t *testing.T) *SQLite {
	t.Helper()

	j, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "journal.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestOpen_Drivers(t *testing.T) {
	ctx := context.Background()

	j, err := Open(ctx, DriverNone, "", nil)
	require.NoError(t, err)
	assert.Nil(t, j)

	j, err = Open(ctx, "", "", nil)
	require.NoError(t, err)
	assert.Nil(t, j)

	_, err = Open(ctx, "mysql", "", nil)
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = Open(ctx, DriverSQLite, "", nil)
	require.ErrorIs(t, err, shared.ErrValidation)

	j, err = Open(ctx, DriverSQLite, filepath.Join(t.TempDir(), "j.db"), nil)
	require.NoError(t, err)
	require.NotNil(t, j)
	require.NoError(t, j.Close())
}

func TestEntryFromFailure(t *testing.T) {
	at := time.Date(2024, 1, 1, 12, 0, 0, 0, time.FixedZone("MSK", 3*3600))
	err := shared.MarkKind(errors.New("connection refused"), shared.KindDependencyFailure)

	e := entryFromFailure(report.Failure{
		Source:  report.SourceRetry,
		ID:      "op-1",
		Name:    "journal-ping",
		Attempt: 2,
		Err:     err,
		Time:    at,
	})

	assert.Equal(t, report.SourceRetry, e.Source)
	assert.Equal(t, "op-1", e.RefID)
	assert.Equal(t, "journal-ping", e.Name)
	assert.Equal(t, 2, e.Attempt)
	assert.Equal(t, "DependencyFailure", e.Kind)
	assert.Equal(t, err.Error(), e.Message)
	assert.Equal(t, time.UTC, e.OccurredAt.Location())
	assert.True(t, e.OccurredAt.Equal(at))

	empty := entryFromFailure(report.Failure{Source: report.SourceScheduler})
	assert.Equal(t, "Unknown", empty.Kind)
	assert.Empty(t, empty.Message)
	assert.False(t, empty.OccurredAt.IsZero(), "время по умолчанию - текущее")
}

func TestSQLite_ReportAndRecent(t *testing.T) {
	ctx := context.Background()
	j := openTestSQLite(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		j.Report(ctx, report.Failure{
			Source:  report.SourceScheduler,
			ID:      fmt.Sprintf("h-%d", i),
			Name:    "heartbeat",
			Attempt: i + 1,
			Err:     fmt.Errorf("run %d: %w", i, context.DeadlineExceeded),
			Time:    base.Add(time.Duration(i) * time.Minute),
		})
	}

	entries, err := j.Recent(ctx, 3)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, "h-4", entries[0].RefID, "самые новые записи первыми")
	assert.Equal(t, "h-2", entries[2].RefID)
	assert.Equal(t, report.SourceScheduler, entries[0].Source)
	assert.Equal(t, "heartbeat", entries[0].Name)
	assert.Equal(t, 5, entries[0].Attempt)
	assert.Equal(t, "Timeout", entries[0].Kind)
	assert.Contains(t, entries[0].Message, "run 4")
	assert.True(t, entries[0].OccurredAt.Equal(base.Add(4*time.Minute)))
	assert.Positive(t, entries[0].ID)

	all, err := j.Recent(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestSQLite_Prune(t *testing.T) {
	ctx := context.Background()
	j := openTestSQLite(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 4; i++ {
		j.Report(ctx, report.Failure{
			Source: report.SourceRetry,
			ID:     fmt.Sprintf("op-%d", i),
			Err:    errors.New("boom"),
			Time:   base.Add(time.Duration(i) * time.Hour),
		})
	}

	removed, err := j.Prune(ctx, base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	entries, err := j.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "op-3", entries[0].RefID)
	assert.Equal(t, "op-2", entries[1].RefID)

	removed, err = j.Prune(ctx, base)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestSQLite_ReopenKeepsEntries(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "journal.db")

	j, err := OpenSQLite(ctx, path, nil)
	require.NoError(t, err)
	j.Report(ctx, report.Failure{Source: report.SourceRetry, ID: "op", Err: errors.New("boom")})
	require.NoError(t, j.Close())

	j, err = OpenSQLite(ctx, path, nil)
	require.NoError(t, err)
	defer j.Close()

	entries, err := j.Recent(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSQLite_PingAndClosedReport(t *testing.T) {
	ctx := context.Background()
	j, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "journal.db"), nil)
	require.NoError(t, err)

	require.NoError(t, j.Ping(ctx))
	require.NoError(t, j.Close())

	assert.ErrorIs(t, j.Ping(ctx), shared.ErrDependencyFailure)
	assert.NotPanics(t, func() {
		j.Report(ctx, report.Failure{Source: report.SourceRetry, Err: errors.New("boom")})
	}, "ошибка вставки не должна выходить наружу")
}

func TestPostgres_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("integration test requires TEST_DATABASE_URL")
	}

	ctx := context.Background()
	j, err := OpenPostgres(ctx, dsn, nil)
	require.NoError(t, err)
	defer j.Close()

	_, err = j.Prune(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)

	at := time.Now().UTC().Truncate(time.Millisecond)
	j.Report(ctx, report.Failure{
		Source:  report.SourceScheduler,
		ID:      "h-1",
		Name:    "journal-probe",
		Attempt: 1,
		Err:     shared.ErrDependencyFailure,
		Time:    at,
	})

	entries, err := j.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "DependencyFailure", entries[0].Kind)
	assert.True(t, entries[0].OccurredAt.Equal(at))

	require.NoError(t, j.Ping(ctx))

	removed, err := j.Prune(ctx, at.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
}
