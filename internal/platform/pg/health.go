package pg

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"taskrunner/internal/shared"
	"taskrunner/pkg/retry"
)

// HealthCheckOptions содержит опции для ожидания доступности БД.
type HealthCheckOptions struct {
	// MaxRetries - максимальное количество попыток (0 = бесконечно до таймаута контекста)
	MaxRetries int
	// InitialInterval - начальная задержка между попытками
	InitialInterval time.Duration
	// MaxInterval - максимальная задержка между попытками
	MaxInterval time.Duration
	// Multiplier - множитель задержки (1 = фиксированная задержка)
	Multiplier float64
	// PingTimeout - таймаут для каждой попытки ping
	PingTimeout time.Duration
}

// DefaultHealthCheckOptions возвращает опции по умолчанию для проверки здоровья БД.
func DefaultHealthCheckOptions() HealthCheckOptions {
	return HealthCheckOptions{
		MaxRetries:      10,
		InitialInterval: 1 * time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2,
		PingTimeout:     5 * time.Second,
	}
}

// retryPolicy переводит опции ожидания в политику повторов.
func (o HealthCheckOptions) retryPolicy() retry.Policy {
	attempts := o.MaxRetries
	if attempts <= 0 {
		attempts = math.MaxInt32
	}
	return retry.Policy{
		MaxAttempts:  attempts,
		InitialDelay: o.InitialInterval,
		Multiplier:   o.Multiplier,
		MaxDelay:     o.MaxInterval,
		RetryOn:      []error{shared.ErrDependencyFailure},
	}
}

// WaitForDB ожидает доступности базы данных, повторяя ping по политике из opts.
// Возвращает nil при успешном подключении или ошибку при превышении лимитов.
func WaitForDB(ctx context.Context, dsn string, opts HealthCheckOptions) error {
	err := retry.Do(ctx, opts.retryPolicy(), func(ctx context.Context) error {
		return pingDatabase(ctx, dsn, opts.PingTimeout)
	}, retry.WithOperationName("postgres-wait"))
	if err != nil {
		return fmt.Errorf("database not available: %w", err)
	}
	return nil
}

// HealthCheckPool выполняет проверку здоровья существующего пула подключений.
func HealthCheckPool(ctx context.Context, pool *pgxpool.Pool) error {
	if pool == nil {
		return fmt.Errorf("pool is nil: %w", shared.ErrInternal)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	// Выполняем простой запрос, Ping не проверяет выполнение SQL
	var result int
	if err := pool.QueryRow(ctx, "SELECT 1").Scan(&result); err != nil {
		return shared.Wrap(shared.MarkKind(err, shared.KindDependencyFailure), "health query failed")
	}

	if result != 1 {
		return fmt.Errorf("unexpected query result: got %d, want 1: %w", result, shared.ErrInternal)
	}

	return nil
}

// pingDatabase выполняет пинг БД с созданием временного подключения.
// Некорректный DSN не исправится повтором, поэтому он помечается как Validation.
func pingDatabase(ctx context.Context, dsn string, timeout time.Duration) error {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return shared.MarkKind(err, shared.KindValidation)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return shared.MarkKind(fmt.Errorf("failed to create pool: %w", err), shared.KindDependencyFailure)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return shared.MarkKind(fmt.Errorf("ping failed: %w", err), shared.KindDependencyFailure)
	}

	return nil
}
