package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"taskrunner/internal/shared"
)

// ErrInvalidPolicy возвращается конструкторами политик и Schedule при некорректных параметрах.
var ErrInvalidPolicy = fmt.Errorf("invalid schedule policy: %w", shared.ErrValidation)

// PolicyKind определяет способ вычисления следующего запуска.
type PolicyKind int

const (
	// KindFixedRate - запуски через равные промежутки от исходной точки.
	KindFixedRate PolicyKind = iota + 1
	// KindFixedDelay - пауза отсчитывается от завершения предыдущего запуска.
	KindFixedDelay
	// KindInitialDelayThenFixedRate - первая задержка, затем фиксированная частота.
	KindInitialDelayThenFixedRate
	// KindCron - пятипольное cron-выражение.
	KindCron
)

func (k PolicyKind) String() string {
	switch k {
	case KindFixedRate:
		return "fixed-rate"
	case KindFixedDelay:
		return "fixed-delay"
	case KindInitialDelayThenFixedRate:
		return "initial-delay-then-fixed-rate"
	case KindCron:
		return "cron"
	default:
		return "unknown"
	}
}

// cronParser разбирает стандартные пятипольные выражения и дескрипторы (@hourly, @every 5m).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Policy описывает расписание задачи. Нулевое значение некорректно,
// используйте FixedRate, FixedDelay, InitialDelayThenFixedRate или Cron.
type Policy struct {
	kind         PolicyKind
	period       time.Duration
	initialDelay time.Duration
	expr         string
	schedule     cron.Schedule
}

// FixedRate запускает задачу каждые period, начиная с момента регистрации.
// Длительность выполнения не сдвигает сетку запусков.
func FixedRate(period time.Duration) (Policy, error) {
	if period <= 0 {
		return Policy{}, fmt.Errorf("%w: period must be positive, got %s", ErrInvalidPolicy, period)
	}
	return Policy{kind: KindFixedRate, period: period}, nil
}

// FixedDelay запускает задачу через period после завершения предыдущего запуска.
func FixedDelay(period time.Duration) (Policy, error) {
	if period <= 0 {
		return Policy{}, fmt.Errorf("%w: period must be positive, got %s", ErrInvalidPolicy, period)
	}
	return Policy{kind: KindFixedDelay, period: period}, nil
}

// InitialDelayThenFixedRate выполняет первый запуск через initialDelay после регистрации,
// далее как FixedRate(period) от этой точки.
func InitialDelayThenFixedRate(initialDelay, period time.Duration) (Policy, error) {
	if initialDelay < 0 {
		return Policy{}, fmt.Errorf("%w: initial delay must not be negative, got %s", ErrInvalidPolicy, initialDelay)
	}
	if period <= 0 {
		return Policy{}, fmt.Errorf("%w: period must be positive, got %s", ErrInvalidPolicy, period)
	}
	return Policy{kind: KindInitialDelayThenFixedRate, period: period, initialDelay: initialDelay}, nil
}

// Cron запускает задачу в моменты, совпадающие с выражением.
// Примеры:
//   - "*/5 * * * *" - каждые 5 минут
//   - "0 9 * * 1-5" - по будням в 9:00
//   - "@hourly" - каждый час
//
// Часовой пояс по умолчанию локальный, префикс "CRON_TZ=UTC " задаёт другой.
func Cron(expr string) (Policy, error) {
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return Policy{}, fmt.Errorf("%w: cron expression %q: %w", ErrInvalidPolicy, expr, err)
	}
	return Policy{kind: KindCron, expr: expr, schedule: schedule}, nil
}

// MustPolicy паникует, если err не nil. Удобно для литералов в тестах и main.
func MustPolicy(p Policy, err error) Policy {
	if err != nil {
		panic(err)
	}
	return p
}

// NextCron возвращает ближайший момент строго после after, совпадающий с выражением.
func NextCron(expr string, after time.Time) (time.Time, error) {
	p, err := Cron(expr)
	if err != nil {
		return time.Time{}, err
	}
	next := p.schedule.Next(after)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%w: cron expression %q never matches", ErrInvalidPolicy, expr)
	}
	return next, nil
}

// Kind возвращает вид политики.
func (p Policy) Kind() PolicyKind { return p.kind }

// Period возвращает период для политик с фиксированной частотой или задержкой.
func (p Policy) Period() time.Duration { return p.period }

// InitialDelay возвращает первую задержку.
func (p Policy) InitialDelay() time.Duration { return p.initialDelay }

// Expression возвращает cron-выражение.
func (p Policy) Expression() string { return p.expr }

func (p Policy) String() string {
	switch p.kind {
	case KindFixedRate, KindFixedDelay:
		return fmt.Sprintf("%s(%s)", p.kind, p.period)
	case KindInitialDelayThenFixedRate:
		return fmt.Sprintf("%s(%s, %s)", p.kind, p.initialDelay, p.period)
	case KindCron:
		return fmt.Sprintf("%s(%s)", p.kind, p.expr)
	default:
		return "invalid"
	}
}

func (p Policy) validate() error {
	switch p.kind {
	case KindFixedRate, KindFixedDelay, KindInitialDelayThenFixedRate:
		if p.period <= 0 {
			return fmt.Errorf("%w: period must be positive", ErrInvalidPolicy)
		}
		return nil
	case KindCron:
		if p.schedule == nil {
			return fmt.Errorf("%w: cron schedule is not parsed", ErrInvalidPolicy)
		}
		return nil
	default:
		return fmt.Errorf("%w: policy is not initialized", ErrInvalidPolicy)
	}
}

// first вычисляет момент первого запуска для задачи, зарегистрированной в registered.
func (p Policy) first(registered time.Time) time.Time {
	switch p.kind {
	case KindInitialDelayThenFixedRate:
		return registered.Add(p.initialDelay)
	case KindCron:
		return p.schedule.Next(registered)
	default:
		return registered
	}
}

// next вычисляет следующий запуск после запуска, запланированного на scheduled
// и завершившегося в completed.
//
// Для фиксированной частоты пропущенные слоты схлопываются в последний слот
// сетки не позже completed, который запускается сразу. Очередь не растёт.
func (p Policy) next(scheduled, completed time.Time) time.Time {
	switch p.kind {
	case KindFixedDelay:
		return completed.Add(p.period)
	case KindCron:
		return p.schedule.Next(completed)
	default:
		next := scheduled.Add(p.period)
		if next.After(completed) {
			return next
		}
		missed := completed.Sub(scheduled) / p.period
		return scheduled.Add(missed * p.period)
	}
}
