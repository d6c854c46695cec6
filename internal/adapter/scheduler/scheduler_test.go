package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"taskrunner/internal/shared"
)

func waitForAtLeast(t *testing.T, counter *int64, expected int64, timeout time.Duration) {
	t.Helper()

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(counter) >= expected
	}, timeout, 10*time.Millisecond, "значение счётчика не достигло ожидаемого уровня")
}

func ensureNoIncrement(t *testing.T, counter *int64, baseline int64, duration time.Duration) {
	t.Helper()

	assert.Never(t, func() bool {
		return atomic.LoadInt64(counter) > baseline
	}, duration, 10*time.Millisecond, "счётчик увеличился после ожидания")
}

func counterTask(counter *int64) Task {
	return func(ctx context.Context) error {
		atomic.AddInt64(counter, 1)
		return nil
	}
}

func TestScheduler_New(t *testing.T) {
	logger := slog.Default()
	s := New(Config{Logger: logger})

	assert.NotNil(t, s)
	assert.NotNil(t, s.logger)
	assert.NotNil(t, s.clock)
	assert.NotNil(t, s.reporter)
	assert.Nil(t, s.sem)
	assert.True(t, s.IsRunning())
}

func TestScheduler_NewWithoutLogger(t *testing.T) {
	s := New(Config{MaxConcurrent: 2})

	assert.NotNil(t, s)
	assert.NotNil(t, s.logger)
	assert.NotNil(t, s.sem)
}

func TestScheduler_FixedRate(t *testing.T) {
	s := New(Config{})
	defer s.Stop()

	var counter int64
	_, err := s.Schedule(counterTask(&counter), MustPolicy(FixedRate(30*time.Millisecond)))
	require.NoError(t, err)

	s.Start()

	waitForAtLeast(t, &counter, 3, 2*time.Second)
}

func TestScheduler_ScheduleInvalid(t *testing.T) {
	s := New(Config{})
	defer s.Stop()

	_, err := s.Schedule(func(ctx context.Context) error { return nil }, Policy{})
	require.ErrorIs(t, err, ErrInvalidPolicy)
	assert.ErrorIs(t, err, shared.ErrValidation, "некорректная политика должна классифицироваться как Validation")

	_, err = s.Schedule(nil, MustPolicy(FixedRate(time.Second)))
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = s.ScheduleWithOptions(counterTask(new(int64)), MustPolicy(FixedRate(time.Second)), TaskOptions{Timeout: -time.Second})
	require.ErrorIs(t, err, shared.ErrValidation)

	// 30 февраля не наступает никогда
	_, err = s.Schedule(counterTask(new(int64)), MustPolicy(Cron("0 0 30 2 *")))
	require.ErrorIs(t, err, ErrInvalidPolicy)

	assert.Empty(t, s.Handles(), "отклонённые задачи не должны регистрироваться")
}

func TestScheduler_ScheduleAfterStop(t *testing.T) {
	s := New(Config{})
	s.Stop()

	_, err := s.Schedule(counterTask(new(int64)), MustPolicy(FixedRate(time.Second)))
	require.ErrorIs(t, err, ErrSchedulerStopped)
}

func TestScheduler_JobWithError(t *testing.T) {
	s := New(Config{})
	defer s.Stop()

	var runCount int64
	job := func(ctx context.Context) error {
		atomic.AddInt64(&runCount, 1)
		return errors.New("test error")
	}

	h, err := s.Schedule(job, MustPolicy(FixedRate(30*time.Millisecond)))
	require.NoError(t, err)
	s.Start()

	waitForAtLeast(t, &runCount, 2, 2*time.Second)
	assert.NotEqual(t, StateCancelled, h.State(), "задача должна продолжать выполняться несмотря на ошибки")
}

func TestScheduler_JobWithPanic(t *testing.T) {
	s := New(Config{})
	defer s.Stop()

	var runCount int64
	job := func(ctx context.Context) error {
		count := atomic.AddInt64(&runCount, 1)
		if count == 1 {
			panic("test panic")
		}
		return nil
	}

	_, err := s.Schedule(job, MustPolicy(FixedDelay(30*time.Millisecond)))
	require.NoError(t, err)
	s.Start()

	waitForAtLeast(t, &runCount, 2, 2*time.Second)
}

func TestScheduler_Stop(t *testing.T) {
	s := New(Config{})

	var counter int64
	h, err := s.Schedule(counterTask(&counter), MustPolicy(FixedRate(30*time.Millisecond)))
	require.NoError(t, err)
	s.Start()

	waitForAtLeast(t, &counter, 1, time.Second)

	s.Stop()
	assert.False(t, s.IsRunning(), "планировщик не остановился")
	assert.Equal(t, StateCancelled, h.State(), "после остановки задачи должны быть отменены")
	assert.Empty(t, s.Handles())

	beforeStop := atomic.LoadInt64(&counter)
	ensureNoIncrement(t, &counter, beforeStop, 200*time.Millisecond)
}

func TestScheduler_StopWithoutStart(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	s := New(Config{})
	h, err := s.Schedule(counterTask(new(int64)), MustPolicy(FixedRate(time.Second)))
	require.NoError(t, err)

	s.Stop()
	s.Start()

	assert.False(t, s.IsRunning())
	assert.Equal(t, StateCancelled, h.State())
}

func TestScheduler_NewWithContext(t *testing.T) {
	parentCtx, parentCancel := context.WithCancel(context.Background())
	defer parentCancel()

	s := NewWithContext(parentCtx, Config{})
	defer s.Stop()

	var runCount int64
	job := func(ctx context.Context) error {
		// Проверяем, что контекст передается в задачу
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			atomic.AddInt64(&runCount, 1)
			return nil
		}
	}

	_, err := s.Schedule(job, MustPolicy(FixedRate(30*time.Millisecond)))
	require.NoError(t, err)
	s.Start()

	waitForAtLeast(t, &runCount, 1, time.Second)

	// Отменяем родительский контекст
	parentCancel()

	require.Eventually(t, func() bool {
		return !s.IsRunning()
	}, time.Second, 10*time.Millisecond, "планировщик должен остановиться после отмены родительского контекста")

	// Дожидаемся завершения остановки, чтобы счётчик больше не менялся
	s.Stop()
	countBeforeCancel := atomic.LoadInt64(&runCount)
	ensureNoIncrement(t, &runCount, countBeforeCancel, 200*time.Millisecond)
}

func TestScheduler_MultipleStopCalls(t *testing.T) {
	s := New(Config{})

	s.Start()

	// Вызываем Stop() несколько раз - должно быть безопасно
	s.Stop()
	s.Stop()
	s.Stop()

	assert.False(t, s.IsRunning(), "планировщик должен быть остановлен")
}

func TestScheduler_MultipleStartCalls(t *testing.T) {
	s := New(Config{})
	defer s.Stop()

	var runCount int64
	_, err := s.Schedule(counterTask(&runCount), MustPolicy(FixedRate(50*time.Millisecond)))
	require.NoError(t, err)

	// Вызываем Start() несколько раз - должно быть безопасно
	s.Start()
	s.Start()
	s.Start()

	assert.True(t, s.IsRunning(), "планировщик должен быть запущен")

	waitForAtLeast(t, &runCount, 1, time.Second)
}

func TestScheduler_JobWithTimeout(t *testing.T) {
	s := New(Config{})
	defer s.Stop()

	var runCount int64
	job := func(ctx context.Context) error {
		atomic.AddInt64(&runCount, 1)
		// Симулируем долгую работу
		select {
		case <-time.After(time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	h, err := s.ScheduleWithOptions(job, MustPolicy(FixedDelay(time.Hour)), TaskOptions{
		Name:    "timeout-test",
		Timeout: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Equal(t, "timeout-test", h.Name())
	s.Start()

	require.Eventually(t, func() bool {
		return h.Runs() == 1
	}, 2*time.Second, 10*time.Millisecond, "задача должна завершиться по таймауту")
	assert.ErrorIs(t, h.LastError(), context.DeadlineExceeded)
	assert.True(t, shared.IsTimeout(h.LastError()))
}

func TestScheduler_StopContext(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	s := New(Config{})

	var runCount int64
	_, err := s.Schedule(counterTask(&runCount), MustPolicy(FixedRate(20*time.Millisecond)))
	require.NoError(t, err)
	s.Start()

	waitForAtLeast(t, &runCount, 2, time.Second)

	// Останавливаем с достаточным дедлайном
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err = s.StopContext(ctx)
	assert.NoError(t, err, "планировщик должен корректно остановиться в пределах дедлайна")
	assert.False(t, s.IsRunning(), "планировщик должен быть остановлен")

	count := atomic.LoadInt64(&runCount)
	ensureNoIncrement(t, &runCount, count, 200*time.Millisecond)
}

func TestScheduler_StopContextTimeout(t *testing.T) {
	s := New(Config{})

	// Создаем задачу, которая долго выполняется при остановке
	var activeJobs int64
	job := func(ctx context.Context) error {
		atomic.AddInt64(&activeJobs, 1)
		defer atomic.AddInt64(&activeJobs, -1)

		<-ctx.Done()
		// Симулируем медленную очистку ресурсов
		time.Sleep(100 * time.Millisecond)
		return ctx.Err()
	}

	_, err := s.Schedule(job, MustPolicy(FixedRate(30*time.Millisecond)))
	require.NoError(t, err)
	s.Start()

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&activeJobs) > 0
	}, time.Second, 10*time.Millisecond, "задача должна успеть стартовать до остановки")

	// Останавливаем с очень коротким дедлайном
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	err = s.StopContext(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded, "должна вернуться ошибка из-за превышения дедлайна")
	assert.False(t, s.IsRunning(), "планировщик всё равно должен остановиться")
	assert.Equal(t, int64(0), atomic.LoadInt64(&activeJobs), "StopContext должен дождаться текущих запусков")
}

func TestScheduler_JobHooks(t *testing.T) {
	var startCalls, finishCalls, errorCalls int64
	var finishDuration atomic.Int64
	var finishError atomic.Value

	hooks := JobHooks{
		OnJobStart: func(jobName string) {
			atomic.AddInt64(&startCalls, 1)
			assert.Equal(t, "test-job", jobName)
		},
		OnJobFinish: func(jobName string, duration time.Duration, err error) {
			atomic.AddInt64(&finishCalls, 1)
			assert.Equal(t, "test-job", jobName)
			finishDuration.Store(int64(duration))
			if err != nil {
				finishError.Store(err)
			}
		},
		OnJobError: func(jobName string, err error) {
			atomic.AddInt64(&errorCalls, 1)
		},
	}

	s := New(Config{Hooks: hooks})
	defer s.Stop()

	successJob := func(ctx context.Context) error {
		time.Sleep(10 * time.Millisecond)
		return nil
	}

	_, err := s.ScheduleWithOptions(successJob, MustPolicy(FixedRate(50*time.Millisecond)), TaskOptions{Name: "test-job"})
	require.NoError(t, err)
	s.Start()

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&startCalls) >= 1
	}, 2*time.Second, 10*time.Millisecond, "хуки запуска должны вызываться")

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&finishCalls) >= 1
	}, 2*time.Second, 10*time.Millisecond, "хуки завершения должны вызываться")

	assert.Equal(t, int64(0), atomic.LoadInt64(&errorCalls), "хук ошибок не должен срабатывать для успешной задачи")
	assert.Nil(t, finishError.Load(), "ошибки завершения быть не должно")
	assert.Greater(t, time.Duration(finishDuration.Load()), time.Duration(0), "длительность выполнения должна быть положительной")
}

func TestScheduler_LookupAndHandles(t *testing.T) {
	s := New(Config{})
	defer s.Stop()

	b, err := s.ScheduleWithOptions(counterTask(new(int64)), MustPolicy(FixedRate(time.Hour)), TaskOptions{Name: "b"})
	require.NoError(t, err)
	a, err := s.ScheduleWithOptions(counterTask(new(int64)), MustPolicy(Cron("@daily")), TaskOptions{Name: "a"})
	require.NoError(t, err)
	unnamed, err := s.Schedule(counterTask(new(int64)), MustPolicy(FixedDelay(time.Hour)))
	require.NoError(t, err)

	assert.Equal(t, unnamed.ID(), unnamed.Name(), "без имени используется ID")
	assert.NotEqual(t, a.ID(), b.ID())
	assert.Equal(t, KindCron, a.Policy().Kind())

	got, ok := s.Lookup(b.ID())
	require.True(t, ok)
	assert.Same(t, b, got)

	handles := s.Handles()
	require.Len(t, handles, 3)
	names := make([]string, 0, len(handles))
	for _, h := range handles {
		names = append(names, h.Name())
	}
	assert.ElementsMatch(t, []string{"a", "b", unnamed.Name()}, names)
	assert.True(t, slices.IsSorted(names), "задачи должны быть отсортированы по имени")

	assert.True(t, b.Cancel())
	assert.False(t, b.Cancel(), "повторная отмена должна возвращать false")
	_, ok = s.Lookup(b.ID())
	assert.False(t, ok)
	assert.Len(t, s.Handles(), 2)

	other := New(Config{})
	defer other.Stop()
	assert.False(t, other.Cancel(a), "чужой хендл не должен отменяться")
	assert.False(t, s.Cancel(nil))
}
