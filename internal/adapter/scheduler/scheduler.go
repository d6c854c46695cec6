package scheduler

import (
	"cmp"
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/semaphore"

	"taskrunner/internal/shared"
	"taskrunner/pkg/report"
)

var (
	// ErrSchedulerStopped возвращается Schedule после остановки планировщика.
	ErrSchedulerStopped = errors.New("scheduler is stopped")

	// ErrTaskPanic оборачивает панику тела задачи.
	ErrTaskPanic = errors.New("task panicked")
)

// Task представляет тело периодической задачи.
type Task func(ctx context.Context) error

// State - состояние хендла задачи.
type State int

const (
	// StatePending - задача ждёт следующего запуска.
	StatePending State = iota
	// StateRunning - тело задачи выполняется.
	StateRunning
	// StateCancelled - задача отменена, запусков больше не будет.
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// TaskOptions содержит опции для настройки задачи.
type TaskOptions struct {
	// Name - имя задачи для логирования и метрик (необязательно, по умолчанию ID).
	Name string
	// Timeout - максимальное время выполнения одного запуска (необязательно).
	Timeout time.Duration
}

// TaskError - ошибка одного запуска задачи. Передаётся в Reporter и хуки.
type TaskError struct {
	HandleID string
	Name     string
	Run      int
	Time     time.Time
	Err      error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %q run %d failed: %v", e.Name, e.Run, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

// JobHooks содержит необязательные хуки для наблюдаемости.
type JobHooks struct {
	OnJobStart  func(jobName string)
	OnJobFinish func(jobName string, duration time.Duration, err error)
	OnJobError  func(jobName string, err error)
}

// Config содержит конфигурацию планировщика.
type Config struct {
	Logger   *slog.Logger
	Hooks    JobHooks
	Reporter report.Reporter
	// Clock по умолчанию реальные часы. В тестах clockwork.NewFakeClock().
	Clock clockwork.Clock
	// MaxConcurrent ограничивает число одновременно выполняемых задач. 0 - без ограничения.
	MaxConcurrent int64
}

// Handle - хендл зарегистрированной задачи. Безопасен для использования из разных горутин.
type Handle struct {
	id      string
	name    string
	policy  Policy
	task    Task
	timeout time.Duration
	s       *Scheduler

	mu      sync.Mutex
	state   State
	next    time.Time
	runs    int
	lastErr error
	item    *fireItem
}

// ID возвращает уникальный идентификатор задачи.
func (h *Handle) ID() string { return h.id }

// Name возвращает имя задачи.
func (h *Handle) Name() string { return h.name }

// Policy возвращает политику расписания.
func (h *Handle) Policy() Policy { return h.policy }

// NextFireTime возвращает время следующего запуска.
// Во время выполнения - время текущего запуска.
func (h *Handle) NextFireTime() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.next
}

// State возвращает текущее состояние.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Runs возвращает число завершённых запусков.
func (h *Handle) Runs() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.runs
}

// LastError возвращает ошибку последнего запуска или nil.
func (h *Handle) LastError() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastErr
}

// Cancel отменяет задачу. См. Scheduler.Cancel.
func (h *Handle) Cancel() bool {
	return h.s.Cancel(h)
}

// Scheduler управляет периодическими задачами.
//
// Один диспетчерский цикл держит ожидающие задачи в min-heap по времени запуска
// и спит на часах до ближайшей. Каждый запуск выполняется в своей горутине.
type Scheduler struct {
	logger   *slog.Logger
	hooks    JobHooks
	reporter report.Reporter
	clock    clockwork.Clock
	sem      *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	queue   fireQueue
	seq     uint64
	handles map[string]*Handle
	started bool

	wake      chan struct{}
	loopDone  chan struct{}
	wg        sync.WaitGroup
	stopOnce  sync.Once
	startOnce sync.Once
}

// New создает новый экземпляр планировщика с background контекстом.
func New(cfg Config) *Scheduler {
	return NewWithContext(context.Background(), cfg)
}

// NewWithContext создает новый экземпляр планировщика с указанным родительским контекстом.
// Отмена родительского контекста останавливает планировщик.
func NewWithContext(parentCtx context.Context, cfg Config) *Scheduler {
	ctx, cancel := context.WithCancel(parentCtx)

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	reporter := cfg.Reporter
	if reporter == nil {
		reporter = report.Nop()
	}

	var sem *semaphore.Weighted
	if cfg.MaxConcurrent > 0 {
		sem = semaphore.NewWeighted(cfg.MaxConcurrent)
	}

	return &Scheduler{
		logger:   logger,
		hooks:    cfg.Hooks,
		reporter: reporter,
		clock:    clock,
		sem:      sem,
		ctx:      ctx,
		cancel:   cancel,
		handles:  make(map[string]*Handle),
		wake:     make(chan struct{}, 1),
		loopDone: make(chan struct{}),
	}
}

// Schedule регистрирует задачу с опциями по умолчанию.
func (s *Scheduler) Schedule(task Task, policy Policy) (*Handle, error) {
	return s.ScheduleWithOptions(task, policy, TaskOptions{})
}

// ScheduleWithOptions регистрирует задачу. Время регистрации - текущее время часов планировщика.
// Некорректная политика отклоняется сразу, до первого запуска.
func (s *Scheduler) ScheduleWithOptions(task Task, policy Policy, opts TaskOptions) (*Handle, error) {
	if task == nil {
		return nil, fmt.Errorf("schedule: task must not be nil: %w", shared.ErrValidation)
	}
	if err := policy.validate(); err != nil {
		return nil, err
	}
	if opts.Timeout < 0 {
		return nil, fmt.Errorf("schedule: timeout must not be negative: %w", shared.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.IsRunning() {
		return nil, ErrSchedulerStopped
	}

	now := s.clock.Now()
	first := policy.first(now)
	if first.IsZero() {
		return nil, fmt.Errorf("%w: %s has no upcoming fire time", ErrInvalidPolicy, policy)
	}

	h := &Handle{
		id:      uuid.NewString(),
		name:    opts.Name,
		policy:  policy,
		task:    task,
		timeout: opts.Timeout,
		s:       s,
		state:   StatePending,
		next:    first,
	}
	if h.name == "" {
		h.name = h.id
	}

	s.handles[h.id] = h
	s.pushLocked(h, first)
	s.notify()

	s.logger.Info("task scheduled", "name", h.name, "id", h.id, "policy", policy.String(), "next_fire_time", first)
	return h, nil
}

// Cancel отменяет задачу. Ожидающая задача удаляется из очереди, выполняющаяся
// доработает, но не будет перепланирована. Возвращает false, если задача уже отменена
// или принадлежит другому планировщику.
func (s *Scheduler) Cancel(h *Handle) bool {
	if h == nil || h.s != s {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == StateCancelled {
		return false
	}
	h.state = StateCancelled
	if h.item != nil {
		heap.Remove(&s.queue, h.item.index)
		h.item = nil
	}
	delete(s.handles, h.id)
	s.notify()

	s.logger.Info("task cancelled", "name", h.name, "id", h.id)
	return true
}

// Lookup возвращает зарегистрированную задачу по ID.
func (s *Scheduler) Lookup(id string) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[id]
	return h, ok
}

// Handles возвращает все неотменённые задачи, отсортированные по имени.
func (s *Scheduler) Handles() []*Handle {
	s.mu.Lock()
	out := make([]*Handle, 0, len(s.handles))
	for _, h := range s.handles {
		out = append(out, h)
	}
	s.mu.Unlock()

	slices.SortFunc(out, func(a, b *Handle) int {
		return cmp.Or(cmp.Compare(a.name, b.name), cmp.Compare(a.id, b.id))
	})
	return out
}

// Start запускает диспетчерский цикл. Повторные вызовы ничего не делают.
func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		s.mu.Lock()
		if !s.IsRunning() {
			s.mu.Unlock()
			return
		}
		s.started = true
		tasks := len(s.handles)
		s.mu.Unlock()

		s.logger.Info("starting scheduler", "tasks", tasks)
		go s.loop()

		// Горутина для отслеживания родительского контекста
		go func() {
			<-s.ctx.Done()
			s.stopOnce.Do(s.stop)
		}()
	})
}

// Stop останавливает планировщик и ждет завершения всех задач.
func (s *Scheduler) Stop() {
	if s.IsRunning() {
		s.logger.Info("stopping scheduler")
	}
	s.cancel()
	s.stopOnce.Do(s.stop)
}

// StopContext останавливает планировщик с учетом контекста дедлайна.
// Если контекст истекает раньше, чем завершается graceful shutdown,
// возвращается ошибка контекста, но остановка все равно доводится до конца.
func (s *Scheduler) StopContext(ctx context.Context) error {
	s.logger.Info("stopping scheduler with deadline")
	s.cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.stopOnce.Do(s.stop)
	}()

	select {
	case <-done:
		s.logger.Info("scheduler stopped gracefully within deadline")
		return nil
	case <-ctx.Done():
		s.logger.Warn("scheduler stop deadline exceeded, but shutdown will complete")
		<-done
		return ctx.Err()
	}
}

// IsRunning возвращает true, пока планировщик не остановлен.
func (s *Scheduler) IsRunning() bool {
	select {
	case <-s.ctx.Done():
		return false
	default:
		return true
	}
}

// stop выполняет фактическую остановку: отменяет все задачи и ждет текущие запуски.
func (s *Scheduler) stop() {
	s.cancel()

	s.mu.Lock()
	started := s.started
	for _, h := range s.handles {
		h.mu.Lock()
		h.state = StateCancelled
		h.item = nil
		h.mu.Unlock()
	}
	s.handles = make(map[string]*Handle)
	s.queue = nil
	s.mu.Unlock()

	if started {
		<-s.loopDone
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pushLocked ставит хендл в очередь. Вызывается под s.mu и h.mu (или до публикации хендла).
func (s *Scheduler) pushLocked(h *Handle, at time.Time) {
	s.seq++
	item := &fireItem{at: at, seq: s.seq, handle: h}
	heap.Push(&s.queue, item)
	h.item = item
}

// loop - диспетчерский цикл. Таймер пересоздаётся на каждой итерации,
// чтобы новая более ранняя задача не ждала старого таймера.
func (s *Scheduler) loop() {
	defer close(s.loopDone)

	for {
		wait, ok := s.dispatchDue()

		var timer clockwork.Timer
		var timerC <-chan time.Time
		if ok {
			timer = s.clock.NewTimer(wait)
			timerC = timer.Chan()
		}

		select {
		case <-s.ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-s.wake:
		case <-timerC:
		}

		if timer != nil {
			timer.Stop()
		}
	}
}

// dispatchDue запускает все наступившие задачи и возвращает время до следующей.
func (s *Scheduler) dispatchDue() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx.Err() != nil {
		return 0, false
	}

	now := s.clock.Now()
	for {
		item := s.queue.peek()
		if item == nil {
			return 0, false
		}
		if item.at.After(now) {
			return item.at.Sub(now), true
		}
		heap.Pop(&s.queue)

		h := item.handle
		h.mu.Lock()
		if h.state != StatePending || h.item != item {
			h.mu.Unlock()
			continue
		}
		h.state = StateRunning
		h.item = nil
		h.mu.Unlock()

		s.wg.Add(1)
		go s.fire(h, item.at)
	}
}

// fire выполняет один запуск задачи и планирует следующий.
func (s *Scheduler) fire(h *Handle, scheduledAt time.Time) {
	defer s.wg.Done()

	if s.sem != nil {
		if err := s.sem.Acquire(s.ctx, 1); err != nil {
			s.logger.Debug("task firing skipped, scheduler is stopping", "name", h.name, "id", h.id)
			return
		}
		defer s.sem.Release(1)
	}

	// Пока запуск ждал слот, задачу могли отменить.
	h.mu.Lock()
	if h.state == StateCancelled {
		h.mu.Unlock()
		s.logger.Debug("task firing skipped, task was cancelled", "name", h.name, "id", h.id)
		return
	}
	run := h.runs + 1
	h.mu.Unlock()

	err := s.runTask(h, run)
	s.reschedule(h, scheduledAt, err)
}

// runTask выполняет тело задачи с учетом её опций. Ошибки и паники не выходят наружу.
func (s *Scheduler) runTask(h *Handle, run int) (err error) {
	jobName := h.name

	// Вызываем хук начала задачи
	if s.hooks.OnJobStart != nil {
		s.hooks.OnJobStart(jobName)
	}

	// Создаем контекст с таймаутом, если указан
	ctx := s.ctx
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(s.ctx, h.timeout)
		defer cancel()
	}

	start := s.clock.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrTaskPanic, r)
			s.logger.Error("task panicked", "name", jobName, "id", h.id, "run", run, "panic", r)
		}
		duration := s.clock.Since(start)

		// Вызываем хук завершения задачи
		if s.hooks.OnJobFinish != nil {
			s.hooks.OnJobFinish(jobName, duration, err)
		}

		if err == nil {
			s.logger.Debug("task completed successfully", "name", jobName, "id", h.id, "run", run, "duration", duration)
			return
		}

		if !errors.Is(err, ErrTaskPanic) {
			s.logger.Error("task failed", "name", jobName, "id", h.id, "run", run, "error", err, "duration", duration)
		}
		if s.hooks.OnJobError != nil {
			s.hooks.OnJobError(jobName, err)
		}

		now := s.clock.Now()
		s.reporter.Report(context.WithoutCancel(s.ctx), report.Failure{
			Source:  report.SourceScheduler,
			ID:      h.id,
			Name:    jobName,
			Attempt: run,
			Err:     &TaskError{HandleID: h.id, Name: jobName, Run: run, Time: now, Err: err},
			Time:    now,
		})
	}()

	return h.task(ctx)
}

// reschedule переводит задачу обратно в Pending и вычисляет следующий запуск.
// Отменённая задача или остановленный планировщик не перепланируются.
func (s *Scheduler) reschedule(h *Handle, scheduledAt time.Time, err error) {
	completed := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	h.mu.Lock()
	defer h.mu.Unlock()

	h.runs++
	h.lastErr = err

	if h.state == StateCancelled || s.ctx.Err() != nil {
		h.state = StateCancelled
		return
	}

	next := h.policy.next(scheduledAt, completed)
	if next.IsZero() {
		h.state = StateCancelled
		delete(s.handles, h.id)
		s.logger.Warn("task has no upcoming fire time, cancelling", "name", h.name, "id", h.id, "policy", h.policy.String())
		return
	}

	h.state = StatePending
	h.next = next
	s.pushLocked(h, next)
	s.notify()
}
