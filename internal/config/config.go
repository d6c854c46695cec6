package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"taskrunner/internal/shared"
)

// Config holds application configuration values.
type Config struct {
	Env string `validate:"required,oneof=dev prod"`
	Log struct {
		ConsoleLevel string `validate:"required,oneof=debug info warn error"`
		FileLevel    string `validate:"required,oneof=debug info warn error"`
		File         string
		SentryDSN    string
	}
	Metrics struct {
		// Addr is the listen address of the /metrics endpoint. Empty disables it.
		Addr string
	}
	Journal struct {
		Driver    string        `validate:"required,oneof=none sqlite postgres"`
		DSN       string        `validate:"required_unless=Driver none"`
		Retention time.Duration `validate:"gt=0"`
	}
	Scheduler struct {
		MaxConcurrent   int64         `validate:"gte=0"`
		ShutdownTimeout time.Duration `validate:"gt=0"`
	}
	TasksFile string
	Tasks     map[string]TaskConfig `validate:"dive"`
}

// TaskConfig overrides the schedule of one named task. At most one of
// FixedRate, FixedDelay and Cron may be set; a zero TaskConfig keeps the
// task's built-in schedule.
type TaskConfig struct {
	FixedRate    time.Duration `yaml:"fixed_rate" validate:"gte=0"`
	FixedDelay   time.Duration `yaml:"fixed_delay" validate:"gte=0"`
	InitialDelay time.Duration `yaml:"initial_delay" validate:"gte=0"`
	Cron         string        `yaml:"cron"`
	Timeout      time.Duration `yaml:"timeout" validate:"gte=0"`
	Disabled     bool          `yaml:"disabled"`
	Retry        *RetryConfig  `yaml:"retry"`
}

// RetryConfig overrides the retry policy of a task that retries internally.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts" validate:"gte=1"`
	InitialDelay time.Duration `yaml:"initial_delay" validate:"gte=0"`
	Multiplier   float64       `yaml:"multiplier" validate:"omitempty,gte=1"`
	MaxDelay     time.Duration `yaml:"max_delay" validate:"gte=0"`
}

type tasksFile struct {
	Tasks map[string]TaskConfig `yaml:"tasks"`
}

var validate = validator.New()

// Load reads configuration from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	var c Config
	var err error
	c.Env = getenv("ENV", "prod")
	c.Log.ConsoleLevel = strings.ToLower(getenv("LOG_CONSOLE_LEVEL", "info"))
	c.Log.FileLevel = strings.ToLower(getenv("LOG_FILE_LEVEL", "debug"))
	c.Log.File = getenv("LOG_FILE", "data/logs/taskrunner.log")
	c.Log.SentryDSN = os.Getenv("SENTRY_DSN")
	c.Metrics.Addr = os.Getenv("METRICS_ADDR")
	c.Journal.Driver = strings.ToLower(getenv("JOURNAL_DRIVER", "none"))
	c.Journal.DSN = os.Getenv("JOURNAL_DSN")
	if c.Journal.Retention, err = getDuration("JOURNAL_RETENTION", 7*24*time.Hour); err != nil {
		return Config{}, err
	}
	if c.Scheduler.MaxConcurrent, err = getInt64("SCHEDULER_MAX_CONCURRENT", 0); err != nil {
		return Config{}, err
	}
	if c.Scheduler.ShutdownTimeout, err = getDuration("SHUTDOWN_TIMEOUT", 30*time.Second); err != nil {
		return Config{}, err
	}
	c.TasksFile = os.Getenv("TASKS_FILE")

	if c.TasksFile != "" {
		if c.Tasks, err = LoadTasks(c.TasksFile); err != nil {
			return Config{}, err
		}
	}

	if err := validate.Struct(c); err != nil {
		return Config{}, fmt.Errorf("%w: %w", shared.ErrValidation, err)
	}
	for name, t := range c.Tasks {
		if err := t.check(); err != nil {
			return Config{}, fmt.Errorf("task %q: %w", name, err)
		}
	}
	return c, nil
}

// LoadTasks reads task overrides from a YAML file of the form
//
//	tasks:
//	  heartbeat:
//	    fixed_rate: 10s
//	  journal-probe:
//	    fixed_delay: 30s
//	    retry:
//	      max_attempts: 5
//	      initial_delay: 1s
//	      multiplier: 2
func LoadTasks(path string) (map[string]TaskConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tasks file: %w", err)
	}

	var f tasksFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse tasks file %s: %w: %w", path, shared.ErrValidation, err)
	}
	return f.Tasks, nil
}

// check validates the combination of fields that tags can't express.
func (t TaskConfig) check() error {
	set := 0
	if t.FixedRate > 0 {
		set++
	}
	if t.FixedDelay > 0 {
		set++
	}
	if t.Cron != "" {
		set++
	}
	if set > 1 {
		return fmt.Errorf("%w: only one of fixed_rate, fixed_delay and cron may be set", shared.ErrValidation)
	}
	if t.InitialDelay > 0 && t.FixedRate == 0 {
		return fmt.Errorf("%w: initial_delay requires fixed_rate", shared.ErrValidation)
	}
	return nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getDuration(k string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w: %w", k, shared.ErrValidation, err)
	}
	return d, nil
}

func getInt64(k string, def int64) (int64, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w: %w", k, shared.ErrValidation, err)
	}
	return n, nil
}
