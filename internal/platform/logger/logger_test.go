package logger

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// newFileLogger builds a logger writing JSON to a temp file and closes it on cleanup.
func newFileLogger(t *testing.T, o Options) (*slog.Logger, string) {
	t.Helper()
	o.File = filepath.Join(t.TempDir(), "taskrunner.log")
	if o.App == "" {
		o.App = "taskrunner-test"
	}
	l := New(o)
	t.Cleanup(func() {
		if err := Close(l); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return l, o.File
}

func readLog(t *testing.T, path string) string {
	t.Helper()
	// lumberjack writes synchronously, the pause only covers slow filesystems.
	time.Sleep(50 * time.Millisecond)
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	return string(content)
}

func TestNew_FileSinkLevels(t *testing.T) {
	cases := []struct {
		name      string
		fileLevel string
		present   []string
		absent    []string
	}{
		{
			name:    "default is debug",
			present: []string{"dispatch loop tick", "task scheduled", "task failed"},
		},
		{
			name:      "info",
			fileLevel: "info",
			present:   []string{"task scheduled", "task failed"},
			absent:    []string{"dispatch loop tick"},
		},
		{
			name:      "warning alias",
			fileLevel: "warning",
			present:   []string{"task failed", "retry exhausted"},
			absent:    []string{"dispatch loop tick", "task scheduled"},
		},
		{
			name:      "error",
			fileLevel: "ERROR",
			present:   []string{"task failed"},
			absent:    []string{"task scheduled", "retry exhausted"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			l, path := newFileLogger(t, Options{Env: "prod", ConsoleLevel: "error", FileLevel: tc.fileLevel})

			l.Debug("dispatch loop tick")
			l.Info("task scheduled", "name", "heartbeat")
			l.Warn("retry exhausted", "operation", "journal-probe")
			l.Error("task failed", "name", "journal-prune")

			out := readLog(t, path)
			for _, msg := range tc.present {
				if !strings.Contains(out, msg) {
					t.Errorf("file should contain %q, got %s", msg, out)
				}
			}
			for _, msg := range tc.absent {
				if strings.Contains(out, msg) {
					t.Errorf("file should not contain %q, got %s", msg, out)
				}
			}
		})
	}
}

func TestNew_FileSinkIsJSON(t *testing.T) {
	l, path := newFileLogger(t, Options{Env: "prod", App: "taskrunner"})

	l.Info("task scheduled", "name", "heartbeat", "policy", "fixed-rate")

	out := readLog(t, path)
	for _, want := range []string{`"level":"INFO"`, `"app":"taskrunner"`, `"env":"prod"`, `"name":"heartbeat"`} {
		if !strings.Contains(out, want) {
			t.Errorf("file should contain %s, got %s", want, out)
		}
	}
}

func TestNew_ConsoleOnly(t *testing.T) {
	l := New(Options{Env: "dev", ConsoleLevel: "info", App: "taskrunner-test"})
	if l == nil {
		t.Fatal("logger should not be nil")
	}
	l.Info("console only message")

	// Nothing to release without a file or Sentry.
	if err := Close(l); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestClose_Twice(t *testing.T) {
	l := New(Options{Env: "prod", File: filepath.Join(t.TempDir(), "twice.log")})

	if err := Close(l); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := Close(l); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}
}

func TestRedactingHandler_SensitiveKeys(t *testing.T) {
	l, path := newFileLogger(t, Options{Env: "prod"})

	l.Info("journal opened",
		slog.String("driver", "postgres"),
		slog.String("dsn", "postgres://runner:s3cret@db:5432/taskrunner"),
		slog.String("token", "tk-1234567890abcdef"),
	)

	out := readLog(t, path)
	if strings.Contains(out, "runner:s3cret") || strings.Contains(out, "tk-1234567890abcdef") {
		t.Errorf("sensitive values should be redacted, got %s", out)
	}
	if !strings.Contains(out, `"dsn":"[REDACTED]"`) {
		t.Errorf("dsn should keep its key with a placeholder, got %s", out)
	}
	if !strings.Contains(out, `"driver":"postgres"`) {
		t.Errorf("non-sensitive data should not be redacted, got %s", out)
	}
}

func TestRedactingHandler_WithAttrs(t *testing.T) {
	var buf strings.Builder
	h := NewRedactingHandler(slog.NewJSONHandler(&buf, nil), sensitiveKeys)
	l := slog.New(h).With(slog.String("DSN", "file:journal.db?_pragma=key(abc)"))

	l.Info("journal opened", slog.String("password", "hunter2"), slog.String("task", "journal-probe"))

	out := buf.String()
	if strings.Contains(out, "key(abc)") || strings.Contains(out, "hunter2") {
		t.Errorf("connection secrets should be redacted, got %s", out)
	}
	if !strings.Contains(out, `"task":"journal-probe"`) {
		t.Errorf("non-sensitive data should not be redacted, got %s", out)
	}
}

func TestRedactingHandler_LooksSensitive(t *testing.T) {
	var buf strings.Builder
	l := slog.New(NewRedactingHandler(slog.NewJSONHandler(&buf, nil), nil))

	l.Info("request", slog.String("header", "Bearer sk-abcdefghijklmnop"), slog.String("short", "sk-1"))

	out := buf.String()
	if strings.Contains(out, "sk-abcdefghijklmnop") {
		t.Errorf("key-like value should be redacted, got %s", out)
	}
	if !strings.Contains(out, `"short":"sk-1"`) {
		t.Errorf("short values should pass through, got %s", out)
	}
}

func TestMultiHandler(t *testing.T) {
	var info, warn strings.Builder
	multi := NewMultiHandler(
		slog.NewTextHandler(&info, &slog.HandlerOptions{Level: slog.LevelInfo}),
		slog.NewTextHandler(&warn, &slog.HandlerOptions{Level: slog.LevelWarn}),
	)
	ctx := context.Background()

	if !multi.Enabled(ctx, slog.LevelInfo) {
		t.Error("should be enabled while any handler accepts the level")
	}
	if multi.Enabled(ctx, slog.LevelDebug) {
		t.Error("should be disabled when no handler accepts the level")
	}

	l := slog.New(multi).WithGroup("task").With(slog.String("name", "heartbeat"))
	l.Info("fired")
	l.Warn("overran")

	if !strings.Contains(info.String(), "fired") || !strings.Contains(info.String(), "task.name=heartbeat") {
		t.Errorf("info handler missed records, got %s", info.String())
	}
	if strings.Contains(warn.String(), "fired") {
		t.Errorf("warn handler should skip info records, got %s", warn.String())
	}
	if !strings.Contains(warn.String(), "overran") {
		t.Errorf("warn handler missed the warning, got %s", warn.String())
	}
}

func TestNew_InvalidSentryDSN(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sentry.log")
	l := New(Options{Env: "prod", File: path, App: "taskrunner-test", SentryDSN: "not a dsn"})

	l.Error("task failed", slog.String("name", "heartbeat"))

	out := readLog(t, path)
	if !strings.Contains(out, "sentry disabled") {
		t.Error("invalid DSN should be reported and Sentry disabled")
	}
	if !strings.Contains(out, "task failed") {
		t.Error("logging should keep working without Sentry")
	}

	// Only the file closer is registered; closing must not touch Sentry.
	if err := Close(l); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestNew_InvalidSentryDSNConsoleOnly(t *testing.T) {
	l := New(Options{Env: "dev", App: "taskrunner-test", SentryDSN: "not a dsn"})
	l.Info("still logging")

	if _, ok := closers.Load(l); ok {
		t.Error("no closer should be registered when Sentry failed and there is no file")
	}
	if err := Close(l); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestLevelFromString(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"Warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		if got := levelFromString(in); got != want {
			t.Errorf("levelFromString(%q) = %v, want %v", in, got, want)
		}
	}
}
