package logging

import (
	"log/slog"
	"testing"
)

func TestLevelFromEnv(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"DEBUG": slog.LevelDebug,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
		"bogus": slog.LevelInfo,
	}
	for env, want := range cases {
		t.Setenv("OPENSKELO_LOG_LEVEL", env)
		if got := levelFromEnv(); got.Level() != want {
			t.Errorf("levelFromEnv() with OPENSKELO_LOG_LEVEL=%q = %v, want %v", env, got, want)
		}
	}
}

func TestInitReturnsUsableLogger(t *testing.T) {
	t.Setenv("OPENSKELO_JSON_LOG", "1")
	t.Setenv("OPENSKELO_LOG_LEVEL", "debug")
	logger := Init("openskelo-test")
	if logger == nil {
		t.Fatal("expected a non-nil logger")
	}
}
