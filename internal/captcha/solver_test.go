package captcha

import (
	"testing"
	"time"

	"log/slog"
)

func TestNewSolverRequiresAPIKey(t *testing.T) {
	if _, err := NewSolver(Config{}, slog.Default()); err == nil {
		t.Fatal("expected error without an API key")
	}

	solver, err := NewSolver(Config{APIKey: "sk-test"}, slog.Default())
	if err != nil {
		t.Fatalf("NewSolver: %v", err)
	}
	if solver.config.Timeout != 30*time.Second {
		t.Errorf("default timeout = %v, want 30s", solver.config.Timeout)
	}
}

func TestCleanAnswer(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"a1b2c", "a1b2c"},
		{`"a1b2c"`, "a1b2c"},
		{"  a1b2c.\n", "a1b2c"},
		{"'a1b2c'", "a1b2c"},
		{"a1 b2c", "a1b2c"},
	}
	for _, tt := range tests {
		if got := cleanAnswer(tt.in); got != tt.want {
			t.Errorf("cleanAnswer(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
