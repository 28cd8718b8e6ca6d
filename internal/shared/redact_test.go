package shared

import "testing"

func TestRedact(t *testing.T) {
	cases := []struct {
		name, in, want string
	}{
		{"bearer", "Bearer abc123def456ghi789jkl0", "Bearer [REDACTED]"},
		{"postgres url", "dial postgres://tally:hunter2@db:5432/tasks failed", "dial postgres://tally:[REDACTED]@db:5432/tasks failed"},
		{"keyword dsn", "host=db user=tally password=hunter2 dbname=tasks", "host=db user=tally password=[REDACTED] dbname=tasks"},
		{"plain", "rollup written for 2026-03-02", "rollup written for 2026-03-02"},
		{"empty", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Redact(tc.in); got != tc.want {
				t.Fatalf("Redact(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestRedactEnvValue(t *testing.T) {
	cases := []struct {
		key, value, want string
	}{
		{"TALLY_POSTGRES_DSN", "postgres://x:y@h/db", "[REDACTED]"},
		{"auth_token", "abc123", "[REDACTED]"},
		{"TALLY_BIND_ADDR", "127.0.0.1:8080", "127.0.0.1:8080"},
		{"TALLY_LOG_LEVEL", "info", "info"},
	}
	for _, tc := range cases {
		if got := RedactEnvValue(tc.key, tc.value); got != tc.want {
			t.Errorf("RedactEnvValue(%q, %q) = %q, want %q", tc.key, tc.value, got, tc.want)
		}
	}
}
