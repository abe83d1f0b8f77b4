package logger

import "testing"

func TestSetLevelRuntime(t *testing.T) {
	if err := Init("info", false); err != nil {
		t.Fatalf("init logger: %v", err)
	}

	tests := []struct {
		in   string
		want string
	}{
		{"debug", "debug"},
		{"WARN", "warn"},
		{"warning", "warn"},
		{"error", "error"},
		{"bogus", "info"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			SetLevel(tt.in)
			if got := Level(); got != tt.want {
				t.Fatalf("Level() = %q, want %q", got, tt.want)
			}
		})
	}
}
