package logging

import "testing"

func TestNewLevels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "bogus", ""} {
		if logger := New(level); logger == nil || logger.Logger == nil {
			t.Fatalf("New(%q) returned nil logger", level)
		}
	}
}

func TestWithNilReceiver(t *testing.T) {
	var l *Logger
	if child := l.With("component", "test"); child == nil {
		t.Fatal("With on nil logger returned nil")
	}
}
