package logging

import "testing"

func TestNew(t *testing.T) {
	for _, format := range []string{"json", "console"} {
		logger, err := New("debug", format, "adherence-api")
		if err != nil {
			t.Fatalf("%s: %v", format, err)
		}
		logger.Sync()
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, err := New("loud", "json", ""); err == nil {
		t.Fatal("expected error for unknown level")
	}
}
