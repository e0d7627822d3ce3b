package logging

import "testing"

func TestNew(t *testing.T) {
	for _, dev := range []bool{true, false} {
		logger, err := New("debug", dev)
		if err != nil {
			t.Fatalf("New(debug, %v) failed: %v", dev, err)
		}
		if !logger.Core().Enabled(-1) {
			t.Errorf("debug level should be enabled (development=%v)", dev)
		}
	}

	if _, err := New("loud", false); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Fatal("OrNop(nil) returned nil")
	}
}
