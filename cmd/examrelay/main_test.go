package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRun_RejectsBadInput(t *testing.T) {
	dir := t.TempDir()
	badConfig := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(badConfig, []byte("http:\n  port: 70000\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		args []string
	}{
		{"unknown flag", []string{"--bogus"}},
		{"missing config file", []string{"--config", filepath.Join(dir, "absent.yaml")}},
		{"invalid config", []string{"-c", badConfig}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := run(tt.args); err == nil {
				t.Error("run should fail before starting the server")
			}
		})
	}
}
