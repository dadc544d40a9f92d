package main

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/absfs/layerfs"
)

func TestRunHelp(t *testing.T) {
	if err := run([]string{"--help"}); err != nil {
		t.Errorf("--help: %v", err)
	}
}

func TestRunRejectsBadInput(t *testing.T) {
	layer := t.TempDir()

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown flag", []string{"--bogus"}, "unknown flag"},
		{"bad log level", []string{"--log-level", "loud", "--layer", layer}, "log-level"},
		{"no mountpoint", []string{"--layer", layer}, "no mountpoint"},
		{"missing config", []string{"--config", filepath.Join(layer, "missing.yaml")}, "missing.yaml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := run(tt.args)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestRunRequiresLayers(t *testing.T) {
	err := run([]string{"--mount", t.TempDir()})
	if !errors.Is(err, layerfs.ErrNoWritableLayer) {
		t.Errorf("expected ErrNoWritableLayer, got %v", err)
	}
}

func TestRunFlagsOverrideConfig(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "layerfs.yaml")
	body := "layers: [" + dir + "]\nmountpoint: " + filepath.Join(dir, "mnt") + "\n"
	if err := os.WriteFile(cfg, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	// The payload flag points at a missing file, so the run stops after
	// the flags were merged and before anything is mounted.
	err := run([]string{"--config", cfg, "--init", filepath.Join(dir, "no-such-payload")})
	if err == nil || !strings.Contains(err.Error(), "no-such-payload") {
		t.Errorf("expected payload error, got %v", err)
	}
}
