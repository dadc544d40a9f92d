package layerfs

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "layerfs.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

// TestLoadConfig tests parsing a full configuration file
func TestLoadConfig(t *testing.T) {
	p := writeConfig(t, `
layers:
  - /images/base
  - /run/vm/upper
xattr: true
virtual_file:
  name: boot.bin
  source: /opt/boot.bin
copy_buffer_size: 65536
cache:
  enabled: true
  stat_ttl: 10s
mountpoint: /mnt/guest
allow_other: true
entry_timeout: 1s
`)
	cfg, err := LoadConfig(p)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if len(cfg.Layers) != 2 || cfg.Layers[1] != "/run/vm/upper" {
		t.Errorf("unexpected layers %v", cfg.Layers)
	}
	if !cfg.Xattr || !cfg.AllowOther {
		t.Error("expected xattr and allow_other set")
	}
	if cfg.VirtualFile == nil || cfg.VirtualFile.Name != "boot.bin" || cfg.VirtualFile.Source != "/opt/boot.bin" {
		t.Errorf("unexpected virtual file %+v", cfg.VirtualFile)
	}
	if cfg.Cache.StatTTL != 10*time.Second {
		t.Errorf("expected stat ttl 10s, got %v", cfg.Cache.StatTTL)
	}
	if cfg.Cache.NegativeTTL != 5*time.Second {
		t.Errorf("expected negative ttl default of half the stat ttl, got %v", cfg.Cache.NegativeTTL)
	}
	if cfg.Cache.MaxEntries != 1000 {
		t.Errorf("expected default max entries, got %d", cfg.Cache.MaxEntries)
	}
	if cfg.EntryTimeout != time.Second {
		t.Errorf("expected entry timeout 1s, got %v", cfg.EntryTimeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

// TestLoadConfigVirtualFileShortForm tests the scalar virtual_file form
func TestLoadConfigVirtualFileShortForm(t *testing.T) {
	p := writeConfig(t, `
layers: [/upper]
virtual_file: /opt/init
`)
	cfg, err := LoadConfig(p)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.VirtualFile == nil {
		t.Fatal("expected virtual file")
	}
	if cfg.VirtualFile.Source != "/opt/init" {
		t.Errorf("expected source /opt/init, got %q", cfg.VirtualFile.Source)
	}
	if cfg.VirtualFile.Name != DefaultVirtualFileName {
		t.Errorf("expected default name, got %q", cfg.VirtualFile.Name)
	}
}

// TestLoadConfigErrors tests unreadable and malformed files
func TestLoadConfigErrors(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := LoadConfig(writeConfig(t, "layers: [unterminated")); err == nil {
		t.Error("expected error for malformed yaml")
	}
}

// TestConfigValidate tests configuration validation
func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"ok", Config{Layers: []string{"/a"}}, false},
		{"no layers", Config{}, true},
		{"empty layer", Config{Layers: []string{"/a", ""}}, true},
		{"virtual without source", Config{Layers: []string{"/a"}, VirtualFile: &VirtualFileConfig{Name: "x"}}, true},
		{"virtual reserved name", Config{Layers: []string{"/a"}, VirtualFile: &VirtualFileConfig{Name: ".wh.x", Source: "/s"}}, true},
		{"negative buffer", Config{Layers: []string{"/a"}, CopyBufferSize: -1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	err := (&Config{}).Validate()
	if !errors.Is(err, ErrNoWritableLayer) {
		t.Errorf("expected ErrNoWritableLayer, got %v", err)
	}
}

// TestConfigOptions tests turning a configuration into a working FS
func TestConfigOptions(t *testing.T) {
	layers := newLayerDirs(t, 2)
	payload := filepath.Join(t.TempDir(), "init")
	if err := os.WriteFile(payload, []byte("boot"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := &Config{
		Layers:      layers,
		VirtualFile: &VirtualFileConfig{Name: "init", Source: payload},
		Cache:       CacheConfig{Enabled: true, StatTTL: time.Second, NegativeTTL: time.Second, MaxEntries: 10},
	}
	opts, err := cfg.Options()
	if err != nil {
		t.Fatal(err)
	}
	fsys := mustNew(t, cfg.Layers, opts...)

	entry, err := fsys.Lookup(RootIno, "init")
	if err != nil {
		t.Fatal(err)
	}
	if entry.Ino != VirtualIno {
		t.Errorf("expected virtual inode, got %d", entry.Ino)
	}
	if got := readIno(t, fsys, VirtualIno); got != "boot" {
		t.Errorf("expected payload 'boot', got %q", got)
	}

	cfg.VirtualFile.Source = filepath.Join(t.TempDir(), "missing")
	if _, err := cfg.Options(); err == nil {
		t.Error("expected error for missing payload")
	}
}
