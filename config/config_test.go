package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadKeepsDefaultsForMissingKeys(t *testing.T) {
	path := writeFile(t, t.TempDir(), "proteld.yaml", "listener:\n  port: 8300\ncapture:\n  dir: /var/spool/proteld\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listener.Port != 8300 || cfg.Capture.Dir != "/var/spool/proteld" {
		t.Fatalf("loaded values lost: %+v", cfg)
	}
	if cfg.Listener.Backlog != 2 || cfg.Listener.Transport != "raw" {
		t.Fatalf("listener defaults lost: %+v", cfg.Listener)
	}
	if cfg.Capture.BufferSize != 512 || cfg.Capture.MaxResets != 2 || cfg.Capture.Echo != EchoAuto {
		t.Fatalf("capture defaults lost: %+v", cfg.Capture)
	}
	if cfg.MQTT.Port != 1883 || cfg.Logging.RetentionDays != 7 {
		t.Fatalf("unexpected defaults: mqtt=%+v logging=%+v", cfg.MQTT, cfg.Logging)
	}
	if cfg.LoadedFrom != path {
		t.Fatalf("LoadedFrom = %q, want %q", cfg.LoadedFrom, path)
	}
}

func TestLoadDirectoryMergesInLexicalOrder(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "10-listener.yaml", "listener:\n  port: 8300\n  transport: telnet\n")
	writeFile(t, dir, "20-override.yml", "listener:\n  port: 9400\nledger:\n  enabled: true\n")
	writeFile(t, dir, "notes.txt", "listener: [not yaml for us\n")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listener.Port != 9400 {
		t.Fatalf("expected later file to win, got port %d", cfg.Listener.Port)
	}
	if cfg.Listener.Transport != "telnet" {
		t.Fatalf("expected earlier key to survive merge, got %q", cfg.Listener.Transport)
	}
	if !cfg.Ledger.Enabled || cfg.Ledger.Path != "data/ledger.db" {
		t.Fatalf("ledger = %+v", cfg.Ledger)
	}
}

func TestLoadEmptyDirectoryFails(t *testing.T) {
	if _, err := Load(t.TempDir()); err == nil {
		t.Fatal("expected error for directory without YAML files")
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if !os.IsNotExist(err) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestLoadRejectsUnknownOptions(t *testing.T) {
	cases := map[string]string{
		"transport":   "listener:\n  transport: serial\n",
		"echo":        "capture:\n  echo: sometimes\n",
		"buffer size": "capture:\n  buffer_size: 32\n",
		"syntax":      "listener: [\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "bad.yaml", body)
			if _, err := Load(path); err == nil {
				t.Fatalf("expected error for %q", body)
			}
		})
	}
}

func TestLoadNormalizesCase(t *testing.T) {
	path := writeFile(t, t.TempDir(), "c.yaml", "listener:\n  transport: \" TELNET \"\ncapture:\n  echo: OFF\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listener.Transport != "telnet" || cfg.Capture.Echo != EchoOff {
		t.Fatalf("not normalized: %+v %+v", cfg.Listener, cfg.Capture)
	}
}

func TestValidateRequiresPort(t *testing.T) {
	cfg := Default()
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "port") {
		t.Fatalf("expected port error, got %v", err)
	}
	cfg.Listener.Port = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected out of range port to fail")
	}
	cfg.Listener.Port = 8300
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateEnabledFeatures(t *testing.T) {
	cfg := Default()
	cfg.Listener.Port = 8300
	cfg.Ledger.Enabled = true
	cfg.Ledger.Path = " "
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected ledger path error")
	}

	cfg = Default()
	cfg.Listener.Port = 8300
	cfg.MQTT.Enabled = true
	cfg.MQTT.Topic = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected mqtt topic error")
	}
}
