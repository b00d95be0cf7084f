package config

import (
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestDefaults(t *testing.T) {
	v = nil // reset the singleton
	if got := GetInt("cache.size"); got != 16 {
		t.Errorf("cache.size default = %d", got)
	}
	if got := GetString("budget.action"); got != "warn" {
		t.Errorf("budget.action default = %q", got)
	}
	if got := GetString("tokens.encoding"); got != "cl100k_base" {
		t.Errorf("tokens.encoding default = %q", got)
	}
}

func TestSetOverrides(t *testing.T) {
	v = nil
	Set("db", "/tmp/x.db")
	if got := GetString("db"); got != "/tmp/x.db" {
		t.Errorf("Set ignored: %q", got)
	}
}

func TestWriteDefault(t *testing.T) {
	dir, err := os.MkdirTemp("", "tract-config-*")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	path, err := WriteDefault(dir)
	if err != nil {
		t.Fatalf("WriteDefault failed: %v", err)
	}
	if path != filepath.Join(dir, ".tract", "config.yaml") {
		t.Errorf("path = %q", path)
	}

	buf, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var cfg map[string]any
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		t.Fatalf("template is not valid yaml: %v", err)
	}
	if _, ok := cfg["budget"]; !ok {
		t.Error("template missing budget section")
	}

	// Refuses to overwrite.
	if _, err := WriteDefault(dir); err == nil {
		t.Error("second WriteDefault should fail")
	}
}
