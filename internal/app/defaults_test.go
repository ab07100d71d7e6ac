package app

import (
	"path/filepath"
	"testing"
)

func TestGetDefaultsEnvOverrides(t *testing.T) {
	t.Setenv("KEEP_CONFIG_PATH", "/custom/keep.toml")
	t.Setenv("KEEP_HOME", "/custom/data")

	defaults, err := GetDefaults()
	if err != nil {
		t.Fatalf("GetDefaults: %v", err)
	}
	if defaults["config_path"] != "/custom/keep.toml" {
		t.Errorf("config_path = %q", defaults["config_path"])
	}
	if defaults["base_dir"] != "/custom/data" {
		t.Errorf("base_dir = %q", defaults["base_dir"])
	}
	if defaults["log_dir"] != filepath.Join("/custom/data", "log") {
		t.Errorf("log_dir = %q", defaults["log_dir"])
	}
}

func TestGetDefaultsFallbacks(t *testing.T) {
	t.Setenv("KEEP_CONFIG_PATH", "")
	t.Setenv("KEEP_HOME", "")
	t.Setenv("HOME", "/home/tester")

	defaults, err := GetDefaults()
	if err != nil {
		t.Fatalf("GetDefaults: %v", err)
	}
	if defaults["config_path"] != "/home/tester/.config/keep.toml" {
		t.Errorf("config_path = %q", defaults["config_path"])
	}
	if defaults["base_dir"] != "/home/tester/.local/share/keep" {
		t.Errorf("base_dir = %q", defaults["base_dir"])
	}
}
