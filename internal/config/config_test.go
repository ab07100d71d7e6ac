package config

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestVaultConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     VaultConfig
		wantErr bool
	}{
		{"local ok", VaultConfig{Type: "local", LocalRoot: "/backups"}, false},
		{"local missing root", VaultConfig{Type: "local"}, true},
		{"memory ok", VaultConfig{Type: "memory"}, false},
		{"s3 ok", VaultConfig{
			Type: "s3", S3Endpoint: "https://s3.example.com", S3Region: "us-east-1",
			S3Bucket: "backups", S3AccessKey: "ak", S3SecretKey: "sk",
		}, false},
		{"s3 missing bucket", VaultConfig{
			Type: "s3", S3Endpoint: "https://s3.example.com", S3Region: "us-east-1",
			S3AccessKey: "ak", S3SecretKey: "sk",
		}, true},
		{"unset type", VaultConfig{}, true},
		{"unknown type", VaultConfig{Type: "ftp"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfigRoundTrip(t *testing.T) {
	cfg := NewConfig("host-1", "/data/keep")
	cfg.Vault = VaultConfig{Type: "local", Name: "primary", LocalRoot: "/backups"}
	cfg.Drive.Enabled = true
	cfg.Drive.SourcePath = "/home/user/documents"
	cfg.Drive.Mode = "mirror"
	cfg.Drive.OrphanPolicy = "strict"
	cfg.Drive.ExcludeExtensions = []string{".tmp"}

	var buf bytes.Buffer
	m := &Manager{}
	if err := m.Write(&buf, cfg); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := m.Read(&buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.HostID != "host-1" || got.Vault.LocalRoot != "/backups" {
		t.Errorf("round trip lost fields: %+v", got)
	}
	if got.Drive.Mode != "mirror" || got.Drive.OrphanPolicy != "strict" {
		t.Errorf("drive watcher lost fields: %+v", got.Drive)
	}
}

func TestScanIntervalDefault(t *testing.T) {
	var wc WatcherConfig
	if wc.ScanInterval() != 5*time.Minute {
		t.Errorf("default interval = %v", wc.ScanInterval())
	}
	wc.ScanIntervalSeconds = 30
	if wc.ScanInterval() != 30*time.Second {
		t.Errorf("interval = %v", wc.ScanInterval())
	}
}

func TestInitRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keep.toml")
	cfg := NewConfig("host-1", "/data")

	if err := Init(path, cfg); err != nil {
		t.Fatalf("Init: %v", err)
	}
	err := Init(path, cfg)
	if err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Errorf("second Init: %v, want already-exists error", err)
	}
}
