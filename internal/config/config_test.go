package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad(t *testing.T) {
	configContent := `
node:
  data_dir: /tmp/meshlog-test

p2p:
  listen_addr: 0.0.0.0:9000

alerts:
  enabled: false
`

	tmpfile, err := os.CreateTemp("", "meshlog-test-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmpfile.Name())

	if _, err := tmpfile.Write([]byte(configContent)); err != nil {
		t.Fatal(err)
	}
	if err := tmpfile.Close(); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(tmpfile.Name())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Node.DataDir != "/tmp/meshlog-test" {
		t.Errorf("expected data_dir=/tmp/meshlog-test, got %s", cfg.Node.DataDir)
	}
	if cfg.P2P.ListenAddr != "0.0.0.0:9000" {
		t.Errorf("expected listen_addr=0.0.0.0:9000, got %s", cfg.P2P.ListenAddr)
	}
	if cfg.RepoPath() != filepath.Join("/tmp/meshlog-test", "log") {
		t.Errorf("unexpected repo path %s", cfg.RepoPath())
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "no-such-config.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Node.DataDir == "" {
		t.Error("expected a default data dir")
	}
	if cfg.P2P.ListenAddr != DefaultListenAddr {
		t.Errorf("expected default listen addr, got %s", cfg.P2P.ListenAddr)
	}
}

func TestEnvExpansion(t *testing.T) {
	t.Setenv("MESHLOG_TEST_DIR", "/var/lib/meshlog")

	configContent := `
node:
  data_dir: ${MESHLOG_TEST_DIR}
`
	tmpfile, err := os.CreateTemp("", "meshlog-test-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmpfile.Name())

	if _, err := tmpfile.Write([]byte(configContent)); err != nil {
		t.Fatal(err)
	}
	if err := tmpfile.Close(); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(tmpfile.Name())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Node.DataDir != "/var/lib/meshlog" {
		t.Errorf("expected expanded data dir, got %s", cfg.Node.DataDir)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{
			name: "valid config",
			config: Config{
				Node: NodeConfig{DataDir: "/data"},
				P2P:  P2PConfig{ListenAddr: ":7420"},
			},
			wantErr: false,
		},
		{
			name: "alerts enabled without webhook",
			config: Config{
				Node:   NodeConfig{DataDir: "/data"},
				Alerts: AlertsConfig{Enabled: true},
			},
			wantErr: true,
		},
		{
			name: "alerts enabled with webhook",
			config: Config{
				Node:   NodeConfig{DataDir: "/data"},
				Alerts: AlertsConfig{Enabled: true, SlackWebhook: "https://hooks.slack.com/x"},
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
