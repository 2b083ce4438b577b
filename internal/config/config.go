package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const DefaultListenAddr = ":7420"

type Config struct {
	Node   NodeConfig   `mapstructure:"node"`
	P2P    P2PConfig    `mapstructure:"p2p"`
	Alerts AlertsConfig `mapstructure:"alerts"`
}

type NodeConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

type P2PConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

type AlertsConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	SlackWebhook string `mapstructure:"slack_webhook"`
}

// Load reads the yaml config at configPath. A missing file is fine;
// every node runs on defaults until the operator writes one.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default()
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	for _, key := range v.AllKeys() {
		val := v.GetString(key)
		if expanded := os.ExpandEnv(val); expanded != val {
			v.Set(key, expanded)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Default returns the configuration a bare node runs with.
func Default() (*Config, error) {
	config := &Config{}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) Validate() error {
	if c.Node.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("node.data_dir is not set and the home directory is unknown: %w", err)
		}
		c.Node.DataDir = filepath.Join(home, ".meshlog")
	}
	if c.P2P.ListenAddr == "" {
		c.P2P.ListenAddr = DefaultListenAddr
	}
	if c.Alerts.Enabled && c.Alerts.SlackWebhook == "" {
		return fmt.Errorf("alerts.slack_webhook is required when alerts are enabled")
	}
	return nil
}

// RepoPath is where the log repository lives inside the data dir.
func (c *Config) RepoPath() string {
	return filepath.Join(c.Node.DataDir, "log")
}

// PeerDBPath is where peer and sync bookkeeping lives.
func (c *Config) PeerDBPath() string {
	return filepath.Join(c.Node.DataDir, "peers.db")
}
