package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the workstation daemon settings. Values come from an
// optional YAML file, then env vars override.
type Config struct {
	Port            int    `yaml:"port"`
	GinMode         string `yaml:"ginMode"`
	TunnelID        string `yaml:"tunnelId"`
	AuthKey         string `yaml:"authKey"`
	TokenSecret     string `yaml:"tokenSecret"`
	WorkstationName string `yaml:"workstationName"`
	WorkspacesRoot  string `yaml:"workspacesRoot"`
	DataFile        string `yaml:"dataFile"`
	TLSCertFile     string `yaml:"tlsCertFile"`
	TLSKeyFile      string `yaml:"tlsKeyFile"`

	TokenExpiry time.Duration `yaml:"-"`
}

type Env interface {
	Getenv(key string) string
}

type osEnv struct{}

func (osEnv) Getenv(key string) string { return os.Getenv(key) }

// Load reads the YAML file at path (if path is non-empty) and applies env
// overrides on top.
func Load(path string) (Config, error) {
	return LoadWithEnv(path, osEnv{})
}

func LoadWithEnv(path string, env Env) (Config, error) {
	cfg := Config{
		Port:            3000,
		GinMode:         "release",
		WorkstationName: defaultHostname(),
		DataFile:        "tiflis-relay.db",
		TokenExpiry:     7 * 24 * time.Hour,
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if raw := env.Getenv("PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port <= 0 || port > 65535 {
			return Config{}, fmt.Errorf("invalid PORT")
		}
		cfg.Port = port
	}
	if raw := env.Getenv("GIN_MODE"); raw != "" {
		cfg.GinMode = raw
	}
	if raw := env.Getenv("TUNNEL_ID"); raw != "" {
		cfg.TunnelID = raw
	}
	if raw := env.Getenv("WORKSTATION_AUTH_KEY"); raw != "" {
		cfg.AuthKey = raw
	}
	if raw := env.Getenv("TOKEN_SECRET"); raw != "" {
		cfg.TokenSecret = raw
	}
	if raw := env.Getenv("WORKSTATION_NAME"); raw != "" {
		cfg.WorkstationName = raw
	}
	if raw := env.Getenv("WORKSPACES_ROOT"); raw != "" {
		cfg.WorkspacesRoot = raw
	}
	if raw := env.Getenv("DATA_FILE"); raw != "" {
		cfg.DataFile = raw
	}
	if raw := env.Getenv("TLS_CERT_FILE"); raw != "" {
		cfg.TLSCertFile = raw
	}
	if raw := env.Getenv("TLS_KEY_FILE"); raw != "" {
		cfg.TLSKeyFile = raw
	}
	if raw := env.Getenv("TOKEN_EXPIRY_SECONDS"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds <= 0 {
			return Config{}, fmt.Errorf("invalid TOKEN_EXPIRY_SECONDS")
		}
		cfg.TokenExpiry = time.Duration(seconds) * time.Second
	}

	if cfg.AuthKey == "" {
		return Config{}, fmt.Errorf("authKey is required (WORKSTATION_AUTH_KEY)")
	}
	if cfg.TokenSecret == "" {
		return Config{}, fmt.Errorf("tokenSecret is required (TOKEN_SECRET)")
	}
	if cfg.TunnelID == "" {
		return Config{}, fmt.Errorf("tunnelId is required (TUNNEL_ID)")
	}

	return cfg, nil
}

func defaultHostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "workstation"
	}
	return name
}
