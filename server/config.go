package server

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config captures the full application configuration loaded from YAML
// and environment variables.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Providers []ProviderConfig `yaml:"providers"`
}

// ServerConfig controls listener, TLS, and provider-endpoint concerns.
type ServerConfig struct {
	PublicURL             string    `yaml:"public_url"`
	DevListenAddr         string    `yaml:"dev_listen_addr"`
	HTTPListenAddr        string    `yaml:"http_listen_addr"`
	HTTPSListenAddr       string    `yaml:"https_listen_addr"`
	DevMode               bool      `yaml:"dev_mode"`
	SecretsPath           string    `yaml:"secrets_path"`
	ServerID              string    `yaml:"server_id"`
	TLS                   TLSConfig `yaml:"tls"`
	AssociationExpirySecs int       `yaml:"association_expiry_secs"`
	NonceExpirySecs       int       `yaml:"nonce_expiry_secs"`
	CORSAllowedOrigins    []string  `yaml:"cors_allowed_origins"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	MinVersion string   `yaml:"min_version"`
}

// ProviderConfig describes an upstream OIDC identity provider the
// reference federated auth handler can delegate end-user authentication
// to.
type ProviderConfig struct {
	Name         string `yaml:"name"`
	Issuer       string `yaml:"issuer"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		sanitized := stripYAMLComments(b)

		decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("configuration validation failed", "error", err)
		return Config{}, err
	}
	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:             "http://127.0.0.1:8080/openid",
			DevListenAddr:         "127.0.0.1:8080",
			HTTPListenAddr:        ":80",
			HTTPSListenAddr:       ":443",
			DevMode:               true,
			SecretsPath:           ".secrets",
			ServerID:              "opidp",
			AssociationExpirySecs: 30,
			NonceExpirySecs:       30,
			TLS: TLSConfig{
				Domains:    []string{"localhost"},
				MinVersion: "1.2",
			},
		},
	}
}

// DefaultConfig returns the default configuration template, exported for
// the "config init" subcommand.
func DefaultConfig() Config {
	return defaultConfig()
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"OPIDP_SERVER_PUBLIC_URL":        func(v string) { cfg.Server.PublicURL = v },
		"OPIDP_SERVER_DEV_LISTEN_ADDR":   func(v string) { cfg.Server.DevListenAddr = v },
		"OPIDP_SERVER_HTTP_LISTEN_ADDR":  func(v string) { cfg.Server.HTTPListenAddr = v },
		"OPIDP_SERVER_HTTPS_LISTEN_ADDR": func(v string) { cfg.Server.HTTPSListenAddr = v },
		"OPIDP_SERVER_DEV_MODE":          func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"OPIDP_SERVER_TLS_DOMAINS":       func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"OPIDP_SERVER_TLS_EMAIL":         func(v string) { cfg.Server.TLS.Email = v },
		"OPIDP_SERVER_SECRETS_PATH":      func(v string) { cfg.Server.SecretsPath = v },
		"OPIDP_SERVER_ID":                func(v string) { cfg.Server.ServerID = v },
	}
	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate performs minimal sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		slog.Error("missing required configuration", "field", "server.public_url")
		return errors.New("server.public_url is required")
	}
	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		slog.Error("invalid configuration value", "field", "server.public_url", "value", c.Server.PublicURL)
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}
	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}
	if c.Server.TLS.MinVersion != "" {
		validVersions := map[string]bool{"1.2": true, "1.3": true}
		if !validVersions[c.Server.TLS.MinVersion] {
			slog.Error("invalid TLS minimum version", "field", "server.tls.min_version", "value", c.Server.TLS.MinVersion)
			return fmt.Errorf("server.tls.min_version must be '1.2' or '1.3', got: %s", c.Server.TLS.MinVersion)
		}
	}
	if c.Server.AssociationExpirySecs <= 0 {
		return errors.New("server.association_expiry_secs must be positive")
	}
	if c.Server.NonceExpirySecs <= 0 {
		return errors.New("server.nonce_expiry_secs must be positive")
	}
	seen := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p.Name == "" || p.Issuer == "" {
			return fmt.Errorf("providers entry missing name or issuer: %+v", p)
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate provider name %q", p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}

// InferCORSOrigins returns the configured CORS allow-list, falling back
// to the provider's own origin when none is configured — a bare OP with
// no cross-origin RPs still needs to allow itself.
func (c Config) InferCORSOrigins() []string {
	if len(c.Server.CORSAllowedOrigins) > 0 {
		return c.Server.CORSAllowedOrigins
	}
	return []string{extractOrigin(c.Server.PublicURL)}
}

func extractOrigin(rawURL string) string {
	if i := strings.Index(rawURL, "://"); i >= 0 {
		rest := rawURL[i+3:]
		if j := strings.IndexByte(rest, '/'); j >= 0 {
			rest = rest[:j]
		}
		return rawURL[:i+3] + rest
	}
	return rawURL
}
