// Package config loads the process configuration: environment variables for
// the deployment surface, a YAML file for the arbitration policy. The loaded
// value is an immutable snapshot; rebinding requires a restart.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration.
type Config struct {
	Port      int
	HAURL     string
	HAToken   string
	LogDBPath string
	DBDriver  string
	DBDSN     string

	Policy Policy
}

// Policy is the arbitration policy snapshot, read from CONFIG_FILE.
type Policy struct {
	AllowSharedCharging   bool      `yaml:"allow_shared_charging"`
	PreferredProvider     string    `yaml:"preferred_provider"`
	RateLimitSeconds      int       `yaml:"rate_limit_seconds"`
	OCPPVersion           string    `yaml:"ocpp_version"`
	AutoDetectOCPPVersion bool      `yaml:"auto_detect_ocpp_version"`
	PresenceSensor        string    `yaml:"presence_sensor"`
	OverrideInputBoolean  string    `yaml:"override_input_boolean"`
	AllowedProviders      []string  `yaml:"allowed_providers"`
	DisallowedProviders   []string  `yaml:"disallowed_providers"`
	OCPPServices          []Service `yaml:"ocpp_services"`
}

// Service configures one outbound OCPP client.
type Service struct {
	ID       string `yaml:"id"`
	URL      string `yaml:"url"`
	Version  string `yaml:"version"`
	AuthType string `yaml:"auth_type"` // none | basic | token
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Token    string `yaml:"token"`
	Enabled  bool   `yaml:"enabled"`
}

// DefaultPolicy returns the policy used when no file is configured. YAML
// unmarshalling layers the file over these values, so absent keys keep
// their defaults.
func DefaultPolicy() Policy {
	return Policy{
		AllowSharedCharging:   true,
		RateLimitSeconds:      10,
		OCPPVersion:           "1.6",
		AutoDetectOCPPVersion: true,
	}
}

// Load reads environment variables and the optional policy file.
func Load() (*Config, error) {
	port, err := strconv.Atoi(getEnv("PORT", "9000"))
	if err != nil {
		return nil, fmt.Errorf("invalid PORT: %w", err)
	}

	logDBPath := getEnv("LOG_DB_PATH", "ocpp-proxy.db")
	cfg := &Config{
		Port:      port,
		HAURL:     os.Getenv("HA_URL"),
		HAToken:   os.Getenv("HA_TOKEN"),
		LogDBPath: logDBPath,
		DBDriver:  getEnv("DB_DRIVER", "sqlite"),
		DBDSN:     getEnv("DB_DSN", fmt.Sprintf("file:%s?_foreign_keys=on", logDBPath)),
		Policy:    DefaultPolicy(),
	}

	if cfg.DBDriver != "sqlite" && cfg.DBDriver != "postgres" {
		return nil, fmt.Errorf("invalid DB_DRIVER: %s, must be 'sqlite' or 'postgres'", cfg.DBDriver)
	}

	if file := os.Getenv("CONFIG_FILE"); file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg.Policy); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", file, err)
		}
	}

	if err := cfg.Policy.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the proxy cannot honor.
func (p *Policy) Validate() error {
	if p.OCPPVersion != "1.6" && p.OCPPVersion != "2.0.1" {
		return fmt.Errorf("ocpp_version must be \"1.6\" or \"2.0.1\", got %q", p.OCPPVersion)
	}
	if p.RateLimitSeconds < 0 {
		return fmt.Errorf("rate_limit_seconds must not be negative")
	}
	seen := make(map[string]bool)
	for i, svc := range p.OCPPServices {
		if svc.ID == "" {
			return fmt.Errorf("ocpp_services[%d]: id is required", i)
		}
		if seen[svc.ID] {
			return fmt.Errorf("ocpp_services: duplicate id %q", svc.ID)
		}
		seen[svc.ID] = true
		if svc.URL == "" {
			return fmt.Errorf("ocpp_services[%s]: url is required", svc.ID)
		}
		switch svc.AuthType {
		case "", "none":
		case "basic":
			if svc.Username == "" {
				return fmt.Errorf("ocpp_services[%s]: basic auth requires username", svc.ID)
			}
		case "token":
			if svc.Token == "" {
				return fmt.Errorf("ocpp_services[%s]: token auth requires token", svc.ID)
			}
		default:
			return fmt.Errorf("ocpp_services[%s]: unknown auth_type %q", svc.ID, svc.AuthType)
		}
		if svc.Version != "" && svc.Version != "1.6" && svc.Version != "2.0.1" {
			return fmt.Errorf("ocpp_services[%s]: version must be \"1.6\" or \"2.0.1\"", svc.ID)
		}
	}
	return nil
}

// Allowed reports whether the provider passes the allow/deny lists.
func (p *Policy) Allowed(id string) bool {
	for _, blocked := range p.DisallowedProviders {
		if blocked == id {
			return false
		}
	}
	if len(p.AllowedProviders) == 0 {
		return true
	}
	for _, allowed := range p.AllowedProviders {
		if allowed == id {
			return true
		}
	}
	return false
}

// getEnv gets an environment variable with a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
