// Package config handles .agentmix configuration file parsing.
//
// The .agentmix file is located at the workspace root and contains:
//
//	server_url: "http://localhost:5000"  - AgentMix server URL
//	user_name: "Juan"                    - Display name for human messages
//	client_id: "uuid"                    - Client instance id (auto-generated)
//	api_key: "amx_..."                   - Optional Bearer token
package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// FileName is the name of the configuration file.
const FileName = ".agentmix"

// DefaultServerURL is used when no config file or environment override is
// present.
const DefaultServerURL = "http://localhost:5000"

// customPath holds an optional custom config file path.
// When empty, Load() uses the default FileName.
var customPath string

// SetPath sets a custom config file path for Load() to use.
// Pass an empty string to reset to the default path.
func SetPath(path string) {
	customPath = path
}

// GetPath returns the current config file path.
func GetPath() string {
	if customPath != "" {
		return customPath
	}
	return FileName
}

// Validation patterns.
var (
	uuidPattern     = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
	urlPattern      = regexp.MustCompile(`^https?://[^\s]+$`)
	userNamePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9 '\-]{0,63}$`)
)

// Config represents the .agentmix configuration file.
type Config struct {
	ServerURL string `yaml:"server_url"`
	UserName  string `yaml:"user_name"`
	ClientID  string `yaml:"client_id"`
	APIKey    string `yaml:"api_key,omitempty"`
}

// Load reads the configuration file and applies environment overrides
// (AGENTMIX_URL, AGENTMIX_USER, AGENTMIX_API_KEY). A missing file is
// returned unwrapped so callers can use os.IsNotExist.
func Load() (*Config, error) {
	cfg, err := LoadFrom(GetPath())
	if err != nil {
		return nil, err
	}
	cfg.applyEnv()
	return cfg, nil
}

// LoadFrom reads and parses a .agentmix configuration file from a specific
// path, without environment overrides.
func LoadFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err // Return unwrapped for os.IsNotExist() checks
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &cfg, nil
}

// LoadOrDefault returns the loaded config, or a default one (environment
// overrides still applied) when no file exists. Commands that only read
// from the server work without an initialized workspace.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		cfg = &Config{ServerURL: DefaultServerURL, UserName: defaultUserName()}
		cfg.applyEnv()
	}
	return cfg
}

func defaultUserName() string {
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	return "User"
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("AGENTMIX_URL")); v != "" {
		c.ServerURL = v
	}
	if v := strings.TrimSpace(os.Getenv("AGENTMIX_USER")); v != "" {
		c.UserName = v
	}
	if v := strings.TrimSpace(os.Getenv("AGENTMIX_API_KEY")); v != "" {
		c.APIKey = v
	}
}

// Save writes the configuration to the config file.
func (c *Config) Save() error {
	path := GetPath()
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	header := "# Generated by: amx init\n\n"
	if err := os.WriteFile(path, []byte(header+string(data)), 0600); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server_url is required")
	}
	if !urlPattern.MatchString(c.ServerURL) {
		return fmt.Errorf("server_url must be a valid HTTP(S) URL")
	}
	if c.UserName == "" {
		return fmt.Errorf("user_name is required")
	}
	if !userNamePattern.MatchString(c.UserName) {
		return fmt.Errorf("user_name must start with a letter (max 64 chars)")
	}
	if c.ClientID != "" && !uuidPattern.MatchString(c.ClientID) {
		return fmt.Errorf("client_id must be a valid UUID")
	}
	return nil
}

// WebSocketURL derives the event channel endpoint from ServerURL
// (http -> ws, https -> wss, path /ws).
func (c *Config) WebSocketURL() (string, error) {
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return "", fmt.Errorf("parsing server_url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("server_url has unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}
