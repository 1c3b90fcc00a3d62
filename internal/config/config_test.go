package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func clearEnvOverrides(t *testing.T) {
	t.Helper()
	t.Setenv("AGENTMIX_URL", "")
	t.Setenv("AGENTMIX_USER", "")
	t.Setenv("AGENTMIX_API_KEY", "")
}

func TestLoadAndSave(t *testing.T) {
	clearEnvOverrides(t)
	tmpDir := t.TempDir()
	origDir, _ := os.Getwd()
	defer os.Chdir(origDir)
	os.Chdir(tmpDir)

	cfg := &Config{
		ServerURL: "http://localhost:5000",
		UserName:  "Juan",
		ClientID:  "a1b2c3d4-5678-90ab-cdef-1234567890ab",
		APIKey:    "amx_test_key",
	}

	if err := cfg.Save(); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	if _, err := os.Stat(filepath.Join(tmpDir, FileName)); os.IsNotExist(err) {
		t.Fatalf("Config file was not created")
	}

	loaded, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if loaded.ServerURL != cfg.ServerURL {
		t.Errorf("ServerURL = %q, want %q", loaded.ServerURL, cfg.ServerURL)
	}
	if loaded.UserName != cfg.UserName {
		t.Errorf("UserName = %q, want %q", loaded.UserName, cfg.UserName)
	}
	if loaded.ClientID != cfg.ClientID {
		t.Errorf("ClientID = %q, want %q", loaded.ClientID, cfg.ClientID)
	}
	if loaded.APIKey != cfg.APIKey {
		t.Errorf("APIKey = %q, want %q", loaded.APIKey, cfg.APIKey)
	}
}

func TestLoadNotFound(t *testing.T) {
	clearEnvOverrides(t)
	tmpDir := t.TempDir()
	origDir, _ := os.Getwd()
	defer os.Chdir(origDir)
	os.Chdir(tmpDir)

	_, err := Load()
	if err == nil {
		t.Error("Load() should return error when file doesn't exist")
	}
	if !os.IsNotExist(err) {
		t.Errorf("Load() error should be IsNotExist, got: %v", err)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	tmpDir := t.TempDir()
	origDir, _ := os.Getwd()
	defer os.Chdir(origDir)
	os.Chdir(tmpDir)

	cfg := &Config{
		ServerURL: "http://localhost:5000",
		UserName:  "Juan",
	}
	if err := cfg.Save(); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	t.Setenv("AGENTMIX_URL", "http://example.com:8080")
	t.Setenv("AGENTMIX_USER", "Maria")
	t.Setenv("AGENTMIX_API_KEY", "amx_env_key")

	loaded, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if loaded.ServerURL != "http://example.com:8080" {
		t.Errorf("ServerURL = %q, want env override", loaded.ServerURL)
	}
	if loaded.UserName != "Maria" {
		t.Errorf("UserName = %q, want env override", loaded.UserName)
	}
	if loaded.APIKey != "amx_env_key" {
		t.Errorf("APIKey = %q, want env override", loaded.APIKey)
	}
}

func TestLoadOrDefault_NoFile(t *testing.T) {
	clearEnvOverrides(t)
	tmpDir := t.TempDir()
	origDir, _ := os.Getwd()
	defer os.Chdir(origDir)
	os.Chdir(tmpDir)

	cfg := LoadOrDefault()
	if cfg.ServerURL != DefaultServerURL {
		t.Errorf("ServerURL = %q, want %q", cfg.ServerURL, DefaultServerURL)
	}
	if cfg.UserName == "" {
		t.Error("UserName should have a fallback value")
	}
}

func TestSetPath_UsesCustomPath(t *testing.T) {
	clearEnvOverrides(t)
	tmpDir := t.TempDir()
	origDir, _ := os.Getwd()
	defer os.Chdir(origDir)
	os.Chdir(tmpDir)

	// Reset path after test
	defer SetPath("")

	customPath := filepath.Join(tmpDir, "custom", ".agentmix-dev")
	os.MkdirAll(filepath.Dir(customPath), 0755)

	data := []byte(`server_url: "http://localhost:9999"
user_name: "Developer"
client_id: "b2c3d4e5-6789-01ab-cdef-234567890abc"
`)
	if err := os.WriteFile(customPath, data, 0600); err != nil {
		t.Fatalf("Failed to write custom config: %v", err)
	}

	SetPath(customPath)

	loaded, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if loaded.ServerURL != "http://localhost:9999" {
		t.Errorf("ServerURL = %q, want %q", loaded.ServerURL, "http://localhost:9999")
	}
	if loaded.UserName != "Developer" {
		t.Errorf("UserName = %q, want %q", loaded.UserName, "Developer")
	}
}

func TestGetPath_ReturnsCurrentPath(t *testing.T) {
	// Reset path after test
	defer SetPath("")

	if GetPath() != FileName {
		t.Errorf("GetPath() = %q, want %q", GetPath(), FileName)
	}

	SetPath("/custom/path/.agentmix")
	if GetPath() != "/custom/path/.agentmix" {
		t.Errorf("GetPath() = %q, want %q", GetPath(), "/custom/path/.agentmix")
	}

	SetPath("")
	if GetPath() != FileName {
		t.Errorf("GetPath() = %q, want %q", GetPath(), FileName)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name: "valid minimal config",
			cfg: Config{
				ServerURL: "http://localhost:5000",
				UserName:  "Juan",
			},
			wantErr: false,
		},
		{
			name: "valid config with https and client id",
			cfg: Config{
				ServerURL: "https://agentmix.example.com",
				UserName:  "Maria O'Brien",
				ClientID:  "a1b2c3d4-5678-90ab-cdef-1234567890ab",
				APIKey:    "amx_key",
			},
			wantErr: false,
		},
		{
			name: "missing server_url",
			cfg: Config{
				UserName: "Juan",
			},
			wantErr: true,
		},
		{
			name: "invalid url",
			cfg: Config{
				ServerURL: "not-a-url",
				UserName:  "Juan",
			},
			wantErr: true,
		},
		{
			name: "missing user_name",
			cfg: Config{
				ServerURL: "http://localhost:5000",
			},
			wantErr: true,
		},
		{
			name: "user_name starting with digit",
			cfg: Config{
				ServerURL: "http://localhost:5000",
				UserName:  "123Juan",
			},
			wantErr: true,
		},
		{
			name: "user_name too long",
			cfg: Config{
				ServerURL: "http://localhost:5000",
				UserName:  "J" + strings.Repeat("u", 64),
			},
			wantErr: true,
		},
		{
			name: "valid user_name with digits after first letter",
			cfg: Config{
				ServerURL: "http://localhost:5000",
				UserName:  "Juan2",
			},
			wantErr: false,
		},
		{
			name: "client_id not a uuid",
			cfg: Config{
				ServerURL: "http://localhost:5000",
				UserName:  "Juan",
				ClientID:  "not-a-uuid",
			},
			wantErr: true,
		},
		{
			name: "client_id uppercase uuid rejected",
			cfg: Config{
				ServerURL: "http://localhost:5000",
				UserName:  "Juan",
				ClientID:  "A1B2C3D4-5678-90AB-CDEF-1234567890AB",
			},
			wantErr: true,
		},
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

func TestWebSocketURL(t *testing.T) {
	tests := []struct {
		name      string
		serverURL string
		want      string
		wantErr   bool
	}{
		{"http to ws", "http://localhost:5000", "ws://localhost:5000/ws", false},
		{"https to wss", "https://agentmix.example.com", "wss://agentmix.example.com/ws", false},
		{"trailing slash", "http://localhost:5000/", "ws://localhost:5000/ws", false},
		{"path preserved", "http://localhost:5000/agentmix", "ws://localhost:5000/agentmix/ws", false},
		{"unsupported scheme", "ftp://localhost", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{ServerURL: tt.serverURL}
			got, err := cfg.WebSocketURL()
			if (err != nil) != tt.wantErr {
				t.Fatalf("WebSocketURL() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("WebSocketURL() = %q, want %q", got, tt.want)
			}
		})
	}
}
