package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/paradiselabs-ai/amx/internal/api"
	"github.com/paradiselabs-ai/amx/internal/config"
)

// apiTimeout is the default timeout for API calls.
const apiTimeout = 10 * time.Second

// newClient builds the REST client from the workspace config.
func newClient(cfg *config.Config) *api.Client {
	if cfg.APIKey != "" {
		return api.NewWithAPIKey(cfg.ServerURL, cfg.APIKey)
	}
	return api.New(cfg.ServerURL)
}

// newLogger builds the structured logger for long-running commands. Quiet by
// default; AMX_DEBUG=1 turns on development output to stderr.
func newLogger() *zap.Logger {
	if os.Getenv("AMX_DEBUG") == "" {
		return zap.NewNop()
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.OutputPaths = []string{"stderr"}
	log, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return log
}

// describeError turns client errors into user-facing messages, surfacing the
// server's own message string for remote rejections.
func describeError(err error) error {
	var apiErr *api.Error
	if errors.As(err, &apiErr) {
		return fmt.Errorf("AgentMix error (%d): %s", apiErr.StatusCode, apiErr.Message)
	}
	return err
}

func marshalJSONOrFallback(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err == nil {
		return string(data) + "\n"
	}

	// Best-effort fallback: always return valid JSON for --json callers.
	fallback, fallbackErr := json.Marshal(map[string]string{
		"error": "failed to marshal JSON output",
	})
	if fallbackErr != nil {
		return "{}\n"
	}
	return string(fallback) + "\n"
}

// formatTimeAgo formats a timestamp string as "X ago" for human-friendly
// display. If parsing fails, it falls back to the raw timestamp.
func formatTimeAgo(timestamp string) string {
	ts, ok := api.ParseTime(timestamp)
	if !ok {
		return timestamp
	}
	return timeAgo(ts)
}

// timeAgo renders an already-parsed timestamp as "X ago".
func timeAgo(ts time.Time) string {
	d := time.Since(ts)
	if d < 0 {
		d = 0
	}
	secs := int(d.Seconds())
	if secs < 60 {
		return fmt.Sprintf("%ds ago", secs)
	}
	mins := secs / 60
	if mins < 60 {
		return fmt.Sprintf("%dm ago", mins)
	}
	hours := mins / 60
	if hours < 48 {
		return fmt.Sprintf("%dh ago", hours)
	}
	days := hours / 24
	return fmt.Sprintf("%dd ago", days)
}
