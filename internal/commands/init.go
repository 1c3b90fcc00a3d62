package commands

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/paradiselabs-ai/amx/internal/config"
)

var (
	initURL    string
	initUser   string
	initAPIKey string
	initForce  bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the .agentmix workspace config",
	Long: `Write the .agentmix workspace config in the current directory.

A client id is generated on first init and kept on re-init. Values come from
flags, then environment variables, then defaults.

Examples:
  amx init
  amx init --url http://agentmix.example.com --user "Juan"`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVar(&initURL, "url", "", "AgentMix server URL (default: AGENTMIX_URL or "+config.DefaultServerURL+")")
	initCmd.Flags().StringVar(&initUser, "user", "", "Display name for human messages (default: AGENTMIX_USER or $USER)")
	initCmd.Flags().StringVar(&initAPIKey, "api-key", "", "Bearer token, if the server requires one")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing config")
}

func runInit(cmd *cobra.Command, args []string) error {
	existing, err := config.LoadFrom(config.GetPath())
	if err == nil && !initForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", config.GetPath())
	}
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	cfg := buildInitConfig(existing)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.Save(); err != nil {
		return err
	}

	fmt.Printf("Wrote %s\n", config.GetPath())
	fmt.Printf("  server_url: %s\n", cfg.ServerURL)
	fmt.Printf("  user_name:  %s\n", cfg.UserName)
	fmt.Printf("  client_id:  %s\n", cfg.ClientID)
	return nil
}

// buildInitConfig resolves each field from flag, env, existing config, then
// default. The client id survives re-init so the server keeps recognizing
// this workspace.
func buildInitConfig(existing *config.Config) *config.Config {
	cfg := &config.Config{
		ServerURL: config.DefaultServerURL,
		UserName:  "User",
	}
	if existing != nil {
		*cfg = *existing
	}
	if v := os.Getenv("AGENTMIX_URL"); v != "" {
		cfg.ServerURL = v
	}
	if v := os.Getenv("AGENTMIX_USER"); v != "" {
		cfg.UserName = v
	} else if cfg.UserName == "" || cfg.UserName == "User" {
		if user := os.Getenv("USER"); user != "" {
			cfg.UserName = user
		}
	}
	if initURL != "" {
		cfg.ServerURL = initURL
	}
	if initUser != "" {
		cfg.UserName = initUser
	}
	if initAPIKey != "" {
		cfg.APIKey = initAPIKey
	}
	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
	}
	return cfg
}
