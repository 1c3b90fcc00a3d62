// Package commands implements the amx CLI commands.
package commands

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/paradiselabs-ai/amx/internal/config"
)

var versionInfo struct {
	version string
	commit  string
	date    string
}

// SetVersionInfo sets version information from main (populated by goreleaser).
func SetVersionInfo(version, commit, date string) {
	versionInfo.version = version
	versionInfo.commit = commit
	versionInfo.date = date
}

var rootConfigPath string

var rootCmd = &cobra.Command{
	Use:   "amx",
	Short: "AgentMix conversation client",
	Long: `amx talks to an AgentMix server: it manages multi-agent conversations,
streams their events, and lets a human step into the loop.

Setup:
  amx init                  - Write the .agentmix workspace config

Commands:
  amx conversations         - List and manage conversations
  amx agents                - List registered agents
  amx chat <conversation>   - Interactive session with live events
  amx status                - Check server connectivity

Environment variables (override .agentmix):
  AGENTMIX_URL       - Server URL (default: http://localhost:5000)
  AGENTMIX_USER      - Display name for human messages
  AGENTMIX_API_KEY   - Bearer token, if the server requires one`,
	// Subcommand errors are reported once by main.go.
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if rootConfigPath != "" {
			config.SetPath(rootConfigPath)
		}
		// Best-effort .env (godotenv never overrides existing env vars).
		_ = godotenv.Load()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("amx %s (commit %s, built %s)\n",
			versionInfo.version, versionInfo.commit, versionInfo.date)
	},
}

func init() {
	// Disable cobra's auto-generated commands - they pollute the namespace
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().StringVar(&rootConfigPath, "config", "",
		"Use an alternate .agentmix config file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(agentsCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
