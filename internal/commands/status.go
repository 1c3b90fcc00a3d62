package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/paradiselabs-ai/amx/internal/channel"
	"github.com/paradiselabs-ai/amx/internal/config"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check connectivity to the AgentMix server",
	Long: `Check the configured server over both transports: the REST API and the
event channel. Exits non-zero when the REST API is unreachable.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg := config.LoadOrDefault()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w (run 'amx init')", err)
	}

	report := statusReport{
		ConfigPath: config.GetPath(),
		ServerURL:  cfg.ServerURL,
		UserName:   cfg.UserName,
	}

	client := newClient(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), apiTimeout)
	convs, apiErr := client.ListConversations(ctx)
	cancel()
	if apiErr != nil {
		report.APIError = describeError(apiErr).Error()
	} else {
		report.Conversations = len(convs)
	}

	if wsURL, err := cfg.WebSocketURL(); err == nil {
		report.ChannelURL = wsURL
		log := newLogger()
		ch := channel.New(wsURL, log)
		ch.Dial()
		report.ChannelConnected = ch.WaitConnected(connectWait)
		ch.Close()
		_ = log.Sync()
	}

	fmt.Print(formatStatusOutput(&report))
	if apiErr != nil {
		return fmt.Errorf("server unreachable")
	}
	return nil
}

type statusReport struct {
	ConfigPath       string
	ServerURL        string
	ChannelURL       string
	UserName         string
	Conversations    int
	APIError         string
	ChannelConnected bool
}

func formatStatusOutput(r *statusReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Config:  %s\n", r.ConfigPath)
	fmt.Fprintf(&b, "Server:  %s\n", r.ServerURL)
	if r.UserName != "" {
		fmt.Fprintf(&b, "User:    %s\n", r.UserName)
	}
	if r.APIError != "" {
		fmt.Fprintf(&b, "API:     unreachable (%s)\n", r.APIError)
	} else {
		fmt.Fprintf(&b, "API:     ok (%d conversations)\n", r.Conversations)
	}
	if r.ChannelURL == "" {
		b.WriteString("Events:  not configured\n")
	} else if r.ChannelConnected {
		fmt.Fprintf(&b, "Events:  connected (%s)\n", r.ChannelURL)
	} else {
		fmt.Fprintf(&b, "Events:  no connection within %s (%s)\n", connectWait, r.ChannelURL)
	}
	return b.String()
}
