package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/paradiselabs-ai/amx/internal/api"
	"github.com/paradiselabs-ai/amx/internal/config"
)

var (
	conversationsJSON  bool
	createDescription  string
	createParticipants []string
	renameDescription  string
	deleteConfirm      bool
	showMessages       bool
	sendFrom           string
)

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"conv"},
	Short:   "List and manage conversations",
	Long: `List and manage AgentMix conversations.

By default, lists all conversations. Use subcommands for other operations.

Examples:
  amx conversations                                  # List all conversations
  amx conversations create "Strategy" -p alice -p bob
  amx conversations show <id>
  amx conversations rename <id> "New name"
  amx conversations delete <id> --confirm`,
	RunE: runConversationsList,
}

var conversationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all conversations",
	RunE:  runConversationsList,
}

var conversationsCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a conversation",
	Long: `Create a conversation with at least two participating agents.

Participants are agent names or numeric ids (repeat -p). The conversation
stays a draft until started (amx chat, then /start).`,
	Args: cobra.ExactArgs(1),
	RunE: runConversationsCreate,
}

var conversationsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one conversation",
	Args:  cobra.ExactArgs(1),
	RunE:  runConversationsShow,
}

var conversationsRenameCmd = &cobra.Command{
	Use:   "rename <id> <name>",
	Short: "Rename a conversation",
	Args:  cobra.ExactArgs(2),
	RunE:  runConversationsRename,
}

var conversationsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a conversation",
	Long:  `Delete a conversation and its messages. Irreversible; requires --confirm.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runConversationsDelete,
}

var conversationsSendCmd = &cobra.Command{
	Use:   "send <id> <message>",
	Short: "Post a message over REST",
	Long: `Post a single message into a conversation over the REST API.

The sender is an agent reference (name or id, --from). For live human turns
use 'amx chat'; this path is for scripting and seeding.`,
	Args: cobra.ExactArgs(2),
	RunE: runConversationsSend,
}

func init() {
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output as JSON")
	conversationsListCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output as JSON")
	conversationsCreateCmd.Flags().StringVarP(&createDescription, "description", "d", "", "Conversation description")
	conversationsCreateCmd.Flags().StringArrayVarP(&createParticipants, "participant", "p", nil, "Participating agent (name or id, repeatable)")
	conversationsRenameCmd.Flags().StringVarP(&renameDescription, "description", "d", "", "Also update the description")
	conversationsDeleteCmd.Flags().BoolVar(&deleteConfirm, "confirm", false, "Confirm deletion (REQUIRED)")
	conversationsShowCmd.Flags().BoolVar(&showMessages, "messages", false, "Include message history")
	conversationsShowCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output as JSON")
	conversationsSendCmd.Flags().StringVar(&sendFrom, "from", "", "Sending agent (name or id, REQUIRED)")

	conversationsCmd.AddCommand(conversationsListCmd)
	conversationsCmd.AddCommand(conversationsCreateCmd)
	conversationsCmd.AddCommand(conversationsShowCmd)
	conversationsCmd.AddCommand(conversationsRenameCmd)
	conversationsCmd.AddCommand(conversationsDeleteCmd)
	conversationsCmd.AddCommand(conversationsSendCmd)
}

func runConversationsList(cmd *cobra.Command, args []string) error {
	cfg := config.LoadOrDefault()
	c := newClient(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), apiTimeout)
	defer cancel()

	convs, err := c.ListConversations(ctx)
	if err != nil {
		return describeError(err)
	}

	fmt.Print(formatConversationsOutput(convs, conversationsJSON))
	return nil
}

func formatConversationsOutput(convs []api.Conversation, asJSON bool) string {
	if asJSON {
		output := struct {
			Conversations []api.Conversation `json:"conversations"`
			Count         int                `json:"count"`
		}{Conversations: convs, Count: len(convs)}
		return marshalJSONOrFallback(output)
	}

	var sb strings.Builder
	if len(convs) == 0 {
		sb.WriteString("No conversations found.\n")
		return sb.String()
	}

	sb.WriteString("CONVERSATIONS:\n")
	for _, conv := range convs {
		sb.WriteString(fmt.Sprintf("  %s [%s]", conv.Name, conv.Status))
		sb.WriteString(fmt.Sprintf(" — %d participants", len(conv.Participants)))
		if conv.CreatedAt != "" {
			sb.WriteString(fmt.Sprintf(" — created %s", formatTimeAgo(conv.CreatedAt)))
		}
		sb.WriteString(fmt.Sprintf(" — %s\n", conv.ID))
	}
	sb.WriteString(fmt.Sprintf("\nTotal: %d conversation(s)\n", len(convs)))
	return sb.String()
}

func runConversationsCreate(cmd *cobra.Command, args []string) error {
	if len(createParticipants) < 2 {
		return fmt.Errorf("a conversation needs at least 2 participants (repeat -p)")
	}

	cfg := config.LoadOrDefault()
	c := newClient(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), apiTimeout)
	defer cancel()

	ids, err := resolveAgentRefs(ctx, c, createParticipants)
	if err != nil {
		return err
	}

	conv, err := c.CreateConversation(ctx, &api.CreateConversationRequest{
		Name:         args[0],
		Description:  createDescription,
		Participants: ids,
	})
	if err != nil {
		return describeError(err)
	}

	fmt.Printf("Created conversation %q (%s) with %d participants\n",
		conv.Name, conv.ID, len(conv.Participants))
	fmt.Printf("Start it with: amx chat %s\n", conv.ID)
	return nil
}

func runConversationsShow(cmd *cobra.Command, args []string) error {
	cfg := config.LoadOrDefault()
	c := newClient(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), apiTimeout)
	defer cancel()

	conv, err := c.GetConversation(ctx, args[0])
	if err != nil {
		return describeError(err)
	}

	var msgs []api.Message
	if showMessages {
		msgs, err = c.ListMessages(ctx, conv.ID)
		if err != nil {
			return describeError(err)
		}
	}

	fmt.Print(formatConversationDetail(conv, msgs, conversationsJSON))
	return nil
}

func formatConversationDetail(conv *api.Conversation, msgs []api.Message, asJSON bool) string {
	if asJSON {
		output := struct {
			Conversation *api.Conversation `json:"conversation"`
			Messages     []api.Message     `json:"messages,omitempty"`
		}{Conversation: conv, Messages: msgs}
		return marshalJSONOrFallback(output)
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%s [%s]\n", conv.Name, conv.Status))
	sb.WriteString(fmt.Sprintf("  ID:           %s\n", conv.ID))
	if conv.Description != "" {
		sb.WriteString(fmt.Sprintf("  Description:  %s\n", conv.Description))
	}
	sb.WriteString(fmt.Sprintf("  Participants: %v\n", conv.Participants))
	if conv.CreatedAt != "" {
		sb.WriteString(fmt.Sprintf("  Created:      %s\n", formatTimeAgo(conv.CreatedAt)))
	}
	for i := range msgs {
		msg := &msgs[i]
		sb.WriteString(fmt.Sprintf("  [%s] %s: %s",
			msg.MessageType, senderLabel(msg), msg.Content))
		if ts := msg.Time(); !ts.IsZero() {
			sb.WriteString(fmt.Sprintf(" (%s)", timeAgo(ts)))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func runConversationsRename(cmd *cobra.Command, args []string) error {
	cfg := config.LoadOrDefault()
	c := newClient(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), apiTimeout)
	defer cancel()

	req := &api.UpdateConversationRequest{Name: &args[1]}
	if renameDescription != "" {
		req.Description = &renameDescription
	}
	if err := c.UpdateConversation(ctx, args[0], req); err != nil {
		return describeError(err)
	}

	fmt.Printf("Renamed conversation %s to %q\n", args[0], args[1])
	return nil
}

func runConversationsDelete(cmd *cobra.Command, args []string) error {
	if !deleteConfirm {
		return fmt.Errorf("deletion aborted: --confirm flag required")
	}

	cfg := config.LoadOrDefault()
	c := newClient(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), apiTimeout)
	defer cancel()

	if err := c.DeleteConversation(ctx, args[0]); err != nil {
		return describeError(err)
	}

	fmt.Printf("Deleted conversation %s\n", args[0])
	return nil
}

func runConversationsSend(cmd *cobra.Command, args []string) error {
	if sendFrom == "" {
		return fmt.Errorf("a sending agent is required (--from)")
	}

	cfg := config.LoadOrDefault()
	c := newClient(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), apiTimeout)
	defer cancel()

	ids, err := resolveAgentRefs(ctx, c, []string{sendFrom})
	if err != nil {
		return err
	}

	sent, err := c.SendMessage(ctx, args[0], &api.SendMessageRequest{
		SenderID: ids[0],
		Content:  args[1],
	})
	if err != nil {
		return describeError(err)
	}

	fmt.Printf("Sent message %d to conversation %s\n", sent.ID, args[0])
	return nil
}

// senderLabel names a message's sender for display: the agent's name when
// the server included one, otherwise a role marker.
func senderLabel(msg *api.Message) string {
	if msg.SenderName != "" {
		return msg.SenderName
	}
	switch msg.MessageType {
	case api.MessageTypeHuman:
		return "Human"
	case api.MessageTypeSystem:
		return "System"
	}
	if msg.SenderID != nil {
		return fmt.Sprintf("agent %d", *msg.SenderID)
	}
	return "unknown"
}
