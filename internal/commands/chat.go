package commands

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/paradiselabs-ai/amx/internal/api"
	"github.com/paradiselabs-ai/amx/internal/channel"
	"github.com/paradiselabs-ai/amx/internal/config"
	"github.com/paradiselabs-ai/amx/internal/coordinator"
)

var chatNoColor bool

var chatCmd = &cobra.Command{
	Use:   "chat <conversation>",
	Short: "Interactive conversation session",
	Long: `Join a conversation and stream its events live.

The argument is a conversation id or name. Anything you type is sent as a
human message; when an agent requests human input, your next message resumes
the conversation.

Slash commands:
  /start    - Start agent turns
  /stop     - Stop the conversation
  /pause    - Pause agent turns
  /resume   - Resume a paused conversation
  /ask <agent> <question> - Ask on an agent's behalf for human input
  /status   - Request a status report
  /refresh  - Re-fetch conversations and history over REST
  /quit     - Leave the session`,
	Args: cobra.ExactArgs(1),
	RunE: runChat,
}

func init() {
	chatCmd.Flags().BoolVar(&chatNoColor, "no-color", false, "Disable colored output")
}

var (
	agentColor  = color.New(color.FgCyan)
	humanColor  = color.New(color.FgGreen)
	systemColor = color.New(color.FgYellow)
	noticeColor = color.New(color.Faint)
	alertColor  = color.New(color.FgRed, color.Bold)
)

func runChat(cmd *cobra.Command, args []string) error {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return fmt.Errorf("chat needs an interactive terminal")
	}
	if chatNoColor {
		color.NoColor = true
	}

	cfg := config.LoadOrDefault()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w (run 'amx init')", err)
	}

	wsURL, err := cfg.WebSocketURL()
	if err != nil {
		return err
	}

	log := newLogger()
	defer func() { _ = log.Sync() }()

	ch := channel.New(wsURL, log)
	ch.OnStateChange(func(s channel.State) {
		switch s {
		case channel.StateConnected:
			noticeColor.Println("-- connected --")
		case channel.StateDisconnected:
			noticeColor.Println("-- connection lost, reconnecting --")
		}
	})
	ch.Dial()
	defer ch.Close()

	if !ch.WaitConnected(connectWait) {
		fmt.Fprintln(os.Stderr, "Warning: event channel not connected yet; commands are queued until it is.")
	}

	coord := coordinator.New(ch, newClient(cfg), cfg.UserName, log)
	defer coord.Close()

	ctx, cancel := context.WithTimeout(context.Background(), apiTimeout)
	if err := coord.RefreshConversations(ctx); err != nil {
		cancel()
		return describeError(err)
	}
	cancel()

	conv := findConversation(coord.Conversations(), args[0])
	if conv == nil {
		return fmt.Errorf("no conversation matches %q (try 'amx conversations')", args[0])
	}

	ctx, cancel = context.WithTimeout(context.Background(), apiTimeout)
	err = coord.Select(ctx, conv.ID)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not fetch history: %v\n", describeError(err))
	}

	fmt.Printf("Joined %q (%s)\n", conv.Name, conv.ID)
	printed := make(map[int]struct{})
	for _, msg := range coord.Messages() {
		printed[msg.ID] = struct{}{}
		printMessage(&msg)
	}

	// Change notifications arrive both from the event channel's read
	// goroutine and from REST calls on this one.
	var printedMu sync.Mutex
	unsubscribe := coord.Subscribe(func(change coordinator.Change) {
		switch change.Kind {
		case coordinator.ChangeMessages:
			printedMu.Lock()
			for _, msg := range coord.Messages() {
				if _, ok := printed[msg.ID]; ok {
					continue
				}
				printed[msg.ID] = struct{}{}
				printMessage(&msg)
			}
			printedMu.Unlock()
		case coordinator.ChangeStatus:
			entry := coord.StatusFor(change.ConversationID)
			noticeColor.Printf("-- conversation %s --\n", describeStatus(entry, coord.IsStarting(change.ConversationID)))
		case coordinator.ChangeInputRequest:
			if req := coord.InputRequest(change.ConversationID); req != nil {
				alertColor.Printf("!! %s requests your input: %s\n", req.RequestingAgent, req.RequestMessage)
			}
		}
	})
	defer unsubscribe()

	stopTypingObs := coord.OnUserTyping(func(conversationID, userName string, typing bool) {
		if conversationID == conv.ID && typing {
			noticeColor.Printf("-- %s is typing --\n", userName)
		}
	})
	defer stopTypingObs()

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := runChatCommand(coord, conv.ID, line); quit {
				return nil
			}
			continue
		}
		if err := coord.SendHumanMessage(conv.ID, line); err != nil {
			fmt.Fprintln(os.Stderr, describeError(err))
		}
	}
}

// connectWait bounds the initial wait for the event channel before chat
// falls back to queued commands.
const connectWait = 5 * time.Second

// runChatCommand dispatches one slash command. Returns true on /quit.
func runChatCommand(coord *coordinator.Coordinator, conversationID, line string) bool {
	fields := strings.Fields(line)
	var err error
	switch fields[0] {
	case "/quit", "/q", "/exit":
		return true
	case "/start":
		ctx, cancel := context.WithTimeout(context.Background(), apiTimeout)
		err = coord.Start(ctx, conversationID)
		cancel()
		if err == nil {
			noticeColor.Println("-- starting... --")
		}
	case "/stop":
		err = coord.Stop(conversationID)
	case "/pause":
		reason := strings.TrimSpace(strings.TrimPrefix(line, "/pause"))
		err = coord.Pause(conversationID, reason)
	case "/resume":
		err = coord.Resume(conversationID)
	case "/ask":
		if len(fields) < 3 {
			err = fmt.Errorf("usage: /ask <agent> <question>")
			break
		}
		question := strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(line, "/ask"), " "+fields[1]))
		coord.RequestHumanInput(conversationID, fields[1], question)
	case "/status":
		coord.ProbeStatus(conversationID)
		entry := coord.StatusFor(conversationID)
		noticeColor.Printf("-- conversation %s --\n", describeStatus(entry, coord.IsStarting(conversationID)))
	case "/refresh":
		ctx, cancel := context.WithTimeout(context.Background(), apiTimeout)
		if err = coord.RefreshConversations(ctx); err == nil {
			err = coord.RefreshMessages(ctx)
		}
		cancel()
	default:
		err = fmt.Errorf("unknown command %s", fields[0])
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, describeError(err))
	}
	return false
}

// findConversation resolves an id or (unique, case-insensitive) name.
func findConversation(convs []api.Conversation, ref string) *api.Conversation {
	for i := range convs {
		if convs[i].ID == ref {
			return &convs[i]
		}
	}
	lower := strings.ToLower(ref)
	var found *api.Conversation
	for i := range convs {
		if strings.ToLower(convs[i].Name) == lower {
			if found != nil {
				return nil // ambiguous
			}
			found = &convs[i]
		}
	}
	return found
}

func printMessage(msg *api.Message) {
	if ts := msg.Time(); !ts.IsZero() {
		noticeColor.Printf("%s ", ts.Local().Format("15:04"))
	}
	c := agentColor
	switch msg.MessageType {
	case api.MessageTypeHuman:
		c = humanColor
	case api.MessageTypeSystem:
		c = systemColor
	}
	c.Printf("[%s] ", senderLabel(msg))
	fmt.Println(msg.Content)
}

func describeStatus(entry coordinator.StatusEntry, starting bool) string {
	switch {
	case entry.Completed:
		return "completed"
	case entry.Active:
		return "active"
	case entry.Paused:
		return "paused"
	case starting:
		return "starting..."
	default:
		return "idle"
	}
}
