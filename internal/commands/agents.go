package commands

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/paradiselabs-ai/amx/internal/api"
	"github.com/paradiselabs-ai/amx/internal/config"
)

var agentsJSON bool

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List registered agents",
	Long: `List the agents registered with the AgentMix server.

Agent names (or ids) are what you pass to 'amx conversations create -p'.`,
	RunE: runAgentsList,
}

func init() {
	agentsCmd.Flags().BoolVar(&agentsJSON, "json", false, "Output as JSON")
}

func runAgentsList(cmd *cobra.Command, args []string) error {
	cfg := config.LoadOrDefault()
	c := newClient(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), apiTimeout)
	defer cancel()

	agents, err := c.ListAgents(ctx)
	if err != nil {
		return describeError(err)
	}

	fmt.Print(formatAgentsOutput(agents, agentsJSON))
	return nil
}

func formatAgentsOutput(agents []api.Agent, asJSON bool) string {
	if asJSON {
		output := struct {
			Agents []api.Agent `json:"agents"`
			Count  int         `json:"count"`
		}{Agents: agents, Count: len(agents)}
		return marshalJSONOrFallback(output)
	}

	var sb strings.Builder
	if len(agents) == 0 {
		sb.WriteString("No agents registered.\n")
		return sb.String()
	}

	sb.WriteString("AGENTS:\n")
	for _, a := range agents {
		sb.WriteString(fmt.Sprintf("  %-3d %s", a.ID, a.Name))
		if a.Provider != "" {
			sb.WriteString(fmt.Sprintf(" (%s", a.Provider))
			if a.Model != "" {
				sb.WriteString("/" + a.Model)
			}
			sb.WriteString(")")
		}
		if a.Status != "" {
			sb.WriteString(" [" + a.Status + "]")
		}
		sb.WriteString("\n")
	}
	sb.WriteString(fmt.Sprintf("\nTotal: %d agent(s)\n", len(agents)))
	return sb.String()
}

// resolveAgentRefs maps agent references (numeric ids or names) to agent
// ids. Name matching follows exact, then unique prefix, then unique
// substring.
func resolveAgentRefs(ctx context.Context, c *api.Client, refs []string) ([]int, error) {
	var agents []api.Agent
	ids := make([]int, 0, len(refs))
	for _, ref := range refs {
		if id, err := strconv.Atoi(ref); err == nil {
			ids = append(ids, id)
			continue
		}
		if agents == nil {
			var err error
			agents, err = c.ListAgents(ctx)
			if err != nil {
				return nil, describeError(err)
			}
		}
		id, err := matchAgent(agents, ref)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func matchAgent(agents []api.Agent, ref string) (int, error) {
	lower := strings.ToLower(ref)

	for _, a := range agents {
		if strings.ToLower(a.Name) == lower {
			return a.ID, nil
		}
	}

	match := func(pred func(name string) bool) (int, int) {
		id, count := 0, 0
		for _, a := range agents {
			if pred(strings.ToLower(a.Name)) {
				id = a.ID
				count++
			}
		}
		return id, count
	}

	if id, count := match(func(name string) bool { return strings.HasPrefix(name, lower) }); count == 1 {
		return id, nil
	} else if count > 1 {
		return 0, fmt.Errorf("agent %q is ambiguous (%d prefix matches)", ref, count)
	}

	if id, count := match(func(name string) bool { return strings.Contains(name, lower) }); count == 1 {
		return id, nil
	} else if count > 1 {
		return 0, fmt.Errorf("agent %q is ambiguous (%d matches)", ref, count)
	}

	return 0, fmt.Errorf("no agent matches %q (try 'amx agents')", ref)
}
