package main

import (
	"fmt"
	"net/url"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/noxlabs/nox/internal/common/errdefs"
	v1 "github.com/noxlabs/nox/pkg/api/v1"
)

// agentSpec is the YAML document accepted by add-agent --file.
type agentSpec struct {
	ID           string   `yaml:"id"`
	Name         string   `yaml:"name"`
	SystemPrompt string   `yaml:"system_prompt"`
	Command      []string `yaml:"command"`
	Capabilities []string `yaml:"capabilities"`
}

var addAgentCmd = &cobra.Command{
	Use:   "add-agent <id> <system-prompt>",
	Short: "Register a new agent",
	Long: `Register a new agent from positional arguments, or from a YAML
spec file via --file. The spec file accepts id, name, system_prompt,
command and capabilities keys.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		specFile, _ := cmd.Flags().GetString("file")
		name, _ := cmd.Flags().GetString("name")
		capabilities, _ := cmd.Flags().GetStringSlice("capability")

		req := v1.CreateAgentRequest{Name: name, Capabilities: capabilities}
		switch {
		case specFile != "":
			if len(args) != 0 {
				return errdefs.Invalid("add-agent takes no arguments with --file")
			}
			data, err := os.ReadFile(specFile)
			if err != nil {
				return errdefs.Invalid("read %s: %v", specFile, err)
			}
			var spec agentSpec
			if err := yaml.Unmarshal(data, &spec); err != nil {
				return errdefs.Invalid("parse %s: %v", specFile, err)
			}
			req.ID = spec.ID
			req.SystemPrompt = spec.SystemPrompt
			req.Command = spec.Command
			if spec.Name != "" {
				req.Name = spec.Name
			}
			if len(spec.Capabilities) > 0 {
				req.Capabilities = spec.Capabilities
			}
		case len(args) == 2:
			req.ID = args[0]
			req.SystemPrompt = args[1]
		default:
			return errdefs.Invalid("add-agent expects <id> <system-prompt> or --file")
		}

		var agent v1.Agent
		if err := newClient().post("/api/agents", req, &agent); err != nil {
			return err
		}
		fmt.Printf("Agent %s created (status: %s)\n", agent.ID, agent.Status)
		return nil
	},
}

var listAgentsCmd = &cobra.Command{
	Use:   "list-agents",
	Short: "List registered agents",
	Args:  exactArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		format, _ := cmd.Flags().GetString("format")

		path := "/api/agents"
		if status != "" {
			path += "?status=" + url.QueryEscape(status)
		}
		var agents []*v1.Agent
		if err := newClient().get(path, &agents); err != nil {
			return err
		}

		if format == "json" {
			return printJSON(agents)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSTATUS\tCAPABILITIES")
		for _, a := range agents {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", a.ID, a.Name, a.Status, len(a.Capabilities))
		}
		return w.Flush()
	},
}

var showAgentCmd = &cobra.Command{
	Use:   "show-agent <id>",
	Short: "Show one agent record",
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var agent v1.Agent
		if err := newClient().get("/api/agents/"+url.PathEscape(args[0]), &agent); err != nil {
			return err
		}
		return printJSON(agent)
	},
}

var updateAgentCmd = &cobra.Command{
	Use:   "update-agent <id> <system-prompt>",
	Short: "Replace an agent's system prompt",
	Args:  exactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		prompt := args[1]
		var agent v1.Agent
		if err := newClient().put("/api/agents/"+url.PathEscape(args[0]),
			v1.UpdateAgentRequest{SystemPrompt: &prompt}, &agent); err != nil {
			return err
		}
		fmt.Printf("Agent %s updated\n", agent.ID)
		return nil
	},
}

var deleteAgentCmd = &cobra.Command{
	Use:   "delete-agent <id>",
	Short: "Delete an agent",
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")

		client := newClient()
		id := url.PathEscape(args[0])
		if force {
			// best effort stop first; a not-running agent reports conflict
			_ = client.post("/api/agents/"+id+"/stop", nil, nil)
		}
		if err := client.delete("/api/agents/" + id); err != nil {
			return err
		}
		fmt.Printf("Agent %s deleted\n", args[0])
		return nil
	},
}

func init() {
	addAgentCmd.Flags().String("name", "", "display name (defaults to the id)")
	addAgentCmd.Flags().StringSlice("capability", nil, "capability tag (repeatable)")
	addAgentCmd.Flags().String("file", "", "YAML agent spec file")

	listAgentsCmd.Flags().String("status", "", "filter by lifecycle status")
	listAgentsCmd.Flags().StringP("format", "f", "table", "output format: table or json")

	deleteAgentCmd.Flags().Bool("force", false, "stop the agent first if it is running")
}
