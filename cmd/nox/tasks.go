package main

import (
	"fmt"
	"net/url"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	v1 "github.com/noxlabs/nox/pkg/api/v1"
)

var createTaskCmd = &cobra.Command{
	Use:   "create-task <agent-id> <title> <description>",
	Short: "Create a task for an agent",
	Args:  exactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		priority, _ := cmd.Flags().GetString("priority")
		deps, _ := cmd.Flags().GetStringSlice("depends-on")

		var task v1.Task
		if err := newClient().post("/api/tasks", v1.CreateTaskRequest{
			AgentID:      args[0],
			Title:        args[1],
			Description:  args[2],
			Priority:     v1.Priority(priority),
			Dependencies: deps,
		}, &task); err != nil {
			return err
		}
		fmt.Printf("Task %s created (status: %s)\n", task.ID, task.Status)
		return nil
	},
}

var listTasksCmd = &cobra.Command{
	Use:   "list-tasks <agent-id>",
	Short: "List an agent's tasks",
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")

		var tasks []*v1.Task
		path := "/api/agents/" + url.PathEscape(args[0]) + "/tasks"
		if err := newClient().get(path, &tasks); err != nil {
			return err
		}

		if format == "json" {
			return printJSON(tasks)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTITLE\tSTATUS\tPRIORITY\tPROGRESS")
		for _, t := range tasks {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d%%\n", t.ID, t.Title, t.Status, t.Priority, t.Progress)
		}
		return w.Flush()
	},
}

var taskOverviewCmd = &cobra.Command{
	Use:   "task-overview",
	Short: "Show aggregate task counts",
	Args:  exactArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		var dash v1.TaskDashboard
		if err := newClient().get("/api/tasks/dashboard", &dash); err != nil {
			return err
		}

		fmt.Printf("Total tasks: %d (blocked: %d)\n", dash.Total, dash.BlockedCount)
		if dash.OldestOpenAgeSec > 0 {
			fmt.Printf("Oldest open task age: %ds\n", dash.OldestOpenAgeSec)
		}
		fmt.Println("\nBy status:")
		for status, n := range dash.ByStatus {
			fmt.Printf("  %-12s %d\n", status, n)
		}
		fmt.Println("\nBy agent:")
		for agent, n := range dash.ByAgent {
			fmt.Printf("  %-12s %d\n", agent, n)
		}
		return nil
	},
}

func init() {
	createTaskCmd.Flags().String("priority", "", "LOW, MEDIUM, HIGH or CRITICAL")
	createTaskCmd.Flags().StringSlice("depends-on", nil, "dependency task id (repeatable)")

	listTasksCmd.Flags().StringP("format", "f", "table", "output format: table or json")
}
