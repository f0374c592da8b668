// Command nox is the control plane binary: `nox serve` runs the server,
// the remaining commands administer it over the REST API or operate on a
// local registry directory.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/noxlabs/nox/internal/common/errdefs"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	serverURL  string
	workingDir string
)

var rootCmd = &cobra.Command{
	Use:           "nox",
	Short:         "Nox - control plane for autonomous worker agents",
	SilenceUsage:  true,
	SilenceErrors: true,
	Version:       Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"nox version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://127.0.0.1:3000", "Nox server base URL")
	rootCmd.PersistentFlags().StringVar(&workingDir, "dir", ".", "working directory holding .nox-registry")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)

	rootCmd.AddCommand(addAgentCmd)
	rootCmd.AddCommand(listAgentsCmd)
	rootCmd.AddCommand(showAgentCmd)
	rootCmd.AddCommand(updateAgentCmd)
	rootCmd.AddCommand(deleteAgentCmd)

	rootCmd.AddCommand(createTaskCmd)
	rootCmd.AddCommand(listTasksCmd)
	rootCmd.AddCommand(taskOverviewCmd)

	rootCmd.AddCommand(registryStatusCmd)
	rootCmd.AddCommand(registryHistoryCmd)
	rootCmd.AddCommand(registryBackupCmd)
	rootCmd.AddCommand(queryRegistryCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("nox version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}

// exitCode maps error kinds onto the documented CLI exit codes.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errdefs.IsInvalid(err):
		return 2
	case errdefs.IsNotFound(err):
		return 3
	case errdefs.IsConflict(err):
		return 4
	default:
		return 1
	}
}

// errKind names the error kind in CLI output.
func errKind(err error) string {
	switch {
	case errdefs.IsInvalid(err):
		return "Invalid"
	case errdefs.IsNotFound(err):
		return "NotFound"
	case errdefs.IsConflict(err):
		return "Conflict"
	case errdefs.IsCapacity(err):
		return "Capacity"
	case errors.Is(err, errdefs.ErrTimeout):
		return "Timeout"
	default:
		return "Error"
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", errKind(err), err)
		os.Exit(exitCode(err))
	}
}
