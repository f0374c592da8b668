package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/noxlabs/nox/internal/common/config"
	"github.com/noxlabs/nox/internal/common/errdefs"
	"github.com/noxlabs/nox/internal/common/logger"
	"github.com/noxlabs/nox/internal/registry"
)

// openLocalStore opens the registry under --dir without a running server.
func openLocalStore() (*registry.Store, error) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	if err != nil {
		return nil, err
	}
	return registry.Open(config.RegistryConfig{WorkingDir: workingDir}, log)
}

const initialConfig = `# Nox control plane configuration.
# Every key can also be set via NOX_* environment variables.

server:
  host: 0.0.0.0
  port: 3000

registry:
  workingDir: .
  gitEnabled: true

broker:
  queueSize: 10000
  workers: 4

approvals:
  defaultTtlMin: 15

# nats.url selects the external event bus; leave empty for in-memory.
nats:
  url: ""

docker:
  enabled: true

logging:
  level: info
  format: text
`

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a Nox working directory",
	Args:  exactArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath := filepath.Join(workingDir, "config.yaml")
		if _, err := os.Stat(cfgPath); err == nil {
			return errdefs.Conflict("%s already exists", cfgPath)
		}
		if err := os.WriteFile(cfgPath, []byte(initialConfig), 0o644); err != nil {
			return err
		}

		store, err := openLocalStore()
		if err != nil {
			return err
		}
		defer store.Close()

		fmt.Printf("Initialized %s\n", store.Path())
		fmt.Printf("Wrote %s\n", cfgPath)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the status of a running server",
	Args:  exactArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		var status map[string]interface{}
		if err := newClient().get("/api/system/status", &status); err != nil {
			return err
		}
		return printJSON(status)
	},
}

var registryStatusCmd = &cobra.Command{
	Use:   "registry-status",
	Short: "Show local registry health",
	Args:  exactArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openLocalStore()
		if err != nil {
			return err
		}
		defer store.Close()
		return printJSON(store.Status())
	},
}

var registryHistoryCmd = &cobra.Command{
	Use:   "registry-history [limit]",
	Short: "Show recent registry journal entries",
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) > 1 {
			return errdefs.Invalid("registry-history takes at most one argument")
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		limit := 20
		if len(args) == 1 {
			n, err := strconv.Atoi(args[0])
			if err != nil || n <= 0 {
				return errdefs.Invalid("limit must be a positive integer")
			}
			limit = n
		}

		store, err := openLocalStore()
		if err != nil {
			return err
		}
		defer store.Close()

		entries, err := store.History(limit)
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Printf("%6d  %-19s  %-8s %-8s %s\n",
				e.Seq, e.Timestamp.Format("2006-01-02 15:04:05"), e.Op, e.Entity, e.ID)
		}
		return nil
	},
}

var registryBackupCmd = &cobra.Command{
	Use:   "registry-backup [dest-dir]",
	Short: "Write a timestamped registry backup archive",
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) > 1 {
			return errdefs.Invalid("registry-backup takes at most one argument")
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		dest := workingDir
		if len(args) == 1 {
			dest = args[0]
		}

		store, err := openLocalStore()
		if err != nil {
			return err
		}
		defer store.Close()

		path, err := store.Backup(dest)
		if err != nil {
			return err
		}
		fmt.Printf("Backup written to %s\n", path)
		return nil
	},
}

var queryRegistryCmd = &cobra.Command{
	Use:   "query-registry <term>",
	Short: "Search agents and tasks by substring",
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openLocalStore()
		if err != nil {
			return err
		}
		defer store.Close()

		results := store.Query(args[0])
		if len(results) == 0 {
			fmt.Println("No matches")
			return nil
		}
		for _, r := range results {
			fmt.Printf("%-6s %-24s %s\n", r.Entity, r.ID, r.Match)
		}
		return nil
	},
}
