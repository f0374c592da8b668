package registry

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/noxlabs/nox/internal/common/logger"
)

const gitTimeout = 10 * time.Second

// gitCommitter records each registry mutation as a commit when the registry
// directory is itself a git repository. Commit failures never fail the
// mutation; they flip the store into a degraded sub-status.
type gitCommitter struct {
	root     string
	active   bool
	logger   *logger.Logger
	failures atomic.Int64
}

func newGitCommitter(root string, wanted bool, log *logger.Logger) *gitCommitter {
	g := &gitCommitter{root: root, logger: log}
	if !wanted {
		return g
	}
	if info, err := os.Stat(filepath.Join(root, ".git")); err == nil && info.IsDir() {
		g.active = true
	}
	return g
}

func (g *gitCommitter) enabled() bool {
	return g.active
}

func (g *gitCommitter) degraded() bool {
	return g.active && g.failures.Load() > 0
}

// commit stages everything and commits with the machine-readable message
// "<op> <entity> <id>".
func (g *gitCommitter) commit(op, entity, id string) {
	if !g.active {
		return
	}

	msg := fmt.Sprintf("%s %s %s", op, entity, id)
	if err := g.run("add", "-A"); err != nil {
		g.fail(msg, err)
		return
	}
	if err := g.run("commit", "-m", msg, "--allow-empty"); err != nil {
		g.fail(msg, err)
		return
	}
	g.failures.Store(0)
}

func (g *gitCommitter) run(args ...string) error {
	cmd := exec.Command("git", args...)
	cmd.Dir = g.root
	done := make(chan error, 1)
	if err := cmd.Start(); err != nil {
		return err
	}
	go func() { done <- cmd.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(gitTimeout):
		_ = cmd.Process.Kill()
		return fmt.Errorf("git %v timed out", args)
	}
}

func (g *gitCommitter) fail(msg string, err error) {
	g.failures.Add(1)
	g.logger.Warn("Registry git commit failed",
		zap.String("message", msg),
		zap.Error(err))
}
