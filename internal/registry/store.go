// Package registry implements the durable on-disk store for agents, tasks,
// approvals and message history. All state lives under
// <workingDir>/.nox-registry as JSON documents plus append-only journals.
//
// The store is the single owner of persisted forms. Writers funnel through
// one mutex and a write-ahead journal; readers get deep copies of the last
// committed state.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/noxlabs/nox/internal/common/config"
	"github.com/noxlabs/nox/internal/common/errdefs"
	"github.com/noxlabs/nox/internal/common/logger"
	v1 "github.com/noxlabs/nox/pkg/api/v1"
)

// DirName is the registry directory created under workingDir.
const DirName = ".nox-registry"

const (
	agentsFile        = "agents.json"
	relationshipsFile = "agent-relationships.json"
	tasksDir          = "tasks"
	messagesDir       = "messages"
	approvalsDir      = "approvals"
	pendingFile       = "pending.json"
	approvalHistory   = "history.jsonl"
	journalFile       = "journal.jsonl"
)

// Store is the journaled file-backed registry.
type Store struct {
	root    string // <workingDir>/.nox-registry
	logger  *logger.Logger
	journal *journal
	git     *gitCommitter

	mu     sync.RWMutex
	agents map[string]*v1.Agent
	tasks  map[string]*v1.Task
	closed bool
}

// Open loads or initializes the registry under cfg.WorkingDir. Existing
// state is read into memory; a corrupt top-level document is fatal.
func Open(cfg config.RegistryConfig, log *logger.Logger) (*Store, error) {
	root := filepath.Join(cfg.WorkingDir, DirName)
	for _, dir := range []string{root, filepath.Join(root, tasksDir), filepath.Join(root, messagesDir), filepath.Join(root, approvalsDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errdefs.External("create registry dir", err)
		}
	}

	jnl, err := openJournal(filepath.Join(root, journalFile))
	if err != nil {
		return nil, err
	}

	s := &Store{
		root:    root,
		logger:  log,
		journal: jnl,
		git:     newGitCommitter(root, cfg.GitEnabled, log),
		agents:  make(map[string]*v1.Agent),
		tasks:   make(map[string]*v1.Task),
	}

	if err := s.loadAgents(); err != nil {
		return nil, err
	}
	if err := s.loadTasks(); err != nil {
		return nil, err
	}

	log.Info("Registry opened",
		zap.String("path", root),
		zap.Int("agents", len(s.agents)),
		zap.Int("tasks", len(s.tasks)),
		zap.Bool("git", s.git.enabled()),
	)
	return s, nil
}

// Close flushes the journal. Further mutations fail.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.journal.close()
}

// Path returns the registry root directory.
func (s *Store) Path() string {
	return s.root
}

// commit journals the mutation, runs write, then records the git commit.
// Must be called with s.mu held for writing.
func (s *Store) commit(op, entity, id string, write func() error) error {
	if s.closed {
		return errdefs.Conflict("registry is closed")
	}
	if err := s.journal.append(op, entity, id); err != nil {
		return err
	}
	if err := write(); err != nil {
		return err
	}
	s.git.commit(op, entity, id)
	return nil
}

// writeJSONAtomic marshals v and renames it into place so readers never see
// a partial document.
func (s *Store) writeJSONAtomic(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errdefs.External("marshal "+filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return errdefs.External("write "+filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errdefs.External("rename "+filepath.Base(path), err)
	}
	return nil
}

// readJSON unmarshals path into v. Missing files return os.ErrNotExist.
func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// Status summarizes store health for the health endpoint and the CLI.
type Status struct {
	Path       string    `json:"path"`
	Agents     int       `json:"agents"`
	Tasks      int       `json:"tasks"`
	JournalSeq uint64    `json:"journal_seq"`
	GitEnabled bool      `json:"git_enabled"`
	Healthy    bool      `json:"healthy"`
	SubStatus  string    `json:"sub_status,omitempty"` // "degraded" when git commits fail
	CheckedAt  time.Time `json:"checked_at"`
}

// Status reports current store health.
func (s *Store) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Status{
		Path:       s.root,
		Agents:     len(s.agents),
		Tasks:      len(s.tasks),
		JournalSeq: s.journal.seq(),
		GitEnabled: s.git.enabled(),
		Healthy:    !s.closed,
		CheckedAt:  time.Now().UTC(),
	}
	if s.git.degraded() {
		st.SubStatus = "degraded"
	}
	return st
}

// fatalCorrupt marks an unreadable top-level document.
func fatalCorrupt(doc string, err error) error {
	return errdefs.Fatal(fmt.Sprintf("registry corrupt: %s", doc), err)
}
