package registry

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/noxlabs/nox/internal/common/errdefs"
	v1 "github.com/noxlabs/nox/pkg/api/v1"
)

// HistoryEntry is one journal record exposed to the CLI.
type HistoryEntry struct {
	Seq       uint64    `json:"seq"`
	Op        string    `json:"op"`
	Entity    string    `json:"entity"`
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
}

// History returns the most recent journal entries, newest first.
func (s *Store) History(limit int) ([]HistoryEntry, error) {
	entries, err := s.journal.tail(limit)
	if err != nil {
		return nil, err
	}
	out := make([]HistoryEntry, len(entries))
	for i, e := range entries {
		out[i] = HistoryEntry{Seq: e.Seq, Op: e.Op, Entity: e.Entity, ID: e.ID, Timestamp: e.Timestamp}
	}
	return out, nil
}

// Backup copies the registry tree into destDir/nox-registry-<stamp>.
// The store lock is held, so the copy is a consistent snapshot.
func (s *Store) Backup(destDir string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stamp := time.Now().UTC().Format("20060102-150405")
	dest := filepath.Join(destDir, "nox-registry-"+stamp)
	if err := copyTree(s.root, dest); err != nil {
		return "", errdefs.External("backup registry", err)
	}
	return dest, nil
}

func copyTree(src, dest string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		// backups never carry the git history
		if rel == ".git" || strings.HasPrefix(rel, ".git"+string(os.PathSeparator)) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		target := filepath.Join(dest, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}
		return copyFile(path, target, info.Mode())
	})
}

func copyFile(src, dest string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

// QueryResult is one match from a registry search.
type QueryResult struct {
	Entity string `json:"entity"` // agent or task
	ID     string `json:"id"`
	Match  string `json:"match"` // the field that matched
}

// Query searches agents and tasks for a case-insensitive substring.
func (s *Store) Query(term string) []QueryResult {
	s.mu.RLock()
	defer s.mu.RUnlock()

	needle := strings.ToLower(term)
	var out []QueryResult

	match := func(field, value string) (string, bool) {
		if strings.Contains(strings.ToLower(value), needle) {
			return fmt.Sprintf("%s: %s", field, value), true
		}
		return "", false
	}

	for _, a := range s.agents {
		if m, ok := match("id", a.ID); ok {
			out = append(out, QueryResult{Entity: "agent", ID: a.ID, Match: m})
		} else if m, ok := match("name", a.Name); ok {
			out = append(out, QueryResult{Entity: "agent", ID: a.ID, Match: m})
		} else if m, ok := match("capabilities", strings.Join(a.Capabilities, ",")); ok {
			out = append(out, QueryResult{Entity: "agent", ID: a.ID, Match: m})
		}
	}
	for _, t := range s.tasks {
		if m, ok := match("id", t.ID); ok {
			out = append(out, QueryResult{Entity: "task", ID: t.ID, Match: m})
		} else if m, ok := match("title", t.Title); ok {
			out = append(out, QueryResult{Entity: "task", ID: t.ID, Match: m})
		} else if m, ok := match("description", t.Description); ok {
			out = append(out, QueryResult{Entity: "task", ID: t.ID, Match: m})
		}
	}
	return out
}

// Dashboard aggregates a consistent snapshot over all tasks.
func (s *Store) Dashboard() *v1.TaskDashboard {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dash := &v1.TaskDashboard{
		ByStatus:   make(map[v1.TaskStatus]int),
		ByPriority: make(map[v1.Priority]int),
		ByAgent:    make(map[string]int),
	}
	now := time.Now().UTC()
	for _, task := range s.tasks {
		dash.Total++
		dash.ByStatus[task.Status]++
		dash.ByPriority[task.Priority]++
		dash.ByAgent[task.AgentID]++
		if task.Status == v1.TaskStatusBlocked {
			dash.BlockedCount++
		}
		if !task.Status.IsTerminal() {
			age := int64(now.Sub(task.CreatedAt).Seconds())
			if age > dash.OldestOpenAgeSec {
				dash.OldestOpenAgeSec = age
			}
		}
	}
	return dash
}
