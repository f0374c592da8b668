package registry

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/noxlabs/nox/internal/common/errdefs"
	v1 "github.com/noxlabs/nox/pkg/api/v1"
)

const messageDayFormat = "2006-01-02"

func (s *Store) messagesPath(day time.Time) string {
	return filepath.Join(s.root, messagesDir, day.UTC().Format(messageDayFormat)+".jsonl")
}

// AppendMessage records a delivery outcome in the per-day history journal.
func (s *Store) AppendMessage(entry *v1.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errdefs.Conflict("registry is closed")
	}

	day := entry.Message.Timestamp
	if day.IsZero() {
		day = time.Now().UTC()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return errdefs.External("marshal history entry", err)
	}

	if err := s.journal.append("append", "message", entry.Message.ID); err != nil {
		return err
	}

	path := s.messagesPath(day)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errdefs.External("open message history", err)
	}
	defer file.Close()
	if _, err := file.Write(append(data, '\n')); err != nil {
		return errdefs.External("append message history", err)
	}

	s.git.commit("append", "message", entry.Message.ID)
	return nil
}

// MessageHistory returns up to limit entries involving agentID (as sender or
// recipient), newest first. An empty agentID returns all traffic.
func (s *Store) MessageHistory(agentID string, limit int) ([]*v1.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dir := filepath.Join(s.root, messagesDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errdefs.External("read message history dir", err)
	}

	// newest day files first
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".jsonl") {
			names = append(names, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	var out []*v1.HistoryEntry
	for _, name := range names {
		day, err := s.readMessageDay(filepath.Join(dir, name), agentID)
		if err != nil {
			return nil, err
		}
		// within a day the file is oldest-first; reverse it
		for i := len(day) - 1; i >= 0; i-- {
			out = append(out, day[i])
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
		}
	}
	return out, nil
}

func (s *Store) readMessageDay(path, agentID string) ([]*v1.HistoryEntry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errdefs.External("open message history", err)
	}
	defer file.Close()

	var out []*v1.HistoryEntry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry v1.HistoryEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			continue
		}
		if agentID != "" && entry.Message.From != agentID && entry.Message.To != agentID && entry.Message.To != v1.Broadcast {
			continue
		}
		out = append(out, &entry)
	}
	return out, scanner.Err()
}
