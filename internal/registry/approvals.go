package registry

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/noxlabs/nox/internal/common/errdefs"
	v1 "github.com/noxlabs/nox/pkg/api/v1"
)

func (s *Store) pendingApprovalsPath() string {
	return filepath.Join(s.root, approvalsDir, pendingFile)
}

func (s *Store) approvalHistoryPath() string {
	return filepath.Join(s.root, approvalsDir, approvalHistory)
}

// SavePendingApprovals rewrites the pending approvals snapshot.
func (s *Store) SavePendingApprovals(records []*v1.ApprovalRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.commit("update", "approvals", "pending", func() error {
		return s.writeJSONAtomic(s.pendingApprovalsPath(), records)
	})
}

// LoadPendingApprovals reads the pending snapshot, empty when absent.
func (s *Store) LoadPendingApprovals() ([]*v1.ApprovalRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []*v1.ApprovalRecord
	if err := readJSON(s.pendingApprovalsPath(), &records); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fatalCorrupt("approvals/"+pendingFile, err)
	}
	return records, nil
}

// AppendApprovalHistory journals a terminal approval transition.
func (s *Store) AppendApprovalHistory(record *v1.ApprovalRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errdefs.Conflict("registry is closed")
	}

	data, err := json.Marshal(record)
	if err != nil {
		return errdefs.External("marshal approval record", err)
	}
	if err := s.journal.append("append", "approval", record.ID); err != nil {
		return err
	}

	file, err := os.OpenFile(s.approvalHistoryPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errdefs.External("open approval history", err)
	}
	defer file.Close()
	if _, err := file.Write(append(data, '\n')); err != nil {
		return errdefs.External("append approval history", err)
	}

	s.git.commit("append", "approval", record.ID)
	return nil
}

// ApprovalHistory returns terminal approval records, oldest first.
func (s *Store) ApprovalHistory(limit int) ([]*v1.ApprovalRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	file, err := os.Open(s.approvalHistoryPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errdefs.External("open approval history", err)
	}
	defer file.Close()

	var out []*v1.ApprovalRecord
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var record v1.ApprovalRecord
		if err := json.Unmarshal(line, &record); err != nil {
			continue
		}
		out = append(out, &record)
	}
	if err := scanner.Err(); err != nil {
		return nil, errdefs.External("read approval history", err)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}
