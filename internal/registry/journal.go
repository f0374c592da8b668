package registry

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/noxlabs/nox/internal/common/errdefs"
)

// journalEntry is one line of the write-ahead journal.
type journalEntry struct {
	Seq       uint64    `json:"seq"`
	Op        string    `json:"op"` // add, update, delete, append
	Entity    string    `json:"entity"`
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
}

// journal is the append-only mutation log. Every mutation is journaled
// before its document is written; a journal write failure is fatal.
type journal struct {
	mu   sync.Mutex
	path string
	file *os.File
	next uint64
}

func openJournal(path string) (*journal, error) {
	next, err := lastSeq(path)
	if err != nil {
		return nil, errdefs.Fatal("registry corrupt: journal", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errdefs.Fatal("open journal", err)
	}
	return &journal{path: path, file: file, next: next + 1}, nil
}

// lastSeq scans an existing journal for its highest sequence number.
func lastSeq(path string) (uint64, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer file.Close()

	var last uint64
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry journalEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			// a torn trailing line from a crash is tolerated
			continue
		}
		last = entry.Seq
	}
	return last, scanner.Err()
}

func (j *journal) append(op, entity, id string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	entry := journalEntry{
		Seq:       j.next,
		Op:        op,
		Entity:    entity,
		ID:        id,
		Timestamp: time.Now().UTC(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return errdefs.Fatal("journal write", err)
	}
	if _, err := j.file.Write(append(data, '\n')); err != nil {
		return errdefs.Fatal("journal write", err)
	}
	j.next++
	return nil
}

func (j *journal) seq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.next - 1
}

// tail returns up to limit most recent entries, newest first.
func (j *journal) tail(limit int) ([]journalEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.file.Sync(); err != nil {
		return nil, errdefs.External("sync journal", err)
	}

	file, err := os.Open(j.path)
	if err != nil {
		return nil, errdefs.External("read journal", err)
	}
	defer file.Close()

	var entries []journalEntry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry journalEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, errdefs.External("read journal", err)
	}

	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	for i, k := 0, len(entries)-1; i < k; i, k = i+1, k-1 {
		entries[i], entries[k] = entries[k], entries[i]
	}
	return entries, nil
}

func (j *journal) close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}
