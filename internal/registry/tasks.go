package registry

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/noxlabs/nox/internal/common/errdefs"
	v1 "github.com/noxlabs/nox/pkg/api/v1"
)

func (s *Store) taskPath(id string) string {
	return filepath.Join(s.root, tasksDir, id+".json")
}

func (s *Store) loadTasks() error {
	entries, err := os.ReadDir(filepath.Join(s.root, tasksDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errdefs.External("read tasks dir", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		var task v1.Task
		path := filepath.Join(s.root, tasksDir, entry.Name())
		if err := readJSON(path, &task); err != nil {
			return fatalCorrupt("tasks/"+entry.Name(), err)
		}
		s.tasks[task.ID] = &task
	}
	return nil
}

// SaveTask creates or replaces a task document.
func (s *Store) SaveTask(task *v1.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	op := "update"
	if _, exists := s.tasks[task.ID]; !exists {
		op = "add"
	}
	s.tasks[task.ID] = task.Clone()
	return s.commit(op, "task", task.ID, func() error {
		return s.writeJSONAtomic(s.taskPath(task.ID), task)
	})
}

// DeleteTask removes a task document.
func (s *Store) DeleteTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[id]; !exists {
		return errdefs.NotFound("task %s", id)
	}
	delete(s.tasks, id)
	return s.commit("delete", "task", id, func() error {
		if err := os.Remove(s.taskPath(id)); err != nil && !os.IsNotExist(err) {
			return errdefs.External("remove task file", err)
		}
		return nil
	})
}

// GetTask returns a copy of the task.
func (s *Store) GetTask(id string) (*v1.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, errdefs.NotFound("task %s", id)
	}
	return task.Clone(), nil
}

// ListTasks returns copies of tasks matching the filter, oldest first.
func (s *Store) ListTasks(filter v1.TaskFilter) []*v1.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := make([]*v1.Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		if filter.AgentID != "" && task.AgentID != filter.AgentID {
			continue
		}
		if filter.Status != "" && task.Status != filter.Status {
			continue
		}
		if filter.Priority != "" && task.Priority != filter.Priority {
			continue
		}
		list = append(list, task.Clone())
	}
	sort.Slice(list, func(i, k int) bool {
		if list[i].CreatedAt.Equal(list[k].CreatedAt) {
			return list[i].ID < list[k].ID
		}
		return list[i].CreatedAt.Before(list[k].CreatedAt)
	})
	return list
}
