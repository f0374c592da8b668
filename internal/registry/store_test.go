package registry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noxlabs/nox/internal/common/config"
	"github.com/noxlabs/nox/internal/common/errdefs"
	"github.com/noxlabs/nox/internal/common/logger"
	v1 "github.com/noxlabs/nox/pkg/api/v1"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	store, err := Open(config.RegistryConfig{WorkingDir: dir}, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, dir
}

func testAgent(id string) *v1.Agent {
	return &v1.Agent{
		ID:           id,
		Name:         "Agent " + id,
		SystemPrompt: "you are " + id,
		Capabilities: []string{"code"},
		Resources:    v1.DefaultResourceLimits(),
		Status:       v1.AgentStatusInactive,
		CreatedAt:    time.Now().UTC(),
	}
}

func TestOpenCreatesLayout(t *testing.T) {
	_, dir := newTestStore(t)

	for _, sub := range []string{"", "tasks", "messages", "approvals"} {
		info, err := os.Stat(filepath.Join(dir, DirName, sub))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestAgentCRUD(t *testing.T) {
	store, dir := newTestStore(t)

	agent := testAgent("researcher")
	require.NoError(t, store.CreateAgent(agent))

	// duplicate id conflicts
	err := store.CreateAgent(testAgent("researcher"))
	assert.True(t, errdefs.IsConflict(err))

	got, err := store.GetAgent("researcher")
	require.NoError(t, err)
	assert.Equal(t, "Agent researcher", got.Name)

	// mutating the returned copy must not leak into the store
	got.Name = "mutated"
	again, err := store.GetAgent("researcher")
	require.NoError(t, err)
	assert.Equal(t, "Agent researcher", again.Name)

	got.Name = "Renamed"
	require.NoError(t, store.UpdateAgent(got))

	require.NoError(t, store.DeleteAgent("researcher"))
	_, err = store.GetAgent("researcher")
	assert.True(t, errdefs.IsNotFound(err))
	assert.True(t, errdefs.IsNotFound(store.DeleteAgent("researcher")))

	// agents.json written through
	assert.FileExists(t, filepath.Join(dir, DirName, "agents.json"))
}

func TestReopenRestoresState(t *testing.T) {
	store, dir := newTestStore(t)

	require.NoError(t, store.CreateAgent(testAgent("worker")))
	require.NoError(t, store.SaveTask(&v1.Task{
		ID:        "t-1",
		AgentID:   "worker",
		Title:     "index the repo",
		Status:    v1.TaskStatusTodo,
		Priority:  v1.PriorityMedium,
		CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, store.Close())

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	reopened, err := Open(config.RegistryConfig{WorkingDir: dir}, log)
	require.NoError(t, err)
	defer reopened.Close()

	agents := reopened.ListAgents()
	require.Len(t, agents, 1)
	assert.Equal(t, "worker", agents[0].ID)

	task, err := reopened.GetTask("t-1")
	require.NoError(t, err)
	assert.Equal(t, "index the repo", task.Title)

	// journal sequence continues, never restarts
	st := reopened.Status()
	assert.GreaterOrEqual(t, st.JournalSeq, uint64(2))
}

func TestListTasksFilter(t *testing.T) {
	store, _ := newTestStore(t)

	base := time.Now().UTC()
	for i, spec := range []struct {
		id     string
		agent  string
		status v1.TaskStatus
	}{
		{"t-1", "worker", v1.TaskStatusTodo},
		{"t-2", "worker", v1.TaskStatusDone},
		{"t-3", "planner", v1.TaskStatusTodo},
	} {
		require.NoError(t, store.SaveTask(&v1.Task{
			ID:        spec.id,
			AgentID:   spec.agent,
			Title:     spec.id,
			Status:    spec.status,
			Priority:  v1.PriorityLow,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	all := store.ListTasks(v1.TaskFilter{})
	require.Len(t, all, 3)
	assert.Equal(t, "t-1", all[0].ID) // oldest first

	workers := store.ListTasks(v1.TaskFilter{AgentID: "worker"})
	assert.Len(t, workers, 2)

	todo := store.ListTasks(v1.TaskFilter{AgentID: "worker", Status: v1.TaskStatusTodo})
	require.Len(t, todo, 1)
	assert.Equal(t, "t-1", todo[0].ID)
}

func TestMessageHistory(t *testing.T) {
	store, _ := newTestStore(t)

	now := time.Now().UTC()
	msgs := []*v1.Message{
		{ID: "m-1", From: "planner", To: "worker", Type: v1.MessageTypeTaskRequest, Timestamp: now},
		{ID: "m-2", From: "worker", To: "planner", Type: v1.MessageTypeTaskResponse, Timestamp: now.Add(time.Second)},
		{ID: "m-3", From: "planner", To: v1.Broadcast, Type: v1.MessageTypeSystem, Timestamp: now.Add(2 * time.Second)},
		{ID: "m-4", From: "other", To: "third", Type: v1.MessageTypeDirect, Timestamp: now.Add(3 * time.Second)},
	}
	for _, m := range msgs {
		require.NoError(t, store.AppendMessage(&v1.HistoryEntry{Message: m, Status: v1.DeliveryDelivered}))
	}

	history, err := store.MessageHistory("worker", 0)
	require.NoError(t, err)
	require.Len(t, history, 3) // m-1, m-2, broadcast m-3; not m-4
	assert.Equal(t, "m-3", history[0].Message.ID)

	limited, err := store.MessageHistory("worker", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestApprovalPersistence(t *testing.T) {
	store, _ := newTestStore(t)

	record := &v1.ApprovalRecord{
		ID: "ap-1",
		Request: v1.ApprovalRequest{
			Type:        "container_install",
			Title:       "install pandoc",
			RequestedBy: "worker",
			RequestedAt: time.Now().UTC(),
			RiskLevel:   v1.RiskHigh,
		},
		Status: v1.ApprovalPending,
	}

	require.NoError(t, store.SavePendingApprovals([]*v1.ApprovalRecord{record}))
	pending, err := store.LoadPendingApprovals()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "ap-1", pending[0].ID)

	record.Status = v1.ApprovalApproved
	record.Response = &v1.ApprovalResponse{DecidedBy: "operator", DecidedAt: time.Now().UTC()}
	require.NoError(t, store.AppendApprovalHistory(record))
	require.NoError(t, store.SavePendingApprovals(nil))

	history, err := store.ApprovalHistory(0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, v1.ApprovalApproved, history[0].Status)
}

func TestJournalHistory(t *testing.T) {
	store, _ := newTestStore(t)

	require.NoError(t, store.CreateAgent(testAgent("a")))
	require.NoError(t, store.CreateAgent(testAgent("b")))
	require.NoError(t, store.DeleteAgent("a"))

	entries, err := store.History(2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	// newest first
	assert.Equal(t, "delete", entries[0].Op)
	assert.Equal(t, "a", entries[0].ID)
	assert.Greater(t, entries[0].Seq, entries[1].Seq)
}

func TestBackupSnapshotsTree(t *testing.T) {
	store, _ := newTestStore(t)
	require.NoError(t, store.CreateAgent(testAgent("keeper")))

	dest, err := store.Backup(t.TempDir())
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dest, "agents.json"))
	assert.FileExists(t, filepath.Join(dest, "journal.jsonl"))
}

func TestQuery(t *testing.T) {
	store, _ := newTestStore(t)

	require.NoError(t, store.CreateAgent(testAgent("searcher")))
	require.NoError(t, store.SaveTask(&v1.Task{
		ID: "t-1", AgentID: "searcher", Title: "summarize findings",
		Status: v1.TaskStatusTodo, Priority: v1.PriorityLow, CreatedAt: time.Now().UTC(),
	}))

	results := store.Query("SEARCH")
	require.NotEmpty(t, results)
	assert.Equal(t, "agent", results[0].Entity)

	byTitle := store.Query("summarize")
	require.Len(t, byTitle, 1)
	assert.Equal(t, "task", byTitle[0].Entity)
}

func TestMutationsAfterCloseConflict(t *testing.T) {
	store, _ := newTestStore(t)
	require.NoError(t, store.Close())
	assert.True(t, errdefs.IsConflict(store.CreateAgent(testAgent("late"))))
}
