package approval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noxlabs/nox/internal/common/config"
	"github.com/noxlabs/nox/internal/common/logger"
	"github.com/noxlabs/nox/internal/events/bus"
	"github.com/noxlabs/nox/internal/registry"
	v1 "github.com/noxlabs/nox/pkg/api/v1"
)

func newTestStore(t *testing.T, dir string) *registry.Store {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	store, err := registry.Open(config.RegistryConfig{WorkingDir: dir}, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestManager(t *testing.T, store *registry.Store) *Manager {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	cfg := config.ApprovalsConfig{SweepIntervalMs: 20, DefaultTTLMin: 15}
	m, err := NewManager(cfg, store, eventBus, log)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func riskPtr(r v1.RiskLevel) *v1.RiskLevel { return &r }

func request(risk v1.RiskLevel) *v1.ApprovalRequest {
	return &v1.ApprovalRequest{
		Type:        "capability_grant",
		Title:       "grant web access",
		RequestedBy: "beta",
		RiskLevel:   risk,
	}
}

func TestAutoApproveAtOrBelowThreshold(t *testing.T) {
	m := newTestManager(t, newTestStore(t, t.TempDir()))

	req := request(v1.RiskLow)
	req.AutoApproveThreshold = riskPtr(v1.RiskMedium)

	approved, err := m.RequestApproval(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, approved)

	history, err := m.GetHistory(0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, v1.ApprovalAutoApproved, history[0].Status)
	assert.Nil(t, history[0].Response)
}

func TestHighRiskIgnoresLowerThreshold(t *testing.T) {
	m := newTestManager(t, newTestStore(t, t.TempDir()))
	m.SetDecisionCallback(func(ctx context.Context, req *v1.ApprovalRequest) (bool, error) {
		return false, nil
	})

	req := request(v1.RiskHigh)
	req.AutoApproveThreshold = riskPtr(v1.RiskMedium)

	approved, err := m.RequestApproval(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, approved)

	history, err := m.GetHistory(0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, v1.ApprovalRejected, history[0].Status)
}

func TestCallbackApproves(t *testing.T) {
	m := newTestManager(t, newTestStore(t, t.TempDir()))
	m.SetDecisionCallback(func(ctx context.Context, req *v1.ApprovalRequest) (bool, error) {
		return req.RiskLevel != v1.RiskCritical, nil
	})

	approved, err := m.RequestApproval(context.Background(), request(v1.RiskMedium))
	require.NoError(t, err)
	assert.True(t, approved)

	approved, err = m.RequestApproval(context.Background(), request(v1.RiskCritical))
	require.NoError(t, err)
	assert.False(t, approved)
}

func TestCallbackErrorRejects(t *testing.T) {
	m := newTestManager(t, newTestStore(t, t.TempDir()))
	m.SetDecisionCallback(func(ctx context.Context, req *v1.ApprovalRequest) (bool, error) {
		return true, errors.New("backend down")
	})

	approved, err := m.RequestApproval(context.Background(), request(v1.RiskMedium))
	require.NoError(t, err)
	assert.False(t, approved)

	history, err := m.GetHistory(0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, v1.ApprovalRejected, history[0].Status)
	assert.Equal(t, callbackErrorReason, history[0].Response.Reason)
}

func TestCallbackPanicRejects(t *testing.T) {
	m := newTestManager(t, newTestStore(t, t.TempDir()))
	m.SetDecisionCallback(func(ctx context.Context, req *v1.ApprovalRequest) (bool, error) {
		panic("boom")
	})

	approved, err := m.RequestApproval(context.Background(), request(v1.RiskMedium))
	require.NoError(t, err)
	assert.False(t, approved)
}

func TestRespondResolvesWaiter(t *testing.T) {
	m := newTestManager(t, newTestStore(t, t.TempDir()))

	result := make(chan bool, 1)
	go func() {
		approved, err := m.RequestApproval(context.Background(), request(v1.RiskHigh))
		if err != nil {
			result <- false
			return
		}
		result <- approved
	}()

	var pending []*v1.ApprovalRecord
	require.Eventually(t, func() bool {
		pending = m.GetPending()
		return len(pending) == 1
	}, 2*time.Second, 5*time.Millisecond)

	ok := m.Respond(context.Background(), pending[0].ID, true, "operator", "looks safe")
	assert.True(t, ok)

	select {
	case approved := <-result:
		assert.True(t, approved)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never resumed")
	}

	// a second respond is a no-op
	assert.False(t, m.Respond(context.Background(), pending[0].ID, false, "operator", ""))
	assert.Empty(t, m.GetPending())
}

func TestExpiryReturnsFalse(t *testing.T) {
	m := newTestManager(t, newTestStore(t, t.TempDir()))

	req := request(v1.RiskHigh)
	expires := time.Now().UTC().Add(100 * time.Millisecond)
	req.ExpiresAt = &expires

	approved, err := m.RequestApproval(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, approved)

	history, err := m.GetHistory(0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, v1.ApprovalExpired, history[0].Status)
}

func TestRespondUnknownID(t *testing.T) {
	m := newTestManager(t, newTestStore(t, t.TempDir()))
	assert.False(t, m.Respond(context.Background(), "nope", true, "operator", ""))
}

func TestRestartExpiresStalePending(t *testing.T) {
	dir := t.TempDir()
	store := newTestStore(t, dir)

	past := time.Now().UTC().Add(-time.Minute)
	stillValid := time.Now().UTC().Add(time.Hour)
	require.NoError(t, store.SavePendingApprovals([]*v1.ApprovalRecord{
		{
			ID:     "stale",
			Status: v1.ApprovalPending,
			Request: v1.ApprovalRequest{
				Type: "capability_grant", RequestedBy: "beta",
				RiskLevel: v1.RiskHigh, RequestedAt: past.Add(-time.Hour), ExpiresAt: &past,
			},
		},
		{
			ID:     "fresh",
			Status: v1.ApprovalPending,
			Request: v1.ApprovalRequest{
				Type: "capability_grant", RequestedBy: "beta",
				RiskLevel: v1.RiskHigh, RequestedAt: past, ExpiresAt: &stillValid,
			},
		},
	}))

	m := newTestManager(t, store)

	pending := m.GetPending()
	require.Len(t, pending, 1)
	assert.Equal(t, "fresh", pending[0].ID)

	history, err := m.GetHistory(0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "stale", history[0].ID)
	assert.Equal(t, v1.ApprovalExpired, history[0].Status)
}

func TestAgentHistoryFilters(t *testing.T) {
	m := newTestManager(t, newTestStore(t, t.TempDir()))
	m.SetDecisionCallback(func(ctx context.Context, req *v1.ApprovalRequest) (bool, error) {
		return true, nil
	})

	_, err := m.RequestApproval(context.Background(), request(v1.RiskMedium))
	require.NoError(t, err)
	other := request(v1.RiskMedium)
	other.RequestedBy = "gamma"
	_, err = m.RequestApproval(context.Background(), other)
	require.NoError(t, err)

	mine, err := m.GetAgentHistory("beta")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "beta", mine[0].Request.RequestedBy)
}
