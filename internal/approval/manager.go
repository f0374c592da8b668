// Package approval gates privileged operations behind an out-of-band
// decision: an auto-approve threshold, a registered callback, or a human
// answering through the API.
package approval

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noxlabs/nox/internal/common/config"
	"github.com/noxlabs/nox/internal/common/errdefs"
	"github.com/noxlabs/nox/internal/common/logger"
	"github.com/noxlabs/nox/internal/events"
	"github.com/noxlabs/nox/internal/events/bus"
	"github.com/noxlabs/nox/internal/registry"
	v1 "github.com/noxlabs/nox/pkg/api/v1"
)

// callbackErrorReason is recorded when the decision callback fails or
// panics; the request is rejected rather than left hanging.
const callbackErrorReason = "callback_error"

// DecisionCallback answers an approval request programmatically.
type DecisionCallback func(ctx context.Context, req *v1.ApprovalRequest) (bool, error)

type pendingApproval struct {
	record *v1.ApprovalRecord
	done   chan struct{}
}

// Manager owns the approval lifecycle. All state transitions happen under
// a single mutex, so each request reaches exactly one terminal state.
type Manager struct {
	cfg      config.ApprovalsConfig
	store    *registry.Store
	eventBus bus.EventBus
	logger   *logger.Logger

	mu       sync.Mutex
	pending  map[string]*pendingApproval
	callback DecisionCallback

	stopSweep chan struct{}
	sweepDone chan struct{}
}

// NewManager restores pending approvals from the registry, expires the
// stale ones, and starts the background sweeper.
func NewManager(cfg config.ApprovalsConfig, store *registry.Store, eventBus bus.EventBus, log *logger.Logger) (*Manager, error) {
	m := &Manager{
		cfg:       cfg,
		store:     store,
		eventBus:  eventBus,
		logger:    log.WithFields(zap.String("component", "approval")),
		pending:   make(map[string]*pendingApproval),
		stopSweep: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	if err := m.restore(); err != nil {
		return nil, err
	}
	go m.sweepLoop()
	return m, nil
}

func (m *Manager) restore() error {
	records, err := m.store.LoadPendingApprovals()
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	for _, record := range records {
		if record.Status.IsTerminal() {
			continue
		}
		if record.Request.ExpiresAt != nil && !record.Request.ExpiresAt.After(now) {
			record.Status = v1.ApprovalExpired
			if err := m.store.AppendApprovalHistory(record); err != nil {
				return err
			}
			continue
		}
		m.pending[record.ID] = &pendingApproval{record: record, done: make(chan struct{})}
	}
	return m.persistPendingLocked()
}

// Close stops the sweeper. Pending requests stay pending; they survive in
// the registry snapshot.
func (m *Manager) Close() {
	close(m.stopSweep)
	<-m.sweepDone
}

// SetDecisionCallback registers the programmatic decision hook. Requests
// already pending are unaffected.
func (m *Manager) SetDecisionCallback(cb DecisionCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callback = cb
}

// RequestApproval blocks until the request reaches a terminal state and
// reports whether the operation may proceed.
func (m *Manager) RequestApproval(ctx context.Context, req *v1.ApprovalRequest) (bool, error) {
	if req.RequestedAt.IsZero() {
		req.RequestedAt = time.Now().UTC()
	}
	if err := req.Validate(); err != nil {
		return false, err
	}
	if req.ExpiresAt == nil {
		expires := req.RequestedAt.Add(m.cfg.DefaultTTL())
		req.ExpiresAt = &expires
	}

	record := &v1.ApprovalRecord{
		ID:      uuid.New().String(),
		Request: *req,
		Status:  v1.ApprovalPending,
	}
	m.publish(ctx, events.ApprovalRequested, record)

	if threshold := req.AutoApproveThreshold; threshold != nil && req.RiskLevel.Rank() <= threshold.Rank() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if err := m.finalizeLocked(ctx, record, v1.ApprovalAutoApproved, nil); err != nil {
			return false, err
		}
		return true, nil
	}

	m.mu.Lock()
	cb := m.callback
	if cb != nil {
		m.mu.Unlock()
		return m.decideViaCallback(ctx, record, cb)
	}

	entry := &pendingApproval{record: record, done: make(chan struct{})}
	m.pending[record.ID] = entry
	if err := m.persistPendingLocked(); err != nil {
		delete(m.pending, record.ID)
		m.mu.Unlock()
		return false, err
	}
	m.mu.Unlock()

	return m.await(ctx, entry)
}

// decideViaCallback runs the callback outside the lock. A callback error
// or panic rejects the request.
func (m *Manager) decideViaCallback(ctx context.Context, record *v1.ApprovalRecord, cb DecisionCallback) (approved bool, err error) {
	var decision bool
	var cbErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("Decision callback panicked",
					zap.String("approval_id", record.ID),
					zap.Any("panic", r))
				cbErr = errdefs.Invalid("decision callback panicked")
			}
		}()
		decision, cbErr = cb(ctx, &record.Request)
	}()

	m.mu.Lock()
	defer m.mu.Unlock()

	if cbErr != nil {
		reason := callbackErrorReason
		resp := &v1.ApprovalResponse{DecidedBy: "callback", DecidedAt: time.Now().UTC(), Reason: reason}
		if err := m.finalizeLocked(ctx, record, v1.ApprovalRejected, resp); err != nil {
			return false, err
		}
		return false, nil
	}

	status := v1.ApprovalRejected
	if decision {
		status = v1.ApprovalApproved
	}
	resp := &v1.ApprovalResponse{DecidedBy: "callback", DecidedAt: time.Now().UTC()}
	if err := m.finalizeLocked(ctx, record, status, resp); err != nil {
		return false, err
	}
	return decision, nil
}

// await parks the caller until respond, expiry or context cancellation.
func (m *Manager) await(ctx context.Context, entry *pendingApproval) (bool, error) {
	var expiry <-chan time.Time
	if at := entry.record.Request.ExpiresAt; at != nil {
		timer := time.NewTimer(time.Until(*at))
		defer timer.Stop()
		expiry = timer.C
	}

	select {
	case <-entry.done:
		m.mu.Lock()
		defer m.mu.Unlock()
		return entry.record.Status == v1.ApprovalApproved, nil

	case <-expiry:
		m.mu.Lock()
		defer m.mu.Unlock()
		select {
		case <-entry.done:
			// respond or the sweeper won the race
			return entry.record.Status == v1.ApprovalApproved, nil
		default:
		}
		if err := m.expireLocked(ctx, entry); err != nil {
			return false, err
		}
		return false, nil

	case <-ctx.Done():
		return false, errdefs.Cancelled("approval wait: %v", ctx.Err())
	}
}

// Respond resolves a pending request. It reports false, without mutating
// anything, when the request is unknown or already terminal.
func (m *Manager) Respond(ctx context.Context, approvalID string, approved bool, decidedBy, reason string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.pending[approvalID]
	if !ok || entry.record.Status.IsTerminal() {
		return false
	}

	status := v1.ApprovalRejected
	if approved {
		status = v1.ApprovalApproved
	}
	resp := &v1.ApprovalResponse{DecidedBy: decidedBy, DecidedAt: time.Now().UTC(), Reason: reason}
	if err := m.finalizeLocked(ctx, entry.record, status, resp); err != nil {
		m.logger.Error("Failed to persist approval decision",
			zap.String("approval_id", approvalID),
			zap.Error(err))
		return false
	}
	close(entry.done)
	return true
}

// GetPending returns copies of the pending requests, oldest first.
func (m *Manager) GetPending() []*v1.ApprovalRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*v1.ApprovalRecord, 0, len(m.pending))
	for _, entry := range m.pending {
		out = append(out, entry.record.Clone())
	}
	sort.Slice(out, func(i, k int) bool {
		return out[i].Request.RequestedAt.Before(out[k].Request.RequestedAt)
	})
	return out
}

// GetHistory returns terminal records, oldest first.
func (m *Manager) GetHistory(limit int) ([]*v1.ApprovalRecord, error) {
	return m.store.ApprovalHistory(limit)
}

// GetAgentHistory returns the terminal records one agent requested.
func (m *Manager) GetAgentHistory(agentID string) ([]*v1.ApprovalRecord, error) {
	all, err := m.store.ApprovalHistory(0)
	if err != nil {
		return nil, err
	}
	var out []*v1.ApprovalRecord
	for _, record := range all {
		if record.Request.RequestedBy == agentID {
			out = append(out, record)
		}
	}
	return out, nil
}

func (m *Manager) sweepLoop() {
	defer close(m.sweepDone)

	ticker := time.NewTicker(m.cfg.SweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stopSweep:
			return
		}
	}
}

func (m *Manager) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	for _, entry := range m.pending {
		at := entry.record.Request.ExpiresAt
		if at == nil || at.After(now) {
			continue
		}
		if err := m.expireLocked(context.Background(), entry); err != nil {
			m.logger.Error("Failed to expire approval",
				zap.String("approval_id", entry.record.ID),
				zap.Error(err))
		}
	}
}

func (m *Manager) expireLocked(ctx context.Context, entry *pendingApproval) error {
	if err := m.finalizeLocked(ctx, entry.record, v1.ApprovalExpired, nil); err != nil {
		return err
	}
	close(entry.done)
	return nil
}

// finalizeLocked journals a terminal transition and publishes it. Caller
// holds m.mu.
func (m *Manager) finalizeLocked(ctx context.Context, record *v1.ApprovalRecord, status v1.ApprovalStatus, resp *v1.ApprovalResponse) error {
	record.Status = status
	record.Response = resp
	if err := m.store.AppendApprovalHistory(record); err != nil {
		return err
	}

	if _, wasPending := m.pending[record.ID]; wasPending {
		delete(m.pending, record.ID)
		if err := m.persistPendingLocked(); err != nil {
			return err
		}
	}

	eventType := events.ApprovalResolved
	if status == v1.ApprovalExpired {
		eventType = events.ApprovalExpired
	}
	m.publish(ctx, eventType, record)
	return nil
}

func (m *Manager) persistPendingLocked() error {
	records := make([]*v1.ApprovalRecord, 0, len(m.pending))
	for _, entry := range m.pending {
		records = append(records, entry.record)
	}
	sort.Slice(records, func(i, k int) bool {
		return records[i].Request.RequestedAt.Before(records[k].Request.RequestedAt)
	})
	return m.store.SavePendingApprovals(records)
}

func (m *Manager) publish(ctx context.Context, eventType string, record *v1.ApprovalRecord) {
	event := bus.NewEvent(eventType, "approval", map[string]interface{}{
		"approval_id":  record.ID,
		"type":         record.Request.Type,
		"risk_level":   string(record.Request.RiskLevel),
		"status":       string(record.Status),
		"requested_by": record.Request.RequestedBy,
	}).WithAgent(record.Request.RequestedBy)
	if err := m.eventBus.Publish(ctx, eventType, event); err != nil {
		m.logger.Debug("Failed to publish approval event",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}
