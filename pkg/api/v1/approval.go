package v1

import (
	"time"

	"github.com/noxlabs/nox/internal/common/errdefs"
)

// RiskLevel classifies how dangerous an operation is. The ordering
// LOW < MEDIUM < HIGH < CRITICAL drives the auto-approve rule.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// Rank returns the numeric rank for threshold comparison.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskCritical:
		return 3
	case RiskHigh:
		return 2
	case RiskMedium:
		return 1
	case RiskLow:
		return 0
	default:
		return 0
	}
}

// Valid reports whether r is a known risk level.
func (r RiskLevel) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return true
	}
	return false
}

// ApprovalStatus is the lifecycle state of an approval record.
type ApprovalStatus string

const (
	ApprovalPending      ApprovalStatus = "pending"
	ApprovalApproved     ApprovalStatus = "approved"
	ApprovalRejected     ApprovalStatus = "rejected"
	ApprovalExpired      ApprovalStatus = "expired"
	ApprovalAutoApproved ApprovalStatus = "auto_approved"
)

// IsTerminal reports whether the status admits no further transitions.
func (s ApprovalStatus) IsTerminal() bool {
	return s != ApprovalPending
}

// ApprovalRequest describes a privileged operation awaiting a decision.
type ApprovalRequest struct {
	Type                 string            `json:"type"` // e.g. "container_install", "privilege_escalation"
	Title                string            `json:"title"`
	Description          string            `json:"description"`
	Details              map[string]string `json:"details,omitempty"`
	RequestedBy          string            `json:"requested_by"`
	RequestedAt          time.Time         `json:"requested_at"`
	RiskLevel            RiskLevel         `json:"risk_level"`
	AutoApproveThreshold *RiskLevel        `json:"auto_approve_threshold,omitempty"`
	ExpiresAt            *time.Time        `json:"expires_at,omitempty"`
}

// Validate checks the request at the API boundary.
func (r *ApprovalRequest) Validate() error {
	if r.Type == "" {
		return errdefs.Invalid("approval type is required")
	}
	if r.RequestedBy == "" {
		return errdefs.Invalid("requested_by is required")
	}
	if !r.RiskLevel.Valid() {
		return errdefs.Invalid("unknown risk level %q", r.RiskLevel)
	}
	if r.AutoApproveThreshold != nil && !r.AutoApproveThreshold.Valid() {
		return errdefs.Invalid("unknown auto-approve threshold %q", *r.AutoApproveThreshold)
	}
	if r.ExpiresAt != nil && !r.RequestedAt.IsZero() && !r.ExpiresAt.After(r.RequestedAt) {
		return errdefs.Invalid("expires_at must be after requested_at")
	}
	return nil
}

// ApprovalResponse records the decision taken on a request.
type ApprovalResponse struct {
	DecidedBy string    `json:"decided_by"`
	DecidedAt time.Time `json:"decided_at"`
	Reason    string    `json:"reason,omitempty"`
}

// ApprovalRecord is the persisted form of a request plus its outcome.
type ApprovalRecord struct {
	ID       string            `json:"id"`
	Request  ApprovalRequest   `json:"request"`
	Status   ApprovalStatus    `json:"status"`
	Response *ApprovalResponse `json:"response,omitempty"`
}

// Clone returns a deep copy of the record.
func (r *ApprovalRecord) Clone() *ApprovalRecord {
	cp := *r
	if r.Request.Details != nil {
		cp.Request.Details = make(map[string]string, len(r.Request.Details))
		for k, v := range r.Request.Details {
			cp.Request.Details[k] = v
		}
	}
	if r.Request.AutoApproveThreshold != nil {
		t := *r.Request.AutoApproveThreshold
		cp.Request.AutoApproveThreshold = &t
	}
	if r.Request.ExpiresAt != nil {
		t := *r.Request.ExpiresAt
		cp.Request.ExpiresAt = &t
	}
	if r.Response != nil {
		resp := *r.Response
		cp.Response = &resp
	}
	return &cp
}

// RespondRequest answers a pending approval via the REST API.
type RespondRequest struct {
	Approved  bool   `json:"approved"`
	DecidedBy string `json:"decided_by" binding:"required"`
	Reason    string `json:"reason,omitempty"`
}
