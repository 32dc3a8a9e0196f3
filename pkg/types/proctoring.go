package types

import "time"

// Role identifies what a connection may do on the hub.
type Role string

const (
	RoleCandidate Role = "candidate"
	RoleMentor    Role = "mentor"
	RoleSystem    Role = "system"
)

// SystemSender is the From value on server-originated envelopes.
const SystemSender = "system"

// SessionState is the proctoring state machine position.
type SessionState string

const (
	StateActive     SessionState = "active"
	StateWarned     SessionState = "warned"
	StateBlocked    SessionState = "blocked"
	StateResolved   SessionState = "resolved"
	StateTerminated SessionState = "terminated"
)

// IsTerminal reports whether no further signals are processed in s.
func (s SessionState) IsTerminal() bool {
	return s == StateResolved || s == StateTerminated
}

// Valid reports whether s is a known state.
func (s SessionState) Valid() bool {
	switch s {
	case StateActive, StateWarned, StateBlocked, StateResolved, StateTerminated:
		return true
	}
	return false
}

// Severity grades a violation.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// MaxRiskScore caps Session.RiskScore.
const MaxRiskScore = 100

// ScoreDelta returns the risk added by one violation of this severity.
func (s Severity) ScoreDelta() int {
	switch s {
	case SeverityLow:
		return 10
	case SeverityMedium:
		return 25
	case SeverityHigh:
		return 50
	case SeverityCritical:
		return 100
	}
	return 0
}

// ViolationType enumerates observable misbehavior.
type ViolationType string

const (
	ViolationTabSwitch        ViolationType = "tab-switch"
	ViolationMouseLeave       ViolationType = "mouse-leave"
	ViolationKeyboardShortcut ViolationType = "keyboard-shortcut"
	ViolationFullscreenExit   ViolationType = "fullscreen-exit"
	ViolationRightClick       ViolationType = "right-click"
	ViolationMultiFace        ViolationType = "multi-face"
)

// DefaultSeverity maps a violation type to its severity.
func (v ViolationType) DefaultSeverity() Severity {
	switch v {
	case ViolationTabSwitch, ViolationFullscreenExit:
		return SeverityHigh
	case ViolationKeyboardShortcut:
		return SeverityMedium
	case ViolationMouseLeave, ViolationRightClick:
		return SeverityLow
	case ViolationMultiFace:
		return SeverityCritical
	}
	return ""
}

// Valid reports whether v is a known violation type.
func (v ViolationType) Valid() bool {
	return v.DefaultSeverity() != ""
}

// Violation is an immutable observation.
type Violation struct {
	ID         string        `json:"id"`
	SessionID  string        `json:"sessionId"`
	Type       ViolationType `json:"type"`
	Severity   Severity      `json:"severity"`
	ScoreDelta int           `json:"scoreDelta"`
	Timestamp  time.Time     `json:"timestamp"`
	Details    string        `json:"details,omitempty"`
}

// SessionRecord is the server-side mirror of a candidate session.
type SessionRecord struct {
	SessionID      string       `json:"sessionId"`
	CandidateID    string       `json:"candidateId"`
	ExamID         string       `json:"examId,omitempty"`
	State          SessionState `json:"state"`
	RiskScore      int          `json:"riskScore"`
	ViolationCount int          `json:"violationCount"`
	Flagged        bool         `json:"flagged"`
	FlagReason     string       `json:"flagReason,omitempty"`
	PendingRequest string       `json:"pendingRequest,omitempty"`
	StartTime      time.Time    `json:"startTime"`
	EndTime        *time.Time   `json:"endTime,omitempty"`
	UpdatedAt      time.Time    `json:"updatedAt"`
}

// ReviewStatus is the outcome of a human review.
type ReviewStatus string

const (
	StatusPending  ReviewStatus = "pending"
	StatusApproved ReviewStatus = "approved"
	StatusRejected ReviewStatus = "rejected"
)

// Valid reports whether s is a known status.
func (s ReviewStatus) Valid() bool {
	return s == StatusPending || s == StatusApproved || s == StatusRejected
}

// ApprovalRequest is raised each time a session enters Blocked.
type ApprovalRequest struct {
	RequestID      string    `json:"requestId"`
	SessionID      string    `json:"sessionId"`
	CandidateID    string    `json:"candidateId"`
	Reason         string    `json:"reason"`
	ViolationCount int       `json:"violationCount"`
	RiskScore      int       `json:"riskScore"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Decision is a mentor's answer to one ApprovalRequest.
type Decision struct {
	RequestID string    `json:"requestId"`
	SessionID string    `json:"sessionId"`
	Approved  bool      `json:"approved"`
	Comment   string    `json:"comment,omitempty"`
	DecidedBy string    `json:"decidedBy,omitempty"`
	DecidedAt time.Time `json:"decidedAt"`
}

// Status returns the review status this decision represents.
func (d *Decision) Status() ReviewStatus {
	if d == nil {
		return StatusPending
	}
	if d.Approved {
		return StatusApproved
	}
	return StatusRejected
}

// ReAttemptRequest asks a mentor for another attempt at an exam.
type ReAttemptRequest struct {
	ID            string       `json:"id"`
	ExamID        string       `json:"examId"`
	StudentID     string       `json:"studentId"`
	Reason        string       `json:"reason"`
	Status        ReviewStatus `json:"status"`
	ReviewComment string       `json:"reviewComment,omitempty"`
	ReviewedBy    string       `json:"reviewedBy,omitempty"`
	CreatedAt     time.Time    `json:"createdAt"`
	ReviewedAt    *time.Time   `json:"reviewedAt,omitempty"`
}

// StreamInfo describes one live frame-relay stream.
type StreamInfo struct {
	SessionID   string    `json:"sessionId"`
	CandidateID string    `json:"candidateId"`
	Observers   []string  `json:"observers"`
	Frames      uint64    `json:"frames"`
	StartedAt   time.Time `json:"startedAt"`
	LastFrameAt time.Time `json:"lastFrameAt"`
}
