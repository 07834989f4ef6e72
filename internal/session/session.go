package session

import (
	"errors"
	"fmt"
	"time"
)

// Attendance statuses. Closed set; anything else is rejected at the edge.
type Status string

const (
	StatusPresent Status = "Present"
	StatusExcused Status = "Excused"
	StatusSick    Status = "Sick"
	StatusAbsent  Status = "Absent"
)

// ParseStatus validates a caller-supplied status string.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPresent, StatusExcused, StatusSick, StatusAbsent:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown attendance status %q", s)
}

// Record provenance. A record carries exactly one source at a time.
type Source string

const (
	SourceTokenRedemption Source = "token_redemption"
	SourceManualOverride  Source = "manual_override"
)

// Redemption outcomes returned to callers as data, never as errors.
type Outcome string

const (
	OutcomeAccepted        Outcome = "accepted"
	OutcomeAlreadyRedeemed Outcome = "already_redeemed"
	OutcomeAlreadyRecorded Outcome = "already_recorded"
	OutcomeInvalidToken    Outcome = "invalid_token"
	OutcomeSessionClosed   Outcome = "session_closed"
)

// Reasons a session refuses redemption, for user messaging.
type ClosedReason string

const (
	ReasonNotOpenYet  ClosedReason = "not_open_yet"
	ReasonExpired     ClosedReason = "expired"
	ReasonDeactivated ClosedReason = "deactivated"
)

// Sentinel errors. Business outcomes travel in RedemptionResult; these cover
// validation and infrastructure-level failures only.
var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrInvalidTimeRange    = errors.New("closes_at precedes opens_at")
	ErrDuplicateToken      = errors.New("token already held by an active session")
	ErrTokenSpaceExhausted = errors.New("token generation retries exhausted")
)

// Session is one attendance window for a scheduled meeting.
type Session struct {
	ID            string     `json:"session_id"`
	MeetingID     string     `json:"meeting_id"`
	Token         string     `json:"token"`
	IsActive      bool       `json:"is_active"`
	OpensAt       time.Time  `json:"opens_at"`
	ClosesAt      *time.Time `json:"closes_at,omitempty"`
	PresentCount  int        `json:"present_count"`
	TotalExpected int        `json:"total_expected"`
	CreatedAt     time.Time  `json:"created_at"`
}

// IsOpen reports whether the session accepts redemptions at the given
// instant. Every time/activity decision funnels through here; nothing else
// in the codebase inspects IsActive or the window bounds directly.
func (s Session) IsOpen(now time.Time) bool {
	return s.Refusal(now) == ""
}

// Refusal returns why the session refuses redemption at the given instant,
// or "" when it is open. A nil ClosesAt means open until deactivated.
func (s Session) Refusal(now time.Time) ClosedReason {
	if !s.IsActive {
		return ReasonDeactivated
	}
	if now.Before(s.OpensAt) {
		return ReasonNotOpenYet
	}
	if s.ClosesAt != nil && now.After(*s.ClosesAt) {
		return ReasonExpired
	}
	return ""
}

// Record is one student's attendance for one session. At most one exists per
// (session, student) pair; corrections are updates, never second rows.
type Record struct {
	ID         string     `json:"record_id"`
	SessionID  string     `json:"session_id"`
	StudentID  string     `json:"student_id"`
	Status     Status     `json:"status"`
	Source     Source     `json:"source"`
	Note       string     `json:"note,omitempty"`
	RedeemedAt *time.Time `json:"redeemed_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// RedemptionResult is what a redeem call yields. Outcome is always set;
// Record and Session are populated when the token matched a session.
type RedemptionResult struct {
	Outcome      Outcome      `json:"status"`
	ClosedReason ClosedReason `json:"closed_reason,omitempty"`
	Session      *Session     `json:"session,omitempty"`
	Record       *Record      `json:"record,omitempty"`
}
