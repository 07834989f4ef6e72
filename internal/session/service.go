package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Boinkkk/PASTI-sub000/internal/metrics"
	"github.com/Boinkkk/PASTI-sub000/internal/token"
)

// Repository persists sessions and attendance records. Implementations must
// enforce the two uniqueness constraints as the final backstop: one active
// session per token, one record per (session, student).
type Repository interface {
	CreateSession(ctx context.Context, s Session) (Session, error)
	GetSession(ctx context.Context, id string) (Session, error)
	// GetSessionByToken prefers the active session holding the token and
	// falls back to the most recently created inactive one, so a student
	// redeeming against a closed session gets a closed response rather
	// than an unknown-token response.
	GetSessionByToken(ctx context.Context, tok string) (Session, error)
	SetSessionActive(ctx context.Context, id string, active bool) error
	ListSessionsByMeeting(ctx context.Context, meetingID string) ([]Session, error)

	GetRecord(ctx context.Context, sessionID, studentID string) (*Record, error)
	ListRecords(ctx context.Context, sessionID string) ([]Record, error)
	// InsertRedemption atomically inserts the record and bumps the
	// session's present_count. When a record for the pair already exists
	// (including a concurrent insert winning the race) it reports
	// inserted=false and leaves the stored state untouched.
	InsertRedemption(ctx context.Context, rec Record) (Record, bool, error)
	// UpsertOverride creates or updates the record and recomputes the
	// session's present_count from the stored record set in the same
	// transaction.
	UpsertOverride(ctx context.Context, rec Record) (Record, error)
	DerivedPresentCount(ctx context.Context, sessionID string) (int, error)

	SaveRefreshToken(ctx context.Context, subject, tok string, expiresAt time.Time) error
}

// Service owns the attendance session lifecycle: creation, the open/closed
// gate, token redemption and manual overrides.
type Service struct {
	repo          Repository
	tokenLength   int
	tokenAttempts int

	now      func() time.Time
	generate func(length int) (string, error)
}

// NewService creates a service issuing tokens of the given length.
func NewService(repo Repository, tokenLength int) *Service {
	if tokenLength < token.MinLength || tokenLength > token.MaxLength {
		tokenLength = token.DefaultLength
	}
	return &Service{
		repo:          repo,
		tokenLength:   tokenLength,
		tokenAttempts: 5,
		now:           time.Now,
		generate:      token.Generate,
	}
}

// CreateSession opens a new attendance window for a meeting. The token is
// regenerated on collision with another active session, a bounded number of
// times; at these lengths exhaustion is effectively unreachable but still
// surfaces as ErrTokenSpaceExhausted rather than being ignored.
func (s *Service) CreateSession(ctx context.Context, meetingID string, opensAt time.Time, closesAt *time.Time, totalExpected int) (Session, error) {
	if meetingID == "" {
		return Session{}, errors.New("meeting id required")
	}
	if closesAt != nil && closesAt.Before(opensAt) {
		return Session{}, ErrInvalidTimeRange
	}
	if totalExpected < 0 {
		totalExpected = 0
	}

	for attempt := 0; attempt < s.tokenAttempts; attempt++ {
		code, err := s.generate(s.tokenLength)
		if err != nil {
			return Session{}, fmt.Errorf("generate token: %w", err)
		}
		created, err := s.repo.CreateSession(ctx, Session{
			MeetingID:     meetingID,
			Token:         code,
			IsActive:      true,
			OpensAt:       opensAt,
			ClosesAt:      closesAt,
			TotalExpected: totalExpected,
			CreatedAt:     s.now().UTC(),
		})
		if errors.Is(err, ErrDuplicateToken) {
			continue
		}
		if err != nil {
			return Session{}, err
		}
		metrics.SessionsCreated.Inc()
		return created, nil
	}
	return Session{}, ErrTokenSpaceExhausted
}

// GetSession returns a session by id.
func (s *Service) GetSession(ctx context.Context, id string) (Session, error) {
	return s.repo.GetSession(ctx, id)
}

// ListSessionsByMeeting returns all sessions opened for a meeting.
func (s *Service) ListSessionsByMeeting(ctx context.Context, meetingID string) ([]Session, error) {
	return s.repo.ListSessionsByMeeting(ctx, meetingID)
}

// Records returns all attendance records for a session.
func (s *Service) Records(ctx context.Context, sessionID string) ([]Record, error) {
	if _, err := s.repo.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.repo.ListRecords(ctx, sessionID)
}

// SetActive flips the session's activation flag. Deactivating an inactive
// session is a no-op success; reactivation can fail with ErrDuplicateToken
// when another active session has claimed the token in the meantime.
func (s *Service) SetActive(ctx context.Context, sessionID string, active bool) error {
	return s.repo.SetSessionActive(ctx, sessionID, active)
}

// Deactivate closes the session to further redemptions. Idempotent.
func (s *Service) Deactivate(ctx context.Context, sessionID string) error {
	return s.SetActive(ctx, sessionID, false)
}

// Redeem processes a student's attendance code. All business outcomes,
// including invalid or closed tokens, come back inside the result; the error
// return is reserved for storage failures.
func (s *Service) Redeem(ctx context.Context, tok, studentID string) (RedemptionResult, error) {
	if studentID == "" {
		return RedemptionResult{}, errors.New("student id required")
	}
	if tok == "" {
		metrics.Redemptions.WithLabelValues(string(OutcomeInvalidToken)).Inc()
		return RedemptionResult{Outcome: OutcomeInvalidToken}, nil
	}

	sess, err := s.repo.GetSessionByToken(ctx, tok)
	if errors.Is(err, ErrSessionNotFound) {
		metrics.Redemptions.WithLabelValues(string(OutcomeInvalidToken)).Inc()
		return RedemptionResult{Outcome: OutcomeInvalidToken}, nil
	}
	if err != nil {
		return RedemptionResult{}, err
	}

	now := s.now().UTC()
	if reason := sess.Refusal(now); reason != "" {
		metrics.Redemptions.WithLabelValues(string(OutcomeSessionClosed)).Inc()
		return RedemptionResult{Outcome: OutcomeSessionClosed, ClosedReason: reason, Session: &sess}, nil
	}

	existing, err := s.repo.GetRecord(ctx, sess.ID, studentID)
	if err != nil {
		return RedemptionResult{}, err
	}
	if existing == nil {
		redeemedAt := now
		rec, inserted, err := s.repo.InsertRedemption(ctx, Record{
			SessionID:  sess.ID,
			StudentID:  studentID,
			Status:     StatusPresent,
			Source:     SourceTokenRedemption,
			RedeemedAt: &redeemedAt,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
		if err != nil {
			return RedemptionResult{}, err
		}
		if inserted {
			sess.PresentCount++
			metrics.Redemptions.WithLabelValues(string(OutcomeAccepted)).Inc()
			return RedemptionResult{Outcome: OutcomeAccepted, Session: &sess, Record: &rec}, nil
		}
		// Lost the race to a concurrent call for the same pair; fall
		// through to the idempotent path against the winner's record.
		existing, err = s.repo.GetRecord(ctx, sess.ID, studentID)
		if err != nil {
			return RedemptionResult{}, err
		}
		if existing == nil {
			return RedemptionResult{}, fmt.Errorf("record for session %s student %s vanished after conflict", sess.ID, studentID)
		}
	}

	outcome := OutcomeAlreadyRedeemed
	if existing.Source == SourceManualOverride {
		// Teacher corrections outrank late token redemptions.
		outcome = OutcomeAlreadyRecorded
	}
	metrics.Redemptions.WithLabelValues(string(outcome)).Inc()
	return RedemptionResult{Outcome: outcome, Session: &sess, Record: existing}, nil
}

// Override sets a student's status by teacher authority. It succeeds
// regardless of the session window so attendance can be corrected after
// close, and recomputes present_count from the stored records rather than
// patching the counter in place.
func (s *Service) Override(ctx context.Context, sessionID, studentID string, status Status, note string) (Record, error) {
	if studentID == "" {
		return Record{}, errors.New("student id required")
	}
	if _, err := ParseStatus(string(status)); err != nil {
		return Record{}, err
	}
	if _, err := s.repo.GetSession(ctx, sessionID); err != nil {
		return Record{}, err
	}

	now := s.now().UTC()
	rec, err := s.repo.UpsertOverride(ctx, Record{
		SessionID: sessionID,
		StudentID: studentID,
		Status:    status,
		Source:    SourceManualOverride,
		Note:      note,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return Record{}, err
	}
	metrics.Overrides.WithLabelValues(string(status)).Inc()
	return rec, nil
}
