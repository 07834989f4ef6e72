package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is a mutex-guarded in-memory Repository for dev and
// tests, mirroring the Postgres semantics including both uniqueness
// backstops.
type MemoryRepository struct {
	mu       sync.Mutex
	sessions map[string]Session
	records  map[string]map[string]Record // session id -> student id -> record
	refresh  map[string]time.Time
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		sessions: make(map[string]Session),
		records:  make(map[string]map[string]Record),
		refresh:  make(map[string]time.Time),
	}
}

func (r *MemoryRepository) activeTokenHeld(tok, exceptID string) bool {
	for _, s := range r.sessions {
		if s.Token == tok && s.IsActive && s.ID != exceptID {
			return true
		}
	}
	return false
}

// CreateSession inserts a session, enforcing one active session per token.
func (r *MemoryRepository) CreateSession(_ context.Context, s Session) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.IsActive && r.activeTokenHeld(s.Token, "") {
		return Session{}, ErrDuplicateToken
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	s.PresentCount = 0
	r.sessions[s.ID] = s
	return s, nil
}

// GetSession returns a session by id.
func (r *MemoryRepository) GetSession(_ context.Context, id string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return s, nil
}

// GetSessionByToken prefers the active holder, then the newest inactive one.
func (r *MemoryRepository) GetSessionByToken(_ context.Context, tok string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best *Session
	for id := range r.sessions {
		s := r.sessions[id]
		if s.Token != tok {
			continue
		}
		if s.IsActive {
			return s, nil
		}
		if best == nil || s.CreatedAt.After(best.CreatedAt) {
			best = &s
		}
	}
	if best == nil {
		return Session{}, ErrSessionNotFound
	}
	return *best, nil
}

// SetSessionActive flips the activation flag, re-checking token uniqueness
// on reactivation.
func (r *MemoryRepository) SetSessionActive(_ context.Context, id string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if active && !s.IsActive && r.activeTokenHeld(s.Token, id) {
		return ErrDuplicateToken
	}
	s.IsActive = active
	r.sessions[id] = s
	return nil
}

// ListSessionsByMeeting returns a meeting's sessions, newest first.
func (r *MemoryRepository) ListSessionsByMeeting(_ context.Context, meetingID string) ([]Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var res []Session
	for _, s := range r.sessions {
		if s.MeetingID == meetingID {
			res = append(res, s)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.After(res[j].CreatedAt) })
	return res, nil
}

// GetRecord returns the record for a pair, or nil when absent.
func (r *MemoryRepository) GetRecord(_ context.Context, sessionID, studentID string) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[sessionID][studentID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// ListRecords returns a session's records ordered by student.
func (r *MemoryRepository) ListRecords(_ context.Context, sessionID string) ([]Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var res []Record
	for _, rec := range r.records[sessionID] {
		res = append(res, rec)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].StudentID < res[j].StudentID })
	return res, nil
}

// InsertRedemption inserts the record and bumps present_count atomically
// under the repository lock; a pre-existing pair reports inserted=false.
func (r *MemoryRepository) InsertRedemption(_ context.Context, rec Record) (Record, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[rec.SessionID][rec.StudentID]; ok {
		return Record{}, false, nil
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if r.records[rec.SessionID] == nil {
		r.records[rec.SessionID] = make(map[string]Record)
	}
	r.records[rec.SessionID][rec.StudentID] = rec
	if s, ok := r.sessions[rec.SessionID]; ok && rec.Status == StatusPresent {
		s.PresentCount++
		r.sessions[rec.SessionID] = s
	}
	return rec, true, nil
}

// UpsertOverride creates or corrects the record and recomputes
// present_count from the record set.
func (r *MemoryRepository) UpsertOverride(_ context.Context, rec Record) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.records[rec.SessionID] == nil {
		r.records[rec.SessionID] = make(map[string]Record)
	}
	if existing, ok := r.records[rec.SessionID][rec.StudentID]; ok {
		existing.Status = rec.Status
		existing.Source = rec.Source
		existing.Note = rec.Note
		existing.UpdatedAt = rec.UpdatedAt
		rec = existing
	} else {
		if rec.ID == "" {
			rec.ID = uuid.NewString()
		}
		rec.RedeemedAt = nil
	}
	r.records[rec.SessionID][rec.StudentID] = rec

	if s, ok := r.sessions[rec.SessionID]; ok {
		s.PresentCount = r.presentCountLocked(rec.SessionID)
		r.sessions[rec.SessionID] = s
	}
	return rec, nil
}

// DerivedPresentCount recomputes the present total from stored records.
func (r *MemoryRepository) DerivedPresentCount(_ context.Context, sessionID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.presentCountLocked(sessionID), nil
}

func (r *MemoryRepository) presentCountLocked(sessionID string) int {
	n := 0
	for _, rec := range r.records[sessionID] {
		if rec.Status == StatusPresent {
			n++
		}
	}
	return n
}

// SaveRefreshToken stores a refresh token.
func (r *MemoryRepository) SaveRefreshToken(_ context.Context, _, tok string, expiresAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refresh[tok] = expiresAt
	return nil
}

var _ Repository = (*MemoryRepository)(nil)
