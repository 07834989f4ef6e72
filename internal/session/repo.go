package session

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// PostgresRepository persists sessions and attendance records in Postgres.
// The schema carries the uniqueness backstops: a partial unique index on
// sessions(token) WHERE is_active and a unique key on
// attendance_records(session_id, student_id).
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a repo.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const sessionCols = `session_id, meeting_id, token, is_active, opens_at, closes_at, present_count, total_expected, created_at`

func scanSession(row interface{ Scan(...any) error }) (Session, error) {
	var s Session
	err := row.Scan(&s.ID, &s.MeetingID, &s.Token, &s.IsActive, &s.OpensAt, &s.ClosesAt, &s.PresentCount, &s.TotalExpected, &s.CreatedAt)
	return s, err
}

// CreateSession inserts a new session. A collision with another active
// session's token comes back as ErrDuplicateToken for the caller's retry
// loop, never as a raw database error.
func (r *PostgresRepository) CreateSession(ctx context.Context, s Session) (Session, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, meeting_id, token, is_active, opens_at, closes_at, present_count, total_expected, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,0,$7,$8)
	`, s.ID, s.MeetingID, s.Token, s.IsActive, s.OpensAt, s.ClosesAt, s.TotalExpected, s.CreatedAt)
	if isUniqueViolation(err) {
		return Session{}, ErrDuplicateToken
	}
	if err != nil {
		return Session{}, err
	}
	s.PresentCount = 0
	return s, nil
}

// GetSession returns a session by id.
func (r *PostgresRepository) GetSession(ctx context.Context, id string) (Session, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionCols+` FROM sessions WHERE session_id = $1`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrSessionNotFound
	}
	return s, err
}

// GetSessionByToken returns the active session holding the token, or the
// most recently created inactive one when no active session matches.
func (r *PostgresRepository) GetSessionByToken(ctx context.Context, tok string) (Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+sessionCols+`
		FROM sessions
		WHERE token = $1
		ORDER BY is_active DESC, created_at DESC
		LIMIT 1
	`, tok)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrSessionNotFound
	}
	return s, err
}

// SetSessionActive flips the activation flag. Reactivation can trip the
// active-token unique index when another active session holds the same
// token; that surfaces as ErrDuplicateToken.
func (r *PostgresRepository) SetSessionActive(ctx context.Context, id string, active bool) error {
	res, err := r.db.ExecContext(ctx, `UPDATE sessions SET is_active = $2 WHERE session_id = $1`, id, active)
	if isUniqueViolation(err) {
		return ErrDuplicateToken
	}
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// ListSessionsByMeeting returns a meeting's sessions, newest first.
func (r *PostgresRepository) ListSessionsByMeeting(ctx context.Context, meetingID string) ([]Session, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+sessionCols+` FROM sessions WHERE meeting_id = $1 ORDER BY created_at DESC
	`, meetingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

const recordCols = `record_id, session_id, student_id, status, source, note, redeemed_at, created_at, updated_at`

func scanRecord(row interface{ Scan(...any) error }) (Record, error) {
	var rec Record
	err := row.Scan(&rec.ID, &rec.SessionID, &rec.StudentID, &rec.Status, &rec.Source, &rec.Note, &rec.RedeemedAt, &rec.CreatedAt, &rec.UpdatedAt)
	return rec, err
}

// GetRecord returns the record for a (session, student) pair, or nil when
// the student has no record yet.
func (r *PostgresRepository) GetRecord(ctx context.Context, sessionID, studentID string) (*Record, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+recordCols+` FROM attendance_records WHERE session_id = $1 AND student_id = $2
	`, sessionID, studentID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListRecords returns a session's records ordered by student.
func (r *PostgresRepository) ListRecords(ctx context.Context, sessionID string) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+recordCols+` FROM attendance_records WHERE session_id = $1 ORDER BY student_id
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// InsertRedemption writes the record and bumps present_count in one
// transaction. ON CONFLICT DO NOTHING absorbs the duplicate-pair race: when
// no row comes back the insert lost and nothing is mutated.
func (r *PostgresRepository) InsertRedemption(ctx context.Context, rec Record) (Record, bool, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return Record{}, false, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		INSERT INTO attendance_records (record_id, session_id, student_id, status, source, note, redeemed_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (session_id, student_id) DO NOTHING
		RETURNING `+recordCols+`
	`, rec.ID, rec.SessionID, rec.StudentID, rec.Status, rec.Source, rec.Note, rec.RedeemedAt, rec.CreatedAt, rec.UpdatedAt)
	inserted, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}

	if rec.Status == StatusPresent {
		if _, err := tx.ExecContext(ctx, `
			UPDATE sessions SET present_count = present_count + 1 WHERE session_id = $1
		`, rec.SessionID); err != nil {
			return Record{}, false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return Record{}, false, err
	}
	return inserted, true, nil
}

// UpsertOverride creates or corrects the record, then recomputes the
// session's present_count from the record set inside the same transaction
// so the cached counter cannot drift from ground truth.
func (r *PostgresRepository) UpsertOverride(ctx context.Context, rec Record) (Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return Record{}, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		INSERT INTO attendance_records (record_id, session_id, student_id, status, source, note, redeemed_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,NULL,$7,$8)
		ON CONFLICT (session_id, student_id) DO UPDATE SET
			status = EXCLUDED.status,
			source = EXCLUDED.source,
			note = EXCLUDED.note,
			updated_at = EXCLUDED.updated_at
		RETURNING `+recordCols+`
	`, rec.ID, rec.SessionID, rec.StudentID, rec.Status, rec.Source, rec.Note, rec.CreatedAt, rec.UpdatedAt)
	saved, err := scanRecord(row)
	if err != nil {
		return Record{}, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE sessions
		SET present_count = (
			SELECT COUNT(*) FROM attendance_records
			WHERE session_id = $1 AND status = $2
		)
		WHERE session_id = $1
	`, rec.SessionID, StatusPresent); err != nil {
		return Record{}, err
	}
	if err := tx.Commit(); err != nil {
		return Record{}, err
	}
	return saved, nil
}

// DerivedPresentCount recomputes the present total from stored records.
func (r *PostgresRepository) DerivedPresentCount(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM attendance_records WHERE session_id = $1 AND status = $2
	`, sessionID, StatusPresent).Scan(&n)
	return n, err
}

// SaveRefreshToken stores a refresh token for rotation checks.
func (r *PostgresRepository) SaveRefreshToken(ctx context.Context, subject, tok string, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (token, subject, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token) DO NOTHING
	`, tok, subject, expiresAt)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

var _ Repository = (*PostgresRepository)(nil)
