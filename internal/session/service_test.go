package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, *MemoryRepository) {
	t.Helper()
	repo := NewMemoryRepository()
	return NewService(repo, 8), repo
}

func at(t *testing.T, svc *Service, clock time.Time) {
	t.Helper()
	svc.now = func() time.Time { return clock }
}

func mustCreate(t *testing.T, svc *Service, meetingID string, opensAt time.Time, closesAt *time.Time) Session {
	t.Helper()
	s, err := svc.CreateSession(context.Background(), meetingID, opensAt, closesAt, 30)
	require.NoError(t, err)
	return s
}

func TestCreateSession(t *testing.T) {
	svc, _ := newTestService(t)
	opens := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	closes := opens.Add(30 * time.Minute)

	s := mustCreate(t, svc, "meeting-1", opens, &closes)

	assert.NotEmpty(t, s.ID)
	assert.Len(t, s.Token, 8)
	assert.True(t, s.IsActive)
	assert.Equal(t, 0, s.PresentCount)
	assert.Equal(t, 30, s.TotalExpected)
}

func TestCreateSessionInvalidTimeRange(t *testing.T) {
	svc, repo := newTestService(t)
	opens := time.Date(2025, 3, 10, 8, 10, 0, 0, time.UTC)
	closes := opens.Add(-10 * time.Minute)

	_, err := svc.CreateSession(context.Background(), "meeting-1", opens, &closes, 0)
	assert.ErrorIs(t, err, ErrInvalidTimeRange)

	// Nothing persisted on rejection.
	sessions, err := repo.ListSessionsByMeeting(context.Background(), "meeting-1")
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestCreateSessionRetriesOnTokenCollision(t *testing.T) {
	svc, _ := newTestService(t)
	opens := time.Now().UTC()

	codes := []string{"AB12CD34", "AB12CD34", "ZZ99XX11"}
	svc.generate = func(int) (string, error) {
		code := codes[0]
		if len(codes) > 1 {
			codes = codes[1:]
		}
		return code, nil
	}

	first := mustCreate(t, svc, "meeting-1", opens, nil)
	assert.Equal(t, "AB12CD34", first.Token)

	second := mustCreate(t, svc, "meeting-2", opens, nil)
	assert.Equal(t, "ZZ99XX11", second.Token)
}

func TestCreateSessionTokenSpaceExhausted(t *testing.T) {
	svc, _ := newTestService(t)
	opens := time.Now().UTC()
	svc.generate = func(int) (string, error) { return "SAMESAME", nil }

	mustCreate(t, svc, "meeting-1", opens, nil)

	_, err := svc.CreateSession(context.Background(), "meeting-2", opens, nil, 0)
	assert.ErrorIs(t, err, ErrTokenSpaceExhausted)
}

func TestRedeemLifecycle(t *testing.T) {
	svc, repo := newTestService(t)
	opens := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	closes := opens.Add(30 * time.Minute)
	s := mustCreate(t, svc, "meeting-1", opens, &closes)

	// 08:05 — first redemption accepted.
	at(t, svc, opens.Add(5*time.Minute))
	res, err := svc.Redeem(context.Background(), s.Token, "S1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, res.Outcome)
	require.NotNil(t, res.Record)
	assert.Equal(t, StatusPresent, res.Record.Status)
	assert.Equal(t, SourceTokenRedemption, res.Record.Source)
	require.NotNil(t, res.Record.RedeemedAt)
	assert.Equal(t, 1, res.Session.PresentCount)

	// 08:10 — same student again, idempotent.
	at(t, svc, opens.Add(10*time.Minute))
	res, err = svc.Redeem(context.Background(), s.Token, "S1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyRedeemed, res.Outcome)

	stored, err := repo.GetSession(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.PresentCount)

	records, err := repo.ListRecords(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Len(t, records, 1)

	// 08:35 — another student after the window.
	at(t, svc, opens.Add(35*time.Minute))
	res, err = svc.Redeem(context.Background(), s.Token, "S2")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSessionClosed, res.Outcome)
	assert.Equal(t, ReasonExpired, res.ClosedReason)

	records, err = repo.ListRecords(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestRedeemInvalidToken(t *testing.T) {
	svc, _ := newTestService(t)

	res, err := svc.Redeem(context.Background(), "NOSUCH00", "S1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeInvalidToken, res.Outcome)
	assert.Nil(t, res.Record)
}

func TestRedeemBeforeOpen(t *testing.T) {
	svc, _ := newTestService(t)
	opens := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	s := mustCreate(t, svc, "meeting-1", opens, nil)

	at(t, svc, opens.Add(-10*time.Minute))
	res, err := svc.Redeem(context.Background(), s.Token, "S1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSessionClosed, res.Outcome)
	assert.Equal(t, ReasonNotOpenYet, res.ClosedReason)
}

func TestRedeemNoCloseBoundStaysOpen(t *testing.T) {
	svc, _ := newTestService(t)
	opens := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	s := mustCreate(t, svc, "meeting-1", opens, nil)

	at(t, svc, opens.Add(48*time.Hour))
	res, err := svc.Redeem(context.Background(), s.Token, "S1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, res.Outcome)
}

func TestDeactivateThenRedeem(t *testing.T) {
	svc, repo := newTestService(t)
	opens := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	s := mustCreate(t, svc, "meeting-1", opens, nil)

	require.NoError(t, svc.Deactivate(context.Background(), s.ID))

	at(t, svc, opens.Add(5*time.Minute))
	res, err := svc.Redeem(context.Background(), s.Token, "S1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSessionClosed, res.Outcome)
	assert.Equal(t, ReasonDeactivated, res.ClosedReason)

	records, err := repo.ListRecords(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestDeactivateIdempotent(t *testing.T) {
	svc, _ := newTestService(t)
	s := mustCreate(t, svc, "meeting-1", time.Now().UTC(), nil)

	require.NoError(t, svc.Deactivate(context.Background(), s.ID))
	assert.NoError(t, svc.Deactivate(context.Background(), s.ID))
}

func TestReactivateTokenConflict(t *testing.T) {
	svc, _ := newTestService(t)
	opens := time.Now().UTC()

	codes := []string{"AB12CD34", "AB12CD34"}
	svc.generate = func(int) (string, error) {
		code := codes[0]
		if len(codes) > 1 {
			codes = codes[1:]
		}
		return code, nil
	}

	first := mustCreate(t, svc, "meeting-1", opens, nil)
	require.NoError(t, svc.Deactivate(context.Background(), first.ID))

	// Token freed by deactivation gets claimed by a new session.
	second := mustCreate(t, svc, "meeting-2", opens, nil)
	assert.Equal(t, first.Token, second.Token)

	err := svc.SetActive(context.Background(), first.ID, true)
	assert.ErrorIs(t, err, ErrDuplicateToken)
}

func TestOverridePrecedence(t *testing.T) {
	svc, _ := newTestService(t)
	opens := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	s := mustCreate(t, svc, "meeting-1", opens, nil)

	rec, err := svc.Override(context.Background(), s.ID, "S1", StatusSick, "called in sick")
	require.NoError(t, err)
	assert.Equal(t, StatusSick, rec.Status)
	assert.Equal(t, SourceManualOverride, rec.Source)
	assert.Nil(t, rec.RedeemedAt)

	// Late token redemption must not clobber the teacher's entry.
	at(t, svc, opens.Add(5*time.Minute))
	res, err := svc.Redeem(context.Background(), s.Token, "S1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyRecorded, res.Outcome)
	assert.Equal(t, StatusSick, res.Record.Status)
	assert.Equal(t, SourceManualOverride, res.Record.Source)
}

func TestOverrideCorrectsRedemption(t *testing.T) {
	svc, repo := newTestService(t)
	opens := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	s := mustCreate(t, svc, "meeting-1", opens, nil)

	at(t, svc, opens.Add(1*time.Minute))
	res, err := svc.Redeem(context.Background(), s.Token, "S1")
	require.NoError(t, err)
	require.Equal(t, OutcomeAccepted, res.Outcome)

	rec, err := svc.Override(context.Background(), s.ID, "S1", StatusExcused, "left early")
	require.NoError(t, err)
	assert.Equal(t, StatusExcused, rec.Status)
	assert.Equal(t, SourceManualOverride, rec.Source)
	assert.Equal(t, "left early", rec.Note)

	// Counter recomputed: the corrected student no longer counts present.
	stored, err := repo.GetSession(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.PresentCount)
}

func TestOverrideWorksOnClosedSession(t *testing.T) {
	svc, _ := newTestService(t)
	s := mustCreate(t, svc, "meeting-1", time.Now().UTC(), nil)
	require.NoError(t, svc.Deactivate(context.Background(), s.ID))

	rec, err := svc.Override(context.Background(), s.ID, "S1", StatusPresent, "arrived, forgot phone")
	require.NoError(t, err)
	assert.Equal(t, StatusPresent, rec.Status)
}

func TestOverrideRejectsUnknownStatus(t *testing.T) {
	svc, _ := newTestService(t)
	s := mustCreate(t, svc, "meeting-1", time.Now().UTC(), nil)

	_, err := svc.Override(context.Background(), s.ID, "S1", Status("Late"), "")
	assert.Error(t, err)
}

func TestOverrideUnknownSession(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Override(context.Background(), "no-such-session", "S1", StatusPresent, "")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestCounterMatchesDerivedCount(t *testing.T) {
	svc, repo := newTestService(t)
	opens := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	s := mustCreate(t, svc, "meeting-1", opens, nil)
	at(t, svc, opens.Add(1*time.Minute))

	students := []string{"S1", "S2", "S3", "S4", "S5"}
	for _, id := range students {
		_, err := svc.Redeem(context.Background(), s.Token, id)
		require.NoError(t, err)
	}

	_, err := svc.Override(context.Background(), s.ID, "S2", StatusSick, "")
	require.NoError(t, err)
	_, err = svc.Override(context.Background(), s.ID, "S6", StatusPresent, "no phone")
	require.NoError(t, err)
	_, err = svc.Override(context.Background(), s.ID, "S3", StatusAbsent, "left campus")
	require.NoError(t, err)
	_, err = svc.Override(context.Background(), s.ID, "S2", StatusPresent, "arrived late after all")
	require.NoError(t, err)

	stored, err := repo.GetSession(context.Background(), s.ID)
	require.NoError(t, err)
	derived, err := repo.DerivedPresentCount(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, derived, stored.PresentCount)
	assert.Equal(t, 5, stored.PresentCount) // S1, S4, S5, S6, S2
}

func TestConcurrentRedemptionSameStudent(t *testing.T) {
	svc, repo := newTestService(t)
	opens := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	s := mustCreate(t, svc, "meeting-1", opens, nil)
	at(t, svc, opens.Add(1*time.Minute))

	const calls = 32
	outcomes := make([]Outcome, calls)
	var wg sync.WaitGroup
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := svc.Redeem(context.Background(), s.Token, "S1")
			assert.NoError(t, err)
			outcomes[i] = res.Outcome
		}(i)
	}
	wg.Wait()

	accepted := 0
	for _, o := range outcomes {
		switch o {
		case OutcomeAccepted:
			accepted++
		case OutcomeAlreadyRedeemed:
		default:
			t.Fatalf("unexpected outcome %q", o)
		}
	}
	assert.Equal(t, 1, accepted)

	records, err := repo.ListRecords(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Len(t, records, 1)

	stored, err := repo.GetSession(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.PresentCount)
}

func TestConcurrentSessionCreationUniqueTokens(t *testing.T) {
	svc, repo := newTestService(t)
	opens := time.Now().UTC()

	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.CreateSession(context.Background(), "meeting-1", opens, nil, 0)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	sessions, err := repo.ListSessionsByMeeting(context.Background(), "meeting-1")
	require.NoError(t, err)
	require.Len(t, sessions, n)

	seen := make(map[string]bool, n)
	for _, s := range sessions {
		require.False(t, seen[s.Token], "token %s issued twice", s.Token)
		seen[s.Token] = true
	}
}
