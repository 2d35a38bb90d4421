package satchel

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSessionLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess, err := s.StartLearningSession(ctx, "u1", "math", "5", "fractions-1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if sess.CompletionStatus != SessionPartial {
		t.Errorf("expected partial on start, got %s", sess.CompletionStatus)
	}
	if sess.ID == "" {
		t.Error("missing session id")
	}

	done, err := s.EndLearningSession(ctx, sess.ID, SessionResults{
		CompletionStatus:    SessionCompleted,
		XPEarned:            60,
		Accuracy:            0.85,
		ChallengesAttempted: 10,
		ChallengesCorrect:   8,
	})
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if done.CompletionStatus != SessionCompleted {
		t.Errorf("expected completed, got %s", done.CompletionStatus)
	}
	if done.EndTime.IsZero() {
		t.Error("end time not set")
	}

	// The session XP lands in the ledger.
	p, err := s.GetProgress(ctx, "u1")
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if p.TotalXP != 60 {
		t.Errorf("ledger XP = %d, want 60", p.TotalXP)
	}
}

func TestStartedSessionEndTimePlaceholder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	clock := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }

	sess, err := s.StartLearningSession(ctx, "u1", "math", "5", "t1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !sess.EndTime.Equal(sess.StartTime) {
		t.Errorf("placeholder end = %v, want start %v", sess.EndTime, sess.StartTime)
	}
	stored, err := s.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !stored.EndTime.Equal(stored.StartTime) {
		t.Errorf("stored placeholder end = %v, want start %v", stored.EndTime, stored.StartTime)
	}

	// An in-flight session contributes zero study time, not a negative or
	// phantom duration.
	mins, err := s.StudyTimeMinutes(ctx, "u1", PeriodToday)
	if err != nil {
		t.Fatalf("study time: %v", err)
	}
	if mins != 0 {
		t.Errorf("in-flight session counted %d minutes", mins)
	}
}

func TestEndSessionTwiceFails(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess, err := s.StartLearningSession(ctx, "u1", "math", "5", "t1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := s.EndLearningSession(ctx, sess.ID, SessionResults{XPEarned: 40}); err != nil {
		t.Fatalf("end: %v", err)
	}

	_, err = s.EndLearningSession(ctx, sess.ID, SessionResults{XPEarned: 40})
	if !errors.Is(err, ErrSessionFinalized) {
		t.Fatalf("expected ErrSessionFinalized, got %v", err)
	}

	// Double finalize must not double-credit XP.
	p, _ := s.GetProgress(ctx, "u1")
	if p.TotalXP != 40 {
		t.Errorf("XP after double finalize = %d, want 40", p.TotalXP)
	}
}

func TestEndUnknownSession(t *testing.T) {
	s := openTestStore(t)
	_, err := s.EndLearningSession(context.Background(), "ghost", SessionResults{})
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestSessionEndedWithoutXPCreditsNothing(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess, _ := s.StartLearningSession(ctx, "u1", "math", "5", "t1")
	done, err := s.EndLearningSession(ctx, sess.ID, SessionResults{
		CompletionStatus: SessionAbandoned,
	})
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if done.CompletionStatus != SessionAbandoned {
		t.Errorf("status = %s, want abandoned", done.CompletionStatus)
	}

	p, _ := s.GetProgress(ctx, "u1")
	if p.TotalXP != 0 {
		t.Errorf("abandoned session credited %d XP", p.TotalXP)
	}
}

func TestXPBySubject(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, c := range []struct {
		subject string
		xp      int64
		status  CompletionStatus
	}{
		{"math", 30, SessionCompleted},
		{"math", 20, SessionCompleted},
		{"science", 45, SessionCompleted},
		{"math", 10, SessionAbandoned},
	} {
		sess, err := s.StartLearningSession(ctx, "u1", c.subject, "5", "t")
		if err != nil {
			t.Fatalf("start: %v", err)
		}
		if _, err := s.EndLearningSession(ctx, sess.ID, SessionResults{
			CompletionStatus: c.status, XPEarned: c.xp,
		}); err != nil {
			t.Fatalf("end: %v", err)
		}
	}

	bySubject, err := s.XPBySubject(ctx, "u1")
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if bySubject["math"] != 60 {
		t.Errorf("math XP = %d, want 60", bySubject["math"])
	}
	if bySubject["science"] != 45 {
		t.Errorf("science XP = %d, want 45", bySubject["science"])
	}

	// The per-subject totals must match what the ledger was credited, so
	// XP from an abandoned session counts toward its subject.
	p, err := s.GetProgress(ctx, "u1")
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	var sum int64
	for _, xp := range bySubject {
		sum += xp
	}
	if sum != p.TotalXP {
		t.Errorf("by-subject sum = %d, ledger total = %d", sum, p.TotalXP)
	}
}

func TestStudyTimeMinutes(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 11, 10, 0, 0, 0, time.UTC) // a Wednesday
	clock := base
	s.now = func() time.Time { return clock }

	// 25 minutes today.
	sess, _ := s.StartLearningSession(ctx, "u1", "math", "5", "t1")
	clock = base.Add(25 * time.Minute)
	if _, err := s.EndLearningSession(ctx, sess.ID, SessionResults{CompletionStatus: SessionCompleted}); err != nil {
		t.Fatalf("end: %v", err)
	}

	// 40 minutes on Monday of the same week.
	clock = time.Date(2026, 3, 9, 8, 0, 0, 0, time.UTC)
	sess2, _ := s.StartLearningSession(ctx, "u1", "math", "5", "t2")
	clock = clock.Add(40 * time.Minute)
	if _, err := s.EndLearningSession(ctx, sess2.ID, SessionResults{CompletionStatus: SessionCompleted}); err != nil {
		t.Fatalf("end: %v", err)
	}

	clock = base.Add(time.Hour)
	today, err := s.StudyTimeMinutes(ctx, "u1", PeriodToday)
	if err != nil {
		t.Fatalf("today: %v", err)
	}
	if today != 25 {
		t.Errorf("today = %d minutes, want 25", today)
	}

	week, err := s.StudyTimeMinutes(ctx, "u1", PeriodWeek)
	if err != nil {
		t.Fatalf("week: %v", err)
	}
	if week != 65 {
		t.Errorf("week = %d minutes, want 65", week)
	}
}

func TestSchoolLeaderboard(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i, st := range []struct {
		id string
		xp int64
	}{
		{"st-1", 120}, {"st-2", 300}, {"st-3", 50},
	} {
		if _, err := s.RegisterStudent(ctx, RegisterStudentParams{
			SchoolIDOrName: "greenhill", Grade: "5", Name: st.id, StudentID: st.id,
		}); err != nil {
			t.Fatalf("register %d: %v", i, err)
		}
		if _, err := s.AwardXP(ctx, st.id, st.xp); err != nil {
			t.Fatalf("award %d: %v", i, err)
		}
	}

	board, err := s.SchoolLeaderboard(ctx, "greenhill", 2)
	if err != nil {
		t.Fatalf("leaderboard: %v", err)
	}
	if len(board) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(board))
	}
	if board[0].User.UserID != "st-2" || board[1].User.UserID != "st-1" {
		t.Errorf("wrong order: %s, %s", board[0].User.UserID, board[1].User.UserID)
	}
}

func TestClassEngagement(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	clock := time.Date(2026, 3, 11, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }

	for _, id := range []string{"st-1", "st-2"} {
		if _, err := s.RegisterStudent(ctx, RegisterStudentParams{
			SchoolIDOrName: "greenhill", Grade: "5", Name: id, StudentID: id,
		}); err != nil {
			t.Fatalf("register: %v", err)
		}
	}

	// st-1 studies for 30 minutes today; st-2 is idle.
	sess, _ := s.StartLearningSession(ctx, "st-1", "math", "5", "t1")
	clock = clock.Add(30 * time.Minute)
	if _, err := s.EndLearningSession(ctx, sess.ID, SessionResults{CompletionStatus: SessionCompleted}); err != nil {
		t.Fatalf("end: %v", err)
	}

	stats, err := s.ClassEngagementStats(ctx, "greenhill", "5")
	if err != nil {
		t.Fatalf("engagement: %v", err)
	}
	if stats.TotalStudents != 2 {
		t.Errorf("total = %d, want 2", stats.TotalStudents)
	}
	if stats.ActiveToday != 1 || stats.ActiveThisWeek != 1 {
		t.Errorf("active today/week = %d/%d, want 1/1", stats.ActiveToday, stats.ActiveThisWeek)
	}
	if stats.AvgMinutesWeek != 15 {
		t.Errorf("avg minutes = %d, want 15", stats.AvgMinutesWeek)
	}
}
