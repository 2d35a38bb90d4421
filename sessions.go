package satchel

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"github.com/google/uuid"
)

// StartLearningSession creates a partial session row. The session stays
// partial until EndLearningSession finalizes it, so interrupted sessions
// remain visible as partial rather than vanishing.
func (s *Store) StartLearningSession(ctx context.Context, userID, subject, grade, topicID string) (*LearningSession, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	sess := &LearningSession{
		ID:               uuid.NewString(),
		UserID:           userID,
		Subject:          subject,
		Grade:            grade,
		TopicID:          topicID,
		StartTime:        s.now(),
		CompletionStatus: SessionPartial,
	}
	// Placeholder end time equals the start time until finalization, so
	// duration sums see an in-flight session as zero minutes.
	sess.EndTime = sess.StartTime
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO learning_sessions (id, user_id, subject, grade, topic_id,
				start_time, end_time, xp_earned, accuracy, completion_status,
				challenges_attempted, challenges_correct)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0, ?, 0, 0)`,
			sess.ID, sess.UserID, sess.Subject, sess.Grade, sess.TopicID,
			toMillis(sess.StartTime), toMillis(sess.EndTime), string(SessionPartial))
		if err != nil {
			return newStorageError(StorageErrorTypeWrite, "failed to insert session", s.path, err)
		}
		return s.enqueue(tx, ActionCreate, "learning_sessions", sess.ID, sess)
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// EndLearningSession finalizes a session exactly once. A second call for
// the same session returns ErrSessionFinalized. Earned XP is credited to
// the user's ledger after the session write commits.
func (s *Store) EndLearningSession(ctx context.Context, sessionID string, results SessionResults) (*LearningSession, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if !results.CompletionStatus.Terminal() {
		results.CompletionStatus = SessionCompleted
	}

	var sess *LearningSession
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRow(`
			SELECT id, user_id, subject, grade, topic_id, start_time, end_time,
				xp_earned, accuracy, completion_status, challenges_attempted, challenges_correct
			FROM learning_sessions WHERE id = ?`, sessionID)
		cur, err := scanSession(row.Scan)
		if err == sql.ErrNoRows {
			return ErrSessionNotFound
		}
		if err != nil {
			return newStorageError(StorageErrorTypeRead, "failed to read session", s.path, err)
		}
		if cur.CompletionStatus.Terminal() {
			return ErrSessionFinalized
		}

		cur.EndTime = s.now()
		cur.XPEarned = results.XPEarned
		cur.Accuracy = results.Accuracy
		cur.CompletionStatus = results.CompletionStatus
		cur.ChallengesAttempted = results.ChallengesAttempted
		cur.ChallengesCorrect = results.ChallengesCorrect

		_, err = tx.Exec(`
			UPDATE learning_sessions SET end_time = ?, xp_earned = ?, accuracy = ?,
				completion_status = ?, challenges_attempted = ?, challenges_correct = ?
			WHERE id = ?`,
			toMillis(cur.EndTime), cur.XPEarned, cur.Accuracy,
			string(cur.CompletionStatus), cur.ChallengesAttempted, cur.ChallengesCorrect,
			cur.ID)
		if err != nil {
			return newStorageError(StorageErrorTypeWrite, "failed to finalize session", s.path, err)
		}
		if err := s.enqueue(tx, ActionUpdate, "learning_sessions", cur.ID, cur); err != nil {
			return err
		}
		sess = cur
		return nil
	})
	if err != nil {
		return nil, err
	}

	if results.XPEarned > 0 {
		if _, err := s.AwardXP(ctx, sess.UserID, results.XPEarned); err != nil {
			return nil, err
		}
	}
	return sess, nil
}

// GetSession returns a session by id, or ErrSessionNotFound.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*LearningSession, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, subject, grade, topic_id, start_time, end_time,
			xp_earned, accuracy, completion_status, challenges_attempted, challenges_correct
		FROM learning_sessions WHERE id = ?`, sessionID)
	sess, err := scanSession(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, newStorageError(StorageErrorTypeRead, "failed to read session", s.path, err)
	}
	return sess, nil
}

// SessionsByUser returns the user's sessions, most recent first, up to
// limit (0 means no limit).
func (s *Store) SessionsByUser(ctx context.Context, userID string, limit int) ([]LearningSession, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	q := `
		SELECT id, user_id, subject, grade, topic_id, start_time, end_time,
			xp_earned, accuracy, completion_status, challenges_attempted, challenges_correct
		FROM learning_sessions WHERE user_id = ? ORDER BY start_time DESC`
	args := []any{userID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, newStorageError(StorageErrorTypeRead, "failed to query sessions", s.path, err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

// XPBySubject aggregates a user's earned XP per subject across all of the
// user's sessions. Every session that earned XP counts, whatever its
// completion status, so the per-subject totals always sum to what the
// ledger was credited.
func (s *Store) XPBySubject(ctx context.Context, userID string) (map[string]int64, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT subject, COALESCE(SUM(xp_earned), 0)
		FROM learning_sessions
		WHERE user_id = ?
		GROUP BY subject`, userID)
	if err != nil {
		return nil, newStorageError(StorageErrorTypeRead, "failed to aggregate xp", s.path, err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var subject string
		var xp int64
		if err := rows.Scan(&subject, &xp); err != nil {
			return nil, err
		}
		out[subject] = xp
	}
	return out, rows.Err()
}

// startOfDay returns local midnight for t.
func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// startOfWeek returns the most recent Monday at local midnight.
func startOfWeek(t time.Time) time.Time {
	day := startOfDay(t)
	offset := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -offset)
}

// StudyTimeMinutes sums finalized session durations for the user within
// the period, rounded down to whole minutes.
func (s *Store) StudyTimeMinutes(ctx context.Context, userID string, period StudyPeriod) (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	var since time.Time
	switch period {
	case PeriodWeek:
		since = startOfWeek(s.now())
	default:
		since = startOfDay(s.now())
	}
	var totalMillis int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(end_time - start_time), 0)
		FROM learning_sessions
		WHERE user_id = ? AND end_time > 0 AND start_time >= ?`,
		userID, toMillis(since)).Scan(&totalMillis)
	if err != nil {
		return 0, newStorageError(StorageErrorTypeRead, "failed to sum study time", s.path, err)
	}
	return int(totalMillis / 60000), nil
}

// ClassEngagementStats summarizes this week's activity for a school grade.
func (s *Store) ClassEngagementStats(ctx context.Context, schoolID, grade string) (*ClassEngagement, error) {
	students, err := s.StudentsBySchool(ctx, schoolID)
	if err != nil {
		return nil, err
	}

	stats := &ClassEngagement{}
	now := s.now()
	dayStart := toMillis(startOfDay(now))
	weekStart := toMillis(startOfWeek(now))

	var weekMillis int64
	for _, u := range students {
		if u.Grade != grade {
			continue
		}
		stats.TotalStudents++

		var todayCount, weekCount, userWeekMillis int64
		err := s.db.QueryRowContext(ctx, `
			SELECT
				COALESCE(SUM(CASE WHEN start_time >= ? THEN 1 ELSE 0 END), 0),
				COALESCE(SUM(CASE WHEN start_time >= ? THEN 1 ELSE 0 END), 0),
				COALESCE(SUM(CASE WHEN start_time >= ? AND end_time > 0 THEN end_time - start_time ELSE 0 END), 0)
			FROM learning_sessions WHERE user_id = ?`,
			dayStart, weekStart, weekStart, u.UserID).
			Scan(&todayCount, &weekCount, &userWeekMillis)
		if err != nil {
			return nil, newStorageError(StorageErrorTypeRead, "failed to aggregate engagement", s.path, err)
		}
		if todayCount > 0 {
			stats.ActiveToday++
		}
		if weekCount > 0 {
			stats.ActiveThisWeek++
		}
		weekMillis += userWeekMillis
	}
	if stats.TotalStudents > 0 {
		stats.AvgMinutesWeek = int(weekMillis / 60000 / int64(stats.TotalStudents))
	}
	return stats, nil
}

// SchoolLeaderboard ranks a school's students by total XP, highest first.
// Students with no ledger yet rank with zero XP. Limit 0 means no limit.
func (s *Store) SchoolLeaderboard(ctx context.Context, schoolID string, limit int) ([]LeaderboardEntry, error) {
	students, err := s.StudentsBySchool(ctx, schoolID)
	if err != nil {
		return nil, err
	}
	entries := make([]LeaderboardEntry, 0, len(students))
	for _, u := range students {
		p, err := s.GetProgress(ctx, u.UserID)
		if err != nil {
			return nil, err
		}
		entries = append(entries, LeaderboardEntry{User: u, Progress: p})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Progress.TotalXP > entries[j].Progress.TotalXP
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func scanSession(scan func(...any) error) (*LearningSession, error) {
	var sess LearningSession
	var status string
	var start, end int64
	err := scan(&sess.ID, &sess.UserID, &sess.Subject, &sess.Grade, &sess.TopicID,
		&start, &end, &sess.XPEarned, &sess.Accuracy, &status,
		&sess.ChallengesAttempted, &sess.ChallengesCorrect)
	if err != nil {
		return nil, err
	}
	sess.StartTime = fromMillis(start)
	sess.EndTime = fromMillis(end)
	sess.CompletionStatus = CompletionStatus(status)
	return &sess, nil
}

func collectSessions(rows *sql.Rows) ([]LearningSession, error) {
	var sessions []LearningSession
	for rows.Next() {
		sess, err := scanSession(rows.Scan)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}
