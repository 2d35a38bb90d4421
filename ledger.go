package satchel

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// xpPerLevel is the XP span of one level. Level is derived from total XP,
// never stored authoritatively by callers.
const xpPerLevel = 100

func levelForXP(totalXP int64) int {
	if totalXP < 0 {
		totalXP = 0
	}
	return int(totalXP/xpPerLevel) + 1
}

// sameDay reports whether a and b fall on the same local calendar day.
func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// AwardXP applies an XP delta to the user's ledger and enqueues the delta
// for sync. Progress is upserted: a first award creates the record. The
// streak advances once per calendar day of activity and resets after a
// missed day.
func (s *Store) AwardXP(ctx context.Context, userID string, deltaXP int64) (*UserProgress, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	var updated *UserProgress
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		p, err := progressInTx(tx, userID)
		if err != nil {
			return err
		}

		now := s.now()
		switch {
		case p.LastActivityDate.IsZero():
			p.CurrentStreak = 1
		case sameDay(p.LastActivityDate, now):
			// Second award today; streak already counted.
		case sameDay(p.LastActivityDate, now.AddDate(0, 0, -1)):
			p.CurrentStreak++
		default:
			p.CurrentStreak = 1
		}
		if p.CurrentStreak > p.LongestStreak {
			p.LongestStreak = p.CurrentStreak
		}

		p.TotalXP += deltaXP
		if p.TotalXP < 0 {
			p.TotalXP = 0
		}
		p.Level = levelForXP(p.TotalXP)
		p.WeeklyGoalProgress += deltaXP
		if p.WeeklyGoalProgress < 0 {
			p.WeeklyGoalProgress = 0
		}
		p.LastActivityDate = now

		if err := writeProgress(tx, p); err != nil {
			return err
		}
		if err := s.enqueue(tx, ActionUpdate, "user_progress", userID, XPDelta{DeltaXP: deltaXP}); err != nil {
			return err
		}
		updated = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// GetProgress returns the user's ledger, or a zero-valued record at level 1
// for users who have not earned anything yet.
func (s *Store) GetProgress(ctx context.Context, userID string) (*UserProgress, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, total_xp, level, current_streak, longest_streak,
			badges_earned, last_activity_at, weekly_goal_progress, weekly_goal_target
		FROM user_progress WHERE user_id = ?`, userID)
	p, err := scanProgress(row.Scan)
	if err == sql.ErrNoRows {
		return defaultProgress(userID), nil
	}
	if err != nil {
		return nil, newStorageError(StorageErrorTypeRead, "failed to read progress", s.path, err)
	}
	return p, nil
}

// SetWeeklyGoal updates the user's weekly XP target.
func (s *Store) SetWeeklyGoal(ctx context.Context, userID string, target int64) error {
	if err := s.ready(); err != nil {
		return err
	}
	if target < 0 {
		return fmt.Errorf("weekly goal target must be non-negative, got %d", target)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		p, err := progressInTx(tx, userID)
		if err != nil {
			return err
		}
		p.WeeklyGoalTarget = target
		if err := writeProgress(tx, p); err != nil {
			return err
		}
		return s.enqueue(tx, ActionUpdate, "user_progress", userID, p)
	})
}

// ResetWeeklyGoalProgress zeroes accumulated weekly progress. Intended to
// run at the start of each Monday-based week.
func (s *Store) ResetWeeklyGoalProgress(ctx context.Context, userID string) error {
	if err := s.ready(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE user_progress SET weekly_goal_progress = 0 WHERE user_id = ?`, userID)
	if err != nil {
		return newStorageError(StorageErrorTypeWrite, "failed to reset weekly goal", s.path, err)
	}
	return nil
}

// PutBadge inserts or updates a badge catalog entry.
func (s *Store) PutBadge(ctx context.Context, b Badge) error {
	if err := s.ready(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO badges (id, name, description, icon, category, rarity, xp_reward)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			icon = excluded.icon,
			category = excluded.category,
			rarity = excluded.rarity,
			xp_reward = excluded.xp_reward`,
		b.ID, b.Name, b.Description, b.Icon, b.Category, b.Rarity, b.XPReward)
	if err != nil {
		return newStorageError(StorageErrorTypeWrite, "failed to upsert badge", s.path, err)
	}
	return nil
}

// Badges returns the full badge catalog.
func (s *Store) Badges(ctx context.Context) ([]Badge, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description, icon, category, rarity, xp_reward FROM badges ORDER BY id`)
	if err != nil {
		return nil, newStorageError(StorageErrorTypeRead, "failed to query badges", s.path, err)
	}
	defer rows.Close()

	var badges []Badge
	for rows.Next() {
		var b Badge
		if err := rows.Scan(&b.ID, &b.Name, &b.Description, &b.Icon, &b.Category, &b.Rarity, &b.XPReward); err != nil {
			return nil, err
		}
		badges = append(badges, b)
	}
	return badges, rows.Err()
}

// AwardBadge adds a badge to the user's earned set and credits its XP
// reward. Awarding an already-earned badge is a no-op.
func (s *Store) AwardBadge(ctx context.Context, userID, badgeID string) (*UserProgress, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	var reward int64
	err := s.db.QueryRowContext(ctx, `SELECT xp_reward FROM badges WHERE id = ?`, badgeID).Scan(&reward)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("unknown badge %q", badgeID)
	}
	if err != nil {
		return nil, newStorageError(StorageErrorTypeRead, "failed to read badge", s.path, err)
	}

	var already bool
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		p, err := progressInTx(tx, userID)
		if err != nil {
			return err
		}
		for _, earned := range p.BadgesEarned {
			if earned == badgeID {
				already = true
				return nil
			}
		}
		p.BadgesEarned = append(p.BadgesEarned, badgeID)
		if err := writeProgress(tx, p); err != nil {
			return err
		}
		return s.enqueue(tx, ActionUpdate, "user_progress", userID, p)
	})
	if err != nil {
		return nil, err
	}
	if already || reward == 0 {
		return s.GetProgress(ctx, userID)
	}
	return s.AwardXP(ctx, userID, reward)
}

// EarnedBadges resolves the user's earned badge ids against the catalog.
func (s *Store) EarnedBadges(ctx context.Context, userID string) ([]Badge, error) {
	p, err := s.GetProgress(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(p.BadgesEarned) == 0 {
		return nil, nil
	}
	catalog, err := s.Badges(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]Badge, len(catalog))
	for _, b := range catalog {
		byID[b.ID] = b
	}
	var earned []Badge
	for _, id := range p.BadgesEarned {
		if b, ok := byID[id]; ok {
			earned = append(earned, b)
		}
	}
	return earned, nil
}

func defaultProgress(userID string) *UserProgress {
	return &UserProgress{
		UserID:           userID,
		Level:            1,
		BadgesEarned:     []string{},
		WeeklyGoalTarget: 100,
	}
}

func progressInTx(tx *sql.Tx, userID string) (*UserProgress, error) {
	row := tx.QueryRow(`
		SELECT user_id, total_xp, level, current_streak, longest_streak,
			badges_earned, last_activity_at, weekly_goal_progress, weekly_goal_target
		FROM user_progress WHERE user_id = ?`, userID)
	p, err := scanProgress(row.Scan)
	if err == sql.ErrNoRows {
		return defaultProgress(userID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read progress: %w", err)
	}
	return p, nil
}

func writeProgress(tx *sql.Tx, p *UserProgress) error {
	badges, err := json.Marshal(p.BadgesEarned)
	if err != nil {
		return fmt.Errorf("marshal badges: %w", err)
	}
	_, err = tx.Exec(`
		INSERT INTO user_progress (user_id, total_xp, level, current_streak, longest_streak,
			badges_earned, last_activity_at, weekly_goal_progress, weekly_goal_target)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			total_xp = excluded.total_xp,
			level = excluded.level,
			current_streak = excluded.current_streak,
			longest_streak = excluded.longest_streak,
			badges_earned = excluded.badges_earned,
			last_activity_at = excluded.last_activity_at,
			weekly_goal_progress = excluded.weekly_goal_progress,
			weekly_goal_target = excluded.weekly_goal_target`,
		p.UserID, p.TotalXP, p.Level, p.CurrentStreak, p.LongestStreak,
		string(badges), toMillis(p.LastActivityDate), p.WeeklyGoalProgress, p.WeeklyGoalTarget)
	if err != nil {
		return fmt.Errorf("failed to write progress: %w", err)
	}
	return nil
}

func scanProgress(scan func(...any) error) (*UserProgress, error) {
	var p UserProgress
	var badges string
	var lastActivity int64
	err := scan(&p.UserID, &p.TotalXP, &p.Level, &p.CurrentStreak, &p.LongestStreak,
		&badges, &lastActivity, &p.WeeklyGoalProgress, &p.WeeklyGoalTarget)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(badges), &p.BadgesEarned); err != nil {
		return nil, fmt.Errorf("decode badges: %w", err)
	}
	p.LastActivityDate = fromMillis(lastActivity)
	return &p, nil
}
