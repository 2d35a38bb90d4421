package satchel

import (
	"encoding/json"
	"strconv"
	"time"
)

// Role identifies the kind of account a User record represents.
type Role string

const (
	// RoleStudent is a student account.
	RoleStudent Role = "student"
	// RoleTeacher is a teacher account.
	RoleTeacher Role = "teacher"
)

// User is a locally registered account. UserID is the stable identity;
// registration is an upsert, never a duplicate insert.
type User struct {
	UserID            string    `json:"userId"`
	Role              Role      `json:"role"`
	Name              string    `json:"name"`
	Grade             string    `json:"grade"`
	PreferredLanguage string    `json:"preferredLanguage"`
	SchoolID          string    `json:"schoolId,omitempty"`
	SchoolNameOrID    string    `json:"schoolNameOrId,omitempty"`
	StudentID         string    `json:"studentId,omitempty"`
	Subject           string    `json:"subject,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
	LastSyncAt        time.Time `json:"lastSyncAt,omitempty"`
}

// UserProgress is the single source of truth for a user's cumulative
// gamification state. One record per user id.
type UserProgress struct {
	UserID             string    `json:"userId"`
	TotalXP            int64     `json:"totalXP"`
	Level              int       `json:"level"`
	CurrentStreak      int       `json:"currentStreak"`
	LongestStreak      int       `json:"longestStreak"`
	BadgesEarned       []string  `json:"badgesEarned"`
	LastActivityDate   time.Time `json:"lastActivityDate"`
	WeeklyGoalProgress int64     `json:"weeklyGoalProgress"`
	WeeklyGoalTarget   int64     `json:"weeklyGoalTarget"`
}

// CompletionStatus is the lifecycle state of a learning session.
type CompletionStatus string

const (
	// SessionPartial marks a session that has started but not ended.
	SessionPartial CompletionStatus = "partial"
	// SessionCompleted marks a successfully finished session.
	SessionCompleted CompletionStatus = "completed"
	// SessionAbandoned marks a session the user walked away from.
	SessionAbandoned CompletionStatus = "abandoned"
)

// Terminal reports whether the status ends the session lifecycle.
func (s CompletionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionAbandoned
}

// LearningSession records a single study session. Rows are created at
// session start and finalized exactly once at session end.
type LearningSession struct {
	ID                  string           `json:"id"`
	UserID              string           `json:"userId"`
	Subject             string           `json:"subject"`
	Grade               string           `json:"grade"`
	TopicID             string           `json:"topicId"`
	StartTime           time.Time        `json:"startTime"`
	EndTime             time.Time        `json:"endTime"`
	XPEarned            int64            `json:"xpEarned"`
	Accuracy            float64          `json:"accuracy"`
	CompletionStatus    CompletionStatus `json:"completionStatus"`
	ChallengesAttempted int              `json:"challengesAttempted"`
	ChallengesCorrect   int              `json:"challengesCorrect"`
}

// SessionResults carries the outcome reported when a session ends.
type SessionResults struct {
	CompletionStatus    CompletionStatus `json:"completionStatus"`
	XPEarned            int64            `json:"xpEarned"`
	Accuracy            float64          `json:"accuracy"`
	ChallengesAttempted int              `json:"challengesAttempted"`
	ChallengesCorrect   int              `json:"challengesCorrect"`
}

// ContentType distinguishes cached content payloads.
type ContentType string

const (
	// ContentTopic is structured lesson content.
	ContentTopic ContentType = "topic"
	// ContentMedia is a media blob (audio, video, images).
	ContentMedia ContentType = "media"
	// ContentAssessment is quiz or test content.
	ContentAssessment ContentType = "assessment"
)

// OfflineContentEntry is a cached content record keyed by
// (ContentID, ContentType). Writes are upserts; reads refresh LastAccessedAt.
type OfflineContentEntry struct {
	ContentID      string      `json:"contentId"`
	ContentType    ContentType `json:"contentType"`
	Data           []byte      `json:"data"`
	DownloadedAt   time.Time   `json:"downloadedAt"`
	LastAccessedAt time.Time   `json:"lastAccessedAt"`
	Size           int64       `json:"size"`
	IsStale        bool        `json:"isStale"`
}

// SyncAction is the kind of mutation a queue entry describes.
type SyncAction string

const (
	// ActionCreate is an entity creation.
	ActionCreate SyncAction = "create"
	// ActionUpdate is an entity update or delta.
	ActionUpdate SyncAction = "update"
	// ActionDelete is an entity deletion.
	ActionDelete SyncAction = "delete"
)

// SyncStatus is the delivery state of a queue entry.
type SyncStatus string

const (
	// SyncPending marks an entry awaiting delivery.
	SyncPending SyncStatus = "pending"
	// SyncSynced marks an entry acknowledged by the remote. Terminal.
	SyncSynced SyncStatus = "synced"
	// SyncDead marks an entry that exhausted its retry budget. Terminal.
	SyncDead SyncStatus = "dead"
)

// SyncQueueEntry is one durable outbox record. Entries are append-only
// until they reach a terminal status.
type SyncQueueEntry struct {
	ID            int64           `json:"id"`
	Action        SyncAction      `json:"action"`
	EntityType    string          `json:"entityType"`
	EntityID      string          `json:"entityId"`
	Payload       json.RawMessage `json:"payload"`
	SchemaVersion int             `json:"schemaVersion"`
	Timestamp     time.Time       `json:"timestamp"`
	Retries       int             `json:"retries"`
	Status        SyncStatus      `json:"status"`
}

// IdempotencyKey returns the stable key the remote uses to deduplicate
// redelivered entries.
func (e *SyncQueueEntry) IdempotencyKey() string {
	return e.EntityType + ":" + e.EntityID + ":" + string(e.Action) + ":" + strconv.FormatInt(e.ID, 10)
}

// XPDelta is the payload shape for XP award mutations. The remote applies
// deltas, not absolute values, so concurrent devices merge safely.
type XPDelta struct {
	DeltaXP int64 `json:"deltaXP"`
}

// Badge is a catalog entry students can earn.
type Badge struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Icon        string `json:"icon"`
	Category    string `json:"category"`
	Rarity      string `json:"rarity"`
	XPReward    int64  `json:"xpReward"`
}

// StudyPeriod selects the window for study-time aggregation.
type StudyPeriod string

const (
	// PeriodToday covers the current local calendar day.
	PeriodToday StudyPeriod = "today"
	// PeriodWeek covers the current Monday-start week.
	PeriodWeek StudyPeriod = "week"
)

// LeaderboardEntry pairs a student with their progress for ranking.
type LeaderboardEntry struct {
	User     User          `json:"user"`
	Progress *UserProgress `json:"progress"`
}

// ClassEngagement summarizes weekly activity for one school grade.
type ClassEngagement struct {
	AvgMinutesWeek int `json:"avgMinutesWeek"`
	ActiveToday    int `json:"activeToday"`
	ActiveThisWeek int `json:"activeThisWeek"`
	TotalStudents  int `json:"totalStudents"`
}

// StorageStats reports local storage consumption and headroom.
type StorageStats struct {
	DatabaseBytes  int64 `json:"databaseBytes"`
	ContentBytes   int64 `json:"contentBytes"`
	AvailableBytes int64 `json:"availableBytes"`
}
