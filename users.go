package satchel

import (
	"context"
	"database/sql"
	"errors"
)

// RegisterStudentParams identifies a student registering on this device.
type RegisterStudentParams struct {
	SchoolIDOrName    string
	Grade             string
	Name              string
	StudentID         string
	PreferredLanguage string
}

// RegisterTeacherParams identifies a teacher registering on this device.
// UserID is optional; when empty a stable id is derived from
// schoolID:subject:grade so re-registration converges on one record.
type RegisterTeacherParams struct {
	SchoolID          string
	Grade             string
	Subject           string
	UserID            string
	Name              string
	PreferredLanguage string
}

// RegisterStudent upserts a student account. Re-registering merges fields
// into the existing record rather than creating a duplicate; a role
// mismatch on re-register is treated as an update, not an error.
func (s *Store) RegisterStudent(ctx context.Context, p RegisterStudentParams) (*User, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	lang := p.PreferredLanguage
	if lang == "" {
		lang = "en"
	}

	existing, err := s.GetUser(ctx, p.StudentID)
	if err != nil && !errors.Is(err, ErrUserNotFound) {
		return nil, err
	}

	user := &User{
		UserID:            p.StudentID,
		Role:              RoleStudent,
		Name:              p.Name,
		Grade:             p.Grade,
		PreferredLanguage: lang,
		SchoolNameOrID:    p.SchoolIDOrName,
		StudentID:         p.StudentID,
		CreatedAt:         s.now(),
	}
	action := ActionCreate
	if existing != nil {
		user.CreatedAt = existing.CreatedAt
		user.SchoolID = existing.SchoolID
		user.LastSyncAt = existing.LastSyncAt
		action = ActionUpdate
	}

	if err := s.putUser(ctx, user, action); err != nil {
		return nil, err
	}
	return user, nil
}

// RegisterTeacher upserts a teacher account.
func (s *Store) RegisterTeacher(ctx context.Context, p RegisterTeacherParams) (*User, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	lang := p.PreferredLanguage
	if lang == "" {
		lang = "en"
	}
	uid := p.UserID
	if uid == "" {
		uid = p.SchoolID + ":" + p.Subject + ":" + p.Grade
	}

	existing, err := s.GetUser(ctx, uid)
	if err != nil && !errors.Is(err, ErrUserNotFound) {
		return nil, err
	}

	user := &User{
		UserID:            uid,
		Role:              RoleTeacher,
		Name:              p.Name,
		Grade:             p.Grade,
		PreferredLanguage: lang,
		SchoolID:          p.SchoolID,
		Subject:           p.Subject,
		CreatedAt:         s.now(),
	}
	if user.Name == "" {
		user.Name = "Class Teacher"
	}
	action := ActionCreate
	if existing != nil {
		if p.Name == "" {
			user.Name = existing.Name
		}
		user.CreatedAt = existing.CreatedAt
		user.SchoolNameOrID = existing.SchoolNameOrID
		user.LastSyncAt = existing.LastSyncAt
		action = ActionUpdate
	}

	if err := s.putUser(ctx, user, action); err != nil {
		return nil, err
	}
	return user, nil
}

// putUser writes the user row and its outbox record in one transaction.
func (s *Store) putUser(ctx context.Context, u *User, action SyncAction) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO users (user_id, role, name, grade, preferred_language,
				school_id, school_name_or_id, student_id, subject, created_at, last_sync_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(user_id) DO UPDATE SET
				role = excluded.role,
				name = excluded.name,
				grade = excluded.grade,
				preferred_language = excluded.preferred_language,
				school_id = excluded.school_id,
				school_name_or_id = excluded.school_name_or_id,
				student_id = excluded.student_id,
				subject = excluded.subject`,
			u.UserID, string(u.Role), u.Name, u.Grade, u.PreferredLanguage,
			u.SchoolID, u.SchoolNameOrID, u.StudentID, u.Subject,
			toMillis(u.CreatedAt), toMillis(u.LastSyncAt))
		if err != nil {
			return newStorageError(StorageErrorTypeWrite, "failed to upsert user", s.path, err)
		}
		return s.enqueue(tx, action, "users", u.UserID, u)
	})
}

// GetUser returns the user with the given id, or ErrUserNotFound.
func (s *Store) GetUser(ctx context.Context, userID string) (*User, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, role, name, grade, preferred_language,
			school_id, school_name_or_id, student_id, subject, created_at, last_sync_at
		FROM users WHERE user_id = ?`, userID)
	return scanUser(row)
}

// LoginStudent looks up a locally registered student. The grade must
// match; a missing or mismatched record returns nil without error so the
// caller can fall back to registration.
func (s *Store) LoginStudent(ctx context.Context, schoolIDOrName, grade, studentID string) (*User, error) {
	user, err := s.GetUser(ctx, studentID)
	if errors.Is(err, ErrUserNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if user.Grade != grade {
		return nil, nil
	}
	return user, nil
}

// LoginTeacher looks up a teacher by the derived schoolID:subject:grade id.
func (s *Store) LoginTeacher(ctx context.Context, schoolID, grade, subject string) (*User, error) {
	user, err := s.GetUser(ctx, schoolID+":"+subject+":"+grade)
	if errors.Is(err, ErrUserNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

// StudentsBySchool returns all students affiliated with a school, matching
// either the registration-time school name or the canonical school id.
func (s *Store) StudentsBySchool(ctx context.Context, schoolID string) ([]User, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, role, name, grade, preferred_language,
			school_id, school_name_or_id, student_id, subject, created_at, last_sync_at
		FROM users
		WHERE role = ? AND (school_name_or_id = ? OR school_id = ?)
		ORDER BY user_id`, string(RoleStudent), schoolID, schoolID)
	if err != nil {
		return nil, newStorageError(StorageErrorTypeRead, "failed to query students", s.path, err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		u, err := scanUserRows(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row *sql.Row) (*User, error) {
	u, err := scanUserFrom(row)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	return u, err
}

func scanUserRows(rows *sql.Rows) (*User, error) {
	return scanUserFrom(rows)
}

func scanUserFrom(sc rowScanner) (*User, error) {
	var u User
	var role string
	var createdAt, lastSyncAt int64
	err := sc.Scan(&u.UserID, &role, &u.Name, &u.Grade, &u.PreferredLanguage,
		&u.SchoolID, &u.SchoolNameOrID, &u.StudentID, &u.Subject, &createdAt, &lastSyncAt)
	if err != nil {
		return nil, err
	}
	u.Role = Role(role)
	u.CreatedAt = fromMillis(createdAt)
	u.LastSyncAt = fromMillis(lastSyncAt)
	return &u, nil
}
