package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"taskboard/api/internal/rbac"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// withTx runs fn in one transaction, rolling back on any error.
func (s *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// setList accumulates "column=$n" assignments for a partial UPDATE.
type setList struct {
	cols []string
	args []any
}

func (l *setList) add(column string, value any) {
	l.args = append(l.args, value)
	l.cols = append(l.cols, fmt.Sprintf("%s=$%d", column, len(l.args)))
}

func (l *setList) addExpr(format string, value any) {
	l.args = append(l.args, value)
	l.cols = append(l.cols, fmt.Sprintf(format, len(l.args)))
}

func (l *setList) sql() string {
	return strings.Join(l.cols, ", ")
}

func (l *setList) where(value any) string {
	l.args = append(l.args, value)
	return fmt.Sprintf("$%d", len(l.args))
}

func execAffected(ctx context.Context, exec interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}, op, query string, args ...any) error {
	res, err := exec.ExecContext(ctx, query, args...)
	if err != nil {
		return classify(op, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Users

const selectUser = `SELECT id, name, email, password_hash, avatar, ui_mode, created_at FROM users`

func scanUser(row interface{ Scan(...any) error }) (User, error) {
	var user User
	err := row.Scan(&user.ID, &user.Name, &user.Email, &user.PasswordHash, &user.Avatar, &user.UIMode, &user.CreatedAt)
	return user, err
}

func (s *PostgresStore) CreateUser(ctx context.Context, name, email, passwordHash string) (User, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO users (name, email, password_hash)
		VALUES ($1, $2, $3)
		RETURNING id, name, email, password_hash, avatar, ui_mode, created_at
	`, name, email, passwordHash)
	user, err := scanUser(row)
	if err != nil {
		return User{}, classify("insert user", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, selectUser+` WHERE email=$1`, email))
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID int64) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, selectUser+` WHERE id=$1`, userID))
}

func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID int64, passwordHash string) error {
	return execAffected(ctx, s.db, "update password",
		`UPDATE users SET password_hash=$2, updated_at=NOW() WHERE id=$1`, userID, passwordHash)
}

func (s *PostgresStore) UpdateUserProfile(ctx context.Context, userID int64, name, uiMode Field[string]) (User, error) {
	var set setList
	if name.Set {
		set.add("name", name.Value)
	}
	if uiMode.Set {
		set.add("ui_mode", uiMode.Value)
	}
	if len(set.cols) == 0 {
		return s.GetUserByID(ctx, userID)
	}
	query := `UPDATE users SET ` + set.sql() + `, updated_at=NOW() WHERE id=` + set.where(userID) +
		` RETURNING id, name, email, password_hash, avatar, ui_mode, created_at`
	user, err := scanUser(s.db.QueryRowContext(ctx, query, set.args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, err
		}
		return User{}, classify("update profile", err)
	}
	return user, nil
}

func (s *PostgresStore) UpdateUserAvatar(ctx context.Context, userID int64, avatar string) error {
	return execAffected(ctx, s.db, "update avatar",
		`UPDATE users SET avatar=$2, updated_at=NOW() WHERE id=$1`, userID, avatar)
}

// Sessions, used when no Redis is configured.

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash string, userID int64, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (int64, error) {
	var userID int64
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM refresh_sessions
		WHERE token_hash=$1 AND revoked_at IS NULL AND expires_at > NOW()
	`, tokenHash).Scan(&userID)
	if err != nil {
		return 0, err
	}
	return userID, nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, expiresAt)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1 AND expires_at > NOW())
	`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// Resolver source

func (s *PostgresStore) ProjectOwner(ctx context.Context, projectID int64) (int64, error) {
	var ownerID int64
	if err := s.db.QueryRowContext(ctx, `SELECT owner_id FROM projects WHERE id=$1`, projectID).Scan(&ownerID); err != nil {
		return 0, err
	}
	return ownerID, nil
}

func (s *PostgresStore) MembershipFlags(ctx context.Context, projectID, userID int64) (bool, rbac.Flags, error) {
	var (
		member bool
		flags  rbac.Flags
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(gm.id) > 0,
			COALESCE(BOOL_OR(p.can_create_tasks), FALSE),
			COALESCE(BOOL_OR(p.can_edit_tasks), FALSE),
			COALESCE(BOOL_OR(p.can_delete_tasks), FALSE),
			COALESCE(BOOL_OR(p.can_manage_tags), FALSE),
			COALESCE(BOOL_OR(p.can_manage_members), FALSE),
			COALESCE(BOOL_OR(p.can_edit_project), FALSE)
		FROM group_members gm
		JOIN project_groups g ON g.id = gm.group_id
		LEFT JOIN permissions p ON p.group_id = g.id
		WHERE g.project_id=$1 AND gm.user_id=$2
	`, projectID, userID).Scan(
		&member,
		&flags.CreateTasks,
		&flags.EditTasks,
		&flags.DeleteTasks,
		&flags.ManageTags,
		&flags.ManageMembers,
		&flags.EditProject,
	)
	if err != nil {
		return false, rbac.Flags{}, fmt.Errorf("membership flags: %w", err)
	}
	return member, flags, nil
}

func (s *PostgresStore) projectOf(ctx context.Context, table string, id int64) (int64, error) {
	var projectID int64
	query := fmt.Sprintf(`SELECT project_id FROM %s WHERE id=$1`, table)
	if err := s.db.QueryRowContext(ctx, query, id).Scan(&projectID); err != nil {
		return 0, err
	}
	return projectID, nil
}

func (s *PostgresStore) TaskProject(ctx context.Context, taskID int64) (int64, error) {
	return s.projectOf(ctx, "tasks", taskID)
}

func (s *PostgresStore) TagProject(ctx context.Context, tagID int64) (int64, error) {
	return s.projectOf(ctx, "tags", tagID)
}

func (s *PostgresStore) GroupProject(ctx context.Context, groupID int64) (int64, error) {
	return s.projectOf(ctx, "project_groups", groupID)
}
