package store

import (
	"context"
	"database/sql"
	"fmt"

	"taskboard/api/internal/rbac"
)

const selectGroup = `
	SELECT g.id, g.project_id, g.name, g.description, g.created_at,
		(SELECT COUNT(*) FROM group_members gm WHERE gm.group_id = g.id),
		COALESCE(p.can_create_tasks, FALSE),
		COALESCE(p.can_edit_tasks, FALSE),
		COALESCE(p.can_delete_tasks, FALSE),
		COALESCE(p.can_manage_tags, FALSE),
		COALESCE(p.can_manage_members, FALSE),
		COALESCE(p.can_edit_project, FALSE)
	FROM project_groups g
	LEFT JOIN permissions p ON p.group_id = g.id
`

func scanGroup(row interface{ Scan(...any) error }) (Group, error) {
	var g Group
	err := row.Scan(
		&g.ID, &g.ProjectID, &g.Name, &g.Description, &g.CreatedAt, &g.MemberCount,
		&g.Permissions.CreateTasks,
		&g.Permissions.EditTasks,
		&g.Permissions.DeleteTasks,
		&g.Permissions.ManageTags,
		&g.Permissions.ManageMembers,
		&g.Permissions.EditProject,
	)
	return g, err
}

func (s *PostgresStore) ListGroups(ctx context.Context, projectID int64) ([]Group, error) {
	rows, err := s.db.QueryContext(ctx, selectGroup+` WHERE g.project_id=$1 ORDER BY g.created_at, g.id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	groups := make([]Group, 0)
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

func (s *PostgresStore) GetGroup(ctx context.Context, groupID int64) (Group, error) {
	return scanGroup(s.db.QueryRowContext(ctx, selectGroup+` WHERE g.id=$1`, groupID))
}

// CreateGroup inserts the group and its all-false permission row together.
func (s *PostgresStore) CreateGroup(ctx context.Context, in NewGroup) (Group, error) {
	var groupID int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, `
			INSERT INTO project_groups (project_id, name, description)
			VALUES ($1, $2, $3)
			RETURNING id
		`, in.ProjectID, in.Name, in.Description).Scan(&groupID); err != nil {
			return classify("insert group", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO permissions (group_id) VALUES ($1)`, groupID); err != nil {
			return classify("insert group permissions", err)
		}
		return nil
	})
	if err != nil {
		return Group{}, err
	}
	return s.GetGroup(ctx, groupID)
}

func (s *PostgresStore) UpdateGroup(ctx context.Context, groupID int64, in GroupUpdate) (Group, error) {
	var set setList
	if in.Name.Set {
		set.add("name", in.Name.Value)
	}
	if in.Description.Set {
		set.add("description", in.Description.Value)
	}
	if len(set.cols) == 0 {
		return s.GetGroup(ctx, groupID)
	}
	query := `UPDATE project_groups SET ` + set.sql() + `, updated_at=NOW() WHERE id=` + set.where(groupID)
	if err := execAffected(ctx, s.db, "update group", query, set.args...); err != nil {
		return Group{}, err
	}
	return s.GetGroup(ctx, groupID)
}

func (s *PostgresStore) DeleteGroup(ctx context.Context, groupID int64) error {
	return execAffected(ctx, s.db, "delete group", `DELETE FROM project_groups WHERE id=$1`, groupID)
}

func (s *PostgresStore) GetPermissions(ctx context.Context, groupID int64) (rbac.Flags, error) {
	var f rbac.Flags
	err := s.db.QueryRowContext(ctx, `
		SELECT can_create_tasks, can_edit_tasks, can_delete_tasks, can_manage_tags, can_manage_members, can_edit_project
		FROM permissions WHERE group_id=$1
	`, groupID).Scan(&f.CreateTasks, &f.EditTasks, &f.DeleteTasks, &f.ManageTags, &f.ManageMembers, &f.EditProject)
	return f, err
}

// UpdatePermissions applies a typed patch; absent fields keep their stored value.
func (s *PostgresStore) UpdatePermissions(ctx context.Context, groupID int64, patch rbac.Patch) (rbac.Flags, error) {
	var f rbac.Flags
	err := s.db.QueryRowContext(ctx, `
		UPDATE permissions SET
			can_create_tasks = COALESCE($2, can_create_tasks),
			can_edit_tasks = COALESCE($3, can_edit_tasks),
			can_delete_tasks = COALESCE($4, can_delete_tasks),
			can_manage_tags = COALESCE($5, can_manage_tags),
			can_manage_members = COALESCE($6, can_manage_members),
			can_edit_project = COALESCE($7, can_edit_project),
			updated_at = NOW()
		WHERE group_id=$1
		RETURNING can_create_tasks, can_edit_tasks, can_delete_tasks, can_manage_tags, can_manage_members, can_edit_project
	`,
		groupID,
		patch.CreateTasks,
		patch.EditTasks,
		patch.DeleteTasks,
		patch.ManageTags,
		patch.ManageMembers,
		patch.EditProject,
	).Scan(&f.CreateTasks, &f.EditTasks, &f.DeleteTasks, &f.ManageTags, &f.ManageMembers, &f.EditProject)
	return f, err
}

const selectMember = `
	SELECT gm.id, gm.group_id, gm.user_id, u.name, u.email, u.avatar, gm.role, gm.joined_at
	FROM group_members gm
	JOIN users u ON u.id = gm.user_id
`

func scanMember(row interface{ Scan(...any) error }) (Member, error) {
	var m Member
	err := row.Scan(&m.ID, &m.GroupID, &m.UserID, &m.Name, &m.Email, &m.Avatar, &m.Role, &m.JoinedAt)
	return m, err
}

func (s *PostgresStore) ListGroupMembers(ctx context.Context, groupID int64) ([]Member, error) {
	rows, err := s.db.QueryContext(ctx, selectMember+` WHERE gm.group_id=$1 ORDER BY u.name`, groupID)
	if err != nil {
		return nil, fmt.Errorf("list group members: %w", err)
	}
	defer rows.Close()

	members := make([]Member, 0)
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, fmt.Errorf("scan group member: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (s *PostgresStore) AddGroupMember(ctx context.Context, groupID, userID int64, role rbac.Role) (Member, error) {
	var memberID int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO group_members (group_id, user_id, role)
		VALUES ($1, $2, $3)
		RETURNING id
	`, groupID, userID, string(role)).Scan(&memberID)
	if err != nil {
		return Member{}, classify("insert group member", err)
	}
	return scanMember(s.db.QueryRowContext(ctx, selectMember+` WHERE gm.id=$1`, memberID))
}

// RemoveGroupMember deletes a membership row by its own id.
func (s *PostgresStore) RemoveGroupMember(ctx context.Context, groupID, memberID int64) error {
	return execAffected(ctx, s.db, "remove group member",
		`DELETE FROM group_members WHERE id=$1 AND group_id=$2`, memberID, groupID)
}

func (s *PostgresStore) LeaveGroup(ctx context.Context, groupID, userID int64) error {
	return execAffected(ctx, s.db, "leave group",
		`DELETE FROM group_members WHERE group_id=$1 AND user_id=$2`, groupID, userID)
}

const selectMembership = `
	SELECT gm.id, g.id, g.name, g.description, g.project_id, pr.name, gm.role, gm.joined_at,
		COALESCE(p.can_create_tasks, FALSE),
		COALESCE(p.can_edit_tasks, FALSE),
		COALESCE(p.can_delete_tasks, FALSE),
		COALESCE(p.can_manage_tags, FALSE),
		COALESCE(p.can_manage_members, FALSE),
		COALESCE(p.can_edit_project, FALSE)
	FROM group_members gm
	JOIN project_groups g ON g.id = gm.group_id
	JOIN projects pr ON pr.id = g.project_id
	LEFT JOIN permissions p ON p.group_id = g.id
`

func (s *PostgresStore) queryMemberships(ctx context.Context, query string, args ...any) ([]Membership, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}
	defer rows.Close()

	out := make([]Membership, 0)
	for rows.Next() {
		var m Membership
		if err := rows.Scan(
			&m.MembershipID, &m.GroupID, &m.GroupName, &m.GroupDescription, &m.ProjectID, &m.ProjectName, &m.Role, &m.JoinedAt,
			&m.Permissions.CreateTasks,
			&m.Permissions.EditTasks,
			&m.Permissions.DeleteTasks,
			&m.Permissions.ManageTags,
			&m.Permissions.ManageMembers,
			&m.Permissions.EditProject,
		); err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UserGroupsInProject(ctx context.Context, projectID, userID int64) ([]Membership, error) {
	return s.queryMemberships(ctx, selectMembership+`
		WHERE g.project_id=$1 AND gm.user_id=$2
		ORDER BY g.name
	`, projectID, userID)
}

func (s *PostgresStore) UserGroups(ctx context.Context, userID int64) ([]Membership, error) {
	return s.queryMemberships(ctx, selectMembership+`
		WHERE gm.user_id=$1
		ORDER BY pr.name, g.name
	`, userID)
}
