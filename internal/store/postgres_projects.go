package store

import (
	"context"
	"database/sql"
	"fmt"

	"taskboard/api/internal/rbac"
)

const selectProject = `
	SELECT p.id, p.name, p.description, p.owner_id, u.name, p.is_pinned, p.pinned_at, p.created_at, p.updated_at
	FROM projects p
	JOIN users u ON u.id = p.owner_id
`

func scanProject(row interface{ Scan(...any) error }) (Project, error) {
	var p Project
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.OwnerID, &p.OwnerName, &p.IsPinned, &p.PinnedAt, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

// ListProjectsForUser returns projects the user owns or belongs to through any group.
func (s *PostgresStore) ListProjectsForUser(ctx context.Context, userID int64) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, selectProject+`
		WHERE p.owner_id=$1 OR EXISTS (
			SELECT 1 FROM group_members gm
			JOIN project_groups g ON g.id = gm.group_id
			WHERE g.project_id = p.id AND gm.user_id = $1
		)
		ORDER BY p.is_pinned DESC, p.pinned_at DESC NULLS LAST, p.created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	projects := make([]Project, 0)
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

func (s *PostgresStore) GetProject(ctx context.Context, projectID int64) (Project, error) {
	return scanProject(s.db.QueryRowContext(ctx, selectProject+` WHERE p.id=$1`, projectID))
}

// CreateProjectWithDefaults inserts the project, its default group with the owner as admin,
// an all-true permission row and the four default tags in one transaction.
func (s *PostgresStore) CreateProjectWithDefaults(ctx context.Context, in NewProject) (Project, error) {
	var projectID int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, `
			INSERT INTO projects (name, description, owner_id)
			VALUES ($1, $2, $3)
			RETURNING id
		`, in.Name, in.Description, in.OwnerID).Scan(&projectID); err != nil {
			return classify("insert project", err)
		}

		var groupID int64
		if err := tx.QueryRowContext(ctx, `
			INSERT INTO project_groups (project_id, name, description)
			VALUES ($1, $2, $3)
			RETURNING id
		`, projectID, DefaultGroupName, DefaultGroupDescription).Scan(&groupID); err != nil {
			return classify("insert default group", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO group_members (group_id, user_id, role) VALUES ($1, $2, $3)
		`, groupID, in.OwnerID, string(rbac.RoleAdmin)); err != nil {
			return classify("insert owner membership", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO permissions (group_id, can_create_tasks, can_edit_tasks, can_delete_tasks,
				can_manage_tags, can_manage_members, can_edit_project)
			VALUES ($1, TRUE, TRUE, TRUE, TRUE, TRUE, TRUE)
		`, groupID); err != nil {
			return classify("insert default permissions", err)
		}

		for order, tag := range DefaultTags {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO tags (project_id, name, color, is_default, display_order)
				VALUES ($1, $2, $3, TRUE, $4)
			`, projectID, tag.Name, tag.Color, order); err != nil {
				return classify("insert default tag", err)
			}
		}
		return nil
	})
	if err != nil {
		return Project{}, err
	}
	return s.GetProject(ctx, projectID)
}

func (s *PostgresStore) UpdateProject(ctx context.Context, projectID int64, in ProjectUpdate) (Project, error) {
	var set setList
	if in.Name.Set {
		set.add("name", in.Name.Value)
	}
	if in.Description.Set {
		set.add("description", in.Description.Value)
	}
	if in.IsPinned.Set {
		set.add("is_pinned", in.IsPinned.Value)
		set.addExpr("pinned_at=CASE WHEN $%d::boolean THEN NOW() ELSE NULL END", in.IsPinned.Value)
	}
	if len(set.cols) == 0 {
		return s.GetProject(ctx, projectID)
	}
	query := `UPDATE projects SET ` + set.sql() + `, updated_at=NOW() WHERE id=` + set.where(projectID)
	if err := execAffected(ctx, s.db, "update project", query, set.args...); err != nil {
		return Project{}, err
	}
	return s.GetProject(ctx, projectID)
}

func (s *PostgresStore) DeleteProject(ctx context.Context, projectID int64) error {
	return execAffected(ctx, s.db, "delete project", `DELETE FROM projects WHERE id=$1`, projectID)
}
