package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Tags

const selectTag = `SELECT id, project_id, name, color, is_default, display_order, created_at FROM tags`

func scanTag(row interface{ Scan(...any) error }) (Tag, error) {
	var t Tag
	err := row.Scan(&t.ID, &t.ProjectID, &t.Name, &t.Color, &t.IsDefault, &t.DisplayOrder, &t.CreatedAt)
	return t, err
}

func (s *PostgresStore) ListTags(ctx context.Context, projectID int64) ([]Tag, error) {
	rows, err := s.db.QueryContext(ctx, selectTag+` WHERE project_id=$1 ORDER BY display_order, id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	defer rows.Close()

	tags := make([]Tag, 0)
	for rows.Next() {
		t, err := scanTag(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

func (s *PostgresStore) GetTag(ctx context.Context, tagID int64) (Tag, error) {
	return scanTag(s.db.QueryRowContext(ctx, selectTag+` WHERE id=$1`, tagID))
}

// CreateTag appends the tag after the project's current last display order.
func (s *PostgresStore) CreateTag(ctx context.Context, in NewTag) (Tag, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO tags (project_id, name, color, display_order)
		SELECT $1, $2, $3, COALESCE(MAX(display_order), -1) + 1 FROM tags WHERE project_id=$1
		RETURNING id, project_id, name, color, is_default, display_order, created_at
	`, in.ProjectID, in.Name, in.Color)
	tag, err := scanTag(row)
	if err != nil {
		return Tag{}, classify("insert tag", err)
	}
	return tag, nil
}

func (s *PostgresStore) UpdateTag(ctx context.Context, tagID int64, in TagUpdate) (Tag, error) {
	var set setList
	if in.Name.Set {
		set.add("name", in.Name.Value)
	}
	if in.Color.Set {
		set.add("color", in.Color.Value)
	}
	if len(set.cols) == 0 {
		return s.GetTag(ctx, tagID)
	}
	query := `UPDATE tags SET ` + set.sql() + ` WHERE id=` + set.where(tagID)
	if err := execAffected(ctx, s.db, "update tag", query, set.args...); err != nil {
		return Tag{}, err
	}
	return s.GetTag(ctx, tagID)
}

func (s *PostgresStore) DeleteTag(ctx context.Context, tagID int64) error {
	return execAffected(ctx, s.db, "delete tag", `DELETE FROM tags WHERE id=$1 AND is_default=FALSE`, tagID)
}

func (s *PostgresStore) TagInProject(ctx context.Context, tagID, projectID int64) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM tags WHERE id=$1 AND project_id=$2)`, tagID, projectID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check tag project: %w", err)
	}
	return ok, nil
}

// Tasks

const selectTask = `
	SELECT t.id, t.project_id, t.title, t.description, t.owner_id, o.name, o.email,
		t.assignee_id, a.name, a.email, t.tag_id, tg.name, tg.color,
		t.priority, t.due_date, t.created_at, t.updated_at
	FROM tasks t
	JOIN users o ON o.id = t.owner_id
	LEFT JOIN users a ON a.id = t.assignee_id
	LEFT JOIN tags tg ON tg.id = t.tag_id
`

func scanTask(row interface{ Scan(...any) error }) (Task, error) {
	var t Task
	err := row.Scan(
		&t.ID, &t.ProjectID, &t.Title, &t.Description, &t.OwnerID, &t.OwnerName, &t.OwnerEmail,
		&t.AssigneeID, &t.AssigneeName, &t.AssigneeEmail, &t.TagID, &t.TagName, &t.TagColor,
		&t.Priority, &t.DueDate, &t.CreatedAt, &t.UpdatedAt,
	)
	return t, err
}

func (s *PostgresStore) ListTasks(ctx context.Context, projectID int64) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, selectTask+` WHERE t.project_id=$1 ORDER BY t.created_at DESC, t.id DESC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	tasks := make([]Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *PostgresStore) GetTask(ctx context.Context, taskID int64) (Task, error) {
	return scanTask(s.db.QueryRowContext(ctx, selectTask+` WHERE t.id=$1`, taskID))
}

func recordAssignment(ctx context.Context, tx *sql.Tx, taskID, assigneeID, actorID int64) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO task_assignments (task_id, assignee_id, assigned_by) VALUES ($1, $2, $3)
	`, taskID, assigneeID, actorID); err != nil {
		return classify("insert task assignment", err)
	}
	return nil
}

// CreateTask inserts the task and, when it has an assignee, its first assignment row.
func (s *PostgresStore) CreateTask(ctx context.Context, in NewTask) (Task, error) {
	var taskID int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, `
			INSERT INTO tasks (project_id, title, description, owner_id, assignee_id, tag_id, priority, due_date)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id
		`, in.ProjectID, in.Title, in.Description, in.OwnerID, in.AssigneeID, in.TagID, in.Priority, in.DueDate).Scan(&taskID); err != nil {
			return classify("insert task", err)
		}
		if in.AssigneeID != nil {
			return recordAssignment(ctx, tx, taskID, *in.AssigneeID, in.OwnerID)
		}
		return nil
	})
	if err != nil {
		return Task{}, err
	}
	return s.GetTask(ctx, taskID)
}

// UpdateTask applies a partial update. Setting a non-null assignee appends an assignment row.
func (s *PostgresStore) UpdateTask(ctx context.Context, taskID, actorID int64, in TaskUpdate) (Task, error) {
	var set setList
	if in.Title.Set {
		set.add("title", in.Title.Value)
	}
	if in.Description.Set {
		set.add("description", in.Description.Value)
	}
	if in.AssigneeID.Set {
		set.add("assignee_id", in.AssigneeID.Value)
	}
	if in.TagID.Set {
		set.add("tag_id", in.TagID.Value)
	}
	if in.Priority.Set {
		set.add("priority", in.Priority.Value)
	}
	if in.DueDate.Set {
		set.add("due_date", in.DueDate.Value)
	}
	if len(set.cols) == 0 {
		return s.GetTask(ctx, taskID)
	}
	query := `UPDATE tasks SET ` + set.sql() + `, updated_at=NOW() WHERE id=` + set.where(taskID)

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := execAffected(ctx, tx, "update task", query, set.args...); err != nil {
			return err
		}
		if in.AssigneeID.Value.Valid {
			return recordAssignment(ctx, tx, taskID, in.AssigneeID.Value.V, actorID)
		}
		return nil
	})
	if err != nil {
		return Task{}, err
	}
	return s.GetTask(ctx, taskID)
}

func (s *PostgresStore) DeleteTask(ctx context.Context, taskID int64) error {
	return execAffected(ctx, s.db, "delete task", `DELETE FROM tasks WHERE id=$1`, taskID)
}
