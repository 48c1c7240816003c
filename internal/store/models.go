package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"taskboard/api/internal/rbac"
)

type User struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Avatar       string    `json:"avatar"`
	UIMode       string    `json:"uiMode"`
	CreatedAt    time.Time `json:"created_at"`
}

type Project struct {
	ID          int64      `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	OwnerID     int64      `json:"owner_id"`
	OwnerName   string     `json:"owner_name,omitempty"`
	IsPinned    bool       `json:"is_pinned"`
	PinnedAt    *time.Time `json:"pinned_at"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

type Group struct {
	ID          int64      `json:"id"`
	ProjectID   int64      `json:"project_id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	MemberCount int        `json:"member_count"`
	Permissions rbac.Flags `json:"permissions"`
	CreatedAt   time.Time  `json:"created_at"`
}

type Member struct {
	ID       int64     `json:"id"`
	GroupID  int64     `json:"group_id"`
	UserID   int64     `json:"user_id"`
	Name     string    `json:"name"`
	Email    string    `json:"email"`
	Avatar   string    `json:"avatar"`
	Role     rbac.Role `json:"role"`
	JoinedAt time.Time `json:"joined_at"`
}

// Membership is one of a user's group memberships, with its project and flags.
type Membership struct {
	MembershipID     int64      `json:"membership_id"`
	GroupID          int64      `json:"group_id"`
	GroupName        string     `json:"group_name"`
	GroupDescription string     `json:"group_description"`
	ProjectID        int64      `json:"project_id"`
	ProjectName      string     `json:"project_name"`
	Role             rbac.Role  `json:"role"`
	Permissions      rbac.Flags `json:"permissions"`
	JoinedAt         time.Time  `json:"joined_at"`
}

type Tag struct {
	ID           int64     `json:"id"`
	ProjectID    int64     `json:"project_id"`
	Name         string    `json:"name"`
	Color        string    `json:"color"`
	IsDefault    bool      `json:"is_default"`
	DisplayOrder int       `json:"display_order"`
	CreatedAt    time.Time `json:"created_at"`
}

type Task struct {
	ID            int64      `json:"id"`
	ProjectID     int64      `json:"project_id"`
	Title         string     `json:"title"`
	Description   string     `json:"description"`
	OwnerID       int64      `json:"owner_id"`
	OwnerName     string     `json:"owner_name"`
	OwnerEmail    string     `json:"owner_email"`
	AssigneeID    *int64     `json:"assignee_id"`
	AssigneeName  *string    `json:"assignee_name"`
	AssigneeEmail *string    `json:"assignee_email"`
	TagID         *int64     `json:"tag_id"`
	TagName       *string    `json:"tag_name"`
	TagColor      *string    `json:"tag_color"`
	Priority      string     `json:"priority"`
	DueDate       *time.Time `json:"due_date"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Field is a JSON value that distinguishes absent, null and set.
type Field[T any] struct {
	Set   bool
	Value sql.Null[T]
}

func Value[T any](v T) Field[T] {
	return Field[T]{Set: true, Value: sql.Null[T]{V: v, Valid: true}}
}

func Null[T any]() Field[T] {
	return Field[T]{Set: true}
}

func (f *Field[T]) UnmarshalJSON(data []byte) error {
	f.Set = true
	if string(data) == "null" {
		f.Value = sql.Null[T]{}
		return nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	f.Value = sql.Null[T]{V: v, Valid: true}
	return nil
}

// IsNull reports a field that was sent as an explicit null.
func (f Field[T]) IsNull() bool {
	return f.Set && !f.Value.Valid
}

type NewProject struct {
	Name        string
	Description string
	OwnerID     int64
}

type ProjectUpdate struct {
	Name        Field[string]
	Description Field[string]
	IsPinned    Field[bool]
}

func (u ProjectUpdate) Empty() bool {
	return !u.Name.Set && !u.Description.Set && !u.IsPinned.Set
}

type NewGroup struct {
	ProjectID   int64
	Name        string
	Description string
}

type GroupUpdate struct {
	Name        Field[string]
	Description Field[string]
}

func (u GroupUpdate) Empty() bool {
	return !u.Name.Set && !u.Description.Set
}

type NewTag struct {
	ProjectID int64
	Name      string
	Color     string
}

type TagUpdate struct {
	Name  Field[string]
	Color Field[string]
}

func (u TagUpdate) Empty() bool {
	return !u.Name.Set && !u.Color.Set
}

type NewTask struct {
	ProjectID   int64
	Title       string
	Description string
	OwnerID     int64
	AssigneeID  *int64
	TagID       *int64
	Priority    string
	DueDate     *time.Time
}

type TaskUpdate struct {
	Title       Field[string]
	Description Field[string]
	AssigneeID  Field[int64]
	TagID       Field[int64]
	Priority    Field[string]
	DueDate     Field[time.Time]
}

func (u TaskUpdate) Empty() bool {
	return !u.Title.Set &&
		!u.Description.Set &&
		!u.AssigneeID.Set &&
		!u.TagID.Set &&
		!u.Priority.Set &&
		!u.DueDate.Set
}

// DefaultTags are seeded into every new project in display order.
var DefaultTags = []struct {
	Name  string
	Color string
}{
	{Name: "Backlog", Color: "#6B7280"},
	{Name: "Defined", Color: "#3B82F6"},
	{Name: "In-Progress", Color: "#F59E0B"},
	{Name: "Completed", Color: "#10B981"},
}

const (
	DefaultGroupName        = "Default Group"
	DefaultGroupDescription = "Default group for all project members"
)
