package rbac

// Role labels a group membership. It is descriptive only and never gates an Action.
type Role string
type Action string

const (
	RoleOwner   Role = "owner"
	RoleAdmin   Role = "admin"
	RoleManager Role = "manager"
	RoleMember  Role = "member"
	RoleViewer  Role = "viewer"
)

const (
	ActionView          Action = "view"
	ActionCreateTask    Action = "create_task"
	ActionEditTask      Action = "edit_task"
	ActionDeleteTask    Action = "delete_task"
	ActionManageTags    Action = "manage_tags"
	ActionManageMembers Action = "manage_members"
	ActionEditProject   Action = "edit_project"
	// ActionDeleteProject has no flag; only the project owner passes.
	ActionDeleteProject Action = "delete_project"
)

// Flags are the six capabilities stored on one group's permission row.
type Flags struct {
	CreateTasks   bool `json:"can_create_tasks"`
	EditTasks     bool `json:"can_edit_tasks"`
	DeleteTasks   bool `json:"can_delete_tasks"`
	ManageTags    bool `json:"can_manage_tags"`
	ManageMembers bool `json:"can_manage_members"`
	EditProject   bool `json:"can_edit_project"`
}

func AllFlags() Flags {
	return Flags{
		CreateTasks:   true,
		EditTasks:     true,
		DeleteTasks:   true,
		ManageTags:    true,
		ManageMembers: true,
		EditProject:   true,
	}
}

// Allows reports whether the flag set grants action. ActionView is granted to any member.
func (f Flags) Allows(action Action) bool {
	switch action {
	case ActionView:
		return true
	case ActionCreateTask:
		return f.CreateTasks
	case ActionEditTask:
		return f.EditTasks
	case ActionDeleteTask:
		return f.DeleteTasks
	case ActionManageTags:
		return f.ManageTags
	case ActionManageMembers:
		return f.ManageMembers
	case ActionEditProject:
		return f.EditProject
	default:
		return false
	}
}

func (f Flags) Or(other Flags) Flags {
	return Flags{
		CreateTasks:   f.CreateTasks || other.CreateTasks,
		EditTasks:     f.EditTasks || other.EditTasks,
		DeleteTasks:   f.DeleteTasks || other.DeleteTasks,
		ManageTags:    f.ManageTags || other.ManageTags,
		ManageMembers: f.ManageMembers || other.ManageMembers,
		EditProject:   f.EditProject || other.EditProject,
	}
}

func (f Flags) AllGranted() bool {
	return f == AllFlags()
}

// Patch is a partial update of Flags. A nil field is left unchanged.
type Patch struct {
	CreateTasks   *bool `json:"can_create_tasks,omitempty"`
	EditTasks     *bool `json:"can_edit_tasks,omitempty"`
	DeleteTasks   *bool `json:"can_delete_tasks,omitempty"`
	ManageTags    *bool `json:"can_manage_tags,omitempty"`
	ManageMembers *bool `json:"can_manage_members,omitempty"`
	EditProject   *bool `json:"can_edit_project,omitempty"`
}

func (p Patch) Empty() bool {
	return p.CreateTasks == nil &&
		p.EditTasks == nil &&
		p.DeleteTasks == nil &&
		p.ManageTags == nil &&
		p.ManageMembers == nil &&
		p.EditProject == nil
}

func (p Patch) Apply(f Flags) Flags {
	set := func(dst *bool, src *bool) {
		if src != nil {
			*dst = *src
		}
	}
	set(&f.CreateTasks, p.CreateTasks)
	set(&f.EditTasks, p.EditTasks)
	set(&f.DeleteTasks, p.DeleteTasks)
	set(&f.ManageTags, p.ManageTags)
	set(&f.ManageMembers, p.ManageMembers)
	set(&f.EditProject, p.EditProject)
	return f
}

// NormalizeRole validates a role supplied when adding a member. Empty means member.
// Owner is reserved and cannot be assigned through the API.
func NormalizeRole(role string) (Role, bool) {
	switch Role(role) {
	case "":
		return RoleMember, true
	case RoleAdmin, RoleManager, RoleMember, RoleViewer:
		return Role(role), true
	default:
		return "", false
	}
}
