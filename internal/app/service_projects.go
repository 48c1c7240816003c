package app

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"taskboard/api/internal/authpw"
	"taskboard/api/internal/email"
	"taskboard/api/internal/rbac"
	"taskboard/api/internal/search"
	"taskboard/api/internal/store"
)

// Every mutating operation here validates its input, then asks the resolver,
// and only then touches the store.

func (s *Service) authorizeProject(ctx context.Context, sess Session, projectID int64, action rbac.Action) error {
	d, err := s.resolver.Authorize(ctx, sess.UserID, projectID, action)
	if err != nil {
		return err
	}
	return decisionError(d, "Project", action)
}

func (s *Service) authorizeGroup(ctx context.Context, sess Session, groupID int64, action rbac.Action) (int64, error) {
	projectID, d, err := s.resolver.AuthorizeGroup(ctx, sess.UserID, groupID, action)
	if err != nil {
		return 0, err
	}
	return projectID, decisionError(d, "Group", action)
}

func (s *Service) authorizeTag(ctx context.Context, sess Session, tagID int64, action rbac.Action) (int64, error) {
	projectID, d, err := s.resolver.AuthorizeTag(ctx, sess.UserID, tagID, action)
	if err != nil {
		return 0, err
	}
	return projectID, decisionError(d, "Tag", action)
}

func (s *Service) authorizeTask(ctx context.Context, sess Session, taskID int64, action rbac.Action) (int64, error) {
	projectID, d, err := s.resolver.AuthorizeTask(ctx, sess.UserID, taskID, action)
	if err != nil {
		return 0, err
	}
	return projectID, decisionError(d, "Task", action)
}

func lengthBetween(value string, min, max int) bool {
	n := utf8.RuneCountInString(value)
	return n >= min && (max <= 0 || n <= max)
}

// trimField trims a set string field in place and reports its new value.
func trimField(f *store.Field[string]) string {
	if f.Set && f.Value.Valid {
		f.Value.V = strings.TrimSpace(f.Value.V)
	}
	return f.Value.V
}

// Projects

type ProjectInput struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type ProjectPatch struct {
	Name        store.Field[string] `json:"name"`
	Description store.Field[string] `json:"description"`
	IsPinned    store.Field[bool]   `json:"isPinned"`
}

func (s *Service) ListProjects(ctx context.Context, sess Session) ([]store.Project, error) {
	return s.store.ListProjectsForUser(ctx, sess.UserID)
}

func (s *Service) CreateProject(ctx context.Context, sess Session, in ProjectInput) (store.Project, error) {
	name := strings.TrimSpace(in.Name)
	description := strings.TrimSpace(in.Description)
	if !lengthBetween(name, 2, 0) {
		return store.Project{}, invalidField("name", "Project name must be at least 2 characters")
	}
	if !lengthBetween(description, 0, 255) {
		return store.Project{}, invalidField("description", "Description must be at most 255 characters")
	}
	return s.store.CreateProjectWithDefaults(ctx, store.NewProject{
		Name:        name,
		Description: description,
		OwnerID:     sess.UserID,
	})
}

func (s *Service) GetProject(ctx context.Context, sess Session, projectID int64) (store.Project, error) {
	if err := s.authorizeProject(ctx, sess, projectID, rbac.ActionView); err != nil {
		return store.Project{}, err
	}
	return notFoundAs(s.store.GetProject(ctx, projectID))("Project not found")
}

func (s *Service) UpdateProject(ctx context.Context, sess Session, projectID int64, in ProjectPatch) (store.Project, error) {
	update := store.ProjectUpdate{Name: in.Name, Description: in.Description, IsPinned: in.IsPinned}
	if update.Empty() {
		return store.Project{}, validationError("No valid fields to update", nil)
	}
	if update.Name.Set {
		if update.Name.IsNull() || !lengthBetween(trimField(&update.Name), 3, 120) {
			return store.Project{}, invalidField("name", "Project name must be between 3 and 120 characters")
		}
	}
	if update.Description.Set {
		if update.Description.IsNull() {
			update.Description = store.Value("")
		}
		if !lengthBetween(trimField(&update.Description), 0, 255) {
			return store.Project{}, invalidField("description", "Description must be at most 255 characters")
		}
	}
	if update.IsPinned.IsNull() {
		update.IsPinned = store.Value(false)
	}

	if err := s.authorizeProject(ctx, sess, projectID, rbac.ActionEditProject); err != nil {
		return store.Project{}, err
	}
	return notFoundAs(s.store.UpdateProject(ctx, projectID, update))("Project not found")
}

func (s *Service) DeleteProject(ctx context.Context, sess Session, projectID int64) error {
	if err := s.authorizeProject(ctx, sess, projectID, rbac.ActionDeleteProject); err != nil {
		return err
	}
	if err := s.store.DeleteProject(ctx, projectID); err != nil {
		return notFoundErr(err, "Project not found")
	}
	return nil
}

// MyPermissions is the caller's effective flag set on a project, OR-ed across groups.
type MyPermissions struct {
	CanCreateTasks   bool `json:"canCreateTasks"`
	CanEditTasks     bool `json:"canEditTasks"`
	CanDeleteTasks   bool `json:"canDeleteTasks"`
	CanManageTags    bool `json:"canManageTags"`
	CanManageMembers bool `json:"canManageMembers"`
	CanEditProject   bool `json:"canEditProject"`
}

func (s *Service) MyPermissions(ctx context.Context, sess Session, projectID int64) (MyPermissions, error) {
	if err := s.authorizeProject(ctx, sess, projectID, rbac.ActionView); err != nil {
		return MyPermissions{}, err
	}
	groups, err := s.store.UserGroupsInProject(ctx, projectID, sess.UserID)
	if err != nil {
		return MyPermissions{}, err
	}
	if len(groups) == 0 {
		return MyPermissions{}, notFound("User not in any group for this project")
	}
	var flags rbac.Flags
	for _, g := range groups {
		flags = flags.Or(g.Permissions)
	}
	return MyPermissions{
		CanCreateTasks:   flags.CreateTasks,
		CanEditTasks:     flags.EditTasks,
		CanDeleteTasks:   flags.DeleteTasks,
		CanManageTags:    flags.ManageTags,
		CanManageMembers: flags.ManageMembers,
		CanEditProject:   flags.EditProject,
	}, nil
}

func (s *Service) MyGroups(ctx context.Context, sess Session, projectID int64) ([]store.Membership, error) {
	if err := s.authorizeProject(ctx, sess, projectID, rbac.ActionView); err != nil {
		return nil, err
	}
	groups, err := s.store.UserGroupsInProject(ctx, projectID, sess.UserID)
	if err != nil {
		return nil, err
	}
	if len(groups) == 0 {
		return nil, notFound("User not in any group for this project")
	}
	return groups, nil
}

// Groups

type GroupInput struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type GroupPatch struct {
	Name        store.Field[string] `json:"name"`
	Description store.Field[string] `json:"description"`
}

func (s *Service) ListGroups(ctx context.Context, sess Session, projectID int64) ([]store.Group, error) {
	if err := s.authorizeProject(ctx, sess, projectID, rbac.ActionView); err != nil {
		return nil, err
	}
	return s.store.ListGroups(ctx, projectID)
}

func (s *Service) CreateGroup(ctx context.Context, sess Session, projectID int64, in GroupInput) (store.Group, error) {
	name := strings.TrimSpace(in.Name)
	if !lengthBetween(name, 2, 0) {
		return store.Group{}, invalidField("name", "Group name must be at least 2 characters")
	}
	if err := s.authorizeProject(ctx, sess, projectID, rbac.ActionEditProject); err != nil {
		return store.Group{}, err
	}
	group, err := s.store.CreateGroup(ctx, store.NewGroup{
		ProjectID:   projectID,
		Name:        name,
		Description: strings.TrimSpace(in.Description),
	})
	if errors.Is(err, store.ErrDuplicate) {
		return store.Group{}, conflict("A group with this name already exists in the project")
	}
	return group, err
}

func (s *Service) GetGroup(ctx context.Context, sess Session, groupID int64) (store.Group, error) {
	if _, err := s.authorizeGroup(ctx, sess, groupID, rbac.ActionView); err != nil {
		return store.Group{}, err
	}
	return notFoundAs(s.store.GetGroup(ctx, groupID))("Group not found")
}

func (s *Service) UpdateGroup(ctx context.Context, sess Session, groupID int64, in GroupPatch) (store.Group, error) {
	update := store.GroupUpdate{Name: in.Name, Description: in.Description}
	if update.Empty() {
		return store.Group{}, validationError("No valid fields to update", nil)
	}
	if update.Name.Set {
		if update.Name.IsNull() || !lengthBetween(trimField(&update.Name), 2, 0) {
			return store.Group{}, invalidField("name", "Group name must be at least 2 characters")
		}
	}
	if update.Description.IsNull() {
		update.Description = store.Value("")
	}
	trimField(&update.Description)

	if _, err := s.authorizeGroup(ctx, sess, groupID, rbac.ActionEditProject); err != nil {
		return store.Group{}, err
	}
	group, err := s.store.UpdateGroup(ctx, groupID, update)
	if errors.Is(err, store.ErrDuplicate) {
		return store.Group{}, conflict("A group with this name already exists in the project")
	}
	return notFoundAs(group, err)("Group not found")
}

func (s *Service) DeleteGroup(ctx context.Context, sess Session, groupID int64) error {
	if _, err := s.authorizeGroup(ctx, sess, groupID, rbac.ActionEditProject); err != nil {
		return err
	}
	return notFoundErr(s.store.DeleteGroup(ctx, groupID), "Group not found")
}

func (s *Service) GetPermissions(ctx context.Context, sess Session, groupID int64) (rbac.Flags, error) {
	if _, err := s.authorizeGroup(ctx, sess, groupID, rbac.ActionView); err != nil {
		return rbac.Flags{}, err
	}
	return notFoundAs(s.store.GetPermissions(ctx, groupID))("Permissions not found")
}

// UpdatePermissions is gated by the same flag it can grant.
func (s *Service) UpdatePermissions(ctx context.Context, sess Session, groupID int64, patch rbac.Patch) (rbac.Flags, error) {
	if patch.Empty() {
		return rbac.Flags{}, validationError("No valid permissions to update", nil)
	}
	if _, err := s.authorizeGroup(ctx, sess, groupID, rbac.ActionEditProject); err != nil {
		return rbac.Flags{}, err
	}
	return notFoundAs(s.store.UpdatePermissions(ctx, groupID, patch))("Permissions not found")
}

// Members

type MemberInput struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

func (s *Service) ListMembers(ctx context.Context, sess Session, groupID int64) ([]store.Member, error) {
	if _, err := s.authorizeGroup(ctx, sess, groupID, rbac.ActionView); err != nil {
		return nil, err
	}
	return s.store.ListGroupMembers(ctx, groupID)
}

func (s *Service) AddMember(ctx context.Context, sess Session, groupID int64, in MemberInput) (store.Member, error) {
	addr := authpw.NormalizeEmail(in.Email)
	if err := authpw.ValidateEmail(addr); err != nil {
		return store.Member{}, accountError(err)
	}
	role, ok := rbac.NormalizeRole(strings.TrimSpace(in.Role))
	if !ok {
		return store.Member{}, invalidField("role", "Role must be one of admin, manager, member, viewer")
	}

	projectID, err := s.authorizeGroup(ctx, sess, groupID, rbac.ActionManageMembers)
	if err != nil {
		return store.Member{}, err
	}
	user, err := s.store.GetUserByEmail(ctx, addr)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Member{}, notFound("User not found")
	}
	if err != nil {
		return store.Member{}, err
	}
	member, err := s.store.AddGroupMember(ctx, groupID, user.ID, role)
	if errors.Is(err, store.ErrDuplicate) {
		return store.Member{}, conflict("User is already a member of this group")
	}
	if err != nil {
		return store.Member{}, err
	}

	s.notifyMemberAdded(sess, projectID, groupID, user, role)
	return member, nil
}

// notifyMemberAdded mails the new member in the background. Failures are only logged.
func (s *Service) notifyMemberAdded(sess Session, projectID, groupID int64, user store.User, role rbac.Role) {
	if s.mailer == nil || !s.mailer.IsConfigured() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		project, err := s.store.GetProject(ctx, projectID)
		if err != nil {
			s.logger.Warn("member email: load project", "project_id", projectID, "error", err)
			return
		}
		group, err := s.store.GetGroup(ctx, groupID)
		if err != nil {
			s.logger.Warn("member email: load group", "group_id", groupID, "error", err)
			return
		}
		err = s.mailer.SendMemberAdded(user.Email, email.MemberAddedData{
			UserName:    user.Name,
			ProjectName: project.Name,
			GroupName:   group.Name,
			Role:        string(role),
			AddedBy:     sess.UserName,
		})
		if err != nil {
			s.logger.Warn("member email failed", "user_id", user.ID, "group_id", groupID, "error", err)
		}
	}()
}

func (s *Service) RemoveMember(ctx context.Context, sess Session, groupID, memberID int64) error {
	if memberID <= 0 {
		return invalidField("memberId", "memberId is required")
	}
	if _, err := s.authorizeGroup(ctx, sess, groupID, rbac.ActionManageMembers); err != nil {
		return err
	}
	return notFoundErr(s.store.RemoveGroupMember(ctx, groupID, memberID), "Member not found")
}

// LeaveGroup needs no flag: any member may drop their own membership.
func (s *Service) LeaveGroup(ctx context.Context, sess Session, groupID int64) error {
	return notFoundErr(s.store.LeaveGroup(ctx, groupID, sess.UserID), "You are not a member of this group")
}

// Tags

var colorPattern = regexp.MustCompile(`^#[0-9A-Fa-f]{6}$`)

const defaultTagColor = "#6B7280"

type TagInput struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}

type TagPatch struct {
	Name  store.Field[string] `json:"name"`
	Color store.Field[string] `json:"color"`
}

func (s *Service) ListTags(ctx context.Context, sess Session, projectID int64) ([]store.Tag, error) {
	if err := s.authorizeProject(ctx, sess, projectID, rbac.ActionView); err != nil {
		return nil, err
	}
	return s.store.ListTags(ctx, projectID)
}

func (s *Service) CreateTag(ctx context.Context, sess Session, projectID int64, in TagInput) (store.Tag, error) {
	name := strings.TrimSpace(in.Name)
	color := strings.TrimSpace(in.Color)
	if color == "" {
		color = defaultTagColor
	}
	if name == "" {
		return store.Tag{}, invalidField("name", "Tag name is required")
	}
	if !colorPattern.MatchString(color) {
		return store.Tag{}, invalidField("color", "Color must be a hex value like #1A2B3C")
	}
	if err := s.authorizeProject(ctx, sess, projectID, rbac.ActionManageTags); err != nil {
		return store.Tag{}, err
	}
	tag, err := s.store.CreateTag(ctx, store.NewTag{ProjectID: projectID, Name: name, Color: color})
	if errors.Is(err, store.ErrDuplicate) {
		return store.Tag{}, conflict("A tag with this name already exists")
	}
	return tag, err
}

func (s *Service) UpdateTag(ctx context.Context, sess Session, tagID int64, in TagPatch) (store.Tag, error) {
	update := store.TagUpdate{Name: in.Name, Color: in.Color}
	if update.Empty() {
		return store.Tag{}, validationError("No valid fields to update", nil)
	}
	if update.Name.Set && (update.Name.IsNull() || trimField(&update.Name) == "") {
		return store.Tag{}, invalidField("name", "Tag name is required")
	}
	if update.Color.Set && (update.Color.IsNull() || !colorPattern.MatchString(trimField(&update.Color))) {
		return store.Tag{}, invalidField("color", "Color must be a hex value like #1A2B3C")
	}
	if _, err := s.authorizeTag(ctx, sess, tagID, rbac.ActionManageTags); err != nil {
		return store.Tag{}, err
	}
	tag, err := s.store.UpdateTag(ctx, tagID, update)
	if errors.Is(err, store.ErrDuplicate) {
		return store.Tag{}, conflict("A tag with this name already exists")
	}
	return notFoundAs(tag, err)("Tag not found")
}

// DeleteTag refuses default tags for every caller, the owner included.
func (s *Service) DeleteTag(ctx context.Context, sess Session, tagID int64) error {
	if _, err := s.authorizeTag(ctx, sess, tagID, rbac.ActionManageTags); err != nil {
		return err
	}
	tag, err := s.store.GetTag(ctx, tagID)
	if err != nil {
		return notFoundErr(err, "Tag not found")
	}
	if tag.IsDefault {
		return validationError("Cannot delete default tags", nil)
	}
	return notFoundErr(s.store.DeleteTag(ctx, tagID), "Tag not found")
}

// Tasks

var priorities = map[string]struct{}{"low": {}, "medium": {}, "high": {}}

type TaskInput struct {
	Title       string     `json:"title"`
	Description string     `json:"description"`
	AssigneeID  *int64     `json:"assigneeId"`
	TagID       *int64     `json:"tagId"`
	Priority    string     `json:"priority"`
	DueDate     *time.Time `json:"due_date"`
}

type TaskPatch struct {
	Title       store.Field[string]    `json:"title"`
	Description store.Field[string]    `json:"description"`
	AssigneeID  store.Field[int64]     `json:"assigneeId"`
	TagID       store.Field[int64]     `json:"tagId"`
	Priority    store.Field[string]    `json:"priority"`
	DueDate     store.Field[time.Time] `json:"due_date"`
}

func (s *Service) ListTasks(ctx context.Context, sess Session, projectID int64) ([]store.Task, error) {
	if err := s.authorizeProject(ctx, sess, projectID, rbac.ActionView); err != nil {
		return nil, err
	}
	return s.store.ListTasks(ctx, projectID)
}

func (s *Service) CreateTask(ctx context.Context, sess Session, projectID int64, in TaskInput) (store.Task, error) {
	title := strings.TrimSpace(in.Title)
	priority := strings.TrimSpace(in.Priority)
	if priority == "" {
		priority = "medium"
	}
	if title == "" {
		return store.Task{}, invalidField("title", "Title is required")
	}
	if _, ok := priorities[priority]; !ok {
		return store.Task{}, invalidField("priority", "Priority must be low, medium or high")
	}

	if err := s.authorizeProject(ctx, sess, projectID, rbac.ActionCreateTask); err != nil {
		return store.Task{}, err
	}
	if in.TagID != nil {
		if err := s.requireTagInProject(ctx, *in.TagID, projectID); err != nil {
			return store.Task{}, err
		}
	}
	task, err := s.store.CreateTask(ctx, store.NewTask{
		ProjectID:   projectID,
		Title:       title,
		Description: strings.TrimSpace(in.Description),
		OwnerID:     sess.UserID,
		AssigneeID:  in.AssigneeID,
		TagID:       in.TagID,
		Priority:    priority,
		DueDate:     in.DueDate,
	})
	if errors.Is(err, store.ErrInvalidReference) {
		return store.Task{}, invalidField("assigneeId", "Assignee does not exist")
	}
	if err != nil {
		return store.Task{}, err
	}
	s.indexTask(task)
	return task, nil
}

func (s *Service) GetTask(ctx context.Context, sess Session, taskID int64) (store.Task, error) {
	if _, err := s.authorizeTask(ctx, sess, taskID, rbac.ActionView); err != nil {
		return store.Task{}, err
	}
	return notFoundAs(s.store.GetTask(ctx, taskID))("Task not found")
}

// UpdateTask applies a partial update. Ownership or assignment of the task grants nothing.
func (s *Service) UpdateTask(ctx context.Context, sess Session, taskID int64, in TaskPatch) (store.Task, error) {
	update := store.TaskUpdate{
		Title:       in.Title,
		Description: in.Description,
		AssigneeID:  in.AssigneeID,
		TagID:       in.TagID,
		Priority:    in.Priority,
		DueDate:     in.DueDate,
	}
	if update.Empty() {
		return store.Task{}, validationError("No valid fields to update", nil)
	}
	if update.Title.Set && (update.Title.IsNull() || trimField(&update.Title) == "") {
		return store.Task{}, invalidField("title", "Title is required")
	}
	if update.Description.IsNull() {
		update.Description = store.Value("")
	}
	if update.Priority.Set {
		if _, ok := priorities[update.Priority.Value.V]; !ok || update.Priority.IsNull() {
			return store.Task{}, invalidField("priority", "Priority must be low, medium or high")
		}
	}

	projectID, err := s.authorizeTask(ctx, sess, taskID, rbac.ActionEditTask)
	if err != nil {
		return store.Task{}, err
	}
	if update.TagID.Set && update.TagID.Value.Valid {
		if err := s.requireTagInProject(ctx, update.TagID.Value.V, projectID); err != nil {
			return store.Task{}, err
		}
	}
	task, err := s.store.UpdateTask(ctx, taskID, sess.UserID, update)
	if errors.Is(err, store.ErrInvalidReference) {
		return store.Task{}, invalidField("assigneeId", "Assignee does not exist")
	}
	if err != nil {
		return store.Task{}, notFoundErr(err, "Task not found")
	}
	s.indexTask(task)
	return task, nil
}

func (s *Service) DeleteTask(ctx context.Context, sess Session, taskID int64) error {
	if _, err := s.authorizeTask(ctx, sess, taskID, rbac.ActionDeleteTask); err != nil {
		return err
	}
	if err := s.store.DeleteTask(ctx, taskID); err != nil {
		return notFoundErr(err, "Task not found")
	}
	if s.search != nil {
		s.search.DeleteTask(taskID)
	}
	return nil
}

func (s *Service) requireTagInProject(ctx context.Context, tagID, projectID int64) error {
	ok, err := s.store.TagInProject(ctx, tagID, projectID)
	if err != nil {
		return err
	}
	if !ok {
		return invalidField("tagId", "Tag does not belong to this project")
	}
	return nil
}

func (s *Service) indexTask(t store.Task) {
	if s.search == nil {
		return
	}
	s.search.IndexTask(search.TaskRecord{
		ID:          t.ID,
		ProjectID:   t.ProjectID,
		Title:       t.Title,
		Description: t.Description,
		TagID:       t.TagID,
		Priority:    t.Priority,
	})
}

func (s *Service) SearchTasks(ctx context.Context, sess Session, projectID int64, q search.Query) (search.Response, error) {
	q.Text = strings.TrimSpace(q.Text)
	q.ProjectID = projectID
	if q.Text == "" {
		return search.Response{}, validationError("Search query is required", nil)
	}
	if err := s.authorizeProject(ctx, sess, projectID, rbac.ActionView); err != nil {
		return search.Response{}, err
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}, nil
	}
	return s.search.Search(ctx, q), nil
}

// notFoundAs rewrites a missing-row error into a NOT_FOUND domain error.
func notFoundAs[T any](v T, err error) func(message string) (T, error) {
	return func(message string) (T, error) {
		return v, notFoundErr(err, message)
	}
}

func notFoundErr(err error, message string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return notFound(message)
	}
	return err
}
