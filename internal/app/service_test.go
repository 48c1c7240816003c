package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"taskboard/api/internal/auth"
	"taskboard/api/internal/config"
	"taskboard/api/internal/email"
	"taskboard/api/internal/rbac"
	"taskboard/api/internal/search"
	"taskboard/api/internal/store"
)

type fakeStore struct {
	mu    sync.Mutex
	calls []string

	refresh map[string]int64
	revoked map[string]bool

	projectOwnerFn        func(context.Context, int64) (int64, error)
	membershipFlagsFn     func(context.Context, int64, int64) (bool, rbac.Flags, error)
	taskProjectFn         func(context.Context, int64) (int64, error)
	tagProjectFn          func(context.Context, int64) (int64, error)
	groupProjectFn        func(context.Context, int64) (int64, error)
	getUserByEmailFn      func(context.Context, string) (store.User, error)
	getUserByIDFn         func(context.Context, int64) (store.User, error)
	createUserFn          func(context.Context, string, string, string) (store.User, error)
	updateUserPasswordFn  func(context.Context, int64, string) error
	updateUserProfileFn   func(context.Context, int64, store.Field[string], store.Field[string]) (store.User, error)
	createProjectFn       func(context.Context, store.NewProject) (store.Project, error)
	getProjectFn          func(context.Context, int64) (store.Project, error)
	createGroupFn         func(context.Context, store.NewGroup) (store.Group, error)
	getGroupFn            func(context.Context, int64) (store.Group, error)
	updatePermissionsFn   func(context.Context, int64, rbac.Patch) (rbac.Flags, error)
	addGroupMemberFn      func(context.Context, int64, int64, rbac.Role) (store.Member, error)
	leaveGroupFn          func(context.Context, int64, int64) error
	userGroupsInProjectFn func(context.Context, int64, int64) ([]store.Membership, error)
	getTagFn              func(context.Context, int64) (store.Tag, error)
	tagInProjectFn        func(context.Context, int64, int64) (bool, error)
	createTaskFn          func(context.Context, store.NewTask) (store.Task, error)
	updateTaskFn          func(context.Context, int64, int64, store.TaskUpdate) (store.Task, error)
	pingFn                func(context.Context) error
}

func (f *fakeStore) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeStore) called(call string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == call {
			return true
		}
	}
	return false
}

// resolver source

func (f *fakeStore) ProjectOwner(ctx context.Context, projectID int64) (int64, error) {
	f.record("ProjectOwner")
	if f.projectOwnerFn != nil {
		return f.projectOwnerFn(ctx, projectID)
	}
	return 0, sql.ErrNoRows
}
func (f *fakeStore) MembershipFlags(ctx context.Context, projectID, userID int64) (bool, rbac.Flags, error) {
	if f.membershipFlagsFn != nil {
		return f.membershipFlagsFn(ctx, projectID, userID)
	}
	return false, rbac.Flags{}, nil
}
func (f *fakeStore) TaskProject(ctx context.Context, taskID int64) (int64, error) {
	if f.taskProjectFn != nil {
		return f.taskProjectFn(ctx, taskID)
	}
	return 0, sql.ErrNoRows
}
func (f *fakeStore) TagProject(ctx context.Context, tagID int64) (int64, error) {
	if f.tagProjectFn != nil {
		return f.tagProjectFn(ctx, tagID)
	}
	return 0, sql.ErrNoRows
}
func (f *fakeStore) GroupProject(ctx context.Context, groupID int64) (int64, error) {
	if f.groupProjectFn != nil {
		return f.groupProjectFn(ctx, groupID)
	}
	return 0, sql.ErrNoRows
}

// users

func (f *fakeStore) GetUserByEmail(ctx context.Context, addr string) (store.User, error) {
	if f.getUserByEmailFn != nil {
		return f.getUserByEmailFn(ctx, addr)
	}
	return store.User{}, sql.ErrNoRows
}
func (f *fakeStore) GetUserByID(ctx context.Context, id int64) (store.User, error) {
	if f.getUserByIDFn != nil {
		return f.getUserByIDFn(ctx, id)
	}
	return store.User{ID: id, Name: fmt.Sprintf("User %d", id), Email: fmt.Sprintf("user%d@example.com", id)}, nil
}
func (f *fakeStore) CreateUser(ctx context.Context, name, addr, hash string) (store.User, error) {
	f.record("CreateUser")
	if f.createUserFn != nil {
		return f.createUserFn(ctx, name, addr, hash)
	}
	return store.User{ID: 1, Name: name, Email: addr, PasswordHash: hash, Avatar: "avatar-1.png", UIMode: "regular"}, nil
}
func (f *fakeStore) UpdateUserPassword(ctx context.Context, userID int64, hash string) error {
	f.record("UpdateUserPassword")
	if f.updateUserPasswordFn != nil {
		return f.updateUserPasswordFn(ctx, userID, hash)
	}
	return nil
}
func (f *fakeStore) UpdateUserProfile(ctx context.Context, userID int64, name, uiMode store.Field[string]) (store.User, error) {
	f.record("UpdateUserProfile")
	if f.updateUserProfileFn != nil {
		return f.updateUserProfileFn(ctx, userID, name, uiMode)
	}
	return store.User{ID: userID, Name: name.Value.V, UIMode: uiMode.Value.V}, nil
}
func (f *fakeStore) UpdateUserAvatar(context.Context, int64, string) error {
	f.record("UpdateUserAvatar")
	return nil
}

// sessions

func (f *fakeStore) SaveRefreshSession(_ context.Context, hash string, userID int64, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refresh == nil {
		f.refresh = make(map[string]int64)
	}
	f.refresh[hash] = userID
	return nil
}
func (f *fakeStore) LookupRefreshSession(_ context.Context, hash string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	userID, ok := f.refresh[hash]
	if !ok {
		return 0, sql.ErrNoRows
	}
	return userID, nil
}
func (f *fakeStore) RevokeRefreshSession(_ context.Context, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.refresh, hash)
	return nil
}
func (f *fakeStore) RevokeAccessToken(_ context.Context, jti string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.revoked == nil {
		f.revoked = make(map[string]bool)
	}
	f.revoked[jti] = true
	return nil
}
func (f *fakeStore) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.revoked[jti], nil
}

// projects

func (f *fakeStore) ListProjectsForUser(context.Context, int64) ([]store.Project, error) {
	return []store.Project{}, nil
}
func (f *fakeStore) GetProject(ctx context.Context, projectID int64) (store.Project, error) {
	if f.getProjectFn != nil {
		return f.getProjectFn(ctx, projectID)
	}
	return store.Project{ID: projectID, Name: "Project"}, nil
}
func (f *fakeStore) CreateProjectWithDefaults(ctx context.Context, in store.NewProject) (store.Project, error) {
	f.record("CreateProjectWithDefaults")
	if f.createProjectFn != nil {
		return f.createProjectFn(ctx, in)
	}
	return store.Project{ID: 1, Name: in.Name, Description: in.Description, OwnerID: in.OwnerID}, nil
}
func (f *fakeStore) UpdateProject(_ context.Context, projectID int64, in store.ProjectUpdate) (store.Project, error) {
	f.record("UpdateProject")
	return store.Project{ID: projectID, Name: in.Name.Value.V, IsPinned: in.IsPinned.Value.V}, nil
}
func (f *fakeStore) DeleteProject(context.Context, int64) error {
	f.record("DeleteProject")
	return nil
}

// groups

func (f *fakeStore) ListGroups(context.Context, int64) ([]store.Group, error) {
	return []store.Group{}, nil
}
func (f *fakeStore) GetGroup(ctx context.Context, groupID int64) (store.Group, error) {
	if f.getGroupFn != nil {
		return f.getGroupFn(ctx, groupID)
	}
	return store.Group{ID: groupID, Name: "Group"}, nil
}
func (f *fakeStore) CreateGroup(ctx context.Context, in store.NewGroup) (store.Group, error) {
	f.record("CreateGroup")
	if f.createGroupFn != nil {
		return f.createGroupFn(ctx, in)
	}
	return store.Group{ID: 5, ProjectID: in.ProjectID, Name: in.Name}, nil
}
func (f *fakeStore) UpdateGroup(_ context.Context, groupID int64, in store.GroupUpdate) (store.Group, error) {
	f.record("UpdateGroup")
	return store.Group{ID: groupID, Name: in.Name.Value.V}, nil
}
func (f *fakeStore) DeleteGroup(context.Context, int64) error {
	f.record("DeleteGroup")
	return nil
}
func (f *fakeStore) GetPermissions(context.Context, int64) (rbac.Flags, error) {
	return rbac.Flags{}, nil
}
func (f *fakeStore) UpdatePermissions(ctx context.Context, groupID int64, patch rbac.Patch) (rbac.Flags, error) {
	f.record("UpdatePermissions")
	if f.updatePermissionsFn != nil {
		return f.updatePermissionsFn(ctx, groupID, patch)
	}
	return patch.Apply(rbac.Flags{}), nil
}
func (f *fakeStore) ListGroupMembers(context.Context, int64) ([]store.Member, error) {
	return []store.Member{}, nil
}
func (f *fakeStore) AddGroupMember(ctx context.Context, groupID, userID int64, role rbac.Role) (store.Member, error) {
	f.record("AddGroupMember")
	if f.addGroupMemberFn != nil {
		return f.addGroupMemberFn(ctx, groupID, userID, role)
	}
	return store.Member{ID: 9, GroupID: groupID, UserID: userID, Role: role}, nil
}
func (f *fakeStore) RemoveGroupMember(context.Context, int64, int64) error {
	f.record("RemoveGroupMember")
	return nil
}
func (f *fakeStore) LeaveGroup(ctx context.Context, groupID, userID int64) error {
	f.record("LeaveGroup")
	if f.leaveGroupFn != nil {
		return f.leaveGroupFn(ctx, groupID, userID)
	}
	return nil
}
func (f *fakeStore) UserGroupsInProject(ctx context.Context, projectID, userID int64) ([]store.Membership, error) {
	if f.userGroupsInProjectFn != nil {
		return f.userGroupsInProjectFn(ctx, projectID, userID)
	}
	return []store.Membership{}, nil
}
func (f *fakeStore) UserGroups(context.Context, int64) ([]store.Membership, error) {
	return []store.Membership{}, nil
}

// tags

func (f *fakeStore) ListTags(context.Context, int64) ([]store.Tag, error) {
	return []store.Tag{}, nil
}
func (f *fakeStore) GetTag(ctx context.Context, tagID int64) (store.Tag, error) {
	if f.getTagFn != nil {
		return f.getTagFn(ctx, tagID)
	}
	return store.Tag{ID: tagID}, nil
}
func (f *fakeStore) CreateTag(_ context.Context, in store.NewTag) (store.Tag, error) {
	f.record("CreateTag")
	return store.Tag{ID: 3, ProjectID: in.ProjectID, Name: in.Name, Color: in.Color}, nil
}
func (f *fakeStore) UpdateTag(_ context.Context, tagID int64, in store.TagUpdate) (store.Tag, error) {
	f.record("UpdateTag")
	return store.Tag{ID: tagID, Name: in.Name.Value.V, Color: in.Color.Value.V}, nil
}
func (f *fakeStore) DeleteTag(context.Context, int64) error {
	f.record("DeleteTag")
	return nil
}
func (f *fakeStore) TagInProject(ctx context.Context, tagID, projectID int64) (bool, error) {
	if f.tagInProjectFn != nil {
		return f.tagInProjectFn(ctx, tagID, projectID)
	}
	return true, nil
}

// tasks

func (f *fakeStore) ListTasks(context.Context, int64) ([]store.Task, error) {
	return []store.Task{}, nil
}
func (f *fakeStore) GetTask(_ context.Context, taskID int64) (store.Task, error) {
	return store.Task{ID: taskID}, nil
}
func (f *fakeStore) CreateTask(ctx context.Context, in store.NewTask) (store.Task, error) {
	f.record("CreateTask")
	if f.createTaskFn != nil {
		return f.createTaskFn(ctx, in)
	}
	return store.Task{ID: 11, ProjectID: in.ProjectID, Title: in.Title, OwnerID: in.OwnerID, TagID: in.TagID, Priority: in.Priority}, nil
}
func (f *fakeStore) UpdateTask(ctx context.Context, taskID, actorID int64, in store.TaskUpdate) (store.Task, error) {
	f.record("UpdateTask")
	if f.updateTaskFn != nil {
		return f.updateTaskFn(ctx, taskID, actorID, in)
	}
	return store.Task{ID: taskID, Title: in.Title.Value.V}, nil
}
func (f *fakeStore) DeleteTask(context.Context, int64) error {
	f.record("DeleteTask")
	return nil
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

const (
	ownerID    int64 = 1
	memberID   int64 = 2
	outsiderID int64 = 3
	projectID  int64 = 10
)

// projectWorld is project 10 owned by user 1, where user 2 belongs to groups
// carrying flags, and user 3 has no path in.
func projectWorld(flags rbac.Flags) *fakeStore {
	return &fakeStore{
		projectOwnerFn: func(_ context.Context, id int64) (int64, error) {
			if id != projectID {
				return 0, sql.ErrNoRows
			}
			return ownerID, nil
		},
		membershipFlagsFn: func(_ context.Context, _ int64, userID int64) (bool, rbac.Flags, error) {
			if userID == memberID {
				return true, flags, nil
			}
			return false, rbac.Flags{}, nil
		},
		taskProjectFn:  func(context.Context, int64) (int64, error) { return projectID, nil },
		tagProjectFn:   func(context.Context, int64) (int64, error) { return projectID, nil },
		groupProjectFn: func(context.Context, int64) (int64, error) { return projectID, nil },
	}
}

func newTestService(fs *fakeStore, opts ...Option) *Service {
	cfg := config.Config{
		JWTSecret:  "test-secret",
		AccessTTL:  time.Hour,
		RefreshTTL: 24 * time.Hour,
	}
	return New(cfg, fs, append([]Option{WithPasswordCost(bcrypt.MinCost)}, opts...)...)
}

func sessionFor(userID int64) Session {
	return Session{UserID: userID, UserName: fmt.Sprintf("User %d", userID)}
}

func requireStatus(t *testing.T, err error, status int) *DomainError {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError with status %d, got %v", status, err)
	}
	if domainErr.Status != status {
		t.Fatalf("expected status %d, got %d (%s)", status, domainErr.Status, domainErr.Message)
	}
	return domainErr
}

func TestOwnerBypassesMissingMembership(t *testing.T) {
	fs := projectWorld(rbac.Flags{})
	fs.membershipFlagsFn = func(context.Context, int64, int64) (bool, rbac.Flags, error) {
		t.Fatal("owner check must short-circuit the membership lookup")
		return false, rbac.Flags{}, nil
	}
	svc := newTestService(fs)

	if _, err := svc.CreateGroup(context.Background(), sessionFor(ownerID), projectID, GroupInput{Name: "Design"}); err != nil {
		t.Fatalf("owner create group: %v", err)
	}
	if err := svc.DeleteProject(context.Background(), sessionFor(ownerID), projectID); err != nil {
		t.Fatalf("owner delete project: %v", err)
	}
}

func TestDecisionOutcomes(t *testing.T) {
	tests := []struct {
		name   string
		userID int64
		flags  rbac.Flags
		status int
	}{
		{name: "outsider sees not found", userID: outsiderID, status: http.StatusNotFound},
		{name: "member without flag is forbidden", userID: memberID, status: http.StatusForbidden},
		{name: "member with flag passes", userID: memberID, flags: rbac.Flags{EditProject: true}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fs := projectWorld(tc.flags)
			svc := newTestService(fs)

			_, err := svc.CreateGroup(context.Background(), sessionFor(tc.userID), projectID, GroupInput{Name: "Design"})
			if tc.status == 0 {
				if err != nil {
					t.Fatalf("expected allow, got %v", err)
				}
				if !fs.called("CreateGroup") {
					t.Fatalf("expected CreateGroup to run")
				}
				return
			}
			requireStatus(t, err, tc.status)
			if fs.called("CreateGroup") {
				t.Fatalf("denied caller must not reach the store mutation")
			}
		})
	}
}

func TestMissingProjectIsNotFound(t *testing.T) {
	svc := newTestService(projectWorld(rbac.AllFlags()))
	_, err := svc.GetProject(context.Background(), sessionFor(ownerID), 999)
	requireStatus(t, err, http.StatusNotFound)
}

func TestValidationRunsBeforeAuthorization(t *testing.T) {
	fs := projectWorld(rbac.Flags{})
	svc := newTestService(fs)

	_, err := svc.CreateGroup(context.Background(), sessionFor(outsiderID), projectID, GroupInput{Name: "x"})
	requireStatus(t, err, http.StatusBadRequest)
	if fs.called("ProjectOwner") {
		t.Fatalf("invalid input must not reach the resolver")
	}
}

func TestResolverStoreErrorIsNotADenial(t *testing.T) {
	fs := projectWorld(rbac.Flags{})
	fs.projectOwnerFn = func(context.Context, int64) (int64, error) {
		return 0, errors.New("connection reset")
	}
	svc := newTestService(fs)

	_, err := svc.ListTasks(context.Background(), sessionFor(ownerID), projectID)
	if err == nil {
		t.Fatal("expected error")
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		t.Fatalf("store failure must not become a domain decision, got %v", domainErr)
	}
	if status, _, _, _ := mapError(err); status != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", status)
	}
}

func TestDeleteProjectRequiresOwner(t *testing.T) {
	fs := projectWorld(rbac.AllFlags())
	svc := newTestService(fs)

	err := svc.DeleteProject(context.Background(), sessionFor(memberID), projectID)
	requireStatus(t, err, http.StatusForbidden)
	if fs.called("DeleteProject") {
		t.Fatal("non-owner must not delete")
	}
}

func TestDefaultTagCannotBeDeletedByOwner(t *testing.T) {
	fs := projectWorld(rbac.Flags{})
	fs.getTagFn = func(_ context.Context, id int64) (store.Tag, error) {
		return store.Tag{ID: id, ProjectID: projectID, Name: "Backlog", IsDefault: true}, nil
	}
	svc := newTestService(fs)

	err := svc.DeleteTag(context.Background(), sessionFor(ownerID), 4)
	domainErr := requireStatus(t, err, http.StatusBadRequest)
	if domainErr.Message != "Cannot delete default tags" {
		t.Fatalf("unexpected message %q", domainErr.Message)
	}
	if fs.called("DeleteTag") {
		t.Fatal("default tag must not be removed")
	}
}

func TestDuplicateGroupNameIsConflict(t *testing.T) {
	fs := projectWorld(rbac.Flags{})
	fs.createGroupFn = func(context.Context, store.NewGroup) (store.Group, error) {
		return store.Group{}, fmt.Errorf("create group: %w: project_groups_project_id_name_key", store.ErrDuplicate)
	}
	svc := newTestService(fs)

	_, err := svc.CreateGroup(context.Background(), sessionFor(ownerID), projectID, GroupInput{Name: "Design"})
	requireStatus(t, err, http.StatusConflict)
}

func TestUpdateTaskValidation(t *testing.T) {
	fs := projectWorld(rbac.Flags{EditTasks: true})
	fs.tagInProjectFn = func(_ context.Context, tagID, _ int64) (bool, error) {
		return tagID != 77, nil
	}
	svc := newTestService(fs)
	ctx := context.Background()
	sess := sessionFor(memberID)

	_, err := svc.UpdateTask(ctx, sess, 5, TaskPatch{})
	if domainErr := requireStatus(t, err, http.StatusBadRequest); domainErr.Message != "No valid fields to update" {
		t.Fatalf("unexpected message %q", domainErr.Message)
	}

	_, err = svc.UpdateTask(ctx, sess, 5, TaskPatch{Priority: store.Value("urgent")})
	requireStatus(t, err, http.StatusBadRequest)

	_, err = svc.UpdateTask(ctx, sess, 5, TaskPatch{TagID: store.Value[int64](77)})
	requireStatus(t, err, http.StatusBadRequest)
	if fs.called("UpdateTask") {
		t.Fatal("rejected updates must not reach the store")
	}

	if _, err := svc.UpdateTask(ctx, sess, 5, TaskPatch{TagID: store.Null[int64]()}); err != nil {
		t.Fatalf("clearing the tag: %v", err)
	}
}

func TestTaskOwnershipGrantsNothing(t *testing.T) {
	fs := projectWorld(rbac.Flags{CreateTasks: true})
	svc := newTestService(fs)

	_, err := svc.UpdateTask(context.Background(), sessionFor(memberID), 5, TaskPatch{Title: store.Value("mine")})
	requireStatus(t, err, http.StatusForbidden)
}

func TestMyPermissionsIsOrAcrossGroups(t *testing.T) {
	fs := projectWorld(rbac.Flags{})
	fs.userGroupsInProjectFn = func(context.Context, int64, int64) ([]store.Membership, error) {
		return []store.Membership{
			{GroupID: 1, Permissions: rbac.Flags{CreateTasks: true}},
			{GroupID: 2, Permissions: rbac.Flags{ManageTags: true}},
		}, nil
	}
	svc := newTestService(fs)

	perms, err := svc.MyPermissions(context.Background(), sessionFor(memberID), projectID)
	if err != nil {
		t.Fatalf("my permissions: %v", err)
	}
	want := MyPermissions{CanCreateTasks: true, CanManageTags: true}
	if perms != want {
		t.Fatalf("expected %+v, got %+v", want, perms)
	}
}

func TestMyPermissionsNoGroup(t *testing.T) {
	svc := newTestService(projectWorld(rbac.Flags{}))

	_, err := svc.MyPermissions(context.Background(), sessionFor(ownerID), projectID)
	if domainErr := requireStatus(t, err, http.StatusNotFound); domainErr.Message != "User not in any group for this project" {
		t.Fatalf("unexpected message %q", domainErr.Message)
	}
}

func TestUpdatePermissionsEmptyPatch(t *testing.T) {
	fs := projectWorld(rbac.Flags{})
	svc := newTestService(fs)

	_, err := svc.UpdatePermissions(context.Background(), sessionFor(ownerID), 2, rbac.Patch{})
	requireStatus(t, err, http.StatusBadRequest)

	granted := true
	flags, err := svc.UpdatePermissions(context.Background(), sessionFor(ownerID), 2, rbac.Patch{ManageTags: &granted})
	if err != nil {
		t.Fatalf("update permissions: %v", err)
	}
	if !flags.ManageTags || flags.EditProject {
		t.Fatalf("unexpected flags %+v", flags)
	}
}

type fakeMailer struct {
	sent chan email.MemberAddedData
}

func (m *fakeMailer) IsConfigured() bool { return true }
func (m *fakeMailer) SendMemberAdded(_ string, data email.MemberAddedData) error {
	m.sent <- data
	return nil
}

func TestAddMemberNotifiesByEmail(t *testing.T) {
	fs := projectWorld(rbac.Flags{ManageMembers: true})
	fs.getUserByEmailFn = func(_ context.Context, addr string) (store.User, error) {
		return store.User{ID: 8, Email: addr, Name: "Nia"}, nil
	}
	fs.getProjectFn = func(_ context.Context, id int64) (store.Project, error) {
		return store.Project{ID: id, Name: "Apollo"}, nil
	}
	mailer := &fakeMailer{sent: make(chan email.MemberAddedData, 1)}
	svc := newTestService(fs, WithMailer(mailer))

	member, err := svc.AddMember(context.Background(), sessionFor(memberID), 2, MemberInput{Email: " Nia@Example.com "})
	if err != nil {
		t.Fatalf("add member: %v", err)
	}
	if member.Role != rbac.RoleMember {
		t.Fatalf("expected default role member, got %q", member.Role)
	}

	select {
	case data := <-mailer.sent:
		if data.ProjectName != "Apollo" || data.UserName != "Nia" || data.AddedBy != "User 2" {
			t.Fatalf("unexpected email data %+v", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected a member email")
	}
}

func TestAddMemberErrors(t *testing.T) {
	fs := projectWorld(rbac.Flags{ManageMembers: true})
	svc := newTestService(fs)
	ctx := context.Background()

	_, err := svc.AddMember(ctx, sessionFor(memberID), 2, MemberInput{Email: "nobody@example.com"})
	requireStatus(t, err, http.StatusNotFound)

	_, err = svc.AddMember(ctx, sessionFor(memberID), 2, MemberInput{Email: "a@example.com", Role: "owner"})
	requireStatus(t, err, http.StatusBadRequest)

	fs.getUserByEmailFn = func(_ context.Context, addr string) (store.User, error) {
		return store.User{ID: 8, Email: addr}, nil
	}
	fs.addGroupMemberFn = func(context.Context, int64, int64, rbac.Role) (store.Member, error) {
		return store.Member{}, fmt.Errorf("add member: %w", store.ErrDuplicate)
	}
	_, err = svc.AddMember(ctx, sessionFor(memberID), 2, MemberInput{Email: "a@example.com"})
	requireStatus(t, err, http.StatusConflict)
}

func TestLeaveGroupWhenNotMember(t *testing.T) {
	fs := &fakeStore{leaveGroupFn: func(context.Context, int64, int64) error { return sql.ErrNoRows }}
	svc := newTestService(fs)

	err := svc.LeaveGroup(context.Background(), sessionFor(memberID), 2)
	requireStatus(t, err, http.StatusNotFound)
}

type fakeIndex struct {
	indexed chan search.TaskRecord
	deleted chan int64
}

func (f *fakeIndex) Search(context.Context, search.Query) ([]search.Result, int, error) {
	return []search.Result{{TaskID: 11, Title: "Ship it"}}, 1, nil
}
func (f *fakeIndex) Healthy() bool { return true }
func (f *fakeIndex) IndexTasks(tasks []search.TaskRecord) error {
	for _, t := range tasks {
		f.indexed <- t
	}
	return nil
}
func (f *fakeIndex) DeleteTask(id int64) error {
	f.deleted <- id
	return nil
}

func TestTaskWritesReachSearchIndex(t *testing.T) {
	fs := projectWorld(rbac.AllFlags())
	idx := &fakeIndex{indexed: make(chan search.TaskRecord, 4), deleted: make(chan int64, 1)}
	svc := newTestService(fs, WithSearch(search.NewService(idx, nil)))
	ctx := context.Background()

	task, err := svc.CreateTask(ctx, sessionFor(memberID), projectID, TaskInput{Title: " Ship it "})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if task.Priority != "medium" || task.OwnerID != memberID {
		t.Fatalf("unexpected task %+v", task)
	}
	select {
	case rec := <-idx.indexed:
		if rec.ID != task.ID || rec.Title != "Ship it" {
			t.Fatalf("unexpected record %+v", rec)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected index write")
	}

	if err := svc.DeleteTask(ctx, sessionFor(memberID), task.ID); err != nil {
		t.Fatalf("delete task: %v", err)
	}
	select {
	case id := <-idx.deleted:
		if id != task.ID {
			t.Fatalf("deleted %d", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected index delete")
	}

	resp, err := svc.SearchTasks(ctx, sessionFor(memberID), projectID, search.Query{Text: "ship"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if resp.Total != 1 || resp.Results[0].TaskID != 11 {
		t.Fatalf("unexpected response %+v", resp)
	}

	_, err = svc.SearchTasks(ctx, sessionFor(outsiderID), projectID, search.Query{Text: "ship"})
	requireStatus(t, err, http.StatusNotFound)
}

func TestRegisterLoginRefreshLogout(t *testing.T) {
	fs := &fakeStore{}
	var created store.User
	fs.createUserFn = func(_ context.Context, name, addr, hash string) (store.User, error) {
		created = store.User{ID: 4, Name: name, Email: addr, PasswordHash: hash}
		return created, nil
	}
	svc := newTestService(fs)
	ctx := context.Background()

	sess, user, err := svc.Register(ctx, "Kai@Example.com", "secret1", "Kai")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if user.Email != "kai@example.com" || sess.Token == "" || sess.RefreshToken == "" {
		t.Fatalf("unexpected register result %+v %+v", sess, user)
	}

	fs.getUserByEmailFn = func(context.Context, string) (store.User, error) { return created, nil }
	fs.getUserByIDFn = func(context.Context, int64) (store.User, error) { return created, nil }

	_, _, err = svc.Login(ctx, "kai@example.com", "wrong-password")
	requireStatus(t, err, http.StatusUnauthorized)
	if _, _, err := svc.Login(ctx, "kai@example.com", "secret1"); err != nil {
		t.Fatalf("login: %v", err)
	}

	rotated, _, err := svc.Refresh(ctx, sess.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if rotated.RefreshToken == sess.RefreshToken {
		t.Fatal("refresh token must rotate")
	}
	if _, _, err := svc.Refresh(ctx, sess.RefreshToken); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("reused refresh token: expected ErrInvalidToken, got %v", err)
	}

	current, err := svc.SessionFromToken(ctx, rotated.Token)
	if err != nil {
		t.Fatalf("session from token: %v", err)
	}
	if err := svc.Logout(ctx, current, rotated.RefreshToken); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := svc.SessionFromToken(ctx, rotated.Token); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("revoked token: expected ErrInvalidToken, got %v", err)
	}
}

func TestRegisterDuplicateEmail(t *testing.T) {
	fs := &fakeStore{
		getUserByEmailFn: func(_ context.Context, addr string) (store.User, error) {
			return store.User{ID: 1, Email: addr}, nil
		},
	}
	svc := newTestService(fs)

	_, _, err := svc.Register(context.Background(), "taken@example.com", "secret1", "Kai")
	if domainErr := requireStatus(t, err, http.StatusBadRequest); domainErr.Message != "User with this email already exists" {
		t.Fatalf("unexpected message %q", domainErr.Message)
	}
	if fs.called("CreateUser") {
		t.Fatal("duplicate email must not create a user")
	}
}

func TestUpdateProfileAndAvatar(t *testing.T) {
	fs := &fakeStore{}
	svc := newTestService(fs)
	ctx := context.Background()
	sess := sessionFor(memberID)

	_, err := svc.UpdateProfile(ctx, sess, ProfileInput{})
	requireStatus(t, err, http.StatusBadRequest)
	_, err = svc.UpdateProfile(ctx, sess, ProfileInput{UIMode: store.Value("dark")})
	requireStatus(t, err, http.StatusBadRequest)

	user, err := svc.UpdateProfile(ctx, sess, ProfileInput{Name: store.Value("  Rae  "), UIMode: store.Value("dev")})
	if err != nil {
		t.Fatalf("update profile: %v", err)
	}
	if user.Name != "Rae" || user.UIMode != "dev" {
		t.Fatalf("unexpected user %+v", user)
	}

	for _, avatar := range []string{"avatar-6.png", "avatar-1.jpg", "../avatar-1.png", ""} {
		requireStatus(t, svc.UpdateAvatar(ctx, sess, avatar), http.StatusBadRequest)
	}
	if err := svc.UpdateAvatar(ctx, sess, "avatar-5.png"); err != nil {
		t.Fatalf("update avatar: %v", err)
	}
}

func TestUpdateProjectValidation(t *testing.T) {
	fs := projectWorld(rbac.Flags{EditProject: true})
	svc := newTestService(fs)
	ctx := context.Background()
	sess := sessionFor(memberID)

	_, err := svc.UpdateProject(ctx, sess, projectID, ProjectPatch{})
	requireStatus(t, err, http.StatusBadRequest)
	_, err = svc.UpdateProject(ctx, sess, projectID, ProjectPatch{Name: store.Value("ab")})
	requireStatus(t, err, http.StatusBadRequest)

	project, err := svc.UpdateProject(ctx, sess, projectID, ProjectPatch{Name: store.Value(" Apollo "), IsPinned: store.Value(true)})
	if err != nil {
		t.Fatalf("update project: %v", err)
	}
	if project.Name != "Apollo" || !project.IsPinned {
		t.Fatalf("unexpected project %+v", project)
	}
}
