package app

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"taskboard/api/internal/rbac"
	"taskboard/api/internal/realtime"
	"taskboard/api/internal/store"
)

var mutatingRoutes = []struct {
	name   string
	method string
	path   string
	body   string
}{
	{name: "update project", method: http.MethodPatch, path: "/api/projects/10", body: `{"name":"Renamed"}`},
	{name: "delete project", method: http.MethodDelete, path: "/api/projects/10"},
	{name: "create group", method: http.MethodPost, path: "/api/projects/10/groups", body: `{"name":"Design"}`},
	{name: "create tag", method: http.MethodPost, path: "/api/projects/10/tags", body: `{"name":"Blocked"}`},
	{name: "create task", method: http.MethodPost, path: "/api/projects/10/tasks", body: `{"title":"Write docs"}`},
	{name: "update group", method: http.MethodPatch, path: "/api/groups/2", body: `{"name":"Ops"}`},
	{name: "delete group", method: http.MethodDelete, path: "/api/groups/2"},
	{name: "update permissions", method: http.MethodPatch, path: "/api/groups/2/permissions", body: `{"can_edit_project":true}`},
	{name: "add member", method: http.MethodPost, path: "/api/groups/2/members", body: `{"email":"x@example.com"}`},
	{name: "remove member", method: http.MethodDelete, path: "/api/groups/2/members?memberId=4"},
	{name: "update tag", method: http.MethodPatch, path: "/api/tags/3", body: `{"color":"#112233"}`},
	{name: "delete tag", method: http.MethodDelete, path: "/api/tags/3"},
	{name: "update task", method: http.MethodPatch, path: "/api/tasks/5", body: `{"tagId":3}`},
	{name: "delete task", method: http.MethodDelete, path: "/api/tasks/5"},
}

func TestMemberWithoutFlagsIsForbidden(t *testing.T) {
	fs := projectWorld(rbac.Flags{})
	svc := newTestService(fs)
	server := NewHTTPServer(svc, "*")
	token := tokenFor(t, svc, memberID)

	for _, tc := range mutatingRoutes {
		t.Run(tc.name, func(t *testing.T) {
			rr, payload := doJSON(t, server, tc.method, tc.path, token, tc.body)
			if rr.Code != http.StatusForbidden {
				t.Fatalf("expected status 403, got %d body=%s", rr.Code, rr.Body.String())
			}
			if payload["code"] != "FORBIDDEN" {
				t.Fatalf("expected code FORBIDDEN, got %v", payload["code"])
			}
		})
	}

	for _, mutation := range []string{"UpdateProject", "DeleteProject", "CreateGroup", "CreateTag", "CreateTask", "UpdatePermissions", "AddGroupMember", "DeleteTask"} {
		if fs.called(mutation) {
			t.Errorf("%s ran for a denied caller", mutation)
		}
	}
}

func TestOutsiderSeesNotFound(t *testing.T) {
	svc := newTestService(projectWorld(rbac.AllFlags()))
	server := NewHTTPServer(svc, "*")
	token := tokenFor(t, svc, outsiderID)

	reads := []string{
		"/api/projects/10",
		"/api/projects/10/tasks",
		"/api/projects/10/tags",
		"/api/projects/10/groups",
		"/api/projects/10/my-permissions",
		"/api/groups/2/members",
		"/api/tasks/5",
	}
	for _, path := range reads {
		rr, payload := doJSON(t, server, http.MethodGet, path, token, "")
		if rr.Code != http.StatusNotFound || payload["code"] != "NOT_FOUND" {
			t.Errorf("GET %s: expected 404 NOT_FOUND, got %d %v", path, rr.Code, payload["code"])
		}
	}
	for _, tc := range mutatingRoutes {
		rr, _ := doJSON(t, server, tc.method, tc.path, token, tc.body)
		if rr.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", tc.name, rr.Code)
		}
	}
}

func TestOwnerPassesEveryGate(t *testing.T) {
	fs := projectWorld(rbac.Flags{})
	fs.getUserByEmailFn = func(_ context.Context, addr string) (store.User, error) {
		return store.User{ID: 8, Email: addr}, nil
	}
	svc := newTestService(fs)
	server := NewHTTPServer(svc, "*")
	token := tokenFor(t, svc, ownerID)

	for _, tc := range mutatingRoutes {
		t.Run(tc.name, func(t *testing.T) {
			rr, _ := doJSON(t, server, tc.method, tc.path, token, tc.body)
			if rr.Code == http.StatusForbidden || rr.Code == http.StatusNotFound {
				t.Fatalf("owner blocked: %d body=%s", rr.Code, rr.Body.String())
			}
			if rr.Code >= http.StatusInternalServerError {
				t.Fatalf("unexpected %d body=%s", rr.Code, rr.Body.String())
			}
		})
	}
}

func TestResponseShapes(t *testing.T) {
	svc := newTestService(projectWorld(rbac.AllFlags()))
	server := NewHTTPServer(svc, "*")
	token := tokenFor(t, svc, ownerID)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/projects/10/tasks", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	server.Handler().ServeHTTP(rr, req)
	if strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Fatalf("expected a bare array, got %s", rr.Body.String())
	}

	rr, payload := doJSON(t, server, http.MethodPost, "/api/projects/10/tasks", token, `{"title":"Write docs","priority":"high"}`)
	if rr.Code != http.StatusCreated || payload["title"] != "Write docs" || payload["priority"] != "high" {
		t.Fatalf("unexpected create task response %d %v", rr.Code, payload)
	}

	rr, payload = doJSON(t, server, http.MethodPatch, "/api/tasks/5", token, `{}`)
	if rr.Code != http.StatusBadRequest || payload["error"] != "No valid fields to update" {
		t.Fatalf("unexpected empty patch response %d %v", rr.Code, payload)
	}

	rr, payload = doJSON(t, server, http.MethodDelete, "/api/tasks/5", token, "")
	if rr.Code != http.StatusOK || payload["message"] != "Task deleted successfully" {
		t.Fatalf("unexpected delete response %d %v", rr.Code, payload)
	}

	rr, payload = doJSON(t, server, http.MethodPost, "/api/projects/10/tags", token, `{"name":"Blocked","color":"red"}`)
	if rr.Code != http.StatusBadRequest || payload["details"] == nil {
		t.Fatalf("expected field details, got %d %v", rr.Code, payload)
	}

	rr, payload = doJSON(t, server, http.MethodGet, "/api/projects/10/my-permissions", token, "")
	if rr.Code != http.StatusNotFound || payload["error"] != "User not in any group for this project" {
		t.Fatalf("unexpected my-permissions response %d %v", rr.Code, payload)
	}

	rr, _ = doJSON(t, server, http.MethodPut, "/api/tasks/5", token, `{}`)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
	rr, _ = doJSON(t, server, http.MethodGet, "/api/tasks/abc", token, "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for non-numeric id, got %d", rr.Code)
	}
}

func projectWorldGroups(flags rbac.Flags) func(context.Context, int64, int64) ([]store.Membership, error) {
	return func(_ context.Context, projectID, _ int64) ([]store.Membership, error) {
		return []store.Membership{{GroupID: 2, ProjectID: projectID, Permissions: flags}}, nil
	}
}

func TestMyPermissionsUsesCamelCase(t *testing.T) {
	fs := projectWorld(rbac.Flags{})
	fs.userGroupsInProjectFn = projectWorldGroups(rbac.Flags{EditTasks: true})
	svc := newTestService(fs)
	server := NewHTTPServer(svc, "*")

	rr, payload := doJSON(t, server, http.MethodGet, "/api/projects/10/my-permissions", tokenFor(t, svc, memberID), "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if payload["canEditTasks"] != true || payload["canCreateTasks"] != false {
		t.Fatalf("unexpected permissions %v", payload)
	}
}

func TestLeaveAcceptsPostAndDelete(t *testing.T) {
	svc := newTestService(&fakeStore{})
	server := NewHTTPServer(svc, "*")
	token := tokenFor(t, svc, memberID)

	for _, method := range []string{http.MethodPost, http.MethodDelete} {
		rr, payload := doJSON(t, server, method, "/api/groups/2/leave", token, "")
		if rr.Code != http.StatusOK || payload["message"] != "Successfully left the group" {
			t.Fatalf("%s leave: %d %v", method, rr.Code, payload)
		}
	}
}

func TestSocketUpgradeThroughMiddleware(t *testing.T) {
	hub := realtime.NewHub(realtime.Options{})
	svc := newTestService(&fakeStore{}, WithHub(hub))
	srv := httptest.NewServer(NewHTTPServer(svc, "*").Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/socket"

	a, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		t.Fatalf("dial a: %v", err)
	}
	defer a.Close()
	b, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		t.Fatalf("dial b: %v", err)
	}
	defer b.Close()

	for _, conn := range []net.Conn{a, b} {
		if err := wsutil.WriteClientText(conn, []byte(`{"event":"join-project","data":10}`)); err != nil {
			t.Fatalf("join: %v", err)
		}
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(hub.Members(10)) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("expected two members, got %v", hub.Members(10))
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := wsutil.WriteClientText(a, []byte(`{"event":"task-lock","data":{"taskId":5,"projectId":10,"userId":1,"userName":"Ann"}}`)); err != nil {
		t.Fatalf("lock: %v", err)
	}
	_ = b.SetReadDeadline(time.Now().Add(2 * time.Second))
	msg, err := wsutil.ReadServerText(b)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var frame realtime.Frame
	if err := json.Unmarshal(msg, &frame); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if frame.Event != realtime.EventTaskLocked {
		t.Fatalf("expected task-locked, got %s", frame.Event)
	}

	token := tokenFor(t, svc, memberID)
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/realtime/stats", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	defer resp.Body.Close()
	var stats struct {
		Realtime realtime.Snapshot `json:"realtime"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Realtime.Connections != 2 {
		t.Fatalf("expected 2 connections, got %+v", stats.Realtime)
	}
}

func TestRemoveMemberRejectsMalformedID(t *testing.T) {
	fs := projectWorld(rbac.AllFlags())
	svc := newTestService(fs)
	server := NewHTTPServer(svc, "*")
	token := tokenFor(t, svc, ownerID)

	tests := []struct {
		name    string
		query   string
		message string
	}{
		{name: "malformed", query: "?memberId=abc", message: "memberId must be a number"},
		{name: "missing", query: "", message: "memberId is required"},
		{name: "zero", query: "?memberId=0", message: "memberId is required"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rr, payload := doJSON(t, server, http.MethodDelete, "/api/groups/2/members"+tc.query, token, "")
			if rr.Code != http.StatusBadRequest || payload["code"] != "VALIDATION_ERROR" {
				t.Fatalf("expected 400 VALIDATION_ERROR, got %d %v", rr.Code, payload)
			}
			details, _ := payload["details"].([]any)
			if len(details) != 1 {
				t.Fatalf("expected one field detail, got %v", payload["details"])
			}
			detail, _ := details[0].(map[string]any)
			if detail["field"] != "memberId" || detail["message"] != tc.message {
				t.Fatalf("unexpected detail %v", detail)
			}
		})
	}
	if fs.called("RemoveGroupMember") {
		t.Fatal("RemoveGroupMember ran for an invalid memberId")
	}
}
