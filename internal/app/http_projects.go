package app

import (
	"net/http"
	"strconv"
	"strings"

	"taskboard/api/internal/rbac"
	"taskboard/api/internal/search"
)

func (s *HTTPServer) handleProjectCollection(w http.ResponseWriter, r *http.Request, session Session) {
	switch r.Method {
	case http.MethodGet:
		projects, err := s.service.ListProjects(r.Context(), session)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, projects)
	case http.MethodPost:
		var body ProjectInput
		if !readBody(w, r, &body) {
			return
		}
		project, err := s.service.CreateProject(r.Context(), session, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, project)
	default:
		methodNotAllowed(w)
	}
}

func (s *HTTPServer) handleProject(w http.ResponseWriter, r *http.Request, session Session, projectID int64, rest []string) {
	if len(rest) == 0 {
		switch r.Method {
		case http.MethodGet:
			project, err := s.service.GetProject(r.Context(), session, projectID)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, project)
		case http.MethodPatch:
			var body ProjectPatch
			if !readBody(w, r, &body) {
				return
			}
			project, err := s.service.UpdateProject(r.Context(), session, projectID, body)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, project)
		case http.MethodDelete:
			if err := s.service.DeleteProject(r.Context(), session, projectID); err != nil {
				s.fail(w, r, err)
				return
			}
			writeMessage(w, http.StatusOK, "Project deleted successfully")
		default:
			methodNotAllowed(w)
		}
		return
	}

	switch {
	case len(rest) == 1 && rest[0] == "groups":
		s.handleProjectGroups(w, r, session, projectID)
	case len(rest) == 1 && rest[0] == "tags":
		s.handleProjectTags(w, r, session, projectID)
	case len(rest) == 1 && rest[0] == "tasks":
		s.handleProjectTasks(w, r, session, projectID)
	case len(rest) == 2 && rest[0] == "tasks" && rest[1] == "search":
		s.handleTaskSearch(w, r, session, projectID)
	case len(rest) == 1 && rest[0] == "my-permissions" && r.Method == http.MethodGet:
		perms, err := s.service.MyPermissions(r.Context(), session, projectID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, perms)
	case len(rest) == 1 && rest[0] == "my-group" && r.Method == http.MethodGet:
		groups, err := s.service.MyGroups(r.Context(), session, projectID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, groups)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleProjectGroups(w http.ResponseWriter, r *http.Request, session Session, projectID int64) {
	switch r.Method {
	case http.MethodGet:
		groups, err := s.service.ListGroups(r.Context(), session, projectID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, groups)
	case http.MethodPost:
		var body GroupInput
		if !readBody(w, r, &body) {
			return
		}
		group, err := s.service.CreateGroup(r.Context(), session, projectID, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, group)
	default:
		methodNotAllowed(w)
	}
}

func (s *HTTPServer) handleProjectTags(w http.ResponseWriter, r *http.Request, session Session, projectID int64) {
	switch r.Method {
	case http.MethodGet:
		tags, err := s.service.ListTags(r.Context(), session, projectID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, tags)
	case http.MethodPost:
		var body TagInput
		if !readBody(w, r, &body) {
			return
		}
		tag, err := s.service.CreateTag(r.Context(), session, projectID, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, tag)
	default:
		methodNotAllowed(w)
	}
}

func (s *HTTPServer) handleProjectTasks(w http.ResponseWriter, r *http.Request, session Session, projectID int64) {
	switch r.Method {
	case http.MethodGet:
		tasks, err := s.service.ListTasks(r.Context(), session, projectID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, tasks)
	case http.MethodPost:
		var body TaskInput
		if !readBody(w, r, &body) {
			return
		}
		task, err := s.service.CreateTask(r.Context(), session, projectID, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, task)
	default:
		methodNotAllowed(w)
	}
}

func (s *HTTPServer) handleTaskSearch(w http.ResponseWriter, r *http.Request, session Session, projectID int64) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	query := r.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))
	offset, _ := strconv.Atoi(query.Get("offset"))
	resp, err := s.service.SearchTasks(r.Context(), session, projectID, search.Query{
		Text:   query.Get("q"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleGroup(w http.ResponseWriter, r *http.Request, session Session, groupID int64, rest []string) {
	if len(rest) == 0 {
		switch r.Method {
		case http.MethodGet:
			group, err := s.service.GetGroup(r.Context(), session, groupID)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, group)
		case http.MethodPatch:
			var body GroupPatch
			if !readBody(w, r, &body) {
				return
			}
			group, err := s.service.UpdateGroup(r.Context(), session, groupID, body)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, group)
		case http.MethodDelete:
			if err := s.service.DeleteGroup(r.Context(), session, groupID); err != nil {
				s.fail(w, r, err)
				return
			}
			writeMessage(w, http.StatusOK, "Group deleted successfully")
		default:
			methodNotAllowed(w)
		}
		return
	}

	if len(rest) != 1 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch rest[0] {
	case "permissions":
		s.handleGroupPermissions(w, r, session, groupID)
	case "members":
		s.handleGroupMembers(w, r, session, groupID)
	case "leave":
		if r.Method != http.MethodPost && r.Method != http.MethodDelete {
			methodNotAllowed(w)
			return
		}
		if err := s.service.LeaveGroup(r.Context(), session, groupID); err != nil {
			s.fail(w, r, err)
			return
		}
		writeMessage(w, http.StatusOK, "Successfully left the group")
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleGroupPermissions(w http.ResponseWriter, r *http.Request, session Session, groupID int64) {
	switch r.Method {
	case http.MethodGet:
		flags, err := s.service.GetPermissions(r.Context(), session, groupID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, flags)
	case http.MethodPatch, http.MethodPut:
		var patch rbac.Patch
		if !readBody(w, r, &patch) {
			return
		}
		flags, err := s.service.UpdatePermissions(r.Context(), session, groupID, patch)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, flags)
	default:
		methodNotAllowed(w)
	}
}

func (s *HTTPServer) handleGroupMembers(w http.ResponseWriter, r *http.Request, session Session, groupID int64) {
	switch r.Method {
	case http.MethodGet:
		members, err := s.service.ListMembers(r.Context(), session, groupID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, members)
	case http.MethodPost:
		var body MemberInput
		if !readBody(w, r, &body) {
			return
		}
		member, err := s.service.AddMember(r.Context(), session, groupID, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"message": "Member added successfully", "member": member})
	case http.MethodDelete:
		var memberID int64
		if raw := strings.TrimSpace(r.URL.Query().Get("memberId")); raw != "" {
			parsed, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				s.fail(w, r, invalidField("memberId", "memberId must be a number"))
				return
			}
			memberID = parsed
		}
		if err := s.service.RemoveMember(r.Context(), session, groupID, memberID); err != nil {
			s.fail(w, r, err)
			return
		}
		writeMessage(w, http.StatusOK, "Member removed successfully")
	default:
		methodNotAllowed(w)
	}
}

func (s *HTTPServer) handleTag(w http.ResponseWriter, r *http.Request, session Session, tagID int64) {
	switch r.Method {
	case http.MethodPatch:
		var body TagPatch
		if !readBody(w, r, &body) {
			return
		}
		tag, err := s.service.UpdateTag(r.Context(), session, tagID, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, tag)
	case http.MethodDelete:
		if err := s.service.DeleteTag(r.Context(), session, tagID); err != nil {
			s.fail(w, r, err)
			return
		}
		writeMessage(w, http.StatusOK, "Tag deleted successfully")
	default:
		methodNotAllowed(w)
	}
}

func (s *HTTPServer) handleTask(w http.ResponseWriter, r *http.Request, session Session, taskID int64) {
	switch r.Method {
	case http.MethodGet:
		task, err := s.service.GetTask(r.Context(), session, taskID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
	case http.MethodPatch:
		var body TaskPatch
		if !readBody(w, r, &body) {
			return
		}
		task, err := s.service.UpdateTask(r.Context(), session, taskID, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
	case http.MethodDelete:
		if err := s.service.DeleteTask(r.Context(), session, taskID); err != nil {
			s.fail(w, r, err)
			return
		}
		writeMessage(w, http.StatusOK, "Task deleted successfully")
	default:
		methodNotAllowed(w)
	}
}
