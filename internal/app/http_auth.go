package app

import (
	"net/http"
)

func writeAuth(w http.ResponseWriter, status int, session Session, user User) {
	writeJSON(w, status, map[string]any{
		"token":        session.Token,
		"refreshToken": session.RefreshToken,
		"user":         user,
	})
}

func (s *HTTPServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		Name     string `json:"name"`
	}
	if !readBody(w, r, &body) {
		return
	}
	session, user, err := s.service.Register(r.Context(), body.Email, body.Password, body.Name)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeAuth(w, http.StatusCreated, session, user)
}

func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !readBody(w, r, &body) {
		return
	}
	session, user, err := s.service.Login(r.Context(), body.Email, body.Password)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeAuth(w, http.StatusOK, session, user)
}

func (s *HTTPServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	if !readBody(w, r, &body) {
		return
	}
	session, user, err := s.service.Refresh(r.Context(), body.RefreshToken)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeAuth(w, http.StatusOK, session, user)
}

// handleLogout revokes what it can. A missing or stale access token is not an error.
func (s *HTTPServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	if !readBody(w, r, &body) {
		return
	}
	var session Session
	if token := bearerToken(r); token != "" {
		session, _ = s.service.SessionFromToken(r.Context(), token)
	}
	_ = s.service.Logout(r.Context(), session, body.RefreshToken)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleAccount serves the session-bound /api/auth routes.
func (s *HTTPServer) handleAccount(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if len(parts) != 1 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch parts[0] {
	case "me":
		switch r.Method {
		case http.MethodGet:
			user, err := s.service.Me(r.Context(), session)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"user": user})
		case http.MethodPatch:
			var body ProfileInput
			if !readBody(w, r, &body) {
				return
			}
			user, err := s.service.UpdateProfile(r.Context(), session, body)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"user": user})
		default:
			methodNotAllowed(w)
		}
		return

	case "change-password":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		var body struct {
			CurrentPassword string `json:"currentPassword"`
			NewPassword     string `json:"newPassword"`
		}
		if !readBody(w, r, &body) {
			return
		}
		if err := s.service.ChangePassword(r.Context(), session, body.CurrentPassword, body.NewPassword); err != nil {
			s.fail(w, r, err)
			return
		}
		writeMessage(w, http.StatusOK, "Password changed successfully")
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleUser(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if len(parts) == 1 && parts[0] == "groups" {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		groups, err := s.service.UserGroups(r.Context(), session)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, groups)
		return
	}

	if len(parts) == 1 && parts[0] == "avatar" {
		if r.Method != http.MethodPatch {
			methodNotAllowed(w)
			return
		}
		var body struct {
			Avatar string `json:"avatar"`
		}
		if !readBody(w, r, &body) {
			return
		}
		if err := s.service.UpdateAvatar(r.Context(), session, body.Avatar); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"message": "Avatar updated successfully", "avatar": body.Avatar})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}
