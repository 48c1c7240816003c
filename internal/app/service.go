package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"taskboard/api/internal/auth"
	"taskboard/api/internal/authpw"
	"taskboard/api/internal/config"
	"taskboard/api/internal/email"
	"taskboard/api/internal/rbac"
	"taskboard/api/internal/realtime"
	"taskboard/api/internal/search"
	"taskboard/api/internal/session"
	"taskboard/api/internal/store"
	"taskboard/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       int64
	Email        string
	UserName     string
	JTI          string
	ExpiresAt    time.Time
}

type dataStore interface {
	rbac.Source
	authpw.UserStore
	sessionStore

	UpdateUserProfile(ctx context.Context, userID int64, name, uiMode store.Field[string]) (store.User, error)
	UpdateUserAvatar(ctx context.Context, userID int64, avatar string) error

	ListProjectsForUser(ctx context.Context, userID int64) ([]store.Project, error)
	GetProject(ctx context.Context, projectID int64) (store.Project, error)
	CreateProjectWithDefaults(ctx context.Context, in store.NewProject) (store.Project, error)
	UpdateProject(ctx context.Context, projectID int64, in store.ProjectUpdate) (store.Project, error)
	DeleteProject(ctx context.Context, projectID int64) error

	ListGroups(ctx context.Context, projectID int64) ([]store.Group, error)
	GetGroup(ctx context.Context, groupID int64) (store.Group, error)
	CreateGroup(ctx context.Context, in store.NewGroup) (store.Group, error)
	UpdateGroup(ctx context.Context, groupID int64, in store.GroupUpdate) (store.Group, error)
	DeleteGroup(ctx context.Context, groupID int64) error
	GetPermissions(ctx context.Context, groupID int64) (rbac.Flags, error)
	UpdatePermissions(ctx context.Context, groupID int64, patch rbac.Patch) (rbac.Flags, error)
	ListGroupMembers(ctx context.Context, groupID int64) ([]store.Member, error)
	AddGroupMember(ctx context.Context, groupID, userID int64, role rbac.Role) (store.Member, error)
	RemoveGroupMember(ctx context.Context, groupID, memberID int64) error
	LeaveGroup(ctx context.Context, groupID, userID int64) error
	UserGroupsInProject(ctx context.Context, projectID, userID int64) ([]store.Membership, error)
	UserGroups(ctx context.Context, userID int64) ([]store.Membership, error)

	ListTags(ctx context.Context, projectID int64) ([]store.Tag, error)
	GetTag(ctx context.Context, tagID int64) (store.Tag, error)
	CreateTag(ctx context.Context, in store.NewTag) (store.Tag, error)
	UpdateTag(ctx context.Context, tagID int64, in store.TagUpdate) (store.Tag, error)
	DeleteTag(ctx context.Context, tagID int64) error
	TagInProject(ctx context.Context, tagID, projectID int64) (bool, error)

	ListTasks(ctx context.Context, projectID int64) ([]store.Task, error)
	GetTask(ctx context.Context, taskID int64) (store.Task, error)
	CreateTask(ctx context.Context, in store.NewTask) (store.Task, error)
	UpdateTask(ctx context.Context, taskID, actorID int64, in store.TaskUpdate) (store.Task, error)
	DeleteTask(ctx context.Context, taskID int64) error

	Ping(ctx context.Context) error
}

// sessionStore holds refresh tokens and revoked access tokens. Both the
// Postgres store and the Redis store implement it.
type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash string, userID int64, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (int64, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
	RevokeAccessToken(ctx context.Context, jti string, expiresAt time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)
}

type mailer interface {
	IsConfigured() bool
	SendMemberAdded(to string, data email.MemberAddedData) error
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	resolver *rbac.Resolver
	authpw   *authpw.Service
	search   *search.Service
	mailer   mailer
	hub      *realtime.Hub
	logger   *slog.Logger
}

type Option func(*Service)

// WithSessionStore moves refresh and revocation state off the main store, e.g. to Redis.
func WithSessionStore(sessions sessionStore) Option {
	return func(s *Service) { s.sessions = sessions }
}

func WithSearch(svc *search.Service) Option {
	return func(s *Service) { s.search = svc }
}

func WithMailer(m mailer) Option {
	return func(s *Service) { s.mailer = m }
}

func WithHub(h *realtime.Hub) Option {
	return func(s *Service) { s.hub = h }
}

// WithPasswordCost sets the bcrypt cost; tests use bcrypt.MinCost.
func WithPasswordCost(cost int) Option {
	return func(s *Service) { s.authpw.WithCost(cost) }
}

func New(cfg config.Config, dataStore dataStore, opts ...Option) *Service {
	s := &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: dataStore,
		resolver: rbac.NewResolver(dataStore),
		authpw:   authpw.NewService(dataStore),
		logger:   slog.Default().With("component", "app"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// RealtimeStats is nil when no hub is attached.
func (s *Service) RealtimeStats() *realtime.Snapshot {
	if s.hub == nil {
		return nil
	}
	snap := s.hub.Snapshot()
	return &snap
}

// Sessions

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), user.ID, user.Email, jti, expiresAt)
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, now.Add(s.cfg.RefreshTTL)); err != nil {
		return Session{}, fmt.Errorf("save refresh session: %w", err)
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		Email:        user.Email,
		UserName:     user.Name,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

// SessionFromToken verifies a bearer token and loads the user it names.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.sessions.IsAccessTokenRevoked(ctx, claims.ID)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.UserID)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, auth.ErrInvalidToken
	}
	if err != nil {
		return Session{}, err
	}

	var expiresAt time.Time
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}
	return Session{
		Token:     token,
		UserID:    user.ID,
		Email:     user.Email,
		UserName:  user.Name,
		JTI:       claims.ID,
		ExpiresAt: expiresAt,
	}, nil
}

// Refresh rotates a refresh token: the old one is revoked and a new pair issued.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, User, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return Session{}, User{}, auth.ErrInvalidToken
	}
	tokenHash := auth.HashToken(refreshToken)
	userID, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if errors.Is(err, sql.ErrNoRows) || errors.Is(err, session.ErrNotFound) {
		return Session{}, User{}, auth.ErrInvalidToken
	}
	if err != nil {
		return Session{}, User{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, User{}, err
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, User{}, auth.ErrInvalidToken
	}
	if err != nil {
		return Session{}, User{}, err
	}
	sess, err := s.issueSession(ctx, user)
	return sess, publicUser(user), err
}

func (s *Service) Logout(ctx context.Context, sess Session, refreshToken string) error {
	if sess.JTI != "" {
		if err := s.sessions.RevokeAccessToken(ctx, sess.JTI, sess.ExpiresAt); err != nil {
			s.logger.Warn("revoke access token", "error", err)
		}
	}
	if refreshToken != "" {
		if err := s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken)); err != nil {
			s.logger.Warn("revoke refresh session", "error", err)
		}
	}
	return nil
}

// Accounts

// User is the public view of an account returned by the auth endpoints.
type User struct {
	ID     int64  `json:"id"`
	Email  string `json:"email"`
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
	UIMode string `json:"uiMode"`
}

func publicUser(u store.User) User {
	return User{ID: u.ID, Email: u.Email, Name: u.Name, Avatar: u.Avatar, UIMode: u.UIMode}
}

func (s *Service) Register(ctx context.Context, emailAddr, password, name string) (Session, User, error) {
	user, err := s.authpw.Register(ctx, authpw.RegisterRequest{Email: emailAddr, Password: password, Name: name})
	if err != nil {
		return Session{}, User{}, accountError(err)
	}
	sess, err := s.issueSession(ctx, user)
	return sess, publicUser(user), err
}

func (s *Service) Login(ctx context.Context, emailAddr, password string) (Session, User, error) {
	user, err := s.authpw.Login(ctx, emailAddr, password)
	if err != nil {
		return Session{}, User{}, accountError(err)
	}
	sess, err := s.issueSession(ctx, user)
	return sess, publicUser(user), err
}

func (s *Service) ChangePassword(ctx context.Context, sess Session, current, next string) error {
	return accountError(s.authpw.ChangePassword(ctx, sess.UserID, current, next))
}

func accountError(err error) error {
	var vErr *authpw.ValidationError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &vErr):
		return invalidField(vErr.Field, vErr.Message)
	case errors.Is(err, authpw.ErrEmailTaken):
		return validationError("User with this email already exists", nil)
	case errors.Is(err, authpw.ErrInvalidCredentials):
		return domainError(401, "INVALID_CREDENTIALS", "Invalid email or password", nil)
	case errors.Is(err, authpw.ErrWrongPassword):
		return validationError("Current password is incorrect", nil)
	case errors.Is(err, sql.ErrNoRows):
		return notFound("User not found")
	default:
		return err
	}
}

func (s *Service) Me(ctx context.Context, sess Session) (User, error) {
	user, err := s.store.GetUserByID(ctx, sess.UserID)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, notFound("User not found")
	}
	if err != nil {
		return User{}, err
	}
	return publicUser(user), nil
}

var uiModes = map[string]struct{}{"dev": {}, "regular": {}}

type ProfileInput struct {
	Name   store.Field[string] `json:"name"`
	UIMode store.Field[string] `json:"uiMode"`
}

func (s *Service) UpdateProfile(ctx context.Context, sess Session, in ProfileInput) (User, error) {
	if !in.Name.Set && !in.UIMode.Set {
		return User{}, validationError("No valid fields to update", nil)
	}
	if in.Name.Set {
		if in.Name.IsNull() {
			return User{}, invalidField("name", "Name is required")
		}
		in.Name = store.Value(strings.TrimSpace(in.Name.Value.V))
		if err := authpw.ValidateName(in.Name.Value.V); err != nil {
			return User{}, accountError(err)
		}
	}
	if in.UIMode.Set {
		if _, ok := uiModes[in.UIMode.Value.V]; !ok || in.UIMode.IsNull() {
			return User{}, invalidField("uiMode", "uiMode must be dev or regular")
		}
	}

	user, err := s.store.UpdateUserProfile(ctx, sess.UserID, in.Name, in.UIMode)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, notFound("User not found")
	}
	if err != nil {
		return User{}, err
	}
	return publicUser(user), nil
}

var avatarPattern = regexp.MustCompile(`^avatar-[1-5]\.png$`)

func (s *Service) UpdateAvatar(ctx context.Context, sess Session, avatar string) error {
	if !avatarPattern.MatchString(avatar) {
		return validationError("Invalid avatar selection", nil)
	}
	return s.store.UpdateUserAvatar(ctx, sess.UserID, avatar)
}

func (s *Service) UserGroups(ctx context.Context, sess Session) ([]store.Membership, error) {
	return s.store.UserGroups(ctx, sess.UserID)
}
