package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

type Decision int

const (
	// NotFound covers both a missing resource and a caller with no path to it.
	NotFound Decision = iota
	Deny
	Allow
)

func (d Decision) Allowed() bool {
	return d == Allow
}

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	default:
		return "not_found"
	}
}

// Source is the relational state the resolver reads. Lookups of missing rows return sql.ErrNoRows.
type Source interface {
	ProjectOwner(ctx context.Context, projectID int64) (int64, error)
	// MembershipFlags reports whether the user belongs to any group on the project
	// and the OR of the flags across all of those groups.
	MembershipFlags(ctx context.Context, projectID, userID int64) (bool, Flags, error)
	TaskProject(ctx context.Context, taskID int64) (int64, error)
	TagProject(ctx context.Context, tagID int64) (int64, error)
	GroupProject(ctx context.Context, groupID int64) (int64, error)
}

// Resolver applies the owner-first permission cascade. It holds no cache; every call reads Source.
type Resolver struct {
	src Source
}

func NewResolver(src Source) *Resolver {
	return &Resolver{src: src}
}

func (r *Resolver) Authorize(ctx context.Context, userID, projectID int64, action Action) (Decision, error) {
	ownerID, err := r.src.ProjectOwner(ctx, projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return NotFound, nil
	}
	if err != nil {
		return NotFound, fmt.Errorf("resolve project owner: %w", err)
	}
	if ownerID == userID {
		return Allow, nil
	}

	member, flags, err := r.src.MembershipFlags(ctx, projectID, userID)
	if err != nil {
		return NotFound, fmt.Errorf("resolve membership: %w", err)
	}
	if !member {
		return NotFound, nil
	}
	if flags.Allows(action) {
		return Allow, nil
	}
	return Deny, nil
}

// AuthorizeTask gates an action on a task by its project. The task's own owner and assignee grant nothing.
func (r *Resolver) AuthorizeTask(ctx context.Context, userID, taskID int64, action Action) (int64, Decision, error) {
	return r.authorizeScoped(ctx, userID, action, taskID, r.src.TaskProject, "task")
}

func (r *Resolver) AuthorizeTag(ctx context.Context, userID, tagID int64, action Action) (int64, Decision, error) {
	return r.authorizeScoped(ctx, userID, action, tagID, r.src.TagProject, "tag")
}

func (r *Resolver) AuthorizeGroup(ctx context.Context, userID, groupID int64, action Action) (int64, Decision, error) {
	return r.authorizeScoped(ctx, userID, action, groupID, r.src.GroupProject, "group")
}

func (r *Resolver) authorizeScoped(
	ctx context.Context,
	userID int64,
	action Action,
	resourceID int64,
	lookup func(context.Context, int64) (int64, error),
	kind string,
) (int64, Decision, error) {
	projectID, err := lookup(ctx, resourceID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, NotFound, nil
	}
	if err != nil {
		return 0, NotFound, fmt.Errorf("resolve %s project: %w", kind, err)
	}
	decision, err := r.Authorize(ctx, userID, projectID, action)
	return projectID, decision, err
}
