// Package board keeps a client-side copy of a project's tasks so drag and
// drop feels immediate, then reconciles it with what the API confirms.
package board

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"taskboard/api/internal/store"
)

// Task is the API's task record.
type Task = store.Task

var (
	ErrUnknownTask = errors.New("task not on board")
	ErrBusy        = errors.New("task has a move in flight")
	ErrNotDragging = errors.New("task is not being dragged")
)

// TaskAPI is the authoritative side of the board.
type TaskAPI interface {
	ListTasks(ctx context.Context, projectID int64) ([]Task, error)
	UpdateTaskTag(ctx context.Context, taskID int64, tagID *int64) (Task, error)
}

// Notifier tells other clients about a confirmed move.
type Notifier interface {
	TaskUpdated(projectID int64, task Task) error
}

type Option func(*Board)

func WithNotifier(n Notifier) Option {
	return func(b *Board) { b.notifier = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(b *Board) { b.logger = l }
}

// flight tracks the request for one task and the newest placement dropped while it ran.
type flight struct {
	pending    *int64
	hasPending bool
}

type Board struct {
	projectID int64
	api       TaskAPI
	notifier  Notifier
	logger    *slog.Logger

	mu        sync.Mutex
	tasks     []Task
	confirmed []Task
	dragging  map[int64]struct{}
	inflight  map[int64]*flight
}

func New(api TaskAPI, projectID int64, opts ...Option) *Board {
	b := &Board{
		projectID: projectID,
		api:       api,
		logger:    slog.Default(),
		dragging:  make(map[int64]struct{}),
		inflight:  make(map[int64]*flight),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "board", "project_id", projectID)
	return b
}

// Load replaces local and confirmed state with a fresh server listing.
func (b *Board) Load(ctx context.Context) error {
	tasks, err := b.api.ListTasks(ctx, b.projectID)
	if err != nil {
		return fmt.Errorf("load board: %w", err)
	}
	b.mu.Lock()
	b.tasks = cloneTasks(tasks)
	b.confirmed = cloneTasks(tasks)
	b.mu.Unlock()
	return nil
}

// Tasks returns a copy of the local, possibly optimistic, task list.
func (b *Board) Tasks() []Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	return cloneTasks(b.tasks)
}

// Confirmed returns a copy of the last server-confirmed task list.
func (b *Board) Confirmed() []Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	return cloneTasks(b.confirmed)
}

// Busy reports whether a move for the task is still waiting on the server.
func (b *Board) Busy(taskID int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.inflight[taskID]
	return ok
}

// BeginDrag starts a drag. A task with a move in flight cannot be picked up again.
func (b *Board) BeginDrag(taskID int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if indexOf(b.tasks, taskID) < 0 {
		return ErrUnknownTask
	}
	if _, ok := b.inflight[taskID]; ok {
		return ErrBusy
	}
	b.dragging[taskID] = struct{}{}
	return nil
}

// DragOver places the task in a column locally. No request is made. The task
// must be picked up with BeginDrag first, or have a move in flight, in which
// case the placement becomes the next Drop's pending target.
func (b *Board) DragOver(taskID int64, tagID *int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	i, err := b.placeableLocked(taskID)
	if err != nil {
		return err
	}
	b.tasks[i].TagID = cloneID(tagID)
	return nil
}

// Drop commits the task's local column. If it matches the confirmed column
// nothing is sent. While a request for the task is running the placement is
// parked and sent once that request settles, so the last drop wins.
func (b *Board) Drop(ctx context.Context, taskID int64) error {
	b.mu.Lock()
	i, err := b.placeableLocked(taskID)
	if err != nil {
		b.mu.Unlock()
		return err
	}
	delete(b.dragging, taskID)
	target := cloneID(b.tasks[i].TagID)

	if f, ok := b.inflight[taskID]; ok {
		f.pending = target
		f.hasPending = true
		b.mu.Unlock()
		return nil
	}

	if c := indexOf(b.confirmed, taskID); c >= 0 && sameTag(b.confirmed[c].TagID, target) {
		b.mu.Unlock()
		return nil
	}
	b.inflight[taskID] = &flight{}
	b.mu.Unlock()

	return b.settle(ctx, taskID, target)
}

func (b *Board) placeableLocked(taskID int64) (int, error) {
	i := indexOf(b.tasks, taskID)
	if i < 0 {
		return -1, ErrUnknownTask
	}
	_, dragging := b.dragging[taskID]
	_, inflight := b.inflight[taskID]
	if !dragging && !inflight {
		return -1, ErrNotDragging
	}
	return i, nil
}

func (b *Board) settle(ctx context.Context, taskID int64, target *int64) error {
	for {
		task, err := b.api.UpdateTaskTag(ctx, taskID, target)

		b.mu.Lock()
		if err != nil {
			delete(b.inflight, taskID)
			b.tasks = cloneTasks(b.confirmed)
			b.mu.Unlock()
			b.logger.Warn("move rejected, reverted board", "task_id", taskID, "error", err)
			return fmt.Errorf("move task %d: %w", taskID, err)
		}

		b.confirmed = upsert(b.confirmed, task)
		b.tasks = upsert(b.tasks, task)

		f := b.inflight[taskID]
		next, resend := f.pending, f.hasPending && !sameTag(f.pending, task.TagID)
		f.pending, f.hasPending = nil, false
		if resend {
			if i := indexOf(b.tasks, taskID); i >= 0 {
				b.tasks[i].TagID = cloneID(next)
			}
		} else {
			delete(b.inflight, taskID)
		}
		b.mu.Unlock()

		b.notify(task)
		if !resend {
			return nil
		}
		target = next
	}
}

func (b *Board) notify(task Task) {
	if b.notifier == nil {
		return
	}
	if err := b.notifier.TaskUpdated(b.projectID, task); err != nil {
		b.logger.Warn("notify task-updated", "task_id", task.ID, "error", err)
	}
}

// ApplyCreated adds a task another client created. Known ids are ignored.
func (b *Board) ApplyCreated(task Task) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if indexOf(b.confirmed, task.ID) < 0 {
		b.confirmed = append(b.confirmed, task)
	}
	if indexOf(b.tasks, task.ID) < 0 {
		b.tasks = append(b.tasks, task)
	}
}

// ApplyUpdated overwrites a task with another client's copy; last arrival wins.
func (b *Board) ApplyUpdated(task Task) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.confirmed = upsert(b.confirmed, task)
	b.tasks = upsert(b.tasks, task)
}

func (b *Board) ApplyDeleted(taskID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.confirmed = without(b.confirmed, taskID)
	b.tasks = without(b.tasks, taskID)
	delete(b.dragging, taskID)
}

func indexOf(tasks []Task, id int64) int {
	for i := range tasks {
		if tasks[i].ID == id {
			return i
		}
	}
	return -1
}

func upsert(tasks []Task, task Task) []Task {
	if i := indexOf(tasks, task.ID); i >= 0 {
		tasks[i] = task
		return tasks
	}
	return append(tasks, task)
}

func without(tasks []Task, id int64) []Task {
	out := tasks[:0]
	for _, t := range tasks {
		if t.ID != id {
			out = append(out, t)
		}
	}
	return out
}

func sameTag(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func cloneID(id *int64) *int64 {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}

// cloneTasks copies the slice and the tag pointer the board mutates.
func cloneTasks(tasks []Task) []Task {
	out := make([]Task, len(tasks))
	copy(out, tasks)
	for i := range out {
		out[i].TagID = cloneID(out[i].TagID)
	}
	return out
}
