package search

import "context"

// Result is a single task hit returned to the caller.
type Result struct {
	TaskID    int64  `json:"taskId"`
	ProjectID int64  `json:"projectId"`
	Title     string `json:"title"`
	Snippet   string `json:"snippet"`
	TagID     *int64 `json:"tagId"`
	Priority  string `json:"priority"`
}

// Query describes a search request within one project.
type Query struct {
	Text      string
	ProjectID int64
	Limit     int
	Offset    int
}

func (q Query) limit() int {
	if q.Limit <= 0 || q.Limit > 100 {
		return 20
	}
	return q.Limit
}

func (q Query) offset() int {
	if q.Offset < 0 {
		return 0
	}
	return q.Offset
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Index is a searcher that also accepts writes.
type Index interface {
	Searcher
	IndexTasks(tasks []TaskRecord) error
	DeleteTask(id int64) error
}

// TaskRecord is the data we index for a task.
type TaskRecord struct {
	ID          int64  `json:"id"`
	ProjectID   int64  `json:"projectId"`
	Title       string `json:"title"`
	Description string `json:"description"`
	TagID       *int64 `json:"tagId"`
	Priority    string `json:"priority"`
}
