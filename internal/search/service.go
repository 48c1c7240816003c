package search

import (
	"context"
	"log/slog"
)

// Service is the facade that tries the index first and falls back to PG FTS.
type Service struct {
	index    Index
	fallback Searcher
	logger   *slog.Logger
}

// NewService creates a search service. index may be nil if Meilisearch is not configured.
func NewService(index Index, fallback Searcher) *Service {
	return &Service{index: index, fallback: fallback, logger: slog.Default().With("component", "search")}
}

func (s *Service) indexReady() bool {
	return s.index != nil && s.index.Healthy()
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.indexReady() {
		results, total, err := s.index.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.logger.Warn("index search failed, falling back to pgfts", "error", err)
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.Error("pgfts search failed", "error", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexTask upserts a task into the index without blocking the caller.
func (s *Service) IndexTask(t TaskRecord) {
	if !s.indexReady() {
		return
	}
	go func() {
		if err := s.index.IndexTasks([]TaskRecord{t}); err != nil {
			s.logger.Warn("index task", "task_id", t.ID, "error", err)
		}
	}()
}

// DeleteTask removes a task from the index without blocking the caller.
func (s *Service) DeleteTask(id int64) {
	if !s.indexReady() {
		return
	}
	go func() {
		if err := s.index.DeleteTask(id); err != nil {
			s.logger.Warn("delete task from index", "task_id", id, "error", err)
		}
	}()
}

// RecordLoader reads every indexable task; PgFTS implements it.
type RecordLoader interface {
	LoadAllRecords(ctx context.Context) ([]TaskRecord, error)
}

// ReindexAll pushes every task from the loader into the index.
func (s *Service) ReindexAll(ctx context.Context, loader RecordLoader) {
	if !s.indexReady() || loader == nil {
		return
	}
	records, err := loader.LoadAllRecords(ctx)
	if err != nil {
		s.logger.Error("reindex load failed", "error", err)
		return
	}
	if len(records) == 0 {
		return
	}
	if err := s.index.IndexTasks(records); err != nil {
		s.logger.Error("reindex tasks", "count", len(records), "error", err)
		return
	}
	s.logger.Info("reindexed tasks", "count", len(records))
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
