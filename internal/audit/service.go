package audit

import (
	"context"
	"fmt"
)

// Repository persists and lists security events.
type Repository interface {
	InsertEvent(ctx context.Context, event SecurityEvent) error
	ListEvents(ctx context.Context, params ListParams) ([]SecurityEvent, error)
}

// Service stores security events and serves the timeline.
type Service struct {
	repo Repository
}

// NewService constructs a Service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// LogEvent implements Sink by persisting the event.
func (s *Service) LogEvent(ctx context.Context, event SecurityEvent) error {
	if s == nil || s.repo == nil {
		return fmt.Errorf("audit: repository not configured")
	}
	if event.Action == "" || event.Stage == "" {
		return fmt.Errorf("audit: event requires action and stage")
	}
	return s.repo.InsertEvent(ctx, event)
}

// Timeline returns one page of events, newest first.
func (s *Service) Timeline(ctx context.Context, filters TimelineFilters) (Result, error) {
	if s == nil || s.repo == nil {
		return Result{}, fmt.Errorf("audit: repository not configured")
	}
	pageSize := filters.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	page := filters.Page
	if page <= 0 {
		page = 1
	}
	filters.Page, filters.PageSize = page, pageSize
	events, err := s.repo.ListEvents(ctx, ListParams{
		TimelineFilters: filters,
		Offset:          (page - 1) * pageSize,
		Limit:           pageSize + 1,
	})
	if err != nil {
		return Result{}, err
	}
	hasNext := len(events) > pageSize
	if hasNext {
		events = events[:pageSize]
	}
	paging := PagingInfo{Page: page, PageSize: pageSize, HasNext: hasNext}
	if page > 1 {
		paging.PrevPage = page - 1
	}
	if hasNext {
		paging.NextPage = page + 1
	}
	if events == nil {
		events = []SecurityEvent{}
	}
	return Result{Events: events, Paging: paging}, nil
}
