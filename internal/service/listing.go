package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pesio-ai/be-edu-approvals/internal/access"
	"github.com/pesio-ai/be-edu-approvals/internal/approvable"
	"github.com/pesio-ai/be-edu-approvals/internal/cache"
	"github.com/pesio-ai/be-edu-approvals/internal/errors"
	"github.com/pesio-ai/be-edu-approvals/internal/repository"
	"github.com/pesio-ai/be-edu-approvals/internal/tracing"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// ListFilter is the caller-supplied part of a listing query. It is always
// combined with the actor's access scope.
type ListFilter struct {
	ApprovableType approvable.Type
	Statuses       []repository.Status
	InstitutionIDs []int64
	SubmittedFrom  *time.Time
	SubmittedTo    *time.Time
	Search         string
	Limit          int
	Offset         int
}

// Page is one page of requests visible to an actor.
type Page struct {
	Items  []*repository.ApprovalRequest
	Total  int
	Limit  int
	Offset int
}

// History is a request with its ordered action log.
type History struct {
	Request *repository.ApprovalRequest
	Actions []*repository.ApprovalAction
}

// Stats counts an actor's visible requests per status for one category.
type Stats struct {
	Category approvable.Type
	Counts   map[repository.Status]int
	Total    int
}

// GetResponsesForApproval lists requests inside the actor's scope that
// match filter, newest first.
func (e *ApprovalEngine) GetResponsesForApproval(ctx context.Context, actor access.Actor, filter ListFilter) (page *Page, err error) {
	ctx, span := tracing.StartSpan(ctx, "approvals.list", tracing.KindInternal)
	span.WithAttributes(map[string]string{"actor_role": string(actor.Role), "approvable_type": string(filter.ApprovableType)})
	defer func() { tracing.EndSpan(span, err) }()

	if filter.SubmittedFrom != nil && filter.SubmittedTo != nil && filter.SubmittedTo.Before(*filter.SubmittedFrom) {
		return nil, errors.InvalidInput("submitted_to", "must not be before submitted_from")
	}
	if filter.ApprovableType != "" && !e.approvables.Supports(filter.ApprovableType) {
		return nil, errors.InvalidInput("approvable_type", fmt.Sprintf("unknown approvable type %q", filter.ApprovableType))
	}
	scope, err := e.scopes.Resolve(actor)
	if err != nil {
		return nil, err
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	items, total, err := e.requests.ListRequests(ctx, repository.RequestFilter{
		ApprovableType: filter.ApprovableType,
		Statuses:       filter.Statuses,
		InstitutionIDs: filter.InstitutionIDs,
		SubmittedFrom:  filter.SubmittedFrom,
		SubmittedTo:    filter.SubmittedTo,
		Search:         strings.TrimSpace(filter.Search),
		Scope:          ScopeFilter(scope),
		Limit:          limit,
		Offset:         offset,
	})
	if err != nil {
		return nil, err
	}
	return &Page{Items: items, Total: total, Limit: limit, Offset: offset}, nil
}

// GetHistory returns a request and its actions. The submitter and anyone
// whose scope covers the request may read it.
func (e *ApprovalEngine) GetHistory(ctx context.Context, actor access.Actor, requestID string) (*History, error) {
	req, err := e.requests.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.SubmittedBy != actor.UserID {
		ok, err := e.CanAct(ctx, actor, req)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errors.Unauthorized(fmt.Sprintf("request %s is outside the scope of user %d", requestID, actor.UserID))
		}
	}
	actions, err := e.requests.ListActions(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return &History{Request: req, Actions: actions}, nil
}

// GetStats returns per-status counts of the actor's visible requests in
// category, served from the stats cache.
func (e *ApprovalEngine) GetStats(ctx context.Context, actor access.Actor, category approvable.Type) (Stats, error) {
	if !e.approvables.Supports(category) {
		return Stats{}, errors.InvalidInput("approvable_type", fmt.Sprintf("unknown approvable type %q", category))
	}
	scope, err := e.scopes.Resolve(actor)
	if err != nil {
		return Stats{}, err
	}
	key := cache.Key{Category: category, UserID: actor.UserID, Role: actor.Role}
	return e.stats.GetOrLoad(ctx, key, func(ctx context.Context) (Stats, error) {
		counts, err := e.requests.CountByStatus(ctx, repository.RequestFilter{
			ApprovableType: category,
			Scope:          ScopeFilter(scope),
		})
		if err != nil {
			return Stats{}, err
		}
		stats := Stats{Category: category, Counts: counts}
		for _, n := range counts {
			stats.Total += n
		}
		return stats, nil
	})
}

// ScopeFilter converts a resolved scope into its query form.
func ScopeFilter(scope access.Scope) repository.ScopeFilter {
	return repository.ScopeFilter{
		Unrestricted:       scope.Unrestricted,
		InstitutionIDs:     scope.InstitutionList(),
		ExcludeSubmitterID: scope.ExcludeSubmitterID,
		OwnSubmitterID:     scope.OwnSubmitterID,
		MatchRole:          scope.MatchRole,
	}
}
