package jira

import (
	"context"
	"errors"

	"github.com/huangang/issuesentry/pkg/logger"
)

// RawIssue is the provider's issue payload, read-only.
type RawIssue map[string]any

// Page is one decoded response of a paged list endpoint. Total is -1 when
// the response carried no total.
type Page struct {
	StartAt int
	Total   int
	Items   []map[string]any
}

// PageFunc fetches the page starting at startAt.
type PageFunc func(ctx context.Context, startAt, maxResults int) (*Page, error)

// PaginatedFetcher walks a paged endpoint with an offset cursor starting at 0.
//
// It stops when the items seen reach the total reported by the first
// successful page, or when a page comes back empty. A page that fails ends
// the walk; the caller keeps whatever was already delivered.
type PaginatedFetcher struct {
	PageSize int
	Fetch    PageFunc
	Label    string // for logs
}

// Each delivers every page's items to fn in increasing offset order and
// returns the number of items delivered. A non-nil error from fn stops the
// walk and is returned as is.
func (f *PaginatedFetcher) Each(ctx context.Context, fn func(items []map[string]any) error) (int, error) {
	if f.Fetch == nil {
		return 0, errors.New("paginated fetcher has no page func")
	}
	pageSize := f.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}

	startAt := 0
	fetched := 0
	total := -1
	pages := 0

	for {
		if err := ctx.Err(); err != nil {
			return fetched, err
		}

		page, err := f.Fetch(ctx, startAt, pageSize)
		if err != nil {
			logger.Warn().
				Err(err).
				Str("source", f.Label).
				Int("start_at", startAt).
				Int("fetched", fetched).
				Msg("[Jira] page fetch failed, stopping pagination")
			return fetched, err
		}
		pages++

		if total < 0 && page.Total >= 0 {
			total = page.Total
		}

		if len(page.Items) == 0 {
			if total >= 0 && fetched < total {
				logger.Warn().
					Str("source", f.Label).
					Int("fetched", fetched).
					Int("total", total).
					Msg("[Jira] empty page before reported total")
			}
			break
		}

		if err := fn(page.Items); err != nil {
			return fetched + len(page.Items), err
		}
		fetched += len(page.Items)
		startAt += len(page.Items)

		if total >= 0 && fetched >= total {
			break
		}
		// Without a total a short page is the last one.
		if total < 0 && len(page.Items) < pageSize {
			break
		}
	}

	logger.Debug().
		Str("source", f.Label).
		Int("pages", pages).
		Int("fetched", fetched).
		Int("total", total).
		Msg("[Jira] pagination finished")
	return fetched, nil
}

// All collects every item. On error the items fetched so far are returned
// together with the error.
func (f *PaginatedFetcher) All(ctx context.Context) ([]map[string]any, error) {
	var out []map[string]any
	_, err := f.Each(ctx, func(items []map[string]any) error {
		out = append(out, items...)
		return nil
	})
	return out, err
}

// decodePage reads total and the item list from a paged response, accepting
// either "issues" or "values" as the list key.
func decodePage(payload map[string]any, startAt int) *Page {
	page := &Page{StartAt: startAt, Total: -1}
	if total, ok := asInt(payload["total"]); ok {
		page.Total = total
	}

	list, ok := payload["issues"].([]any)
	if !ok {
		list, _ = payload["values"].([]any)
	}
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			page.Items = append(page.Items, m)
		}
	}
	return page
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	default:
		return 0, false
	}
}
