package jira

import (
	"context"
	"net/url"
	"strconv"
	"strings"
)

const projectSearchPath = "/rest/api/3/project/search"

// ProjectRef identifies a project for one sync run.
type ProjectRef struct {
	Key  string `json:"key"`
	Name string `json:"name"`
}

// ProjectPage returns a PageFunc over the project search endpoint.
func (c *Client) ProjectPage() PageFunc {
	return func(ctx context.Context, startAt, maxResults int) (*Page, error) {
		query := url.Values{}
		query.Set("startAt", strconv.Itoa(startAt))
		query.Set("maxResults", strconv.Itoa(maxResults))

		payload, err := c.GetJSON(ctx, projectSearchPath, query)
		if err != nil {
			return nil, err
		}
		return decodePage(payload, startAt), nil
	}
}

// ListProjects enumerates every project visible to the credentials,
// dropping entries without both a key and a name. On a mid-way failure the
// projects seen so far are returned with the error.
func (c *Client) ListProjects(ctx context.Context) ([]ProjectRef, error) {
	fetcher := &PaginatedFetcher{
		PageSize: c.pageSize,
		Fetch:    c.ProjectPage(),
		Label:    "projects",
	}

	var out []ProjectRef
	_, err := fetcher.Each(ctx, func(items []map[string]any) error {
		for _, item := range items {
			key, _ := item["key"].(string)
			name, _ := item["name"].(string)
			key = strings.TrimSpace(key)
			if key == "" || strings.TrimSpace(name) == "" {
				continue
			}
			out = append(out, ProjectRef{Key: key, Name: name})
		}
		return nil
	})
	return out, err
}
