package jira

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

const (
	searchPath = "/rest/api/3/search"
	fieldPath  = "/rest/api/3/field"
	issuePath  = "/rest/api/3/issue/"
	myselfPath = "/rest/api/3/myself"
)

// SearchFields are requested for every issue; the discovered team field is
// appended per instance.
var SearchFields = []string{
	"summary",
	"assignee",
	"reporter",
	"labels",
	"duedate",
	"priority",
	"worklog",
	"updated",
	"timetracking",
	"status",
	"customfield_10020",
	"customfield_10001",
}

// SearchFieldList returns SearchFields plus teamFieldID when it is set and
// not already listed.
func SearchFieldList(teamFieldID string) []string {
	fields := append([]string(nil), SearchFields...)
	if teamFieldID == "" {
		return fields
	}
	for _, f := range fields {
		if f == teamFieldID {
			return fields
		}
	}
	return append(fields, teamFieldID)
}

// ProjectJQL scopes a search to one project.
func ProjectJQL(projectKey string) string {
	return fmt.Sprintf("project=%s", projectKey)
}

// SearchPage returns a PageFunc over the issue search endpoint.
func (c *Client) SearchPage(jql string, fields []string) PageFunc {
	return func(ctx context.Context, startAt, maxResults int) (*Page, error) {
		query := url.Values{}
		query.Set("jql", jql)
		query.Set("startAt", strconv.Itoa(startAt))
		query.Set("maxResults", strconv.Itoa(maxResults))
		query.Set("expand", "changelog,worklog")
		if len(fields) > 0 {
			query.Set("fields", strings.Join(fields, ","))
		}

		payload, err := c.GetJSON(ctx, searchPath, query)
		if err != nil {
			return nil, err
		}
		return decodePage(payload, startAt), nil
	}
}

// ProjectIssues returns a fetcher over every issue of projectKey.
func (c *Client) ProjectIssues(projectKey, teamFieldID string) *PaginatedFetcher {
	return &PaginatedFetcher{
		PageSize: c.pageSize,
		Fetch:    c.SearchPage(ProjectJQL(projectKey), SearchFieldList(teamFieldID)),
		Label:    "issues:" + projectKey,
	}
}

// FetchAll collects every raw issue of projectKey.
func (c *Client) FetchAll(ctx context.Context, projectKey, teamFieldID string) ([]RawIssue, error) {
	items, err := c.ProjectIssues(projectKey, teamFieldID).All(ctx)
	out := make([]RawIssue, 0, len(items))
	for _, item := range items {
		out = append(out, RawIssue(item))
	}
	return out, err
}

// GetIssue fetches one issue by id or key with its change log expanded.
func (c *Client) GetIssue(ctx context.Context, idOrKey, teamFieldID string) (RawIssue, error) {
	query := url.Values{}
	query.Set("expand", "changelog")
	query.Set("fields", strings.Join(SearchFieldList(teamFieldID), ","))

	payload, err := c.GetJSON(ctx, issuePath+url.PathEscape(idOrKey), query)
	if err != nil {
		return nil, err
	}
	return RawIssue(payload), nil
}

// DiscoverTeamField returns the id of the first field whose name contains
// "team", case-insensitively, or "" when there is none.
func (c *Client) DiscoverTeamField(ctx context.Context) (string, error) {
	var fields []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := c.getInto(ctx, fieldPath, nil, &fields); err != nil {
		return "", err
	}
	for _, f := range fields {
		if strings.Contains(strings.ToLower(f.Name), "team") {
			return f.ID, nil
		}
	}
	return "", nil
}

// Account is the subset of /myself used to validate credentials.
type Account struct {
	AccountID    string `json:"accountId"`
	DisplayName  string `json:"displayName"`
	EmailAddress string `json:"emailAddress"`
	Active       bool   `json:"active"`
}

// Myself returns the account the credentials authenticate as.
func (c *Client) Myself(ctx context.Context) (*Account, error) {
	var acct Account
	if err := c.getInto(ctx, myselfPath, nil, &acct); err != nil {
		return nil, err
	}
	return &acct, nil
}
