package plaud

import (
	"context"
	"net/http"
	"net/url"
)

// Bulk listing pagination approximates "everything the account has" with
// one oversized page.
const bulkListingPageSize = "99999"

// BulkListing fetches the account's recording list in one request, merging
// the caller's filtered view parameters over the fixed paging and sort
// parameters.
func (c *Client) BulkListing(ctx context.Context, tokens TokenSource, viewQuery url.Values) (*Result, error) {
	query := url.Values{
		"skip":     {"0"},
		"limit":    {bulkListingPageSize},
		"sort_by":  {"start_time"},
		"is_desc":  {"true"},
		"is_trash": {"0"},
	}
	for key, values := range viewQuery {
		query[key] = values
	}

	return c.withAuthRetry(ctx, tokens, "recording list", func(ctx context.Context, token string) (*Result, error) {
		req := Request{ //nolint:exhaustruct
			Method: http.MethodGet,
			Path:   "/file/simple/web",
			Query:  query,
			Header: APIHeaders(token),
		}

		return c.Fetch(ctx, req, FetchOptions{}) //nolint:exhaustruct
	})
}
