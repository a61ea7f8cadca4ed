package plaud

import (
	"context"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/atlastools/plaudgrab/must"
)

// MoveToTag re-tags the given recordings on the vendor side, which is how
// the dashboard models moving them into a folder.
func (c *Client) MoveToTag(ctx context.Context, tokens TokenSource, fileIDs []string, tagID string) error {
	body, err := json.Marshal(struct {
		FileIDList []string `json:"file_id_list"`
		FiletagID  string   `json:"filetag_id"`
	}{FileIDList: fileIDs, FiletagID: tagID})
	must.NilErr(err)

	_, err = c.withAuthRetry(ctx, tokens, "move", func(ctx context.Context, token string) (*Result, error) {
		header := APIHeaders(token)
		header["Content-Type"] = []string{"application/json"}
		req := Request{ //nolint:exhaustruct
			Method: http.MethodPost,
			Path:   "/file/update-tags",
			Header: header,
			Body:   body,
		}

		return c.Fetch(ctx, req, FetchOptions{}) //nolint:exhaustruct
	})

	return err
}

// Trash moves one recording to the vendor-side trash.
func (c *Client) Trash(ctx context.Context, tokens TokenSource, fileID string) error {
	body, err := json.Marshal([]string{fileID})
	must.NilErr(err)

	_, err = c.withAuthRetry(ctx, tokens, "trash", func(ctx context.Context, token string) (*Result, error) {
		header := APIHeaders(token)
		header["Content-Type"] = []string{"application/json"}
		req := Request{ //nolint:exhaustruct
			Method: http.MethodPost,
			Path:   "/file/trash/",
			Header: header,
			Body:   body,
		}

		return c.Fetch(ctx, req, FetchOptions{}) //nolint:exhaustruct
	})

	return err
}
