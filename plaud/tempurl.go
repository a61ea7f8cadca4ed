package plaud

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/tidwall/gjson"
)

var (
	ErrNoDownloadURL = errors.New("plaud: API did not return a usable download URL")

	errUnauthorized = errors.New("plaud: unauthorized")
)

// ResolveDownloadURL asks the API for a temporary download URL for the
// recording. A 401 triggers exactly one forced token refresh and retry
// before the failure surfaces.
func (c *Client) ResolveDownloadURL(ctx context.Context, tokens TokenSource, fileID string) (string, error) {
	if strings.TrimSpace(fileID) == "" {
		return "", errors.New("plaud: missing recording identifier on this item")
	}

	res, err := c.withAuthRetry(ctx, tokens, "download link", func(ctx context.Context, token string) (*Result, error) {
		req := Request{ //nolint:exhaustruct
			Method: http.MethodGet,
			Path:   "/file/temp-url/" + url.PathEscape(fileID),
			Header: APIHeaders(token),
		}

		return c.Fetch(ctx, req, FetchOptions{}) //nolint:exhaustruct
	})
	if nil != err {
		return "", err
	}

	downloadURL := ExtractDownloadURL(res.Payload)
	if downloadURL == "" {
		c.logger.Warn().Str("file_id", fileID).Msg("Plaud temp-url response did not include a direct link")
		return "", ErrNoDownloadURL
	}

	return downloadURL, nil
}

// withAuthRetry runs do with a bearer token, invalidating the cached token
// and retrying once with a forced refresh when the API answers 401. Any
// other non-2xx status becomes a rejection error carrying the parsed
// message when the body has one.
func (c *Client) withAuthRetry(
	ctx context.Context,
	tokens TokenSource,
	operation string,
	do func(ctx context.Context, token string) (*Result, error),
) (*Result, error) {
	var (
		attempt int
		lastRes *Result
	)
	err := retry.Do(
		ctx,
		retry.WithMaxRetries(1, retry.NewConstant(time.Millisecond)),
		func(ctx context.Context) error {
			forceRefresh := attempt > 0
			attempt++

			token, err := tokens.Token(ctx, forceRefresh)
			if nil != err {
				return fmt.Errorf("acquire token: %w", err)
			}
			if token == "" {
				return ErrNoToken
			}

			res, err := do(ctx, token)
			if nil != err {
				if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
					return err
				}

				return fmt.Errorf("plaud: network error while requesting %s: %v", operation, err)
			}
			lastRes = res

			if res.StatusCode == http.StatusUnauthorized {
				tokens.Invalidate()
				return retry.RetryableError(errUnauthorized)
			}

			return nil
		},
	)
	if nil != err {
		if errors.Is(err, errUnauthorized) {
			return nil, rejectionError(operation, lastRes)
		}

		return nil, err
	}

	if lastRes.StatusCode < 200 || lastRes.StatusCode >= 300 {
		return nil, rejectionError(operation, lastRes)
	}

	return lastRes, nil
}

func rejectionError(operation string, res *Result) error {
	if res != nil {
		if msg := res.Payload.Get("message").String(); msg != "" {
			return errors.New(msg)
		}
		if msg := res.Payload.Get("msg").String(); msg != "" {
			return errors.New(msg)
		}

		return fmt.Errorf("plaud: API rejected the %s request (%d)", operation, res.StatusCode)
	}

	return fmt.Errorf("plaud: API rejected the %s request", operation)
}

// ExtractDownloadURL walks the known shapes of the temp-url payload. The
// vendor has shipped several over time; first usable absolute URL wins.
func ExtractDownloadURL(payload gjson.Result) string {
	if !payload.IsObject() {
		return ""
	}

	for _, key := range []string{"temp_url", "tempUrl", "temp_url_opus", "url", "downloadUrl"} {
		if candidate := payload.Get(key).String(); strings.HasPrefix(candidate, "http") {
			return candidate
		}
	}

	data := payload.Get("data")
	switch {
	case data.IsArray():
		for _, element := range data.Array() {
			if element.Type == gjson.String && strings.HasPrefix(element.Str, "http") {
				return element.Str
			}
			if found := ExtractDownloadURL(element); found != "" {
				return found
			}
		}
	case data.IsObject():
		for _, key := range []string{"temp_url", "tempUrl", "url", "downloadUrl"} {
			if candidate := data.Get(key).String(); strings.HasPrefix(candidate, "http") {
				return candidate
			}
		}

		return ExtractDownloadURL(data)
	}

	return ""
}
