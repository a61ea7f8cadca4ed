package meta_test

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlastools/plaudgrab/meta"
	"github.com/atlastools/plaudgrab/plaud"
	"github.com/atlastools/plaudgrab/types"
)

type staticTokens string

func (s staticTokens) Token(_ context.Context, _ bool) (string, error) { return string(s), nil }
func (s staticTokens) Invalidate()                                     {}

type countingTransport struct {
	body  string
	calls int
}

func (t *countingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.calls++

	//nolint:exhaustruct
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(bytes.NewReader([]byte(t.body))),
		Header:     http.Header{},
		Request:    req,
	}, nil
}

func newListingClient(transport http.RoundTripper) *plaud.Client {
	return plaud.NewClient(zerolog.Nop(), plaud.Options{
		DefaultBase:   "",
		PreferredBase: "",
		OnBaseChange:  nil,
		HTTPClient:    &http.Client{Transport: transport}, //nolint:exhaustruct
	})
}

const listingBody = `{
	"status": 0,
	"data_file_list": [
		{"id": "rec-1", "start_time": 1700000000000, "end_time": 1700000600000, "duration": 600000,
		 "timezone_offset_hours": 2, "timezone_offset_minutes": 0},
		{"id": "rec-2", "start_time": "1700001000000", "duration": null}
	]
}`

func TestAttach(t *testing.T) {
	t.Parallel()

	transport := &countingTransport{body: listingBody, calls: 0}
	attacher := meta.NewAttacher(zerolog.Nop(), newListingClient(transport), staticTokens("tok.t.x"))

	items := []*types.RecordingDescriptor{
		{FileID: "rec-1", Filename: "a", URL: "", Extension: "mp3", Context: "", Metadata: nil, Conflict: types.ConflictUniquify},
		{FileID: "rec-2", Filename: "b", URL: "", Extension: "mp3", Context: "", Metadata: nil, Conflict: types.ConflictUniquify},
		{FileID: "rec-unknown", Filename: "c", URL: "", Extension: "mp3", Context: "", Metadata: nil, Conflict: types.ConflictUniquify},
	}

	require.NoError(t, attacher.Attach(context.Background(), items, url.Values{}))

	require.NotNil(t, items[0].Metadata)
	require.NotNil(t, items[0].Metadata.StartTimeMS)
	assert.InDelta(t, 1700000000000, *items[0].Metadata.StartTimeMS, 0.1)
	require.NotNil(t, items[0].Metadata.DurationMS)
	assert.InDelta(t, 600000, *items[0].Metadata.DurationMS, 0.1)
	require.NotNil(t, items[0].Metadata.TimezoneOffsetHours)
	assert.InDelta(t, 2, *items[0].Metadata.TimezoneOffsetHours, 0.1)

	// String-typed numbers coerce; null stays nil.
	require.NotNil(t, items[1].Metadata)
	require.NotNil(t, items[1].Metadata.StartTimeMS)
	assert.InDelta(t, 1700001000000, *items[1].Metadata.StartTimeMS, 0.1)
	assert.Nil(t, items[1].Metadata.DurationMS)

	// Unknown identifiers are simply left without metadata.
	assert.Nil(t, items[2].Metadata)
}

func TestAttach_CachesPerView(t *testing.T) {
	t.Parallel()

	transport := &countingTransport{body: listingBody, calls: 0}
	attacher := meta.NewAttacher(zerolog.Nop(), newListingClient(transport), staticTokens("tok.t.x"))

	//nolint:exhaustruct
	items := []*types.RecordingDescriptor{{FileID: "rec-1"}}

	viewQuery := url.Values{"filetag_id": {"42"}, "scroll": {"998"}}
	require.NoError(t, attacher.Attach(context.Background(), items, viewQuery))
	require.NoError(t, attacher.Attach(context.Background(), items, viewQuery))
	assert.Equal(t, 1, transport.calls, "same view must reuse the cached listing")

	require.NoError(t, attacher.Attach(context.Background(), items, url.Values{"filetag_id": {"43"}}))
	assert.Equal(t, 2, transport.calls, "a different view is a different listing")
}

func TestAttach_NoTokenIsNotAnError(t *testing.T) {
	t.Parallel()

	transport := &countingTransport{body: listingBody, calls: 0}
	attacher := meta.NewAttacher(zerolog.Nop(), newListingClient(transport), staticTokens(""))

	//nolint:exhaustruct
	items := []*types.RecordingDescriptor{{FileID: "rec-1"}}
	require.NoError(t, attacher.Attach(context.Background(), items, url.Values{}))
	assert.Nil(t, items[0].Metadata)
	assert.Zero(t, transport.calls)
}

func TestFilterViewQuery(t *testing.T) {
	t.Parallel()

	query := url.Values{
		"filetag_id": {"42"},
		"category":   {"all"},
		"scroll_top": {"998"},
		"theme":      {"dark"},
	}

	filtered := meta.FilterViewQuery(query)
	assert.Equal(t, url.Values{"filetag_id": {"42"}, "category": {"all"}}, filtered)
}

func TestViewCacheKey(t *testing.T) {
	t.Parallel()

	a := meta.ViewCacheKey(url.Values{"filetag_id": {"42"}, "category": {"all"}})
	b := meta.ViewCacheKey(url.Values{"category": {"all"}, "filetag_id": {"42"}, "scroll": {"1"}})
	assert.Equal(t, a, b, "key must ignore ordering and non-view parameters")

	c := meta.ViewCacheKey(url.Values{"filetag_id": {"43"}})
	assert.NotEqual(t, a, c)
}
