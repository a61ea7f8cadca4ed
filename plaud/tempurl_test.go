package plaud_test

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/atlastools/plaudgrab/plaud"
)

func TestExtractDownloadURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		payload  string
		expected string
	}{
		{
			name:     "top-level temp_url",
			payload:  `{"temp_url":"https://cdn.plaud.ai/rec/a.mp3"}`,
			expected: "https://cdn.plaud.ai/rec/a.mp3",
		},
		{
			name:     "camel-case variant",
			payload:  `{"tempUrl":"https://cdn.plaud.ai/rec/b.mp3"}`,
			expected: "https://cdn.plaud.ai/rec/b.mp3",
		},
		{
			name:     "nested under data object",
			payload:  `{"data":{"temp_url":"https://cdn.plaud.ai/rec/c.mp3"}}`,
			expected: "https://cdn.plaud.ai/rec/c.mp3",
		},
		{
			name:     "data array of strings",
			payload:  `{"data":["not-a-url","https://cdn.plaud.ai/rec/d.mp3"]}`,
			expected: "https://cdn.plaud.ai/rec/d.mp3",
		},
		{
			name:     "data array of objects",
			payload:  `{"data":[{"id":"x"},{"url":"https://cdn.plaud.ai/rec/e.mp3"}]}`,
			expected: "https://cdn.plaud.ai/rec/e.mp3",
		},
		{
			name:     "deeply nested data",
			payload:  `{"data":{"data":{"downloadUrl":"https://cdn.plaud.ai/rec/f.mp3"}}}`,
			expected: "https://cdn.plaud.ai/rec/f.mp3",
		},
		{
			name:     "non-URL values skipped",
			payload:  `{"temp_url":"rec/a.mp3","url":12}`,
			expected: "",
		},
		{
			name:     "empty payload",
			payload:  `{}`,
			expected: "",
		},
		{
			name:     "non-object payload",
			payload:  `"https://cdn.plaud.ai/rec/a.mp3"`,
			expected: "",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expected, plaud.ExtractDownloadURL(gjson.Parse(tt.payload)))
		})
	}
}

// scriptedTransport serves a fixed sequence of responses while recording
// the Authorization header of each request.
type scriptedTransport struct {
	script []response
	calls  int
	auths  []string
}

func (t *scriptedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.auths = append(t.auths, req.Header.Get("Authorization"))

	res := t.script[min(t.calls, len(t.script)-1)]
	t.calls++

	//nolint:exhaustruct
	return &http.Response{
		StatusCode: res.status,
		Body:       io.NopCloser(bytes.NewReader([]byte(res.body))),
		Header:     http.Header{},
		Request:    req,
	}, nil
}

// fakeTokens hands out tokens in order and records refresh/invalidate
// traffic.
type fakeTokens struct {
	tokens      []string
	calls       int
	refreshes   []bool
	invalidated int
}

func (f *fakeTokens) Token(_ context.Context, forceRefresh bool) (string, error) {
	f.refreshes = append(f.refreshes, forceRefresh)

	token := f.tokens[min(f.calls, len(f.tokens)-1)]
	f.calls++

	return token, nil
}

func (f *fakeTokens) Invalidate() {
	f.invalidated++
}

func newTempURLClient(transport http.RoundTripper) *plaud.Client {
	return plaud.NewClient(zerolog.Nop(), plaud.Options{
		DefaultBase:   "",
		PreferredBase: "",
		OnBaseChange:  nil,
		HTTPClient:    &http.Client{Transport: transport}, //nolint:exhaustruct
	})
}

func TestResolveDownloadURL_HappyPath(t *testing.T) {
	t.Parallel()

	transport := &scriptedTransport{
		script: []response{
			{status: http.StatusOK, body: `{"data":{"temp_url":"https://cdn.plaud.ai/rec/a.mp3"}}`},
		},
		calls: 0,
		auths: nil,
	}
	tokens := &fakeTokens{tokens: []string{"tok.one.x"}, calls: 0, refreshes: nil, invalidated: 0}

	got, err := newTempURLClient(transport).ResolveDownloadURL(context.Background(), tokens, "file-1")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.plaud.ai/rec/a.mp3", got)
	assert.Equal(t, []string{"Bearer tok.one.x"}, transport.auths)
	assert.Equal(t, []bool{false}, tokens.refreshes)
	assert.Zero(t, tokens.invalidated)
}

func TestResolveDownloadURL_RetriesOnceAfter401(t *testing.T) {
	t.Parallel()

	transport := &scriptedTransport{
		script: []response{
			{status: http.StatusUnauthorized, body: `{"msg":"token expired"}`},
			{status: http.StatusOK, body: `{"temp_url":"https://cdn.plaud.ai/rec/a.mp3"}`},
		},
		calls: 0,
		auths: nil,
	}
	tokens := &fakeTokens{tokens: []string{"stale.t.x", "fresh.t.x"}, calls: 0, refreshes: nil, invalidated: 0}

	got, err := newTempURLClient(transport).ResolveDownloadURL(context.Background(), tokens, "file-1")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.plaud.ai/rec/a.mp3", got)

	// Stale token first, then a forced refresh, with the cache invalidated
	// in between.
	assert.Equal(t, []string{"Bearer stale.t.x", "Bearer fresh.t.x"}, transport.auths)
	assert.Equal(t, []bool{false, true}, tokens.refreshes)
	assert.Equal(t, 1, tokens.invalidated)
}

func TestResolveDownloadURL_PersistentUnauthorized(t *testing.T) {
	t.Parallel()

	transport := &scriptedTransport{
		script: []response{
			{status: http.StatusUnauthorized, body: `{"msg":"not signed in"}`},
		},
		calls: 0,
		auths: nil,
	}
	tokens := &fakeTokens{tokens: []string{"bad.t.x"}, calls: 0, refreshes: nil, invalidated: 0}

	_, err := newTempURLClient(transport).ResolveDownloadURL(context.Background(), tokens, "file-1")
	require.Error(t, err)
	assert.Equal(t, "not signed in", err.Error())

	// Exactly one refresh retry, never more.
	assert.Len(t, transport.auths, 2)
	assert.Equal(t, 2, tokens.invalidated)
}

func TestResolveDownloadURL_RejectionMessage(t *testing.T) {
	t.Parallel()

	transport := &scriptedTransport{
		script: []response{
			{status: http.StatusNotFound, body: `{"message":"recording not found"}`},
		},
		calls: 0,
		auths: nil,
	}
	tokens := &fakeTokens{tokens: []string{"tok.t.x"}, calls: 0, refreshes: nil, invalidated: 0}

	_, err := newTempURLClient(transport).ResolveDownloadURL(context.Background(), tokens, "file-1")
	require.Error(t, err)
	assert.Equal(t, "recording not found", err.Error())
	assert.Len(t, transport.auths, 1)
}

func TestResolveDownloadURL_NoUsableURL(t *testing.T) {
	t.Parallel()

	transport := &scriptedTransport{
		script: []response{
			{status: http.StatusOK, body: `{"data":{}}`},
		},
		calls: 0,
		auths: nil,
	}
	tokens := &fakeTokens{tokens: []string{"tok.t.x"}, calls: 0, refreshes: nil, invalidated: 0}

	_, err := newTempURLClient(transport).ResolveDownloadURL(context.Background(), tokens, "file-1")
	assert.ErrorIs(t, err, plaud.ErrNoDownloadURL)
}

func TestResolveDownloadURL_NoToken(t *testing.T) {
	t.Parallel()

	transport := &scriptedTransport{script: []response{{status: http.StatusOK, body: `{}`}}, calls: 0, auths: nil}
	tokens := &fakeTokens{tokens: []string{""}, calls: 0, refreshes: nil, invalidated: 0}

	_, err := newTempURLClient(transport).ResolveDownloadURL(context.Background(), tokens, "file-1")
	assert.ErrorIs(t, err, plaud.ErrNoToken)
	assert.Empty(t, transport.auths)
}

func TestResolveDownloadURL_MissingFileID(t *testing.T) {
	t.Parallel()

	transport := &scriptedTransport{script: nil, calls: 0, auths: nil}
	tokens := &fakeTokens{tokens: []string{"tok.t.x"}, calls: 0, refreshes: nil, invalidated: 0}

	_, err := newTempURLClient(transport).ResolveDownloadURL(context.Background(), tokens, "  ")
	assert.Error(t, err)
	assert.Empty(t, transport.auths)
}
