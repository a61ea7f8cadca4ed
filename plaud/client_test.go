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

func TestNormalizeAPIBase(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "bare regional hostname",
			input:    "api-apne1.plaud.ai",
			expected: "https://api-apne1.plaud.ai",
		},
		{
			name:     "full https URL with path",
			input:    "https://api.plaud.ai/v1/files",
			expected: "https://api.plaud.ai",
		},
		{
			name:     "http scheme is kept",
			input:    "http://api.plaud.ai",
			expected: "http://api.plaud.ai",
		},
		{
			name:     "foreign domain rejected",
			input:    "https://api.example.com",
			expected: "",
		},
		{
			name:     "root domain itself rejected",
			input:    "https://plaud.ai",
			expected: "",
		},
		{
			name:     "lookalike suffix rejected",
			input:    "https://api.evilplaud.ai",
			expected: "",
		},
		{
			name:     "empty input",
			input:    "",
			expected: "",
		},
		{
			name:     "whitespace only",
			input:    "   ",
			expected: "",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expected, plaud.NormalizeAPIBase(tt.input))
		})
	}
}

func TestBuildAPIURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		path     string
		base     string
		expected string
	}{
		{
			name:     "leading slash joins cleanly",
			path:     "/file/temp-url/abc",
			base:     "https://api.plaud.ai",
			expected: "https://api.plaud.ai/file/temp-url/abc",
		},
		{
			name:     "missing slash is inserted",
			path:     "file/simple/web",
			base:     "api-euc1.plaud.ai",
			expected: "https://api-euc1.plaud.ai/file/simple/web",
		},
		{
			name:     "invalid base falls back",
			path:     "/file/trash/",
			base:     "https://api.example.com",
			expected: "https://api.plaud.ai/file/trash/",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expected, plaud.BuildAPIURL(tt.path, tt.base, plaud.DefaultAPIBase))
		})
	}
}

func TestIsRegionMismatchPayload(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		payload  string
		expected bool
	}{
		{
			name:     "numeric status signal",
			payload:  `{"status":-302,"data":{"domains":{"api":"api-apne1.plaud.ai"}}}`,
			expected: true,
		},
		{
			name:     "string status signal",
			payload:  `{"status":"-302","data":{"domains":{"api":"api-apne1.plaud.ai"}}}`,
			expected: true,
		},
		{
			name:     "message signal",
			payload:  `{"msg":"Region Mismatch, please use the correct endpoint"}`,
			expected: true,
		},
		{
			name:     "alternate message field",
			payload:  `{"message":"region mismatch"}`,
			expected: true,
		},
		{
			name:     "ordinary error payload",
			payload:  `{"status":400,"msg":"bad request"}`,
			expected: false,
		},
		{
			name:     "non-numeric status string",
			payload:  `{"status":"ok"}`,
			expected: false,
		},
		{
			name:     "non-object payload",
			payload:  `[1,2,3]`,
			expected: false,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expected, plaud.IsRegionMismatchPayload(gjson.Parse(tt.payload)))
		})
	}
}

func TestExtractRegionalAPIBase(t *testing.T) {
	t.Parallel()

	assert.Equal(
		t,
		"https://api-apne1.plaud.ai",
		plaud.ExtractRegionalAPIBase(gjson.Parse(`{"data":{"domains":{"api":"api-apne1.plaud.ai"}}}`)),
	)
	assert.Equal(
		t,
		"https://api-euc1.plaud.ai",
		plaud.ExtractRegionalAPIBase(gjson.Parse(`{"domains":{"api":"https://api-euc1.plaud.ai"}}`)),
	)
	assert.Empty(t, plaud.ExtractRegionalAPIBase(gjson.Parse(`{"data":{"domains":{"api":"api.example.com"}}}`)))
	assert.Empty(t, plaud.ExtractRegionalAPIBase(gjson.Parse(`{}`)))
}

// recordingTransport answers from a canned per-host response table and
// records every request it sees.
type recordingTransport struct {
	responses map[string]response
	requests  []string
}

type response struct {
	status int
	body   string
}

func (t *recordingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.requests = append(t.requests, req.URL.Host)

	res, ok := t.responses[req.URL.Host]
	if !ok {
		res = response{status: http.StatusNotFound, body: `{}`}
	}

	//nolint:exhaustruct
	return &http.Response{
		StatusCode: res.status,
		Body:       io.NopCloser(bytes.NewReader([]byte(res.body))),
		Header:     http.Header{},
		Request:    req,
	}, nil
}

func TestFetch_RegionalRetry(t *testing.T) {
	t.Parallel()

	transport := &recordingTransport{
		responses: map[string]response{
			"api.plaud.ai": {
				status: http.StatusOK,
				body:   `{"status":-302,"data":{"domains":{"api":"api-apne1.plaud.ai"}}}`,
			},
			"api-apne1.plaud.ai": {
				status: http.StatusOK,
				body:   `{"status":0,"data":{"temp_url":"https://cdn.plaud.ai/rec/a.mp3"}}`,
			},
		},
		requests: nil,
	}

	var adopted []string
	client := plaud.NewClient(zerolog.Nop(), plaud.Options{
		DefaultBase:   "",
		PreferredBase: "",
		OnBaseChange:  func(base string) { adopted = append(adopted, base) },
		HTTPClient:    &http.Client{Transport: transport}, //nolint:exhaustruct
	})

	res, err := client.Fetch(context.Background(), plaud.Request{
		Method: http.MethodGet,
		Path:   "/file/temp-url/a",
		Query:  nil,
		Header: nil,
		Body:   nil,
	}, plaud.FetchOptions{APIBase: "", DisableRegionalRetry: false})
	require.NoError(t, err)

	// Exactly two requests: the mismatch, then the replay on the advertised
	// region.
	assert.Equal(t, []string{"api.plaud.ai", "api-apne1.plaud.ai"}, transport.requests)
	assert.Equal(t, "https://cdn.plaud.ai/rec/a.mp3", res.Payload.Get("data.temp_url").String())

	// The regional origin is adopted for subsequent calls.
	assert.Equal(t, []string{"https://api-apne1.plaud.ai"}, adopted)
	assert.Equal(t, "https://api-apne1.plaud.ai", client.PreferredBase())
}

func TestFetch_NoRetryOnInvalidAlternate(t *testing.T) {
	t.Parallel()

	transport := &recordingTransport{
		responses: map[string]response{
			"api.plaud.ai": {
				status: http.StatusOK,
				body:   `{"status":-302,"data":{"domains":{"api":"api.example.com"}}}`,
			},
		},
		requests: nil,
	}

	client := plaud.NewClient(zerolog.Nop(), plaud.Options{
		DefaultBase:   "",
		PreferredBase: "",
		OnBaseChange:  nil,
		HTTPClient:    &http.Client{Transport: transport}, //nolint:exhaustruct
	})

	res, err := client.Fetch(context.Background(), plaud.Request{
		Method: http.MethodGet,
		Path:   "/file/temp-url/a",
		Query:  nil,
		Header: nil,
		Body:   nil,
	}, plaud.FetchOptions{APIBase: "", DisableRegionalRetry: false})
	require.NoError(t, err)

	// The alternate host is outside the vendor's domain: no second request,
	// the mismatch payload is returned as is.
	assert.Equal(t, []string{"api.plaud.ai"}, transport.requests)
	assert.True(t, plaud.IsRegionMismatchPayload(res.Payload))
}

func TestFetch_NoRetryWhenAlreadyOnAdvertisedBase(t *testing.T) {
	t.Parallel()

	transport := &recordingTransport{
		responses: map[string]response{
			"api-apne1.plaud.ai": {
				status: http.StatusOK,
				body:   `{"status":-302,"data":{"domains":{"api":"api-apne1.plaud.ai"}}}`,
			},
		},
		requests: nil,
	}

	client := plaud.NewClient(zerolog.Nop(), plaud.Options{
		DefaultBase:   "",
		PreferredBase: "api-apne1.plaud.ai",
		OnBaseChange:  nil,
		HTTPClient:    &http.Client{Transport: transport}, //nolint:exhaustruct
	})

	_, err := client.Fetch(context.Background(), plaud.Request{
		Method: http.MethodGet,
		Path:   "/file/simple/web",
		Query:  nil,
		Header: nil,
		Body:   nil,
	}, plaud.FetchOptions{APIBase: "", DisableRegionalRetry: false})
	require.NoError(t, err)

	// Replaying against the same origin cannot help; at most one retry, and
	// only to a different base.
	assert.Equal(t, []string{"api-apne1.plaud.ai"}, transport.requests)
}

func TestFetch_ContextCancellation(t *testing.T) {
	t.Parallel()

	client := plaud.NewClient(zerolog.Nop(), plaud.Options{
		DefaultBase:   "",
		PreferredBase: "",
		OnBaseChange:  nil,
		HTTPClient:    &http.Client{Transport: &recordingTransport{responses: nil, requests: nil}}, //nolint:exhaustruct
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Fetch(ctx, plaud.Request{
		Method: http.MethodGet,
		Path:   "/file/simple/web",
		Query:  nil,
		Header: nil,
		Body:   nil,
	}, plaud.FetchOptions{APIBase: "", DisableRegionalRetry: false})
	assert.ErrorIs(t, err, context.Canceled)
}
