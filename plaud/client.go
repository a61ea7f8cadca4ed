// Package plaud is the client for the Plaud private web API. The client
// keeps a session-learned preferred origin: accounts live behind regional
// API hosts, and the API answers requests sent to the wrong region with a
// mismatch payload naming the right one.
package plaud

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

const (
	// RootDomain is the vendor's root domain. Any API origin outside it is
	// rejected.
	RootDomain = "plaud.ai"

	DefaultAPIBase = "https://api.plaud.ai"

	requestTimeout = 15 * time.Second
)

var ErrNoToken = errors.New("plaud: sign in to Plaud before requesting downloads, token not found")

// TokenSource supplies bearer tokens for API calls. Invalidate drops any
// cached token so the next Token call re-acquires one.
type TokenSource interface {
	Token(ctx context.Context, forceRefresh bool) (string, error)
	Invalidate()
}

type Client struct {
	logger      zerolog.Logger
	http        *http.Client
	limiter     *rate.Limiter
	defaultBase string

	mu            sync.Mutex
	preferredBase string
	onBaseChange  func(base string)
}

type Options struct {
	// DefaultBase seeds the preferred origin. Defaults to DefaultAPIBase.
	DefaultBase string
	// PreferredBase restores a previously learned origin, e.g. from the
	// state store. Ignored when it fails normalization.
	PreferredBase string
	// OnBaseChange is invoked whenever a new preferred origin is adopted.
	OnBaseChange func(base string)
	// HTTPClient overrides the transport.
	HTTPClient *http.Client
}

func NewClient(logger zerolog.Logger, opts Options) *Client {
	defaultBase := NormalizeAPIBase(opts.DefaultBase)
	if defaultBase == "" {
		defaultBase = DefaultAPIBase
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: requestTimeout} //nolint:exhaustruct
	}

	onBaseChange := opts.OnBaseChange
	if onBaseChange == nil {
		onBaseChange = func(string) {}
	}

	return &Client{
		logger:        logger,
		http:          httpClient,
		limiter:       rate.NewLimiter(rate.Limit(4), 2),
		defaultBase:   defaultBase,
		mu:            sync.Mutex{},
		preferredBase: NormalizeAPIBase(opts.PreferredBase),
		onBaseChange:  onBaseChange,
	}
}

// Request describes one API call independent of the origin it is sent to,
// so a regional retry can replay it verbatim against another base.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   []byte
}

// Result is the outcome of one API call. Payload is the zero gjson.Result
// when the body failed to parse as JSON.
type Result struct {
	StatusCode int
	Body       []byte
	Payload    gjson.Result
}

type FetchOptions struct {
	// APIBase forces a specific origin for this call.
	APIBase string
	// DisableRegionalRetry returns the first response unconditionally.
	// Used by callers that already drive their own retry loop.
	DisableRegionalRetry bool
}

// Fetch issues req against the preferred origin, transparently retrying at
// most once against a vendor-supplied alternate region when the payload
// signals a region mismatch. The discovered-good origin is adopted for
// subsequent calls.
func (c *Client) Fetch(ctx context.Context, req Request, opts FetchOptions) (*Result, error) {
	initialBase := NormalizeAPIBase(opts.APIBase)
	if initialBase == "" {
		initialBase = c.PreferredBase()
	}
	if initialBase == "" {
		initialBase = c.defaultBase
	}

	res, err := c.send(ctx, req, initialBase)
	if nil != err {
		return nil, err
	}

	if opts.DisableRegionalRetry {
		return res, nil
	}

	regionalBase := ExtractRegionalAPIBase(res.Payload)
	if shouldRetryWithRegionalBase(res.Payload, initialBase, regionalBase) {
		c.logger.
			Info().
			Str("api_base", regionalBase).
			Str("path", req.Path).
			Msg("Retrying Plaud API request with region API")
		c.adoptBase(regionalBase)

		return c.send(ctx, req, regionalBase)
	}

	c.adoptBase(initialBase)

	return res, nil
}

func (c *Client) send(ctx context.Context, req Request, base string) (res *Result, err error) {
	if err := c.limiter.Wait(ctx); nil != err {
		return nil, fmt.Errorf("wait for request slot: %w", err)
	}

	reqURL := BuildAPIURL(req.Path, base, c.defaultBase)
	if len(req.Query) > 0 {
		reqURL += "?" + req.Query.Encode()
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if nil != err {
		return nil, fmt.Errorf("create %s %s request: %v", method, req.Path, err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := c.http.Do(httpReq)
	if nil != err {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, context.DeadlineExceeded
		}

		if errors.Is(err, context.Canceled) {
			return nil, context.Canceled
		}

		return nil, fmt.Errorf("send %s %s request: %v", method, req.Path, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); nil != closeErr {
			err = errors.Join(err, fmt.Errorf("close response body: %v", closeErr))
		}
	}()

	respBytes, err := io.ReadAll(resp.Body)
	if nil != err {
		return nil, fmt.Errorf("read response body: %v", err)
	}

	result := &Result{
		StatusCode: resp.StatusCode,
		Body:       respBytes,
		Payload:    gjson.Result{}, //nolint:exhaustruct
	}
	if gjson.ValidBytes(respBytes) {
		result.Payload = gjson.ParseBytes(respBytes)
	}

	return result, nil
}

func (c *Client) PreferredBase() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.preferredBase
}

func (c *Client) adoptBase(base string) {
	if base == "" {
		return
	}

	c.mu.Lock()
	changed := c.preferredBase != base
	c.preferredBase = base
	c.mu.Unlock()

	if changed {
		c.onBaseChange(base)
	}
}

// BuildAPIURL joins base and path with exactly one slash between them,
// falling back to fallbackBase when base fails normalization.
func BuildAPIURL(path, base, fallbackBase string) string {
	normalized := NormalizeAPIBase(base)
	if normalized == "" {
		normalized = NormalizeAPIBase(fallbackBase)
	}
	if normalized == "" {
		normalized = fallbackBase
	}

	if path == "" {
		return normalized
	}

	if strings.HasPrefix(path, "/") {
		return normalized + path
	}

	return normalized + "/" + path
}

// NormalizeAPIBase accepts bare hostnames or full URLs and returns a
// canonical HTTPS origin, or "" when the hostname is not under the vendor's
// root domain.
func NormalizeAPIBase(candidate string) string {
	trimmed := strings.TrimSpace(candidate)
	if trimmed == "" {
		return ""
	}

	withProtocol := trimmed
	if !strings.HasPrefix(strings.ToLower(trimmed), "http://") &&
		!strings.HasPrefix(strings.ToLower(trimmed), "https://") {
		withProtocol = "https://" + trimmed
	}

	parsed, err := url.Parse(withProtocol)
	if nil != err || parsed.Hostname() == "" {
		return ""
	}

	if !strings.HasSuffix(parsed.Hostname(), "."+RootDomain) {
		return ""
	}

	return parsed.Scheme + "://" + parsed.Host
}

// IsRegionMismatchPayload reports whether the payload is the vendor's
// wrong-region signal: status -302 (the vendor has shipped it both as a
// number and as a numeric string), or a message mentioning a region
// mismatch.
func IsRegionMismatchPayload(payload gjson.Result) bool {
	if !payload.IsObject() {
		return false
	}

	if status := payload.Get("status"); status.Exists() && status.Float() == -302 {
		return true
	}

	message := payload.Get("msg").String()
	if message == "" {
		message = payload.Get("message").String()
	}

	return strings.Contains(strings.ToLower(message), "region mismatch")
}

// ExtractRegionalAPIBase pulls the alternate origin a mismatch payload
// advertises, normalized, or "" when absent or invalid.
func ExtractRegionalAPIBase(payload gjson.Result) string {
	if !payload.IsObject() {
		return ""
	}

	candidate := payload.Get("data.domains.api").String()
	if candidate == "" {
		candidate = payload.Get("domains.api").String()
	}

	return NormalizeAPIBase(candidate)
}

func shouldRetryWithRegionalBase(payload gjson.Result, currentBase, regionalBase string) bool {
	if !IsRegionMismatchPayload(payload) || regionalBase == "" {
		return false
	}

	return NormalizeAPIBase(currentBase) != regionalBase
}
