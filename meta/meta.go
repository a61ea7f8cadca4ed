// Package meta attaches per-recording timing metadata from the vendor's
// bulk listing onto job items. Best effort throughout: no token, a changed
// response shape, or an unknown identifier all degrade to "no metadata",
// never to a failed job.
package meta

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/karlseguin/ccache/v3"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/atlastools/plaudgrab/plaud"
	"github.com/atlastools/plaudgrab/scanner"
	"github.com/atlastools/plaudgrab/types"
)

// The listing is cached per logical view, not time-expired; a very long
// TTL approximates that under ccache's interface.
const listingTTL = 24 * time.Hour

// Only these page query parameters distinguish one logical view's listing
// from another's; everything else (scroll state, UI flags) is noise.
var allowedViewParams = []string{"category", "filetag_id", "folder", "view"}

type listing struct {
	byID map[string]*types.RecordingMetadata
}

type Attacher struct {
	logger zerolog.Logger
	client *plaud.Client
	tokens plaud.TokenSource

	mu    sync.Mutex
	cache *ccache.Cache[*listing]
}

func NewAttacher(logger zerolog.Logger, client *plaud.Client, tokens plaud.TokenSource) *Attacher {
	return &Attacher{
		logger: logger,
		client: client,
		tokens: tokens,
		mu:     sync.Mutex{},
		cache: ccache.New(
			ccache.Configure[*listing]().
				MaxSize(8).
				ItemsToPrune(1),
		),
	}
}

// Attach maps timing metadata onto items in place. Items whose identifier
// is unknown to the bulk listing are left untouched. Returns nil when no
// token is obtainable; the job proceeds without metadata.
func (a *Attacher) Attach(ctx context.Context, items []*types.RecordingDescriptor, viewQuery url.Values) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := ViewCacheKey(viewQuery)
	item, err := a.cache.Fetch(key, listingTTL, func() (*listing, error) {
		return a.fetchListing(ctx, viewQuery)
	})
	if nil != err {
		if errors.Is(err, plaud.ErrNoToken) {
			a.logger.Debug().Msg("No auth token available, leaving items without metadata")
			return nil
		}

		return fmt.Errorf("fetch bulk listing: %w", err)
	}

	l := item.Value()
	var attached int
	for _, desc := range items {
		if desc.FileID == "" {
			continue
		}
		if m, ok := l.byID[desc.FileID]; ok {
			desc.Metadata = m
			attached++
		}
	}

	a.logger.
		Debug().
		Int("items", len(items)).
		Int("attached", attached).
		Msg("Metadata attachment finished")

	return nil
}

func (a *Attacher) fetchListing(ctx context.Context, viewQuery url.Values) (*listing, error) {
	res, err := a.client.BulkListing(ctx, a.tokens, FilterViewQuery(viewQuery))
	if nil != err {
		return nil, err
	}

	return parseListing(res.Payload), nil
}

// ViewCacheKey builds a stable cache key from the allow-listed view
// parameters.
func ViewCacheKey(query url.Values) string {
	filtered := FilterViewQuery(query)
	parts := make([]string, 0, len(filtered))
	for key, values := range filtered {
		for _, value := range values {
			parts = append(parts, key+"="+value)
		}
	}
	sort.Strings(parts)

	return strings.Join(parts, "&")
}

// FilterViewQuery keeps only the parameters that identify a logical view.
func FilterViewQuery(query url.Values) url.Values {
	filtered := make(url.Values, len(allowedViewParams))
	for _, key := range allowedViewParams {
		if values, ok := query[key]; ok && len(values) > 0 {
			filtered[key] = values
		}
	}

	return filtered
}

// parseListing pulls the item array out of the bulk listing payload. The
// vendor has used two top-level field names for it.
func parseListing(payload gjson.Result) *listing {
	items := payload.Get("data_file_list")
	if !items.IsArray() {
		items = payload.Get("data")
	}

	l := &listing{byID: make(map[string]*types.RecordingMetadata)}
	if !items.IsArray() {
		return l
	}

	for _, item := range items.Array() {
		id := scanner.ItemID(item)
		if id == "" {
			continue
		}

		l.byID[id] = &types.RecordingMetadata{
			StartTimeMS:           finiteOrNil(item, "start_time", "startTime"),
			EndTimeMS:             finiteOrNil(item, "end_time", "endTime"),
			DurationMS:            finiteOrNil(item, "duration", "duration_ms"),
			TimezoneOffsetHours:   finiteOrNil(item, "timezone_offset_hours", "tz_offset_hours"),
			TimezoneOffsetMinutes: finiteOrNil(item, "timezone_offset_minutes", "tz_offset_minutes"),
		}
	}

	return l
}

// finiteOrNil coerces the first matching field to a finite number, nil
// otherwise. NaN and infinities never leak into metadata.
func finiteOrNil(item gjson.Result, fields ...string) *float64 {
	for _, field := range fields {
		value := item.Get(field)
		if !value.Exists() {
			continue
		}

		switch value.Type {
		case gjson.Number:
			n := value.Num
			if math.IsNaN(n) || math.IsInf(n, 0) {
				return nil
			}

			return &n
		case gjson.String:
			parsed := value.Float()
			if parsed == 0 && strings.TrimSpace(value.Str) != "0" {
				continue
			}
			if math.IsNaN(parsed) || math.IsInf(parsed, 0) {
				return nil
			}

			return &parsed
		default:
			return nil
		}
	}

	return nil
}

// APIInventory adapts the bulk listing into a scanner backing-array
// source, so exhaustive scans can seed from the API even when the page's
// component instance is unreachable.
type APIInventory struct {
	logger    zerolog.Logger
	client    *plaud.Client
	tokens    plaud.TokenSource
	viewQuery url.Values
}

func NewAPIInventory(logger zerolog.Logger, client *plaud.Client, tokens plaud.TokenSource, viewQuery url.Values) *APIInventory {
	return &APIInventory{logger: logger, client: client, tokens: tokens, viewQuery: viewQuery}
}

func (i *APIInventory) Items() []gjson.Result {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	res, err := i.client.BulkListing(ctx, i.tokens, FilterViewQuery(i.viewQuery))
	if nil != err {
		i.logger.Debug().Err(err).Msg("API inventory unavailable")
		return nil
	}

	items := res.Payload.Get("data_file_list")
	if !items.IsArray() {
		items = res.Payload.Get("data")
	}
	if !items.IsArray() {
		return nil
	}

	return items.Array()
}
