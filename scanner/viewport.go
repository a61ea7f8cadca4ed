package scanner

import (
	"strings"

	"github.com/tidwall/gjson"
)

// Row is one currently-rendered list row.
type Row interface {
	// FileID returns the vendor-stable identifier, or "" when the row does
	// not expose one.
	FileID() string
	// Query returns the text content behind a field selector, or "" when
	// the selector matches nothing.
	Query(selector string) string
}

// Viewport is the virtualized recording list. Rows only exist while
// scrolled into view; SetScrollTop drives the virtualization the same way
// a user scrolling would.
type Viewport interface {
	VisibleRows() []Row
	ScrollTop() int
	// Height is the full scrollable content height.
	Height() int
	ViewportHeight() int
	SetScrollTop(top int)
}

// Notifier is implemented by viewports that can report content mutations,
// feeding the continuous lightweight scan.
type Notifier interface {
	Changes() <-chan struct{}
}

// Inventory is a best-effort source for the virtualization framework's
// backing item array: everything the framework holds in memory regardless
// of what is painted. An empty result is normal, not an error.
type Inventory interface {
	Items() []gjson.Result
}

// The vendor's markup has changed across versions; each field is resolved
// through selector candidates in priority order, first non-empty wins.
var (
	titleSelectors    = []string{".title", ".file-title", "[data-title]"}
	dateSelectors     = []string{".time_date", ".record-date", ".date"}
	durationSelectors = []string{".during_time", ".record-duration", ".duration"}
	tagSelectors      = []string{".comesTag", ".file-tag", ".tag"}
)

// Inventory item shapes are not a committed contract either; identifier,
// title, duration and tag are probed through candidate field names.
var (
	itemIDFields       = []string{"id", "file_id", "fileId"}
	itemTitleFields    = []string{"filename", "title", "name"}
	itemDurationFields = []string{"during_time", "duration", "duration_ms"}
	itemTagFields      = []string{"filetag_name", "comesTag", "tag"}
)

// ItemID resolves a recording identifier from a loosely-shaped vendor item
// object. Shared with the metadata attacher so both sides key recordings
// identically.
func ItemID(item gjson.Result) string {
	return itemField(item, itemIDFields)
}

func itemField(item gjson.Result, candidates []string) string {
	if !item.IsObject() {
		return ""
	}

	for _, field := range candidates {
		value := item.Get(field)
		switch value.Type {
		case gjson.String:
			if s := sanitizeText(value.Str); s != "" {
				return s
			}
		case gjson.Number:
			return value.Raw
		default:
		}
	}

	return ""
}

func firstSelector(row Row, candidates []string) string {
	for _, selector := range candidates {
		if value := sanitizeText(row.Query(selector)); value != "" {
			return value
		}
	}

	return ""
}

func sanitizeText(value string) string {
	return strings.Join(strings.Fields(value), " ")
}
