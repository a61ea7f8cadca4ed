package types

import (
	"errors"
	"net/url"
	"strings"
)

// RecordingDescriptor is one discovered audio item. Descriptors are created
// by the scanner, enriched in place when a download URL is resolved or
// metadata is attached, and never persisted.
type RecordingDescriptor struct {
	// FileID is the vendor-stable identifier and the primary dedup key.
	// Empty when the page never exposed it.
	FileID string
	// Filename is the human-readable label. Falls back to a positional
	// placeholder when blank.
	Filename string
	// URL is the direct or temporary download URL. Empty until resolved.
	URL string
	// Extension is lower-cased and dot-stripped. Defaults to mp3.
	Extension string
	// Context carries secondary descriptive text (date, duration, tag)
	// for disambiguation. Pieces are deduplicated and joined with " | ".
	Context string
	// Metadata holds optional timing metadata for tag embedding.
	Metadata *RecordingMetadata
	// Conflict decides what the download manager does when the target
	// filename already exists.
	Conflict ConflictPolicy
}

// RecordingMetadata carries per-recording timing fields. Any field that
// cannot be coerced to a finite number is nil, never NaN.
type RecordingMetadata struct {
	StartTimeMS           *float64
	EndTimeMS             *float64
	DurationMS            *float64
	TimezoneOffsetHours   *float64
	TimezoneOffsetMinutes *float64
}

type ConflictPolicy string

const (
	ConflictUniquify  ConflictPolicy = "uniquify"
	ConflictOverwrite ConflictPolicy = "overwrite"
)

type PostDownloadAction string

const (
	PostDownloadNone  PostDownloadAction = "none"
	PostDownloadMove  PostDownloadAction = "move"
	PostDownloadTrash PostDownloadAction = "trash"
)

var (
	ErrMoveTargetRequired = errors.New("post-download move requires a destination tag")
	ErrUnknownPostAction  = errors.New("unknown post-download action")
)

// JobSettings configures one download job. Validated before the job starts.
type JobSettings struct {
	// DownloadSubdir is a sanitized path prefix under the downloads
	// directory. Empty means the downloads directory itself.
	DownloadSubdir string
	// PostDownloadAction is applied to the source recording on the vendor
	// service after its audio has been downloaded.
	PostDownloadAction PostDownloadAction
	// MoveTargetTag is the destination tag id for the move action.
	MoveTargetTag string
	// IncludeMetadata enables ID3 metadata embedding for mp3 items.
	IncludeMetadata bool
	// ViewQuery holds the dashboard view's query parameters the items were
	// scanned from. Used to key the bulk-listing metadata cache.
	ViewQuery url.Values
}

func (s JobSettings) Validate() error {
	switch s.PostDownloadAction {
	case PostDownloadNone, PostDownloadTrash, "":
	case PostDownloadMove:
		if strings.TrimSpace(s.MoveTargetTag) == "" {
			return ErrMoveTargetRequired
		}
	default:
		return ErrUnknownPostAction
	}

	return nil
}
