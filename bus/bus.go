// Package bus is the command surface tying the front-facing entry points
// to the scanner and the job controller. Commands are typed requests with
// typed replies; job progress is pushed out-of-band on a status feed.
package bus

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/rs/zerolog"

	"github.com/atlastools/plaudgrab/job"
	"github.com/atlastools/plaudgrab/plaud"
	"github.com/atlastools/plaudgrab/scanner"
	"github.com/atlastools/plaudgrab/types"
)

type ScanRequest struct {
	Exhaustive bool
}

type ScanResponse struct {
	Items []types.RecordingDescriptor
}

type StartJobRequest struct {
	Items    []types.RecordingDescriptor
	Settings types.JobSettings
}

type StopJobRequest struct{}

type ResolveURLRequest struct {
	FileID string
}

type ResolveURLResponse struct {
	URL string
}

type PostAction string

const (
	PostActionMove  PostAction = "move"
	PostActionTrash PostAction = "trash"
)

type PostActionRequest struct {
	Action  PostAction
	FileIDs []string
	TagID   string
}

// Ack is the uniform reply for requests whose only result is success or a
// human-readable failure.
type Ack struct {
	OK      bool
	Message string
}

var ErrUnknownRequest = errors.New("bus: unknown request type")

type Router struct {
	logger  zerolog.Logger
	scanner *scanner.Scanner
	jobs    *job.Controller
	client  *plaud.Client
	tokens  plaud.TokenSource

	statusCh chan job.Status
}

func NewRouter(
	logger zerolog.Logger,
	sc *scanner.Scanner,
	jobs *job.Controller,
	client *plaud.Client,
	tokens plaud.TokenSource,
) *Router {
	return &Router{
		logger:   logger,
		scanner:  sc,
		jobs:     jobs,
		client:   client,
		tokens:   tokens,
		statusCh: make(chan job.Status, 16),
	}
}

// Status is the job progress feed. The reporter returned by Reporter must
// be handed to the job controller for the feed to carry anything.
func (r *Router) Status() <-chan job.Status {
	return r.statusCh
}

// Reporter adapts the router into the job controller's progress sink.
func (r *Router) Reporter() job.Reporter {
	return job.ReporterFunc(func(status job.Status) {
		select {
		case r.statusCh <- status:
		default:
			r.logger.Warn().Str("stage", string(status.Stage)).Msg("Status feed full, dropping update")
		}
	})
}

// Dispatch executes one request and returns its typed response. Job starts
// are asynchronous: the reply acknowledges acceptance and progress arrives
// on the status feed.
func (r *Router) Dispatch(ctx context.Context, req any) (any, error) {
	switch req := req.(type) {
	case ScanRequest:
		return r.handleScan(ctx, req)
	case StartJobRequest:
		return r.handleStartJob(ctx, req), nil
	case StopJobRequest:
		return r.handleStopJob(), nil
	case ResolveURLRequest:
		return r.handleResolveURL(ctx, req)
	case PostActionRequest:
		return r.handlePostAction(ctx, req), nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownRequest, req)
	}
}

func (r *Router) handleScan(ctx context.Context, req ScanRequest) (ScanResponse, error) {
	items, err := r.scanner.Scan(ctx, req.Exhaustive)
	if nil != err {
		return ScanResponse{Items: nil}, fmt.Errorf("scan recording list: %w", err)
	}

	return ScanResponse{Items: items}, nil
}

func (r *Router) handleStartJob(ctx context.Context, req StartJobRequest) Ack {
	if len(req.Items) == 0 {
		return Ack{OK: false, Message: "No recordings selected."}
	}

	if err := req.Settings.Validate(); nil != err {
		return Ack{OK: false, Message: err.Error()}
	}

	// The job must outlive the request that started it.
	jobCtx := context.WithoutCancel(ctx)
	go func() {
		if err := r.jobs.Start(jobCtx, req.Items, req.Settings); nil != err {
			r.logger.Error().Err(err).Msg("Download job failed")
		}
	}()

	return Ack{OK: true, Message: ""}
}

func (r *Router) handleStopJob() Ack {
	if err := r.jobs.Stop(); nil != err {
		return Ack{OK: false, Message: err.Error()}
	}

	return Ack{OK: true, Message: ""}
}

func (r *Router) handleResolveURL(ctx context.Context, req ResolveURLRequest) (ResolveURLResponse, error) {
	if req.FileID == "" {
		return ResolveURLResponse{URL: ""}, errors.New("bus: recording id is required")
	}

	resolved, err := r.client.ResolveDownloadURL(ctx, r.tokens, req.FileID)
	if nil != err {
		return ResolveURLResponse{URL: ""}, err
	}

	return ResolveURLResponse{URL: resolved}, nil
}

func (r *Router) handlePostAction(ctx context.Context, req PostActionRequest) Ack {
	if len(req.FileIDs) == 0 {
		return Ack{OK: false, Message: "No recordings selected."}
	}

	switch req.Action {
	case PostActionMove:
		if req.TagID == "" {
			return Ack{OK: false, Message: "A target folder is required to move recordings."}
		}
		if err := r.client.MoveToTag(ctx, r.tokens, req.FileIDs, req.TagID); nil != err {
			return Ack{OK: false, Message: err.Error()}
		}
	case PostActionTrash:
		for _, fileID := range req.FileIDs {
			if err := r.client.Trash(ctx, r.tokens, fileID); nil != err {
				return Ack{OK: false, Message: err.Error()}
			}
		}
	default:
		return Ack{OK: false, Message: fmt.Sprintf("Unknown action %q.", req.Action)}
	}

	return Ack{OK: true, Message: ""}
}

// ParseViewQuery parses a raw dashboard URL or query string into view
// parameters for listing and metadata lookups. A URL is only trusted when
// it points at a supported dashboard host; anything unparseable yields an
// empty set rather than an error, view scoping is always best effort.
func ParseViewQuery(raw string) url.Values {
	if raw == "" {
		return url.Values{}
	}

	if parsed, err := url.Parse(raw); nil == err && parsed.Host != "" {
		if !plaud.IsSupportedDashboardURL(raw) {
			return url.Values{}
		}

		if values, err := url.ParseQuery(parsed.RawQuery); nil == err {
			return values
		}

		return url.Values{}
	}

	if values, err := url.ParseQuery(raw); nil == err {
		return values
	}

	return url.Values{}
}
