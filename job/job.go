// Package job runs the background download job: one active job at a time,
// a strictly sequential per-item loop, cooperative cancellation polled at
// every suspension point, and progress reporting from start to exactly one
// terminal stage.
package job

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/atlastools/plaudgrab/downloads"
	"github.com/atlastools/plaudgrab/id3"
	"github.com/atlastools/plaudgrab/plaud"
	"github.com/atlastools/plaudgrab/sanitize"
	"github.com/atlastools/plaudgrab/types"
)

var (
	ErrJobInProgress = errors.New("job: another download job is already running")
	ErrNoItems       = errors.New("job: no recordings were queued for download")
	ErrNoActiveJob   = errors.New("job: no active download job")

	errCancelled = errors.New("job cancelled")
)

type jobStatus string

const (
	statusRunning    jobStatus = "running"
	statusCancelling jobStatus = "cancelling"
)

// Attacher is the metadata dependency; see the meta package for the real
// one.
type Attacher interface {
	Attach(ctx context.Context, items []*types.RecordingDescriptor, viewQuery url.Values) error
}

type state struct {
	status               jobStatus
	total                int
	completed            int
	downloadIDs          []int
	cancelRequested      bool
	cancellationNotified bool
}

type Controller struct {
	logger   zerolog.Logger
	client   *plaud.Client
	tokens   plaud.TokenSource
	attacher Attacher
	manager  downloads.Manager
	reporter Reporter

	// Single job slot: at most one job may be running or cancelling.
	slot *semaphore.Weighted

	mu         sync.Mutex
	active     *state
	stagedByID map[int]string

	fetchAudio func(ctx context.Context, rawURL string) ([]byte, error)
	stageDir   string
}

type Option func(*Controller)

// WithAudioFetcher overrides how raw audio bytes are fetched for tag
// embedding.
func WithAudioFetcher(fetch func(ctx context.Context, rawURL string) ([]byte, error)) Option {
	return func(c *Controller) { c.fetchAudio = fetch }
}

// WithStageDir overrides where tagged audio is staged before handoff to
// the download manager.
func WithStageDir(dir string) Option {
	return func(c *Controller) { c.stageDir = dir }
}

func NewController(
	logger zerolog.Logger,
	client *plaud.Client,
	tokens plaud.TokenSource,
	attacher Attacher,
	manager downloads.Manager,
	reporter Reporter,
	opts ...Option,
) *Controller {
	c := &Controller{
		logger:     logger,
		client:     client,
		tokens:     tokens,
		attacher:   attacher,
		manager:    manager,
		reporter:   reporter,
		slot:       semaphore.NewWeighted(1),
		mu:         sync.Mutex{},
		active:     nil,
		stagedByID: make(map[int]string),
		fetchAudio: nil,
		stageDir:   os.TempDir(),
	}
	c.fetchAudio = c.defaultFetchAudio
	for _, opt := range opts {
		opt(c)
	}

	go c.reapStagedFiles()

	return c
}

// Start validates and runs one download job to completion. It fails
// immediately when a job is already active, without touching that job.
// Cancellation is not an error: a cleanly cancelled job returns nil after
// its cancelled event.
func (c *Controller) Start(ctx context.Context, items []types.RecordingDescriptor, settings types.JobSettings) error {
	if !c.slot.TryAcquire(1) {
		return ErrJobInProgress
	}
	defer c.slot.Release(1)

	if len(items) == 0 {
		return ErrNoItems
	}

	if err := settings.Validate(); nil != err {
		return err
	}

	prepared := prepareItems(items, settings)

	if settings.IncludeMetadata {
		if err := c.attacher.Attach(ctx, prepared, settings.ViewQuery); nil != err {
			c.logger.Warn().Err(err).Msg("Metadata attachment failed, continuing without metadata")
		}
	}

	c.mu.Lock()
	c.active = &state{
		status:               statusRunning,
		total:                len(prepared),
		completed:            0,
		downloadIDs:          nil,
		cancelRequested:      false,
		cancellationNotified: false,
	}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.active = nil
		c.mu.Unlock()
	}()

	c.report(StageStart, len(prepared), 0, "")

	err := c.runLoop(ctx, prepared, settings)
	if nil != err {
		if errors.Is(err, errCancelled) {
			return nil
		}

		c.mu.Lock()
		completed := c.active.completed
		total := c.active.total
		cancelling := c.active.status == statusCancelling
		c.mu.Unlock()

		if !cancelling {
			c.report(StageError, total, completed, userMessage(err))
		}

		return err
	}

	c.mu.Lock()
	total := c.active.total
	c.mu.Unlock()
	c.report(StageDone, total, total, "")

	return nil
}

// Stop requests cooperative cancellation of the active job and cancels
// every download handed to the manager so far. The job itself notices at
// its next checkpoint.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if c.active == nil {
		c.mu.Unlock()
		return ErrNoActiveJob
	}

	if c.active.cancelRequested {
		c.mu.Unlock()
		return nil
	}

	c.active.cancelRequested = true
	c.active.status = statusCancelling
	total := c.active.total
	completed := c.active.completed
	ids := append([]int(nil), c.active.downloadIDs...)
	c.mu.Unlock()

	c.report(StageCancelling, total, completed, "")

	for _, id := range ids {
		c.manager.Cancel(id)
	}

	return nil
}

func (c *Controller) runLoop(ctx context.Context, items []*types.RecordingDescriptor, settings types.JobSettings) error {
	for _, item := range items {
		if err := c.checkpoint(); nil != err {
			return err
		}

		if err := c.resolveItemURL(ctx, item); nil != err {
			return err
		}

		if err := c.checkpoint(); nil != err {
			return err
		}

		downloadURL := item.URL
		var staged string
		if shouldEmbedMetadata(item, settings) {
			var err error
			staged, err = c.stageTaggedAudio(ctx, item)
			if nil != err {
				return err
			}
			downloadURL = "file://" + staged
		}

		filename := downloadFilename(item, settings)
		downloadID, err := c.manager.Enqueue(ctx, downloadURL, filename, item.Conflict)
		if nil != err {
			if staged != "" {
				os.Remove(staged)
			}

			return fmt.Errorf("enqueue download for %s: %w", item.Filename, err)
		}

		c.mu.Lock()
		c.active.downloadIDs = append(c.active.downloadIDs, downloadID)
		if staged != "" {
			c.stagedByID[downloadID] = staged
		}
		c.mu.Unlock()

		if err := c.checkpoint(); nil != err {
			return err
		}

		if err := c.postDownloadAction(ctx, item, settings); nil != err {
			return err
		}

		c.mu.Lock()
		c.active.completed++
		completed := c.active.completed
		total := c.active.total
		c.mu.Unlock()

		c.report(StageProgress, total, completed, "")
	}

	return nil
}

// checkpoint is the cooperative cancellation poll inserted at every
// suspension point. The cancelled event fires exactly once.
func (c *Controller) checkpoint() error {
	c.mu.Lock()
	if !c.active.cancelRequested {
		c.mu.Unlock()
		return nil
	}

	notify := !c.active.cancellationNotified
	c.active.cancellationNotified = true
	total := c.active.total
	completed := c.active.completed
	c.mu.Unlock()

	if notify {
		c.report(StageCancelled, total, completed, "")
	}

	return errCancelled
}

func (c *Controller) resolveItemURL(ctx context.Context, item *types.RecordingDescriptor) error {
	if isAbsoluteHTTP(item.URL) {
		return nil
	}

	resolved, err := c.client.ResolveDownloadURL(ctx, c.tokens, item.FileID)
	if nil != err {
		return err
	}
	item.URL = resolved

	return nil
}

func (c *Controller) postDownloadAction(ctx context.Context, item *types.RecordingDescriptor, settings types.JobSettings) error {
	if item.FileID == "" {
		return nil
	}

	switch settings.PostDownloadAction {
	case types.PostDownloadNone, "":
		return nil
	case types.PostDownloadMove:
		if err := c.client.MoveToTag(ctx, c.tokens, []string{item.FileID}, settings.MoveTargetTag); nil != err {
			return fmt.Errorf("move %s to tag %s: %w", item.Filename, settings.MoveTargetTag, err)
		}

		return nil
	case types.PostDownloadTrash:
		if err := c.client.Trash(ctx, c.tokens, item.FileID); nil != err {
			return fmt.Errorf("trash %s: %w", item.Filename, err)
		}

		return nil
	default:
		return types.ErrUnknownPostAction
	}
}

// stageTaggedAudio fetches the raw audio, rewrites its ID3 tag from the
// item's metadata, and stages the result for the download manager. The
// staged file is removed once its download reaches a terminal state.
func (c *Controller) stageTaggedAudio(ctx context.Context, item *types.RecordingDescriptor) (string, error) {
	audio, err := c.fetchAudio(ctx, item.URL)
	if nil != err {
		return "", fmt.Errorf("fetch audio for %s: %w", item.Filename, err)
	}

	tagged, err := id3.WriteTag(audio, metadataFrames(item))
	if nil != err {
		return "", fmt.Errorf("write tag for %s: %w", item.Filename, err)
	}

	staged, err := os.CreateTemp(c.stageDir, "plaudgrab-*.mp3")
	if nil != err {
		return "", fmt.Errorf("create staging file: %v", err)
	}

	if _, err := staged.Write(tagged); nil != err {
		_ = staged.Close()
		os.Remove(staged.Name())

		return "", fmt.Errorf("write staging file: %v", err)
	}

	if err := staged.Close(); nil != err {
		os.Remove(staged.Name())

		return "", fmt.Errorf("close staging file: %v", err)
	}

	return staged.Name(), nil
}

// reapStagedFiles watches the manager's change feed and removes staged
// tagged-audio files once their download completes or is interrupted.
func (c *Controller) reapStagedFiles() {
	for change := range c.manager.Changes() {
		if change.State != downloads.StateComplete && change.State != downloads.StateInterrupted {
			continue
		}

		c.mu.Lock()
		staged, ok := c.stagedByID[change.ID]
		if ok {
			delete(c.stagedByID, change.ID)
		}
		c.mu.Unlock()

		if ok {
			if err := os.Remove(staged); nil != err && !errors.Is(err, os.ErrNotExist) {
				c.logger.Warn().Err(err).Str("staged", staged).Msg("Failed to remove staged audio file")
			}
		}
	}
}

func (c *Controller) report(stage Stage, total, completed int, message string) {
	if message == "" {
		message = fallbackMessage(stage, total, completed)
	}

	c.reporter.Report(Status{
		Stage:     stage,
		Total:     total,
		Completed: completed,
		Message:   message,
	})
}

func (c *Controller) defaultFetchAudio(ctx context.Context, rawURL string) (b []byte, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if nil != err {
		return nil, fmt.Errorf("create audio request: %v", err)
	}

	client := http.Client{Timeout: 5 * time.Minute} //nolint:exhaustruct
	resp, err := client.Do(req)
	if nil != err {
		return nil, fmt.Errorf("send audio request: %v", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); nil != closeErr {
			err = errors.Join(err, fmt.Errorf("close audio response body: %v", closeErr))
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("audio request failed with status %d", resp.StatusCode)
	}

	audio, err := io.ReadAll(resp.Body)
	if nil != err {
		return nil, fmt.Errorf("read audio response body: %v", err)
	}

	return audio, nil
}

// prepareItems sanitizes every item before the loop starts: safe filename,
// safe extension defaulting to mp3, conflict policy defaulting to
// uniquify.
func prepareItems(items []types.RecordingDescriptor, settings types.JobSettings) []*types.RecordingDescriptor {
	prepared := make([]*types.RecordingDescriptor, len(items))
	for i, item := range items {
		copied := item

		fallback := "audio_" + strconv.Itoa(i+1)
		copied.Filename = sanitize.Filename(copied.Filename, fallback)

		copied.Extension = sanitize.Extension(copied.Extension)
		if copied.Extension == "" {
			copied.Extension = sanitize.ExtensionFromURL(copied.URL)
		}
		if copied.Extension == "" {
			copied.Extension = "mp3"
		}

		if copied.Conflict != types.ConflictOverwrite {
			copied.Conflict = types.ConflictUniquify
		}

		if !isAbsoluteHTTP(copied.URL) {
			copied.URL = ""
		}

		prepared[i] = &copied
	}

	return prepared
}

func shouldEmbedMetadata(item *types.RecordingDescriptor, settings types.JobSettings) bool {
	return settings.IncludeMetadata && item.Extension == "mp3" && item.Metadata != nil
}

// metadataFrames maps recording metadata onto ID3 text frames. Nil fields
// are simply absent from the tag.
func metadataFrames(item *types.RecordingDescriptor) []id3.Frame {
	frames := []id3.Frame{{ID: "TIT2", Description: "", Value: item.Filename}}

	m := item.Metadata
	if m == nil {
		return frames
	}

	numeric := func(id, description string, value *float64) {
		if value == nil {
			return
		}
		frames = append(frames, id3.Frame{
			ID:          id,
			Description: description,
			Value:       strconv.FormatFloat(*value, 'f', -1, 64),
		})
	}

	numeric("TXXX", "PLAUD_START_TIME_MS", m.StartTimeMS)
	numeric("TXXX", "PLAUD_END_TIME_MS", m.EndTimeMS)
	numeric("TLEN", "", m.DurationMS)
	numeric("TXXX", "PLAUD_TZ_OFFSET_HOURS", m.TimezoneOffsetHours)
	numeric("TXXX", "PLAUD_TZ_OFFSET_MINUTES", m.TimezoneOffsetMinutes)

	return frames
}

func downloadFilename(item *types.RecordingDescriptor, settings types.JobSettings) string {
	name := item.Filename + "." + item.Extension
	if subdir := sanitize.Path(settings.DownloadSubdir); subdir != "" {
		return subdir + "/" + name
	}

	return name
}

func isAbsoluteHTTP(rawURL string) bool {
	return strings.HasPrefix(rawURL, "http://") || strings.HasPrefix(rawURL, "https://")
}

// userMessage unwraps to the deepest error so the UI sees the rejection
// text itself, not the chain of wrap prefixes around it.
func userMessage(err error) string {
	for {
		deeper := errors.Unwrap(err)
		if deeper == nil {
			return err.Error()
		}
		err = deeper
	}
}
