// Package scanner enumerates recording descriptors from the dashboard's
// virtualized list. The lightweight scan reads only the rows currently
// painted; the exhaustive scan additionally seeds from the framework's
// backing item array and force-renders the rest by programmatic scrolling.
package scanner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/atlastools/plaudgrab/types"
)

const (
	defaultSettleDelay = 250 * time.Millisecond

	watchDebounce = time.Second
)

type Scanner struct {
	logger   zerolog.Logger
	vp       Viewport
	inv      Inventory
	settle   time.Duration
	debounce time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
	acc      *accumulator
}

type Option func(*Scanner)

// WithInventory attaches a backing-array source used by exhaustive scans.
func WithInventory(inv Inventory) Option {
	return func(s *Scanner) { s.inv = inv }
}

// WithSettleDelay overrides the scroll settle delay.
func WithSettleDelay(d time.Duration) Option {
	return func(s *Scanner) { s.settle = d }
}

// WithWatchDebounce overrides how long Watch waits after the last change
// notification before ingesting.
func WithWatchDebounce(d time.Duration) Option {
	return func(s *Scanner) { s.debounce = d }
}

// WithSleeper overrides how settle delays are waited out. Tests pass a
// no-op.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Scanner) { s.sleep = sleep }
}

func New(logger zerolog.Logger, vp Viewport, opts ...Option) *Scanner {
	s := &Scanner{
		logger:   logger,
		vp:       vp,
		inv:      nil,
		settle:   defaultSettleDelay,
		debounce: watchDebounce,
		sleep:    sleepContext,
		acc:      newAccumulator(),
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Scan ingests the currently-rendered rows, and in exhaustive mode first
// drains the framework's backing array and then drives a scroll sweep to
// force-render the full list. Results accumulate across calls, merged by
// identifier.
func (s *Scanner) Scan(ctx context.Context, exhaustive bool) ([]types.RecordingDescriptor, error) {
	if exhaustive {
		if err := s.exhaustive(ctx); nil != err {
			return nil, fmt.Errorf("exhaustive scan: %w", err)
		}
	} else {
		s.ingestVisible()
	}

	return s.acc.descriptors(), nil
}

// Watch runs the continuous lightweight scan: every change notification
// from the viewport triggers a debounced visible-row ingest. Returns
// immediately when the viewport cannot notify.
func (s *Scanner) Watch(ctx context.Context) {
	notifier, ok := s.vp.(Notifier)
	if !ok {
		s.logger.Debug().Msg("Viewport does not notify changes, continuous scan disabled")
		return
	}

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case _, open := <-notifier.Changes():
			if !open {
				return
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(s.debounce, func() {
				s.ingestVisible()
			})
		}
	}
}

func (s *Scanner) ingestVisible() {
	for position, row := range s.vp.VisibleRows() {
		if desc, ok := describeRow(row, position); ok {
			s.acc.merge(desc)
		}
	}
}

func (s *Scanner) seedFromInventory() {
	if s.inv == nil {
		return
	}

	items := s.inv.Items()
	for _, item := range items {
		id := ItemID(item)
		if id == "" {
			continue
		}

		contextParts := make([]string, 0, 2)
		if duration := itemField(item, itemDurationFields); duration != "" {
			contextParts = append(contextParts, duration)
		}
		if tag := itemField(item, itemTagFields); tag != "" {
			contextParts = append(contextParts, tag)
		}

		s.acc.merge(types.RecordingDescriptor{ //nolint:exhaustruct
			FileID:    id,
			Filename:  itemField(item, itemTitleFields),
			Extension: "mp3",
			Context:   joinContext(contextParts),
		})
	}

	if len(items) > 0 {
		s.logger.Debug().Int("items", len(items)).Msg("Seeded scan from virtualization backing array")
	}
}

func describeRow(row Row, position int) (types.RecordingDescriptor, bool) {
	fileID := strings.TrimSpace(row.FileID())
	if fileID == "" {
		return types.RecordingDescriptor{}, false //nolint:exhaustruct
	}

	title := firstSelector(row, titleSelectors)
	if title == "" {
		title = fmt.Sprintf("Recording %d", position+1)
	}

	contextParts := make([]string, 0, 3)
	if date := firstSelector(row, dateSelectors); date != "" {
		contextParts = append(contextParts, date)
	}
	if duration := firstSelector(row, durationSelectors); duration != "" {
		contextParts = append(contextParts, duration)
	}
	if tag := firstSelector(row, tagSelectors); tag != "" {
		contextParts = append(contextParts, tag)
	}

	return types.RecordingDescriptor{ //nolint:exhaustruct
		FileID:    fileID,
		Filename:  title,
		Extension: "mp3",
		Context:   joinContext(contextParts),
	}, true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
