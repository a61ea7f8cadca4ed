package scanner

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// FileViewport serves the latest parse of a snapshot file and notifies when
// the collector rewrites it in place, so Watch can keep ingesting a capture
// that is refreshed while the process runs.
type FileViewport struct {
	logger   zerolog.Logger
	path     string
	interval time.Duration

	mu      sync.Mutex
	current *SnapshotViewport
	modTime time.Time

	changes chan struct{}
}

func NewFileViewport(logger zerolog.Logger, path string, interval time.Duration) (*FileViewport, error) {
	snap, err := LoadSnapshot(path)
	if nil != err {
		return nil, err
	}

	info, err := os.Stat(path)
	if nil != err {
		return nil, fmt.Errorf("stat snapshot file %s: %v", path, err)
	}

	return &FileViewport{
		logger:   logger,
		path:     path,
		interval: interval,
		mu:       sync.Mutex{},
		current:  snap.Viewport(),
		modTime:  info.ModTime(),
		changes:  make(chan struct{}, 1),
	}, nil
}

func (v *FileViewport) Changes() <-chan struct{} {
	return v.changes
}

// Poll watches the snapshot file for rewrites until ctx is done, then
// closes the change feed.
func (v *FileViewport) Poll(ctx context.Context) {
	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()
	defer close(v.changes)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v.reload()
		}
	}
}

func (v *FileViewport) reload() {
	info, err := os.Stat(v.path)
	if nil != err {
		v.logger.Debug().Err(err).Msg("Snapshot file went away, keeping last parse")
		return
	}

	v.mu.Lock()
	unchanged := info.ModTime().Equal(v.modTime)
	v.mu.Unlock()
	if unchanged {
		return
	}

	snap, err := LoadSnapshot(v.path)
	if nil != err {
		v.logger.Warn().Err(err).Msg("Failed to reload snapshot file, keeping last parse")
		return
	}

	v.mu.Lock()
	v.current = snap.Viewport()
	v.modTime = info.ModTime()
	v.mu.Unlock()

	select {
	case v.changes <- struct{}{}:
	default:
	}
}

func (v *FileViewport) snapshot() *SnapshotViewport {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.current
}

func (v *FileViewport) VisibleRows() []Row {
	return v.snapshot().VisibleRows()
}

func (v *FileViewport) ScrollTop() int {
	return v.snapshot().ScrollTop()
}

func (v *FileViewport) Height() int {
	return v.snapshot().Height()
}

func (v *FileViewport) ViewportHeight() int {
	return v.snapshot().ViewportHeight()
}

func (v *FileViewport) SetScrollTop(top int) {
	v.snapshot().SetScrollTop(top)
}
