// Package downloads is the download manager the job controller delegates
// to: enqueue by URL, cancel by id, and a change feed reporting terminal
// states. The concrete manager fetches into a local directory; http(s) URLs
// are downloaded, file URLs (staged tagged audio) are copied.
package downloads

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"

	"github.com/atlastools/plaudgrab/types"
)

type State string

const (
	StateInProgress  State = "in_progress"
	StateComplete    State = "complete"
	StateInterrupted State = "interrupted"
)

type Change struct {
	ID    int
	State State
}

// Manager is the boundary the job controller sees.
type Manager interface {
	// Enqueue starts a download and returns its id. Fails synchronously on
	// an unusable URL; transport failures surface on the change feed as an
	// interrupted state.
	Enqueue(ctx context.Context, rawURL, filename string, conflict types.ConflictPolicy) (int, error)
	Cancel(id int)
	Changes() <-chan Change
}

var ErrInvalidURL = errors.New("downloads: invalid download URL")

const fetchTimeout = 10 * time.Minute

type DirManager struct {
	logger  zerolog.Logger
	dir     string
	http    *http.Client
	changes chan Change

	mu       sync.Mutex
	nextID   int
	active   map[int]context.CancelFunc
	reserved map[string]struct{}
}

func NewDirManager(logger zerolog.Logger, dir string) *DirManager {
	return &DirManager{
		logger:   logger,
		dir:      dir,
		http:     &http.Client{Timeout: fetchTimeout}, //nolint:exhaustruct
		changes:  make(chan Change, 64),
		mu:       sync.Mutex{},
		nextID:   0,
		active:   make(map[int]context.CancelFunc),
		reserved: make(map[string]struct{}),
	}
}

func (m *DirManager) Changes() <-chan Change {
	return m.changes
}

func (m *DirManager) Enqueue(ctx context.Context, rawURL, filename string, conflict types.ConflictPolicy) (int, error) {
	parsed, err := url.Parse(rawURL)
	if nil != err {
		return 0, ErrInvalidURL
	}

	switch parsed.Scheme {
	case "http", "https", "file":
	default:
		return 0, ErrInvalidURL
	}

	target, release, err := m.claimTarget(filename, conflict)
	if nil != err {
		return 0, err
	}

	dlCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.active[id] = cancel
	m.mu.Unlock()

	go func() {
		defer release()
		m.run(dlCtx, id, parsed, target)
	}()

	return id, nil
}

func (m *DirManager) Cancel(id int) {
	m.mu.Lock()
	cancel, ok := m.active[id]
	m.mu.Unlock()

	if ok {
		cancel()
	}
}

func (m *DirManager) run(ctx context.Context, id int, src *url.URL, target string) {
	defer func() {
		m.mu.Lock()
		if cancel, ok := m.active[id]; ok {
			cancel()
			delete(m.active, id)
		}
		m.mu.Unlock()
	}()

	if err := m.fetch(ctx, src, target); nil != err {
		m.logger.
			Warn().
			Err(err).
			Int("download_id", id).
			Str("url", src.Redacted()).
			Msg("Download interrupted")
		m.emit(Change{ID: id, State: StateInterrupted})
		return
	}

	m.emit(Change{ID: id, State: StateComplete})
}

func (m *DirManager) emit(change Change) {
	select {
	case m.changes <- change:
	default:
		// A stalled consumer must not wedge downloads.
		m.logger.Warn().Int("download_id", change.ID).Msg("Change feed full, dropping notification")
	}
}

func (m *DirManager) fetch(ctx context.Context, src *url.URL, target string) error {
	tmp := target + ".part"
	defer os.Remove(tmp)

	// Transient transport failures are the manager's problem, not the
	// job's: a short backoff-retry happens inside this boundary.
	operation := func() error {
		if src.Scheme == "file" {
			return copyLocal(src.Path, tmp)
		}

		return m.fetchHTTP(ctx, src, tmp)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(operation, policy); nil != err {
		return err
	}

	final := m.ensureExtension(target, tmp)
	if err := os.Rename(tmp, final); nil != err {
		return fmt.Errorf("move finished download into place: %v", err)
	}

	return nil
}

func (m *DirManager) fetchHTTP(ctx context.Context, src *url.URL, tmp string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.String(), nil)
	if nil != err {
		return backoff.Permanent(fmt.Errorf("create download request: %v", err))
	}

	resp, err := m.http.Do(req)
	if nil != err {
		if errors.Is(err, context.Canceled) {
			return backoff.Permanent(context.Canceled)
		}

		return fmt.Errorf("send download request: %v", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); nil != closeErr {
			m.logger.Error().Err(closeErr).Msg("Failed to close download response body")
		}
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("download request failed with status %d", resp.StatusCode)
	default:
		return backoff.Permanent(fmt.Errorf("download request failed with status %d", resp.StatusCode))
	}

	out, err := os.Create(tmp)
	if nil != err {
		return backoff.Permanent(fmt.Errorf("create download file: %v", err))
	}

	if _, err := io.Copy(out, resp.Body); nil != err {
		_ = out.Close()
		if errors.Is(err, context.Canceled) {
			return backoff.Permanent(context.Canceled)
		}

		return fmt.Errorf("write download file: %v", err)
	}

	if err := out.Close(); nil != err {
		return backoff.Permanent(fmt.Errorf("close download file: %v", err))
	}

	return nil
}

func copyLocal(srcPath, dst string) error {
	src, err := os.Open(srcPath)
	if nil != err {
		return backoff.Permanent(fmt.Errorf("open staged file: %v", err))
	}
	defer src.Close()

	out, err := os.Create(dst)
	if nil != err {
		return backoff.Permanent(fmt.Errorf("create download file: %v", err))
	}

	if _, err := io.Copy(out, src); nil != err {
		_ = out.Close()
		return backoff.Permanent(fmt.Errorf("copy staged file: %v", err))
	}

	if err := out.Close(); nil != err {
		return backoff.Permanent(fmt.Errorf("close download file: %v", err))
	}

	return nil
}

// claimTarget resolves filename under the downloads directory, applying the
// conflict policy. The filename is expected pre-sanitized; path escapes are
// rejected anyway. Uniquified names are reserved until release is called:
// the file itself only appears at rename time, so a same-named download
// enqueued while another is still in flight must not resolve to the same
// target.
func (m *DirManager) claimTarget(filename string, conflict types.ConflictPolicy) (string, func(), error) {
	clean := filepath.Clean(filepath.FromSlash(filename))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", nil, fmt.Errorf("downloads: unsafe filename %q", filename)
	}

	target := filepath.Join(m.dir, clean)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); nil != err {
		return "", nil, fmt.Errorf("create download directory: %v", err)
	}

	if conflict == types.ConflictOverwrite {
		return target, func() {}, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	final := m.uniquify(target)
	m.reserved[final] = struct{}{}
	release := func() {
		m.mu.Lock()
		delete(m.reserved, final)
		m.mu.Unlock()
	}

	return final, release, nil
}

// uniquify appends " (n)" before the extension until the name is free,
// mirroring what browsers do. Callers must hold mu.
func (m *DirManager) uniquify(target string) string {
	if m.free(target) {
		return target
	}

	ext := filepath.Ext(target)
	stem := strings.TrimSuffix(target, ext)
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s (%d)%s", stem, n, ext)
		if m.free(candidate) {
			return candidate
		}
	}
}

// free reports whether path neither exists on disk nor is reserved by an
// in-flight download.
func (m *DirManager) free(path string) bool {
	if _, taken := m.reserved[path]; taken {
		return false
	}

	_, err := os.Stat(path)

	return errors.Is(err, os.ErrNotExist)
}

// ensureExtension sniffs the downloaded content when the target name has
// no extension and appends the detected one.
func (m *DirManager) ensureExtension(target, tmp string) string {
	if filepath.Ext(target) != "" {
		return target
	}

	detected, err := mimetype.DetectFile(tmp)
	if nil != err || detected.Extension() == "" {
		return target
	}

	return target + detected.Extension()
}
