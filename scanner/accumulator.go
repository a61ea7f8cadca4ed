package scanner

import (
	"strings"
	"sync"

	"github.com/atlastools/plaudgrab/types"
)

// accumulator merges descriptors by identifier. Scanning never
// double-counts an identifier, but newly-discovered non-empty fields fill
// in blanks on an existing entry, so repeated scans converge on the
// best-known data. Watch ingests from a timer goroutine, so access is
// mutex-guarded.
type accumulator struct {
	mu    sync.Mutex
	order []string
	byID  map[string]*types.RecordingDescriptor
}

func newAccumulator() *accumulator {
	return &accumulator{
		mu:    sync.Mutex{},
		order: nil,
		byID:  make(map[string]*types.RecordingDescriptor),
	}
}

func (a *accumulator) merge(d types.RecordingDescriptor) {
	if d.FileID == "" {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	existing, ok := a.byID[d.FileID]
	if !ok {
		copied := d
		a.byID[d.FileID] = &copied
		a.order = append(a.order, d.FileID)
		return
	}

	betterName := d.Filename != "" &&
		(existing.Filename == "" ||
			(isPlaceholderName(existing.Filename) && !isPlaceholderName(d.Filename)))
	if betterName {
		existing.Filename = d.Filename
	}
	if existing.URL == "" {
		existing.URL = d.URL
	}
	if existing.Extension == "" {
		existing.Extension = d.Extension
	}
	existing.Context = mergeContext(existing.Context, d.Context)
	if existing.Metadata == nil {
		existing.Metadata = d.Metadata
	}
}

func (a *accumulator) size() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return len(a.byID)
}

func (a *accumulator) descriptors() []types.RecordingDescriptor {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]types.RecordingDescriptor, 0, len(a.order))
	for _, id := range a.order {
		out = append(out, *a.byID[id])
	}

	return out
}

func isPlaceholderName(name string) bool {
	return strings.HasPrefix(name, "Recording ")
}

// mergeContext combines two context strings, deduplicating their " | "
// separated pieces while preserving first-seen order.
func mergeContext(existing, incoming string) string {
	if incoming == "" {
		return existing
	}
	if existing == "" {
		return incoming
	}

	seen := make(map[string]struct{})
	pieces := make([]string, 0, 4)
	for _, part := range strings.Split(existing+" | "+incoming, " | ") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if _, ok := seen[part]; ok {
			continue
		}
		seen[part] = struct{}{}
		pieces = append(pieces, part)
	}

	return strings.Join(pieces, " | ")
}

func joinContext(parts []string) string {
	seen := make(map[string]struct{}, len(parts))
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if _, ok := seen[part]; ok {
			continue
		}
		seen[part] = struct{}{}
		out = append(out, part)
	}

	return strings.Join(out, " | ")
}
