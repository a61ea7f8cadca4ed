package scanner

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/goccy/go-json"
	"github.com/tidwall/gjson"
)

// Snapshot is a serialized capture of the dashboard's recording list, as
// dumped by the companion page collector: the row data the virtualizer
// would paint, its geometry, and the raw component state when the collector
// could reach it.
type Snapshot struct {
	ViewportHeight int               `json:"viewport_height"`
	RowHeight      int               `json:"row_height"`
	ScrollTop      int               `json:"scroll_top"`
	Rows           []SnapshotRow     `json:"rows"`
	Component      json.RawMessage   `json:"component,omitempty"`
}

type SnapshotRow struct {
	FileID string            `json:"file_id"`
	Fields map[string]string `json:"fields"`
}

var ErrEmptySnapshot = errors.New("scanner: snapshot holds no rows")

func LoadSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if nil != err {
		return nil, fmt.Errorf("read snapshot file %s: %v", path, err)
	}

	return ParseSnapshot(data)
}

func ParseSnapshot(data []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); nil != err {
		return nil, fmt.Errorf("parse snapshot: %v", err)
	}

	if len(snap.Rows) == 0 {
		return nil, ErrEmptySnapshot
	}

	if snap.RowHeight <= 0 {
		snap.RowHeight = 72
	}
	if snap.ViewportHeight <= 0 {
		snap.ViewportHeight = 600
	}

	return &snap, nil
}

// Viewport builds a windowed viewport over the snapshot, simulating the
// virtualizer: only rows intersecting the scroll window are "rendered".
func (s *Snapshot) Viewport() *SnapshotViewport {
	return &SnapshotViewport{
		mu:        sync.Mutex{},
		rows:      s.Rows,
		rowHeight: s.RowHeight,
		vpHeight:  s.ViewportHeight,
		scrollTop: s.ScrollTop,
	}
}

// Inventory exposes the captured component state as a backing-array source.
// Returns nil when the collector could not reach the component instance.
func (s *Snapshot) Inventory() Inventory {
	if len(s.Component) == 0 {
		return nil
	}

	return componentInventory{raw: gjson.ParseBytes(s.Component)}
}

type SnapshotViewport struct {
	mu        sync.Mutex
	rows      []SnapshotRow
	rowHeight int
	vpHeight  int
	scrollTop int
}

func (v *SnapshotViewport) VisibleRows() []Row {
	v.mu.Lock()
	defer v.mu.Unlock()

	var (
		top    = v.scrollTop
		bottom = v.scrollTop + v.vpHeight
		out    []Row
	)
	for i, row := range v.rows {
		rowTop := i * v.rowHeight
		rowBottom := rowTop + v.rowHeight
		if rowBottom <= top || rowTop >= bottom {
			continue
		}
		out = append(out, snapshotRow{row: row})
	}

	return out
}

func (v *SnapshotViewport) ScrollTop() int {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.scrollTop
}

func (v *SnapshotViewport) Height() int {
	v.mu.Lock()
	defer v.mu.Unlock()

	return len(v.rows) * v.rowHeight
}

func (v *SnapshotViewport) ViewportHeight() int {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.vpHeight
}

func (v *SnapshotViewport) SetScrollTop(top int) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if top < 0 {
		top = 0
	}
	if maxTop := len(v.rows)*v.rowHeight - v.vpHeight; top > maxTop {
		top = max(maxTop, 0)
	}
	v.scrollTop = top
}

type snapshotRow struct {
	row SnapshotRow
}

func (r snapshotRow) FileID() string {
	return r.row.FileID
}

func (r snapshotRow) Query(selector string) string {
	return r.row.Fields[selector]
}

// Candidate paths into the captured component state where the virtualizer
// keeps its backing item array. Internal framework shapes are not a
// committed contract, so absence of all of them is a normal empty result.
var componentItemPaths = []string{"props.items", "props.data", "ctx.items", "ctx.list"}

type componentInventory struct {
	raw gjson.Result
}

func (c componentInventory) Items() []gjson.Result {
	for _, path := range componentItemPaths {
		if arr := c.raw.Get(path); arr.IsArray() {
			return arr.Array()
		}
	}

	return nil
}
