package schedule

import (
	"hash/fnv"

	"github.com/fieldops/dispatchd/core/model"
)

// defaultPalette is the fallback palette for workers without a configured
// color. Order matters: the hash indexes into it.
var defaultPalette = []string{
	"#1aaa55", "#357cd2", "#7fa900", "#ea7a57",
	"#00bdae", "#df5286", "#865fcf", "#bc8b00",
}

// statusColors renders availability blocks by kind rather than by worker.
var statusColors = map[model.StatusKind]string{
	model.StatusAvailable:   "#2e7d32",
	model.StatusUnavailable: "#757575",
	model.StatusOnLeave:     "#f57f17",
	model.StatusSickLeave:   "#c62828",
	model.StatusOvertime:    "#4527a0",
}

// ColorTable resolves a deterministic display color per worker: the override
// table wins, otherwise a stable hash of the worker id indexes the palette so
// the same worker renders identically across sessions and reloads.
type ColorTable struct {
	overrides map[string]string
	palette   []string
}

// NewColorTable creates a table. A nil or empty palette falls back to the
// built-in one.
func NewColorTable(overrides map[string]string, palette []string) *ColorTable {
	if len(palette) == 0 {
		palette = defaultPalette
	}
	if overrides == nil {
		overrides = map[string]string{}
	}
	return &ColorTable{overrides: overrides, palette: palette}
}

// ColorFor returns the worker's display color.
func (t *ColorTable) ColorFor(workerID string) string {
	if c, ok := t.overrides[workerID]; ok {
		return c
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(workerID))
	return t.palette[int(h.Sum32()%uint32(len(t.palette)))]
}

// colorForBlock returns the display color of a status block.
func colorForBlock(kind model.StatusKind) string {
	if c, ok := statusColors[kind]; ok {
		return c
	}
	return statusColors[model.StatusUnavailable]
}
