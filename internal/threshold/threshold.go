// Package threshold implements the per-fan hysteretic threshold curve:
// given a temperature and the previously selected step, decide whether
// to advance to a higher step, retreat to a lower one, or hold, per
// spec.md §4.3.
package threshold

import (
	"sort"

	"github.com/nbfcd/nbfcd/internal/config"
)

// Manager tracks one fan's current position in its threshold table and
// applies the hysteresis rule on each new temperature reading.
//
// A row's own UpThreshold gates entry INTO that row (advancing from the
// row before it), and a row's own DownThreshold gates retreating back to
// the PREVIOUS row; a single temperature update may cross more than one
// band ("the largest such step"), so both directions loop until no
// further transition applies.
type Manager struct {
	table []config.TemperatureThreshold
	index int
}

// NewManager builds a Manager over table, defensively copied and sorted
// ascending by UpThreshold, starting at the lowest step.
func NewManager(table []config.TemperatureThreshold) *Manager {
	sorted := append([]config.TemperatureThreshold(nil), table...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].UpThreshold < sorted[j].UpThreshold })
	return &Manager{table: sorted, index: 0}
}

// Reset returns the manager to its lowest step.
func (m *Manager) Reset() {
	m.index = 0
}

// Update applies temperature t and returns the resulting FanSpeed
// percentage for the (possibly new) current step.
func (m *Manager) Update(t int) int {
	for m.index < len(m.table)-1 && t >= m.table[m.index+1].UpThreshold {
		m.index++
	}
	for m.index > 0 && t < m.table[m.index].DownThreshold {
		m.index--
	}
	return m.table[m.index].FanSpeed
}

// CurrentIndex returns the step currently selected, for diagnostics.
func (m *Manager) CurrentIndex() int {
	return m.index
}
