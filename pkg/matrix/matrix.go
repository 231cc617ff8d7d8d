// Package matrix implements the Separable Box-Filter Data Store's cell
// matrix: a row-major entities-by-columns grid of immediate-value cells
// plus the per-column indexes (spec.md §4.4). The matrix owns entity
// add/remove/update and column materialization; the query cache layer in
// pkg/store decides *when* a label becomes a column.
package matrix

import (
	"fmt"
	"sort"
	"sync"

	"github.com/amalgam/sbfds/pkg/cell"
	"github.com/amalgam/sbfds/pkg/codegraph"
	"github.com/amalgam/sbfds/pkg/column"
	"github.com/amalgam/sbfds/pkg/intern"
)

// Concurrency heuristic for column materialization: one task per new column
// when the store is large, or when many columns arrive at once on a
// non-trivial store (spec.md §4.4).
const (
	concurrentBuildEntityThreshold      = 10_000
	concurrentBuildSmallEntityThreshold = 200
	concurrentBuildColumnThreshold      = 10
)

// LabelReader supplies entity values at population time. The matrix reads
// through it when a row is added and when a new column is materialized; it
// never retains values beyond copying them into cells.
type LabelReader interface {
	GetValueAtLabel(entity int, label intern.ID) cell.Value
}

// Matrix is the cell grid plus column indexes. It is not internally
// synchronized; pkg/store serializes access behind its cache lock.
type Matrix struct {
	cells       []cell.Value
	columns     []*column.Data
	labelToCol  map[intern.ID]int
	numEntities int

	graph *codegraph.Manager
}

// New creates an empty matrix.
func New(graph *codegraph.Manager) *Matrix {
	return &Matrix{
		labelToCol: make(map[intern.ID]int),
		graph:      graph,
	}
}

// NumEntities returns the current row count.
func (m *Matrix) NumEntities() int { return m.numEntities }

// NumColumns returns the current column count.
func (m *Matrix) NumColumns() int { return len(m.columns) }

// Column returns the index structure for column c.
func (m *Matrix) Column(c int) *column.Data { return m.columns[c] }

// ColumnForLabel returns the column index materialized for label, if any.
func (m *Matrix) ColumnForLabel(label intern.ID) (int, bool) {
	c, ok := m.labelToCol[label]
	return c, ok
}

// At returns the cell for (entity, column).
func (m *Matrix) At(entity, col int) cell.Value {
	return m.cells[entity*len(m.columns)+col]
}

// HasLabel reports whether label is materialized.
func (m *Matrix) HasLabel(label intern.ID) bool {
	_, ok := m.labelToCol[label]
	return ok
}

// Labels returns the materialized labels in column order.
func (m *Matrix) Labels() []intern.ID {
	out := make([]intern.ID, len(m.columns))
	for i, c := range m.columns {
		out[i] = c.StringID
	}
	return out
}

// AddEntity appends a row at index NumEntities, populating every existing
// column through reader. Returns the new entity's index.
func (m *Matrix) AddEntity(reader LabelReader) int {
	entity := m.numEntities
	m.numEntities++

	numCols := len(m.columns)
	row := make([]cell.Value, numCols)
	for c, col := range m.columns {
		v := reader.GetValueAtLabel(entity, col.StringID)
		row[c] = v
		col.InsertIndexValue(entity, v)
	}
	m.cells = append(m.cells, row...)
	return entity
}

// RemoveEntity removes row i using the swap-last-down idiom: j (normally
// the last row) is relocated into slot i, and every column index entry that
// pointed at j is rewritten to point at i (spec.md §3 lifecycle). When
// i == j the row is simply truncated. After the row is gone, columns left
// with only invalid entries are swept.
func (m *Matrix) RemoveEntity(i, j int) {
	if i >= m.numEntities || j >= m.numEntities {
		panic(fmt.Sprintf("matrix: RemoveEntity(%d, %d) out of range for %d entities", i, j, m.numEntities))
	}
	numCols := len(m.columns)

	for c, col := range m.columns {
		col.DeleteIndexValue(i, m.At(i, c))
		if i != j {
			// Relocate j's index entries to position i.
			vj := m.At(j, c)
			col.DeleteIndexValue(j, vj)
			col.InsertIndexValue(i, vj)
		}
	}
	if i != j {
		copy(m.cells[i*numCols:(i+1)*numCols], m.cells[j*numCols:(j+1)*numCols])
	}
	m.cells = m.cells[:(m.numEntities-1)*numCols]
	m.numEntities--

	m.SweepColumns()
}

// UpdateEntityLabel rewrites one cell, keeping the column index in sync. If
// no entity retains a non-invalid value for the column afterwards, the
// column is removed.
func (m *Matrix) UpdateEntityLabel(entity int, label intern.ID, newValue cell.Value) bool {
	c, ok := m.labelToCol[label]
	if !ok {
		return false
	}
	old := m.At(entity, c)
	m.columns[c].ChangeIndexValue(entity, old, newValue)
	m.cells[entity*len(m.columns)+c] = newValue
	m.SweepColumns()
	return true
}

// AddLabels materializes the given labels as new columns, reading every
// entity's value through reader. Labels already materialized are skipped.
// Population runs one goroutine per new column when the build heuristic
// says the fan-out is worth it, otherwise sequentially; either way entities
// are visited in increasing index order so the bulk numeric load stays
// stable (spec.md §4.4).
func (m *Matrix) AddLabels(labels []intern.ID, reader LabelReader) {
	var fresh []intern.ID
	for _, l := range labels {
		if _, ok := m.labelToCol[l]; !ok {
			fresh = append(fresh, l)
		}
	}
	if len(fresh) == 0 {
		return
	}

	oldCols := len(m.columns)
	newCols := oldCols + len(fresh)

	// Regrow the row-major grid with the wider stride.
	grown := make([]cell.Value, m.numEntities*newCols)
	for e := 0; e < m.numEntities; e++ {
		copy(grown[e*newCols:], m.cells[e*oldCols:(e+1)*oldCols])
	}
	m.cells = grown

	for idx, l := range fresh {
		col := column.New(l, m.numEntities, m.graph)
		m.labelToCol[l] = oldCols + idx
		m.columns = append(m.columns, col)
	}

	concurrent := m.numEntities > concurrentBuildEntityThreshold ||
		(m.numEntities > concurrentBuildSmallEntityThreshold && len(fresh) > concurrentBuildColumnThreshold)

	if !concurrent {
		for idx := range fresh {
			m.populateColumn(oldCols+idx, reader)
		}
		return
	}

	var wg sync.WaitGroup
	for idx := range fresh {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			m.populateColumn(c, reader)
		}(oldCols + idx)
	}
	wg.Wait()
}

// populateColumn fills column c for every entity. Each goroutine touches
// only its own column's index and its own cell stride, so concurrent
// population needs no locking.
func (m *Matrix) populateColumn(c int, reader LabelReader) {
	col := m.columns[c]
	numCols := len(m.columns)

	numbers := make([]column.NumberPair, 0, m.numEntities)
	for e := 0; e < m.numEntities; e++ {
		v := reader.GetValueAtLabel(e, col.StringID)
		m.cells[e*numCols+c] = v
		if v.Type == cell.Number && !v.IsMissingNumber() {
			// Defer numbers to one sorted bulk load below.
			numbers = append(numbers, column.NumberPair{Value: v.Number, Entity: e})
			continue
		}
		col.InsertIndexValue(e, v)
	}
	sort.SliceStable(numbers, func(i, j int) bool {
		if numbers[i].Value != numbers[j].Value {
			return numbers[i].Value < numbers[j].Value
		}
		return numbers[i].Entity < numbers[j].Entity
	})
	col.AppendSortedNumberIndices(numbers)
}

// SweepColumns drops every column whose entities are all invalid, the
// end-of-removal cleanup pass from spec.md §4.4. Column order among the
// survivors is preserved; the cell grid is compacted accordingly.
func (m *Matrix) SweepColumns() {
	var dead []int
	for c, col := range m.columns {
		if col.AllInvalid() || (m.numEntities > 0 && col.NumEntities() == 0) {
			dead = append(dead, c)
		}
	}
	if len(dead) == 0 {
		return
	}

	keep := make([]int, 0, len(m.columns)-len(dead))
	deadSet := make(map[int]bool, len(dead))
	for _, c := range dead {
		deadSet[c] = true
	}
	for c := range m.columns {
		if !deadSet[c] {
			keep = append(keep, c)
		}
	}

	oldCols := len(m.columns)
	newCells := make([]cell.Value, m.numEntities*len(keep))
	for e := 0; e < m.numEntities; e++ {
		for nc, oc := range keep {
			newCells[e*len(keep)+nc] = m.cells[e*oldCols+oc]
		}
	}

	newColumns := make([]*column.Data, len(keep))
	newLabelToCol := make(map[intern.ID]int, len(keep))
	for nc, oc := range keep {
		newColumns[nc] = m.columns[oc]
		newLabelToCol[m.columns[oc].StringID] = nc
	}
	m.cells = newCells
	m.columns = newColumns
	m.labelToCol = newLabelToCol
}

// VerifyPartition checks spec.md §3 invariant 1 for every column: each
// entity is in exactly one status set, and the set agrees with the cell
// variant. A violation is structural index corruption and panics with the
// column and entity (spec.md §7).
func (m *Matrix) VerifyPartition() {
	for c, col := range m.columns {
		for e := 0; e < m.numEntities; e++ {
			v := m.At(e, c)
			sets := 0
			if col.NumberIndices().Contains(e) {
				sets++
			}
			if col.NaNIndices().Contains(e) {
				sets++
			}
			if col.StringIDIndices().Contains(e) {
				sets++
			}
			if col.CodeIndices().Contains(e) {
				sets++
			}
			if col.NullIndices().Contains(e) {
				sets++
			}
			if col.InvalidIndices().Contains(e) {
				sets++
			}
			if sets != 1 {
				panic(fmt.Sprintf("matrix: partition violated at column %d entity %d: in %d status sets (cell %v)", c, e, sets, v.Type))
			}
			if col.GetIndexValueType(e) != v.Type {
				panic(fmt.Sprintf("matrix: index/cell mismatch at column %d entity %d: index says %v, cell is %v", c, e, col.GetIndexValueType(e), v.Type))
			}
		}
	}
}
