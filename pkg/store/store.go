// Package store ties the SBFDS together: it owns the entities, the intern
// pool, the code graph, and the matrix, and it implements the query cache
// layer of spec.md §2 and §5 — labels are materialized into columns the
// first time a query references them, behind a read-write mutex, and every
// query executes against the materialized snapshot under the read lock.
package store

import (
	"fmt"
	"sync"

	"github.com/amalgam/sbfds/pkg/cell"
	"github.com/amalgam/sbfds/pkg/codegraph"
	"github.com/amalgam/sbfds/pkg/intern"
	"github.com/amalgam/sbfds/pkg/knn"
	"github.com/amalgam/sbfds/pkg/matrix"
	"github.com/amalgam/sbfds/pkg/metrics"
	"github.com/amalgam/sbfds/pkg/query"
	"github.com/amalgam/sbfds/pkg/randstream"
)

// Entity is one record: a code root (opaque to the query core), a
// randomness state, and the label -> value lookup used at population time
// (spec.md §3).
type Entity struct {
	labels map[intern.ID]cell.Value
	code   codegraph.Handle
	rand   *randstream.Stream
}

// Code returns the entity's code root handle.
func (e *Entity) Code() codegraph.Handle { return e.code }

// Config carries the store's construction-time knobs; the zero value is
// usable.
type Config struct {
	// StepBudget bounds the work of a single query; 0 means unlimited
	// (spec.md §5 cancellation).
	StepBudget int64

	// StaticStrings are interned as immortal ids at startup, beyond the
	// two reserved sentinels.
	StaticStrings []string
}

// Store is safe for concurrent use: mutations and column materialization
// take the write lock, queries the read lock. Per-query scratch comes from
// a pool so concurrent queries never share partial-sum state.
type Store struct {
	mu sync.RWMutex

	cfg      Config
	pool     *intern.Pool
	graph    *codegraph.Manager
	mat      *matrix.Matrix
	entities []*Entity

	scratch sync.Pool
}

// New creates an empty store.
func New(cfg Config) *Store {
	s := &Store{
		cfg:   cfg,
		pool:  intern.NewPool(cfg.StaticStrings),
		graph: codegraph.NewManager(),
	}
	s.mat = matrix.New(s.graph)
	s.scratch.New = func() interface{} { return &knn.Scratch{} }
	return s
}

// Pool exposes the intern pool (values arriving over the wire need ids).
func (s *Store) Pool() *intern.Pool { return s.pool }

// Graph exposes the code-graph collaborator.
func (s *Store) Graph() *codegraph.Manager { return s.graph }

// NumEntities returns the current entity count.
func (s *Store) NumEntities() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mat.NumEntities()
}

// NumColumns returns the number of materialized columns.
func (s *Store) NumColumns() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mat.NumColumns()
}

// GetValueAtLabel implements matrix.LabelReader. Entities that do not carry
// the label read as Invalid, which is what places them in the column's
// invalid status set (spec.md §3 invariant 1).
func (s *Store) GetValueAtLabel(entity int, label intern.ID) cell.Value {
	if entity >= len(s.entities) {
		return cell.InvalidValue
	}
	if v, ok := s.entities[entity].labels[label]; ok {
		return v
	}
	return cell.InvalidValue
}

// CellFromAny converts a wire-level value into a cell, interning strings.
// The caller owns the returned string reference.
func (s *Store) CellFromAny(v interface{}) cell.Value {
	switch x := v.(type) {
	case nil:
		return cell.NullValue
	case float64:
		return cell.NewNumber(x)
	case float32:
		return cell.NewNumber(float64(x))
	case int:
		return cell.NewNumber(float64(x))
	case int64:
		return cell.NewNumber(float64(x))
	case bool:
		if x {
			return cell.NewNumber(1)
		}
		return cell.NewNumber(0)
	case string:
		return cell.NewStringID(s.pool.CreateRef(x))
	case codegraph.Handle:
		return cell.NewCode(x)
	default:
		return cell.InvalidValue
	}
}

// AddEntity appends an entity with the given label values and randomness
// seed, returning its index. Values pass through CellFromAny; label names
// are interned with one reference held per entity.
func (s *Store) AddEntity(values map[string]interface{}, seed string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	labels := make(map[intern.ID]cell.Value, len(values))
	for name, v := range values {
		labels[s.pool.CreateRef(name)] = s.CellFromAny(v)
	}
	ent := &Entity{
		labels: labels,
		rand:   randstream.NewFromSeedString(seed),
	}
	s.entities = append(s.entities, ent)
	idx := s.mat.AddEntity(s)

	metrics.EntityCount.Set(float64(s.mat.NumEntities()))
	metrics.ColumnCount.Set(float64(s.mat.NumColumns()))
	return idx
}

// SetEntityCode attaches a code root to an existing entity and registers it
// as a GC root with the node manager.
func (s *Store) SetEntityCode(entity int, code codegraph.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entity >= len(s.entities) {
		return fmt.Errorf("store: entity %d out of range", entity)
	}
	old := s.entities[entity].code
	if !old.IsZero() {
		s.graph.FreeRef(old)
	}
	if !code.IsZero() {
		s.graph.KeepRef(code)
	}
	s.entities[entity].code = code
	return nil
}

// RemoveEntity removes entity i with the swap-last-down idiom, releasing
// its string references in one batch (exercising the intern pool's
// two-phase destroy).
func (s *Store) RemoveEntity(i int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.entities)
	if i < 0 || i >= n {
		return fmt.Errorf("store: entity %d out of range", i)
	}
	j := n - 1
	removed := s.entities[i]

	s.mat.RemoveEntity(i, j)
	s.entities[i] = s.entities[j]
	s.entities = s.entities[:j]

	var ids []intern.ID
	for label, v := range removed.labels {
		ids = append(ids, label)
		if v.Type == cell.StringID {
			ids = append(ids, v.StringID)
		}
	}
	s.pool.DestroyRefs(ids)
	if !removed.code.IsZero() {
		s.graph.FreeRef(removed.code)
	}

	metrics.EntityCount.Set(float64(s.mat.NumEntities()))
	metrics.ColumnCount.Set(float64(s.mat.NumColumns()))
	return nil
}

// UpdateEntityLabel rewrites one label on one entity, keeping any
// materialized column in sync and balancing string references.
func (s *Store) UpdateEntityLabel(entity int, label string, value interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entity < 0 || entity >= len(s.entities) {
		return fmt.Errorf("store: entity %d out of range", entity)
	}
	ent := s.entities[entity]

	labelID := s.pool.CreateRef(label)
	newValue := s.CellFromAny(value)

	old, had := ent.labels[labelID]
	if had {
		// The entity already held a reference for this label name.
		s.pool.DestroyRef(labelID)
		if old.Type == cell.StringID {
			s.pool.DestroyRef(old.StringID)
		}
	}
	if value == nil && !had {
		// Nothing to do; drop the probe reference.
		s.pool.DestroyRef(labelID)
		return nil
	}
	ent.labels[labelID] = newValue

	s.mat.UpdateEntityLabel(entity, labelID, newValue)
	metrics.ColumnCount.Set(float64(s.mat.NumColumns()))
	return nil
}

// EnsureLabelsCached materializes a column for every named label at least
// one entity carries. It re-checks under the write lock, since another
// query may have raced the materialization (spec.md §5).
func (s *Store) EnsureLabelsCached(labels []string) {
	s.mu.RLock()
	missing := s.missingLabels(labels)
	s.mu.RUnlock()
	if len(missing) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	missing = s.missingLabels(labels)
	if len(missing) == 0 {
		return
	}
	s.mat.AddLabels(missing, s)
	metrics.ColumnCount.Set(float64(s.mat.NumColumns()))
}

// missingLabels filters to interned, entity-carried labels that have no
// column yet. Labels no entity carries never become columns; their queries
// resolve through the missing-column paths.
func (s *Store) missingLabels(labels []string) []intern.ID {
	var missing []intern.ID
	for _, name := range labels {
		id, ok := s.pool.Lookup(name)
		if !ok {
			continue
		}
		if s.mat.HasLabel(id) {
			continue
		}
		carried := false
		for _, e := range s.entities {
			if _, has := e.labels[id]; has {
				carried = true
				break
			}
		}
		if carried {
			missing = append(missing, id)
		}
	}
	return missing
}

// Query materializes every referenced label and executes the condition
// pipeline under the read lock. The returned result is independent of the
// store's internal state.
func (s *Store) Query(conds []query.Condition) (*query.Result, error) {
	s.EnsureLabelsCached(query.CollectLabels(conds))

	s.mu.RLock()
	defer s.mu.RUnlock()

	timer := metrics.NewQueryTimer()
	defer timer.ObserveDuration()

	scratch := s.scratch.Get().(*knn.Scratch)
	defer s.scratch.Put(scratch)

	env := &query.Env{Matrix: s.mat, Pool: s.pool, Graph: s.graph}
	res, err := query.Execute(env, conds, query.NewBudget(s.cfg.StepBudget), scratch)
	switch {
	case err != nil:
		metrics.QueriesTotal.WithLabelValues("error").Inc()
	case res.Exhausted:
		metrics.QueriesTotal.WithLabelValues("exhausted").Inc()
	default:
		metrics.QueriesTotal.WithLabelValues("ok").Inc()
	}
	return res, err
}

// VerifyIntegrity runs the partition invariant over every column, panicking
// with a diagnostic on structural corruption (spec.md §7, §8).
func (s *Store) VerifyIntegrity() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.mat.VerifyPartition()
}
