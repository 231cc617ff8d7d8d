// Package codegraph is the minimal interface the query engine needs from
// the external node manager described in spec.md §1 and §6: allocation,
// structural equality for the Code feature type, and GC-root registration.
// The full interpreter, opcode set, and mutation operators are genuinely
// external collaborators and are not modeled here; this package exists
// only so pkg/distance and pkg/column have something real to drive their
// "continuous-code" term computation against.
//
// Per the design notes in spec.md §9, nodes are addressed by
// (variant tag, payload index) into a flat arena rather than by pointer,
// and there are no parent back-pointers: a "needs cycle check" flag
// propagates upward on mutation instead.
package codegraph

import "sync"

// Tag identifies the shape of a node's payload.
type Tag uint8

const (
	// Leaf nodes carry no children, only a scalar payload (number or string).
	Leaf Tag = iota
	// List nodes carry an ordered sequence of child handles (an s-expression).
	List
)

// Handle addresses a node in the arena: (tag, payload index). The zero
// Handle is never valid; the Manager's Alloc* methods always return a handle with
// index >= 1 so callers can use the zero value as "no node".
type Handle struct {
	Tag   Tag
	Index uint32
}

// IsZero reports whether h is the uninitialized handle.
func (h Handle) IsZero() bool { return h == Handle{} }

type node struct {
	tag             Tag
	scalar          float64
	isString        bool
	str             string
	children        []Handle
	needsCycleCheck bool
	isIdempotent    bool
}

// Manager is the arena-backed node store. It exposes exactly the
// operations the query engine's distance layer and entity layer need:
// allocation, deep-copy, structural equality, flag propagation, and GC
// root bookkeeping. A read-write mutex guards the arena, matching the
// "memory modification" lock described in spec.md §5: callers must hold
// the read lock (via RLock/RUnlock) for the duration of any traversal and
// release it before taking a write lock elsewhere.
type Manager struct {
	mu    sync.RWMutex
	nodes []*node        // index 0 unused so the zero Handle is recognizably invalid
	roots map[Handle]int // GC root -> keep-alive count
}

// NewManager creates an empty arena.
func NewManager() *Manager {
	return &Manager{
		nodes: make([]*node, 1, 256),
		roots: make(map[Handle]int),
	}
}

// RLock/RUnlock/Lock/Unlock expose the arena's modification lock so callers
// performing multi-step traversals (e.g. structural equality, deep copy)
// can hold it across the whole operation, and so the caller can release it
// before acquiring any other lock, as spec.md §5 requires.
func (m *Manager) RLock()   { m.mu.RLock() }
func (m *Manager) RUnlock() { m.mu.RUnlock() }
func (m *Manager) Lock()    { m.mu.Lock() }
func (m *Manager) Unlock()  { m.mu.Unlock() }

// AllocLeafNumber allocates a scalar leaf node.
func (m *Manager) AllocLeafNumber(v float64) Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := uint32(len(m.nodes))
	m.nodes = append(m.nodes, &node{tag: Leaf, scalar: v})
	return Handle{Tag: Leaf, Index: idx}
}

// AllocLeafString allocates a string leaf node.
func (m *Manager) AllocLeafString(s string) Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := uint32(len(m.nodes))
	m.nodes = append(m.nodes, &node{tag: Leaf, isString: true, str: s})
	return Handle{Tag: Leaf, Index: idx}
}

// AllocList allocates a list node with the given children.
func (m *Manager) AllocList(children []Handle) Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := uint32(len(m.nodes))
	cp := append([]Handle(nil), children...)
	m.nodes = append(m.nodes, &node{tag: List, children: cp})
	return Handle{Tag: List, Index: idx}
}

// Free releases a node. It does not recursively free children: the real
// collaborator reclaims unreachable nodes via mark-sweep GC, triggered
// with CollectGarbage below, not by explicit child release.
func (m *Manager) Free(h Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(h.Index) < len(m.nodes) {
		m.nodes[h.Index] = nil
	}
}

func (m *Manager) get(h Handle) *node {
	if h.IsZero() || int(h.Index) >= len(m.nodes) {
		return nil
	}
	return m.nodes[h.Index]
}

// DeepCopy duplicates the subtree rooted at h. labelEscape, when non-zero,
// is +1 to prefix every copied string leaf with "#" (label-escape-increment)
// or -1 to strip a leading "#" (label-escape-decrement), mirroring
// EvaluableNodeManager::AllocNode's ENMM_LABEL_ESCAPE_* modifiers.
func (m *Manager) DeepCopy(h Handle, labelEscape int) Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deepCopyLocked(h, labelEscape)
}

func (m *Manager) deepCopyLocked(h Handle, labelEscape int) Handle {
	n := m.get(h)
	if n == nil {
		return Handle{}
	}
	cp := &node{tag: n.tag, scalar: n.scalar, isString: n.isString, str: n.str}
	if labelEscape > 0 && n.isString {
		cp.str = "#" + cp.str
	} else if labelEscape < 0 && n.isString && len(cp.str) > 0 && cp.str[0] == '#' {
		cp.str = cp.str[1:]
	}
	for _, c := range n.children {
		cp.children = append(cp.children, m.deepCopyLocked(c, labelEscape))
	}
	idx := uint32(len(m.nodes))
	m.nodes = append(m.nodes, cp)
	return Handle{Tag: cp.tag, Index: idx}
}

// UpdateFlagsForTree walks h post-order, setting needsCycleCheck whenever a
// child already needs a cycle check or the node is a List (lists are where
// the interpreter's self-reference opcodes can introduce cycles), and
// isIdempotent when every child is idempotent and the node is a Leaf or a
// List of entirely idempotent children. This mirrors
// EvaluableNodeManager::UpdateFlagsForNodeTree's post-order propagation.
func (m *Manager) UpdateFlagsForTree(h Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateFlagsLocked(h)
}

func (m *Manager) updateFlagsLocked(h Handle) (needsCycleCheck, isIdempotent bool) {
	n := m.get(h)
	if n == nil {
		return false, true
	}
	isIdempotent = true
	for _, c := range n.children {
		childCycle, childIdempotent := m.updateFlagsLocked(c)
		needsCycleCheck = needsCycleCheck || childCycle
		isIdempotent = isIdempotent && childIdempotent
	}
	if n.tag == List {
		needsCycleCheck = true
	}
	n.needsCycleCheck = needsCycleCheck
	n.isIdempotent = isIdempotent
	return needsCycleCheck, isIdempotent
}

// NeedsCycleCheck reports the cached flag set by UpdateFlagsForTree.
func (m *Manager) NeedsCycleCheck(h Handle) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if n := m.get(h); n != nil {
		return n.needsCycleCheck
	}
	return false
}

// StructurallyEqual reports whether the subtrees rooted at a and b are
// identical in shape and leaf content. This is the primitive the
// "continuous-code" distance term (spec.md §4.5) is built on.
func (m *Manager) StructurallyEqual(a, b Handle) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.structurallyEqualLocked(a, b, map[[2]Handle]bool{})
}

func (m *Manager) structurallyEqualLocked(a, b Handle, visiting map[[2]Handle]bool) bool {
	if a == b {
		return true
	}
	key := [2]Handle{a, b}
	if visiting[key] {
		// A cycle was revisited identically on both sides; treat as equal
		// rather than looping forever.
		return true
	}
	visiting[key] = true

	na, nb := m.get(a), m.get(b)
	if na == nil || nb == nil {
		return na == nb
	}
	if na.tag != nb.tag {
		return false
	}
	if na.tag == Leaf {
		if na.isString != nb.isString {
			return false
		}
		if na.isString {
			return na.str == nb.str
		}
		return na.scalar == nb.scalar
	}
	if len(na.children) != len(nb.children) {
		return false
	}
	for i := range na.children {
		if !m.structurallyEqualLocked(na.children[i], nb.children[i], visiting) {
			return false
		}
	}
	return true
}

// SharedNodeCount returns the number of node positions where a and b agree
// structurally, walked position-by-position over the longer tree's shape.
// CodeEditDistance below normalizes this into the edit-distance term the
// distance engine uses for continuous-code features (spec.md §4.5).
func (m *Manager) SharedNodeCount(a, b Handle) (shared, total int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sharedNodeCountLocked(a, b)
}

func (m *Manager) sharedNodeCountLocked(a, b Handle) (shared, total int) {
	na, nb := m.get(a), m.get(b)
	if na == nil && nb == nil {
		return 0, 0
	}
	total = 1
	if na != nil && nb != nil && na.tag == nb.tag {
		// A list position agrees when both lists have the same arity; its
		// children are then compared position by position below.
		equalHere := len(na.children) == len(nb.children)
		if na.tag == Leaf {
			equalHere = na.isString == nb.isString && ((na.isString && na.str == nb.str) || (!na.isString && na.scalar == nb.scalar))
		}
		if equalHere {
			shared++
		}
		n := len(na.children)
		if len(nb.children) > n {
			n = len(nb.children)
		}
		for i := 0; i < n; i++ {
			var ca, cb Handle
			if i < len(na.children) {
				ca = na.children[i]
			}
			if i < len(nb.children) {
				cb = nb.children[i]
			}
			s, t := m.sharedNodeCountLocked(ca, cb)
			shared += s
			total += t
		}
	} else {
		total += m.countLocked(a) + m.countLocked(b)
	}
	return shared, total
}

func (m *Manager) countLocked(h Handle) int {
	n := m.get(h)
	if n == nil {
		return 0
	}
	c := 1
	for _, ch := range n.children {
		c += m.countLocked(ch)
	}
	return c
}

// CodeEditDistance normalizes SharedNodeCount into a value in [0, 1]: 0
// when the trees are identical, approaching 1 as they share nothing.
func (m *Manager) CodeEditDistance(a, b Handle) float64 {
	shared, total := m.SharedNodeCount(a, b)
	if total == 0 {
		return 0
	}
	return 1 - float64(shared)/float64(total)
}

// KeepRef registers h as a GC root, preventing CollectGarbage from
// reclaiming it or anything reachable from it.
func (m *Manager) KeepRef(h Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roots[h]++
}

// FreeRef releases one keep-alive registration on h.
func (m *Manager) FreeRef(h Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.roots[h]; ok {
		if n <= 1 {
			delete(m.roots, h)
		} else {
			m.roots[h] = n - 1
		}
	}
}

// CollectGarbage runs a mark-sweep pass, keeping only nodes reachable from
// a registered root. Per spec.md §5, the caller is responsible for
// ensuring no thread holds the modification read lock concurrently with
// this call (CollectGarbage itself takes the write lock).
func (m *Manager) CollectGarbage() {
	m.mu.Lock()
	defer m.mu.Unlock()

	live := make(map[uint32]bool)
	var mark func(h Handle)
	mark = func(h Handle) {
		if h.IsZero() || int(h.Index) >= len(m.nodes) {
			return
		}
		if live[h.Index] {
			return
		}
		live[h.Index] = true
		if n := m.nodes[h.Index]; n != nil {
			for _, c := range n.children {
				mark(c)
			}
		}
	}
	for root := range m.roots {
		mark(root)
	}
	for i, n := range m.nodes {
		if n != nil && !live[uint32(i)] {
			m.nodes[i] = nil
		}
	}
}

// Len returns the number of live (non-nil) slots in the arena, mainly for
// tests and diagnostics.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, x := range m.nodes {
		if x != nil {
			n++
		}
	}
	return n
}
