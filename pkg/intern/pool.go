// Package intern provides a reference-counted string interning pool.
//
// Every label and every string-valued cell in the SBFDS matrix is stored as
// an integer ID minted here rather than as a raw Go string, so comparisons,
// hashing, and column storage are all cheap fixed-width operations instead
// of string operations. The pool is the sole owner of string storage;
// callers hold copy-cheap handles (IDs) and must balance every reference
// they take with a corresponding release.
package intern

import (
	"sync"
	"sync/atomic"
)

// ID identifies an interned string. The zero value, NotAStringID, never
// refers to a real string.
type ID uint32

const (
	// NotAStringID marks the absence of a string (used for null/NaN cells).
	NotAStringID ID = 0
	// EmptyStringID is the reserved, immortal ID of the empty string.
	EmptyStringID ID = 1

	// numReservedStatic is the initial capacity of the ID table, room for
	// the two sentinels above plus a block of well-known static strings.
	// It does not decide which IDs are immortal: only the sentinels and
	// the strings passed to NewPool are static; every later ID is
	// reference counted, whatever its value.
	numReservedStatic = 64
)

type entry struct {
	str      string
	refCount atomic.Int64
}

// Pool is a thread-safe, reference-counted string<->ID dictionary.
//
// All mutations that only adjust atomic reference counts take the read
// lock; only minting a new ID or reclaiming a dead one takes the write
// lock, mirroring the discipline described in spec.md §5.
type Pool struct {
	mu         sync.RWMutex
	stringToID map[string]ID
	entries    []*entry // indexed by ID; entries[0] and [1] are sentinels
	freeList   []ID
	staticSet  map[ID]struct{}
}

// NewPool creates a pool with the sentinel and static strings pre-registered.
func NewPool(staticStrings []string) *Pool {
	p := &Pool{
		stringToID: make(map[string]ID),
		entries:    make([]*entry, 0, numReservedStatic),
		staticSet:  make(map[ID]struct{}),
	}

	// ID 0: NOT_A_STRING_ID has no backing entry; indices must line up.
	p.entries = append(p.entries, &entry{str: ""})
	// ID 1: EMPTY_STRING_ID.
	p.entries = append(p.entries, &entry{str: ""})
	p.stringToID[""] = EmptyStringID
	p.staticSet[NotAStringID] = struct{}{}
	p.staticSet[EmptyStringID] = struct{}{}

	for _, s := range staticStrings {
		id := ID(len(p.entries))
		p.entries = append(p.entries, &entry{str: s})
		p.stringToID[s] = id
		p.staticSet[id] = struct{}{}
	}

	return p
}

// IsStatic reports whether id is an immortal, non-reference-counted ID.
func (p *Pool) IsStatic(id ID) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.staticSet[id]
	return ok
}

// Get returns the string for id, or "" if id is unknown.
func (p *Pool) Get(id ID) string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if int(id) >= len(p.entries) || p.entries[id] == nil {
		return ""
	}
	return p.entries[id].str
}

// Lookup returns the ID already assigned to s without creating a reference,
// and whether s is currently interned.
func (p *Pool) Lookup(s string) (ID, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	id, ok := p.stringToID[s]
	return id, ok
}

// CreateRef interns s if needed and returns an ID with one new reference
// held on behalf of the caller.
func (p *Pool) CreateRef(s string) ID {
	if s == "" {
		return EmptyStringID
	}

	p.mu.RLock()
	if id, ok := p.stringToID[s]; ok {
		if !p.isStaticLocked(id) {
			p.entries[id].refCount.Add(1)
		}
		p.mu.RUnlock()
		return id
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	// Re-check under the write lock: another writer may have won the race.
	if id, ok := p.stringToID[s]; ok {
		if !p.isStaticLocked(id) {
			p.entries[id].refCount.Add(1)
		}
		return id
	}

	var id ID
	if n := len(p.freeList); n > 0 {
		id = p.freeList[n-1]
		p.freeList = p.freeList[:n-1]
		e := &entry{str: s}
		e.refCount.Store(1)
		p.entries[id] = e
	} else {
		id = ID(len(p.entries))
		e := &entry{str: s}
		e.refCount.Store(1)
		p.entries = append(p.entries, e)
	}
	p.stringToID[s] = id
	return id
}

// CreateRefByID adds a new reference to an already-minted ID and returns it
// unchanged. Used when duplicating a cell that already carries a StringId.
func (p *Pool) CreateRefByID(id ID) ID {
	if id == NotAStringID {
		return id
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.isStaticLocked(id) {
		return id
	}
	if int(id) < len(p.entries) && p.entries[id] != nil {
		p.entries[id].refCount.Add(1)
	}
	return id
}

// DestroyRef releases one reference to id, reclaiming the string if the
// count drops to zero.
func (p *Pool) DestroyRef(id ID) {
	if id == NotAStringID {
		return
	}

	p.mu.RLock()
	if p.isStaticLocked(id) || int(id) >= len(p.entries) || p.entries[id] == nil {
		p.mu.RUnlock()
		return
	}
	remaining := p.entries[id].refCount.Add(-1)
	p.mu.RUnlock()

	if remaining > 0 {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(id)
}

// CreateRefs adds one reference to each ID in ids, skipping static IDs.
// Equivalent to the original's CreateStringReferences batch form.
func (p *Pool) CreateRefs(ids []ID) {
	if len(ids) == 0 {
		return
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, id := range ids {
		if p.isStaticLocked(id) || id == NotAStringID {
			continue
		}
		if int(id) < len(p.entries) && p.entries[id] != nil {
			p.entries[id].refCount.Add(1)
		}
	}
}

// DestroyRefs releases one reference to each ID in ids using the two-phase
// protocol from spec.md §4.1: decrement under a read lock; if any count hit
// zero, re-increment everything, upgrade to a write lock, and redo the
// decrements while reclaiming dead IDs. This keeps the write lock off the
// hot path of a batch release where nothing actually dies.
func (p *Pool) DestroyRefs(ids []ID) {
	if len(ids) == 0 {
		return
	}

	p.mu.RLock()
	needsRemoval := false
	for _, id := range ids {
		if p.isStaticLocked(id) || id == NotAStringID {
			continue
		}
		if int(id) >= len(p.entries) || p.entries[id] == nil {
			continue
		}
		if remaining := p.entries[id].refCount.Add(-1); remaining == 0 {
			needsRemoval = true
		}
	}
	if !needsRemoval {
		p.mu.RUnlock()
		return
	}

	// Put every count back while we wait to upgrade to a write lock.
	for _, id := range ids {
		if p.isStaticLocked(id) || id == NotAStringID {
			continue
		}
		if int(id) < len(p.entries) && p.entries[id] != nil {
			p.entries[id].refCount.Add(1)
		}
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range ids {
		if p.isStaticLocked(id) || id == NotAStringID {
			continue
		}
		if int(id) >= len(p.entries) || p.entries[id] == nil {
			continue
		}
		if remaining := p.entries[id].refCount.Add(-1); remaining == 0 {
			p.removeLocked(id)
		}
	}
}

// NumStringsInUse returns the total number of IDs currently allocated,
// including static/sentinel ones.
func (p *Pool) NumStringsInUse() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.stringToID)
}

// NumDynamicStringsInUse returns the count of non-static interned strings.
func (p *Pool) NumDynamicStringsInUse() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	count := 0
	for id, e := range p.entries {
		if e == nil {
			continue
		}
		if _, static := p.staticSet[ID(id)]; !static {
			count++
		}
	}
	return count
}

func (p *Pool) isStaticLocked(id ID) bool {
	_, ok := p.staticSet[id]
	return ok
}

// removeLocked physically reclaims id. Caller must hold the write lock.
func (p *Pool) removeLocked(id ID) {
	e := p.entries[id]
	if e == nil {
		return
	}
	if e.refCount.Load() > 0 {
		// Someone raced in a new reference between the read-locked decision
		// to reclaim and acquiring the write lock; leave it alone.
		return
	}
	delete(p.stringToID, e.str)
	p.entries[id] = nil
	p.freeList = append(p.freeList, id)
}
