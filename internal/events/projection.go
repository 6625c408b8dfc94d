// README: Version ledger that makes event application idempotent per (topic, entity).
package events

import "sync"

// defaultRetired bounds how many finished entities keep a tombstone.
const defaultRetired = 4096

type entityKey struct {
	topic Topic
	id    string
}

// Projection remembers the highest version applied per live entity. Version 0
// marks an unversioned event and is always applied. A Final event moves its
// entity into a fixed-size ring of tombstones, so memory follows the number
// of live entities while late duplicates of recently finished ones are still
// dropped.
type Projection struct {
	mu       sync.Mutex
	versions map[entityKey]int64
	retired  map[entityKey]int64
	ring     []entityKey
	next     int
	limit    int
}

func NewProjection() *Projection {
	return NewBoundedProjection(defaultRetired)
}

func NewBoundedProjection(retired int) *Projection {
	if retired <= 0 {
		retired = defaultRetired
	}
	return &Projection{
		versions: make(map[entityKey]int64),
		retired:  make(map[entityKey]int64),
		limit:    retired,
	}
}

// Apply reports whether e is newer than anything seen for its entity and,
// if so, records it.
func (p *Projection) Apply(e Event) bool {
	if e.Version == 0 || e.EntityID == "" {
		return true
	}
	k := entityKey{topic: e.Topic, id: e.EntityID}
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.retired[k]; ok && e.Version <= cur {
		return false
	}
	if cur, ok := p.versions[k]; ok && e.Version <= cur {
		return false
	}
	if e.Final {
		delete(p.versions, k)
		p.retire(k, e.Version)
		return true
	}
	p.versions[k] = e.Version
	return true
}

func (p *Projection) retire(k entityKey, v int64) {
	if _, ok := p.retired[k]; ok {
		p.retired[k] = v
		return
	}
	if len(p.ring) < p.limit {
		p.ring = append(p.ring, k)
	} else {
		delete(p.retired, p.ring[p.next])
		p.ring[p.next] = k
		p.next = (p.next + 1) % p.limit
	}
	p.retired[k] = v
}

func (p *Projection) Version(topic Topic, entityID string) int64 {
	k := entityKey{topic: topic, id: entityID}
	p.mu.Lock()
	defer p.mu.Unlock()
	if v, ok := p.versions[k]; ok {
		return v
	}
	return p.retired[k]
}

// Len is the number of entities the ledger currently holds.
func (p *Projection) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.versions) + len(p.retired)
}
