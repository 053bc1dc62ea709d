package viewdriver

import (
	"tilebridge/internal/bundle"
	"tilebridge/internal/scene"
	"tilebridge/internal/tileid"
)

type entry struct {
	id      tileid.ID
	bundle  *bundle.Bundle
	node    scene.NodeID
	visible bool
}

// registry maps tile hashes to entries. Hash collisions between different
// IDs share a bucket and are told apart by full ID equality.
type registry struct {
	buckets map[uint64][]*entry
	n       int
	hash    func(tileid.ID) uint64
}

func newRegistry() *registry {
	return &registry{buckets: make(map[uint64][]*entry), hash: tileid.ID.Hash}
}

func (r *registry) get(id tileid.ID) *entry {
	for _, e := range r.buckets[r.hash(id)] {
		if e.id == id {
			return e
		}
	}
	return nil
}

// put stores e, returning the entry it replaced if one existed for the same ID.
func (r *registry) put(e *entry) *entry {
	h := r.hash(e.id)
	bucket := r.buckets[h]
	for i, old := range bucket {
		if old.id == e.id {
			bucket[i] = e
			return old
		}
	}
	r.buckets[h] = append(bucket, e)
	r.n++
	return nil
}

func (r *registry) remove(id tileid.ID) *entry {
	h := r.hash(id)
	bucket := r.buckets[h]
	for i, e := range bucket {
		if e.id != id {
			continue
		}
		bucket = append(bucket[:i], bucket[i+1:]...)
		if len(bucket) == 0 {
			delete(r.buckets, h)
		} else {
			r.buckets[h] = bucket
		}
		r.n--
		return e
	}
	return nil
}

func (r *registry) len() int { return r.n }

func (r *registry) each(fn func(*entry)) {
	for _, bucket := range r.buckets {
		for _, e := range bucket {
			fn(e)
		}
	}
}
