package simenv

import (
	"github.com/google/btree"

	"github.com/jellevandenhooff/wasmsim/internal/gostack"
)

// ObjectPool maps reference ids handed to the guest to host values. Ids up to
// gostack.RefGo are reserved for the values the guest runtime expects to
// exist from the start; freed ids are reused lowest first.
type ObjectPool struct {
	objects map[uint32]any
	free    *btree.BTreeG[uint32]
	next    uint32
}

func NewObjectPool() *ObjectPool {
	return &ObjectPool{
		objects: make(map[uint32]any),
		free:    btree.NewOrderedG[uint32](8),
		next:    gostack.RefGo + 1,
	}
}

// Insert stores v and returns its id.
func (p *ObjectPool) Insert(v any) uint32 {
	id, ok := p.free.DeleteMin()
	if !ok {
		id = p.next
		p.next++
	}
	p.objects[id] = v
	return id
}

func (p *ObjectPool) Get(id uint32) (any, bool) {
	v, ok := p.objects[id]
	return v, ok
}

// Remove drops id from the pool and reports whether it was present.
func (p *ObjectPool) Remove(id uint32) bool {
	if _, ok := p.objects[id]; !ok {
		return false
	}
	delete(p.objects, id)
	p.free.ReplaceOrInsert(id)
	return true
}

func (p *ObjectPool) Len() int {
	return len(p.objects)
}

// PendingEvent is the event the guest handles when it is next resumed. While
// pending it is held in the ObjectPool under Ref, so the guest can reach it
// through a reference.
type PendingEvent struct {
	ID   uint32
	Ref  uint32
	This gostack.Value
	Args []gostack.Value
}
