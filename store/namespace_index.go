package store

import (
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
)

// namespaceIndex tracks which keys belong to which namespace so
// invalidateNamespace can evict exactly the affected memory-cache
// entries without a full scan. Built on
// github.com/deckarep/golang-set/v2, the same set type core/vote.VotePool
// uses (there, to track already-received vote hashes); here it indexes
// namespace -> set of keys instead.
type namespaceIndex[K comparable] struct {
	mu   sync.RWMutex
	sets map[string]mapset.Set[K]
}

func newNamespaceIndex[K comparable]() *namespaceIndex[K] {
	return &namespaceIndex[K]{sets: make(map[string]mapset.Set[K])}
}

func (n *namespaceIndex[K]) track(ns string, k K) {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, ok := n.sets[ns]
	if !ok {
		s = mapset.NewSet[K]()
		n.sets[ns] = s
	}
	s.Add(k)
}

func (n *namespaceIndex[K]) untrack(ns string, k K) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if s, ok := n.sets[ns]; ok {
		s.Remove(k)
	}
}

// keysIn returns a snapshot of every key currently tracked under ns.
func (n *namespaceIndex[K]) keysIn(ns string) []K {
	n.mu.RLock()
	defer n.mu.RUnlock()
	s, ok := n.sets[ns]
	if !ok {
		return nil
	}
	return s.ToSlice()
}

// deleteNamespace drops every key tracked under ns in one step.
func (n *namespaceIndex[K]) deleteNamespace(ns string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.sets, ns)
}

func (n *namespaceIndex[K]) clear() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sets = make(map[string]mapset.Set[K])
}
