package store

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Key is the generic constraint satisfied by a cache key. It is
// implemented by exactly two concrete variants, ByIDKey and QueryKey,
// which together form the closed sum type described for the data model:
// a single entity lookup, or a parameterized query. Keys are value-equal
// and hashable so they can back map keys directly (both variants are
// comparable structs), and they expose a process-stable hash for
// collaborators that want a compact on-disk or wire identifier instead
// of the full struct.
type Key interface {
	comparable

	// Namespace returns the scoping tag used for bulk invalidation.
	Namespace() string

	// StableHash returns a hash that is deterministic across process
	// invocations, suitable for use as a filesystem or KV-store key.
	StableHash() uint64
}

// ByIDKey identifies a single entity by namespace, type, and id.
type ByIDKey struct {
	Ns         string
	EntityType string
	EntityID   string
}

func (k ByIDKey) Namespace() string { return k.Ns }

func (k ByIDKey) StableHash() uint64 {
	h := xxhash.New()
	fmt.Fprintf(h, "id\x00%s\x00%s\x00%s", k.Ns, k.EntityType, k.EntityID)
	return h.Sum64()
}

func (k ByIDKey) String() string {
	return fmt.Sprintf("id:%s/%s/%s", k.Ns, k.EntityType, k.EntityID)
}

// QueryParam is one parameter pair of a QueryKey's ordered multimap.
// Order matters for QueryKey equality (two QueryKeys with the same pairs
// in different order are distinct keys) but not for StableHash, which is
// computed over the lexicographically sorted pairs per the data model.
type QueryParam struct {
	Name  string
	Value string
}

// QueryKey identifies a query result by namespace and an ordered
// multimap of string parameters. Because Go struct equality requires
// comparable fields, the parameter list is stored as a single string
// built from the ordered pairs; Params() reconstructs the pairs. This
// keeps QueryKey a comparable struct (usable as a Key) while retaining
// ordered, possibly-repeated parameters.
type QueryKey struct {
	Ns      string
	encoded string
}

// NewQueryKey builds a QueryKey from an ordered list of parameter pairs.
// The pairs are preserved in the order given for Params(); the order
// does not affect StableHash.
func NewQueryKey(ns string, pairs []QueryParam) QueryKey {
	var b strings.Builder
	for i, p := range pairs {
		if i > 0 {
			b.WriteByte('\x1f')
		}
		b.WriteString(p.Name)
		b.WriteByte('\x1e')
		b.WriteString(p.Value)
	}
	return QueryKey{Ns: ns, encoded: b.String()}
}

func (k QueryKey) Namespace() string { return k.Ns }

// Params reconstructs the ordered parameter pairs.
func (k QueryKey) Params() []QueryParam {
	if k.encoded == "" {
		return nil
	}
	parts := strings.Split(k.encoded, "\x1f")
	out := make([]QueryParam, 0, len(parts))
	for _, p := range parts {
		nv := strings.SplitN(p, "\x1e", 2)
		if len(nv) != 2 {
			continue
		}
		out = append(out, QueryParam{Name: nv[0], Value: nv[1]})
	}
	return out
}

func (k QueryKey) StableHash() uint64 {
	pairs := k.Params()
	sorted := make([]QueryParam, len(pairs))
	copy(sorted, pairs)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Name != sorted[j].Name {
			return sorted[i].Name < sorted[j].Name
		}
		return sorted[i].Value < sorted[j].Value
	})
	h := xxhash.New()
	fmt.Fprintf(h, "query\x00%s", k.Ns)
	for _, p := range sorted {
		fmt.Fprintf(h, "\x00%s\x00%s", p.Name, p.Value)
	}
	return h.Sum64()
}

func (k QueryKey) String() string {
	return fmt.Sprintf("query:%s?%s", k.Ns, strings.ReplaceAll(k.encoded, "\x1e", "="))
}
