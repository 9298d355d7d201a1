package state

import (
	"bytes"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// ConditionRegistry stores every condition ever created. Conditions are never
// removed so expired markets stay queryable.
// Not thread-safe: owned by the single-threaded core.
type ConditionRegistry struct {
	conditions map[common.Hash]*Condition
}

func NewConditionRegistry() *ConditionRegistry {
	return &ConditionRegistry{
		conditions: make(map[common.Hash]*Condition),
	}
}

// Get returns the condition or nil.
func (r *ConditionRegistry) Get(id common.Hash) *Condition {
	return r.conditions[id]
}

// Exists reports whether id has been registered.
func (r *ConditionRegistry) Exists(id common.Hash) bool {
	_, ok := r.conditions[id]
	return ok
}

// Add registers a condition. The caller has already checked for duplicates.
func (r *ConditionRegistry) Add(c *Condition) {
	r.conditions[c.ID] = c
}

// Len returns the number of registered conditions.
func (r *ConditionRegistry) Len() int {
	return len(r.conditions)
}

// Sorted returns all conditions ordered by ID, for hashing and snapshots.
func (r *ConditionRegistry) Sorted() []*Condition {
	out := make([]*Condition, 0, len(r.conditions))
	for _, c := range r.conditions {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].ID[:], out[j].ID[:]) < 0
	})
	return out
}

// CountByStatus returns how many conditions sit in each status.
func (r *ConditionRegistry) CountByStatus() map[ConditionStatus]int {
	counts := make(map[ConditionStatus]int, 4)
	for _, c := range r.conditions {
		counts[c.Status]++
	}
	return counts
}
