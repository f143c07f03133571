package plan

import (
	"sort"

	"github.com/pgdogdev/pgdog/pkg/config"
)

// StatementClass is the router's classification of a parsed statement.
type StatementClass int

const (
	ClassRead = StatementClass(iota)
	ClassWrite
	ClassTransactionControl
	ClassSet
	ClassAdmin
	ClassCopy
)

func (c StatementClass) String() string {
	switch c {
	case ClassRead:
		return "read"
	case ClassWrite:
		return "write"
	case ClassTransactionControl:
		return "transaction control"
	case ClassSet:
		return "set"
	case ClassAdmin:
		return "admin"
	case ClassCopy:
		return "copy"
	}
	return "invalid"
}

// ShardSet is a set of shard indices. The zero value is the empty set.
type ShardSet struct {
	members map[int]struct{}
}

func NewShardSet(shards ...int) ShardSet {
	s := ShardSet{members: map[int]struct{}{}}
	for _, sh := range shards {
		s.members[sh] = struct{}{}
	}
	return s
}

func (s ShardSet) Len() int {
	return len(s.members)
}

func (s ShardSet) Contains(shard int) bool {
	_, ok := s.members[shard]
	return ok
}

func (s ShardSet) Empty() bool {
	return len(s.members) == 0
}

// Intersect returns members present in both sets.
func (s ShardSet) Intersect(other ShardSet) ShardSet {
	out := ShardSet{members: map[int]struct{}{}}
	for m := range s.members {
		if other.Contains(m) {
			out.members[m] = struct{}{}
		}
	}
	return out
}

// Subset reports whether every member of s is in other.
func (s ShardSet) Subset(other ShardSet) bool {
	for m := range s.members {
		if !other.Contains(m) {
			return false
		}
	}
	return true
}

// List returns members in ascending order.
func (s ShardSet) List() []int {
	out := make([]int, 0, len(s.members))
	for m := range s.members {
		out = append(out, m)
	}
	sort.Ints(out)
	return out
}

// RoutingPlan is the router's output: which role to target, which
// shards, and whether a write override forced the primary.
type RoutingPlan struct {
	Role   config.Role
	Shards ShardSet

	Class         StatementClass
	WriteOverride bool
	Manual        bool
}

// MultiShard reports whether the plan engages the aggregator.
func (p *RoutingPlan) MultiShard() bool {
	return p.Shards.Len() > 1
}
