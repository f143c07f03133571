package topology

import (
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/pgdogdev/pgdog/pkg/config"
	"github.com/pgdogdev/pgdog/pkg/shardfn"
)

// Endpoint is one upstream PostgreSQL server.
type Endpoint struct {
	Cluster string
	Shard   int
	Role    config.Role

	Host string
	Port int

	DatabaseName string
	User         string
	Password     string

	PoolSize   int
	PoolerMode config.PoolerMode
}

func (e *Endpoint) Addr() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// ID uniquely identifies the sub-pool this endpoint backs.
func (e *Endpoint) ID() string {
	return fmt.Sprintf("%s/%d/%s/%s", e.Cluster, e.Shard, e.Role, e.Addr())
}

// Shard holds endpoints of one shard: at most one primary and any
// number of replicas.
type Shard struct {
	Primary  *Endpoint
	Replicas []*Endpoint
}

type RangeBound struct {
	Start string // empty = unbounded
	End   string // empty = unbounded
	Shard int
}

// Rule is one sharding rule: hash placement by default, with optional
// explicit range or list mappings. A rule without a table matches any
// table using the column.
type Rule struct {
	Table    string
	Column   string
	DataType config.DataType
	Kind     config.MappingKind
	Hasher   shardfn.HashFunctionType

	Ranges []RangeBound
	Values map[string]int
}

// Shards evaluates the rule against a single bound value and returns
// the target shard, or ok=false when the value falls outside every
// explicit mapping.
func (r *Rule) Shards(value string, shardCount int) (int, bool, error) {
	switch r.Kind {
	case config.MappingKindHash:
		h, err := shardfn.HashValue(value, r.DataType, r.Hasher)
		if err != nil {
			return 0, false, err
		}
		return shardfn.Shard(h, shardCount), true, nil

	case config.MappingKindList:
		shard, ok := r.Values[value]
		return shard, ok, nil

	case config.MappingKindRange:
		for _, rb := range r.Ranges {
			inside, err := r.contains(rb, value)
			if err != nil {
				return 0, false, err
			}
			if inside {
				return rb.Shard, true, nil
			}
		}
		return 0, false, nil
	}

	return 0, false, fmt.Errorf("unknown sharding rule kind \"%s\"", r.Kind)
}

func (r *Rule) contains(rb RangeBound, value string) (bool, error) {
	/* half-open interval [start, end) */
	if r.DataType == config.DataTypeBigint {
		v, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return false, fmt.Errorf("invalid bigint value '%s' for range rule", value)
		}
		if rb.Start != "" {
			s, err := strconv.ParseInt(rb.Start, 10, 64)
			if err != nil {
				return false, err
			}
			if v < s {
				return false, nil
			}
		}
		if rb.End != "" {
			e, err := strconv.ParseInt(rb.End, 10, 64)
			if err != nil {
				return false, err
			}
			if v >= e {
				return false, nil
			}
		}
		return true, nil
	}

	if rb.Start != "" && value < rb.Start {
		return false, nil
	}
	if rb.End != "" && value >= rb.End {
		return false, nil
	}
	return true, nil
}

// Cluster is one named logical database.
type Cluster struct {
	Name   string
	Shards []*Shard

	Rules       []*Rule
	Omnisharded map[string]struct{}
}

func (c *Cluster) ShardCount() int {
	return len(c.Shards)
}

// MatchRules returns rules applicable to (table, column); rules with an
// explicit table win over wildcard rules on the same column.
func (c *Cluster) MatchRules(table string, column string) []*Rule {
	var exact, wildcard []*Rule
	for _, r := range c.Rules {
		if r.Column != column {
			continue
		}
		switch {
		case r.Table == table && table != "":
			exact = append(exact, r)
		case r.Table == "":
			wildcard = append(wildcard, r)
		}
	}
	if len(exact) > 0 {
		return exact
	}
	return wildcard
}

// ShardedColumn reports whether the cluster shards on the given
// column at all, regardless of table.
func (c *Cluster) ShardedColumn(column string) bool {
	for _, r := range c.Rules {
		if r.Column == column {
			return true
		}
	}
	return false
}

func (c *Cluster) IsOmnisharded(table string) bool {
	_, ok := c.Omnisharded[table]
	return ok
}

func (c *Cluster) AllShards() []int {
	out := make([]int, len(c.Shards))
	for i := range c.Shards {
		out[i] = i
	}
	return out
}

func (c *Cluster) HasReplicas() bool {
	for _, sh := range c.Shards {
		if len(sh.Replicas) > 0 {
			return true
		}
	}
	return false
}

// Snapshot is one immutable view of the whole topology. Sessions and
// statements hold a snapshot reference for their entire lifetime; the
// pool reconciles after a swap.
type Snapshot struct {
	Clusters      map[string]*Cluster
	ManualQueries map[uint64]int
	Version       int64
}

func (s *Snapshot) Cluster(name string) (*Cluster, bool) {
	c, ok := s.Clusters[name]
	return c, ok
}

// Endpoints lists every endpoint in the snapshot.
func (s *Snapshot) Endpoints() []*Endpoint {
	var out []*Endpoint
	for _, c := range s.Clusters {
		for _, sh := range c.Shards {
			if sh.Primary != nil {
				out = append(out, sh.Primary)
			}
			out = append(out, sh.Replicas...)
		}
	}
	return out
}

// Store publishes snapshots atomically. Readers never block writers
// and vice versa.
type Store struct {
	ptr     atomic.Pointer[Snapshot]
	version atomic.Int64
}

func NewStore(initial *Snapshot) *Store {
	st := &Store{}
	initial.Version = st.version.Add(1)
	st.ptr.Store(initial)
	return st
}

func (st *Store) Get() *Snapshot {
	return st.ptr.Load()
}

func (st *Store) Swap(next *Snapshot) *Snapshot {
	next.Version = st.version.Add(1)
	return st.ptr.Swap(next)
}
