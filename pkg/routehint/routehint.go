package routehint

import "context"

// Shard decision values a plugin may return.
const (
	ShardUnknown = -1
	ShardAll     = -2
)

// ReadWrite decision values a plugin may return.
type ReadWrite int

const (
	RWUnknown = ReadWrite(iota)
	RWRead
	RWWrite
)

// RoutingHint is a single plugin decision. Unknown dimensions leave
// the router's own answer in place.
type RoutingHint struct {
	Shard     int
	ReadWrite ReadWrite
}

func Empty() RoutingHint {
	return RoutingHint{Shard: ShardUnknown, ReadWrite: RWUnknown}
}

// DecisionContext is what a plugin sees: the raw statement, its
// fingerprint, the target cluster and the shard count.
type DecisionContext struct {
	Query       string
	Fingerprint uint64
	Cluster     string
	ShardCount  int
	InTxn       bool
}

// Plugin is consulted by the router in chain order. The first
// non-unknown value in either dimension wins.
type Plugin interface {
	Name() string
	Decide(ctx context.Context, dc *DecisionContext) RoutingHint
}

// Chain folds an ordered plugin list into one hint.
type Chain struct {
	plugins []Plugin
}

func NewChain(plugins ...Plugin) *Chain {
	return &Chain{plugins: plugins}
}

func (c *Chain) Empty() bool {
	return len(c.plugins) == 0
}

func (c *Chain) Decide(ctx context.Context, dc *DecisionContext) RoutingHint {
	out := Empty()
	for _, p := range c.plugins {
		h := p.Decide(ctx, dc)
		if out.Shard == ShardUnknown && h.Shard != ShardUnknown {
			out.Shard = h.Shard
		}
		if out.ReadWrite == RWUnknown && h.ReadWrite != RWUnknown {
			out.ReadWrite = h.ReadWrite
		}
		if out.Shard != ShardUnknown && out.ReadWrite != RWUnknown {
			break
		}
	}
	return out
}
