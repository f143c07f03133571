package pool

import (
	"context"
	"crypto/tls"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/pgdogdev/pgdog/pkg/config"
	"github.com/pgdogdev/pgdog/pkg/doglog"
	"github.com/pgdogdev/pgdog/pkg/pgerror"
	"github.com/pgdogdev/pgdog/pkg/plan"
	"github.com/pgdogdev/pgdog/pkg/server"
	"github.com/pgdogdev/pgdog/pkg/topology"
	"go.uber.org/atomic"
)

// Options is the slice of [general] the pool needs.
type Options struct {
	ConnectTimeout  time.Duration
	CheckoutTimeout time.Duration
	RollbackTimeout time.Duration
	BanTimeout      time.Duration

	LoadBalancing config.LoadBalancingStrategy
	PreparedLimit int

	TLS *tls.Config
}

// Pool manages every sub-pool and hands out leases. Sub-pools are
// created lazily on first checkout and doomed on topology swaps.
type Pool struct {
	opts Options

	mu    sync.Mutex
	pools map[string]*SubPool

	bans *BanList

	/* replica rotation cursor per (cluster, shard) */
	rrmu    sync.Mutex
	cursors map[string]*atomic.Uint64

	alloc ConnectionAllocFn

	checkouts atomic.Int64
}

func New(opts Options) *Pool {
	p := &Pool{
		opts:    opts,
		pools:   map[string]*SubPool{},
		bans:    NewBanList(opts.BanTimeout),
		cursors: map[string]*atomic.Uint64{},
	}
	p.alloc = func(ctx context.Context, ep *topology.Endpoint) (*server.Conn, error) {
		return server.Connect(ctx, ep, server.ConnectOptions{
			TLS:            p.opts.TLS,
			ConnectTimeout: p.opts.ConnectTimeout,
			PreparedLimit:  p.opts.PreparedLimit,
		})
	}
	return p
}

// SetAllocFn replaces the dialer, used by tests.
func (p *Pool) SetAllocFn(fn ConnectionAllocFn) {
	p.alloc = fn
}

func (p *Pool) Bans() *BanList {
	return p.bans
}

func (p *Pool) Checkouts() int64 {
	return p.checkouts.Load()
}

func (p *Pool) subPool(ep *topology.Endpoint) *SubPool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if sp, ok := p.pools[ep.ID()]; ok {
		return sp
	}
	sp := NewSubPool(ep, p.alloc, p.opts.RollbackTimeout)
	p.pools[ep.ID()] = sp
	return sp
}

// ForEachSubPool iterates a snapshot of the sub-pool table.
func (p *Pool) ForEachSubPool(cb func(sp *SubPool)) {
	p.mu.Lock()
	snapshot := make([]*SubPool, 0, len(p.pools))
	for _, sp := range p.pools {
		snapshot = append(snapshot, sp)
	}
	p.mu.Unlock()

	for _, sp := range snapshot {
		cb(sp)
	}
}

// pickEndpoint selects the endpoint for one (shard, role), skipping
// banned replicas and rotating per the load balancing strategy.
func (p *Pool) pickEndpoint(cluster *topology.Cluster, shard int, role config.Role) (*topology.Endpoint, error) {
	sh := cluster.Shards[shard]

	if role == config.RolePrimary {
		if sh.Primary == nil {
			return nil, pgerror.Newf(pgerror.ConnectionException,
				"cluster \"%s\" shard %d has no primary", cluster.Name, shard)
		}
		return sh.Primary, nil
	}

	if len(sh.Replicas) == 0 {
		if sh.Primary != nil {
			return sh.Primary, nil
		}
		return nil, pgerror.Newf(pgerror.ConnectionException,
			"cluster \"%s\" shard %d has no endpoints", cluster.Name, shard)
	}

	candidates := make([]*topology.Endpoint, 0, len(sh.Replicas))
	for _, r := range sh.Replicas {
		if !p.bans.Banned(r.ID()) {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return nil, pgerror.Newf(pgerror.ConnectionException,
			"cluster \"%s\" shard %d: all replicas are banned", cluster.Name, shard)
	}

	switch p.opts.LoadBalancing {
	case config.LoadBalancerRandom:
		return candidates[rand.Intn(len(candidates))], nil
	default:
		cursor := p.cursor(cluster.Name, shard)
		next := int(cursor.Inc()-1) % len(candidates)
		return candidates[next], nil
	}
}

func (p *Pool) cursor(cluster string, shard int) *atomic.Uint64 {
	key := fmt.Sprintf("%s/%d", cluster, shard)

	p.rrmu.Lock()
	defer p.rrmu.Unlock()
	c, ok := p.cursors[key]
	if !ok {
		c = atomic.NewUint64(0)
		p.cursors[key] = c
	}
	return c
}

// Lease checks out one connection per shard in the plan, atomically:
// either every shard is acquired or none is.
func (p *Pool) Lease(ctx context.Context, cluster *topology.Cluster, rp *plan.RoutingPlan, clientID uint64, mode config.PoolerMode) (*Lease, error) {
	shards := rp.Shards.List()

	l := &Lease{
		clientID: clientID,
		mode:     mode,
		conns:    map[int]*server.Conn{},
		pools:    map[int]*SubPool{},
		shards:   shards,
	}

	deadline := p.opts.CheckoutTimeout
	if deadline <= 0 {
		deadline = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	for _, shard := range shards {
		ep, err := p.pickEndpoint(cluster, shard, rp.Role)
		if err != nil {
			p.releasePartial(l)
			return nil, err
		}

		sp := p.subPool(ep)
		conn, err := sp.Checkout(ctx, clientID)
		if err != nil {
			p.releasePartial(l)
			if p.bans.RecordError(ep.ID()) {
				p.bans.Ban(ep.ID(), BanConnectionRefused)
				doglog.Zero.Warn().
					Str("endpoint", ep.Addr()).
					Msg("endpoint banned after repeated connection errors")
			}
			return nil, err
		}

		l.conns[shard] = conn
		l.pools[shard] = sp
		p.checkouts.Inc()
	}

	return l, nil
}

func (p *Pool) releasePartial(l *Lease) {
	for shard, conn := range l.conns {
		l.pools[shard].Put(conn)
		delete(l.conns, shard)
		delete(l.pools, shard)
	}
}

// Return hands every leased connection back to its sub-pool. Dirty or
// doomed connections are dealt with by the sub-pool.
func (p *Pool) Return(l *Lease) {
	for shard, conn := range l.conns {
		l.pools[shard].Put(conn)
	}
	l.conns = map[int]*server.Conn{}
	l.pools = map[int]*SubPool{}
	l.shards = nil
}

// Discard destroys every leased connection instead of returning it.
func (p *Pool) Discard(l *Lease) {
	for shard, conn := range l.conns {
		l.pools[shard].Discard(conn)
	}
	l.conns = map[int]*server.Conn{}
	l.pools = map[int]*SubPool{}
	l.shards = nil
}

// Reload reconciles the sub-pool table with a new topology snapshot:
// sub-pools whose endpoint disappeared are doomed and dropped.
func (p *Pool) Reload(snapshot *topology.Snapshot) {
	alive := map[string]bool{}
	for _, ep := range snapshot.Endpoints() {
		alive[ep.ID()] = true
	}

	p.mu.Lock()
	var doomed []*SubPool
	for id, sp := range p.pools {
		if !alive[id] {
			doomed = append(doomed, sp)
			delete(p.pools, id)
		}
	}
	p.mu.Unlock()

	for _, sp := range doomed {
		doglog.Zero.Info().
			Str("endpoint", sp.Endpoint().Addr()).
			Msg("draining sub-pool removed from topology")
		sp.Doom()
	}
}

// Shutdown drains every sub-pool, used on graceful exit.
func (p *Pool) Shutdown() {
	p.ForEachSubPool(func(sp *SubPool) {
		sp.DrainIdle()
	})
}
