package pool

import (
	"context"
	"sync"
	"time"

	"github.com/pgdogdev/pgdog/pkg/doglog"
	"github.com/pgdogdev/pgdog/pkg/pgerror"
	"github.com/pgdogdev/pgdog/pkg/server"
	"github.com/pgdogdev/pgdog/pkg/topology"
	"github.com/pgdogdev/pgdog/pkg/txstatus"
	"go.uber.org/atomic"
)

// ConnectionAllocFn dials one server connection for an endpoint.
type ConnectionAllocFn func(ctx context.Context, ep *topology.Endpoint) (*server.Conn, error)

type idleConn struct {
	conn  *server.Conn
	since time.Time
}

// SubPool holds connections to a single endpoint: an idle ring, the
// set of checked-out connections, and a token queue bounding the
// total. One sub-pool exists per (cluster, shard, role, endpoint).
type SubPool struct {
	endpoint *topology.Endpoint

	mu     sync.Mutex
	idle   []idleConn
	active map[uint64]*server.Conn

	queue chan struct{}

	alloc ConnectionAllocFn

	rollbackTimeout time.Duration

	created   atomic.Int64
	destroyed atomic.Int64
	checkouts atomic.Int64

	/* set when the endpoint disappeared from the topology; live
	 * connections are destroyed as they come back */
	doomed atomic.Bool
}

func NewSubPool(ep *topology.Endpoint, alloc ConnectionAllocFn, rollbackTimeout time.Duration) *SubPool {
	limit := ep.PoolSize
	if limit <= 0 {
		limit = 10
	}

	sp := &SubPool{
		endpoint:        ep,
		active:          map[uint64]*server.Conn{},
		alloc:           alloc,
		rollbackTimeout: rollbackTimeout,
		queue:           make(chan struct{}, limit),
	}
	for tok := 0; tok < limit; tok++ {
		sp.queue <- struct{}{}
	}

	return sp
}

func (sp *SubPool) Endpoint() *topology.Endpoint {
	return sp.endpoint
}

func (sp *SubPool) UsedConnectionCount() int {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return len(sp.active)
}

func (sp *SubPool) IdleConnectionCount() int {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return len(sp.idle)
}

func (sp *SubPool) QueueResidualSize() int {
	return len(sp.queue)
}

func (sp *SubPool) Created() int64 {
	return sp.created.Load()
}

func (sp *SubPool) Destroyed() int64 {
	return sp.destroyed.Load()
}

func (sp *SubPool) Checkouts() int64 {
	return sp.checkouts.Load()
}

// Checkout acquires one connection, reusing an idle one when
// available. The context deadline is the checkout timeout; waiting
// checkouts are cancellable.
func (sp *SubPool) Checkout(ctx context.Context, clientID uint64) (*server.Conn, error) {
	select {
	case <-sp.queue:
	case <-ctx.Done():
		return nil, pgerror.Newf(pgerror.ConnectionException,
			"checkout timeout waiting for a connection to %s", sp.endpoint.Addr())
	}

	sp.checkouts.Inc()

	/* reuse cached connection, if any */
	sp.mu.Lock()
	if len(sp.idle) > 0 {
		conn := sp.idle[0].conn
		sp.idle = sp.idle[1:]
		sp.active[conn.ID()] = conn
		sp.mu.Unlock()

		doglog.Zero.Debug().
			Uint64("client", clientID).
			Uint64("server", conn.ID()).
			Str("host", sp.endpoint.Addr()).
			Msg("reuse cached server connection")
		return conn, nil
	}
	sp.mu.Unlock()

	/* do not hold the lock while dialing */
	conn, err := sp.alloc(ctx, sp.endpoint)
	if err != nil {
		/* return acquired token */
		sp.queue <- struct{}{}
		return nil, err
	}

	sp.created.Inc()

	sp.mu.Lock()
	sp.active[conn.ID()] = conn
	sp.mu.Unlock()

	return conn, nil
}

// Put returns a connection to the idle ring. Dirty transactions are
// rolled back first; failures or doomed state destroy the connection.
// A connection with unanswered sync points is out of protocol sync
// (its owner stopped reading mid-response) and is only fit for
// destruction: reusing it would hand another session leftover bytes.
func (sp *SubPool) Put(conn *server.Conn) {
	if conn.DataPending() {
		doglog.Zero.Info().
			Uint64("server", conn.ID()).
			Int64("sync", conn.Sync()).
			Msg("returned connection has unread responses, destroying")
		sp.Discard(conn)
		return
	}

	if conn.TxStatus() != txstatus.TXIDLE {
		if err := conn.Rollback(sp.rollbackTimeout); err != nil {
			doglog.Zero.Info().
				Uint64("server", conn.ID()).
				Err(err).
				Msg("rollback on return failed, destroying connection")
			sp.Discard(conn)
			return
		}
	}

	if conn.Doomed() || sp.doomed.Load() {
		sp.Discard(conn)
		return
	}

	sp.mu.Lock()
	if _, ok := sp.active[conn.ID()]; !ok {
		sp.mu.Unlock()
		/* double free */
		return
	}
	delete(sp.active, conn.ID())
	sp.idle = append(sp.idle, idleConn{conn: conn, since: time.Now()})
	sp.mu.Unlock()

	sp.queue <- struct{}{}
}

// Discard destroys a connection that was checked out of this pool.
func (sp *SubPool) Discard(conn *server.Conn) {
	doglog.Zero.Debug().
		Uint64("server", conn.ID()).
		Str("host", sp.endpoint.Addr()).
		Msg("discard server connection")

	/* do not hold the lock during connection teardown */
	_ = conn.Close()

	sp.mu.Lock()
	defer sp.mu.Unlock()

	if _, ok := sp.active[conn.ID()]; !ok {
		/* double free */
		return
	}

	delete(sp.active, conn.ID())
	sp.destroyed.Inc()
	sp.queue <- struct{}{}
}

// Doom marks the sub-pool stale after a topology swap: idle
// connections are destroyed now, checked-out ones on return.
func (sp *SubPool) Doom() {
	sp.doomed.Store(true)

	sp.mu.Lock()
	idle := sp.idle
	sp.idle = nil
	for _, conn := range sp.active {
		conn.Doom()
	}
	sp.mu.Unlock()

	/* idle connections hold no admission token, just close them */
	for _, ic := range idle {
		_ = ic.conn.Close()
		sp.destroyed.Inc()
	}
}

// ReapIdle destroys idle connections older than maxAge. Zero maxAge
// disables reaping.
func (sp *SubPool) ReapIdle(maxAge time.Duration) {
	if maxAge <= 0 {
		return
	}

	cutoff := time.Now().Add(-maxAge)

	sp.mu.Lock()
	var kept []idleConn
	var reap []idleConn
	for _, ic := range sp.idle {
		if ic.since.Before(cutoff) {
			reap = append(reap, ic)
		} else {
			kept = append(kept, ic)
		}
	}
	sp.idle = kept
	sp.mu.Unlock()

	for _, ic := range reap {
		doglog.Zero.Debug().
			Uint64("server", ic.conn.ID()).
			Str("host", sp.endpoint.Addr()).
			Msg("destroying idle server connection past idle timeout")
		_ = ic.conn.Close()
		sp.destroyed.Inc()
	}
}

// DrainIdle closes idle connections, used on graceful shutdown.
func (sp *SubPool) DrainIdle() {
	sp.mu.Lock()
	idle := sp.idle
	sp.idle = nil
	sp.mu.Unlock()

	for _, ic := range idle {
		_ = ic.conn.Close()
		sp.destroyed.Inc()
	}
}
