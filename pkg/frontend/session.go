package frontend

import (
	"context"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/pgdogdev/pgdog/pkg/client"
	"github.com/pgdogdev/pgdog/pkg/config"
	"github.com/pgdogdev/pgdog/pkg/doglog"
	"github.com/pgdogdev/pgdog/pkg/metrics"
	"github.com/pgdogdev/pgdog/pkg/pgerror"
	"github.com/pgdogdev/pgdog/pkg/plan"
	"github.com/pgdogdev/pgdog/pkg/pool"
	"github.com/pgdogdev/pgdog/pkg/qparser"
	"github.com/pgdogdev/pgdog/pkg/qrouter"
	"github.com/pgdogdev/pgdog/pkg/topology"
	"github.com/pgdogdev/pgdog/pkg/txstatus"
)

// Session drives one authenticated client connection through the
// statement lifecycle: parse, route, lease, rewrite, execute, merge.
type Session struct {
	cl *client.PsqlClient

	clusterName string
	store       *topology.Store

	router *qrouter.Router
	pool   *pool.Pool
	cache  *qparser.Cache

	cfg *config.General

	mode   config.PoolerMode
	sticky *stickiness

	status txstatus.TXStatus

	/* transaction state */
	txLease  *pool.Lease
	pinned   *plan.ShardSet
	txROnly  bool
	beginQry string

	/* session-mode lease, held until disconnect */
	sessLease *pool.Lease

	/* SET state replayed onto freshly leased connections */
	gucs map[string]string

	/* extended protocol buffer, drained at Sync */
	xBuf []pgproto3.FrontendMessage

	canceled bool
}

func NewSession(
	cl *client.PsqlClient,
	cluster *topology.Cluster,
	store *topology.Store,
	router *qrouter.Router,
	p *pool.Pool,
	cache *qparser.Cache,
	cfg *config.General,
	mode config.PoolerMode,
) *Session {
	return &Session{
		cl:          cl,
		clusterName: cluster.Name,
		store:       store,
		router:      router,
		pool:        p,
		cache:       cache,
		cfg:         cfg,
		mode:        mode,
		sticky:      newStickiness(cfg.ReadWriteStrategy),
		status:      txstatus.TXIDLE,
		gucs:        map[string]string{},
	}
}

func (s *Session) Client() *client.PsqlClient {
	return s.cl
}

func (s *Session) TxStatus() txstatus.TXStatus {
	return s.status
}

func (s *Session) InTransaction() bool {
	return s.status == txstatus.TXACT || s.status == txstatus.TXERR
}

// Cancel aborts whatever the session is running server-side. Invoked
// from another goroutine on CancelRequest or disconnect.
func (s *Session) Cancel() {
	s.canceled = true
	for _, l := range []*pool.Lease{s.txLease, s.sessLease} {
		if l == nil {
			continue
		}
		for _, conn := range l.Conns() {
			if err := conn.Cancel(); err != nil {
				doglog.Zero.Debug().Err(err).Msg("cancel request to server failed")
			}
		}
	}
}

// Close releases every held lease; poisoned connections are destroyed
// by their sub-pools.
func (s *Session) Close() {
	if s.txLease != nil {
		s.txLease.Poison()
		s.pool.Return(s.txLease)
		s.txLease = nil
	}
	if s.sessLease != nil {
		s.pool.Return(s.sessLease)
		s.sessLease = nil
	}
}

// heldLeases lists every lease the session is currently holding on
// to across statements.
func (s *Session) heldLeases() []*pool.Lease {
	var out []*pool.Lease
	if s.txLease != nil {
		out = append(out, s.txLease)
	}
	if s.sessLease != nil {
		out = append(out, s.sessLease)
	}
	return out
}

func (s *Session) routerState() qrouter.SessionState {
	st := qrouter.SessionState{
		InTransaction: s.InTransaction(),
		WriteSticky:   s.sticky.Sticky() || (s.InTransaction() && !s.txROnly),
	}
	if s.pinned != nil {
		st.PinnedShards = s.pinned
	}
	return st
}

// currentCluster resolves the session's cluster against the topology
// snapshot current at this statement. The returned snapshot reference
// stays consistent for the statement's whole lifetime.
func (s *Session) currentCluster() (*topology.Cluster, *topology.Snapshot, error) {
	snapshot := s.store.Get()
	cluster, ok := snapshot.Cluster(s.clusterName)
	if !ok {
		return nil, nil, pgerror.Newf(pgerror.ConnectionException,
			"database \"%s\" is gone from the configuration", s.clusterName)
	}
	return cluster, snapshot, nil
}

// acquire resolves the lease for a plan per the pooling mode:
// session mode holds one primary lease over every shard; transaction
// mode pins the lease until commit; statement mode leases per call.
func (s *Session) acquire(ctx context.Context, cluster *topology.Cluster, rp *plan.RoutingPlan) (*pool.Lease, bool, error) {
	/* session pooling: every statement runs on the session's own
	 * connections */
	if s.mode == config.PoolerModeSession {
		if s.sessLease == nil {
			full := &plan.RoutingPlan{
				Role:   config.RolePrimary,
				Shards: plan.NewShardSet(cluster.AllShards()...),
			}
			l, err := s.pool.Lease(ctx, cluster, full, s.cl.ID(), s.mode)
			if err != nil {
				return nil, false, err
			}
			metrics.PoolCheckouts.Inc()
			s.sticky.Checkout()
			if err := s.deployGucs(l); err != nil {
				s.pool.Discard(l)
				return nil, false, err
			}
			s.sessLease = l
		}
		return s.sessLease, false, nil
	}

	if s.InTransaction() {
		if s.txLease == nil {
			l, err := s.pool.Lease(ctx, cluster, rp, s.cl.ID(), s.mode)
			if err != nil {
				return nil, false, err
			}
			metrics.PoolCheckouts.Inc()
			s.sticky.Checkout()
			if err := s.deployGucs(l); err != nil {
				s.pool.Discard(l)
				return nil, false, err
			}
			/* deploy BEGIN on every pinned shard */
			for _, conn := range l.Conns() {
				if err := conn.Exec(s.beginQry, s.cfg.QueryTimeout.D()); err != nil {
					s.pool.Discard(l)
					return nil, false, err
				}
			}
			pinnedSet := rp.Shards
			s.pinned = &pinnedSet
			s.txLease = l
		}
		return s.txLease, false, nil
	}

	l, err := s.pool.Lease(ctx, cluster, rp, s.cl.ID(), s.mode)
	if err != nil {
		return nil, false, err
	}
	metrics.PoolCheckouts.Inc()
	s.sticky.Checkout()
	if err := s.deployGucs(l); err != nil {
		s.pool.Discard(l)
		return nil, false, err
	}
	return l, true, nil
}

// deployGucs replays session SETs onto freshly leased connections.
func (s *Session) deployGucs(l *pool.Lease) error {
	for name, value := range s.gucs {
		for _, conn := range l.Conns() {
			if err := conn.Exec("SET "+name+" TO '"+value+"'", s.cfg.QueryTimeout.D()); err != nil {
				return err
			}
		}
	}
	return nil
}

// observeClass updates stickiness after a statement ran.
func (s *Session) observeClass(class plan.StatementClass) {
	switch class {
	case plan.ClassWrite, plan.ClassCopy:
		s.sticky.ObserveWrite()
	}
	metrics.QueriesRouted.Inc()
}

// promoteToSessionPooling is triggered by SET of a server-observable
// GUC under transaction or statement pooling.
func (s *Session) promoteToSessionPooling() {
	if s.mode != config.PoolerModeSession {
		doglog.Zero.Debug().
			Uint64("client", s.cl.ID()).
			Msg("session promoted to session pooling after SET")
		s.mode = config.PoolerModeSession
	}
}

// endTransaction resets transaction state and returns the pinned
// lease per the pooling mode.
func (s *Session) endTransaction(poison bool) {
	if s.txLease != nil {
		if poison {
			s.txLease.Poison()
		}
		s.pool.Return(s.txLease)
		s.txLease = nil
	}
	s.pinned = nil
	s.txROnly = false
	s.status = txstatus.TXIDLE
	s.sticky.EndTxn()
}

// fatal closes the session after an internal invariant violation.
func (s *Session) fatal(err error) error {
	doglog.Zero.Error().
		Uint64("client", s.cl.ID()).
		Err(err).
		Msg("fatal session error")

	if s.txLease != nil {
		s.txLease.Poison()
		s.pool.Return(s.txLease)
		s.txLease = nil
	}
	if s.sessLease != nil {
		s.sessLease.Poison()
		s.pool.Return(s.sessLease)
		s.sessLease = nil
	}

	_ = s.cl.ReplyErrMsg(err.Error(), pgerror.InternalError, txstatus.TXIDLE)
	return err
}
