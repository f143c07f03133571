package frontend

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/pgdogdev/pgdog/pkg/config"
	"github.com/pgdogdev/pgdog/pkg/metrics"
	"github.com/pgdogdev/pgdog/pkg/multishard"
	"github.com/pgdogdev/pgdog/pkg/pgerror"
	"github.com/pgdogdev/pgdog/pkg/plan"
	"github.com/pgdogdev/pgdog/pkg/pool"
	"github.com/pgdogdev/pgdog/pkg/qparser"
	"github.com/pgdogdev/pgdog/pkg/qrouter"
	"github.com/pgdogdev/pgdog/pkg/server"
	"github.com/pgdogdev/pgdog/pkg/txstatus"
)

// ProcQuery dispatches one simple-protocol statement. Transaction
// control, SET, DEALLOCATE and LISTEN are intercepted locally; the
// rest goes through parse, route, lease, execute.
func (s *Session) ProcQuery(query string) error {
	state := qparser.Classify(query)

	switch st := state.(type) {
	case qparser.ParseStateEmptyQuery:
		if err := s.cl.Send(&pgproto3.EmptyQueryResponse{}); err != nil {
			return err
		}
		return s.cl.ReplyRFQ(s.status)

	case qparser.ParseStateTXBegin:
		return s.execBegin(query, st)

	case qparser.ParseStateTXCommit:
		return s.execFinishTx("COMMIT")

	case qparser.ParseStateTXRollback:
		return s.execFinishTx("ROLLBACK")

	case qparser.ParseStateSetStmt:
		return s.execSet(query, st)

	case qparser.ParseStateResetStmt:
		return s.execReset(st)

	case qparser.ParseStateDeallocate:
		return s.execDeallocate(st)

	case qparser.ParseStateListen, qparser.ParseStateNotify:
		if s.mode != config.PoolerModeSession {
			return s.cl.ReplyErrMsg(
				"LISTEN/NOTIFY requires session pooling mode",
				pgerror.FeatureNotSupported, s.status)
		}
		return s.dispatch(query, nil)

	default:
		return s.dispatch(query, nil)
	}
}

func (s *Session) execBegin(query string, st qparser.ParseStateTXBegin) error {
	if s.InTransaction() {
		if err := s.cl.ReplyNotice("there is already a transaction in progress"); err != nil {
			return err
		}
		if err := s.cl.ReplyCommandComplete("BEGIN"); err != nil {
			return err
		}
		return s.cl.ReplyRFQ(s.status)
	}

	s.status = txstatus.TXACT
	s.txROnly = st.ReadOnly
	s.beginQry = query

	if err := s.cl.ReplyCommandComplete("BEGIN"); err != nil {
		return err
	}
	return s.cl.ReplyRFQ(s.status)
}

func (s *Session) execFinishTx(verb string) error {
	if !s.InTransaction() {
		if err := s.cl.ReplyNotice("there is no transaction in progress"); err != nil {
			return err
		}
		if err := s.cl.ReplyCommandComplete(verb); err != nil {
			return err
		}
		return s.cl.ReplyRFQ(txstatus.TXIDLE)
	}

	/* a transaction that never routed a statement completes locally */
	if s.txLease == nil {
		s.endTransaction(false)
		if err := s.cl.ReplyCommandComplete(verb); err != nil {
			return err
		}
		return s.cl.ReplyRFQ(txstatus.TXIDLE)
	}

	if s.status == txstatus.TXERR && verb == "COMMIT" {
		/* failed transactions roll back regardless */
		verb = "ROLLBACK"
	}

	ex := multishard.NewExecutor(s.txLease, nil)
	_, err := ex.FinishTransaction(verb, s.cl)
	if err != nil {
		metrics.QueryErrors.Inc()
		s.endTransaction(true)
		if pe, ok := err.(*pgerror.PGError); ok {
			return s.cl.ReplyErrMsg(pe.Error(), pe.Code, txstatus.TXIDLE)
		}
		return err
	}

	s.endTransaction(false)
	return s.cl.ReplyRFQ(txstatus.TXIDLE)
}

func (s *Session) execSet(query string, st qparser.ParseStateSetStmt) error {
	/* SET LOCAL stays transaction-scoped and does not promote the
	 * pooling mode; outside a transaction it is a no-op warning,
	 * same as the backend's */
	if st.Local {
		if !s.InTransaction() {
			if err := s.cl.ReplyNotice("SET LOCAL can only be used in transaction blocks"); err != nil {
				return err
			}
			if err := s.cl.ReplyCommandComplete("SET"); err != nil {
				return err
			}
			return s.cl.ReplyRFQ(s.status)
		}
		return s.dispatch(query, nil)
	}

	s.gucs[st.Name] = st.Value
	if serverObservableGUC(st.Name) {
		s.promoteToSessionPooling()
	}

	/* held connections observe the change immediately */
	for _, l := range s.heldLeases() {
		for _, conn := range l.Conns() {
			if err := conn.Exec(query, s.cfg.QueryTimeout.D()); err != nil {
				return err
			}
		}
	}

	if err := s.cl.ReplyCommandComplete("SET"); err != nil {
		return err
	}
	return s.cl.ReplyRFQ(s.status)
}

func (s *Session) execReset(st qparser.ParseStateResetStmt) error {
	if st.Name == "" || st.Name == "all" {
		s.gucs = map[string]string{}
	} else {
		delete(s.gucs, st.Name)
	}

	for _, l := range s.heldLeases() {
		for _, conn := range l.Conns() {
			q := "RESET ALL"
			if st.Name != "" && st.Name != "all" {
				q = "RESET " + st.Name
			}
			if err := conn.Exec(q, s.cfg.QueryTimeout.D()); err != nil {
				return err
			}
		}
	}

	if err := s.cl.ReplyCommandComplete("RESET"); err != nil {
		return err
	}
	return s.cl.ReplyRFQ(s.status)
}

// execDeallocate handles DEALLOCATE locally; it is never forwarded.
// Server-side statements stay prepared on their server connections:
// cache eviction only drops the rewriter's record, and no pool or
// session path calls server.Conn.Reclaim when a connection changes
// hands, so they last until the connection closes.
func (s *Session) execDeallocate(st qparser.ParseStateDeallocate) error {
	if st.Name == "" {
		for _, d := range s.cl.PreparedStatements().List() {
			s.cl.PreparedStatements().ForgetPreparedStatement(d.Name)
		}
		if err := s.cl.ReplyCommandComplete("DEALLOCATE ALL"); err != nil {
			return err
		}
	} else {
		s.cl.PreparedStatements().ForgetPreparedStatement(st.Name)
		if err := s.cl.ReplyCommandComplete("DEALLOCATE"); err != nil {
			return err
		}
	}
	return s.cl.ReplyRFQ(s.status)
}

// dispatch is the main statement path: parse, route, lease, execute.
// params carries extended-protocol parameter values.
func (s *Session) dispatch(query string, params *qrouter.BoundParams) error {
	if s.status == txstatus.TXERR {
		return s.cl.ReplyErrMsg(
			"current transaction is aborted, commands ignored until end of transaction block",
			"25P02", s.status)
	}

	ps, err := s.cache.Parse(query)
	if err != nil {
		metrics.QueryErrors.Inc()
		if s.InTransaction() {
			s.status = txstatus.TXERR
		}
		return s.cl.ReplyErr(err, s.status)
	}

	cluster, snapshot, err := s.currentCluster()
	if err != nil {
		metrics.QueryErrors.Inc()
		return s.cl.ReplyErr(err, s.status)
	}

	rp, err := s.router.Route(context.Background(), ps, cluster, snapshot.ManualQueries, s.routerState(), params)
	if err != nil {
		metrics.QueryErrors.Inc()
		if s.InTransaction() {
			s.status = txstatus.TXERR
		}
		return s.cl.ReplyErr(err, s.status)
	}

	lease, returnAfter, err := s.acquire(context.Background(), cluster, rp)
	if err != nil {
		metrics.QueryErrors.Inc()
		return s.cl.ReplyErr(err, s.status)
	}

	execErr := s.execute(lease, rp, query)

	s.observeClass(rp.Class)

	if returnAfter {
		s.pool.Return(lease)
	}

	return execErr
}

// execute runs the statement over the lease: passthrough for one
// shard, aggregation for many.
func (s *Session) execute(lease *pool.Lease, rp *plan.RoutingPlan, query string) error {
	shards := rp.Shards.List()

	if len(shards) == 1 && lease.Conn(shards[0]) != nil {
		return s.executeSingle(lease.Conn(shards[0]), query)
	}

	if rp.Class == plan.ClassCopy {
		metrics.QueryErrors.Inc()
		return s.cl.ReplyErrMsg(
			"COPY without a sharding key fans out to all shards and is not supported",
			pgerror.FeatureNotSupported, s.status)
	}

	metrics.CrossShardQueries.Inc()

	if d := s.cfg.QueryTimeout.D(); d > 0 {
		for _, sh := range shards {
			lease.Conn(sh).SetQueryDeadline(d)
		}
		defer func() {
			for _, sh := range shards {
				lease.Conn(sh).ClearDeadline()
			}
		}()
	}

	ex := multishard.NewExecutor(lease, shards)

	/* the router's classification decides the merge strategy; a
	 * leading comment or CTE must not demote a read to the simple
	 * broadcast path */
	var st txstatus.TXStatus
	var err error
	if rp.Class == plan.ClassRead {
		sp := multishard.PlanSelect(query)
		st, err = ex.ExecuteSelect(sp, s.cl)
	} else {
		st, err = ex.ExecuteSimple(query, s.cl)
	}
	if err != nil {
		metrics.QueryErrors.Inc()
		if s.InTransaction() {
			s.status = txstatus.TXERR
		}
		if pe, ok := err.(*pgerror.PGError); ok {
			return s.cl.ReplyErrMsg(pe.Error(), pe.Code, s.status)
		}
		return err
	}

	s.updateTxStatus(st)
	return s.cl.ReplyRFQ(s.status)
}

func (s *Session) updateTxStatus(st txstatus.TXStatus) {
	if s.InTransaction() {
		/* client-visible status stays transactional until COMMIT */
		if st == txstatus.TXERR {
			s.status = txstatus.TXERR
		}
		return
	}
	s.status = st
}

// executeSingle relays one statement to one server and streams the
// response back, handling COPY in both directions.
func (s *Session) executeSingle(conn *server.Conn, query string) error {
	conn.SetQueryDeadline(s.cfg.QueryTimeout.D())
	defer conn.ClearDeadline()

	if err := conn.Send(&pgproto3.Query{String: query}); err != nil {
		return err
	}
	if err := conn.Flush(); err != nil {
		return err
	}

	sawError := false

	for {
		msg, err := conn.Receive()
		if err != nil {
			conn.Doom()
			/* repeated receive failures within the window ban the
			 * endpoint; a single transient error does not */
			if s.pool.Bans().RecordError(conn.Endpoint().ID()) {
				s.pool.Bans().Ban(conn.Endpoint().ID(), pool.BanQueryTimeout)
				metrics.ReplicaLagBanned.Inc()
			}
			return err
		}

		switch v := msg.(type) {
		case *pgproto3.ReadyForQuery:
			if sawError {
				metrics.QueryErrors.Inc()
			}
			s.updateTxStatus(txstatus.TXStatus(v.TxStatus))
			return s.cl.ReplyRFQ(s.status)

		case *pgproto3.ErrorResponse:
			/* backend errors forward verbatim */
			sawError = true
			if err := s.cl.Send(msg); err != nil {
				conn.Doom()
				return err
			}

		case *pgproto3.CopyInResponse:
			if err := s.cl.Send(msg); err != nil {
				conn.Doom()
				return err
			}
			if err := s.relayCopyIn(conn); err != nil {
				conn.Doom()
				return err
			}

		case *pgproto3.ParameterStatus:
			s.cl.SetParam(v.Name, v.Value)
			if err := s.cl.Send(msg); err != nil {
				conn.Doom()
				return err
			}

		default:
			/* a client that stops reading mid-stream leaves the
			 * server response unread; the connection cannot be
			 * pooled again */
			if err := s.cl.Send(msg); err != nil {
				conn.Doom()
				return err
			}
		}
	}
}

// relayCopyIn pumps CopyData frames from the client to the server
// until the client finishes or fails the copy.
func (s *Session) relayCopyIn(conn *server.Conn) error {
	for {
		msg, err := s.cl.Receive()
		if err != nil {
			/* the copy cannot complete; fail it and let the pool
			 * destroy the connection rather than resync it */
			_ = conn.Send(&pgproto3.CopyFail{Message: "client disconnected"})
			_ = conn.Flush()
			conn.Doom()
			return err
		}

		switch msg.(type) {
		case *pgproto3.CopyData, *pgproto3.CopyDone, *pgproto3.CopyFail:
			if err := conn.Send(msg); err != nil {
				return err
			}
			if err := conn.Flush(); err != nil {
				return err
			}
			switch msg.(type) {
			case *pgproto3.CopyDone, *pgproto3.CopyFail:
				return nil
			}
		default:
			return pgerror.Newf(pgerror.ProtocolViolation,
				"unexpected %T during COPY", msg)
		}
	}
}

// serverObservableGUC reports whether a SET changes state the backend
// would see; those promote the session to session pooling.
func serverObservableGUC(name string) bool {
	switch name {
	case "application_name", "client_encoding", "datestyle", "timezone",
		"extra_float_digits", "statement_timeout", "search_path",
		"intervalstyle", "standard_conforming_strings":
		return true
	}
	/* unknown GUCs are assumed server-observable */
	return !strings.HasPrefix(name, "pgdog.")
}
