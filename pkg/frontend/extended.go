package frontend

import (
	"context"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/pgdogdev/pgdog/pkg/metrics"
	"github.com/pgdogdev/pgdog/pkg/pgerror"
	"github.com/pgdogdev/pgdog/pkg/prepstatement"
	"github.com/pgdogdev/pgdog/pkg/qrouter"
	"github.com/pgdogdev/pgdog/pkg/server"
	"github.com/pgdogdev/pgdog/pkg/txstatus"
)

// ProcessExtendedBuffer drains the Parse/Bind/Describe/Execute/Close
// buffer accumulated since the last Sync. Client statement names are
// rewritten to the globally unique server-side names; Parse is sent
// to a server only the first time that fingerprint lands on it.
func (s *Session) ProcessExtendedBuffer() error {
	defer func() {
		s.xBuf = nil
	}()

	if s.status == txstatus.TXERR {
		return s.cl.ReplyErrMsg(
			"current transaction is aborted, commands ignored until end of transaction block",
			"25P02", s.status)
	}

	/* local-only pass: register Parse, forget Close */
	var forward []pgproto3.FrontendMessage
	registry := s.cl.PreparedStatements()

	for _, msg := range s.xBuf {
		switch q := msg.(type) {
		case *pgproto3.Parse:
			ps, err := s.cache.Parse(q.Query)
			if err != nil {
				metrics.QueryErrors.Inc()
				if s.InTransaction() {
					s.status = txstatus.TXERR
				}
				return s.cl.ReplyErr(err, s.status)
			}

			registry.StorePreparedStatement(&prepstatement.PreparedStatementDefinition{
				Name:          q.Name,
				Query:         q.Query,
				Fingerprint:   ps.Fingerprint,
				ParameterOIDs: q.ParameterOIDs,
			})

			if err := s.cl.ReplyParseComplete(); err != nil {
				return err
			}

		case *pgproto3.Close:
			if q.ObjectType == 'S' {
				registry.ForgetPreparedStatement(q.Name)
				if err := s.cl.Send(&pgproto3.CloseComplete{}); err != nil {
					return err
				}
			} else {
				forward = append(forward, q)
			}

		default:
			forward = append(forward, msg)
		}
	}

	if len(forward) == 0 {
		return s.cl.ReplyRFQ(s.status)
	}

	/* the Bind (or statement Describe) decides the route */
	def, params, err := s.extendedTarget(forward)
	if err != nil {
		metrics.QueryErrors.Inc()
		return s.cl.ReplyErr(err, s.status)
	}
	if def == nil {
		return s.cl.ReplyErrMsg("no prepared statement to execute",
			pgerror.ProtocolViolation, s.status)
	}

	ps, err := s.cache.Parse(def.Query)
	if err != nil {
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

	if rp.Shards.Len() != 1 {
		return s.cl.ReplyErrMsg(
			"prepared statement requires a sharding key pinning it to one shard",
			pgerror.FeatureNotSupported, s.status)
	}

	lease, returnAfter, err := s.acquire(context.Background(), cluster, rp)
	if err != nil {
		metrics.QueryErrors.Inc()
		return s.cl.ReplyErr(err, s.status)
	}

	shard := rp.Shards.List()[0]
	conn := lease.Conn(shard)
	if conn == nil {
		if returnAfter {
			s.pool.Return(lease)
		}
		return s.fatal(pgerror.Newf(pgerror.InternalError, "lease is missing shard %d", shard))
	}

	execErr := s.executeExtended(conn, def, forward)

	s.observeClass(rp.Class)

	if returnAfter {
		s.pool.Return(lease)
	}

	return execErr
}

// extendedTarget finds the statement the buffered portal run is
// about, plus the bound parameter values for routing.
func (s *Session) extendedTarget(forward []pgproto3.FrontendMessage) (*prepstatement.PreparedStatementDefinition, *qrouter.BoundParams, error) {
	registry := s.cl.PreparedStatements()

	for _, msg := range forward {
		switch q := msg.(type) {
		case *pgproto3.Bind:
			def := registry.PreparedStatementDefinitionByName(q.PreparedStatement)
			if def == nil {
				return nil, nil, pgerror.Newf(pgerror.ProtocolViolation,
					"prepared statement \"%s\" does not exist", q.PreparedStatement)
			}
			return def, &qrouter.BoundParams{
				Values:  q.Parameters,
				Formats: prepstatement.GetParams(q.ParameterFormatCodes, q.Parameters),
			}, nil

		case *pgproto3.Describe:
			if q.ObjectType == 'S' {
				def := registry.PreparedStatementDefinitionByName(q.Name)
				if def == nil {
					return nil, nil, pgerror.Newf(pgerror.ProtocolViolation,
						"prepared statement \"%s\" does not exist", q.Name)
				}
				return def, nil, nil
			}
		}
	}

	return nil, nil, nil
}

// ensurePrepared lands the statement on the server under its wire
// name, synthesizing a Parse the first time.
func (s *Session) ensurePrepared(conn *server.Conn, def *prepstatement.PreparedStatementDefinition) (string, bool, error) {
	wireName := prepstatement.WireName(def.Fingerprint)

	if ok, _ := conn.PreparedCache().HasPreparedStatement(def.Fingerprint); ok {
		return wireName, false, nil
	}

	if err := conn.Send(&pgproto3.Parse{
		Name:          wireName,
		Query:         def.Query,
		ParameterOIDs: def.ParameterOIDs,
	}); err != nil {
		return "", false, err
	}

	conn.PreparedCache().StorePreparedStatement(def.Fingerprint, def, nil)
	return wireName, true, nil
}

// executeExtended forwards the rewritten portal run and relays the
// response stream back to the client.
func (s *Session) executeExtended(conn *server.Conn, def *prepstatement.PreparedStatementDefinition, forward []pgproto3.FrontendMessage) error {
	wireName, synthesized, err := s.ensurePrepared(conn, def)
	if err != nil {
		conn.Doom()
		return err
	}

	for _, msg := range forward {
		switch q := msg.(type) {
		case *pgproto3.Bind:
			cp := *q
			cp.PreparedStatement = wireName
			err = conn.Send(&cp)
		case *pgproto3.Describe:
			cp := *q
			if cp.ObjectType == 'S' {
				cp.Name = wireName
			}
			err = conn.Send(&cp)
		default:
			err = conn.Send(msg)
		}
		if err != nil {
			conn.Doom()
			return err
		}
	}

	if err := conn.Send(&pgproto3.Sync{}); err != nil {
		conn.Doom()
		return err
	}
	if err := conn.Flush(); err != nil {
		conn.Doom()
		return err
	}

	/* relay until ready for query; swallow the ParseComplete that
	 * answers the synthesized Parse */
	swallowParse := synthesized
	sawError := false

	for {
		msg, err := conn.Receive()
		if err != nil {
			conn.Doom()
			return err
		}

		switch v := msg.(type) {
		case *pgproto3.ParseComplete:
			if swallowParse {
				swallowParse = false
				continue
			}
			if err := s.cl.Send(msg); err != nil {
				return err
			}

		case *pgproto3.ErrorResponse:
			sawError = true
			/* a failed synthesized Parse never made it to the server
			 * cache's truth; drop the optimistic entry */
			if synthesized {
				conn.PreparedCache().Reset()
				conn.Doom()
			}
			if err := s.cl.Send(msg); err != nil {
				return err
			}

		case *pgproto3.ReadyForQuery:
			if sawError {
				metrics.QueryErrors.Inc()
			}
			s.updateTxStatus(txstatus.TXStatus(v.TxStatus))
			return s.cl.ReplyRFQ(s.status)

		case *pgproto3.ParameterStatus:
			s.cl.SetParam(v.Name, v.Value)
			if err := s.cl.Send(msg); err != nil {
				return err
			}

		default:
			if err := s.cl.Send(msg); err != nil {
				return err
			}
		}
	}
}
