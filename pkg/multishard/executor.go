package multishard

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/pgdogdev/pgdog/pkg/doglog"
	"github.com/pgdogdev/pgdog/pkg/pgerror"
	"github.com/pgdogdev/pgdog/pkg/pool"
	"github.com/pgdogdev/pgdog/pkg/server"
	"github.com/pgdogdev/pgdog/pkg/txstatus"
	"golang.org/x/sync/errgroup"
)

// ClientWriter is the slice of the client session the aggregator
// writes merged results into.
type ClientWriter interface {
	Send(msg pgproto3.BackendMessage) error
}

// shardResult is one shard's drained response to a simple query.
type shardResult struct {
	shard int

	rowDesc *pgproto3.RowDescription
	rows    []*pgproto3.DataRow
	cmdTag  []byte
	status  txstatus.TXStatus

	errResp *pgproto3.ErrorResponse
}

// Executor fans one statement out to the leased shards it targets and
// merges the response streams into a single client-visible stream. A
// plan targeting a subset of a pinned transaction lease executes on
// that subset only.
type Executor struct {
	lease  *pool.Lease
	shards []int
	conns  []*server.Conn
}

func NewExecutor(lease *pool.Lease, shards []int) *Executor {
	if shards == nil {
		shards = lease.Shards()
	}
	conns := make([]*server.Conn, len(shards))
	for i, sh := range shards {
		conns[i] = lease.Conn(sh)
	}
	return &Executor{lease: lease, shards: shards, conns: conns}
}

// Broadcast sends the same frontend message to every target shard.
func (e *Executor) Broadcast(msg pgproto3.FrontendMessage) error {
	for _, conn := range e.conns {
		if err := conn.Send(msg); err != nil {
			return err
		}
		if err := conn.Flush(); err != nil {
			return err
		}
	}
	return nil
}

// drain reads every shard to its ReadyForQuery in parallel. Shard
// completion order is not meaningful; ordering guarantees only apply
// to the merged stream.
func (e *Executor) drain() ([]*shardResult, error) {
	results := make([]*shardResult, len(e.conns))

	var eg errgroup.Group
	for i := range e.conns {
		eg.Go(func() error {
			res, err := drainConn(e.shards[i], e.conns[i])
			results[i] = res
			return err
		})
	}

	if err := eg.Wait(); err != nil {
		e.lease.Poison()
		return nil, err
	}

	return results, nil
}

func drainConn(shard int, conn *server.Conn) (*shardResult, error) {
	res := &shardResult{shard: shard}

	for {
		msg, err := conn.Receive()
		if err != nil {
			return res, err
		}

		switch v := msg.(type) {
		case *pgproto3.RowDescription:
			/* copy: pgproto3 reuses decode buffers between reads */
			cp := *v
			cp.Fields = append([]pgproto3.FieldDescription(nil), v.Fields...)
			res.rowDesc = &cp
		case *pgproto3.DataRow:
			values := make([][]byte, len(v.Values))
			for i, val := range v.Values {
				if val != nil {
					values[i] = append([]byte(nil), val...)
				}
			}
			res.rows = append(res.rows, &pgproto3.DataRow{Values: values})
		case *pgproto3.CommandComplete:
			res.cmdTag = append([]byte(nil), v.CommandTag...)
		case *pgproto3.ErrorResponse:
			cp := *v
			res.errResp = &cp
		case *pgproto3.NoticeResponse, *pgproto3.ParameterStatus:
			/* swallowed; the session's own parameters rule */
		case *pgproto3.EmptyQueryResponse:
			res.cmdTag = []byte{}
		case *pgproto3.CopyInResponse, *pgproto3.CopyOutResponse, *pgproto3.CopyBothResponse:
			conn.Doom()
			return res, pgerror.Newf(pgerror.ProtocolViolation,
				"unexpected COPY response during cross-shard execution")
		case *pgproto3.ReadyForQuery:
			res.status = txstatus.TXStatus(v.TxStatus)
			return res, nil
		}
	}
}

// firstError picks the error to surface and rolls every other shard
// with an open transaction back.
func (e *Executor) firstError(results []*shardResult) *pgproto3.ErrorResponse {
	var first *pgproto3.ErrorResponse
	failed := -1
	for _, res := range results {
		if res.errResp != nil {
			first = res.errResp
			failed = res.shard
			break
		}
	}
	if first == nil {
		return nil
	}

	for _, res := range results {
		if res.shard == failed {
			continue
		}
		if res.status == txstatus.TXACT || res.status == txstatus.TXERR {
			conn := e.lease.Conn(res.shard)
			if err := conn.Rollback(0); err != nil {
				doglog.Zero.Warn().
					Int("shard", res.shard).
					Err(err).
					Msg("rollback after cross-shard error failed")
				conn.Doom()
			}
		}
	}

	return first
}

// ExecuteSimple forwards a non-SELECT statement to every shard and
// synthesizes one CommandComplete with summed row counts. Result rows
// (RETURNING clauses) are forwarded in shard order; merge ordering
// beyond that is the SELECT path's job.
func (e *Executor) ExecuteSimple(query string, cl ClientWriter) (txstatus.TXStatus, error) {
	if err := e.Broadcast(&pgproto3.Query{String: query}); err != nil {
		return txstatus.TXERR, err
	}

	results, err := e.drain()
	if err != nil {
		return txstatus.TXERR, err
	}

	if errResp := e.firstError(results); errResp != nil {
		if err := cl.Send(errResp); err != nil {
			return txstatus.TXERR, err
		}
		return consensusStatus(results), nil
	}

	var rd *pgproto3.RowDescription
	for _, res := range results {
		if res.rowDesc != nil {
			rd = res.rowDesc
			break
		}
	}
	if rd != nil {
		if err := cl.Send(rd); err != nil {
			return txstatus.TXERR, err
		}
		for _, res := range results {
			for _, row := range res.rows {
				if err := cl.Send(row); err != nil {
					return txstatus.TXERR, err
				}
			}
		}
	}

	tag := mergeCommandTags(results)
	if err := cl.Send(&pgproto3.CommandComplete{CommandTag: tag}); err != nil {
		return txstatus.TXERR, err
	}

	return consensusStatus(results), nil
}

// ExecuteSelect fans a SELECT out, merges per the plan (sort keys,
// limit window, aggregate recombination) and streams the result.
func (e *Executor) ExecuteSelect(sp *SelectPlan, cl ClientWriter) (txstatus.TXStatus, error) {
	if err := e.Broadcast(&pgproto3.Query{String: sp.ShardQuery}); err != nil {
		return txstatus.TXERR, err
	}

	results, err := e.drain()
	if err != nil {
		return txstatus.TXERR, err
	}

	if errResp := e.firstError(results); errResp != nil {
		if err := cl.Send(errResp); err != nil {
			return txstatus.TXERR, err
		}
		return consensusStatus(results), nil
	}

	var rd *pgproto3.RowDescription
	streams := make([][]*pgproto3.DataRow, 0, len(results))
	for _, res := range results {
		if rd == nil && res.rowDesc != nil {
			rd = res.rowDesc
		}
		streams = append(streams, res.rows)
	}

	var rows []*pgproto3.DataRow
	switch {
	case rd == nil:
		/* no projection came back; treat as simple completion */
		rows = nil
	case sp.HasAggregates:
		rows = Aggregate(sp, rd, streams)
		rows = MergeSortedStable(rows, resolveSortKeys(sp.OrderBy, rd))
		rd = TrimRowDescription(sp, rd)
	default:
		rows = MergeSorted(streams, resolveSortKeys(sp.OrderBy, rd))
	}

	rows = applyLimit(rows, sp.Limit, sp.Offset)

	if rd != nil {
		if err := cl.Send(rd); err != nil {
			return txstatus.TXERR, err
		}
	}
	for _, row := range rows {
		if len(row.Values) > len(sp.Targets) && sp.HasAggregates {
			row.Values = row.Values[:len(sp.Targets)]
		}
		if err := cl.Send(row); err != nil {
			return txstatus.TXERR, err
		}
	}

	tag := fmt.Sprintf("SELECT %d", len(rows))
	if err := cl.Send(&pgproto3.CommandComplete{CommandTag: []byte(tag)}); err != nil {
		return txstatus.TXERR, err
	}

	return consensusStatus(results), nil
}

// MergeSortedStable sorts an already merged row slice, used after
// aggregation where per-shard local order no longer exists.
func MergeSortedStable(rows []*pgproto3.DataRow, keys []sortKey) []*pgproto3.DataRow {
	if len(keys) == 0 {
		return rows
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return compareRows(rows[i], rows[j], keys) < 0
	})
	return rows
}

// FinishTransaction broadcasts COMMIT or ROLLBACK to every pinned
// shard. Partial commit failure is surfaced as a transaction-rollback
// class error naming each shard's outcome; no two-phase commit is
// attempted.
func (e *Executor) FinishTransaction(query string, cl ClientWriter) (txstatus.TXStatus, error) {
	if err := e.Broadcast(&pgproto3.Query{String: query}); err != nil {
		return txstatus.TXERR, err
	}

	results, err := e.drain()
	if err != nil {
		return txstatus.TXERR, err
	}

	var failures []string
	for _, res := range results {
		if res.errResp != nil {
			failures = append(failures, fmt.Sprintf("shard %d: %s", res.shard, res.errResp.Message))
		}
	}

	if len(failures) > 0 {
		var ok []string
		for _, res := range results {
			if res.errResp == nil {
				ok = append(ok, strconv.Itoa(res.shard))
			}
		}
		doglog.Zero.Error().
			Strs("failed", failures).
			Strs("committed", ok).
			Msg("partial cross-shard transaction completion")

		perr := pgerror.Newf(pgerror.TransactionRollback,
			"cross-shard transaction completed on shards [%s] but failed on: %s",
			strings.Join(ok, ","), strings.Join(failures, "; "))
		e.lease.Poison()
		return txstatus.TXERR, perr
	}

	tag := mergeCommandTags(results)
	if err := cl.Send(&pgproto3.CommandComplete{CommandTag: tag}); err != nil {
		return txstatus.TXERR, err
	}

	return consensusStatus(results), nil
}

// Cancel fires the PG cancel protocol at every target shard.
func (e *Executor) Cancel() error {
	var firstErr error
	for _, conn := range e.conns {
		if err := conn.Cancel(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// mergeCommandTags sums the row counts of per-shard completion tags:
// "INSERT 0 1" twice becomes "INSERT 0 2".
func mergeCommandTags(results []*shardResult) []byte {
	var first string
	var verb string
	var mid string
	total := int64(0)
	counted := false

	for _, res := range results {
		if len(res.cmdTag) == 0 {
			continue
		}
		fields := strings.Fields(string(res.cmdTag))
		if len(fields) == 0 {
			continue
		}
		if verb == "" {
			first = string(res.cmdTag)
			verb = fields[0]
			if verb == "INSERT" && len(fields) == 3 {
				mid = fields[1]
			}
		}
		if n, err := strconv.ParseInt(fields[len(fields)-1], 10, 64); err == nil && len(fields) > 1 {
			total += n
			counted = true
		}
	}

	switch {
	case verb == "":
		return []byte{}
	case !counted:
		/* DDL and friends carry no row count; any shard's tag works */
		return []byte(first)
	case mid != "":
		return []byte(fmt.Sprintf("%s %s %d", verb, mid, total))
	default:
		return []byte(fmt.Sprintf("%s %d", verb, total))
	}
}

// consensusStatus folds per-shard transaction status into the one
// reported to the client: any error wins, else any open transaction.
func consensusStatus(results []*shardResult) txstatus.TXStatus {
	st := txstatus.TXIDLE
	for _, res := range results {
		switch res.status {
		case txstatus.TXERR:
			return txstatus.TXERR
		case txstatus.TXACT:
			st = txstatus.TXACT
		}
	}
	return st
}
