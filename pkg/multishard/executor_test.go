package multishard

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/pgdogdev/pgdog/pkg/config"
	"github.com/pgdogdev/pgdog/pkg/mock/fakepg"
	"github.com/pgdogdev/pgdog/pkg/plan"
	"github.com/pgdogdev/pgdog/pkg/pool"
	"github.com/pgdogdev/pgdog/pkg/topology"
	"github.com/pgdogdev/pgdog/pkg/txstatus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingClient captures everything the aggregator writes back.
type recordingClient struct {
	msgs []pgproto3.BackendMessage
}

func (rc *recordingClient) Send(msg pgproto3.BackendMessage) error {
	rc.msgs = append(rc.msgs, msg)
	return nil
}

func (rc *recordingClient) dataRows() []*pgproto3.DataRow {
	var out []*pgproto3.DataRow
	for _, m := range rc.msgs {
		if dr, ok := m.(*pgproto3.DataRow); ok {
			out = append(out, dr)
		}
	}
	return out
}

func (rc *recordingClient) commandTag() string {
	for _, m := range rc.msgs {
		if cc, ok := m.(*pgproto3.CommandComplete); ok {
			return string(cc.CommandTag)
		}
	}
	return ""
}

func twoShardLease(t *testing.T, shards ...*fakepg.Server) (*pool.Pool, *pool.Lease) {
	p := pool.New(pool.Options{
		ConnectTimeout:  2 * time.Second,
		CheckoutTimeout: time.Second,
		RollbackTimeout: time.Second,
		BanTimeout:      time.Minute,
		LoadBalancing:   config.LoadBalancerRoundRobin,
	})

	cluster := &topology.Cluster{Name: "prod"}
	for i, srv := range shards {
		cluster.Shards = append(cluster.Shards, &topology.Shard{
			Primary: &topology.Endpoint{
				Cluster:      "prod",
				Shard:        i,
				Role:         config.RolePrimary,
				Host:         srv.Host(),
				Port:         srv.Port(),
				DatabaseName: "db",
				User:         "u",
				PoolSize:     2,
			},
		})
	}

	shardSet := make([]int, len(shards))
	for i := range shards {
		shardSet[i] = i
	}
	rp := &plan.RoutingPlan{Role: config.RolePrimary, Shards: plan.NewShardSet(shardSet...)}

	lease, err := p.Lease(context.Background(), cluster, rp, 1, config.PoolerModeTransaction)
	require.NoError(t, err)
	return p, lease
}

func TestExecuteSimpleSumsCompletions(t *testing.T) {
	s0 := fakepg.New(t)
	defer s0.Close()
	s1 := fakepg.New(t)
	defer s1.Close()

	query := "INSERT INTO omni (k, v) VALUES ('a', 'b')"
	s0.Respond(query, fakepg.Result{Tag: "INSERT 0 1"})
	s1.Respond(query, fakepg.Result{Tag: "INSERT 0 1"})

	p, lease := twoShardLease(t, s0, s1)
	defer p.Return(lease)

	rc := &recordingClient{}
	ex := NewExecutor(lease, nil)

	st, err := ex.ExecuteSimple(query, rc)
	require.NoError(t, err)
	assert.Equal(t, txstatus.TXIDLE, st)
	assert.Equal(t, "INSERT 0 2", rc.commandTag())
}

func TestExecuteSelectCountAcrossShards(t *testing.T) {
	s0 := fakepg.New(t)
	defer s0.Close()
	s1 := fakepg.New(t)
	defer s1.Close()

	query := "SELECT count(*) FROM sharded"
	s0.Respond(query, fakepg.Result{Fields: []string{"count"}, Rows: [][]string{{"3"}}})
	s1.Respond(query, fakepg.Result{Fields: []string{"count"}, Rows: [][]string{{"4"}}})

	p, lease := twoShardLease(t, s0, s1)
	defer p.Return(lease)

	rc := &recordingClient{}
	ex := NewExecutor(lease, nil)

	sp := PlanSelect(query)
	st, err := ex.ExecuteSelect(sp, rc)
	require.NoError(t, err)
	assert.Equal(t, txstatus.TXIDLE, st)

	rows := rc.dataRows()
	require.Len(t, rows, 1)
	assert.Equal(t, "7", string(rows[0].Values[0]))
	assert.Equal(t, "SELECT 1", rc.commandTag())
}

func TestExecuteSelectMergesSorted(t *testing.T) {
	s0 := fakepg.New(t)
	defer s0.Close()
	s1 := fakepg.New(t)
	defer s1.Close()

	query := "SELECT id FROM sharded ORDER BY id"
	s0.Respond(query, fakepg.Result{Fields: []string{"id"}, Rows: [][]string{{"1"}, {"3"}, {"5"}}})
	s1.Respond(query, fakepg.Result{Fields: []string{"id"}, Rows: [][]string{{"2"}, {"4"}}})

	p, lease := twoShardLease(t, s0, s1)
	defer p.Return(lease)

	rc := &recordingClient{}
	ex := NewExecutor(lease, nil)

	st, err := ex.ExecuteSelect(PlanSelect(query), rc)
	require.NoError(t, err)
	assert.Equal(t, txstatus.TXIDLE, st)

	var got []string
	for _, r := range rc.dataRows() {
		got = append(got, string(r.Values[0]))
	}
	assert.Equal(t, []string{"1", "2", "3", "4", "5"}, got)
}

func TestExecuteSelectLimitAcrossShards(t *testing.T) {
	s0 := fakepg.New(t)
	defer s0.Close()
	s1 := fakepg.New(t)
	defer s1.Close()

	query := "SELECT id FROM sharded ORDER BY id LIMIT 3"
	s0.Respond(query, fakepg.Result{Fields: []string{"id"}, Rows: [][]string{{"1"}, {"3"}, {"5"}}})
	s1.Respond(query, fakepg.Result{Fields: []string{"id"}, Rows: [][]string{{"2"}, {"4"}}})

	p, lease := twoShardLease(t, s0, s1)
	defer p.Return(lease)

	rc := &recordingClient{}
	ex := NewExecutor(lease, nil)

	_, err := ex.ExecuteSelect(PlanSelect(query), rc)
	require.NoError(t, err)
	assert.Len(t, rc.dataRows(), 3)
}

func TestExecuteSimpleForwardsReturningRows(t *testing.T) {
	s0 := fakepg.New(t)
	defer s0.Close()
	s1 := fakepg.New(t)
	defer s1.Close()

	query := "UPDATE omni SET v = 'x' RETURNING id"
	s0.Respond(query, fakepg.Result{
		Fields: []string{"id"},
		Rows:   [][]string{{"1"}},
		Tag:    "UPDATE 1",
	})
	s1.Respond(query, fakepg.Result{
		Fields: []string{"id"},
		Rows:   [][]string{{"2"}, {"3"}},
		Tag:    "UPDATE 2",
	})

	p, lease := twoShardLease(t, s0, s1)
	defer p.Return(lease)

	rc := &recordingClient{}
	ex := NewExecutor(lease, nil)

	st, err := ex.ExecuteSimple(query, rc)
	require.NoError(t, err)
	assert.Equal(t, txstatus.TXIDLE, st)

	var got []string
	for _, r := range rc.dataRows() {
		got = append(got, string(r.Values[0]))
	}
	assert.Equal(t, []string{"1", "2", "3"}, got)
	assert.Equal(t, "UPDATE 3", rc.commandTag())
}

func TestShardErrorAbortsAndSurfacesFirst(t *testing.T) {
	s0 := fakepg.New(t)
	defer s0.Close()
	s1 := fakepg.New(t)
	defer s1.Close()

	query := "UPDATE omni SET v = 'x'"
	s0.Respond(query, fakepg.Result{Tag: "UPDATE 1"})
	s1.Respond(query, fakepg.Result{
		Err: &pgproto3.ErrorResponse{Severity: "ERROR", Code: "23505", Message: "duplicate key"},
	})

	p, lease := twoShardLease(t, s0, s1)
	defer p.Return(lease)

	rc := &recordingClient{}
	ex := NewExecutor(lease, nil)

	_, err := ex.ExecuteSimple(query, rc)
	require.NoError(t, err)

	var gotErr *pgproto3.ErrorResponse
	for _, m := range rc.msgs {
		if e, ok := m.(*pgproto3.ErrorResponse); ok {
			gotErr = e
		}
	}
	require.NotNil(t, gotErr)
	assert.Equal(t, "23505", gotErr.Code)
	/* the error shard's completion never reaches the client */
	assert.Equal(t, "", rc.commandTag())
}

func TestFinishTransactionBroadcasts(t *testing.T) {
	s0 := fakepg.New(t)
	defer s0.Close()
	s1 := fakepg.New(t)
	defer s1.Close()

	p, lease := twoShardLease(t, s0, s1)
	defer p.Return(lease)

	ex := NewExecutor(lease, nil)
	rc := &recordingClient{}

	require.NoError(t, ex.Broadcast(&pgproto3.Query{String: "BEGIN"}))
	_, err := ex.drain()
	require.NoError(t, err)

	st, err := ex.FinishTransaction("COMMIT", rc)
	require.NoError(t, err)
	assert.Equal(t, txstatus.TXIDLE, st)
	assert.Equal(t, "COMMIT", rc.commandTag())

	assert.Contains(t, s0.Queries(), "COMMIT")
	assert.Contains(t, s1.Queries(), "COMMIT")
}

func TestExecuteOnShardSubset(t *testing.T) {
	s0 := fakepg.New(t)
	defer s0.Close()
	s1 := fakepg.New(t)
	defer s1.Close()

	query := "SELECT id FROM sharded WHERE id = 5"
	s0.Respond(query, fakepg.Result{Fields: []string{"id"}, Rows: [][]string{{"5"}}})

	p, lease := twoShardLease(t, s0, s1)
	defer p.Return(lease)

	rc := &recordingClient{}
	ex := NewExecutor(lease, []int{0})

	_, err := ex.ExecuteSelect(PlanSelect(query), rc)
	require.NoError(t, err)
	assert.Len(t, rc.dataRows(), 1)

	/* the second shard never saw the statement */
	assert.NotContains(t, s1.Queries(), query)
}
