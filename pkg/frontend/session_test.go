package frontend

import (
	"bufio"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/pgdogdev/pgdog/pkg/client"
	"github.com/pgdogdev/pgdog/pkg/config"
	"github.com/pgdogdev/pgdog/pkg/mock/fakepg"
	"github.com/pgdogdev/pgdog/pkg/pool"
	"github.com/pgdogdev/pgdog/pkg/qparser"
	"github.com/pgdogdev/pgdog/pkg/qrouter"
	"github.com/pgdogdev/pgdog/pkg/shardfn"
	"github.com/pgdogdev/pgdog/pkg/topology"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// proxyHarness runs a real accept loop over loopback TCP with fakepg
// backends behind it.
type proxyHarness struct {
	t        *testing.T
	listener net.Listener
	store    *topology.Store
	pool     *pool.Pool
	cache    *qparser.Cache
	router   *qrouter.Router
	general  config.General
	mode     config.PoolerMode

	sessions chan *Session
}

func newHarness(t *testing.T, cfg *config.Config) *proxyHarness {
	snapshot, err := topology.FromConfig(cfg)
	require.NoError(t, err)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	h := &proxyHarness{
		t:        t,
		listener: listener,
		store:    topology.NewStore(snapshot),
		cache:    qparser.NewCache(100),
		router:   qrouter.New(nil),
		general:  cfg.General,
		mode:     cfg.General.PoolerMode,
		sessions: make(chan *Session, 16),
	}

	h.pool = pool.New(pool.Options{
		ConnectTimeout:  2 * time.Second,
		CheckoutTimeout: time.Second,
		RollbackTimeout: time.Second,
		BanTimeout:      time.Minute,
		LoadBalancing:   config.LoadBalancerRoundRobin,
		PreparedLimit:   cfg.General.PreparedStatementsLimit,
	})

	go h.acceptLoop()
	t.Cleanup(func() { _ = listener.Close() })

	return h
}

func (h *proxyHarness) acceptLoop() {
	for {
		conn, err := h.listener.Accept()
		if err != nil {
			return
		}
		go func(conn net.Conn) {
			defer func() { _ = conn.Close() }()

			cl := client.NewPsqlClient(conn)
			if err := cl.Init(nil); err != nil {
				return
			}
			if err := cl.FinishSetup(map[string]string{"server_version": "16.0"}); err != nil {
				return
			}

			cluster, _ := h.store.Get().Cluster(cl.DB())
			s := NewSession(cl, cluster, h.store, h.router, h.pool, h.cache, &h.general, h.mode)
			h.sessions <- s
			_ = Serve(s)
		}(conn)
	}
}

// wireClient is a raw frontend-protocol client for the proxy.
type wireClient struct {
	t    *testing.T
	conn net.Conn
	fe   *pgproto3.Frontend
}

func dialProxy(t *testing.T, h *proxyHarness, db string) *wireClient {
	conn, err := net.Dial("tcp", h.listener.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	fe := pgproto3.NewFrontend(bufio.NewReader(conn), conn)
	fe.Send(&pgproto3.StartupMessage{
		ProtocolVersion: pgproto3.ProtocolVersionNumber,
		Parameters:      map[string]string{"user": "u", "database": db},
	})
	require.NoError(t, fe.Flush())

	wc := &wireClient{t: t, conn: conn, fe: fe}
	wc.waitReady()
	return wc
}

// waitReady drains messages until ReadyForQuery, returning the
// transaction status byte.
func (wc *wireClient) waitReady() byte {
	for {
		msg, err := wc.fe.Receive()
		require.NoError(wc.t, err)
		if rfq, ok := msg.(*pgproto3.ReadyForQuery); ok {
			return rfq.TxStatus
		}
	}
}

// query runs one simple query and collects the response.
func (wc *wireClient) query(q string) (rows [][]string, tag string, errResp *pgproto3.ErrorResponse) {
	wc.fe.Send(&pgproto3.Query{String: q})
	require.NoError(wc.t, wc.fe.Flush())

	for {
		msg, err := wc.fe.Receive()
		require.NoError(wc.t, err)

		switch v := msg.(type) {
		case *pgproto3.DataRow:
			row := make([]string, len(v.Values))
			for i, val := range v.Values {
				row[i] = string(val)
			}
			rows = append(rows, row)
		case *pgproto3.CommandComplete:
			tag = string(v.CommandTag)
		case *pgproto3.ErrorResponse:
			cp := *v
			errResp = &cp
		case *pgproto3.ReadyForQuery:
			return rows, tag, errResp
		}
	}
}

func shardedConfig(s0, s1 *fakepg.Server) *config.Config {
	cfg := &config.Config{
		Databases: []config.Database{
			{Name: "prod", Host: s0.Host(), Port: s0.Port(), Shard: 0, Role: config.RolePrimary, DatabaseName: "db"},
			{Name: "prod", Host: s1.Host(), Port: s1.Port(), Shard: 1, Role: config.RolePrimary, DatabaseName: "db"},
		},
		ShardedTables: []config.ShardedTable{
			{Database: "prod", Name: "sharded", Column: "id", DataType: config.DataTypeBigint},
		},
	}
	cfg.General.PoolerMode = config.PoolerModeTransaction
	cfg.General.ReadWriteStrategy = config.ReadWriteConservative
	cfg.General.CheckoutTimeout = config.Seconds(1)
	cfg.General.QueryTimeout = config.Seconds(2)
	cfg.General.RollbackTimeout = config.Seconds(1)
	cfg.General.PreparedStatementsLimit = 500
	cfg.General.QueryCacheLimit = 100
	return cfg
}

func shardFor(t *testing.T, value int64, shardCount int) int {
	h, err := shardfn.HashValue(value, config.DataTypeBigint, shardfn.HashFunctionMurmur)
	require.NoError(t, err)
	return shardfn.Shard(h, shardCount)
}

func TestSessionSimplePassthrough(t *testing.T) {
	s0 := fakepg.New(t)
	defer s0.Close()
	s1 := fakepg.New(t)
	defer s1.Close()

	value := int64(42)
	target := shardFor(t, value, 2)
	shards := []*fakepg.Server{s0, s1}

	query := "SELECT * FROM sharded WHERE id = " + strconv.FormatInt(value, 10)
	shards[target].Respond(query, fakepg.Result{
		Fields: []string{"id"},
		Rows:   [][]string{{"42"}},
	})

	h := newHarness(t, shardedConfig(s0, s1))
	wc := dialProxy(t, h, "prod")

	rows, tag, errResp := wc.query(query)
	require.Nil(t, errResp)
	assert.Equal(t, [][]string{{"42"}}, rows)
	assert.Equal(t, "SELECT 1", tag)

	/* only the owning shard saw the statement */
	other := shards[1-target]
	assert.NotContains(t, other.Queries(), query)
}

func TestSessionInsertSingleCompletion(t *testing.T) {
	s0 := fakepg.New(t)
	defer s0.Close()
	s1 := fakepg.New(t)
	defer s1.Close()

	value := int64(42)
	target := shardFor(t, value, 2)
	shards := []*fakepg.Server{s0, s1}

	query := "INSERT INTO sharded (id) VALUES (42)"
	shards[target].Respond(query, fakepg.Result{Tag: "INSERT 0 1"})

	h := newHarness(t, shardedConfig(s0, s1))
	wc := dialProxy(t, h, "prod")

	rows, tag, errResp := wc.query(query)
	require.Nil(t, errResp)
	assert.Empty(t, rows)
	assert.Equal(t, "INSERT 0 1", tag)
}

func TestSessionCrossShardCount(t *testing.T) {
	s0 := fakepg.New(t)
	defer s0.Close()
	s1 := fakepg.New(t)
	defer s1.Close()

	query := "SELECT count(*) FROM sharded"
	s0.Respond(query, fakepg.Result{Fields: []string{"count"}, Rows: [][]string{{"3"}}})
	s1.Respond(query, fakepg.Result{Fields: []string{"count"}, Rows: [][]string{{"4"}}})

	h := newHarness(t, shardedConfig(s0, s1))
	wc := dialProxy(t, h, "prod")

	rows, tag, errResp := wc.query(query)
	require.Nil(t, errResp)
	require.Len(t, rows, 1)
	assert.Equal(t, "7", rows[0][0])
	assert.Equal(t, "SELECT 1", tag)
}

func TestSessionTransactionPinning(t *testing.T) {
	s0 := fakepg.New(t)
	defer s0.Close()
	s1 := fakepg.New(t)
	defer s1.Close()

	value := int64(42)
	target := shardFor(t, value, 2)
	shards := []*fakepg.Server{s0, s1}

	insert := "INSERT INTO sharded (id) VALUES (42)"
	shards[target].Respond(insert, fakepg.Result{Tag: "INSERT 0 1"})

	h := newHarness(t, shardedConfig(s0, s1))
	wc := dialProxy(t, h, "prod")

	_, tag, errResp := wc.query("BEGIN")
	require.Nil(t, errResp)
	assert.Equal(t, "BEGIN", tag)

	_, tag, errResp = wc.query(insert)
	require.Nil(t, errResp)
	assert.Equal(t, "INSERT 0 1", tag)

	_, tag, errResp = wc.query("COMMIT")
	require.Nil(t, errResp)
	assert.Equal(t, "COMMIT", tag)

	/* the pinned shard ran the whole transaction */
	owner := shards[target]
	assert.Contains(t, owner.Queries(), "BEGIN")
	assert.Contains(t, owner.Queries(), insert)
	assert.Contains(t, owner.Queries(), "COMMIT")

	/* the other shard saw none of it */
	other := shards[1-target]
	assert.NotContains(t, other.Queries(), "BEGIN")
	assert.NotContains(t, other.Queries(), "COMMIT")
}

func TestSessionReplicaRoundRobin(t *testing.T) {
	primary := fakepg.New(t)
	defer primary.Close()
	replicaA := fakepg.New(t)
	defer replicaA.Close()
	replicaB := fakepg.New(t)
	defer replicaB.Close()

	cfg := &config.Config{
		Databases: []config.Database{
			{Name: "prod", Host: primary.Host(), Port: primary.Port(), Shard: 0, Role: config.RolePrimary, DatabaseName: "db"},
			{Name: "prod", Host: replicaA.Host(), Port: replicaA.Port(), Shard: 0, Role: config.RoleReplica, DatabaseName: "db"},
			{Name: "prod", Host: replicaB.Host(), Port: replicaB.Port(), Shard: 0, Role: config.RoleReplica, DatabaseName: "db"},
		},
	}
	cfg.General.PoolerMode = config.PoolerModeTransaction
	cfg.General.ReadWriteStrategy = config.ReadWriteConservative
	cfg.General.QueryTimeout = config.Seconds(2)
	cfg.General.RollbackTimeout = config.Seconds(1)

	h := newHarness(t, cfg)
	wc := dialProxy(t, h, "prod")

	for i := 0; i < 150; i++ {
		_, _, errResp := wc.query("SELECT 1")
		require.Nil(t, errResp)
	}

	a := int(replicaA.Served())
	b := int(replicaB.Served())
	assert.Equal(t, int64(0), primary.Served())
	assert.Equal(t, 150, a+b)
	assert.InDelta(t, 75, a, 1)
	assert.InDelta(t, 75, b, 1)
}

func TestSessionExtendedPreparedRewrite(t *testing.T) {
	s0 := fakepg.New(t)
	defer s0.Close()
	s1 := fakepg.New(t)
	defer s1.Close()

	h := newHarness(t, shardedConfig(s0, s1))
	wc := dialProxy(t, h, "prod")

	query := "SELECT * FROM sharded WHERE id = $1"
	value := int64(7)
	target := shardFor(t, value, 2)
	shards := []*fakepg.Server{s0, s1}

	run := func() {
		wc.fe.Send(&pgproto3.Parse{Name: "stmt_1", Query: query})
		wc.fe.Send(&pgproto3.Bind{
			PreparedStatement: "stmt_1",
			Parameters:        [][]byte{[]byte("7")},
		})
		wc.fe.Send(&pgproto3.Execute{})
		wc.fe.Send(&pgproto3.Sync{})
		require.NoError(t, wc.fe.Flush())

		sawParse := false
		sawBind := false
		for {
			msg, err := wc.fe.Receive()
			require.NoError(t, err)
			switch msg.(type) {
			case *pgproto3.ParseComplete:
				sawParse = true
			case *pgproto3.BindComplete:
				sawBind = true
			case *pgproto3.ErrorResponse:
				t.Fatalf("unexpected error: %v", msg)
			case *pgproto3.ReadyForQuery:
				assert.True(t, sawParse)
				assert.True(t, sawBind)
				return
			}
		}
	}

	run()
	run()

	/* statement landed on exactly one shard */
	owner := shards[target]
	other := shards[1-target]
	assert.Greater(t, owner.Served(), int64(0))
	assert.Equal(t, int64(0), other.Served())
}

func TestSessionParseErrorNeedsNoLease(t *testing.T) {
	s0 := fakepg.New(t)
	defer s0.Close()
	s1 := fakepg.New(t)
	defer s1.Close()

	h := newHarness(t, shardedConfig(s0, s1))
	wc := dialProxy(t, h, "prod")

	_, _, errResp := wc.query("SELECT * FROM ((( WHERE")
	require.NotNil(t, errResp)
	assert.Equal(t, "42601", errResp.Code)

	/* no backend was touched */
	assert.Equal(t, int64(0), s0.Served())
	assert.Equal(t, int64(0), s1.Served())
}

func TestSessionSetHandledLocally(t *testing.T) {
	s0 := fakepg.New(t)
	defer s0.Close()
	s1 := fakepg.New(t)
	defer s1.Close()

	h := newHarness(t, shardedConfig(s0, s1))
	wc := dialProxy(t, h, "prod")

	_, tag, errResp := wc.query("SET application_name = 'test'")
	require.Nil(t, errResp)
	assert.Equal(t, "SET", tag)

	/* the session was promoted to session pooling */
	s := <-h.sessions
	assert.Equal(t, config.PoolerModeSession, s.mode)
}

func TestSessionDeallocateNeverForwarded(t *testing.T) {
	s0 := fakepg.New(t)
	defer s0.Close()
	s1 := fakepg.New(t)
	defer s1.Close()

	h := newHarness(t, shardedConfig(s0, s1))
	wc := dialProxy(t, h, "prod")

	_, tag, errResp := wc.query("DEALLOCATE ALL")
	require.Nil(t, errResp)
	assert.Equal(t, "DEALLOCATE ALL", tag)

	assert.Empty(t, s0.Queries())
	assert.Empty(t, s1.Queries())
}
