package admin

import (
	"bufio"
	"net"
	"testing"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/pgdogdev/pgdog/pkg/client"
	"github.com/pgdogdev/pgdog/pkg/pool"
	"github.com/pgdogdev/pgdog/pkg/qparser"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type consoleHarness struct {
	reloaded bool
	paused   bool
}

func startConsole(t *testing.T, h *consoleHarness) net.Addr {
	cache := qparser.NewCache(10)
	_, _ = cache.Parse("SELECT 1")

	console := NewConsole(&Registry{
		Pool:    pool.New(pool.Options{}),
		Cache:   cache,
		Clients: func() []ClientInfo { return []ClientInfo{{ID: 7, User: "u", Database: "db", State: "idle"}} },
		Reload:  func() error { h.reloaded = true; return nil },
		Pause:   func() { h.paused = true },
		Resume:  func() { h.paused = false },
	})

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()

		cl := client.NewPsqlClient(conn)
		if err := cl.Init(nil); err != nil {
			return
		}
		if err := cl.FinishSetup(nil); err != nil {
			return
		}
		_ = console.Serve(cl)
	}()

	return listener.Addr()
}

type adminClient struct {
	t  *testing.T
	fe *pgproto3.Frontend
}

func dialConsole(t *testing.T, addr net.Addr) *adminClient {
	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	fe := pgproto3.NewFrontend(bufio.NewReader(conn), conn)
	fe.Send(&pgproto3.StartupMessage{
		ProtocolVersion: pgproto3.ProtocolVersionNumber,
		Parameters:      map[string]string{"user": "admin", "database": "admin"},
	})
	require.NoError(t, fe.Flush())

	ac := &adminClient{t: t, fe: fe}
	ac.drain()
	return ac
}

func (ac *adminClient) drain() (rows [][]string, tag string, errResp *pgproto3.ErrorResponse) {
	for {
		msg, err := ac.fe.Receive()
		require.NoError(ac.t, err)

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

func (ac *adminClient) command(q string) ([][]string, string, *pgproto3.ErrorResponse) {
	ac.fe.Send(&pgproto3.Query{String: q})
	require.NoError(ac.t, ac.fe.Flush())
	return ac.drain()
}

func TestConsoleCommands(t *testing.T) {
	h := &consoleHarness{}
	ac := dialConsole(t, startConsole(t, h))

	/* SHOW STATS returns the counter table */
	rows, tag, errResp := ac.command("SHOW STATS")
	require.Nil(t, errResp)
	assert.Contains(t, tag, "SELECT")
	names := map[string]bool{}
	for _, r := range rows {
		names[r[0]] = true
	}
	assert.True(t, names["query_cache_size"])
	assert.True(t, names["total_checkouts"])

	/* SHOW QUERY_CACHE lists the cached statement */
	rows, _, errResp = ac.command("SHOW QUERY_CACHE")
	require.Nil(t, errResp)
	require.Len(t, rows, 1)
	assert.Equal(t, "SELECT 1", rows[0][1])

	/* SHOW CLIENTS */
	rows, _, errResp = ac.command("SHOW CLIENTS")
	require.Nil(t, errResp)
	require.Len(t, rows, 1)
	assert.Equal(t, "7", rows[0][0])

	/* SHOW POOLS on an empty pool returns headers only */
	rows, _, errResp = ac.command("SHOW POOLS")
	require.Nil(t, errResp)
	assert.Empty(t, rows)

	/* control commands */
	_, tag, errResp = ac.command("PAUSE")
	require.Nil(t, errResp)
	assert.Equal(t, "PAUSE", tag)
	assert.True(t, h.paused)

	_, tag, errResp = ac.command("RESUME")
	require.Nil(t, errResp)
	assert.Equal(t, "RESUME", tag)
	assert.False(t, h.paused)

	_, tag, errResp = ac.command("RELOAD")
	require.Nil(t, errResp)
	assert.Equal(t, "RELOAD", tag)
	assert.True(t, h.reloaded)

	/* unknown commands error out without closing the session */
	_, _, errResp = ac.command("SHOW NONSENSE")
	require.NotNil(t, errResp)

	_, _, errResp = ac.command("SHOW STATS")
	assert.Nil(t, errResp)
}
