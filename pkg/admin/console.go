package admin

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/pgdogdev/pgdog/pkg/client"
	"github.com/pgdogdev/pgdog/pkg/doglog"
	"github.com/pgdogdev/pgdog/pkg/pgerror"
	"github.com/pgdogdev/pgdog/pkg/pool"
	"github.com/pgdogdev/pgdog/pkg/qparser"
	"github.com/pgdogdev/pgdog/pkg/txstatus"
)

// Registry is what the console can see of the running proxy.
type Registry struct {
	Pool  *pool.Pool
	Cache *qparser.Cache

	Clients func() []ClientInfo

	Reload func() error
	Pause  func()
	Resume func()
}

// ClientInfo is one connected session as SHOW CLIENTS reports it.
type ClientInfo struct {
	ID       uint64
	User     string
	Database string
	Addr     string
	State    string
}

// Console serves the admin pseudo-database: SQL-like commands over
// the regular wire protocol.
type Console struct {
	reg *Registry
}

func NewConsole(reg *Registry) *Console {
	return &Console{reg: reg}
}

// Serve runs the admin command loop for an authenticated client.
func (c *Console) Serve(cl *client.PsqlClient) error {
	for {
		msg, err := cl.Receive()
		if err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil
			}
			return err
		}

		switch q := msg.(type) {
		case *pgproto3.Terminate:
			return nil
		case *pgproto3.Query:
			if err := c.procCommand(cl, q.String); err != nil {
				return err
			}
		default:
			/* the console only speaks the simple protocol */
			if err := cl.ReplyErrMsg("admin console only supports simple queries",
				pgerror.FeatureNotSupported, txstatus.TXIDLE); err != nil {
				return err
			}
		}
	}
}

func (c *Console) procCommand(cl *client.PsqlClient, query string) error {
	fields := strings.Fields(strings.TrimRight(strings.TrimSpace(query), ";"))
	if len(fields) == 0 {
		if err := cl.Send(&pgproto3.EmptyQueryResponse{}); err != nil {
			return err
		}
		return cl.ReplyRFQ(txstatus.TXIDLE)
	}

	doglog.Zero.Info().
		Uint64("client", cl.ID()).
		Str("query", query).
		Msg("serving admin command")

	verb := strings.ToUpper(fields[0])
	arg := ""
	if len(fields) > 1 {
		arg = strings.ToUpper(fields[1])
	}

	switch {
	case verb == "SHOW" && arg == "POOLS":
		return c.showPools(cl)
	case verb == "SHOW" && arg == "QUERY_CACHE":
		return c.showQueryCache(cl)
	case verb == "SHOW" && arg == "STATS":
		return c.showStats(cl)
	case verb == "SHOW" && arg == "CLIENTS":
		return c.showClients(cl)
	case verb == "SHOW" && arg == "SERVERS":
		return c.showServers(cl)
	case verb == "RELOAD":
		if err := c.reg.Reload(); err != nil {
			return cl.ReplyErrMsg(err.Error(), pgerror.InternalError, txstatus.TXIDLE)
		}
		return c.complete(cl, "RELOAD")
	case verb == "PAUSE":
		c.reg.Pause()
		return c.complete(cl, "PAUSE")
	case verb == "RESUME":
		c.reg.Resume()
		return c.complete(cl, "RESUME")
	default:
		return cl.ReplyErrMsg(fmt.Sprintf("unknown admin command \"%s\"", query),
			pgerror.SyntaxError, txstatus.TXIDLE)
	}
}

func (c *Console) complete(cl *client.PsqlClient, tag string) error {
	if err := cl.ReplyCommandComplete(tag); err != nil {
		return err
	}
	return cl.ReplyRFQ(txstatus.TXIDLE)
}

func textOidFD(name string) pgproto3.FieldDescription {
	return pgproto3.FieldDescription{
		Name:         []byte(name),
		DataTypeOID:  25,
		DataTypeSize: -1,
		TypeModifier: -1,
	}
}

func (c *Console) writeHeader(cl *client.PsqlClient, names ...string) error {
	fields := make([]pgproto3.FieldDescription, 0, len(names))
	for _, n := range names {
		fields = append(fields, textOidFD(n))
	}
	return cl.Send(&pgproto3.RowDescription{Fields: fields})
}

func (c *Console) writeDataRow(cl *client.PsqlClient, values ...string) error {
	row := make([][]byte, 0, len(values))
	for _, v := range values {
		row = append(row, []byte(v))
	}
	return cl.Send(&pgproto3.DataRow{Values: row})
}

func (c *Console) finishSelect(cl *client.PsqlClient, rows int) error {
	if err := cl.ReplyCommandComplete(fmt.Sprintf("SELECT %d", rows)); err != nil {
		return err
	}
	return cl.ReplyRFQ(txstatus.TXIDLE)
}

func (c *Console) showPools(cl *client.PsqlClient) error {
	if err := c.writeHeader(cl,
		"database", "shard", "role", "host",
		"idle", "used", "created", "destroyed", "checkouts"); err != nil {
		return err
	}

	rows := 0
	var err error
	c.reg.Pool.ForEachSubPool(func(sp *pool.SubPool) {
		if err != nil {
			return
		}
		ep := sp.Endpoint()
		err = c.writeDataRow(cl,
			ep.Cluster,
			strconv.Itoa(ep.Shard),
			string(ep.Role),
			ep.Addr(),
			strconv.Itoa(sp.IdleConnectionCount()),
			strconv.Itoa(sp.UsedConnectionCount()),
			strconv.FormatInt(sp.Created(), 10),
			strconv.FormatInt(sp.Destroyed(), 10),
			strconv.FormatInt(sp.Checkouts(), 10),
		)
		rows++
	})
	if err != nil {
		return err
	}

	return c.finishSelect(cl, rows)
}

func (c *Console) showQueryCache(cl *client.PsqlClient) error {
	if err := c.writeHeader(cl, "fingerprint", "query", "hits", "misses"); err != nil {
		return err
	}

	hits := strconv.FormatInt(c.reg.Cache.Hits(), 10)
	misses := strconv.FormatInt(c.reg.Cache.Misses(), 10)

	entries := c.reg.Cache.Entries()
	for _, e := range entries {
		if err := c.writeDataRow(cl,
			fmt.Sprintf("%x", e.Fingerprint),
			e.Query,
			hits,
			misses,
		); err != nil {
			return err
		}
	}

	return c.finishSelect(cl, len(entries))
}

func (c *Console) showStats(cl *client.PsqlClient) error {
	if err := c.writeHeader(cl, "name", "value"); err != nil {
		return err
	}

	stats := [][2]string{
		{"total_checkouts", strconv.FormatInt(c.reg.Pool.Checkouts(), 10)},
		{"query_cache_size", strconv.Itoa(c.reg.Cache.Len())},
		{"query_cache_hits", strconv.FormatInt(c.reg.Cache.Hits(), 10)},
		{"query_cache_misses", strconv.FormatInt(c.reg.Cache.Misses(), 10)},
	}
	for _, kv := range stats {
		if err := c.writeDataRow(cl, kv[0], kv[1]); err != nil {
			return err
		}
	}

	return c.finishSelect(cl, len(stats))
}

func (c *Console) showClients(cl *client.PsqlClient) error {
	if err := c.writeHeader(cl, "client id", "user", "database", "address", "state"); err != nil {
		return err
	}

	clients := c.reg.Clients()
	for _, ci := range clients {
		if err := c.writeDataRow(cl,
			strconv.FormatUint(ci.ID, 10),
			ci.User,
			ci.Database,
			ci.Addr,
			ci.State,
		); err != nil {
			return err
		}
	}

	return c.finishSelect(cl, len(clients))
}

func (c *Console) showServers(cl *client.PsqlClient) error {
	if err := c.writeHeader(cl, "database", "shard", "role", "host", "banned"); err != nil {
		return err
	}

	bans := c.reg.Pool.Bans()
	rows := 0
	var err error
	c.reg.Pool.ForEachSubPool(func(sp *pool.SubPool) {
		if err != nil {
			return
		}
		ep := sp.Endpoint()
		err = c.writeDataRow(cl,
			ep.Cluster,
			strconv.Itoa(ep.Shard),
			string(ep.Role),
			ep.Addr(),
			strconv.FormatBool(bans.Banned(ep.ID())),
		)
		rows++
	})
	if err != nil {
		return err
	}

	return c.finishSelect(cl, rows)
}
