package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/pgdogdev/pgdog/pkg/doglog"
	"github.com/pgdogdev/pgdog/pkg/prepstatement"
	"github.com/pgdogdev/pgdog/pkg/topology"
	"github.com/pgdogdev/pgdog/pkg/txstatus"
	"go.uber.org/atomic"
)

const SSLREQ = 80877103

var cid atomic.Uint64

// Conn is one upstream server connection. It is owned by exactly one
// pool, and between checkout and return, by exactly one client
// session; nothing here needs a lock.
type Conn struct {
	id       uint64
	endpoint *topology.Endpoint

	conn     net.Conn
	frontend *pgproto3.Frontend

	status txstatus.TXStatus
	params map[string]string

	processID uint32
	secretKey uint32

	prepCache    *prepstatement.ServerCache
	usedPrepared bool

	/* in-flight sync points: Query or Sync messages sent and not yet
	 * answered with ReadyForQuery */
	syncIn  int64
	syncOut int64

	txServed  int64
	createdAt time.Time

	doomed bool
}

type ConnectOptions struct {
	TLS             *tls.Config
	ConnectTimeout  time.Duration
	PreparedLimit   int
	ApplicationName string
}

// Connect dials an endpoint, negotiates TLS when configured and
// authenticates with the method the backend requests.
func Connect(ctx context.Context, ep *topology.Endpoint, opts ConnectOptions) (*Conn, error) {
	d := net.Dialer{Timeout: opts.ConnectTimeout}
	netconn, err := d.DialContext(ctx, "tcp", ep.Addr())
	if err != nil {
		return nil, err
	}

	s := &Conn{
		id:        cid.Inc(),
		endpoint:  ep,
		conn:      netconn,
		status:    txstatus.TXIDLE,
		params:    map[string]string{},
		prepCache: prepstatement.NewServerCache(opts.PreparedLimit),
		createdAt: time.Now(),
	}

	if opts.TLS != nil {
		if err := s.reqBackendSsl(opts.TLS); err != nil {
			_ = netconn.Close()
			return nil, err
		}
	}

	s.frontend = pgproto3.NewFrontend(bufio.NewReader(s.conn), s.conn)

	if err := s.startup(opts.ApplicationName); err != nil {
		_ = s.conn.Close()
		return nil, err
	}

	doglog.Zero.Debug().
		Uint64("server", s.id).
		Str("host", ep.Addr()).
		Msg("established new server connection")

	return s, nil
}

func (s *Conn) reqBackendSsl(tlsconfig *tls.Config) error {
	b := make([]byte, 8)
	binary.BigEndian.PutUint32(b, 8)
	binary.BigEndian.PutUint32(b[4:], SSLREQ)

	if _, err := s.conn.Write(b); err != nil {
		return fmt.Errorf("request backend ssl: %w", err)
	}

	resp := make([]byte, 1)
	if _, err := s.conn.Read(resp); err != nil {
		return err
	}

	if resp[0] != 'S' {
		return fmt.Errorf("backend %s refused SSL", s.endpoint.Addr())
	}

	s.conn = tls.Client(s.conn, tlsconfig)
	return nil
}

func (s *Conn) startup(appName string) error {
	if appName == "" {
		appName = "pgdog"
	}

	sm := &pgproto3.StartupMessage{
		ProtocolVersion: pgproto3.ProtocolVersionNumber,
		Parameters: map[string]string{
			"user":             s.endpoint.User,
			"database":         s.endpoint.DatabaseName,
			"application_name": appName,
		},
	}

	s.frontend.Send(sm)
	if err := s.frontend.Flush(); err != nil {
		return err
	}

	for {
		msg, err := s.frontend.Receive()
		if err != nil {
			return err
		}

		switch v := msg.(type) {
		case *pgproto3.AuthenticationOk:
			/* keep reading until ready for query */
		case *pgproto3.AuthenticationMD5Password,
			*pgproto3.AuthenticationCleartextPassword,
			*pgproto3.AuthenticationSASL:
			if err := authBackend(s, v); err != nil {
				return err
			}
		case *pgproto3.AuthenticationSASLContinue, *pgproto3.AuthenticationSASLFinal:
			/* consumed by authBackend */
		case *pgproto3.ParameterStatus:
			s.params[v.Name] = v.Value
		case *pgproto3.BackendKeyData:
			s.processID = v.ProcessID
			s.secretKey = v.SecretKey
		case *pgproto3.ReadyForQuery:
			s.status = txstatus.TXStatus(v.TxStatus)
			return nil
		case *pgproto3.ErrorResponse:
			return fmt.Errorf("backend %s: %s (%s)", s.endpoint.Addr(), v.Message, v.Code)
		case *pgproto3.NoticeResponse:
			/* ignore */
		default:
			return fmt.Errorf("unexpected message %T during startup", msg)
		}
	}
}

func (s *Conn) ID() uint64 {
	return s.id
}

func (s *Conn) Endpoint() *topology.Endpoint {
	return s.endpoint
}

func (s *Conn) Addr() string {
	return s.endpoint.Addr()
}

func (s *Conn) Pid() uint32 {
	return s.processID
}

func (s *Conn) TxStatus() txstatus.TXStatus {
	return s.status
}

func (s *Conn) SetTxStatus(st txstatus.TXStatus) {
	s.status = st
}

func (s *Conn) TxServed() int64 {
	return s.txServed
}

func (s *Conn) CreatedAt() time.Time {
	return s.createdAt
}

func (s *Conn) Params() map[string]string {
	return s.params
}

func (s *Conn) PreparedCache() *prepstatement.ServerCache {
	return s.prepCache
}

// Sync reports how many sync points are still unanswered.
func (s *Conn) Sync() int64 {
	return s.syncIn - s.syncOut
}

func (s *Conn) DataPending() bool {
	return s.Sync() != 0
}

func (s *Conn) Doom() {
	s.doomed = true
}

func (s *Conn) Doomed() bool {
	return s.doomed
}

// Send queues one frontend message; Flush pushes the batch out.
// Writes are all-or-nothing per message: pgproto3 encodes the full
// message into the buffer before any byte hits the socket.
func (s *Conn) Send(msg pgproto3.FrontendMessage) error {
	switch msg.(type) {
	case *pgproto3.Query, *pgproto3.Sync:
		s.syncIn++
	case *pgproto3.Parse:
		s.usedPrepared = true
	}

	s.frontend.Send(msg)
	return nil
}

func (s *Conn) Flush() error {
	return s.frontend.Flush()
}

func (s *Conn) Receive() (pgproto3.BackendMessage, error) {
	msg, err := s.frontend.Receive()
	if err != nil {
		return nil, err
	}

	switch v := msg.(type) {
	case *pgproto3.ReadyForQuery:
		s.syncOut++
		s.status = txstatus.TXStatus(v.TxStatus)
		if s.status == txstatus.TXIDLE {
			s.txServed++
		}
	case *pgproto3.ParameterStatus:
		s.params[v.Name] = v.Value
	}

	return msg, nil
}

// SetQueryDeadline bounds the next reads and writes on the socket;
// query timeouts race the backend against this deadline.
func (s *Conn) SetQueryDeadline(d time.Duration) {
	if d > 0 {
		_ = s.conn.SetDeadline(time.Now().Add(d))
	}
}

func (s *Conn) ClearDeadline() {
	_ = s.conn.SetDeadline(time.Time{})
}

// Exec runs one simple query and drains the response to the next
// ReadyForQuery, bounded by the deadline.
func (s *Conn) Exec(query string, deadline time.Duration) error {
	if deadline > 0 {
		_ = s.conn.SetDeadline(time.Now().Add(deadline))
		defer func() { _ = s.conn.SetDeadline(time.Time{}) }()
	}

	if err := s.Send(&pgproto3.Query{String: query}); err != nil {
		return err
	}
	if err := s.Flush(); err != nil {
		return err
	}

	var serverErr error
	for {
		msg, err := s.Receive()
		if err != nil {
			return err
		}
		switch v := msg.(type) {
		case *pgproto3.ReadyForQuery:
			return serverErr
		case *pgproto3.ErrorResponse:
			serverErr = fmt.Errorf("%s: %s", v.Code, v.Message)
		}
	}
}

// Rollback aborts an open transaction before the connection goes back
// to the idle ring. Failure to roll back within the timeout leaves the
// connection only fit for destruction.
func (s *Conn) Rollback(timeout time.Duration) error {
	if s.status == txstatus.TXIDLE {
		return nil
	}
	return s.Exec("ROLLBACK", timeout)
}

// Reclaim clears server-side prepared statements and the prepared
// cache of a connection that has seen a Parse. DEALLOCATE ALL is
// synthesized here and never forwarded from clients. The pool does
// not call Reclaim on checkout or return.
func (s *Conn) Reclaim(timeout time.Duration) error {
	if !s.usedPrepared {
		return nil
	}
	s.usedPrepared = false
	s.prepCache.Reset()
	return s.Exec("DEALLOCATE ALL", timeout)
}

// Cancel opens a throwaway connection and fires the PG cancel
// protocol at the backend serving this connection.
func (s *Conn) Cancel() error {
	d := net.Dialer{Timeout: 3 * time.Second}
	conn, err := d.Dial("tcp", s.endpoint.Addr())
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	fe := pgproto3.NewFrontend(bufio.NewReader(conn), conn)
	fe.Send(&pgproto3.CancelRequest{
		ProcessID: s.processID,
		SecretKey: s.secretKey,
	})
	return fe.Flush()
}

func (s *Conn) Close() error {
	s.frontend.Send(&pgproto3.Terminate{})
	_ = s.frontend.Flush()
	return s.conn.Close()
}
