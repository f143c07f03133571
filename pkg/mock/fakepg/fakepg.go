// Package fakepg is a minimal in-process PostgreSQL wire responder
// used by unit tests: it accepts connections, completes the startup
// handshake and answers simple queries with canned results.
package fakepg

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgproto3"
	"go.uber.org/atomic"
)

// Result is a canned response for one query.
type Result struct {
	Fields []string
	Rows   [][]string
	Tag    string
	Err    *pgproto3.ErrorResponse
}

// Server is one fake backend listening on a loopback port.
type Server struct {
	listener net.Listener

	mu      sync.Mutex
	results map[string]Result

	queries  []string
	inTxn    map[net.Conn]bool
	conns    map[net.Conn]struct{}
	served   atomic.Int64
	refusing atomic.Bool

	wg sync.WaitGroup
}

func New(t interface{ Fatalf(string, ...any) }) *Server {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("fakepg: listen: %v", err)
	}

	s := &Server{
		listener: listener,
		results:  map[string]Result{},
		inTxn:    map[net.Conn]bool{},
		conns:    map[net.Conn]struct{}{},
	}

	s.wg.Add(1)
	go s.acceptLoop()

	return s
}

func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.Addr())
	return host
}

func (s *Server) Port() int {
	_, port, _ := net.SplitHostPort(s.Addr())
	var p int
	_, _ = fmt.Sscanf(port, "%d", &p)
	return p
}

// Respond registers a canned result for an exact query string.
func (s *Server) Respond(query string, res Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[strings.TrimSpace(query)] = res
}

// Queries lists every query the server has served, in order.
func (s *Server) Queries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.queries...)
}

// Served counts completed simple queries and Execute messages.
func (s *Server) Served() int64 {
	return s.served.Load()
}

// Refuse makes subsequent connections fail immediately.
func (s *Server) Refuse() {
	s.refusing.Store(true)
}

// Close shuts the listener and severs every open connection so
// serve goroutines unblock.
func (s *Server) Close() {
	_ = s.listener.Close()

	s.mu.Lock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		if s.refusing.Load() {
			_ = conn.Close()
			continue
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func(conn net.Conn) {
			defer s.wg.Done()
			defer func() {
				_ = conn.Close()
				s.mu.Lock()
				delete(s.conns, conn)
				s.mu.Unlock()
			}()
			s.serve(conn)
		}(conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	be := pgproto3.NewBackend(bufio.NewReader(conn), conn)

	startup, err := be.ReceiveStartupMessage()
	if err != nil {
		return
	}

	switch startup.(type) {
	case *pgproto3.SSLRequest:
		_, _ = conn.Write([]byte{'N'})
		startup, err = be.ReceiveStartupMessage()
		if err != nil {
			return
		}
	case *pgproto3.CancelRequest:
		return
	}

	if _, ok := startup.(*pgproto3.StartupMessage); !ok {
		return
	}

	be.Send(&pgproto3.AuthenticationOk{})
	be.Send(&pgproto3.ParameterStatus{Name: "server_version", Value: "16.0 (fakepg)"})
	be.Send(&pgproto3.ParameterStatus{Name: "server_encoding", Value: "UTF8"})
	be.Send(&pgproto3.BackendKeyData{ProcessID: 4242, SecretKey: 2424})
	be.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
	if err := be.Flush(); err != nil {
		return
	}

	for {
		msg, err := be.Receive()
		if err != nil {
			return
		}

		switch q := msg.(type) {
		case *pgproto3.Terminate:
			return
		case *pgproto3.Query:
			s.handleQuery(be, conn, q.String)
		case *pgproto3.Parse:
			be.Send(&pgproto3.ParseComplete{})
		case *pgproto3.Bind:
			be.Send(&pgproto3.BindComplete{})
		case *pgproto3.Describe:
			be.Send(&pgproto3.NoData{})
		case *pgproto3.Execute:
			s.served.Inc()
			be.Send(&pgproto3.CommandComplete{CommandTag: []byte("SELECT 0")})
		case *pgproto3.Sync:
			be.Send(&pgproto3.ReadyForQuery{TxStatus: s.txByte(conn)})
			if err := be.Flush(); err != nil {
				return
			}
		}
	}
}

func (s *Server) txByte(conn net.Conn) byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inTxn[conn] {
		return 'T'
	}
	return 'I'
}

func (s *Server) handleQuery(be *pgproto3.Backend, conn net.Conn, query string) {
	trimmed := strings.TrimSpace(strings.TrimRight(strings.TrimSpace(query), ";"))
	upper := strings.ToUpper(trimmed)

	s.mu.Lock()
	s.queries = append(s.queries, trimmed)
	res, ok := s.results[trimmed]
	s.mu.Unlock()

	s.served.Inc()

	switch upper {
	case "BEGIN":
		s.mu.Lock()
		s.inTxn[conn] = true
		s.mu.Unlock()
		be.Send(&pgproto3.CommandComplete{CommandTag: []byte("BEGIN")})
		be.Send(&pgproto3.ReadyForQuery{TxStatus: 'T'})
		_ = be.Flush()
		return
	case "COMMIT", "ROLLBACK":
		s.mu.Lock()
		s.inTxn[conn] = false
		s.mu.Unlock()
		be.Send(&pgproto3.CommandComplete{CommandTag: []byte(upper)})
		be.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
		_ = be.Flush()
		return
	}

	if !ok {
		/* default: empty SELECT */
		res = Result{Tag: "SELECT 0"}
	}

	if res.Err != nil {
		be.Send(res.Err)
		be.Send(&pgproto3.ReadyForQuery{TxStatus: s.txByte(conn)})
		_ = be.Flush()
		return
	}

	if len(res.Fields) > 0 {
		fields := make([]pgproto3.FieldDescription, 0, len(res.Fields))
		for _, f := range res.Fields {
			fields = append(fields, pgproto3.FieldDescription{
				Name:         []byte(f),
				DataTypeOID:  25,
				DataTypeSize: -1,
				TypeModifier: -1,
			})
		}
		be.Send(&pgproto3.RowDescription{Fields: fields})

		for _, row := range res.Rows {
			values := make([][]byte, 0, len(row))
			for _, v := range row {
				values = append(values, []byte(v))
			}
			be.Send(&pgproto3.DataRow{Values: values})
		}
	}

	tag := res.Tag
	if tag == "" {
		tag = fmt.Sprintf("SELECT %d", len(res.Rows))
	}
	be.Send(&pgproto3.CommandComplete{CommandTag: []byte(tag)})
	be.Send(&pgproto3.ReadyForQuery{TxStatus: s.txByte(conn)})
	_ = be.Flush()
}
