package client

import (
	"bufio"
	"crypto/tls"
	"encoding/binary"
	"io"
	"math/rand"
	"net"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/pgdogdev/pgdog/pkg/doglog"
	"github.com/pgdogdev/pgdog/pkg/pgerror"
	"github.com/pgdogdev/pgdog/pkg/prepstatement"
	"github.com/pgdogdev/pgdog/pkg/txstatus"
	"go.uber.org/atomic"
)

const (
	SSLREQ    = 80877103
	CANCELREQ = 80877102
	GSSREQ    = 80877104
)

var clientID atomic.Uint64

// PsqlClient is one client connection: the backend half of the wire
// protocol, startup parameters and the prepared statement registry.
type PsqlClient struct {
	id   uint64
	conn net.Conn
	be   *pgproto3.Backend

	startupMsg *pgproto3.StartupMessage
	params     map[string]string

	cancelReq *pgproto3.CancelRequest
	cancelPid uint32
	cancelKey uint32

	prepStmts *prepstatement.Registry

	createdAt time.Time
}

func NewPsqlClient(conn net.Conn) *PsqlClient {
	return &PsqlClient{
		id:        clientID.Inc(),
		conn:      conn,
		params:    map[string]string{},
		prepStmts: prepstatement.NewRegistry(),
		createdAt: time.Now(),
	}
}

func (cl *PsqlClient) ID() uint64 {
	return cl.id
}

func (cl *PsqlClient) Conn() net.Conn {
	return cl.conn
}

func (cl *PsqlClient) CreatedAt() time.Time {
	return cl.createdAt
}

func (cl *PsqlClient) Usr() string {
	if u, ok := cl.params["user"]; ok {
		return u
	}
	return "default"
}

func (cl *PsqlClient) DB() string {
	if db, ok := cl.params["database"]; ok {
		return db
	}
	return cl.Usr()
}

func (cl *PsqlClient) ApplicationName() string {
	return cl.params["application_name"]
}

func (cl *PsqlClient) Params() map[string]string {
	return cl.params
}

func (cl *PsqlClient) SetParam(name, value string) {
	cl.params[name] = value
}

func (cl *PsqlClient) StartupMessage() *pgproto3.StartupMessage {
	return cl.startupMsg
}

func (cl *PsqlClient) PreparedStatements() *prepstatement.Registry {
	return cl.prepStmts
}

// CancelRequested returns the decoded cancel request when the
// connection turned out to be a cancel connection, not a session.
func (cl *PsqlClient) CancelRequested() *pgproto3.CancelRequest {
	return cl.cancelReq
}

func (cl *PsqlClient) CancelKey() (uint32, uint32) {
	return cl.cancelPid, cl.cancelKey
}

// Init runs the pre-authentication startup dance: SSL negotiation,
// GSS refusal, cancel request detection and the startup message.
func (cl *PsqlClient) Init(tlsconfig *tls.Config) error {
	for {
		headerRaw := make([]byte, 4)
		if _, err := io.ReadFull(cl.conn, headerRaw); err != nil {
			return err
		}

		msgSize := int(binary.BigEndian.Uint32(headerRaw)) - 4
		if msgSize < 4 || msgSize > 1<<16 {
			return pgerror.Newf(pgerror.ProtocolViolation, "malformed startup packet of %d bytes", msgSize)
		}

		msg := make([]byte, msgSize)
		if _, err := io.ReadFull(cl.conn, msg); err != nil {
			return err
		}

		protoVer := binary.BigEndian.Uint32(msg)

		switch protoVer {
		case GSSREQ:
			if _, err := cl.conn.Write([]byte{'N'}); err != nil {
				return err
			}
			continue

		case SSLREQ:
			if tlsconfig == nil {
				if _, err := cl.conn.Write([]byte{'N'}); err != nil {
					return err
				}
				continue
			}
			if _, err := cl.conn.Write([]byte{'S'}); err != nil {
				return err
			}
			cl.conn = tls.Server(cl.conn, tlsconfig)
			continue

		case CANCELREQ:
			cl.cancelReq = &pgproto3.CancelRequest{}
			if err := cl.cancelReq.Decode(msg); err != nil {
				return err
			}
			return nil

		case pgproto3.ProtocolVersionNumber:
			sm := &pgproto3.StartupMessage{}
			if err := sm.Decode(msg); err != nil {
				return err
			}

			cl.startupMsg = sm
			for k, v := range sm.Parameters {
				cl.SetParam(k, v)
			}

			cl.be = pgproto3.NewBackend(bufio.NewReader(cl.conn), cl.conn)
			cl.cancelPid = rand.Uint32()
			cl.cancelKey = rand.Uint32()

			doglog.Zero.Debug().
				Uint64("client", cl.id).
				Str("user", cl.Usr()).
				Str("db", cl.DB()).
				Msg("client startup complete")
			return nil

		default:
			return pgerror.Newf(pgerror.ProtocolViolation, "protocol number %d not supported", protoVer)
		}
	}
}

func (cl *PsqlClient) Receive() (pgproto3.FrontendMessage, error) {
	return cl.be.Receive()
}

// Send buffers the message, flushing on protocol boundaries the
// client waits on.
func (cl *PsqlClient) Send(msg pgproto3.BackendMessage) error {
	cl.be.Send(msg)

	switch msg.(type) {
	case *pgproto3.ReadyForQuery,
		*pgproto3.ErrorResponse,
		*pgproto3.AuthenticationOk,
		*pgproto3.AuthenticationCleartextPassword,
		*pgproto3.AuthenticationMD5Password,
		*pgproto3.AuthenticationSASL,
		*pgproto3.AuthenticationSASLContinue,
		*pgproto3.AuthenticationSASLFinal,
		*pgproto3.CopyInResponse,
		*pgproto3.CopyOutResponse,
		*pgproto3.CopyBothResponse:
		return cl.be.Flush()
	default:
		return nil
	}
}

func (cl *PsqlClient) Flush() error {
	return cl.be.Flush()
}

// FinishSetup completes authentication: ok, parameter replay, backend
// key data and the first ReadyForQuery.
func (cl *PsqlClient) FinishSetup(serverParams map[string]string) error {
	if err := cl.Send(&pgproto3.AuthenticationOk{}); err != nil {
		return err
	}

	for k, v := range serverParams {
		if err := cl.Send(&pgproto3.ParameterStatus{Name: k, Value: v}); err != nil {
			return err
		}
	}

	if err := cl.Send(&pgproto3.BackendKeyData{
		ProcessID: cl.cancelPid,
		SecretKey: cl.cancelKey,
	}); err != nil {
		return err
	}

	return cl.ReplyRFQ(txstatus.TXIDLE)
}

func (cl *PsqlClient) ReplyRFQ(st txstatus.TXStatus) error {
	return cl.Send(&pgproto3.ReadyForQuery{TxStatus: byte(st)})
}

func (cl *PsqlClient) ReplyCommandComplete(tag string) error {
	return cl.Send(&pgproto3.CommandComplete{CommandTag: []byte(tag)})
}

func (cl *PsqlClient) ReplyParseComplete() error {
	return cl.Send(&pgproto3.ParseComplete{})
}

func (cl *PsqlClient) ReplyBindComplete() error {
	return cl.Send(&pgproto3.BindComplete{})
}

func (cl *PsqlClient) ReplyNotice(message string) error {
	return cl.Send(&pgproto3.NoticeResponse{
		Severity: "NOTICE",
		Code:     "00000",
		Message:  message,
	})
}

// ReplyErrMsg reports an error with its SQLSTATE and the transaction
// status the session is left in.
func (cl *PsqlClient) ReplyErrMsg(msg string, code string, st txstatus.TXStatus) error {
	if err := cl.Send(&pgproto3.ErrorResponse{
		Severity: "ERROR",
		Code:     code,
		Message:  msg,
	}); err != nil {
		return err
	}
	return cl.ReplyRFQ(st)
}

func (cl *PsqlClient) ReplyErr(err error, st txstatus.TXStatus) error {
	return cl.ReplyErrMsg(err.Error(), pgerror.CodeOf(err), st)
}

func (cl *PsqlClient) Close() error {
	return cl.conn.Close()
}

func (cl *PsqlClient) Shutdown() error {
	_ = cl.Send(&pgproto3.ErrorResponse{
		Severity: "FATAL",
		Code:     pgerror.ConnectionException,
		Message:  "pooler is shutting down",
	})
	return cl.conn.Close()
}
