package frontend

import (
	"io"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/pgdogdev/pgdog/pkg/doglog"
	"github.com/pgdogdev/pgdog/pkg/metrics"
	"github.com/pgdogdev/pgdog/pkg/pgerror"
)

// ProcessMessage handles one frontend message. Extended protocol
// messages buffer until Sync; simple queries dispatch immediately.
func ProcessMessage(s *Session, msg pgproto3.FrontendMessage) error {
	switch q := msg.(type) {
	case *pgproto3.Terminate:
		return io.EOF

	case *pgproto3.Query:
		cp := *q
		return s.ProcQuery(cp.String)

	case *pgproto3.Parse:
		cp := *q
		cp.ParameterOIDs = append([]uint32(nil), q.ParameterOIDs...)
		s.xBuf = append(s.xBuf, &cp)
		return nil

	case *pgproto3.Bind:
		cp := *q
		cp.Parameters = copyParams(q.Parameters)
		cp.ParameterFormatCodes = append([]int16(nil), q.ParameterFormatCodes...)
		cp.ResultFormatCodes = append([]int16(nil), q.ResultFormatCodes...)
		s.xBuf = append(s.xBuf, &cp)
		return nil

	case *pgproto3.Describe:
		cp := *q
		s.xBuf = append(s.xBuf, &cp)
		return nil

	case *pgproto3.Execute:
		cp := *q
		s.xBuf = append(s.xBuf, &cp)
		return nil

	case *pgproto3.Close:
		cp := *q
		s.xBuf = append(s.xBuf, &cp)
		return nil

	case *pgproto3.Sync:
		return s.ProcessExtendedBuffer()

	case *pgproto3.Flush:
		return s.cl.Flush()

	case *pgproto3.CopyData, *pgproto3.CopyDone, *pgproto3.CopyFail:
		/* copy frames outside an active COPY are a protocol error */
		return pgerror.New(pgerror.ProtocolViolation, "COPY data outside of COPY mode")

	case *pgproto3.FunctionCall:
		return s.cl.ReplyErrMsg("function call protocol is not supported",
			pgerror.FeatureNotSupported, s.status)

	default:
		doglog.Zero.Debug().
			Uint64("client", s.cl.ID()).
			Type("msg-type", msg).
			Msg("ignoring unexpected client message")
		return nil
	}
}

func copyParams(in [][]byte) [][]byte {
	out := make([][]byte, len(in))
	for i, p := range in {
		if p != nil {
			out[i] = append([]byte(nil), p...)
		}
	}
	return out
}

// Serve runs the session loop until the client disconnects.
func Serve(s *Session) error {
	metrics.ClientsConnected.Inc()
	defer metrics.ClientsConnected.Dec()
	defer s.Close()

	for {
		msg, err := s.cl.Receive()
		if err != nil {
			switch err {
			case io.EOF, io.ErrUnexpectedEOF:
				return nil
			default:
				return err
			}
		}

		err = ProcessMessage(s, msg)
		switch err {
		case nil:
			continue
		case io.EOF, io.ErrUnexpectedEOF:
			return nil
		default:
			metrics.QueryErrors.Inc()
			if pe, ok := err.(*pgerror.PGError); ok {
				if rerr := s.cl.ReplyErrMsg(pe.Error(), pe.Code, s.status); rerr != nil {
					return rerr
				}
				continue
			}
			/* try to report the error to the user before closing */
			_ = s.cl.ReplyErr(err, s.status)
			return err
		}
	}
}
