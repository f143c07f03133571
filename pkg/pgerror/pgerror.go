package pgerror

import "fmt"

/* SQLSTATE codes surfaced by the pooler itself. Backend errors are
 * forwarded verbatim and never re-coded. */
const (
	ProtocolViolation   = "08P01"
	ConnectionException = "08000"
	InternalError       = "XX000"
	TransactionRollback = "40000"
	FeatureNotSupported = "0A000"
	SyntaxError         = "42601"
	InvalidPassword     = "28P01"
)

var codeDescription = map[string]string{
	ProtocolViolation:   "protocol violation",
	ConnectionException: "connection exception",
	InternalError:       "internal error",
	TransactionRollback: "transaction rollback",
	FeatureNotSupported: "feature not supported",
	SyntaxError:         "syntax error",
	InvalidPassword:     "invalid password",
}

func GetMessageByCode(code string) string {
	if rep, ok := codeDescription[code]; ok {
		return rep
	}
	return "unexpected error"
}

var _ error = &PGError{}

// PGError is an error the pooler originated, carrying the SQLSTATE
// it should be reported to the client with.
type PGError struct {
	Err  error
	Code string
}

func New(code string, msg string) *PGError {
	return &PGError{
		Err:  fmt.Errorf("%s", msg),
		Code: code,
	}
}

func Newf(code string, format string, args ...any) *PGError {
	return &PGError{
		Err:  fmt.Errorf(format, args...),
		Code: code,
	}
}

func (e *PGError) Error() string {
	return e.Err.Error()
}

func (e *PGError) Unwrap() error {
	return e.Err
}

// CodeOf reports the SQLSTATE a given error maps to. Anything that is
// not a PGError is an internal failure.
func CodeOf(err error) string {
	if pe, ok := err.(*PGError); ok {
		return pe.Code
	}
	return InternalError
}
