package prepstatement

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgproto3"
)

// PreparedStatementDefinition is what the client sent in Parse:
// its own statement name, the query and parameter types.
type PreparedStatementDefinition struct {
	Name          string
	Query         string
	Fingerprint   uint64
	ParameterOIDs []uint32
}

// PreparedStatementDescriptor caches the backend's reply to Describe
// so repeated Describes are served without a round trip.
type PreparedStatementDescriptor struct {
	NoData    bool
	ParamDesc *pgproto3.ParameterDescription
	RowDesc   *pgproto3.RowDescription
}

// WireName is the globally unique name a statement is prepared under
// on server connections. Derived from the fingerprint so every client
// preparing the same statement shares one server-side entry.
func WireName(fingerprint uint64) string {
	return fmt.Sprintf("__pgdog_%x", fingerprint)
}

// PreparedStatementMapper is the per-client registry view.
type PreparedStatementMapper interface {
	PreparedStatementQueryByName(name string) string
	PreparedStatementDefinitionByName(name string) *PreparedStatementDefinition
	StorePreparedStatement(d *PreparedStatementDefinition)
	ForgetPreparedStatement(name string)
}

// GetParams expands Bind parameter format codes to one code per
// parameter, following the backend's own expansion rules.
func GetParams(paramFormatCodes []int16, bindParams [][]byte) []int16 {
	paramsLen := len(bindParams)

	if len(paramFormatCodes) > 1 {
		return paramFormatCodes
	}

	out := make([]int16, paramsLen)
	if len(paramFormatCodes) == 1 {
		/* single format specified, use for all columns */
		for i := range out {
			out[i] = paramFormatCodes[0]
		}
	}
	return out
}
