package multishard

import (
	"strconv"
	"strings"
)

// AggKind is one recombinable aggregate function.
type AggKind int

const (
	AggNone = AggKind(iota)
	AggCount
	AggSum
	AggMin
	AggMax
	AggAvg
)

// TargetColumn is one top-level SELECT list entry as the merger sees
// it: either a plain column or an aggregate over the fan-out.
type TargetColumn struct {
	Agg  AggKind
	Expr string

	/* for AVG: indices of the helper sum/count columns appended to
	 * the rewritten shard query */
	SumIndex   int
	CountIndex int
}

type OrderByColumn struct {
	Name    string
	Ordinal int // 1-based when the clause used a number
	Desc    bool
}

// SelectPlan is everything the aggregator needs to merge a fanned-out
// SELECT: the rewritten per-shard query, top-level aggregates, sort
// keys and the limit window.
type SelectPlan struct {
	ShardQuery string

	Targets       []TargetColumn
	HasAggregates bool
	GroupBy       []string

	OrderBy []OrderByColumn

	Limit  int64 // -1: none
	Offset int64
}

// PlanSelect derives the merge plan from the statement text. The
// rewritten query replaces AVG with SUM plus a trailing COUNT helper
// column per occurrence; everything else passes through untouched.
//
// Reads that do not start with a bare SELECT (leading comments, WITH,
// a parenthesized select) still get their top-level ORDER BY, GROUP BY
// and LIMIT parsed; only the projection analysis and the AVG rewrite
// need the plain SELECT form.
func PlanSelect(query string) *SelectPlan {
	sp := &SelectPlan{
		ShardQuery: query,
		Limit:      -1,
	}

	body := stripLeadingComments(query)
	low := strings.ToLower(body)

	if topLevelIndex(low, "select") != 0 {
		if strings.HasPrefix(low, "with") || strings.HasPrefix(low, "(") {
			sp.GroupBy = parseGroupBy(body, low)
			sp.OrderBy = parseOrderBy(body, low)
			sp.Limit, sp.Offset = parseLimitOffset(low)
		}
		return sp
	}

	fromIdx := topLevelIndex(low, "from")
	listEnd := len(body)
	if fromIdx > 0 {
		listEnd = fromIdx
	}

	items := splitTopLevel(body[len("select"):listEnd], ',')

	var rewritten []string
	var helpers []string
	baseLen := len(items)

	for _, item := range items {
		t := strings.TrimSpace(item)
		tc := TargetColumn{Agg: AggNone, Expr: t}

		agg, inner := parseAggregate(t)
		tc.Agg = agg

		switch agg {
		case AggAvg:
			sp.HasAggregates = true
			tc.SumIndex = len(rewritten)
			tc.CountIndex = baseLen + len(helpers)
			rewritten = append(rewritten, "sum("+inner+")")
			helpers = append(helpers, "count("+inner+")")
		case AggNone:
			rewritten = append(rewritten, t)
		default:
			sp.HasAggregates = true
			rewritten = append(rewritten, t)
		}

		sp.Targets = append(sp.Targets, tc)
	}

	if len(helpers) > 0 {
		rest := ""
		if fromIdx > 0 {
			rest = " " + strings.TrimSpace(body[fromIdx:])
		}
		sp.ShardQuery = "SELECT " + strings.Join(rewritten, ", ") + ", " + strings.Join(helpers, ", ") + rest
	}

	sp.GroupBy = parseGroupBy(body, low)
	sp.OrderBy = parseOrderBy(body, low)
	sp.Limit, sp.Offset = parseLimitOffset(low)

	/* LIMIT/OFFSET is applied by the merger over the merged stream;
	 * shards must still return offset+limit rows each, so only the
	 * clause stays in the shard query */
	if lowShard := strings.ToLower(sp.ShardQuery); sp.Offset > 0 && topLevelIndex(lowShard, "offset") >= 0 {
		cut := topLevelIndex(lowShard, "offset")
		if li := topLevelIndex(lowShard, "limit"); li >= 0 && li < cut {
			cut = li
		}
		tail := strings.Fields(sp.ShardQuery[cut:])
		for len(tail) >= 2 && (strings.EqualFold(tail[0], "limit") || strings.EqualFold(tail[0], "offset")) {
			tail = tail[2:]
		}
		if sp.Limit >= 0 {
			tail = append([]string{"LIMIT", strconv.FormatInt(sp.Limit+sp.Offset, 10)}, tail...)
		}
		sp.ShardQuery = strings.TrimSpace(strings.TrimSpace(sp.ShardQuery[:cut]) + " " + strings.Join(tail, " "))
	}

	return sp
}

// stripLeadingComments removes whitespace and SQL comments off the
// front of a statement, leaving the first meaningful token first.
func stripLeadingComments(query string) string {
	for {
		query = strings.TrimLeft(query, " \t\r\n")

		if strings.HasPrefix(query, "--") {
			if nl := strings.IndexByte(query, '\n'); nl >= 0 {
				query = query[nl+1:]
				continue
			}
			return ""
		}

		if strings.HasPrefix(query, "/*") {
			if end := strings.Index(query, "*/"); end >= 0 {
				query = query[end+2:]
				continue
			}
			return ""
		}

		return query
	}
}

func parseAggregate(item string) (AggKind, string) {
	low := strings.ToLower(item)
	for _, cand := range []struct {
		name string
		kind AggKind
	}{
		{"count", AggCount},
		{"sum", AggSum},
		{"min", AggMin},
		{"max", AggMax},
		{"avg", AggAvg},
	} {
		rest, ok := strings.CutPrefix(low, cand.name)
		if !ok {
			continue
		}
		rest = strings.TrimLeft(rest, " \t")
		if !strings.HasPrefix(rest, "(") {
			continue
		}
		/* inner expression, original casing */
		open := strings.Index(item, "(")
		end := strings.LastIndex(item, ")")
		if open < 0 || end <= open {
			continue
		}
		return cand.kind, item[open+1 : end]
	}
	return AggNone, ""
}

func parseGroupBy(query, low string) []string {
	idx := topLevelIndex(low, "group by")
	if idx < 0 {
		return nil
	}

	rest := query[idx+len("group by"):]
	end := len(rest)
	for _, stop := range []string{"having", "order by", "limit", "offset"} {
		if i := topLevelIndex(strings.ToLower(rest), stop); i >= 0 && i < end {
			end = i
		}
	}

	var cols []string
	for _, c := range splitTopLevel(rest[:end], ',') {
		cols = append(cols, strings.ToLower(strings.TrimSpace(c)))
	}
	return cols
}

func parseOrderBy(query, low string) []OrderByColumn {
	idx := topLevelIndex(low, "order by")
	if idx < 0 {
		return nil
	}

	rest := query[idx+len("order by"):]
	end := len(rest)
	for _, stop := range []string{"limit", "offset", "for update", "for share"} {
		if i := topLevelIndex(strings.ToLower(rest), stop); i >= 0 && i < end {
			end = i
		}
	}

	var out []OrderByColumn
	for _, c := range splitTopLevel(rest[:end], ',') {
		fields := strings.Fields(strings.TrimSpace(c))
		if len(fields) == 0 {
			continue
		}
		col := OrderByColumn{Name: strings.ToLower(fields[0])}
		if n, err := strconv.Atoi(col.Name); err == nil {
			col.Ordinal = n
		}
		for _, f := range fields[1:] {
			if strings.EqualFold(f, "desc") {
				col.Desc = true
			}
		}
		out = append(out, col)
	}
	return out
}

func parseLimitOffset(low string) (int64, int64) {
	limit := int64(-1)
	offset := int64(0)

	if idx := topLevelIndex(low, "limit"); idx >= 0 {
		fields := strings.Fields(low[idx+len("limit"):])
		if len(fields) > 0 {
			if n, err := strconv.ParseInt(fields[0], 10, 64); err == nil {
				limit = n
			}
		}
	}
	if idx := topLevelIndex(low, "offset"); idx >= 0 {
		fields := strings.Fields(low[idx+len("offset"):])
		if len(fields) > 0 {
			if n, err := strconv.ParseInt(fields[0], 10, 64); err == nil {
				offset = n
			}
		}
	}
	return limit, offset
}

// topLevelIndex finds a keyword outside parentheses and quotes, on a
// word boundary.
func topLevelIndex(low string, keyword string) int {
	depth := 0
	inStr := false

	for i := 0; i+len(keyword) <= len(low); i++ {
		c := low[i]
		switch {
		case inStr:
			if c == '\'' {
				inStr = false
			}
			continue
		case c == '\'':
			inStr = true
			continue
		case c == '(':
			depth++
			continue
		case c == ')':
			depth--
			continue
		}

		if depth != 0 {
			continue
		}

		if strings.HasPrefix(low[i:], keyword) {
			beforeOK := i == 0 || !isWordChar(low[i-1])
			afterIdx := i + len(keyword)
			afterOK := afterIdx >= len(low) || !isWordChar(low[afterIdx])
			if beforeOK && afterOK {
				return i
			}
		}
	}
	return -1
}

func splitTopLevel(s string, sep byte) []string {
	var out []string
	depth := 0
	inStr := false
	start := 0

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case inStr:
			if c == '\'' {
				inStr = false
			}
		case c == '\'':
			inStr = true
		case c == '(':
			depth++
		case c == ')':
			depth--
		case c == sep && depth == 0:
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

func isWordChar(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
}
