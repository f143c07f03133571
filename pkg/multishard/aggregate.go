package multishard

import (
	"math/big"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgproto3"
)

// numeric is an exact accumulator for SUM/COUNT/AVG recombination.
// Integer sums stay integral; anything fractional switches to floats.
type numeric struct {
	isFloat bool
	i       *big.Int
	f       float64
	valid   bool
}

func newNumeric() *numeric {
	return &numeric{i: big.NewInt(0)}
}

func (n *numeric) add(value []byte) bool {
	if value == nil {
		return true
	}
	s := string(value)

	if !n.isFloat {
		if v, ok := new(big.Int).SetString(s, 10); ok {
			n.i.Add(n.i, v)
			n.valid = true
			return true
		}
		/* switch to float accumulation */
		n.isFloat = true
		n.f, _ = new(big.Float).SetInt(n.i).Float64()
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return false
	}
	n.f += v
	n.valid = true
	return true
}

func (n *numeric) bytes() []byte {
	if !n.valid {
		return nil
	}
	if n.isFloat {
		return []byte(strconv.FormatFloat(n.f, 'f', -1, 64))
	}
	return []byte(n.i.String())
}

func (n *numeric) float() (float64, bool) {
	if !n.valid {
		return 0, false
	}
	if n.isFloat {
		return n.f, true
	}
	f, _ := new(big.Float).SetInt(n.i).Float64()
	return f, true
}

// aggState recombines one aggregate column across shard partials.
type aggState struct {
	kind AggKind

	sum   *numeric
	count *numeric

	extreme []byte
	seen    bool
}

func newAggState(kind AggKind) *aggState {
	return &aggState{
		kind:  kind,
		sum:   newNumeric(),
		count: newNumeric(),
	}
}

func (a *aggState) absorb(value []byte, helperCount []byte) {
	switch a.kind {
	case AggCount, AggSum:
		a.sum.add(value)
	case AggAvg:
		a.sum.add(value)
		a.count.add(helperCount)
	case AggMin:
		if value == nil {
			return
		}
		if !a.seen || compareValues(value, a.extreme) < 0 {
			a.extreme = append([]byte(nil), value...)
			a.seen = true
		}
	case AggMax:
		if value == nil {
			return
		}
		if !a.seen || compareValues(value, a.extreme) > 0 {
			a.extreme = append([]byte(nil), value...)
			a.seen = true
		}
	}
}

func (a *aggState) finalize() []byte {
	switch a.kind {
	case AggCount:
		if !a.sum.valid {
			return []byte("0")
		}
		return a.sum.bytes()
	case AggSum:
		return a.sum.bytes()
	case AggAvg:
		s, okS := a.sum.float()
		c, okC := a.count.float()
		if !okS || !okC || c == 0 {
			return nil
		}
		return []byte(strconv.FormatFloat(s/c, 'f', -1, 64))
	case AggMin, AggMax:
		if !a.seen {
			return nil
		}
		return a.extreme
	}
	return nil
}

// Aggregate recombines the fanned-out partial rows of an aggregate
// query into final rows. Plain aggregates (no GROUP BY) reduce to one
// row; grouped aggregates accumulate partial groups in memory and
// finalize once every shard has reported.
func Aggregate(sp *SelectPlan, rd *pgproto3.RowDescription, streams [][]*pgproto3.DataRow) []*pgproto3.DataRow {
	groupIdx := groupColumnIndexes(sp, rd)

	type group struct {
		key  string
		base *pgproto3.DataRow
		aggs map[int]*aggState
	}

	groups := map[string]*group{}
	var order []string

	for _, stream := range streams {
		for _, row := range stream {
			key := groupKey(row, groupIdx)

			g, ok := groups[key]
			if !ok {
				g = &group{
					key:  key,
					base: row,
					aggs: map[int]*aggState{},
				}
				for i, t := range sp.Targets {
					if t.Agg != AggNone {
						g.aggs[i] = newAggState(t.Agg)
					}
				}
				groups[key] = g
				order = append(order, key)
			}

			for i, t := range sp.Targets {
				if t.Agg == AggNone {
					continue
				}
				st := g.aggs[i]
				if t.Agg == AggAvg {
					var sum, cnt []byte
					if t.SumIndex < len(row.Values) {
						sum = row.Values[t.SumIndex]
					}
					if t.CountIndex < len(row.Values) {
						cnt = row.Values[t.CountIndex]
					}
					st.absorb(sum, cnt)
				} else if i < len(row.Values) {
					st.absorb(row.Values[i], nil)
				}
			}
		}
	}

	width := len(sp.Targets)
	out := make([]*pgproto3.DataRow, 0, len(groups))

	for _, key := range order {
		g := groups[key]
		values := make([][]byte, width)
		for i, t := range sp.Targets {
			if t.Agg == AggNone {
				if i < len(g.base.Values) {
					values[i] = g.base.Values[i]
				}
				continue
			}
			values[i] = g.aggs[i].finalize()
		}
		out = append(out, &pgproto3.DataRow{Values: values})
	}

	return out
}

// TrimRowDescription strips AVG helper columns off the shard row
// description so the client sees the original projection.
func TrimRowDescription(sp *SelectPlan, rd *pgproto3.RowDescription) *pgproto3.RowDescription {
	if rd == nil || len(rd.Fields) <= len(sp.Targets) {
		return rd
	}
	return &pgproto3.RowDescription{Fields: rd.Fields[:len(sp.Targets)]}
}

func groupColumnIndexes(sp *SelectPlan, rd *pgproto3.RowDescription) []int {
	var idx []int
	for _, col := range sp.GroupBy {
		if n, err := strconv.Atoi(col); err == nil && n >= 1 && n <= len(sp.Targets) {
			idx = append(idx, n-1)
			continue
		}
		for i, f := range rd.Fields {
			if strings.EqualFold(string(f.Name), col) {
				idx = append(idx, i)
				break
			}
		}
	}
	return idx
}

func groupKey(row *pgproto3.DataRow, idx []int) string {
	if len(idx) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, i := range idx {
		if i < len(row.Values) {
			if row.Values[i] == nil {
				sb.WriteString("\x00N")
			} else {
				sb.Write(row.Values[i])
			}
		}
		sb.WriteByte('\x1f')
	}
	return sb.String()
}
