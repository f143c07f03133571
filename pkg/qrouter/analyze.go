package qrouter

import (
	"strconv"
	"strings"

	"github.com/pg-sharding/lyx/lyx"
	"github.com/pgdogdev/pgdog/pkg/plan"
)

// binding is one column reference compared for equality against a
// literal or a positional parameter.
type binding struct {
	table  string
	column string

	value    string
	paramRef int // 1-based; 0 when the value is a literal
}

// metadata is everything the router extracts from one parse tree.
type metadata struct {
	class plan.StatementClass

	tables   []string
	bindings []binding

	/* a disjunction anywhere in the where clause makes equality
	 * bindings unreliable for intersection, fan out instead */
	disjunction bool

	volatileFn bool
	lockClause bool
}

func (m *metadata) addTable(rv *lyx.RangeVar) {
	if rv == nil || rv.RelationName == "" {
		return
	}
	m.tables = append(m.tables, rv.RelationName)
}

// analyze classifies the statement and collects sharding-relevant
// bindings. It never does I/O.
func analyze(stmt lyx.Node, query string) *metadata {
	m := &metadata{}

	switch v := stmt.(type) {
	case *lyx.Select:
		m.class = plan.ClassRead
		m.analyzeSelect(v)
		low := strings.ToLower(query)
		if strings.Contains(low, "for update") || strings.Contains(low, "for share") ||
			strings.Contains(low, "for no key update") || strings.Contains(low, "for key share") {
			m.lockClause = true
		}

	case *lyx.Insert:
		m.class = plan.ClassWrite
		m.analyzeInsert(v)

	case *lyx.Update:
		m.class = plan.ClassWrite
		if rv, ok := v.TableRef.(*lyx.RangeVar); ok {
			m.addTable(rv)
		}
		m.analyzeWhere(v.Where)

	case *lyx.Delete:
		m.class = plan.ClassWrite
		if rv, ok := v.TableRef.(*lyx.RangeVar); ok {
			m.addTable(rv)
		}
		m.analyzeWhere(v.Where)

	case *lyx.Copy:
		m.class = plan.ClassCopy
		if rv, ok := v.TableRef.(*lyx.RangeVar); ok {
			m.addTable(rv)
		}

	case *lyx.VariableSetStmt:
		m.class = plan.ClassSet

	case *lyx.VariableShowStmt:
		m.class = plan.ClassRead

	case *lyx.CreateTable, *lyx.Drop, *lyx.Alter, *lyx.Index, *lyx.Truncate,
		*lyx.CreateRole, *lyx.CreateDatabase, *lyx.CreateSchema, *lyx.CreateExtension,
		*lyx.Vacuum, *lyx.Cluster, *lyx.Analyze:
		m.class = plan.ClassWrite

	default:
		/* unknown statement types go to the primary, all shards */
		m.class = plan.ClassWrite
	}

	return m
}

func (m *metadata) analyzeSelect(sel *lyx.Select) {
	if sel == nil {
		return
	}

	for _, fc := range sel.FromClause {
		m.analyzeFromNode(fc)
	}

	for _, tle := range sel.TargetList {
		m.analyzeTargetEntry(tle)
	}

	m.analyzeWhere(sel.Where)

	/* set operations: UNION / INTERSECT / EXCEPT */
	if sel.LArg != nil {
		if inner, ok := sel.LArg.(*lyx.Select); ok {
			m.analyzeSelect(inner)
		}
	}
	if sel.RArg != nil {
		if inner, ok := sel.RArg.(*lyx.Select); ok {
			m.analyzeSelect(inner)
		}
	}
}

func (m *metadata) analyzeFromNode(node lyx.FromClauseNode) {
	switch q := node.(type) {
	case *lyx.RangeVar:
		m.addTable(q)
	case *lyx.JoinExpr:
		m.analyzeFromNode(q.Larg)
		m.analyzeFromNode(q.Rarg)
	case *lyx.SubSelect:
		if inner, ok := q.Arg.(*lyx.Select); ok {
			m.analyzeSelect(inner)
		}
	}
}

func (m *metadata) analyzeTargetEntry(tle lyx.Node) {
	switch e := tle.(type) {
	case *lyx.FuncApplication:
		if volatileFunction(e.Name) {
			m.volatileFn = true
		}
		for _, arg := range e.Args {
			m.analyzeTargetEntry(arg)
		}
	case *lyx.ResTarget:
		m.analyzeTargetEntry(e.Value)
	}
}

// analyzeInsert extracts bindings out of INSERT ... VALUES tuple
// positions matched against the column list.
func (m *metadata) analyzeInsert(ins *lyx.Insert) {
	rv, ok := ins.TableRef.(*lyx.RangeVar)
	if !ok {
		return
	}
	m.addTable(rv)

	switch sub := ins.SubSelect.(type) {
	case *lyx.ValueClause:
		for _, tuple := range sub.Values {
			for i, val := range tuple {
				if i >= len(ins.Columns) {
					break
				}
				m.bindValueNode(rv.RelationName, ins.Columns[i], val)
			}
		}
	case *lyx.Select:
		/* INSERT INTO t SELECT ... — route by the select */
		m.analyzeSelect(sub)
	}
}

func (m *metadata) analyzeWhere(expr lyx.Node) {
	if expr == nil {
		return
	}

	switch texpr := expr.(type) {
	case *lyx.AExprOp:
		op := strings.ToUpper(strings.TrimSpace(texpr.Op))
		switch op {
		case "AND":
			m.analyzeWhere(texpr.Left)
			m.analyzeWhere(texpr.Right)
		case "OR":
			m.disjunction = true
			m.analyzeWhere(texpr.Left)
			m.analyzeWhere(texpr.Right)
		case "=":
			if cr, ok := texpr.Left.(*lyx.ColumnRef); ok {
				m.bindValueNode(cr.TableAlias, cr.ColName, texpr.Right)
			} else if cr, ok := texpr.Right.(*lyx.ColumnRef); ok {
				m.bindValueNode(cr.TableAlias, cr.ColName, texpr.Left)
			}
		default:
			/* non-equality comparisons cannot pin a shard */
		}

	case *lyx.AExprIn:
		/* IN-lists could union shard sets; fanning out is the safe
		 * superset, and keeps subqueries correct too */
		m.disjunction = true

	case *lyx.AExprEmpty:
	case *lyx.ColumnRef:
	case *lyx.FuncApplication:
		if volatileFunction(texpr.Name) {
			m.volatileFn = true
		}
	}
}

func (m *metadata) bindValueNode(table string, column string, val lyx.Node) {
	if column == "" {
		return
	}

	b := binding{table: table, column: column}

	switch v := val.(type) {
	case *lyx.AExprIConst:
		b.value = strconv.Itoa(v.Value)
	case *lyx.AExprSConst:
		b.value = v.Value
	case *lyx.ParamRef:
		b.paramRef = v.Number
	default:
		return
	}

	m.bindings = append(m.bindings, b)
}

// volatileFunction reports functions which force a statement to the
// primary even inside a plain SELECT.
func volatileFunction(name string) bool {
	switch strings.ToLower(name) {
	case "nextval", "setval",
		"pg_advisory_lock", "pg_advisory_xact_lock",
		"pg_advisory_unlock", "pg_try_advisory_lock",
		"txid_current", "pg_current_xact_id":
		return true
	}
	return false
}
