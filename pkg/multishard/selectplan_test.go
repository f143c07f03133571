package multishard

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPlanSelectPlain(t *testing.T) {
	sp := PlanSelect("SELECT id, name FROM users WHERE org = 'a'")
	assert.False(t, sp.HasAggregates)
	assert.Len(t, sp.Targets, 2)
	assert.Empty(t, sp.OrderBy)
	assert.Equal(t, int64(-1), sp.Limit)
	assert.Equal(t, sp.ShardQuery, "SELECT id, name FROM users WHERE org = 'a'")
}

func TestPlanSelectAggregates(t *testing.T) {
	sp := PlanSelect("SELECT count(*), sum(total), min(ts), max(ts) FROM orders")
	assert.True(t, sp.HasAggregates)
	assert.Equal(t, AggCount, sp.Targets[0].Agg)
	assert.Equal(t, AggSum, sp.Targets[1].Agg)
	assert.Equal(t, AggMin, sp.Targets[2].Agg)
	assert.Equal(t, AggMax, sp.Targets[3].Agg)
	/* nothing to rewrite without AVG */
	assert.Equal(t, sp.ShardQuery, "SELECT count(*), sum(total), min(ts), max(ts) FROM orders")
}

func TestPlanSelectAvgRewrite(t *testing.T) {
	sp := PlanSelect("SELECT avg(price) FROM orders")
	assert.True(t, sp.HasAggregates)
	assert.Equal(t, AggAvg, sp.Targets[0].Agg)
	assert.Equal(t, 0, sp.Targets[0].SumIndex)
	assert.Equal(t, 1, sp.Targets[0].CountIndex)
	assert.Equal(t, "SELECT sum(price), count(price) FROM orders", sp.ShardQuery)
}

func TestPlanSelectAvgMixedColumns(t *testing.T) {
	sp := PlanSelect("SELECT region, avg(price) FROM orders GROUP BY region")
	assert.True(t, sp.HasAggregates)
	assert.Equal(t, AggNone, sp.Targets[0].Agg)
	assert.Equal(t, AggAvg, sp.Targets[1].Agg)
	assert.Equal(t, 1, sp.Targets[1].SumIndex)
	assert.Equal(t, 2, sp.Targets[1].CountIndex)
	assert.Equal(t, "SELECT region, sum(price), count(price) FROM orders GROUP BY region", sp.ShardQuery)
	assert.Equal(t, []string{"region"}, sp.GroupBy)
}

func TestPlanSelectOrderBy(t *testing.T) {
	sp := PlanSelect("SELECT id, name FROM users ORDER BY name DESC, id")
	assert.Len(t, sp.OrderBy, 2)
	assert.Equal(t, "name", sp.OrderBy[0].Name)
	assert.True(t, sp.OrderBy[0].Desc)
	assert.Equal(t, "id", sp.OrderBy[1].Name)
	assert.False(t, sp.OrderBy[1].Desc)
}

func TestPlanSelectOrderByOrdinal(t *testing.T) {
	sp := PlanSelect("SELECT id FROM users ORDER BY 1 DESC")
	assert.Len(t, sp.OrderBy, 1)
	assert.Equal(t, 1, sp.OrderBy[0].Ordinal)
	assert.True(t, sp.OrderBy[0].Desc)
}

func TestPlanSelectLimitOffset(t *testing.T) {
	sp := PlanSelect("SELECT id FROM users ORDER BY id LIMIT 10 OFFSET 5")
	assert.Equal(t, int64(10), sp.Limit)
	assert.Equal(t, int64(5), sp.Offset)
}

func TestPlanSelectLeadingComment(t *testing.T) {
	/* ORM-style comment prefixes do not hide the projection */
	sp := PlanSelect("/* app:web */ SELECT count(*) FROM orders")
	assert.True(t, sp.HasAggregates)
	assert.Equal(t, AggCount, sp.Targets[0].Agg)

	sp = PlanSelect("-- lead\nSELECT id FROM users ORDER BY id LIMIT 5")
	assert.Len(t, sp.OrderBy, 1)
	assert.Equal(t, int64(5), sp.Limit)
}

func TestPlanSelectCTE(t *testing.T) {
	/* no projection analysis for a CTE, but top-level clauses apply */
	sp := PlanSelect("WITH r AS (SELECT id FROM t) SELECT id FROM r ORDER BY id LIMIT 2")
	assert.False(t, sp.HasAggregates)
	assert.Empty(t, sp.Targets)
	assert.Len(t, sp.OrderBy, 1)
	assert.Equal(t, "id", sp.OrderBy[0].Name)
	assert.Equal(t, int64(2), sp.Limit)
	assert.Equal(t, "WITH r AS (SELECT id FROM t) SELECT id FROM r ORDER BY id LIMIT 2", sp.ShardQuery)
}

func TestPlanSelectIgnoresNestedKeywords(t *testing.T) {
	/* aggregate inside a subquery is not a top-level aggregate */
	sp := PlanSelect("SELECT id FROM users WHERE n = (SELECT count(*) FROM t) ORDER BY id")
	assert.False(t, sp.HasAggregates)
	assert.Len(t, sp.OrderBy, 1)

	/* keywords inside string literals do not count */
	sp = PlanSelect("SELECT id FROM users WHERE name = 'order by limit'")
	assert.Empty(t, sp.OrderBy)
	assert.Equal(t, int64(-1), sp.Limit)
}
