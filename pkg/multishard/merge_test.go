package multishard

import (
	"sort"
	"strconv"
	"testing"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/stretchr/testify/assert"
)

func row(values ...string) *pgproto3.DataRow {
	out := make([][]byte, len(values))
	for i, v := range values {
		if v == "NULL" {
			out[i] = nil
		} else {
			out[i] = []byte(v)
		}
	}
	return &pgproto3.DataRow{Values: out}
}

func rd(names ...string) *pgproto3.RowDescription {
	fields := make([]pgproto3.FieldDescription, len(names))
	for i, n := range names {
		fields[i] = pgproto3.FieldDescription{Name: []byte(n)}
	}
	return &pgproto3.RowDescription{Fields: fields}
}

func intsOf(rows []*pgproto3.DataRow, col int) []int {
	out := make([]int, len(rows))
	for i, r := range rows {
		n, _ := strconv.Atoi(string(r.Values[col]))
		out[i] = n
	}
	return out
}

func TestMergeSortedGloballySorted(t *testing.T) {
	/* three locally sorted streams merge into one sorted stream */
	streams := [][]*pgproto3.DataRow{
		{row("1"), row("4"), row("9")},
		{row("2"), row("3"), row("10")},
		{row("5"), row("6"), row("7"), row("8")},
	}

	keys := resolveSortKeys([]OrderByColumn{{Name: "id"}}, rd("id"))
	merged := MergeSorted(streams, keys)

	got := intsOf(merged, 0)
	assert.Len(t, got, 10)
	assert.True(t, sort.IntsAreSorted(got), "merged: %v", got)
}

func TestMergeSortedDesc(t *testing.T) {
	streams := [][]*pgproto3.DataRow{
		{row("9"), row("4"), row("1")},
		{row("10"), row("3"), row("2")},
	}

	keys := resolveSortKeys([]OrderByColumn{{Name: "id", Desc: true}}, rd("id"))
	merged := MergeSorted(streams, keys)

	got := intsOf(merged, 0)
	assert.Equal(t, []int{10, 9, 4, 3, 2, 1}, got)
}

func TestMergeSortedNoKeysConcatenates(t *testing.T) {
	streams := [][]*pgproto3.DataRow{
		{row("b")},
		{row("a")},
	}
	merged := MergeSorted(streams, nil)
	assert.Equal(t, "b", string(merged[0].Values[0]))
	assert.Equal(t, "a", string(merged[1].Values[0]))
}

func TestMergeSortedNumericVsLexical(t *testing.T) {
	/* numbers compare numerically, not as strings */
	streams := [][]*pgproto3.DataRow{
		{row("2")},
		{row("10")},
	}
	keys := resolveSortKeys([]OrderByColumn{{Name: "id"}}, rd("id"))
	merged := MergeSorted(streams, keys)
	assert.Equal(t, []int{2, 10}, intsOf(merged, 0))
}

func TestMergeSortedNullsLast(t *testing.T) {
	streams := [][]*pgproto3.DataRow{
		{row("1"), row("NULL")},
		{row("2")},
	}
	keys := resolveSortKeys([]OrderByColumn{{Name: "id"}}, rd("id"))
	merged := MergeSorted(streams, keys)
	assert.Nil(t, merged[len(merged)-1].Values[0])
}

func TestMergeSecondaryKey(t *testing.T) {
	streams := [][]*pgproto3.DataRow{
		{row("a", "2")},
		{row("a", "1"), row("b", "1")},
	}
	keys := resolveSortKeys(
		[]OrderByColumn{{Name: "grp"}, {Name: "id"}},
		rd("grp", "id"))
	merged := MergeSorted(streams, keys)

	assert.Equal(t, "1", string(merged[0].Values[1]))
	assert.Equal(t, "2", string(merged[1].Values[1]))
	assert.Equal(t, "b", string(merged[2].Values[0]))
}

func TestResolveSortKeysByOrdinal(t *testing.T) {
	keys := resolveSortKeys([]OrderByColumn{{Name: "2", Ordinal: 2, Desc: true}}, rd("a", "b"))
	assert.Len(t, keys, 1)
	assert.Equal(t, 1, keys[0].index)
	assert.True(t, keys[0].desc)
}

func TestApplyLimit(t *testing.T) {
	rows := []*pgproto3.DataRow{row("1"), row("2"), row("3"), row("4"), row("5")}

	assert.Len(t, applyLimit(rows, -1, 0), 5)
	assert.Len(t, applyLimit(rows, 2, 0), 2)

	got := applyLimit(rows, 2, 2)
	assert.Equal(t, []int{3, 4}, intsOf(got, 0))

	assert.Empty(t, applyLimit(rows, 10, 99))
	assert.Len(t, applyLimit(rows, 99, 0), 5)
}
