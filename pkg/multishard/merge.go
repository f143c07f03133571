package multishard

import (
	"bytes"
	"container/heap"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgproto3"
)

// compareValues orders two text-format column values: numerically when
// both parse as numbers, lexically otherwise. SQL NULL sorts last.
func compareValues(a, b []byte) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return 1
	}
	if b == nil {
		return -1
	}

	af, aerr := strconv.ParseFloat(string(a), 64)
	bf, berr := strconv.ParseFloat(string(b), 64)
	if aerr == nil && berr == nil {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}

	return bytes.Compare(a, b)
}

// sortKey resolves ORDER BY columns to value indices against a row
// description. Unresolvable keys are skipped; the merge then relies on
// the shards' own local order for them.
type sortKey struct {
	index int
	desc  bool
}

func resolveSortKeys(cols []OrderByColumn, rd *pgproto3.RowDescription) []sortKey {
	var keys []sortKey
	for _, c := range cols {
		if c.Ordinal > 0 && c.Ordinal <= len(rd.Fields) {
			keys = append(keys, sortKey{index: c.Ordinal - 1, desc: c.Desc})
			continue
		}
		for i, f := range rd.Fields {
			if strings.EqualFold(string(f.Name), c.Name) {
				keys = append(keys, sortKey{index: i, desc: c.Desc})
				break
			}
		}
	}
	return keys
}

func compareRows(a, b *pgproto3.DataRow, keys []sortKey) int {
	for _, k := range keys {
		if k.index >= len(a.Values) || k.index >= len(b.Values) {
			continue
		}
		cmp := compareValues(a.Values[k.index], b.Values[k.index])
		if k.desc {
			cmp = -cmp
		}
		if cmp != 0 {
			return cmp
		}
	}
	return 0
}

/* k-way merge over locally sorted per-shard streams */

type mergeNode struct {
	row    *pgproto3.DataRow
	source int // shard stream the row came from
	cursor int
}

type mergeHeap struct {
	nodes []*mergeNode
	keys  []sortKey
}

func (h *mergeHeap) Len() int { return len(h.nodes) }

func (h *mergeHeap) Less(i, j int) bool {
	cmp := compareRows(h.nodes[i].row, h.nodes[j].row, h.keys)
	if cmp != 0 {
		return cmp < 0
	}
	/* stable tie-break on the source stream */
	return h.nodes[i].source < h.nodes[j].source
}

func (h *mergeHeap) Swap(i, j int) {
	h.nodes[i], h.nodes[j] = h.nodes[j], h.nodes[i]
}

func (h *mergeHeap) Push(x any) {
	h.nodes = append(h.nodes, x.(*mergeNode))
}

func (h *mergeHeap) Pop() any {
	old := h.nodes
	n := len(old)
	node := old[n-1]
	h.nodes = old[:n-1]
	return node
}

// MergeSorted merges k locally sorted row streams into one globally
// sorted stream by the given sort keys. With no keys the streams are
// concatenated in shard order.
func MergeSorted(streams [][]*pgproto3.DataRow, keys []sortKey) []*pgproto3.DataRow {
	total := 0
	for _, s := range streams {
		total += len(s)
	}
	out := make([]*pgproto3.DataRow, 0, total)

	if len(keys) == 0 {
		for _, s := range streams {
			out = append(out, s...)
		}
		return out
	}

	h := &mergeHeap{keys: keys}
	for i, s := range streams {
		if len(s) > 0 {
			h.nodes = append(h.nodes, &mergeNode{row: s[0], source: i, cursor: 0})
		}
	}
	heap.Init(h)

	for h.Len() > 0 {
		node := heap.Pop(h).(*mergeNode)
		out = append(out, node.row)

		next := node.cursor + 1
		if next < len(streams[node.source]) {
			heap.Push(h, &mergeNode{
				row:    streams[node.source][next],
				source: node.source,
				cursor: next,
			})
		}
	}

	return out
}

// applyLimit slices the merged stream per LIMIT/OFFSET.
func applyLimit(rows []*pgproto3.DataRow, limit, offset int64) []*pgproto3.DataRow {
	if offset > 0 {
		if offset >= int64(len(rows)) {
			return nil
		}
		rows = rows[offset:]
	}
	if limit >= 0 && limit < int64(len(rows)) {
		rows = rows[:limit]
	}
	return rows
}
