package qparser

import (
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pg-sharding/lyx/lyx"
	"github.com/pgdogdev/pgdog/pkg/pgerror"
	"go.uber.org/atomic"
)

const DefaultCacheLimit = 500

// ParsedStatement is a parse tree plus the fingerprint of its
// normalized text. Entries are immutable and shared between sessions
// through the cache.
type ParsedStatement struct {
	Query       string
	Stmt        lyx.Node
	Fingerprint uint64
}

// Cache memoizes query -> parse result up to query_cache_limit
// entries. Parse failures are not cached.
type Cache struct {
	cache *lru.Cache[string, *ParsedStatement]

	hits   atomic.Int64
	misses atomic.Int64
}

func NewCache(limit int) *Cache {
	if limit <= 0 {
		limit = DefaultCacheLimit
	}
	c, _ := lru.New[string, *ParsedStatement](limit)
	return &Cache{
		cache: c,
	}
}

func (c *Cache) Parse(query string) (*ParsedStatement, error) {
	if ps, ok := c.cache.Get(query); ok {
		c.hits.Inc()
		return ps, nil
	}

	c.misses.Inc()

	stmt, err := lyx.Parse(query)
	if err != nil {
		return nil, pgerror.Newf(pgerror.SyntaxError, "failed to parse query: %v", err)
	}

	ps := &ParsedStatement{
		Query:       query,
		Stmt:        stmt,
		Fingerprint: Fingerprint(query),
	}

	c.cache.Add(query, ps)
	return ps, nil
}

func (c *Cache) Len() int {
	return c.cache.Len()
}

func (c *Cache) Hits() int64 {
	return c.hits.Load()
}

func (c *Cache) Misses() int64 {
	return c.misses.Load()
}

// Entries returns cached statements for the admin console.
func (c *Cache) Entries() []*ParsedStatement {
	keys := c.cache.Keys()
	out := make([]*ParsedStatement, 0, len(keys))
	for _, k := range keys {
		if ps, ok := c.cache.Peek(k); ok {
			out = append(out, ps)
		}
	}
	return out
}
