package prepstatement

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

const DefaultServerCacheLimit = 500

type serverEntry struct {
	def  *PreparedStatementDefinition
	desc *PreparedStatementDescriptor
}

// ServerCache tracks which fingerprints have actually been PARSE'd on
// one server connection, bounded by prepared_statements_limit. It is
// owned by the connection and only touched under its active lease, so
// no locking is needed.
//
// Eviction removes the rewriter's intent only; the PG-level statement
// lingers until server.Conn.Reclaim runs DEALLOCATE ALL or the
// connection closes.
type ServerCache struct {
	cache *lru.Cache[uint64, *serverEntry]
}

func NewServerCache(limit int) *ServerCache {
	if limit <= 0 {
		limit = DefaultServerCacheLimit
	}
	c, _ := lru.New[uint64, *serverEntry](limit)
	return &ServerCache{cache: c}
}

func (sc *ServerCache) HasPreparedStatement(fingerprint uint64) (bool, *PreparedStatementDescriptor) {
	if e, ok := sc.cache.Get(fingerprint); ok {
		return true, e.desc
	}
	return false, nil
}

func (sc *ServerCache) StorePreparedStatement(fingerprint uint64, d *PreparedStatementDefinition, rd *PreparedStatementDescriptor) {
	sc.cache.Add(fingerprint, &serverEntry{def: d, desc: rd})
}

func (sc *ServerCache) Len() int {
	return sc.cache.Len()
}

func (sc *ServerCache) Reset() {
	sc.cache.Purge()
}

// List returns the cached definitions, oldest first.
func (sc *ServerCache) List() []*PreparedStatementDefinition {
	keys := sc.cache.Keys()
	out := make([]*PreparedStatementDefinition, 0, len(keys))
	for _, k := range keys {
		if e, ok := sc.cache.Peek(k); ok {
			out = append(out, e.def)
		}
	}
	return out
}
