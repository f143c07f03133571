package pool

import (
	"github.com/pgdogdev/pgdog/pkg/config"
	"github.com/pgdogdev/pgdog/pkg/server"
)

// Lease binds one server connection per target shard to a single
// client session. Exactly one owner at any time.
type Lease struct {
	clientID uint64
	mode     config.PoolerMode

	/* shard index -> connection and its owning sub-pool */
	conns map[int]*server.Conn
	pools map[int]*SubPool

	shards []int
}

func (l *Lease) ClientID() uint64 {
	return l.clientID
}

func (l *Lease) Mode() config.PoolerMode {
	return l.mode
}

// Shards lists leased shard indices in ascending order.
func (l *Lease) Shards() []int {
	return l.shards
}

func (l *Lease) Conn(shard int) *server.Conn {
	return l.conns[shard]
}

// Conns returns connections ordered by shard index.
func (l *Lease) Conns() []*server.Conn {
	out := make([]*server.Conn, 0, len(l.shards))
	for _, sh := range l.shards {
		out = append(out, l.conns[sh])
	}
	return out
}

func (l *Lease) MultiShard() bool {
	return len(l.shards) > 1
}

// Poison marks every leased connection for destruction on return;
// used after protocol desync or fatal errors.
func (l *Lease) Poison() {
	for _, c := range l.conns {
		c.Doom()
	}
}
