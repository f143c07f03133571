package qrouter

import (
	"context"
	"encoding/binary"
	"strconv"

	"github.com/google/uuid"
	"github.com/pgdogdev/pgdog/pkg/config"
	"github.com/pgdogdev/pgdog/pkg/doglog"
	"github.com/pgdogdev/pgdog/pkg/pgerror"
	"github.com/pgdogdev/pgdog/pkg/plan"
	"github.com/pgdogdev/pgdog/pkg/qparser"
	"github.com/pgdogdev/pgdog/pkg/routehint"
	"github.com/pgdogdev/pgdog/pkg/topology"
	"go.uber.org/atomic"
)

const (
	FormatCodeText   = int16(0)
	FormatCodeBinary = int16(1)
)

// SessionState is the slice of per-session state routing depends on.
type SessionState struct {
	InTransaction bool
	WriteSticky   bool

	/* shards pinned by the first statement of an open transaction;
	 * nil when no transaction is open */
	PinnedShards *plan.ShardSet
}

// BoundParams carries extended-protocol parameter values with their
// format codes, empty for the simple protocol.
type BoundParams struct {
	Values  [][]byte
	Formats []int16
}

func (bp *BoundParams) format(i int) int16 {
	switch len(bp.Formats) {
	case 0:
		return FormatCodeText
	case 1:
		return bp.Formats[0]
	default:
		if i < len(bp.Formats) {
			return bp.Formats[i]
		}
		return FormatCodeText
	}
}

// Router turns parsed statements into routing plans. Stateless apart
// from round-robin cursors; safe for concurrent use.
type Router struct {
	chain *routehint.Chain

	omniCursor atomic.Uint64
}

func New(chain *routehint.Chain) *Router {
	if chain == nil {
		chain = routehint.NewChain()
	}
	return &Router{chain: chain}
}

// Route implements the deterministic routing algorithm: manual-query
// override, classification, role selection, shard-set computation,
// plugin consultation, transaction pinning.
func (r *Router) Route(
	ctx context.Context,
	ps *qparser.ParsedStatement,
	cluster *topology.Cluster,
	manual map[uint64]int,
	sess SessionState,
	params *BoundParams,
) (*plan.RoutingPlan, error) {

	m := analyze(ps.Stmt, ps.Query)

	/* 1. manual override by fingerprint */
	if shard, ok := manual[ps.Fingerprint]; ok {
		if shard < 0 || shard >= cluster.ShardCount() {
			return nil, pgerror.Newf(pgerror.InternalError, "manual query pinned to invalid shard %d", shard)
		}
		p := &plan.RoutingPlan{
			Role:   r.role(m, cluster, sess),
			Shards: plan.NewShardSet(shard),
			Class:  m.class,
			Manual: true,
		}
		return r.pinCheck(p, sess)
	}

	/* 2-3. classification and role */
	role := r.role(m, cluster, sess)

	/* 4. shard set */
	shards, err := r.shardSet(m, cluster, params)
	if err != nil {
		return nil, err
	}

	p := &plan.RoutingPlan{
		Role:          role,
		Shards:        shards,
		Class:         m.class,
		WriteOverride: m.class == plan.ClassRead && (m.volatileFn || m.lockClause || sess.WriteSticky),
	}

	/* 5. plugins override both dimensions */
	if !r.chain.Empty() {
		hint := r.chain.Decide(ctx, &routehint.DecisionContext{
			Query:       ps.Query,
			Fingerprint: ps.Fingerprint,
			Cluster:     cluster.Name,
			ShardCount:  cluster.ShardCount(),
			InTxn:       sess.InTransaction,
		})

		switch hint.Shard {
		case routehint.ShardUnknown:
		case routehint.ShardAll:
			p.Shards = plan.NewShardSet(cluster.AllShards()...)
		default:
			if hint.Shard >= 0 && hint.Shard < cluster.ShardCount() {
				p.Shards = plan.NewShardSet(hint.Shard)
			}
		}

		switch hint.ReadWrite {
		case routehint.RWRead:
			if cluster.HasReplicas() {
				p.Role = config.RoleReplica
			}
		case routehint.RWWrite:
			p.Role = config.RolePrimary
			p.WriteOverride = true
		}
	}

	doglog.Zero.Debug().
		Str("cluster", cluster.Name).
		Str("class", p.Class.String()).
		Str("role", string(p.Role)).
		Ints("shards", p.Shards.List()).
		Msg("routed statement")

	/* 6. transaction pinning */
	return r.pinCheck(p, sess)
}

func (r *Router) role(m *metadata, cluster *topology.Cluster, sess SessionState) config.Role {
	switch m.class {
	case plan.ClassRead:
		if m.volatileFn || m.lockClause || sess.WriteSticky {
			return config.RolePrimary
		}
		if cluster.HasReplicas() {
			return config.RoleReplica
		}
		return config.RolePrimary
	default:
		return config.RolePrimary
	}
}

func (r *Router) shardSet(m *metadata, cluster *topology.Cluster, params *BoundParams) (plan.ShardSet, error) {
	all := plan.NewShardSet(cluster.AllShards()...)

	/* omnisharded tables: reads pick one shard round-robin, writes
	 * fan out to every shard */
	if len(m.tables) > 0 && allOmnisharded(m.tables, cluster) {
		if m.class == plan.ClassRead {
			next := int(r.omniCursor.Inc()-1) % cluster.ShardCount()
			return plan.NewShardSet(next), nil
		}
		return all, nil
	}

	/* table-less reads (SELECT 1, SELECT now()) produce their row on
	 * any one shard; fanning out would duplicate it */
	if len(m.tables) == 0 && len(m.bindings) == 0 && m.class == plan.ClassRead {
		next := int(r.omniCursor.Inc()-1) % cluster.ShardCount()
		return plan.NewShardSet(next), nil
	}

	if m.disjunction {
		return all, nil
	}

	result := all
	matched := false

	for _, b := range m.bindings {
		/* unqualified columns belong to the statement's only table;
		 * with several tables in scope only wildcard rules apply */
		table := b.table
		if table == "" && len(m.tables) == 1 {
			table = m.tables[0]
		}

		rules := cluster.MatchRules(table, b.column)
		if len(rules) == 0 {
			continue
		}

		for _, rule := range rules {
			value, err := resolveValue(b, rule.DataType, params)
			if err != nil {
				return plan.ShardSet{}, err
			}
			if value == "" {
				continue
			}

			shard, ok, err := rule.Shards(value, cluster.ShardCount())
			if err != nil {
				return plan.ShardSet{}, pgerror.Newf(pgerror.InternalError, "sharding key evaluation: %v", err)
			}
			if !ok {
				/* value falls outside explicit mappings: this rule
				 * does not narrow the shard set */
				continue
			}

			matched = true
			result = result.Intersect(plan.NewShardSet(shard))
		}
	}

	if !matched || result.Empty() {
		return all, nil
	}
	return result, nil
}

func (r *Router) pinCheck(p *plan.RoutingPlan, sess SessionState) (*plan.RoutingPlan, error) {
	if sess.InTransaction && sess.PinnedShards != nil && sess.PinnedShards.Len() > 0 {
		if !p.Shards.Subset(*sess.PinnedShards) {
			return nil, pgerror.Newf(pgerror.FeatureNotSupported,
				"statement targets shards %v outside the transaction's pinned shards %v",
				p.Shards.List(), sess.PinnedShards.List())
		}
	}
	return p, nil
}

func allOmnisharded(tables []string, cluster *topology.Cluster) bool {
	for _, t := range tables {
		if !cluster.IsOmnisharded(t) {
			return false
		}
	}
	return true
}

// resolveValue canonicalizes a binding into the string form the
// sharding rules evaluate: literals verbatim, parameters decoded per
// their format code.
func resolveValue(b binding, dataType config.DataType, params *BoundParams) (string, error) {
	if b.paramRef == 0 {
		return b.value, nil
	}

	if params == nil || b.paramRef > len(params.Values) {
		return "", nil
	}

	raw := params.Values[b.paramRef-1]
	if raw == nil {
		return "", nil
	}

	if params.format(b.paramRef-1) == FormatCodeText {
		return string(raw), nil
	}

	switch dataType {
	case config.DataTypeBigint:
		switch len(raw) {
		case 8:
			return strconv.FormatInt(int64(binary.BigEndian.Uint64(raw)), 10), nil
		case 4:
			return strconv.FormatInt(int64(int32(binary.BigEndian.Uint32(raw))), 10), nil
		case 2:
			return strconv.FormatInt(int64(int16(binary.BigEndian.Uint16(raw))), 10), nil
		}
		return "", pgerror.Newf(pgerror.ProtocolViolation, "unexpected binary integer parameter of %d bytes", len(raw))
	case config.DataTypeUuid:
		if len(raw) == 16 {
			id, err := uuid.FromBytes(raw)
			if err != nil {
				return "", err
			}
			return id.String(), nil
		}
		return string(raw), nil
	default:
		return string(raw), nil
	}
}
