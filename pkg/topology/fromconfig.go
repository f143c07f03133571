package topology

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/pgdogdev/pgdog/pkg/config"
	"github.com/pgdogdev/pgdog/pkg/shardfn"
)

// FromConfig builds a topology snapshot out of a validated config.
func FromConfig(cfg *config.Config) (*Snapshot, error) {
	clusters := map[string]*Cluster{}

	for i := range cfg.Databases {
		db := &cfg.Databases[i]

		cluster, ok := clusters[db.Name]
		if !ok {
			cluster = &Cluster{
				Name:        db.Name,
				Omnisharded: map[string]struct{}{},
			}
			clusters[db.Name] = cluster
		}

		for len(cluster.Shards) <= db.Shard {
			cluster.Shards = append(cluster.Shards, &Shard{})
		}

		ep := &Endpoint{
			Cluster:      db.Name,
			Shard:        db.Shard,
			Role:         db.Role,
			Host:         db.Host,
			Port:         db.Port,
			DatabaseName: db.DatabaseName,
			User:         db.User,
			Password:     db.Password,
			PoolSize:     db.PoolSize,
			PoolerMode:   db.PoolerMode,
		}

		shard := cluster.Shards[db.Shard]
		switch db.Role {
		case config.RolePrimary:
			if shard.Primary != nil {
				return nil, fmt.Errorf("cluster \"%s\" shard %d: second primary %s", db.Name, db.Shard, ep.Addr())
			}
			shard.Primary = ep
		case config.RoleReplica:
			shard.Replicas = append(shard.Replicas, ep)
		default:
			return nil, fmt.Errorf("cluster \"%s\": unknown role \"%s\"", db.Name, db.Role)
		}
	}

	for _, st := range cfg.ShardedTables {
		cluster, ok := clusters[st.Database]
		if !ok {
			return nil, fmt.Errorf("sharded table \"%s\": unknown database \"%s\"", st.Name, st.Database)
		}
		hasher, err := shardfn.HashFunctionByName(st.Hasher)
		if err != nil {
			return nil, err
		}
		cluster.Rules = append(cluster.Rules, &Rule{
			Table:    st.Name,
			Column:   st.Column,
			DataType: st.DataType,
			Kind:     config.MappingKindHash,
			Hasher:   hasher,
		})
	}

	for _, mp := range cfg.ShardedMappings {
		cluster, ok := clusters[mp.Database]
		if !ok {
			return nil, fmt.Errorf("sharded mapping on column \"%s\": unknown database \"%s\"", mp.Column, mp.Database)
		}
		if mp.Shard >= len(cluster.Shards) {
			return nil, fmt.Errorf("sharded mapping on column \"%s\": shard %d out of range", mp.Column, mp.Shard)
		}

		dataType := mappingDataType(cfg, mp)

		switch mp.Kind {
		case config.MappingKindHash:
			hasher := shardfn.HashFunctionMurmur
			cluster.Rules = append(cluster.Rules, &Rule{
				Table:    mp.Table,
				Column:   mp.Column,
				DataType: dataType,
				Kind:     config.MappingKindHash,
				Hasher:   hasher,
			})

		case config.MappingKindRange:
			rule := findRule(cluster, mp.Table, mp.Column, config.MappingKindRange)
			if rule == nil {
				rule = &Rule{
					Table:    mp.Table,
					Column:   mp.Column,
					DataType: dataType,
					Kind:     config.MappingKindRange,
				}
				cluster.Rules = append(cluster.Rules, rule)
			}
			rule.Ranges = append(rule.Ranges, RangeBound{
				Start: mp.Start,
				End:   mp.End,
				Shard: mp.Shard,
			})

		case config.MappingKindList:
			rule := findRule(cluster, mp.Table, mp.Column, config.MappingKindList)
			if rule == nil {
				rule = &Rule{
					Table:    mp.Table,
					Column:   mp.Column,
					DataType: dataType,
					Kind:     config.MappingKindList,
					Values:   map[string]int{},
				}
				cluster.Rules = append(cluster.Rules, rule)
			}
			for _, v := range mp.Values {
				rule.Values[v] = mp.Shard
			}
		}
	}

	/* range bounds are evaluated in order, keep them sorted and verify
	 * they do not overlap */
	for _, cluster := range clusters {
		for _, rule := range cluster.Rules {
			if rule.Kind != config.MappingKindRange {
				continue
			}
			if err := sortRanges(rule); err != nil {
				return nil, err
			}
		}
	}

	for _, ot := range cfg.Omnisharded {
		cluster, ok := clusters[ot.Database]
		if !ok {
			return nil, fmt.Errorf("omnisharded tables: unknown database \"%s\"", ot.Database)
		}
		for _, t := range ot.Tables {
			cluster.Omnisharded[t] = struct{}{}
		}
	}

	manual := map[uint64]int{}
	for _, mq := range cfg.ManualQueries {
		fp, err := strconv.ParseUint(mq.Fingerprint, 16, 64)
		if err != nil {
			return nil, fmt.Errorf("manual query: invalid fingerprint \"%s\"", mq.Fingerprint)
		}
		manual[fp] = mq.Shard
	}

	return &Snapshot{
		Clusters:      clusters,
		ManualQueries: manual,
	}, nil
}

func mappingDataType(cfg *config.Config, mp config.ShardedMapping) config.DataType {
	for _, st := range cfg.ShardedTables {
		if st.Database == mp.Database && st.Column == mp.Column {
			return st.DataType
		}
	}
	return config.DataTypeBigint
}

func findRule(cluster *Cluster, table, column string, kind config.MappingKind) *Rule {
	for _, r := range cluster.Rules {
		if r.Table == table && r.Column == column && r.Kind == kind {
			return r
		}
	}
	return nil
}

func sortRanges(rule *Rule) error {
	less := func(a, b string) bool {
		if rule.DataType == config.DataTypeBigint {
			x, _ := strconv.ParseInt(a, 10, 64)
			y, _ := strconv.ParseInt(b, 10, 64)
			return x < y
		}
		return a < b
	}

	sort.SliceStable(rule.Ranges, func(i, j int) bool {
		return less(rule.Ranges[i].Start, rule.Ranges[j].Start)
	})

	for i := 1; i < len(rule.Ranges); i++ {
		prev, cur := rule.Ranges[i-1], rule.Ranges[i]
		if prev.End == "" || (cur.Start != "" && less(cur.Start, prev.End)) {
			return fmt.Errorf("range mappings for column \"%s\" overlap", rule.Column)
		}
	}

	return nil
}
