package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

type PoolerMode string

const (
	PoolerModeSession     = PoolerMode("session")
	PoolerModeTransaction = PoolerMode("transaction")
	PoolerModeStatement   = PoolerMode("statement")
)

type LoadBalancingStrategy string

const (
	LoadBalancerRoundRobin = LoadBalancingStrategy("round_robin")
	LoadBalancerRandom     = LoadBalancingStrategy("random")
)

type ReadWriteStrategy string

const (
	ReadWriteConservative = ReadWriteStrategy("conservative")
	ReadWriteModerate     = ReadWriteStrategy("moderate")
	ReadWriteAggressive   = ReadWriteStrategy("aggressive")
)

type AuthMethod string

const (
	AuthTrust     = AuthMethod("trust")
	AuthClearText = AuthMethod("clear_text")
	AuthMD5       = AuthMethod("md5")
	AuthSCRAM     = AuthMethod("scram")
	AuthDeny      = AuthMethod("deny")
)

type General struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`

	LogLevel string `toml:"log_level"`

	PoolerMode      PoolerMode `toml:"pooler_mode"`
	DefaultPoolSize int        `toml:"default_pool_size"`

	ConnectTimeout  Duration `toml:"connect_timeout"`
	CheckoutTimeout Duration `toml:"checkout_timeout"`
	QueryTimeout    Duration `toml:"query_timeout"`
	RollbackTimeout Duration `toml:"rollback_timeout"`
	IdleTimeout     Duration `toml:"idle_timeout"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`

	BanTimeout          Duration `toml:"ban_timeout"`
	HealthcheckInterval Duration `toml:"healthcheck_interval"`

	LoadBalancingStrategy LoadBalancingStrategy `toml:"load_balancing_strategy"`
	ReadWriteStrategy     ReadWriteStrategy     `toml:"read_write_strategy"`

	PreparedStatementsLimit int `toml:"prepared_statements_limit"`
	QueryCacheLimit         int `toml:"query_cache_limit"`

	OpenmetricsPort      int    `toml:"openmetrics_port"`
	OpenmetricsNamespace string `toml:"openmetrics_namespace"`

	TlsCertificate string `toml:"tls_certificate"`
	TlsPrivateKey  string `toml:"tls_private_key"`

	AuthMethod AuthMethod `toml:"auth_method"`
}

type Role string

const (
	RolePrimary = Role("primary")
	RoleReplica = Role("replica")
)

// Database is one upstream endpoint. Endpoints with the same name form
// one logical cluster; the shard number places the endpoint in it.
type Database struct {
	Name string `toml:"name"`
	Role Role   `toml:"role"`

	Host string `toml:"host"`
	Port int    `toml:"port"`

	Shard        int    `toml:"shard"`
	DatabaseName string `toml:"database_name"`

	User     string `toml:"user"`
	Password string `toml:"password"`

	PoolSize   int        `toml:"pool_size"`
	PoolerMode PoolerMode `toml:"pooler_mode"`

	ReadOnly bool `toml:"read_only"`
}

func (d *Database) Addr() string {
	return fmt.Sprintf("%s:%d", d.Host, d.Port)
}

type DataType string

const (
	DataTypeBigint  = DataType("bigint")
	DataTypeVarchar = DataType("varchar")
	DataTypeUuid    = DataType("uuid")
)

// ShardedTable declares a hash-sharded column. Absent table name makes
// the rule match any table using the column.
type ShardedTable struct {
	Database string   `toml:"database"`
	Name     string   `toml:"name"`
	Column   string   `toml:"column"`
	DataType DataType `toml:"data_type"`
	Hasher   string   `toml:"hasher"`
}

type MappingKind string

const (
	MappingKindHash  = MappingKind("hash")
	MappingKindRange = MappingKind("range")
	MappingKindList  = MappingKind("list")
)

// ShardedMapping pins value ranges or value lists of a sharded column
// to an explicit shard.
type ShardedMapping struct {
	Database string      `toml:"database"`
	Table    string      `toml:"table"`
	Column   string      `toml:"column"`
	Kind     MappingKind `toml:"kind"`

	Start  string   `toml:"start"`
	End    string   `toml:"end"`
	Values []string `toml:"values"`

	Shard int `toml:"shard"`
}

type OmnishardedTables struct {
	Database string   `toml:"database"`
	Tables   []string `toml:"tables"`
}

type ManualQuery struct {
	Fingerprint string `toml:"fingerprint"`
	Shard       int    `toml:"shard"`
}

type Admin struct {
	Name     string `toml:"name"`
	User     string `toml:"user"`
	Password string `toml:"password"`
}

type Config struct {
	General           General             `toml:"general"`
	Databases         []Database          `toml:"databases"`
	ShardedTables     []ShardedTable      `toml:"sharded_tables"`
	ShardedMappings   []ShardedMapping    `toml:"sharded_mappings"`
	Omnisharded       []OmnishardedTables `toml:"omnisharded_tables"`
	ManualQueries     []ManualQuery       `toml:"manual_queries"`
	Admin             Admin               `toml:"admin"`
	FrontendPasswords map[string]string   `toml:"frontend_passwords"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return nil, err
	}

	cfg.fillDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) fillDefaults() {
	if c.General.Host == "" {
		c.General.Host = "0.0.0.0"
	}
	if c.General.Port == 0 {
		c.General.Port = 6432
	}
	if c.General.PoolerMode == "" {
		c.General.PoolerMode = PoolerModeTransaction
	}
	if c.General.DefaultPoolSize == 0 {
		c.General.DefaultPoolSize = 10
	}
	if c.General.ConnectTimeout.D() == 0 {
		c.General.ConnectTimeout = Seconds(5)
	}
	if c.General.CheckoutTimeout.D() == 0 {
		c.General.CheckoutTimeout = Seconds(5)
	}
	if c.General.RollbackTimeout.D() == 0 {
		c.General.RollbackTimeout = Seconds(5)
	}
	if c.General.ShutdownTimeout.D() == 0 {
		c.General.ShutdownTimeout = Seconds(60)
	}
	if c.General.BanTimeout.D() == 0 {
		c.General.BanTimeout = Seconds(300)
	}
	if c.General.HealthcheckInterval.D() == 0 {
		c.General.HealthcheckInterval = Seconds(30)
	}
	if c.General.LoadBalancingStrategy == "" {
		c.General.LoadBalancingStrategy = LoadBalancerRoundRobin
	}
	if c.General.ReadWriteStrategy == "" {
		c.General.ReadWriteStrategy = ReadWriteConservative
	}
	if c.General.PreparedStatementsLimit == 0 {
		c.General.PreparedStatementsLimit = 500
	}
	if c.General.QueryCacheLimit == 0 {
		c.General.QueryCacheLimit = 500
	}
	if c.General.AuthMethod == "" {
		c.General.AuthMethod = AuthTrust
	}
	if c.Admin.Name == "" {
		c.Admin.Name = "admin"
	}
	if c.Admin.User == "" {
		c.Admin.User = "admin"
	}

	for i := range c.Databases {
		db := &c.Databases[i]
		if db.Role == "" {
			if db.ReadOnly {
				db.Role = RoleReplica
			} else {
				db.Role = RolePrimary
			}
		}
		if db.Port == 0 {
			db.Port = 5432
		}
		if db.DatabaseName == "" {
			db.DatabaseName = db.Name
		}
		if db.PoolSize == 0 {
			db.PoolSize = c.General.DefaultPoolSize
		}
		if db.PoolerMode == "" {
			db.PoolerMode = c.General.PoolerMode
		}
	}

	for i := range c.ShardedTables {
		if c.ShardedTables[i].DataType == "" {
			c.ShardedTables[i].DataType = DataTypeBigint
		}
	}
}

func (c *Config) Validate() error {
	seen := map[string]map[int]bool{}

	for _, db := range c.Databases {
		if db.Name == "" {
			return fmt.Errorf("database entry without name")
		}
		if db.Name == c.Admin.Name {
			return fmt.Errorf("database name \"%s\" is reserved for the admin console", db.Name)
		}
		if db.Host == "" {
			return fmt.Errorf("database \"%s\": no host", db.Name)
		}
		if db.Shard < 0 {
			return fmt.Errorf("database \"%s\": negative shard number", db.Name)
		}
		if seen[db.Name] == nil {
			seen[db.Name] = map[int]bool{}
		}
		seen[db.Name][db.Shard] = true
	}

	/* shard numbers must be dense [0, N) per cluster */
	for name, shards := range seen {
		for i := 0; i < len(shards); i++ {
			if !shards[i] {
				return fmt.Errorf("database \"%s\": shard numbers are not dense, missing shard %d", name, i)
			}
		}
	}

	for _, mp := range c.ShardedMappings {
		switch mp.Kind {
		case MappingKindHash, MappingKindRange, MappingKindList:
		default:
			return fmt.Errorf("sharded mapping for column \"%s\": unknown kind \"%s\"", mp.Column, mp.Kind)
		}
	}

	return nil
}
