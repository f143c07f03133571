package shardfn

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-faster/city"
	"github.com/google/uuid"
	"github.com/pgdogdev/pgdog/pkg/config"
	"github.com/spaolacci/murmur3"
)

type HashFunctionType int

/* Pre-defined hash functions */
const (
	HashFunctionMurmur = HashFunctionType(0)
	HashFunctionCity   = HashFunctionType(1)
)

var (
	errUnknownColumnType = func(ctype config.DataType, hf HashFunctionType) error {
		return fmt.Errorf("unknown column type '%s' for hash function '%d'", ctype, hf)
	}
)

func EncodeUInt64(input uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, input)
	return buf
}

// HashValue hashes a typed sharding value to a stable 64-bit key. The
// same (value, type, function) triple always yields the same key, which
// keeps shard placement stable across config reloads that preserve the
// shard count.
func HashValue(input any, ctype config.DataType, hf HashFunctionType) (uint64, error) {
	raw, err := encode(input, ctype)
	if err != nil {
		return 0, err
	}

	switch hf {
	case HashFunctionMurmur:
		return murmur3.Sum64(raw), nil
	case HashFunctionCity:
		return city.CH64(raw), nil
	default:
		return 0, fmt.Errorf("unknown hash function type: %d", hf)
	}
}

func encode(input any, ctype config.DataType) ([]byte, error) {
	switch ctype {
	case config.DataTypeBigint:
		switch v := input.(type) {
		case int64:
			return EncodeUInt64(uint64(v)), nil
		case int:
			return EncodeUInt64(uint64(v)), nil
		case uint64:
			return EncodeUInt64(v), nil
		case string:
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid bigint sharding value '%s'", v)
			}
			return EncodeUInt64(uint64(n)), nil
		case []byte:
			n, err := strconv.ParseInt(string(v), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid bigint sharding value '%s'", v)
			}
			return EncodeUInt64(uint64(n)), nil
		default:
			return nil, fmt.Errorf("unknown type of bigint sharding value: %T", input)
		}
	case config.DataTypeVarchar:
		switch v := input.(type) {
		case string:
			return []byte(v), nil
		case []byte:
			return v, nil
		default:
			return nil, fmt.Errorf("unknown type of varchar sharding value: %T", input)
		}
	case config.DataTypeUuid:
		var s string
		switch v := input.(type) {
		case string:
			s = v
		case []byte:
			s = string(v)
		default:
			return nil, fmt.Errorf("unknown type of uuid sharding value: %T", input)
		}
		id, err := uuid.Parse(strings.ToLower(s))
		if err != nil {
			return nil, err
		}
		return id[:], nil
	default:
		return nil, errUnknownColumnType(ctype, HashFunctionMurmur)
	}
}

// Shard places a hashed key on one of shardCount shards.
func Shard(hash uint64, shardCount int) int {
	return int(hash % uint64(shardCount))
}

func HashFunctionByName(hfn string) (HashFunctionType, error) {
	switch hfn {
	case "murmur", "":
		return HashFunctionMurmur, nil
	case "city":
		return HashFunctionCity, nil
	default:
		return 0, fmt.Errorf("unknown hash function type: %s", hfn)
	}
}

func ToString(hf HashFunctionType) string {
	switch hf {
	case HashFunctionMurmur:
		return "murmur"
	case HashFunctionCity:
		return "city"
	}
	return ""
}
