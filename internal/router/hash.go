package router

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/spaolacci/murmur3"
)

// HashFunction is the keyed-hash contract shard resolution is built on.
// Grounded on the sharding-system example's HashFunction interface; unlike
// that example's ConsistentHash ring, a Cluster's shard count is fixed per
// topology snapshot, so shard selection here is a plain modulo over the
// digest rather than a vnode ring.
type HashFunction interface {
	Hash(key string) uint64
}

// Murmur3Hash hashes keys with 64-bit Murmur3.
type Murmur3Hash struct{}

func (Murmur3Hash) Hash(key string) uint64 {
	h := murmur3.New64()
	h.Write([]byte(key))
	return h.Sum64()
}

// XXHash hashes keys with xxHash64.
type XXHash struct{}

func (XXHash) Hash(key string) uint64 {
	return xxhash.Sum64String(key)
}

// NewHashFunction resolves a HashFunction by configuration name, defaulting
// to Murmur3 for an unrecognized or empty name.
func NewHashFunction(name string) HashFunction {
	switch name {
	case "xxhash":
		return XXHash{}
	case "murmur3", "":
		fallthrough
	default:
		return Murmur3Hash{}
	}
}

// ShardFor hashes key and reduces it modulo shardCount. shard_str and
// shard_int (§4.5) both funnel through this: shard_int converts its operand
// to its decimal text form first, so that e.g. shard_int(7) and
// shard_str("7") land on the same shard.
func ShardFor(h HashFunction, key string, shardCount int) int {
	if shardCount <= 0 {
		return 0
	}
	return int(h.Hash(key) % uint64(shardCount))
}

// ShardForInt is the shard_int collaborator: hashes the decimal text form
// of n.
func ShardForInt(h HashFunction, n int64, shardCount int) int {
	return ShardFor(h, strconv.FormatInt(n, 10), shardCount)
}
