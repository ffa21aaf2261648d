package store

import "github.com/cespare/xxhash/v2"

// shardCount must stay a power of two.
const shardCount = 64

func shardFor(origin string) uint64 {
	return xxhash.Sum64String(origin) & (shardCount - 1)
}
