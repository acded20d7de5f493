// Package shardhash implements the FNV-1a32 modulo hash used everywhere a
// key needs a stable, dependency-free mapping onto one of N shards: the
// router mapping a uid onto a ConnectionShard, and an owner node mapping a
// tile onto the owner process responsible for it.
package shardhash

import "hash/fnv"

// Mod32 hashes key with FNV-1a32 and returns hash(key) mod n. n must be > 0.
func Mod32(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32()) % n
}
