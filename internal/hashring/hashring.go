// Package hashring implements the consistent-hash ring used by the
// router to map a key to its owning shard with low movement when the
// shard set changes (spec.md §4.2).
package hashring

import (
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"sort"
)

// entry is one virtual node's position on the ring.
type entry struct {
	position uint32
	shard    string
}

// Ring is an immutable, pure mapping from key to shard. Build it once at
// startup; there is no support for adding or removing shards afterward
// (spec.md Non-goals: "rebalancing on shard membership change").
type Ring struct {
	entries []entry
}

// Build constructs a ring from an ordered list of shard identifiers,
// each occupying vnodes virtual positions. vnodes must be >= 10
// (spec.md §4.2).
func Build(shards []string, vnodes int) *Ring {
	entries := make([]entry, 0, len(shards)*vnodes)
	for _, shard := range shards {
		for i := 0; i < vnodes; i++ {
			pos := position(fmt.Sprintf("%s#%d", shard, i))
			entries = append(entries, entry{position: pos, shard: shard})
		}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].position < entries[j].position
	})
	return &Ring{entries: entries}
}

// position hashes s with SHA-1 and returns the first 4 bytes as a
// big-endian uint32.
func position(s string) uint32 {
	sum := sha1.Sum([]byte(s))
	return binary.BigEndian.Uint32(sum[:4])
}

// Pick returns the shard owning key: the shard at the smallest ring
// position >= the key's own position, wrapping to entry 0 when the key
// hashes past the largest position. Pick panics if the ring is empty —
// callers are expected to build a ring from a non-empty shard list.
func (r *Ring) Pick(key string) string {
	if len(r.entries) == 0 {
		panic("hashring: empty ring")
	}
	target := position(key)
	idx := sort.Search(len(r.entries), func(i int) bool {
		return r.entries[i].position >= target
	})
	if idx == len(r.entries) {
		idx = 0
	}
	return r.entries[idx].shard
}

// Len returns the number of virtual node entries on the ring.
func (r *Ring) Len() int {
	return len(r.entries)
}
