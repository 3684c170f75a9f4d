// Package chash is a standalone Maglev-style consistent hash,
// independent of the Maglev lookup table internal/maglev builds. It is
// reused here to pick a stable, bounded subset of backend health-check
// URLs to probe per tick (internal/healthmonitor), rather than for
// packet classification.
package chash

import (
	"sort"
	"sync"
)

var (
	SmallSize = 65537
	LargeSize = 655373
)

// ConsistentHash maps string keys onto a changing set of string values
// (here, health-check URLs) with minimal disruption when values are
// added or removed — the same guarantee Maglev gives the packet path,
// applied to "which backends get probed this tick" instead.
//
// Implementation follows the Maglev paper's offset/skip/permutation
// construction: https://static.googleusercontent.com/media/research.google.com/en//pubs/archive/44824.pdf
type ConsistentHash interface {
	// Add adds the given values to the consistent hash.
	Add(values ...string)
	// Remove removes the given values from the consistent hash.
	Remove(values ...string)
	// Hash returns the value for the given key.
	Hash(key uint64) string
	// Size returns the size of the lookup table.
	Size() uint32
}

type entry struct {
	id     int
	offset uint32
	skip   uint32
}

type consistentHashImpl struct {
	size uint32

	values    map[string]entry
	valuesMtx sync.RWMutex

	lookup    []string
	lookupMtx sync.RWMutex
}

// NewConsistentHash creates a new ConsistentHash with the given size.
// The size must be a prime number. Use SmallSize or LargeSize for
// common sizes.
func NewConsistentHash(size uint32) ConsistentHash {
	return &consistentHashImpl{
		size:   size,
		values: make(map[string]entry),
	}
}

func (c *consistentHashImpl) Size() uint32 {
	return c.size
}

// Add runs in O(n log n) time.
func (c *consistentHashImpl) Add(values ...string) {
	c.valuesMtx.Lock()
	for _, v := range values {
		c.values[v] = entry{
			id:     len(c.values),
			offset: crc32(append([]byte(v), []byte("offset")...)) % c.Size(),
			skip:   crc32(append([]byte(v), []byte("skip")...))%(c.Size()-1) + 1,
		}
	}
	c.valuesMtx.Unlock()

	c.valuesMtx.RLock()
	defer c.valuesMtx.RUnlock()
	c.lookupMtx.Lock()
	defer c.lookupMtx.Unlock()
	c.computeLookupTable()
}

// Remove runs in O(n log n) time.
func (c *consistentHashImpl) Remove(values ...string) {
	c.valuesMtx.Lock()
	for _, v := range values {
		delete(c.values, v)
	}
	c.valuesMtx.Unlock()

	c.valuesMtx.RLock()
	defer c.valuesMtx.RUnlock()
	c.lookupMtx.Lock()
	defer c.lookupMtx.Unlock()
	c.computeLookupTable()
}

// Hash runs in O(1) amortized time, but if the lookup table is not
// initialized, it runs in O(n log n) time.
func (c *consistentHashImpl) Hash(key uint64) string {
	c.valuesMtx.RLock()
	defer c.valuesMtx.RUnlock()

	if len(c.values) == 0 {
		return ""
	}

	c.lookupMtx.RLock()
	if len(c.lookup) != int(c.Size()) {
		c.lookupMtx.RUnlock()
		c.lookupMtx.Lock()
		defer c.lookupMtx.Unlock()
		c.computeLookupTable()
	} else {
		defer c.lookupMtx.RUnlock()
	}
	return c.lookup[key%uint64(c.Size())]
}

// computeLookupTable assumes valuesMtx is read-locked and lookupMtx is
// write-locked. Runs in O(n log n) time.
func (c *consistentHashImpl) computeLookupTable() {
	c.lookup = make([]string, c.Size())

	next := make([]uint32, len(c.values))
	slot := make([]int, c.Size())
	for j := range slot {
		slot[j] = -1
	}

	values := c.getValuesAsSlice()
	var n uint32 = 0
	for {
		for i := 0; i < len(values); i++ {
			candidate := c.permutationAt(values[i], next[i])
			for slot[candidate] >= 0 {
				next[i]++
				candidate = c.permutationAt(values[i], next[i])
			}

			slot[candidate] = i
			c.lookup[candidate] = values[i]
			next[i]++

			n++
			if n == c.Size() {
				return
			}
		}
	}
}

// permutationAt assumes valuesMtx is read-locked.
func (c *consistentHashImpl) permutationAt(value string, j uint32) uint32 {
	e := c.values[value]
	return (e.offset + j*e.skip) % c.Size()
}

// getValuesAsSlice assumes valuesMtx is read-locked. Runs in O(n log n)
// time.
func (c *consistentHashImpl) getValuesAsSlice() []string {
	values := make([]string, 0, len(c.values))
	for v := range c.values {
		values = append(values, v)
	}
	sort.Slice(values, func(i, j int) bool {
		return c.values[values[i]].id < c.values[values[j]].id
	})
	return values
}

// Subset picks up to k distinct values for probe round tick, rotating
// which values are chosen as tick advances so that, over time, every
// value gets probed even when k is smaller than the number of values
// added. Used by internal/healthmonitor to bound probe fan-out when
// the backend count is large.
func Subset(ch ConsistentHash, tick uint64, k int) []string {
	if k <= 0 {
		return nil
	}
	seen := make(map[string]struct{}, k)
	var out []string
	for i := 0; i < k*4 && len(out) < k; i++ {
		v := ch.Hash(tick*uint64(k) + uint64(i))
		if v == "" {
			break
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
