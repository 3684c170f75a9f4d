// Package maglev implements the Maglev consistent-hashing lookup table:
// per-backend permutations, minimal-disruption population, and the
// modulo fallback table that mirrors the same active set.
//
// https://static.googleusercontent.com/media/research.google.com/en//pubs/archive/44824.pdf
package maglev

import (
	"fmt"
	"math/rand"
)

const (
	// MaxM is the largest lookup-table length this package will ever
	// allocate storage for.
	MaxM = 10000
	// MaxN is the largest backend-count upper bound this package will
	// ever allocate storage for.
	MaxN = 100

	minM = 19
	minN = 4
)

// MagData is the Maglev lookup table together with the per-backend
// permutations it was built from. Its layout is fixed-size so it can be
// embedded byte-for-byte in a shared memory region (see
// internal/sharedstate).
type MagData struct {
	M uint32
	N uint32

	// Lookup[c] names the backend index assigned to bucket c, or -1 if
	// no active backend has claimed it (or no backend is active at all).
	Lookup [MaxM]int32

	// Permutation[i][j] is the j-th bucket offered by backend i.
	Permutation [MaxN][MaxM]uint32

	// Active[i] is 1 if backend i participates in population, 0
	// otherwise. Stored as uint32 (not bool) to keep the layout
	// word-aligned and C-ABI compatible.
	Active [MaxN]uint32
}

// Init draws fresh offset/skip parameters for every backend in [0,N) and
// materializes their permutations. M must be prime and in [19, MaxM]; N
// must be in [4, MaxN]. Active flags are cleared; Lookup is left
// unspecified until Populate runs.
func Init(d *MagData, m, n uint32, rng *rand.Rand) error {
	if m < minM || m > MaxM {
		return fmt.Errorf("maglev: M=%d out of range [%d,%d]", m, minM, MaxM)
	}
	if n < minN || n > MaxN {
		return fmt.Errorf("maglev: N=%d out of range [%d,%d]", n, minN, MaxN)
	}

	*d = MagData{M: m, N: n}
	for i := uint32(0); i < n; i++ {
		offset := uint32(rng.Int63n(int64(m)))
		skip := uint32(rng.Int63n(int64(m-1))) + 1
		for j := uint32(0); j < m; j++ {
			d.Permutation[i][j] = (offset + j*skip) % m
		}
	}
	return nil
}

// Populate rewrites Lookup from the current Permutation and Active
// arrays, following the round-robin assignment rule from the Maglev
// paper: backends take turns claiming their next free bucket in
// ascending-index order until every bucket is claimed.
func Populate(d *MagData) {
	for c := uint32(0); c < d.M; c++ {
		d.Lookup[c] = -1
	}

	var active []uint32
	for i := uint32(0); i < d.N; i++ {
		if d.Active[i] != 0 {
			active = append(active, i)
		}
	}
	if len(active) == 0 {
		return
	}

	next := make([]uint32, d.N)
	var n uint32
	for {
		for _, i := range active {
			c := d.Permutation[i][next[i]]
			for d.Lookup[c] >= 0 {
				next[i]++
				c = d.Permutation[i][next[i]]
			}
			d.Lookup[c] = int32(i)
			next[i]++
			n++
			if n == d.M {
				return
			}
		}
	}
}

// Activate marks the given backend indices active and repopulates the
// lookup table. Out-of-range indices are silently ignored.
func Activate(d *MagData, indices ...int) {
	setActive(d, 1, indices...)
}

// Deactivate marks the given backend indices inactive and repopulates
// the lookup table. Out-of-range indices are silently ignored.
func Deactivate(d *MagData, indices ...int) {
	setActive(d, 0, indices...)
}

func setActive(d *MagData, v uint32, indices ...int) {
	for _, i := range indices {
		if i >= 0 && i < int(d.N) {
			d.Active[i] = v
		}
	}
	Populate(d)
}

// NormalizeM clamps a requested table size into [19, MaxM] and rounds it
// down to the largest prime not exceeding the clamped value.
func NormalizeM(requested uint32) uint32 {
	m := requested
	if m < 20 {
		return minM
	}
	if m > MaxM {
		m = MaxM
	}
	return largestPrimeAtMost(m)
}

// NormalizeN clamps a requested backend-count upper bound into [4, MaxN].
func NormalizeN(requested uint32) uint32 {
	if requested < minN {
		return minN
	}
	if requested > MaxN {
		return MaxN
	}
	return requested
}

// primesBelow100 are used for trial division, matching the original
// implementation's primality test.
var primesBelow100 = [...]uint32{
	2, 3, 5, 7, 11, 13, 17, 19, 23, 29, 31, 37, 41, 43, 47, 53, 59, 61, 67,
	71, 73, 79, 83, 89, 97,
}

func isPrime(n uint32) bool {
	for _, p := range primesBelow100 {
		if n <= p {
			return true
		}
		if n%p == 0 {
			return false
		}
	}
	return true
}

func largestPrimeAtMost(n uint32) uint32 {
	if isPrime(n) {
		return n
	}
	if n%2 == 0 {
		n--
	}
	for n > 1 {
		if isPrime(n) {
			break
		}
		n -= 2
	}
	return n
}
