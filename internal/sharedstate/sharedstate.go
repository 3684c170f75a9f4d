// Package sharedstate defines the persistent SharedData layout written
// by the control process and read by the data-plane process, plus the
// lifecycle operations (create, activate, deactivate, show) that
// mutate it.
package sharedstate

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/rand"
	"os"
	"unsafe"

	"github.com/sxweetlollipop2912/nfqueue-lb/internal/maglev"
)

// MemVar is the environment variable that overrides the shared region's
// name.
const MemVar = "SHM_NAME"

// DefaultMemName is used when MemVar is unset.
const DefaultMemName = "nfqueue-lb"

// DefaultM and DefaultN are the table parameters create uses when the
// operator supplies none.
const (
	DefaultM = 997
	DefaultN = 10
)

// defaultActiveCount is how many backends create activates by default
// (indices 0..defaultActiveCount-1).
const defaultActiveCount = 4

// SharedData is the persisted region: the classifier's own identity,
// the fwmark offset, and the two lookup structures. Field order and
// widths match spec.md §6 exactly so the layout is a stable, packed,
// fixed-width encoding regardless of host byte order assumptions within
// the pair of cooperating processes (same host/ABI, per spec.md §6).
type SharedData struct {
	OwnFwmark int32
	FwOffset  int32
	Magd      maglev.MagData
	Modulo    maglev.ModuloAux
}

// MemName returns the shared region's name: the MemVar environment
// variable if set, otherwise DefaultMemName.
func MemName() string {
	if v := os.Getenv(MemVar); v != "" {
		return v
	}
	return DefaultMemName
}

// Size is the exact byte size of the persisted region.
func Size() int {
	return binary.Size(SharedData{})
}

// Encode serializes sh into its packed on-disk representation.
func Encode(sh *SharedData) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Grow(Size())
	if err := binary.Write(buf, binary.LittleEndian, sh); err != nil {
		return nil, fmt.Errorf("sharedstate: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode deserializes a SharedData out of its packed representation.
// The result is a heap copy: safe for Show's one-shot snapshot and for
// mutate's read-modify-write, but stale the instant another process
// touches the region afterward. The data-plane packet loop must use
// Overlay instead (see spec.md §3/§5's live-read contract).
func Decode(data []byte) (*SharedData, error) {
	var sh SharedData
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &sh); err != nil {
		return nil, fmt.Errorf("sharedstate: decode: %w", err)
	}
	return &sh, nil
}

// Overlay reinterprets a mapped region's bytes directly as a SharedData,
// without copying: every field access through the returned pointer
// reads the live backing memory, the same "shData->magd.lookup[...]"
// direct indexing the original get_maglev_mark/get_modulo_mark use.
// Every SharedData field is a 4-byte int32/uint32 (or an array of
// them), so the Go struct's natural layout has no padding and matches
// Encode/WriteInto's packed little-endian bytes on the little-endian
// hosts this system targets; region must therefore come straight from
// shmem, sized at least Size().
//
// This is the only correct way for a long-lived reader to observe
// Activate/Deactivate writes made by another process through the same
// mapping (spec.md §3 Lifecycle, §5 "update nActive after lookup").
// Decode's heap copy would freeze the classifier's view at startup.
func Overlay(region []byte) (*SharedData, error) {
	if len(region) < Size() {
		return nil, fmt.Errorf("sharedstate: region too small: have %d, need %d", len(region), Size())
	}
	return (*SharedData)(unsafe.Pointer(&region[0])), nil
}

// WriteInto encodes sh and copies it over dst, which must be at least
// Size() bytes (typically a mapped shared-memory region). Modulo.NActive
// is copied last, after the modulo lookup it bounds, so a concurrent
// reader never sees a count covering entries not yet written.
func WriteInto(dst []byte, sh *SharedData) error {
	encoded, err := Encode(sh)
	if err != nil {
		return err
	}
	if len(dst) < len(encoded) {
		return fmt.Errorf("sharedstate: destination too small: have %d, need %d", len(dst), len(encoded))
	}
	nActiveOff := len(encoded) - binary.Size(maglev.ModuloAux{})
	nActiveEnd := nActiveOff + binary.Size(sh.Modulo.NActive)
	copy(dst[:nActiveOff], encoded[:nActiveOff])
	copy(dst[nActiveEnd:len(encoded)], encoded[nActiveEnd:])
	copy(dst[nActiveOff:nActiveEnd], encoded[nActiveOff:nActiveEnd])
	return nil
}

// New builds a fresh SharedData: requestedM/N are clamped and rounded
// per spec.md §4.1's table-parameter acceptance rules, permutations are
// drawn from rng, backends 0..3 are activated by default, and both
// lookup tables are populated.
func New(ownFwmark, fwOffset int32, requestedM, requestedN uint32, rng *rand.Rand) (*SharedData, error) {
	m := maglev.NormalizeM(requestedM)
	n := maglev.NormalizeN(requestedN)

	sh := &SharedData{OwnFwmark: ownFwmark, FwOffset: fwOffset}
	if err := maglev.Init(&sh.Magd, m, n, rng); err != nil {
		return nil, err
	}

	activate := defaultActiveCount
	if uint32(activate) > n {
		activate = int(n)
	}
	ids := make([]int, activate)
	for i := range ids {
		ids[i] = i
	}
	maglev.Activate(&sh.Magd, ids...)
	maglev.UpdateModulo(&sh.Modulo, &sh.Magd)

	return sh, nil
}

// Activate marks the backends named by markIDs (expressed in mark
// space, i.e. with FwOffset already added, per spec.md's glossary)
// active and refreshes both lookup tables.
func Activate(sh *SharedData, markIDs ...int) {
	maglev.Activate(&sh.Magd, adjust(sh, markIDs)...)
	maglev.UpdateModulo(&sh.Modulo, &sh.Magd)
}

// Deactivate is Activate's inverse.
func Deactivate(sh *SharedData, markIDs ...int) {
	maglev.Deactivate(&sh.Magd, adjust(sh, markIDs)...)
	maglev.UpdateModulo(&sh.Modulo, &sh.Magd)
}

func adjust(sh *SharedData, markIDs []int) []int {
	ids := make([]int, len(markIDs))
	for i, id := range markIDs {
		ids[i] = id - int(sh.FwOffset)
	}
	return ids
}
