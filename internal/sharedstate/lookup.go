package sharedstate

import "github.com/sxweetlollipop2912/nfqueue-lb/internal/packet"

// Mode selects which lookup table a running classifier indexes.
type Mode string

const (
	ModeMaglev Mode = "maglev"
	ModeModulo Mode = "modulo"
)

// MarkFunc builds the packet.MarkFunc for the given mode against sh.
// sh is read without locking, matching spec.md §5's discipline: every
// field it touches is a single word whose in-flight inconsistency can
// only misdirect one packet, never corrupt memory. For this to observe
// a separate writer's activate/deactivate calls, sh must be a live
// overlay of the mapped region (sharedstate.Overlay), not a Decode
// snapshot — MarkFunc itself has no opinion on which, it just indexes
// whatever sh points to on every call.
func MarkFunc(sh *SharedData, mode Mode) packet.MarkFunc {
	switch mode {
	case ModeModulo:
		return func(hash uint32) int32 {
			n := sh.Modulo.NActive
			if n == 0 {
				return packet.NoDecision
			}
			backend := sh.Modulo.Lookup[hash%uint32(n)]
			return backend + sh.FwOffset
		}
	default:
		return func(hash uint32) int32 {
			backend := sh.Magd.Lookup[hash%sh.Magd.M]
			if backend < 0 {
				return packet.NoDecision
			}
			return backend + sh.FwOffset
		}
	}
}
