// Package packet parses the IPv4/IPv6 header subset needed to extract
// a Maglev/modulo hashing key from a Layer-3 frame, and implements the
// DJB2 byte-string hash the classifier indexes its lookup tables with.
//
// Mirrors the original nfqueue-lb handlePacket()/djb2_hash(): IPv4 and
// IPv6 are treated as mutually exclusive, independently terminating
// branches (see DESIGN.md's resolution of the header-switch open
// question), options/fragmentation/ICMP-inner-rehash are unsupported
// and yield mark 0, never an error.
package packet

// L2Protocol identifies the Layer-2 protocol the queue layer reports
// alongside a payload, i.e. which header the payload begins with.
type L2Protocol int

const (
	IPv4 L2Protocol = iota
	IPv6
)

const (
	protoICMP   = 1
	protoTCP    = 6
	protoICMPv6 = 58

	icmpDestUnreach   = 3
	icmpv6DestUnreach = 1

	ipOffMask = 0x1fff
	ipMF      = 0x2000
)

// NoDecision is returned whenever the classifier has no mark to give: an
// unhandled protocol, a fragment, an IPv4 packet with options, or the
// not-yet-implemented ICMP inner-packet rehash. The queue layer treats
// it as "no mark / default route", never as an error.
const NoDecision = 0

// MarkFunc resolves a 32-bit hash to a fwmark by indexing a lookup
// table (Maglev or modulo) and adding the configured offset. It returns
// NoDecision if the table has no active backend to offer.
type MarkFunc func(hash uint32) int32

// Classify parses payload as an L2Protocol frame, extracts the hashing
// key, hashes it with DJB2, and resolves the mark via mark. Any
// unparseable or unsupported packet yields NoDecision.
func Classify(proto L2Protocol, payload []byte, portExtension bool, mark MarkFunc) int32 {
	key, ok := ExtractKey(proto, payload, portExtension)
	if !ok {
		return NoDecision
	}
	return mark(DJB2(key))
}

// ExtractKey returns the hashing key bytes for payload (interpreted as
// proto), and whether a key could be extracted at all. TCP packets key
// on address pairs (optionally extended with the port pair); all other
// cases, including the reserved ICMP destination-unreachable rehash
// hook, report ok=false.
func ExtractKey(proto L2Protocol, payload []byte, portExtension bool) (key []byte, ok bool) {
	switch proto {
	case IPv4:
		return extractIPv4Key(payload, portExtension)
	case IPv6:
		return extractIPv6Key(payload, portExtension)
	default:
		return nil, false
	}
}

func extractIPv4Key(payload []byte, portExtension bool) ([]byte, bool) {
	const minHeader = 20
	if len(payload) < minHeader {
		return nil, false
	}

	ihl := payload[0] & 0x0f
	if ihl != 5 {
		return nil, false // can't handle options
	}

	fragField := uint16(payload[6])<<8 | uint16(payload[7])
	if fragField&(ipOffMask|ipMF) != 0 {
		return nil, false // can't handle fragments
	}

	nextProto := payload[9]
	switch nextProto {
	case protoTCP:
		keyLen := 8
		if portExtension {
			keyLen = 12
		}
		if len(payload) < 12+keyLen {
			return nil, false
		}
		return payload[12 : 12+keyLen], true
	case protoICMP:
		return handleICMPv4Hook(payload)
	default:
		return nil, false
	}
}

func extractIPv6Key(payload []byte, portExtension bool) ([]byte, bool) {
	const minHeader = 40
	if len(payload) < minHeader {
		return nil, false
	}

	nextHeader := payload[6]
	switch nextHeader {
	case protoTCP:
		keyLen := 32
		if portExtension {
			keyLen = 36
		}
		if len(payload) < 8+keyLen {
			return nil, false
		}
		return payload[8 : 8+keyLen], true
	case protoICMPv6:
		return handleICMPv6Hook(payload)
	default:
		return nil, false
	}
}

// handleICMPv4Hook and handleICMPv6Hook are the reserved "re-hash on the
// inner packet with source/destination swapped" branch. Left
// unimplemented per spec: always reports no key, regardless of ICMP
// type, so NoDecision is returned for every ICMPv4/v6 packet today. The
// type check is kept so the branch is visible for a future
// implementation without touching Classify's callers.
func handleICMPv4Hook(payload []byte) ([]byte, bool) {
	const icmpOffset = 20
	if len(payload) <= icmpOffset {
		return nil, false
	}
	if payload[icmpOffset] == icmpDestUnreach {
		// TODO: hash the inner IP header with src/dst swapped.
	}
	return nil, false
}

func handleICMPv6Hook(payload []byte) ([]byte, bool) {
	const icmpOffset = 40
	if len(payload) <= icmpOffset {
		return nil, false
	}
	if payload[icmpOffset] == icmpv6DestUnreach {
		// TODO: hash the inner IP header with src/dst swapped.
	}
	return nil, false
}

// DJB2 hashes data as a raw byte sequence: seed 5381, h = h*33 + b for
// every byte, wrapping in 32-bit unsigned arithmetic.
func DJB2(data []byte) uint32 {
	var h uint32 = 5381
	for _, b := range data {
		h = (h << 5) + h + uint32(b) // h*33 + b
	}
	return h
}
