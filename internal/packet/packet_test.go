package packet

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func buildIPv4TCP(ihl byte, flagsFragOff uint16, proto byte, src, dst [4]byte, srcPort, dstPort uint16) []byte {
	p := make([]byte, 24)
	p[0] = 0x40 | ihl
	p[6] = byte(flagsFragOff >> 8)
	p[7] = byte(flagsFragOff)
	p[9] = proto
	copy(p[12:16], src[:])
	copy(p[16:20], dst[:])
	p[20] = byte(srcPort >> 8)
	p[21] = byte(srcPort)
	p[22] = byte(dstPort >> 8)
	p[23] = byte(dstPort)
	return p
}

func TestDJB2Determinism(t *testing.T) {
	key := []byte{0x0a, 0x00, 0x00, 0x01, 0x0a, 0x00, 0x00, 0x02}
	h1 := DJB2(key)
	h2 := DJB2(key)
	assert.Equal(t, h1, h2)

	// Hand-computed DJB2 over the same bytes.
	var want uint32 = 5381
	for _, b := range key {
		want = want*33 + uint32(b)
	}
	assert.Equal(t, want, h1)
}

func TestExtractIPv4KeyAddressesOnly(t *testing.T) {
	pkt := buildIPv4TCP(5, 0, protoTCP, [4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, 1111, 2222)
	key, ok := ExtractKey(IPv4, pkt, false)
	assert.True(t, ok)
	assert.Equal(t, []byte{10, 0, 0, 1, 10, 0, 0, 2}, key)
}

func TestExtractIPv4KeyWithPorts(t *testing.T) {
	pkt := buildIPv4TCP(5, 0, protoTCP, [4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, 1111, 2222)
	key, ok := ExtractKey(IPv4, pkt, true)
	assert.True(t, ok)
	assert.Len(t, key, 12)
	assert.Equal(t, byte(1111>>8), key[8])
}

func TestExtractIPv4WithOptionsRejected(t *testing.T) {
	pkt := buildIPv4TCP(6, 0, protoTCP, [4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, 1111, 2222)
	_, ok := ExtractKey(IPv4, pkt, false)
	assert.False(t, ok)
}

func TestExtractIPv4FragmentedRejected(t *testing.T) {
	// More-fragments flag set.
	pkt := buildIPv4TCP(5, ipMF, protoTCP, [4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, 1111, 2222)
	_, ok := ExtractKey(IPv4, pkt, false)
	assert.False(t, ok)

	// Nonzero fragment offset.
	pkt2 := buildIPv4TCP(5, 5, protoTCP, [4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, 1111, 2222)
	_, ok2 := ExtractKey(IPv4, pkt2, false)
	assert.False(t, ok2)
}

func TestExtractIPv4NonTCPRejected(t *testing.T) {
	pkt := buildIPv4TCP(5, 0, 17, [4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, 1111, 2222)
	_, ok := ExtractKey(IPv4, pkt, false)
	assert.False(t, ok)
}

func buildIPv6TCP(nextHeader byte, src, dst [16]byte, srcPort, dstPort uint16) []byte {
	p := make([]byte, 44)
	p[6] = nextHeader
	copy(p[8:24], src[:])
	copy(p[24:40], dst[:])
	p[40] = byte(srcPort >> 8)
	p[41] = byte(srcPort)
	p[42] = byte(dstPort >> 8)
	p[43] = byte(dstPort)
	return p
}

func TestExtractIPv6Key(t *testing.T) {
	var src, dst [16]byte
	src[15] = 1
	dst[15] = 2
	pkt := buildIPv6TCP(protoTCP, src, dst, 1111, 2222)

	key, ok := ExtractKey(IPv6, pkt, false)
	assert.True(t, ok)
	assert.Len(t, key, 32)

	keyWithPorts, ok := ExtractKey(IPv6, pkt, true)
	assert.True(t, ok)
	assert.Len(t, keyWithPorts, 36)
}

func TestExtractIPv6NonTCPRejected(t *testing.T) {
	var src, dst [16]byte
	pkt := buildIPv6TCP(protoICMPv6, src, dst, 0, 0)
	_, ok := ExtractKey(IPv6, pkt, false)
	assert.False(t, ok)
}

func TestClassifyNoDecisionOnUnparseable(t *testing.T) {
	pkt := buildIPv4TCP(5, ipMF, protoTCP, [4]byte{}, [4]byte{}, 0, 0)
	mark := Classify(IPv4, pkt, false, func(uint32) int32 {
		t.Fatal("mark function should not be called for an unparseable packet")
		return 0
	})
	assert.EqualValues(t, NoDecision, mark)
}

func TestClassifyDelegatesToMarkFunc(t *testing.T) {
	pkt := buildIPv4TCP(5, 0, protoTCP, [4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, 0, 0)
	var gotHash uint32
	mark := Classify(IPv4, pkt, false, func(h uint32) int32 {
		gotHash = h
		return 7
	})
	assert.EqualValues(t, 7, mark)
	assert.Equal(t, DJB2([]byte{10, 0, 0, 1, 10, 0, 0, 2}), gotHash)
}

func TestICMPHookReservedAlwaysNoDecision(t *testing.T) {
	pkt := buildIPv4TCP(5, 0, protoICMP, [4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, 0, 0)
	pkt = append(pkt, make([]byte, 8)...)
	pkt[20] = icmpDestUnreach
	_, ok := ExtractKey(IPv4, pkt, false)
	assert.False(t, ok)
}
