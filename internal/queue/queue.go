// Package queue abstracts the kernel packet-queue transport the data
// plane reads from and answers. The transport itself (framing, the
// netlink/NFQUEUE wire protocol) is out of scope per spec.md §1 — this
// package only models the interface boundary, the way
// health_monitor.HealthMonitor models its own interface-with-impl
// split, so the packet loop can be driven by a test without a kernel.
package queue

import "github.com/sxweetlollipop2912/nfqueue-lb/internal/packet"

// Packet is one message delivered off the queue: an opaque id the
// verdict must echo, the L2 protocol it was classified under, and its
// raw L3 payload.
type Packet struct {
	ID       uint32
	Protocol packet.L2Protocol
	Payload  []byte
}

// Verdict is the answer the data plane returns for a received Packet.
type Verdict struct {
	ID   uint32
	Mark int32
}

// Queue is a full-duplex stream of Packet/Verdict pairs. Recv blocks
// until a packet is available or the queue is closed (io.EOF-shaped
// via ok=false). Answer sends the verdict for a previously received
// packet.
type Queue interface {
	Recv() (p Packet, ok bool)
	Answer(v Verdict) error
	Close() error
}
