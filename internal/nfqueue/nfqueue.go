// Package nfqueue is the kernel packet-queue transport: a thin
// NETLINK_NETFILTER client that binds an NFQUEUE queue number, decodes
// inbound packet messages into queue.Packet, and encodes outbound
// verdicts. Framing and transport are explicitly out of scope per
// spec.md §1 ("external collaborator"); this package exists so `run`
// has something real to drive, translated mechanically from the
// original libmnl-based nf-queue.c example the original implementation
// is built on, using golang.org/x/sys/unix raw netlink sockets instead
// of libmnl (no Go netlink/NFQUEUE binding appears anywhere in the
// example pack, so the syscall layer is built directly on the same
// primitives internal/shmem already uses).
package nfqueue

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/sxweetlollipop2912/nfqueue-lb/internal/packet"
	"github.com/sxweetlollipop2912/nfqueue-lb/internal/queue"
)

const (
	nfnlSubsysQueue = 3
	nfnetlinkV0     = 0

	nfqnlMsgPacket = 0
	nfqnlMsgVerdict = 1
	nfqnlMsgConfig  = 2

	nfqnlCfgCmdBind    = 1
	nfqnlCfgCmdUnbind  = 2
	nfqnlCfgCmdPFBind  = 3
	nfqnlCfgCmdPFUnbind = 4

	nfqaCfgCmd    = 1
	nfqaCfgParams = 2

	nfqaPacketHdr = 1
	nfqaVerdictHdr = 2
	nfqaMark      = 3
	nfqaPayload   = 10

	nfqnlCopyPacket = 2

	nfAccept = 1

	afUnspec = 0
	afInet   = 2

	nlmFRequest = 0x1

	ethPIP   = 0x0800
	ethPIPv6 = 0x86dd
)

// Client is a bound NFQUEUE connection.
type Client struct {
	fd       int
	queueNum uint16
	seq      uint32
}

// Open binds queueNum on NETLINK_NETFILTER, following the same
// PF_UNBIND -> PF_BIND -> BIND -> PARAMS sequence as the original
// cmdRun(). copyRange bounds how much of each packet the kernel copies
// to userspace (0xffff mirrors the original's full-packet copy mode).
func Open(queueNum uint16) (*Client, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW, unix.NETLINK_NETFILTER)
	if err != nil {
		return nil, fmt.Errorf("nfqueue: socket: %w", err)
	}
	sa := &unix.SockaddrNetlink{Family: unix.AF_NETLINK}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("nfqueue: bind: %w", err)
	}

	c := &Client{fd: fd, queueNum: queueNum}

	if err := c.sendPFCmd(0, nfqnlCfgCmdPFUnbind); err != nil {
		c.Close()
		return nil, err
	}
	if err := c.sendPFCmd(0, nfqnlCfgCmdPFBind); err != nil {
		c.Close()
		return nil, err
	}
	if err := c.sendPFCmd(queueNum, nfqnlCfgCmdBind); err != nil {
		c.Close()
		return nil, err
	}
	if err := c.sendParams(queueNum, nfqnlCopyPacket, 0xffff); err != nil {
		c.Close()
		return nil, err
	}

	return c, nil
}

// Close releases the netlink socket.
func (c *Client) Close() error {
	return unix.Close(c.fd)
}

// Recv blocks for the next queued packet.
func (c *Client) Recv() (queue.Packet, bool) {
	buf := make([]byte, 0xffff+unix.NLMSG_HDRLEN+256)
	n, _, err := unix.Recvfrom(c.fd, buf, 0)
	if err != nil || n < unix.NLMSG_HDRLEN {
		return queue.Packet{}, false
	}
	p, ok := decodePacketMessage(buf[:n])
	return p, ok
}

// Answer sends an ACCEPT verdict carrying v.Mark as the packet's
// firewall mark.
func (c *Client) Answer(v queue.Verdict) error {
	msg := c.buildVerdict(v.ID, uint32(v.Mark))
	_, err := unix.Write(c.fd, msg)
	return err
}

func (c *Client) nextSeq() uint32 {
	c.seq++
	return c.seq
}

// --- message construction -------------------------------------------------

func putNlmsghdr(buf []byte, msgType uint16, seq uint32) []byte {
	hdr := make([]byte, unix.NLMSG_HDRLEN)
	binary.LittleEndian.PutUint16(hdr[4:6], uint16(nfnlSubsysQueue)<<8|msgType&0xff)
	binary.LittleEndian.PutUint16(hdr[6:8], nlmFRequest)
	binary.LittleEndian.PutUint32(hdr[8:12], seq)
	// length patched by caller once the full message is known.
	return append(buf, hdr...)
}

func putNfgenmsg(buf []byte, family uint8, resID uint16) []byte {
	nfg := make([]byte, 4)
	nfg[0] = family
	nfg[1] = nfnetlinkV0
	binary.BigEndian.PutUint16(nfg[2:4], resID)
	return append(buf, nfg...)
}

func nlaAlign(n int) int {
	return (n + 3) &^ 3
}

func putAttr(buf []byte, attrType uint16, data []byte) []byte {
	total := 4 + len(data)
	la := make([]byte, nlaAlign(total))
	binary.LittleEndian.PutUint16(la[0:2], uint16(total))
	binary.LittleEndian.PutUint16(la[2:4], attrType)
	copy(la[4:], data)
	return append(buf, la...)
}

func finalize(buf []byte) []byte {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(buf)))
	return buf
}

func (c *Client) sendPFCmd(queueNum uint16, cmd uint8) error {
	var buf []byte
	buf = putNlmsghdr(buf, nfqnlMsgConfig, c.nextSeq())
	buf = putNfgenmsg(buf, afUnspec, queueNum)

	// struct nfqnl_msg_config_cmd: command, pad, big-endian pf.
	cmdAttr := make([]byte, 4)
	cmdAttr[0] = cmd
	binary.BigEndian.PutUint16(cmdAttr[2:4], afInet)
	buf = putAttr(buf, nfqaCfgCmd, cmdAttr)

	buf = finalize(buf)
	_, err := unix.Write(c.fd, buf)
	return err
}

func (c *Client) sendParams(queueNum uint16, copyMode uint8, copyRange uint32) error {
	var buf []byte
	buf = putNlmsghdr(buf, nfqnlMsgConfig, c.nextSeq())
	buf = putNfgenmsg(buf, afUnspec, queueNum)

	params := make([]byte, 5)
	binary.BigEndian.PutUint32(params[0:4], copyRange)
	params[4] = copyMode
	buf = putAttr(buf, nfqaCfgParams, params)

	buf = finalize(buf)
	_, err := unix.Write(c.fd, buf)
	return err
}

func (c *Client) buildVerdict(id uint32, mark uint32) []byte {
	var buf []byte
	buf = putNlmsghdr(buf, nfqnlMsgVerdict, c.nextSeq())
	buf = putNfgenmsg(buf, afUnspec, c.queueNum)

	vhdr := make([]byte, 8)
	binary.BigEndian.PutUint32(vhdr[0:4], nfAccept)
	binary.BigEndian.PutUint32(vhdr[4:8], id)
	buf = putAttr(buf, nfqaVerdictHdr, vhdr)

	markBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(markBytes, mark)
	buf = putAttr(buf, nfqaMark, markBytes)

	return finalize(buf)
}

// --- message decoding -------------------------------------------------

type attr struct {
	typ  uint16
	data []byte
}

func parseAttrs(data []byte) []attr {
	var attrs []attr
	for len(data) >= 4 {
		l := binary.LittleEndian.Uint16(data[0:2])
		t := binary.LittleEndian.Uint16(data[2:4])
		if int(l) < 4 || int(l) > len(data) {
			break
		}
		attrs = append(attrs, attr{typ: t & 0x3fff, data: data[4:l]})
		data = data[nlaAlign(int(l)):]
	}
	return attrs
}

func decodePacketMessage(buf []byte) (queue.Packet, bool) {
	if len(buf) < unix.NLMSG_HDRLEN+4 {
		return queue.Packet{}, false
	}
	msgType := binary.LittleEndian.Uint16(buf[4:6]) & 0xff
	if msgType != nfqnlMsgPacket {
		return queue.Packet{}, false
	}

	body := buf[unix.NLMSG_HDRLEN+4:]
	attrs := parseAttrs(body)

	var (
		id      uint32
		hwProto uint16
		payload []byte
		haveHdr bool
	)
	for _, a := range attrs {
		switch a.typ {
		case nfqaPacketHdr:
			if len(a.data) >= 4 {
				id = binary.BigEndian.Uint32(a.data[0:4])
			}
			if len(a.data) >= 6 {
				hwProto = binary.BigEndian.Uint16(a.data[4:6])
			}
			haveHdr = true
		case nfqaPayload:
			payload = a.data
		}
	}
	if !haveHdr {
		return queue.Packet{}, false
	}

	var l2 packet.L2Protocol
	switch hwProto {
	case ethPIP:
		l2 = packet.IPv4
	case ethPIPv6:
		l2 = packet.IPv6
	default:
		return queue.Packet{}, false
	}

	return queue.Packet{ID: id, Protocol: l2, Payload: payload}, true
}
