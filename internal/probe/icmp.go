package probe

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/doridoridoriand/latency-probe/internal/clock"
)

const echoMagic = "latprobe"

var errEchoMismatch = errors.New("echo reply payload does not match request")

// ICMPProber sends ICMP echo requests. Every request carries the process
// identifier, a per-request sequence number and a random token, so replies
// are matched to the exact request even when many probes target one host.
type ICMPProber struct {
	clock      clock.Clock
	id         int
	seq        atomic.Uint32
	privileged bool
}

// NewICMPProber uses raw sockets when privileged is true and unprivileged
// datagram ICMP sockets otherwise.
func NewICMPProber(c clock.Clock, privileged bool) *ICMPProber {
	return &ICMPProber{clock: c, id: os.Getpid() & 0xffff, privileged: privileged}
}

// Probe sends one echo request and waits for the matching reply.
func (p *ICMPProber) Probe(ctx context.Context, host string, _ uint16, timeout time.Duration) Outcome {
	ctx, cancel := withDeadline(ctx, timeout)
	defer cancel()

	start := p.clock.Now()
	elapsed := func() time.Duration { return clock.Since(p.clock, start) }

	if err := ctx.Err(); err != nil {
		return fromError(ctx, 0, err)
	}

	ip, err := resolveIP(ctx, host)
	if err != nil {
		return fromError(ctx, elapsed(), err)
	}

	network, protocol, requestType, replyType := icmpSettings(ip, p.privileged)
	conn, err := icmp.ListenPacket(network, "")
	if err != nil {
		return fromError(ctx, elapsed(), err)
	}
	defer conn.Close()
	stop := closeOnDone(ctx, conn)
	defer stop()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return fromError(ctx, elapsed(), err)
		}
	}

	seq := int(p.seq.Add(1) & 0xffff)
	token := uuid.New()
	data := append([]byte(echoMagic), token[:]...)
	msg := icmp.Message{
		Type: requestType,
		Code: 0,
		Body: &icmp.Echo{ID: p.id, Seq: seq, Data: data},
	}
	payload, err := msg.Marshal(nil)
	if err != nil {
		return failure(elapsed(), ReasonMalformed, err)
	}

	var dst net.Addr = &net.IPAddr{IP: ip}
	if !p.privileged {
		dst = &net.UDPAddr{IP: ip}
	}
	if _, err := conn.WriteTo(payload, dst); err != nil {
		return fromError(ctx, elapsed(), err)
	}

	buf := make([]byte, 1500)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			return fromError(ctx, elapsed(), err)
		}

		reply, err := icmp.ParseMessage(protocol, buf[:n])
		if err != nil {
			continue
		}
		if reason, matched, err := p.matchReply(reply, replyType, seq, data, ip.To4() == nil); matched {
			if reason == ReasonNone {
				return success(elapsed())
			}
			return failure(elapsed(), reason, err)
		}
	}
}

// matchReply decides whether reply answers the echo request with seq and
// data. matched is false for messages that belong to another request.
func (p *ICMPProber) matchReply(reply *icmp.Message, replyType icmp.Type, seq int, data []byte, v6 bool) (reason Reason, matched bool, err error) {
	switch reply.Type {
	case replyType:
		body, isEcho := reply.Body.(*icmp.Echo)
		if !isEcho || !p.ownsEcho(body.ID) || body.Seq != seq {
			// Raw sockets receive the replies of every concurrent request;
			// skip them and keep reading.
			return ReasonNone, false, nil
		}
		if !bytes.Equal(body.Data, data) {
			return ReasonMismatch, true, errEchoMismatch
		}
		return ReasonNone, true, nil
	case ipv4.ICMPTypeDestinationUnreachable, ipv4.ICMPTypeTimeExceeded,
		ipv6.ICMPTypeDestinationUnreachable, ipv6.ICMPTypeTimeExceeded:
		id, qseq, quoted := quotedEcho(reply.Body, v6)
		if quoted && p.ownsEcho(id) && qseq == seq {
			return ReasonUnreachable, true, fmt.Errorf("icmp %v", reply.Type)
		}
	}
	return ReasonNone, false, nil
}

// ownsEcho reports whether an echo identifier belongs to this prober. Datagram
// ICMP sockets have the identifier rewritten by the kernel, which also only
// delivers replies for the socket's own identifier.
func (p *ICMPProber) ownsEcho(id int) bool {
	return !p.privileged || id == p.id
}

// quotedEcho extracts the identifier and sequence of the echo request quoted
// in a destination-unreachable or time-exceeded message.
func quotedEcho(body icmp.MessageBody, v6 bool) (id, seq int, ok bool) {
	var data []byte
	switch b := body.(type) {
	case *icmp.DstUnreach:
		data = b.Data
	case *icmp.TimeExceeded:
		data = b.Data
	default:
		return 0, 0, false
	}

	headerLen := ipv6.HeaderLen
	if !v6 {
		if len(data) < 1 {
			return 0, 0, false
		}
		headerLen = int(data[0]&0x0f) * 4
	}
	if len(data) < headerLen+8 {
		return 0, 0, false
	}
	echo := data[headerLen:]
	return int(binary.BigEndian.Uint16(echo[4:6])), int(binary.BigEndian.Uint16(echo[6:8])), true
}

func resolveIP(ctx context.Context, host string) (net.IP, error) {
	if host == "" {
		return nil, &net.DNSError{Err: "empty host", Name: host, IsNotFound: true}
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	for _, addr := range addrs {
		if addr.IP.To4() != nil {
			return addr.IP, nil
		}
	}
	if len(addrs) == 0 {
		return nil, &net.DNSError{Err: "no addresses", Name: host, IsNotFound: true}
	}
	return addrs[0].IP, nil
}

func icmpSettings(ip net.IP, privileged bool) (network string, protocol int, requestType icmp.Type, replyType icmp.Type) {
	if ip.To4() != nil {
		network = "ip4:icmp"
		if !privileged {
			network = "udp4"
		}
		return network, ipv4.ICMPTypeEcho.Protocol(), ipv4.ICMPTypeEcho, ipv4.ICMPTypeEchoReply
	}
	network = "ip6:ipv6-icmp"
	if !privileged {
		network = "udp6"
	}
	return network, ipv6.ICMPTypeEchoRequest.Protocol(), ipv6.ICMPTypeEchoRequest, ipv6.ICMPTypeEchoReply
}
