package probe

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/doridoridoriand/latency-probe/internal/clock"
)

// TCPProber measures the time to complete a TCP handshake.
type TCPProber struct {
	clock  clock.Clock
	dialer net.Dialer
}

func NewTCPProber(c clock.Clock) *TCPProber {
	return &TCPProber{clock: c}
}

// Probe dials host:port and closes the connection as soon as it is established.
// Name resolution happens inside the dial and is part of the measurement.
func (p *TCPProber) Probe(ctx context.Context, host string, port uint16, timeout time.Duration) Outcome {
	ctx, cancel := withDeadline(ctx, timeout)
	defer cancel()

	start := p.clock.Now()
	conn, err := p.dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(int(port))))
	elapsed := clock.Since(p.clock, start)
	if err != nil {
		return fromError(ctx, elapsed, err)
	}
	_ = conn.Close()
	return success(elapsed)
}
