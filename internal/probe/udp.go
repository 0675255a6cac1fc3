package probe

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/doridoridoriand/latency-probe/internal/clock"
)

const udpMagic = "LPRB"

var errUDPMismatch = errors.New("echo response does not match request token")

// UDPProber sends a token to a UDP echo service and waits for it to come back.
type UDPProber struct {
	clock  clock.Clock
	dialer net.Dialer
}

func NewUDPProber(c clock.Clock) *UDPProber {
	return &UDPProber{clock: c}
}

// Probe uses a fresh socket per attempt so a late echo from an earlier,
// timed-out attempt can never be mistaken for this one's.
func (p *UDPProber) Probe(ctx context.Context, host string, port uint16, timeout time.Duration) Outcome {
	ctx, cancel := withDeadline(ctx, timeout)
	defer cancel()

	start := p.clock.Now()
	elapsed := func() time.Duration { return clock.Since(p.clock, start) }

	conn, err := p.dialer.DialContext(ctx, "udp", net.JoinHostPort(host, strconv.Itoa(int(port))))
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

	token := uuid.New()
	payload := append([]byte(udpMagic), token[:]...)
	if _, err := conn.Write(payload); err != nil {
		return fromError(ctx, elapsed(), err)
	}

	buf := make([]byte, 512)
	n, err := conn.Read(buf)
	if err != nil {
		return fromError(ctx, elapsed(), err)
	}
	if !bytes.Equal(buf[:n], payload) {
		return failure(elapsed(), ReasonMismatch, errUDPMismatch)
	}
	return success(elapsed())
}
