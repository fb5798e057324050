//go:build linux

package collector

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"

	"github.com/markus-lassfolk/uomping/pkg"
)

// ICMPProber sends echo requests from an unprivileged ICMP datagram socket
// bound to the interface, without an external tool. It needs
// net.ipv4.ping_group_range to include the process group.
type ICMPProber struct {
	Timeout time.Duration
	seq     atomic.Uint32
}

// NewICMPProber creates a native prober waiting at most timeout for a reply
func NewICMPProber(timeout time.Duration) *ICMPProber {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &ICMPProber{Timeout: timeout}
}

// Probe sends a single echo request to target through iface
func (p *ICMPProber) Probe(ctx context.Context, iface, target string) (ProbeSample, error) {
	dst, err := net.ResolveIPAddr("ip4", target)
	if err != nil {
		return ProbeSample{}, fmt.Errorf("%w: resolve %s: %v", pkg.ErrProbeMiss, target, err)
	}

	conn, err := listenBound(iface)
	if err != nil {
		return ProbeSample{}, fmt.Errorf("%w: %v", pkg.ErrProbeMiss, err)
	}
	defer conn.Close()

	// unblock the read as soon as the worker is cancelled
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	seq := int(p.seq.Add(1) & 0xffff)
	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Body: &icmp.Echo{ID: os.Getpid() & 0xffff, Seq: seq, Data: make([]byte, 56)},
	}
	wire, err := msg.Marshal(nil)
	if err != nil {
		return ProbeSample{}, fmt.Errorf("%w: marshal: %v", pkg.ErrProbeMiss, err)
	}

	deadline := time.Now().Add(p.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return ProbeSample{}, fmt.Errorf("%w: %v", pkg.ErrProbeMiss, err)
	}

	start := time.Now()
	if _, err := conn.WriteTo(wire, &net.UDPAddr{IP: dst.IP}); err != nil {
		if ctx.Err() != nil {
			return ProbeSample{}, ctx.Err()
		}
		return ProbeSample{}, fmt.Errorf("%w: send: %v", pkg.ErrProbeMiss, err)
	}

	buf := make([]byte, 1500)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ProbeSample{}, ctx.Err()
			}
			return ProbeSample{}, fmt.Errorf("%w: %v", pkg.ErrProbeMiss, err)
		}
		rtt := time.Since(start)

		reply, err := icmp.ParseMessage(1, buf[:n])
		if err != nil || reply.Type != ipv4.ICMPTypeEchoReply {
			continue
		}
		// the kernel rewrites the echo ID on datagram sockets, so only the
		// sequence number identifies our reply
		if echo, ok := reply.Body.(*icmp.Echo); !ok || echo.Seq != seq {
			continue
		}
		return ProbeSample{
			Timestamp: pkg.EpochSeconds(start),
			Host:      dst.IP.String(),
			Seq:       seq,
			Bytes:     n,
			RTT:       float64(rtt.Microseconds()) / 1000.0,
		}, nil
	}
}

// listenBound opens an ICMP datagram socket bound to iface with SO_BINDTODEVICE
func listenBound(iface string) (net.PacketConn, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, unix.IPPROTO_ICMP)
	if err != nil {
		return nil, fmt.Errorf("icmp socket: %w", err)
	}
	if err := unix.SetsockoptString(fd, unix.SOL_SOCKET, unix.SO_BINDTODEVICE, iface); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind to %s: %w", iface, err)
	}

	f := os.NewFile(uintptr(fd), "icmp-"+iface)
	defer f.Close()
	conn, err := net.FilePacketConn(f)
	if err != nil {
		return nil, fmt.Errorf("icmp conn: %w", err)
	}
	return conn, nil
}
