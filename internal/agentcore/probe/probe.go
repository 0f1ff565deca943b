// Package probe implements the Agent Probe Engine (spec.md §4.3): one TTL
// sweep per call, dispatched across ICMP/TCP/UDP with per-TTL concurrency
// bounded by a worker pool.
package probe

import (
	"context"
	"crypto/rand"
	"errors"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"syscall"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/courage2groww/network-master/internal/observability"
	"github.com/courage2groww/network-master/internal/protocol"
)

const (
	defaultWorkerPoolSize = 64
	maxEffectiveTTL       = 30
	udpBasePort           = 33434
)

// Engine executes trace rounds for the scheduler, one TTL sweep per call.
type Engine struct {
	metrics *observability.MetricsManager
	logger  *slog.Logger
	sem     chan struct{} // worker pool: bounds concurrent blocking socket calls
	limiter *rate.Limiter // paces probe dispatch across concurrently-due targets
	echoID  int
}

func New(metrics *observability.MetricsManager, logger *slog.Logger) *Engine {
	return &Engine{
		metrics: metrics,
		logger:  logger,
		sem:     make(chan struct{}, defaultWorkerPoolSize),
		limiter: rate.NewLimiter(rate.Limit(200), 50),
		echoID:  os.Getpid() & 0xffff,
	}
}

// Run executes one round toward destIP and returns hops in ascending TTL
// order, one entry per TTL in 1..=effective_max_ttl (spec.md §4.3).
func (e *Engine) Run(ctx context.Context, method protocol.ProbeMethod, destIP net.IP, port, packetSize, knownHops, maxHops int, timeout time.Duration) []protocol.HopSample {
	effective := knownHops
	if maxHops > effective {
		effective = maxHops
	}
	if effective > maxEffectiveTTL {
		effective = maxEffectiveTTL
	}
	if effective < 1 {
		effective = 1
	}

	hops := make([]protocol.HopSample, effective)
	var wg sync.WaitGroup
	for ttl := 1; ttl <= effective; ttl++ {
		wg.Add(1)
		go func(ttl int) {
			defer wg.Done()
			hops[ttl-1] = e.probeOne(ctx, method, destIP, port, packetSize, ttl, timeout)
		}(ttl)
	}
	wg.Wait()
	return hops
}

func (e *Engine) probeOne(ctx context.Context, method protocol.ProbeMethod, destIP net.IP, port, packetSize, ttl int, timeout time.Duration) protocol.HopSample {
	if err := e.limiter.Wait(ctx); err != nil {
		return lostHop(ttl)
	}

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return lostHop(ttl)
	}
	defer func() { <-e.sem }()

	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resultCh := make(chan protocol.HopSample, 1)
	go func() {
		var hop protocol.HopSample
		switch method {
		case protocol.ProbeICMP:
			hop = e.probeICMP(destIP, ttl, packetSize, timeout)
		case protocol.ProbeTCP:
			hop = e.probeTCP(destIP, port, ttl, timeout)
		case protocol.ProbeUDP:
			hop = e.probeUDP(destIP, port, ttl, timeout)
		default:
			hop = lostHop(ttl)
		}
		resultCh <- hop
	}()

	var hop protocol.HopSample
	select {
	case hop = <-resultCh:
	case <-taskCtx.Done():
		// Task-boundary backstop: the worker carries its own socket
		// deadline, this just guarantees probeOne itself never outlives
		// the per-hop timeout even if that deadline is missed.
		hop = lostHop(ttl)
	}

	hop.HopNumber = ttl
	if e.metrics != nil {
		if hop.IsLost {
			e.metrics.IncrementProbesLost(ctx, string(method))
		} else {
			e.metrics.IncrementProbesSent(ctx, string(method))
			if hop.RTTMicros != nil {
				e.metrics.RecordProbeRTT(ctx, string(method), time.Duration(*hop.RTTMicros)*time.Microsecond)
			}
		}
	}
	return hop
}

func lostHop(ttl int) protocol.HopSample {
	return protocol.HopSample{HopNumber: ttl, IsLost: true}
}

func rttHop(ip string, rtt time.Duration) protocol.HopSample {
	ipCopy, us := ip, uint32(rtt.Microseconds())
	return protocol.HopSample{IPAddress: &ipCopy, RTTMicros: &us}
}

// probeICMP uses an unprivileged "datagram" ICMP socket when the OS exposes
// one (no elevated privileges needed), falling back to a raw ICMP socket.
// An IPv6 destination is rejected per spec.md §4.3.
func (e *Engine) probeICMP(destIP net.IP, ttl, packetSize int, timeout time.Duration) protocol.HopSample {
	dst4 := destIP.To4()
	if dst4 == nil {
		return lostHop(0)
	}

	conn, err := icmp.ListenPacket("udp4:icmp", "0.0.0.0")
	var dst net.Addr = &net.UDPAddr{IP: dst4}
	if err != nil {
		conn, err = icmp.ListenPacket("ip4:icmp", "0.0.0.0")
		dst = &net.IPAddr{IP: dst4}
	}
	if err != nil {
		return lostHop(0)
	}
	defer conn.Close()

	pconn := conn.IPv4PacketConn()
	if err := pconn.SetTTL(ttl); err != nil {
		return lostHop(0)
	}

	payload := make([]byte, maxInt(1, packetSize-8))
	_, _ = rand.Read(payload)

	seq := ttl & 0xffff
	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{ID: e.echoID, Seq: seq, Data: payload},
	}
	wire, err := msg.Marshal(nil)
	if err != nil {
		return lostHop(0)
	}

	sentAt := time.Now()
	if _, err := conn.WriteTo(wire, dst); err != nil {
		return lostHop(0)
	}
	if err := conn.SetReadDeadline(sentAt.Add(timeout)); err != nil {
		return lostHop(0)
	}

	buf := make([]byte, 1500)
	for {
		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			return lostHop(0)
		}
		rtt := time.Since(sentAt)

		reply, err := icmp.ParseMessage(1, buf[:n])
		if err != nil {
			continue
		}

		peerIP := peerAddrIP(peer)

		switch body := reply.Body.(type) {
		case *icmp.Echo:
			if reply.Type == ipv4.ICMPTypeEchoReply && body.ID == e.echoID && body.Seq == seq {
				return rttHop(peerIP, rtt)
			}
		case *icmp.TimeExceeded:
			if id, gotSeq, ok := parseEmbeddedEcho(body.Data); ok && id == e.echoID && gotSeq == seq {
				return rttHop(peerIP, rtt)
			}
		case *icmp.DstUnreach:
			if id, gotSeq, ok := parseEmbeddedEcho(body.Data); ok && id == e.echoID && gotSeq == seq {
				return rttHop(peerIP, rtt)
			}
		}
		// not a match for this probe; keep reading until the deadline fires
	}
}

// parseEmbeddedEcho extracts the ID/Seq of the original echo request carried
// inside a TimeExceeded or DstUnreach payload (original IP header + first 8
// bytes of the original ICMP datagram).
func parseEmbeddedEcho(data []byte) (id, seq int, ok bool) {
	if len(data) < 20 {
		return 0, 0, false
	}
	ihl := int(data[0]&0x0f) * 4
	if ihl < 20 || len(data) < ihl+8 {
		return 0, 0, false
	}
	h := data[ihl:]
	id = int(h[4])<<8 | int(h[5])
	seq = int(h[6])<<8 | int(h[7])
	return id, seq, true
}

// probeTCP opens a stream socket with TTL set before connect so a low TTL
// can still produce a router's TIME_EXCEEDED on the SYN.
func (e *Engine) probeTCP(destIP net.IP, port, ttl int, timeout time.Duration) protocol.HopSample {
	if port == 0 {
		port = 80
	}
	network := "tcp4"
	if destIP.To4() == nil {
		network = "tcp6"
	}

	dialer := net.Dialer{
		Timeout: timeout,
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			if ctlErr := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TTL, ttl)
			}); ctlErr != nil {
				return ctlErr
			}
			return sockErr
		},
	}

	sentAt := time.Now()
	conn, err := dialer.Dial(network, net.JoinHostPort(destIP.String(), strconv.Itoa(port)))
	rtt := time.Since(sentAt)
	if err != nil {
		if isTimeout(err) {
			return lostHop(0)
		}
		// A quick non-timeout failure (refused, or a TTL-exceeded ICMP
		// error surfaced by the stack) is still a response per spec.md §4.3.
		return rttHop(destIP.String(), rtt)
	}
	conn.Close()
	return rttHop(destIP.String(), rtt)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// probeUDP sends to dest_ip:33434+(ttl-1) and listens on a parallel ICMP
// socket for the router/destination's error response, the classic UDP
// traceroute technique: replies never arrive on the UDP socket itself.
func (e *Engine) probeUDP(destIP net.IP, port, ttl int, timeout time.Duration) protocol.HopSample {
	destPort := udpBasePort + (ttl - 1)

	icmpConn, err := icmp.ListenPacket("udp4:icmp", "0.0.0.0")
	if err != nil {
		icmpConn, err = icmp.ListenPacket("ip4:icmp", "0.0.0.0")
	}
	if err != nil {
		return lostHop(0)
	}
	defer icmpConn.Close()

	udpConn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return lostHop(0)
	}
	defer udpConn.Close()

	if err := ipv4.NewConn(udpConn).SetTTL(ttl); err != nil {
		return lostHop(0)
	}

	srcPort := udpConn.LocalAddr().(*net.UDPAddr).Port
	payload := make([]byte, 32)
	sentAt := time.Now()
	if _, err := udpConn.WriteToUDP(payload, &net.UDPAddr{IP: destIP, Port: destPort}); err != nil {
		return lostHop(0)
	}
	if err := icmpConn.SetReadDeadline(sentAt.Add(timeout)); err != nil {
		return lostHop(0)
	}

	buf := make([]byte, 1500)
	for {
		n, peer, err := icmpConn.ReadFrom(buf)
		if err != nil {
			return lostHop(0)
		}
		rtt := time.Since(sentAt)

		reply, err := icmp.ParseMessage(1, buf[:n])
		if err != nil {
			continue
		}

		var embedded []byte
		switch body := reply.Body.(type) {
		case *icmp.TimeExceeded:
			embedded = body.Data
		case *icmp.DstUnreach:
			embedded = body.Data
		default:
			continue
		}
		if !matchesUDPProbe(embedded, srcPort, destPort) {
			continue
		}

		return rttHop(peerAddrIP(peer), rtt)
	}
}

// matchesUDPProbe checks the embedded original datagram's UDP ports to
// correlate an ICMP error with the probe that triggered it.
func matchesUDPProbe(embedded []byte, srcPort, destPort int) bool {
	if len(embedded) < 20 {
		return false
	}
	ihl := int(embedded[0]&0x0f) * 4
	if ihl < 20 || len(embedded) < ihl+4 {
		return false
	}
	h := embedded[ihl:]
	gotSrc := int(h[0])<<8 | int(h[1])
	gotDst := int(h[2])<<8 | int(h[3])
	return gotSrc == srcPort && gotDst == destPort
}

func peerAddrIP(peer net.Addr) string {
	switch a := peer.(type) {
	case *net.UDPAddr:
		return a.IP.String()
	case *net.IPAddr:
		return a.IP.String()
	default:
		return peer.String()
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
