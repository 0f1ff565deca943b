// Package traffic implements the Agent Traffic Monitor (SPEC_FULL.md
// §4.14): a periodic scan of the host's active TCP/UDP connections,
// emitted as a ProcessTraffic envelope on the same outbound path as probe
// reports.
package traffic

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	gopsutilnet "github.com/shirou/gopsutil/v3/net"

	"github.com/courage2groww/network-master/internal/protocol"
)

const defaultInterval = 10 * time.Second

// Monitor periodically samples host connections and emits them.
type Monitor struct {
	agentID  uuid.UUID
	interval time.Duration
	outbound chan<- protocol.Envelope
	logger   *slog.Logger
}

func New(agentID uuid.UUID, interval time.Duration, outbound chan<- protocol.Envelope, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Monitor{agentID: agentID, interval: interval, outbound: outbound, logger: logger}
}

// Run blocks until ctx is cancelled, sampling once per the interval passed
// to New.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sampleOnce(ctx)
		}
	}
}

func (m *Monitor) sampleOnce(ctx context.Context) {
	conns, err := gopsutilnet.ConnectionsWithContext(ctx, "inet")
	if err != nil {
		m.logger.WarnContext(ctx, "traffic: failed sampling connections", "error", err)
		return
	}

	samples := make([]protocol.ConnectionSample, 0, len(conns))
	for _, c := range conns {
		samples = append(samples, toConnectionSample(c))
	}

	env, err := protocol.Pack(protocol.TagProcessTraffic, protocol.ProcessTraffic{
		AgentID:     m.agentID,
		CapturedAt:  time.Now().UTC(),
		Connections: samples,
	})
	if err != nil {
		m.logger.WarnContext(ctx, "traffic: failed packing process_traffic", "error", err)
		return
	}

	// Same backpressure rule as probe reports: a full queue drops and
	// logs rather than blocking the rest of the agent (SPEC_FULL.md §4.14).
	select {
	case m.outbound <- env:
	default:
		m.logger.WarnContext(ctx, "traffic: outbound queue full, dropping sample")
	}
}

func toConnectionSample(c gopsutilnet.ConnectionStat) protocol.ConnectionSample {
	proto := "tcp"
	if c.Type == 2 { // syscall.SOCK_DGRAM
		proto = "udp"
	}

	sample := protocol.ConnectionSample{
		LocalAddr:  formatAddr(c.Laddr),
		RemoteAddr: formatAddr(c.Raddr),
		Protocol:   proto,
	}
	if c.Pid != 0 {
		pid := c.Pid
		sample.PID = &pid
	}
	if c.Status != "" {
		status := c.Status
		sample.State = &status
	}
	return sample
}

func formatAddr(a gopsutilnet.Addr) string {
	if a.IP == "" {
		return ""
	}
	return a.IP + ":" + strconv.FormatUint(uint64(a.Port), 10)
}
