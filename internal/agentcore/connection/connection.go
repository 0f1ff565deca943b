// Package connection implements the Agent Connection Manager (spec.md
// §4.1): the single reconnecting duplex control channel, its auth
// handshake, and the main loop multiplexing outbound reports, inbound
// commands, and the heartbeat timer.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/courage2groww/network-master/internal/protocol"
)

const (
	initialBackoff  = 1 * time.Second
	authFailBackoff = 30 * time.Second
	authTimeout     = 10 * time.Second
	heartbeatPeriod = 30 * time.Second
)

var errAuthFailed = errors.New("connection: authentication failed")

// Scheduler is the subset of scheduler.Scheduler the connection manager
// drives from inbound commands.
type Scheduler interface {
	Add(config protocol.TargetConfig, sessionID uuid.UUID)
	Remove(ids []uuid.UUID)
	Reconfigure(config protocol.TargetConfig)
	Len() int
}

// Updater is the subset of updater.Updater the connection manager triggers.
type Updater interface {
	Apply(ctx context.Context, cmd protocol.UpdateCommand)
}

// Identity names the agent to the server's auth handshake.
type Identity struct {
	AgentID      uuid.UUID
	APIKey       string
	AgentVersion string
	Hostname     string
	OSInfo       string
}

// Manager owns the reconnect loop described in spec.md §4.1.
type Manager struct {
	serverURL         string
	identity          Identity
	reconnectMaxDelay time.Duration
	scheduler         Scheduler
	updater           Updater
	reports           <-chan protocol.TraceRoundReport
	envelopes         <-chan protocol.Envelope
	logger            *slog.Logger
	dialer            *websocket.Dialer
}

// envelopes carries pre-packed frames from sibling agent components (the
// Self-Updater's UpdateProgress, the Traffic Monitor's ProcessTraffic) that
// share this single outbound transport but don't need the Scheduler's
// TraceRoundReport-specific typing.
func New(serverURL string, identity Identity, reconnectMaxDelay time.Duration, sched Scheduler, upd Updater,
	reports <-chan protocol.TraceRoundReport, envelopes <-chan protocol.Envelope, logger *slog.Logger) *Manager {
	if reconnectMaxDelay <= 0 {
		reconnectMaxDelay = 60 * time.Second
	}
	return &Manager{
		serverURL:         serverURL,
		identity:          identity,
		reconnectMaxDelay: reconnectMaxDelay,
		scheduler:         sched,
		updater:           upd,
		reports:           reports,
		envelopes:         envelopes,
		logger:            logger,
		dialer:            websocket.DefaultDialer,
	}
}

// Run blocks until ctx is cancelled, reconnecting with exponential backoff
// between sessions per spec.md §4.1.
func (m *Manager) Run(ctx context.Context) {
	delay := initialBackoff
	for {
		if ctx.Err() != nil {
			return
		}

		authenticated, err := m.runSession(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			m.logger.WarnContext(ctx, "connection: session ended", "error", err)
		}

		var wait time.Duration
		switch {
		case authenticated:
			delay = initialBackoff
			wait = initialBackoff
		case errors.Is(err, errAuthFailed):
			wait = authFailBackoff
		default:
			wait = delay
			delay *= 2
			if delay > m.reconnectMaxDelay {
				delay = m.reconnectMaxDelay
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// runSession opens one transport, authenticates, and runs the main loop
// until failure or ctx cancellation. authenticated reports whether the
// auth handshake itself succeeded, independent of how the session ended.
func (m *Manager) runSession(ctx context.Context) (authenticated bool, err error) {
	dialCtx, cancel := context.WithTimeout(ctx, authTimeout)
	conn, _, dialErr := m.dialer.DialContext(dialCtx, m.serverURL, nil)
	cancel()
	if dialErr != nil {
		return false, fmt.Errorf("connection: dial: %w", dialErr)
	}
	defer conn.Close()

	assigned, authErr := m.authenticate(conn)
	if authErr != nil {
		return false, authErr
	}

	for _, a := range assigned {
		m.scheduler.Add(a.Target, a.SessionID)
	}

	return true, m.multiplex(ctx, conn)
}

// authenticate runs spec.md §4.1 steps 1-2.
func (m *Manager) authenticate(conn *websocket.Conn) ([]protocol.AssignedTarget, error) {
	env, err := protocol.Pack(protocol.TagAuthRequest, protocol.AuthRequest{
		AgentID:      m.identity.AgentID,
		APIKey:       m.identity.APIKey,
		AgentVersion: m.identity.AgentVersion,
		Hostname:     m.identity.Hostname,
		OSInfo:       m.identity.OSInfo,
	})
	if err != nil {
		return nil, fmt.Errorf("connection: packing auth_request: %w", err)
	}
	if err := writeEnvelope(conn, env); err != nil {
		return nil, fmt.Errorf("connection: sending auth_request: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(authTimeout))
	defer conn.SetReadDeadline(time.Time{})

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("%w: no auth_response within %s: %v", errAuthFailed, authTimeout, err)
	}
	respEnv, err := protocol.DecodeBinary(raw)
	if err != nil || respEnv.Type != protocol.TagAuthResponse {
		return nil, fmt.Errorf("%w: first frame was not an auth_response", errAuthFailed)
	}
	var resp protocol.AuthResponse
	if err := protocol.Unpack(respEnv, &resp); err != nil {
		return nil, fmt.Errorf("%w: malformed auth_response: %v", errAuthFailed, err)
	}
	if !resp.Success {
		return nil, fmt.Errorf("%w: %s", errAuthFailed, resp.Error)
	}
	return resp.AssignedTargets, nil
}

// multiplex runs the main loop (spec.md §4.1 step 4) until the transport
// fails or ctx is cancelled.
func (m *Manager) multiplex(ctx context.Context, conn *websocket.Conn) error {
	inbound := make(chan protocol.Envelope)
	readErr := make(chan error, 1)
	go func() {
		defer close(inbound)
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			env, err := protocol.DecodeBinary(raw)
			if err != nil {
				readErr <- err
				return
			}
			inbound <- env
		}
	}()

	heartbeat := time.NewTicker(heartbeatPeriod)
	defer heartbeat.Stop()
	start := time.Now()

	for {
		select {
		case <-ctx.Done():
			return nil

		case report, ok := <-m.reports:
			if !ok {
				return nil
			}
			env, err := protocol.Pack(protocol.TagTraceRound, report)
			if err != nil {
				m.logger.WarnContext(ctx, "connection: dropping report, marshal failed", "error", err)
				continue
			}
			if err := writeEnvelope(conn, env); err != nil {
				return fmt.Errorf("connection: write failed: %w", err)
			}

		case env, ok := <-m.envelopes:
			if !ok {
				return nil
			}
			if err := writeEnvelope(conn, env); err != nil {
				return fmt.Errorf("connection: write failed: %w", err)
			}

		case env, ok := <-inbound:
			if !ok {
				return <-readErr
			}
			m.dispatchInbound(ctx, env)

		case <-heartbeat.C:
			if err := m.sendHeartbeat(conn, start); err != nil {
				return fmt.Errorf("connection: heartbeat write failed: %w", err)
			}
		}
	}
}

func (m *Manager) dispatchInbound(ctx context.Context, env protocol.Envelope) {
	switch env.Type {
	case protocol.TagTargetAssignment:
		var ta protocol.TargetAssignment
		if err := protocol.Unpack(env, &ta); err != nil {
			m.logger.WarnContext(ctx, "connection: malformed target_assignment", "error", err)
			return
		}
		m.scheduler.Add(ta.Target, ta.SessionID)

	case protocol.TagTargetRemoval:
		var tr protocol.TargetRemoval
		if err := protocol.Unpack(env, &tr); err != nil {
			m.logger.WarnContext(ctx, "connection: malformed target_removal", "error", err)
			return
		}
		m.scheduler.Remove(tr.TargetIDs)

	case protocol.TagConfigUpdate:
		var cu protocol.ConfigUpdate
		if err := protocol.Unpack(env, &cu); err != nil {
			m.logger.WarnContext(ctx, "connection: malformed config_update", "error", err)
			return
		}
		m.scheduler.Reconfigure(cu.Target)

	case protocol.TagUpdateCommand:
		var cmd protocol.UpdateCommand
		if err := protocol.Unpack(env, &cmd); err != nil {
			m.logger.WarnContext(ctx, "connection: malformed update_command", "error", err)
			return
		}
		// Fire-and-forget: the update runs concurrently with probing
		// (spec.md §4.4) and outlives this session if it reconnects.
		go m.updater.Apply(context.Background(), cmd)

	case protocol.TagServerHeartbeat:
		// liveness only, per spec.md §4.1.

	default:
		m.logger.DebugContext(ctx, "connection: ignoring unknown frame", "type", env.Type)
	}
}

func (m *Manager) sendHeartbeat(conn *websocket.Conn, start time.Time) error {
	hb := protocol.Heartbeat{
		AgentID:           m.identity.AgentID,
		ActiveTargetCount: m.scheduler.Len(),
		UptimeSeconds:     int64(time.Since(start).Seconds()),
		CPUUsagePct:       sampleCPUPercent(),
		MemoryUsageMB:     sampleMemoryMB(),
	}
	env, err := protocol.Pack(protocol.TagHeartbeat, hb)
	if err != nil {
		// Serialization errors on outbound messages drop the message and
		// log, never propagating to the caller (spec.md §4.1).
		m.logger.WarnContext(context.Background(), "connection: dropping heartbeat, marshal failed", "error", err)
		return nil
	}
	return writeEnvelope(conn, env)
}

func sampleCPUPercent() float64 {
	pcts, err := cpu.Percent(0, false)
	if err != nil || len(pcts) == 0 {
		return 0
	}
	return pcts[0]
}

func sampleMemoryMB() float64 {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0
	}
	return float64(vm.Used) / (1024 * 1024)
}

func writeEnvelope(conn *websocket.Conn, env protocol.Envelope) error {
	data, err := protocol.EncodeBinary(env)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.BinaryMessage, data)
}
