// Command nm-agent is network-master's probing agent: it connects to a
// control-plane server, probes its assigned targets, and reports results,
// heartbeats, traffic samples, and self-update progress back over one
// reconnecting duplex channel.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/courage2groww/network-master/internal/agentcore/connection"
	"github.com/courage2groww/network-master/internal/agentcore/probe"
	"github.com/courage2groww/network-master/internal/agentcore/resolver"
	"github.com/courage2groww/network-master/internal/agentcore/scheduler"
	"github.com/courage2groww/network-master/internal/agentcore/traffic"
	"github.com/courage2groww/network-master/internal/agentcore/updater"
	"github.com/courage2groww/network-master/internal/config"
	"github.com/courage2groww/network-master/internal/observability"
	"github.com/courage2groww/network-master/internal/protocol"
)

const (
	defaultConfigPath = "/etc/nm-agent/config.ini"
	agentVersion      = "0.1.0"
	reportQueueCap    = 1024
	envelopeQueueCap  = 256
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "install":
		err = runInstall(os.Args[2:])
	case "uninstall":
		err = runUninstall(os.Args[2:])
	case "run":
		err = runAgent(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "nm-agent: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: nm-agent install --server <addr> | uninstall | run [--config <path>] [--foreground]")
}

// registrationResponse is the opaque REST contract named in spec.md §1's
// Non-goals: the registration endpoint itself is out of scope, this is just
// the shape the installer expects back.
type registrationResponse struct {
	AgentID string `json:"agent_id"`
	APIKey  string `json:"api_key"`
}

// runInstall implements spec.md §8's install step, grounded on
// original_source/crates/nm-cli/src/main.rs and crates/nm-agent/src/installer.rs:
// register, persist the config file, install the host service.
func runInstall(args []string) error {
	fs := flag.NewFlagSet("install", flag.ContinueOnError)
	server := fs.String("server", "", "control-plane server address, e.g. https://nm.example.com")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *server == "" {
		return fmt.Errorf("install: --server is required")
	}

	hostname, _ := os.Hostname()
	reqBody, err := json.Marshal(map[string]string{
		"hostname": hostname,
		"os_info":  runtime.GOOS,
		"version":  agentVersion,
	})
	if err != nil {
		return fmt.Errorf("install: building registration request: %w", err)
	}

	registerURL := strings.TrimRight(*server, "/") + "/api/agents/register"
	resp, err := http.Post(registerURL, "application/json", bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("install: registering with %s: %w", registerURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("install: registration rejected: %s", resp.Status)
	}

	var reg registrationResponse
	if err := json.NewDecoder(resp.Body).Decode(&reg); err != nil {
		return fmt.Errorf("install: malformed registration response: %w", err)
	}

	cfgText := fmt.Sprintf(
		"server_url = %q\nagent_id = %q\napi_key = %q\nlog_level = \"INFO\"\n",
		toControlURL(*server), reg.AgentID, reg.APIKey,
	)
	if err := os.MkdirAll(filepath.Dir(defaultConfigPath), 0o700); err != nil {
		return fmt.Errorf("install: creating config directory: %w", err)
	}
	if err := os.WriteFile(defaultConfigPath, []byte(cfgText), 0o600); err != nil {
		return fmt.Errorf("install: writing config file: %w", err)
	}

	if err := installHostService(); err != nil {
		return fmt.Errorf("install: installing host service: %w", err)
	}

	fmt.Printf("nm-agent: installed, agent_id=%s, config=%s\n", reg.AgentID, defaultConfigPath)
	return nil
}

// runUninstall reverses runInstall's service registration. The config file
// is deliberately left behind for forensics, per spec.md §8's expansion note.
func runUninstall(args []string) error {
	if err := uninstallHostService(); err != nil {
		return fmt.Errorf("uninstall: %w", err)
	}
	fmt.Println("nm-agent: uninstalled")
	return nil
}

// toControlURL derives the ws(s)://.../ws/agent control endpoint (spec.md
// §6) from the plain http(s) address passed to install --server.
func toControlURL(server string) string {
	scheme, rest, found := strings.Cut(server, "://")
	if !found {
		rest = server
		scheme = "http"
	}
	wsScheme := "ws"
	if scheme == "https" {
		wsScheme = "wss"
	}
	return wsScheme + "://" + strings.TrimRight(rest, "/") + "/ws/agent"
}

// installHostService and uninstallHostService are deliberately thin: the OS
// service harness is named out of scope in spec.md §1 ("treated as a thin
// host harness that invokes the agent entry point"). Wiring a concrete
// harness (systemd unit, Windows service) is a host-specific concern with no
// stack presence in this corpus.
func installHostService() error   { return nil }
func uninstallHostService() error { return nil }

func runAgent(args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath, "path to the agent config file")
	foreground := fs.Bool("foreground", false, "run attached to the current terminal instead of under the host service harness")
	if err := fs.Parse(args); err != nil {
		return err
	}
	_ = *foreground // both paths run identically in-process; the host service harness handles detachment.

	cfg, err := config.LoadAgentConfig(*configPath)
	if err != nil {
		return fmt.Errorf("run: loading config: %w", err)
	}
	if cfg.ServerURL == "" || cfg.AgentID == "" {
		return fmt.Errorf("run: config at %s is missing server_url or agent_id; run install first", *configPath)
	}
	agentID, err := uuid.Parse(cfg.AgentID)
	if err != nil {
		return fmt.Errorf("run: agent_id %q is not a valid UUID: %w", cfg.AgentID, err)
	}

	obsCfg := observability.DefaultConfig("nm-agent")
	obsCfg.LogLevel = cfg.LogLevel
	obs, err := observability.NewObservability(obsCfg)
	if err != nil {
		return fmt.Errorf("run: setting up observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	}()

	metrics, err := observability.NewMetricsManager(obs.Meter)
	if err != nil {
		return fmt.Errorf("run: building metrics manager: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		obs.Logger.InfoContext(ctx, "nm-agent: received shutdown signal")
		cancel()
	}()

	exePath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("run: resolving own executable path: %w", err)
	}
	updater.CleanupStaleBinary(exePath)

	hostname, _ := os.Hostname()
	reports := make(chan protocol.TraceRoundReport, reportQueueCap)
	envelopes := make(chan protocol.Envelope, envelopeQueueCap)

	engine := probe.New(metrics, obs.Logger)
	sched := scheduler.New(engine, resolver.Resolve, reports, time.Duration(cfg.DefaultTimeoutMs)*time.Millisecond, obs.Logger)
	upd := updater.New(agentID, cfg.ServerURL, exePath, envelopes, obs.Logger)
	trafficMon := traffic.New(agentID, 10*time.Second, envelopes, obs.Logger)

	identity := connection.Identity{
		AgentID:      agentID,
		APIKey:       cfg.APIKey,
		AgentVersion: agentVersion,
		Hostname:     hostname,
		OSInfo:       runtime.GOOS,
	}
	connMgr := connection.New(cfg.ServerURL, identity, time.Duration(cfg.ReconnectMaxDelaySecs)*time.Second,
		sched, upd, reports, envelopes, obs.Logger)

	go sched.Run(ctx)
	go trafficMon.Run(ctx)

	obs.Logger.InfoContext(ctx, "nm-agent: starting", "agent_id", agentID, "server_url", cfg.ServerURL)
	connMgr.Run(ctx)
	obs.Logger.InfoContext(context.Background(), "nm-agent: stopped")
	return nil
}
