// Package updater implements the Agent Self-Updater (spec.md §4.4): the
// download/verify/swap/respawn sequence triggered by an UpdateCommand,
// streaming UpdateProgress events as it goes.
package updater

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"time"

	"github.com/google/uuid"

	"github.com/courage2groww/network-master/internal/protocol"
)

const (
	downloadTimeout = 2 * time.Minute
	restartGrace    = 500 * time.Millisecond
	progressTimeout = 2 * time.Second
)

// Updater runs the self-update sequence. It is driven by the Connection
// Manager as a fire-and-forget task and never pauses the probe loop.
type Updater struct {
	agentID          uuid.UUID
	serverControlURL string
	exePath          string
	httpClient       *http.Client
	progress         chan<- protocol.Envelope
	logger           *slog.Logger
}

func New(agentID uuid.UUID, serverControlURL, exePath string, progress chan<- protocol.Envelope, logger *slog.Logger) *Updater {
	return &Updater{
		agentID:          agentID,
		serverControlURL: serverControlURL,
		exePath:          exePath,
		httpClient:       &http.Client{Timeout: downloadTimeout},
		progress:         progress,
		logger:           logger,
	}
}

// CleanupStaleBinary removes a leftover .old binary from a previous
// update, per spec.md §4.4 step 7. Call once at agent startup.
func CleanupStaleBinary(exePath string) {
	_ = os.Remove(exePath + ".old")
}

// Apply runs the full sequence. Any step's failure emits
// UpdateProgress{Failed, 0%, error} and returns without restarting.
func (u *Updater) Apply(ctx context.Context, cmd protocol.UpdateCommand) {
	u.emit(ctx, protocol.UpdateDownloading, 0, "")

	downloadURL, err := u.resolveDownloadURL(cmd.DownloadURL)
	if err != nil {
		u.fail(ctx, fmt.Errorf("resolving download url: %w", err))
		return
	}

	tmpPath := u.exePath + ".new"
	sum, err := u.download(ctx, downloadURL, tmpPath)
	if err != nil {
		u.fail(ctx, fmt.Errorf("downloading update: %w", err))
		return
	}
	u.emit(ctx, protocol.UpdateDownloading, 70, "")

	u.emit(ctx, protocol.UpdateVerifying, 80, "")
	if sum != cmd.SHA256 {
		os.Remove(tmpPath)
		u.fail(ctx, fmt.Errorf("sha256 mismatch: got %s want %s", sum, cmd.SHA256))
		return
	}

	u.emit(ctx, protocol.UpdateInstalling, 90, "")
	oldPath := u.exePath + ".old"
	_ = os.Remove(oldPath)
	if err := os.Rename(u.exePath, oldPath); err != nil {
		u.fail(ctx, fmt.Errorf("renaming current binary aside: %w", err))
		return
	}
	if err := os.Rename(tmpPath, u.exePath); err != nil {
		u.fail(ctx, fmt.Errorf("installing new binary: %w", err))
		return
	}

	u.emit(ctx, protocol.UpdateRestarting, 100, "")
	time.Sleep(restartGrace)

	if err := u.respawn(); err != nil {
		u.fail(ctx, fmt.Errorf("respawning: %w", err))
		return
	}
	os.Exit(0)
}

// resolveDownloadURL replaces the control URL's ws/wss scheme with
// http/https, drops its WebSocket path, and resolves path against it.
func (u *Updater) resolveDownloadURL(path string) (string, error) {
	base, err := url.Parse(u.serverControlURL)
	if err != nil {
		return "", err
	}
	switch base.Scheme {
	case "wss":
		base.Scheme = "https"
	case "ws":
		base.Scheme = "http"
	}
	base.Path = ""
	base.RawQuery = ""

	ref, err := url.Parse(path)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}

func (u *Updater) download(ctx context.Context, downloadURL, dest string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := u.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %s", resp.Status)
	}

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o755)
	if err != nil {
		return "", err
	}
	defer out.Close()

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(out, h), resp.Body); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (u *Updater) respawn() error {
	cmd := exec.Command(u.exePath, os.Args[1:]...)
	cmd.Stdout, cmd.Stderr, cmd.Stdin = os.Stdout, os.Stderr, os.Stdin
	return cmd.Start()
}

func (u *Updater) emit(ctx context.Context, status protocol.UpdateStatus, percent int, errMsg string) {
	env, err := protocol.Pack(protocol.TagUpdateProgress, protocol.UpdateProgress{
		AgentID:    u.agentID,
		Status:     status,
		PercentPct: percent,
		Error:      errMsg,
	})
	if err != nil {
		u.logger.WarnContext(ctx, "updater: failed packing progress", "error", err)
		return
	}

	select {
	case u.progress <- env:
	case <-ctx.Done():
	case <-time.After(progressTimeout):
		u.logger.WarnContext(ctx, "updater: progress channel full, dropping update", "status", status)
	}
}

func (u *Updater) fail(ctx context.Context, err error) {
	u.logger.ErrorContext(ctx, "updater: update failed", "error", err)
	u.emit(ctx, protocol.UpdateFailed, 0, err.Error())
}
