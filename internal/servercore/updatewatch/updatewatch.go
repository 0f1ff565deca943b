// Package updatewatch implements the server-side Update Watcher (spec.md
// §4.12): it polls a release-binary path, copies a new build into the
// update directory when its hash changes, and pushes an UpdateCommand to
// every connected agent.
package updatewatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/courage2groww/network-master/internal/protocol"
)

const pollInterval = 5 * time.Second

// Registry is the subset of registry.Registry the watcher needs.
type Registry interface {
	OnlineAgentIDs() []uuid.UUID
	SendToAgent(ctx context.Context, agentID uuid.UUID, env protocol.Envelope) error
}

// latestManifest is the persisted latest.json shape named in spec.md §6.
type latestManifest struct {
	Version    string    `json:"version"`
	SHA256     string    `json:"sha256"`
	SizeBytes  int64     `json:"size_bytes"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// Watcher owns the release-binary poll loop.
type Watcher struct {
	releaseBinaryPath  string
	versionManifestPath string
	updateDir          string
	registry           Registry
	logger             *slog.Logger

	lastHash string
}

func New(releaseBinaryPath, versionManifestPath, updateDir string, registry Registry, logger *slog.Logger) *Watcher {
	return &Watcher{
		releaseBinaryPath:   releaseBinaryPath,
		versionManifestPath: versionManifestPath,
		updateDir:           updateDir,
		registry:            registry,
		logger:              logger,
	}
}

func (w *Watcher) latestJSONPath() string {
	return filepath.Join(w.updateDir, "latest.json")
}

// Run blocks until ctx is cancelled, polling every 5s per spec.md §4.12.
// It seeds last_hash from the persisted latest.json on startup so a
// restart doesn't immediately re-push an update agents already have.
func (w *Watcher) Run(ctx context.Context) {
	if manifest, err := w.readManifest(); err == nil {
		w.lastHash = manifest.SHA256
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.checkOnce(ctx); err != nil {
				w.logger.WarnContext(ctx, "updatewatch: poll failed", "error", err)
			}
		}
	}
}

func (w *Watcher) readManifest() (*latestManifest, error) {
	data, err := os.ReadFile(w.latestJSONPath())
	if err != nil {
		return nil, err
	}
	var m latestManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (w *Watcher) checkOnce(ctx context.Context) error {
	hash, size, err := hashFile(w.releaseBinaryPath)
	if err != nil {
		return fmt.Errorf("updatewatch: hashing release binary: %w", err)
	}
	if hash == w.lastHash {
		return nil
	}

	dest := filepath.Join(w.updateDir, filepath.Base(w.releaseBinaryPath))
	if err := copyFile(w.releaseBinaryPath, dest); err != nil {
		return fmt.Errorf("updatewatch: copying release binary: %w", err)
	}

	version, err := w.readVersion()
	if err != nil {
		return fmt.Errorf("updatewatch: reading version manifest: %w", err)
	}

	manifest := latestManifest{Version: version, SHA256: hash, SizeBytes: size, UploadedAt: time.Now().UTC()}
	manifestBytes, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("updatewatch: marshaling latest.json: %w", err)
	}
	if err := os.WriteFile(w.latestJSONPath(), manifestBytes, 0o644); err != nil {
		return fmt.Errorf("updatewatch: writing latest.json: %w", err)
	}

	cmd := protocol.UpdateCommand{
		Version:     version,
		DownloadURL: "/updates/" + filepath.Base(dest),
		SHA256:      hash,
	}
	env, err := protocol.Pack(protocol.TagUpdateCommand, cmd)
	if err != nil {
		return fmt.Errorf("updatewatch: packing update_command: %w", err)
	}

	w.pushToAllAgents(ctx, env)
	w.lastHash = hash
	w.logger.InfoContext(ctx, "updatewatch: new build detected", "version", version, "sha256", hash)
	return nil
}

// pushToAllAgents enqueues the command on every connected agent's outbound
// channel. A single slow/unresponsive agent gets a bounded wait so it
// can't stall the push to the rest of the fleet.
func (w *Watcher) pushToAllAgents(ctx context.Context, env protocol.Envelope) {
	for _, agentID := range w.registry.OnlineAgentIDs() {
		sendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := w.registry.SendToAgent(sendCtx, agentID, env)
		cancel()
		if err != nil {
			w.logger.WarnContext(ctx, "updatewatch: failed enqueuing update_command", "agent_id", agentID, "error", err)
		}
	}
}

// readVersion reads the agent's version from its source manifest: a
// one-line text file containing just the version string.
func (w *Watcher) readVersion() (string, error) {
	data, err := os.ReadFile(w.versionManifestPath)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".tmp-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(out.Name())
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(out.Name())
		return err
	}
	return os.Rename(out.Name(), dst)
}
