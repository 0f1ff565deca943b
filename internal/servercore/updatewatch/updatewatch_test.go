package updatewatch

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/courage2groww/network-master/internal/protocol"
)

type fakeRegistry struct {
	mu    sync.Mutex
	ids   []uuid.UUID
	sent  []protocol.Envelope
}

func (r *fakeRegistry) OnlineAgentIDs() []uuid.UUID { return r.ids }

func (r *fakeRegistry) SendToAgent(_ context.Context, _ uuid.UUID, env protocol.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, env)
	return nil
}

func newTestWatcher(t *testing.T, reg Registry) (*Watcher, string, string) {
	t.Helper()
	dir := t.TempDir()

	binaryPath := filepath.Join(dir, "nm-agent.exe")
	if err := os.WriteFile(binaryPath, []byte("build-1"), 0o644); err != nil {
		t.Fatalf("write binary: %v", err)
	}
	versionPath := filepath.Join(dir, "VERSION")
	if err := os.WriteFile(versionPath, []byte("1.2.3\n"), 0o644); err != nil {
		t.Fatalf("write version: %v", err)
	}
	updateDir := filepath.Join(dir, "updates")
	if err := os.Mkdir(updateDir, 0o755); err != nil {
		t.Fatalf("mkdir updates: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	w := New(binaryPath, versionPath, updateDir, reg, logger)
	return w, binaryPath, updateDir
}

func TestCheckOnceCopiesBinaryAndPushesUpdateCommand(t *testing.T) {
	reg := &fakeRegistry{ids: []uuid.UUID{uuid.New()}}
	w, _, updateDir := newTestWatcher(t, reg)

	if err := w.checkOnce(context.Background()); err != nil {
		t.Fatalf("checkOnce: %v", err)
	}

	if _, err := os.Stat(filepath.Join(updateDir, "nm-agent.exe")); err != nil {
		t.Fatalf("expected copied binary in update dir: %v", err)
	}

	manifestBytes, err := os.ReadFile(filepath.Join(updateDir, "latest.json"))
	if err != nil {
		t.Fatalf("read latest.json: %v", err)
	}
	var manifest latestManifest
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
		t.Fatalf("unmarshal latest.json: %v", err)
	}
	if manifest.Version != "1.2.3" {
		t.Fatalf("Version = %q, want 1.2.3", manifest.Version)
	}

	if len(reg.sent) != 1 {
		t.Fatalf("sent %d envelopes, want 1", len(reg.sent))
	}
	if reg.sent[0].Type != protocol.TagUpdateCommand {
		t.Fatalf("Type = %q, want update_command", reg.sent[0].Type)
	}
}

func TestCheckOnceIsIdempotentWhenHashUnchanged(t *testing.T) {
	reg := &fakeRegistry{ids: []uuid.UUID{uuid.New()}}
	w, _, _ := newTestWatcher(t, reg)

	if err := w.checkOnce(context.Background()); err != nil {
		t.Fatalf("first checkOnce: %v", err)
	}
	if err := w.checkOnce(context.Background()); err != nil {
		t.Fatalf("second checkOnce: %v", err)
	}

	if len(reg.sent) != 1 {
		t.Fatalf("sent %d envelopes, want 1 (second poll saw no hash change)", len(reg.sent))
	}
}

func TestCheckOnceDetectsNewBuild(t *testing.T) {
	reg := &fakeRegistry{ids: []uuid.UUID{uuid.New()}}
	w, binaryPath, _ := newTestWatcher(t, reg)

	if err := w.checkOnce(context.Background()); err != nil {
		t.Fatalf("first checkOnce: %v", err)
	}
	if err := os.WriteFile(binaryPath, []byte("build-2"), 0o644); err != nil {
		t.Fatalf("rewrite binary: %v", err)
	}
	if err := w.checkOnce(context.Background()); err != nil {
		t.Fatalf("second checkOnce: %v", err)
	}

	if len(reg.sent) != 2 {
		t.Fatalf("sent %d envelopes, want 2 (one per detected build)", len(reg.sent))
	}
}

func TestNewWatcherSeedsLastHashFromPersistedManifest(t *testing.T) {
	reg := &fakeRegistry{ids: []uuid.UUID{uuid.New()}}
	w, _, _ := newTestWatcher(t, reg)

	if err := w.checkOnce(context.Background()); err != nil {
		t.Fatalf("checkOnce: %v", err)
	}

	seeded, err := w.readManifest()
	if err != nil {
		t.Fatalf("readManifest: %v", err)
	}

	w2 := New(w.releaseBinaryPath, w.versionManifestPath, w.updateDir, reg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if manifest, err := w2.readManifest(); err != nil || manifest.SHA256 != seeded.SHA256 {
		t.Fatalf("expected a fresh watcher to read back the same manifest")
	}

	// Run seeds lastHash before its poll loop; a cancelled ctx returns
	// before the first 5s tick.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w2.Run(ctx)
	if w2.lastHash != seeded.SHA256 {
		t.Fatalf("lastHash = %q, want %q seeded from latest.json", w2.lastHash, seeded.SHA256)
	}
}
