package updater

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/courage2groww/network-master/internal/protocol"
)

func newTestUpdater(t *testing.T, serverControlURL, exePath string, progress chan protocol.Envelope) *Updater {
	t.Helper()
	return New(uuid.New(), serverControlURL, exePath, progress, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestResolveDownloadURLReplacesWSWithHTTP(t *testing.T) {
	u := newTestUpdater(t, "ws://example.internal:8443/ws/agent", "/tmp/nm-agent", nil)

	got, err := u.resolveDownloadURL("/updates/nm-agent.new")
	if err != nil {
		t.Fatalf("resolveDownloadURL: %v", err)
	}
	want := "http://example.internal:8443/updates/nm-agent.new"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestResolveDownloadURLReplacesWSSWithHTTPS(t *testing.T) {
	u := newTestUpdater(t, "wss://example.internal/ws/agent", "/tmp/nm-agent", nil)

	got, err := u.resolveDownloadURL("/updates/nm-agent.new")
	if err != nil {
		t.Fatalf("resolveDownloadURL: %v", err)
	}
	want := "https://example.internal/updates/nm-agent.new"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestDownloadWritesFileAndReturnsMatchingHash(t *testing.T) {
	body := []byte("fake-binary-contents")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "nm-agent.new")
	u := newTestUpdater(t, "ws://unused", filepath.Join(dir, "nm-agent"), nil)

	got, err := u.download(context.Background(), srv.URL, dest)
	if err != nil {
		t.Fatalf("download: %v", err)
	}

	h := sha256.Sum256(body)
	want := hex.EncodeToString(h[:])
	if got != want {
		t.Fatalf("hash = %s, want %s", got, want)
	}

	written, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read dest: %v", err)
	}
	if string(written) != string(body) {
		t.Fatalf("downloaded contents = %q, want %q", written, body)
	}
}

func TestDownloadFailsOnNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	dir := t.TempDir()
	u := newTestUpdater(t, "ws://unused", filepath.Join(dir, "nm-agent"), nil)

	if _, err := u.download(context.Background(), srv.URL, filepath.Join(dir, "nm-agent.new")); err == nil {
		t.Fatal("expected an error for a 404 response")
	}
}

func TestApplyFailsAndEmitsFailedProgressOnHashMismatch(t *testing.T) {
	body := []byte("fake-binary-contents")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	dir := t.TempDir()
	exePath := filepath.Join(dir, "nm-agent")
	if err := os.WriteFile(exePath, []byte("current-binary"), 0o755); err != nil {
		t.Fatalf("seed exe: %v", err)
	}

	progress := make(chan protocol.Envelope, 8)
	u := newTestUpdater(t, srv.URL, exePath, progress)

	u.Apply(context.Background(), protocol.UpdateCommand{Version: "2.0.0", DownloadURL: "/", SHA256: "0000000000000000000000000000000000000000000000000000000000000000"})

	var last protocol.UpdateProgress
	for len(progress) > 0 {
		env := <-progress
		if err := protocol.Unpack(env, &last); err != nil {
			t.Fatalf("unpack progress: %v", err)
		}
	}
	if last.Status != protocol.UpdateFailed {
		t.Fatalf("final status = %q, want failed", last.Status)
	}

	// The current executable must still be in place: a failed verification
	// must never reach the install/rename step.
	if _, err := os.Stat(exePath); err != nil {
		t.Fatalf("expected current exe to remain untouched after a failed update: %v", err)
	}
}

func TestCleanupStaleBinaryRemovesOldFile(t *testing.T) {
	dir := t.TempDir()
	exePath := filepath.Join(dir, "nm-agent")
	oldPath := exePath + ".old"
	if err := os.WriteFile(oldPath, []byte("stale"), 0o644); err != nil {
		t.Fatalf("seed stale file: %v", err)
	}

	CleanupStaleBinary(exePath)

	if _, err := os.Stat(oldPath); !os.IsNotExist(err) {
		t.Fatalf("expected %s to be removed, stat err = %v", oldPath, err)
	}
}
