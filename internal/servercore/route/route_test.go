package route

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/courage2groww/network-master/internal/servercore/store"
)

type fakeStore struct {
	snapshots []*store.RouteSnapshot
	changes   []*store.RouteChange
}

func (f *fakeStore) LatestRouteSnapshot(ctx context.Context, sessionID uuid.UUID) (*store.RouteSnapshot, error) {
	var latest *store.RouteSnapshot
	for _, s := range f.snapshots {
		if s.SessionID == sessionID {
			latest = s
		}
	}
	if latest == nil {
		return nil, gorm.ErrRecordNotFound
	}
	return latest, nil
}

func (f *fakeStore) InsertRouteSnapshot(ctx context.Context, snap *store.RouteSnapshot) error {
	f.snapshots = append(f.snapshots, snap)
	return nil
}

func (f *fakeStore) InsertRouteChange(ctx context.Context, change *store.RouteChange) error {
	f.changes = append(f.changes, change)
	return nil
}

func ptr(s string) *string { return &s }

func TestFirstRoundInsertsSnapshotOnly(t *testing.T) {
	fs := &fakeStore{}
	d := New(fs)
	sessionID := uuid.New()

	change, err := d.Check(context.Background(), sessionID, []*string{ptr("10.0.0.1"), ptr("10.0.0.2")})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if change != nil {
		t.Fatalf("expected no change on first round, got %+v", change)
	}
	if len(fs.snapshots) != 1 {
		t.Fatalf("snapshots = %d, want 1", len(fs.snapshots))
	}
	if len(fs.changes) != 0 {
		t.Fatalf("changes = %d, want 0", len(fs.changes))
	}
}

func TestUnchangedRouteIsIdempotent(t *testing.T) {
	fs := &fakeStore{}
	d := New(fs)
	sessionID := uuid.New()
	route := []*string{ptr("10.0.0.1"), ptr("10.0.0.2"), ptr("10.0.0.3")}

	if _, err := d.Check(context.Background(), sessionID, route); err != nil {
		t.Fatalf("Check: %v", err)
	}
	change, err := d.Check(context.Background(), sessionID, route)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if change != nil {
		t.Fatalf("expected no change for repeated route, got %+v", change)
	}
	if len(fs.snapshots) != 1 {
		t.Fatalf("snapshots = %d, want 1 (idempotent)", len(fs.snapshots))
	}
	if len(fs.changes) != 0 {
		t.Fatalf("changes = %d, want 0", len(fs.changes))
	}
}

func TestRouteChangeDetected(t *testing.T) {
	fs := &fakeStore{}
	d := New(fs)
	sessionID := uuid.New()

	if _, err := d.Check(context.Background(), sessionID, []*string{ptr("10.0.0.1"), ptr("10.0.0.2"), ptr("10.0.0.3")}); err != nil {
		t.Fatalf("Check: %v", err)
	}
	change, err := d.Check(context.Background(), sessionID, []*string{ptr("10.0.0.1"), ptr("10.0.0.9"), ptr("10.0.0.3")})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if change == nil {
		t.Fatalf("expected a route change")
	}
	if change.HopsChanged != 1 {
		t.Fatalf("HopsChanged = %d, want 1", change.HopsChanged)
	}
	if len(fs.snapshots) != 2 || len(fs.changes) != 1 {
		t.Fatalf("snapshots=%d changes=%d, want 2/1", len(fs.snapshots), len(fs.changes))
	}
	if fs.changes[0].PreviousSnapshotID != fs.snapshots[0].ID || fs.changes[0].NewSnapshotID != fs.snapshots[1].ID {
		t.Fatalf("change does not link the right snapshots")
	}
}

func TestRouteHashDeterminism(t *testing.T) {
	a := []*string{ptr("10.0.0.1"), nil, ptr("10.0.0.3")}
	b := []*string{ptr("10.0.0.1"), nil, ptr("10.0.0.3")}
	c := []*string{ptr("10.0.0.1"), ptr("10.0.0.2"), ptr("10.0.0.3")}

	if RouteHash(a) != RouteHash(b) {
		t.Fatalf("equal sequences hashed differently")
	}
	if RouteHash(a) == RouteHash(c) {
		t.Fatalf("different sequences hashed the same")
	}
}

func TestHopsChangedEditDistance(t *testing.T) {
	prev := []*string{ptr("a"), ptr("b")}
	next := []*string{ptr("a"), ptr("x"), ptr("c")}
	if got := hopsChanged(prev, next); got != 2 {
		t.Fatalf("hopsChanged = %d, want 2", got)
	}
}
