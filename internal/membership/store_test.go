package membership

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"testing"
	"time"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "members.db"), newLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type fixture struct {
	store   *Store
	userID  int64
	premium int64
	basic   int64
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{store: openStore(t), now: time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)}
	f.store.clock = func() time.Time { return f.now }

	var err error
	if f.userID, err = f.store.CreateUser(ctx, "student@example.com", "Student"); err != nil {
		t.Fatalf("create user: %v", err)
	}
	if f.premium, err = f.store.CreateMembershipType(ctx, "Premium", 30, 29000, []string{FeatureStudy, FeatureConversation}); err != nil {
		t.Fatalf("create premium: %v", err)
	}
	if f.basic, err = f.store.CreateMembershipType(ctx, "Basic", 30, 9900, []string{FeatureStudy}); err != nil {
		t.Fatalf("create basic: %v", err)
	}
	return f
}

func (f *fixture) user() string { return strconv.FormatInt(f.userID, 10) }

func TestHasFeatureRequiresActiveMembershipWithFeature(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	ok, err := f.store.HasFeature(ctx, f.user(), FeatureConversation)
	if err != nil || ok {
		t.Fatalf("user without membership: ok=%v err=%v", ok, err)
	}

	if _, err := f.store.Grant(ctx, f.userID, f.basic, f.now.Add(-time.Hour)); err != nil {
		t.Fatalf("grant basic: %v", err)
	}
	if ok, _ := f.store.HasFeature(ctx, f.user(), FeatureConversation); ok {
		t.Fatalf("basic membership must not grant conversation")
	}
	if ok, _ := f.store.HasFeature(ctx, f.user(), FeatureStudy); !ok {
		t.Fatalf("basic membership should grant study")
	}

	if _, err := f.store.Grant(ctx, f.userID, f.premium, f.now.Add(-time.Hour)); err != nil {
		t.Fatalf("grant premium: %v", err)
	}
	if ok, _ := f.store.HasFeature(ctx, f.user(), FeatureConversation); !ok {
		t.Fatalf("premium membership should grant conversation")
	}

	f.now = f.now.Add(31 * 24 * time.Hour)
	if ok, _ := f.store.HasFeature(ctx, f.user(), FeatureConversation); ok {
		t.Fatalf("membership past valid_to must not grant features")
	}
}

func TestCancelledMembershipGrantsNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id, err := f.store.Grant(ctx, f.userID, f.premium, f.now)
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	if err := f.store.Cancel(ctx, id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if ok, _ := f.store.HasFeature(ctx, f.user(), FeatureConversation); ok {
		t.Fatalf("cancelled membership granted conversation")
	}
	if err := f.store.Cancel(ctx, 999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cancel unknown err = %v", err)
	}
}

func TestExpireMemberships(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	if _, err := f.store.Grant(ctx, f.userID, f.premium, f.now.Add(-40*24*time.Hour)); err != nil {
		t.Fatalf("grant old: %v", err)
	}
	if _, err := f.store.Grant(ctx, f.userID, f.basic, f.now); err != nil {
		t.Fatalf("grant current: %v", err)
	}
	n, err := f.store.ExpireMemberships(ctx)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if n != 1 {
		t.Fatalf("expired %d memberships, want 1", n)
	}
	active, err := f.store.ActiveMemberships(ctx, f.userID)
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if len(active) != 1 || active[0].TypeName != "Basic" || !active[0].Active(f.now) {
		t.Fatalf("unexpected active memberships: %+v", active)
	}
}

func TestHasFeatureIgnoresUnknownUsers(t *testing.T) {
	f := newFixture(t)
	for _, id := range []string{"", "abc", "424242"} {
		ok, err := f.store.HasFeature(context.Background(), id, FeatureConversation)
		if err != nil || ok {
			t.Fatalf("user %q: ok=%v err=%v", id, ok, err)
		}
	}
}

func TestMembershipTypeValidation(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	if _, err := s.CreateMembershipType(ctx, "Odd", 30, 0, []string{"karaoke"}); !errors.Is(err, ErrUnknownFeature) {
		t.Fatalf("err = %v, want ErrUnknownFeature", err)
	}
	if _, err := s.CreateMembershipType(ctx, "Zero", 0, 0, nil); err == nil {
		t.Fatalf("expected duration validation error")
	}
	if _, err := s.Grant(ctx, 1, 77, time.Now()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("grant unknown type err = %v", err)
	}
}

func TestMalformedFeatureListGrantsNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	if _, err := f.store.db.ExecContext(ctx, `UPDATE membership_types SET features = 'not json' WHERE id = ?`, f.premium); err != nil {
		t.Fatalf("corrupt features: %v", err)
	}
	if _, err := f.store.Grant(ctx, f.userID, f.premium, f.now); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if ok, err := f.store.HasFeature(ctx, f.user(), FeatureConversation); err != nil || ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
}
