package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/antoniostano/fitbuddy/internal/config"
	"github.com/antoniostano/fitbuddy/internal/protocol"
)

func testConfig() config.Config {
	return config.Config{
		InactivityTimeout:      30 * time.Minute,
		SweepInterval:          time.Minute,
		RateLimitWindowSeconds: 3,
		RateLimitMaxEvents:     5,
		RateLimitBlockSeconds:  30,
		ReminderLocation:       time.UTC,
		NotifyQueueSize:        4,
	}
}

func TestBuildDeliversSessionExpiry(t *testing.T) {
	res, err := build(context.Background(), testConfig(), nil)
	if err != nil {
		t.Fatalf("build() error = %v", err)
	}
	defer res.Cleanup()
	if res.Store.Backend() != "memory" {
		t.Fatalf("Backend() = %q, want memory", res.Store.Backend())
	}

	now := time.Date(2025, 3, 3, 18, 0, 0, 0, time.UTC)
	res.Sessions.SetClock(func() time.Time { return now })
	sub := res.Hub.Subscribe("u1")
	defer sub.Close()

	if _, err := res.Assistant.Handle(context.Background(), protocol.UserEvent{UserID: "u1", Action: protocol.ActionStartActivity, Arg: "cardio"}); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	now = now.Add(31 * time.Minute)
	if expired := res.Sessions.Sweep(context.Background()); len(expired) != 1 {
		t.Fatalf("Sweep() expired %d sessions, want 1", len(expired))
	}

	select {
	case msg := <-sub.C():
		exp, ok := msg.(protocol.SessionExpired)
		if !ok || exp.Kind != "cardio" || exp.IdleMinutes != 31 {
			t.Fatalf("notification = %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatalf("no session_expired notification")
	}
}

func TestBuildExpiryWithoutSubscriber(t *testing.T) {
	res, err := build(context.Background(), testConfig(), nil)
	if err != nil {
		t.Fatalf("build() error = %v", err)
	}
	defer res.Cleanup()

	now := time.Date(2025, 3, 3, 18, 0, 0, 0, time.UTC)
	res.Sessions.SetClock(func() time.Time { return now })
	if _, err := res.Sessions.StartActivity("u2", "yoga", res.Assistant.Catalog().Steps("yoga")); err != nil {
		t.Fatalf("StartActivity() error = %v", err)
	}
	now = now.Add(time.Hour)
	if expired := res.Sessions.Sweep(context.Background()); len(expired) != 1 {
		t.Fatalf("Sweep() expired %d sessions, want 1", len(expired))
	}
	if res.Sessions.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() = %d after sweep", res.Sessions.ActiveCount())
	}
}

func TestBuildLoadsCatalogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	raw := []byte("activities:\n  - kind: boxing\n    title: Boxing\n    calories_per_minute: 12\n    steps:\n      - name: Jab\n        description: 3 rounds.\n")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	cfg := testConfig()
	cfg.CatalogPath = path
	res, err := build(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("build() error = %v", err)
	}
	defer res.Cleanup()
	if got := res.Assistant.Catalog().CaloriesPerMinute("boxing"); got != 12 {
		t.Fatalf("CaloriesPerMinute(boxing) = %d, want 12", got)
	}

	cfg.CatalogPath = filepath.Join(t.TempDir(), "missing.yaml")
	if _, err := build(context.Background(), cfg, nil); err == nil {
		t.Fatalf("build() with missing catalog succeeded")
	}
}

func TestStartBackgroundStops(t *testing.T) {
	res, err := build(context.Background(), testConfig(), nil)
	if err != nil {
		t.Fatalf("build() error = %v", err)
	}
	defer res.Cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	done := res.StartBackground(ctx)
	cancel()
	for i, ch := range done {
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatalf("background loop %d did not stop", i)
		}
	}
}
