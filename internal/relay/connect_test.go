package relay

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestConnectToRelay_DeferredUntilAddressKnown(t *testing.T) {
	ctx := context.Background()
	reg, repo, dialer := newTestRegistry(t)
	if _, err := reg.RegisterRelay(ctx, Descriptor{ID: "lift-a", Name: "Lift A", MACAddress: "aa:bb:cc:00:00:01"}); err != nil {
		t.Fatalf("RegisterRelay() error = %v", err)
	}

	if err := reg.ConnectToRelay(ctx, "lift-a"); err != nil {
		t.Fatalf("ConnectToRelay() without address error = %v", err)
	}
	if dialer.dialCount() != 0 {
		t.Errorf("dialed %d times before the address was known", dialer.dialCount())
	}
	if _, ok := reg.Link("lift-a"); ok {
		t.Error("link created before the address was known")
	}

	if err := reg.UpdateRelayIP(ctx, "lift-a", "10.0.0.5"); err != nil {
		t.Fatalf("UpdateRelayIP() error = %v", err)
	}
	if derefString(repo.stored("lift-a").IPAddress) != "10.0.0.5" {
		t.Error("address not persisted")
	}

	if err := reg.ConnectToRelay(ctx, "lift-a"); err != nil {
		t.Fatalf("ConnectToRelay() error = %v", err)
	}
	if dialer.latest("ws://10.0.0.5:80/ws") == nil {
		t.Fatalf("dials = %v, want ws://10.0.0.5:80/ws", dialer.dials)
	}
	got, _ := reg.GetRelay(ctx, "lift-a")
	if got.Status != StatusOnline || got.LastSeen == nil {
		t.Errorf("after connect status = %q, lastSeen = %v", got.Status, got.LastSeen)
	}

	// A second connect reuses the live link.
	if err := reg.ConnectToRelay(ctx, "lift-a"); err != nil {
		t.Fatalf("second ConnectToRelay() error = %v", err)
	}
	if dialer.dialCount() != 1 {
		t.Errorf("dialCount = %d, want 1", dialer.dialCount())
	}
}

func TestUpdateRelayIP_NeverClears(t *testing.T) {
	ctx := context.Background()
	reg, _, _ := newTestRegistry(t)
	if _, err := reg.RegisterRelay(ctx, Descriptor{ID: "lift-a", Name: "Lift A", IPAddress: "10.0.0.5"}); err != nil {
		t.Fatalf("RegisterRelay() error = %v", err)
	}

	if err := reg.UpdateRelayIP(ctx, "lift-a", ""); !errors.Is(err, ErrInvalidRelay) {
		t.Errorf("UpdateRelayIP(\"\") error = %v, want ErrInvalidRelay", err)
	}
	got, _ := reg.GetRelay(ctx, "lift-a")
	if derefString(got.IPAddress) != "10.0.0.5" {
		t.Errorf("IPAddress = %q, want it kept", derefString(got.IPAddress))
	}
	if err := reg.UpdateRelayIP(ctx, "ghost", "10.0.0.9"); !errors.Is(err, ErrRelayNotFound) {
		t.Errorf("UpdateRelayIP(ghost) error = %v, want ErrRelayNotFound", err)
	}
}

func TestUpdateRelayIP_PersistFailureIsLogged(t *testing.T) {
	ctx := context.Background()
	repo := NewMockRepository()
	reg := NewRegistry(repo)
	if _, err := reg.RegisterRelay(ctx, Descriptor{ID: "lift-a", Name: "Lift A"}); err != nil {
		t.Fatalf("RegisterRelay() error = %v", err)
	}
	_ = repo.Delete(ctx, "lift-a")

	if err := reg.UpdateRelayIP(ctx, "lift-a", "10.0.0.5"); err != nil {
		t.Fatalf("UpdateRelayIP() error = %v, want persistence failure swallowed", err)
	}
	got, _ := reg.GetRelay(ctx, "lift-a")
	if derefString(got.IPAddress) != "10.0.0.5" {
		t.Error("in-memory address not updated")
	}
}

func TestHandleAnnouncement(t *testing.T) {
	ctx := context.Background()
	reg, _, dialer := newTestRegistry(t)
	if _, err := reg.RegisterRelay(ctx, Descriptor{ID: "lift-a", Name: "Lift A", MACAddress: "aa:bb:cc:00:00:01", Port: 8080}); err != nil {
		t.Fatalf("RegisterRelay() error = %v", err)
	}

	rec, err := reg.HandleAnnouncement(ctx, Announcement{MAC: "AA-BB-CC-00-00-01", IP: "10.0.0.7"})
	if err != nil {
		t.Fatalf("HandleAnnouncement() error = %v", err)
	}
	if rec.ID != "lift-a" || derefString(rec.IPAddress) != "10.0.0.7" {
		t.Errorf("HandleAnnouncement() = %+v", rec)
	}
	if rec.Status != StatusOnline {
		t.Errorf("Status = %q, want online", rec.Status)
	}
	if dialer.latest("ws://10.0.0.7:8080/ws") == nil {
		t.Errorf("dials = %v, want relay's own port", dialer.dials)
	}

	if _, err := reg.HandleAnnouncement(ctx, Announcement{MAC: "ff:ff:ff:ff:ff:ff", IP: "10.0.0.8"}); !errors.Is(err, ErrRelayNotFound) {
		t.Errorf("unknown MAC error = %v, want ErrRelayNotFound", err)
	}
}

func TestHandleAnnouncement_ConnectFailureStillReturnsRelay(t *testing.T) {
	ctx := context.Background()
	reg, _, dialer := newTestRegistry(t)
	dialer.refuse["ws://10.0.0.9:80/ws"] = true
	if _, err := reg.RegisterRelay(ctx, Descriptor{ID: "lift-a", Name: "Lift A", MACAddress: "aa:bb:cc:00:00:01"}); err != nil {
		t.Fatalf("RegisterRelay() error = %v", err)
	}
	events := recordEvents(reg)

	rec, err := reg.HandleAnnouncement(ctx, Announcement{MAC: "aa:bb:cc:00:00:01", IP: "10.0.0.9"})
	if err == nil {
		t.Fatal("HandleAnnouncement() should report the refused connection")
	}
	if rec == nil || derefString(rec.IPAddress) != "10.0.0.9" {
		t.Fatalf("relay = %+v, want address recorded despite failure", rec)
	}
	if rec.Status != StatusError {
		t.Errorf("Status = %q, want error", rec.Status)
	}
	if !events.has(EventError) {
		t.Error("EventError not published")
	}
}

func TestLinkLifecycleMirrorsStatus(t *testing.T) {
	ctx := context.Background()
	reg, _, dialer := newTestRegistry(t)
	if _, err := reg.RegisterRelay(ctx, Descriptor{ID: "lift-a", Name: "Lift A", IPAddress: "10.0.0.5"}); err != nil {
		t.Fatalf("RegisterRelay() error = %v", err)
	}
	events := recordEvents(reg)

	if err := reg.ConnectToRelay(ctx, "lift-a"); err != nil {
		t.Fatalf("ConnectToRelay() error = %v", err)
	}

	// The relay drops the connection.
	dialer.latest("ws://10.0.0.5:80/ws").Close() //nolint:errcheck // test
	waitFor(t, "offline status", func() bool {
		rec, _ := reg.GetRelay(ctx, "lift-a")
		return rec.Status == StatusOffline
	})

	kinds := events.kinds()
	if len(kinds) < 2 || kinds[0] != EventConnected || kinds[1] != EventDisconnected {
		t.Errorf("events = %v, want [connected disconnected ...]", kinds)
	}
}

func TestDisconnectFromRelay(t *testing.T) {
	ctx := context.Background()
	reg, _, _ := newTestRegistry(t)
	if _, err := reg.RegisterRelay(ctx, Descriptor{ID: "lift-a", Name: "Lift A", IPAddress: "10.0.0.5"}); err != nil {
		t.Fatalf("RegisterRelay() error = %v", err)
	}
	if err := reg.ConnectToRelay(ctx, "lift-a"); err != nil {
		t.Fatalf("ConnectToRelay() error = %v", err)
	}

	if err := reg.DisconnectFromRelay(ctx, "lift-a"); err != nil {
		t.Fatalf("DisconnectFromRelay() error = %v", err)
	}
	if _, ok := reg.Link("lift-a"); ok {
		t.Error("link still registered after disconnect")
	}
	rec, _ := reg.GetRelay(ctx, "lift-a")
	if rec.Status != StatusOffline {
		t.Errorf("Status = %q, want offline", rec.Status)
	}
	if err := reg.DisconnectFromRelay(ctx, "ghost"); !errors.Is(err, ErrRelayNotFound) {
		t.Errorf("DisconnectFromRelay(ghost) error = %v, want ErrRelayNotFound", err)
	}
}

func TestCheckLiveness_DropsSilentLinks(t *testing.T) {
	ctx := context.Background()
	reg, _, _ := newTestRegistry(t)
	reg.SetHeartbeatTimeout(20 * time.Millisecond)
	for _, d := range []Descriptor{
		{ID: "quiet", Name: "quiet", IPAddress: "10.0.0.1"},
		{ID: "chatty", Name: "chatty", IPAddress: "10.0.0.2"},
	} {
		if _, err := reg.RegisterRelay(ctx, d); err != nil {
			t.Fatalf("RegisterRelay(%s) error = %v", d.ID, err)
		}
		if err := reg.ConnectToRelay(ctx, d.ID); err != nil {
			t.Fatalf("ConnectToRelay(%s) error = %v", d.ID, err)
		}
	}
	events := recordEvents(reg)

	time.Sleep(40 * time.Millisecond)
	// chatty answers a command, which counts as traffic.
	chatty, _ := reg.Link("chatty")
	if _, err := chatty.Send(ctx, ActionSetRelay, map[string]any{"relay": "door_open", "state": false}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	reg.checkLiveness(time.Now())

	quiet, _ := reg.GetRelay(ctx, "quiet")
	if quiet.Status != StatusError {
		t.Errorf("quiet status = %q, want error", quiet.Status)
	}
	if l, _ := reg.Link("quiet"); l.IsConnected() {
		t.Error("quiet link still connected")
	}
	if got, _ := reg.GetRelay(ctx, "chatty"); got.Status != StatusOnline {
		t.Errorf("chatty status = %q, want online", got.Status)
	}

	var sawHeartbeatLoss bool
	events.mu.Lock()
	for _, ev := range events.events {
		if ev.Kind == EventError && errors.Is(ev.Err, ErrHeartbeatLost) {
			sawHeartbeatLoss = true
		}
	}
	events.mu.Unlock()
	if !sawHeartbeatLoss {
		t.Error("no error event carrying ErrHeartbeatLost")
	}
}

func TestRegistryClose(t *testing.T) {
	ctx := context.Background()
	reg, _, _ := newTestRegistry(t)
	if _, err := reg.RegisterRelay(ctx, Descriptor{ID: "lift-a", Name: "Lift A", IPAddress: "10.0.0.5"}); err != nil {
		t.Fatalf("RegisterRelay() error = %v", err)
	}
	if err := reg.ConnectToRelay(ctx, "lift-a"); err != nil {
		t.Fatalf("ConnectToRelay() error = %v", err)
	}
	l, _ := reg.Link("lift-a")

	reg.SetHeartbeatTimeout(time.Minute)
	reg.Start(ctx)
	if err := reg.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if l.IsConnected() {
		t.Error("link still connected after Close")
	}
	if len(reg.LinkStats()) != 0 {
		t.Error("links remain after Close")
	}
}
