package audit

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/graylift-core/internal/elevator"
	"github.com/nerrad567/graylift-core/internal/infrastructure/database"
	"github.com/nerrad567/graylift-core/internal/relay"
	_ "github.com/nerrad567/graylift-core/migrations" // schema
)

func setupRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	db, err := database.Open(database.Config{
		Path:        filepath.Join(t.TempDir(), "audit.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // test cleanup
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return NewSQLiteRepository(db.DB)
}

func TestSQLiteRepository_CreateAndList(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	entries := []Entry{
		{Action: "registered", EntityType: EntityRelay, EntityID: "lift-a", Source: SourceRegistry, CreatedAt: base},
		{Action: "registered", EntityType: EntityRelay, EntityID: "lift-b", Source: SourceRegistry, CreatedAt: base.Add(time.Second)},
		{Action: "fault", EntityType: EntityElevator, EntityID: "lift-a", Source: SourceElevator,
			Details: map[string]any{"error": "door jammed"}, CreatedAt: base.Add(1500 * time.Millisecond)},
	}
	for i := range entries {
		if err := repo.Create(ctx, &entries[i]); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if entries[i].ID == "" {
			t.Fatal("Create() did not assign an ID")
		}
	}

	tests := []struct {
		name    string
		filter  Filter
		wantIDs []string
		total   int
	}{
		{name: "all newest first", wantIDs: []string{entries[2].ID, entries[1].ID, entries[0].ID}, total: 3},
		{name: "by action", filter: Filter{Action: "registered"}, wantIDs: []string{entries[1].ID, entries[0].ID}, total: 2},
		{name: "by entity", filter: Filter{EntityType: EntityRelay, EntityID: "lift-a"}, wantIDs: []string{entries[0].ID}, total: 1},
		{name: "paged", filter: Filter{Limit: 1, Offset: 1}, wantIDs: []string{entries[1].ID}, total: 3},
		{name: "no match", filter: Filter{EntityID: "lift-z"}, wantIDs: nil, total: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := repo.List(ctx, tt.filter)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if page.Total != tt.total {
				t.Errorf("Total = %d, want %d", page.Total, tt.total)
			}
			if len(page.Entries) != len(tt.wantIDs) {
				t.Fatalf("len(Entries) = %d, want %d", len(page.Entries), len(tt.wantIDs))
			}
			for i, id := range tt.wantIDs {
				if page.Entries[i].ID != id {
					t.Errorf("Entries[%d].ID = %s, want %s", i, page.Entries[i].ID, id)
				}
			}
		})
	}

	page, err := repo.List(ctx, Filter{Action: "fault"})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	got := page.Entries[0]
	if got.Details["error"] != "door jammed" {
		t.Errorf("Details = %v", got.Details)
	}
	if !got.CreatedAt.Equal(entries[2].CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, entries[2].CreatedAt)
	}
}

func TestSQLiteRepository_ListClampsLimit(t *testing.T) {
	repo := setupRepo(t)
	for _, tt := range []struct{ in, want int }{{0, defaultLimit}, {-3, defaultLimit}, {500, maxLimit}, {10, 10}} {
		page, err := repo.List(context.Background(), Filter{Limit: tt.in})
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if page.Limit != tt.want {
			t.Errorf("Limit(%d) = %d, want %d", tt.in, page.Limit, tt.want)
		}
		if page.Entries == nil {
			t.Error("Entries should be empty, not nil")
		}
	}
}

// memRepo records entries in memory.
type memRepo struct {
	mu      sync.Mutex
	entries []Entry
	err     error
}

func (m *memRepo) Create(_ context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, *e)
	return nil
}

func (m *memRepo) List(context.Context, Filter) (*Page, error) { return &Page{}, nil }

func (m *memRepo) snapshot() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...)
}

func strPtr(s string) *string { return &s }

func TestTrail_RecordsEvents(t *testing.T) {
	repo := &memRepo{}
	trail := NewTrail(repo)

	target := 3
	trail.HandleRelayEvent(relay.Event{Kind: relay.EventRegistered, RelayID: "lift-a",
		Relay: &relay.Relay{ID: "lift-a", Status: relay.StatusOffline, RobotID: strPtr("amr-01")}})
	trail.HandleRelayEvent(relay.Event{Kind: relay.EventConnected, RelayID: "lift-a"})
	trail.HandleRelayEvent(relay.Event{Kind: relay.EventActionFailed, RelayID: "lift-a", Action: "open_door",
		Err: errors.New("link: not connected")})
	trail.HandleElevatorEvent(elevator.Event{Kind: elevator.EventStateChanged, RelayID: "lift-a"})
	trail.HandleElevatorEvent(elevator.Event{Kind: elevator.EventFault, RelayID: "lift-a",
		State: elevator.State{Status: elevator.StatusError, CurrentFloor: 1, TargetFloor: &target, LastError: "door rejected"}})

	ctx, cancel := context.WithCancel(context.Background())
	go trail.Run(ctx)
	cancel()
	<-trail.Done()

	got := repo.snapshot()
	if len(got) != 3 {
		t.Fatalf("recorded %d entries, want 3: %+v", len(got), got)
	}

	want := []struct{ action, entityType, source string }{
		{"registered", EntityRelay, SourceRegistry},
		{"action_failed", EntityRelay, SourceRegistry},
		{"fault", EntityElevator, SourceElevator},
	}
	for i, w := range want {
		if got[i].Action != w.action || got[i].EntityType != w.entityType || got[i].Source != w.source {
			t.Errorf("entry[%d] = %s/%s/%s, want %s/%s/%s", i,
				got[i].Action, got[i].EntityType, got[i].Source, w.action, w.entityType, w.source)
		}
		if got[i].EntityID != "lift-a" {
			t.Errorf("entry[%d].EntityID = %q", i, got[i].EntityID)
		}
	}
	if got[0].Details["robot_id"] != "amr-01" || got[0].Details["status"] != "offline" {
		t.Errorf("registered details = %v", got[0].Details)
	}
	if got[1].Details["action"] != "open_door" || got[1].Details["error"] != "link: not connected" {
		t.Errorf("action_failed details = %v", got[1].Details)
	}
	if got[2].Details["target_floor"] != 3 || got[2].Details["error"] != "door rejected" {
		t.Errorf("fault details = %v", got[2].Details)
	}
}

func TestTrail_DropsWhenFull(t *testing.T) {
	trail := NewTrail(&memRepo{})
	for range queueSize + 5 {
		trail.HandleRelayEvent(relay.Event{Kind: relay.EventRemoved, RelayID: "lift-a"})
	}
	if got := trail.Dropped(); got != 5 {
		t.Errorf("Dropped() = %d, want 5", got)
	}
}

func TestTrail_WriteFailureIsLogged(t *testing.T) {
	repo := &memRepo{err: errors.New("disk full")}
	trail := NewTrail(repo)
	trail.HandleRelayEvent(relay.Event{Kind: relay.EventRemoved, RelayID: "lift-a"})

	ctx, cancel := context.WithCancel(context.Background())
	go trail.Run(ctx)
	cancel()

	select {
	case <-trail.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancellation")
	}
	if len(repo.snapshot()) != 0 {
		t.Error("failed write should not be recorded")
	}
}
