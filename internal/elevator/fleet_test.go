package elevator

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/nerrad567/graylift-core/internal/infrastructure/database"
	"github.com/nerrad567/graylift-core/internal/relay"
	_ "github.com/nerrad567/graylift-core/migrations" // schema
)

type moverMap map[string]Mover

func (m moverMap) Mover(robotID string) (Mover, bool) {
	mv, ok := m[robotID]
	return mv, ok
}

func liftRelay() *relay.Relay {
	return &relay.Relay{ID: "lift-a", Name: "Lift A", Type: relay.TypeElevator, Channels: testChannels()}
}

func TestFleet_ExecuteAction(t *testing.T) {
	ctx := context.Background()
	l, b := openBoardLink(t)
	mover := &recordingMover{}

	fleet := NewFleet(fastConfig())
	fleet.SetMoverResolver(moverMap{"amr-01": mover})
	events := &eventLog{}
	fleet.Subscribe(events.record)

	if err := fleet.ExecuteAction(ctx, liftRelay(), l, relay.ActionOpenDoor, nil); err != nil {
		t.Fatalf("open_door error = %v", err)
	}
	// JSON numbers arrive as float64.
	if err := fleet.ExecuteAction(ctx, liftRelay(), l, relay.ActionGoToFloor, map[string]any{"floor": float64(3), "robot_id": "amr-01"}); err != nil {
		t.Fatalf("go_to_floor error = %v", err)
	}

	want := []string{FunctionDoorOpen, FunctionDoorOpen, FunctionDoorClose, "floor_3", FunctionDoorOpen, FunctionDoorClose}
	if got := b.pressed(); !slices.Equal(got, want) {
		t.Errorf("pressed = %v, want %v", got, want)
	}
	if len(mover.visited()) != 2 {
		t.Errorf("robot moves = %d, want 2", len(mover.visited()))
	}
	o, ok := fleet.Get("lift-a")
	if !ok || o.State().CurrentFloor != 3 {
		t.Errorf("fleet elevator = %v, %+v", ok, o)
	}
	if events.count(EventArrived) != 1 {
		t.Errorf("forwarded arrival events = %d, want 1", events.count(EventArrived))
	}

	tests := []struct {
		name   string
		action string
		params map[string]any
		want   error
	}{
		{"missing floor", relay.ActionSelectFloor, nil, ErrInvalidFloor},
		{"fractional floor", relay.ActionSelectFloor, map[string]any{"floor": 2.5}, ErrInvalidFloor},
		{"unknown robot", relay.ActionGoToFloor, map[string]any{"floor": 2, "robot_id": "amr-99"}, ErrRobotNotFound},
		{"unknown action", "dance", nil, ErrUnknownStep},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := fleet.ExecuteAction(ctx, liftRelay(), l, tt.action, tt.params); !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestFleet_AttachReusesOrchestrator(t *testing.T) {
	l, _ := openBoardLink(t)
	fleet := NewFleet(fastConfig())

	first := fleet.Attach(liftRelay(), l)
	r := liftRelay()
	r.Channels = relay.ChannelMap{0: {Function: FunctionDoorOpen, Enabled: false}}
	second := fleet.Attach(r, l)

	if first != second {
		t.Fatal("Attach() created a second orchestrator for the same relay")
	}
	if err := second.OpenDoor(context.Background()); !errors.Is(err, ErrFunctionDisabled) {
		t.Errorf("OpenDoor() error = %v, want the new channel map applied", err)
	}
	if states := fleet.States(); len(states) != 1 || states[0].RelayID != "lift-a" {
		t.Errorf("States() = %+v", states)
	}

	fleet.Remove("lift-a")
	if _, ok := fleet.Get("lift-a"); ok {
		t.Error("elevator still present after Remove")
	}
	if first.State().Status != StatusDisconnected {
		t.Errorf("removed orchestrator status = %q, want disconnected", first.State().Status)
	}
}

func TestFloorParam(t *testing.T) {
	tests := []struct {
		in      any
		want    int
		wantErr bool
	}{
		{2, 2, false},
		{int64(4), 4, false},
		{float64(3), 3, false},
		{"5", 5, false},
		{"five", 0, true},
		{1.5, 0, true},
		{nil, 0, true},
		{true, 0, true},
	}
	for _, tt := range tests {
		got, err := floorParam(map[string]any{"floor": tt.in})
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("floorParam(%v) = %d, %v", tt.in, got, err)
		}
	}
}

func TestFleet_WatchRegistry(t *testing.T) {
	ctx := context.Background()
	b := newBoard()

	db, err := database.Open(database.Config{Path: filepath.Join(t.TempDir(), "fleet.db"), BusyTimeout: 5})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // test cleanup
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	reg := relay.NewRegistry(relay.NewSQLiteRepository(db.DB))
	reg.SetLinkFactory(relay.LinkSettings{
		Port:           80,
		CommandTimeout: time.Second,
		ReconnectDelay: time.Hour,
		Dialer:         boardDialer{board: b},
	})
	t.Cleanup(func() { reg.Close() }) //nolint:errcheck // test cleanup

	fleet := NewFleet(fastConfig())
	stop := fleet.Watch(reg)
	defer stop()
	reg.SetActionExecutor(fleet)

	if _, err := reg.RegisterRelay(ctx, relay.Descriptor{
		ID: "lift-a", Name: "Lift A", IPAddress: "10.0.0.5", RobotID: "amr-01", Channels: testChannels(),
	}); err != nil {
		t.Fatalf("RegisterRelay() error = %v", err)
	}
	if err := reg.ConnectToRelay(ctx, "lift-a"); err != nil {
		t.Fatalf("ConnectToRelay() error = %v", err)
	}

	o, ok := fleet.Get("lift-a")
	if !ok {
		t.Fatal("connected elevator relay not attached to the fleet")
	}
	if st := o.State(); !st.Connected || st.Status != StatusIdle {
		t.Errorf("attached state = %+v", st)
	}

	if _, err := reg.ExecuteRelayAction(ctx, relay.RobotScope("amr-01"), relay.ActionCloseDoor, nil); err != nil {
		t.Fatalf("ExecuteRelayAction() error = %v", err)
	}
	if got := b.pressed(); !slices.Equal(got, []string{FunctionDoorClose}) {
		t.Errorf("pressed = %v, want [door_close]", got)
	}

	if err := reg.RemoveRelay(ctx, "lift-a"); err != nil {
		t.Fatalf("RemoveRelay() error = %v", err)
	}
	if _, ok := fleet.Get("lift-a"); ok {
		t.Error("removed relay still in the fleet")
	}
}

func TestFleet_Dispatch(t *testing.T) {
	ctx := context.Background()
	l, b := openBoardLink(t)
	fleet := NewFleet(fastConfig())

	if err := fleet.Dispatch(ctx, "lift-a", relay.ActionOpenDoor, nil); !errors.Is(err, ErrElevatorNotFound) {
		t.Fatalf("Dispatch() before Attach error = %v, want ErrElevatorNotFound", err)
	}

	fleet.Attach(liftRelay(), l)
	if err := fleet.Dispatch(ctx, "lift-a", relay.ActionSelectFloor, map[string]any{"floor": "2"}); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if got := b.pressed(); !slices.Equal(got, []string{"floor_2"}) {
		t.Errorf("pressed = %v, want [floor_2]", got)
	}
}
