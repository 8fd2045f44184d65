package robot

import (
	"context"
	"errors"
	"testing"

	"github.com/nerrad567/graylift-core/internal/elevator"
	"github.com/nerrad567/graylift-core/internal/link"
)

func TestPool(t *testing.T) {
	ctx := context.Background()
	r := newFakeRobot()
	d := &robotDialer{robots: map[string]*fakeRobot{"ws://10.0.1.20:9090/ws/v2/topics": r}}

	pool := NewPool([]Endpoint{
		{ID: "amr-02", Host: "10.0.1.21"},
		{ID: "amr-01", Host: "10.0.1.20"},
	}, testSettings(d))
	t.Cleanup(func() { pool.Close() }) //nolint:errcheck // test cleanup

	err := pool.ConnectAll(ctx)
	if !errors.Is(err, link.ErrConnection) {
		t.Errorf("ConnectAll() error = %v, want amr-02 to fail", err)
	}

	statuses := pool.Statuses()
	if len(statuses) != 2 || statuses[0].ID != "amr-01" || statuses[1].ID != "amr-02" {
		t.Fatalf("Statuses() = %+v", statuses)
	}
	if !statuses[0].Connected || statuses[1].Connected {
		t.Errorf("connected = %v, %v; want true, false", statuses[0].Connected, statuses[1].Connected)
	}

	mover, ok := pool.Mover("amr-01")
	if !ok {
		t.Fatal("Mover(amr-01) not found")
	}
	if err := mover.MoveTo(ctx, elevator.Waypoint{X: 1.5}); err != nil {
		t.Errorf("MoveTo() error = %v", err)
	}
	if len(r.commands()) != 1 {
		t.Errorf("robot commands = %d, want 1", len(r.commands()))
	}

	if _, ok := pool.Mover("amr-99"); ok {
		t.Error("Mover(amr-99) resolved an unknown robot")
	}
	if _, err := pool.Get("amr-99"); !errors.Is(err, ErrRobotNotFound) {
		t.Errorf("Get() error = %v, want ErrRobotNotFound", err)
	}
}
