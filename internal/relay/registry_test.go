package relay

import (
	"context"
	"errors"
	"slices"
	"testing"
)

func TestRegisterRelay(t *testing.T) {
	ctx := context.Background()
	reg, repo, _ := newTestRegistry(t)
	events := recordEvents(reg)

	rec, err := reg.RegisterRelay(ctx, Descriptor{
		ID:         "lift-a",
		Name:       "Lift A",
		MACAddress: "AA-BB-CC-00-00-01",
		Channels:   elevatorChannels(),
		RobotID:    "amr-01",
		BuildingID: "hq",
	})
	if err != nil {
		t.Fatalf("RegisterRelay() error = %v", err)
	}

	if rec.Status != StatusOffline {
		t.Errorf("Status = %q, want offline", rec.Status)
	}
	if rec.Type != TypeElevator {
		t.Errorf("Type = %q, want elevator default", rec.Type)
	}
	if got := derefString(rec.MACAddress); got != "aa:bb:cc:00:00:01" {
		t.Errorf("MACAddress = %q, want normalised", got)
	}
	if rec.HasAddress() {
		t.Error("HasAddress() = true for a relay registered without ip")
	}
	if repo.stored("lift-a") == nil {
		t.Error("relay not persisted")
	}
	if got := reg.RelaysForRobot("amr-01"); len(got) != 1 {
		t.Errorf("RelaysForRobot() = %d relays, want 1", len(got))
	}
	if got := reg.RelaysForBuilding("hq"); len(got) != 1 {
		t.Errorf("RelaysForBuilding() = %d relays, want 1", len(got))
	}
	if !events.has(EventRegistered) {
		t.Error("EventRegistered not published")
	}
}

func TestRegisterRelay_DuplicateLeavesRegistryUnchanged(t *testing.T) {
	ctx := context.Background()
	reg, _, _ := newTestRegistry(t)

	if _, err := reg.RegisterRelay(ctx, Descriptor{ID: "lift-a", Name: "Lift A", RobotID: "amr-01"}); err != nil {
		t.Fatalf("first RegisterRelay() error = %v", err)
	}
	events := recordEvents(reg)

	_, err := reg.RegisterRelay(ctx, Descriptor{ID: "lift-a", Name: "Impostor", RobotID: "amr-02"})
	if !errors.Is(err, ErrDuplicateRelay) {
		t.Fatalf("RegisterRelay() error = %v, want ErrDuplicateRelay", err)
	}

	got, err := reg.GetRelay(ctx, "lift-a")
	if err != nil {
		t.Fatalf("GetRelay() error = %v", err)
	}
	if got.Name != "Lift A" || derefString(got.RobotID) != "amr-01" {
		t.Errorf("relay changed by failed registration: %+v", got)
	}
	if len(reg.ListRelays()) != 1 {
		t.Errorf("ListRelays() = %d relays, want 1", len(reg.ListRelays()))
	}
	if len(reg.RelaysForRobot("amr-02")) != 0 {
		t.Error("failed registration created an association")
	}
	if len(events.kinds()) != 0 {
		t.Errorf("events published on failure: %v", events.kinds())
	}
}

func TestRegisterRelay_Validation(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	tests := []struct {
		name string
		d    Descriptor
	}{
		{"missing id", Descriptor{Name: "x"}},
		{"missing name", Descriptor{ID: "x"}},
		{"bad port", Descriptor{ID: "x", Name: "x", Port: 70000}},
		{"channel out of range", Descriptor{ID: "x", Name: "x", Channels: ChannelMap{8: {Function: "door_open"}}}},
		{"function bound twice", Descriptor{ID: "x", Name: "x", Channels: ChannelMap{
			0: {Function: "door_open"}, 1: {Function: "door_open"},
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := reg.RegisterRelay(context.Background(), tt.d); !errors.Is(err, ErrInvalidRelay) {
				t.Errorf("RegisterRelay() error = %v, want ErrInvalidRelay", err)
			}
		})
	}
}

func TestRegisterRelay_RepositoryFailure(t *testing.T) {
	reg, repo, _ := newTestRegistry(t)
	repo.createErr = errors.New("disk full")

	if _, err := reg.RegisterRelay(context.Background(), Descriptor{ID: "lift-a", Name: "Lift A"}); err == nil {
		t.Fatal("RegisterRelay() should surface repository failure")
	}
	if _, err := reg.GetRelay(context.Background(), "lift-a"); !errors.Is(err, ErrRelayNotFound) {
		t.Errorf("GetRelay() error = %v, want ErrRelayNotFound", err)
	}
}

func TestAssociations_SingleOwner(t *testing.T) {
	ctx := context.Background()
	reg, repo, _ := newTestRegistry(t)

	for _, id := range []string{"lift-a", "lift-b"} {
		if _, err := reg.RegisterRelay(ctx, Descriptor{ID: id, Name: id}); err != nil {
			t.Fatalf("RegisterRelay(%s) error = %v", id, err)
		}
	}

	tests := []struct {
		name      string
		associate func(ctx context.Context, relayID, owner string) error
		list      func(owner string) []Relay
		field     func(*Relay) *string
	}{
		{"robot", reg.AssociateWithRobot, reg.RelaysForRobot, func(r *Relay) *string { return r.RobotID }},
		{"template", reg.AssociateWithTemplate, reg.RelaysForTemplate, func(r *Relay) *string { return r.TemplateID }},
		{"building", reg.AssociateWithBuilding, reg.RelaysForBuilding, func(r *Relay) *string { return r.BuildingID }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.associate(ctx, "lift-a", "A"); err != nil {
				t.Fatalf("associate A error = %v", err)
			}
			if err := tt.associate(ctx, "lift-b", "A"); err != nil {
				t.Fatalf("associate lift-b to A error = %v", err)
			}
			if err := tt.associate(ctx, "lift-a", "B"); err != nil {
				t.Fatalf("associate B error = %v", err)
			}

			if ids := relayIDs(tt.list("A")); !slices.Equal(ids, []string{"lift-b"}) {
				t.Errorf("owner A relays = %v, want [lift-b]", ids)
			}
			if ids := relayIDs(tt.list("B")); !slices.Equal(ids, []string{"lift-a"}) {
				t.Errorf("owner B relays = %v, want [lift-a]", ids)
			}
			if got := derefString(tt.field(repo.stored("lift-a"))); got != "B" {
				t.Errorf("persisted owner = %q, want B", got)
			}
		})
	}

	if err := reg.AssociateWithRobot(ctx, "ghost", "A"); !errors.Is(err, ErrRelayNotFound) {
		t.Errorf("associate unknown relay error = %v, want ErrRelayNotFound", err)
	}
}

func TestAssociations_PersistFailureLeavesIndexUnchanged(t *testing.T) {
	ctx := context.Background()
	reg, repo, _ := newTestRegistry(t)
	if _, err := reg.RegisterRelay(ctx, Descriptor{ID: "lift-a", Name: "Lift A", RobotID: "A"}); err != nil {
		t.Fatalf("RegisterRelay() error = %v", err)
	}

	repo.updateErr = errors.New("locked")
	if err := reg.AssociateWithRobot(ctx, "lift-a", "B"); err == nil {
		t.Fatal("AssociateWithRobot() should fail when persistence fails")
	}
	if len(reg.RelaysForRobot("A")) != 1 || len(reg.RelaysForRobot("B")) != 0 {
		t.Error("association changed despite persistence failure")
	}
}

func TestRegisterRelaysFromTemplate(t *testing.T) {
	ctx := context.Background()
	reg, _, _ := newTestRegistry(t)

	if _, err := reg.RegisterRelaysFromTemplate(ctx, "hq-lifts", "hq", nil); !errors.Is(err, ErrNoTemplateStore) {
		t.Fatalf("without store error = %v, want ErrNoTemplateStore", err)
	}

	store := &mockTemplateStore{}
	_ = store.Save(ctx, &Template{
		ID:   "hq-lifts",
		Name: "HQ lifts",
		Relays: []Descriptor{
			{ID: "hq-lift-a", Name: "Lift A", Capabilities: []string{"open_door"}},
			{ID: "hq-lift-b", Name: "Lift B"},
			{ID: "taken", Name: "Taken"},
		},
	})
	reg.SetTemplateStore(store)

	if _, err := reg.RegisterRelay(ctx, Descriptor{ID: "taken", Name: "Already here"}); err != nil {
		t.Fatalf("RegisterRelay() error = %v", err)
	}

	registered, err := reg.RegisterRelaysFromTemplate(ctx, "hq-lifts", "hq", map[string]Descriptor{
		"hq-lift-b": {IPAddress: "10.0.0.12", MACAddress: "aa:bb:cc:00:00:02"},
	})
	if !errors.Is(err, ErrDuplicateRelay) {
		t.Errorf("error = %v, want joined ErrDuplicateRelay for the taken entry", err)
	}
	if len(registered) != 2 {
		t.Fatalf("registered %d relays, want 2", len(registered))
	}

	if ids := relayIDs(reg.RelaysForBuilding("hq")); !slices.Equal(ids, []string{"hq-lift-a", "hq-lift-b"}) {
		t.Errorf("building relays = %v", ids)
	}
	if ids := relayIDs(reg.RelaysForTemplate("hq-lifts")); len(ids) != 2 {
		t.Errorf("template relays = %v, want 2", ids)
	}

	b, _ := reg.GetRelay(ctx, "hq-lift-b")
	if derefString(b.IPAddress) != "10.0.0.12" || b.Name != "Lift B" {
		t.Errorf("override not merged: %+v", b)
	}

	if _, err := reg.RegisterRelaysFromTemplate(ctx, "missing", "hq", nil); !errors.Is(err, ErrTemplateNotFound) {
		t.Errorf("missing template error = %v, want ErrTemplateNotFound", err)
	}
}

func TestUpdateRelay(t *testing.T) {
	ctx := context.Background()
	reg, repo, _ := newTestRegistry(t)
	if _, err := reg.RegisterRelay(ctx, Descriptor{ID: "lift-a", Name: "Lift A"}); err != nil {
		t.Fatalf("RegisterRelay() error = %v", err)
	}

	name := "Lift A (north)"
	updated, err := reg.UpdateRelay(ctx, "lift-a", Update{
		Name:         &name,
		Capabilities: []string{"open_door", "close_door"},
		Channels:     elevatorChannels(),
	})
	if err != nil {
		t.Fatalf("UpdateRelay() error = %v", err)
	}
	if updated.Name != name || len(updated.Channels) != 4 {
		t.Errorf("updated = %+v", updated)
	}
	if repo.stored("lift-a").Name != name {
		t.Error("update not persisted")
	}

	empty := " "
	if _, err := reg.UpdateRelay(ctx, "lift-a", Update{Name: &empty}); !errors.Is(err, ErrInvalidRelay) {
		t.Errorf("empty name error = %v, want ErrInvalidRelay", err)
	}
	if _, err := reg.UpdateRelay(ctx, "ghost", Update{Name: &name}); !errors.Is(err, ErrRelayNotFound) {
		t.Errorf("unknown relay error = %v, want ErrRelayNotFound", err)
	}
}

func TestRemoveRelay(t *testing.T) {
	ctx := context.Background()
	reg, repo, _ := newTestRegistry(t)
	if _, err := reg.RegisterRelay(ctx, Descriptor{
		ID: "lift-a", Name: "Lift A", RobotID: "amr-01", TemplateID: "t1", BuildingID: "hq",
	}); err != nil {
		t.Fatalf("RegisterRelay() error = %v", err)
	}
	events := recordEvents(reg)

	if err := reg.RemoveRelay(ctx, "lift-a"); err != nil {
		t.Fatalf("RemoveRelay() error = %v", err)
	}
	if len(reg.RelaysForRobot("amr-01"))+len(reg.RelaysForTemplate("t1"))+len(reg.RelaysForBuilding("hq")) != 0 {
		t.Error("removed relay still associated")
	}
	if repo.stored("lift-a") != nil {
		t.Error("removed relay still persisted")
	}
	if !events.has(EventRemoved) {
		t.Error("EventRemoved not published")
	}
	if err := reg.RemoveRelay(ctx, "lift-a"); !errors.Is(err, ErrRelayNotFound) {
		t.Errorf("second RemoveRelay() error = %v, want ErrRelayNotFound", err)
	}
}

func TestRefreshCache(t *testing.T) {
	ctx := context.Background()
	repo := NewMockRepository()
	online := "10.0.0.5"
	robot := "amr-01"
	_ = repo.Create(ctx, &Relay{ID: "lift-a", Name: "Lift A", Type: TypeElevator, Status: StatusOnline, IPAddress: &online, RobotID: &robot})
	_ = repo.Create(ctx, &Relay{ID: "lift-b", Name: "Lift B", Type: TypeElevator, Status: StatusOffline})

	reg := NewRegistry(repo)
	if err := reg.RefreshCache(ctx); err != nil {
		t.Fatalf("RefreshCache() error = %v", err)
	}

	relays := reg.ListRelays()
	if len(relays) != 2 {
		t.Fatalf("ListRelays() = %d, want 2 (address-less relays included)", len(relays))
	}
	for _, r := range relays {
		if r.Status != StatusOffline {
			t.Errorf("%s status = %q, want offline without a live link", r.ID, r.Status)
		}
	}
	if ids := relayIDs(reg.RelaysForRobot("amr-01")); !slices.Equal(ids, []string{"lift-a"}) {
		t.Errorf("robot index = %v", ids)
	}
}

func TestGetRelay_ReturnsCopy(t *testing.T) {
	ctx := context.Background()
	reg, _, _ := newTestRegistry(t)
	if _, err := reg.RegisterRelay(ctx, Descriptor{ID: "lift-a", Name: "Lift A", Channels: elevatorChannels()}); err != nil {
		t.Fatalf("RegisterRelay() error = %v", err)
	}

	got, _ := reg.GetRelay(ctx, "lift-a")
	got.Name = "mutated"
	got.Channels[0] = Channel{Function: "mutated"}

	again, _ := reg.GetRelay(ctx, "lift-a")
	if again.Name != "Lift A" || again.Channels[0].Function != "door_open" {
		t.Error("caller mutation leaked into the cache")
	}
}

func TestStatistics(t *testing.T) {
	ctx := context.Background()
	reg, _, _ := newTestRegistry(t)

	for _, d := range []Descriptor{
		{ID: "a", Name: "a", BuildingID: "hq"},
		{ID: "b", Name: "b", BuildingID: "hq"},
		{ID: "c", Name: "c", BuildingID: "hq"},
		{ID: "d", Name: "d", Type: TypeDoor},
	} {
		if _, err := reg.RegisterRelay(ctx, d); err != nil {
			t.Fatalf("RegisterRelay(%s) error = %v", d.ID, err)
		}
	}
	reg.setStatus("a", StatusOnline, EventConnected, nil)
	reg.setStatus("b", StatusError, EventError, errors.New("boom"))

	s := reg.Statistics()
	if s.Total != 4 || s.Online != 1 || s.Error != 1 || s.Offline != 2 {
		t.Errorf("counts = %+v", s)
	}
	if s.Types[TypeElevator] != 3 || s.Types[TypeDoor] != 1 {
		t.Errorf("types = %v", s.Types)
	}
	hq := s.Buildings["hq"]
	if hq.Total != 3 || hq.Online != 1 || hq.OnlinePercent != 33.3 {
		t.Errorf("hq = %+v, want 1/3 online (33.3%%)", hq)
	}
}

func TestChannelMap_Find(t *testing.T) {
	m := elevatorChannels()
	idx, ch, ok := m.Find("floor_2")
	if !ok || idx != 3 || !ch.Enabled {
		t.Errorf("Find(floor_2) = %d, %+v, %v", idx, ch, ok)
	}
	if _, _, ok := m.Find("hall_call"); ok {
		t.Error("Find(hall_call) should not match")
	}
	if got := m.Indices(); !slices.Equal(got, []int{0, 1, 2, 3}) {
		t.Errorf("Indices() = %v", got)
	}
}

func TestDescriptorMerge(t *testing.T) {
	base := Descriptor{ID: "x", Name: "X", Port: 80, Capabilities: []string{"open_door"}}
	got := base.Merge(Descriptor{Name: "X2", IPAddress: "10.0.0.1"})
	if got.ID != "x" || got.Name != "X2" || got.Port != 80 || got.IPAddress != "10.0.0.1" || len(got.Capabilities) != 1 {
		t.Errorf("Merge() = %+v", got)
	}
}

func relayIDs(relays []Relay) []string {
	ids := make([]string, 0, len(relays))
	for _, r := range relays {
		ids = append(ids, r.ID)
	}
	return ids
}
