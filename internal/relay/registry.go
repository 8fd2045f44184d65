package relay

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/graylift-core/internal/link"
)

// persistTimeout bounds background persistence writes made from link handlers.
const persistTimeout = 5 * time.Second

// Logger defines the logging interface used by the Registry.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Registry is the catalogue of relay controllers. It owns relay records,
// their single-owner associations (robot, template, building) and the
// device link of every connected relay.
//
// Records are cached in memory and written through to the Repository.
// The cache is populated on startup via RefreshCache().
//
// All public methods are thread-safe. Setters must be called before the
// registry is used.
type Registry struct {
	repo      Repository
	templates TemplateStore
	factory   LinkFactory
	executor  ActionExecutor
	logger    Logger

	mu         sync.RWMutex
	relays     map[string]*Relay
	byRobot    map[string][]string
	byTemplate map[string][]string
	byBuilding map[string][]string
	links      map[string]*managedLink

	listeners listeners

	heartbeatTimeout time.Duration
	startOnce        sync.Once
	closeOnce        sync.Once
	done             chan struct{}
	wg               sync.WaitGroup
}

type managedLink struct {
	link        *link.Link
	unsubscribe func()
}

// NewRegistry creates a registry backed by repo. Links are built with the
// default LinkSettings until SetLinkFactory is called.
func NewRegistry(repo Repository) *Registry {
	return &Registry{
		repo:       repo,
		factory:    LinkSettings{},
		logger:     noopLogger{},
		relays:     make(map[string]*Relay),
		byRobot:    make(map[string][]string),
		byTemplate: make(map[string][]string),
		byBuilding: make(map[string][]string),
		links:      make(map[string]*managedLink),
		done:       make(chan struct{}),
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// SetTemplateStore enables RegisterRelaysFromTemplate.
func (r *Registry) SetTemplateStore(store TemplateStore) {
	r.templates = store
}

// SetLinkFactory replaces the factory used to build relay links.
func (r *Registry) SetLinkFactory(f LinkFactory) {
	r.factory = f
}

// SetActionExecutor wires the executor for elevator actions.
func (r *Registry) SetActionExecutor(e ActionExecutor) {
	r.executor = e
}

// SetHeartbeatTimeout enables the liveness watchdog started by Start.
// Zero disables it.
func (r *Registry) SetHeartbeatTimeout(d time.Duration) {
	r.heartbeatTimeout = d
}

// Subscribe registers a handler for registry events and returns a function
// that removes it.
func (r *Registry) Subscribe(h EventHandler) func() {
	return r.listeners.add(h)
}

func (r *Registry) publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	for _, h := range r.listeners.snapshot() {
		r.deliver(h, ev)
	}
}

func (r *Registry) deliver(h EventHandler, ev Event) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("relay event handler panic recovered", "event", ev.Kind.String(), "panic", p)
		}
	}()
	h(ev)
}

// RefreshCache reloads all relays from the repository, rebuilding the
// association indexes. Relays without a known address are loaded too;
// they connect once they announce themselves. Relays with no live link
// are reported offline regardless of their stored status.
func (r *Registry) RefreshCache(ctx context.Context) error {
	relays, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading relays: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.relays = make(map[string]*Relay, len(relays))
	r.byRobot = make(map[string][]string)
	r.byTemplate = make(map[string][]string)
	r.byBuilding = make(map[string][]string)
	for i := range relays {
		rec := relays[i].DeepCopy()
		if ml, ok := r.links[rec.ID]; !ok || !ml.link.IsConnected() {
			rec.Status = StatusOffline
		}
		r.relays[rec.ID] = rec
		r.indexLocked(rec)
	}

	r.logger.Info("relay cache refreshed", "count", len(relays))
	return nil
}

// RegisterRelay stores a new relay with status offline and wires any
// associations named in the descriptor. Returns ErrDuplicateRelay, with
// the registry unchanged, if the ID is taken.
func (r *Registry) RegisterRelay(ctx context.Context, d Descriptor) (*Relay, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}

	rec := d.toRelay(time.Now().UTC())
	rec.RobotID = optionalString(d.RobotID)
	rec.TemplateID = optionalString(d.TemplateID)
	rec.BuildingID = optionalString(d.BuildingID)

	r.mu.Lock()
	if _, exists := r.relays[d.ID]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRelay, d.ID)
	}
	if err := r.repo.Create(ctx, rec); err != nil {
		r.mu.Unlock()
		if errors.Is(err, ErrDuplicateRelay) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateRelay, d.ID)
		}
		return nil, fmt.Errorf("registering relay %s: %w", d.ID, err)
	}
	r.relays[rec.ID] = rec
	r.indexLocked(rec)
	cpy := rec.DeepCopy()
	r.mu.Unlock()

	r.logger.Info("relay registered", "relay_id", rec.ID, "type", string(rec.Type), "has_address", rec.HasAddress())
	r.publish(Event{Kind: EventRegistered, RelayID: rec.ID, Relay: cpy})
	return cpy, nil
}

// RegisterRelaysFromTemplate expands a stored template into individual
// registrations. overrides are merged per descriptor ID, and every
// resulting relay is grouped under buildingID. A failing entry is logged
// and skipped; the returned error joins every per-entry failure.
func (r *Registry) RegisterRelaysFromTemplate(ctx context.Context, templateID, buildingID string, overrides map[string]Descriptor) ([]*Relay, error) {
	if r.templates == nil {
		return nil, ErrNoTemplateStore
	}
	tmpl, err := r.templates.Get(ctx, templateID)
	if err != nil {
		return nil, fmt.Errorf("loading template %s: %w", templateID, err)
	}

	var registered []*Relay
	var errs []error
	for _, base := range tmpl.Relays {
		d := base.Merge(overrides[base.ID])
		if d.TemplateID == "" {
			d.TemplateID = templateID
		}
		if buildingID != "" {
			d.BuildingID = buildingID
		}

		rec, err := r.RegisterRelay(ctx, d)
		if err != nil {
			r.logger.Warn("skipping template relay", "template_id", templateID, "relay_id", d.ID, "error", err)
			errs = append(errs, err)
			continue
		}
		registered = append(registered, rec)
	}

	r.logger.Info("template expanded",
		"template_id", templateID, "building_id", buildingID,
		"registered", len(registered), "failed", len(errs))
	return registered, errors.Join(errs...)
}

// UpdateRelay changes descriptive fields of a relay.
func (r *Registry) UpdateRelay(ctx context.Context, id string, u Update) (*Relay, error) {
	r.mu.Lock()
	cur, ok := r.relays[id]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrRelayNotFound, id)
	}
	next, err := applyUpdate(cur, u)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	if err := r.repo.Update(ctx, next); err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("updating relay %s: %w", id, err)
	}
	r.relays[id] = next
	cpy := next.DeepCopy()
	r.mu.Unlock()

	r.publish(Event{Kind: EventUpdated, RelayID: id, Relay: cpy.DeepCopy()})
	return cpy, nil
}

func applyUpdate(cur *Relay, u Update) (*Relay, error) {
	next := cur.DeepCopy()
	if u.Name != nil {
		if strings.TrimSpace(*u.Name) == "" {
			return nil, fmt.Errorf("%w: name is required", ErrInvalidRelay)
		}
		next.Name = *u.Name
	}
	if u.Description != nil {
		next.Description = *u.Description
	}
	if u.Port != nil {
		if *u.Port < 0 || *u.Port > 65535 {
			return nil, fmt.Errorf("%w: port %d out of range", ErrInvalidRelay, *u.Port)
		}
		next.Port = *u.Port
	}
	if u.Capabilities != nil {
		next.Capabilities = slices.Clone(u.Capabilities)
	}
	if u.Channels != nil {
		if err := u.Channels.Validate(); err != nil {
			return nil, err
		}
		next.Channels = maps.Clone(u.Channels)
	}
	return next, nil
}

// RemoveRelay disconnects a relay, drops it from every association and
// deletes its record.
func (r *Registry) RemoveRelay(ctx context.Context, id string) error {
	r.mu.RLock()
	_, ok := r.relays[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrRelayNotFound, id)
	}

	r.closeLink(id)

	if err := r.repo.Delete(ctx, id); err != nil && !errors.Is(err, ErrRelayNotFound) {
		return fmt.Errorf("removing relay %s: %w", id, err)
	}

	r.mu.Lock()
	delete(r.relays, id)
	for _, kind := range associationKinds {
		removeFromIndex(kind.index(r), id)
	}
	r.mu.Unlock()

	r.logger.Info("relay removed", "relay_id", id)
	r.publish(Event{Kind: EventRemoved, RelayID: id})
	return nil
}

// GetRelay returns a copy of a relay.
func (r *Registry) GetRelay(ctx context.Context, id string) (*Relay, error) {
	r.mu.RLock()
	cached, ok := r.relays[id]
	var cpy *Relay
	if ok {
		cpy = cached.DeepCopy()
	}
	r.mu.RUnlock()
	if ok {
		return cpy, nil
	}

	// Not cached: might have been written by another process.
	rec, err := r.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.cacheLocked(rec)
	r.mu.Unlock()
	return rec, nil
}

// ListRelays returns copies of every relay ordered by name.
func (r *Registry) ListRelays() []Relay {
	r.mu.RLock()
	defer r.mu.RUnlock()

	relays := make([]Relay, 0, len(r.relays))
	for _, rec := range r.relays {
		relays = append(relays, *rec.DeepCopy())
	}
	slices.SortFunc(relays, func(a, b Relay) int {
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return relays
}

// RelaysForRobot returns the relays associated with a robot in
// association order.
func (r *Registry) RelaysForRobot(robotID string) []Relay {
	return r.relaysIn(r.byRobot, robotID)
}

// RelaysForTemplate returns the relays associated with a template.
func (r *Registry) RelaysForTemplate(templateID string) []Relay {
	return r.relaysIn(r.byTemplate, templateID)
}

// RelaysForBuilding returns the relays grouped under a building.
func (r *Registry) RelaysForBuilding(buildingID string) []Relay {
	return r.relaysIn(r.byBuilding, buildingID)
}

func (r *Registry) relaysIn(index map[string][]string, owner string) []Relay {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := index[owner]
	relays := make([]Relay, 0, len(ids))
	for _, id := range ids {
		if rec, ok := r.relays[id]; ok {
			relays = append(relays, *rec.DeepCopy())
		}
	}
	return relays
}

// FindRelayByMAC resolves a hardware address to a relay, including
// relays whose network address is still unknown.
func (r *Registry) FindRelayByMAC(ctx context.Context, mac string) (*Relay, error) {
	mac = NormalizeMAC(mac)
	if mac == "" {
		return nil, fmt.Errorf("%w: empty mac address", ErrRelayNotFound)
	}

	r.mu.RLock()
	for _, rec := range r.relays {
		if rec.MACAddress != nil && NormalizeMAC(*rec.MACAddress) == mac {
			cpy := rec.DeepCopy()
			r.mu.RUnlock()
			return cpy, nil
		}
	}
	r.mu.RUnlock()

	rec, err := r.repo.FindByMAC(ctx, mac)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.cacheLocked(rec)
	r.mu.Unlock()
	return rec, nil
}

// cacheLocked adds a record read from storage unless it is already cached.
// Must be called with r.mu held.
func (r *Registry) cacheLocked(rec *Relay) {
	if _, ok := r.relays[rec.ID]; ok {
		return
	}
	cpy := rec.DeepCopy()
	cpy.Status = StatusOffline
	r.relays[rec.ID] = cpy
	r.indexLocked(cpy)
	rec.Status = StatusOffline
}
