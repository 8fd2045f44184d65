package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/graylift-core/internal/link"
)

// ConnectToRelay opens the device link for a relay. It returns nil and does
// nothing if the relay's network address is not known yet. An existing
// link is reused, so repeated calls never create a second connection.
func (r *Registry) ConnectToRelay(ctx context.Context, id string) error {
	r.mu.Lock()
	rec, ok := r.relays[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRelayNotFound, id)
	}
	if !rec.HasAddress() {
		r.mu.Unlock()
		r.logger.Debug("relay has no address yet, connect deferred", "relay_id", id)
		return nil
	}

	ml, ok := r.links[id]
	if !ok {
		l := r.factory.NewLink(rec.DeepCopy())
		ml = &managedLink{link: l}
		ml.unsubscribe = l.Subscribe(r.linkHandler(id))
		r.links[id] = ml
	}
	l := ml.link
	r.mu.Unlock()

	if err := l.Open(ctx); err != nil {
		r.setStatus(id, StatusError, EventError, err)
		return fmt.Errorf("connecting relay %s: %w", id, err)
	}
	return nil
}

// ConnectToRelayWhenIPAvailable records a newly learned address and
// connects.
func (r *Registry) ConnectToRelayWhenIPAvailable(ctx context.Context, id, ip string) error {
	if err := r.UpdateRelayIP(ctx, id, ip); err != nil {
		return err
	}
	return r.ConnectToRelay(ctx, id)
}

// UpdateRelayIP attaches a network address to a relay. An empty address
// is rejected so a known address never reverts to unknown. The write to
// storage is best effort: failures are logged, not returned.
func (r *Registry) UpdateRelayIP(ctx context.Context, id, ip string) error {
	if ip == "" {
		return fmt.Errorf("%w: empty ip address for %s", ErrInvalidRelay, id)
	}

	r.mu.Lock()
	rec, ok := r.relays[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRelayNotFound, id)
	}
	if rec.IPAddress != nil && *rec.IPAddress == ip {
		r.mu.Unlock()
		return nil
	}
	rec.IPAddress = &ip
	rec.UpdatedAt = time.Now().UTC()
	if ml, ok := r.links[id]; ok {
		ml.link.SetAddress(r.factory.Address(rec))
	}
	cpy := rec.DeepCopy()
	r.mu.Unlock()

	if err := r.repo.UpdateIP(ctx, id, ip); err != nil {
		r.logger.Error("failed to persist relay ip", "relay_id", id, "ip", ip, "error", err)
	}
	r.logger.Info("relay address learned", "relay_id", id, "ip", ip)
	r.publish(Event{Kind: EventUpdated, RelayID: id, Relay: cpy})
	return nil
}

// Announcement is the identification a relay sends when it dials in.
type Announcement struct {
	MAC        string
	IP         string
	DeviceName string
}

// HandleAnnouncement resolves an announcing relay by hardware address,
// records its IP and connects to it. The relay is returned even when the
// connection attempt fails, together with that error.
func (r *Registry) HandleAnnouncement(ctx context.Context, a Announcement) (*Relay, error) {
	rec, err := r.FindRelayByMAC(ctx, a.MAC)
	if err != nil {
		return nil, err
	}
	if a.IP == "" {
		return rec, nil
	}

	connErr := r.ConnectToRelayWhenIPAvailable(ctx, rec.ID, a.IP)
	if connErr != nil {
		r.logger.Warn("announced relay did not connect", "relay_id", rec.ID, "ip", a.IP, "error", connErr)
	}
	if updated, err := r.GetRelay(ctx, rec.ID); err == nil {
		rec = updated
	}
	return rec, connErr
}

// Link returns the live link of a relay, if one exists.
func (r *Registry) Link(id string) (*link.Link, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ml, ok := r.links[id]
	if !ok {
		return nil, false
	}
	return ml.link, true
}

// LinkStats returns statistics for every relay link.
func (r *Registry) LinkStats() []link.Stats {
	r.mu.RLock()
	links := make([]*link.Link, 0, len(r.links))
	for _, ml := range r.links {
		links = append(links, ml.link)
	}
	r.mu.RUnlock()

	stats := make([]link.Stats, 0, len(links))
	for _, l := range links {
		stats = append(stats, l.Stats())
	}
	return stats
}

// DisconnectFromRelay closes a relay's link and marks it offline.
func (r *Registry) DisconnectFromRelay(_ context.Context, id string) error {
	r.mu.RLock()
	_, ok := r.relays[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrRelayNotFound, id)
	}

	r.closeLink(id)
	r.setStatus(id, StatusOffline, EventDisconnected, nil)
	return nil
}

// closeLink detaches and closes a relay's link without holding r.mu, since
// Close waits for the link's event delivery to finish.
func (r *Registry) closeLink(id string) {
	r.mu.Lock()
	ml, ok := r.links[id]
	delete(r.links, id)
	r.mu.Unlock()
	if !ok {
		return
	}
	ml.unsubscribe()
	if err := ml.link.Close(); err != nil {
		r.logger.Warn("error closing relay link", "relay_id", id, "error", err)
	}
}

// linkHandler mirrors a link's lifecycle into the relay record and
// registry events. It runs on the link's reader goroutine.
func (r *Registry) linkHandler(id string) link.Handler {
	return func(ev link.Event) {
		switch ev.Kind {
		case link.EventConnected:
			r.setStatus(id, StatusOnline, EventConnected, nil)
		case link.EventDisconnected:
			r.setStatus(id, StatusOffline, EventDisconnected, ev.Err)
		case link.EventError, link.EventReconnectExhausted:
			r.setStatus(id, StatusError, EventError, ev.Err)
		case link.EventHeartbeat, link.EventStateSnapshot, link.EventInputChanged:
			r.touch(id, ev.Time)
		}
	}
}

// setStatus updates a relay's status, persists it best-effort and
// publishes kind.
func (r *Registry) setStatus(id string, status Status, kind EventKind, cause error) {
	now := time.Now().UTC()

	r.mu.Lock()
	rec, ok := r.relays[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	rec.Status = status
	var lastSeen *time.Time
	if status == StatusOnline {
		rec.LastSeen = &now
		lastSeen = &now
	}
	cpy := rec.DeepCopy()
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := r.repo.UpdateStatus(ctx, id, status, lastSeen); err != nil {
		r.logger.Error("failed to persist relay status", "relay_id", id, "status", string(status), "error", err)
	}

	switch status {
	case StatusError:
		r.logger.Warn("relay error", "relay_id", id, "error", cause)
	default:
		r.logger.Info("relay status changed", "relay_id", id, "status", string(status))
	}
	r.publish(Event{Kind: kind, RelayID: id, Relay: cpy, Err: cause, Time: now})
}

func (r *Registry) touch(id string, at time.Time) {
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()
	r.mu.Lock()
	if rec, ok := r.relays[id]; ok {
		rec.LastSeen = &at
	}
	r.mu.Unlock()
}

// Start launches the liveness watchdog if a heartbeat timeout is set.
// It stops when ctx is cancelled or Close is called.
func (r *Registry) Start(ctx context.Context) {
	if r.heartbeatTimeout <= 0 {
		return
	}
	r.startOnce.Do(func() {
		interval := max(r.heartbeatTimeout/3, time.Second)
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-r.done:
					return
				case now := <-ticker.C:
					r.checkLiveness(now)
				}
			}
		}()
	})
}

// checkLiveness drops links that have been silent longer than the
// heartbeat timeout. The link's reconnect policy then takes over.
func (r *Registry) checkLiveness(now time.Time) {
	r.mu.RLock()
	type target struct {
		id string
		l  *link.Link
	}
	var stale []target
	for id, ml := range r.links {
		if !ml.link.IsConnected() {
			continue
		}
		if seen := ml.link.LastSeen(); !seen.IsZero() && now.Sub(seen) > r.heartbeatTimeout {
			stale = append(stale, target{id: id, l: ml.link})
		}
	}
	r.mu.RUnlock()

	for _, t := range stale {
		cause := fmt.Errorf("%w: silent for more than %v", ErrHeartbeatLost, r.heartbeatTimeout)
		r.logger.Warn("relay heartbeat lost, dropping link", "relay_id", t.id)
		t.l.Drop(cause)
		r.setStatus(t.id, StatusError, EventError, cause)
	}
}

// Close stops the watchdog and closes every relay link.
func (r *Registry) Close() error {
	r.closeOnce.Do(func() {
		close(r.done)
	})
	r.wg.Wait()

	r.mu.RLock()
	ids := make([]string, 0, len(r.links))
	for id := range r.links {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	var errs []error
	for _, id := range ids {
		r.mu.Lock()
		ml, ok := r.links[id]
		delete(r.links, id)
		r.mu.Unlock()
		if !ok {
			continue
		}
		ml.unsubscribe()
		if err := ml.link.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing relay %s: %w", id, err))
		}
	}
	r.logger.Info("relay registry closed", "links", len(ids))
	return errors.Join(errs...)
}
