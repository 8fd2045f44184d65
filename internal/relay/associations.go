package relay

import (
	"context"
	"fmt"
	"slices"
)

// associationKind describes one single-owner association: the record
// field holding the owner and the registry index listing owned relays.
type associationKind struct {
	name  string
	field func(*Relay) **string
	index func(*Registry) map[string][]string
}

var (
	robotAssociation = associationKind{
		name:  "robot",
		field: func(r *Relay) **string { return &r.RobotID },
		index: func(r *Registry) map[string][]string { return r.byRobot },
	}
	templateAssociation = associationKind{
		name:  "template",
		field: func(r *Relay) **string { return &r.TemplateID },
		index: func(r *Registry) map[string][]string { return r.byTemplate },
	}
	buildingAssociation = associationKind{
		name:  "building",
		field: func(r *Relay) **string { return &r.BuildingID },
		index: func(r *Registry) map[string][]string { return r.byBuilding },
	}

	associationKinds = []associationKind{robotAssociation, templateAssociation, buildingAssociation}
)

// AssociateWithRobot makes robotID the sole robot owner of a relay. The
// relay is removed from any previous robot's list (last write wins).
func (r *Registry) AssociateWithRobot(ctx context.Context, relayID, robotID string) error {
	return r.associate(ctx, robotAssociation, relayID, robotID)
}

// AssociateWithTemplate makes templateID the sole template owner of a relay.
func (r *Registry) AssociateWithTemplate(ctx context.Context, relayID, templateID string) error {
	return r.associate(ctx, templateAssociation, relayID, templateID)
}

// AssociateWithBuilding moves a relay into a building group.
func (r *Registry) AssociateWithBuilding(ctx context.Context, relayID, buildingID string) error {
	return r.associate(ctx, buildingAssociation, relayID, buildingID)
}

func (r *Registry) associate(ctx context.Context, kind associationKind, relayID, owner string) error {
	if owner == "" {
		return fmt.Errorf("%w: empty %s id", ErrInvalidRelay, kind.name)
	}

	r.mu.Lock()
	cur, ok := r.relays[relayID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRelayNotFound, relayID)
	}

	next := cur.DeepCopy()
	*kind.field(next) = &owner
	if err := r.repo.Update(ctx, next); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("associating relay %s with %s %s: %w", relayID, kind.name, owner, err)
	}
	r.relays[relayID] = next
	r.reindexLocked(kind, relayID, owner)
	cpy := next.DeepCopy()
	r.mu.Unlock()

	r.logger.Info("relay association changed", "relay_id", relayID, "kind", kind.name, "owner", owner)
	r.publish(Event{Kind: EventAssociationChanged, RelayID: relayID, Relay: cpy})
	return nil
}

// indexLocked adds rec to the index of each owner it names.
// Must be called with r.mu held.
func (r *Registry) indexLocked(rec *Relay) {
	for _, kind := range associationKinds {
		if owner := derefString(*kind.field(rec)); owner != "" {
			r.reindexLocked(kind, rec.ID, owner)
		}
	}
}

// reindexLocked enforces single ownership: relayID is removed from every
// owner list of kind before being appended to owner's.
// Must be called with r.mu held.
func (r *Registry) reindexLocked(kind associationKind, relayID, owner string) {
	index := kind.index(r)
	removeFromIndex(index, relayID)
	index[owner] = append(index[owner], relayID)
}

func removeFromIndex(index map[string][]string, relayID string) {
	for owner, ids := range index {
		i := slices.Index(ids, relayID)
		if i < 0 {
			continue
		}
		ids = slices.Delete(ids, i, i+1)
		if len(ids) == 0 {
			delete(index, owner)
		} else {
			index[owner] = ids
		}
	}
}
