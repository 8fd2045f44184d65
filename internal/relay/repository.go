package relay

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Repository defines the interface for relay persistence operations.
// This abstraction allows for different implementations (SQLite, mock, etc.)
// and enables unit testing without database dependencies.
type Repository interface {
	// GetByID retrieves a relay by its unique identifier.
	// Returns ErrRelayNotFound if the relay does not exist.
	GetByID(ctx context.Context, id string) (*Relay, error)

	// FindByMAC retrieves a relay by hardware address.
	// Returns ErrRelayNotFound if no relay has that address.
	FindByMAC(ctx context.Context, mac string) (*Relay, error)

	// List retrieves all relays, including those without a known address.
	List(ctx context.Context) ([]Relay, error)

	// Create inserts a new relay.
	// Returns ErrDuplicateRelay if a relay with the same ID already exists.
	Create(ctx context.Context, r *Relay) error

	// Update replaces the stored record, associations included.
	// Returns ErrRelayNotFound if the relay does not exist.
	Update(ctx context.Context, r *Relay) error

	// Delete removes a relay by ID.
	// Returns ErrRelayNotFound if the relay does not exist.
	Delete(ctx context.Context, id string) error

	// UpdateStatus records a status change and optionally the last-seen time.
	UpdateStatus(ctx context.Context, id string, status Status, lastSeen *time.Time) error

	// UpdateIP records a newly learned network address.
	UpdateIP(ctx context.Context, id, ip string) error
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
// The db parameter should be an open, migrated SQLite connection.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const relayColumns = `
		id, name, description, type, mac_address, ip_address, port,
		capabilities, channels, status, last_seen,
		robot_id, template_id, building_id, created_at, updated_at`

// GetByID retrieves a relay by its unique identifier.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*Relay, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+relayColumns+` FROM relays WHERE id = ?`, id)
	relay, err := scanRelay(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRelayNotFound
		}
		return nil, fmt.Errorf("querying relay by id: %w", err)
	}
	return relay, nil
}

// FindByMAC retrieves a relay by hardware address.
func (r *SQLiteRepository) FindByMAC(ctx context.Context, mac string) (*Relay, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+relayColumns+` FROM relays WHERE mac_address = ?`, NormalizeMAC(mac))
	relay, err := scanRelay(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRelayNotFound
		}
		return nil, fmt.Errorf("querying relay by mac: %w", err)
	}
	return relay, nil
}

// List retrieves all relays ordered by name.
func (r *SQLiteRepository) List(ctx context.Context) ([]Relay, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+relayColumns+` FROM relays ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("querying relays: %w", err)
	}
	defer rows.Close()

	var relays []Relay
	for rows.Next() {
		relay, err := scanRelay(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning relay: %w", err)
		}
		relays = append(relays, *relay)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating relays: %w", err)
	}
	return relays, nil
}

// Create inserts a new relay.
func (r *SQLiteRepository) Create(ctx context.Context, relay *Relay) error {
	capsJSON, channelsJSON, err := marshalRelayJSON(relay)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if relay.CreatedAt.IsZero() {
		relay.CreatedAt = now
	}
	relay.UpdatedAt = now

	query := `
		INSERT INTO relays (` + relayColumns + `
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = r.db.ExecContext(ctx, query,
		relay.ID,
		relay.Name,
		relay.Description,
		string(relay.Type),
		nullableString(relay.MACAddress),
		nullableString(relay.IPAddress),
		relay.Port,
		capsJSON,
		channelsJSON,
		string(relay.Status),
		nullableTime(relay.LastSeen),
		nullableString(relay.RobotID),
		nullableString(relay.TemplateID),
		nullableString(relay.BuildingID),
		relay.CreatedAt.UTC().Format(time.RFC3339),
		relay.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			if strings.Contains(err.Error(), "mac_address") {
				return fmt.Errorf("%w: mac address %s already in use", ErrInvalidRelay, derefString(relay.MACAddress))
			}
			return ErrDuplicateRelay
		}
		return fmt.Errorf("inserting relay: %w", err)
	}
	return nil
}

// Update replaces the stored record.
func (r *SQLiteRepository) Update(ctx context.Context, relay *Relay) error {
	capsJSON, channelsJSON, err := marshalRelayJSON(relay)
	if err != nil {
		return err
	}
	relay.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE relays SET
			name = ?, description = ?, type = ?, mac_address = ?, ip_address = ?,
			port = ?, capabilities = ?, channels = ?, status = ?, last_seen = ?,
			robot_id = ?, template_id = ?, building_id = ?, updated_at = ?
		WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query,
		relay.Name,
		relay.Description,
		string(relay.Type),
		nullableString(relay.MACAddress),
		nullableString(relay.IPAddress),
		relay.Port,
		capsJSON,
		channelsJSON,
		string(relay.Status),
		nullableTime(relay.LastSeen),
		nullableString(relay.RobotID),
		nullableString(relay.TemplateID),
		nullableString(relay.BuildingID),
		relay.UpdatedAt.Format(time.RFC3339),
		relay.ID,
	)
	if err != nil {
		return fmt.Errorf("updating relay: %w", err)
	}
	return requireOneRow(result)
}

// Delete removes a relay by ID.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM relays WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting relay: %w", err)
	}
	return requireOneRow(result)
}

// UpdateStatus records a status change.
func (r *SQLiteRepository) UpdateStatus(ctx context.Context, id string, status Status, lastSeen *time.Time) error {
	now := time.Now().UTC()
	query := `
		UPDATE relays
		SET status = ?, last_seen = COALESCE(?, last_seen), updated_at = ?
		WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query,
		string(status),
		nullableTime(lastSeen),
		now.Format(time.RFC3339),
		id,
	)
	if err != nil {
		return fmt.Errorf("updating relay status: %w", err)
	}
	return requireOneRow(result)
}

// UpdateIP records a newly learned network address. An empty ip is
// rejected so a known address is never cleared.
func (r *SQLiteRepository) UpdateIP(ctx context.Context, id, ip string) error {
	if ip == "" {
		return fmt.Errorf("%w: empty ip address", ErrInvalidRelay)
	}
	now := time.Now().UTC()
	result, err := r.db.ExecContext(ctx,
		`UPDATE relays SET ip_address = ?, updated_at = ? WHERE id = ?`,
		ip, now.Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("updating relay ip: %w", err)
	}
	return requireOneRow(result)
}

func marshalRelayJSON(relay *Relay) (caps, channels string, err error) {
	capabilities := relay.Capabilities
	if capabilities == nil {
		capabilities = []string{}
	}
	capsJSON, err := json.Marshal(capabilities)
	if err != nil {
		return "", "", fmt.Errorf("marshalling capabilities: %w", err)
	}
	chanMap := relay.Channels
	if chanMap == nil {
		chanMap = ChannelMap{}
	}
	channelsJSON, err := json.Marshal(chanMap)
	if err != nil {
		return "", "", fmt.Errorf("marshalling channels: %w", err)
	}
	return string(capsJSON), string(channelsJSON), nil
}

func requireOneRow(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrRelayNotFound
	}
	return nil
}

// rowScanner is an interface that sql.Row and sql.Rows both implement.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRelay(scanner rowScanner) (*Relay, error) {
	var r Relay
	var relayType, status, capsJSON, channelsJSON, createdAt, updatedAt string
	var mac, ip, lastSeen, robotID, templateID, buildingID sql.NullString

	err := scanner.Scan(
		&r.ID,
		&r.Name,
		&r.Description,
		&relayType,
		&mac,
		&ip,
		&r.Port,
		&capsJSON,
		&channelsJSON,
		&status,
		&lastSeen,
		&robotID,
		&templateID,
		&buildingID,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Type = Type(relayType)
	r.Status = Status(status)
	r.MACAddress = fromNullString(mac)
	r.IPAddress = fromNullString(ip)
	r.RobotID = fromNullString(robotID)
	r.TemplateID = fromNullString(templateID)
	r.BuildingID = fromNullString(buildingID)

	if lastSeen.Valid {
		if t, err := time.Parse(time.RFC3339, lastSeen.String); err == nil {
			r.LastSeen = &t
		}
	}

	var parseErr error
	r.CreatedAt, parseErr = time.Parse(time.RFC3339, createdAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing created_at: %w", parseErr)
	}
	r.UpdatedAt, parseErr = time.Parse(time.RFC3339, updatedAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", parseErr)
	}

	if err := json.Unmarshal([]byte(capsJSON), &r.Capabilities); err != nil {
		return nil, fmt.Errorf("unmarshalling capabilities: %w", err)
	}
	if err := json.Unmarshal([]byte(channelsJSON), &r.Channels); err != nil {
		return nil, fmt.Errorf("unmarshalling channels: %w", err)
	}
	if r.Channels == nil {
		r.Channels = ChannelMap{}
	}
	return &r, nil
}

func fromNullString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

// nullableString returns a sql.NullString for optional string pointers.
func nullableString(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// nullableTime returns a sql.NullString for optional time pointers (as RFC3339 strings).
func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

// isUniqueConstraintError checks if an error is a SQLite unique constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "unique constraint")
}
