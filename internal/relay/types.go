package relay

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

// NumChannels is the number of switchable outputs on a relay controller.
const NumChannels = 8

// Type classifies what a relay controller drives.
type Type string

// Relay types.
const (
	TypeElevator Type = "elevator"
	TypeDoor     Type = "door"
	TypeLight    Type = "light"
)

// Status is the connection status of a relay.
type Status string

// Relay statuses.
const (
	StatusOffline Status = "offline"
	StatusOnline  Status = "online"
	StatusError   Status = "error"
)

// Channel binds one output line to a logical function.
type Channel struct {
	Function       string `json:"function" yaml:"function"`
	Enabled        bool   `json:"enabled" yaml:"enabled"`
	SafetyRequired bool   `json:"safety_required,omitempty" yaml:"safety_required"`
}

// ChannelMap maps output index (0..NumChannels-1) to its function.
type ChannelMap map[int]Channel

// Find returns the channel bound to function.
func (m ChannelMap) Find(function string) (int, Channel, bool) {
	for _, idx := range m.Indices() {
		if ch := m[idx]; ch.Function == function {
			return idx, ch, true
		}
	}
	return 0, Channel{}, false
}

// Indices returns the mapped output indices in ascending order.
func (m ChannelMap) Indices() []int {
	return slices.Sorted(maps.Keys(m))
}

// Validate checks index range and that each function is bound once.
func (m ChannelMap) Validate() error {
	seen := make(map[string]int, len(m))
	for idx, ch := range m {
		if idx < 0 || idx >= NumChannels {
			return fmt.Errorf("%w: channel %d out of range 0-%d", ErrInvalidRelay, idx, NumChannels-1)
		}
		if ch.Function == "" {
			return fmt.Errorf("%w: channel %d has no function", ErrInvalidRelay, idx)
		}
		if prev, dup := seen[ch.Function]; dup {
			return fmt.Errorf("%w: function %q bound to channels %d and %d", ErrInvalidRelay, ch.Function, prev, idx)
		}
		seen[ch.Function] = idx
	}
	return nil
}

// Relay is a registered relay controller.
// This matches the relays table in migrations/20260301_090000_relays.up.sql.
type Relay struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Type        Type   `json:"type"`

	// MACAddress is the hardware identity used to match announcements.
	MACAddress *string `json:"mac_address,omitempty"`

	// IPAddress may be unknown until the relay announces itself. Once set
	// it is never cleared.
	IPAddress *string `json:"ip_address,omitempty"`
	Port      int     `json:"port,omitempty"`

	Capabilities []string   `json:"capabilities"`
	Channels     ChannelMap `json:"channels"`

	Status   Status     `json:"status"`
	LastSeen *time.Time `json:"last_seen,omitempty"`

	// Single-owner associations.
	RobotID    *string `json:"robot_id,omitempty"`
	TemplateID *string `json:"template_id,omitempty"`
	BuildingID *string `json:"building_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DeepCopy returns an independent copy of the relay.
func (r *Relay) DeepCopy() *Relay {
	if r == nil {
		return nil
	}
	cpy := *r
	cpy.MACAddress = copyString(r.MACAddress)
	cpy.IPAddress = copyString(r.IPAddress)
	cpy.RobotID = copyString(r.RobotID)
	cpy.TemplateID = copyString(r.TemplateID)
	cpy.BuildingID = copyString(r.BuildingID)
	if r.LastSeen != nil {
		t := *r.LastSeen
		cpy.LastSeen = &t
	}
	if r.Capabilities != nil {
		cpy.Capabilities = slices.Clone(r.Capabilities)
	}
	if r.Channels != nil {
		cpy.Channels = maps.Clone(r.Channels)
	}
	return &cpy
}

// HasAddress reports whether the relay's network address is known.
func (r *Relay) HasAddress() bool {
	return r.IPAddress != nil && *r.IPAddress != ""
}

// IsElevator reports whether the relay drives an elevator.
func (r *Relay) IsElevator() bool {
	return r.Type == TypeElevator
}

// HasCapability reports whether the relay lists capability.
func (r *Relay) HasCapability(capability string) bool {
	return slices.Contains(r.Capabilities, capability)
}

// Descriptor describes a relay to register, either directly or as one
// entry of a template.
type Descriptor struct {
	ID           string     `json:"id" yaml:"id"`
	Name         string     `json:"name" yaml:"name"`
	Description  string     `json:"description,omitempty" yaml:"description"`
	Type         Type       `json:"type,omitempty" yaml:"type"`
	MACAddress   string     `json:"mac_address,omitempty" yaml:"mac_address"`
	IPAddress    string     `json:"ip_address,omitempty" yaml:"ip_address"`
	Port         int        `json:"port,omitempty" yaml:"port"`
	Capabilities []string   `json:"capabilities,omitempty" yaml:"capabilities"`
	Channels     ChannelMap `json:"channels,omitempty" yaml:"channels"`
	RobotID      string     `json:"robot_id,omitempty" yaml:"robot_id"`
	TemplateID   string     `json:"template_id,omitempty" yaml:"template_id"`
	BuildingID   string     `json:"building_id,omitempty" yaml:"building_id"`
}

// Merge overlays the non-zero fields of o onto d.
func (d Descriptor) Merge(o Descriptor) Descriptor {
	if o.Name != "" {
		d.Name = o.Name
	}
	if o.Description != "" {
		d.Description = o.Description
	}
	if o.Type != "" {
		d.Type = o.Type
	}
	if o.MACAddress != "" {
		d.MACAddress = o.MACAddress
	}
	if o.IPAddress != "" {
		d.IPAddress = o.IPAddress
	}
	if o.Port != 0 {
		d.Port = o.Port
	}
	if o.Capabilities != nil {
		d.Capabilities = slices.Clone(o.Capabilities)
	}
	if o.Channels != nil {
		d.Channels = maps.Clone(o.Channels)
	}
	if o.RobotID != "" {
		d.RobotID = o.RobotID
	}
	if o.TemplateID != "" {
		d.TemplateID = o.TemplateID
	}
	if o.BuildingID != "" {
		d.BuildingID = o.BuildingID
	}
	return d
}

// Validate checks a descriptor before registration.
func (d Descriptor) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidRelay)
	}
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("%w: name is required for %s", ErrInvalidRelay, d.ID)
	}
	if d.Port < 0 || d.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidRelay, d.Port)
	}
	return d.Channels.Validate()
}

// toRelay builds an offline record. Associations are applied separately.
func (d Descriptor) toRelay(now time.Time) *Relay {
	r := &Relay{
		ID:           d.ID,
		Name:         d.Name,
		Description:  d.Description,
		Type:         d.Type,
		MACAddress:   optionalString(NormalizeMAC(d.MACAddress)),
		IPAddress:    optionalString(d.IPAddress),
		Port:         d.Port,
		Capabilities: slices.Clone(d.Capabilities),
		Channels:     maps.Clone(d.Channels),
		Status:       StatusOffline,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if r.Type == "" {
		r.Type = TypeElevator
	}
	if r.Capabilities == nil {
		r.Capabilities = []string{}
	}
	if r.Channels == nil {
		r.Channels = ChannelMap{}
	}
	return r
}

// Update holds the mutable descriptive fields of a relay. Nil fields are
// left unchanged.
type Update struct {
	Name         *string
	Description  *string
	Port         *int
	Capabilities []string
	Channels     ChannelMap
}

// Template is a stored multi-relay descriptor set, e.g. every elevator in
// one building.
type Template struct {
	ID        string       `json:"id" yaml:"id"`
	Name      string       `json:"name" yaml:"name"`
	Relays    []Descriptor `json:"relays" yaml:"relays"`
	CreatedAt time.Time    `json:"created_at" yaml:"-"`
}

// Stats summarises the registry.
type Stats struct {
	Total     int                      `json:"total"`
	Online    int                      `json:"online"`
	Offline   int                      `json:"offline"`
	Error     int                      `json:"error"`
	Types     map[Type]int             `json:"types"`
	Buildings map[string]BuildingStats `json:"buildings"`
}

// BuildingStats summarises the relays grouped under one building.
type BuildingStats struct {
	Total         int     `json:"total"`
	Online        int     `json:"online"`
	OnlinePercent float64 `json:"online_percent"`
}

// NormalizeMAC lower-cases a hardware address and uses ':' separators.
func NormalizeMAC(mac string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(mac)), "-", ":")
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
