package relay

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/nerrad567/graylift-core/internal/link"
)

const defaultReconnectDelay = 5 * time.Second

// LinkFactory builds device links for relays.
type LinkFactory interface {
	// Address returns the transport URL for r, or "" if its address is unknown.
	Address(r *Relay) string
	// NewLink creates an unopened link bound to r's address and capabilities.
	NewLink(r *Relay) *link.Link
}

// LinkSettings is the default LinkFactory: relay links speak the relay
// codec over WebSocket and reconnect after a fixed delay, forever.
type LinkSettings struct {
	Port             int
	Path             string
	CommandTimeout   time.Duration
	HandshakeTimeout time.Duration
	ReconnectDelay   time.Duration
	MaxPending       int

	// Dialer overrides the WebSocket dialer, mainly for tests.
	Dialer   link.Dialer
	Logger   link.Logger
	Observer link.Observer
}

// Address implements LinkFactory.
func (s LinkSettings) Address(r *Relay) string {
	if !r.HasAddress() {
		return ""
	}
	host := *r.IPAddress
	port := r.Port
	if port == 0 {
		port = s.Port
	}
	if _, _, err := net.SplitHostPort(host); err != nil && port > 0 {
		host = net.JoinHostPort(host, strconv.Itoa(port))
	}
	path := s.Path
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return "ws://" + host + path
}

// NewLink implements LinkFactory.
func (s LinkSettings) NewLink(r *Relay) *link.Link {
	delay := s.ReconnectDelay
	if delay <= 0 {
		delay = defaultReconnectDelay
	}
	return link.New(link.Config{
		Endpoint:         r.ID,
		Address:          s.Address(r),
		Codec:            link.RelayCodec{},
		Dialer:           s.Dialer,
		CommandTimeout:   s.CommandTimeout,
		HandshakeTimeout: s.HandshakeTimeout,
		Reconnect:        link.FixedDelay{Delay: delay},
		MaxPending:       s.MaxPending,
		Logger:           s.Logger,
		Observer:         s.Observer,
	})
}
