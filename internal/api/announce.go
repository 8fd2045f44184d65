package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/graylift-core/internal/relay"
)

// Message types a relay sends on the announce socket.
const (
	announceRegister       = "register"
	announceDeviceRegister = "device_register"
	announceState          = "state"
	announceFullState      = "full_state"

	// announceConfig is the reply to a successful registration.
	announceConfig = "config"
)

// numInputs is the number of digital inputs on a relay board.
const numInputs = 8

// announceMessage covers the fields read from relay messages. Older
// firmware sends mac_address instead of mac.
type announceMessage struct {
	Type       string `json:"type"`
	MAC        string `json:"mac"`
	MACAddress string `json:"mac_address"`
	IP         string `json:"ip"`
	DeviceName string `json:"device_name"`
}

// RelayConfig is the channel configuration sent back to a registering relay.
type RelayConfig struct {
	Type       string          `json:"type"`
	DeviceID   string          `json:"device_id"`
	DeviceName string          `json:"device_name"`
	NumRelays  int             `json:"num_relays"`
	NumInputs  int             `json:"num_inputs"`
	Relays     []ChannelConfig `json:"relays"`
}

// ChannelConfig describes one output line in a RelayConfig.
type ChannelConfig struct {
	BitPosition    int    `json:"bitPosition"`
	Function       string `json:"function"`
	Enabled        bool   `json:"enabled"`
	SafetyRequired bool   `json:"safetyRequired"`
}

// newRelayConfig lists every output line of r. Unmapped lines are
// reported disabled as unused_<index>.
func newRelayConfig(r *relay.Relay) RelayConfig {
	cfg := RelayConfig{
		Type:       announceConfig,
		DeviceID:   r.ID,
		DeviceName: r.Name,
		NumRelays:  relay.NumChannels,
		NumInputs:  numInputs,
		Relays:     make([]ChannelConfig, 0, relay.NumChannels),
	}
	for i := range relay.NumChannels {
		ch, ok := r.Channels[i]
		function := ch.Function
		if !ok || function == "" {
			function = fmt.Sprintf("unused_%d", i)
		}
		cfg.Relays = append(cfg.Relays, ChannelConfig{
			BitPosition:    i,
			Function:       function,
			Enabled:        ch.Enabled,
			SafetyRequired: ch.SafetyRequired,
		})
	}
	return cfg
}

// announceSession is one relay's inbound announce connection.
type announceSession struct {
	srv  *Server
	conn *websocket.Conn
	// socketID is the id query parameter the relay connected with.
	socketID string
	remote   string

	relayID string
	ip      string
}

// handleRelayAnnounce accepts a relay's inbound connection. The relay
// identifies itself with ?id=<mac> and then sends a register message.
func (s *Server) handleRelayAnnounce(w http.ResponseWriter, r *http.Request) {
	socketID := r.URL.Query().Get("id")
	if socketID == "" {
		writeBadRequest(w, "id query parameter is required")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("relay announce upgrade failed", "id", socketID, "error", err)
		return
	}
	defer conn.Close()

	sess := &announceSession{srv: s, conn: conn, socketID: socketID, remote: r.RemoteAddr}
	s.logger.Info("relay announce connected", "id", socketID, "remote", r.RemoteAddr)

	// The relay may hang up right after registering; the dial-back to it
	// must not be cancelled with this request.
	sess.run(context.WithoutCancel(r.Context()))
	s.logger.Info("relay announce closed", "id", socketID, "relay_id", sess.relayID)
}

func (a *announceSession) run(ctx context.Context) {
	cfg := a.srv.wsCfg
	window := keepaliveWindow(cfg)
	a.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	//nolint:errcheck // Best-effort deadline on connection setup
	a.conn.SetReadDeadline(time.Now().Add(window))
	a.conn.SetPongHandler(func(string) error {
		return a.conn.SetReadDeadline(time.Now().Add(window))
	})

	done := make(chan struct{})
	defer close(done)
	go a.keepalive(done)

	for {
		_, data, err := a.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				a.srv.logger.Debug("relay announce read error", "id", a.socketID, "error", err)
			}
			return
		}
		//nolint:errcheck // Best-effort deadline reset
		a.conn.SetReadDeadline(time.Now().Add(window))

		var msg announceMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			a.srv.logger.Warn("unreadable relay announce message", "id", a.socketID, "error", err)
			continue
		}
		a.handle(ctx, msg)
	}
}

// keepalive pings the relay until done is closed. WriteControl may run
// concurrently with the reader's writes.
func (a *announceSession) keepalive(done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval(a.srv.wsCfg))
	defer ticker.Stop()
	wait := pongTimeout(a.srv.wsCfg)

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := a.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wait)); err != nil {
				return
			}
		}
	}
}

func (a *announceSession) handle(ctx context.Context, msg announceMessage) {
	switch msg.Type {
	case announceRegister, announceDeviceRegister:
		a.register(ctx, msg)
	case announceState, announceFullState:
		// State reports may carry a new address after a DHCP renewal.
		if a.relayID != "" && msg.IP != "" && msg.IP != a.ip {
			a.register(ctx, msg)
		}
	default:
		a.srv.logger.Debug("ignoring relay announce message", "id", a.socketID, "type", msg.Type)
	}
}

// register resolves the relay by MAC, records its address, dials it and
// replies with its channel configuration. Unknown relays get no reply.
func (a *announceSession) register(ctx context.Context, msg announceMessage) {
	mac := msg.MAC
	if mac == "" {
		mac = msg.MACAddress
	}
	if mac == "" {
		mac = a.socketID
	}

	rec, err := a.srv.registry.HandleAnnouncement(ctx, relay.Announcement{
		MAC:        mac,
		IP:         msg.IP,
		DeviceName: msg.DeviceName,
	})
	if rec == nil {
		if errors.Is(err, relay.ErrRelayNotFound) {
			a.srv.logger.Warn("announce from unregistered relay", "mac", mac, "device_name", msg.DeviceName, "remote", a.remote)
		} else {
			a.srv.logger.Error("relay announce failed", "mac", mac, "error", err)
		}
		return
	}
	a.relayID = rec.ID
	a.ip = msg.IP

	cfg := newRelayConfig(rec)
	//nolint:errcheck // Best-effort deadline; write error caught below
	a.conn.SetWriteDeadline(time.Now().Add(pongTimeout(a.srv.wsCfg)))
	if err := a.conn.WriteJSON(cfg); err != nil {
		a.srv.logger.Warn("sending relay config failed", "relay_id", rec.ID, "error", err)
		return
	}
	a.srv.logger.Info("relay registered", "relay_id", rec.ID, "mac", mac, "ip", msg.IP, "connected", err == nil)
}
