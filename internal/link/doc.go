// Package link maintains self-healing, bidirectional connections to field
// devices: relay controllers that drive elevator contacts and the robots
// that ride them.
//
// A Link owns one transport at a time. Outbound commands are correlated with
// their responses by a strictly increasing id, each with its own timeout.
// Inbound frames are classified by a Codec into a closed set of kinds
// (state snapshot, input change, command response, heartbeat, unknown) and
// delivered to subscribers through a Bus in arrival order.
//
// When an established connection drops, pending commands fail with
// ErrConnectionLost and the ReconnectPolicy decides when to dial again.
// Relays use FixedDelay; robots use LinearBackoff, which eventually gives up
// and reports EventReconnectExhausted.
//
// Usage:
//
//	l := link.New(link.Config{
//	    Endpoint: "lift-a",
//	    Address:  "ws://10.0.0.5:80/ws",
//	    Codec:    link.RelayCodec{},
//	})
//	unsubscribe := l.Subscribe(func(ev link.Event) { ... })
//	defer unsubscribe()
//	if err := l.Open(ctx); err != nil { ... }
//	result, err := l.Send(ctx, "set_relay", map[string]any{"relay": 2, "state": true})
package link
