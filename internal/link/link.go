package link

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultCommandTimeout   = 5 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	defaultReconnectDelay   = 5 * time.Second
	defaultMaxPending       = 256
)

// Logger is the logging interface used by links.
// Compatible with *logging.Logger and *slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Observer receives command and connection statistics, typically for
// Prometheus. All methods must be safe for concurrent use.
type Observer interface {
	CommandSettled(endpoint, command string, elapsed time.Duration, err error)
	PendingChanged(endpoint string, pending int)
	ReconnectAttempt(endpoint string, attempt int)
}

type noopObserver struct{}

func (noopObserver) CommandSettled(string, string, time.Duration, error) {}
func (noopObserver) PendingChanged(string, int)                         {}
func (noopObserver) ReconnectAttempt(string, int)                       {}

// Config describes one link.
type Config struct {
	// Endpoint identifies the remote device in logs and events.
	Endpoint string

	// Address is the transport URL. It may be empty until learned and set
	// later through SetAddress.
	Address string

	Codec  Codec
	Dialer Dialer

	CommandTimeout   time.Duration
	HandshakeTimeout time.Duration
	Reconnect        ReconnectPolicy

	// MaxPending caps commands in flight. Entries also leave the table
	// when their timeout fires, so the table cannot grow without bound.
	MaxPending int

	Logger   Logger
	Observer Observer
}

// Link is a bidirectional, self-healing connection to one device.
//
// Commands sent with Send are correlated with responses by a strictly
// increasing id that is never reused for the lifetime of the Link, across
// reconnects. Inbound frames are dispatched by a single reader goroutine,
// so subscribers see one link's events in arrival order.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Link struct {
	cfg      Config
	bus      *Bus
	logger   Logger
	observer Observer

	nextID atomic.Uint64

	mu      sync.Mutex
	address string
	conn    Conn
	pending map[uint64]*pendingCommand
	closed  bool

	// openMu serialises dial attempts from Open and the reconnect loop.
	openMu sync.Mutex

	reconnecting atomic.Bool
	attempts     atomic.Int32
	lastSeen     atomic.Int64

	done chan struct{}
	wg   sync.WaitGroup
}

type pendingCommand struct {
	name    string
	started time.Time
	timer   *time.Timer
	ch      chan outcome
}

type outcome struct {
	data json.RawMessage
	err  error
}

// New creates a closed link. Call Open to connect.
func New(cfg Config) *Link {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = defaultCommandTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.Reconnect == nil {
		cfg.Reconnect = FixedDelay{Delay: defaultReconnectDelay}
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = defaultMaxPending
	}
	if cfg.Dialer == nil {
		cfg.Dialer = WebSocketDialer{HandshakeTimeout: cfg.HandshakeTimeout}
	}
	if cfg.Codec == nil {
		cfg.Codec = RelayCodec{}
	}

	l := &Link{
		cfg:      cfg,
		logger:   cfg.Logger,
		observer: cfg.Observer,
		address:  cfg.Address,
		pending:  make(map[uint64]*pendingCommand),
		done:     make(chan struct{}),
	}
	if l.logger == nil {
		l.logger = noopLogger{}
	}
	if l.observer == nil {
		l.observer = noopObserver{}
	}
	l.bus = NewBus(func(r any) {
		l.logger.Error("link event handler panic recovered", "endpoint", cfg.Endpoint, "panic", r)
	})
	return l
}

// Endpoint returns the configured endpoint name.
func (l *Link) Endpoint() string {
	return l.cfg.Endpoint
}

// Address returns the current transport address.
func (l *Link) Address() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.address
}

// SetAddress changes the address used by the next dial. An empty address
// is ignored: once learned, an address is never forgotten.
func (l *Link) SetAddress(address string) {
	if address == "" {
		return
	}
	l.mu.Lock()
	l.address = address
	l.mu.Unlock()
}

// Subscribe registers an event handler and returns its unsubscribe func.
func (l *Link) Subscribe(h Handler) func() {
	return l.bus.Subscribe(h)
}

// IsConnected reports whether a transport is currently open.
func (l *Link) IsConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn != nil
}

// LastSeen returns when the last valid frame arrived (zero if never).
func (l *Link) LastSeen() time.Time {
	ns := l.lastSeen.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Stats is a point-in-time view of a link.
type Stats struct {
	Endpoint          string    `json:"endpoint"`
	Address           string    `json:"address"`
	Connected         bool      `json:"connected"`
	Pending           int       `json:"pending"`
	Reconnecting      bool      `json:"reconnecting"`
	ReconnectAttempts int       `json:"reconnect_attempts"`
	LastSeen          time.Time `json:"last_seen"`
}

// Stats returns current link statistics.
func (l *Link) Stats() Stats {
	l.mu.Lock()
	s := Stats{
		Endpoint:  l.cfg.Endpoint,
		Address:   l.address,
		Connected: l.conn != nil,
		Pending:   len(l.pending),
	}
	l.mu.Unlock()
	s.Reconnecting = l.reconnecting.Load()
	s.ReconnectAttempts = int(l.attempts.Load())
	s.LastSeen = l.LastSeen()
	return s
}

// Open connects the link. It returns nil if already connected and
// ErrConnection if the address is unknown, the dial is refused, or the
// handshake exceeds the configured timeout.
//
// A failed Open does not start the reconnect loop; only the loss of an
// established connection does.
func (l *Link) Open(ctx context.Context) error {
	l.openMu.Lock()
	defer l.openMu.Unlock()

	l.mu.Lock()
	closed, connected := l.closed, l.conn != nil
	l.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if connected {
		return nil
	}

	conn, err := l.dial(ctx)
	if err != nil {
		return err
	}
	l.attempts.Store(0)
	return l.activate(conn)
}

// dial opens a transport and sends the codec greeting within the
// handshake timeout.
func (l *Link) dial(ctx context.Context) (Conn, error) {
	address := l.Address()
	if address == "" {
		return nil, fmt.Errorf("%w: %s has no known address", ErrConnection, l.cfg.Endpoint)
	}

	ctx, cancel := context.WithTimeout(ctx, l.cfg.HandshakeTimeout)
	defer cancel()

	type dialResult struct {
		conn Conn
		err  error
	}
	resCh := make(chan dialResult, 1)
	go func() {
		conn, err := l.cfg.Dialer.Dial(ctx, address)
		if err == nil {
			for _, msg := range l.cfg.Codec.Greeting() {
				if err = conn.WriteMessage(msg); err != nil {
					conn.Close() //nolint:errcheck // handshake already failed
					break
				}
			}
		}
		resCh <- dialResult{conn: conn, err: err}
	}()

	select {
	case res := <-resCh:
		if res.err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrConnection, l.cfg.Endpoint, res.err)
		}
		return res.conn, nil
	case <-ctx.Done():
		// The dial goroutine owns any late connection and must close it.
		go func() {
			if res := <-resCh; res.err == nil {
				res.conn.Close() //nolint:errcheck // abandoned handshake
			}
		}()
		return nil, fmt.Errorf("%w: %s: handshake: %w", ErrConnection, l.cfg.Endpoint, ctx.Err())
	}
}

// activate installs conn as the live transport and starts its reader.
func (l *Link) activate(conn Conn) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		conn.Close() //nolint:errcheck // link closed during dial
		return ErrClosed
	}
	if l.conn != nil {
		l.mu.Unlock()
		conn.Close() //nolint:errcheck // another dial won the race
		return nil
	}
	l.conn = conn
	l.mu.Unlock()

	l.touch()
	l.logger.Info("link connected", "endpoint", l.cfg.Endpoint, "address", l.Address())
	l.bus.Publish(Event{Kind: EventConnected, Endpoint: l.cfg.Endpoint, Time: time.Now()})

	l.wg.Add(1)
	go l.readLoop(conn)
	return nil
}

// Send issues a command and blocks until the device responds, the command
// times out, ctx is cancelled, or the connection drops. The pending entry
// is removed in every case.
func (l *Link) Send(ctx context.Context, name string, params map[string]any) (json.RawMessage, error) {
	id := l.nextID.Add(1)
	payload, err := l.cfg.Codec.EncodeCommand(id, name, params)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", name, err)
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrClosed
	}
	conn := l.conn
	if conn == nil {
		l.mu.Unlock()
		return nil, ErrNotConnected
	}
	if len(l.pending) >= l.cfg.MaxPending {
		l.mu.Unlock()
		return nil, ErrPendingFull
	}
	pc := &pendingCommand{
		name:    name,
		started: time.Now(),
		ch:      make(chan outcome, 1),
	}
	timeout := l.cfg.CommandTimeout
	pc.timer = time.AfterFunc(timeout, func() {
		l.settle(id, outcome{err: fmt.Errorf("%w: %s after %v", ErrCommandTimeout, name, timeout)})
	})
	l.pending[id] = pc
	n := len(l.pending)
	l.mu.Unlock()
	l.observer.PendingChanged(l.cfg.Endpoint, n)

	if err := conn.WriteMessage(payload); err != nil {
		l.settle(id, outcome{err: fmt.Errorf("%w: writing %s: %w", ErrConnectionLost, name, err)})
	}

	var o outcome
	select {
	case o = <-pc.ch:
	case <-ctx.Done():
		l.settle(id, outcome{err: ctx.Err()})
		o = <-pc.ch
	}

	var rejected *RejectedError
	if errors.As(o.err, &rejected) && rejected.Command == "" {
		rejected.Command = name
	}
	return o.data, o.err
}

// settle resolves a pending command exactly once. It reports false if the
// id is unknown (already settled or never issued).
func (l *Link) settle(id uint64, o outcome) bool {
	l.mu.Lock()
	pc, ok := l.pending[id]
	if !ok {
		l.mu.Unlock()
		return false
	}
	delete(l.pending, id)
	n := len(l.pending)
	l.mu.Unlock()

	pc.timer.Stop()
	pc.ch <- o

	l.observer.CommandSettled(l.cfg.Endpoint, pc.name, time.Since(pc.started), o.err)
	l.observer.PendingChanged(l.cfg.Endpoint, n)
	return true
}

func (l *Link) readLoop(conn Conn) {
	defer l.wg.Done()

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			l.handleDrop(conn, err)
			return
		}
		l.handleMessage(data)
	}
}

func (l *Link) handleMessage(data []byte) {
	frame, err := l.cfg.Codec.Decode(data)
	if err != nil {
		l.logger.Warn("dropping malformed message", "endpoint", l.cfg.Endpoint, "error", err)
		return
	}
	l.touch()

	now := time.Now()
	switch frame.Kind {
	case KindCommandResponse:
		resp := frame.Response
		o := outcome{data: resp.Result}
		if !resp.Success {
			o = outcome{err: &RejectedError{Reason: resp.Reason}}
		}
		if !l.settle(resp.CommandID, o) {
			l.logger.Debug("discarding response with no pending command",
				"endpoint", l.cfg.Endpoint, "command_id", resp.CommandID)
		}
	case KindHeartbeat:
		l.bus.Publish(Event{Kind: EventHeartbeat, Endpoint: l.cfg.Endpoint, Time: now})
	case KindStateSnapshot:
		l.bus.Publish(Event{Kind: EventStateSnapshot, Endpoint: l.cfg.Endpoint, Time: now, Snapshot: frame.Snapshot})
	case KindInputChanged:
		l.bus.Publish(Event{Kind: EventInputChanged, Endpoint: l.cfg.Endpoint, Time: now, Input: frame.Input})
	default:
		l.logger.Debug("ignoring unknown message", "endpoint", l.cfg.Endpoint, "type", frame.Type)
	}
}

func (l *Link) touch() {
	l.lastSeen.Store(time.Now().UnixNano())
}

// handleDrop reacts to the loss of conn. Stale connections are ignored.
func (l *Link) handleDrop(conn Conn, cause error) {
	l.mu.Lock()
	if l.conn != conn {
		l.mu.Unlock()
		return
	}
	l.conn = nil
	closed := l.closed
	ids := l.pendingIDs()
	l.mu.Unlock()

	conn.Close() //nolint:errcheck // already broken
	for _, id := range ids {
		l.settle(id, outcome{err: fmt.Errorf("%w: %w", ErrConnectionLost, cause)})
	}
	if closed {
		return
	}

	l.logger.Warn("link disconnected", "endpoint", l.cfg.Endpoint, "error", cause)
	l.bus.Publish(Event{Kind: EventDisconnected, Endpoint: l.cfg.Endpoint, Time: time.Now(), Err: cause})
	l.startReconnect()
}

// Drop tears down the current transport as if it had failed, letting the
// reconnect policy take over. Used by liveness watchdogs.
func (l *Link) Drop(cause error) {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn != nil {
		l.handleDrop(conn, cause)
	}
}

// pendingIDs must be called with l.mu held.
func (l *Link) pendingIDs() []uint64 {
	ids := make([]uint64, 0, len(l.pending))
	for id := range l.pending {
		ids = append(ids, id)
	}
	return ids
}

// startReconnect launches the reconnect loop unless one is already running.
func (l *Link) startReconnect() {
	if !l.reconnecting.CompareAndSwap(false, true) {
		return
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.reconnectLoop()
	}()
}

func (l *Link) reconnectLoop() {
	for attempt := 1; ; attempt++ {
		delay, ok := l.cfg.Reconnect.Next(attempt)
		if !ok {
			l.reconnecting.Store(false)
			l.logger.Error("giving up reconnecting", "endpoint", l.cfg.Endpoint, "attempts", attempt-1)
			l.bus.Publish(Event{
				Kind:     EventReconnectExhausted,
				Endpoint: l.cfg.Endpoint,
				Time:     time.Now(),
				Err:      ErrReconnectExhausted,
			})
			return
		}

		l.attempts.Store(int32(attempt)) //nolint:gosec // attempt counts stay small
		l.observer.ReconnectAttempt(l.cfg.Endpoint, attempt)
		l.logger.Info("scheduling reconnect", "endpoint", l.cfg.Endpoint, "attempt", attempt, "delay", delay.String())

		timer := time.NewTimer(delay)
		select {
		case <-l.done:
			timer.Stop()
			l.reconnecting.Store(false)
			return
		case <-timer.C:
		}

		conn, err := l.dialForReconnect()
		if err != nil {
			l.logger.Warn("reconnect attempt failed", "endpoint", l.cfg.Endpoint, "attempt", attempt, "error", err)
			l.bus.Publish(Event{Kind: EventError, Endpoint: l.cfg.Endpoint, Time: time.Now(), Err: err})
			continue
		}

		// Cleared before the new reader starts so an immediate drop can
		// launch a fresh loop.
		l.reconnecting.Store(false)
		l.attempts.Store(0)
		if err := l.activate(conn); err != nil {
			l.logger.Debug("reconnected transport discarded", "endpoint", l.cfg.Endpoint, "error", err)
		}
		return
	}
}

func (l *Link) dialForReconnect() (Conn, error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-l.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	l.openMu.Lock()
	defer l.openMu.Unlock()
	return l.dial(ctx)
}

// Close shuts the link down, fails pending commands with ErrClosed and
// stops any reconnect loop. Safe to call more than once, but not from an
// event handler: Close waits for the goroutines that deliver events.
func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	conn := l.conn
	l.conn = nil
	ids := l.pendingIDs()
	l.mu.Unlock()

	close(l.done)
	for _, id := range ids {
		l.settle(id, outcome{err: ErrClosed})
	}
	if conn != nil {
		conn.Close() //nolint:errcheck // best-effort shutdown
		l.bus.Publish(Event{Kind: EventDisconnected, Endpoint: l.cfg.Endpoint, Time: time.Now(), Err: ErrClosed})
	}

	l.wg.Wait()
	l.logger.Info("link closed", "endpoint", l.cfg.Endpoint)
	return nil
}

// Observers fans statistics out to several observers.
type Observers []Observer

// CommandSettled implements Observer.
func (o Observers) CommandSettled(endpoint, command string, elapsed time.Duration, err error) {
	for _, obs := range o {
		obs.CommandSettled(endpoint, command, elapsed, err)
	}
}

// PendingChanged implements Observer.
func (o Observers) PendingChanged(endpoint string, pending int) {
	for _, obs := range o {
		obs.PendingChanged(endpoint, pending)
	}
}

// ReconnectAttempt implements Observer.
func (o Observers) ReconnectAttempt(endpoint string, attempt int) {
	for _, obs := range o {
		obs.ReconnectAttempt(endpoint, attempt)
	}
}
