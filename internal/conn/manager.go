package conn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// State is the lifecycle state of the physical connection.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateClosing    State = "closing"
	StateClosed     State = "closed"
	StateFailed     State = "failed"
)

// Status values are reported to the status callback.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
	StatusFailed       Status = "failed"
	StatusClosed       Status = "closed"
)

var (
	ErrNotConnected = errors.New("websocket is not connected")
	ErrResolver     = errors.New("resolve websocket url")
	ErrClosed       = errors.New("connection manager closed")
	ErrFailed       = errors.New("reconnect attempts exhausted")
)

// Resolver returns the URL to dial. It is called before every attempt so
// short-lived worker URLs can be refreshed.
type Resolver func(ctx context.Context) (string, error)

// StaticURL resolves to a fixed URL.
func StaticURL(url string) Resolver {
	return func(context.Context) (string, error) { return url, nil }
}

type Config struct {
	AutoReconnect    bool
	MaxAttempts      int
	Backoff          Backoff
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	WriteWait        time.Duration
	PingPeriod       time.Duration
	ReadLimit        int64
	Header           http.Header
}

func DefaultConfig() Config {
	return Config{
		AutoReconnect:    true,
		MaxAttempts:      10,
		Backoff:          DefaultBackoff(),
		ConnectTimeout:   15 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		WriteWait:        10 * time.Second,
		PingPeriod:       30 * time.Second,
		ReadLimit:        16 << 20,
	}
}

type dialAttempt struct {
	done chan struct{}
	err  error
}

// Manager owns one websocket and reconnects it with jittered exponential
// backoff until closed or the attempt ceiling is reached.
type Manager struct {
	cfg    Config
	log    *slog.Logger
	dialer *websocket.Dialer
	random func() float64

	mu        sync.Mutex
	state     State
	ws        *websocket.Conn
	resolve   Resolver
	onStatus  func(Status)
	attempts  int
	reconnect bool
	closed    bool
	timer     *time.Timer
	dialing   *dialAttempt
	onText    []func([]byte)
	onBinary  []func([]byte)

	writeMu sync.Mutex

	reconnects metric.Int64Counter
	statuses   metric.Int64Counter
}

func New(cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 15 * time.Second
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}
	m := &Manager{
		cfg: cfg,
		log: logger.With(slog.String("component", "connection")),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		random:    rand.Float64,
		state:     StateIdle,
		reconnect: true,
	}
	m.initMetrics()
	return m
}

// Open creates a Manager and connects it. On error the Manager is still
// returned: it keeps retrying in the background until Close is called.
func Open(ctx context.Context, cfg Config, resolve Resolver, onStatus func(Status), logger *slog.Logger) (*Manager, error) {
	m := New(cfg, logger)
	return m, m.Connect(ctx, resolve, onStatus)
}

// Connect establishes the connection, or reuses it when already open, and
// returns once the socket is open. A concurrent call waits for the attempt
// in flight.
func (m *Manager) Connect(ctx context.Context, resolve Resolver, onStatus func(Status)) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if resolve != nil {
		m.resolve = resolve
	}
	if onStatus != nil {
		m.onStatus = onStatus
	}
	if m.resolve == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: no resolver", ErrResolver)
	}
	m.mu.Unlock()
	return m.dial(ctx)
}

// OnMessage registers a handler for inbound text frames.
func (m *Manager) OnMessage(fn func([]byte)) {
	m.mu.Lock()
	m.onText = append(m.onText, fn)
	m.mu.Unlock()
}

// OnBinary registers a handler for inbound binary frames.
func (m *Manager) OnBinary(fn func([]byte)) {
	m.mu.Lock()
	m.onBinary = append(m.onBinary, fn)
	m.mu.Unlock()
}

// SendText transmits a text frame. Nothing is queued while disconnected.
func (m *Manager) SendText(data []byte) error {
	return m.send(websocket.TextMessage, data)
}

// SendBinary transmits a binary frame. Nothing is queued while disconnected.
func (m *Manager) SendBinary(data []byte) error {
	return m.send(websocket.BinaryMessage, data)
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// ResetReconnection re-enables retries after a terminal failure.
func (m *Manager) ResetReconnection() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.attempts = 0
	m.reconnect = true
	if m.state == StateFailed {
		m.state = StateClosed
	}
}

// Close disables reconnection and tears down the socket. A reconnect timer
// already scheduled becomes a no-op.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.reconnect = false
	m.attempts = 0
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	ws := m.ws
	m.ws = nil
	m.state = StateClosing
	m.mu.Unlock()

	var err error
	if ws != nil {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(m.cfg.WriteWait))
		err = ws.Close()
	}

	m.mu.Lock()
	m.state = StateClosed
	m.mu.Unlock()
	m.emit(StatusClosed)
	m.log.Info("connection closed")
	return err
}

func (m *Manager) dial(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	switch m.state {
	case StateOpen:
		m.mu.Unlock()
		return nil
	case StateFailed:
		m.mu.Unlock()
		return ErrFailed
	}
	if att := m.dialing; att != nil {
		m.mu.Unlock()
		select {
		case <-att.done:
			return att.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	att := &dialAttempt{done: make(chan struct{})}
	m.dialing = att
	m.state = StateConnecting
	resolve := m.resolve
	m.mu.Unlock()

	m.emit(StatusConnecting)
	err := m.open(ctx, resolve)

	m.mu.Lock()
	att.err = err
	m.dialing = nil
	if err != nil && !m.closed && m.state == StateConnecting {
		m.state = StateClosed
	}
	m.mu.Unlock()
	close(att.done)

	if err != nil {
		if errors.Is(err, ErrClosed) {
			return err
		}
		m.log.Warn("websocket connect failed", slogError(err))
		m.emit(StatusError)
		m.scheduleReconnect()
	}
	return err
}

func (m *Manager) open(ctx context.Context, resolve Resolver) error {
	url, err := resolve(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrResolver, err)
	}
	if url == "" {
		return fmt.Errorf("%w: empty url", ErrResolver)
	}

	ws, _, err := m.dialer.DialContext(ctx, url, m.cfg.Header)
	if err != nil {
		return fmt.Errorf("dial websocket: %w", err)
	}
	if m.cfg.ReadLimit > 0 {
		ws.SetReadLimit(m.cfg.ReadLimit)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = ws.Close()
		return ErrClosed
	}
	m.ws = ws
	m.state = StateOpen
	m.attempts = 0
	m.mu.Unlock()

	done := make(chan struct{})
	go m.readLoop(ws, done)
	go m.pingLoop(ws, done)

	m.log.Info("websocket connected")
	m.emit(StatusConnected)
	return nil
}

func (m *Manager) readLoop(ws *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		typ, data, err := ws.ReadMessage()
		if err != nil {
			m.handleDisconnect(ws, err)
			return
		}

		m.mu.Lock()
		var handlers []func([]byte)
		switch typ {
		case websocket.TextMessage:
			handlers = m.onText
		case websocket.BinaryMessage:
			handlers = m.onBinary
		}
		m.mu.Unlock()

		for _, h := range handlers {
			h(data)
		}
	}
}

func (m *Manager) pingLoop(ws *websocket.Conn, done chan struct{}) {
	if m.cfg.PingPeriod <= 0 {
		return
	}
	ticker := time.NewTicker(m.cfg.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(m.cfg.WriteWait)); err != nil {
				m.log.Debug("ping failed", slogError(err))
				return
			}
		}
	}
}

func (m *Manager) handleDisconnect(ws *websocket.Conn, err error) {
	m.mu.Lock()
	if m.ws != ws {
		// Closed by Close or superseded by a newer connection.
		m.mu.Unlock()
		return
	}
	m.ws = nil
	m.state = StateClosed
	m.mu.Unlock()
	_ = ws.Close()

	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		m.log.Error("websocket read error", slogError(err))
		m.emit(StatusError)
	}
	m.log.Info("websocket disconnected")
	m.emit(StatusDisconnected)
	m.scheduleReconnect()
}

func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	if m.closed || !m.reconnect || !m.cfg.AutoReconnect || m.timer != nil {
		m.mu.Unlock()
		return
	}
	if m.attempts >= m.cfg.MaxAttempts {
		m.state = StateFailed
		m.reconnect = false
		max := m.cfg.MaxAttempts
		m.mu.Unlock()
		m.log.Error("max reconnection attempts reached", slog.Int("max_attempts", max))
		m.emit(StatusFailed)
		return
	}
	m.attempts++
	attempt := m.attempts
	delay := m.cfg.Backoff.Delay(attempt, m.random())
	m.timer = time.AfterFunc(delay, m.fireReconnect)
	m.mu.Unlock()

	if m.reconnects != nil {
		m.reconnects.Add(context.Background(), 1)
	}
	m.log.Info("reconnect scheduled",
		slog.Duration("delay", delay),
		slog.Int("attempt", attempt),
		slog.Int("max_attempts", m.cfg.MaxAttempts))
}

func (m *Manager) fireReconnect() {
	m.mu.Lock()
	m.timer = nil
	if m.closed || !m.reconnect {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
	defer cancel()
	_ = m.dial(ctx)
}

func (m *Manager) send(typ int, data []byte) error {
	m.mu.Lock()
	ws := m.ws
	open := m.state == StateOpen
	m.mu.Unlock()
	if ws == nil || !open {
		m.log.Warn("send dropped", slogError(ErrNotConnected))
		return ErrNotConnected
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(m.cfg.WriteWait))
	if err := ws.WriteMessage(typ, data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

func (m *Manager) emit(status Status) {
	m.mu.Lock()
	fn := m.onStatus
	m.mu.Unlock()
	if m.statuses != nil {
		m.statuses.Add(context.Background(), 1, metric.WithAttributes(attribute.String("status", string(status))))
	}
	if fn != nil {
		fn(status)
	}
}

func (m *Manager) initMetrics() {
	meter := otel.Meter("github.com/loqalabs/loqa-speechstream/conn")
	reconnects, err := meter.Int64Counter("speechstream.conn.reconnects", metric.WithDescription("Scheduled reconnect attempts"))
	if err != nil {
		m.log.Warn("failed to initialize metrics", slogError(err))
		return
	}
	statuses, err := meter.Int64Counter("speechstream.conn.status", metric.WithDescription("Connection status transitions"))
	if err != nil {
		m.log.Warn("failed to initialize metrics", slogError(err))
		return
	}
	m.reconnects = reconnects
	m.statuses = statuses
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
