package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"ShadiChat/internal/session"
)

// DefaultURL is used when no socket URL is configured
const DefaultURL = "ws://localhost:8080/ws"

// Handler receives inbound messages. It runs on the read loop and must not block.
type Handler func(session.Message)

// SessionSource is the part of session.Store the manager follows
type SessionSource interface {
	Snapshot() session.Session
	Subscribe(fn func(session.Session)) func()
}

// Options tunes the Manager. Zero values pick the defaults.
type Options struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	SendRate         rate.Limit
	SendBurst        int
	Dialer           *websocket.Dialer
	Tracer           trace.Tracer
	Meter            metric.Meter
}

type ackResult struct {
	msg *session.Message
	err error
}

type subscription struct {
	id      int
	handler Handler
}

// Manager owns the single realtime socket of a session
type Manager struct {
	url     string
	opts    Options
	logger  *slog.Logger
	tracer  trace.Tracer
	limiter *rate.Limiter

	received metric.Int64Counter

	mu      sync.Mutex
	state   State
	gen     uint64
	conn    *websocket.Conn
	pending map[string]chan ackResult
	subs    map[string][]subscription
	nextSub int
	watch   []func(State)
	stop    func()

	// want bumps whenever the followed session changes or Disconnect is
	// called; a connect started by follow gives up once it is stale
	want uint64

	// writeMu serialises writers; gorilla connections allow one concurrent writer
	writeMu sync.Mutex
}

// NewManager creates a disconnected manager for socketURL
func NewManager(socketURL string, logger *slog.Logger, opts Options) (*Manager, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if socketURL == "" {
		socketURL = DefaultURL
	}
	if _, err := url.Parse(socketURL); err != nil {
		return nil, fmt.Errorf("invalid socket URL: %w", err)
	}

	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.SendRate <= 0 {
		opts.SendRate = 5
	}
	if opts.SendBurst <= 0 {
		opts.SendBurst = 10
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("shadichat/realtime")
	}
	if opts.Meter == nil {
		opts.Meter = otel.Meter("shadichat/realtime")
	}

	m := &Manager{
		url:     socketURL,
		opts:    opts,
		logger:  logger,
		tracer:  opts.Tracer,
		limiter: rate.NewLimiter(opts.SendRate, opts.SendBurst),
		pending: make(map[string]chan ackResult),
		subs:    make(map[string][]subscription),
	}

	received, err := opts.Meter.Int64Counter(
		"realtime.messages.received",
		metric.WithDescription("Inbound chat messages"),
	)
	if err != nil {
		logger.Warn("failed to create counter", "error", err)
	} else {
		m.received = received
	}

	return m, nil
}

// State returns the current lifecycle state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnStateChange registers fn to be called on every transition
func (m *Manager) OnStateChange(fn func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watch = append(m.watch, fn)
}

// Connect opens the socket with token and waits for the server's ready event.
// It fails with ErrAlreadyConnected unless the manager is disconnected.
func (m *Manager) Connect(ctx context.Context, token string) error {
	return m.connect(ctx, token, nil)
}

// connect is Connect with an optional guard checked under m.mu before the
// state moves to CONNECTING
func (m *Manager) connect(ctx context.Context, token string, current func() bool) error {
	if token == "" {
		return fmt.Errorf("access token is required")
	}

	m.mu.Lock()
	if current != nil && !current() {
		m.mu.Unlock()
		return ErrDisconnected
	}
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return ErrAlreadyConnected
	}
	m.gen++
	gen := m.gen
	m.state = StateConnecting
	m.mu.Unlock()
	m.emit(StateConnecting)

	ctx, span := m.tracer.Start(ctx, "realtime.connect")
	defer span.End()

	conn, err := m.handshake(ctx, gen, token)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.teardown(gen, err)
		return err
	}

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		conn.Close()
		return ErrDisconnected
	}
	m.state = StateConnected
	m.mu.Unlock()

	m.logger.Info("realtime connected", "url", m.url)
	m.emit(StateConnected)

	go m.readLoop(gen, conn)
	return nil
}

func (m *Manager) handshake(ctx context.Context, gen uint64, token string) (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, m.opts.HandshakeTimeout)
	defer cancel()

	u, err := url.Parse(m.url)
	if err != nil {
		return nil, fmt.Errorf("invalid socket URL: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := m.opts.Dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect to realtime server (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to connect to realtime server: %w", err)
	}

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		conn.Close()
		return nil, ErrDisconnected
	}
	// Disconnect during the handshake closes this conn and unblocks the read below
	m.conn = conn
	m.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			conn.Close()
			if ctx.Err() != nil {
				return nil, fmt.Errorf("realtime handshake: %w", ctx.Err())
			}
			return nil, fmt.Errorf("realtime handshake: %w", err)
		}
		if f.Event == EventReady {
			break
		}
		m.logger.Debug("ignoring frame before ready", "event", f.Event)
	}

	if !stop() {
		conn.Close()
		return nil, fmt.Errorf("realtime handshake: %w", ctx.Err())
	}
	conn.SetReadDeadline(time.Time{})
	return conn, nil
}

// Disconnect closes the socket and rejects pending sends. It is a no-op when
// already disconnected.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.want++
	gen := m.gen
	m.mu.Unlock()
	m.teardown(gen, nil)
}

// teardown moves generation gen to DISCONNECTED. cause is nil for a local
// disconnect. Stale generations are ignored.
func (m *Manager) teardown(gen uint64, cause error) {
	m.mu.Lock()
	if m.gen != gen || m.state == StateDisconnected {
		m.mu.Unlock()
		return
	}
	m.gen++
	conn := m.conn
	m.conn = nil
	m.state = StateDisconnected
	pending := m.pending
	m.pending = make(map[string]chan ackResult)
	m.mu.Unlock()

	if conn != nil {
		// WriteControl may run alongside a Send blocked in WriteJSON
		if cause == nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
		}
		conn.Close()
	}

	for id, ch := range pending {
		ch <- ackResult{err: ErrDisconnected}
		m.logger.Debug("rejected pending send", "client_id", id)
	}

	if cause != nil {
		m.logger.Warn("realtime connection lost", "error", cause, "pending", len(pending))
	} else {
		m.logger.Info("realtime disconnected", "pending", len(pending))
	}
	m.emit(StateDisconnected)
}

func (m *Manager) emit(s State) {
	m.mu.Lock()
	fns := make([]func(State), len(m.watch))
	copy(fns, m.watch)
	m.mu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
}

func (m *Manager) readLoop(gen uint64, conn *websocket.Conn) {
	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			m.teardown(gen, err)
			return
		}
		m.dispatch(f)
	}
}

func (m *Manager) dispatch(f Frame) {
	switch f.Event {
	case EventNewMessage:
		var msg session.Message
		if err := json.Unmarshal(f.Data, &msg); err != nil {
			m.logger.Warn("dropping malformed message", "error", err)
			return
		}
		if m.received != nil {
			m.received.Add(context.Background(), 1)
		}
		for _, h := range m.handlers(msg.ConversationID) {
			h(msg)
		}

	case EventAck:
		var ack Ack
		if err := json.Unmarshal(f.Data, &ack); err != nil {
			m.logger.Warn("dropping malformed ack", "client_id", f.ID, "error", err)
			return
		}
		m.mu.Lock()
		ch, ok := m.pending[f.ID]
		delete(m.pending, f.ID)
		m.mu.Unlock()
		if !ok {
			m.logger.Debug("ack for unknown send", "client_id", f.ID)
			return
		}
		ch <- resolve(ack)

	default:
		m.logger.Debug("ignoring frame", "event", f.Event)
	}
}

func resolve(ack Ack) ackResult {
	if !ack.Success {
		if ack.Error == "" {
			return ackResult{err: ErrRejected}
		}
		return ackResult{err: fmt.Errorf("%w: %s", ErrRejected, ack.Error)}
	}
	if ack.Message == nil {
		return ackResult{err: fmt.Errorf("%w: ack carried no message", ErrRejected)}
	}
	return ackResult{msg: ack.Message}
}

// handlers returns the handlers for conversationID followed by the catch-all ones
func (m *Manager) handlers(conversationID string) []Handler {
	m.mu.Lock()
	defer m.mu.Unlock()

	subs := append([]subscription(nil), m.subs[conversationID]...)
	if conversationID != "" {
		subs = append(subs, m.subs[""]...)
	}
	sort.SliceStable(subs, func(i, j int) bool { return subs[i].id < subs[j].id })

	out := make([]Handler, len(subs))
	for i, s := range subs {
		out[i] = s.handler
	}
	return out
}

// Subscribe delivers inbound messages for conversationID to h, or every
// message when conversationID is empty. The returned func removes h; events
// already dispatched are not recalled.
func (m *Manager) Subscribe(conversationID string, h Handler) func() {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[conversationID] = append(m.subs[conversationID], subscription{id: id, handler: h})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			subs := m.subs[conversationID]
			for i, s := range subs {
				if s.id == id {
					m.subs[conversationID] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
			if len(m.subs[conversationID]) == 0 {
				delete(m.subs, conversationID)
			}
		})
	}
}

// Send emits out and waits for the server's acknowledgement. There is no
// ack timeout; ctx is the only bound. A missing ClientID is generated.
func (m *Manager) Send(ctx context.Context, out OutgoingMessage) (*session.Message, error) {
	if out.ClientID == "" {
		out.ClientID = uuid.NewString()
	}

	ctx, span := m.tracer.Start(ctx, "realtime.send",
		trace.WithAttributes(attribute.String("client_id", out.ClientID)))
	defer span.End()

	if err := m.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("send rate limit: %w", err)
	}

	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}

	m.mu.Lock()
	if m.state != StateConnected {
		m.mu.Unlock()
		return nil, ErrNotConnected
	}
	conn := m.conn
	gen := m.gen
	ch := make(chan ackResult, 1)
	m.pending[out.ClientID] = ch
	m.mu.Unlock()

	m.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(m.opts.WriteTimeout))
	err = conn.WriteJSON(Frame{Event: EventSendMessage, ID: out.ClientID, Data: data})
	m.writeMu.Unlock()
	if err != nil {
		m.forget(out.ClientID)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		// A failed write means the transport is gone; the read loop may not notice yet
		m.teardown(gen, err)
		return nil, fmt.Errorf("failed to send message: %w", err)
	}

	select {
	case res := <-ch:
		if res.err != nil {
			span.RecordError(res.err)
			span.SetStatus(codes.Error, res.err.Error())
			return nil, res.err
		}
		return res.msg, nil
	case <-ctx.Done():
		m.forget(out.ClientID)
		return nil, ctx.Err()
	}
}

func (m *Manager) forget(clientID string) {
	m.mu.Lock()
	delete(m.pending, clientID)
	m.mu.Unlock()
}

// Start follows src: a snapshot carrying an access token opens the socket
// when disconnected, an empty token closes it. A token change while
// connected leaves the socket alone.
func (m *Manager) Start(ctx context.Context, src SessionSource) {
	m.mu.Lock()
	if m.stop != nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	unsubscribe := src.Subscribe(func(s session.Session) {
		m.follow(ctx, s.AccessToken)
	})
	m.stop = func() {
		unsubscribe()
		cancel()
	}
	m.mu.Unlock()

	m.follow(ctx, src.Snapshot().AccessToken)
}

// Stop detaches from the session source and closes the socket
func (m *Manager) Stop() {
	m.mu.Lock()
	stop := m.stop
	m.stop = nil
	m.mu.Unlock()

	if stop != nil {
		stop()
	}
	m.Disconnect()
}

func (m *Manager) follow(ctx context.Context, token string) {
	if token == "" {
		m.Disconnect()
		return
	}

	m.mu.Lock()
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return
	}
	m.want++
	want := m.want
	m.mu.Unlock()

	go func() {
		// a logout between here and the dial bumps m.want
		err := m.connect(ctx, token, func() bool { return m.want == want })
		if err != nil && !errors.Is(err, ErrAlreadyConnected) && !errors.Is(err, ErrDisconnected) {
			m.logger.Warn("realtime connect failed", "error", err)
		}
	}()
}
