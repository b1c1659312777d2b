package connection

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Manager owns one logical connection to the chat endpoint: lifecycle,
// authentication handshake, outbound buffering while disconnected, and
// delivery-confirmation correlation.
type Manager interface {
	// Connect dials the endpoint and, when a token is available, starts the
	// authentication handshake. An empty token reuses the token retained
	// from a prior session. Returns ErrAlreadyConnected if a connection is
	// already being established or open.
	Connect(ctx context.Context, token string) error

	// Disconnect closes the connection. No-op when already disconnected.
	Disconnect() error

	// Send queues or transmits an application message and returns the
	// assigned message id. It never fails: delivery outcome is observed
	// asynchronously via delivery handlers.
	Send(msg Outbound) int64

	// RefreshToken replaces the retained token. When connected it sends an
	// auth_refresh frame and re-enters the handshake; otherwise the token is
	// used on the next Connect.
	RefreshToken(token string)

	IsConnected() bool
	IsAuthenticated() bool

	// UserID returns the authenticated user id, or "" when unauthenticated.
	UserID() string

	// Observer registration. Handlers are invoked in registration order on
	// the read-loop goroutine; the returned function unregisters.
	OnMessage(fn func(Envelope)) func()
	OnDisconnect(fn func()) func()
	OnDelivery(fn func(DeliveryEvent)) func()
	OnAuth(fn func(AuthEvent)) func()

	// Stats returns a snapshot of manager state.
	Stats() ManagerStats
}

type connPhase int

const (
	phaseDisconnected connPhase = iota
	phaseConnecting
	phaseConnected
)

// manager implements the Manager interface.
type manager struct {
	cfg    ManagerConfig
	logger *slog.Logger

	mu        sync.Mutex
	phase     connPhase
	client    Client
	sessionID uuid.UUID

	// Auth state. The token outlives disconnects and auth failures so the
	// next Connect can re-attempt the handshake without new credentials.
	token         string
	authenticated bool
	userID        string
	authPending   bool
	authTimer     *time.Timer
	authGen       uint64 // bumped on every arm/disarm; stale timer fires are ignored

	// Outbound tracking. A message lives in buffer XOR pending, never both.
	lastID  int64
	buffer  []Envelope // composed while no open transport, FIFO
	pending map[int64]PendingMessage

	msgObs  *handlerList[Envelope]
	discObs *handlerList[struct{}]
	delObs  *handlerList[DeliveryEvent]
	authObs *handlerList[AuthEvent]
}

// NewManager creates a new Connection Manager.
func NewManager(cfg ManagerConfig, logger *slog.Logger) Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.AuthTimeout == 0 {
		cfg.AuthTimeout = 5 * time.Second
	}
	def := DefaultClientConfig()
	if cfg.Client.HandshakeTimeout == 0 {
		cfg.Client.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.Client.PingInterval == 0 {
		cfg.Client.PingInterval = def.PingInterval
	}
	if cfg.Client.PingTimeout == 0 {
		cfg.Client.PingTimeout = def.PingTimeout
	}
	if cfg.Client.WriteTimeout == 0 {
		cfg.Client.WriteTimeout = def.WriteTimeout
	}
	if cfg.Client.BufferSize == 0 {
		cfg.Client.BufferSize = def.BufferSize
	}

	return &manager{
		cfg:     cfg,
		logger:  logger,
		token:   cfg.Token,
		pending: make(map[int64]PendingMessage),
		msgObs:  newHandlerList[Envelope](),
		discObs: newHandlerList[struct{}](),
		delObs:  newHandlerList[DeliveryEvent](),
		authObs: newHandlerList[AuthEvent](),
	}
}

// Connect dials the endpoint. Blocks until the transport opens or the dial
// fails; a dial failure leaves the manager disconnected.
func (m *manager) Connect(ctx context.Context, token string) error {
	m.mu.Lock()
	if m.phase != phaseDisconnected {
		m.mu.Unlock()
		return ErrAlreadyConnected
	}
	m.phase = phaseConnecting
	if token != "" {
		m.token = token
	}
	tok := m.token

	ccfg := m.cfg.Client
	ccfg.URL = m.cfg.URL
	ccfg.Origin = m.cfg.Origin
	cl := NewClient(ccfg, m.logger)
	m.mu.Unlock()

	if err := cl.Connect(ctx); err != nil {
		m.mu.Lock()
		m.phase = phaseDisconnected
		m.mu.Unlock()
		return err
	}

	m.mu.Lock()
	m.client = cl
	m.phase = phaseConnected
	m.sessionID = uuid.New()
	sid := m.sessionID

	// Handshake first, then flush. Buffered messages go out immediately on
	// open, before authentication completes.
	if tok != "" {
		m.sendAuthLocked("auth", tok)
	}
	flushed := m.flushBufferLocked()
	m.mu.Unlock()

	m.logger.Info("connected",
		"session_id", sid,
		"auth_pending", tok != "",
		"flushed", flushed,
	)

	go m.readLoop(cl)

	return nil
}

// Disconnect closes the connection and clears auth state. The retained token
// survives for the next Connect.
func (m *manager) Disconnect() error {
	m.mu.Lock()
	if m.phase != phaseConnected || m.client == nil {
		m.mu.Unlock()
		return nil
	}
	cl := m.client
	m.teardownLocked()
	m.mu.Unlock()

	err := cl.Close()
	m.logger.Info("disconnected")
	m.discObs.notify(struct{}{})
	return err
}

// Send assigns the message id and timestamp, then transmits or buffers.
func (m *manager) Send(msg Outbound) int64 {
	dataRaw, err := json.Marshal(msg.Data)
	if err != nil {
		m.logger.Warn("unencodable message data, sending null", "type", msg.Type, "error", err)
		dataRaw = []byte("null")
	}

	m.mu.Lock()
	m.lastID++
	env := Envelope{
		Type:      msg.Type,
		Data:      dataRaw,
		ID:        m.lastID,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}

	if m.phase == phaseConnected && m.client != nil {
		frame, _ := json.Marshal(env)
		if err := m.client.Send(frame); err != nil {
			// Not transmitted, so it belongs in the buffer, not pending.
			m.buffer = append(m.buffer, env)
			m.mu.Unlock()
			m.logger.Warn("transmit failed, buffered", "id", env.ID, "error", err)
			return env.ID
		}
		m.pending[env.ID] = PendingMessage{Envelope: env, SentAt: time.Now()}
		m.mu.Unlock()
		return env.ID
	}

	m.buffer = append(m.buffer, env)
	m.mu.Unlock()
	return env.ID
}

// RefreshToken replaces the retained token and re-authenticates in place
// when connected.
func (m *manager) RefreshToken(token string) {
	m.mu.Lock()
	m.token = token
	if m.phase != phaseConnected || m.client == nil {
		m.mu.Unlock()
		return
	}
	m.sendAuthLocked("auth_refresh", token)
	m.mu.Unlock()
	m.logger.Debug("auth refresh sent")
}

func (m *manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase == phaseConnected
}

func (m *manager) IsAuthenticated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.authenticated
}

func (m *manager) UserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userID
}

func (m *manager) OnMessage(fn func(Envelope)) func() { return m.msgObs.add(fn) }

func (m *manager) OnDelivery(fn func(DeliveryEvent)) func() { return m.delObs.add(fn) }

func (m *manager) OnAuth(fn func(AuthEvent)) func() { return m.authObs.add(fn) }

func (m *manager) OnDisconnect(fn func()) func() {
	return m.discObs.add(func(struct{}) { fn() })
}

// Stats returns a snapshot of manager state.
func (m *manager) Stats() ManagerStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ManagerStats{
		Connected:     m.phase == phaseConnected,
		Authenticated: m.authenticated,
		UserID:        m.userID,
		SessionID:     m.sessionID,
		Buffered:      len(m.buffer),
		Pending:       len(m.pending),
		LastID:        m.lastID,
	}
}

// sendAuthLocked transmits an auth/auth_refresh frame and arms the
// authentication timeout. Caller holds m.mu.
func (m *manager) sendAuthLocked(frameType, token string) {
	data, _ := json.Marshal(authFrame{Type: frameType, Data: authBody{Token: token}})
	if err := m.client.Send(data); err != nil {
		m.logger.Warn("auth frame send failed", "type", frameType, "error", err)
		return
	}
	m.authPending = true
	m.armAuthTimerLocked()
}

// armAuthTimerLocked (re)arms the single auth timeout timer. Caller holds m.mu.
func (m *manager) armAuthTimerLocked() {
	m.authGen++
	gen := m.authGen
	if m.authTimer != nil {
		m.authTimer.Stop()
	}
	m.authTimer = time.AfterFunc(m.cfg.AuthTimeout, func() { m.authTimeout(gen) })
}

// disarmAuthTimerLocked is the single idempotent exit point for the auth
// timer; every transition out of the handshake goes through it. Caller
// holds m.mu.
func (m *manager) disarmAuthTimerLocked() {
	m.authGen++
	if m.authTimer != nil {
		m.authTimer.Stop()
		m.authTimer = nil
	}
	m.authPending = false
}

// authTimeout fires when no auth response arrived in time.
func (m *manager) authTimeout(gen uint64) {
	m.mu.Lock()
	if gen != m.authGen || !m.authPending {
		// A later transition already left the handshake; stale fire.
		m.mu.Unlock()
		return
	}
	m.authTimer = nil
	m.authPending = false
	m.authenticated = false
	m.userID = ""
	m.mu.Unlock()

	m.logger.Warn("authentication timeout")
	m.authObs.notify(AuthEvent{Status: AuthTimeout, Message: "Authentication timeout"})
}

// flushBufferLocked transmits buffered messages in original send order,
// moving each to the pending table. Caller holds m.mu.
func (m *manager) flushBufferLocked() int {
	flushed := 0
	for len(m.buffer) > 0 {
		env := m.buffer[0]
		frame, _ := json.Marshal(env)
		if err := m.client.Send(frame); err != nil {
			m.logger.Warn("flush interrupted", "id", env.ID, "error", err)
			break
		}
		m.pending[env.ID] = PendingMessage{Envelope: env, SentAt: time.Now()}
		m.buffer = m.buffer[1:]
		flushed++
	}
	if len(m.buffer) == 0 {
		m.buffer = nil
	}
	return flushed
}

// teardownLocked moves the manager to disconnected. The token is retained;
// buffered and pending messages are left in place. Caller holds m.mu.
func (m *manager) teardownLocked() {
	m.disarmAuthTimerLocked()
	m.authenticated = false
	m.userID = ""
	m.phase = phaseDisconnected
	m.client = nil
	m.sessionID = uuid.Nil
}

// readLoop consumes frames and errors from one transport until it goes down.
func (m *manager) readLoop(cl Client) {
	for {
		select {
		case err := <-cl.Errors():
			m.transportDown(cl, err)
			return
		case msg, ok := <-cl.Messages():
			if !ok {
				m.transportDown(cl, nil)
				return
			}
			m.handleFrame(msg)
		}
	}
}

// transportDown handles an error or close event from the transport. Only the
// current transport may transition the manager; a loop racing a Disconnect
// or a newer session exits silently.
func (m *manager) transportDown(cl Client, err error) {
	m.mu.Lock()
	if m.client != cl || m.phase != phaseConnected {
		m.mu.Unlock()
		return
	}
	m.teardownLocked()
	m.mu.Unlock()

	if err != nil {
		m.logger.Warn("transport error", "error", err)
	} else {
		m.logger.Info("transport closed")
	}
	cl.Close()
	m.discObs.notify(struct{}{})
}

// handleFrame parses and dispatches one inbound frame by type.
func (m *manager) handleFrame(msg TimestampedMessage) {
	var env Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		m.logger.Warn("malformed frame, dropping", "error", err)
		return
	}
	env.ReceivedAt = msg.ReceivedAt

	switch env.Type {
	case "auth":
		m.handleAuth(env)
	case "delivery":
		m.handleDelivery(env)
	default:
		m.msgObs.notify(env)
	}
}

// handleAuth processes an auth response: any response settles the handshake
// and disarms the timeout. Auth failure leaves the connection open.
func (m *manager) handleAuth(env Envelope) {
	var resp authResponse
	if err := json.Unmarshal(env.Data, &resp); err != nil {
		m.logger.Warn("malformed auth response, dropping", "error", err)
		return
	}

	m.mu.Lock()
	m.disarmAuthTimerLocked()

	var ev AuthEvent
	switch resp.Status {
	case "success":
		if resp.UserID == "" {
			// Authenticated state always carries a user id; refuse without one.
			m.authenticated = false
			m.userID = ""
			ev = AuthEvent{Status: AuthError, Message: "auth response missing userId"}
			break
		}
		m.authenticated = true
		m.userID = resp.UserID
		ev = AuthEvent{Status: AuthSuccess, UserID: resp.UserID}
	case "expired":
		m.authenticated = false
		m.userID = ""
		ev = AuthEvent{Status: AuthExpired, Message: resp.Message}
	default:
		m.authenticated = false
		m.userID = ""
		ev = AuthEvent{Status: AuthError, Message: resp.Message}
	}
	m.mu.Unlock()

	if ev.Status == AuthSuccess {
		m.logger.Info("authenticated", "user_id", ev.UserID)
	} else {
		m.logger.Warn("authentication failed", "status", ev.Status, "message", ev.Message)
	}
	m.authObs.notify(ev)
}

// handleDelivery correlates a confirmation with the pending table.
// Unmatched confirmations are dropped.
func (m *manager) handleDelivery(env Envelope) {
	var rcpt deliveryReceipt
	if err := json.Unmarshal(env.Data, &rcpt); err != nil {
		m.logger.Warn("malformed delivery confirmation, dropping", "error", err)
		return
	}

	m.mu.Lock()
	pm, ok := m.pending[rcpt.MessageID]
	if !ok {
		m.mu.Unlock()
		m.logger.Debug("unmatched delivery confirmation", "message_id", rcpt.MessageID)
		return
	}
	delete(m.pending, rcpt.MessageID)
	m.mu.Unlock()

	m.delObs.notify(DeliveryEvent{
		MessageID:    rcpt.MessageID,
		Status:       rcpt.Status,
		Message:      pm.Envelope,
		DeliveryTime: env.ReceivedAt.Sub(pm.SentAt),
	})
}
