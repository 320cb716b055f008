package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/procurenet/notify-engine/internal/domain"
	"github.com/procurenet/notify-engine/internal/observability"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	busChannel = "realtime:events"
	// sessionBuffer must exceed the pending-buffer cap so a reconnect
	// flush never blocks or drops.
	sessionBuffer = 256
)

// envelope is the cross-process wire format. Origin lets subscribers skip
// events their own process already delivered locally, so every socket sees
// an event exactly once.
type envelope struct {
	Origin string       `json:"origin"`
	Event  domain.Event `json:"event"`
}

// Session is one connected socket. The transport layer reads Events and
// writes each one to the wire.
type Session struct {
	recipientID string
	events      chan domain.Event
}

func (s *Session) RecipientID() string { return s.recipientID }

// Events is closed when the session is disconnected.
func (s *Session) Events() <-chan domain.Event { return s.events }

// Hub fans realtime events out to connected sockets in this process and,
// via Redis pub/sub, to every other process. Events for recipients with no
// socket anywhere are buffered for their next connect.
type Hub struct {
	client   *goredis.Client
	presence *Presence
	pending  *PendingBuffer
	logger   *zap.Logger
	metrics  *observability.Metrics
	origin   string

	mu       sync.RWMutex
	sessions map[string]map[*Session]struct{}
}

func NewHub(client *goredis.Client, presence *Presence, pending *PendingBuffer, logger *zap.Logger) (*Hub, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if presence == nil {
		return nil, fmt.Errorf("presence registry is required")
	}
	if pending == nil {
		return nil, fmt.Errorf("pending buffer is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Hub{
		client:   client,
		presence: presence,
		pending:  pending,
		logger:   logger,
		origin:   uuid.NewString(),
		sessions: make(map[string]map[*Session]struct{}),
	}, nil
}

func (h *Hub) SetMetrics(metrics *observability.Metrics) {
	if h == nil {
		return
	}
	h.metrics = metrics
}

// Connect registers a socket, marks the recipient online, and flushes any
// events buffered while they were away.
func (h *Hub) Connect(ctx context.Context, recipientID string) (*Session, error) {
	if recipientID == "" {
		return nil, fmt.Errorf("%w: recipient id is required", domain.ErrValidation)
	}

	session := &Session{
		recipientID: recipientID,
		events:      make(chan domain.Event, sessionBuffer),
	}

	h.mu.Lock()
	if h.sessions[recipientID] == nil {
		h.sessions[recipientID] = make(map[*Session]struct{})
	}
	h.sessions[recipientID][session] = struct{}{}
	h.mu.Unlock()

	h.metrics.IncActiveConnections()

	if err := h.presence.Track(ctx, recipientID); err != nil {
		observability.Degraded(h.logger).Warn("failed to track presence on connect",
			zap.String("recipientId", recipientID),
			zap.Error(err),
		)
	}

	missed, err := h.pending.Drain(ctx, recipientID)
	if err != nil {
		observability.Degraded(h.logger).Warn("failed to flush pending events",
			zap.String("recipientId", recipientID),
			zap.Error(err),
		)
		return session, nil
	}
	for _, event := range missed {
		h.push(session, event)
	}
	if len(missed) > 0 {
		h.metrics.AddPendingFlushed(len(missed))
		h.logger.Debug("flushed pending events",
			zap.String("recipientId", recipientID),
			zap.Int("count", len(missed)),
		)
	}

	return session, nil
}

// Disconnect removes the socket and, when it was the recipient's last one
// in this process, clears this process from their presence set.
func (h *Hub) Disconnect(ctx context.Context, session *Session) {
	if session == nil {
		return
	}

	h.mu.Lock()
	recipientSessions, ok := h.sessions[session.recipientID]
	if ok {
		if _, registered := recipientSessions[session]; !registered {
			h.mu.Unlock()
			return
		}
		delete(recipientSessions, session)
		if len(recipientSessions) == 0 {
			delete(h.sessions, session.recipientID)
		}
	}
	lastLocal := len(recipientSessions) == 0
	h.mu.Unlock()

	if !ok {
		return
	}

	close(session.events)
	h.metrics.DecActiveConnections()

	if lastLocal {
		if err := h.presence.Untrack(ctx, session.recipientID); err != nil {
			observability.Degraded(h.logger).Warn("failed to untrack presence on disconnect",
				zap.String("recipientId", session.recipientID),
				zap.Error(err),
			)
		}
	}
}

// Publish delivers the event to local sockets, broadcasts it to the other
// processes, and buffers it when nobody is connected anywhere. Implements
// the in-app adapter's event publisher.
func (h *Hub) Publish(ctx context.Context, event domain.Event) error {
	if err := event.Validate(); err != nil {
		return err
	}

	h.deliverLocal(event)

	payload, err := json.Marshal(envelope{Origin: h.origin, Event: event})
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if err := h.client.Publish(ctx, busChannel, payload).Err(); err != nil {
		return fmt.Errorf("failed to broadcast event: %w", err)
	}

	if event.Type.Ephemeral() {
		return nil
	}

	online, err := h.presence.Online(ctx, event.RecipientID)
	if err != nil {
		// Unknown presence: skip buffering rather than risk replaying an
		// event the recipient already saw.
		observability.Degraded(h.logger).Warn("presence check failed, not buffering",
			zap.String("recipientId", event.RecipientID),
			zap.Error(err),
		)
		return nil
	}
	if online {
		return nil
	}

	if err := h.pending.Push(ctx, event); err != nil {
		observability.Degraded(h.logger).Warn("failed to buffer event for offline recipient",
			zap.String("recipientId", event.RecipientID),
			zap.String("eventType", event.Type.String()),
			zap.Error(err),
		)
	}
	return nil
}

// Run consumes the cross-process bus and keeps presence keys alive for
// locally connected recipients. Blocks until the context is canceled.
func (h *Hub) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	pubsub := h.client.Subscribe(ctx, busChannel)
	defer pubsub.Close()

	// Fail fast if the subscription never establishes.
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to realtime bus: %w", err)
	}

	messages := pubsub.Channel()
	heartbeat := time.NewTicker(h.presence.RefreshInterval())
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			h.handleBusMessage(msg.Payload)
		case <-heartbeat.C:
			h.refreshPresence(ctx)
		}
	}
}

func (h *Hub) handleBusMessage(payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		h.logger.Warn("dropping undecodable bus message", zap.Error(err))
		return
	}
	if env.Origin == h.origin {
		return
	}
	h.deliverLocal(env.Event)
}

func (h *Hub) deliverLocal(event domain.Event) {
	h.mu.RLock()
	targets := make([]*Session, 0, len(h.sessions[event.RecipientID]))
	for session := range h.sessions[event.RecipientID] {
		targets = append(targets, session)
	}
	h.mu.RUnlock()

	for _, session := range targets {
		h.push(session, event)
	}
}

// push never blocks; a socket that cannot keep up loses the event rather
// than stalling delivery to everyone else.
func (h *Hub) push(session *Session, event domain.Event) {
	select {
	case session.events <- event:
	default:
		h.logger.Warn("dropping event for slow socket",
			zap.String("recipientId", session.recipientID),
			zap.String("eventType", event.Type.String()),
		)
	}
}

func (h *Hub) refreshPresence(ctx context.Context) {
	h.mu.RLock()
	recipients := make([]string, 0, len(h.sessions))
	for recipientID := range h.sessions {
		recipients = append(recipients, recipientID)
	}
	h.mu.RUnlock()

	for _, recipientID := range recipients {
		if err := h.presence.Track(ctx, recipientID); err != nil {
			observability.Degraded(h.logger).Warn("presence heartbeat failed",
				zap.String("recipientId", recipientID),
				zap.Error(err),
			)
		}
	}
}

// ActiveConnections counts sockets registered in this process.
func (h *Hub) ActiveConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	total := 0
	for _, recipientSessions := range h.sessions {
		total += len(recipientSessions)
	}
	return total
}
