package gateway

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/lysis/pkg/orchestrator"
	"github.com/rs/zerolog"
)

// EventBroadcaster fans events out to every authenticated client. Each
// event gets a gateway-wide sequence number so clients can spot gaps.
type EventBroadcaster struct {
	clients *ClientRegistry
	logger  zerolog.Logger
	seq     atomic.Int64
}

// NewEventBroadcaster creates a new event broadcaster
func NewEventBroadcaster(clients *ClientRegistry, logger zerolog.Logger) *EventBroadcaster {
	return &EventBroadcaster{
		clients: clients,
		logger:  logger,
	}
}

// Broadcast sends an event to all authenticated clients
func (b *EventBroadcaster) Broadcast(event string, data interface{}) {
	b.BroadcastTyped(EventMessage{Event: event, Data: data})
}

// Forward relays an orchestrator event under its own type
func (b *EventBroadcaster) Forward(ev orchestrator.Event) {
	b.Broadcast(ev.Type, ev.Data)
}

// BroadcastTyped fills in type, sequence and timestamp, then sends msg
func (b *EventBroadcaster) BroadcastTyped(msg EventMessage) {
	msg.Type = "event"
	if msg.Seq == 0 {
		msg.Seq = b.seq.Add(1)
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error().Err(err).Str("event", msg.Event).Int64("seq", msg.Seq).Msg("Failed to marshal event")
		return
	}

	clients := b.clients.Authenticated()
	if len(clients) == 0 {
		b.logger.Debug().Str("event", msg.Event).Int64("seq", msg.Seq).Msg("No authenticated clients to broadcast to")
		return
	}

	failed := 0
	for _, client := range clients {
		if err := client.WriteMessage(websocket.TextMessage, payload); err != nil {
			b.logger.Warn().
				Err(err).
				Str("clientId", client.ID).
				Str("event", msg.Event).
				Int64("seq", msg.Seq).
				Msg("Failed to broadcast to client")
			failed++
		}
	}

	b.logger.Debug().
		Str("event", msg.Event).
		Int64("seq", msg.Seq).
		Int("success", len(clients)-failed).
		Int("failed", failed).
		Msg("Event broadcast complete")
}

// SendTo writes msg to a single client, if it is still connected
func (b *EventBroadcaster) SendTo(clientID string, msg EventMessage) bool {
	client, ok := b.clients.Get(clientID)
	if !ok || !client.IsAuthenticated() {
		return false
	}
	msg.Type = "event"
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	if err := client.WriteJSON(msg); err != nil {
		b.logger.Warn().Err(err).Str("clientId", clientID).Str("event", msg.Event).Msg("Failed to send event")
		return false
	}
	return true
}
