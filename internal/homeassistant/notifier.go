package homeassistant

import (
	"context"
	"log/slog"
	"time"

	"github.com/nugget/smartroam/internal/roam"
)

// DefaultEventType is fired on every steer unless configured otherwise.
const DefaultEventType = "smartroam_roamed"

// notifyTimeout bounds a single event delivery so a slow Home
// Assistant never stalls the roam check.
const notifyTimeout = 5 * time.Second

// eventFirer is satisfied by both [WSClient] and [Client].
type eventFirer interface {
	FireEvent(ctx context.Context, eventType string, data any) error
}

// Notifier fires a Home Assistant event for every roam. The WebSocket
// is preferred; the REST API is used when the socket is down.
type Notifier struct {
	ws        *WSClient
	rest      eventFirer
	eventType string
	source    string
	logger    *slog.Logger
}

var _ roam.Notifier = (*Notifier)(nil)

// NewNotifier creates a Notifier. ws may be nil to always use REST.
// source identifies this host in the event data.
func NewNotifier(ws *WSClient, rest *Client, eventType, source string, logger *slog.Logger) *Notifier {
	if eventType == "" {
		eventType = DefaultEventType
	}
	if logger == nil {
		logger = slog.Default()
	}
	n := &Notifier{
		ws:        ws,
		eventType: eventType,
		source:    source,
		logger:    logger,
	}
	if rest != nil {
		n.rest = rest
	}
	return n
}

// roamEventData is the event_data payload.
type roamEventData struct {
	roam.Event
	Source string `json:"source,omitempty"`
}

// Roamed implements [roam.Notifier]. Delivery failures are logged and
// dropped.
func (n *Notifier) Roamed(ctx context.Context, ev roam.Event) {
	ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()

	data := roamEventData{Event: ev, Source: n.source}

	if n.ws != nil && n.ws.Connected() {
		err := n.ws.FireEvent(ctx, n.eventType, data)
		if err == nil {
			n.logger.Debug("roam event fired", "event_type", n.eventType, "via", "websocket")
			return
		}
		n.logger.Debug("websocket fire_event failed, falling back to REST", "error", err)
	}

	if n.rest == nil {
		n.logger.Warn("roam event dropped, Home Assistant not connected", "event_type", n.eventType)
		return
	}
	if err := n.rest.FireEvent(ctx, n.eventType, data); err != nil {
		n.logger.Warn("roam event delivery failed", "event_type", n.eventType, "error", err)
		return
	}
	n.logger.Debug("roam event fired", "event_type", n.eventType, "via", "rest")
}
