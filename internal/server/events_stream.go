package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/aristath/tranche/internal/events"
)

const (
	streamBuffer     = 100
	streamWriteLimit = 5 * time.Second
	streamPing       = 30 * time.Second
)

// EventsStreamHandler pushes bus events to websocket clients as JSON
type EventsStreamHandler struct {
	bus *events.Bus
	log zerolog.Logger
}

// NewEventsStreamHandler creates the handler. A nil bus rejects every client.
func NewEventsStreamHandler(bus *events.Bus, log zerolog.Logger) *EventsStreamHandler {
	return &EventsStreamHandler{
		bus: bus,
		log: log.With().Str("component", "events_stream").Logger(),
	}
}

// ServeHTTP handles GET /api/events/ws. The optional "types" query parameter
// is a comma-separated list of event types to receive.
func (h *EventsStreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.bus == nil {
		http.Error(w, "event stream unavailable", http.StatusServiceUnavailable)
		return
	}

	var allowed map[events.EventType]bool
	if filter := r.URL.Query().Get("types"); filter != "" {
		allowed = make(map[events.EventType]bool)
		for _, t := range strings.Split(filter, ",") {
			allowed[events.EventType(strings.TrimSpace(t))] = true
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		h.log.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	// Clients never send; CloseRead handles control frames and cancels ctx
	// when the peer goes away.
	ctx := conn.CloseRead(r.Context())

	ch := make(chan *events.Event, streamBuffer)
	unsubscribe := h.bus.SubscribeAll(func(e *events.Event) {
		if allowed != nil && !allowed[e.Type] {
			return
		}
		select {
		case ch <- e:
		default:
			h.log.Warn().Str("event_type", string(e.Type)).Msg("Event channel full, dropping event")
		}
	})
	defer unsubscribe()

	h.log.Info().Int("filters", len(allowed)).Msg("Client connected to event stream")

	ping := time.NewTicker(streamPing)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			h.log.Debug().Msg("Event stream client disconnected")
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-ping.C:
			pctx, cancel := context.WithTimeout(ctx, streamWriteLimit)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				return
			}
		case e := <-ch:
			wctx, cancel := context.WithTimeout(ctx, streamWriteLimit)
			err := wsjson.Write(wctx, conn, e)
			cancel()
			if err != nil {
				h.log.Debug().Err(err).Msg("Event stream write failed")
				return
			}
		}
	}
}
