package controller

import (
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"

	"athletereach/models"
	"athletereach/outreach"
)

const (
	eventBuffer  = 32
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

// EventHub fans lifecycle events out to each user's live websocket clients.
// Slow clients drop events rather than block the publisher.
type EventHub struct {
	mu      sync.RWMutex
	clients map[uint]map[chan outreach.Event]struct{}
	log     logrus.FieldLogger
}

var _ outreach.EventSink = (*EventHub)(nil)

func NewEventHub(log logrus.FieldLogger) *EventHub {
	return &EventHub{
		clients: make(map[uint]map[chan outreach.Event]struct{}),
		log:     log.WithField("component", "event_hub"),
	}
}

func (h *EventHub) Publish(evt outreach.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.clients[evt.UserID] {
		select {
		case ch <- evt:
		default:
			h.log.WithFields(logrus.Fields{"user_id": evt.UserID, "type": evt.Type}).Warn("dropping event for slow client")
		}
	}
}

// Subscribe registers a client; the returned func unregisters it and closes the channel.
func (h *EventHub) Subscribe(userID uint) (<-chan outreach.Event, func()) {
	ch := make(chan outreach.Event, eventBuffer)

	h.mu.Lock()
	if h.clients[userID] == nil {
		h.clients[userID] = make(map[chan outreach.Event]struct{})
	}
	h.clients[userID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.clients[userID], ch)
			if len(h.clients[userID]) == 0 {
				delete(h.clients, userID)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Clients reports how many connections a user has open.
func (h *EventHub) Clients(userID uint) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

// RequireUpgrade rejects plain HTTP requests on websocket routes.
func RequireUpgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// Stream is the websocket handler for /ws/messages. It expects Protected to
// have stored the user in locals before the upgrade.
func (h *EventHub) Stream() fiber.Handler {
	return websocket.New(func(c *websocket.Conn) {
		defer c.Close()

		user, ok := c.Locals("user").(*models.User)
		if !ok || user == nil {
			return
		}

		events, unsubscribe := h.Subscribe(user.ID)
		defer unsubscribe()

		// Reader only detects the client going away.
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := c.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ping := time.NewTicker(pingInterval)
		defer ping.Stop()

		for {
			select {
			case <-closed:
				return
			case evt := <-events:
				_ = c.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := c.WriteJSON(evt); err != nil {
					h.log.WithError(err).WithField("user_id", user.ID).Debug("websocket write failed")
					return
				}
			case <-ping.C:
				_ = c.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	})
}
