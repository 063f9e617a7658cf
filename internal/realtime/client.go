package realtime

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/paybeam/paybeam/internal/escrow"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 64 * 1024
	sendBuffer     = 256

	// maxFilterValues caps each list in a Subscription.
	maxFilterValues = 100
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser clients
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

var errTooManyFilters = errors.New("too many filter values")

// Subscription filters the events a client receives. Empty filters match
// everything; non-empty filters must all match.
type Subscription struct {
	AllEvents  bool               `json:"allEvents"`
	EventTypes []escrow.EventType `json:"eventTypes"`
	InvoiceIDs []string           `json:"invoiceIds"`
	Identities []string           `json:"identities"` // merchant or payer
	MinAmount  int64              `json:"minAmount"`  // applies to events carrying an amount
}

func (s *Subscription) normalize() error {
	if len(s.EventTypes) > maxFilterValues || len(s.InvoiceIDs) > maxFilterValues || len(s.Identities) > maxFilterValues {
		return errTooManyFilters
	}
	if s.MinAmount < 0 {
		return errors.New("minAmount must not be negative")
	}
	for i, id := range s.Identities {
		s.Identities[i] = strings.ToLower(strings.TrimSpace(id))
	}
	return nil
}

// subscriptionFromQuery builds the initial subscription from /ws query
// parameters. Repeated or comma-separated values are both accepted.
func subscriptionFromQuery(q url.Values) (Subscription, error) {
	var sub Subscription
	for _, t := range splitValues(q["type"]) {
		sub.EventTypes = append(sub.EventTypes, escrow.EventType(t))
	}
	sub.InvoiceIDs = splitValues(q["invoice"])
	sub.Identities = splitValues(q["identity"])

	if raw := q.Get("minAmount"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Subscription{}, errors.New("minAmount must be an integer")
		}
		sub.MinAmount = v
	}

	if err := sub.normalize(); err != nil {
		return Subscription{}, err
	}
	if len(sub.EventTypes) == 0 && len(sub.InvoiceIDs) == 0 && len(sub.Identities) == 0 && sub.MinAmount == 0 {
		sub.AllEvents = true
	}
	return sub, nil
}

func splitValues(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// controlMessage answers a subscription update.
type controlMessage struct {
	Type         string        `json:"type"` // "subscribed" or "error"
	Subscription *Subscription `json:"subscription,omitempty"`
	Message      string        `json:"message,omitempty"`
}

// Client represents a WebSocket connection
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte // events; closed by the hub

	// control carries replies to the client's own messages. It is never
	// closed, so readPump can write to it after the hub drops the client.
	control chan []byte

	mu  sync.RWMutex
	sub Subscription
}

// matches reports whether event passes the client's subscription.
func (c *Client) matches(event escrow.Event) bool {
	c.mu.RLock()
	sub := c.sub
	c.mu.RUnlock()

	if sub.AllEvents {
		return true
	}

	if len(sub.EventTypes) > 0 && !contains(sub.EventTypes, event.Type) {
		return false
	}
	if len(sub.InvoiceIDs) > 0 && !contains(sub.InvoiceIDs, event.InvoiceID) {
		return false
	}
	if len(sub.Identities) > 0 {
		matched := false
		for _, id := range sub.Identities {
			if strings.EqualFold(id, event.Merchant) || (event.Payer != "" && strings.EqualFold(id, event.Payer)) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if sub.MinAmount > 0 && event.Amount > 0 && event.Amount < sub.MinAmount {
		return false
	}
	return true
}

func contains[T comparable](list []T, v T) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// HandleWebSocket upgrades HTTP to WebSocket
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Reject upgrades after the hub has stopped to prevent orphaned connections.
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	sub, err := subscriptionFromQuery(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		control: make(chan []byte, 8),
		sub:     sub,
	}

	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump applies subscription updates until the connection closes.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("websocket read error", "error", err)
			}
			return
		}
		c.updateSubscription(message)
	}
}

func (c *Client) updateSubscription(message []byte) {
	var sub Subscription
	if err := json.Unmarshal(message, &sub); err != nil {
		c.reply(controlMessage{Type: "error", Message: "invalid subscription"})
		return
	}
	if err := sub.normalize(); err != nil {
		c.reply(controlMessage{Type: "error", Message: err.Error()})
		return
	}

	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()
	c.reply(controlMessage{Type: "subscribed", Subscription: &sub})
}

// reply queues a control message, dropping it if the client is not reading.
func (c *Client) reply(msg controlMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.control <- payload:
	default:
	}
}

// writePump writes events, control replies and keepalive pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Debug("websocket write error", "error", err)
				return
			}

		case message := <-c.control:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
