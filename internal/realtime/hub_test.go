package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	neturl "net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paybeam/paybeam/internal/escrow"
)

const (
	merchant = "0x1111111111111111111111111111111111111111"
	payer    = "0x2222222222222222222222222222222222222222"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

func runHub(t *testing.T) *Hub {
	t.Helper()
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)
	return h
}

func paymentEvent(amount int64) escrow.Event {
	return escrow.Event{
		Type:      escrow.EventPaymentReceived,
		InvoiceID: "INV1",
		Merchant:  merchant,
		Payer:     payer,
		Amount:    amount,
		Status:    escrow.StatusOpen,
		Timestamp: time.Now(),
	}
}

func TestClientMatches(t *testing.T) {
	created := escrow.Event{Type: escrow.EventInvoiceCreated, InvoiceID: "INV1", Merchant: merchant}
	other := escrow.Event{Type: escrow.EventInvoiceCreated, InvoiceID: "INV2", Merchant: "0x3333333333333333333333333333333333333333"}

	tests := []struct {
		name  string
		sub   Subscription
		event escrow.Event
		want  bool
	}{
		{"all events", Subscription{AllEvents: true}, other, true},
		{"empty subscription", Subscription{}, other, true},
		{"type match", Subscription{EventTypes: []escrow.EventType{escrow.EventInvoiceCreated}}, created, true},
		{"type mismatch", Subscription{EventTypes: []escrow.EventType{escrow.EventInvoicePaid}}, created, false},
		{"invoice match", Subscription{InvoiceIDs: []string{"INV1"}}, created, true},
		{"invoice mismatch", Subscription{InvoiceIDs: []string{"INV1"}}, other, false},
		{"merchant identity", Subscription{Identities: []string{strings.ToUpper(merchant)}}, created, true},
		{"payer identity", Subscription{Identities: []string{payer}}, paymentEvent(5), true},
		{"identity mismatch", Subscription{Identities: []string{payer}}, created, false},
		{"above min amount", Subscription{MinAmount: 10}, paymentEvent(15), true},
		{"below min amount", Subscription{MinAmount: 10}, paymentEvent(5), false},
		{"min amount ignores amountless events", Subscription{MinAmount: 10}, created, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Client{sub: tt.sub}
			assert.Equal(t, tt.want, c.matches(tt.event))
		})
	}
}

func TestHub_Stats_Initial(t *testing.T) {
	stats := testHub().Stats()
	assert.Equal(t, 0, stats["connectedClients"])
	assert.Equal(t, int64(0), stats["totalEvents"])
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := runHub(t)

	client := &Client{hub: h, send: make(chan []byte, 256), sub: Subscription{AllEvents: true}}
	h.register <- client

	assert.Eventually(t, func() bool { return h.Stats()["connectedClients"] == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), h.Stats()["peakClients"])

	h.unregister <- client
	assert.Eventually(t, func() bool { return h.Stats()["connectedClients"] == 0 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), h.Stats()["peakClients"], "peak is retained")
}

func TestHub_PublishToClient(t *testing.T) {
	h := runHub(t)

	client := &Client{hub: h, send: make(chan []byte, 256), sub: Subscription{AllEvents: true}}
	h.register <- client

	h.Publish(context.Background(), paymentEvent(60))

	select {
	case msg := <-client.send:
		var got escrow.Event
		require.NoError(t, json.Unmarshal(msg, &got))
		assert.Equal(t, escrow.EventPaymentReceived, got.Type)
		assert.Equal(t, int64(60), got.Amount)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
	assert.Eventually(t, func() bool { return h.Stats()["totalEvents"] == int64(1) }, time.Second, 10*time.Millisecond)
}

func TestHub_FilteredPublish(t *testing.T) {
	h := runHub(t)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{EventTypes: []escrow.EventType{escrow.EventInvoicePaid}},
	}
	h.register <- client

	h.Publish(context.Background(), paymentEvent(10))
	paid := paymentEvent(0)
	paid.Type = escrow.EventInvoicePaid
	h.Publish(context.Background(), paid)

	select {
	case msg := <-client.send:
		assert.Contains(t, string(msg), string(escrow.EventInvoicePaid))
	case <-time.After(time.Second):
		t.Fatal("client should receive invoice.paid")
	}
	select {
	case msg := <-client.send:
		t.Fatalf("unexpected extra message %s", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_PublishDropsWhenFull(t *testing.T) {
	h := testHub() // not running, so nothing drains the queue

	for i := 0; i < cap(h.broadcast)+5; i++ {
		h.Publish(context.Background(), paymentEvent(1))
	}
	assert.Equal(t, int64(5), h.Stats()["droppedEvents"])
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop after context cancellation")
	}
}

func dial(t *testing.T, h *Hub, query string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(httpHandler(h))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(msg, v), string(msg))
}

func TestHub_WebSocketRoundTrip(t *testing.T) {
	h := runHub(t)
	conn := dial(t, h, "")

	sub, _ := json.Marshal(Subscription{InvoiceIDs: []string{"INV1"}})
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, sub))

	var ack controlMessage
	readJSON(t, conn, &ack)
	require.Equal(t, "subscribed", ack.Type)
	assert.Equal(t, []string{"INV1"}, ack.Subscription.InvoiceIDs)

	other := paymentEvent(1)
	other.InvoiceID = "INV2"
	h.Publish(context.Background(), other)
	h.Publish(context.Background(), paymentEvent(7))

	var got escrow.Event
	readJSON(t, conn, &got)
	assert.Equal(t, "INV1", got.InvoiceID)
	assert.Equal(t, int64(7), got.Amount)
}

func TestHub_WebSocketQuerySubscription(t *testing.T) {
	h := runHub(t)
	conn := dial(t, h, "?type=invoice.paid&identity="+strings.ToUpper(merchant))
	require.Eventually(t, func() bool { return h.Stats()["connectedClients"] == 1 }, time.Second, 10*time.Millisecond)

	h.Publish(context.Background(), paymentEvent(5))
	paid := paymentEvent(0)
	paid.Type = escrow.EventInvoicePaid
	h.Publish(context.Background(), paid)

	var got escrow.Event
	readJSON(t, conn, &got)
	assert.Equal(t, escrow.EventInvoicePaid, got.Type)
}

func TestHub_WebSocketInvalidSubscription(t *testing.T) {
	h := runHub(t)
	conn := dial(t, h, "")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))

	var reply controlMessage
	readJSON(t, conn, &reply)
	assert.Equal(t, "error", reply.Type)
	assert.Equal(t, "invalid subscription", reply.Message)
}

func TestHub_WebSocketRejectsBadQuery(t *testing.T) {
	h := runHub(t)
	srv := httptest.NewServer(httpHandler(h))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?minAmount=lots"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubscriptionFromQuery(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		want    Subscription
		wantErr bool
	}{
		{"no filters", "", Subscription{AllEvents: true}, false},
		{"comma and repeated values", "invoice=INV1,INV2&invoice=INV3",
			Subscription{InvoiceIDs: []string{"INV1", "INV2", "INV3"}}, false},
		{"identity lowercased", "identity=0xABC", Subscription{Identities: []string{"0xabc"}}, false},
		{"types", "type=invoice.paid,payment.received", Subscription{
			EventTypes: []escrow.EventType{escrow.EventInvoicePaid, escrow.EventPaymentReceived},
		}, false},
		{"min amount", "minAmount=25", Subscription{MinAmount: 25}, false},
		{"bad min amount", "minAmount=x", Subscription{}, true},
		{"negative min amount", "minAmount=-1", Subscription{}, true},
		{"too many values", "invoice=" + strings.Repeat("a,", maxFilterValues+1), Subscription{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := neturl.ParseQuery(tt.query)
			require.NoError(t, err)
			got, err := subscriptionFromQuery(q)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func httpHandler(h *Hub) http.Handler {
	return http.HandlerFunc(h.HandleWebSocket)
}
