package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/chatgate/internal/accounts"
	"github.com/mbd888/chatgate/internal/notify"
	"github.com/mbd888/chatgate/internal/params"
)

func testHub() *Hub {
	return NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func runHub(t *testing.T) *Hub {
	t.Helper()
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)
	return h
}

func attach(h *Hub, sub Subscription) *Client {
	c := &Client{hub: h, send: make(chan []byte, 16), sub: sub}
	h.register <- c
	return c
}

func receive(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case msg := <-c.send:
		var e Event
		require.NoError(t, json.Unmarshal(msg, &e))
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func assertNothing(t *testing.T, c *Client) {
	t.Helper()
	select {
	case msg := <-c.send:
		t.Fatalf("unexpected event %s", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscriptionMatches(t *testing.T) {
	status := &Event{Type: EventAccountStatus, AccountID: "acct_a"}
	limit := &Event{Type: EventLimitChanged}

	assert.True(t, Subscription{AllEvents: true}.matches(status))
	assert.True(t, Subscription{}.matches(status), "empty filter passes everything")

	byType := Subscription{EventTypes: []EventType{EventLimitChanged}}
	assert.False(t, byType.matches(status))
	assert.True(t, byType.matches(limit))

	byAccount := Subscription{AccountIDs: []string{"acct_b"}}
	assert.False(t, byAccount.matches(status))
	assert.True(t, byAccount.matches(&Event{Type: EventEntitlement, AccountID: "acct_b"}))
	assert.True(t, byAccount.matches(limit), "global events pass the account filter")
}

func TestHub_ObserverEvents(t *testing.T) {
	h := runHub(t)
	c := attach(h, Subscription{AllEvents: true})

	at := time.Date(2026, 4, 1, 2, 0, 0, 0, time.UTC)
	h.AccountTransitioned(accounts.Transition{
		AccountID: "acct_a", From: accounts.AccessDisabled, To: accounts.AccessEnabled,
		Reason: accounts.ReasonNone, Trigger: accounts.TriggerMonthlyReset, At: at,
	})
	e := receive(t, c)
	assert.Equal(t, EventAccountStatus, e.Type)
	assert.Equal(t, "acct_a", e.AccountID)
	assert.True(t, at.Equal(e.Timestamp))

	h.EntitlementChanged("acct_a", true, at.AddDate(0, 1, 0))
	e = receive(t, c)
	assert.Equal(t, EventEntitlement, e.Type)
	assert.Equal(t, true, e.Data.(map[string]interface{})["premium"])

	h.PublishNotice(&notify.Notice{ID: "ntc_1", Kind: notify.KindExpiringSoon, AccountID: "acct_a", SubscriptionID: "sub_1"})
	assert.Equal(t, EventExpiryNotice, receive(t, c).Type)

	h.LimitChanged(params.LimitChanged{Old: 100, New: 150}, 3, 0)
	e = receive(t, c)
	assert.Equal(t, EventLimitChanged, e.Type)
	assert.Empty(t, e.AccountID)
	assert.EqualValues(t, 150, e.Data.(map[string]interface{})["new"])
}

func TestHub_FilteredClient(t *testing.T) {
	h := runHub(t)
	c := attach(h, Subscription{AccountIDs: []string{"acct_b"}})

	h.EntitlementChanged("acct_a", false, time.Time{})
	assertNothing(t, c)

	h.EntitlementChanged("acct_b", false, time.Time{})
	assert.Equal(t, "acct_b", receive(t, c).AccountID)
}

func TestHub_SlowClientDropped(t *testing.T) {
	h := runHub(t)
	c := &Client{hub: h, send: make(chan []byte), sub: Subscription{AllEvents: true}}
	h.register <- c

	h.Broadcast(&Event{Type: EventLimitChanged})
	require.Eventually(t, func() bool {
		return h.Stats()["connectedClients"].(int) == 0
	}, time.Second, 10*time.Millisecond)

	_, open := <-c.send
	assert.False(t, open)
}

func TestHub_StatsAndShutdown(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	c := attach(h, Subscription{AllEvents: true})
	h.Broadcast(&Event{Type: EventLimitChanged})
	receive(t, c)

	stats := h.Stats()
	assert.Equal(t, 1, stats["connectedClients"])
	assert.Equal(t, int64(1), stats["peakClients"])
	assert.Equal(t, int64(1), stats["totalEvents"])

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop")
	}
	_, open := <-c.send
	assert.False(t, open)
}

func TestHub_WebSocketRoundTrip(t *testing.T) {
	h := runHub(t)
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(Subscription{EventTypes: []EventType{EventLimitChanged}}))
	require.Eventually(t, func() bool {
		return h.Stats()["connectedClients"].(int) == 1
	}, time.Second, 10*time.Millisecond)
	// Let the subscription message land before broadcasting.
	time.Sleep(50 * time.Millisecond)

	h.EntitlementChanged("acct_a", true, time.Now().Add(time.Hour))
	h.LimitChanged(params.LimitChanged{Old: 0, New: 10}, 0, 0)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var e Event
	require.NoError(t, conn.ReadJSON(&e))
	assert.Equal(t, EventLimitChanged, e.Type)
}
