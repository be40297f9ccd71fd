package loopii

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/go-playground/assert/v2"
)

// minimal realtime endpoint: echo the auth message, then stream queued events
type testRealtimeServer struct {
	stateLock sync.Mutex
	auths     []*realtimeAuth
	events    chan *RealtimeEvent

	server *httptest.Server
}

func newTestRealtimeServer() *testRealtimeServer {
	self := &testRealtimeServer{
		events: make(chan *RealtimeEvent, 8),
	}

	upgrader := websocket.Upgrader{}
	self.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		_, authBytes, err := ws.ReadMessage()
		if err != nil {
			return
		}
		auth := &realtimeAuth{}
		if err := json.Unmarshal(authBytes, auth); err != nil {
			return
		}
		self.stateLock.Lock()
		self.auths = append(self.auths, auth)
		self.stateLock.Unlock()

		if err := ws.WriteMessage(websocket.TextMessage, authBytes); err != nil {
			return
		}

		for {
			select {
			case event := <-self.events:
				eventBytes, err := json.Marshal(event)
				if err != nil {
					return
				}
				if err := ws.WriteMessage(websocket.TextMessage, eventBytes); err != nil {
					return
				}
			case <-time.After(200 * time.Millisecond):
				// keepalive ping
				if err := ws.WriteMessage(websocket.TextMessage, make([]byte, 0)); err != nil {
					return
				}
			}
		}
	}))
	return self
}

func (self *testRealtimeServer) Url() string {
	return "ws" + strings.TrimPrefix(self.server.URL, "http")
}

func (self *testRealtimeServer) Auths() []*realtimeAuth {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	out := make([]*realtimeAuth, len(self.auths))
	copy(out, self.auths)
	return out
}

func (self *testRealtimeServer) Close() {
	self.server.Close()
}

func TestRealtimeSubscribeReceivesEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestRealtimeServer()
	defer server.Close()

	userId := NewId()
	client := NewRealtimeClientWithDefaults(ctx, server.Url())
	defer client.Close()
	client.SetAuth("test-jwt", userId)

	received := make(chan *RealtimeEvent, 8)
	client.Subscribe(UserNotificationsChannel, func(event *RealtimeEvent) {
		received <- event
	})

	event := &RealtimeEvent{
		Id:        NewId(),
		Type:      "system",
		CreatedAt: time.Now().UTC(),
	}
	server.events <- event

	select {
	case got := <-received:
		assert.Equal(t, event.Id, got.Id)
		assert.Equal(t, "system", got.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for event")
	}

	auths := server.Auths()
	assert.Equal(t, 1, len(auths))
	assert.Equal(t, "test-jwt", auths[0].Jwt)
	assert.Equal(t, userId, auths[0].UserId)
	assert.Equal(t, UserNotificationsChannel, auths[0].Channel)
}

func TestRealtimeSubscribeIdempotent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestRealtimeServer()
	defer server.Close()

	client := NewRealtimeClientWithDefaults(ctx, server.Url())
	defer client.Close()
	client.SetAuth("test-jwt", NewId())

	received := make(chan *RealtimeEvent, 8)
	handler := func(event *RealtimeEvent) {
		received <- event
	}
	client.Subscribe(UserNotificationsChannel, handler)
	client.Subscribe(UserNotificationsChannel, handler)

	server.events <- &RealtimeEvent{
		Id:        NewId(),
		Type:      "system",
		CreatedAt: time.Now().UTC(),
	}

	select {
	case <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for event")
	}

	// the second subscribe did not open a second connection
	assert.Equal(t, 1, len(server.Auths()))
}

func TestRealtimeUnsubscribeStopsDelivery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestRealtimeServer()
	defer server.Close()

	client := NewRealtimeClientWithDefaults(ctx, server.Url())
	defer client.Close()
	client.SetAuth("test-jwt", NewId())

	received := make(chan *RealtimeEvent, 8)
	client.Subscribe(UserNotificationsChannel, func(event *RealtimeEvent) {
		received <- event
	})

	server.events <- &RealtimeEvent{
		Id:        NewId(),
		Type:      "system",
		CreatedAt: time.Now().UTC(),
	}
	select {
	case <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for event")
	}

	client.Unsubscribe(UserNotificationsChannel)
	// give the read loop time to observe the cancel
	time.Sleep(100 * time.Millisecond)

	server.events <- &RealtimeEvent{
		Id:        NewId(),
		Type:      "system",
		CreatedAt: time.Now().UTC(),
	}
	select {
	case <-received:
		t.Fatal("event delivered after unsubscribe")
	case <-time.After(500 * time.Millisecond):
	}
}
