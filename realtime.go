package loopii

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/golang/glog"
)

type RealtimeSettings struct {
	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
}

func DefaultRealtimeSettings() *RealtimeSettings {
	return &RealtimeSettings{
		WsHandshakeTimeout: 2 * time.Second,
		AuthTimeout:        2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        1 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
	}
}

// insert event for a new row on the user's channel.
// delivery is at-least-once; consumers must be idempotent.
type RealtimeEvent struct {
	Id        Id                `json:"id"`
	Type      string            `json:"type"`
	CreatedAt time.Time         `json:"created_at"`
	Data      *NotificationData `json:"data,omitempty"`
}

type RealtimeEventHandler func(event *RealtimeEvent)

type realtimeAuth struct {
	Jwt     string `json:"jwt"`
	UserId  Id     `json:"user_id"`
	Channel string `json:"channel"`
}

type realtimeChannel struct {
	cancel context.CancelFunc
}

// one authenticated websocket per subscribed channel, keyed by the user id
// in the session token. Subscribing an already-open channel is a no-op.
// The connection loop follows the usual reconnect/ping/deadline scheme.
type RealtimeClient struct {
	ctx    context.Context
	cancel context.CancelFunc

	realtimeUrl string

	settings *RealtimeSettings

	stateLock  sync.Mutex
	sessionJwt string
	userId     Id
	channels   map[string]*realtimeChannel
}

func NewRealtimeClientWithDefaults(ctx context.Context, realtimeUrl string) *RealtimeClient {
	return NewRealtimeClient(ctx, realtimeUrl, DefaultRealtimeSettings())
}

func NewRealtimeClient(ctx context.Context, realtimeUrl string, settings *RealtimeSettings) *RealtimeClient {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &RealtimeClient{
		ctx:         cancelCtx,
		cancel:      cancel,
		realtimeUrl: realtimeUrl,
		settings:    settings,
		channels:    map[string]*realtimeChannel{},
	}
}

// rebinds the auth credential. Active connections keep running and pick up
// the new token on their next reconnect.
func (self *RealtimeClient) SetAuth(sessionJwt string, userId Id) {
	self.stateLock.Lock()
	self.sessionJwt = sessionJwt
	self.userId = userId
	self.stateLock.Unlock()
}

func (self *RealtimeClient) auth(channel string) *realtimeAuth {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return &realtimeAuth{
		Jwt:     self.sessionJwt,
		UserId:  self.userId,
		Channel: channel,
	}
}

// no-op if the channel is already open
func (self *RealtimeClient) Subscribe(channel string, handler RealtimeEventHandler) {
	self.stateLock.Lock()
	if _, ok := self.channels[channel]; ok {
		self.stateLock.Unlock()
		return
	}
	channelCtx, channelCancel := context.WithCancel(self.ctx)
	self.channels[channel] = &realtimeChannel{
		cancel: channelCancel,
	}
	self.stateLock.Unlock()

	go self.run(channelCtx, channel, handler)
}

// tears down the channel handle. The auth binding stays in place for reuse.
func (self *RealtimeClient) Unsubscribe(channel string) {
	self.stateLock.Lock()
	ch, ok := self.channels[channel]
	if ok {
		delete(self.channels, channel)
	}
	self.stateLock.Unlock()

	if ok {
		ch.cancel()
	}
}

func (self *RealtimeClient) Close() {
	self.cancel()
}

func (self *RealtimeClient) run(ctx context.Context, channel string, handler RealtimeEventHandler) {
	channelUrl := fmt.Sprintf("%s/realtime/%s", self.realtimeUrl, channel)

	for {
		reconnect := NewReconnect(self.settings.ReconnectTimeout)

		connect := func() (*websocket.Conn, error) {
			dialer := &websocket.Dialer{
				HandshakeTimeout: self.settings.WsHandshakeTimeout,
			}
			ws, _, err := dialer.DialContext(ctx, channelUrl, nil)
			if err != nil {
				return nil, err
			}

			success := false
			defer func() {
				if !success {
					ws.Close()
				}
			}()

			authBytes, err := json.Marshal(self.auth(channel))
			if err != nil {
				return nil, err
			}

			ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, authBytes); err != nil {
				return nil, err
			}
			ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
			if messageType, message, err := ws.ReadMessage(); err != nil {
				return nil, err
			} else {
				// verify the auth echo
				switch messageType {
				case websocket.TextMessage:
					if !bytes.Equal(authBytes, message) {
						return nil, fmt.Errorf("auth response error: bad bytes")
					}
				default:
					return nil, fmt.Errorf("auth response error")
				}
			}

			success = true
			return ws, nil
		}

		ws, err := connect()
		if err != nil {
			glog.Infof("[rt]auth error %s = %s\n", channel, err)
			select {
			case <-ctx.Done():
				return
			case <-reconnect.After():
				continue
			}
		}

		c := func() {
			defer ws.Close()

			handleCtx, handleCancel := context.WithCancel(ctx)
			defer handleCancel()

			// unblock a pending read when the channel is torn down
			go func() {
				<-handleCtx.Done()
				ws.Close()
			}()

			go func() {
				defer handleCancel()

				for {
					select {
					case <-handleCtx.Done():
						return
					case <-time.After(self.settings.PingTimeout):
						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.TextMessage, make([]byte, 0)); err != nil {
							// a deadline timeout on websocket cannot be recovered
							return
						}
					}
				}
			}()

			for {
				select {
				case <-handleCtx.Done():
					return
				default:
				}

				ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
				messageType, message, err := ws.ReadMessage()
				if err != nil {
					glog.Infof("[rt]%s<- error = %s\n", channel, err)
					return
				}

				switch messageType {
				case websocket.TextMessage:
					if 0 == len(message) {
						// ping
						glog.V(2).Infof("[rt]ping %s<-\n", channel)
						continue
					}

					event := &RealtimeEvent{}
					if err := json.Unmarshal(message, event); err != nil {
						glog.Infof("[rt]%s<- bad event = %s\n", channel, err)
						continue
					}
					glog.V(2).Infof("[rt]%s<- %s\n", channel, event.Type)
					handler(event)
				default:
					glog.V(2).Infof("[rt]other=%d %s<-\n", messageType, channel)
				}
			}
		}
		c()

		select {
		case <-ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}
