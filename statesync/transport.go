package statesync

import (
	"context"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

type ConnectionState int

const (
	ConnectionConnecting ConnectionState = iota
	ConnectionConnected
	// ConnectionDisconnected is the unexpected loss of a connection that
	// had opened successfully.
	ConnectionDisconnected
	// ConnectionFailedConnect is a dial or handshake that never opened.
	ConnectionFailedConnect
)

func (self ConnectionState) String() string {
	switch self {
	case ConnectionConnecting:
		return "connecting"
	case ConnectionConnected:
		return "connected"
	case ConnectionDisconnected:
		return "disconnected"
	case ConnectionFailedConnect:
		return "failed-connect"
	default:
		return fmt.Sprintf("state(%d)", int(self))
	}
}

// ConnectionStateFunction observes connection transitions. The session is
// non nil only for ConnectionConnected; each connected session is fresh,
// nothing carries over from the previous one.
type ConnectionStateFunction = func(state ConnectionState, session *Session)

// UrlFunction computes the endpoint for one connection attempt. It is
// called per attempt, not cached, so the target can move between
// attempts.
type UrlFunction = func() (string, error)

type ConnectionSettings struct {
	WsHandshakeTimeout time.Duration
	WriteTimeout       time.Duration
	SendBufferSize     int

	ReconnectMinTimeout    time.Duration
	ReconnectMaxTimeout    time.Duration
	ReconnectBackoffFactor float64

	SessionSettings *SessionSettings
}

func DefaultConnectionSettings() *ConnectionSettings {
	return &ConnectionSettings{
		WsHandshakeTimeout:     2 * time.Second,
		WriteTimeout:           5 * time.Second,
		SendBufferSize:         32,
		ReconnectMinTimeout:    1 * time.Second,
		ReconnectMaxTimeout:    20 * time.Second,
		ReconnectBackoffFactor: 1.5,
		SessionSettings:        DefaultSessionSettings(),
	}
}

// Reconnect tracks the backoff delay between connection attempts.
type Reconnect struct {
	minTimeout time.Duration
	maxTimeout time.Duration
	factor     float64

	timeout time.Duration
}

func NewReconnect(minTimeout time.Duration, maxTimeout time.Duration, factor float64) *Reconnect {
	return &Reconnect{
		minTimeout: minTimeout,
		maxTimeout: maxTimeout,
		factor:     factor,
		timeout:    minTimeout,
	}
}

func (self *Reconnect) Delay() time.Duration {
	return self.timeout
}

// Fail multiplies the delay, capped at the ceiling, and returns the new
// delay to wait before the next attempt.
func (self *Reconnect) Fail() time.Duration {
	self.timeout = time.Duration(float64(self.timeout) * self.factor)
	if self.timeout > self.maxTimeout {
		self.timeout = self.maxTimeout
	}
	return self.timeout
}

// Reset returns the delay to its floor, on a successful open.
func (self *Reconnect) Reset() {
	self.timeout = self.minTimeout
}

func (self *Reconnect) After() <-chan time.Time {
	return time.After(self.timeout)
}

// Connection owns one persistent socket and reconnects forever until
// closed; there is deliberately no retry limit or circuit breaker. Each
// successful open builds a fresh Session fed from the socket's read
// loop.
type Connection struct {
	ctx    context.Context
	cancel context.CancelFunc

	urlFunc  UrlFunction
	settings *ConnectionSettings

	stateCallbacks *CallbackList[ConnectionStateFunction]

	sessionMonitor chan *Session
}

func NewConnectionWithDefaults(ctx context.Context, urlFunc UrlFunction) *Connection {
	return NewConnection(ctx, urlFunc, DefaultConnectionSettings())
}

func NewConnection(ctx context.Context, urlFunc UrlFunction, settings *ConnectionSettings) *Connection {
	cancelCtx, cancel := context.WithCancel(ctx)
	connection := &Connection{
		ctx:            cancelCtx,
		cancel:         cancel,
		urlFunc:        urlFunc,
		settings:       settings,
		stateCallbacks: NewCallbackList[ConnectionStateFunction](),
		sessionMonitor: make(chan *Session, 1),
	}
	go connection.run()
	return connection
}

// AddStateCallback registers a connection state observer. Callbacks run
// on the connection goroutine; they must not block.
func (self *Connection) AddStateCallback(callback ConnectionStateFunction) *Subscription {
	callbackId := self.stateCallbacks.Add(callback)
	return &Subscription{
		unsubscribe: func() {
			self.stateCallbacks.Remove(callbackId)
		},
	}
}

// WaitForSession blocks until the next session is established or the
// context ends.
func (self *Connection) WaitForSession(ctx context.Context) (*Session, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-self.ctx.Done():
		return nil, fmt.Errorf("connection closed")
	case session := <-self.sessionMonitor:
		return session, nil
	}
}

func (self *Connection) run() {
	defer self.cancel()

	reconnect := NewReconnect(
		self.settings.ReconnectMinTimeout,
		self.settings.ReconnectMaxTimeout,
		self.settings.ReconnectBackoffFactor,
	)

	for {
		self.notifyState(ConnectionConnecting, nil)

		url, err := self.urlFunc()
		var ws *websocket.Conn
		if err == nil {
			dialer := &websocket.Dialer{
				HandshakeTimeout: self.settings.WsHandshakeTimeout,
			}
			ws, _, err = dialer.DialContext(self.ctx, url, nil)
		}
		if err != nil {
			glog.Infof("[c]connect failed = %s\n", err)
			self.notifyState(ConnectionFailedConnect, nil)
			reconnect.Fail()
			select {
			case <-self.ctx.Done():
				return
			case <-reconnect.After():
				continue
			}
		}

		reconnect.Reset()
		self.runSession(ws, url)
		self.notifyState(ConnectionDisconnected, nil)

		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

func (self *Connection) runSession(ws *websocket.Conn, url string) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	// unblock the read loop when the context ends
	go func() {
		<-handleCtx.Done()
		ws.Close()
	}()

	send := make(chan []byte, self.settings.SendBufferSize)
	sendFrame := func(frame []byte) error {
		select {
		case <-handleCtx.Done():
			return fmt.Errorf("connection closed")
		case send <- frame:
			return nil
		}
	}

	sessionSettings := self.settings.SessionSettings
	if sessionSettings.HttpBaseUrl == "" {
		if httpBase, err := httpBaseFromWsUrl(url); err == nil {
			derived := *sessionSettings
			derived.HttpBaseUrl = httpBase
			sessionSettings = &derived
		}
	}
	session := NewSession(sendFrame, sessionSettings)
	// drain a stale session waiting in the monitor
	select {
	case <-self.sessionMonitor:
	default:
	}
	select {
	case self.sessionMonitor <- session:
	default:
	}
	self.notifyState(ConnectionConnected, session)

	go func() {
		defer handleCancel()

		// the server dispatches the url on the first message; the
		// content is ignored
		ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
		if err := ws.WriteMessage(websocket.TextMessage, []byte("[]")); err != nil {
			glog.Infof("[cs]-> error = %s\n", err)
			return
		}

		for {
			select {
			case <-handleCtx.Done():
				return
			case frame := <-send:
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
					glog.Infof("[cs]-> error = %s\n", err)
					return
				}
				glog.V(2).Infof("[cs]->\n")
			}
		}
	}()

	// all registry and cell mutation happens on this read loop, one
	// message run to completion before the next
	for {
		select {
		case <-handleCtx.Done():
			return
		default:
		}

		messageType, message, err := ws.ReadMessage()
		if err != nil {
			glog.Infof("[cr]<- error = %s\n", err)
			return
		}

		switch messageType {
		case websocket.TextMessage:
			glog.V(2).Infof("[cr]<- %d bytes\n", len(message))
			session.HandleFrame(message)
		case websocket.BinaryMessage:
			glog.V(2).Infof("[cr]<- binary %d bytes\n", len(message))
			session.HandleBinaryFrame(message)
		default:
			glog.V(2).Infof("[cr]<- other type %d\n", messageType)
		}
	}
}

func (self *Connection) notifyState(state ConnectionState, session *Session) {
	glog.V(1).Infof("[c]%s\n", state)
	for _, callback := range self.stateCallbacks.Get() {
		callback(state, session)
	}
}

func (self *Connection) Close() {
	self.cancel()
}
