// Package realtime serves the /track websocket: authenticate, join one
// audience channel, relay hub events out and driver reports in.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"delivtrack/internal/auth"
	"delivtrack/internal/config"
	"delivtrack/internal/modules/location"
	"delivtrack/internal/modules/presence"
	"delivtrack/internal/realtime/hub"
	"delivtrack/internal/types"
)

const (
	EventConnected = "connected"
	EventError     = "error"

	maxMessageBytes = 16 << 10
	geoCleanupWait  = 2 * time.Second
)

type Verifier interface {
	Verify(ctx context.Context, credential string) (auth.Identity, error)
}

type PresenceRegistry interface {
	Join(driverID, connID types.ID) (presence.Entry, bool, error)
	Leave(driverID, connID types.ID) bool
}

type LocationSink interface {
	Submit(ctx context.Context, sess location.Session, r location.Report) error
}

type GeoCleaner interface {
	RemoveGeo(ctx context.Context, driverID types.ID) error
}

type Deps struct {
	Verifier  Verifier
	Hub       *hub.Hub
	Presence  PresenceRegistry
	Locations LocationSink
	Geo       GeoCleaner
	Config    config.RealtimeConfig
	Log       *slog.Logger
}

type Router struct {
	verifier  Verifier
	hub       *hub.Hub
	presence  PresenceRegistry
	locations LocationSink
	geo       GeoCleaner
	cfg       config.RealtimeConfig
	log       *slog.Logger
	upgrader  websocket.Upgrader

	mu      sync.Mutex
	closing bool
	conns   sync.WaitGroup
}

func NewRouter(d Deps) *Router {
	return &Router{
		verifier:  d.Verifier,
		hub:       d.Hub,
		presence:  d.Presence,
		locations: d.Locations,
		geo:       d.Geo,
		cfg:       d.Config,
		log:       d.Log.With("component", "realtime"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// tracking clients are mobile apps and dashboards on other origins;
			// access is gated by the bearer credential instead
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// session is one admitted connection. identity and channel never change.
type session struct {
	id       types.ID
	identity auth.Identity
	channel  string
	conn     *websocket.Conn
	sub      *hub.Subscriber
}

type inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type connectedAck struct {
	Channel      string `json:"channel"`
	ConnectionID string `json:"connectionId"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// ServeWS authenticates the upgrade request before upgrading. Rejected
// requests get a plain HTTP 401 and never join a channel.
func (r *Router) ServeWS(c *gin.Context) {
	credential, err := auth.FromRequest(c.Request)
	if err != nil {
		r.reject(c, http.StatusUnauthorized, err)
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), r.cfg.AuthTimeout)
	identity, err := r.verifier.Verify(ctx, credential)
	cancel()
	if err != nil {
		status := http.StatusUnauthorized
		if auth.ReasonCode(err) == "authentication_error" {
			status = http.StatusServiceUnavailable
		}
		r.reject(c, status, err)
		return
	}
	channel, ok := channelFor(identity)
	if !ok {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "unsupported_role"})
		return
	}

	if !r.admit() {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "shutting_down"})
		return
	}
	defer r.conns.Done()

	conn, err := r.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// the upgrader has already written the HTTP error
		r.log.Warn("websocket upgrade failed", "user_id", identity.ID, "error", err)
		return
	}

	r.run(&session{
		id:       types.ID(uuid.NewString()),
		identity: identity,
		channel:  channel,
		conn:     conn,
	})
}

// admit registers a session unless Wait has started.
func (r *Router) admit() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closing {
		return false
	}
	r.conns.Add(1)
	return true
}

// Wait stops admitting sessions and blocks until every admitted connection
// has been torn down. Close the hub first so open sockets are told to go away.
func (r *Router) Wait() {
	r.mu.Lock()
	r.closing = true
	r.mu.Unlock()
	r.conns.Wait()
}

func (r *Router) reject(c *gin.Context, status int, err error) {
	code := auth.ReasonCode(err)
	r.log.Warn("websocket handshake rejected", "reason", code, "remote_addr", c.ClientIP(), "error", err)
	c.AbortWithStatusJSON(status, gin.H{"error": code})
}

func channelFor(id auth.Identity) (string, bool) {
	switch id.Role {
	case types.RoleDriver:
		return hub.DriverChannel(id.ID), true
	case types.RoleCustomer:
		return hub.CustomerChannel(id.ID), true
	case types.RoleAdmin:
		return hub.AdminChannel, true
	}
	return "", false
}

func (r *Router) run(s *session) {
	log := r.log.With("connection_id", s.id, "user_id", s.identity.ID, "role", s.identity.Role)
	s.sub = r.hub.Subscribe(s.channel)

	isDriver := s.identity.Role == types.RoleDriver
	if isDriver {
		prev, replaced, err := r.presence.Join(s.identity.ID, s.id)
		if err != nil {
			log.Warn("presence join refused", "error", err)
			r.hub.Unsubscribe(s.sub)
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(r.cfg.WriteTimeout))
			_ = s.conn.Close()
			return
		}
		if replaced {
			log.Info("driver reconnected, presence moved", "previous_connection_id", prev.ConnectionID)
		}
	}

	r.send(s, EventConnected, connectedAck{Channel: s.channel, ConnectionID: string(s.id)})
	log.Info("realtime client connected", "channel", s.channel)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		r.writeLoop(s, log)
	}()

	ctx, cancel := context.WithCancel(context.Background())
	r.readLoop(ctx, s, log)
	cancel()

	left := isDriver && r.presence.Leave(s.identity.ID, s.id)
	r.hub.Unsubscribe(s.sub)
	<-writerDone
	_ = s.conn.Close()

	if left {
		geoCtx, geoCancel := context.WithTimeout(context.Background(), geoCleanupWait)
		if err := r.geo.RemoveGeo(geoCtx, s.identity.ID); err != nil {
			log.Warn("remove driver from geo index failed", "error", err)
		}
		geoCancel()
	}
	log.Info("realtime client disconnected", "dropped_events", s.sub.Dropped())
}

func (r *Router) readLoop(ctx context.Context, s *session, log *slog.Logger) {
	s.conn.SetReadLimit(maxMessageBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(r.cfg.PongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(r.cfg.PongWait))
	})

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				log.Warn("realtime connection closed unexpectedly", "error", err)
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(r.cfg.PongWait))

		var msg inbound
		if err := json.Unmarshal(payload, &msg); err != nil {
			r.sendError(s, "Invalid message format")
			continue
		}
		r.dispatch(ctx, s, msg, log)
	}
}

// dispatch handles one inbound event. A panic is contained to this event.
func (r *Router) dispatch(ctx context.Context, s *session, msg inbound, log *slog.Logger) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("panic handling realtime event", "type", msg.Type, "panic", rec)
			r.sendError(s, "Failed to process event")
		}
	}()

	switch msg.Type {
	case location.EventDriverLocation:
		if s.identity.Role != types.RoleDriver {
			log.Debug("ignoring driver location from non-driver")
			return
		}
		var report location.Report
		if err := json.Unmarshal(msg.Data, &report); err != nil {
			r.sendError(s, location.ClientMessage(location.ErrInvalidPayload))
			return
		}
		sess := location.Session{DriverID: s.identity.ID, ConnectionID: s.id}
		if err := r.locations.Submit(ctx, sess, report); err != nil {
			r.sendError(s, location.ClientMessage(err))
		}
	default:
		log.Debug("ignoring unknown realtime event", "type", msg.Type)
	}
}

func (r *Router) writeLoop(s *session, log *slog.Logger) {
	ticker := time.NewTicker(r.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case msg := <-s.sub.Messages():
			_ = s.conn.SetWriteDeadline(time.Now().Add(r.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.Debug("realtime write failed", "error", err)
				_ = s.conn.Close()
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(r.cfg.WriteTimeout)); err != nil {
				_ = s.conn.Close()
				return
			}
		case <-s.sub.Done():
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(r.cfg.WriteTimeout))
			// unblocks the reader when the hub, not the client, ended the session
			_ = s.conn.Close()
			return
		}
	}
}

func (r *Router) send(s *session, eventType string, data any) {
	msg, err := hub.Encode(eventType, data)
	if err != nil {
		r.log.Error("encode realtime event failed", "type", eventType, "error", err)
		return
	}
	s.sub.Send(msg)
}

func (r *Router) sendError(s *session, message string) {
	r.send(s, EventError, errorPayload{Message: message})
}

