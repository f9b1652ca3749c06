// Package bridge exposes the supervisor and the measurement session to the
// UI over HTTP and a WebSocket event stream.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"ivbench/internal/ports"
	"ivbench/internal/protocol"
	"ivbench/internal/session"
	"ivbench/internal/supervisor"
)

const (
	pingInterval   = 30 * time.Second
	readDeadline   = 60 * time.Second
	writeDeadline  = 10 * time.Second
	connectTimeout = 10 * time.Second
	clientBufSize  = 256
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // The UI is served from a local origin.
	},
}

// Backend is the process control surface the bridge drives.
type Backend interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context)
	Snapshot() supervisor.Snapshot
	Resources(ctx context.Context) (supervisor.Resources, error)
	Output(runID string, tail int) []supervisor.Event
	Subscribe() (string, <-chan supervisor.Event, []supervisor.Event)
	Unsubscribe(subID string)
}

// Session is the measurement session surface the bridge drives.
type Session interface {
	Connect(ctx context.Context, endpoint string) error
	Disconnect()
	Send(raw []byte) error
	StartMeasurement(cfg protocol.MeasurementConfig) bool
	StopMeasurement()
	State() session.State
	SessionID() string
	IsConnected() bool
	Data() []protocol.DataPoint
	LastError() error
}

// Options configures a Server.
type Options struct {
	// SessionURL is used when a connect request names no endpoint.
	SessionURL string
	StaticDir  string
	// ListPorts defaults to ports.List.
	ListPorts func() ([]ports.Port, error)
}

// Server routes UI requests to the supervisor and the session controller
// and streams their events to WebSocket clients.
type Server struct {
	backend    Backend
	sessionURL string
	staticDir  string
	listPorts  func() ([]ports.Port, error)

	sessionMu sync.RWMutex
	session   Session

	clients   map[*client]bool
	clientsMu sync.RWMutex
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	server *Server
}

// New creates a bridge server. A session must be bound with BindSession
// before session routes succeed.
func New(backend Backend, opts Options) *Server {
	if opts.ListPorts == nil {
		opts.ListPorts = ports.List
	}
	return &Server{
		backend:    backend,
		sessionURL: opts.SessionURL,
		staticDir:  opts.StaticDir,
		listPorts:  opts.ListPorts,
		clients:    make(map[*client]bool),
	}
}

// BindSession attaches the session controller. The controller should be
// created with this Server as its Observer.
func (s *Server) BindSession(sess Session) {
	s.sessionMu.Lock()
	s.session = sess
	s.sessionMu.Unlock()
}

func (s *Server) currentSession() Session {
	s.sessionMu.RLock()
	defer s.sessionMu.RUnlock()
	return s.session
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// WebSocket event stream.
	mux.HandleFunc("/ws", s.handleWebSocket)

	// REST API endpoints.
	mux.HandleFunc("GET /ports", s.handleListPorts)
	mux.HandleFunc("GET /backend", s.handleGetBackend)
	mux.HandleFunc("GET /backend/resources", s.handleBackendResources)
	mux.HandleFunc("GET /backend/output", s.handleBackendOutput)
	mux.HandleFunc("POST /backend/start", s.handleStartBackend)
	mux.HandleFunc("POST /backend/stop", s.handleStopBackend)
	mux.HandleFunc("GET /session", s.handleGetSession)
	mux.HandleFunc("POST /session/connect", s.handleConnect)
	mux.HandleFunc("POST /session/disconnect", s.handleDisconnect)
	mux.HandleFunc("POST /session/send", s.handleSend)
	mux.HandleFunc("POST /measurement/start", s.handleStartMeasurement)
	mux.HandleFunc("POST /measurement/stop", s.handleStopMeasurement)

	// Static file serving.
	if s.staticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(s.staticDir)))
	}

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Run relays supervisor events to WebSocket clients until ctx is done.
func (s *Server) Run(ctx context.Context) {
	subID, events, _ := s.backend.Subscribe()
	defer s.backend.Unsubscribe(subID)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.relayBackendEvent(ev)
		}
	}
}

func (s *Server) relayBackendEvent(ev supervisor.Event) {
	switch ev.Type {
	case supervisor.EventStdout, supervisor.EventStderr:
		s.broadcastType(protocol.TypeBackendOutput, protocol.BackendOutputPayload{
			RunID:  ev.RunID,
			Stream: string(ev.Type),
			Data:   ev.Data,
		})
	default:
		s.broadcastType(protocol.TypeBackendState, backendState(s.backend.Snapshot()))
	}
}

// OnSessionEvent forwards session controller events to WebSocket clients.
func (s *Server) OnSessionEvent(ev session.Event) {
	switch ev.Kind {
	case session.EventState:
		s.broadcastType(protocol.TypeSessionState, sessionState(ev.SessionID, ev.State, ev.Err))
	case session.EventData:
		s.broadcastType(protocol.TypeSessionData, protocol.SessionDataPayload{
			SessionID: ev.SessionID,
			Index:     ev.Index,
			Point:     ev.Point,
		})
	case session.EventMessage:
		s.broadcastType(protocol.TypeSessionMessage, protocol.SessionMessagePayload{
			SessionID: ev.SessionID,
			Raw:       ev.Raw,
		})
	case session.EventError:
		msg := "session transport failed"
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		if m, err := protocol.NewErrorMessage(protocol.ErrTransport, msg); err == nil {
			s.broadcast(m)
		}
	}
}

func backendState(snap supervisor.Snapshot) protocol.BackendStatePayload {
	p := protocol.BackendStatePayload{
		State:    string(snap.State),
		PID:      snap.PID,
		RunID:    snap.RunID,
		ExitCode: snap.ExitCode,
		Ready:    snap.Ready,
	}
	if snap.LastError != nil {
		p.LastError = snap.LastError.Error()
	}
	return p
}

func sessionState(id string, state session.State, err error) protocol.SessionStatePayload {
	p := protocol.SessionStatePayload{SessionID: id, State: string(state)}
	if err != nil {
		p.Error = err.Error()
	}
	return p
}

// handleWebSocket upgrades an HTTP connection to WebSocket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade error")
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan []byte, clientBufSize),
		server: s,
	}

	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()

	// Send the current state so the UI does not wait for the next change.
	s.sendTo(c, protocol.TypeBackendState, backendState(s.backend.Snapshot()))
	if sess := s.currentSession(); sess != nil {
		s.sendTo(c, protocol.TypeSessionState, sessionState(sess.SessionID(), sess.State(), sess.LastError()))
	}

	go c.writePump()
	go c.readPump()
}

// readPump reads messages from the WebSocket connection.
func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Msg("websocket read error")
			}
			return
		}

		c.server.handleMessage(c, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// removeClient cleans up a disconnected client.
func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	close(c.send)
	s.clientsMu.Unlock()
}

// handleMessage processes a validated client message.
func (s *Server) handleMessage(c *client, raw []byte) {
	msg, err := protocol.ValidateClientMessage(raw)
	if err != nil {
		code := protocol.ErrInvalidMessage
		if protocol.IsConfigError(err) {
			code = protocol.ErrInvalidConfig
		}
		s.sendError(c, code, err.Error())
		return
	}

	sess := s.currentSession()
	if sess == nil {
		s.sendError(c, protocol.ErrNotConnected, "no session controller")
		return
	}

	switch msg.Type {
	case protocol.TypeSessionConnect:
		var payload protocol.SessionConnectPayload
		if msg.Payload != nil {
			json.Unmarshal(msg.Payload, &payload)
		}
		if code, err := s.connect(sess, payload.URL); err != nil {
			s.sendError(c, code, err.Error())
		}

	case protocol.TypeSessionDisconnect:
		sess.Disconnect()

	case protocol.TypeMeasurementStart:
		var payload protocol.MeasurementStartPayload
		json.Unmarshal(msg.Payload, &payload)
		if !sess.StartMeasurement(payload.Config) {
			s.sendError(c, protocol.ErrNotConnected, "measurement not started: session is "+string(sess.State()))
		}

	case protocol.TypeMeasurementStop:
		sess.StopMeasurement()
	}
}

// connect checks that the backend is running before opening the session.
func (s *Server) connect(sess Session, url string) (string, error) {
	if st := s.backend.Snapshot().State; st != supervisor.StateRunning {
		return protocol.ErrBackendNotRunning, fmt.Errorf("backend is %s", st)
	}
	if url == "" {
		url = s.sessionURL
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := sess.Connect(ctx, url); err != nil {
		return protocol.ErrTransport, err
	}
	return "", nil
}

func (s *Server) sendError(c *client, code, message string) {
	msg, err := protocol.NewErrorMessage(code, message)
	if err != nil {
		return
	}
	s.sendMessage(c, msg)
}

func (s *Server) sendTo(c *client, msgType string, payload any) {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		return
	}
	s.sendMessage(c, msg)
}

func (s *Server) sendMessage(c *client, msg *protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	if !s.clients[c] {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (s *Server) broadcastType(msgType string, payload any) {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		return
	}
	s.broadcast(msg)
}

// broadcast sends a message to all connected clients.
func (s *Server) broadcast(msg *protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for c := range s.clients {
		select {
		case c.send <- data:
		default:
			// Client buffer full, skip.
		}
	}
}
