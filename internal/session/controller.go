package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"ivbench/internal/protocol"
)

const defaultGraceDelay = 100 * time.Millisecond

// Options configures a Controller.
type Options struct {
	// Dialer opens transports. Defaults to WebSocketDialer.
	Dialer Dialer
	// GraceDelay is how long a disconnect waits for in-flight frames
	// before closing the transport.
	GraceDelay time.Duration
	Observer   Observer
}

// Controller owns at most one transport to the backend and drives the
// measurement protocol over it.
type Controller struct {
	dialer   Dialer
	grace    time.Duration
	observer Observer

	// connectMu serializes Connect calls.
	connectMu sync.Mutex

	mu         sync.Mutex
	state      State
	sessionID  string
	endpoint   string
	transport  Transport
	gen        uint64
	data       []protocol.DataPoint
	stopSent   bool
	closing    bool
	earlyClose error
	lastErr    error
}

// NewController creates a Controller in the Disconnected state.
func NewController(opts Options) *Controller {
	if opts.Dialer == nil {
		opts.Dialer = WebSocketDialer{}
	}
	if opts.GraceDelay <= 0 {
		opts.GraceDelay = defaultGraceDelay
	}
	return &Controller{
		dialer:   opts.Dialer,
		grace:    opts.GraceDelay,
		observer: opts.Observer,
		state:    StateDisconnected,
	}
}

// Connect opens a transport to endpoint and starts a new session. It is a
// no-op while a session is Connected or Measuring. While a disconnect is
// pending it fails with a TransportError wrapping ErrClosing.
func (c *Controller) Connect(ctx context.Context, endpoint string) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.Lock()
	switch {
	case c.state == StateConnected || c.state == StateMeasuring:
		sessionID := c.sessionID
		c.mu.Unlock()
		log.Debug().Str("session", sessionID).Msg("already connected")
		return nil
	case c.closing:
		c.mu.Unlock()
		return &TransportError{Endpoint: endpoint, Err: ErrClosing}
	}
	c.gen++
	gen := c.gen
	c.state = StateConnecting
	c.earlyClose = nil
	c.mu.Unlock()
	c.notifyState()

	t, err := c.dialer.Dial(ctx, endpoint,
		func(raw []byte) { c.deliver(gen, raw) },
		func(err error) { c.transportClosed(gen, err) },
	)
	if err != nil {
		return c.connectFailed(&TransportError{Endpoint: endpoint, Err: err})
	}

	c.mu.Lock()
	if c.earlyClose != nil {
		closeErr := c.earlyClose
		c.mu.Unlock()
		t.Close()
		return c.connectFailed(&TransportError{Endpoint: endpoint, Err: closeErr})
	}
	c.transport = t
	c.endpoint = endpoint
	c.sessionID = uuid.NewString()
	c.data = nil
	c.stopSent = false
	c.lastErr = nil
	c.state = StateConnected
	sessionID := c.sessionID
	c.mu.Unlock()

	log.Info().Str("session", sessionID).Str("endpoint", endpoint).Msg("session connected")
	c.notifyState()
	return nil
}

func (c *Controller) connectFailed(err *TransportError) error {
	c.mu.Lock()
	c.state = StateDisconnected
	c.lastErr = err
	c.mu.Unlock()

	log.Error().Err(err).Msg("session connect failed")
	c.notifyState()
	return err
}

// StartMeasurement sends the start command. It returns false without
// sending anything unless the session is Connected.
func (c *Controller) StartMeasurement(cfg protocol.MeasurementConfig) bool {
	c.mu.Lock()
	if c.state != StateConnected || c.closing || c.transport == nil {
		state := c.state
		c.mu.Unlock()
		log.Warn().Str("state", string(state)).Msg("cannot start measurement")
		return false
	}

	payload, err := protocol.EncodeStart(cfg)
	if err != nil {
		c.mu.Unlock()
		log.Error().Err(err).Msg("encode start command")
		return false
	}
	if err := c.transport.Send(payload); err != nil {
		c.mu.Unlock()
		log.Error().Err(err).Msg("send start command")
		return false
	}
	c.state = StateMeasuring
	sessionID := c.sessionID
	c.mu.Unlock()

	log.Info().Str("session", sessionID).Str("port", cfg.Port).Int("iterations", cfg.Iterations).Msg("measurement started")
	c.notifyState()
	return true
}

// StopMeasurement ends the measurement and the session. It is the same
// sequence as Disconnect.
func (c *Controller) StopMeasurement() {
	c.Disconnect()
}

// deliver forwards a frame from the transport of connection gen.
func (c *Controller) deliver(gen uint64, raw []byte) {
	c.mu.Lock()
	current := gen == c.gen
	c.mu.Unlock()
	if !current {
		return
	}
	c.OnMessage(raw)
}

// OnMessage classifies one inbound frame and applies it to the session.
// Frames that are neither data nor sentinel are logged and dropped.
func (c *Controller) OnMessage(raw []byte) {
	c.mu.Lock()
	sessionID := c.sessionID
	c.mu.Unlock()
	c.notify(Event{Kind: EventMessage, SessionID: sessionID, Raw: string(raw)})

	in := protocol.Classify(raw)
	switch in.Kind {
	case protocol.KindData:
		c.mu.Lock()
		if c.state != StateMeasuring && c.state != StateFinishing {
			state := c.state
			c.mu.Unlock()
			log.Debug().Str("state", string(state)).Msg("dropping data point outside a measurement")
			return
		}
		c.data = append(c.data, in.Point)
		idx := len(c.data) - 1
		c.mu.Unlock()
		c.notify(Event{Kind: EventData, SessionID: sessionID, Index: idx, Point: in.Point})

	case protocol.KindSentinel:
		c.mu.Lock()
		if c.state != StateMeasuring {
			state := c.state
			c.mu.Unlock()
			log.Debug().Str("state", string(state)).Msg("ignoring finish sentinel")
			return
		}
		c.state = StateFinishing
		n := len(c.data)
		c.mu.Unlock()

		log.Info().Str("session", sessionID).Int("points", n).Msg("measurement finished")
		c.notifyState()
		c.disconnect(false)

	default:
		log.Warn().Str("session", sessionID).Str("reason", in.Reason).Str("frame", truncate(string(raw), 200)).
			Msg("dropping unrecognized frame")
	}
}

// Disconnect ends the session: a stop command is sent if a measurement
// is running, then the transport is closed after the grace delay. Calling
// it again, or while Disconnected, does nothing.
func (c *Controller) Disconnect() {
	c.disconnect(true)
}

// disconnect runs the disconnect sequence. With wait false the close
// happens on a timer so the caller, usually the transport's read loop,
// keeps delivering frames during the grace delay.
func (c *Controller) disconnect(wait bool) {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	if c.transport == nil {
		if c.state == StateError {
			c.state = StateDisconnected
			c.mu.Unlock()
			c.notifyState()
			return
		}
		c.mu.Unlock()
		return
	}
	c.closing = true
	t := c.transport
	gen := c.gen
	sessionID := c.sessionID
	sendStop := c.state == StateMeasuring && !c.stopSent
	if sendStop {
		c.stopSent = true
	}
	c.mu.Unlock()

	if sendStop {
		// Best effort; the transport may already be failing.
		if err := t.Send(protocol.EncodeStop()); err != nil {
			log.Debug().Err(err).Str("session", sessionID).Msg("send stop command")
		}
	}

	if !wait {
		time.AfterFunc(c.grace, func() { c.finishDisconnect(gen) })
		return
	}
	time.Sleep(c.grace)
	c.finishDisconnect(gen)
}

func (c *Controller) finishDisconnect(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || !c.closing {
		c.mu.Unlock()
		return
	}
	t := c.transport
	c.transport = nil
	c.closing = false
	c.state = StateDisconnected
	sessionID := c.sessionID
	c.mu.Unlock()

	if t != nil {
		if err := t.Close(); err != nil {
			log.Debug().Err(err).Str("session", sessionID).Msg("close transport")
		}
	}
	log.Info().Str("session", sessionID).Msg("session disconnected")
	c.notifyState()
}

// transportClosed handles a transport that ended on its own.
func (c *Controller) transportClosed(gen uint64, err error) {
	if err == nil {
		err = errors.New("connection closed by backend")
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	if c.state == StateConnecting {
		c.earlyClose = err
		c.mu.Unlock()
		return
	}
	if c.closing || c.transport == nil {
		c.mu.Unlock()
		return
	}
	c.transport = nil
	c.state = StateError
	terr := &TransportError{Endpoint: c.endpoint, Err: err}
	c.lastErr = terr
	sessionID := c.sessionID
	c.mu.Unlock()

	log.Error().Err(terr).Str("session", sessionID).Msg("session transport failed")
	c.notifyState()
	c.notify(Event{Kind: EventError, SessionID: sessionID, State: StateError, Err: terr})
}

// Send writes a raw frame to the backend.
func (c *Controller) Send(raw []byte) error {
	c.mu.Lock()
	t := c.transport
	c.mu.Unlock()
	if t == nil {
		return ErrNotConnected
	}
	return t.Send(raw)
}

// State returns the current session state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the id of the current or most recent session.
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// IsConnected reports whether a transport is open.
func (c *Controller) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transport != nil && (c.state == StateConnected || c.state == StateMeasuring || c.state == StateFinishing)
}

// LastError returns the error that ended the last connect or session.
func (c *Controller) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Data returns a copy of the session's data points in arrival order.
func (c *Controller) Data() []protocol.DataPoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.DataPoint(nil), c.data...)
}

func (c *Controller) notifyState() {
	c.mu.Lock()
	ev := Event{Kind: EventState, SessionID: c.sessionID, State: c.state, Err: c.lastErr}
	c.mu.Unlock()
	c.notify(ev)
}

func (c *Controller) notify(ev Event) {
	if c.observer != nil {
		c.observer.OnSessionEvent(ev)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
