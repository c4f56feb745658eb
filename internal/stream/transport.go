package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-bridge/internal/audio"
	"github.com/lexiqai/voice-bridge/internal/observability"
	"github.com/lexiqai/voice-bridge/internal/platform"
	"github.com/lexiqai/voice-bridge/internal/resilience"
)

// State is the connection state of a Transport
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateStreaming
	StateClosing
	StateClosed
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateReconnecting:
		return "reconnecting"
	}
	return "unknown"
}

var (
	// ErrBusy is returned by Send while another request is in flight
	ErrBusy = errors.New("stream transport already has a request in flight")

	// ErrDisconnected fails an in-flight request when Disconnect is called
	ErrDisconnected = errors.New("stream transport disconnected")
)

// EventType identifies a request event
type EventType int

const (
	// EventChunk reports that a binary frame was buffered. It carries sizes
	// only; audio is never handed out before completion.
	EventChunk EventType = iota
	// EventComplete carries the full reassembled audio
	EventComplete
	// EventError ends the request without audio
	EventError
)

// Event is delivered on a request's event channel. The channel is closed
// after exactly one EventComplete or EventError.
type Event struct {
	Type      EventType
	RequestID string
	Bytes     int    // EventChunk: size of the frame just buffered
	Buffered  int    // EventChunk: total buffered for the request
	Audio     []byte // EventComplete
	Err       error  // EventError
}

// eventBuffer bounds each request's event channel. One slot is always kept
// free for the terminal event.
const eventBuffer = 32

// Request is an in-flight synthesis request
type Request struct {
	ID     string
	Events <-chan Event
}

// Wait consumes events until the request ends and returns the audio
func (r *Request) Wait(ctx context.Context) ([]byte, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-r.Events:
			if !ok {
				return nil, ErrDisconnected
			}
			switch ev.Type {
			case EventComplete:
				return ev.Audio, nil
			case EventError:
				return nil, ev.Err
			}
		}
	}
}

type pending struct {
	id     string
	events chan Event
	buffer *audio.FrameBuffer
}

// finish delivers the terminal event and closes the channel
func (p *pending) finish(ev Event) {
	ev.RequestID = p.id
	p.events <- ev
	close(p.events)
}

// progress delivers a chunk event unless the consumer has fallen behind
func (p *pending) progress(ev Event) {
	ev.RequestID = p.id
	if len(p.events) < cap(p.events)-1 {
		p.events <- ev
	}
}

// Config configures a Transport
type Config struct {
	Endpoint       string // For error messages and logs
	Reconnect      *resilience.ReconnectConfig
	MaxBufferBytes int // Per request, 0 means unlimited
	Logger         zerolog.Logger
}

// Transport owns one persistent connection to a streaming synthesis
// endpoint. It carries one request at a time; callers wanting concurrency
// create more transports.
type Transport struct {
	dial   DialFunc
	config Config
	logger zerolog.Logger

	mu              sync.Mutex
	state           State
	conn            Conn
	generation      uint64
	epoch           uint64 // Bumped by Disconnect, fences dials started before it
	attempts        int
	manualClose     bool
	pending         *pending
	settled         chan struct{} // Closed when Connecting/Reconnecting ends
	connectErr      error
	cancelReconnect context.CancelFunc

	writeMu sync.Mutex
	errs    chan error
}

// NewTransport creates an idle transport. No connection is made until
// Connect or Send.
func NewTransport(dial DialFunc, config Config) *Transport {
	if config.Reconnect == nil {
		config.Reconnect = resilience.DefaultReconnectConfig()
	}
	return &Transport{
		dial:   dial,
		config: config,
		logger: config.Logger.With().Str("component", "stream-transport").Str("endpoint", config.Endpoint).Logger(),
		state:  StateIdle,
		errs:   make(chan error, 4),
	}
}

// State returns the current connection state
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// ReconnectAttempts returns the attempt number of the current or last
// reconnection cycle. It resets to zero on every successful connect.
func (t *Transport) ReconnectAttempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts
}

// Errors delivers transport level failures that have no request to report
// to, such as platform.ErrReconnectExhausted.
func (t *Transport) Errors() <-chan error {
	return t.errs
}

// Connect opens the connection. It is a no-op when already open, and waits
// for the outcome when a connect or reconnect is already under way.
func (t *Transport) Connect(ctx context.Context) error {
	for {
		t.mu.Lock()
		switch t.state {
		case StateOpen, StateStreaming:
			t.mu.Unlock()
			return nil

		case StateConnecting, StateReconnecting:
			settled := t.settled
			t.mu.Unlock()
			select {
			case <-settled:
			case <-ctx.Done():
				return ctx.Err()
			}
			t.mu.Lock()
			state, err, manual := t.state, t.connectErr, t.manualClose
			t.mu.Unlock()
			switch {
			case state == StateOpen || state == StateStreaming:
				return nil
			case err != nil:
				return err
			case manual:
				return ErrDisconnected
			}
			continue
		}

		// Idle, Closing or Closed: explicit connect re-initiates
		t.state = StateConnecting
		t.manualClose = false
		t.connectErr = nil
		t.settled = make(chan struct{})
		epoch := t.epoch
		t.mu.Unlock()

		conn, err := t.dial(ctx)

		t.mu.Lock()
		defer t.mu.Unlock()
		if t.epoch != epoch {
			// Disconnected while dialing; a later Connect may already own
			// the transport, so leave its state alone
			if err == nil {
				conn.Close()
			}
			return ErrDisconnected
		}
		if err != nil {
			t.state = StateClosed
			t.connectErr = &platform.ConnectionError{Endpoint: t.config.Endpoint, Err: err}
			t.settle()
			t.logger.Warn().Err(err).Msg("Stream connect failed")
			return t.connectErr
		}

		t.install(conn)
		t.logger.Info().Msg("Stream connected")
		return nil
	}
}

// install makes conn the live connection. Must be called with mu held.
func (t *Transport) install(conn Conn) {
	t.conn = conn
	t.generation++
	t.state = StateOpen
	t.attempts = 0
	t.settle()
	go t.readLoop(conn, t.generation)
}

// settle releases callers waiting on a connect or reconnect. Must be called
// with mu held.
func (t *Transport) settle() {
	if t.settled == nil {
		return
	}
	select {
	case <-t.settled:
	default:
		close(t.settled)
	}
}

// Send issues one synthesis request, connecting first if needed. The
// returned request's event channel ends with EventComplete or EventError.
// The request is not resent if the connection drops.
func (t *Transport) Send(ctx context.Context, req platform.SynthesisRequest) (*Request, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	req = req.Normalized()

	if err := t.Connect(ctx); err != nil {
		return nil, err
	}

	id := uuid.New().String()
	payload, err := encodeRequest(id, req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	t.mu.Lock()
	if t.pending != nil || t.state == StateStreaming {
		t.mu.Unlock()
		return nil, ErrBusy
	}
	if t.state != StateOpen || t.conn == nil {
		t.mu.Unlock()
		return nil, &platform.ConnectionError{Endpoint: t.config.Endpoint, Err: errors.New("connection not open")}
	}
	p := &pending{
		id:     id,
		events: make(chan Event, eventBuffer),
		buffer: audio.NewFrameBuffer(t.config.MaxBufferBytes),
	}
	t.pending = p
	t.state = StateStreaming
	conn := t.conn
	t.mu.Unlock()

	t.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, payload)
	t.writeMu.Unlock()

	if err != nil {
		t.mu.Lock()
		if t.pending == p {
			t.pending = nil
			if t.state == StateStreaming {
				t.state = StateOpen
			}
		}
		t.mu.Unlock()
		return nil, &platform.ConnectionError{Endpoint: t.config.Endpoint, Err: err}
	}

	t.logger.Debug().Str("request_id", id).Int("text_length", len(req.Text)).Msg("Stream request sent")
	return &Request{ID: id, Events: p.events}, nil
}

func (t *Transport) readLoop(conn Conn, generation uint64) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			t.handleClose(generation, err)
			return
		}
		t.handleFrame(generation, messageType, data)
	}
}

func (t *Transport) handleFrame(generation uint64, messageType int, data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if generation != t.generation {
		return
	}

	switch messageType {
	case websocket.BinaryMessage:
		observability.RecordStreamFrame("binary", len(data))
		p := t.pending
		if p == nil {
			t.logger.Debug().Int("bytes", len(data)).Msg("Dropping audio frame with no request in flight")
			return
		}
		if err := p.buffer.Append(data); err != nil {
			p.buffer.Reset()
			t.endRequest(Event{Type: EventError, Err: fmt.Errorf("request %s: %w", p.id, err)})
			return
		}
		p.progress(Event{Type: EventChunk, Bytes: len(data), Buffered: p.buffer.Len()})

	case websocket.TextMessage:
		observability.RecordStreamFrame("control", 0)
		frame, err := decodeControl(data)
		if err != nil {
			t.logger.Warn().Err(err).Msg("Ignoring malformed control frame")
			return
		}
		p := t.pending
		if p == nil || (frame.RequestID != "" && frame.RequestID != p.id) {
			t.logger.Debug().Str("type", frame.Type).Str("request_id", frame.RequestID).Msg("Ignoring control frame for no active request")
			return
		}

		switch frame.Type {
		case FrameComplete:
			audioData := p.buffer.Drain()
			t.endRequest(Event{Type: EventComplete, Audio: audioData})
			t.logger.Debug().Str("request_id", p.id).Int("bytes", len(audioData)).Msg("Stream request completed")
		case FrameError:
			p.buffer.Reset()
			t.endRequest(Event{Type: EventError, Err: &RemoteError{RequestID: p.id, Code: frame.Code, Message: frame.Message}})
			t.logger.Warn().Str("request_id", p.id).Str("code", frame.Code).Str("message", frame.Message).Msg("Stream request failed")
		}
	}
}

// endRequest finishes the in-flight request. Must be called with mu held.
func (t *Transport) endRequest(ev Event) {
	p := t.pending
	if p == nil {
		return
	}
	t.pending = nil
	if t.state == StateStreaming {
		t.state = StateOpen
	}
	p.finish(ev)
}

func (t *Transport) handleClose(generation uint64, cause error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if generation != t.generation {
		return
	}
	t.conn = nil

	if p := t.pending; p != nil {
		p.buffer.Reset()
		t.endRequest(Event{Type: EventError, Err: &platform.ConnectionError{Endpoint: t.config.Endpoint, Err: cause}})
	}

	if t.manualClose {
		t.state = StateClosed
		return
	}

	t.logger.Warn().Err(cause).Msg("Stream closed unexpectedly, reconnecting")
	t.state = StateReconnecting
	t.attempts = 0
	t.connectErr = nil
	t.settled = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	t.cancelReconnect = cancel
	go t.reconnect(ctx)
}

func (t *Transport) reconnect(ctx context.Context) {
	err := resilience.Reconnect(ctx, func(ctx context.Context, attempt int) error {
		t.mu.Lock()
		t.attempts = attempt
		t.mu.Unlock()

		t.logger.Info().Int("attempt", attempt).Msg("Reconnecting stream")
		conn, err := t.dial(ctx)
		observability.RecordReconnectAttempt(err == nil)
		if err != nil {
			return err
		}

		t.mu.Lock()
		defer t.mu.Unlock()
		if t.manualClose || ctx.Err() != nil {
			conn.Close()
			return ErrDisconnected
		}
		t.install(conn)
		t.cancelReconnect = nil
		t.logger.Info().Int("attempt", attempt).Msg("Stream reconnected")
		return nil
	}, t.config.Reconnect)

	if err == nil {
		return
	}

	t.mu.Lock()
	if t.manualClose || errors.Is(err, context.Canceled) || errors.Is(err, ErrDisconnected) {
		t.mu.Unlock()
		return
	}
	t.state = StateClosed
	t.cancelReconnect = nil
	t.connectErr = fmt.Errorf("%w: %v", platform.ErrReconnectExhausted, err)
	exhausted := t.connectErr
	t.settle()
	t.mu.Unlock()

	t.logger.Error().Err(err).Int("attempts", t.config.Reconnect.MaxAttempts).Msg("Stream reconnect attempts exhausted")
	observability.RecordError("reconnect_exhausted", "stream")
	select {
	case t.errs <- exhausted:
	default:
	}
}

// Disconnect closes the connection and suppresses reconnection. Any buffered
// frames are discarded and an in-flight request fails with ErrDisconnected.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	t.manualClose = true
	t.epoch++
	if t.cancelReconnect != nil {
		t.cancelReconnect()
		t.cancelReconnect = nil
	}
	if p := t.pending; p != nil {
		p.buffer.Reset()
		t.endRequest(Event{Type: EventError, Err: ErrDisconnected})
	}

	conn := t.conn
	t.conn = nil
	t.generation++ // The read loop's close is now stale
	if conn != nil {
		t.state = StateClosing
	} else {
		t.state = StateClosed
	}
	t.settle()
	t.mu.Unlock()

	if conn == nil {
		return nil
	}

	t.writeMu.Lock()
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	t.writeMu.Unlock()
	err := conn.Close()

	t.mu.Lock()
	if t.state == StateClosing {
		t.state = StateClosed
	}
	t.mu.Unlock()

	t.logger.Info().Msg("Stream disconnected")
	return err
}

// Close is Disconnect
func (t *Transport) Close() error {
	return t.Disconnect()
}
