package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-bridge/internal/observability"
	"github.com/lexiqai/voice-bridge/internal/platform"
	"github.com/lexiqai/voice-bridge/internal/stream"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// The UI is served from a separate origin behind the same proxy
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Client message types
const (
	msgSynthesize = "synthesize"
	msgClose      = "close"
)

// Server message types. Audio itself is sent as one binary frame right
// before the "complete" message.
const (
	msgChunk    = "chunk"
	msgComplete = "complete"
	msgError    = "error"
)

// clientMessage is a text frame sent by a stream client
type clientMessage struct {
	Type string `json:"type"`
	platform.SynthesisRequest
}

// serverMessage is a text frame sent to a stream client
type serverMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	Bytes     int    `json:"bytes,omitempty"`
	Buffered  int    `json:"buffered,omitempty"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
}

// handleStream bridges one client websocket onto its own upstream
// transport. Requests from the client are served one at a time.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.streamDial == nil {
		writeError(w, http.StatusServiceUnavailable, "stream_disabled", "streaming endpoint is not configured")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade stream connection")
		return
	}

	sessionID := observability.NewCorrelationID()
	logger := s.logger.With().Str("session_id", sessionID).Logger()
	metrics := observability.NewSessionMetrics(sessionID)
	metrics.RecordSessionStart()

	cfg := s.streamConfig
	cfg.Logger = logger
	transport := stream.NewTransport(s.streamDial, cfg)

	logger.Info().Str("remote", r.RemoteAddr).Msg("Stream session opened")
	defer func() {
		transport.Close()
		conn.Close()
		metrics.RecordSessionEnd()
		logger.Info().Dur("duration", metrics.Duration()).Msg("Stream session closed")
	}()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn().Err(err).Msg("Stream client read failed")
			}
			return
		}
		if messageType != websocket.TextMessage {
			if err := send(conn, serverMessage{Type: msgError, Code: platform.CodeInvalidRequest, Message: "expected a JSON text frame"}); err != nil {
				return
			}
			continue
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			if err := send(conn, serverMessage{Type: msgError, Code: platform.CodeInvalidRequest, Message: "invalid JSON: " + err.Error()}); err != nil {
				return
			}
			continue
		}

		switch msg.Type {
		case msgSynthesize:
			if err := relay(r.Context(), conn, transport, metrics, logger, msg.SynthesisRequest); err != nil {
				logger.Warn().Err(err).Msg("Stream client write failed")
				return
			}
		case msgClose:
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		default:
			if err := send(conn, serverMessage{Type: msgError, Code: platform.CodeInvalidRequest, Message: "unknown message type " + msg.Type}); err != nil {
				return
			}
		}
	}
}

// relay sends one request upstream and forwards its events to the client.
// The returned error is a client write failure; upstream failures are
// reported to the client as error messages.
func relay(ctx context.Context, conn *websocket.Conn, transport *stream.Transport, metrics *observability.SessionMetrics, logger zerolog.Logger, req platform.SynthesisRequest) error {
	// Surface a reconnect give-up that happened between requests
	select {
	case err := <-transport.Errors():
		if werr := send(conn, serverMessage{Type: msgError, Code: errorCode(err), Message: err.Error()}); werr != nil {
			return werr
		}
	default:
	}

	metrics.RecordRequestStart()
	pending, err := transport.Send(ctx, req)
	if err != nil {
		metrics.RecordRequestEnd(false)
		return send(conn, serverMessage{Type: msgError, Code: errorCode(err), Message: err.Error()})
	}

	for ev := range pending.Events {
		switch ev.Type {
		case stream.EventChunk:
			err = send(conn, serverMessage{Type: msgChunk, RequestID: ev.RequestID, Bytes: ev.Bytes, Buffered: ev.Buffered})
		case stream.EventComplete:
			metrics.RecordRequestEnd(true)
			if err = conn.WriteMessage(websocket.BinaryMessage, ev.Audio); err == nil {
				err = send(conn, serverMessage{Type: msgComplete, RequestID: ev.RequestID, Bytes: len(ev.Audio)})
			}
			logger.Debug().Str("request_id", ev.RequestID).Int("bytes", len(ev.Audio)).Msg("Stream request relayed")
		case stream.EventError:
			metrics.RecordRequestEnd(false)
			err = send(conn, serverMessage{Type: msgError, RequestID: ev.RequestID, Code: errorCode(ev.Err), Message: ev.Err.Error()})
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func send(conn *websocket.Conn, msg serverMessage) error {
	return conn.WriteJSON(msg)
}

func errorCode(err error) string {
	var remote *stream.RemoteError
	var connErr *platform.ConnectionError
	var pe *platform.ProviderError
	switch {
	case errors.Is(err, platform.ErrReconnectExhausted):
		return "reconnect_exhausted"
	case errors.Is(err, stream.ErrBusy):
		return "busy"
	case errors.Is(err, stream.ErrDisconnected):
		return "disconnected"
	case errors.As(err, &remote):
		if remote.Code != "" {
			return remote.Code
		}
		return "upstream_error"
	case errors.As(err, &connErr):
		return "connection"
	case errors.As(err, &pe):
		return pe.Code
	}
	return "internal"
}
