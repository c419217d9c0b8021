// Package ws serves the engine's RPC operations over a websocket conduit.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/CuteLeaf/BuildingMomo-sub000/internal/engine"
	"github.com/CuteLeaf/BuildingMomo-sub000/internal/metrics"
	"github.com/CuteLeaf/BuildingMomo-sub000/internal/protocol"
	"github.com/CuteLeaf/BuildingMomo-sub000/internal/validation"
	"github.com/CuteLeaf/BuildingMomo-sub000/internal/workspace"
)

const (
	handshakeTimeout = 5 * time.Second
	readTimeout      = 60 * time.Second
	writeTimeout     = 5 * time.Second
	requestTimeout   = 30 * time.Second
	outQueue         = 32
)

// Backend is the set of engine operations the conduit exposes.
type Backend interface {
	InitWorkspace(ctx context.Context, snap workspace.Snapshot) error
	UpdateState(ctx context.Context, p workspace.UpdatePayload) (engine.UpdateStateResult, error)
	UpdateSettings(ctx context.Context, patch workspace.SettingsPatch) (engine.UpdateSettingsResult, error)
	UpdateBuildableAreas(ctx context.Context, areas workspace.BuildableAreaSet) (engine.UpdateBuildableAreasResult, error)
	Revalidate(ctx context.Context) (validation.Result, error)
	Validate(ctx context.Context, items []workspace.Item, settings *workspace.Settings) (validation.Result, error)
	Settings(ctx context.Context) (workspace.Settings, error)
	Subscribe(fn func(engine.SaveEvent)) (cancel func())
}

type Server struct {
	eng     Backend
	log     *slog.Logger
	metrics *metrics.Metrics

	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[*websocket.Conn]struct{}
	closed bool
}

func NewServer(eng Backend, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		eng:     eng,
		log:     logger.With("component", "ws"),
		metrics: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		conns: map[*websocket.Conn]struct{}{},
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if !s.track(conn) {
			return
		}
		defer s.untrack(conn)

		sessionID, ok := s.handshake(conn)
		if !ok {
			return
		}
		log := s.log.With("session", sessionID)
		log.Info("client connected", "remote", r.RemoteAddr)
		if s.metrics != nil {
			s.metrics.Connections.Inc()
			defer s.metrics.Connections.Dec()
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		out := make(chan []byte, outQueue)

		// Writer goroutine.
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case b := <-out:
					_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						_ = conn.Close()
						return
					}
				}
			}
		}()

		unsubscribe := s.eng.Subscribe(func(ev engine.SaveEvent) {
			b, err := json.Marshal(protocol.SavedMsg{
				Type:   protocol.TypeSaved,
				At:     ev.At.UnixMilli(),
				OK:     ev.OK,
				Bytes:  ev.Bytes,
				Reason: ev.Reason,
			})
			if err != nil {
				return
			}
			// Best effort: a slow client misses notifications rather than stalling the engine.
			select {
			case out <- b:
			default:
			}
		})
		defer unsubscribe()

		// Reader loop. Requests are served one at a time, in arrival order.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			res := s.serve(msg)
			b, err := json.Marshal(res)
			if err != nil {
				log.Error("encode response", "id", res.ID, "err", err)
				continue
			}
			select {
			case out <- b:
			case <-ctx.Done():
			}
			if ctx.Err() != nil {
				break
			}
		}

		cancel()
		wg.Wait()
		log.Info("client disconnected")
	}
}

// Shutdown closes every open connection and refuses new ones.
func (s *Server) Shutdown() {
	s.mu.Lock()
	s.closed = true
	for c := range s.conns {
		_ = c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		_ = c.Close()
	}
	s.mu.Unlock()
}

func (s *Server) track(c *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) handshake(conn *websocket.Conn) (string, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return "", false
	}
	if err := protocol.ValidateHello(msg); err != nil {
		closeWith(conn, "expected HELLO")
		return "", false
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		closeWith(conn, "expected HELLO")
		return "", false
	}
	if hello.ProtocolVersion != protocol.Version {
		closeWith(conn, "bad protocolVersion")
		return "", false
	}

	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	defer cancel()
	settings, err := s.eng.Settings(ctx)
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "engine unavailable"),
			time.Now().Add(time.Second))
		return "", false
	}

	sessionID := uuid.NewString()
	if err := writeJSON(conn, protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       sessionID,
		SchemaVersion:   workspace.SchemaVersion,
		Settings:        settings,
	}); err != nil {
		return "", false
	}
	if hello.ClientName != "" {
		s.log.Debug("hello", "session", sessionID, "client", hello.ClientName)
	}
	return sessionID, true
}

func closeWith(conn *websocket.Conn, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason),
		time.Now().Add(time.Second))
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, b)
}
