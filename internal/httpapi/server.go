package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/antoniostano/stroop/internal/config"
	"github.com/antoniostano/stroop/internal/display"
	"github.com/antoniostano/stroop/internal/marker"
	"github.com/antoniostano/stroop/internal/observability"
	"github.com/antoniostano/stroop/internal/protocol"
	"github.com/antoniostano/stroop/internal/results"
	"github.com/antoniostano/stroop/internal/session"
)

// Runner starts and aborts blocks on behalf of the command API.
type Runner interface {
	Start(ctx context.Context, req session.RunRequest) (*session.Session, error)
	Abort(sessionID, reason string) error
}

type Deps struct {
	Sessions *session.Manager
	Runner   Runner
	Store    results.Store
	Markers  *marker.Hub
	Display  *display.Browser
	Metrics  *observability.Metrics
	// Gatherer serves /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

type Server struct {
	cfg      config.Config
	sessions *session.Manager
	runner   Runner
	store    results.Store
	markers  *marker.Hub
	display  *display.Browser
	metrics  *observability.Metrics
	gatherer prometheus.Gatherer
	logger   *zap.Logger
	upgrader websocket.Upgrader
	static   http.Handler
}

func New(cfg config.Config, deps Deps) *Server {
	return &Server{
		cfg:      cfg,
		sessions: deps.Sessions,
		runner:   deps.Runner,
		store:    deps.Store,
		markers:  deps.Markers,
		display:  deps.Display,
		metrics:  deps.Metrics,
		gatherer: deps.Gatherer,
		logger:   observability.OrNop(deps.Logger).Named("httpapi"),
		static:   newStaticHandler(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only the page served by this process may drive the display.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients (recorders, scripts) omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/ui/", http.StatusTemporaryRedirect)
	})
	r.Get("/ui", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/ui/", http.StatusTemporaryRedirect)
	})
	r.Handle("/ui/*", http.StripPrefix("/ui/", s.static))

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		if s.gatherer != nil {
			observability.MetricsHandlerFor(s.gatherer).ServeHTTP(w, r)
			return
		}
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/blocks", s.handleCreateBlock)
		r.Get("/blocks", s.handleListBlocks)
		r.Get("/blocks/{id}", s.handleGetBlock)
		r.Post("/blocks/{id}/abort", s.handleAbortBlock)
		r.Get("/blocks/{id}/result", s.handleBlockResult)
		r.Get("/blocks/{id}/reactions.csv", s.handleBlockCSV)
		r.Get("/results", s.handleListResults)
		r.Get("/markers/ws", s.handleMarkersWS)
		r.Get("/display/ws", s.handleDisplayWS)
		r.Get("/display/settings", s.handleDisplaySettings)
		r.Get("/perf/reactions", s.handlePerfReactions)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"active_blocks": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.runner == nil || s.store == nil {
		respondError(w, http.StatusServiceUnavailable, "not_ready", "runner or result store not configured")
		return
	}
	payload := map[string]any{
		"status":        "ready",
		"store_mode":    storeMode(s.store),
		"active_blocks": s.sessions.ActiveCount(),
	}
	if s.display != nil {
		payload["display_viewers"] = s.display.Viewers()
	}
	if s.markers != nil {
		payload["marker_subscribers"] = s.markers.Subscribers()
		payload["markers_dropped"] = s.markers.Dropped()
	}
	respondJSON(w, http.StatusOK, payload)
}

// handleMarkersWS streams every marker to the client, the network
// counterpart of the recording stream.
func (s *Server) handleMarkersWS(w http.ResponseWriter, r *http.Request) {
	if s.markers == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "marker stream not configured")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sub := s.markers.Subscribe(256)
	defer sub.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go s.drainReads(conn, cancel)

	for {
		select {
		case <-ctx.Done():
			return
		case sample, ok := <-sub.C():
			if !ok {
				return
			}
			msg := protocol.Marker{
				Type:  protocol.TypeMarker,
				Seq:   sample.Seq,
				Code:  sample.Code,
				Label: sample.Label,
				TSUs:  sample.At.UnixMicro(),
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(msg); err != nil {
				s.logger.Debug("marker socket write failed", zap.Error(err))
				return
			}
			s.countWS("outbound", protocol.TypeMarker)
		}
	}
}

// drainReads consumes control frames so pings and close are processed.
func (s *Server) drainReads(conn *websocket.Conn, done context.CancelFunc) {
	defer done()
	conn.SetReadLimit(4096)
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

// handleDisplayWS attaches a viewer to the browser display. Frames flow
// out; key events flow in and are stamped on arrival.
func (s *Server) handleDisplayWS(w http.ResponseWriter, r *http.Request) {
	if s.display == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "browser display not configured")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	frames, detach := s.display.Attach(64)
	defer detach()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	replies := make(chan any, 16)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			var msg any
			select {
			case <-ctx.Done():
				return
			case m, ok := <-frames:
				if !ok {
					return
				}
				msg = m
			case m := <-replies:
				msg = m
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(msg); err != nil {
				cancel()
				return
			}
			if t, ok := messageTypeOf(msg); ok {
				s.countWS("outbound", t)
			}
		}
	}()

	conn.SetReadLimit(64 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			select {
			case replies <- protocol.ErrorEvent{Type: protocol.TypeErrorEvent, Code: "invalid_client_message", Detail: err.Error()}:
			default:
			}
			continue
		}
		if ev, ok := parsed.(protocol.KeyEvent); ok {
			s.countWS("inbound", protocol.TypeKeyEvent)
			if !s.display.HandleKey(ev) {
				s.logger.Debug("key event ignored", zap.String("key", ev.Key), zap.String("action", ev.Action))
			}
		}
	}

	cancel()
	<-writerDone
}

func (s *Server) countWS(direction string, t protocol.MessageType) {
	if s.metrics == nil {
		return
	}
	s.metrics.WSMessages.WithLabelValues(direction, string(t)).Inc()
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func storeMode(store results.Store) string {
	switch store.(type) {
	case *results.PostgresStore:
		return "postgres"
	case *results.SQLiteStore:
		return "sqlite"
	case *results.InMemoryStore:
		return "in-memory"
	default:
		return "custom"
	}
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.Frame:
		return m.Type, true
	case protocol.DisplayClosed:
		return m.Type, true
	case protocol.Marker:
		return m.Type, true
	case protocol.KeyEvent:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
