package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/fitbuddy/internal/assistant"
	"github.com/antoniostano/fitbuddy/internal/config"
	"github.com/antoniostano/fitbuddy/internal/notify"
	"github.com/antoniostano/fitbuddy/internal/observability"
	"github.com/antoniostano/fitbuddy/internal/protocol"
	"github.com/antoniostano/fitbuddy/internal/store"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 120 * time.Second
	wsPingInterval = 50 * time.Second
)

type Server struct {
	cfg       config.Config
	assistant *assistant.Service
	store     store.Store
	hub       *notify.Hub
	metrics   *observability.Metrics
	upgrader  websocket.Upgrader
	logger    *slog.Logger

	// Idle subscribers are pinged so notifications still reach them.
	pingInterval time.Duration
}

func New(cfg config.Config, svc *assistant.Service, st store.Store, hub *notify.Hub, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:          cfg,
		assistant:    svc,
		store:        st,
		hub:          hub,
		metrics:      metrics,
		logger:       slog.Default().With(slog.String("component", "httpapi")),
		pingInterval: wsPingInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
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
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/v1/flows", s.handleListFlows)
	r.Get("/v1/activities", s.handleListActivities)
	r.Get("/v1/perf/latency", s.handlePerfLatency)
	r.Delete("/v1/perf/latency", s.handleResetPerfLatency)

	r.Route("/v1/users/{id}", func(r chi.Router) {
		r.Post("/events", s.handleEvent)
		r.Get("/ws", s.handleUserWS)
		r.Get("/state", s.handleState)
		r.Get("/stats", s.handleStats)
		r.Get("/history", s.handleHistory)
		r.Get("/reminders", s.handleListReminders)
		r.Delete("/reminders", s.handleDeleteReminders)
		r.Get("/reminders/{kind}", s.handleListReminders)
		r.Put("/reminders/{kind}", s.handleReplaceReminders)
		r.Delete("/reminders/{kind}", s.handleDeleteReminders)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"store_backend": s.store.Backend(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		respondError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"store_backend":   s.store.Backend(),
		"connected_users": s.hub.ConnectedUsers(),
	})
}

func (s *Server) handleListFlows(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"flows": s.assistant.Flows()})
}

func (s *Server) handleListActivities(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"activities": s.assistant.Catalog().Kinds()})
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	userID := userIDParam(r)
	var ev protocol.UserEvent
	if err := decodeJSON(r, &ev); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	ev.UserID = userID
	replies, err := s.assistant.Handle(r.Context(), ev)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_event", err.Error())
		return
	}
	status := http.StatusOK
	for _, msg := range replies {
		if _, ok := msg.(protocol.RateLimited); ok {
			status = http.StatusTooManyRequests
		}
	}
	respondJSON(w, status, map[string]any{"replies": replies})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.assistant.State(userIDParam(r)))
}

func (s *Server) handleUserWS(w http.ResponseWriter, r *http.Request) {
	userID := userIDParam(r)
	if userID == "" {
		respondError(w, http.StatusBadRequest, "invalid_user_id", "missing user id")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sub := s.hub.Subscribe(userID)
	defer sub.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	replies := make(chan any, 64)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ping := time.NewTicker(s.pingInterval)
		defer ping.Stop()
		for {
			var msg any
			select {
			case <-ctx.Done():
				return
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
					s.logger.Debug("websocket ping failed", slog.String("user_id", userID), slog.Any("error", err))
					cancel()
					return
				}
				continue
			case msg = <-replies:
			case m, ok := <-sub.C():
				if !ok {
					return
				}
				msg = m
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(msg); err != nil {
				s.logger.Debug("websocket write failed", slog.String("user_id", userID), slog.Any("error", err))
				cancel()
				return
			}
			if t, ok := protocol.TypeOf(msg); ok {
				s.metrics.IncWS("outbound", string(t))
			}
		}
	}()

	conn.SetReadLimit(64 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		if msgType != websocket.TextMessage {
			continue
		}
		var out []any
		ev, err := protocol.ParseUserEventFor(data, userID)
		if err == nil {
			s.metrics.IncWS("inbound", string(protocol.TypeUserEvent))
			out, err = s.assistant.Handle(ctx, ev)
		}
		if err != nil {
			out = []any{protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				UserID:    userID,
				Code:      "invalid_client_message",
				Source:    "gateway",
				Retryable: false,
				Detail:    err.Error(),
			}}
		}
		for _, msg := range out {
			select {
			case <-ctx.Done():
				break readLoop
			case replies <- msg:
			}
		}
	}

	cancel()
	<-writerDone
}

func userIDParam(r *http.Request) string {
	return strings.TrimSpace(chi.URLParam(r, "id"))
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
