package dispatcher

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aethercore/kernel/pkg/auth"
	"github.com/aethercore/kernel/pkg/cluster"
	"github.com/aethercore/kernel/pkg/eventbus"
	"github.com/aethercore/kernel/pkg/log"
	"github.com/aethercore/kernel/pkg/metrics"
	"github.com/aethercore/kernel/pkg/types"
)

// Server is the kernel's HTTP/WebSocket front door: plain health endpoints
// reused from pkg/api/health.go's net/http.Server shape, plus a WebSocket
// upgrade endpoint that pairs one ConnBuffer with one Dispatcher, and,
// when running in a cluster role, the hub/node HTTP handlers mounted on
// the same mux.
type Server struct {
	dispatcher *Dispatcher
	bus        *eventbus.Bus
	cluster    *cluster.Manager
	auth       *auth.Manager
	upgrader   websocket.Upgrader
	mux        *http.ServeMux
}

// NewServer wires the dispatcher, event bus, RBAC manager (optionally nil,
// which disables authentication entirely) and cluster manager (optionally
// nil) into one HTTP server.
func NewServer(d *Dispatcher, bus *eventbus.Bus, clusterMgr *cluster.Manager, authMgr *auth.Manager) *Server {
	s := &Server{
		dispatcher: d,
		bus:        bus,
		cluster:    clusterMgr,
		auth:       authMgr,
		upgrader:   websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		mux:        http.NewServeMux(),
	}

	s.mux.HandleFunc("/health", s.healthHandler)
	s.mux.HandleFunc("/ready", s.readyHandler)
	s.mux.Handle("/metrics", metrics.Handler())
	s.mux.HandleFunc("/ws", s.wsHandler)

	if authMgr != nil {
		s.mux.HandleFunc("/auth/login", s.loginHandler)
		s.mux.HandleFunc("/auth/register", s.registerHandler)
	}

	if clusterMgr != nil {
		s.mux.HandleFunc("/cluster/register", clusterMgr.RegisterHandler)
		s.mux.HandleFunc("/cluster/heartbeat", clusterMgr.HeartbeatHandler)
		s.mux.HandleFunc("/cluster/spawn", clusterMgr.SpawnHandler)
	}

	return s
}

// Start blocks, serving addr until the listener fails.
func (s *Server) Start(addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return server.ListenAndServe()
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	metrics.HealthHandler()(w, r)
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	metrics.ReadyHandler()(w, r)
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

// loginHandler exchanges a username/password for a signed session token.
func (s *Server) loginHandler(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	user, err := s.auth.Authenticate(req.Username, req.Password)
	if err != nil {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	token, err := s.auth.IssueToken(user)
	if err != nil {
		http.Error(w, "failed to issue token", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(tokenResponse{Token: token})
}

// registerHandler creates a new user account, subject to the
// AETHER_REGISTRATION_OPEN gate.
func (s *Server) registerHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username    string `json:"username"`
		Password    string `json:"password"`
		DisplayName string `json:"displayName"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	user, err := s.auth.Register(req.Username, req.Password, req.DisplayName)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	token, err := s.auth.IssueToken(user)
	if err != nil {
		http.Error(w, "failed to issue token", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(tokenResponse{Token: token})
}

// wsWriter adapts *websocket.Conn to the Writer interface ConnBuffer expects.
type wsWriter struct {
	conn *websocket.Conn
}

func (w *wsWriter) WriteJSON(v any) error { return w.conn.WriteJSON(v) }
func (w *wsWriter) Open() bool            { return w.conn != nil }

// wsHandler upgrades the connection, resolves the caller's session (if the
// server has auth enabled), subscribes it to every bus event, and reads
// inbound commands until the socket closes.
func (s *Server) wsHandler(w http.ResponseWriter, r *http.Request) {
	var userID string
	if s.auth != nil {
		token := r.URL.Query().Get("token")
		if token == "" {
			if authz := r.Header.Get("Authorization"); strings.HasPrefix(authz, "Bearer ") {
				token = strings.TrimPrefix(authz, "Bearer ")
			}
		}
		user, err := s.auth.ValidateToken(token)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		userID = user.ID
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger := log.WithComponent("dispatcher")
		logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	buf := NewConnBuffer(&wsWriter{conn: conn})
	subID := s.bus.Subscribe("*", func(event types.Event) {
		buf.BufferEvent(OutEvent{Event: event.Topic, Data: event.Data})
	})
	defer s.bus.Unsubscribe(subID)

	buf.SendImmediate(OutEvent{Event: "kernel.ready"})

	ctx := r.Context()
	for {
		var cmd Command
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		if userID != "" {
			cmd.UserID = userID
		}
		resp := s.dispatcher.Handle(ctx, cmd)
		buf.SendImmediate(resp)
	}
}
