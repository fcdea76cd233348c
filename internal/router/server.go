package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/OpenBMB/IoA/pkg/protocol"
)

// Server is the router process: HTTP endpoints for registration,
// discovery and teamup, one websocket per agent for message relay, and
// one observer websocket streaming tagged frames to a frontend.
type Server struct {
	addr     string
	logger   *slog.Logger
	registry *Registry
	sessions *SessionManager
	archive  *ChatArchive

	upgrader websocket.Upgrader
	mu       sync.RWMutex
	clients  map[string]*client

	observerMu sync.Mutex
	observer   *websocket.Conn

	httpServer *http.Server
	mux        *http.ServeMux
}

// client is one connected agent. gorilla/websocket allows a single
// concurrent writer, so every send goes through writeMu.
type client struct {
	name    string
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *client) send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func NewServer(addr string, logger *slog.Logger, registry *Registry, sessions *SessionManager, archive *ChatArchive) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:     addr,
		logger:   logger,
		registry: registry,
		sessions: sessions,
		archive:  archive,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[string]*client),
	}
}

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()

	mux.HandleFunc("/ws/{agent}", s.handleAgentSocket)
	mux.HandleFunc("/chatlist_ws", s.handleObserverSocket)

	mux.HandleFunc("POST /health_check", s.handleHealthCheck)
	mux.HandleFunc("POST /register", s.handleRegister)
	mux.HandleFunc("POST /retrieve_assistant", s.handleRetrieve)
	mux.HandleFunc("POST /query_assistant", s.handleQuery)
	mux.HandleFunc("POST /teamup", s.handleTeamup)
	mux.HandleFunc("POST /list_all_agents", s.handleListAll)
	mux.HandleFunc("POST /fetch_chat_record", s.handleFetchChatRecord)

	s.mux = mux
	return mux
}

// Start listens until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()
	s.httpServer = &http.Server{Addr: s.addr, Handler: mux}

	s.logger.Info("router starting", "addr", s.addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("router server: %w", err)
	}
	return nil
}

func (s *Server) handleHealthCheck(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, "ok")
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var info protocol.AgentInfo
	if err := json.NewDecoder(r.Body).Decode(&info); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.registry.Register(r.Context(), info); err != nil {
		s.logger.Error("register failed", "agent", info.Name, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.logger.Info("agent registered", "agent", info.Name, "type", info.Type)
	writeJSON(w, nil)
}

func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	var param protocol.RetrieveParam
	if err := json.NewDecoder(r.Body).Decode(&param); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	infos, err := s.registry.Retrieve(r.Context(), param.Capabilities)
	if err != nil {
		s.logger.Error("retrieve failed", "sender", param.Sender, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if infos == nil {
		infos = []protocol.AgentInfo{}
	}
	writeJSON(w, infos)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var param protocol.QueryParam
	if err := json.NewDecoder(r.Body).Decode(&param); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	results, err := s.registry.Query(r.Context(), param.Name.Names())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	// Echo the caller's arity: a single name gets a single object.
	if !param.Name.IsList() {
		if len(results) == 0 {
			writeJSON(w, nil)
			return
		}
		writeJSON(w, results[0])
		return
	}
	writeJSON(w, results)
}

func (s *Server) handleTeamup(w http.ResponseWriter, r *http.Request) {
	var param protocol.TeamupParam
	if err := json.NewDecoder(r.Body).Decode(&param); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	members := append(append([]string{}, param.AgentNames...), param.Sender)
	session, err := s.sessions.Teamup(r.Context(), members, param.TeamName)
	if err != nil {
		s.logger.Error("teamup failed", "sender", param.Sender, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.archive.Create(r.Context(), session); err != nil {
		s.logger.Error("chat record create failed", "comm_id", session.CommID, "error", err)
	}
	result := protocol.TeamupResult{
		CommID:     session.CommID,
		AgentNames: session.AgentNames,
		TeamName:   session.TeamName,
	}
	s.logger.Info("team formed",
		"comm_id", session.CommID, "team", session.TeamName, "members", session.AgentNames)
	s.pushToObserver(result, protocol.FrontendTypeTeamup)
	writeJSON(w, result)
}

func (s *Server) handleListAll(w http.ResponseWriter, r *http.Request) {
	agents, err := s.registry.All(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, agents)
}

func (s *Server) handleFetchChatRecord(w http.ResponseWriter, r *http.Request) {
	var param protocol.ChatRecordFetchParam
	if err := json.NewDecoder(r.Body).Decode(&param); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var ids []string
	if param.CommID != nil {
		ids = param.CommID.Names()
	}
	records, err := s.archive.Fetch(r.Context(), ids)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, records)
}

// handleAgentSocket serves one agent's relay connection for its whole
// lifetime.
func (s *Server) handleAgentSocket(w http.ResponseWriter, r *http.Request) {
	name, err := url.PathUnescape(r.PathValue("agent"))
	if err != nil || name == "" {
		http.Error(w, "bad agent name", http.StatusBadRequest)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "agent", name, "error", err)
		return
	}

	c := &client{name: name, conn: conn}
	s.registerClient(c)
	defer func() {
		s.unregisterClient(c)
		conn.Close()
	}()

	s.relayLoop(c)
}

// registerClient installs the connection; a reconnect under the same
// name displaces (and closes) the previous socket.
func (s *Server) registerClient(c *client) {
	s.mu.Lock()
	prev := s.clients[c.name]
	s.clients[c.name] = c
	s.mu.Unlock()
	if prev != nil {
		s.logger.Warn("duplicate connection, closing previous", "agent", c.name)
		prev.conn.Close()
	}
	s.logger.Info("agent connected", "agent", c.name)
}

func (s *Server) unregisterClient(c *client) {
	s.mu.Lock()
	if s.clients[c.name] == c {
		delete(s.clients, c.name)
	}
	s.mu.Unlock()
	s.logger.Info("agent disconnected", "agent", c.name)
}

// relayLoop reads messages off one agent's socket and fans each out to
// every member of its session, the sender included. Messages are
// archived and streamed to the observer before delivery.
func (s *Server) relayLoop(c *client) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := protocol.DecodeAgentMessage(data)
		if err != nil {
			s.logger.Error("undecodable message", "agent", c.name, "error", err)
			continue
		}
		members, ok := s.sessions.Members(context.Background(), msg.CommID)
		if !ok {
			s.logger.Error("message for unknown session",
				"agent", c.name, "comm_id", msg.CommID)
			continue
		}

		if err := s.archive.Append(context.Background(), *msg); err != nil {
			s.logger.Error("archive append failed", "comm_id", msg.CommID, "error", err)
		}
		s.pushToObserver(msg, protocol.FrontendTypeMessage)

		for _, receiver := range members {
			s.mu.RLock()
			target := s.clients[receiver]
			s.mu.RUnlock()
			if target == nil {
				s.logger.Error("no connection for receiver",
					"receiver", receiver, "comm_id", msg.CommID)
				continue
			}
			if err := target.send(data); err != nil {
				s.logger.Error("relay failed",
					"receiver", receiver, "comm_id", msg.CommID, "error", err)
			}
		}
	}
}

// handleObserverSocket installs the frontend stream. Only the latest
// observer connection receives frames.
func (s *Server) handleObserverSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("observer upgrade failed", "error", err)
		return
	}
	s.observerMu.Lock()
	if s.observer != nil {
		s.observer.Close()
	}
	s.observer = conn
	s.observerMu.Unlock()
	s.logger.Info("observer connected")

	// Drain until the frontend hangs up.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	s.observerMu.Lock()
	if s.observer == conn {
		s.observer = nil
	}
	s.observerMu.Unlock()
	conn.Close()
}

// pushToObserver streams a tagged frame to the frontend, if one is
// attached. A send failure drops the observer.
func (s *Server) pushToObserver(payload any, frontendType string) {
	s.observerMu.Lock()
	defer s.observerMu.Unlock()
	if s.observer == nil {
		return
	}
	frame, err := protocol.TagObserverFrame(payload, frontendType)
	if err != nil {
		s.logger.Error("observer frame encode failed", "error", err)
		return
	}
	if err := s.observer.WriteMessage(websocket.TextMessage, frame); err != nil {
		s.logger.Warn("observer dropped", "error", err)
		s.observer.Close()
		s.observer = nil
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
