package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"snake-dqn/stats"
	"snake-dqn/training"
	"snake-dqn/transport/mcp"
	"snake-dqn/transport/websocket"
)

// Server represents the REST API server
type Server struct {
	manager *training.Manager
	hub     *websocket.Hub
	mcp     *mcp.Server
	router  *mux.Router
}

// NewServer creates a new API server. hub and mcpServer may be nil, in which
// case /ws and /mcp are not mounted.
func NewServer(m *training.Manager, hub *websocket.Hub, mcpServer *mcp.Server) *Server {
	s := &Server{
		manager: m,
		hub:     hub,
		mcp:     mcpServer,
		router:  mux.NewRouter(),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/stats", s.handleStats).Methods("GET")
	api.HandleFunc("/stats/history", s.handleHistory).Methods("GET")
	api.HandleFunc("/display", s.handleDisplay).Methods("GET")
	api.HandleFunc("/brain", s.handleBrain).Methods("GET")
	api.HandleFunc("/settings", s.handleGetSettings).Methods("GET")
	api.HandleFunc("/settings", s.handleUpdateSettings).Methods("PUT", "POST")

	if s.hub != nil {
		s.router.HandleFunc("/ws", s.hub.ServeWS)
	}
	if s.mcp != nil {
		s.router.HandleFunc("/mcp", s.handleMCP).Methods("POST")
	}
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Response helpers
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.manager.Snapshot())
}

// handleHistory lists the compressed history. ?level=N keeps only records of
// that compression level.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	history := s.manager.History()
	if history == nil {
		respondJSON(w, http.StatusOK, []stats.Record{})
		return
	}

	records := history.Records()
	if levelStr := r.URL.Query().Get("level"); levelStr != "" {
		level, err := strconv.Atoi(levelStr)
		if err != nil || level < 0 {
			respondError(w, http.StatusBadRequest, "invalid level parameter")
			return
		}
		filtered := records[:0]
		for _, rec := range records {
			if rec.CompressionIndex == level {
				filtered = append(filtered, rec)
			}
		}
		records = filtered
	}
	if records == nil {
		records = []stats.Record{}
	}
	respondJSON(w, http.StatusOK, records)
}

func (s *Server) handleDisplay(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.manager.Game().Display())
}

func (s *Server) handleBrain(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.manager.Brain().Diagnostics())
}

// Settings are the runtime switches. Nil fields are left unchanged on update.
type Settings struct {
	Turbo               *bool `json:"turbo,omitempty"`
	GenerateActivations *bool `json:"generateActivations,omitempty"`
}

func (s *Server) currentSettings() Settings {
	turbo := s.manager.Game().Turbo()
	activations := s.manager.Brain().GenerateActivations()
	return Settings{Turbo: &turbo, GenerateActivations: &activations}
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.currentSettings())
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req Settings
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Turbo != nil {
		s.manager.Game().SetTurbo(*req.Turbo)
	}
	if req.GenerateActivations != nil {
		s.manager.Brain().SetGenerateActivations(*req.GenerateActivations)
	}
	respondJSON(w, http.StatusOK, s.currentSettings())
}

func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Failed to read request", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	response := s.mcp.HandleMessage(r.Context(), body)

	w.Header().Set("Content-Type", "application/json")
	responseData, err := json.Marshal(response)
	if err != nil {
		http.Error(w, "Failed to marshal response", http.StatusInternalServerError)
		return
	}
	w.Write(responseData)
}
