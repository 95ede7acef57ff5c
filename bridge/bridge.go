/*
Package bridge is the HTTP/WebSocket surface of the development environment
backend. It exposes two WebSocket modes — a dedicated bridge that wires one
client to a private language-analysis process through the length-prefixed
frame codec, and a shared events socket that fans build/simulation output out
through the broadcast hub — plus the out-of-band REST control endpoints that
start, query, and stop sessions.
*/
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/forgebots/devbridge/hub"
	"github.com/forgebots/devbridge/session"
)

const wsReadLimit = 1 << 20 // analysis messages can carry whole files

// Server serves the bridge endpoints for one workspace root.
type Server struct {
	log *zap.SugaredLogger

	listenAddr      string
	workspaceRoot   string
	analysisCommand []string
	buildCommand    []string
	grace           time.Duration
	tlsCertFile     string
	tlsKeyFile      string

	sessions *session.Manager
	hub      *hub.Hub

	httpServer *http.Server
}

type Option func(s *Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.log = l.Named("bridge").Sugar()
	}
}

func WithListenAddr(addr string) Option {
	return func(s *Server) {
		s.listenAddr = addr
	}
}

// WithWorkspaceRoot confines project paths to root.
func WithWorkspaceRoot(root string) Option {
	return func(s *Server) {
		s.workspaceRoot = root
	}
}

// WithAnalysisCommand sets the language-analysis tool spawned for dedicated
// connections.
func WithAnalysisCommand(command []string) Option {
	return func(s *Server) {
		s.analysisCommand = command
	}
}

// WithBuildCommand sets the build tool invocation the task name is appended
// to.
func WithBuildCommand(command []string) Option {
	return func(s *Server) {
		s.buildCommand = command
	}
}

// WithGracePeriod sets the terminate grace window for dedicated analysis
// processes.
func WithGracePeriod(d time.Duration) Option {
	return func(s *Server) {
		s.grace = d
	}
}

// WithTLS serves HTTPS with the given certificate.
func WithTLS(certFile, keyFile string) Option {
	return func(s *Server) {
		s.tlsCertFile = certFile
		s.tlsKeyFile = keyFile
	}
}

// WithSessionManager substitutes a preconfigured session manager.
func WithSessionManager(m *session.Manager) Option {
	return func(s *Server) {
		s.sessions = m
	}
}

func New(opts ...Option) (*Server, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	s := &Server{
		log:             logger.Named("bridge").Sugar(),
		listenAddr:      "127.0.0.1:8377",
		workspaceRoot:   ".",
		analysisCommand: []string{"jdtls"},
		buildCommand:    []string{"./gradlew"},
		grace:           5 * time.Second,
	}
	for _, o := range opts {
		o(s)
	}
	if s.sessions == nil {
		s.sessions = session.NewManager(session.WithSweeper(session.NewSweeper()))
	}
	s.hub = hub.New(s.sessions)
	s.sessions.SetPublisher(s.hub)
	return s, nil
}

// Run serves until Stop is called.
func (s *Server) Run() error {
	router := httprouter.New()
	router.GET("/healthz", s.health)
	router.GET("/ws/analysis", s.analysisWS)
	router.GET("/ws/events", s.eventsWS)
	router.POST("/build", s.startBuild)
	router.POST("/simulation", s.startSimulation)
	router.GET("/build/:id", s.statusFor(session.KindBuild))
	router.GET("/simulation/:id", s.statusFor(session.KindSimulation))
	router.POST("/build/:id/stop", s.stopFor(session.KindBuild))
	router.POST("/simulation/:id/stop", s.stopFor(session.KindSimulation))

	server := &http.Server{Addr: s.listenAddr, Handler: router}
	s.httpServer = server

	s.log.Infow("bridge listening", "Addr", s.listenAddr, "WorkspaceRoot", s.workspaceRoot)

	if s.tlsCertFile != "" {
		err := server.ListenAndServeTLS(s.tlsCertFile, s.tlsKeyFile)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
	err := server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop terminates all sessions and closes the server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.grace+time.Second)
	defer cancel()
	s.sessions.Shutdown(ctx)
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Close()
}

func (s *Server) health(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(s.log, w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) startBuild(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req StartBuildRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Task == "" {
		http.Error(w, "request contained no task", http.StatusBadRequest)
		return
	}

	dir, err := s.resolveProject(req.ProjectPath)
	if err != nil {
		writeJSON(s.log, w, http.StatusBadRequest, StartResponse{Success: false, Message: err.Error()})
		return
	}

	command := append(append([]string{}, s.buildCommand...), req.Task)
	sess, err := s.sessions.Start(r.Context(), session.KindBuild, command, dir)
	if err != nil {
		s.log.Debugf("starting build: %s", err)
		writeJSON(s.log, w, http.StatusOK, StartResponse{Success: false, Message: err.Error()})
		return
	}

	writeJSON(s.log, w, http.StatusOK, StartResponse{
		Success: true,
		BuildID: sess.ID,
		Status:  sess.Status,
		Message: "build started",
	})
}

func (s *Server) startSimulation(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req StartSimulationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	dir, err := s.resolveProject(req.ProjectPath)
	if err != nil {
		writeJSON(s.log, w, http.StatusBadRequest, StartResponse{Success: false, Message: err.Error()})
		return
	}

	command := append(append([]string{}, s.buildCommand...), simulationTask(req.SimulationType))
	sess, err := s.sessions.Start(r.Context(), session.KindSimulation, command, dir)
	if err != nil {
		s.log.Debugf("starting simulation: %s", err)
		writeJSON(s.log, w, http.StatusOK, StartResponse{Success: false, Message: err.Error()})
		return
	}

	writeJSON(s.log, w, http.StatusOK, StartResponse{
		Success:      true,
		SimulationID: sess.ID,
		Status:       sess.Status,
		Message:      "simulation started",
	})
}

func (s *Server) statusFor(kind session.Kind) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
		id := params.ByName("id")
		sess, err := s.sessions.Status(id)
		if err != nil || sess.Kind != kind {
			http.Error(w, fmt.Sprintf("no %s session %s", kind, id), http.StatusNotFound)
			return
		}
		writeJSON(s.log, w, http.StatusOK, StatusResponse{
			Status:          sess.Status,
			StartTime:       sess.StartTime,
			EndTime:         sess.EndTime,
			ExitCode:        sess.ExitCode,
			Error:           sess.Error,
			OutputLineCount: sess.OutputLineCount,
		})
	}
}

func (s *Server) stopFor(kind session.Kind) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
		id := params.ByName("id")
		sess, err := s.sessions.Status(id)
		if err != nil || sess.Kind != kind {
			http.Error(w, fmt.Sprintf("no %s session %s", kind, id), http.StatusNotFound)
			return
		}
		if err := s.sessions.Terminate(id); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(s.log, w, http.StatusAccepted, StopResponse{Success: true, Status: "stopping"})
	}
}

func (s *Server) analysisWS(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	dir, err := s.resolveProject(r.URL.Query().Get("projectPath"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	wsConn, err := s.accept(w, r)
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	runner := &analysisRunner{
		log:     s.log.Named("analysis_runner"),
		conn:    wsConn,
		ctx:     ctx,
		cancel:  cancel,
		command: s.analysisCommand,
		workDir: dir,
		grace:   s.grace,
	}
	runner.run()
}

func (s *Server) eventsWS(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	wsConn, err := s.accept(w, r)
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	runner := &eventsRunner{
		log:    s.log.Named("events_runner"),
		conn:   wsConn,
		ctx:    ctx,
		cancel: cancel,
		hub:    s.hub,
	}
	runner.run()
}

func (s *Server) accept(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
		// Origin enforcement happens at the platform's auth proxy in front
		// of this server.
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.log.Debugf("error accepting WebSocket conn: %s", err)
		return nil, err
	}
	wsConn.SetReadLimit(wsReadLimit)
	return wsConn, nil
}

// resolveProject confines a client-supplied project path to the workspace
// root. An empty path means the root itself.
func (s *Server) resolveProject(p string) (string, error) {
	if p == "" {
		return s.workspaceRoot, nil
	}
	if filepath.IsAbs(p) {
		return "", fmt.Errorf("projectPath must be relative to the workspace")
	}
	clean := filepath.Clean(p)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("projectPath escapes the workspace")
	}
	return filepath.Join(s.workspaceRoot, clean), nil
}

func simulationTask(simType string) string {
	switch simType {
	case "", "java":
		return "simulateJava"
	default:
		return "simulate" + strings.ToUpper(simType[:1]) + simType[1:]
	}
}

func writeJSON(log *zap.SugaredLogger, w http.ResponseWriter, code int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Debugf("error marshaling response: %s", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(b)
}
