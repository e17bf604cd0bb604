// Package server implements spec.md §6's HTTP surface: the reference
// dispatcher that wires internal/session, internal/process,
// internal/portproxy, internal/interpreter, and internal/fsfacade onto
// the wire-level routes the spec names. spec.md §1 scopes the outward
// HTTP dispatcher itself out as an external collaborator, so this
// package is provided only so the daemon is runnable end to end, built
// in the teacher's idiom for wiring a router.
package server

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/sandboxrun/sandboxd/internal/fsfacade"
	"github.com/sandboxrun/sandboxd/internal/interpreter"
	"github.com/sandboxrun/sandboxd/internal/portproxy"
	"github.com/sandboxrun/sandboxd/internal/session"
)

// BuildInfo is surfaced via /api/version.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

// Server owns every registry the HTTP surface fronts and the mux router
// built from them.
type Server struct {
	sessions    *session.Registry
	ports       *portproxy.Registry
	proxy       *portproxy.Proxy
	interpreter *interpreter.Pool
	log         *logrus.Entry
	build       BuildInfo
	startedAt   time.Time

	router *mux.Router
}

// New wires every registry into a mux.Router and returns the Server.
func New(sessions *session.Registry, ports *portproxy.Registry, proxy *portproxy.Proxy, pool *interpreter.Pool, log *logrus.Entry, build BuildInfo) *Server {
	s := &Server{
		sessions:    sessions,
		ports:       ports,
		proxy:       proxy,
		interpreter: pool,
		log:         log.WithField("component", "server"),
		build:       build,
		startedAt:   time.Now(),
	}
	s.router = s.buildRouter()
	return s
}

// ServeHTTP makes Server itself an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) buildRouter() *mux.Router {
	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/session/create", s.handleSessionCreate).Methods(http.MethodPost)
	api.HandleFunc("/session/list", s.handleSessionList).Methods(http.MethodGet)

	api.HandleFunc("/execute", s.handleExecute).Methods(http.MethodPost)
	api.HandleFunc("/execute/stream", s.handleExecuteStream).Methods(http.MethodPost)
	api.HandleFunc("/execute/code", s.handleExecuteCode).Methods(http.MethodPost)

	api.HandleFunc("/mkdir", s.handleMkdir).Methods(http.MethodPost)
	api.HandleFunc("/write", s.handleWrite).Methods(http.MethodPost)
	api.HandleFunc("/read", s.handleRead).Methods(http.MethodPost)
	api.HandleFunc("/delete", s.handleDelete).Methods(http.MethodPost)
	api.HandleFunc("/rename", s.handleRename).Methods(http.MethodPost)
	api.HandleFunc("/move", s.handleMove).Methods(http.MethodPost)
	api.HandleFunc("/list-files", s.handleListFiles).Methods(http.MethodPost)

	api.HandleFunc("/git/checkout", s.handleGitCheckout).Methods(http.MethodPost)

	api.HandleFunc("/expose-port", s.handleExposePort).Methods(http.MethodPost)
	api.HandleFunc("/unexpose-port", s.handleUnexposePort).Methods(http.MethodPost)
	api.HandleFunc("/exposed-ports/{port}", s.handleUnexposePortByPath).Methods(http.MethodDelete)
	api.HandleFunc("/exposed-ports", s.handleListPorts).Methods(http.MethodGet)

	api.HandleFunc("/process/start", s.handleProcessStart).Methods(http.MethodPost)
	api.HandleFunc("/process/list", s.handleProcessList).Methods(http.MethodGet)
	api.HandleFunc("/process/kill-all", s.handleProcessKillAll).Methods(http.MethodDelete)
	api.HandleFunc("/process/{id}/logs", s.handleProcessLogs).Methods(http.MethodGet)
	api.HandleFunc("/process/{id}/stream", s.handleProcessStream).Methods(http.MethodGet)
	api.HandleFunc("/process/{id}", s.handleProcessGet).Methods(http.MethodGet)
	api.HandleFunc("/process/{id}", s.handleProcessKill).Methods(http.MethodDelete)

	api.HandleFunc("/contexts", s.handleContextCreate).Methods(http.MethodPost)
	api.HandleFunc("/contexts", s.handleContextList).Methods(http.MethodGet)
	api.HandleFunc("/contexts/{id}", s.handleContextDelete).Methods(http.MethodDelete)

	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/version", s.handleVersion).Methods(http.MethodGet)
	api.HandleFunc("/ping", s.handlePing).Methods(http.MethodGet)
	api.HandleFunc("/commands", s.handleCommands).Methods(http.MethodGet)
	api.HandleFunc("/shutdown", s.handleShutdown).Methods(http.MethodPost)

	r.PathPrefix("/proxy/").Handler(s.proxy)

	return r
}

// sessionOrDefault resolves the sessionId query/body field to a Session,
// lazily creating the default session the way spec.md §4.4 requires.
func (s *Server) sessionOrDefault(sessionID string) (*session.Session, error) {
	return s.sessions.GetSession(sessionID)
}

// facadeFor builds an fsfacade.Facade bound to the resolved session.
func facadeFor(sess *session.Session) *fsfacade.Facade {
	return fsfacade.New(sess)
}
