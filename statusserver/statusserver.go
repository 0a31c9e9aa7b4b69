// Package statusserver exposes a read-only HTTP view of the pods this
// process manages: current PodShadow snapshots and recent audit-trail
// entries. It deliberately carries no command-issuing routes — bolus,
// cancel, and the rest stay behind the Pdm API, never HTTP (spec.md §1
// Non-goals exclude a command-issuing CLI/server, but an observability
// surface isn't one). Routing is ported from server/server.go's
// mux.Router/setupRoutes shape; handler bodies follow
// server/handlers.go's vars-then-json.Encode pattern.
package statusserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"pdmcore/auditlog"
	"pdmcore/shadow"
)

// PodEntry is one managed pod: its shadow state plus the audit writer
// recording its exchanges, keyed the same way Transport derives
// audit-trail keys ("pod-%08x" over IDLot).
type PodEntry struct {
	Key  string
	Pod  *shadow.Pod
	Logs *auditlog.Writer
}

// Server is the read-only status HTTP surface (spec.md SPEC_FULL
// observability section).
type Server struct {
	port       int
	pods       map[string]*PodEntry
	router     *mux.Router
	httpServer *http.Server
}

// New returns a Server listening on port, serving the given pods.
func New(port int, pods []*PodEntry) *Server {
	s := &Server{
		port: port,
		pods: make(map[string]*PodEntry, len(pods)),
	}
	for _, p := range pods {
		s.pods[p.Key] = p
	}
	s.router = mux.NewRouter()
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/pods", s.handleListPods).Methods("GET")
	api.HandleFunc("/pods/{id}/status", s.handlePodStatus).Methods("GET")
	api.HandleFunc("/pods/{id}/log", s.handlePodLog).Methods("GET")
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Debugf("statusserver: %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}

// Run blocks serving HTTP until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.router.Use(loggingMiddleware)
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.router,
	}

	go func() {
		<-ctx.Done()
		log.Info("statusserver: context done, shutting down")
		s.httpServer.Shutdown(context.Background())
	}()

	log.Infof("statusserver: listening on port %d", s.port)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// podSummary is the JSON shape returned by /api/pods and embedded in
// /api/pods/{id}/status.
type podSummary struct {
	Key              string  `json:"key"`
	IDLot            uint32  `json:"idLot"`
	IDT              uint32  `json:"idT"`
	Progress         int     `json:"progress"`
	BasalState       int     `json:"basalState"`
	BolusState       int     `json:"bolusState"`
	Faulted          bool    `json:"faulted"`
	Alert            uint8   `json:"alert"`
	InsulinReservoir string  `json:"insulinReservoir"`
	StateLastUpdated *int64  `json:"stateLastUpdated,omitempty"`
	ActiveMinutes    *uint16 `json:"activeMinutes,omitempty"`
}

func summarize(e *PodEntry) podSummary {
	p := e.Pod
	return podSummary{
		Key:              e.Key,
		IDLot:            p.IDLot,
		IDT:              p.IDT,
		Progress:         int(p.StateProgress),
		BasalState:       int(p.StateBasal),
		BolusState:       int(p.StateBolus),
		Faulted:          p.StateFaulted,
		Alert:            p.StateAlert,
		InsulinReservoir: p.InsulinReservoir.StringFixed(2),
		StateLastUpdated: p.StateLastUpdated,
		ActiveMinutes:    p.StateActiveMinutes,
	}
}

func (s *Server) handleListPods(w http.ResponseWriter, r *http.Request) {
	result := make([]podSummary, 0, len(s.pods))
	for _, e := range s.pods {
		result = append(result, summarize(e))
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

func (s *Server) handlePodStatus(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	e, ok := s.pods[vars["id"]]
	if !ok {
		http.Error(w, "pod not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(summarize(e))
}

func (s *Server) handlePodLog(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	e, ok := s.pods[vars["id"]]
	if !ok {
		http.Error(w, "pod not found", http.StatusNotFound)
		return
	}
	if e.Logs == nil {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte{})
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write(e.Logs.Recent(e.Key))
}
