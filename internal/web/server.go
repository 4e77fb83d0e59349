// Package web serves the diagnostic HTTP endpoint: the same stage-1
// computation as the engine path, returned as a structured document for
// tests and operator inspection.
package web

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/eventtel/yrouted/internal/config"
	"github.com/eventtel/yrouted/internal/models"
	"github.com/eventtel/yrouted/internal/routing"
	"github.com/eventtel/yrouted/pkg/logger"
)

type Server struct {
	dispatcher *routing.Dispatcher
	srv        *http.Server
}

// stage1Document is the JSON body of GET /stage1.
type stage1Document struct {
	RoutingTree          *models.TreeNode                 `json:"routing_tree"`
	MainRoutingResult    *models.RoutingResult            `json:"main_routing_result"`
	AllRoutingResults    map[string]*models.RoutingResult `json:"all_routing_results"`
	RoutingStatus        string                           `json:"routing_status"`
	RoutingStatusDetails string                           `json:"routing_status_details"`
}

func NewServer(cfg config.WebConfig, dispatcher *routing.Dispatcher) *Server {
	s := &Server{dispatcher: dispatcher}

	router := mux.NewRouter()
	router.HandleFunc("/stage1", s.handleStage1).Methods(http.MethodGet)

	s.srv = &http.Server{
		Addr:         cfg.Bind,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start runs the server until Shutdown.
func (s *Server) Start() {
	go func() {
		logger.WithField("bind", s.srv.Addr).Info("Diagnostic web endpoint listening")
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("Diagnostic web endpoint failed")
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleStage1(w http.ResponseWriter, r *http.Request) {
	caller := r.URL.Query().Get("caller")
	called := r.URL.Query().Get("called")
	if caller == "" || called == "" {
		http.Error(w, "Provide at least <caller> and <called>", http.StatusBadRequest)
		return
	}

	// diagnostic requests route with full privileges so operators see the
	// tree an internal caller would produce
	resp, err := s.dispatcher.Route(r.Context(), routing.RouteRequest{
		Caller:        caller,
		Called:        called,
		Authenticated: true,
	})

	doc := stage1Document{
		AllRoutingResults: make(map[string]*models.RoutingResult),
		RoutingStatus:     "OK",
	}
	if resp != nil {
		doc.RoutingTree = resp.Tree
		doc.MainRoutingResult = resp.Main
		if resp.Results != nil {
			doc.AllRoutingResults = resp.Results
		}
	}
	if err != nil {
		doc.RoutingStatus = "ERROR"
		doc.RoutingStatusDetails = err.Error()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		logger.WithError(err).Error("Failed to encode stage-1 document")
	}
}
