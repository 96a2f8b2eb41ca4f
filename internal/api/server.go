package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"Spindle/internal/logger"
	"Spindle/internal/nodeid"
	"Spindle/internal/resource"
)

const (
	// lookupTimeout bounds a resource lookup triggered over HTTP.
	lookupTimeout = 10 * time.Second
)

// StatusProvider exposes the overlay state for monitoring.
type StatusProvider interface {
	Status() Status
}

// ResourceLocator resolves a resource to its publisher.
type ResourceLocator interface {
	Locate(ctx context.Context, resource uuid.UUID) (resource.Location, bool, error)
}

// ResourcePublisher announces resources located at this node. A
// ResourceLocator also implementing it enables PUT and DELETE on
// /resources/{id}.
type ResourcePublisher interface {
	Publish(resource uuid.UUID, metadata []byte)
	Unpublish(resource uuid.UUID) bool
}

// MessageDeferrer stores a message until its recipient appears.
type MessageDeferrer interface {
	Defer(recipient uuid.UUID, body []byte) (uuid.UUID, error)
}

// Status is the overlay state reported by GET /status.
type Status struct {
	ID                 string      `json:"id"`
	Address            string      `json:"address"`
	Neighbours         []Neighbour `json:"neighbours"`
	Routers            []Router    `json:"routers"`
	Belt               Belt        `json:"belt"`
	NetworkSize        float64     `json:"networkSize"`
	CumulatedCount     *float64    `json:"cumulatedCount,omitempty"`
	Resources          int         `json:"resources"`
	DeferredRecipients []string    `json:"deferredRecipients"`
}

// Neighbour is one routing table neighbour.
type Neighbour struct {
	Slot int    `json:"slot"`
	ID   string `json:"id"`
}

// Router is the route known for one level.
type Router struct {
	Level    int      `json:"level"`
	Distance int      `json:"distance"`
	Spindle  []string `json:"spindle,omitempty"`
}

// Belt holds the ring neighbours, empty when unknown.
type Belt struct {
	Left  string `json:"left,omitempty"`
	Right string `json:"right,omitempty"`
}

// Server is the HTTP API server.
type Server struct {
	addr      string              // addr is the HTTP listen address
	status    StatusProvider      // status provides the overlay state
	locator   ResourceLocator     // locator answers resource lookups
	publisher ResourcePublisher   // publisher announces local resources
	deferrer  MessageDeferrer     // deferrer accepts deferred messages
	gatherer  prometheus.Gatherer // gatherer serves the metrics
	server    *http.Server        // server is the underlying HTTP server
}

// New creates a new HTTP API server. Any provider may be nil, its endpoints
// then answer 503.
func New(addr string, status StatusProvider, locator ResourceLocator, deferrer MessageDeferrer, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		addr:     addr,
		status:   status,
		locator:  locator,
		deferrer: deferrer,
		gatherer: gatherer,
	}

	if p, ok := locator.(ResourcePublisher); ok {
		s.publisher = p
	}

	return s
}

// Handler returns the routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /resources/{id}", s.handleLocate)
	mux.HandleFunc("PUT /resources/{id}", s.handlePublish)
	mux.HandleFunc("DELETE /resources/{id}", s.handleUnpublish)
	mux.HandleFunc("POST /deferred/{recipient}", s.handleDefer)

	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	return mux
}

// Start starts the HTTP server in a goroutine.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("http api started", "addr", s.addr)

		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// handleHealth handles GET /health requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// handleStatus handles GET /status requests.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		writeError(w, http.StatusServiceUnavailable, "status not available")
		return
	}

	writeJSON(w, http.StatusOK, s.status.Status())
}

// handleLocate handles GET /resources/{id} requests.
func (s *Server) handleLocate(w http.ResponseWriter, r *http.Request) {
	if s.locator == nil {
		writeError(w, http.StatusServiceUnavailable, "lookups not available")
		return
	}

	id, err := parseID(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), lookupTimeout)
	defer cancel()

	loc, found, err := s.locator.Locate(ctx, id)
	if err != nil {
		writeError(w, http.StatusGatewayTimeout, fmt.Sprintf("lookup failed: %v", err))
		return
	}

	if !found {
		writeError(w, http.StatusNotFound, "resource not found")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"resource": id.String(),
		"node":     loc.Node.String(),
		"metadata": loc.Metadata,
	})
}

// handlePublish handles PUT /resources/{id} requests. The body is the metadata.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if s.publisher == nil {
		writeError(w, http.StatusServiceUnavailable, "publishing not available")
		return
	}

	id, err := parseID(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	metadata, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	if len(metadata) > maxBodySize {
		writeError(w, http.StatusBadRequest, ErrBodyTooLarge.Error())
		return
	}

	s.publisher.Publish(id, metadata)
	logger.Debug("resource published", "resource", nodeid.Short(id), "bytes", len(metadata))

	writeJSON(w, http.StatusOK, map[string]string{"resource": id.String()})
}

// handleUnpublish handles DELETE /resources/{id} requests.
func (s *Server) handleUnpublish(w http.ResponseWriter, r *http.Request) {
	if s.publisher == nil {
		writeError(w, http.StatusServiceUnavailable, "publishing not available")
		return
	}

	id, err := parseID(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if !s.publisher.Unpublish(id) {
		writeError(w, http.StatusNotFound, "resource not published here")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"resource": id.String()})
}

// handleDefer handles POST /deferred/{recipient} requests.
func (s *Server) handleDefer(w http.ResponseWriter, r *http.Request) {
	if s.deferrer == nil {
		writeError(w, http.StatusServiceUnavailable, "deferred messages not available")
		return
	}

	recipient, err := parseID(r.PathValue("recipient"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	if err := validateBody(body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.deferrer.Defer(recipient, body)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("defer failed: %v", err))
		return
	}

	logger.Debug("message deferred", "recipient", nodeid.Short(recipient), "bytes", len(body))

	writeJSON(w, http.StatusAccepted, map[string]string{
		"id":        id.String(),
		"recipient": recipient.String(),
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
