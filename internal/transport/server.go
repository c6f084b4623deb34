package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// KindNodeInfo is served by every Server and answers with the node identity
const KindNodeInfo = "node.info"

// ActionHandler serves one request kind on a node
type ActionHandler func(ctx context.Context, body []byte) ([]byte, error)

// Server exposes a node over the HTTP protocol spoken by HTTPConn
type Server struct {
	identity Identity
	handlers map[string]ActionHandler
	logger   *zap.Logger
}

// NewServer creates a Server reporting identity and serving the given handlers
func NewServer(identity Identity, handlers map[string]ActionHandler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	hs := make(map[string]ActionHandler, len(handlers))
	for kind, h := range handlers {
		hs[kind] = h
	}
	s := &Server{
		identity: identity,
		handlers: hs,
		logger:   logger.Named("node-server"),
	}
	if _, ok := hs[KindNodeInfo]; !ok {
		hs[KindNodeInfo] = s.nodeInfo
	}
	return s
}

func (s *Server) nodeInfo(ctx context.Context, body []byte) ([]byte, error) {
	return json.Marshal(s.identity)
}

// RegisterRoutes registers the node routes
func (s *Server) RegisterRoutes(r *mux.Router) {
	r.HandleFunc(infoPath, s.handleInfo).Methods(http.MethodGet)
	r.HandleFunc(healthPath, s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc(actionPrefix+"{kind}", s.handleAction).Methods(http.MethodPost)
}

// Router returns a router with the node routes registered
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	s.RegisterRoutes(r)
	return r
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.identity)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	kind := mux.Vars(r)["kind"]
	w.Header().Set(nodeIDHeader, s.identity.NodeID)

	handler, ok := s.handlers[kind]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown action ["+kind+"]")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxResponseSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body over %d bytes", tooLarge.Limit))
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := handler(r.Context(), body)
	if err != nil {
		status := http.StatusInternalServerError
		var appErr *ApplicationError
		if errors.As(err, &appErr) && appErr.Status != 0 {
			status = appErr.Status
		}
		s.logger.Debug("Action failed",
			zap.String("kind", kind),
			zap.String("request_id", r.Header.Get(requestIDHeader)),
			zap.Error(err))
		writeError(w, status, errorMessage(err))
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(resp)
}

func errorMessage(err error) string {
	var appErr *ApplicationError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return err.Error()
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorBody{Error: msg})
}
