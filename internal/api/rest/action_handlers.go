package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/arohanajit/nodeclient/internal/dispatch"
	"github.com/arohanajit/nodeclient/internal/storage"
	"github.com/arohanajit/nodeclient/internal/transport"
)

const (
	maxPayloadSize = 5 * 1024 * 1024 // 5MB

	nodeIDHeader = "X-Node-ID"
)

// ActionHandler sends requests to the cluster through the client
type ActionHandler struct {
	client NodeClient
}

// NewActionHandler creates a new instance of ActionHandler
func NewActionHandler(client NodeClient) *ActionHandler {
	return &ActionHandler{client: client}
}

// RegisterRoutes registers the action route and the key-value shortcuts
func (h *ActionHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/actions/{kind}", h.handleAction).Methods(http.MethodPost)
	r.HandleFunc("/kv/{key}", h.handleGet).Methods(http.MethodGet)
	r.HandleFunc("/kv/{key}", h.handlePut).Methods(http.MethodPut)
	r.HandleFunc("/kv/{key}", h.handleDelete).Methods(http.MethodDelete)
}

// handleAction handles POST /actions/{kind} requests. The body is passed to
// the node as is and the node's answer is returned as is.
func (h *ActionHandler) handleAction(w http.ResponseWriter, r *http.Request) {
	kind := mux.Vars(r)["kind"]

	body, ok := readBody(w, r)
	if !ok {
		return
	}

	resp, err := h.client.Do(r.Context(), kind, body)
	if err != nil {
		writeDispatchError(w, err)
		return
	}

	w.Header().Set(nodeIDHeader, resp.NodeID)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(resp.Body)
}

// handleGet handles GET /kv/{key} requests
func (h *ActionHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	result, nodeID, err := h.do(r.Context(), storage.KindGet, storage.KeyRequest{Key: key})
	if err != nil {
		writeDispatchError(w, err)
		return
	}

	contentType := result.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set(nodeIDHeader, nodeID)
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("ETag", etag(result.Version))
	w.Write(result.Value)
}

// handlePut handles PUT /kv/{key} requests
func (h *ActionHandler) handlePut(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	ifVersion, ok := ifMatch(w, r)
	if !ok {
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	// Validate JSON if content type is application/json
	if strings.HasPrefix(contentType, "application/json") && !json.Valid(body) {
		http.Error(w, "Invalid JSON format", http.StatusBadRequest)
		return
	}

	result, nodeID, err := h.do(r.Context(), storage.KindPut, storage.KeyRequest{
		Key:         key,
		Value:       body,
		ContentType: contentType,
		IfVersion:   ifVersion,
	})
	if err != nil {
		writeDispatchError(w, err)
		return
	}

	w.Header().Set(nodeIDHeader, nodeID)
	w.Header().Set("ETag", etag(result.Version))
	w.WriteHeader(http.StatusCreated)
}

// handleDelete handles DELETE /kv/{key} requests
func (h *ActionHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	ifVersion, ok := ifMatch(w, r)
	if !ok {
		return
	}
	_, nodeID, err := h.do(r.Context(), storage.KindDelete, storage.KeyRequest{Key: key, IfVersion: ifVersion})
	if err != nil {
		writeDispatchError(w, err)
		return
	}

	w.Header().Set(nodeIDHeader, nodeID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *ActionHandler) do(ctx context.Context, kind string, req storage.KeyRequest) (storage.KeyResponse, string, error) {
	var result storage.KeyResponse

	body, err := json.Marshal(req)
	if err != nil {
		return result, "", err
	}
	resp, err := h.client.Do(ctx, kind, body)
	if err != nil {
		return result, resp.NodeID, err
	}
	if err := json.Unmarshal(resp.Body, &result); err != nil {
		return result, resp.NodeID, fmt.Errorf("invalid response from node %s: %w", resp.NodeID, err)
	}
	return result, resp.NodeID, nil
}

func etag(version uint64) string {
	return strconv.Quote(strconv.FormatUint(version, 10))
}

// ifMatch reads the version a write is conditional on; zero means unconditional
func ifMatch(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	v := r.Header.Get("If-Match")
	if v == "" {
		return 0, true
	}
	version, err := strconv.ParseUint(strings.Trim(v, `"`), 10, 64)
	if err != nil || version == 0 {
		http.Error(w, "If-Match must be a version returned in an ETag", http.StatusBadRequest)
		return 0, false
	}
	return version, true
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	// Check Content-Length
	if r.ContentLength > maxPayloadSize {
		http.Error(w, fmt.Sprintf("Payload too large. Maximum size is %d bytes", maxPayloadSize), http.StatusRequestEntityTooLarge)
		return nil, false
	}

	// Chunked bodies carry no length, so the limit is enforced while reading
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, fmt.Sprintf("Payload too large. Maximum size is %d bytes", maxPayloadSize), http.StatusRequestEntityTooLarge)
			return nil, false
		}
		http.Error(w, "Error reading request body", http.StatusBadRequest)
		return nil, false
	}
	return body, true
}

// writeDispatchError maps dispatch failures to HTTP statuses
func writeDispatchError(w http.ResponseWriter, err error) {
	var appErr *transport.ApplicationError
	switch {
	case errors.As(err, &appErr):
		status := appErr.Status
		if status == 0 {
			status = http.StatusBadGateway
		}
		if appErr.NodeID != "" {
			w.Header().Set(nodeIDHeader, appErr.NodeID)
		}
		http.Error(w, appErr.Message, status)
	case errors.Is(err, dispatch.ErrUnknownAction):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, dispatch.ErrNoNodesAvailable), errors.Is(err, dispatch.ErrClosed):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, context.DeadlineExceeded):
		http.Error(w, err.Error(), http.StatusGatewayTimeout)
	case errors.Is(err, dispatch.ErrDispatchExhausted), errors.Is(err, transport.ErrResponseTooLarge),
		transport.IsConnectionError(err):
		http.Error(w, err.Error(), http.StatusBadGateway)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
