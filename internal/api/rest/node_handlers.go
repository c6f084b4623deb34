package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/arohanajit/nodeclient/internal/nodes"
	"github.com/arohanajit/nodeclient/internal/transport"
)

// NodeClient is the part of the client the admin API drives
type NodeClient interface {
	AddAddresses(addrs ...transport.Address) error
	RemoveAddress(addr transport.Address) bool
	ListedNodes() []transport.Address
	Nodes() []nodes.Node
	ConnectedNodes() []nodes.Node
	FilteredNodes() []nodes.Node
	Do(ctx context.Context, kind string, body []byte) (transport.Response, error)
}

// AddressesRequest is the body of POST /addresses
type AddressesRequest struct {
	Addresses []string `json:"addresses"`
}

// NodeHandler handles address and node state endpoints
type NodeHandler struct {
	client NodeClient
}

// NewNodeHandler creates a new instance of NodeHandler
func NewNodeHandler(client NodeClient) *NodeHandler {
	return &NodeHandler{client: client}
}

// RegisterRoutes registers address and node routes
func (h *NodeHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/addresses", h.handleListAddresses).Methods(http.MethodGet)
	r.HandleFunc("/addresses", h.handleAddAddresses).Methods(http.MethodPost)
	r.HandleFunc("/addresses/{address}", h.handleRemoveAddress).Methods(http.MethodDelete)
	r.HandleFunc("/nodes", h.handleNodes(h.client.Nodes)).Methods(http.MethodGet)
	r.HandleFunc("/nodes/connected", h.handleNodes(h.client.ConnectedNodes)).Methods(http.MethodGet)
	r.HandleFunc("/nodes/filtered", h.handleNodes(h.client.FilteredNodes)).Methods(http.MethodGet)
}

// handleListAddresses handles GET /addresses requests
func (h *NodeHandler) handleListAddresses(w http.ResponseWriter, r *http.Request) {
	listed := h.client.ListedNodes()
	addrs := make([]string, 0, len(listed))
	for _, a := range listed {
		addrs = append(addrs, a.String())
	}
	writeJSON(w, http.StatusOK, AddressesRequest{Addresses: addrs})
}

// handleAddAddresses handles POST /addresses requests
func (h *NodeHandler) handleAddAddresses(w http.ResponseWriter, r *http.Request) {
	var req AddressesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Addresses) == 0 {
		http.Error(w, "At least one address is required", http.StatusBadRequest)
		return
	}

	addrs, err := transport.ParseAddresses(req.Addresses)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.client.AddAddresses(addrs...); err != nil {
		if errors.Is(err, nodes.ErrClosed) {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		// the addresses are listed; only the first connection attempt was not scheduled
		writeJSON(w, http.StatusAccepted, map[string]string{"warning": err.Error()})
		return
	}

	w.WriteHeader(http.StatusCreated)
}

// handleRemoveAddress handles DELETE /addresses/{address} requests
func (h *NodeHandler) handleRemoveAddress(w http.ResponseWriter, r *http.Request) {
	addr, err := transport.ParseAddress(mux.Vars(r)["address"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if !h.client.RemoveAddress(addr) {
		http.Error(w, "address not found", http.StatusNotFound)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *NodeHandler) handleNodes(list func() []nodes.Node) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, list())
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
