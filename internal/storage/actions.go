package storage

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/arohanajit/nodeclient/internal/transport"
)

// Request kinds served by a storage node
const (
	KindPut    = "kv.put"
	KindGet    = "kv.get"
	KindDelete = "kv.delete"
)

// Kinds lists the request kinds registered by Actions
var Kinds = []string{KindPut, KindGet, KindDelete}

// KeyRequest is the body of every kv.* request. Value and ContentType are
// only read by kv.put. A non-zero IfVersion makes kv.put and kv.delete
// conditional on the key's current version.
type KeyRequest struct {
	Key         string `json:"key"`
	Value       []byte `json:"value,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	IfVersion   uint64 `json:"if_version,omitempty"`
}

// KeyResponse is the body of every successful kv.* response. For kv.delete
// it describes the removed entry.
type KeyResponse struct {
	Key         string    `json:"key"`
	Value       []byte    `json:"value,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	Version     uint64    `json:"version"`
	Modified    time.Time `json:"modified"`
	Deleted     bool      `json:"deleted,omitempty"`
}

func newKeyResponse(key string, e Entry) KeyResponse {
	return KeyResponse{
		Key:         key,
		Value:       e.Value,
		ContentType: e.ContentType,
		Version:     e.Version,
		Modified:    e.Modified,
	}
}

// Actions returns the node-side handlers serving store
func Actions(store Store) map[string]transport.ActionHandler {
	return map[string]transport.ActionHandler{
		KindPut: func(ctx context.Context, body []byte) ([]byte, error) {
			req, err := decodeRequest(body)
			if err != nil {
				return nil, err
			}
			e, err := store.Put(req.Key, req.Value, req.ContentType, req.IfVersion)
			if err != nil {
				return nil, storeError(err)
			}
			resp := newKeyResponse(req.Key, e)
			resp.Value = nil
			return json.Marshal(resp)
		},
		KindGet: func(ctx context.Context, body []byte) ([]byte, error) {
			req, err := decodeRequest(body)
			if err != nil {
				return nil, err
			}
			e, err := store.Get(req.Key)
			if err != nil {
				return nil, storeError(err)
			}
			return json.Marshal(newKeyResponse(req.Key, e))
		},
		KindDelete: func(ctx context.Context, body []byte) ([]byte, error) {
			req, err := decodeRequest(body)
			if err != nil {
				return nil, err
			}
			e, err := store.Delete(req.Key, req.IfVersion)
			if err != nil {
				return nil, storeError(err)
			}
			resp := newKeyResponse(req.Key, e)
			resp.Value = nil
			resp.Deleted = true
			return json.Marshal(resp)
		},
	}
}

func decodeRequest(body []byte) (KeyRequest, error) {
	var req KeyRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return req, &transport.ApplicationError{Status: http.StatusBadRequest, Message: "invalid request body: " + err.Error()}
	}
	return req, nil
}

// storeError turns a store failure into the error response a client sees
func storeError(err error) error {
	status := http.StatusInternalServerError
	var storeErr *Error
	if errors.As(err, &storeErr) {
		status = storeErr.Status
	}
	return &transport.ApplicationError{Status: status, Message: err.Error()}
}
