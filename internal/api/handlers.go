package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	tethersync "github.com/hyperengineering/tether/internal/sync"
	"github.com/hyperengineering/tether/internal/types"
)

// wsWriteTimeout bounds a single WebSocket frame write.
const wsWriteTimeout = 5 * time.Second

// Engine is the part of the sync engine the control API drives.
type Engine interface {
	State() tethersync.State
	States(ctx context.Context) <-chan tethersync.State
	Events(ctx context.Context) <-chan tethersync.Event
	Connectivity() types.ConnectivityState
	TriggerSync()
	CancelSync() bool
	Enqueue(ctx context.Context, m types.Mutation) (types.PendingOperation, error)
	Pending(ctx context.Context) ([]types.PendingOperation, error)
	ClearQueue(ctx context.Context) (int64, error)
	DeadLetters(ctx context.Context) ([]types.DeadLetter, error)
	RetryDeadLetter(ctx context.Context, id string) (*types.PendingOperation, error)
	Entity(ctx context.Context, id string) (*types.Entity, error)
}

// Handler implements the API handlers
type Handler struct {
	engine  Engine
	apiKey  string
	version string
}

// NewHandler creates a new Handler over the given engine.
func NewHandler(e Engine, apiKey, version string) *Handler {
	return &Handler{
		engine:  e,
		apiKey:  apiKey,
		version: version,
	}
}

// HealthResponse is the body of GET /api/v1/health.
type HealthResponse struct {
	Status       string                  `json:"status"`
	Version      string                  `json:"version"`
	Connectivity types.ConnectivityState `json:"connectivity"`
	SyncState    tethersync.StateKind    `json:"sync_state"`
}

// StatusResponse is the body of GET /api/v1/sync/status.
type StatusResponse struct {
	State        tethersync.State        `json:"state"`
	Pending      int                     `json:"pending"`
	DeadLetters  int                     `json:"dead_letters"`
	Connectivity types.ConnectivityState `json:"connectivity"`
}

// EnqueueRequest is the body of POST /api/v1/operations. Payload is any
// JSON value and is forwarded to the remote verbatim.
type EnqueueRequest struct {
	Kind            types.OperationKind `json:"kind"`
	Method          string              `json:"method"`
	Endpoint        string              `json:"endpoint"`
	Payload         json.RawMessage     `json:"payload,omitempty"`
	RelatedEntityID string              `json:"related_entity_id,omitempty"`
	Priority        int                 `json:"priority"`
	Entity          *types.Entity       `json:"entity,omitempty"`
}

// OperationView renders a queued operation with its payload as JSON when
// the payload is JSON.
type OperationView struct {
	types.PendingOperation
	Payload json.RawMessage `json:"payload,omitempty"`
}

func viewOf(op types.PendingOperation) OperationView {
	v := OperationView{PendingOperation: op}
	if len(op.Payload) > 0 {
		if json.Valid(op.Payload) {
			v.Payload = op.Payload
		} else {
			raw, _ := json.Marshal(op.Payload)
			v.Payload = raw
		}
	}
	return v
}

// StreamMessage is one frame on the /sync/events WebSocket.
type StreamMessage struct {
	Type  string            `json:"type"`
	State *tethersync.State `json:"state,omitempty"`
	Event *tethersync.Event `json:"event,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "component", "api", "error", err)
	}
}

// Health returns the health status
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:       "healthy",
		Version:      h.version,
		Connectivity: h.engine.Connectivity(),
		SyncState:    h.engine.State().Kind,
	})
}

// SyncStatus handles GET /api/v1/sync/status
func (h *Handler) SyncStatus(w http.ResponseWriter, r *http.Request) {
	pending, err := h.engine.Pending(r.Context())
	if err != nil {
		MapEngineError(w, r, err)
		return
	}
	dead, err := h.engine.DeadLetters(r.Context())
	if err != nil {
		MapEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		State:        h.engine.State(),
		Pending:      len(pending),
		DeadLetters:  len(dead),
		Connectivity: h.engine.Connectivity(),
	})
}

// TriggerSync handles POST /api/v1/sync/trigger
func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	h.engine.TriggerSync()
	slog.Info("sync triggered",
		"component", "api",
		"action", "sync_trigger",
		"request_id", GetRequestID(r.Context()),
	)
	writeJSON(w, http.StatusAccepted, map[string]any{"state": h.engine.State()})
}

// CancelSync handles POST /api/v1/sync/cancel
func (h *Handler) CancelSync(w http.ResponseWriter, r *http.Request) {
	if !h.engine.CancelSync() {
		WriteProblemConflict(w, r, "No sync in progress")
		return
	}
	slog.Info("sync cancelled",
		"component", "api",
		"action", "sync_cancel",
		"request_id", GetRequestID(r.Context()),
	)
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": true})
}

// SyncEvents handles GET /api/v1/sync/events. It upgrades to a WebSocket
// and pushes the current state, every state transition and every host
// event until the client goes away.
func (h *Handler) SyncEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "component", "api", "error", err)
		return
	}
	defer conn.CloseNow()

	// Client frames are ignored; CloseRead cancels ctx when the peer closes.
	ctx := conn.CloseRead(r.Context())
	states := h.engine.States(ctx)
	events := h.engine.Events(ctx)

	slog.Debug("sync stream opened",
		"component", "api",
		"action", "stream_open",
		"request_id", GetRequestID(r.Context()),
	)

	for {
		var msg StreamMessage
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case s, ok := <-states:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "engine stopped")
				return
			}
			msg = StreamMessage{Type: "state", State: &s}
		case e, ok := <-events:
			if !ok {
				// Engine stopped or this client fell too far behind.
				conn.Close(websocket.StatusTryAgainLater, "event stream ended")
				return
			}
			msg = StreamMessage{Type: "event", Event: &e}
		}

		wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
		err := wsjson.Write(wctx, conn, msg)
		cancel()
		if err != nil {
			slog.Debug("sync stream closed", "component", "api", "error", err)
			return
		}
	}
}

// EnqueueOperation handles POST /api/v1/operations
func (h *Handler) EnqueueOperation(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return
	}

	op, err := h.engine.Enqueue(r.Context(), types.Mutation{
		Kind:            req.Kind,
		Method:          req.Method,
		Endpoint:        req.Endpoint,
		Payload:         req.Payload,
		RelatedEntityID: req.RelatedEntityID,
		Priority:        req.Priority,
		Entity:          req.Entity,
	})
	if err != nil {
		MapEngineError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, viewOf(op))
}

// ListOperations handles GET /api/v1/operations
func (h *Handler) ListOperations(w http.ResponseWriter, r *http.Request) {
	ops, err := h.engine.Pending(r.Context())
	if err != nil {
		MapEngineError(w, r, err)
		return
	}
	views := make([]OperationView, len(ops))
	for i, op := range ops {
		views[i] = viewOf(op)
	}
	writeJSON(w, http.StatusOK, map[string]any{"operations": views, "count": len(views)})
}

// ClearOperations handles DELETE /api/v1/operations?confirm=true
func (h *Handler) ClearOperations(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("confirm") != "true" {
		WriteProblem(w, r, http.StatusBadRequest, "Clearing the queue discards unsynced changes; pass confirm=true")
		return
	}
	n, err := h.engine.ClearQueue(r.Context())
	if err != nil {
		MapEngineError(w, r, err)
		return
	}
	slog.Warn("queue cleared",
		"component", "api",
		"action", "queue_clear",
		"cleared", n,
		"request_id", GetRequestID(r.Context()),
	)
	writeJSON(w, http.StatusOK, map[string]any{"cleared": n})
}

// ListDeadLetters handles GET /api/v1/dead-letters
func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	dead, err := h.engine.DeadLetters(r.Context())
	if err != nil {
		MapEngineError(w, r, err)
		return
	}
	if dead == nil {
		dead = []types.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": dead, "count": len(dead)})
}

// RetryDeadLetter handles POST /api/v1/dead-letters/{id}/retry
func (h *Handler) RetryDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	op, err := h.engine.RetryDeadLetter(r.Context(), id)
	if err != nil {
		MapEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(*op))
}

// GetEntity handles GET /api/v1/entities/{id}
func (h *Handler) GetEntity(w http.ResponseWriter, r *http.Request) {
	e, err := h.engine.Entity(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		MapEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}
