// Package api implements the client-facing HTTP surface named in spec
// section 6: the OpenAI-compatible completions endpoint plus the
// operational /healthz endpoint supplemented in SPEC_FULL.md section 12
// (/metrics is served on a separate listener by cmd/gatewayd, not by this
// package). It mirrors the teacher's shared/pkg/api
// package: a handler struct holding its collaborators, a RegisterRoutes
// method binding gorilla/mux routes, and one method per route.
package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/arcrelay/inferd/internal/gatewayerrs"
	"github.com/arcrelay/inferd/internal/models"
	"github.com/arcrelay/inferd/internal/retrycoordinator"
	"github.com/arcrelay/inferd/internal/selfstats"
)

// NodeLister is the subset of *registry.Registry's API the operator
// introspection endpoints read from.
type NodeLister interface {
	SnapshotAll() []*models.Node
	Get(url string) *models.Node
}

// Coordinator is the subset of *retrycoordinator.Coordinator's API the
// HTTP layer drives.
type Coordinator interface {
	Forward(ctx context.Context, req models.CompletionRequest) (models.CompletionResult, error)
	ForwardStream(ctx context.Context, req models.CompletionRequest) (<-chan models.Chunk, func() retrycoordinator.StreamResult)
}

// UsageRecorder is the subset of *usage.Tracker's API the HTTP layer
// reports completed requests to.
type UsageRecorder interface {
	Record(walletAddress string, tokens int64, latency time.Duration)
}

// SelfStats is the subset of *selfstats.Sampler's API /healthz reports.
type SelfStats interface {
	Sample(window time.Duration) selfstats.Snapshot
}

// Handler serves the client-facing HTTP surface.
type Handler struct {
	coordinator Coordinator
	usage       UsageRecorder
	stats       SelfStats
	nodes       NodeLister
	startedAt   time.Time
}

// NewHandler builds a Handler.
func NewHandler(coordinator Coordinator, usage UsageRecorder) *Handler {
	return &Handler{coordinator: coordinator, usage: usage, startedAt: time.Now()}
}

// WithSelfStats attaches a self-stats sampler so /healthz reports the
// gateway host's CPU/memory usage. Optional; Healthz omits those
// fields when unset.
func (h *Handler) WithSelfStats(s SelfStats) *Handler {
	h.stats = s
	return h
}

// WithNodeLister attaches the Node Registry so the operator introspection
// endpoints (/v1/nodes, /v1/nodes/{id}) can serve inferctl. Optional;
// those routes 404 when unset.
func (h *Handler) WithNodeLister(n NodeLister) *Handler {
	h.nodes = n
	return h
}

// RegisterRoutes mounts the client-facing endpoints on r.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/v1/chat/completions", h.ChatCompletions).Methods(http.MethodPost)
	r.HandleFunc("/healthz", h.Healthz).Methods(http.MethodGet)
	r.HandleFunc("/v1/nodes", h.ListNodes).Methods(http.MethodGet)
	r.HandleFunc("/v1/nodes/{id}", h.GetNode).Methods(http.MethodGet)
}

// nodeDTO is the operator-facing projection of models.Node served to
// inferctl, mirroring the shape the teacher's GetNodeDetails/ListNodes
// return for its own node records.
type nodeDTO struct {
	ID            string  `json:"id"`
	Type          string  `json:"type"`
	Status        string  `json:"status"`
	CapacityScore float64 `json:"capacity_score"`
	InFlight      int64   `json:"in_flight"`
	Failures      int     `json:"consecutive_failures"`
}

func toNodeDTO(n *models.Node) nodeDTO {
	id := n.URL
	if id == "" {
		id = "relay://" + n.WalletAddress
	}
	return nodeDTO{
		ID:            id,
		Type:          string(n.Type),
		Status:        string(n.Status),
		CapacityScore: n.CapacityScore,
		InFlight:      n.InFlight,
		Failures:      n.ConsecutiveFails,
	}
}

// ListNodes serves GET /v1/nodes for inferctl's "nodes list".
func (h *Handler) ListNodes(w http.ResponseWriter, r *http.Request) {
	if h.nodes == nil {
		writeError(w, http.StatusNotFound, "node introspection not configured")
		return
	}
	nodes := h.nodes.SnapshotAll()
	out := make([]nodeDTO, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, toNodeDTO(n))
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"nodes": out, "count": len(out)})
}

// GetNode serves GET /v1/nodes/{id} for inferctl's "nodes describe".
func (h *Handler) GetNode(w http.ResponseWriter, r *http.Request) {
	if h.nodes == nil {
		writeError(w, http.StatusNotFound, "node introspection not configured")
		return
	}
	id := mux.Vars(r)["id"]
	n := h.nodes.Get(id)
	if n == nil {
		writeError(w, http.StatusNotFound, "node not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toNodeDTO(n))
}

// ChatCompletions serves POST /v1/chat/completions, dispatching to the
// Retry Coordinator and rendering either a single JSON response or an
// SSE stream depending on the request's "stream" field (spec section 6).
func (h *Handler) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req chatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "request body is not valid JSON")
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.Stream {
		h.serveStream(w, r, req)
		return
	}
	h.serveUnary(w, r, req)
}

func (h *Handler) serveUnary(w http.ResponseWriter, r *http.Request, req chatCompletionRequest) {
	start := time.Now()
	res, err := h.coordinator.Forward(r.Context(), req.toCompletionRequest())
	if err != nil {
		writeGatewayError(w, err)
		return
	}

	promptTokens := res.PromptTokens
	if promptTokens == 0 {
		promptTokens = estimateTokens(flattenMessages(req.Messages))
	}
	completionTokens := res.CompletionTokens
	if completionTokens == 0 {
		completionTokens = estimateTokens(res.Content)
	}
	h.usage.Record(res.WalletAddress, int64(completionTokens), time.Since(start))

	resp := chatCompletionResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: start.Unix(),
		Model:   req.Model,
		Choices: []chatCompletionChoice{{
			Index:        0,
			Message:      &chatMessage{Role: "assistant", Content: res.Content},
			FinishReason: strPtr("stop"),
		}},
		Usage: chatCompletionUsage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (h *Handler) serveStream(w http.ResponseWriter, r *http.Request, req chatCompletionRequest) {
	sse, ok := newSSEWriter(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported by this response writer")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	id := "chatcmpl-" + uuid.NewString()
	created := time.Now().Unix()
	start := time.Now()

	chunks, wait := h.coordinator.ForwardStream(ctx, req.toCompletionRequest())

	sse.writeEvent(streamEvent(id, created, req.Model, &chatMessage{Role: "assistant"}, nil))

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	var content string
	streamLoop := true
	for streamLoop {
		select {
		case chunk, open := <-chunks:
			if !open {
				streamLoop = false
				continue
			}
			content += chunk.Content
			if err := sse.writeEvent(streamEvent(id, created, req.Model, &chatMessage{Content: chunk.Content}, nil)); err != nil {
				cancel()
				return
			}
		case <-heartbeat.C:
			if err := sse.writeHeartbeat(); err != nil {
				cancel()
				return
			}
		}
	}

	result := wait()
	if result.Err != nil {
		log.Printf("warn: api: stream for %s ended with error: %v", id, result.Err)
	}
	sse.writeEvent(streamEvent(id, created, req.Model, &chatMessage{}, strPtr("stop")))
	sse.writeDone()

	h.usage.Record(result.WalletAddress, int64(estimateTokens(content)), time.Since(start))
}

func streamEvent(id string, created int64, model string, delta *chatMessage, finishReason *string) chatCompletionResponse {
	return chatCompletionResponse{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   model,
		Choices: []chatCompletionChoice{{Index: 0, Delta: delta, FinishReason: finishReason}},
	}
}

func flattenMessages(messages []models.ChatMessage) string {
	total := ""
	for _, m := range messages {
		total += m.Content
	}
	return total
}

// Healthz reports basic liveness for the gateway's own HTTP server,
// distinct from the {node}/health endpoint the Health Prober calls
// outbound (SPEC_FULL.md section 12).
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": time.Since(h.startedAt).Seconds(),
	}
	if h.stats != nil {
		snap := h.stats.Sample(100 * time.Millisecond)
		body["cpu_percent"] = snap.CPUPercent
		body["memory_bytes"] = snap.MemoryBytes
		body["goroutines"] = snap.Goroutines
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	var resp errorResponse
	resp.Error.Message = message
	resp.Error.Type = "invalid_request_error"
	json.NewEncoder(w).Encode(resp)
}

func writeGatewayError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	kind := gatewayerrs.KindOf(err)
	switch kind {
	case gatewayerrs.KindValidation:
		status = http.StatusBadRequest
	case gatewayerrs.KindAuthorization:
		status = http.StatusUnauthorized
	case gatewayerrs.KindTier:
		status = http.StatusForbidden
	case gatewayerrs.KindNoCandidates, gatewayerrs.KindTransientNode:
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	var resp errorResponse
	resp.Error.Message = err.Error()
	resp.Error.Type = kind.String()
	json.NewEncoder(w).Encode(resp)
}
