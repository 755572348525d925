// Package relay implements the Worker Relay of spec section 4.4: a
// server-side hub that accepts worker-initiated WebSocket connections,
// authenticates them with an EIP-191 handshake, and exposes each live
// connection as an addressable inference endpoint the Forwarder can
// dispatch unary and streaming requests into.
//
// The hub's two maps (address -> connection, request id -> pending) each
// sit behind their own mutex, matching the teacher's
// shared/pkg/store.MemoryStore convention of one lock per logical map
// rather than one lock for the whole store.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Close codes, spec section 6.
const (
	CloseAuthTimeout        = 4001
	CloseExpectedAuth       = 4002
	CloseMissingFields      = 4003
	CloseTimestampDrift     = 4004
	CloseInvalidSignature   = 4005
	CloseReplacedConnection = 4010
)

var (
	// ErrDisconnected is the sentinel the hub fails pendings with when
	// their owning worker connection goes away mid-request.
	ErrDisconnected = errors.New("worker disconnected")
	// ErrPendingTimeout is returned when a pending's inactivity timer
	// expires before the worker replies.
	ErrPendingTimeout = errors.New("pending request timed out")
	// ErrShutdown is returned for every pending entity still open when the
	// relay is shut down.
	ErrShutdown = errors.New("relay service shutting down")
	// ErrWorkerNotConnected is returned when dispatch is attempted against
	// an address with no live connection.
	ErrWorkerNotConnected = errors.New("worker not connected")
)

// connection is one authenticated worker's live socket plus its metadata.
type connection struct {
	address    string
	model      string
	connectAt  time.Time
	conn       *websocket.Conn
	writeMu    sync.Mutex // gorilla/websocket connections may not be written from two goroutines concurrently
	closed     chan struct{}
	closedOnce sync.Once
}

func (c *connection) writeJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

// ConnectedWorker is the read-only view of a live back-channel session.
type ConnectedWorker struct {
	Address   string
	Model     string
	ConnectAt time.Time
}

// Hub owns every Connected Worker and every Pending Request/Stream.
type Hub struct {
	authTimeout       time.Duration
	pendingInactivity time.Duration
	pingInterval      time.Duration
	unaryTimeout      time.Duration

	connMu sync.RWMutex
	conns  map[string]*connection // keyed by lowercase wallet address

	pendingMu      sync.Mutex
	pendingUnaries map[string]*pendingUnary
	pendingStreams map[string]*pendingStream
	pendingOwner   map[string]string // request id -> owning address, for disconnect cleanup

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// New builds a Hub with the timeouts of spec section 6.
func New(authTimeout, pendingInactivity, pingInterval, unaryTimeout time.Duration) *Hub {
	return &Hub{
		authTimeout:       authTimeout,
		pendingInactivity: pendingInactivity,
		pingInterval:      pingInterval,
		unaryTimeout:      unaryTimeout,
		conns:             make(map[string]*connection),
		pendingUnaries:    make(map[string]*pendingUnary),
		pendingStreams:    make(map[string]*pendingStream),
		pendingOwner:      make(map[string]string),
		shutdownCh:        make(chan struct{}),
	}
}

// RunPingLoop sends low-level pings to every connection every pingInterval
// and drops any connection that is no longer open, per spec section 4.4.
func (h *Hub) RunPingLoop(ctx context.Context) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.pingAll()
		}
	}
}

func (h *Hub) pingAll() {
	h.connMu.RLock()
	targets := make([]*connection, 0, len(h.conns))
	for _, c := range h.conns {
		targets = append(targets, c)
	}
	h.connMu.RUnlock()

	for _, c := range targets {
		c.writeMu.Lock()
		err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
		c.writeMu.Unlock()
		if err != nil {
			h.dropConnection(c, ErrDisconnected)
		}
	}
}

// HandleConnection runs the full lifecycle of one inbound socket: the auth
// handshake, then the steady-state read loop, until the socket closes.
func (h *Hub) HandleConnection(conn *websocket.Conn) {
	c, err := h.authenticate(conn)
	if err != nil {
		log.Printf("warn: relay: auth handshake failed: %v", err)
		return
	}

	h.register(c)
	defer h.dropConnection(c, ErrDisconnected)

	h.readLoop(c)
}

func (h *Hub) authenticate(conn *websocket.Conn) (*connection, error) {
	type result struct {
		frame authFrame
		err   error
	}
	resultCh := make(chan result, 1)

	go func() {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			resultCh <- result{err: err}
			return
		}
		if env.Type != msgTypeAuth {
			resultCh <- result{err: fmt.Errorf("expected auth frame, got %q", env.Type)}
			return
		}
		var frame authFrame
		if err := json.Unmarshal(env.Payload, &frame); err != nil {
			resultCh <- result{err: err}
			return
		}
		resultCh <- result{frame: frame}
	}()

	select {
	case <-time.After(h.authTimeout):
		closeWithCode(conn, CloseAuthTimeout, "auth timeout")
		return nil, fmt.Errorf("auth handshake timed out")
	case res := <-resultCh:
		if res.err != nil {
			closeWithCode(conn, CloseExpectedAuth, "expected auth frame")
			return nil, res.err
		}
		if err := verifyAuthFrame(res.frame, time.Now()); err != nil {
			code := authRejectionCode(err)
			payload, _ := encode(msgTypeAuthError, authErrorFrame{Message: err.Error()})
			conn.WriteMessage(websocket.TextMessage, payload)
			closeWithCode(conn, code, err.Error())
			return nil, err
		}

		c := &connection{
			address:   lowerAddress(res.frame.Address),
			model:     res.frame.Model,
			connectAt: time.Now(),
			conn:      conn,
			closed:    make(chan struct{}),
		}
		payload, _ := encode(msgTypeAuthOK, struct{}{})
		if err := c.writeJSON(json.RawMessage(payload)); err != nil {
			return nil, fmt.Errorf("sending auth_ok: %w", err)
		}
		return c, nil
	}
}

func authRejectionCode(err error) int {
	msg := err.Error()
	switch {
	case containsAny(msg, "missing required"):
		return CloseMissingFields
	case containsAny(msg, "drift"):
		return CloseTimestampDrift
	default:
		return CloseInvalidSignature
	}
}

func containsAny(s, substr string) bool {
	return len(s) >= len(substr) && (indexOf(s, substr) >= 0)
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}

func closeWithCode(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	conn.Close()
}

func lowerAddress(addr string) string {
	out := make([]byte, len(addr))
	for i := 0; i < len(addr); i++ {
		b := addr[i]
		if b >= 'A' && b <= 'Z' {
			b += 'a' - 'A'
		}
		out[i] = b
	}
	return string(out)
}

// register installs c as the live connection for its address, closing any
// prior connection for the same address first (spec 4.4: "A new connection
// for an already-registered address closes the prior one").
func (h *Hub) register(c *connection) {
	h.connMu.Lock()
	prior, existed := h.conns[c.address]
	h.conns[c.address] = c
	h.connMu.Unlock()

	if existed {
		closeWithCode(prior.conn, CloseReplacedConnection, "replaced by new connection")
		h.failPendingFor(prior.address, ErrDisconnected)
	}
}

// dropConnection removes the connection (if it is still the registered one
// for its address) and synchronously fails every pending entity it owned.
func (h *Hub) dropConnection(c *connection, cause error) {
	h.connMu.Lock()
	current, ok := h.conns[c.address]
	registered := ok && current == c
	if registered {
		delete(h.conns, c.address)
	}
	h.connMu.Unlock()

	c.closedOnce.Do(func() { close(c.closed) })
	c.conn.Close()
	if registered {
		h.failPendingFor(c.address, cause)
	}
}

func (h *Hub) readLoop(c *connection) {
	for {
		var env envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			return
		}
		h.dispatchIncoming(c, env)
	}
}

func (h *Hub) dispatchIncoming(c *connection, env envelope) {
	switch env.Type {
	case msgTypeResponse:
		var f responseFrame
		if err := json.Unmarshal(env.Payload, &f); err != nil {
			log.Printf("warn: relay: malformed response frame from %s: %v", c.address, err)
			return
		}
		content := ""
		if len(f.Choices) > 0 {
			content = f.Choices[0].Message.Content
		}
		h.resolveUnary(f.ID, content, nil)
	case msgTypeChunk:
		var f chunkFrame
		if err := json.Unmarshal(env.Payload, &f); err != nil {
			return
		}
		h.emitChunk(f.ID, f.Content)
	case msgTypeDone:
		var f doneFrame
		if err := json.Unmarshal(env.Payload, &f); err != nil {
			return
		}
		h.finishStream(f.ID, nil)
	case msgTypeError:
		var f errorFrame
		if err := json.Unmarshal(env.Payload, &f); err != nil {
			return
		}
		err := fmt.Errorf("worker error: %s", f.Message)
		h.resolveUnary(f.ID, "", err)
		h.finishStream(f.ID, err)
	case msgTypePing:
		payload, _ := encode(msgTypePong, struct{}{})
		c.writeJSON(json.RawMessage(payload))
	default:
		log.Printf("info: relay: ignoring unknown message type %q from %s", env.Type, c.address)
	}
}

// ConnectedWorkers returns a snapshot of every live, authenticated worker.
func (h *Hub) ConnectedWorkers() []ConnectedWorker {
	h.connMu.RLock()
	defer h.connMu.RUnlock()
	out := make([]ConnectedWorker, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, ConnectedWorker{Address: c.address, Model: c.model, ConnectAt: c.connectAt})
	}
	return out
}

// IsConnected reports whether address currently has a live connection.
func (h *Hub) IsConnected(address string) bool {
	h.connMu.RLock()
	defer h.connMu.RUnlock()
	_, ok := h.conns[lowerAddress(address)]
	return ok
}

// SendRequest dispatches a unary request to the worker at address and
// blocks until the worker replies, the pending times out, the worker
// disconnects, or ctx is cancelled.
func (h *Hub) SendRequest(ctx context.Context, address string, req UnaryRequest) (string, error) {
	address = lowerAddress(address)
	h.connMu.RLock()
	c, ok := h.conns[address]
	h.connMu.RUnlock()
	if !ok {
		return "", ErrWorkerNotConnected
	}

	id := uuid.NewString()
	pending := &pendingUnary{workerAddress: address, resultCh: make(chan unaryResult, 1)}
	pending.timer = time.AfterFunc(h.unaryTimeout, func() {
		h.resolveUnary(id, "", ErrPendingTimeout)
	})

	h.pendingMu.Lock()
	h.pendingUnaries[id] = pending
	h.pendingOwner[id] = address
	h.pendingMu.Unlock()

	frame := requestFrameFrom(id, req)
	payload, err := encode(msgTypeRequest, frame)
	if err != nil {
		h.removePending(id)
		return "", fmt.Errorf("encoding request: %w", err)
	}
	if err := c.writeJSON(json.RawMessage(payload)); err != nil {
		h.removePending(id)
		return "", fmt.Errorf("writing request to worker: %w", err)
	}

	select {
	case <-ctx.Done():
		h.removePending(id)
		return "", ctx.Err()
	case res := <-pending.resultCh:
		return res.content, res.err
	}
}

// UnaryRequest is the protocol-agnostic shape SendRequest/SendStreamRequest
// accept; the Forwarder builds it from models.CompletionRequest.
type UnaryRequest struct {
	Messages    []ChatTurn
	Prompt      string
	MaxTokens   int
	Temperature float64
	TopP        float64
}

// ChatTurn is one message in a chat-style request.
type ChatTurn struct {
	Role    string
	Content string
}

func requestFrameFrom(id string, req UnaryRequest) requestFrame {
	f := requestFrame{
		ID:          id,
		Prompt:      req.Prompt,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}
	for _, m := range req.Messages {
		f.Messages = append(f.Messages, chatMessage{Role: m.Role, Content: m.Content})
	}
	return f
}

// SendStreamRequest dispatches a streaming request and returns a channel of
// content fragments plus a function that returns the terminal error (nil on
// clean completion). The returned channel is closed when the stream ends.
func (h *Hub) SendStreamRequest(ctx context.Context, address string, req UnaryRequest) (<-chan string, func() error, error) {
	address = lowerAddress(address)
	h.connMu.RLock()
	c, ok := h.conns[address]
	h.connMu.RUnlock()
	if !ok {
		return nil, nil, ErrWorkerNotConnected
	}

	id := uuid.NewString()
	stream := newPendingStream(address, h.pendingInactivity)
	stream.timer = time.AfterFunc(h.pendingInactivity, func() {
		h.finishStream(id, ErrPendingTimeout)
	})

	h.pendingMu.Lock()
	h.pendingStreams[id] = stream
	h.pendingOwner[id] = address
	h.pendingMu.Unlock()

	frame := requestFrameFrom(id, req)
	frame.Stream = true
	payload, err := encode(msgTypeRequest, frame)
	if err != nil {
		h.removePending(id)
		return nil, nil, fmt.Errorf("encoding request: %w", err)
	}
	if err := c.writeJSON(json.RawMessage(payload)); err != nil {
		h.removePending(id)
		return nil, nil, fmt.Errorf("writing request to worker: %w", err)
	}

	var terminal error
	var once sync.Once
	waitDone := func() error {
		once.Do(func() {
			select {
			case terminal = <-stream.doneCh:
			case <-ctx.Done():
				terminal = ctx.Err()
			}
		})
		return terminal
	}

	go func() {
		<-ctx.Done()
		h.removePending(id)
	}()

	return stream.chunkCh, waitDone, nil
}

func (h *Hub) resolveUnary(id, content string, err error) {
	h.pendingMu.Lock()
	pending, ok := h.pendingUnaries[id]
	if ok {
		delete(h.pendingUnaries, id)
		delete(h.pendingOwner, id)
	}
	h.pendingMu.Unlock()
	if ok {
		pending.resolve(content, err)
	}
}

func (h *Hub) emitChunk(id, content string) {
	h.pendingMu.Lock()
	stream, ok := h.pendingStreams[id]
	h.pendingMu.Unlock()
	if ok {
		stream.emit(content)
	}
}

func (h *Hub) finishStream(id string, err error) {
	h.pendingMu.Lock()
	stream, ok := h.pendingStreams[id]
	if ok {
		delete(h.pendingStreams, id)
		delete(h.pendingOwner, id)
	}
	h.pendingMu.Unlock()
	if ok {
		stream.finish(err)
	}
}

func (h *Hub) removePending(id string) {
	h.pendingMu.Lock()
	defer h.pendingMu.Unlock()
	if p, ok := h.pendingUnaries[id]; ok {
		delete(h.pendingUnaries, id)
		delete(h.pendingOwner, id)
		p.resolve("", ErrShutdown)
	}
	if s, ok := h.pendingStreams[id]; ok {
		delete(h.pendingStreams, id)
		delete(h.pendingOwner, id)
		s.finish(ErrShutdown)
	}
}

// failPendingFor synchronously fails every pending entity owned by
// address, serializing against resolveUnary/emitChunk/finishStream so a
// pending is completed exactly once — either by its reply or by this
// disconnect path, never both (spec section 5).
func (h *Hub) failPendingFor(address string, cause error) {
	h.pendingMu.Lock()
	var unaryIDs, streamIDs []string
	for id, owner := range h.pendingOwner {
		if owner != address {
			continue
		}
		if _, ok := h.pendingUnaries[id]; ok {
			unaryIDs = append(unaryIDs, id)
		}
		if _, ok := h.pendingStreams[id]; ok {
			streamIDs = append(streamIDs, id)
		}
	}
	unaries := make([]*pendingUnary, 0, len(unaryIDs))
	for _, id := range unaryIDs {
		unaries = append(unaries, h.pendingUnaries[id])
		delete(h.pendingUnaries, id)
		delete(h.pendingOwner, id)
	}
	streams := make([]*pendingStream, 0, len(streamIDs))
	for _, id := range streamIDs {
		streams = append(streams, h.pendingStreams[id])
		delete(h.pendingStreams, id)
		delete(h.pendingOwner, id)
	}
	h.pendingMu.Unlock()

	for _, p := range unaries {
		p.resolve("", cause)
	}
	for _, s := range streams {
		s.finish(cause)
	}
}

// Shutdown fails every pending entity with ErrShutdown and closes every
// connected worker socket, per spec section 4.4.
func (h *Hub) Shutdown() {
	h.shutdownOnce.Do(func() {
		close(h.shutdownCh)

		h.pendingMu.Lock()
		unaries := make([]*pendingUnary, 0, len(h.pendingUnaries))
		for _, p := range h.pendingUnaries {
			unaries = append(unaries, p)
		}
		streams := make([]*pendingStream, 0, len(h.pendingStreams))
		for _, s := range h.pendingStreams {
			streams = append(streams, s)
		}
		h.pendingUnaries = make(map[string]*pendingUnary)
		h.pendingStreams = make(map[string]*pendingStream)
		h.pendingOwner = make(map[string]string)
		h.pendingMu.Unlock()

		for _, p := range unaries {
			p.resolve("", ErrShutdown)
		}
		for _, s := range streams {
			s.finish(ErrShutdown)
		}

		h.connMu.Lock()
		conns := make([]*connection, 0, len(h.conns))
		for _, c := range h.conns {
			conns = append(conns, c)
		}
		h.conns = make(map[string]*connection)
		h.connMu.Unlock()

		for _, c := range conns {
			c.conn.Close()
		}
	})
}
