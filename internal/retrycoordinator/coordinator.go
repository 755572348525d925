// Package retrycoordinator implements the Retry Coordinator of spec
// section 4.7: it drives the candidate loop, accounts failures against
// the Node Registry, and — for streaming calls — builds a seamless
// caller-visible stream out of per-attempt streams stitched together with
// continuation prompts. Structurally it mirrors the teacher's
// shared/pkg/retry package's attempt-loop shape (bounded attempts,
// per-attempt error classification, logging on each failure) generalized
// from a fixed backoff policy to candidate exclusion across distinct
// remote endpoints.
package retrycoordinator

import (
	"context"
	"log"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/arcrelay/inferd/internal/gatewayerrs"
	"github.com/arcrelay/inferd/internal/models"
	"github.com/arcrelay/inferd/internal/relay"
	"github.com/arcrelay/inferd/internal/selector"
	"github.com/arcrelay/inferd/internal/telemetry"
)

// MaxAttempts caps the number of candidates tried per call, spec 4.7 step 2.
const MaxAttempts = 5

// Registry is the subset of *registry.Registry's API the coordinator needs.
type Registry interface {
	SnapshotAll() []*models.Node
	IncrementFailure(url string)
	ResetFailure(url string)
	SetStatus(url string, status models.NodeStatus)
	AdjustInFlight(url string, delta int64)
}

// RelayWorkers is the subset of *relay.Hub's API the coordinator needs to
// learn which wallet addresses currently have a live back-channel.
type RelayWorkers interface {
	ConnectedWorkers() []relay.ConnectedWorker
}

// Forwarder is the subset of *forwarder.Forwarder's API the coordinator
// drives per attempt.
type Forwarder interface {
	Dispatch(ctx context.Context, c selector.Candidate, req models.CompletionRequest) (models.CompletionResult, error)
	DispatchStream(ctx context.Context, c selector.Candidate, req models.CompletionRequest) (<-chan models.Chunk, func() error, error)
}

// Selector is the subset of *selector.Selector's API the coordinator uses
// to build the per-call candidate pool.
type Selector interface {
	BuildPool(nodes []*models.Node, connectedRelayAddresses map[string]bool, now time.Time) []selector.Candidate
}

// MetricsRecorder is the subset of *metrics.Exporter's API the coordinator
// reports attempt outcomes and pool sizes to.
type MetricsRecorder interface {
	RecordAttempt(result string)
	RecordPoolSize(n int)
}

// Coordinator drives forward/forwardStream over the candidate pool.
type Coordinator struct {
	registry  Registry
	relay     RelayWorkers
	forwarder Forwarder
	selector  Selector
	now       func() time.Time
	tracer    trace.Tracer
	metrics   MetricsRecorder
}

// New builds a Coordinator.
func New(registry Registry, relayHub RelayWorkers, fwd Forwarder, sel Selector) *Coordinator {
	return &Coordinator{registry: registry, relay: relayHub, forwarder: fwd, selector: sel, now: time.Now}
}

// SetTracer attaches a tracer so every attempt gets its own span. Safe to
// leave unset; an unset tracer means attempts aren't traced.
func (rc *Coordinator) SetTracer(p *telemetry.Provider) {
	if p != nil {
		rc.tracer = p.Tracer()
	}
}

// SetMetrics attaches a MetricsRecorder so every attempt and pool build is
// reported to /metrics. Safe to leave unset.
func (rc *Coordinator) SetMetrics(m MetricsRecorder) {
	rc.metrics = m
}

func (rc *Coordinator) recordPoolSize(n int) {
	if rc.metrics != nil {
		rc.metrics.RecordPoolSize(n)
	}
}

func (rc *Coordinator) recordAttemptOutcome(result string) {
	if rc.metrics != nil {
		rc.metrics.RecordAttempt(result)
	}
}

func (rc *Coordinator) startAttemptSpan(ctx context.Context, c selector.Candidate, attempt int) (context.Context, trace.Span) {
	if rc.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return rc.tracer.Start(ctx, "retrycoordinator.attempt", trace.WithAttributes(
		telemetry.CandidateAttributes(candidateLabel(c), string(c.NodeType), attempt)...,
	))
}

func (rc *Coordinator) buildPool() []selector.Candidate {
	addrs := make(map[string]bool)
	for _, w := range rc.relay.ConnectedWorkers() {
		addrs[w.Address] = true
	}
	pool := rc.selector.BuildPool(rc.registry.SnapshotAll(), addrs, rc.now())
	rc.recordPoolSize(len(pool))
	return pool
}

// Forward executes spec 4.7's candidate loop for a single non-streaming
// request and returns the first successful result.
func (rc *Coordinator) Forward(ctx context.Context, req models.CompletionRequest) (models.CompletionResult, error) {
	pool := rc.buildPool()
	if len(pool) == 0 {
		return models.CompletionResult{}, gatewayerrs.New(gatewayerrs.KindNoCandidates, "forward", "", "service unavailable", nil)
	}

	retries := MaxAttempts
	if len(pool) < retries {
		retries = len(pool)
	}
	excluded := make(map[string]bool)

	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		candidates := selector.Exclude(pool, excluded)
		if len(candidates) == 0 {
			break
		}
		chosen := candidates[0]
		excluded[selector.Key(chosen)] = true

		spanCtx, span := rc.startAttemptSpan(ctx, chosen, attempt)
		res, err := rc.attemptUnary(spanCtx, chosen, req)
		if err != nil {
			telemetry.SetError(spanCtx, err)
			telemetry.SetStatus(spanCtx, codes.Error, err.Error())
		}
		span.End()
		if err == nil {
			return res, nil
		}
		lastErr = err
		log.Printf("warn: retry coordinator: attempt against %s failed: %v", candidateLabel(chosen), err)
	}

	return models.CompletionResult{}, gatewayerrs.New(gatewayerrs.KindTransientNode, "forward", "", "all nodes failed", lastErr)
}

func (rc *Coordinator) attemptUnary(ctx context.Context, c selector.Candidate, req models.CompletionRequest) (models.CompletionResult, error) {
	if c.URL != "" {
		rc.registry.AdjustInFlight(c.URL, 1)
		defer rc.registry.AdjustInFlight(c.URL, -1)
	}

	res, err := rc.forwarder.Dispatch(ctx, c, req)
	rc.recordOutcome(c, err)
	if err != nil {
		return models.CompletionResult{}, err
	}
	if res.WalletAddress == "" {
		res.WalletAddress = c.WalletAddress
	}
	return res, nil
}

// StreamResult is what ForwardStream's wait function returns once the
// caller-visible stream is fully resolved: the address to attribute usage
// to (the last candidate that produced output, empty if none did) and the
// terminal error, nil on clean completion.
type StreamResult struct {
	WalletAddress string
	Err           error
}

// ForwardStream executes spec 4.7's candidate loop for a streaming
// request. The returned channel carries the caller-visible stream — the
// concatenation of each attempt's chunks in attempt order, seamlessly
// continued across failures — and the returned function blocks until the
// stream is fully resolved.
func (rc *Coordinator) ForwardStream(ctx context.Context, req models.CompletionRequest) (<-chan models.Chunk, func() StreamResult) {
	out := make(chan models.Chunk, 16)
	resultCh := make(chan StreamResult, 1)

	go func() {
		defer close(out)
		resultCh <- rc.runStream(ctx, req, out)
	}()

	return out, func() StreamResult { return <-resultCh }
}

func (rc *Coordinator) runStream(ctx context.Context, req models.CompletionRequest, out chan<- models.Chunk) StreamResult {
	pool := rc.buildPool()
	if len(pool) == 0 {
		return StreamResult{Err: gatewayerrs.New(gatewayerrs.KindNoCandidates, "forwardStream", "", "service unavailable", nil)}
	}

	retries := MaxAttempts
	if len(pool) < retries {
		retries = len(pool)
	}
	excluded := make(map[string]bool)
	accumulated := ""

	var lastErr error
	var attributedTo string
	for attempt := 0; attempt < retries; attempt++ {
		candidates := selector.Exclude(pool, excluded)
		if len(candidates) == 0 {
			break
		}
		chosen := candidates[0]
		excluded[selector.Key(chosen)] = true

		effective := req
		if attempt > 0 && accumulated != "" {
			effective = continuationRequest(req, accumulated)
		}

		spanCtx, span := rc.startAttemptSpan(ctx, chosen, attempt)
		produced, err := rc.attemptStream(spanCtx, chosen, effective, out, &accumulated)
		if err != nil {
			telemetry.SetError(spanCtx, err)
			telemetry.SetStatus(spanCtx, codes.Error, err.Error())
		}
		span.End()
		if produced > 0 {
			attributedTo = candidateWallet(chosen)
		}
		if err == nil {
			return StreamResult{WalletAddress: attributedTo}
		}
		lastErr = err
		log.Printf("warn: retry coordinator: stream attempt against %s failed after %d chunks: %v", candidateLabel(chosen), produced, err)
		if ctx.Err() != nil {
			return StreamResult{WalletAddress: attributedTo, Err: ctx.Err()}
		}
	}

	return StreamResult{WalletAddress: attributedTo, Err: gatewayerrs.New(gatewayerrs.KindTransientNode, "forwardStream", "", "all nodes failed", lastErr)}
}

// attemptStream runs one attempt, forwarding chunks to out in arrival
// order and appending them to *accumulated as they arrive, so a
// subsequent attempt's continuation prompt has exactly what the caller
// has already seen.
func (rc *Coordinator) attemptStream(ctx context.Context, c selector.Candidate, req models.CompletionRequest, out chan<- models.Chunk, accumulated *string) (int, error) {
	if c.URL != "" {
		rc.registry.AdjustInFlight(c.URL, 1)
		defer rc.registry.AdjustInFlight(c.URL, -1)
	}

	chunks, wait, err := rc.forwarder.DispatchStream(ctx, c, req)
	if err != nil {
		rc.recordOutcome(c, err)
		return 0, err
	}

	produced := 0
	for chunk := range chunks {
		out <- chunk
		*accumulated += chunk.Content
		produced++
	}
	err = wait()
	rc.recordOutcome(c, err)
	return produced, err
}

// recordOutcome applies spec 4.7.e/f: reset the failure counter on
// success, or increment it on failure — forcing the node offline
// immediately when the failure looks like the transport never reached it.
func (rc *Coordinator) recordOutcome(c selector.Candidate, err error) {
	if err == nil {
		rc.recordAttemptOutcome("success")
	} else {
		rc.recordAttemptOutcome("failure")
	}
	if c.URL == "" {
		return // relay candidates have no registry record to update
	}
	if err == nil {
		rc.registry.ResetFailure(c.URL)
		return
	}
	rc.registry.IncrementFailure(c.URL)
	if gatewayerrs.IsConnectionError(err) {
		rc.registry.SetStatus(c.URL, models.NodeStatusOffline)
	}
}

func candidateLabel(c selector.Candidate) string {
	if c.URL != "" {
		return c.URL
	}
	return "relay://" + c.WalletAddress
}

func candidateWallet(c selector.Candidate) string { return c.WalletAddress }
