package retrycoordinator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arcrelay/inferd/internal/gatewayerrs"
	"github.com/arcrelay/inferd/internal/models"
	"github.com/arcrelay/inferd/internal/relay"
	"github.com/arcrelay/inferd/internal/selector"
)

type fakeRegistry struct {
	nodes     []*models.Node
	failures  map[string]int
	offline   map[string]bool
	inFlight  map[string]int64
}

func newFakeRegistry(nodes ...*models.Node) *fakeRegistry {
	return &fakeRegistry{nodes: nodes, failures: map[string]int{}, offline: map[string]bool{}, inFlight: map[string]int64{}}
}

func (r *fakeRegistry) SnapshotAll() []*models.Node { return r.nodes }
func (r *fakeRegistry) IncrementFailure(url string) { r.failures[url]++ }
func (r *fakeRegistry) ResetFailure(url string)      { r.failures[url] = 0 }
func (r *fakeRegistry) SetStatus(url string, status models.NodeStatus) {
	r.offline[url] = status == models.NodeStatusOffline
}
func (r *fakeRegistry) AdjustInFlight(url string, delta int64) { r.inFlight[url] += delta }

type fakeRelayWorkers struct{ workers []relay.ConnectedWorker }

func (f *fakeRelayWorkers) ConnectedWorkers() []relay.ConnectedWorker { return f.workers }

type fakeSelector struct{}

func (fakeSelector) BuildPool(nodes []*models.Node, addrs map[string]bool, now time.Time) []selector.Candidate {
	out := make([]selector.Candidate, 0, len(nodes))
	for _, n := range nodes {
		if !n.Selectable(now) {
			continue
		}
		out = append(out, selector.Candidate{URL: n.URL, WalletAddress: n.WalletAddress, NodeType: n.Type, CapacityScore: n.CapacityScore})
	}
	return out
}

type scriptedForwarder struct {
	unary  map[string]func() (models.CompletionResult, error)
	stream map[string]func() (<-chan models.Chunk, func() error, error)
}

func (f *scriptedForwarder) Dispatch(ctx context.Context, c selector.Candidate, req models.CompletionRequest) (models.CompletionResult, error) {
	return f.unary[c.URL]()
}

func (f *scriptedForwarder) DispatchStream(ctx context.Context, c selector.Candidate, req models.CompletionRequest) (<-chan models.Chunk, func() error, error) {
	return f.stream[c.URL]()
}

func node(url string) *models.Node {
	return &models.Node{URL: url, Status: models.NodeStatusOnline, Type: models.NodeTypeOpenAI, CapacityScore: 1}
}

type fakeMetricsRecorder struct {
	attempts []string
	poolSize []int
}

func (f *fakeMetricsRecorder) RecordAttempt(result string) { f.attempts = append(f.attempts, result) }
func (f *fakeMetricsRecorder) RecordPoolSize(n int)         { f.poolSize = append(f.poolSize, n) }

func TestForwardFailsOverToSecondCandidate(t *testing.T) {
	a, b := node("http://a"), node("http://b")
	reg := newFakeRegistry(a, b)
	fwd := &scriptedForwarder{unary: map[string]func() (models.CompletionResult, error){
		"http://a": func() (models.CompletionResult, error) { return models.CompletionResult{}, errors.New("boom") },
		"http://b": func() (models.CompletionResult, error) { return models.CompletionResult{Content: "ok"}, nil },
	}}
	rc := New(reg, &fakeRelayWorkers{}, fwd, fakeSelector{})
	metricsRecorder := &fakeMetricsRecorder{}
	rc.SetMetrics(metricsRecorder)

	res, err := rc.Forward(context.Background(), models.CompletionRequest{Model: "m"})
	require.NoError(t, err)
	require.Equal(t, "ok", res.Content)
	require.Equal(t, 1, reg.failures["http://a"])
	require.Equal(t, []string{"failure", "success"}, metricsRecorder.attempts)
	require.Equal(t, []int{2}, metricsRecorder.poolSize)
}

func TestForwardFailsWithNoCandidates(t *testing.T) {
	reg := newFakeRegistry()
	rc := New(reg, &fakeRelayWorkers{}, &scriptedForwarder{}, fakeSelector{})

	_, err := rc.Forward(context.Background(), models.CompletionRequest{Model: "m"})
	require.Error(t, err)
	require.Equal(t, gatewayerrs.KindNoCandidates, gatewayerrs.KindOf(err))
}

func TestForwardExhaustsAllCandidates(t *testing.T) {
	a := node("http://a")
	reg := newFakeRegistry(a)
	fwd := &scriptedForwarder{unary: map[string]func() (models.CompletionResult, error){
		"http://a": func() (models.CompletionResult, error) { return models.CompletionResult{}, errors.New("boom") },
	}}
	rc := New(reg, &fakeRelayWorkers{}, fwd, fakeSelector{})

	_, err := rc.Forward(context.Background(), models.CompletionRequest{Model: "m"})
	require.Error(t, err)
	require.Equal(t, gatewayerrs.KindTransientNode, gatewayerrs.KindOf(err))
}

func TestForwardStreamContinuesAcrossFailure(t *testing.T) {
	a, b := node("http://a"), node("http://b")
	reg := newFakeRegistry(a, b)

	fwd := &scriptedForwarder{stream: map[string]func() (<-chan models.Chunk, func() error, error){
		"http://a": func() (<-chan models.Chunk, func() error, error) {
			ch := make(chan models.Chunk, 2)
			ch <- models.Chunk{Content: "Hello "}
			ch <- models.Chunk{Content: "world"}
			close(ch)
			return ch, func() error { return errors.New("transport dropped") }, nil
		},
		"http://b": func() (<-chan models.Chunk, func() error, error) {
			ch := make(chan models.Chunk, 1)
			ch <- models.Chunk{Content: "!"}
			close(ch)
			return ch, func() error { return nil }, nil
		},
	}}
	rc := New(reg, &fakeRelayWorkers{}, fwd, fakeSelector{})

	chunks, wait := rc.ForwardStream(context.Background(), models.CompletionRequest{Model: "m"})
	var got string
	for c := range chunks {
		got += c.Content
	}
	res := wait()
	require.NoError(t, res.Err)
	require.Equal(t, "Hello world!", got)
}

func TestContinuationRequestAppendsAssistantAndContinueMessages(t *testing.T) {
	req := models.CompletionRequest{Messages: []models.ChatMessage{{Role: "user", Content: "hi"}}}
	next := continuationRequest(req, "Hello world")
	require.Len(t, next.Messages, 3)
	require.Equal(t, "assistant", next.Messages[1].Role)
	require.Equal(t, "Hello world", next.Messages[1].Content)
	require.Equal(t, "user", next.Messages[2].Role)
	require.Contains(t, next.Messages[2].Content, "Continue generating")
}

func TestContinuationRequestAppendsMarkerForPromptOnly(t *testing.T) {
	req := models.CompletionRequest{Prompt: "Tell a story."}
	next := continuationRequest(req, "Once upon a time")
	require.Contains(t, next.Prompt, "Tell a story.")
	require.Contains(t, next.Prompt, "Assistant (partial, continue from here): Once upon a time")
}
