package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"github.com/arcrelay/inferd/internal/gatewayerrs"
	"github.com/arcrelay/inferd/internal/models"
	"github.com/arcrelay/inferd/internal/retrycoordinator"
)

type fakeCoordinator struct {
	result models.CompletionResult
	err    error
	chunks []string
	stream retrycoordinator.StreamResult
}

func (f *fakeCoordinator) Forward(ctx context.Context, req models.CompletionRequest) (models.CompletionResult, error) {
	return f.result, f.err
}

func (f *fakeCoordinator) ForwardStream(ctx context.Context, req models.CompletionRequest) (<-chan models.Chunk, func() retrycoordinator.StreamResult) {
	out := make(chan models.Chunk, len(f.chunks))
	for _, c := range f.chunks {
		out <- models.Chunk{Content: c}
	}
	close(out)
	return out, func() retrycoordinator.StreamResult { return f.stream }
}

type fakeNodeLister struct {
	nodes map[string]*models.Node
}

func (f *fakeNodeLister) SnapshotAll() []*models.Node {
	out := make([]*models.Node, 0, len(f.nodes))
	for _, n := range f.nodes {
		out = append(out, n)
	}
	return out
}

func (f *fakeNodeLister) Get(url string) *models.Node { return f.nodes[url] }

type fakeUsage struct {
	recorded []string
}

func (f *fakeUsage) Record(walletAddress string, tokens int64, latency time.Duration) {
	f.recorded = append(f.recorded, walletAddress)
}

func newTestServer(coord Coordinator, usage UsageRecorder) *httptest.Server {
	h := NewHandler(coord, usage)
	r := mux.NewRouter()
	h.RegisterRoutes(r)
	return httptest.NewServer(r)
}

func TestChatCompletionsNonStreamHappyPath(t *testing.T) {
	coord := &fakeCoordinator{result: models.CompletionResult{Content: "hi there", WalletAddress: "0xabc"}}
	usage := &fakeUsage{}
	srv := newTestServer(coord, usage)
	defer srv.Close()

	body := strings.NewReader(`{"model":"m","messages":[{"role":"user","content":"hi"}],"max_tokens":16}`)
	resp, err := http.Post(srv.URL+"/v1/chat/completions", "application/json", body)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var parsed chatCompletionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&parsed))
	require.Equal(t, "hi there", parsed.Choices[0].Message.Content)
	require.Greater(t, parsed.Usage.TotalTokens, 0)
	require.Equal(t, []string{"0xabc"}, usage.recorded)
}

func TestChatCompletionsTierErrorIsNotServiceUnavailable(t *testing.T) {
	coord := &fakeCoordinator{err: gatewayerrs.New(gatewayerrs.KindTier, "forward", "", "model requires pro tier", nil)}
	srv := newTestServer(coord, &fakeUsage{})
	defer srv.Close()

	body := strings.NewReader(`{"model":"m","messages":[{"role":"user","content":"hi"}],"max_tokens":16}`)
	resp, err := http.Post(srv.URL+"/v1/chat/completions", "application/json", body)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestChatCompletionsRejectsMissingMessages(t *testing.T) {
	coord := &fakeCoordinator{}
	srv := newTestServer(coord, &fakeUsage{})
	defer srv.Close()

	body := strings.NewReader(`{"model":"m","max_tokens":16}`)
	resp, err := http.Post(srv.URL+"/v1/chat/completions", "application/json", body)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListNodesReturnsRegistrySnapshot(t *testing.T) {
	lister := &fakeNodeLister{nodes: map[string]*models.Node{
		"http://a": {URL: "http://a", Status: models.NodeStatusOnline, Type: models.NodeTypeOpenAI},
	}}
	h := NewHandler(&fakeCoordinator{}, &fakeUsage{}).WithNodeLister(lister)
	r := mux.NewRouter()
	h.RegisterRoutes(r)
	srv := httptest.NewServer(r)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/nodes")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var parsed struct {
		Nodes []nodeDTO `json:"nodes"`
		Count int       `json:"count"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&parsed))
	require.Equal(t, 1, parsed.Count)
	require.Equal(t, "http://a", parsed.Nodes[0].ID)
}

func TestGetNodeReturns404WhenUnknown(t *testing.T) {
	lister := &fakeNodeLister{nodes: map[string]*models.Node{}}
	h := NewHandler(&fakeCoordinator{}, &fakeUsage{}).WithNodeLister(lister)
	r := mux.NewRouter()
	h.RegisterRoutes(r)
	srv := httptest.NewServer(r)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/nodes/missing")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestChatCompletionsStreamEmitsDoneTerminator(t *testing.T) {
	coord := &fakeCoordinator{chunks: []string{"Hello ", "world"}, stream: retrycoordinator.StreamResult{WalletAddress: "0xdef"}}
	usage := &fakeUsage{}
	srv := newTestServer(coord, usage)
	defer srv.Close()

	body := strings.NewReader(`{"model":"m","messages":[{"role":"user","content":"hi"}],"max_tokens":16,"stream":true}`)
	resp, err := http.Post(srv.URL+"/v1/chat/completions", "application/json", body)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var lastLine string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data:") {
			lastLine = line
		}
	}
	require.Equal(t, "data: [DONE]", lastLine)
	require.Equal(t, []string{"0xdef"}, usage.recorded)
}
