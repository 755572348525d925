// Package oracle implements the outbound Oracle client and the periodic
// discovery loop of spec section 4.2, in the shape of the teacher's
// pkg/agent.Client (an http.Client wrapper with one method per master
// endpoint, each returning a decoded DTO or a wrapped error).
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/arcrelay/inferd/internal/models"
)

// Client talks to the Oracle's HTTP API (spec section 6).
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates an Oracle client with the per-attempt HTTP timeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type nodeListEntry struct {
	Endpoint string `json:"endpoint"`
	Address  string `json:"address"`
}

type nodeListResponse struct {
	Nodes []nodeListEntry `json:"nodes"`
}

// ListNodes fetches GET /api/nodes.
func (c *Client) ListNodes(ctx context.Context) ([]models.NodeSeed, error) {
	var resp nodeListResponse
	if err := c.getJSON(ctx, "/api/nodes", &resp); err != nil {
		return nil, err
	}
	seeds := make([]models.NodeSeed, 0, len(resp.Nodes))
	for _, n := range resp.Nodes {
		seeds = append(seeds, models.NodeSeed{URL: n.Endpoint, WalletAddress: n.Address})
	}
	return seeds, nil
}

type topologyMemberDTO struct {
	Address            string  `json:"address"`
	HTTPEndpoint       string  `json:"httpEndpoint"`
	LayerStart         int     `json:"layerStart"`
	LayerEnd           int     `json:"layerEnd"`
	PipelineOrder      int     `json:"pipelineOrder"`
	Ready              bool    `json:"ready"`
	BenchmarkTokPerSec float64 `json:"benchmarkTokPerSec,omitempty"`
}

type topologyResponse struct {
	Model string              `json:"model"`
	Nodes []topologyMemberDTO `json:"nodes"`
}

// GetTopology fetches GET /api/v1/pipeline/topology?model=<id>.
func (c *Client) GetTopology(ctx context.Context, model string) (models.Topology, error) {
	var resp topologyResponse
	path := fmt.Sprintf("/api/v1/pipeline/topology?model=%s", model)
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return models.Topology{}, err
	}
	topo := models.Topology{Model: resp.Model}
	for _, m := range resp.Nodes {
		topo.Members = append(topo.Members, models.TopologyMember{
			WalletAddress:      m.Address,
			HTTPEndpoint:       m.HTTPEndpoint,
			LayerStart:         m.LayerStart,
			LayerEnd:           m.LayerEnd,
			PipelineOrder:      m.PipelineOrder,
			Ready:              m.Ready,
			BenchmarkTokPerSec: m.BenchmarkTokPerSec,
		})
	}
	topo.TotalLayers = topo.MaxLayerEnd()
	return topo, nil
}

type capacityEntry struct {
	Address            string  `json:"address"`
	BenchmarkTokPerSec float64 `json:"benchmarkTokPerSec"`
}

// GetCapacity fetches GET /api/v1/metrics/capacity.
func (c *Client) GetCapacity(ctx context.Context) ([]capacityEntry, error) {
	var resp []capacityEntry
	if err := c.getJSON(ctx, "/api/v1/metrics/capacity", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// ReportUsage posts one worker's usage aggregate to POST /api/metrics.
func (c *Client) ReportUsage(ctx context.Context, report models.UsageReport) error {
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal usage report: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/metrics", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build usage report request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send usage report: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("usage report rejected with status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request for %s: %w", path, err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("request %s returned status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response from %s: %w", path, err)
	}
	return nil
}
