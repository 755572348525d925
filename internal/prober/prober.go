// Package prober implements the Health Prober of spec section 4.3: a
// periodic sweep over a snapshot of the registry, GETing {url}/health on
// each node and classifying its type from the response body. Structurally
// it mirrors the teacher's internal/discover.HealthCheck state machine
// (consecutive-failure counters driving a status transition), narrowed to
// the two-state online/offline model the spec calls for instead of the
// teacher's three-tier healthy/degraded/unhealthy status.
package prober

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/arcrelay/inferd/internal/models"
	"github.com/arcrelay/inferd/internal/registry"
)

// Prober runs periodic GET {url}/health probes against every registered
// node and updates the registry from the result.
type Prober struct {
	registry   *registry.Registry
	httpClient *http.Client
	interval   time.Duration
}

// New builds a Prober with the given probe timeout and sweep interval.
func New(reg *registry.Registry, timeout, interval time.Duration) *Prober {
	return &Prober{
		registry:   reg,
		httpClient: &http.Client{Timeout: timeout},
		interval:   interval,
	}
}

type healthBody struct {
	Status string `json:"status"`
	Mode   string `json:"mode"`
}

// Run sweeps the registry every interval until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Println("health prober: stopping")
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

func (p *Prober) sweep(ctx context.Context) {
	for _, n := range p.registry.SnapshotAll() {
		p.ProbeOne(ctx, n.URL)
	}
}

// ProbeOne probes a single node. It satisfies oracle.Prober so Oracle
// Discovery can immediately probe a newly discovered node.
func (p *Prober) ProbeOne(ctx context.Context, url string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url+"/health", nil)
	if err != nil {
		log.Printf("warn: health prober: building request for %s: %v", url, err)
		p.registry.IncrementFailure(url)
		return
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.registry.IncrementFailure(url)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		p.registry.IncrementFailure(url)
		return
	}

	var body healthBody
	_ = json.NewDecoder(resp.Body).Decode(&body) // lenient: a bare 200 with no body is still healthy

	nodeType := models.NodeType("")
	if body.Mode == "pipeline" {
		nodeType = models.NodeTypePipeline
	} else if existing := p.registry.Get(url); existing != nil && existing.Type == models.NodeTypeUnknown {
		nodeType = models.NodeTypeOpenAI
	}

	p.registry.MarkProbed(url, nodeType)
}
