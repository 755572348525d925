package oracle

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/arcrelay/inferd/internal/models"
	"github.com/arcrelay/inferd/internal/registry"
)

// Prober is the subset of the Health Prober's API the discovery loop
// needs to immediately probe a newly discovered node (spec 4.2: "Newly
// discovered nodes trigger an immediate, additional health probe").
type Prober interface {
	ProbeOne(ctx context.Context, url string)
}

// Discovery runs the periodic Oracle poll described in spec section 4.2.
type Discovery struct {
	client   *Client
	registry *registry.Registry
	prober   Prober
	model    string
	interval time.Duration
}

// NewDiscovery builds a Discovery loop.
func NewDiscovery(client *Client, reg *registry.Registry, prober Prober, model string, interval time.Duration) *Discovery {
	return &Discovery{client: client, registry: reg, prober: prober, model: model, interval: interval}
}

// Run polls every interval until ctx is cancelled. Each of the three
// Oracle calls is best-effort and independently skippable on error.
func (d *Discovery) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Println("oracle discovery: stopping")
			return
		case <-ticker.C:
			d.cycle(ctx)
		}
	}
}

func (d *Discovery) cycle(ctx context.Context) {
	d.pollNodeList(ctx)
	d.pollTopology(ctx)
	d.pollCapacity(ctx)
}

func (d *Discovery) pollNodeList(ctx context.Context) {
	seeds, err := d.client.ListNodes(ctx)
	if err != nil {
		logOracleErr("list nodes", err)
		return
	}
	for _, seed := range seeds {
		existing := d.registry.Get(seed.URL)
		node, upsertErr := d.registry.Upsert(seed)
		if upsertErr != nil {
			log.Printf("warn: oracle discovery: rejecting node %s: %v", seed.URL, upsertErr)
			continue
		}
		if existing == nil {
			d.prober.ProbeOne(ctx, node.URL)
		}
	}
}

func (d *Discovery) pollTopology(ctx context.Context) {
	if d.model == "" {
		return
	}
	topo, err := d.client.GetTopology(ctx, d.model)
	if err != nil {
		logOracleErr("pipeline topology", err)
		return
	}
	for _, m := range topo.Members {
		if m.HTTPEndpoint == "" {
			continue
		}
		existing := d.registry.Get(m.HTTPEndpoint)
		node, upsertErr := d.registry.Upsert(models.NodeSeed{URL: m.HTTPEndpoint, WalletAddress: m.WalletAddress, FromTopology: true})
		if upsertErr != nil {
			log.Printf("warn: oracle discovery: rejecting topology node %s: %v", m.HTTPEndpoint, upsertErr)
			continue
		}
		if m.BenchmarkTokPerSec > 0 {
			d.registry.SetCapacity(node.URL, m.BenchmarkTokPerSec)
		}
		d.registry.SetTopologyInfo(node.URL, m.IsEntry())
		if existing == nil {
			d.prober.ProbeOne(ctx, node.URL)
		}
	}
}

func (d *Discovery) pollCapacity(ctx context.Context) {
	entries, err := d.client.GetCapacity(ctx)
	if err != nil {
		logOracleErr("capacity metrics", err)
		return
	}
	for _, e := range entries {
		if e.BenchmarkTokPerSec <= 0 {
			continue
		}
		node := d.registry.FindByAddress(e.Address)
		if node == nil {
			continue
		}
		d.registry.SetCapacity(node.URL, e.BenchmarkTokPerSec)
	}
}

func logOracleErr(op string, err error) {
	if strings.Contains(strings.ToLower(err.Error()), "connection refused") {
		log.Printf("debug: oracle discovery: %s: %v", op, err)
		return
	}
	log.Printf("warn: oracle discovery: %s: %v", op, err)
}
