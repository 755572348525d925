package oracle

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/arcrelay/inferd/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProber struct {
	probed []string
}

func (f *fakeProber) ProbeOne(ctx context.Context, url string) {
	f.probed = append(f.probed, url)
}

func TestDiscoveryCycleUpsertsNodesAndCapacity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/nodes":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"nodes": []map[string]string{
					{"endpoint": "https://node-a.example.com", "address": "0xAAA"},
				},
			})
		case "/api/v1/pipeline/topology":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"model": "m",
				"nodes": []map[string]interface{}{},
			})
		case "/api/v1/metrics/capacity":
			json.NewEncoder(w).Encode([]map[string]interface{}{
				{"address": "0xAAA", "benchmarkTokPerSec": 42.0},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	reg := registry.New()
	client := NewClient(srv.URL, 2*time.Second)
	prober := &fakeProber{}
	d := NewDiscovery(client, reg, prober, "m", time.Hour)

	d.cycle(context.Background())

	node := reg.Get("https://node-a.example.com")
	require.NotNil(t, node)
	assert.Equal(t, 42.0, node.CapacityScore)
	assert.Equal(t, []string{"https://node-a.example.com"}, prober.probed, "newly discovered node gets an immediate probe")
}

func TestDiscoverySkipsBadCallsIndependently(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/nodes":
			http.Error(w, "boom", http.StatusInternalServerError)
		case "/api/v1/pipeline/topology":
			json.NewEncoder(w).Encode(map[string]interface{}{"model": "m", "nodes": []map[string]interface{}{}})
		case "/api/v1/metrics/capacity":
			json.NewEncoder(w).Encode([]map[string]interface{}{})
		}
	}))
	defer srv.Close()

	reg := registry.New()
	client := NewClient(srv.URL, 2*time.Second)
	d := NewDiscovery(client, reg, &fakeProber{}, "m", time.Hour)

	// Must not panic or block despite the node-list call failing.
	d.cycle(context.Background())
	assert.Empty(t, reg.SnapshotAll())
}

func TestTopologyWinsOnAddressDisagreement(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/nodes":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"nodes": []map[string]string{{"endpoint": "https://shared.example.com", "address": "0xOLD"}},
			})
		case "/api/v1/pipeline/topology":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"model": "m",
				"nodes": []map[string]interface{}{
					{"address": "0xNEW", "httpEndpoint": "https://shared.example.com", "pipelineOrder": 0},
				},
			})
		case "/api/v1/metrics/capacity":
			json.NewEncoder(w).Encode([]map[string]interface{}{})
		}
	}))
	defer srv.Close()

	reg := registry.New()
	client := NewClient(srv.URL, 2*time.Second)
	d := NewDiscovery(client, reg, &fakeProber{}, "m", time.Hour)
	d.cycle(context.Background())

	node := reg.Get("https://shared.example.com")
	require.NotNil(t, node)
	assert.Equal(t, "0xnew", node.WalletAddress, "topology is applied after the node list, so it wins")
}
