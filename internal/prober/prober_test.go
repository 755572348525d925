package prober

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/arcrelay/inferd/internal/models"
	"github.com/arcrelay/inferd/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// nodeURL is a non-loopback node URL the registry accepts; routeTo points
// the prober's HTTP client at the test server whatever host it dials.
const nodeURL = "http://node.example.com"

func routeTo(p *Prober, srv *httptest.Server) {
	p.httpClient.Transport = &http.Transport{
		DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			return (&net.Dialer{}).DialContext(ctx, network, srv.Listener.Addr().String())
		},
	}
}

func TestProbeOneClassifiesPipeline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"mode":"pipeline"}`))
	}))
	defer srv.Close()

	reg := registry.New()
	_, err := reg.Upsert(models.NodeSeed{URL: nodeURL})
	require.NoError(t, err)

	p := New(reg, 2*time.Second, time.Hour)
	routeTo(p, srv)
	p.ProbeOne(context.Background(), nodeURL)

	n := reg.Get(nodeURL)
	assert.Equal(t, models.NodeStatusOnline, n.Status)
	assert.Equal(t, models.NodeTypePipeline, n.Type)
	assert.Equal(t, 0, n.ConsecutiveFails)
}

func TestProbeOneClassifiesUnknownAsOpenAI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	reg := registry.New()
	_, err := reg.Upsert(models.NodeSeed{URL: nodeURL})
	require.NoError(t, err)

	p := New(reg, 2*time.Second, time.Hour)
	routeTo(p, srv)
	p.ProbeOne(context.Background(), nodeURL)

	n := reg.Get(nodeURL)
	assert.Equal(t, models.NodeTypeOpenAI, n.Type)
}

func TestProbeOneFailureIncrementsAndCoolsDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	reg := registry.New(registry.WithFailureThreshold(2))
	_, err := reg.Upsert(models.NodeSeed{URL: nodeURL})
	require.NoError(t, err)
	reg.SetStatus(nodeURL, models.NodeStatusOnline)

	p := New(reg, 2*time.Second, time.Hour)
	routeTo(p, srv)
	p.ProbeOne(context.Background(), nodeURL)
	p.ProbeOne(context.Background(), nodeURL)

	n := reg.Get(nodeURL)
	assert.Equal(t, models.NodeStatusOffline, n.Status)
	assert.True(t, n.InCooldown(time.Now()))
}
